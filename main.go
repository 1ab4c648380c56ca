package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-to-zip/archive"
	"github.com/dhcgn/imap-to-zip/cmd"
	"github.com/dhcgn/imap-to-zip/config"
	"github.com/dhcgn/imap-to-zip/imap"
	"github.com/dhcgn/imap-to-zip/notify"
	"github.com/dhcgn/imap-to-zip/runner"
	"github.com/dhcgn/imap-to-zip/state"
	"github.com/dhcgn/imap-to-zip/stats"
)

// exitError carries a non-zero pipeline exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	rootCmd := &cobra.Command{
		Use:           "imap-to-zip",
		Short:         "Pack the attachments of one matching email into an encrypted zip and mail it on",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			logger = logger.With("run", uuid.NewString())
			slog.SetDefault(logger)
			logger.Info("starting imap-to-zip", "mailbox", cfg.Main.Login, "folder", cfg.IMAP.Folder, "prefix", cfg.Main.PrefixEmailSubject, "transport", cfg.Transport, "dryRun", cfg.DryRun)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(cmd.NewLedgerCommand())

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	ledger, err := state.Open(cfg.Other.StateDir, !cfg.DryRun)
	if err != nil {
		return fmt.Errorf("state ledger: %w", err)
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			logger.Warn("closing state ledger failed", "err", err)
		}
	}()
	logger.Debug("state ledger loaded", "dir", cfg.Other.StateDir, "entries", ledger.Len())

	collector := stats.NewCollector()

	scanner, err := imap.NewScanner(imap.Options{
		Host:               cfg.IMAP.Host,
		Port:               cfg.IMAP.Port,
		Username:           cfg.Main.Login,
		Password:           cfg.Main.Password,
		UseTLS:             cfg.IMAP.TLS,
		InsecureSkipVerify: cfg.IMAP.InsecureSkipVerify,
		Folder:             cfg.IMAP.Folder,
		SubjectPrefix:      cfg.Main.PrefixEmailSubject,
		WorkDir:            cfg.Other.TmpFolder,
		ConnectTimeout:     cfg.Timeouts.Connect,
		SessionTimeout:     cfg.Timeouts.Session,
		DryRun:             cfg.DryRun,
	}, ledger, collector, logger)
	if err != nil {
		return fmt.Errorf("imap.NewScanner: %w", err)
	}

	builder, err := archive.NewBuilder(archive.Options{
		WorkDir:     cfg.Other.TmpFolder,
		ArchivePath: cfg.Zip.ArchiveName,
		Password:    cfg.Zip.Password,
		Encryption:  cfg.Zip.Encryption,
	}, collector, logger)
	if err != nil {
		return fmt.Errorf("archive.NewBuilder: %w", err)
	}

	transport, err := newTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}

	notifier, err := notify.New(notify.Options{
		From:     cfg.Sender(),
		To:       cfg.Main.ToEmail,
		Subject:  cfg.Main.ToEmailSubject,
		Password: cfg.Zip.Password,
		DryRun:   cfg.DryRun,
	}, transport, collector, logger)
	if err != nil {
		return fmt.Errorf("notify.New: %w", err)
	}

	r, err := runner.New(runner.Stages{
		Scanner:  scanner,
		Archiver: builder,
		Notifier: notifier,
	}, collector, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}

	res := r.Run(ctx)
	if code := res.ExitCode(); code != 0 {
		return &exitError{code: code, err: res.Err}
	}
	return nil
}

func newTransport(ctx context.Context, cfg config.Config, logger *slog.Logger) (notify.Transport, error) {
	if cfg.DryRun {
		return notify.LogTransport{Logger: logger}, nil
	}

	switch cfg.Transport {
	case config.TransportSES:
		transport, err := notify.NewSESTransport(ctx, notify.SESOptions{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("ses transport: %w", err)
		}
		return transport, nil
	default:
		transport, err := notify.NewSMTPTransport(notify.SMTPOptions{
			Host:               cfg.SMTP.Host,
			Port:               cfg.SMTP.Port,
			Security:           cfg.SMTP.Security,
			Username:           cfg.Main.Login,
			Password:           cfg.Main.Password,
			InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
			ConnectTimeout:     cfg.Timeouts.Connect,
			SessionTimeout:     cfg.Timeouts.Session,
		})
		if err != nil {
			return nil, fmt.Errorf("smtp transport: %w", err)
		}
		return transport, nil
	}
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.Log.Level {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.Log.Dir != "" {
		if err := os.MkdirAll(cfg.Log.Dir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.Log.Dir, fmt.Sprintf("imap-to-zip-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
