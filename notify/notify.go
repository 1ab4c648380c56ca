package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dhcgn/imap-to-zip/model"
	"github.com/dhcgn/imap-to-zip/stats"
)

// Envelope is a rendered message ready for a transport.
type Envelope struct {
	From string
	To   []string
	Raw  []byte
}

// Transport delivers one envelope. A credential rejection must wrap
// model.ErrAuth.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
	Name() string
}

type Options struct {
	From     string
	To       string
	Subject  string
	Password string
	DryRun   bool
}

// Notifier mails the archive and its password to the configured recipient.
type Notifier struct {
	opts      Options
	transport Transport
	recorder  stats.Recorder
	logger    *slog.Logger
}

func New(opts Options, transport Transport, recorder stats.Recorder, logger *slog.Logger) (*Notifier, error) {
	if opts.From == "" {
		return nil, fmt.Errorf("sender is empty")
	}
	if opts.To == "" {
		return nil, fmt.Errorf("recipient is empty")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		opts:      opts,
		transport: transport,
		recorder:  recorder,
		logger:    logger,
	}, nil
}

// Notify sends exactly one message carrying the archive at archivePath.
func (n *Notifier) Notify(ctx context.Context, archivePath string) error {
	raw, err := Compose(Letter{
		From:        n.opts.From,
		To:          []string{n.opts.To},
		Subject:     n.opts.Subject,
		Password:    n.opts.Password,
		ArchivePath: archivePath,
	})
	if err != nil {
		return fmt.Errorf("compose notification: %w", err)
	}

	n.logger.Info("sending archive", "to", n.opts.To, "subject", n.opts.Subject, "transport", n.transport.Name(), "bytes", len(raw))

	env := Envelope{From: n.opts.From, To: []string{n.opts.To}, Raw: raw}
	if err := n.transport.Send(ctx, env); err != nil {
		evt := stats.Event{Stage: stats.StageNotify, Type: stats.EventTypeError, Err: err}
		if errors.Is(err, model.ErrAuth) {
			evt.Type = stats.EventTypeAuthFailed
		}
		n.record(evt)
		return fmt.Errorf("send via %s: %w", n.transport.Name(), err)
	}

	if n.opts.DryRun {
		n.record(stats.Event{Stage: stats.StageNotify, Type: stats.EventTypeDryRunSent})
	} else {
		n.record(stats.Event{Stage: stats.StageNotify, Type: stats.EventTypeSent})
	}
	n.logger.Info("email sent", "to", n.opts.To)
	return nil
}

func (n *Notifier) record(evt stats.Event) {
	if n.recorder != nil {
		n.recorder.Record(evt)
	}
}

// LogTransport writes the envelope summary to the logger instead of sending.
// It backs dry-run.
type LogTransport struct {
	Logger *slog.Logger
}

func (t LogTransport) Name() string { return "log" }

func (t LogTransport) Send(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("dry-run: email not sent", "from", env.From, "to", env.To, "bytes", len(env.Raw))
	return nil
}
