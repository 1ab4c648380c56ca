package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/yeka/zip"

	"github.com/dhcgn/imap-to-zip/stats"
	"github.com/dhcgn/imap-to-zip/workdir"
)

var (
	ErrNoWorkDir = errors.New("working directory does not exist")
	// ErrArchiveInWorkDir rejects an archive path that the post-archive
	// cleanup of the working directory would delete.
	ErrArchiveInWorkDir = errors.New("archive path lies inside the working directory")
)

const partialSuffix = ".partial"

type Options struct {
	WorkDir     string
	ArchivePath string
	Password    string
	// Encryption is one of aes128, aes192 or aes256.
	Encryption string
}

// Builder packs the working directory into one password-protected zip and
// removes the directory once the archive is durable on disk.
type Builder struct {
	opts     Options
	method   zip.EncryptionMethod
	recorder stats.Recorder
	logger   *slog.Logger

	open func(string) (io.ReadCloser, error)
}

func NewBuilder(opts Options, recorder stats.Recorder, logger *slog.Logger) (*Builder, error) {
	if opts.WorkDir == "" {
		return nil, fmt.Errorf("working directory is empty")
	}
	if opts.ArchivePath == "" {
		return nil, fmt.Errorf("archive path is empty")
	}
	if opts.Password == "" {
		return nil, fmt.Errorf("archive password is empty")
	}
	if workdir.Contains(opts.WorkDir, opts.ArchivePath) {
		return nil, fmt.Errorf("%w: %s", ErrArchiveInWorkDir, opts.ArchivePath)
	}
	method, err := encryptionMethod(opts.Encryption)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		opts:     opts,
		method:   method,
		recorder: recorder,
		logger:   logger,
		open: func(path string) (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// Build writes the archive and returns its path. On any error no file exists
// at the archive path and the working directory is left in place.
func (b *Builder) Build(ctx context.Context) (string, error) {
	info, err := os.Stat(b.opts.WorkDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNoWorkDir, b.opts.WorkDir)
		}
		return "", fmt.Errorf("stat working directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrNoWorkDir, b.opts.WorkDir)
	}

	if dir := filepath.Dir(b.opts.ArchivePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create archive directory: %w", err)
		}
	}

	partial := b.opts.ArchivePath + partialSuffix
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	done := false
	defer func() {
		if !done {
			_ = f.Close()
			_ = os.Remove(partial)
		}
	}()

	zw := zip.NewWriter(f)
	entries, err := b.addTree(ctx, zw)
	if err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("finish archive: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("sync archive: %w", err)
	}
	size, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", fmt.Errorf("archive size: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(partial, b.opts.ArchivePath); err != nil {
		return "", fmt.Errorf("publish archive: %w", err)
	}
	done = true

	b.logger.Info("archive created", "path", b.opts.ArchivePath, "entries", entries, "bytes", size)
	if b.recorder != nil {
		b.recorder.Record(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeArchived, Count: entries, Bytes: size})
	}

	// A stale working directory would be swept into the next archive.
	if err := workdir.Remove(b.opts.WorkDir); err != nil {
		return "", fmt.Errorf("archive %s written but working directory kept: %w", b.opts.ArchivePath, err)
	}
	b.logger.Debug("working directory removed", "dir", b.opts.WorkDir)

	return b.opts.ArchivePath, nil
}

func (b *Builder) addTree(ctx context.Context, zw *zip.Writer) (int, error) {
	entries := 0
	partial, err := filepath.Abs(b.opts.ArchivePath + partialSuffix)
	if err != nil {
		return 0, fmt.Errorf("resolve archive path: %w", err)
	}
	err = filepath.WalkDir(b.opts.WorkDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if abs, err := filepath.Abs(path); err == nil && abs == partial {
			return nil
		}

		rel, err := filepath.Rel(b.opts.WorkDir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if err := b.addFile(zw, path, name); err != nil {
			return fmt.Errorf("add %s: %w", name, err)
		}
		b.logger.Debug("archived file", "entry", name)
		entries++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("pack %s: %w", b.opts.WorkDir, err)
	}
	return entries, nil
}

func (b *Builder) addFile(zw *zip.Writer, path, name string) error {
	src, err := b.open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	w, err := zw.Encrypt(name, b.opts.Password, b.method)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

func encryptionMethod(name string) (zip.EncryptionMethod, error) {
	switch name {
	case "", "aes128":
		return zip.AES128Encryption, nil
	case "aes192":
		return zip.AES192Encryption, nil
	case "aes256":
		return zip.AES256Encryption, nil
	}
	return 0, fmt.Errorf("unsupported encryption %q", name)
}
