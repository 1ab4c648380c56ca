// Package workdir materializes a selected message into the transient working
// directory that the archive stage packs.
package workdir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhcgn/imap-to-zip/model"
)

var (
	ErrNotDirectory = errors.New("working directory path is not a directory")
	// ErrNotEmpty means an earlier run left files behind, usually after a
	// failed archive. They must be recovered or removed by hand.
	ErrNotEmpty = errors.New("working directory is not empty")
)

// Materialize writes the message body to model.BodyFileName and every
// attachment to its own file inside dir, creating dir if needed. An existing
// dir must be empty. It returns
// the names written, body first, then attachments in message order.
//
// A name that is already taken gets a numeric suffix before its extension,
// so two attachments called a.pdf end up as a.pdf and a-1.pdf.
func Materialize(dir string, msg model.Message) ([]string, error) {
	if err := ensureDir(dir); err != nil {
		return nil, err
	}

	taken := make(map[string]struct{}, len(msg.Attachments)+1)
	written := make([]string, 0, len(msg.Attachments)+1)

	body := claim(taken, model.BodyFileName)
	if err := writeFile(filepath.Join(dir, body), []byte(msg.Body)); err != nil {
		return written, fmt.Errorf("write body: %w", err)
	}
	written = append(written, body)

	for i, att := range msg.Attachments {
		name := claim(taken, SafeName(att.Filename, i+1))
		if err := writeFile(filepath.Join(dir, name), att.Content); err != nil {
			return written, fmt.Errorf("write attachment %q: %w", att.Filename, err)
		}
		written = append(written, name)
	}

	return written, nil
}

// CheckEmpty reports ErrNotEmpty when dir holds any entry. A missing dir is
// fine.
func CheckEmpty(dir string) error {
	entries, err := os.ReadDir(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		info, statErr := os.Stat(dir)
		if statErr == nil && !info.IsDir() {
			return fmt.Errorf("%s: %w", dir, ErrNotDirectory)
		}
		return fmt.Errorf("read working directory: %w", err)
	case len(entries) > 0:
		return fmt.Errorf("%s holds %d leftover entries: %w", dir, len(entries), ErrNotEmpty)
	}
	return nil
}

// Contains reports whether path is dir itself or lies somewhere below it.
// Relative paths are resolved against the current directory first.
func Contains(dir, path string) bool {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Remove deletes the working directory tree.
func Remove(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove working directory: %w", err)
	}
	return nil
}

// SafeName reduces an attachment filename to a plain base name. Names that
// would be empty or refer to a directory become attachment-<n>.
func SafeName(filename string, n int) string {
	name := strings.ReplaceAll(filename, "\\", "/")
	name = filepath.Base(filepath.FromSlash(name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)

	switch name {
	case "", ".", "..", string(filepath.Separator):
		return fmt.Sprintf("attachment-%d", n)
	}
	return name
}

func claim(taken map[string]struct{}, name string) string {
	key := strings.ToLower(name)
	if _, ok := taken[key]; !ok {
		taken[key] = struct{}{}
		return name
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", stem, i, ext)
		key := strings.ToLower(candidate)
		if _, ok := taken[key]; !ok {
			taken[key] = struct{}{}
			return candidate
		}
	}
}

func ensureDir(dir string) error {
	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		return fmt.Errorf("%s: %w", dir, ErrNotDirectory)
	case err == nil:
		return CheckEmpty(dir)
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create working directory: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("stat working directory: %w", err)
	}
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o600)
}
