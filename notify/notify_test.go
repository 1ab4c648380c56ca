package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/imap-to-zip/model"
	"github.com/dhcgn/imap-to-zip/stats"
)

type fakeTransport struct {
	err  error
	sent []Envelope
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Send(_ context.Context, env Envelope) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, env)
	return nil
}

type parsedMail struct {
	subject    string
	from       string
	to         string
	body       string
	filename   string
	attachment []byte
	parts      int
}

func parseMail(t *testing.T, raw []byte) parsedMail {
	t.Helper()
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("CreateReader() error = %v", err)
	}
	defer mr.Close()

	var got parsedMail
	if got.subject, err = mr.Header.Subject(); err != nil {
		t.Fatalf("Subject() error = %v", err)
	}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		got.from = from[0].Address
	}
	if to, err := mr.Header.AddressList("To"); err == nil && len(to) > 0 {
		got.to = to[0].Address
	}

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("NextPart() error = %v", err)
		}
		got.parts++
		data, err := io.ReadAll(p.Body)
		if err != nil {
			t.Fatalf("read part: %v", err)
		}
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			got.body = string(data)
		case *mail.AttachmentHeader:
			got.filename, _ = h.Filename()
			got.attachment = data
		}
	}
	return got
}

func writeArchive(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.zip")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCompose(t *testing.T) {
	content := []byte("PK\x03\x04 not really a zip \x00\xff")
	path := writeArchive(t, content)

	raw, err := Compose(Letter{
		From:        "reader@example.com",
		To:          []string{"accounting@example.com"},
		Subject:     "Invoices",
		Password:    "s3cret",
		ArchivePath: path,
	})
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if !strings.Contains(string(raw), "multipart/mixed") {
		t.Error("message is not multipart/mixed")
	}

	got := parseMail(t, raw)
	if got.subject != "Invoices" {
		t.Errorf("subject = %q", got.subject)
	}
	if got.from != "reader@example.com" || got.to != "accounting@example.com" {
		t.Errorf("from = %q, to = %q", got.from, got.to)
	}
	if got.parts != 2 {
		t.Errorf("parts = %d, want 2", got.parts)
	}
	if got.body != "Archive password: s3cret" {
		t.Errorf("body = %q", got.body)
	}
	if got.filename != "archive.zip" {
		t.Errorf("filename = %q, want archive.zip", got.filename)
	}
	if !bytes.Equal(got.attachment, content) {
		t.Errorf("attachment bytes differ: got %d bytes, want %d", len(got.attachment), len(content))
	}
}

func TestCompose_MissingArchive(t *testing.T) {
	_, err := Compose(Letter{
		From:        "a@example.com",
		To:          []string{"b@example.com"},
		ArchivePath: filepath.Join(t.TempDir(), "absent.zip"),
	})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Compose() error = %v, want not-exist", err)
	}
}

func TestNotifier_Notify(t *testing.T) {
	path := writeArchive(t, []byte("zip"))
	transport := &fakeTransport{}
	collector := stats.NewCollector()

	n, err := New(Options{From: "a@example.com", To: "b@example.com", Subject: "S", Password: "pw"}, transport, collector, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := n.Notify(context.Background(), path); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	if len(transport.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(transport.sent))
	}
	env := transport.sent[0]
	if env.From != "a@example.com" || len(env.To) != 1 || env.To[0] != "b@example.com" {
		t.Errorf("envelope = %+v", env)
	}
	if got := collector.Snapshot().Sent; got != 1 {
		t.Errorf("Sent = %d, want 1", got)
	}
}

func TestNotifier_DryRunCountsSeparately(t *testing.T) {
	path := writeArchive(t, []byte("zip"))
	collector := stats.NewCollector()

	n, err := New(Options{From: "a@example.com", To: "b@example.com", DryRun: true}, LogTransport{}, collector, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Notify(context.Background(), path); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	summary := collector.Snapshot()
	if summary.DryRunSent != 1 || summary.Sent != 0 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestNotifier_TransportErrors(t *testing.T) {
	path := writeArchive(t, []byte("zip"))

	tests := []struct {
		name     string
		err      error
		wantAuth bool
	}{
		{name: "auth", err: fmt.Errorf("relay: %w", model.ErrAuth), wantAuth: true},
		{name: "network", err: errors.New("connection reset")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collector := stats.NewCollector()
			n, err := New(Options{From: "a@example.com", To: "b@example.com"}, &fakeTransport{err: tt.err}, collector, nil)
			if err != nil {
				t.Fatal(err)
			}
			err = n.Notify(context.Background(), path)
			if !errors.Is(err, tt.err) {
				t.Fatalf("Notify() error = %v, want %v", err, tt.err)
			}
			if errors.Is(err, model.ErrAuth) != tt.wantAuth {
				t.Errorf("errors.Is(err, ErrAuth) = %v, want %v", !tt.wantAuth, tt.wantAuth)
			}
			summary := collector.Snapshot()
			if tt.wantAuth && summary.AuthFailures != 1 {
				t.Errorf("AuthFailures = %d, want 1", summary.AuthFailures)
			}
			if !tt.wantAuth && summary.Errors != 1 {
				t.Errorf("Errors = %d, want 1", summary.Errors)
			}
			if summary.Sent != 0 {
				t.Errorf("Sent = %d, want 0", summary.Sent)
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{To: "b@example.com"}, LogTransport{}, nil, nil); err == nil {
		t.Error("expected error without sender")
	}
	if _, err := New(Options{From: "a@example.com"}, LogTransport{}, nil, nil); err == nil {
		t.Error("expected error without recipient")
	}
	if _, err := New(Options{From: "a@example.com", To: "b@example.com"}, nil, nil, nil); err == nil {
		t.Error("expected error without transport")
	}
}
