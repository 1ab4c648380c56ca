package notify

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/emersion/go-message/mail"
)

// Letter is the notification to render: a one-line password body plus the
// archive as a single attachment.
type Letter struct {
	From        string
	To          []string
	Subject     string
	Password    string
	ArchivePath string
	Date        time.Time
}

func passwordLine(password string) string {
	return "Archive password: " + password
}

// Compose renders the letter as an RFC 5322 multipart/mixed message.
func Compose(l Letter) ([]byte, error) {
	if l.From == "" {
		return nil, fmt.Errorf("sender is empty")
	}
	if len(l.To) == 0 {
		return nil, fmt.Errorf("no recipients")
	}

	archive, err := os.ReadFile(l.ArchivePath)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}

	date := l.Date
	if date.IsZero() {
		date = time.Now()
	}

	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Address: l.From}})
	to := make([]*mail.Address, 0, len(l.To))
	for _, addr := range l.To {
		to = append(to, &mail.Address{Address: addr})
	}
	h.SetAddressList("To", to)
	h.SetSubject(l.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}

	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	tw, err := mw.CreateSingleInline(th)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(tw, passwordLine(l.Password)); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	var ah mail.AttachmentHeader
	ah.SetContentType("application/zip", nil)
	ah.SetFilename(filepath.Base(l.ArchivePath))
	ah.Set("Content-Transfer-Encoding", "base64")
	aw, err := mw.CreateAttachment(ah)
	if err != nil {
		return nil, err
	}
	if _, err := aw.Write(archive); err != nil {
		return nil, err
	}
	if err := aw.Close(); err != nil {
		return nil, err
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
