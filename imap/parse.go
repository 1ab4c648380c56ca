package imap

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/imap-to-zip/model"
)

// ParseMessage decodes a raw RFC 5322 message. Plain text parts without a
// filename form the body; text/html is used only when no plain part exists.
// Attachment parts and inline parts carrying a filename become attachments.
// Inline parts with neither a filename nor a text type are dropped.
func ParseMessage(raw []byte) (model.Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return model.Message{}, fmt.Errorf("parse message: %w", err)
	}
	defer mr.Close()

	var msg model.Message
	msg.Subject, _ = mr.Header.Subject()
	msg.MessageID, _ = mr.Header.MessageID()

	var plain, html []string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return model.Message{}, fmt.Errorf("read part: %w", err)
		}

		body, err := io.ReadAll(part.Body)
		if err != nil {
			return model.Message{}, fmt.Errorf("read part body: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			ah := mail.AttachmentHeader{Header: h.Header}
			filename, _ := ah.Filename()

			switch {
			case filename != "":
				msg.Attachments = append(msg.Attachments, model.Attachment{
					Filename:    filename,
					ContentType: contentType,
					Content:     body,
				})
			case strings.EqualFold(contentType, "text/plain"):
				plain = append(plain, string(body))
			case strings.EqualFold(contentType, "text/html"):
				html = append(html, string(body))
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			msg.Attachments = append(msg.Attachments, model.Attachment{
				Filename:    filename,
				ContentType: contentType,
				Content:     body,
			})
		}
	}

	if len(plain) > 0 {
		msg.Body = strings.Join(plain, "\n")
	} else {
		msg.Body = strings.Join(html, "\n")
	}

	return msg, nil
}
