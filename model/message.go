package model

import "errors"

// ErrAuth marks a credential rejection by the mail server, either while
// reading the mailbox or while submitting the notification.
var ErrAuth = errors.New("authentication rejected")

// BodyFileName is the file inside the working directory that holds the
// message body text.
const BodyFileName = "message_text.txt"

// Message is the single mailbox entry selected for processing in a run.
type Message struct {
	UID         uint32
	MessageID   string
	Subject     string
	Body        string
	Attachments []Attachment
}

// Attachment is one attached file, in the order it appears in the message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

type Outcome int

const (
	OutcomeNotFound Outcome = iota
	OutcomeFound
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFound:
		return "found"
	default:
		return "not_found"
	}
}

// ScanResult reports what the mailbox scan produced. Dir and Files are only
// set when Outcome is OutcomeFound.
type ScanResult struct {
	Outcome   Outcome
	UID       uint32
	MessageID string
	Subject   string
	Dir       string
	Files     []string
}
