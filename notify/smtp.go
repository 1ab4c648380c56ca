package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/dhcgn/imap-to-zip/model"
)

const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityNone     = "none"
)

var ErrNoStartTLS = errors.New("server does not offer STARTTLS")

type SMTPOptions struct {
	Host               string
	Port               int
	Security           string
	Username           string
	Password           string
	InsecureSkipVerify bool
	ConnectTimeout     time.Duration
	SessionTimeout     time.Duration
}

// SMTPTransport submits mail to a relay with SASL PLAIN.
type SMTPTransport struct {
	opts SMTPOptions
}

func NewSMTPTransport(opts SMTPOptions) (*SMTPTransport, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("smtp host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("smtp port must be positive")
	}
	switch opts.Security {
	case "":
		opts.Security = SecurityTLS
	case SecurityTLS, SecurityStartTLS, SecurityNone:
	default:
		return nil, fmt.Errorf("unsupported smtp security %q", opts.Security)
	}
	return &SMTPTransport{opts: opts}, nil
}

func (t *SMTPTransport) Name() string { return "smtp" }

func (t *SMTPTransport) Send(ctx context.Context, env Envelope) error {
	address := net.JoinHostPort(t.opts.Host, strconv.Itoa(t.opts.Port))

	dialer := &net.Dialer{Timeout: t.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("dial smtp %s: %w", address, err)
	}
	if t.opts.SessionTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(t.opts.SessionTimeout)); err != nil {
			_ = conn.Close()
			return fmt.Errorf("set smtp deadline: %w", err)
		}
	}

	tlsConfig := &tls.Config{
		ServerName:         t.opts.Host,
		InsecureSkipVerify: t.opts.InsecureSkipVerify,
	}
	if t.opts.Security == SecurityTLS {
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return fmt.Errorf("smtp tls handshake %s: %w", address, err)
		}
		conn = tlsConn
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stopClose()

	client, err := smtp.NewClient(conn, t.opts.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp greeting: %w", err)
	}
	defer client.Close()

	if t.opts.Security == SecurityStartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return ErrNoStartTLS
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if t.opts.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", t.opts.Username, t.opts.Password)); err != nil {
			if isAuthFailure(err) {
				return fmt.Errorf("smtp login as %s: %w: %v", t.opts.Username, model.ErrAuth, err)
			}
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(env.From, nil); err != nil {
		return fmt.Errorf("mail from %s: %w", env.From, err)
	}
	for _, rcpt := range env.To {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt to %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(env.Raw); err != nil {
		_ = w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message rejected: %w", err)
	}

	// The relay has accepted the message at this point.
	_ = client.Quit()
	return nil
}

func isAuthFailure(err error) bool {
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) {
		return false
	}
	switch smtpErr.Code {
	case 530, 534, 535:
		return true
	}
	return false
}
