package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/imap-to-zip/model"
	"github.com/dhcgn/imap-to-zip/state"
	"github.com/dhcgn/imap-to-zip/stats"
	"github.com/dhcgn/imap-to-zip/workdir"
)

var ErrMessageVanished = errors.New("message disappeared between search and fetch")

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
	SubjectPrefix      string
	WorkDir            string
	ConnectTimeout     time.Duration
	SessionTimeout     time.Duration
	DryRun             bool
}

// Scanner selects at most one unread message whose subject contains the
// configured prefix and extracts it to the working directory.
type Scanner struct {
	opts     Options
	tracker  state.Tracker
	recorder stats.Recorder
	logger   *slog.Logger
}

func NewScanner(opts Options, tracker state.Tracker, recorder stats.Recorder, logger *slog.Logger) (*Scanner, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.SubjectPrefix == "" {
		return nil, fmt.Errorf("subject prefix is empty")
	}
	if opts.WorkDir == "" {
		return nil, fmt.Errorf("working directory is empty")
	}
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		opts:     opts,
		tracker:  tracker,
		recorder: recorder,
		logger:   logger,
	}, nil
}

// Scan runs one mailbox pass. A credential rejection is returned wrapping
// model.ErrAuth; NotFound leaves the filesystem untouched. A working
// directory left over from an earlier run fails the scan before any message
// is searched or flagged.
func (s *Scanner) Scan(ctx context.Context) (model.ScanResult, error) {
	if err := workdir.CheckEmpty(s.opts.WorkDir); err != nil {
		return model.ScanResult{}, fmt.Errorf("check working directory: %w", err)
	}

	s.logger.Info("login to mailbox", "user", s.opts.Username, "host", s.opts.Host)

	client, cleanup, err := s.dial(ctx)
	if err != nil {
		return model.ScanResult{}, err
	}
	defer cleanup()

	if _, err := client.Select(s.folder(), nil).Wait(); err != nil {
		return model.ScanResult{}, fmt.Errorf("select %s: %w", s.folder(), err)
	}

	uids, err := s.search(client)
	if err != nil {
		return model.ScanResult{}, err
	}
	s.record(stats.Event{Stage: stats.StageScan, Type: stats.EventTypeMatched, Count: len(uids)})

	uid, found, err := s.pick(client, uids)
	if err != nil {
		return model.ScanResult{}, err
	}
	if !found {
		s.logger.Info("no new email with matching subject", "prefix", s.opts.SubjectPrefix, "folder", s.folder())
		return model.ScanResult{Outcome: model.OutcomeNotFound}, nil
	}

	msg, err := s.fetch(client, uid)
	if err != nil {
		return model.ScanResult{}, err
	}
	s.logger.Info("found email", "uid", msg.UID, "subject", msg.Subject, "attachments", len(msg.Attachments))

	files, err := workdir.Materialize(s.opts.WorkDir, msg)
	if err != nil {
		return model.ScanResult{}, fmt.Errorf("extract message %d: %w", msg.UID, err)
	}
	for _, name := range files {
		s.logger.Debug("saved file", "dir", s.opts.WorkDir, "file", name)
	}
	s.record(stats.Event{Stage: stats.StageScan, Type: stats.EventTypeExtracted, Count: len(files)})

	if err := s.markProcessed(client, msg); err != nil {
		return model.ScanResult{}, err
	}

	return model.ScanResult{
		Outcome:   model.OutcomeFound,
		UID:       msg.UID,
		MessageID: msg.MessageID,
		Subject:   msg.Subject,
		Dir:       s.opts.WorkDir,
		Files:     files,
	}, nil
}

func (s *Scanner) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))

	dialer := &net.Dialer{Timeout: s.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if s.opts.SessionTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(s.opts.SessionTimeout)); err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("set imap deadline: %w", err)
		}
	}

	if s.opts.UseTLS {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         s.opts.Host,
			InsecureSkipVerify: s.opts.InsecureSkipVerify,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("imap tls handshake %s: %w", address, err)
		}
		conn = tlsConn
	}

	client := imapclient.New(conn, &imapclient.Options{})

	if err := client.Login(s.opts.Username, s.opts.Password).Wait(); err != nil {
		_ = client.Close()
		if isAuthFailure(err) {
			return nil, nil, fmt.Errorf("imap login as %s: %w: %v", s.opts.Username, model.ErrAuth, err)
		}
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	s.logger.Debug("imap connection established", "address", address, "user", s.opts.Username, "tls", s.opts.UseTLS)

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				s.logger.Warn("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil {
			s.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

// search asks the server for unread messages whose Subject header contains
// the prefix, oldest UID first.
func (s *Scanner) search(client *imapclient.Client) ([]imapv2.UID, error) {
	criteria := &imapv2.SearchCriteria{
		Header: []imapv2.SearchCriteriaHeaderField{
			{Key: "Subject", Value: s.opts.SubjectPrefix},
		},
		NotFlag: []imapv2.Flag{imapv2.FlagSeen},
	}

	data, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", s.opts.SubjectPrefix, err)
	}

	uids := data.AllUIDs()
	slices.Sort(uids)
	s.logger.Debug("search finished", "prefix", s.opts.SubjectPrefix, "matches", len(uids))
	return uids, nil
}

// pick returns the first matching UID not already in the ledger. Ledger hits
// are flagged \Seen so the server stops returning them.
func (s *Scanner) pick(client *imapclient.Client, uids []imapv2.UID) (imapv2.UID, bool, error) {
	var duplicates []imapv2.UID
	defer func() {
		if len(duplicates) > 0 && !s.opts.DryRun {
			if err := s.markSeen(client, duplicates...); err != nil {
				s.logger.Warn("flagging already processed messages failed", "count", len(duplicates), "err", err)
			}
		}
	}()

	for _, uid := range uids {
		msgs, err := client.Fetch(imapv2.UIDSetNum(uid), &imapv2.FetchOptions{UID: true, Envelope: true}).Collect()
		if err != nil {
			return 0, false, fmt.Errorf("fetch envelope %d: %w", uid, err)
		}
		if len(msgs) == 0 || msgs[0].Envelope == nil {
			s.logger.Debug("message vanished before envelope fetch", "uid", uid)
			continue
		}

		env := msgs[0].Envelope
		if s.tracker.AlreadyProcessed(env.MessageID) {
			s.logger.Info("skip already processed email", "uid", uid, "messageID", env.MessageID, "subject", env.Subject)
			s.record(stats.Event{Stage: stats.StageScan, Type: stats.EventTypeDuplicate})
			duplicates = append(duplicates, uid)
			continue
		}
		return uid, true, nil
	}
	return 0, false, nil
}

func (s *Scanner) fetch(client *imapclient.Client, uid imapv2.UID) (model.Message, error) {
	section := &imapv2.FetchItemBodySection{Peek: true}
	opts := &imapv2.FetchOptions{
		UID:         true,
		Envelope:    true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	}

	msgs, err := client.Fetch(imapv2.UIDSetNum(uid), opts).Collect()
	if err != nil {
		return model.Message{}, fmt.Errorf("fetch message %d: %w", uid, err)
	}
	if len(msgs) == 0 {
		return model.Message{}, fmt.Errorf("fetch message %d: %w", uid, ErrMessageVanished)
	}

	buf := msgs[0]
	raw := buf.FindBodySection(section)
	if raw == nil {
		return model.Message{}, fmt.Errorf("fetch message %d: empty body section", uid)
	}

	msg, err := ParseMessage(raw)
	if err != nil {
		return model.Message{}, fmt.Errorf("message %d: %w", uid, err)
	}
	msg.UID = uint32(uid)
	if buf.Envelope != nil {
		if msg.Subject == "" {
			msg.Subject = buf.Envelope.Subject
		}
		if msg.MessageID == "" {
			msg.MessageID = buf.Envelope.MessageID
		}
	}
	return msg, nil
}

// markProcessed records the message in the ledger and flags it \Seen. The
// ledger write is authoritative; a failed flag update is only logged.
func (s *Scanner) markProcessed(client *imapclient.Client, msg model.Message) error {
	if s.opts.DryRun {
		s.logger.Info("dry-run: message left unread", "uid", msg.UID)
		return nil
	}

	if err := s.tracker.MarkProcessed(state.Entry{MessageID: msg.MessageID, Subject: msg.Subject}); err != nil {
		return fmt.Errorf("record message %d: %w", msg.UID, err)
	}
	if err := s.markSeen(client, imapv2.UID(msg.UID)); err != nil {
		s.logger.Warn("flagging message as seen failed", "uid", msg.UID, "err", err)
	}
	return nil
}

func (s *Scanner) markSeen(client *imapclient.Client, uids ...imapv2.UID) error {
	cmd := client.Store(imapv2.UIDSetNum(uids...), &imapv2.StoreFlags{
		Op:     imapv2.StoreFlagsAdd,
		Silent: true,
		Flags:  []imapv2.Flag{imapv2.FlagSeen},
	}, nil)
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("store \\Seen: %w", err)
	}
	return nil
}

func (s *Scanner) folder() string {
	if s.opts.Folder == "" {
		return "INBOX"
	}
	return s.opts.Folder
}

func (s *Scanner) record(evt stats.Event) {
	if s.recorder != nil {
		s.recorder.Record(evt)
	}
}

func isAuthFailure(err error) bool {
	var respErr *imapv2.Error
	if !errors.As(err, &respErr) {
		return false
	}
	switch respErr.Code {
	case imapv2.ResponseCodeAuthenticationFailed, imapv2.ResponseCodeAuthorizationFailed, imapv2.ResponseCodeExpired:
		return true
	}
	return respErr.Type == imapv2.StatusResponseTypeNo
}
