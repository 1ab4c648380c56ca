package state

import (
	"bufio"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const ledgerFile = "processed.jsonl"

// Tracker remembers which mailbox messages have already been extracted, so a
// message that was not flagged on the server is still processed only once.
type Tracker interface {
	AlreadyProcessed(messageID string) bool
	MarkProcessed(entry Entry) error
	Close() error
}

// Entry is one processed message.
type Entry struct {
	MessageID string
	Subject   string
	At        time.Time
}

type record struct {
	Hash      string    `json:"hash"`
	MessageID string    `json:"message_id"`
	Subject   string    `json:"subject,omitempty"`
	At        time.Time `json:"at"`
}

// Ledger is an append-only JSONL file of processed Message-ID hashes.
type Ledger struct {
	mu        sync.Mutex
	path      string
	persist   bool
	processed map[string]Entry
	file      *os.File
}

// Open loads the ledger in stateDir. With persist set to false new entries are
// kept in memory only (dry-run and reports) and stateDir is never created.
func Open(stateDir string, persist bool) (*Ledger, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	l := &Ledger{
		path:      filepath.Join(stateDir, ledgerFile),
		persist:   persist,
		processed: make(map[string]Entry),
	}

	if err := l.load(); err != nil {
		return nil, err
	}

	if persist {
		if err := os.MkdirAll(stateDir, 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
		file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open state file for append: %w", err)
		}
		l.file = file
	}

	return l, nil
}

// Hash returns the ledger key for a Message-ID. Empty IDs have no key.
func Hash(messageID string) string {
	id := strings.Trim(strings.TrimSpace(messageID), "<>")
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(id))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func (l *Ledger) load() error {
	file, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var rec record
		if err := json.Unmarshal(text, &rec); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		if rec.Hash == "" {
			continue
		}
		l.processed[rec.Hash] = Entry{MessageID: rec.MessageID, Subject: rec.Subject, At: rec.At}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}
	return nil
}

func (l *Ledger) AlreadyProcessed(messageID string) bool {
	hash := Hash(messageID)
	if hash == "" {
		return false
	}

	l.mu.Lock()
	_, ok := l.processed[hash]
	l.mu.Unlock()
	return ok
}

// MarkProcessed records the entry and syncs it to disk before returning. The
// entry becomes visible to AlreadyProcessed only once it is durable.
func (l *Ledger) MarkProcessed(entry Entry) error {
	hash := Hash(entry.MessageID)
	if hash == "" {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.processed[hash]; exists {
		return nil
	}
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	entry.At = entry.At.UTC()

	if !l.persist {
		l.processed[hash] = entry
		return nil
	}

	data, err := json.Marshal(record{Hash: hash, MessageID: entry.MessageID, Subject: entry.Subject, At: entry.At})
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}
	data = append(data, '\n')

	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	l.processed[hash] = entry
	return nil
}

// Len reports the number of processed messages known to the ledger.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.processed)
}

// Entries returns the known entries, oldest first.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	entries := make([]Entry, 0, len(l.processed))
	for _, e := range l.processed {
		entries = append(entries, e)
	}
	l.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].At.Equal(entries[j].At) {
			return entries[i].MessageID < entries[j].MessageID
		}
		return entries[i].At.Before(entries[j].At)
	})
	return entries
}

func (l *Ledger) Close() error {
	if l.file == nil {
		return nil
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close state file: %w", err)
	}
	l.file = nil
	return nil
}
