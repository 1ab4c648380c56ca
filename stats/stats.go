package stats

import (
	"log/slog"
	"sync"
	"time"
)

type Stage string

const (
	StageScan    Stage = "scan"
	StageArchive Stage = "archive"
	StageNotify  Stage = "notify"
)

type EventType string

const (
	EventTypeMatched    EventType = "matched"
	EventTypeDuplicate  EventType = "duplicate"
	EventTypeExtracted  EventType = "extracted"
	EventTypeArchived   EventType = "archived"
	EventTypeSent       EventType = "sent"
	EventTypeDryRunSent EventType = "dry_run_sent"
	EventTypeAuthFailed EventType = "auth_failed"
	EventTypeError      EventType = "error"
)

// Event is one observation reported by a stage. Count carries the quantity
// for Matched (search hits), Extracted (files written) and Archived (entries);
// for the other types zero means one.
type Event struct {
	Stage Stage
	Type  EventType
	Count int
	Bytes int64
	Err   error
}

type Summary struct {
	Matched         int
	Duplicates      int
	Files           int
	Archived        int
	ArchivedEntries int
	ArchiveBytes    int64
	Sent            int
	DryRunSent      int
	AuthFailures    int
	Errors          int
	LastError       error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"matched", s.Matched,
		"duplicates", s.Duplicates,
		"files", s.Files,
		"archived", s.Archived,
		"archivedEntries", s.ArchivedEntries,
		"archiveBytes", s.ArchiveBytes,
		"sent", s.Sent,
		"dryRunSent", s.DryRunSent,
		"authFailures", s.AuthFailures,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Recorder receives stage events.
type Recorder interface {
	Record(Event)
}

// Collector folds events into a Summary.
type Collector struct {
	mu      sync.Mutex
	summary Summary
	started time.Time
}

func NewCollector() *Collector {
	return &Collector{started: time.Now()}
}

func (c *Collector) Record(evt Event) {
	n := evt.Count
	if n == 0 {
		n = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeMatched:
		c.summary.Matched += evt.Count
	case EventTypeDuplicate:
		c.summary.Duplicates += n
	case EventTypeExtracted:
		c.summary.Files += evt.Count
	case EventTypeArchived:
		c.summary.Archived++
		c.summary.ArchivedEntries += evt.Count
		c.summary.ArchiveBytes += evt.Bytes
	case EventTypeSent:
		c.summary.Sent += n
	case EventTypeDryRunSent:
		c.summary.DryRunSent += n
	case EventTypeAuthFailed:
		c.summary.AuthFailures += n
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeError:
		c.summary.Errors += n
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Report logs the summary with the elapsed time since the collector started.
func (c *Collector) Report(logger *slog.Logger) {
	if logger == nil {
		return
	}
	attrs := append(c.Snapshot().LogAttrs(), "duration", time.Since(c.started))
	logger.Info("stats summary", attrs...)
}
