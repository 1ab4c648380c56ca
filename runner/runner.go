package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dhcgn/imap-to-zip/model"
	"github.com/dhcgn/imap-to-zip/stats"
)

type Scanner interface {
	Scan(ctx context.Context) (model.ScanResult, error)
}

type Archiver interface {
	Build(ctx context.Context) (string, error)
}

type Notifier interface {
	Notify(ctx context.Context, archivePath string) error
}

type State int

const (
	StateIdle State = iota
	StateScanning
	StateArchivingAndNotifying
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateArchivingAndNotifying:
		return "archiving_and_notifying"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status is how a run ended.
type Status int

const (
	StatusNothingToDo Status = iota
	StatusDelivered
	StatusAuthFailed
	StatusScanFailed
	StatusArchiveFailed
	StatusDeliveryFailed
)

func (s Status) String() string {
	switch s {
	case StatusNothingToDo:
		return "nothing_to_do"
	case StatusDelivered:
		return "delivered"
	case StatusAuthFailed:
		return "auth_failed"
	case StatusScanFailed:
		return "scan_failed"
	case StatusArchiveFailed:
		return "archive_failed"
	case StatusDeliveryFailed:
		return "delivery_failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ExitCode maps the status to the process exit code. Code 1 is reserved for
// configuration errors, which happen before a Runner exists.
func (s Status) ExitCode() int {
	switch s {
	case StatusNothingToDo, StatusDelivered:
		return 0
	case StatusAuthFailed:
		return 2
	case StatusScanFailed:
		return 3
	case StatusArchiveFailed:
		return 4
	case StatusDeliveryFailed:
		return 5
	}
	return 1
}

type Result struct {
	State   State
	Status  Status
	Scan    model.ScanResult
	Archive string
	Err     error
}

func (r Result) ExitCode() int {
	return r.Status.ExitCode()
}

type Stages struct {
	Scanner  Scanner
	Archiver Archiver
	Notifier Notifier
}

// Runner drives one scan → archive → notify pass. The notifier only runs after
// the archive has been built.
type Runner struct {
	stages    Stages
	collector *stats.Collector
	logger    *slog.Logger

	state State
}

func New(stages Stages, collector *stats.Collector, logger *slog.Logger) (*Runner, error) {
	if stages.Scanner == nil || stages.Archiver == nil || stages.Notifier == nil {
		return nil, fmt.Errorf("runner needs scanner, archiver and notifier")
	}
	if collector == nil {
		collector = stats.NewCollector()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		stages:    stages,
		collector: collector,
		logger:    logger,
		state:     StateIdle,
	}, nil
}

func (r *Runner) State() State {
	return r.state
}

// Run executes the pipeline once. It never panics on stage errors; every
// failure is folded into the returned Result.
func (r *Runner) Run(ctx context.Context) Result {
	since := time.Now()
	res := r.run(ctx)
	r.state = StateDone
	res.State = StateDone

	duration := time.Since(since)
	if res.Err != nil {
		r.logger.Error("pipeline failed", "status", res.Status, "exitCode", res.ExitCode(), "duration", duration, "err", res.Err)
	} else {
		r.logger.Info("pipeline completed", "status", res.Status, "duration", duration)
	}
	r.collector.Report(r.logger)
	return res
}

func (r *Runner) run(ctx context.Context) Result {
	r.state = StateScanning
	scan, err := r.stages.Scanner.Scan(ctx)
	if err != nil {
		if errors.Is(err, model.ErrAuth) {
			r.logger.Warn("mailbox rejected credentials", "err", err)
			r.collector.Record(stats.Event{Stage: stats.StageScan, Type: stats.EventTypeAuthFailed, Err: err})
			return Result{Status: StatusAuthFailed, Err: fmt.Errorf("scan: %w", err)}
		}
		r.logger.Error("scan failed", "err", err)
		r.collector.Record(stats.Event{Stage: stats.StageScan, Type: stats.EventTypeError, Err: err})
		return Result{Status: StatusScanFailed, Err: fmt.Errorf("scan: %w", err)}
	}
	if scan.Outcome != model.OutcomeFound {
		return Result{Status: StatusNothingToDo, Scan: scan}
	}

	r.state = StateArchivingAndNotifying
	archivePath, err := r.stages.Archiver.Build(ctx)
	if err != nil {
		r.logger.Error("archive failed, notification skipped", "dir", scan.Dir, "err", err)
		r.collector.Record(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeError, Err: err})
		return Result{Status: StatusArchiveFailed, Scan: scan, Err: fmt.Errorf("archive: %w", err)}
	}

	if err := r.stages.Notifier.Notify(ctx, archivePath); err != nil {
		r.logger.Error("delivery failed", "archive", archivePath, "err", err)
		return Result{Status: StatusDeliveryFailed, Scan: scan, Archive: archivePath, Err: fmt.Errorf("notify: %w", err)}
	}

	return Result{Status: StatusDelivered, Scan: scan, Archive: archivePath}
}
