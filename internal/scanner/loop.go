// Package scanner runs the periodic discovery-and-dispatch cycle over the source directory.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loykin/medio/internal/exiftool"
	"github.com/loykin/medio/internal/history"
	"github.com/loykin/medio/internal/metrics"
)

// ErrDirectoryNotFound reports a missing source or target directory at the first cycle.
var ErrDirectoryNotFound = errors.New("directory not found")

const (
	DefaultInterval    = time.Second
	DefaultWatchSettle = 500 * time.Millisecond
)

// Submitter processes one file. *exiftool.Session satisfies it.
type Submitter interface {
	Submit(ctx context.Context, path string) (exiftool.Outcome, error)
}

// Options configures a Loop.
type Options struct {
	SourceDir  string
	TargetDir  string
	Extensions []string
	Interval   time.Duration
	// Watch wakes the sleep early when a file is created in SourceDir.
	// The periodic scan still runs.
	Watch       bool
	WatchSettle time.Duration
}

// State is the loop's current phase.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateDispatching
	StateSleeping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateDispatching:
		return "dispatching"
	case StateSleeping:
		return "sleeping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stats are cumulative counters since Run started.
type Stats struct {
	State          string    `json:"state"`
	Cycles         uint64    `json:"cycles"`
	Dispatched     uint64    `json:"dispatched"`
	ReportedErrors uint64    `json:"reported_errors"`
	Failures       uint64    `json:"failures"`
	LastEligible   int       `json:"last_eligible"`
	LastCycleAt    time.Time `json:"last_cycle_at"`
}

// Loop lists eligible files once per interval and hands each to the Submitter in order.
// It never tracks what it already submitted: a file left in the source directory is
// submitted again on every cycle.
type Loop struct {
	opts Options
	sub  Submitter
	sink history.Sink
	log  *slog.Logger

	state atomic.Int32

	mu    sync.Mutex
	stats Stats
}

// New returns a loop dispatching to sub. A nil logger discards output.
func New(opts Options, sub Submitter, logger *slog.Logger) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.WatchSettle <= 0 {
		opts.WatchSettle = DefaultWatchSettle
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Loop{opts: opts, sub: sub, log: logger.With("component", "scanner")}
}

// SetHistory records one event per submit to sink. Must be called before Run.
func (l *Loop) SetHistory(sink history.Sink) { l.sink = sink }

// State returns the current phase.
func (l *Loop) State() State { return State(l.state.Load()) }

// Stats returns a snapshot of the counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stats
	st.State = l.State().String()
	return st
}

func (l *Loop) setState(s State) { l.state.Store(int32(s)) }

// Run validates the directories, then scans, dispatches and sleeps until ctx is
// cancelled. Cancellation is observed between cycles and before each file; a submit
// already in flight completes. Run returns nil on cancellation, ErrDirectoryNotFound
// when a directory is missing, or the first session-fatal submit error.
func (l *Loop) Run(ctx context.Context) error {
	defer l.setState(StateStopped)

	for _, d := range []struct{ role, path string }{
		{"source", l.opts.SourceDir},
		{"target", l.opts.TargetDir},
	} {
		if fi, err := os.Stat(d.path); err != nil || !fi.IsDir() {
			return fmt.Errorf("%w: %s directory %q", ErrDirectoryNotFound, d.role, d.path)
		}
	}

	wake, stopWatch := l.watch()
	defer stopWatch()

	l.log.Info("scan loop started",
		"source", l.opts.SourceDir, "target", l.opts.TargetDir,
		"extensions", l.opts.Extensions, "interval", l.opts.Interval, "watch", l.opts.Watch)
	for {
		if ctx.Err() != nil {
			l.log.Info("scan loop stopped")
			return nil
		}
		if err := l.cycle(ctx); err != nil {
			return err
		}
		l.setState(StateSleeping)
		if !sleep(ctx, l.opts.Interval, wake) {
			l.log.Info("scan loop stopped")
			return nil
		}
	}
}

func (l *Loop) cycle(ctx context.Context) error {
	l.setState(StateScanning)
	files, err := ListEligible(l.opts.SourceDir, l.opts.Extensions)
	if err != nil {
		// the directory was valid at startup; a transient listing error skips this cycle
		l.log.Error("scan failed", "error", err)
		files = nil
	}
	metrics.SetFilesEligible(len(files))
	l.mu.Lock()
	l.stats.LastEligible = len(files)
	l.mu.Unlock()
	if len(files) > 0 {
		l.log.Debug("eligible files", "count", len(files))
	}

	l.setState(StateDispatching)
	for _, f := range files {
		if ctx.Err() != nil {
			break
		}
		if err := l.dispatch(ctx, f); err != nil {
			return err
		}
	}

	metrics.IncScanCycle()
	l.mu.Lock()
	l.stats.Cycles++
	l.stats.LastCycleAt = time.Now()
	l.mu.Unlock()
	return nil
}

// dispatch returns an error only when the session can no longer be used.
func (l *Loop) dispatch(ctx context.Context, path string) error {
	out, err := l.sub.Submit(context.WithoutCancel(ctx), path)
	l.record(ctx, out, err)

	l.mu.Lock()
	l.stats.Dispatched++
	switch {
	case err != nil:
		l.stats.Failures++
	case out.ReportedError():
		l.stats.ReportedErrors++
	}
	l.mu.Unlock()

	log := l.log.With("file", path)
	switch {
	case err != nil && exiftool.IsFatal(err):
		log.Error("submit failed, stopping dispatch", "error", err)
		return fmt.Errorf("submit %s: %w", path, err)
	case err != nil:
		log.Warn("submit failed", "error", err)
	case out.ReportedError():
		log.Warn("helper reported errors", "diagnostics", out.Diagnostics(), "duration", out.Duration)
	default:
		log.Info("file processed", "duration", out.Duration)
	}
	return nil
}

func (l *Loop) record(ctx context.Context, out exiftool.Outcome, err error) {
	if l.sink == nil {
		return
	}
	if out.File == "" {
		return
	}
	var id string
	if s, ok := l.sub.(interface{ ID() string }); ok {
		id = s.ID()
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if serr := l.sink.Send(sctx, history.FromOutcome(id, out, err)); serr != nil {
		l.log.Warn("history send failed", "file", out.File, "error", serr)
	}
}

// watch starts an fsnotify watcher on the source directory when enabled. Create
// and rename-into events are coalesced and delivered after WatchSettle of quiet.
func (l *Loop) watch() (<-chan struct{}, func()) {
	if !l.opts.Watch {
		return nil, func() {}
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		l.log.Warn("directory watch unavailable, polling only", "error", err)
		return nil, func() {}
	}
	if err := w.Add(l.opts.SourceDir); err != nil {
		_ = w.Close()
		l.log.Warn("directory watch unavailable, polling only", "error", err)
		return nil, func() {}
	}

	wake := make(chan struct{}, 1)
	signal := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		var settle *time.Timer
		defer func() {
			if settle != nil {
				settle.Stop()
			}
		}()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
					continue
				}
				if settle == nil {
					settle = time.AfterFunc(l.opts.WatchSettle, signal)
				} else {
					settle.Reset(l.opts.WatchSettle)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.log.Warn("directory watch error", "error", err)
			}
		}
	}()
	return wake, func() {
		_ = w.Close()
		<-done
	}
}

// sleep waits d, or less when wake fires. It returns false if ctx was cancelled.
func sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	case <-wake:
		return true
	}
}
