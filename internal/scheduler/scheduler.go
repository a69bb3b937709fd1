// Package scheduler fires indexer runs in the background. A single loop
// evaluates every scheduled indexer on a fixed tick; an optional file
// watch triggers filesystem-backed indexers as soon as their source
// content changes.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/locussearch/locus/internal/apperr"
	"github.com/locussearch/locus/internal/indexer"
	"github.com/locussearch/locus/internal/metastore"
)

// Trigger admits indexer runs and reports their state. *indexer.Runtime
// implements it; admitted runs detach onto the runtime's lifecycle, so
// the scheduler never waits for one.
type Trigger interface {
	Start(ctx context.Context, name string, manual bool) error
	Status(ctx context.Context, name string) (*indexer.Status, error)
}

// Options tunes the scheduler loop.
type Options struct {
	// Tick is how often schedules are evaluated. Default 10s.
	Tick time.Duration

	// EnableFileWatch fires indexers over filesystem data sources when
	// files under the source root change.
	EnableFileWatch bool

	// DebounceWindow coalesces bursts of file events into a single
	// triggered run. Default 2s.
	DebounceWindow time.Duration
}

func (o Options) withDefaults() Options {
	if o.Tick <= 0 {
		o.Tick = 10 * time.Second
	}
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = 2 * time.Second
	}
	return o
}

// Scheduler owns the background loop that evaluates indexer schedules.
type Scheduler struct {
	catalog *metastore.Catalog
	trigger Trigger
	opts    Options

	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
	watches map[string]*sourceWatch
}

// New builds a scheduler over the catalog's indexer definitions.
func New(catalog *metastore.Catalog, trigger Trigger, opts Options) *Scheduler {
	return &Scheduler{
		catalog: catalog,
		trigger: trigger,
		opts:    opts.withDefaults(),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		watches: make(map[string]*sourceWatch),
	}
}

// Start launches the evaluation loop and returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	go s.loop(ctx)
}

// Stop halts the loop and the file watches, then waits for them to
// drain. In-flight indexer runs are owned by the runtime and keep
// going; indexer.Runtime.Shutdown bounds them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	watches := make([]*sourceWatch, 0, len(s.watches))
	for _, w := range s.watches {
		watches = append(watches, w)
	}
	s.watches = make(map[string]*sourceWatch)
	s.mu.Unlock()

	close(s.stopCh)
	if started {
		<-s.doneCh
	}
	for _, w := range watches {
		w.close()
		<-w.done
	}
	slog.Info("scheduler_stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)
	slog.Info("scheduler_started",
		slog.Duration("tick", s.opts.Tick),
		slog.Bool("file_watch", s.opts.EnableFileWatch))

	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	// The first evaluation happens at startup, not one tick later.
	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep evaluates every indexer definition once.
func (s *Scheduler) sweep(ctx context.Context) {
	defs, err := metastore.List[indexer.Indexer](ctx, s.catalog, metastore.KindIndexer)
	if err != nil {
		slog.Warn("scheduler_sweep_failed", slog.String("error", err.Error()))
		return
	}
	now := time.Now().UTC()
	for i := range defs {
		def := &defs[i]
		if def.Disabled || def.Schedule == nil {
			continue
		}
		s.evaluate(ctx, def, now)
	}
	if s.opts.EnableFileWatch {
		s.reconcileWatches(ctx, defs)
	}
}

// evaluate fires one indexer when its next-run time has come: startTime
// for an indexer that has never run, last end plus interval after that.
func (s *Scheduler) evaluate(ctx context.Context, def *indexer.Indexer, now time.Time) {
	interval, err := def.Schedule.IntervalDuration()
	if err != nil {
		slog.Warn("scheduler_bad_interval",
			slog.String("indexer", def.Name),
			slog.String("error", err.Error()))
		return
	}
	st, err := s.trigger.Status(ctx, def.Name)
	if err != nil {
		slog.Warn("scheduler_status_failed",
			slog.String("indexer", def.Name),
			slog.String("error", err.Error()))
		return
	}
	if st.Status == indexer.StatusInProgress {
		return
	}
	next := def.Schedule.StartTime
	if len(st.ExecutionHistory) > 0 {
		if t := st.ExecutionHistory[0].EndTime.Add(interval); t.After(next) {
			next = t
		}
	}
	if now.Before(next) {
		return
	}
	s.launch(ctx, def.Name, "schedule")
}

// launch admits one run without waiting for it. Returns false when the
// indexer was busy and the trigger is worth retrying.
func (s *Scheduler) launch(ctx context.Context, name, reason string) bool {
	err := s.trigger.Start(ctx, name, false)
	switch {
	case err == nil:
		slog.Info("indexer_triggered",
			slog.String("indexer", name),
			slog.String("reason", reason))
		return true
	case apperr.CodeOf(err) == apperr.CodeOperationNotAllowed:
		return false
	default:
		slog.Warn("indexer_trigger_failed",
			slog.String("indexer", name),
			slog.String("error", err.Error()))
		return true
	}
}
