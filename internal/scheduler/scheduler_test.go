package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locussearch/locus/internal/apperr"
	"github.com/locussearch/locus/internal/indexer"
	"github.com/locussearch/locus/internal/metastore"
)

// fakeTrigger records admitted runs and serves canned status documents.
type fakeTrigger struct {
	mu     sync.Mutex
	starts map[string]int
	status map[string]*indexer.Status
	busy   map[string]bool
	manual bool
}

func newFakeTrigger() *fakeTrigger {
	return &fakeTrigger{
		starts: make(map[string]int),
		status: make(map[string]*indexer.Status),
		busy:   make(map[string]bool),
	}
}

func (f *fakeTrigger) Start(_ context.Context, name string, manual bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy[name] {
		return apperr.OperationNotAllowed("indexer %q is already running", name)
	}
	f.manual = f.manual || manual
	f.starts[name]++
	return nil
}

func (f *fakeTrigger) Status(_ context.Context, name string) (*indexer.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.status[name]; ok {
		return st, nil
	}
	return &indexer.Status{Status: indexer.StatusIdle, ExecutionHistory: []indexer.ExecutionResult{}}, nil
}

func (f *fakeTrigger) setStatus(name string, st *indexer.Status) {
	f.mu.Lock()
	f.status[name] = st
	f.mu.Unlock()
}

func (f *fakeTrigger) setBusy(name string, busy bool) {
	f.mu.Lock()
	f.busy[name] = busy
	f.mu.Unlock()
}

func (f *fakeTrigger) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[name]
}

func (f *fakeTrigger) sawManual() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.manual
}

func newCatalog(t *testing.T) *metastore.Catalog {
	t.Helper()
	store, err := metastore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return metastore.NewCatalog(store)
}

func saveIndexer(t *testing.T, cat *metastore.Catalog, def *indexer.Indexer) {
	t.Helper()
	_, _, err := metastore.Upsert(context.Background(), cat, metastore.KindIndexer, def.Name, def)
	require.NoError(t, err)
}

func scheduled(name, interval string) *indexer.Indexer {
	return &indexer.Indexer{
		Name:            name,
		DataSourceName:  "src",
		TargetIndexName: "articles",
		Schedule:        &indexer.Schedule{Interval: interval},
	}
}

func TestScheduler_FiresDueIndexer(t *testing.T) {
	// Given: a scheduled indexer that has never run
	cat := newCatalog(t)
	saveIndexer(t, cat, scheduled("nightly", "PT1M"))
	trig := newFakeTrigger()
	s := New(cat, trig, Options{Tick: 10 * time.Millisecond})

	// When: the scheduler starts
	s.Start(context.Background())
	defer s.Stop()

	// Then: the indexer fires as a scheduled, non-manual run
	assert.Eventually(t, func() bool { return trig.count("nightly") >= 1 },
		2*time.Second, 5*time.Millisecond)
	assert.False(t, trig.sawManual())
}

func TestScheduler_HonorsStartTime(t *testing.T) {
	// Given: a schedule anchored an hour from now
	cat := newCatalog(t)
	def := scheduled("later", "PT1M")
	def.Schedule.StartTime = time.Now().Add(time.Hour)
	saveIndexer(t, cat, def)
	trig := newFakeTrigger()
	s := New(cat, trig, Options{Tick: 10 * time.Millisecond})

	// When: several ticks pass
	s.Start(context.Background())
	defer s.Stop()
	time.Sleep(100 * time.Millisecond)

	// Then: nothing fires
	assert.Zero(t, trig.count("later"))
}

func TestScheduler_WaitsOutTheInterval(t *testing.T) {
	// Given: an hourly indexer that finished moments ago
	cat := newCatalog(t)
	saveIndexer(t, cat, scheduled("hourly", "PT1H"))
	trig := newFakeTrigger()
	now := time.Now().UTC()
	trig.setStatus("hourly", &indexer.Status{
		Status: indexer.StatusIdle,
		ExecutionHistory: []indexer.ExecutionResult{
			{Status: indexer.StatusSuccess, StartTime: now.Add(-time.Minute), EndTime: now},
		},
	})
	s := New(cat, trig, Options{Tick: 10 * time.Millisecond})

	s.Start(context.Background())
	defer s.Stop()
	time.Sleep(100 * time.Millisecond)

	assert.Zero(t, trig.count("hourly"))
}

func TestScheduler_FiresWhenIntervalElapsed(t *testing.T) {
	// Given: an hourly indexer whose last run ended two hours ago
	cat := newCatalog(t)
	saveIndexer(t, cat, scheduled("hourly", "PT1H"))
	trig := newFakeTrigger()
	now := time.Now().UTC()
	trig.setStatus("hourly", &indexer.Status{
		Status: indexer.StatusIdle,
		ExecutionHistory: []indexer.ExecutionResult{
			{Status: indexer.StatusSuccess, StartTime: now.Add(-3 * time.Hour), EndTime: now.Add(-2 * time.Hour)},
		},
	})
	s := New(cat, trig, Options{Tick: 10 * time.Millisecond})

	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool { return trig.count("hourly") >= 1 },
		2*time.Second, 5*time.Millisecond)
}

func TestScheduler_SkipsInProgress(t *testing.T) {
	// Given: a due indexer that is already mid-run
	cat := newCatalog(t)
	saveIndexer(t, cat, scheduled("nightly", "PT1M"))
	trig := newFakeTrigger()
	trig.setStatus("nightly", &indexer.Status{Status: indexer.StatusInProgress})
	s := New(cat, trig, Options{Tick: 10 * time.Millisecond})

	s.Start(context.Background())
	defer s.Stop()
	time.Sleep(100 * time.Millisecond)

	assert.Zero(t, trig.count("nightly"))
}

func TestScheduler_SkipsDisabledAndUnscheduled(t *testing.T) {
	// Given: a disabled indexer and one with no schedule at all
	cat := newCatalog(t)
	off := scheduled("off", "PT1M")
	off.Disabled = true
	saveIndexer(t, cat, off)
	manual := scheduled("manual-only", "PT1M")
	manual.Schedule = nil
	saveIndexer(t, cat, manual)
	trig := newFakeTrigger()
	s := New(cat, trig, Options{Tick: 10 * time.Millisecond})

	s.Start(context.Background())
	defer s.Stop()
	time.Sleep(100 * time.Millisecond)

	assert.Zero(t, trig.count("off"))
	assert.Zero(t, trig.count("manual-only"))
}

func TestScheduler_IgnoresMalformedInterval(t *testing.T) {
	// Given: one broken schedule next to a healthy one
	cat := newCatalog(t)
	saveIndexer(t, cat, scheduled("broken", "every-other-day"))
	saveIndexer(t, cat, scheduled("nightly", "PT1M"))
	trig := newFakeTrigger()
	s := New(cat, trig, Options{Tick: 10 * time.Millisecond})

	s.Start(context.Background())
	defer s.Stop()

	// Then: the healthy indexer fires, the broken one never does
	assert.Eventually(t, func() bool { return trig.count("nightly") >= 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Zero(t, trig.count("broken"))
}

func TestScheduler_StopHaltsTheLoop(t *testing.T) {
	// Given: a running scheduler that has fired at least once
	cat := newCatalog(t)
	saveIndexer(t, cat, scheduled("nightly", "PT1M"))
	trig := newFakeTrigger()
	s := New(cat, trig, Options{Tick: 10 * time.Millisecond})
	s.Start(context.Background())
	require.Eventually(t, func() bool { return trig.count("nightly") >= 1 },
		2*time.Second, 5*time.Millisecond)

	// When: stopped
	s.Stop()
	before := trig.count("nightly")
	time.Sleep(50 * time.Millisecond)

	// Then: no further runs fire, and stopping again is safe
	assert.Equal(t, before, trig.count("nightly"))
	s.Stop()
}
