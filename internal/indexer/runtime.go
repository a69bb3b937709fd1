package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/locussearch/locus/internal/apperr"
	"github.com/locussearch/locus/internal/connector"
	"github.com/locussearch/locus/internal/cracker"
	"github.com/locussearch/locus/internal/docops"
	"github.com/locussearch/locus/internal/enrich"
	"github.com/locussearch/locus/internal/invindex"
	"github.com/locussearch/locus/internal/metastore"
	"github.com/locussearch/locus/internal/schema"
	"github.com/locussearch/locus/internal/vectorstore"
)

// IndexTarget is a live index the runtime writes into. MaxDocs caps the
// index's document count; zero or negative means unlimited.
type IndexTarget struct {
	Index   *invindex.Index
	Vectors *vectorstore.IndexVectors
	MaxDocs int64
}

// TargetResolver hands the runtime live index handles. The service
// facade implements it over the index lifecycle it owns.
type TargetResolver interface {
	Target(ctx context.Context, indexName string) (*IndexTarget, error)
}

// Defaults are the config-derived fallbacks for unset indexer parameters.
type Defaults struct {
	BatchSize int
	Timeout   time.Duration
}

// Runtime executes indexer runs against the resource catalog.
type Runtime struct {
	catalog    *metastore.Catalog
	connectors *connector.Registry
	crackers   *cracker.Registry
	executor   *enrich.Executor
	resolver   TargetResolver
	defaults   Defaults

	// base outlives any request that triggered a background run; the
	// runtime owns run lifecycles.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]bool
	closed  bool
}

// NewRuntime wires a runtime over the catalog and live index resolver.
func NewRuntime(catalog *metastore.Catalog, connectors *connector.Registry, crackers *cracker.Registry, executor *enrich.Executor, resolver TargetResolver, defaults Defaults) *Runtime {
	if defaults.BatchSize <= 0 {
		defaults.BatchSize = 100
	}
	if defaults.Timeout <= 0 {
		defaults.Timeout = 5 * time.Minute
	}
	base, cancel := context.WithCancel(context.Background())
	return &Runtime{
		catalog:    catalog,
		connectors: connectors,
		crackers:   crackers,
		executor:   executor,
		resolver:   resolver,
		defaults:   defaults,
		base:       base,
		cancel:     cancel,
		running:    make(map[string]bool),
	}
}

// Running reports whether the named indexer has a run in flight.
func (r *Runtime) Running(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[name]
}

// begin is the idle-to-inProgress transition: a single atomic
// check-and-set per indexer.
func (r *Runtime) begin(name string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, apperr.Unavailable("indexer runtime is shut down")
	}
	if r.running[name] {
		return nil, apperr.OperationNotAllowed("indexer %q is already running", name)
	}
	r.running[name] = true
	r.wg.Add(1)
	release := func() {
		r.mu.Lock()
		delete(r.running, name)
		r.mu.Unlock()
		r.wg.Done()
	}
	return release, nil
}

func (r *Runtime) loadIndexer(ctx context.Context, name string) (*Indexer, error) {
	def, _, err := metastore.Get[Indexer](ctx, r.catalog, metastore.KindIndexer, name)
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// Start launches a run in the background and returns once it is
// admitted. The run executes on the runtime's own context, so cancelling
// the triggering request does not abort it.
func (r *Runtime) Start(ctx context.Context, name string, manual bool) error {
	def, err := r.loadIndexer(ctx, name)
	if err != nil {
		return err
	}
	if def.Disabled {
		return apperr.OperationNotAllowed("indexer %q is disabled", name)
	}
	release, err := r.begin(name)
	if err != nil {
		return err
	}
	go func() {
		defer release()
		if err := r.execute(r.base, def, manual); err != nil {
			slog.Error("indexer_run_failed",
				slog.String("indexer", name),
				slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Run executes one run synchronously on the caller's context. Tests use
// it; the HTTP trigger and the scheduler go through Start.
func (r *Runtime) Run(ctx context.Context, name string, manual bool) error {
	def, err := r.loadIndexer(ctx, name)
	if err != nil {
		return err
	}
	if def.Disabled {
		return apperr.OperationNotAllowed("indexer %q is disabled", name)
	}
	release, err := r.begin(name)
	if err != nil {
		return err
	}
	defer release()
	return r.execute(ctx, def, manual)
}

// Reset clears the persisted tracking state so the next run re-processes
// every source item. Rejected while a run is in flight.
func (r *Runtime) Reset(ctx context.Context, name string) error {
	if _, err := r.loadIndexer(ctx, name); err != nil {
		return err
	}
	release, err := r.begin(name)
	if err != nil {
		return err
	}
	defer release()

	state, err := r.loadState(ctx, name)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	state.Tracking = nil
	state.History = prependHistory(state.History, ExecutionResult{
		Status:    StatusReset,
		StartTime: now,
		EndTime:   now,
		Errors:    []ItemError{},
	})
	if err := r.saveState(ctx, name, state); err != nil {
		return err
	}
	slog.Info("indexer_reset", slog.String("indexer", name))
	return nil
}

// Status reports the live status plus the persisted run history.
func (r *Runtime) Status(ctx context.Context, name string) (*Status, error) {
	if _, err := r.loadIndexer(ctx, name); err != nil {
		return nil, err
	}
	state, err := r.loadState(ctx, name)
	if err != nil {
		return nil, err
	}
	st := &Status{Status: StatusIdle, ExecutionHistory: state.History}
	if st.ExecutionHistory == nil {
		st.ExecutionHistory = []ExecutionResult{}
	}
	if r.Running(name) {
		st.Status = StatusInProgress
	}
	if len(state.History) > 0 {
		st.LastResult = &state.History[0]
	}
	return st, nil
}

// Shutdown stops admitting runs and waits for in-flight runs to finish
// until ctx expires, then cuts whatever is left.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	defer r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	}
}

func (r *Runtime) loadState(ctx context.Context, name string) (*persistedState, error) {
	state, _, err := metastore.Get[persistedState](ctx, r.catalog, metastore.KindIndexerState, name)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeResourceNotFound {
			return &persistedState{}, nil
		}
		return nil, err
	}
	return &state, nil
}

func (r *Runtime) saveState(ctx context.Context, name string, state *persistedState) error {
	_, _, err := metastore.Upsert(ctx, r.catalog, metastore.KindIndexerState, name, state)
	return err
}

// execute performs one run and records its result in the history. It
// returns an error only when the run could not be recorded at all.
func (r *Runtime) execute(ctx context.Context, def *Indexer, manual bool) error {
	started := time.Now().UTC()
	slog.Info("indexer_run_started",
		slog.String("indexer", def.Name),
		slog.Bool("manual", manual))

	state, err := r.loadState(ctx, def.Name)
	if err != nil {
		return err
	}

	res := ExecutionResult{
		Status:               StatusTransientFailure,
		StartTime:            started,
		Errors:               []ItemError{},
		InitialTrackingState: trackingString(state.Tracking),
	}

	if err := r.runOnce(ctx, def, state, &res); err != nil {
		if res.ErrorMessage == "" {
			res.ErrorMessage = err.Error()
		}
	} else {
		res.Status = StatusSuccess
	}

	res.EndTime = time.Now().UTC()
	res.FinalTrackingState = trackingString(state.Tracking)
	state.History = prependHistory(state.History, res)

	// The record must land even when the run was cut short by
	// cancellation or its own timeout.
	if err := r.saveState(context.WithoutCancel(ctx), def.Name, state); err != nil {
		slog.Error("indexer_state_save_failed",
			slog.String("indexer", def.Name),
			slog.String("error", err.Error()))
		return err
	}

	slog.Info("indexer_run_finished",
		slog.String("indexer", def.Name),
		slog.String("status", res.Status),
		slog.Int("items_processed", res.ItemsProcessed),
		slog.Int("items_failed", res.ItemsFailed),
		slog.Int64("duration_ms", res.EndTime.Sub(res.StartTime).Milliseconds()))
	return nil
}

// run carries one run's loaded resources and counters.
type run struct {
	rt       *Runtime
	def      *Indexer
	ds       *connector.DataSource
	conn     connector.Connector
	skillset *enrich.Skillset
	target   *IndexTarget
	indexDef *schema.Index

	batchSize int
	maxFailed int

	batch   []docops.Action
	newHigh time.Time
	res     *ExecutionResult
}

func (r *Runtime) runOnce(ctx context.Context, def *Indexer, state *persistedState, res *ExecutionResult) error {
	rn := &run{rt: r, def: def, res: res, batchSize: r.defaults.BatchSize}

	ds, _, err := metastore.Get[connector.DataSource](ctx, r.catalog, metastore.KindDataSource, def.DataSourceName)
	if err != nil {
		return err
	}
	rn.ds = &ds

	rn.conn, err = r.connectors.Lookup(ds.Type)
	if err != nil {
		return err
	}

	if def.SkillsetName != "" {
		ss, _, err := metastore.Get[enrich.Skillset](ctx, r.catalog, metastore.KindSkillset, def.SkillsetName)
		if err != nil {
			return err
		}
		rn.skillset = &ss
	}

	rn.target, err = r.resolver.Target(ctx, def.TargetIndexName)
	if err != nil {
		return err
	}
	rn.indexDef = rn.target.Index.Definition()
	if err := validateMappingTargets(def, rn.indexDef); err != nil {
		return err
	}

	timeout := r.defaults.Timeout
	if p := def.Parameters; p != nil {
		if p.BatchSize > 0 {
			rn.batchSize = p.BatchSize
		}
		rn.maxFailed = p.MaxFailedItems
		if p.Timeout != "" {
			if timeout, err = enrich.ParseISO8601Duration(p.Timeout); err != nil {
				return err
			}
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	items, err := rn.conn.List(runCtx, rn.ds, state.Tracking)
	if err != nil {
		return fmt.Errorf("list data source %q: %w", ds.Name, err)
	}

	loopErr := rn.drain(runCtx, items)

	// Tracking advances past everything observed, including on an early
	// stop, so the next run resumes instead of re-reading.
	if !rn.newHigh.IsZero() {
		high := rn.newHigh
		if state.Tracking != nil && state.Tracking.HighWater.After(high) {
			high = state.Tracking.HighWater
		}
		state.Tracking = &connector.TrackingState{HighWater: high}
	}
	return loopErr
}

func (rn *run) drain(ctx context.Context, items <-chan connector.Item) error {
	for item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if item.Err != nil {
			return fmt.Errorf("list data source %q: %w", rn.ds.Name, item.Err)
		}
		if item.Doc.LastModified.After(rn.newHigh) {
			rn.newHigh = item.Doc.LastModified
		}

		if err := rn.process(ctx, item.Doc); err != nil {
			rn.fail(item.Doc.Key, err.Error(), apperr.HTTPStatus(err))
			if rn.budgetExceeded() {
				return fmt.Errorf("failure budget exceeded: %d items failed", rn.res.ItemsFailed)
			}
			continue
		}
		if len(rn.batch) >= rn.batchSize {
			if err := rn.flush(ctx); err != nil {
				return err
			}
		}
	}
	return rn.flush(ctx)
}

// process turns one source object into a queued document action.
func (rn *run) process(ctx context.Context, src *connector.Document) error {
	content, err := rn.conn.Read(ctx, rn.ds, src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src.Name, err)
	}

	cracked := rn.rt.crackers.Crack(content, src.Name, src.ContentType)
	if cracked.Error != "" {
		return fmt.Errorf("crack %s: %s", src.Name, cracked.Error)
	}

	enriched := seedDocument(src, cracked)
	if rn.skillset != nil {
		if err := rn.rt.executor.Run(ctx, rn.skillset, enriched); err != nil {
			return err
		}
	}

	doc, err := buildTarget(rn.def, rn.indexDef, enriched)
	if err != nil {
		return err
	}
	rn.batch = append(rn.batch, docops.Action{Type: docops.ActionMergeOrUpload, Doc: doc})
	return nil
}

// flush applies the queued batch; per-item outcomes land on the result.
func (rn *run) flush(ctx context.Context) error {
	if len(rn.batch) == 0 {
		return nil
	}
	results := docops.Apply(ctx, rn.target.Index, rn.target.Vectors, rn.batch, rn.target.MaxDocs)
	rn.batch = rn.batch[:0]
	for i := range results {
		if results[i].Status {
			rn.res.ItemsProcessed++
			continue
		}
		rn.fail(results[i].Key, results[i].ErrorMessage, results[i].StatusCode)
	}
	if rn.budgetExceeded() {
		return fmt.Errorf("failure budget exceeded: %d items failed", rn.res.ItemsFailed)
	}
	return nil
}

func (rn *run) fail(key, message string, statusCode int) {
	rn.res.ItemsFailed++
	rn.res.Errors = append(rn.res.Errors, ItemError{Key: key, ErrorMessage: message, StatusCode: statusCode})
	slog.Warn("indexer_item_failed",
		slog.String("indexer", rn.def.Name),
		slog.String("key", key),
		slog.String("error", message))
}

func (rn *run) budgetExceeded() bool {
	return rn.maxFailed >= 0 && rn.res.ItemsFailed > rn.maxFailed
}

// seedDocument roots the enrichment tree with the cracked content, the
// connector's metadata_storage_* properties, the normalized content
// metadata, and any typed fields of structured formats.
func seedDocument(src *connector.Document, cracked *cracker.CrackedDocument) *enrich.Document {
	doc := enrich.NewDocument()
	doc.Seed("content", cracked.Content)
	for k, v := range src.Metadata {
		doc.Seed(k, v)
	}
	if cracked.Title != "" {
		doc.Seed("metadata_title", cracked.Title)
	}
	if cracked.Author != "" {
		doc.Seed("metadata_author", cracked.Author)
	}
	if cracked.Language != "" {
		doc.Seed("metadata_language", cracked.Language)
	}
	if !cracked.CreatedDate.IsZero() {
		doc.Seed("metadata_creation_date", cracked.CreatedDate)
	}
	if cracked.PageCount > 0 {
		doc.Seed("metadata_page_count", cracked.PageCount)
	}
	for k, v := range cracked.Fields {
		doc.Seed(k, v)
	}
	return doc
}

// validateMappingTargets checks every mapping against the live index
// schema once per run.
func validateMappingTargets(def *Indexer, indexDef *schema.Index) error {
	check := func(m *FieldMapping) error {
		if indexDef.Field(m.Target()) == nil {
			return apperr.InvalidArgument("indexer %q maps to unknown field %q in index %q",
				def.Name, m.Target(), indexDef.Name)
		}
		return nil
	}
	for i := range def.FieldMappings {
		if err := check(&def.FieldMappings[i]); err != nil {
			return err
		}
	}
	for i := range def.OutputFieldMappings {
		if err := check(&def.OutputFieldMappings[i]); err != nil {
			return err
		}
	}
	return nil
}

// buildTarget projects the enriched document into a target document
// shaped to the index schema. Explicit mappings win; index fields not
// covered by one map implicitly from the seeded field of the same name.
func buildTarget(def *Indexer, indexDef *schema.Index, enriched *enrich.Document) (map[string]any, error) {
	out := make(map[string]any)
	explicit := make(map[string]bool)

	apply := func(m *FieldMapping, path string) error {
		explicit[m.Target()] = true
		v, ok := enriched.GetPath(path)
		if !ok || v.IsNull() {
			return nil
		}
		mapped, err := applyFunction(m.MappingFunction, v.ToAny())
		if err != nil {
			return fmt.Errorf("map %s to %s: %w", m.SourceFieldName, m.Target(), err)
		}
		out[m.Target()] = mapped
		return nil
	}

	for i := range def.FieldMappings {
		m := &def.FieldMappings[i]
		if err := apply(m, "/document/"+m.SourceFieldName); err != nil {
			return nil, err
		}
	}
	for i := range def.OutputFieldMappings {
		m := &def.OutputFieldMappings[i]
		if err := apply(m, m.SourceFieldName); err != nil {
			return nil, err
		}
	}

	for i := range indexDef.Fields {
		name := indexDef.Fields[i].Name
		if explicit[name] {
			continue
		}
		if v, ok := enriched.GetPath("/document/" + name); ok && !v.IsNull() {
			out[name] = v.ToAny()
		}
	}
	return out, nil
}
