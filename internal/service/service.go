// Package service wires the storage engines, the query engine, the
// indexer runtime and the resource catalog into the one facade the
// HTTP layer binds to. It owns admission caps, index lifecycle
// atomicity, and the shutdown order.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/locussearch/locus/internal/auth"
	"github.com/locussearch/locus/internal/config"
	"github.com/locussearch/locus/internal/connector"
	"github.com/locussearch/locus/internal/cracker"
	"github.com/locussearch/locus/internal/embedclient"
	"github.com/locussearch/locus/internal/enrich"
	"github.com/locussearch/locus/internal/indexer"
	"github.com/locussearch/locus/internal/invindex"
	"github.com/locussearch/locus/internal/metastore"
	"github.com/locussearch/locus/internal/query"
	"github.com/locussearch/locus/internal/scheduler"
	"github.com/locussearch/locus/internal/schema"
	"github.com/locussearch/locus/internal/vectorstore"
)

// Service owns every component and serializes index lifecycle changes.
// Document and query traffic runs against live handles and never takes
// the lifecycle lock.
type Service struct {
	cfg *config.Config

	lock    *flock.Flock
	store   *metastore.Store
	catalog *metastore.Catalog
	indexes *invindex.Manager
	vectors *vectorstore.Store
	engine  *query.Engine

	connectors *connector.Registry
	crackers   *cracker.Registry
	embedder   *embedclient.Client
	runtime    *indexer.Runtime
	sched      *scheduler.Scheduler

	// lifecycle serializes index create/update/delete so quota checks
	// and provisioning never interleave.
	lifecycle sync.Mutex

	synMu    sync.Mutex
	synonyms map[string]synonymEntry
}

type synonymEntry struct {
	etag  uint64
	rules *query.SynonymRules
}

// New opens all persisted state under cfg.DataDirectory and reopens
// every defined index. The directory is held under an exclusive file
// lock until Shutdown.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	if err := os.MkdirAll(cfg.DataDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	lock := flock.New(filepath.Join(cfg.DataDirectory, "locus.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock data directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("data directory %s is in use by another process", cfg.DataDirectory)
	}

	store, err := metastore.Open(cfg.MetadataDir())
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	s := &Service{
		cfg:      cfg,
		lock:     lock,
		store:    store,
		catalog:  metastore.NewCatalog(store),
		indexes:  invindex.NewManager(cfg.IndexesDir()),
		synonyms: make(map[string]synonymEntry),
	}

	s.vectors = vectorstore.New(filepath.Join(cfg.DataDirectory, "vectors"), vectorstore.Config{
		UseHNSW:              cfg.Vector.UseHNSW,
		M:                    cfg.Vector.HNSW.M,
		EfConstruction:       cfg.Vector.HNSW.EfConstruction,
		EfSearch:             cfg.Vector.HNSW.EfSearch,
		OversampleMultiplier: cfg.Vector.HNSW.OversampleMultiplier,
	})

	s.engine = query.NewEngine(query.Config{
		DefaultTop:   cfg.DefaultPageSize,
		MaxTop:       cfg.MaxPageSize,
		RRFConstant:  cfg.Vector.Hybrid.RRFK,
		FusionMode:   cfg.Vector.Hybrid.Fusion,
		TextWeight:   cfg.Vector.Hybrid.TextWeight,
		VectorWeight: cfg.Vector.Hybrid.VectorWeight,
	})

	s.embedder = embedclient.New(embedclient.Config{})
	s.connectors = connector.NewDefaultRegistry(auth.NewCredentialFactory(cfg.Auth.JWT))
	s.crackers = cracker.DefaultRegistry()
	s.runtime = indexer.NewRuntime(s.catalog, s.connectors, s.crackers,
		enrich.NewExecutor(s.embedder, nil), s, indexer.Defaults{
			BatchSize: cfg.Indexer.DefaultBatchSize,
			Timeout:   time.Duration(cfg.Indexer.DefaultTimeoutMinutes) * time.Minute,
		})

	if cfg.Indexer.EnableScheduler {
		s.sched = scheduler.New(s.catalog, s.runtime, scheduler.Options{
			Tick:            parseTick(cfg.Indexer.TickInterval),
			EnableFileWatch: cfg.Indexer.EnableFileWatch,
		})
	}

	if err := s.reopen(ctx); err != nil {
		_ = store.Close()
		_ = lock.Unlock()
		return nil, err
	}
	return s, nil
}

func parseTick(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		slog.Warn("ignoring invalid indexer.tick_interval", "value", raw)
		return 0
	}
	return d
}

// reopen restores writer and vector handles for every defined index so
// state survives a process restart.
func (s *Service) reopen(ctx context.Context) error {
	defs, err := metastore.List[schema.Index](ctx, s.catalog, metastore.KindIndex)
	if err != nil {
		return err
	}
	for i := range defs {
		def := &defs[i]
		if _, err := s.indexes.Open(ctx, def); err != nil {
			return fmt.Errorf("reopen index %q: %w", def.Name, err)
		}
		if _, err := s.vectors.Open(def); err != nil {
			return fmt.Errorf("reopen vectors for %q: %w", def.Name, err)
		}
	}
	if len(defs) > 0 {
		slog.Info("indexes reopened", "count", len(defs))
	}
	return nil
}

// Start launches the background scheduler when it is enabled.
func (s *Service) Start(ctx context.Context) {
	if s.sched != nil {
		s.sched.Start(ctx)
	}
}

// Runtime exposes the indexer runtime, mainly so tests can run
// indexers synchronously.
func (s *Service) Runtime() *indexer.Runtime { return s.runtime }

// Shutdown stops the scheduler, waits for in-flight indexer runs under
// ctx's deadline, persists vector snapshots, and releases every handle
// and the directory lock.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.sched != nil {
		s.sched.Stop()
	}
	var errs []error
	if err := s.runtime.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("indexer runtime: %w", err))
	}
	if err := s.embedder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("embedding client: %w", err))
	}
	if err := s.vectors.Close(); err != nil {
		errs = append(errs, fmt.Errorf("vector store: %w", err))
	}
	if err := s.indexes.Close(); err != nil {
		errs = append(errs, fmt.Errorf("inverted indexes: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("metadata store: %w", err))
	}
	if err := s.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("directory lock: %w", err))
	}
	return errors.Join(errs...)
}

// Target implements indexer.TargetResolver: it resolves an index name
// to its live write handles plus the per-index document cap.
func (s *Service) Target(ctx context.Context, indexName string) (*indexer.IndexTarget, error) {
	def, _, err := metastore.Get[schema.Index](ctx, s.catalog, metastore.KindIndex, indexName)
	if err != nil {
		return nil, err
	}
	ix, ok := s.indexes.Get(indexName)
	if !ok {
		if ix, err = s.indexes.Open(ctx, &def); err != nil {
			return nil, err
		}
	}
	vecs, ok := s.vectors.Get(indexName)
	if !ok {
		if vecs, err = s.vectors.Open(&def); err != nil {
			return nil, err
		}
	}
	return &indexer.IndexTarget{
		Index:   ix,
		Vectors: vecs,
		MaxDocs: int64(s.cfg.MaxDocumentsPerIndex),
	}, nil
}

// synonymSource resolves synonym map names for the query engine,
// re-parsing the rules only when the stored map changed.
func (s *Service) synonymSource(ctx context.Context) query.SynonymSource {
	return func(name string) *query.SynonymRules {
		def, etag, err := metastore.Get[query.SynonymMap](ctx, s.catalog, metastore.KindSynonymMap, name)
		if err != nil {
			slog.Debug("synonym map unavailable", "name", name, "error", err)
			return nil
		}
		s.synMu.Lock()
		defer s.synMu.Unlock()
		if e, ok := s.synonyms[name]; ok && e.etag == etag {
			return e.rules
		}
		rules, err := query.ParseSolrSynonyms(def.Synonyms)
		if err != nil {
			slog.Warn("stored synonym map no longer parses", "name", name, "error", err)
			return nil
		}
		s.synonyms[name] = synonymEntry{etag: etag, rules: rules}
		return rules
	}
}

func formatETag(etag uint64) string {
	return fmt.Sprintf("0x%X", etag)
}
