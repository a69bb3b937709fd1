package service

import (
	"context"

	"github.com/locussearch/locus/internal/apperr"
	"github.com/locussearch/locus/internal/connector"
	"github.com/locussearch/locus/internal/enrich"
	"github.com/locussearch/locus/internal/indexer"
	"github.com/locussearch/locus/internal/metastore"
	"github.com/locussearch/locus/internal/query"
)

// collection adapts one catalog-backed resource kind to the shared
// CRUD flow: validate, persist, stamp the etag. Indexes live in
// indexes.go instead because they also provision physical storage.
type collection[T any] struct {
	s        *Service
	kind     metastore.Kind
	name     func(*T) string
	setName  func(*T, string)
	setETag  func(*T, string)
	validate func(ctx context.Context, def *T) error
}

func (c collection[T]) create(ctx context.Context, def *T) error {
	if err := c.validate(ctx, def); err != nil {
		return err
	}
	c.setETag(def, "")
	etag, err := metastore.Create(ctx, c.s.catalog, c.kind, c.name(def), def)
	if err != nil {
		return err
	}
	c.setETag(def, formatETag(etag))
	return nil
}

func (c collection[T]) upsert(ctx context.Context, name string, def *T) (created bool, err error) {
	if c.name(def) == "" {
		c.setName(def, name)
	}
	if c.name(def) != name {
		return false, apperr.InvalidArgument("%s name %q does not match the URL name %q", c.kind.Label(), c.name(def), name)
	}
	if err := c.validate(ctx, def); err != nil {
		return false, err
	}
	c.setETag(def, "")
	etag, created, err := metastore.Upsert(ctx, c.s.catalog, c.kind, name, def)
	if err != nil {
		return false, err
	}
	c.setETag(def, formatETag(etag))
	return created, nil
}

func (c collection[T]) get(ctx context.Context, name string) (*T, error) {
	def, etag, err := metastore.Get[T](ctx, c.s.catalog, c.kind, name)
	if err != nil {
		return nil, err
	}
	c.setETag(&def, formatETag(etag))
	return &def, nil
}

func (c collection[T]) list(ctx context.Context) ([]*T, error) {
	names, err := c.s.catalog.Names(ctx, c.kind)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(names))
	for _, name := range names {
		def, err := c.get(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

func (c collection[T]) delete(ctx context.Context, name string) error {
	return c.s.catalog.Delete(ctx, c.kind, name)
}

func (s *Service) dataSources() collection[connector.DataSource] {
	return collection[connector.DataSource]{
		s:       s,
		kind:    metastore.KindDataSource,
		name:    func(d *connector.DataSource) string { return d.Name },
		setName: func(d *connector.DataSource, n string) { d.Name = n },
		setETag: func(d *connector.DataSource, e string) { d.ETag = e },
		validate: func(ctx context.Context, d *connector.DataSource) error {
			if err := d.Validate(); err != nil {
				return err
			}
			_, err := s.connectors.Lookup(d.Type)
			return err
		},
	}
}

func (s *Service) skillsets() collection[enrich.Skillset] {
	return collection[enrich.Skillset]{
		s:       s,
		kind:    metastore.KindSkillset,
		name:    func(d *enrich.Skillset) string { return d.Name },
		setName: func(d *enrich.Skillset, n string) { d.Name = n },
		setETag: func(d *enrich.Skillset, e string) { d.ETag = e },
		validate: func(ctx context.Context, d *enrich.Skillset) error {
			return d.Validate()
		},
	}
}

func (s *Service) indexers() collection[indexer.Indexer] {
	return collection[indexer.Indexer]{
		s:       s,
		kind:    metastore.KindIndexer,
		name:    func(d *indexer.Indexer) string { return d.Name },
		setName: func(d *indexer.Indexer, n string) { d.Name = n },
		setETag: func(d *indexer.Indexer, e string) { d.ETag = e },
		validate: func(ctx context.Context, d *indexer.Indexer) error {
			if err := d.Validate(); err != nil {
				return err
			}
			if err := s.mustExist(ctx, metastore.KindDataSource, d.DataSourceName, "dataSourceName"); err != nil {
				return err
			}
			if err := s.mustExist(ctx, metastore.KindIndex, d.TargetIndexName, "targetIndexName"); err != nil {
				return err
			}
			if d.SkillsetName != "" {
				return s.mustExist(ctx, metastore.KindSkillset, d.SkillsetName, "skillsetName")
			}
			return nil
		},
	}
}

func (s *Service) synonymMaps() collection[query.SynonymMap] {
	return collection[query.SynonymMap]{
		s:       s,
		kind:    metastore.KindSynonymMap,
		name:    func(d *query.SynonymMap) string { return d.Name },
		setName: func(d *query.SynonymMap, n string) { d.Name = n },
		setETag: func(d *query.SynonymMap, e string) { d.ETag = e },
		validate: func(ctx context.Context, d *query.SynonymMap) error {
			if d.Format == "" {
				d.Format = "solr"
			}
			return d.Validate()
		},
	}
}

// mustExist turns a dangling reference into an InvalidArgument pointing
// at the referencing property.
func (s *Service) mustExist(ctx context.Context, kind metastore.Kind, name, target string) error {
	ok, err := s.catalog.Exists(ctx, kind, name)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.InvalidArgument("%s %q does not exist", kind.Label(), name).WithTarget(target)
	}
	return nil
}

// Data sources.

func (s *Service) CreateDataSource(ctx context.Context, def *connector.DataSource) error {
	return s.dataSources().create(ctx, def)
}

func (s *Service) UpsertDataSource(ctx context.Context, name string, def *connector.DataSource) (bool, error) {
	return s.dataSources().upsert(ctx, name, def)
}

func (s *Service) GetDataSource(ctx context.Context, name string) (*connector.DataSource, error) {
	return s.dataSources().get(ctx, name)
}

func (s *Service) ListDataSources(ctx context.Context) ([]*connector.DataSource, error) {
	return s.dataSources().list(ctx)
}

func (s *Service) DeleteDataSource(ctx context.Context, name string) error {
	return s.dataSources().delete(ctx, name)
}

// Skillsets.

func (s *Service) CreateSkillset(ctx context.Context, def *enrich.Skillset) error {
	return s.skillsets().create(ctx, def)
}

func (s *Service) UpsertSkillset(ctx context.Context, name string, def *enrich.Skillset) (bool, error) {
	return s.skillsets().upsert(ctx, name, def)
}

func (s *Service) GetSkillset(ctx context.Context, name string) (*enrich.Skillset, error) {
	return s.skillsets().get(ctx, name)
}

func (s *Service) ListSkillsets(ctx context.Context) ([]*enrich.Skillset, error) {
	return s.skillsets().list(ctx)
}

func (s *Service) DeleteSkillset(ctx context.Context, name string) error {
	return s.skillsets().delete(ctx, name)
}

// Indexers.

func (s *Service) CreateIndexer(ctx context.Context, def *indexer.Indexer) error {
	return s.indexers().create(ctx, def)
}

func (s *Service) UpsertIndexer(ctx context.Context, name string, def *indexer.Indexer) (bool, error) {
	return s.indexers().upsert(ctx, name, def)
}

func (s *Service) GetIndexer(ctx context.Context, name string) (*indexer.Indexer, error) {
	return s.indexers().get(ctx, name)
}

func (s *Service) ListIndexers(ctx context.Context) ([]*indexer.Indexer, error) {
	return s.indexers().list(ctx)
}

func (s *Service) DeleteIndexer(ctx context.Context, name string) error {
	return s.indexers().delete(ctx, name)
}

// RunIndexer starts a run in the background; the 202 goes out while
// the run proceeds on the runtime's own lifecycle.
func (s *Service) RunIndexer(ctx context.Context, name string) error {
	return s.runtime.Start(ctx, name, true)
}

// ResetIndexer clears tracking state so the next run re-reads the
// whole source.
func (s *Service) ResetIndexer(ctx context.Context, name string) error {
	return s.runtime.Reset(ctx, name)
}

// IndexerStatus reports live status plus persisted run history.
func (s *Service) IndexerStatus(ctx context.Context, name string) (*indexer.Status, error) {
	return s.runtime.Status(ctx, name)
}

// Synonym maps.

func (s *Service) CreateSynonymMap(ctx context.Context, def *query.SynonymMap) error {
	return s.synonymMaps().create(ctx, def)
}

func (s *Service) UpsertSynonymMap(ctx context.Context, name string, def *query.SynonymMap) (bool, error) {
	return s.synonymMaps().upsert(ctx, name, def)
}

func (s *Service) GetSynonymMap(ctx context.Context, name string) (*query.SynonymMap, error) {
	return s.synonymMaps().get(ctx, name)
}

func (s *Service) ListSynonymMaps(ctx context.Context) ([]*query.SynonymMap, error) {
	return s.synonymMaps().list(ctx)
}

func (s *Service) DeleteSynonymMap(ctx context.Context, name string) error {
	return s.synonymMaps().delete(ctx, name)
}
