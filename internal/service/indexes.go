package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/locussearch/locus/internal/apperr"
	"github.com/locussearch/locus/internal/invindex"
	"github.com/locussearch/locus/internal/metastore"
	"github.com/locussearch/locus/internal/schema"
)

func (s *Service) validateIndexDef(def *schema.Index) error {
	if err := def.Validate(s.cfg.MaxFieldsPerIndex); err != nil {
		return err
	}
	return invindex.ValidateDefinition(def)
}

// CreateIndex validates the definition, checks the index quota, and
// provisions the text index and vector state. def gets its etag
// stamped on success.
func (s *Service) CreateIndex(ctx context.Context, def *schema.Index) error {
	if err := s.validateIndexDef(def); err != nil {
		return err
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	n, err := s.store.Count(ctx, metastore.KindIndex)
	if err != nil {
		return apperr.Internal(err, "count indexes")
	}
	if n >= s.cfg.MaxIndexes {
		return apperr.OperationNotAllowed("the index quota of %d is reached", s.cfg.MaxIndexes)
	}

	def.ETag = ""
	etag, err := metastore.Create(ctx, s.catalog, metastore.KindIndex, def.Name, def)
	if err != nil {
		return err
	}
	if err := s.provision(ctx, def); err != nil {
		_ = s.catalog.Delete(ctx, metastore.KindIndex, def.Name)
		return err
	}
	def.ETag = formatETag(etag)
	return nil
}

// provision opens the physical stores for a definition, undoing the
// text index if the vector side fails.
func (s *Service) provision(ctx context.Context, def *schema.Index) error {
	if _, err := s.indexes.Open(ctx, def); err != nil {
		return err
	}
	if _, err := s.vectors.Open(def); err != nil {
		_ = s.indexes.Drop(ctx, def.Name)
		return err
	}
	return nil
}

// UpsertIndex creates or replaces the named index. A definition change
// rebuilds the text index so analyzer and field changes apply to
// documents already stored; an unchanged definition is a no-op apart
// from the new etag.
func (s *Service) UpsertIndex(ctx context.Context, name string, def *schema.Index) (created bool, err error) {
	if def.Name == "" {
		def.Name = name
	}
	if def.Name != name {
		return false, apperr.InvalidArgument("index name %q does not match the URL name %q", def.Name, name)
	}
	if err := s.validateIndexDef(def); err != nil {
		return false, err
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	prev, _, err := metastore.Get[schema.Index](ctx, s.catalog, metastore.KindIndex, name)
	switch {
	case err == nil:
		def.ETag = ""
		etag, _, err := metastore.Upsert(ctx, s.catalog, metastore.KindIndex, name, def)
		if err != nil {
			return false, err
		}
		if !sameDefinition(&prev, def) {
			if _, err := s.indexes.Rebuild(ctx, def); err != nil {
				return false, err
			}
			if _, err := s.vectors.Open(def); err != nil {
				return false, err
			}
		}
		def.ETag = formatETag(etag)
		return false, nil

	case apperr.CodeOf(err) == apperr.CodeResourceNotFound:
		n, err := s.store.Count(ctx, metastore.KindIndex)
		if err != nil {
			return false, apperr.Internal(err, "count indexes")
		}
		if n >= s.cfg.MaxIndexes {
			return false, apperr.OperationNotAllowed("the index quota of %d is reached", s.cfg.MaxIndexes)
		}
		def.ETag = ""
		etag, _, err := metastore.Upsert(ctx, s.catalog, metastore.KindIndex, name, def)
		if err != nil {
			return false, err
		}
		if err := s.provision(ctx, def); err != nil {
			_ = s.catalog.Delete(ctx, metastore.KindIndex, name)
			return false, err
		}
		def.ETag = formatETag(etag)
		return true, nil

	default:
		return false, err
	}
}

func sameDefinition(a, b *schema.Index) bool {
	ja, err1 := json.Marshal(a)
	jb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && bytes.Equal(ja, jb)
}

// GetIndex returns the stored definition with its etag stamped.
func (s *Service) GetIndex(ctx context.Context, name string) (*schema.Index, error) {
	def, etag, err := metastore.Get[schema.Index](ctx, s.catalog, metastore.KindIndex, name)
	if err != nil {
		return nil, err
	}
	def.ETag = formatETag(etag)
	return &def, nil
}

// ListIndexes returns every definition ordered by name.
func (s *Service) ListIndexes(ctx context.Context) ([]*schema.Index, error) {
	names, err := s.catalog.Names(ctx, metastore.KindIndex)
	if err != nil {
		return nil, err
	}
	out := make([]*schema.Index, 0, len(names))
	for _, name := range names {
		def, err := s.GetIndex(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

// DeleteIndex drops the definition, the text index, and the vector
// state. The definition goes first so concurrent lookups see the index
// gone before its storage is reclaimed.
func (s *Service) DeleteIndex(ctx context.Context, name string) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if err := s.catalog.Delete(ctx, metastore.KindIndex, name); err != nil {
		return err
	}
	if err := errors.Join(s.indexes.Drop(ctx, name), s.vectors.Drop(name)); err != nil {
		return apperr.Internal(err, "drop index %q storage", name)
	}
	return nil
}

// Statistics mirrors GET /servicestats: usage counters next to the
// configured limits.
type Statistics struct {
	Counters Counters `json:"counters"`
	Limits   Limits   `json:"limits"`
}

// Counter pairs current usage with its quota; a zero quota means the
// dimension is not capped.
type Counter struct {
	Usage int64 `json:"usage"`
	Quota int64 `json:"quota,omitempty"`
}

type Counters struct {
	DocumentCount    Counter `json:"documentCount"`
	IndexesCount     Counter `json:"indexesCount"`
	IndexersCount    Counter `json:"indexersCount"`
	DataSourcesCount Counter `json:"dataSourcesCount"`
	SkillsetCount    Counter `json:"skillsetCount"`
	SynonymMapCount  Counter `json:"synonymMaps"`
}

type Limits struct {
	MaxIndexes           int `json:"maxIndexes"`
	MaxFieldsPerIndex    int `json:"maxFieldsPerIndex"`
	MaxDocumentsPerIndex int `json:"maxDocumentsPerIndex"`
	MaxPageSize          int `json:"maxPageSize"`
}

// Stats counts every resource kind and sums document counts across the
// open indexes.
func (s *Service) Stats(ctx context.Context) (*Statistics, error) {
	count := func(kind metastore.Kind) (int64, error) {
		n, err := s.store.Count(ctx, kind)
		return int64(n), err
	}

	indexes, err := count(metastore.KindIndex)
	if err != nil {
		return nil, apperr.Internal(err, "count indexes")
	}
	indexers, err := count(metastore.KindIndexer)
	if err != nil {
		return nil, apperr.Internal(err, "count indexers")
	}
	sources, err := count(metastore.KindDataSource)
	if err != nil {
		return nil, apperr.Internal(err, "count data sources")
	}
	skillsets, err := count(metastore.KindSkillset)
	if err != nil {
		return nil, apperr.Internal(err, "count skillsets")
	}
	synonymMaps, err := count(metastore.KindSynonymMap)
	if err != nil {
		return nil, apperr.Internal(err, "count synonym maps")
	}

	var docs int64
	names, err := s.catalog.Names(ctx, metastore.KindIndex)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		ix, ok := s.indexes.Get(name)
		if !ok {
			continue
		}
		n, err := ix.Count(ctx)
		if err != nil {
			return nil, err
		}
		docs += int64(n)
	}

	return &Statistics{
		Counters: Counters{
			DocumentCount:    Counter{Usage: docs, Quota: int64(s.cfg.MaxDocumentsPerIndex)},
			IndexesCount:     Counter{Usage: indexes, Quota: int64(s.cfg.MaxIndexes)},
			IndexersCount:    Counter{Usage: indexers},
			DataSourcesCount: Counter{Usage: sources},
			SkillsetCount:    Counter{Usage: skillsets},
			SynonymMapCount:  Counter{Usage: synonymMaps},
		},
		Limits: Limits{
			MaxIndexes:           s.cfg.MaxIndexes,
			MaxFieldsPerIndex:    s.cfg.MaxFieldsPerIndex,
			MaxDocumentsPerIndex: s.cfg.MaxDocumentsPerIndex,
			MaxPageSize:          s.cfg.MaxPageSize,
		},
	}, nil
}
