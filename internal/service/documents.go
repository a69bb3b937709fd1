package service

import (
	"context"

	"github.com/locussearch/locus/internal/apperr"
	"github.com/locussearch/locus/internal/docops"
	"github.com/locussearch/locus/internal/indexer"
	"github.com/locussearch/locus/internal/query"
	"github.com/locussearch/locus/internal/schema"
)

// ApplyBatch runs a document batch against the named index. Item
// outcomes are individual; the error covers only request-level
// failures such as a missing index or an empty batch.
func (s *Service) ApplyBatch(ctx context.Context, index string, actions []docops.Action) ([]docops.ItemResult, error) {
	if len(actions) == 0 {
		return nil, apperr.InvalidArgument("the batch contains no actions")
	}
	t, err := s.Target(ctx, index)
	if err != nil {
		return nil, err
	}
	return docops.Apply(ctx, t.Index, t.Vectors, actions, t.MaxDocs), nil
}

// Search executes a query against the named index.
func (s *Service) Search(ctx context.Context, index string, req *query.Request) (*query.Response, error) {
	t, err := s.Target(ctx, index)
	if err != nil {
		return nil, err
	}
	return s.engine.Search(ctx, t.Index, t.Vectors, s.synonymSource(ctx), req)
}

// LookupDocument fetches one document by key, applying an optional
// select list.
func (s *Service) LookupDocument(ctx context.Context, index, key, selectList string) (schema.Document, error) {
	t, err := s.Target(ctx, index)
	if err != nil {
		return nil, err
	}
	doc, err := t.Index.GetDocument(ctx, key)
	if err != nil {
		return nil, err
	}
	return query.Project(t.Index.Definition(), t.Vectors, key, doc, selectList)
}

// CountDocuments returns the number of documents in the named index.
func (s *Service) CountDocuments(ctx context.Context, index string) (int64, error) {
	t, err := s.Target(ctx, index)
	if err != nil {
		return 0, err
	}
	n, err := t.Index.Count(ctx)
	return int64(n), err
}

// Suggest returns prefix suggestions from the index's suggester.
func (s *Service) Suggest(ctx context.Context, index string, req *query.SuggestRequest) ([]query.SuggestItem, error) {
	t, err := s.Target(ctx, index)
	if err != nil {
		return nil, err
	}
	return s.engine.Suggest(ctx, t.Index, req)
}

// Autocomplete completes the partial last term of the search text.
func (s *Service) Autocomplete(ctx context.Context, index string, req *query.AutocompleteRequest) ([]query.AutocompleteItem, error) {
	t, err := s.Target(ctx, index)
	if err != nil {
		return nil, err
	}
	return s.engine.Autocomplete(ctx, t.Index, req)
}

var _ indexer.TargetResolver = (*Service)(nil)
