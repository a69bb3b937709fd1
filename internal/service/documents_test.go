package service

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locussearch/locus/internal/apperr"
	"github.com/locussearch/locus/internal/config"
	"github.com/locussearch/locus/internal/docops"
	"github.com/locussearch/locus/internal/query"
)

func TestApplyBatch_RoundTrip(t *testing.T) {
	// Given: an index
	ctx := context.Background()
	s := newService(t)
	require.NoError(t, s.CreateIndex(ctx, booksDef()))

	// When: uploading, merging, and deleting in one batch each
	results, err := s.ApplyBatch(ctx, "books", []docops.Action{
		{Type: docops.ActionUpload, Doc: map[string]any{"id": "1", "title": "The Tides", "genre": "fiction"}},
		{Type: docops.ActionUpload, Doc: map[string]any{"id": "2", "title": "Harbor Lights", "genre": "fiction"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Status)
		assert.Equal(t, http.StatusCreated, r.StatusCode)
	}

	results, err = s.ApplyBatch(ctx, "books", []docops.Action{
		{Type: docops.ActionMerge, Doc: map[string]any{"id": "1", "genre": "maritime"}},
		{Type: docops.ActionDelete, Doc: map[string]any{"id": "2"}},
	})
	require.NoError(t, err)
	require.True(t, docops.AnySucceeded(results))

	// Then: the merge landed and the delete took effect
	doc, err := s.LookupDocument(ctx, "books", "1", "")
	require.NoError(t, err)
	assert.Equal(t, "maritime", doc["genre"])

	n, err := s.CountDocuments(ctx, "books")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestApplyBatch_EmptyBatchRejected(t *testing.T) {
	ctx := context.Background()
	s := newService(t)
	require.NoError(t, s.CreateIndex(ctx, booksDef()))

	_, err := s.ApplyBatch(ctx, "books", nil)
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
}

func TestApplyBatch_DocumentQuotaFailsPerItem(t *testing.T) {
	// Given: an index capped at one document
	ctx := context.Background()
	s := newServiceWith(t, func(cfg *config.Config) { cfg.MaxDocumentsPerIndex = 1 })
	require.NoError(t, s.CreateIndex(ctx, booksDef()))

	// When: uploading two documents
	results, err := s.ApplyBatch(ctx, "books", []docops.Action{
		{Type: docops.ActionUpload, Doc: map[string]any{"id": "1", "title": "fits"}},
		{Type: docops.ActionUpload, Doc: map[string]any{"id": "2", "title": "overflows"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Then: the first lands and the second fails with a 503
	assert.True(t, results[0].Status)
	assert.False(t, results[1].Status)
	assert.Equal(t, http.StatusServiceUnavailable, results[1].StatusCode)

	// And: replacing the existing document still works at the cap
	results, err = s.ApplyBatch(ctx, "books", []docops.Action{
		{Type: docops.ActionUpload, Doc: map[string]any{"id": "1", "title": "replaced"}},
	})
	require.NoError(t, err)
	assert.True(t, results[0].Status)
}

func TestLookupDocument_SelectProjection(t *testing.T) {
	// Given: a stored document
	ctx := context.Background()
	s := newService(t)
	require.NoError(t, s.CreateIndex(ctx, booksDef()))
	uploadBooks(t, s, "books", map[string]any{"id": "1", "title": "The Tides", "genre": "fiction"})

	// When: looking it up with a select list
	doc, err := s.LookupDocument(ctx, "books", "1", "id,title")
	require.NoError(t, err)

	// Then: only the selected fields come back
	assert.Equal(t, "The Tides", doc["title"])
	assert.NotContains(t, doc, "genre")

	// And: a missing key is a not-found
	_, err = s.LookupDocument(ctx, "books", "404", "")
	assert.Equal(t, apperr.CodeResourceNotFound, apperr.CodeOf(err))
}

func TestSearch_FiltersAndFacets(t *testing.T) {
	// Given: three documents across two genres
	ctx := context.Background()
	s := newService(t)
	require.NoError(t, s.CreateIndex(ctx, booksDef()))
	uploadBooks(t, s, "books",
		map[string]any{"id": "1", "title": "The Tides", "genre": "fiction"},
		map[string]any{"id": "2", "title": "Tides of Steel", "genre": "scifi"},
		map[string]any{"id": "3", "title": "Harbor Lights", "genre": "fiction"},
	)

	// When: searching with a filter, a count, and a facet
	resp, err := s.Search(ctx, "books", &query.Request{
		Search: "tides",
		Filter: "genre eq 'fiction'",
		Count:  true,
		Facets: []string{"genre"},
	})
	require.NoError(t, err)

	// Then: only the fiction match comes back and the count agrees
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "1", resp.Results[0].Document["id"])
	require.NotNil(t, resp.Count)
	assert.Equal(t, int64(1), *resp.Count)
	require.Contains(t, resp.Facets, "genre")
}

func TestSearch_SynonymMapExpandsQueries(t *testing.T) {
	// Given: a title field bound to a synonym map
	ctx := context.Background()
	s := newService(t)
	require.NoError(t, s.CreateSynonymMap(ctx, &query.SynonymMap{
		Name:     "sea-words",
		Synonyms: "ocean,sea\n",
	}))
	def := booksDef()
	def.Fields[1].SynonymMaps = []string{"sea-words"}
	require.NoError(t, s.CreateIndex(ctx, def))
	uploadBooks(t, s, "books", map[string]any{"id": "1", "title": "The Sea Wall"})

	// When: searching with the other member of the rule
	resp, err := s.Search(ctx, "books", &query.Request{Search: "ocean"})
	require.NoError(t, err)

	// Then: the synonym bridges the match
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "1", resp.Results[0].Document["id"])

	// And: updating the map takes effect on the next search
	_, err = s.UpsertSynonymMap(ctx, "sea-words", &query.SynonymMap{
		Name:     "sea-words",
		Synonyms: "harbor,port\n",
	})
	require.NoError(t, err)
	resp, err = s.Search(ctx, "books", &query.Request{Search: "ocean"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestSuggestAndAutocomplete(t *testing.T) {
	// Given: titles behind a suggester
	ctx := context.Background()
	s := newService(t)
	require.NoError(t, s.CreateIndex(ctx, booksDef()))
	uploadBooks(t, s, "books",
		map[string]any{"id": "1", "title": "Harbor Lights"},
		map[string]any{"id": "2", "title": "Harvest Moon"},
	)

	// When: suggesting on a shared prefix
	items, err := s.Suggest(ctx, "books", &query.SuggestRequest{
		Search:        "har",
		SuggesterName: "sg",
	})
	require.NoError(t, err)

	// Then: both titles surface
	assert.Len(t, items, 2)

	// And: autocomplete finishes the term
	comps, err := s.Autocomplete(ctx, "books", &query.AutocompleteRequest{
		Search:        "harb",
		SuggesterName: "sg",
	})
	require.NoError(t, err)
	require.NotEmpty(t, comps)
	assert.Equal(t, "harbor", comps[0].Text)
}

func TestDocumentVerbs_UnknownIndex(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	_, err := s.Search(ctx, "ghost", &query.Request{Search: "x"})
	assert.Equal(t, apperr.CodeResourceNotFound, apperr.CodeOf(err))

	_, err = s.CountDocuments(ctx, "ghost")
	assert.Equal(t, apperr.CodeResourceNotFound, apperr.CodeOf(err))
}
