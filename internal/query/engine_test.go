package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locussearch/locus/internal/apperr"
	"github.com/locussearch/locus/internal/invindex"
	"github.com/locussearch/locus/internal/schema"
	"github.com/locussearch/locus/internal/vectorstore"
)

func hotelsDef() *schema.Index {
	return &schema.Index{
		Name: "hotels",
		Fields: []schema.Field{
			{Name: "id", Type: schema.TypeString, Key: true},
			{Name: "name", Type: schema.TypeString},
			{Name: "description", Type: schema.TypeString, SynonymMaps: []string{"geo"}},
			{Name: "category", Type: schema.TypeString},
			{Name: "rating", Type: schema.TypeDouble},
			{Name: "parking", Type: schema.TypeBoolean},
			{Name: "lastRenovated", Type: schema.TypeDateTimeOffset},
			{Name: "location", Type: schema.TypeGeographyPoint},
			{Name: "tags", Type: "Collection(Edm.String)"},
			{
				Name: "rooms",
				Type: "Collection(Edm.ComplexType)",
				Fields: []schema.Field{
					{Name: "type", Type: schema.TypeString},
					{Name: "baseRate", Type: schema.TypeDouble},
				},
			},
			{
				Name: "address",
				Type: schema.TypeComplex,
				Fields: []schema.Field{
					{Name: "city", Type: schema.TypeString},
					{Name: "country", Type: schema.TypeString},
				},
			},
			{
				Name:                "vec",
				Type:                schema.TypeVector,
				Dimensions:          3,
				VectorSearchProfile: "default",
			},
		},
		Suggesters: []schema.Suggester{
			{Name: "sg", SourceFields: []string{"name"}},
		},
		VectorSearch: &schema.VectorSearch{
			Algorithms: []schema.VectorAlgorithm{{Name: "hnsw-1", Kind: schema.AlgorithmHNSW}},
			Profiles:   []schema.VectorProfile{{Name: "default", Algorithm: "hnsw-1"}},
		},
	}
}

func hotelDocs() []schema.Document {
	return []schema.Document{
		{
			"id":            "1",
			"name":          "Stay-Kay City Hotel",
			"description":   "Ideally located on the main commercial artery with an ocean view",
			"category":      "Boutique",
			"rating":        3.6,
			"parking":       false,
			"lastRenovated": time.Date(2018, 3, 1, 0, 0, 0, 0, time.UTC),
			"location":      &schema.GeographyPoint{Type: "Point", Coordinates: [2]float64{-73.97, 40.76}},
			"tags":          []any{"pool", "view"},
			"rooms": []any{
				map[string]any{"type": "Standard", "baseRate": 120.0},
				map[string]any{"type": "Suite", "baseRate": 300.0},
			},
			"address": map[string]any{"city": "New York", "country": "USA"},
			"vec":     []float32{1, 0, 0},
		},
		{
			"id":            "2",
			"name":          "Oceanside Resort",
			"description":   "Luxury resort with private beach and ocean view",
			"category":      "Resort",
			"rating":        4.8,
			"parking":       true,
			"lastRenovated": time.Date(2021, 6, 15, 0, 0, 0, 0, time.UTC),
			"tags":          []any{"beach", "luxury", "view"},
			"rooms": []any{
				map[string]any{"type": "Deluxe", "baseRate": 250.0},
			},
			"address": map[string]any{"city": "Miami", "country": "USA"},
			"vec":     []float32{0.9, 0.1, 0},
		},
		{
			"id":            "3",
			"name":          "Budget Motel",
			"description":   "Cheap motel near the airport",
			"category":      "Motel",
			"rating":        2.1,
			"parking":       true,
			"lastRenovated": time.Date(2010, 1, 20, 0, 0, 0, 0, time.UTC),
			"tags":          []any{"budget"},
			"rooms": []any{
				map[string]any{"type": "Standard", "baseRate": 60.0},
			},
			"address": map[string]any{"city": "Dallas", "country": "USA"},
			"vec":     []float32{0, 1, 0},
		},
		{
			"id":            "4",
			"name":          "Luxury Palace",
			"description":   "Five star luxury in the heart of downtown",
			"category":      "Luxury",
			"rating":        4.9,
			"parking":       true,
			"lastRenovated": time.Date(2023, 11, 5, 0, 0, 0, 0, time.UTC),
			"tags":          []any{"luxury", "spa"},
			"rooms": []any{
				map[string]any{"type": "Suite", "baseRate": 500.0},
				map[string]any{"type": "Penthouse", "baseRate": 900.0},
			},
			"address": map[string]any{"city": "New York", "country": "USA"},
			"vec":     []float32{0, 0.9, 0.1},
		},
		{
			"id":            "5",
			"name":          "Harbor Inn",
			"description":   "Quaint inn by the harbor with sea breeze",
			"rating":        4.1,
			"parking":       false,
			"lastRenovated": time.Date(2019, 8, 30, 0, 0, 0, 0, time.UTC),
			"tags":          []any{"harbor", "view"},
			"rooms": []any{
				map[string]any{"type": "Standard", "baseRate": 110.0},
			},
			"address": map[string]any{"city": "Boston", "country": "USA"},
			"vec":     []float32{0, 0, 1},
		},
	}
}

func newTestEngine(t *testing.T) (*Engine, *invindex.Index, *vectorstore.IndexVectors) {
	t.Helper()
	def := hotelsDef()
	ctx := context.Background()

	m := invindex.NewManager(t.TempDir())
	t.Cleanup(func() { _ = m.Close() })
	ix, err := m.Open(ctx, def)
	require.NoError(t, err)

	vs := vectorstore.New(t.TempDir(), vectorstore.DefaultConfig())
	t.Cleanup(func() { _ = vs.Close() })
	vecs, err := vs.Open(def)
	require.NoError(t, err)

	b := ix.NewBatch()
	for _, doc := range hotelDocs() {
		key := doc["id"].(string)
		require.NoError(t, b.Upsert(key, doc))
		require.NoError(t, vecs.Put("vec", key, doc["vec"].([]float32)))
	}
	require.NoError(t, ix.Commit(ctx, b))

	return NewEngine(DefaultConfig()), ix, vecs
}

func resultIDs(resp *Response) []string {
	out := make([]string, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, r.Document["id"].(string))
	}
	return out
}

func intPtr(n int) *int { return &n }

func TestSearch_MatchAllOrderByRatingDesc(t *testing.T) {
	// Given: five hotels
	e, ix, vecs := newTestEngine(t)

	// When: match-all ordered by rating descending, top 2
	resp, err := e.Search(context.Background(), ix, vecs, nil, &Request{
		Search:  "*",
		OrderBy: "rating desc",
		Top:     intPtr(2),
		Count:   true,
	})
	require.NoError(t, err)

	// Then: the two highest-rated hotels come back in order
	assert.Equal(t, []string{"4", "2"}, resultIDs(resp))
	require.NotNil(t, resp.Count)
	assert.Equal(t, int64(5), *resp.Count)
}

func TestSearch_FilterWithIntervalFacet(t *testing.T) {
	// Given: five hotels
	e, ix, vecs := newTestEngine(t)

	// When: filtering rating >= 4.5 with an interval facet on rating
	resp, err := e.Search(context.Background(), ix, vecs, nil, &Request{
		Search: "*",
		Filter: "rating ge 4.5",
		Facets: []string{"rating,interval:1"},
		Count:  true,
	})
	require.NoError(t, err)

	// Then: only matching documents return
	assert.ElementsMatch(t, []string{"2", "4"}, resultIDs(resp))
	require.NotNil(t, resp.Count)
	assert.Equal(t, int64(2), *resp.Count)

	// And: the facet buckets sum to the match count
	buckets := resp.Facets["rating"]
	require.Len(t, buckets, 1)
	assert.Equal(t, 4.0, buckets[0].Value)
	assert.Equal(t, int64(2), buckets[0].Count)
}

func TestSearch_SimpleSyntax_PhraseAndNegation(t *testing.T) {
	// Given: five hotels
	e, ix, vecs := newTestEngine(t)

	// When: a phrase with an excluded term
	resp, err := e.Search(context.Background(), ix, vecs, nil, &Request{
		Search: `"ocean view" -resort`,
	})
	require.NoError(t, err)

	// Then: the phrase matches two hotels and the negation drops the resort
	assert.Equal(t, []string{"1"}, resultIDs(resp))
}

func TestSearch_SimpleSyntax_FieldScopedPrefix(t *testing.T) {
	// Given: five hotels
	e, ix, vecs := newTestEngine(t)

	// When: a prefix term scoped to the name field
	resp, err := e.Search(context.Background(), ix, vecs, nil, &Request{
		Search: "name:lux*",
	})
	require.NoError(t, err)

	// Then: only the hotel whose name starts with the prefix matches,
	// not the one with luxury in its description
	assert.Equal(t, []string{"4"}, resultIDs(resp))
}

func TestSearch_SearchModeAll(t *testing.T) {
	// Given: five hotels
	e, ix, vecs := newTestEngine(t)

	// When: two terms that must all match
	resp, err := e.Search(context.Background(), ix, vecs, nil, &Request{
		Search:     "luxury spa",
		SearchMode: "all",
	})
	require.NoError(t, err)

	// Then: only the document containing both terms matches
	assert.Equal(t, []string{"4"}, resultIDs(resp))

	// And: mode any matches every document with either term
	resp, err = e.Search(context.Background(), ix, vecs, nil, &Request{
		Search:     "luxury spa",
		SearchMode: "any",
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"2", "4"}, resultIDs(resp))
}

func TestSearch_Filters(t *testing.T) {
	e, ix, vecs := newTestEngine(t)

	tests := []struct {
		name   string
		filter string
		want   []string
	}{
		{"string equality on nested field", "address/city eq 'New York'", []string{"1", "4"}},
		{"collection any with predicate", "tags/any(t: t eq 'view')", []string{"1", "2", "5"}},
		{"bare any means non-empty", "tags/any()", []string{"1", "2", "3", "4", "5"}},
		{"lambda over complex collection", "rooms/any(r: r/baseRate lt 100)", []string{"3"}},
		{"all is verified per document", "rooms/all(r: r/baseRate ge 200)", []string{"2", "4"}},
		{"all with ne excludes tag everywhere", "tags/all(t: t ne 'luxury')", []string{"1", "3", "5"}},
		{"search.in", "search.in(category, 'Motel,Boutique')", []string{"1", "3"}},
		{"negation", "not (rating lt 4)", []string{"2", "4", "5"}},
		{"datetime range", "lastRenovated ge 2019-01-01T00:00:00Z", []string{"2", "4", "5"}},
		{"boolean equality", "parking eq true", []string{"2", "3", "4"}},
		{"null check finds missing field", "category eq null", []string{"5"}},
		{"not null excludes missing field", "category ne null", []string{"1", "2", "3", "4"}},
		{"conjunction", "parking eq true and rating ge 4", []string{"2", "4"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := e.Search(context.Background(), ix, vecs, nil, &Request{
				Search: "*",
				Filter: tc.filter,
			})
			require.NoError(t, err)
			assert.ElementsMatch(t, tc.want, resultIDs(resp))
		})
	}
}

func TestSearch_OrderByChain(t *testing.T) {
	// Given: five hotels
	e, ix, vecs := newTestEngine(t)

	// When: ordering by city ascending, then rating descending
	resp, err := e.Search(context.Background(), ix, vecs, nil, &Request{
		Search:  "*",
		OrderBy: "address/city asc, rating desc",
	})
	require.NoError(t, err)

	// Then: cities ascend and the New York pair orders by rating
	assert.Equal(t, []string{"5", "3", "2", "4", "1"}, resultIDs(resp))
}

func TestSearch_OrderByMissingValueSortsLowest(t *testing.T) {
	// Given: one hotel without a category
	e, ix, vecs := newTestEngine(t)

	// When: ordering by category ascending
	resp, err := e.Search(context.Background(), ix, vecs, nil, &Request{
		Search:  "*",
		OrderBy: "category asc",
	})
	require.NoError(t, err)

	// Then: the document missing the field comes first
	assert.Equal(t, []string{"5", "1", "4", "3", "2"}, resultIDs(resp))

	// And: descending pushes it last
	resp, err = e.Search(context.Background(), ix, vecs, nil, &Request{
		Search:  "*",
		OrderBy: "category desc",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3", "4", "1", "5"}, resultIDs(resp))
}

func TestSearch_PagingPastEnd(t *testing.T) {
	// Given: five hotels
	e, ix, vecs := newTestEngine(t)

	// When: skipping beyond the match set
	resp, err := e.Search(context.Background(), ix, vecs, nil, &Request{
		Search:  "*",
		OrderBy: "rating desc",
		Skip:    10,
		Count:   true,
	})
	require.NoError(t, err)

	// Then: the page is empty but the count is unaffected
	assert.Empty(t, resp.Results)
	require.NotNil(t, resp.Count)
	assert.Equal(t, int64(5), *resp.Count)

	// And: a mid-set page returns the expected slice
	resp, err = e.Search(context.Background(), ix, vecs, nil, &Request{
		Search:  "*",
		OrderBy: "rating desc",
		Skip:    1,
		Top:     intPtr(2),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "5"}, resultIDs(resp))
}

func TestSearch_SelectProjection(t *testing.T) {
	// Given: five hotels
	e, ix, vecs := newTestEngine(t)

	// When: selecting two fields, one nested
	resp, err := e.Search(context.Background(), ix, vecs, nil, &Request{
		Search: "*",
		Filter: "id eq '1'",
		Select: "id,name,address/city",
	})
	require.NoError(t, err)

	// Then: only the selected fields appear
	require.Len(t, resp.Results, 1)
	doc := resp.Results[0].Document
	assert.Equal(t, "1", doc["id"])
	assert.Equal(t, "Stay-Kay City Hotel", doc["name"])
	assert.Equal(t, map[string]any{"city": "New York"}, doc["address"])
	assert.NotContains(t, doc, "rating")
	assert.NotContains(t, doc, "vec")
}

func TestSearch_DefaultSelectIncludesVectors(t *testing.T) {
	// Given: five hotels
	e, ix, vecs := newTestEngine(t)

	// When: no select list is given
	resp, err := e.Search(context.Background(), ix, vecs, nil, &Request{
		Search: "*",
		Filter: "id eq '2'",
	})
	require.NoError(t, err)

	// Then: every retrievable field returns, vectors filled from the
	// vector store since the text index never keeps them
	require.Len(t, resp.Results, 1)
	doc := resp.Results[0].Document
	assert.Equal(t, "Oceanside Resort", doc["name"])
	assert.Equal(t, []float32{0.9, 0.1, 0}, doc["vec"])
}

func TestSearch_Highlight(t *testing.T) {
	// Given: five hotels
	e, ix, vecs := newTestEngine(t)

	// When: highlighting the description for a term search
	resp, err := e.Search(context.Background(), ix, vecs, nil, &Request{
		Search:    "luxury",
		Highlight: "description",
	})
	require.NoError(t, err)

	// Then: matched terms are wrapped in the default tags
	byID := map[string]Result{}
	for _, r := range resp.Results {
		byID[r.Document["id"].(string)] = r
	}
	require.Contains(t, byID, "2")
	require.Contains(t, byID, "4")
	assert.Equal(t,
		[]string{"<em>Luxury</em> resort with private beach and ocean view"},
		byID["2"].Highlights["description"])
	assert.Equal(t,
		[]string{"Five star <em>luxury</em> in the heart of downtown"},
		byID["4"].Highlights["description"])
}

func TestSearch_HighlightCustomTags(t *testing.T) {
	// Given: five hotels
	e, ix, vecs := newTestEngine(t)

	// When: custom pre and post tags
	resp, err := e.Search(context.Background(), ix, vecs, nil, &Request{
		Search:           "harbor",
		Highlight:        "description",
		HighlightPreTag:  "<b>",
		HighlightPostTag: "</b>",
	})
	require.NoError(t, err)

	// Then: the custom tags wrap the match
	require.Len(t, resp.Results, 1)
	assert.Equal(t,
		[]string{"Quaint inn by the <b>harbor</b> with sea breeze"},
		resp.Results[0].Highlights["description"])
}

func TestSearch_SynonymExpansion(t *testing.T) {
	// Given: a synonym map equating sea and ocean on the description field
	e, ix, vecs := newTestEngine(t)
	rules, err := ParseSolrSynonyms("sea, ocean")
	require.NoError(t, err)
	syn := func(name string) *SynonymRules {
		if name == "geo" {
			return rules
		}
		return nil
	}

	// When: searching for sea
	resp, err := e.Search(context.Background(), ix, vecs, syn, &Request{
		Search: "sea",
	})
	require.NoError(t, err)

	// Then: documents mentioning ocean match too
	assert.ElementsMatch(t, []string{"1", "2", "5"}, resultIDs(resp))

	// And: without the synonym source only the literal term matches
	resp, err = e.Search(context.Background(), ix, vecs, nil, &Request{
		Search: "sea",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"5"}, resultIDs(resp))
}

func TestSearch_VectorOnly(t *testing.T) {
	// Given: five hotels with vectors
	e, ix, vecs := newTestEngine(t)

	// When: a pure vector query, no search text
	resp, err := e.Search(context.Background(), ix, vecs, nil, &Request{
		VectorQueries: []VectorQuery{{Vector: []float32{1, 0, 0}, K: 2, Fields: "vec"}},
		Count:         true,
	})
	require.NoError(t, err)

	// Then: the two nearest neighbors return with native similarity scores
	assert.Equal(t, []string{"1", "2"}, resultIDs(resp))
	assert.InDelta(t, 1.0, resp.Results[0].Score, 1e-6)
	assert.Greater(t, resp.Results[0].Score, resp.Results[1].Score)
	require.NotNil(t, resp.Count)
	assert.Equal(t, int64(2), *resp.Count)
}

func TestSearch_HybridFusion(t *testing.T) {
	// Given: five hotels with vectors
	e, ix, vecs := newTestEngine(t)

	// When: text and vector retrieval fuse
	resp, err := e.Search(context.Background(), ix, vecs, nil, &Request{
		Search:        "luxury",
		VectorQueries: []VectorQuery{{Vector: []float32{0, 0.9, 0.1}, K: 3, Fields: "vec"}},
		Debug:         "all",
	})
	require.NoError(t, err)

	// Then: the document in both lists outranks single-list documents,
	// and documents from either list are present
	assert.Equal(t, []string{"4", "2", "3", "5"}, resultIDs(resp))

	// And: debug carries the per-source subscores
	top := resp.Results[0]
	require.NotNil(t, top.Debug)
	assert.Equal(t, top.Score, top.Debug.Fused)
	assert.Greater(t, top.Debug.Text, 0.0)
	assert.Greater(t, top.Debug.Vectors["vec"], 0.0)
}

func TestSearch_VectorFilterRestrictsCandidates(t *testing.T) {
	// Given: five hotels with vectors
	e, ix, vecs := newTestEngine(t)

	// When: the nearest overall neighbor is excluded by the filter
	resp, err := e.Search(context.Background(), ix, vecs, nil, &Request{
		Filter:        "rating ge 4",
		VectorQueries: []VectorQuery{{Vector: []float32{1, 0, 0}, K: 1, Fields: "vec"}},
	})
	require.NoError(t, err)

	// Then: the best candidate inside the filter wins
	assert.Equal(t, []string{"2"}, resultIDs(resp))
}

func TestSearch_ValueFacet(t *testing.T) {
	// Given: five hotels
	e, ix, vecs := newTestEngine(t)

	// When: faceting tag values
	resp, err := e.Search(context.Background(), ix, vecs, nil, &Request{
		Search: "*",
		Facets: []string{"tags,count:2"},
	})
	require.NoError(t, err)

	// Then: the two most frequent values return with counts
	buckets := resp.Facets["tags"]
	require.Len(t, buckets, 2)
	assert.Equal(t, "view", buckets[0].Value)
	assert.Equal(t, int64(3), buckets[0].Count)
	assert.Equal(t, "luxury", buckets[1].Value)
	assert.Equal(t, int64(2), buckets[1].Count)
}

func TestSearch_RangeFacet(t *testing.T) {
	// Given: five hotels
	e, ix, vecs := newTestEngine(t)

	// When: a range facet over room rates
	resp, err := e.Search(context.Background(), ix, vecs, nil, &Request{
		Search: "*",
		Facets: []string{"rooms/baseRate,values:100|300"},
	})
	require.NoError(t, err)

	// Then: half-open buckets count each document once per bucket
	buckets := resp.Facets["rooms/baseRate"]
	require.Len(t, buckets, 3)

	assert.Nil(t, buckets[0].From)
	assert.Equal(t, 100.0, buckets[0].To)
	assert.Equal(t, int64(1), buckets[0].Count)

	assert.Equal(t, 100.0, buckets[1].From)
	assert.Equal(t, 300.0, buckets[1].To)
	assert.Equal(t, int64(3), buckets[1].Count)

	assert.Equal(t, 300.0, buckets[2].From)
	assert.Nil(t, buckets[2].To)
	assert.Equal(t, int64(2), buckets[2].Count)
}

func TestSearch_DateIntervalFacet(t *testing.T) {
	// Given: five hotels renovated in five different years
	e, ix, vecs := newTestEngine(t)

	// When: a year interval facet
	resp, err := e.Search(context.Background(), ix, vecs, nil, &Request{
		Search: "*",
		Facets: []string{"lastRenovated,interval:year"},
	})
	require.NoError(t, err)

	// Then: buckets ascend chronologically with one document each
	buckets := resp.Facets["lastRenovated"]
	require.Len(t, buckets, 5)
	assert.Equal(t, "2010-01-01T00:00:00Z", buckets[0].Value)
	assert.Equal(t, "2023-01-01T00:00:00Z", buckets[4].Value)
	for _, b := range buckets {
		assert.Equal(t, int64(1), b.Count)
	}
}

func TestSearch_MinimumCoverageReportsFull(t *testing.T) {
	// Given: a single-node index
	e, ix, vecs := newTestEngine(t)

	// When: the request asks for a coverage floor
	resp, err := e.Search(context.Background(), ix, vecs, nil, &Request{
		Search:          "*",
		MinimumCoverage: 80,
	})
	require.NoError(t, err)

	// Then: coverage is always total
	require.NotNil(t, resp.Coverage)
	assert.Equal(t, 100.0, *resp.Coverage)
}

func TestSearch_FullQuerySyntax(t *testing.T) {
	// Given: five hotels
	e, ix, vecs := newTestEngine(t)

	// When: a Lucene expression with a field scope and boolean operator
	resp, err := e.Search(context.Background(), ix, vecs, nil, &Request{
		Search:    "name:luxury OR name:harbor",
		QueryType: "full",
	})
	require.NoError(t, err)

	// Then: both field-scoped terms contribute matches
	assert.ElementsMatch(t, []string{"4", "5"}, resultIDs(resp))
}

func TestSearch_RequestValidation(t *testing.T) {
	e, ix, vecs := newTestEngine(t)

	tests := []struct {
		name string
		req  Request
		code apperr.Code
	}{
		{"malformed filter", Request{Filter: "rating zz 4"}, apperr.CodeInvalidFilter},
		{"unknown filter field", Request{Filter: "missing eq 1"}, apperr.CodeInvalidArgument},
		{"collection compared directly", Request{Filter: "tags eq 'pool'"}, apperr.CodeInvalidFilter},
		{"geo comparison rejected", Request{Filter: "location eq 'x'"}, apperr.CodeInvalidFilter},
		{"unsortable orderby", Request{OrderBy: "tags asc"}, apperr.CodeInvalidArgument},
		{"unknown orderby field", Request{OrderBy: "missing desc"}, apperr.CodeInvalidArgument},
		{"negative top", Request{Top: intPtr(-1)}, apperr.CodeInvalidArgument},
		{"negative skip", Request{Skip: -1}, apperr.CodeInvalidArgument},
		{"bad query type", Request{QueryType: "semantic"}, apperr.CodeInvalidArgument},
		{"bad search mode", Request{SearchMode: "most"}, apperr.CodeInvalidArgument},
		{"unknown select field", Request{Select: "missing"}, apperr.CodeInvalidArgument},
		{"facet on complex field", Request{Facets: []string{"rooms"}}, apperr.CodeInvalidArgument},
		{"facet mixing parameters", Request{Facets: []string{"rating,interval:1,values:2|3"}}, apperr.CodeInvalidArgument},
		{"vector dimension mismatch", Request{VectorQueries: []VectorQuery{{Vector: []float32{1, 0}, Fields: "vec"}}}, apperr.CodeInvalidArgument},
		{"vector on non-vector field", Request{VectorQueries: []VectorQuery{{Vector: []float32{1, 0, 0}, Fields: "name"}}}, apperr.CodeInvalidArgument},
		{"unsupported vector kind", Request{VectorQueries: []VectorQuery{{Kind: "text", Vector: []float32{1, 0, 0}, Fields: "vec"}}}, apperr.CodeInvalidArgument},
		{"invalid full syntax", Request{Search: "name:(", QueryType: "full"}, apperr.CodeInvalidArgument},
		{"unknown scoring profile", Request{ScoringProfile: "boost"}, apperr.CodeInvalidArgument},
		{"unterminated phrase", Request{Search: `"ocean`}, apperr.CodeInvalidArgument},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := tc.req
			if req.Search == "" {
				req.Search = "*"
			}
			_, err := e.Search(context.Background(), ix, vecs, nil, &req)
			require.Error(t, err)
			assert.Equal(t, tc.code, apperr.CodeOf(err))
		})
	}
}

func TestSuggest_PrefixMatchesSourceFields(t *testing.T) {
	// Given: a suggester over hotel names
	e, ix, _ := newTestEngine(t)

	// When: suggesting on a name prefix
	items, err := e.Suggest(context.Background(), ix, &SuggestRequest{
		Search:        "sta",
		SuggesterName: "sg",
	})
	require.NoError(t, err)

	// Then: the matching hotel returns its name as the suggestion text
	// and only the key in the document by default
	require.Len(t, items, 1)
	assert.Equal(t, "Stay-Kay City Hotel", items[0].Text)
	assert.Equal(t, schema.Document{"id": "1"}, items[0].Document)
}

func TestSuggest_FilterAndSelect(t *testing.T) {
	// Given: a suggester over hotel names
	e, ix, _ := newTestEngine(t)

	// When: a filter excludes the only prefix match
	items, err := e.Suggest(context.Background(), ix, &SuggestRequest{
		Search:        "sta",
		SuggesterName: "sg",
		Filter:        "rating ge 4",
	})
	require.NoError(t, err)

	// Then: nothing returns
	assert.Empty(t, items)

	// And: select widens the projected document
	items, err = e.Suggest(context.Background(), ix, &SuggestRequest{
		Search:        "bud",
		SuggesterName: "sg",
		Select:        "id,rating",
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "3", items[0].Document["id"])
	assert.Equal(t, 2.1, items[0].Document["rating"])
}

func TestSuggest_UnknownSuggester(t *testing.T) {
	// Given: an index with one suggester
	e, ix, _ := newTestEngine(t)

	// When: naming a suggester that does not exist
	_, err := e.Suggest(context.Background(), ix, &SuggestRequest{
		Search:        "sta",
		SuggesterName: "nope",
	})

	// Then: the request is rejected
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
}

func TestAutocomplete_CompletesLastTerm(t *testing.T) {
	// Given: a suggester over hotel names
	e, ix, _ := newTestEngine(t)

	// When: completing a partial last word with leading context
	items, err := e.Autocomplete(context.Background(), ix, &AutocompleteRequest{
		Search:        "hotel lu",
		SuggesterName: "sg",
	})
	require.NoError(t, err)

	// Then: the completion keeps the leading words in queryPlusText
	require.Len(t, items, 1)
	assert.Equal(t, "luxury", items[0].Text)
	assert.Equal(t, "hotel luxury", items[0].QueryPlusText)
}

func TestAutocomplete_OrdersCompletions(t *testing.T) {
	// Given: hotel names with two terms sharing a prefix
	e, ix, _ := newTestEngine(t)

	// When: completing that prefix
	items, err := e.Autocomplete(context.Background(), ix, &AutocompleteRequest{
		Search:        "h",
		SuggesterName: "sg",
	})
	require.NoError(t, err)

	// Then: equally frequent completions order alphabetically
	require.Len(t, items, 2)
	assert.Equal(t, "harbor", items[0].Text)
	assert.Equal(t, "hotel", items[1].Text)

	// And: an unknown mode is rejected
	_, err = e.Autocomplete(context.Background(), ix, &AutocompleteRequest{
		Search:           "h",
		SuggesterName:    "sg",
		AutocompleteMode: "threeTerms",
	})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
}
