package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// searchIDs pulls the id field out of each search hit in order.
func searchIDs(t *testing.T, rec *httptest.ResponseRecorder) []string {
	t.Helper()
	body := decodeMap(t, rec)
	raw, ok := body["value"].([]any)
	require.True(t, ok, "body: %s", rec.Body.String())
	ids := make([]string, len(raw))
	for i, entry := range raw {
		doc, ok := entry.(map[string]any)
		require.True(t, ok)
		ids[i], _ = doc["id"].(string)
	}
	return ids
}

func TestIndexDocuments_ResultShapeAndStatusRule(t *testing.T) {
	// Given: an index
	ts := newTestServer(t, nil)
	ts.createHotels(t)

	// When: a batch mixes a good upload with a key-less document
	batch := map[string]any{"value": []map[string]any{
		{"@search.action": "upload", "id": "1", "name": "Stay-Kay", "rating": 3.6},
		{"@search.action": "upload", "name": "keyless"},
	}}
	rec := ts.do(http.MethodPost, "/indexes/hotels/docs/index?"+version, batch)

	// Then: partial success is a 200 with per-item results
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	body := decodeMap(t, rec)
	results, ok := body["value"].([]any)
	require.True(t, ok)
	require.Len(t, results, 2)
	first, ok := results[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1", first["key"])
	assert.Equal(t, true, first["status"])
	assert.Equal(t, float64(http.StatusCreated), first["statusCode"])
	second, ok := results[1].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, second["status"])
	assert.Equal(t, float64(http.StatusBadRequest), second["statusCode"])
	assert.NotEmpty(t, second["errorMessage"])

	// And: a batch where nothing lands is a 207
	rec = ts.do(http.MethodPost, "/indexes/hotels/docs/index?"+version, map[string]any{
		"value": []map[string]any{{"@search.action": "frobnicate", "id": "9"}},
	})
	assert.Equal(t, http.StatusMultiStatus, rec.Code)

	// And: an empty batch is refused outright
	rec = ts.do(http.MethodPost, "/indexes/hotels/docs/index?"+version, map[string]any{"value": []map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIndexDocuments_ActionDefaultsToUpload(t *testing.T) {
	// Given: an index
	ts := newTestServer(t, nil)
	ts.createHotels(t)

	// When: a batch entry carries no @search.action
	rec := ts.do(http.MethodPost, "/indexes/hotels/docs/index?"+version, map[string]any{
		"value": []map[string]any{{"id": "7", "name": "Implied Upload"}},
	})

	// Then: it uploads
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(http.MethodGet, "/indexes/hotels/docs/7?"+version, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Implied Upload", decodeMap(t, rec)["name"])
}

func TestSearch_OrderByTopAndCount(t *testing.T) {
	// Given: five hotels
	ts := newTestServer(t, nil)
	ts.createHotels(t)
	ts.uploadHotels(t)

	// When: ordering by rating descending, first page of two
	rec := ts.do(http.MethodPost, "/indexes/hotels/docs/search?"+version, map[string]any{
		"search":  "*",
		"orderby": "rating desc",
		"top":     2,
		"count":   true,
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	// Then: the two best-rated hotels lead
	assert.Equal(t, []string{"2", "4"}, searchIDs(t, rec))

	// And: the count covers all matches, not the page
	body := decodeMap(t, rec)
	assert.Equal(t, float64(5), body["@odata.count"])

	// And: every hit is annotated with its score
	hits := body["value"].([]any)
	for _, h := range hits {
		_, ok := h.(map[string]any)["@search.score"].(float64)
		assert.True(t, ok)
	}
}

func TestSearch_FilterWithFacets(t *testing.T) {
	// Given: five hotels
	ts := newTestServer(t, nil)
	ts.createHotels(t)
	ts.uploadHotels(t)

	// When: filtering on rating with an interval facet
	rec := ts.do(http.MethodPost, "/indexes/hotels/docs/search?"+version, map[string]any{
		"search": "*",
		"filter": "rating ge 4.5",
		"facets": []string{"rating,interval:1"},
		"count":  true,
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	// Then: only the matching hotels return
	assert.ElementsMatch(t, []string{"2", "4"}, searchIDs(t, rec))
	body := decodeMap(t, rec)
	assert.Equal(t, float64(2), body["@odata.count"])

	// And: the facet buckets account for every filtered match
	facets, ok := body["@search.facets"].(map[string]any)
	require.True(t, ok, "body: %s", rec.Body.String())
	buckets, ok := facets["rating"].([]any)
	require.True(t, ok)
	var sum float64
	for _, b := range buckets {
		sum += b.(map[string]any)["count"].(float64)
	}
	assert.Equal(t, float64(2), sum)
}

func TestSearch_VectorNearestNeighbors(t *testing.T) {
	// Given: five hotels with vectors
	ts := newTestServer(t, nil)
	ts.createHotels(t)
	ts.uploadHotels(t)

	// When: a pure vector query for the two nearest neighbors
	rec := ts.do(http.MethodPost, "/indexes/hotels/docs/search?"+version, map[string]any{
		"vectorQueries": []map[string]any{{
			"kind":   "vector",
			"vector": []float32{1, 0, 0},
			"fields": "vec",
			"k":      2,
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	// Then: the exact match leads its closest neighbor
	assert.Equal(t, []string{"1", "2"}, searchIDs(t, rec))
}

func TestSearch_HybridFavorsDocumentsInBothLists(t *testing.T) {
	// Given: five hotels where only Budget Bunk matches the text and
	// sits near the query vector
	ts := newTestServer(t, nil)
	ts.createHotels(t)
	ts.uploadHotels(t)

	// When: fusing text and vector retrieval
	rec := ts.do(http.MethodPost, "/indexes/hotels/docs/search?"+version, map[string]any{
		"search": "cheap",
		"vectorQueries": []map[string]any{{
			"kind":   "vector",
			"vector": []float32{0, 0.9, 0.1},
			"fields": "vec",
			"k":      2,
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	// Then: the document present in both lists outranks the rest, and
	// the result set is the union of both lists
	ids := searchIDs(t, rec)
	require.Len(t, ids, 3)
	assert.Equal(t, "3", ids[0])
	assert.ElementsMatch(t, []string{"1", "3", "4"}, ids)
}

func TestSearchGet_QueryStringParameters(t *testing.T) {
	// Given: five hotels
	ts := newTestServer(t, nil)
	ts.createHotels(t)
	ts.uploadHotels(t)

	// When: the GET spelling carries OData parameters
	rec := ts.do(http.MethodGet,
		"/indexes/hotels/docs/search?"+version+"&search=*&$filter=rating+ge+4&$orderby=rating+desc&$top=2&$count=true", nil)
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	// Then: filtering, ordering, and paging all apply
	assert.Equal(t, []string{"2", "4"}, searchIDs(t, rec))
	assert.Equal(t, float64(3), decodeMap(t, rec)["@odata.count"])

	// And: a malformed $top is named in the refusal
	rec = ts.do(http.MethodGet, "/indexes/hotels/docs/search?"+version+"&$top=many", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var e wireError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	assert.Equal(t, "$top", e.Error.Target)
}

func TestLookupDocument_WireShape(t *testing.T) {
	// Given: five hotels
	ts := newTestServer(t, nil)
	ts.createHotels(t)
	ts.uploadHotels(t)

	// When: looking one up with a projection
	rec := ts.do(http.MethodGet, "/indexes/hotels/docs/2?"+version+"&$select=id,name", nil)

	// Then: only the selected fields return
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decodeMap(t, rec)
	assert.Equal(t, "Oceanside Resort", doc["name"])
	assert.NotContains(t, doc, "rating")

	// And: a missing key is a 404
	rec = ts.do(http.MethodGet, "/indexes/hotels/docs/404?"+version, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCountDocuments_BareNumber(t *testing.T) {
	// Given: five hotels
	ts := newTestServer(t, nil)
	ts.createHotels(t)
	ts.uploadHotels(t)

	// When: requesting $count
	rec := ts.do(http.MethodGet, "/indexes/hotels/docs/$count?"+version, nil)

	// Then: the body is the bare number as text
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "5", rec.Body.String())
}

func TestSuggestAndAutocomplete_WireShapes(t *testing.T) {
	// Given: five hotels with a suggester over the name field
	ts := newTestServer(t, nil)
	ts.createHotels(t)
	ts.uploadHotels(t)

	// When: suggesting on a name prefix
	rec := ts.do(http.MethodPost, "/indexes/hotels/docs/suggest?"+version, map[string]any{
		"search":        "harb",
		"suggesterName": "sg",
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	body := decodeMap(t, rec)
	items, ok := body["value"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, items)
	first, ok := items[0].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, first["@search.text"])
	assert.Equal(t, "4", first["id"])

	// And: autocomplete answers term completions
	rec = ts.do(http.MethodPost, "/indexes/hotels/docs/autocomplete?"+version, map[string]any{
		"search":        "harb",
		"suggesterName": "sg",
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	body = decodeMap(t, rec)
	comps, ok := body["value"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, comps)
	top, ok := comps[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "harbor", top["text"])
	assert.NotEmpty(t, top["queryPlusText"])

	// And: an unknown suggester is refused
	rec = ts.do(http.MethodPost, "/indexes/hotels/docs/suggest?"+version, map[string]any{
		"search":        "harb",
		"suggesterName": "nope",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDocumentRoutes_UnknownIndex(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/indexes/ghost/docs/search?"+version, map[string]any{"search": "*"})

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ResourceNotFound", wireCode(t, rec))
}
