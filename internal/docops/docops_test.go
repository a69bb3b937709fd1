package docops

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locussearch/locus/internal/invindex"
	"github.com/locussearch/locus/internal/schema"
	"github.com/locussearch/locus/internal/vectorstore"
)

func booksDef() *schema.Index {
	return &schema.Index{
		Name: "books",
		Fields: []schema.Field{
			{Name: "id", Type: schema.TypeString, Key: true},
			{Name: "title", Type: schema.TypeString},
			{Name: "price", Type: schema.TypeDouble},
			{Name: "tags", Type: "Collection(Edm.String)"},
			{
				Name:                "embedding",
				Type:                schema.TypeVector,
				Dimensions:          2,
				VectorSearchProfile: "default",
			},
		},
		VectorSearch: &schema.VectorSearch{
			Algorithms: []schema.VectorAlgorithm{{Name: "hnsw-1", Kind: schema.AlgorithmHNSW}},
			Profiles:   []schema.VectorProfile{{Name: "default", Algorithm: "hnsw-1"}},
		},
	}
}

func openTestIndex(t *testing.T) (*invindex.Index, *vectorstore.IndexVectors) {
	t.Helper()
	def := booksDef()

	m := invindex.NewManager(t.TempDir())
	t.Cleanup(func() { _ = m.Close() })
	ix, err := m.Open(context.Background(), def)
	require.NoError(t, err)

	vs := vectorstore.New(t.TempDir(), vectorstore.DefaultConfig())
	t.Cleanup(func() { _ = vs.Close() })
	vecs, err := vs.Open(def)
	require.NoError(t, err)

	return ix, vecs
}

func book(id, title string, price float64) map[string]any {
	return map[string]any{"id": id, "title": title, "price": price}
}

func TestApply_UploadCreatesAndReplaces(t *testing.T) {
	// Given: an empty index
	ix, vecs := openTestIndex(t)
	ctx := context.Background()

	// When: uploading two new documents, one with a vector
	doc1 := book("1", "Go Systems", 39.0)
	doc1["embedding"] = []float32{1, 0}
	results := Apply(ctx, ix, vecs, []Action{
		{Type: ActionUpload, Doc: doc1},
		{Type: ActionUpload, Doc: book("2", "Query Planning", 54.0)},
	}, 0)

	// Then: both are created
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Status)
		assert.Equal(t, http.StatusCreated, r.StatusCode)
	}
	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	// And: the vector went in alongside the document
	vec, ok := vecs.Vector("embedding", "1")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 0}, vec)

	// When: uploading document 1 again without the vector field
	results = Apply(ctx, ix, vecs, []Action{
		{Type: ActionUpload, Doc: book("1", "Go Systems, 2nd Edition", 44.0)},
	}, 0)

	// Then: the document is replaced, not duplicated
	require.Len(t, results, 1)
	assert.True(t, results[0].Status)
	assert.Equal(t, http.StatusOK, results[0].StatusCode)

	got, err := ix.GetDocument(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "Go Systems, 2nd Edition", got["title"])

	n, err = ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	// And: the replacement dropped the stored vector
	_, ok = vecs.Vector("embedding", "1")
	assert.False(t, ok)
}

func TestApply_KeylessActionFailsItemOnly(t *testing.T) {
	// Given: an empty index
	ix, vecs := openTestIndex(t)

	// When: a batch mixes a keyless document with a valid one
	results := Apply(context.Background(), ix, vecs, []Action{
		{Type: ActionUpload, Doc: map[string]any{"title": "No Key"}},
		{Type: ActionUpload, Doc: book("2", "Valid", 10.0)},
	}, 0)

	// Then: only the keyless item fails
	require.Len(t, results, 2)
	assert.False(t, results[0].Status)
	assert.Equal(t, http.StatusBadRequest, results[0].StatusCode)
	assert.NotEmpty(t, results[0].ErrorMessage)
	assert.Empty(t, results[0].Key)
	assert.True(t, results[1].Status)
	assert.True(t, AnySucceeded(results))

	// And: the valid document was still committed
	n, err := ix.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestApply_MergeMissingDocumentFails(t *testing.T) {
	// Given: an empty index
	ix, vecs := openTestIndex(t)

	// When: merging onto a document that does not exist
	results := Apply(context.Background(), ix, vecs, []Action{
		{Type: ActionMerge, Doc: book("9", "Ghost", 1.0)},
	}, 0)

	// Then: the item fails with not-found
	require.Len(t, results, 1)
	assert.False(t, results[0].Status)
	assert.Equal(t, http.StatusNotFound, results[0].StatusCode)
	assert.Contains(t, results[0].ErrorMessage, "was not found")
	assert.False(t, AnySucceeded(results))
}

func TestApply_MergeUpdatesAndClearsFields(t *testing.T) {
	// Given: a stored document with a price and tags
	ix, vecs := openTestIndex(t)
	ctx := context.Background()

	doc := book("1", "Go Systems", 39.0)
	doc["tags"] = []any{"golang", "systems"}
	Apply(ctx, ix, vecs, []Action{{Type: ActionUpload, Doc: doc}}, 0)

	// When: merging a null price and a replacement tag list
	results := Apply(ctx, ix, vecs, []Action{
		{Type: ActionMerge, Doc: map[string]any{
			"id":    "1",
			"price": nil,
			"tags":  []any{"distributed"},
		}},
	}, 0)

	// Then: the merge succeeds
	require.Len(t, results, 1)
	assert.True(t, results[0].Status)
	assert.Equal(t, http.StatusOK, results[0].StatusCode)

	// And: untouched fields survive, null clears, collections replace whole
	got, err := ix.GetDocument(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "Go Systems", got["title"])
	assert.NotContains(t, got, "price")
	assert.Equal(t, []any{"distributed"}, got["tags"])
}

func TestApply_MergeOrUploadBranches(t *testing.T) {
	// Given: an empty index
	ix, vecs := openTestIndex(t)
	ctx := context.Background()

	// When: mergeOrUpload on an absent key
	results := Apply(ctx, ix, vecs, []Action{
		{Type: ActionMergeOrUpload, Doc: book("1", "Go Systems", 39.0)},
	}, 0)

	// Then: it uploads
	require.Len(t, results, 1)
	assert.True(t, results[0].Status)
	assert.Equal(t, http.StatusCreated, results[0].StatusCode)

	// When: mergeOrUpload again with a partial body
	results = Apply(ctx, ix, vecs, []Action{
		{Type: ActionMergeOrUpload, Doc: map[string]any{"id": "1", "price": 44.0}},
	}, 0)

	// Then: it merges onto the stored document
	require.Len(t, results, 1)
	assert.True(t, results[0].Status)
	assert.Equal(t, http.StatusOK, results[0].StatusCode)

	got, err := ix.GetDocument(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "Go Systems", got["title"])
	assert.Equal(t, 44.0, got["price"])
}

func TestApply_DeleteIsIdempotent(t *testing.T) {
	// Given: one stored document with a vector
	ix, vecs := openTestIndex(t)
	ctx := context.Background()

	doc := book("1", "Go Systems", 39.0)
	doc["embedding"] = []float32{0, 1}
	Apply(ctx, ix, vecs, []Action{{Type: ActionUpload, Doc: doc}}, 0)

	// When: deleting it together with a key that never existed
	results := Apply(ctx, ix, vecs, []Action{
		{Type: ActionDelete, Doc: map[string]any{"id": "1"}},
		{Type: ActionDelete, Doc: map[string]any{"id": "missing"}},
	}, 0)

	// Then: both report success
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Status)
		assert.Equal(t, http.StatusOK, r.StatusCode)
	}

	// And: the document and its vector are gone
	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
	_, ok := vecs.Vector("embedding", "1")
	assert.False(t, ok)
}

func TestApply_MaxDocsRejectsGrowthBeyondCap(t *testing.T) {
	// Given: an empty index capped at two documents
	ix, vecs := openTestIndex(t)
	ctx := context.Background()

	// When: uploading three new documents in one batch
	results := Apply(ctx, ix, vecs, []Action{
		{Type: ActionUpload, Doc: book("1", "A", 1.0)},
		{Type: ActionUpload, Doc: book("2", "B", 2.0)},
		{Type: ActionUpload, Doc: book("3", "C", 3.0)},
	}, 2)

	// Then: the third fails with service-unavailable
	require.Len(t, results, 3)
	assert.True(t, results[0].Status)
	assert.True(t, results[1].Status)
	assert.False(t, results[2].Status)
	assert.Equal(t, http.StatusServiceUnavailable, results[2].StatusCode)
	assert.Contains(t, results[2].ErrorMessage, "maximum")

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	// When: replacing an existing document at the cap
	results = Apply(ctx, ix, vecs, []Action{
		{Type: ActionUpload, Doc: book("1", "A2", 1.5)},
	}, 2)

	// Then: the replacement is allowed
	require.Len(t, results, 1)
	assert.True(t, results[0].Status)
	assert.Equal(t, http.StatusOK, results[0].StatusCode)

	// When: a delete earlier in the batch frees room for an upload
	results = Apply(ctx, ix, vecs, []Action{
		{Type: ActionDelete, Doc: map[string]any{"id": "2"}},
		{Type: ActionUpload, Doc: book("4", "D", 4.0)},
	}, 2)

	// Then: both succeed and the index stays at the cap
	require.Len(t, results, 2)
	assert.True(t, results[0].Status)
	assert.True(t, results[1].Status)
	n, err = ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}

func TestApply_MergeLeavesAbsentVectorsInPlace(t *testing.T) {
	// Given: a stored document with a vector
	ix, vecs := openTestIndex(t)
	ctx := context.Background()

	doc := book("1", "Go Systems", 39.0)
	doc["embedding"] = []float32{1, 0}
	Apply(ctx, ix, vecs, []Action{{Type: ActionUpload, Doc: doc}}, 0)

	// When: merging a body without the vector field
	Apply(ctx, ix, vecs, []Action{
		{Type: ActionMerge, Doc: map[string]any{"id": "1", "price": 44.0}},
	}, 0)

	// Then: the stored vector is untouched
	vec, ok := vecs.Vector("embedding", "1")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 0}, vec)

	// When: merging a body that carries a new vector
	Apply(ctx, ix, vecs, []Action{
		{Type: ActionMerge, Doc: map[string]any{"id": "1", "embedding": []float32{0, 1}}},
	}, 0)

	// Then: the vector is replaced
	vec, ok = vecs.Vector("embedding", "1")
	require.True(t, ok)
	assert.Equal(t, []float32{0, 1}, vec)
}

func TestApply_UnknownActionFails(t *testing.T) {
	// Given: an empty index
	ix, vecs := openTestIndex(t)

	// When: an unrecognized action type arrives
	results := Apply(context.Background(), ix, vecs, []Action{
		{Type: "patch", Doc: book("1", "A", 1.0)},
	}, 0)

	// Then: the item fails as a bad request
	require.Len(t, results, 1)
	assert.False(t, results[0].Status)
	assert.Equal(t, http.StatusBadRequest, results[0].StatusCode)
	assert.Contains(t, results[0].ErrorMessage, "patch")
}

func TestAnySucceeded(t *testing.T) {
	assert.False(t, AnySucceeded(nil))
	assert.False(t, AnySucceeded([]ItemResult{{Status: false}, {Status: false}}))
	assert.True(t, AnySucceeded([]ItemResult{{Status: false}, {Status: true}}))
}
