package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locussearch/locus/internal/apperr"
)

func boolPtr(b bool) *bool { return &b }

// hotelsIndex returns a valid index definition used across tests.
func hotelsIndex() *Index {
	return &Index{
		Name: "hotels",
		Fields: []Field{
			{Name: "id", Type: TypeString, Key: true},
			{Name: "name", Type: TypeString, Searchable: boolPtr(true), Filterable: boolPtr(true), Sortable: boolPtr(true)},
			{Name: "rating", Type: TypeDouble, Filterable: boolPtr(true), Sortable: boolPtr(true), Facetable: boolPtr(true)},
			{Name: "tags", Type: "Collection(Edm.String)", Searchable: boolPtr(true), Filterable: boolPtr(true)},
			{Name: "lastRenovated", Type: TypeDateTimeOffset},
			{Name: "location", Type: TypeGeographyPoint},
			{Name: "rooms", Type: "Collection(Edm.ComplexType)", Fields: []Field{
				{Name: "type", Type: TypeString, Searchable: boolPtr(true)},
				{Name: "baseRate", Type: TypeDouble},
			}},
			{Name: "vec", Type: TypeVector, Dimensions: 4, VectorSearchProfile: "default-profile"},
		},
		VectorSearch: &VectorSearch{
			Algorithms: []VectorAlgorithm{
				{Name: "default-hnsw", Kind: AlgorithmHNSW, HNSWParameters: &HNSWParameters{Metric: MetricCosine}},
			},
			Profiles: []VectorProfile{
				{Name: "default-profile", Algorithm: "default-hnsw"},
			},
		},
	}
}

func TestValidate_AcceptsWellFormedIndex(t *testing.T) {
	assert.NoError(t, hotelsIndex().Validate(0))
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Index)
	}{
		{"no fields", func(ix *Index) { ix.Fields = nil }},
		{"no key", func(ix *Index) { ix.Fields[0].Key = false }},
		{"two keys", func(ix *Index) { ix.Fields[1].Key = true }},
		{"non-string key", func(ix *Index) {
			ix.Fields = []Field{{Name: "id", Type: TypeInt64, Key: true}}
		}},
		{"key not retrievable", func(ix *Index) { ix.Fields[0].Retrievable = boolPtr(false) }},
		{"duplicate field names", func(ix *Index) { ix.Fields[1].Name = "id" }},
		{"bad field name", func(ix *Index) { ix.Fields[1].Name = "9lives" }},
		{"unknown type", func(ix *Index) { ix.Fields[1].Type = "Edm.Duration" }},
		{"bare Edm.Single", func(ix *Index) { ix.Fields[1].Type = TypeSingle }},
		{"vector as key", func(ix *Index) {
			ix.Fields[0].Key = false
			ix.Fields[7].Key = true
		}},
		{"vector without dimensions", func(ix *Index) { ix.Fields[7].Dimensions = 0 }},
		{"vector without profile", func(ix *Index) { ix.Fields[7].VectorSearchProfile = "" }},
		{"vector with unknown profile", func(ix *Index) { ix.Fields[7].VectorSearchProfile = "missing" }},
		{"vector marked filterable", func(ix *Index) { ix.Fields[7].Filterable = boolPtr(true) }},
		{"vector marked sortable", func(ix *Index) { ix.Fields[7].Sortable = boolPtr(true) }},
		{"complex without sub-fields", func(ix *Index) { ix.Fields[6].Fields = nil }},
		{"complex marked sortable", func(ix *Index) { ix.Fields[6].Sortable = boolPtr(true) }},
		{"key inside complex", func(ix *Index) { ix.Fields[6].Fields[0].Key = true }},
		{"collection marked sortable", func(ix *Index) { ix.Fields[3].Sortable = boolPtr(true) }},
		{"scalar with sub-fields", func(ix *Index) {
			ix.Fields[1].Fields = []Field{{Name: "x", Type: TypeString}}
		}},
		{"scalar with dimensions", func(ix *Index) { ix.Fields[1].Dimensions = 3 }},
		{"analyzer on unsearchable field", func(ix *Index) {
			ix.Fields[1].Searchable = boolPtr(false)
			ix.Fields[1].Analyzer = "standard"
		}},
		{"analyzer on numeric field", func(ix *Index) { ix.Fields[2].Analyzer = "standard" }},
		{"normalizer on numeric field", func(ix *Index) { ix.Fields[2].Normalizer = "lowercase" }},
		{"profile references unknown algorithm", func(ix *Index) {
			ix.VectorSearch.Profiles[0].Algorithm = "missing"
		}},
		{"algorithm with unknown kind", func(ix *Index) {
			ix.VectorSearch.Algorithms[0].Kind = "annoy"
		}},
		{"algorithm with unknown metric", func(ix *Index) {
			ix.VectorSearch.Algorithms[0].HNSWParameters.Metric = "hamming"
		}},
		{"unknown default scoring profile", func(ix *Index) { ix.DefaultScoringProfile = "boost" }},
		{"suggester with unknown field", func(ix *Index) {
			ix.Suggesters = []Suggester{{Name: "sg", SourceFields: []string{"missing"}}}
		}},
		{"suggester over numeric field", func(ix *Index) {
			ix.Suggesters = []Suggester{{Name: "sg", SourceFields: []string{"rating"}}}
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ix := hotelsIndex()
			tc.mutate(ix)
			err := ix.Validate(0)
			require.Error(t, err)
			assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
		})
	}
}

func TestValidate_FieldCap(t *testing.T) {
	ix := hotelsIndex()
	// Ten fields total including complex sub-fields.
	assert.NoError(t, ix.Validate(10))
	assert.Error(t, ix.Validate(9))
}

func TestAttributeDefaults(t *testing.T) {
	ix := hotelsIndex()

	str := Field{Name: "s", Type: TypeString}
	assert.True(t, str.IsSearchable())
	assert.True(t, str.IsFilterable())
	assert.True(t, str.IsSortable())
	assert.True(t, str.IsFacetable())
	assert.True(t, str.IsRetrievable())

	num := Field{Name: "n", Type: TypeDouble}
	assert.False(t, num.IsSearchable())
	assert.True(t, num.IsFilterable())
	assert.True(t, num.IsSortable())

	strCol := Field{Name: "c", Type: "Collection(Edm.String)"}
	assert.True(t, strCol.IsSearchable())
	assert.False(t, strCol.IsSortable(), "collections never sort by default")

	geo := Field{Name: "g", Type: TypeGeographyPoint}
	assert.False(t, geo.IsSortable())
	assert.False(t, geo.IsFacetable())

	vec := ix.Fields[7]
	assert.True(t, vec.IsSearchable(), "vector fields are vector-searchable")
	assert.False(t, vec.IsFilterable())
	assert.False(t, vec.IsSortable())
	assert.False(t, vec.IsFacetable())

	hidden := Field{Name: "h", Type: TypeString, Retrievable: boolPtr(false)}
	assert.False(t, hidden.IsRetrievable())

	key := Field{Name: "k", Type: TypeString, Key: true, Retrievable: nil}
	assert.True(t, key.IsRetrievable())
}

func TestTypeHelpers(t *testing.T) {
	assert.True(t, IsCollection("Collection(Edm.String)"))
	assert.False(t, IsCollection(TypeString))
	assert.Equal(t, TypeString, ElementType("Collection(Edm.String)"))
	assert.Equal(t, TypeInt32, ElementType(TypeInt32))
	assert.True(t, IsVectorType(TypeVector))
	assert.False(t, IsVectorType("Collection(Edm.Double)"))
	assert.True(t, IsComplexType(TypeComplex))
	assert.True(t, IsComplexType("Collection(Edm.ComplexType)"))
	assert.True(t, IsStringType("Collection(Edm.String)"))
}

func TestKeyFieldLookup(t *testing.T) {
	ix := hotelsIndex()
	kf := ix.KeyField()
	require.NotNil(t, kf)
	assert.Equal(t, "id", kf.Name)

	assert.NotNil(t, ix.Field("rating"))
	assert.Nil(t, ix.Field("missing"))

	vfs := ix.VectorFields()
	require.Len(t, vfs, 1)
	assert.Equal(t, "vec", vfs[0].Name)
}

func TestVectorProfileResolution(t *testing.T) {
	ix := hotelsIndex()

	p, alg := ix.VectorProfile("default-profile")
	require.NotNil(t, p)
	require.NotNil(t, alg)
	assert.Equal(t, AlgorithmHNSW, alg.Kind)
	assert.Equal(t, MetricCosine, alg.Metric())

	p, alg = ix.VectorProfile("missing")
	assert.Nil(t, p)
	assert.Nil(t, alg)
}

func TestMetricDefaultsToCosine(t *testing.T) {
	alg := VectorAlgorithm{Name: "a", Kind: AlgorithmHNSW}
	assert.Equal(t, MetricCosine, alg.Metric())

	alg = VectorAlgorithm{Name: "b", Kind: AlgorithmExhaustiveKnn, ExhaustiveKnnParameters: &KnnParameters{Metric: MetricEuclidean}}
	assert.Equal(t, MetricEuclidean, alg.Metric())
}
