// Package schema models index definitions: fields, EDM types, attribute
// defaults, vector profiles, and the validation rules applied when an
// index is created or updated.
package schema

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/locussearch/locus/internal/apperr"
)

// EDM type names as they appear on the wire.
const (
	TypeString         = "Edm.String"
	TypeInt32          = "Edm.Int32"
	TypeInt64          = "Edm.Int64"
	TypeDouble         = "Edm.Double"
	TypeBoolean        = "Edm.Boolean"
	TypeDateTimeOffset = "Edm.DateTimeOffset"
	TypeGeographyPoint = "Edm.GeographyPoint"
	TypeSingle         = "Edm.Single"
	TypeComplex        = "Edm.ComplexType"

	TypeVector = "Collection(Edm.Single)"
)

// Vector algorithm kinds and similarity metrics.
const (
	AlgorithmHNSW          = "hnsw"
	AlgorithmExhaustiveKnn = "exhaustiveKnn"

	MetricCosine    = "cosine"
	MetricDotProduct = "dotProduct"
	MetricEuclidean = "euclidean"
)

// MaxVectorDimensions bounds declared vector field dimensions.
const MaxVectorDimensions = 4096

var fieldNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,127}$`)

// Index is a named search index definition.
type Index struct {
	Name                  string           `json:"name"`
	Fields                []Field          `json:"fields"`
	Suggesters            []Suggester      `json:"suggesters,omitempty"`
	ScoringProfiles       []ScoringProfile `json:"scoringProfiles,omitempty"`
	DefaultScoringProfile string           `json:"defaultScoringProfile,omitempty"`
	Analyzers             []Analyzer       `json:"analyzers,omitempty"`
	Normalizers           []Normalizer     `json:"normalizers,omitempty"`
	CharFilters           []CharFilter     `json:"charFilters,omitempty"`
	TokenFilters          []TokenFilter    `json:"tokenFilters,omitempty"`
	VectorSearch          *VectorSearch    `json:"vectorSearch,omitempty"`
	ETag                  string           `json:"@odata.etag,omitempty"`
}

// Field declares one index field. Attribute pointers distinguish "absent"
// from "explicitly false" so defaults can be applied per type.
type Field struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Key         bool     `json:"key,omitempty"`
	Searchable  *bool    `json:"searchable,omitempty"`
	Filterable  *bool    `json:"filterable,omitempty"`
	Sortable    *bool    `json:"sortable,omitempty"`
	Facetable   *bool    `json:"facetable,omitempty"`
	Retrievable *bool    `json:"retrievable,omitempty"`
	Analyzer    string   `json:"analyzer,omitempty"`
	Normalizer  string   `json:"normalizer,omitempty"`
	SynonymMaps []string `json:"synonymMaps,omitempty"`

	// Vector fields only.
	Dimensions          int    `json:"dimensions,omitempty"`
	VectorSearchProfile string `json:"vectorSearchProfile,omitempty"`

	// Complex fields only.
	Fields []Field `json:"fields,omitempty"`
}

// Suggester exposes fields to the suggest and autocomplete verbs.
type Suggester struct {
	Name         string   `json:"name"`
	SearchMode   string   `json:"searchMode,omitempty"`
	SourceFields []string `json:"sourceFields"`
}

// ScoringProfile is parsed and carried on the definition. It has no rank
// effect in this implementation.
type ScoringProfile struct {
	Name                string            `json:"name"`
	TextWeights         *TextWeights      `json:"text,omitempty"`
	Functions           []json.RawMessage `json:"functions,omitempty"`
	FunctionAggregation string            `json:"functionAggregation,omitempty"`
}

// TextWeights maps field names to boost weights.
type TextWeights struct {
	Weights map[string]float64 `json:"weights"`
}

// Analyzer names a custom analyzer definition.
type Analyzer struct {
	Name         string   `json:"name"`
	ODataType    string   `json:"@odata.type,omitempty"`
	Tokenizer    string   `json:"tokenizer,omitempty"`
	TokenFilters []string `json:"tokenFilters,omitempty"`
	CharFilters  []string `json:"charFilters,omitempty"`
}

// Normalizer names a custom normalizer composed of char and token filters.
type Normalizer struct {
	Name         string   `json:"name"`
	ODataType    string   `json:"@odata.type,omitempty"`
	TokenFilters []string `json:"tokenFilters,omitempty"`
	CharFilters  []string `json:"charFilters,omitempty"`
}

// CharFilter is a custom character filter definition. Mappings use the
// "from=>to" form.
type CharFilter struct {
	Name      string   `json:"name"`
	ODataType string   `json:"@odata.type,omitempty"`
	Mappings  []string `json:"mappings,omitempty"`
}

// TokenFilter is a custom token filter definition.
type TokenFilter struct {
	Name      string   `json:"name"`
	ODataType string   `json:"@odata.type,omitempty"`
	Stopwords []string `json:"stopwords,omitempty"`
}

// VectorSearch groups algorithm configurations and the profiles that
// vector fields reference.
type VectorSearch struct {
	Algorithms []VectorAlgorithm `json:"algorithms,omitempty"`
	Profiles   []VectorProfile   `json:"profiles,omitempty"`
}

// VectorAlgorithm is one named algorithm configuration.
type VectorAlgorithm struct {
	Name           string          `json:"name"`
	Kind           string          `json:"kind"`
	HNSWParameters *HNSWParameters `json:"hnswParameters,omitempty"`
	ExhaustiveKnnParameters *KnnParameters `json:"exhaustiveKnnParameters,omitempty"`
}

// HNSWParameters tunes an HNSW algorithm configuration.
type HNSWParameters struct {
	M              int    `json:"m,omitempty"`
	EfConstruction int    `json:"efConstruction,omitempty"`
	EfSearch       int    `json:"efSearch,omitempty"`
	Metric         string `json:"metric,omitempty"`
}

// KnnParameters tunes an exhaustive k-NN algorithm configuration.
type KnnParameters struct {
	Metric string `json:"metric,omitempty"`
}

// VectorProfile binds a profile name to an algorithm configuration.
type VectorProfile struct {
	Name      string `json:"name"`
	Algorithm string `json:"algorithm"`
}

// IsCollection reports whether t is a Collection(...) type.
func IsCollection(t string) bool {
	return strings.HasPrefix(t, "Collection(") && strings.HasSuffix(t, ")")
}

// ElementType returns T for Collection(T), or t unchanged.
func ElementType(t string) string {
	if IsCollection(t) {
		return t[len("Collection(") : len(t)-1]
	}
	return t
}

// IsVectorType reports whether t is the float-vector type.
func IsVectorType(t string) bool {
	return t == TypeVector
}

// IsComplexType reports whether t is a complex object or a collection of them.
func IsComplexType(t string) bool {
	return ElementType(t) == TypeComplex
}

// IsStringType reports whether t is a string or collection of strings.
func IsStringType(t string) bool {
	return ElementType(t) == TypeString
}

func validElementType(t string) bool {
	switch t {
	case TypeString, TypeInt32, TypeInt64, TypeDouble, TypeBoolean,
		TypeDateTimeOffset, TypeGeographyPoint, TypeComplex:
		return true
	case TypeSingle:
		// Edm.Single is only valid inside Collection(...).
		return false
	}
	return false
}

func validFieldType(t string) bool {
	if t == TypeVector {
		return true
	}
	if IsCollection(t) {
		return validElementType(ElementType(t))
	}
	return validElementType(t)
}

// Attribute accessors resolve the declared pointer or the per-type default.

// IsKey reports whether the field is the document key.
func (f *Field) IsKey() bool { return f.Key }

// IsSearchable resolves the searchable attribute. Strings default to
// searchable; vector fields are always vector-searchable.
func (f *Field) IsSearchable() bool {
	if f.Searchable != nil {
		return *f.Searchable
	}
	return IsStringType(f.Type) || IsVectorType(f.Type)
}

// IsFilterable resolves the filterable attribute. Simple non-vector fields
// default to filterable.
func (f *Field) IsFilterable() bool {
	if f.Filterable != nil {
		return *f.Filterable
	}
	return !IsVectorType(f.Type) && !IsComplexType(f.Type)
}

// IsSortable resolves the sortable attribute. Single-valued simple fields
// default to sortable; collections and geography points never sort.
func (f *Field) IsSortable() bool {
	if f.Sortable != nil {
		return *f.Sortable
	}
	return !IsCollection(f.Type) && !IsComplexType(f.Type) &&
		f.Type != TypeGeographyPoint && !IsVectorType(f.Type)
}

// IsFacetable resolves the facetable attribute. Simple fields except
// geography points default to facetable.
func (f *Field) IsFacetable() bool {
	if f.Facetable != nil {
		return *f.Facetable
	}
	return !IsVectorType(f.Type) && !IsComplexType(f.Type) &&
		f.Type != TypeGeographyPoint
}

// IsRetrievable resolves the retrievable attribute; default true. Key
// fields are always retrievable.
func (f *Field) IsRetrievable() bool {
	if f.Key {
		return true
	}
	if f.Retrievable != nil {
		return *f.Retrievable
	}
	return true
}

// KeyField returns the index's key field, or nil when absent.
func (ix *Index) KeyField() *Field {
	for i := range ix.Fields {
		if ix.Fields[i].Key {
			return &ix.Fields[i]
		}
	}
	return nil
}

// Field returns the top-level field with the given name, or nil.
func (ix *Index) Field(name string) *Field {
	for i := range ix.Fields {
		if ix.Fields[i].Name == name {
			return &ix.Fields[i]
		}
	}
	return nil
}

// FieldByPath resolves a slash-separated field reference such as
// "rooms/type". A bare name is a path of length one.
func (ix *Index) FieldByPath(path string) *Field {
	parts := strings.Split(path, "/")
	fields := ix.Fields
	var cur *Field
	for i, part := range parts {
		cur = nil
		for j := range fields {
			if fields[j].Name == part {
				cur = &fields[j]
				break
			}
		}
		if cur == nil {
			return nil
		}
		if i < len(parts)-1 {
			if !IsComplexType(cur.Type) {
				return nil
			}
			fields = cur.Fields
		}
	}
	return cur
}

// VectorFields returns the vector-typed fields in declaration order.
func (ix *Index) VectorFields() []*Field {
	var out []*Field
	for i := range ix.Fields {
		if IsVectorType(ix.Fields[i].Type) {
			out = append(out, &ix.Fields[i])
		}
	}
	return out
}

// Suggester returns the named suggester, or nil.
func (ix *Index) Suggester(name string) *Suggester {
	for i := range ix.Suggesters {
		if ix.Suggesters[i].Name == name {
			return &ix.Suggesters[i]
		}
	}
	return nil
}

// VectorProfile resolves a profile name to its algorithm configuration.
func (ix *Index) VectorProfile(name string) (*VectorProfile, *VectorAlgorithm) {
	if ix.VectorSearch == nil {
		return nil, nil
	}
	for i := range ix.VectorSearch.Profiles {
		if ix.VectorSearch.Profiles[i].Name != name {
			continue
		}
		p := &ix.VectorSearch.Profiles[i]
		for j := range ix.VectorSearch.Algorithms {
			if ix.VectorSearch.Algorithms[j].Name == p.Algorithm {
				return p, &ix.VectorSearch.Algorithms[j]
			}
		}
		return p, nil
	}
	return nil, nil
}

// Validate enforces the schema invariants for an index definition.
// maxFields 0 means unlimited.
func (ix *Index) Validate(maxFields int) error {
	if len(ix.Fields) == 0 {
		return apperr.InvalidArgument("index must declare at least one field").WithTarget("fields")
	}
	if maxFields > 0 && countFields(ix.Fields) > maxFields {
		return apperr.InvalidArgument("index declares more than %d fields", maxFields).WithTarget("fields")
	}

	keyCount := 0
	for i := range ix.Fields {
		f := &ix.Fields[i]
		if f.Key {
			keyCount++
			if f.Type != TypeString {
				return apperr.InvalidArgument("key field %q must be of type %s", f.Name, TypeString).WithTarget(f.Name)
			}
			if f.Retrievable != nil && !*f.Retrievable {
				return apperr.InvalidArgument("key field %q must be retrievable", f.Name).WithTarget(f.Name)
			}
		}
		if err := validateField(f, ix, true); err != nil {
			return err
		}
	}
	switch {
	case keyCount == 0:
		return apperr.InvalidArgument("index must declare exactly one key field").WithTarget("fields")
	case keyCount > 1:
		return apperr.InvalidArgument("index declares more than one key field").WithTarget("fields")
	}

	if err := validateUniqueNames(ix.Fields); err != nil {
		return err
	}

	for i := range ix.Suggesters {
		if err := ix.validateSuggester(&ix.Suggesters[i]); err != nil {
			return err
		}
	}

	for i := range ix.Fields {
		f := &ix.Fields[i]
		if !IsVectorType(f.Type) {
			continue
		}
		if _, alg := ix.VectorProfile(f.VectorSearchProfile); alg == nil {
			return apperr.InvalidArgument(
				"vector field %q references unknown vector search profile %q", f.Name, f.VectorSearchProfile).WithTarget(f.Name)
		}
	}

	if ix.VectorSearch != nil {
		if err := ix.validateVectorSearch(); err != nil {
			return err
		}
	}

	if ix.DefaultScoringProfile != "" {
		found := false
		for i := range ix.ScoringProfiles {
			if ix.ScoringProfiles[i].Name == ix.DefaultScoringProfile {
				found = true
				break
			}
		}
		if !found {
			return apperr.InvalidArgument(
				"defaultScoringProfile %q is not a declared scoring profile", ix.DefaultScoringProfile).WithTarget("defaultScoringProfile")
		}
	}

	return nil
}

func countFields(fields []Field) int {
	n := 0
	for i := range fields {
		n++
		n += countFields(fields[i].Fields)
	}
	return n
}

func validateUniqueNames(fields []Field) error {
	seen := make(map[string]struct{}, len(fields))
	for i := range fields {
		name := fields[i].Name
		if _, dup := seen[name]; dup {
			return apperr.InvalidArgument("duplicate field name %q", name).WithTarget(name)
		}
		seen[name] = struct{}{}
		if len(fields[i].Fields) > 0 {
			if err := validateUniqueNames(fields[i].Fields); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateField(f *Field, ix *Index, topLevel bool) error {
	if !fieldNameRe.MatchString(f.Name) {
		return apperr.InvalidArgument("invalid field name %q", f.Name).WithTarget(f.Name)
	}
	if !validFieldType(f.Type) {
		return apperr.InvalidArgument("field %q has unsupported type %q", f.Name, f.Type).WithTarget(f.Name)
	}

	switch {
	case IsVectorType(f.Type):
		if f.Key {
			return apperr.InvalidArgument("vector field %q cannot be the key", f.Name).WithTarget(f.Name)
		}
		if f.Dimensions < 1 || f.Dimensions > MaxVectorDimensions {
			return apperr.InvalidArgument(
				"vector field %q must declare dimensions in [1, %d]", f.Name, MaxVectorDimensions).WithTarget(f.Name)
		}
		if f.VectorSearchProfile == "" {
			return apperr.InvalidArgument("vector field %q must reference a vector search profile", f.Name).WithTarget(f.Name)
		}
		if boolTrue(f.Filterable) || boolTrue(f.Sortable) || boolTrue(f.Facetable) {
			return apperr.InvalidArgument(
				"vector field %q cannot be filterable, sortable, or facetable", f.Name).WithTarget(f.Name)
		}
	case IsComplexType(f.Type):
		if f.Key {
			return apperr.InvalidArgument("complex field %q cannot be the key", f.Name).WithTarget(f.Name)
		}
		if len(f.Fields) == 0 {
			return apperr.InvalidArgument("complex field %q must declare sub-fields", f.Name).WithTarget(f.Name)
		}
		if boolTrue(f.Sortable) || boolTrue(f.Facetable) || boolTrue(f.Filterable) {
			return apperr.InvalidArgument(
				"complex field %q cannot be filterable, sortable, or facetable; attribute sub-fields instead", f.Name).WithTarget(f.Name)
		}
		for i := range f.Fields {
			sub := &f.Fields[i]
			if sub.Key {
				return apperr.InvalidArgument("sub-field %q of %q cannot be the key", sub.Name, f.Name).WithTarget(sub.Name)
			}
			if err := validateField(sub, ix, false); err != nil {
				return err
			}
		}
	default:
		if len(f.Fields) > 0 {
			return apperr.InvalidArgument("field %q of type %s cannot declare sub-fields", f.Name, f.Type).WithTarget(f.Name)
		}
		if IsCollection(f.Type) && boolTrue(f.Sortable) {
			return apperr.InvalidArgument("collection field %q cannot be sortable", f.Name).WithTarget(f.Name)
		}
		if f.Dimensions != 0 || f.VectorSearchProfile != "" {
			return apperr.InvalidArgument("field %q declares vector attributes but is not %s", f.Name, TypeVector).WithTarget(f.Name)
		}
	}

	if f.Analyzer != "" && !f.IsSearchable() {
		return apperr.InvalidArgument("field %q declares an analyzer but is not searchable", f.Name).WithTarget(f.Name)
	}
	if f.Analyzer != "" && !IsStringType(f.Type) {
		return apperr.InvalidArgument("field %q declares an analyzer but is not a string field", f.Name).WithTarget(f.Name)
	}
	if f.Normalizer != "" && !IsStringType(f.Type) {
		return apperr.InvalidArgument("field %q declares a normalizer but is not a string field", f.Name).WithTarget(f.Name)
	}
	if len(f.SynonymMaps) > 0 && !f.IsSearchable() {
		return apperr.InvalidArgument("field %q declares synonym maps but is not searchable", f.Name).WithTarget(f.Name)
	}

	_ = topLevel
	return nil
}

func (ix *Index) validateSuggester(s *Suggester) error {
	if s.Name == "" {
		return apperr.InvalidArgument("suggester must have a name").WithTarget("suggesters")
	}
	if len(s.SourceFields) == 0 {
		return apperr.InvalidArgument("suggester %q must declare source fields", s.Name).WithTarget(s.Name)
	}
	for _, name := range s.SourceFields {
		f := ix.Field(name)
		if f == nil {
			return apperr.InvalidArgument("suggester %q references unknown field %q", s.Name, name).WithTarget(s.Name)
		}
		if !IsStringType(f.Type) || !f.IsSearchable() {
			return apperr.InvalidArgument(
				"suggester %q source field %q must be a searchable string field", s.Name, name).WithTarget(s.Name)
		}
	}
	return nil
}

func (ix *Index) validateVectorSearch() error {
	algs := make(map[string]string, len(ix.VectorSearch.Algorithms))
	for i := range ix.VectorSearch.Algorithms {
		a := &ix.VectorSearch.Algorithms[i]
		if a.Name == "" {
			return apperr.InvalidArgument("vector algorithm configuration must have a name").WithTarget("vectorSearch")
		}
		if a.Kind != AlgorithmHNSW && a.Kind != AlgorithmExhaustiveKnn {
			return apperr.InvalidArgument(
				"vector algorithm %q has unsupported kind %q", a.Name, a.Kind).WithTarget(a.Name)
		}
		if _, dup := algs[a.Name]; dup {
			return apperr.InvalidArgument("duplicate vector algorithm name %q", a.Name).WithTarget(a.Name)
		}
		if m := a.Metric(); m != MetricCosine && m != MetricDotProduct && m != MetricEuclidean {
			return apperr.InvalidArgument(
				"vector algorithm %q has unsupported metric %q", a.Name, m).WithTarget(a.Name)
		}
		algs[a.Name] = a.Kind
	}
	for i := range ix.VectorSearch.Profiles {
		p := &ix.VectorSearch.Profiles[i]
		if p.Name == "" {
			return apperr.InvalidArgument("vector profile must have a name").WithTarget("vectorSearch")
		}
		if _, ok := algs[p.Algorithm]; !ok {
			return apperr.InvalidArgument(
				"vector profile %q references unknown algorithm %q", p.Name, p.Algorithm).WithTarget(p.Name)
		}
	}
	return nil
}

// Metric returns the algorithm's similarity metric, defaulting to cosine.
func (a *VectorAlgorithm) Metric() string {
	switch a.Kind {
	case AlgorithmHNSW:
		if a.HNSWParameters != nil && a.HNSWParameters.Metric != "" {
			return a.HNSWParameters.Metric
		}
	case AlgorithmExhaustiveKnn:
		if a.ExhaustiveKnnParameters != nil && a.ExhaustiveKnnParameters.Metric != "" {
			return a.ExhaustiveKnnParameters.Metric
		}
	}
	return MetricCosine
}

func boolTrue(b *bool) bool { return b != nil && *b }
