// Package query implements the search verb: simple and full text parsing,
// the OData filter subset, synonym expansion, facets, highlighting, vector
// k-NN, and hybrid fusion between the text and vector result lists.
package query

import (
	"strings"

	"github.com/locussearch/locus/internal/schema"
)

// Request mirrors the POST /docs/search body.
type Request struct {
	Search           string        `json:"search,omitempty"`
	QueryType        string        `json:"queryType,omitempty"`
	SearchMode       string        `json:"searchMode,omitempty"`
	SearchFields     string        `json:"searchFields,omitempty"`
	Select           string        `json:"select,omitempty"`
	Filter           string        `json:"filter,omitempty"`
	OrderBy          string        `json:"orderby,omitempty"`
	Top              *int          `json:"top,omitempty"`
	Skip             int           `json:"skip,omitempty"`
	Count            bool          `json:"count,omitempty"`
	Facets           []string      `json:"facets,omitempty"`
	Highlight        string        `json:"highlight,omitempty"`
	HighlightPreTag  string        `json:"highlightPreTag,omitempty"`
	HighlightPostTag string        `json:"highlightPostTag,omitempty"`
	VectorQueries    []VectorQuery `json:"vectorQueries,omitempty"`
	ScoringProfile   string        `json:"scoringProfile,omitempty"`
	MinimumCoverage  float64       `json:"minimumCoverage,omitempty"`
	Debug            string        `json:"debug,omitempty"`
}

// VectorQuery is one entry of vectorQueries. Fields may name several
// comma-separated vector fields; each produces its own ranked list.
type VectorQuery struct {
	Kind       string    `json:"kind,omitempty"`
	Vector     []float32 `json:"vector,omitempty"`
	Fields     string    `json:"fields"`
	K          int       `json:"k,omitempty"`
	Exhaustive bool      `json:"exhaustive,omitempty"`
	Weight     float64   `json:"weight,omitempty"`
}

// Response is the engine's answer before wire encoding.
type Response struct {
	Count    *int64
	Coverage *float64
	Facets   map[string][]FacetBucket
	Results  []Result
}

// Result is one hit: the projected document plus search annotations.
type Result struct {
	Score      float64
	Highlights map[string][]string
	Document   schema.Document
	Debug      *DebugScores
}

// DebugScores is the per-result subscore breakdown returned when the
// request sets debug.
type DebugScores struct {
	Text    float64            `json:"text"`
	Vectors map[string]float64 `json:"vectors,omitempty"`
	Fused   float64            `json:"fused"`
}

// FacetBucket is one facet entry. Value facets set Value; interval and
// range facets set From/To bounds.
type FacetBucket struct {
	Value any   `json:"value,omitempty"`
	From  any   `json:"from,omitempty"`
	To    any   `json:"to,omitempty"`
	Count int64 `json:"count"`
}

// SuggestRequest mirrors the POST /docs/suggest body.
type SuggestRequest struct {
	Search           string `json:"search"`
	SuggesterName    string `json:"suggesterName"`
	Top              int    `json:"top,omitempty"`
	Select           string `json:"select,omitempty"`
	Filter           string `json:"filter,omitempty"`
	UseFuzzyMatching bool   `json:"fuzzy,omitempty"`
}

// SuggestItem is one suggestion: the matched text and the selected
// document fields.
type SuggestItem struct {
	Text     string
	Document schema.Document
}

// AutocompleteRequest mirrors the POST /docs/autocomplete body.
type AutocompleteRequest struct {
	Search           string `json:"search"`
	SuggesterName    string `json:"suggesterName"`
	AutocompleteMode string `json:"autocompleteMode,omitempty"`
	Top              int    `json:"top,omitempty"`
	UseFuzzyMatching bool   `json:"fuzzy,omitempty"`
}

// AutocompleteItem is one completion of the partial last term.
type AutocompleteItem struct {
	Text          string `json:"text"`
	QueryPlusText string `json:"queryPlusText"`
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
