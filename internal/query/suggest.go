package query

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	blquery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/locussearch/locus/internal/apperr"
	"github.com/locussearch/locus/internal/invindex"
	"github.com/locussearch/locus/internal/schema"
)

const (
	defaultSuggestTop = 5
	maxSuggestTop     = 100
	maxSuggestSearch  = 100
)

// Suggest returns documents whose suggester source fields match the
// partial search text, completing its last word by prefix.
func (e *Engine) Suggest(ctx context.Context, ix *invindex.Index, req *SuggestRequest) ([]SuggestItem, error) {
	def := ix.Definition()
	sg, top, words, err := suggestInputs(def, req.SuggesterName, req.Search, req.Top)
	if err != nil {
		return nil, err
	}

	var filterAST node
	var filterQuery blquery.Query
	needsVerify := false
	if strings.TrimSpace(req.Filter) != "" {
		filterAST, err = parseFilter(req.Filter)
		if err != nil {
			return nil, err
		}
		filterQuery, needsVerify, err = compileFilter(def, ix, filterAST)
		if err != nil {
			return nil, err
		}
	}

	sel, err := parseSelect(def, req.Select)
	if err != nil {
		return nil, err
	}
	if sel == nil && req.Select == "" {
		// Default projection is the key field only.
		if kf := def.KeyField(); kf != nil {
			sel, _ = parseSelect(def, kf.Name)
		}
	}

	q := conjoin(suggestQuery(sg, words, req.UseFuzzyMatching), filterQuery)

	size := top
	if needsVerify {
		total, err := ix.Count(ctx)
		if err != nil {
			return nil, err
		}
		size = int(total)
	}
	res, err := ix.Search(ctx, bleve.NewSearchRequestOptions(q, size, 0, false))
	if err != nil {
		return nil, err
	}

	last := words[len(words)-1]
	items := make([]SuggestItem, 0, top)
	for _, bh := range res.Hits {
		if len(items) == top {
			break
		}
		doc, err := ix.GetDocument(ctx, bh.ID)
		if errors.Is(err, invindex.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if needsVerify {
			ok, err := evalFilter(def, ix, filterAST, doc)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		items = append(items, SuggestItem{
			Text:     suggestText(ix, sg, doc, last),
			Document: projectDocument(def, doc, sel),
		})
	}
	return items, nil
}

func suggestInputs(def *schema.Index, suggesterName, search string, top int) (*schema.Suggester, int, []string, error) {
	sg := def.Suggester(suggesterName)
	if sg == nil {
		return nil, 0, nil, apperr.InvalidArgument("suggester %q is not defined on index %q", suggesterName, def.Name)
	}
	search = strings.TrimSpace(search)
	if search == "" || len(search) > maxSuggestSearch {
		return nil, 0, nil, apperr.InvalidArgument("search text must be between 1 and %d characters", maxSuggestSearch)
	}
	if top < 0 {
		return nil, 0, nil, apperr.InvalidArgument("top must be non-negative")
	}
	if top == 0 {
		top = defaultSuggestTop
	}
	if top > maxSuggestTop {
		top = maxSuggestTop
	}
	return sg, top, strings.Fields(search), nil
}

// suggestQuery matches leading words fully and the last word by prefix,
// per source field, unioned across the suggester's fields.
func suggestQuery(sg *schema.Suggester, words []string, fuzzy bool) blquery.Query {
	last := words[len(words)-1]
	leading := words[:len(words)-1]

	perField := make([]blquery.Query, 0, len(sg.SourceFields))
	for _, name := range sg.SourceFields {
		physical := invindex.PhysicalPath(name)
		musts := make([]blquery.Query, 0, len(words))
		for _, w := range leading {
			mq := blquery.NewMatchQuery(w)
			mq.SetField(physical)
			if fuzzy {
				mq.SetFuzziness(1)
			}
			musts = append(musts, mq)
		}

		pq := blquery.NewPrefixQuery(strings.ToLower(last))
		pq.SetField(physical)
		var lastQ blquery.Query = pq
		if fuzzy {
			fz := blquery.NewFuzzyQuery(strings.ToLower(last))
			fz.SetField(physical)
			fz.SetFuzziness(1)
			lastQ = blquery.NewDisjunctionQuery([]blquery.Query{pq, fz})
		}
		musts = append(musts, lastQ)

		if len(musts) == 1 {
			perField = append(perField, musts[0])
			continue
		}
		perField = append(perField, blquery.NewConjunctionQuery(musts))
	}
	if len(perField) == 1 {
		return perField[0]
	}
	return blquery.NewDisjunctionQuery(perField)
}

// suggestText picks the wire text for one hit: the first source-field
// value containing a token that extends the completed word.
func suggestText(ix *invindex.Index, sg *schema.Suggester, doc schema.Document, last string) string {
	prefix := strings.ToLower(last)
	fallback := ""
	for _, name := range sg.SourceFields {
		for _, v := range fieldStrings(doc, name) {
			if fallback == "" && v != "" {
				fallback = v
			}
			toks, err := ix.Tokens(name, v)
			if err != nil {
				continue
			}
			for _, t := range toks {
				if strings.HasPrefix(t.Term, prefix) {
					return v
				}
			}
		}
	}
	return fallback
}

// fieldStrings flattens a top-level or nested field into its string
// values.
func fieldStrings(doc schema.Document, path string) []string {
	var cur []any = []any{map[string]any(doc)}
	for _, seg := range strings.Split(path, "/") {
		var next []any
		for _, v := range cur {
			m, ok := v.(map[string]any)
			if !ok {
				continue
			}
			child, ok := m[seg]
			if !ok {
				continue
			}
			if elems, ok := child.([]any); ok {
				next = append(next, elems...)
				continue
			}
			next = append(next, child)
		}
		cur = next
	}
	out := make([]string, 0, len(cur))
	for _, v := range cur {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Autocomplete completes the last word of the search text from the
// indexed terms of the suggester's source fields, ranked by document
// frequency. twoTerms and oneTermWithContext fall back to one-term
// completions; the term dictionary has no positional data.
func (e *Engine) Autocomplete(ctx context.Context, ix *invindex.Index, req *AutocompleteRequest) ([]AutocompleteItem, error) {
	def := ix.Definition()
	sg, top, words, err := suggestInputs(def, req.SuggesterName, req.Search, req.Top)
	if err != nil {
		return nil, err
	}
	switch req.AutocompleteMode {
	case "", "oneTerm", "twoTerms", "oneTermWithContext":
	default:
		return nil, apperr.InvalidArgument("unknown autocompleteMode %q", req.AutocompleteMode)
	}

	last := strings.ToLower(words[len(words)-1])
	prefix := strings.Join(words[:len(words)-1], " ")

	// Oversample per field, then merge document frequencies across
	// fields before cutting to top.
	counts := make(map[string]int)
	for _, name := range sg.SourceFields {
		terms, err := ix.TermsWithPrefix(name, last, top*len(sg.SourceFields)+top)
		if err != nil {
			return nil, err
		}
		for _, tc := range terms {
			counts[tc.Term] += tc.Count
		}
	}

	merged := make([]invindex.TermCount, 0, len(counts))
	for term, count := range counts {
		merged = append(merged, invindex.TermCount{Term: term, Count: count})
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Count != merged[j].Count {
			return merged[i].Count > merged[j].Count
		}
		return merged[i].Term < merged[j].Term
	})
	if len(merged) > top {
		merged = merged[:top]
	}

	items := make([]AutocompleteItem, 0, len(merged))
	for _, tc := range merged {
		qpt := tc.Term
		if prefix != "" {
			qpt = prefix + " " + tc.Term
		}
		items = append(items, AutocompleteItem{Text: tc.Term, QueryPlusText: qpt})
	}
	return items, nil
}
