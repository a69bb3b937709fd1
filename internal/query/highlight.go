package query

import (
	"sort"
	"strconv"
	"strings"

	"github.com/locussearch/locus/internal/apperr"
	"github.com/locussearch/locus/internal/invindex"
	"github.com/locussearch/locus/internal/schema"
)

// highlightField is one entry of the highlight list: a searchable field
// with an optional -N fragment cap.
type highlightField struct {
	field        string
	maxFragments int
}

const defaultMaxFragments = 5

// parseHighlightFields parses "fieldA,fieldB-3" and validates every
// field is a searchable string field.
func parseHighlightFields(def *schema.Index, raw string) ([]highlightField, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []highlightField
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		hf := highlightField{field: part, maxFragments: defaultMaxFragments}
		if name, suffix, ok := strings.Cut(part, "-"); ok {
			n, err := strconv.Atoi(suffix)
			if err != nil || n < 1 {
				return nil, apperr.InvalidArgument("highlight fragment count %q is not a positive integer", suffix)
			}
			hf.field = name
			hf.maxFragments = n
		}
		f := def.FieldByPath(hf.field)
		if f == nil {
			return nil, apperr.InvalidArgument("unknown field %q in highlight", hf.field)
		}
		if !f.IsSearchable() || !schema.IsStringType(f.Type) {
			return nil, apperr.InvalidArgument("field %q cannot be highlighted", hf.field)
		}
		out = append(out, hf)
	}
	return out, nil
}

// highlighter wraps matched query terms in stored field values. Terms
// are matched through the field's own analyzer so highlighting agrees
// with retrieval; a trailing * marks a prefix term.
type highlighter struct {
	def  *schema.Index
	ix   *invindex.Index
	pre  string
	post string
}

// termSpans is one query term compiled for a field: the analyzed token
// sequence it must match, or a prefix stem.
type termSpans struct {
	tokens []string
	prefix string
}

func (h *highlighter) compileTerms(field string, terms []string) []termSpans {
	var out []termSpans
	seen := map[string]bool{}
	for _, term := range terms {
		if seen[term] {
			continue
		}
		seen[term] = true
		if stem, ok := strings.CutSuffix(term, "*"); ok {
			if stem != "" {
				out = append(out, termSpans{prefix: strings.ToLower(stem)})
			}
			continue
		}
		toks, err := h.ix.Tokens(field, term)
		if err != nil || len(toks) == 0 {
			continue
		}
		ts := termSpans{tokens: make([]string, len(toks))}
		for i, t := range toks {
			ts.tokens[i] = t.Term
		}
		out = append(out, ts)
	}
	return out
}

// fieldHighlights returns one tagged fragment per field value that
// contains a match, capped at the field's fragment limit.
func (h *highlighter) fieldHighlights(hf highlightField, doc schema.Document, terms []termSpans) []string {
	if len(terms) == 0 {
		return nil
	}
	ev := &filterEvaluator{def: h.def, ix: h.ix}
	_, vals, err := ev.resolve(strings.Split(hf.field, "/"), doc, nil)
	if err != nil {
		return nil
	}
	var fragments []string
	for _, v := range vals {
		if len(fragments) >= hf.maxFragments {
			break
		}
		text, ok := v.(string)
		if !ok || text == "" {
			continue
		}
		spans := h.matchSpans(hf.field, text, terms)
		if len(spans) == 0 {
			continue
		}
		fragments = append(fragments, h.tagSpans(text, spans))
	}
	return fragments
}

type span struct{ start, end int }

// matchSpans finds the byte ranges of text where a term's analyzed
// token sequence occurs consecutively, or a prefix stem matches.
func (h *highlighter) matchSpans(field, text string, terms []termSpans) []span {
	toks, err := h.ix.Tokens(field, text)
	if err != nil || len(toks) == 0 {
		return nil
	}
	var spans []span
	for _, term := range terms {
		if term.prefix != "" {
			for _, t := range toks {
				if strings.HasPrefix(t.Term, term.prefix) {
					spans = append(spans, span{t.Start, t.End})
				}
			}
			continue
		}
		n := len(term.tokens)
		for i := 0; i+n <= len(toks); i++ {
			matched := true
			for j := 0; j < n; j++ {
				if toks[i+j].Term != term.tokens[j] {
					matched = false
					break
				}
			}
			if matched {
				spans = append(spans, span{toks[i].Start, toks[i+n-1].End})
			}
		}
	}
	return mergeSpans(spans)
}

func mergeSpans(spans []span) []span {
	if len(spans) < 2 {
		return spans
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})
	out := spans[:1]
	for _, s := range spans[1:] {
		last := &out[len(out)-1]
		if s.start <= last.end {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

func (h *highlighter) tagSpans(text string, spans []span) string {
	var sb strings.Builder
	sb.Grow(len(text) + len(spans)*(len(h.pre)+len(h.post)))
	prev := 0
	for _, s := range spans {
		sb.WriteString(text[prev:s.start])
		sb.WriteString(h.pre)
		sb.WriteString(text[s.start:s.end])
		sb.WriteString(h.post)
		prev = s.end
	}
	sb.WriteString(text[prev:])
	return sb.String()
}
