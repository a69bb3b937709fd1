package query

import (
	"strings"

	blquery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/locussearch/locus/internal/apperr"
	"github.com/locussearch/locus/internal/invindex"
	"github.com/locussearch/locus/internal/schema"
)

// parsedText is the outcome of text query parsing: the bleve query plus
// the terms the highlighter should look for (synonyms included, prefix
// terms keep their trailing `*`).
type parsedText struct {
	query blquery.Query
	terms []string
}

// simpleToken is one unit of the simple syntax: a term, phrase, prefix,
// or fielded variant of those, with an optional +/- occur marker.
type simpleToken struct {
	field   string
	text    string
	phrase  bool
	prefix  bool
	must    bool
	mustNot bool
}

// parseSimpleQuery implements the simple syntax: quoted phrases, trailing
// `*` prefixes, `field:term`, `+` and `-` occur markers, and remaining
// terms joined per searchMode. expand supplies per-field synonyms.
func parseSimpleQuery(def *schema.Index, search string, searchFields []string, searchMode string, expand func(field, term string) []string) (*parsedText, error) {
	tokens, err := scanSimpleTokens(search)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return &parsedText{query: blquery.NewMatchAllQuery()}, nil
	}

	if err := validateSearchFields(def, searchFields); err != nil {
		return nil, err
	}

	p := &parsedText{}
	boolean := blquery.NewBooleanQuery(nil, nil, nil)
	var should []blquery.Query
	hasMust := false

	for _, tok := range tokens {
		fields := searchFields
		if tok.field != "" {
			if err := validateSearchFields(def, []string{tok.field}); err != nil {
				return nil, err
			}
			fields = []string{tok.field}
		}

		q := p.tokenQuery(def, tok, fields, expand)
		switch {
		case tok.mustNot:
			boolean.AddMustNot(q)
		case tok.must:
			boolean.AddMust(q)
			hasMust = true
		case searchMode == "all":
			boolean.AddMust(q)
			hasMust = true
		default:
			should = append(should, q)
		}
	}

	if len(should) > 0 {
		boolean.AddShould(blquery.NewDisjunctionQuery(should))
	} else if !hasMust {
		// Only negations: anchor them against the whole index.
		boolean.AddMust(blquery.NewMatchAllQuery())
	}
	p.query = boolean
	return p, nil
}

// tokenQuery builds the query for one token across its target fields,
// expanded with synonyms at the term position.
func (p *parsedText) tokenQuery(def *schema.Index, tok simpleToken, fields []string, expand func(field, term string) []string) blquery.Query {
	if !tok.mustNot {
		p.collectTerms(tok, fields, expand)
	}

	variants := []simpleToken{tok}
	if expand != nil && !tok.prefix {
		seen := map[string]bool{strings.ToLower(tok.text): true}
		for _, field := range fieldsOrAll(fields) {
			for _, syn := range expand(field, tok.text) {
				if seen[strings.ToLower(syn)] {
					continue
				}
				seen[strings.ToLower(syn)] = true
				variants = append(variants, simpleToken{
					field:  tok.field,
					text:   syn,
					phrase: tok.phrase || strings.ContainsRune(syn, ' '),
				})
			}
		}
	}

	var alternatives []blquery.Query
	for _, v := range variants {
		for _, q := range fieldQueries(v, fields) {
			alternatives = append(alternatives, q)
		}
	}
	if len(alternatives) == 1 {
		return alternatives[0]
	}
	return blquery.NewDisjunctionQuery(alternatives)
}

func (p *parsedText) collectTerms(tok simpleToken, fields []string, expand func(field, term string) []string) {
	text := tok.text
	if tok.prefix {
		text += "*"
	}
	p.terms = append(p.terms, text)
	if expand == nil || tok.prefix {
		return
	}
	for _, field := range fieldsOrAll(fields) {
		p.terms = append(p.terms, expand(field, tok.text)...)
	}
}

// fieldsOrAll returns the target fields, or a single empty name meaning
// every searchable field.
func fieldsOrAll(fields []string) []string {
	if len(fields) == 0 {
		return []string{""}
	}
	return fields
}

// fieldQueries builds one query per target field; with no fields the
// query runs against the unfielded composite.
func fieldQueries(tok simpleToken, fields []string) []blquery.Query {
	build := func(field string) blquery.Query {
		physical := ""
		if field != "" {
			physical = invindex.PhysicalPath(field)
		}
		switch {
		case tok.prefix:
			q := blquery.NewPrefixQuery(strings.ToLower(tok.text))
			if physical != "" {
				q.SetField(physical)
			}
			return q
		case tok.phrase:
			q := blquery.NewMatchPhraseQuery(tok.text)
			if physical != "" {
				q.SetField(physical)
			}
			return q
		default:
			q := blquery.NewMatchQuery(tok.text)
			if physical != "" {
				q.SetField(physical)
			}
			return q
		}
	}

	if len(fields) == 0 {
		return []blquery.Query{build("")}
	}
	out := make([]blquery.Query, 0, len(fields))
	for _, f := range fields {
		out = append(out, build(f))
	}
	return out
}

// parseFullQuery delegates Lucene syntax to bleve's query-string parser,
// validating the expression up front so syntax errors surface as 400s.
func parseFullQuery(search string) (*parsedText, error) {
	qs := blquery.NewQueryStringQuery(search)
	if _, err := qs.Parse(); err != nil {
		return nil, apperr.InvalidArgument("invalid full query syntax: %v", err)
	}
	return &parsedText{query: qs, terms: fullQueryTerms(search)}, nil
}

// fullQueryTerms extracts highlightable bare terms from a Lucene
// expression. Operators, excluded terms, field prefixes, and boost or
// fuzziness decorations are stripped; phrases highlight word by word.
func fullQueryTerms(search string) []string {
	var terms []string
	raw := strings.FieldsFunc(search, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '(' || r == ')'
	})
	for _, tok := range raw {
		switch tok {
		case "AND", "OR", "NOT", "TO", "&&", "||":
			continue
		}
		if strings.HasPrefix(tok, "-") {
			continue
		}
		tok = strings.TrimPrefix(tok, "+")
		if _, rest, ok := strings.Cut(tok, ":"); ok && rest != "" {
			tok = rest
		}
		tok = strings.Trim(tok, `"`)
		if i := strings.IndexAny(tok, "^~"); i >= 0 {
			tok = tok[:i]
		}
		if tok == "" || tok == "*" {
			continue
		}
		terms = append(terms, tok)
	}
	return terms
}

func validateSearchFields(def *schema.Index, fields []string) error {
	for _, name := range fields {
		f := def.FieldByPath(name)
		if f == nil {
			return apperr.InvalidArgument("unknown field %q in searchFields", name)
		}
		if !f.IsSearchable() || schema.IsVectorType(f.Type) {
			return apperr.InvalidArgument("field %q is not searchable", name)
		}
	}
	return nil
}

// scanSimpleTokens splits the search text into tokens, honoring quotes,
// occur markers, fielded terms, and trailing prefix stars.
func scanSimpleTokens(search string) ([]simpleToken, error) {
	var tokens []simpleToken
	i := 0
	n := len(search)

	for i < n {
		for i < n && (search[i] == ' ' || search[i] == '\t') {
			i++
		}
		if i >= n {
			break
		}

		var tok simpleToken
		if search[i] == '+' {
			tok.must = true
			i++
		} else if search[i] == '-' {
			tok.mustNot = true
			i++
		}
		if i >= n {
			break
		}

		// Optional field prefix before a quoted or bare value.
		start := i
		for i < n && search[i] != ' ' && search[i] != '\t' && search[i] != ':' && search[i] != '"' {
			i++
		}
		if i < n && search[i] == ':' {
			tok.field = search[start:i]
			i++
			start = i
		} else if i < n && search[i] == '"' && i == start {
			// Quote directly after the marker.
		} else {
			// No colon: rewind, the run was the term itself.
			i = start
		}

		if i < n && search[i] == '"' {
			i++
			phraseStart := i
			for i < n && search[i] != '"' {
				i++
			}
			if i >= n {
				return nil, apperr.InvalidArgument("unterminated phrase in search text")
			}
			tok.text = search[phraseStart:i]
			tok.phrase = true
			i++
		} else {
			for i < n && search[i] != ' ' && search[i] != '\t' {
				i++
			}
			tok.text = search[start:i]
			if strings.HasSuffix(tok.text, "*") {
				tok.text = strings.TrimSuffix(tok.text, "*")
				tok.prefix = true
			}
		}

		if strings.TrimSpace(tok.text) == "" {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}
