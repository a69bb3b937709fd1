package query

import (
	"strings"

	"github.com/locussearch/locus/internal/apperr"
)

// SynonymMap is the persisted synonym-map resource. Only the solr
// format exists.
type SynonymMap struct {
	Name     string `json:"name"`
	Format   string `json:"format"`
	Synonyms string `json:"synonyms"`
	ETag     string `json:"@odata.etag,omitempty"`
}

// Validate checks the format tag and parses the rules so malformed
// maps are refused at definition time rather than at query time.
func (m *SynonymMap) Validate() error {
	if m.Format != "" && !strings.EqualFold(m.Format, "solr") {
		return apperr.InvalidArgument("synonym map %q: format must be \"solr\", got %q", m.Name, m.Format)
	}
	_, err := ParseSolrSynonyms(m.Synonyms)
	return err
}

// SynonymRules holds parsed Solr-format synonym rules. Lookups are
// case-insensitive; expansions keep the case they were declared with.
type SynonymRules struct {
	expansions map[string][]string
}

// ParseSolrSynonyms parses Solr synonym syntax: `a, b, c` declares a
// bidirectional equivalence group, `x, y => a, b` maps every left-hand
// term to the right-hand terms. Blank lines and `#` comments are skipped.
func ParseSolrSynonyms(text string) (*SynonymRules, error) {
	rules := &SynonymRules{expansions: make(map[string][]string)}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if lhs, rhs, directional := strings.Cut(line, "=>"); directional {
			from := splitTerms(lhs)
			to := splitTerms(rhs)
			if len(from) == 0 || len(to) == 0 {
				return nil, apperr.InvalidArgument("synonym rule %q needs terms on both sides of =>", line)
			}
			for _, term := range from {
				rules.add(term, to)
			}
			continue
		}

		group := splitTerms(line)
		if len(group) < 2 {
			return nil, apperr.InvalidArgument("synonym rule %q needs at least two terms", line)
		}
		for _, term := range group {
			rules.add(term, group)
		}
	}
	return rules, nil
}

func splitTerms(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (r *SynonymRules) add(term string, expansions []string) {
	key := strings.ToLower(term)
	for _, exp := range expansions {
		if strings.EqualFold(exp, term) {
			continue
		}
		if !containsFold(r.expansions[key], exp) {
			r.expansions[key] = append(r.expansions[key], exp)
		}
	}
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// Expand returns the synonyms of a term, excluding the term itself.
// The result is nil when no rule mentions the term.
func (r *SynonymRules) Expand(term string) []string {
	if r == nil {
		return nil
	}
	return r.expansions[strings.ToLower(term)]
}

// Merge combines several rule sets into one; nil sets are skipped.
func Merge(sets ...*SynonymRules) *SynonymRules {
	merged := &SynonymRules{expansions: make(map[string][]string)}
	for _, set := range sets {
		if set == nil {
			continue
		}
		for term, exps := range set.expansions {
			merged.add(term, exps)
		}
	}
	return merged
}
