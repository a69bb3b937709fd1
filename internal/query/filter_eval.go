package query

import (
	"strings"
	"time"

	"github.com/locussearch/locus/internal/apperr"
	"github.com/locussearch/locus/internal/invindex"
	"github.com/locussearch/locus/internal/schema"
)

// filterEvaluator checks a filter AST against a document's wire form. It
// backs the verification pass for recall queries the index cannot express
// exactly, and lambda semantics (any/all over real element boundaries)
// live here.
type filterEvaluator struct {
	def *schema.Index
	ix  *invindex.Index
}

// normalize is the lenient form of Index.Normalize for aggregation and
// sorting, where a definition-level normalizer error has already been
// rejected at index creation.
func (ev *filterEvaluator) normalize(path, s string) string {
	out, err := ev.ix.Normalize(path, s)
	if err != nil {
		return s
	}
	return out
}

// evalBinding scopes a lambda range variable to one collection element,
// keeping the collection's schema path for normalizer lookups.
type evalBinding struct {
	value any
	path  []string
}

type evalEnv map[string]evalBinding

// evalFilter reports whether doc satisfies the filter AST.
func evalFilter(def *schema.Index, ix *invindex.Index, n node, doc schema.Document) (bool, error) {
	ev := &filterEvaluator{def: def, ix: ix}
	return ev.eval(n, doc, nil)
}

func (ev *filterEvaluator) eval(n node, doc schema.Document, env evalEnv) (bool, error) {
	switch t := n.(type) {
	case *logicalNode:
		for _, kid := range t.kids {
			ok, err := ev.eval(kid, doc, env)
			if err != nil {
				return false, err
			}
			if t.op == "and" && !ok {
				return false, nil
			}
			if t.op == "or" && ok {
				return true, nil
			}
		}
		return t.op == "and", nil

	case *notNode:
		ok, err := ev.eval(t.kid, doc, env)
		return !ok, err

	case *cmpNode:
		return ev.comparison(t, doc, env)

	case *inNode:
		return ev.searchIn(t, doc, env)

	case *lambdaNode:
		return ev.lambda(t, doc, env)
	}
	return false, errMalformedFilter("unsupported filter expression")
}

func (ev *filterEvaluator) searchIn(t *inNode, doc schema.Document, env evalEnv) (bool, error) {
	path, values, err := ev.resolve(t.path, doc, env)
	if err != nil {
		return false, err
	}
	set := make(map[string]struct{}, len(t.values))
	for _, v := range t.values {
		norm, err := ev.ix.Normalize(path, v)
		if err != nil {
			return false, err
		}
		set[norm] = struct{}{}
	}
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		norm, err := ev.ix.Normalize(path, s)
		if err != nil {
			return false, err
		}
		if _, hit := set[norm]; hit {
			return true, nil
		}
	}
	return false, nil
}

func (ev *filterEvaluator) lambda(t *lambdaNode, doc schema.Document, env evalEnv) (bool, error) {
	path, elems, err := ev.resolve(t.path, doc, env)
	if err != nil {
		return false, err
	}
	if t.pred == nil {
		return len(elems) > 0, nil
	}

	collectionPath := strings.Split(path, "/")
	for _, elem := range elems {
		inner := evalEnv{}
		for k, v := range env {
			inner[k] = v
		}
		inner[t.variable] = evalBinding{value: elem, path: collectionPath}

		ok, err := ev.eval(t.pred, doc, inner)
		if err != nil {
			return false, err
		}
		if t.kind == "any" && ok {
			return true, nil
		}
		if t.kind == "all" && !ok {
			return false, nil
		}
	}
	return t.kind == "all", nil
}

func (ev *filterEvaluator) comparison(t *cmpNode, doc schema.Document, env evalEnv) (bool, error) {
	path, values, err := ev.resolve(t.path, doc, env)
	if err != nil {
		return false, err
	}

	if t.lit.kind == litNull {
		hasValue := false
		for _, v := range values {
			if v != nil {
				hasValue = true
				break
			}
		}
		switch t.op {
		case "eq":
			return !hasValue, nil
		case "ne":
			return hasValue, nil
		}
		return false, errMalformedFilter("null supports only eq and ne")
	}

	for _, v := range values {
		if v == nil {
			continue
		}
		ok, err := ev.compareValue(path, v, t.op, t.lit)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (ev *filterEvaluator) compareValue(path string, v any, op string, lit literal) (bool, error) {
	switch lit.kind {
	case litString:
		s, ok := v.(string)
		if !ok {
			return false, nil
		}
		left, err := ev.ix.Normalize(path, s)
		if err != nil {
			return false, err
		}
		right, err := ev.ix.Normalize(path, lit.str)
		if err != nil {
			return false, err
		}
		return compareOrdered(strings.Compare(left, right), op), nil

	case litNumber:
		f, ok := toFloat(v)
		if !ok {
			return false, nil
		}
		switch {
		case f < lit.num:
			return compareOrdered(-1, op), nil
		case f > lit.num:
			return compareOrdered(1, op), nil
		}
		return compareOrdered(0, op), nil

	case litBool:
		b, ok := v.(bool)
		if !ok {
			return false, nil
		}
		switch op {
		case "eq":
			return b == lit.b, nil
		case "ne":
			return b != lit.b, nil
		}
		return false, errMalformedFilter("boolean fields support only eq and ne")

	case litDateTime:
		tm, ok := valueTime(v)
		if !ok {
			return false, nil
		}
		switch {
		case tm.Before(lit.tm):
			return compareOrdered(-1, op), nil
		case tm.After(lit.tm):
			return compareOrdered(1, op), nil
		}
		return compareOrdered(0, op), nil
	}
	return false, errMalformedFilter("unsupported literal")
}

func compareOrdered(cmp int, op string) bool {
	switch op {
	case "eq":
		return cmp == 0
	case "ne":
		return cmp != 0
	case "gt":
		return cmp > 0
	case "ge":
		return cmp >= 0
	case "lt":
		return cmp < 0
	case "le":
		return cmp <= 0
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func valueTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case string:
		return parseDateTime(t)
	}
	return time.Time{}, false
}

// resolve walks a path against the document (or a bound lambda element)
// and returns the schema path plus the flattened leaf values.
func (ev *filterEvaluator) resolve(segs []string, doc schema.Document, env evalEnv) (string, []any, error) {
	var start any = map[string]any(doc)
	fullSegs := segs
	rest := segs

	if env != nil {
		if b, ok := env[segs[0]]; ok {
			start = b.value
			rest = segs[1:]
			fullSegs = append(append([]string{}, b.path...), segs[1:]...)
		}
	}

	path := strings.Join(fullSegs, "/")
	if ev.def.FieldByPath(path) == nil {
		return "", nil, apperr.InvalidArgument("unknown field %q in filter", path)
	}
	return path, flattenPath(start, rest), nil
}

func flattenPath(v any, segs []string) []any {
	if len(segs) == 0 {
		return flattenValue(v)
	}
	switch t := v.(type) {
	case map[string]any:
		child, ok := t[segs[0]]
		if !ok {
			return nil
		}
		return flattenPath(child, segs[1:])
	case []any:
		var out []any
		for _, elem := range t {
			out = append(out, flattenPath(elem, segs)...)
		}
		return out
	}
	return nil
}

func flattenValue(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		var out []any
		for _, elem := range t {
			out = append(out, flattenValue(elem)...)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	}
	return []any{v}
}
