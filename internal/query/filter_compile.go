package query

import (
	"math"
	"strings"
	"time"

	blquery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/locussearch/locus/internal/apperr"
	"github.com/locussearch/locus/internal/invindex"
	"github.com/locussearch/locus/internal/schema"
)

// bleve stores datetimes as int64 nanoseconds, which bounds the
// representable range.
var (
	minIndexedTime = time.Date(1678, 1, 1, 0, 0, 0, 0, time.UTC)
	maxIndexedTime = time.Date(2261, 1, 1, 0, 0, 0, 0, time.UTC)
)

// filterCompiler lowers a filter AST onto the inverted index. Lambdas over
// flattened collection fields are not always expressible exactly; when a
// subtree is approximated the compiler widens it to a recall superset and
// flags the result so matches are re-checked against the document.
type filterCompiler struct {
	def         *schema.Index
	ix          *invindex.Index
	approximate bool
}

// compileFilter returns a recall query for the AST and whether hits must
// be verified with evalFilter before they count as matches.
func compileFilter(def *schema.Index, ix *invindex.Index, n node) (blquery.Query, bool, error) {
	c := &filterCompiler{def: def, ix: ix}
	q, err := c.over(n, nil)
	if err != nil {
		return nil, false, err
	}
	return q, c.approximate, nil
}

type binding map[string][]string

func (c *filterCompiler) over(n node, env binding) (blquery.Query, error) {
	switch t := n.(type) {
	case *logicalNode:
		kids := make([]blquery.Query, 0, len(t.kids))
		for _, kid := range t.kids {
			q, err := c.over(kid, env)
			if err != nil {
				return nil, err
			}
			kids = append(kids, q)
		}
		if t.op == "and" {
			return blquery.NewConjunctionQuery(kids), nil
		}
		return blquery.NewDisjunctionQuery(kids), nil

	case *notNode:
		inner, err := c.under(t.kid, env)
		if err != nil {
			return nil, err
		}
		return negate(inner), nil

	case *cmpNode:
		return c.comparison(t, env)

	case *inNode:
		return c.searchIn(t, env)

	case *lambdaNode:
		return c.lambdaOver(t, env)
	}
	return nil, errMalformedFilter("unsupported filter expression")
}

func (c *filterCompiler) under(n node, env binding) (blquery.Query, error) {
	switch t := n.(type) {
	case *logicalNode:
		kids := make([]blquery.Query, 0, len(t.kids))
		for _, kid := range t.kids {
			q, err := c.under(kid, env)
			if err != nil {
				return nil, err
			}
			kids = append(kids, q)
		}
		if t.op == "and" {
			return blquery.NewConjunctionQuery(kids), nil
		}
		return blquery.NewDisjunctionQuery(kids), nil

	case *notNode:
		inner, err := c.over(t.kid, env)
		if err != nil {
			return nil, err
		}
		return negate(inner), nil

	case *cmpNode:
		return c.comparison(t, env)

	case *inNode:
		return c.searchIn(t, env)

	case *lambdaNode:
		// Validate the subtree, then shrink it to nothing; the recall side
		// comes from the matching over() branch.
		if _, err := c.lambdaOver(t, env); err != nil {
			return nil, err
		}
		c.approximate = true
		return blquery.NewMatchNoneQuery(), nil
	}
	return nil, errMalformedFilter("unsupported filter expression")
}

func negate(q blquery.Query) blquery.Query {
	bq := blquery.NewBooleanQuery(nil, nil, nil)
	bq.AddMust(blquery.NewMatchAllQuery())
	bq.AddMustNot(q)
	return bq
}

// resolveField maps AST path segments (possibly starting with a bound
// range variable) to the schema field and its slash path.
func (c *filterCompiler) resolveField(segs []string, env binding) (*schema.Field, string, error) {
	full := segs
	if env != nil {
		if base, ok := env[segs[0]]; ok {
			full = append(append([]string{}, base...), segs[1:]...)
		}
	}
	path := strings.Join(full, "/")
	f := c.def.FieldByPath(path)
	if f == nil {
		return nil, "", apperr.InvalidArgument("unknown field %q in filter", path)
	}
	if !f.IsFilterable() {
		return nil, "", apperr.InvalidArgument("field %q is not filterable", path)
	}
	return f, path, nil
}

func (c *filterCompiler) comparison(t *cmpNode, env binding) (blquery.Query, error) {
	f, path, err := c.resolveField(t.path, env)
	if err != nil {
		return nil, err
	}

	boundToSelf := env != nil && len(t.path) == 1 && env[t.path[0]] != nil
	if schema.IsCollection(f.Type) && !boundToSelf {
		return nil, apperr.New(apperr.CodeInvalidFilter,
			"collection field %q must be filtered with any or all", path)
	}

	if t.lit.kind == litNull {
		exists, err := c.existsQuery(f, path)
		if err != nil {
			return nil, err
		}
		switch t.op {
		case "eq":
			return negate(exists), nil
		case "ne":
			return exists, nil
		}
		return nil, apperr.New(apperr.CodeInvalidFilter, "null supports only eq and ne")
	}

	elem := schema.ElementType(f.Type)
	switch elem {
	case schema.TypeString:
		return c.stringComparison(t, path)
	case schema.TypeInt32, schema.TypeInt64, schema.TypeDouble:
		if t.lit.kind != litNumber {
			return nil, apperr.New(apperr.CodeInvalidFilter, "field %q expects a numeric literal", path)
		}
		return numericComparison(invindex.PhysicalPath(path), t.op, t.lit.num), nil
	case schema.TypeBoolean:
		if t.lit.kind != litBool {
			return nil, apperr.New(apperr.CodeInvalidFilter, "field %q expects true or false", path)
		}
		if t.op != "eq" && t.op != "ne" {
			return nil, apperr.New(apperr.CodeInvalidFilter, "boolean field %q supports only eq and ne", path)
		}
		bq := blquery.NewBoolFieldQuery(t.lit.b)
		bq.SetField(invindex.PhysicalPath(path))
		if t.op == "ne" {
			return negate(bq), nil
		}
		return bq, nil
	case schema.TypeDateTimeOffset:
		tm, ok := literalTime(t.lit)
		if !ok {
			return nil, apperr.New(apperr.CodeInvalidFilter, "field %q expects an ISO-8601 timestamp", path)
		}
		return dateComparison(invindex.PhysicalPath(path), t.op, tm), nil
	case schema.TypeGeographyPoint:
		return nil, apperr.New(apperr.CodeInvalidFilter,
			"geography field %q cannot be compared; geography round-trips only", path)
	}
	return nil, apperr.New(apperr.CodeInvalidFilter, "complex field %q cannot be compared directly", path)
}

func literalTime(lit literal) (time.Time, bool) {
	switch lit.kind {
	case litDateTime:
		return lit.tm, true
	case litString:
		return parseDateTime(lit.str)
	}
	return time.Time{}, false
}

func (c *filterCompiler) stringComparison(t *cmpNode, path string) (blquery.Query, error) {
	if t.lit.kind != litString {
		return nil, apperr.New(apperr.CodeInvalidFilter, "field %q expects a string literal", path)
	}
	normalized, err := c.ix.Normalize(path, t.lit.str)
	if err != nil {
		return nil, err
	}
	field := invindex.KeywordField(path)

	switch t.op {
	case "eq", "ne":
		tq := blquery.NewTermQuery(normalized)
		tq.SetField(field)
		if t.op == "ne" {
			return negate(tq), nil
		}
		return tq, nil
	case "gt":
		return termRange(field, normalized, "", false, false), nil
	case "ge":
		return termRange(field, normalized, "", true, false), nil
	case "lt":
		return termRange(field, "", normalized, false, false), nil
	case "le":
		return termRange(field, "", normalized, false, true), nil
	}
	return nil, errMalformedFilter("unknown operator %q", t.op)
}

func termRange(field, min, max string, minInc, maxInc bool) blquery.Query {
	q := blquery.NewTermRangeInclusiveQuery(min, max, &minInc, &maxInc)
	q.SetField(field)
	return q
}

func numericComparison(field, op string, v float64) blquery.Query {
	truth := true
	falsity := false
	var q *blquery.NumericRangeQuery
	switch op {
	case "eq":
		q = blquery.NewNumericRangeInclusiveQuery(&v, &v, &truth, &truth)
	case "ne":
		eq := blquery.NewNumericRangeInclusiveQuery(&v, &v, &truth, &truth)
		eq.SetField(field)
		return negate(eq)
	case "gt":
		q = blquery.NewNumericRangeInclusiveQuery(&v, nil, &falsity, nil)
	case "ge":
		q = blquery.NewNumericRangeInclusiveQuery(&v, nil, &truth, nil)
	case "lt":
		q = blquery.NewNumericRangeInclusiveQuery(nil, &v, nil, &falsity)
	case "le":
		q = blquery.NewNumericRangeInclusiveQuery(nil, &v, nil, &truth)
	}
	q.SetField(field)
	return q
}

func dateComparison(field, op string, tm time.Time) blquery.Query {
	truth := true
	falsity := false
	var q *blquery.DateRangeQuery
	switch op {
	case "eq":
		q = blquery.NewDateRangeInclusiveQuery(tm, tm, &truth, &truth)
	case "ne":
		eq := blquery.NewDateRangeInclusiveQuery(tm, tm, &truth, &truth)
		eq.SetField(field)
		return negate(eq)
	case "gt":
		q = blquery.NewDateRangeInclusiveQuery(tm, time.Time{}, &falsity, nil)
	case "ge":
		q = blquery.NewDateRangeInclusiveQuery(tm, time.Time{}, &truth, nil)
	case "lt":
		q = blquery.NewDateRangeInclusiveQuery(time.Time{}, tm, nil, &falsity)
	case "le":
		q = blquery.NewDateRangeInclusiveQuery(time.Time{}, tm, nil, &truth)
	}
	q.SetField(field)
	return q
}

func (c *filterCompiler) searchIn(t *inNode, env binding) (blquery.Query, error) {
	f, path, err := c.resolveField(t.path, env)
	if err != nil {
		return nil, err
	}
	if !schema.IsStringType(f.Type) {
		return nil, apperr.New(apperr.CodeInvalidFilter, "search.in requires a string field, got %q", path)
	}

	kids := make([]blquery.Query, 0, len(t.values))
	for _, v := range t.values {
		normalized, err := c.ix.Normalize(path, v)
		if err != nil {
			return nil, err
		}
		tq := blquery.NewTermQuery(normalized)
		tq.SetField(invindex.KeywordField(path))
		kids = append(kids, tq)
	}
	return blquery.NewDisjunctionQuery(kids), nil
}

func (c *filterCompiler) lambdaOver(t *lambdaNode, env binding) (blquery.Query, error) {
	f, path, err := c.resolveField(t.path, env)
	if err != nil {
		return nil, err
	}
	if !schema.IsCollection(f.Type) {
		return nil, apperr.New(apperr.CodeInvalidFilter, "%s requires a collection field, got %q", t.kind, path)
	}

	if t.pred == nil {
		if schema.IsComplexType(f.Type) {
			return nil, apperr.New(apperr.CodeInvalidFilter,
				"any() without a predicate is supported for simple collections only")
		}
		return c.existsQuery(f, path)
	}

	inner := binding{}
	for k, v := range env {
		inner[k] = v
	}
	fullPath := strings.Split(path, "/")
	inner[t.variable] = fullPath

	if t.kind == "all" {
		// all(x: P) over flattened fields is checked per document; recall
		// is any(P) plus documents whose collection is empty or missing.
		c.approximate = true
		anyQ, err := c.lambdaPredOver(t, f, path, inner)
		if err != nil {
			return nil, err
		}
		exists, err := c.existsQuery(f, path)
		if err != nil {
			return nil, err
		}
		return blquery.NewDisjunctionQuery([]blquery.Query{anyQ, negate(exists)}), nil
	}
	return c.lambdaPredOver(t, f, path, inner)
}

// lambdaPredOver compiles an any() predicate against the flattened
// collection. Positive comparisons distribute exactly; negations and
// conjunctions cannot see element boundaries, so they widen to an
// existence check and flag verification.
func (c *filterCompiler) lambdaPredOver(t *lambdaNode, f *schema.Field, path string, env binding) (blquery.Query, error) {
	var walk func(n node) (blquery.Query, error)
	walk = func(n node) (blquery.Query, error) {
		switch pred := n.(type) {
		case *cmpNode:
			if pred.op == "ne" || pred.lit.kind == litNull {
				if _, _, err := c.resolveField(pred.path, env); err != nil {
					return nil, err
				}
				c.approximate = true
				return c.existsQuery(f, path)
			}
			return c.comparison(pred, env)
		case *inNode:
			return c.searchIn(pred, env)
		case *logicalNode:
			kids := make([]blquery.Query, 0, len(pred.kids))
			for _, kid := range pred.kids {
				q, err := walk(kid)
				if err != nil {
					return nil, err
				}
				kids = append(kids, q)
			}
			if pred.op == "or" {
				return blquery.NewDisjunctionQuery(kids), nil
			}
			// Conjuncts may match across different elements.
			c.approximate = true
			return blquery.NewConjunctionQuery(kids), nil
		default:
			c.approximate = true
			return c.existsQuery(f, path)
		}
	}
	return walk(t.pred)
}

// existsQuery matches documents that have at least one indexed value for
// the field.
func (c *filterCompiler) existsQuery(f *schema.Field, path string) (blquery.Query, error) {
	elem := schema.ElementType(f.Type)
	switch elem {
	case schema.TypeString:
		wq := blquery.NewWildcardQuery("*")
		wq.SetField(invindex.KeywordField(path))
		return wq, nil
	case schema.TypeInt32, schema.TypeInt64, schema.TypeDouble:
		lo, hi := -math.MaxFloat64, math.MaxFloat64
		truth := true
		q := blquery.NewNumericRangeInclusiveQuery(&lo, &hi, &truth, &truth)
		q.SetField(invindex.PhysicalPath(path))
		return q, nil
	case schema.TypeBoolean:
		tq := blquery.NewBoolFieldQuery(true)
		tq.SetField(invindex.PhysicalPath(path))
		fq := blquery.NewBoolFieldQuery(false)
		fq.SetField(invindex.PhysicalPath(path))
		return blquery.NewDisjunctionQuery([]blquery.Query{tq, fq}), nil
	case schema.TypeDateTimeOffset:
		truth := true
		q := blquery.NewDateRangeInclusiveQuery(minIndexedTime, maxIndexedTime, &truth, &truth)
		q.SetField(invindex.PhysicalPath(path))
		return q, nil
	case schema.TypeGeographyPoint:
		lo, hi := -math.MaxFloat64, math.MaxFloat64
		truth := true
		q := blquery.NewNumericRangeInclusiveQuery(&lo, &hi, &truth, &truth)
		q.SetField(invindex.GeoLatField(path))
		return q, nil
	}
	return nil, apperr.New(apperr.CodeInvalidFilter, "field %q cannot be null-checked", path)
}
