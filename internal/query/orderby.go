package query

import (
	"strings"

	"github.com/locussearch/locus/internal/apperr"
	"github.com/locussearch/locus/internal/schema"
)

// sortKey is one orderBy clause: a sortable field or search.score(),
// ascending unless desc.
type sortKey struct {
	field string
	desc  bool
	score bool
}

const maxOrderByClauses = 32

// parseOrderBy parses "field [asc|desc], ..." clauses, accepting
// search.score() in place of a field. Fields must be sortable.
func parseOrderBy(def *schema.Index, raw string) ([]sortKey, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var keys []sortKey
	for _, clause := range strings.Split(raw, ",") {
		parts := strings.Fields(clause)
		if len(parts) == 0 {
			return nil, apperr.InvalidArgument("empty orderby clause in %q", raw)
		}
		if len(parts) > 2 {
			return nil, apperr.InvalidArgument("malformed orderby clause %q", clause)
		}
		key := sortKey{}
		switch name := parts[0]; name {
		case "search.score()":
			key.score = true
		default:
			f := def.FieldByPath(name)
			if f == nil {
				return nil, apperr.InvalidArgument("unknown field %q in orderby", name)
			}
			if !f.IsSortable() {
				return nil, apperr.InvalidArgument("field %q is not sortable", name)
			}
			key.field = name
		}
		if len(parts) == 2 {
			switch strings.ToLower(parts[1]) {
			case "asc":
			case "desc":
				key.desc = true
			default:
				return nil, apperr.InvalidArgument("orderby direction %q must be asc or desc", parts[1])
			}
		}
		keys = append(keys, key)
	}
	if len(keys) > maxOrderByClauses {
		return nil, apperr.InvalidArgument("orderby supports at most %d clauses", maxOrderByClauses)
	}
	return keys, nil
}

// scoreOnlyOrder reports whether the chain sorts purely by relevance
// descending, which the index can serve without re-sorting.
func scoreOnlyOrder(keys []sortKey) bool {
	if len(keys) == 0 {
		return true
	}
	return len(keys) == 1 && keys[0].score && keys[0].desc
}

// lessHit is the orderBy comparator. Missing field values sort lowest;
// exhausted chains fall back to the document key so paging is stable.
func lessHit(ev *filterEvaluator, keys []sortKey, a, b *hit) bool {
	if len(keys) == 0 {
		keys = []sortKey{{score: true, desc: true}}
	}
	for _, k := range keys {
		var c int
		if k.score {
			c = compareFloats(a.score, b.score)
		} else {
			c = compareFieldValues(ev, k.field, a.doc, b.doc)
		}
		if k.desc {
			c = -c
		}
		if c != 0 {
			return c < 0
		}
	}
	return a.key < b.key
}

func compareFloats(x, y float64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func compareFieldValues(ev *filterEvaluator, field string, da, db schema.Document) int {
	segs := strings.Split(field, "/")
	_, va, _ := ev.resolve(segs, da, nil)
	_, vb, _ := ev.resolve(segs, db, nil)
	switch {
	case len(va) == 0 && len(vb) == 0:
		return 0
	case len(va) == 0:
		return -1
	case len(vb) == 0:
		return 1
	}
	return ev.compareSortValues(field, va[0], vb[0])
}

// compareSortValues orders two values of the same sortable field.
// Unparseable values sort lowest, like missing ones.
func (ev *filterEvaluator) compareSortValues(field string, x, y any) int {
	f := ev.def.FieldByPath(field)
	if f == nil {
		return 0
	}
	switch schema.ElementType(f.Type) {
	case schema.TypeString:
		xs, xok := x.(string)
		ys, yok := y.(string)
		if c := comparePresence(xok, yok); c != 0 || !xok {
			return c
		}
		return strings.Compare(ev.normalize(field, xs), ev.normalize(field, ys))
	case schema.TypeInt32, schema.TypeInt64, schema.TypeDouble:
		xn, xok := toFloat(x)
		yn, yok := toFloat(y)
		if c := comparePresence(xok, yok); c != 0 || !xok {
			return c
		}
		return compareFloats(xn, yn)
	case schema.TypeBoolean:
		xb, xok := x.(bool)
		yb, yok := y.(bool)
		if c := comparePresence(xok, yok); c != 0 || !xok {
			return c
		}
		switch {
		case xb == yb:
			return 0
		case yb:
			return -1
		}
		return 1
	case schema.TypeDateTimeOffset:
		xt, xok := valueTime(x)
		yt, yok := valueTime(y)
		if c := comparePresence(xok, yok); c != 0 || !xok {
			return c
		}
		switch {
		case xt.Before(yt):
			return -1
		case xt.After(yt):
			return 1
		}
		return 0
	}
	return 0
}

func comparePresence(xok, yok bool) int {
	switch {
	case xok == yok:
		return 0
	case yok:
		return -1
	}
	return 1
}
