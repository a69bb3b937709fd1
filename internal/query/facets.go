package query

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/locussearch/locus/internal/apperr"
	"github.com/locussearch/locus/internal/invindex"
	"github.com/locussearch/locus/internal/schema"
)

// facetSpec is one parsed facets[] entry: a field plus the optional
// count, interval, or values parameters.
type facetSpec struct {
	field    string
	count    int
	interval string
	values   []string
}

const defaultFacetCount = 10

// parseFacetSpec parses "field", "field,count:N", "field,interval:N",
// or "field,values:a|b|c" and validates the field is facetable.
func parseFacetSpec(def *schema.Index, raw string) (*facetSpec, error) {
	parts := strings.Split(raw, ",")
	name := strings.TrimSpace(parts[0])
	if name == "" {
		return nil, apperr.InvalidArgument("facet expression %q names no field", raw)
	}
	f := def.FieldByPath(name)
	if f == nil {
		return nil, apperr.InvalidArgument("unknown field %q in facet expression", name)
	}
	if !f.IsFacetable() {
		return nil, apperr.InvalidArgument("field %q is not facetable", name)
	}

	spec := &facetSpec{field: name, count: defaultFacetCount}
	for _, part := range parts[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, apperr.InvalidArgument("malformed facet parameter %q in %q", part, raw)
		}
		switch key {
		case "count":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return nil, apperr.InvalidArgument("facet count %q is not a positive integer", value)
			}
			spec.count = n
		case "interval":
			spec.interval = value
		case "values":
			spec.values = strings.Split(value, "|")
		case "sort", "timeoffset":
			// Accepted for wire compatibility; value facets always sort
			// by count and timestamps aggregate in UTC.
		default:
			return nil, apperr.InvalidArgument("unknown facet parameter %q in %q", key, raw)
		}
	}
	if spec.interval != "" && len(spec.values) > 0 {
		return nil, apperr.InvalidArgument("facet %q mixes interval and values", raw)
	}
	return spec, nil
}

// computeFacets aggregates every requested facet over the matching
// documents. A document counts at most once per bucket, so scalar-field
// facet counts sum to the number of matches carrying a value.
func computeFacets(def *schema.Index, ix *invindex.Index, specs []string, docs []schema.Document) (map[string][]FacetBucket, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make(map[string][]FacetBucket, len(specs))
	ev := &filterEvaluator{def: def, ix: ix}
	for _, raw := range specs {
		spec, err := parseFacetSpec(def, raw)
		if err != nil {
			return nil, err
		}
		f := def.FieldByPath(spec.field)
		buckets, err := spec.aggregate(ev, f, docs)
		if err != nil {
			return nil, err
		}
		out[spec.field] = buckets
	}
	return out, nil
}

func (spec *facetSpec) aggregate(ev *filterEvaluator, f *schema.Field, docs []schema.Document) ([]FacetBucket, error) {
	segs := strings.Split(spec.field, "/")
	switch {
	case len(spec.values) > 0:
		return spec.rangeBuckets(ev, f, segs, docs)
	case spec.interval != "":
		return spec.intervalBuckets(ev, f, segs, docs)
	default:
		return spec.valueBuckets(ev, f, segs, docs)
	}
}

// valueBuckets counts distinct values and keeps the top count entries,
// ordered by count descending then value.
func (spec *facetSpec) valueBuckets(ev *filterEvaluator, f *schema.Field, segs []string, docs []schema.Document) ([]FacetBucket, error) {
	type bucket struct {
		value any
		count int64
	}
	counts := make(map[string]*bucket)
	for _, doc := range docs {
		_, vals, err := ev.resolve(segs, doc, nil)
		if err != nil {
			return nil, err
		}
		seen := map[string]bool{}
		for _, v := range vals {
			key, display, ok := spec.valueKey(ev, f, v)
			if !ok || seen[key] {
				continue
			}
			seen[key] = true
			b := counts[key]
			if b == nil {
				b = &bucket{value: display}
				counts[key] = b
			}
			b.count++
		}
	}

	all := make([]bucket, 0, len(counts))
	for _, b := range counts {
		all = append(all, *b)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return fmt.Sprint(all[i].value) < fmt.Sprint(all[j].value)
	})
	if len(all) > spec.count {
		all = all[:spec.count]
	}
	out := make([]FacetBucket, len(all))
	for i, b := range all {
		out[i] = FacetBucket{Value: b.value, Count: b.count}
	}
	return out, nil
}

// valueKey canonicalizes one doc value into a bucket key and the value
// reported on the wire. Strings go through the field's normalizer so
// facet grouping matches filter equality.
func (spec *facetSpec) valueKey(ev *filterEvaluator, f *schema.Field, v any) (string, any, bool) {
	switch schema.ElementType(f.Type) {
	case schema.TypeString:
		s, ok := v.(string)
		if !ok {
			return "", nil, false
		}
		norm := ev.normalize(spec.field, s)
		return "s:" + norm, norm, true
	case schema.TypeInt32, schema.TypeInt64, schema.TypeDouble:
		n, ok := toFloat(v)
		if !ok {
			return "", nil, false
		}
		return "n:" + strconv.FormatFloat(n, 'g', -1, 64), n, true
	case schema.TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return "", nil, false
		}
		return "b:" + strconv.FormatBool(b), b, true
	case schema.TypeDateTimeOffset:
		t, ok := valueTime(v)
		if !ok {
			return "", nil, false
		}
		u := t.UTC()
		return "t:" + u.Format(time.RFC3339Nano), u.Format(time.RFC3339Nano), true
	default:
		return "", nil, false
	}
}

// intervalBuckets floors each value to a bucket start: numeric fields
// use multiples of the interval, datetime fields use a calendar unit.
func (spec *facetSpec) intervalBuckets(ev *filterEvaluator, f *schema.Field, segs []string, docs []schema.Document) ([]FacetBucket, error) {
	switch schema.ElementType(f.Type) {
	case schema.TypeInt32, schema.TypeInt64, schema.TypeDouble:
		width, err := strconv.ParseFloat(spec.interval, 64)
		if err != nil || width <= 0 {
			return nil, apperr.InvalidArgument("facet interval %q is not a positive number", spec.interval)
		}
		return spec.numericIntervals(ev, segs, docs, width)
	case schema.TypeDateTimeOffset:
		return spec.dateIntervals(ev, segs, docs)
	default:
		return nil, apperr.InvalidArgument("field %q does not support interval facets", spec.field)
	}
}

func (spec *facetSpec) numericIntervals(ev *filterEvaluator, segs []string, docs []schema.Document, width float64) ([]FacetBucket, error) {
	counts := make(map[float64]int64)
	for _, doc := range docs {
		_, vals, err := ev.resolve(segs, doc, nil)
		if err != nil {
			return nil, err
		}
		seen := map[float64]bool{}
		for _, v := range vals {
			n, ok := toFloat(v)
			if !ok {
				continue
			}
			start := math.Floor(n/width) * width
			if seen[start] {
				continue
			}
			seen[start] = true
			counts[start]++
		}
	}

	starts := make([]float64, 0, len(counts))
	for s := range counts {
		starts = append(starts, s)
	}
	sort.Float64s(starts)
	out := make([]FacetBucket, len(starts))
	for i, s := range starts {
		out[i] = FacetBucket{Value: s, Count: counts[s]}
	}
	return out, nil
}

func (spec *facetSpec) dateIntervals(ev *filterEvaluator, segs []string, docs []schema.Document) ([]FacetBucket, error) {
	floor, err := dateFloor(spec.interval)
	if err != nil {
		return nil, err
	}
	counts := make(map[time.Time]int64)
	for _, doc := range docs {
		_, vals, err := ev.resolve(segs, doc, nil)
		if err != nil {
			return nil, err
		}
		seen := map[time.Time]bool{}
		for _, v := range vals {
			t, ok := valueTime(v)
			if !ok {
				continue
			}
			start := floor(t.UTC())
			if seen[start] {
				continue
			}
			seen[start] = true
			counts[start]++
		}
	}

	starts := make([]time.Time, 0, len(counts))
	for s := range counts {
		starts = append(starts, s)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	out := make([]FacetBucket, len(starts))
	for i, s := range starts {
		out[i] = FacetBucket{Value: s.Format(time.RFC3339), Count: counts[s]}
	}
	return out, nil
}

// dateFloor maps an interval keyword to a bucket-start function. Weeks
// start on Sunday; everything aggregates in UTC.
func dateFloor(interval string) (func(time.Time) time.Time, error) {
	switch strings.ToLower(interval) {
	case "minute":
		return func(t time.Time) time.Time { return t.Truncate(time.Minute) }, nil
	case "hour":
		return func(t time.Time) time.Time { return t.Truncate(time.Hour) }, nil
	case "day":
		return dayStart, nil
	case "week":
		return func(t time.Time) time.Time {
			d := dayStart(t)
			return d.AddDate(0, 0, -int(d.Weekday()))
		}, nil
	case "month":
		return func(t time.Time) time.Time {
			y, m, _ := t.Date()
			return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
		}, nil
	case "quarter":
		return func(t time.Time) time.Time {
			y, m, _ := t.Date()
			qm := time.Month((int(m)-1)/3*3 + 1)
			return time.Date(y, qm, 1, 0, 0, 0, 0, time.UTC)
		}, nil
	case "year":
		return func(t time.Time) time.Time {
			return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		}, nil
	default:
		return nil, apperr.InvalidArgument("unknown date facet interval %q", interval)
	}
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// rangeBuckets counts values into the half-open ranges cut at the given
// edges, reporting every bucket including empty ones.
func (spec *facetSpec) rangeBuckets(ev *filterEvaluator, f *schema.Field, segs []string, docs []schema.Document) ([]FacetBucket, error) {
	switch schema.ElementType(f.Type) {
	case schema.TypeInt32, schema.TypeInt64, schema.TypeDouble:
		edges := make([]float64, len(spec.values))
		for i, raw := range spec.values {
			n, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				return nil, apperr.InvalidArgument("facet range value %q is not numeric", raw)
			}
			edges[i] = n
		}
		if !sort.Float64sAreSorted(edges) {
			return nil, apperr.InvalidArgument("facet range values for %q must ascend", spec.field)
		}
		counts := make([]int64, len(edges)+1)
		if err := spec.countRanges(ev, segs, docs, len(edges)+1, func(v any) (int, bool) {
			n, ok := toFloat(v)
			if !ok {
				return 0, false
			}
			// Bucket i holds edges[i-1] <= v < edges[i].
			return sort.Search(len(edges), func(i int) bool { return n < edges[i] }), true
		}, counts); err != nil {
			return nil, err
		}
		return numericRangeFacets(edges, counts), nil

	case schema.TypeDateTimeOffset:
		edges := make([]time.Time, len(spec.values))
		for i, raw := range spec.values {
			t, ok := parseDateTime(strings.TrimSpace(raw))
			if !ok {
				return nil, apperr.InvalidArgument("facet range value %q is not a datetime", raw)
			}
			edges[i] = t.UTC()
		}
		for i := 1; i < len(edges); i++ {
			if !edges[i-1].Before(edges[i]) {
				return nil, apperr.InvalidArgument("facet range values for %q must ascend", spec.field)
			}
		}
		counts := make([]int64, len(edges)+1)
		if err := spec.countRanges(ev, segs, docs, len(edges)+1, func(v any) (int, bool) {
			t, ok := valueTime(v)
			if !ok {
				return 0, false
			}
			u := t.UTC()
			i := sort.Search(len(edges), func(i int) bool { return u.Before(edges[i]) })
			return i, true
		}, counts); err != nil {
			return nil, err
		}
		return dateRangeFacets(edges, counts), nil

	default:
		return nil, apperr.InvalidArgument("field %q does not support range facets", spec.field)
	}
}

func (spec *facetSpec) countRanges(ev *filterEvaluator, segs []string, docs []schema.Document, buckets int, place func(any) (int, bool), counts []int64) error {
	for _, doc := range docs {
		_, vals, err := ev.resolve(segs, doc, nil)
		if err != nil {
			return err
		}
		seen := make([]bool, buckets)
		for _, v := range vals {
			i, ok := place(v)
			if !ok || seen[i] {
				continue
			}
			seen[i] = true
			counts[i]++
		}
	}
	return nil
}

func numericRangeFacets(edges []float64, counts []int64) []FacetBucket {
	out := make([]FacetBucket, 0, len(counts))
	for i, c := range counts {
		b := FacetBucket{Count: c}
		if i > 0 {
			b.From = edges[i-1]
		}
		if i < len(edges) {
			b.To = edges[i]
		}
		out = append(out, b)
	}
	return out
}

func dateRangeFacets(edges []time.Time, counts []int64) []FacetBucket {
	out := make([]FacetBucket, 0, len(counts))
	for i, c := range counts {
		b := FacetBucket{Count: c}
		if i > 0 {
			b.From = edges[i-1].Format(time.RFC3339)
		}
		if i < len(edges) {
			b.To = edges[i].Format(time.RFC3339)
		}
		out = append(out, b)
	}
	return out
}
