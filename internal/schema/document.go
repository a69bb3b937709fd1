package schema

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/locussearch/locus/internal/apperr"
)

// Document is a coerced document: field name to typed value. Values are
// string, int64, float64, bool, time.Time, *GeographyPoint, []float32
// (vectors), []any (collections), map[string]any (complex), or nil.
type Document = map[string]any

// Go's regexp caps repeat counts at 1000, so 1-1024 is expressed as two runs.
var keyRe = regexp.MustCompile(`^[a-zA-Z0-9_\-=]{1,512}[a-zA-Z0-9_\-=]{0,512}$`)

// GeographyPoint is a GeoJSON-style point. Coordinates are [lon, lat].
type GeographyPoint struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

// Lon returns the longitude component.
func (g *GeographyPoint) Lon() float64 { return g.Coordinates[0] }

// Lat returns the latitude component.
func (g *GeographyPoint) Lat() float64 { return g.Coordinates[1] }

// DocumentKey extracts and validates the key field value of doc.
func (ix *Index) DocumentKey(doc map[string]any) (string, error) {
	kf := ix.KeyField()
	if kf == nil {
		return "", apperr.InvalidArgument("index has no key field")
	}
	raw, ok := doc[kf.Name]
	if !ok || raw == nil {
		return "", apperr.InvalidArgument("document is missing the key field %q", kf.Name).WithTarget(kf.Name)
	}
	key, ok := raw.(string)
	if !ok {
		return "", apperr.InvalidArgument("key field %q must be a string", kf.Name).WithTarget(kf.Name)
	}
	if !keyRe.MatchString(key) {
		return "", apperr.InvalidArgument("invalid document key %q", key).WithTarget(kf.Name)
	}
	return key, nil
}

// CoerceDocument shapes a raw JSON document to the index schema. Unknown
// fields are dropped and type mismatches skipped; both produce warnings,
// never failures. The returned document contains only declared fields.
func (ix *Index) CoerceDocument(raw map[string]any) (Document, []string) {
	return coerceObject(raw, ix.Fields, "")
}

func coerceObject(raw map[string]any, fields []Field, prefix string) (map[string]any, []string) {
	var warnings []string
	out := make(map[string]any, len(raw))

	byName := make(map[string]*Field, len(fields))
	for i := range fields {
		byName[fields[i].Name] = &fields[i]
	}

	for name, value := range raw {
		f, ok := byName[name]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("unknown field %q dropped", prefix+name))
			continue
		}
		if value == nil {
			out[name] = nil
			continue
		}
		coerced, ws, ok := coerceValue(f, value, prefix+name)
		warnings = append(warnings, ws...)
		if ok {
			out[name] = coerced
		}
	}
	return out, warnings
}

func coerceValue(f *Field, value any, path string) (any, []string, bool) {
	if IsVectorType(f.Type) {
		vec, ok := toVector(value)
		if !ok {
			return nil, []string{fmt.Sprintf("field %q: expected a float vector, skipped", path)}, false
		}
		if f.Dimensions > 0 && len(vec) != f.Dimensions {
			return nil, []string{fmt.Sprintf(
				"field %q: vector has %d dimensions, schema declares %d, skipped", path, len(vec), f.Dimensions)}, false
		}
		return vec, nil, true
	}

	if IsCollection(f.Type) {
		items, ok := value.([]any)
		if !ok {
			return nil, []string{fmt.Sprintf("field %q: expected an array, skipped", path)}, false
		}
		elem := Field{Name: f.Name, Type: ElementType(f.Type), Fields: f.Fields}
		out := make([]any, 0, len(items))
		var warnings []string
		for i, item := range items {
			if item == nil {
				continue
			}
			coerced, ws, ok := coerceValue(&elem, item, fmt.Sprintf("%s/%d", path, i))
			warnings = append(warnings, ws...)
			if ok {
				out = append(out, coerced)
			}
		}
		return out, warnings, true
	}

	switch f.Type {
	case TypeString:
		return toString(value, path)
	case TypeInt32:
		n, ws, ok := toInt(value, path)
		if ok && (n < math.MinInt32 || n > math.MaxInt32) {
			return nil, []string{fmt.Sprintf("field %q: value out of Int32 range, skipped", path)}, false
		}
		return n, ws, ok
	case TypeInt64:
		return toInt(value, path)
	case TypeDouble:
		return toDouble(value, path)
	case TypeBoolean:
		return toBool(value, path)
	case TypeDateTimeOffset:
		return toDateTime(value, path)
	case TypeGeographyPoint:
		return toGeoPoint(value, path)
	case TypeComplex:
		obj, ok := value.(map[string]any)
		if !ok {
			return nil, []string{fmt.Sprintf("field %q: expected an object, skipped", path)}, false
		}
		coerced, warnings := coerceObject(obj, f.Fields, path+"/")
		return coerced, warnings, true
	}
	return nil, []string{fmt.Sprintf("field %q: unsupported type %q, skipped", path, f.Type)}, false
}

func toString(value any, path string) (any, []string, bool) {
	switch v := value.(type) {
	case string:
		return v, nil, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil, true
	case int64:
		return strconv.FormatInt(v, 10), nil, true
	case bool:
		return strconv.FormatBool(v), nil, true
	}
	return nil, []string{fmt.Sprintf("field %q: expected a string, skipped", path)}, false
}

func toInt(value any, path string) (int64, []string, bool) {
	switch v := value.(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, []string{fmt.Sprintf("field %q: expected an integer, skipped", path)}, false
		}
		return int64(v), nil, true
	case int64:
		return v, nil, true
	case int:
		return int64(v), nil, true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, []string{fmt.Sprintf("field %q: expected an integer, skipped", path)}, false
		}
		return n, nil, true
	}
	return 0, []string{fmt.Sprintf("field %q: expected an integer, skipped", path)}, false
}

func toDouble(value any, path string) (float64, []string, bool) {
	switch v := value.(type) {
	case float64:
		return v, nil, true
	case int64:
		return float64(v), nil, true
	case int:
		return float64(v), nil, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, []string{fmt.Sprintf("field %q: expected a number, skipped", path)}, false
		}
		return f, nil, true
	}
	return 0, []string{fmt.Sprintf("field %q: expected a number, skipped", path)}, false
}

func toBool(value any, path string) (bool, []string, bool) {
	switch v := value.(type) {
	case bool:
		return v, nil, true
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, []string{fmt.Sprintf("field %q: expected a boolean, skipped", path)}, false
		}
		return b, nil, true
	}
	return false, []string{fmt.Sprintf("field %q: expected a boolean, skipped", path)}, false
}

func toDateTime(value any, path string) (time.Time, []string, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, nil, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil, true
			}
		}
	}
	return time.Time{}, []string{fmt.Sprintf("field %q: expected an ISO-8601 date-time, skipped", path)}, false
}

func toGeoPoint(value any, path string) (*GeographyPoint, []string, bool) {
	switch v := value.(type) {
	case *GeographyPoint:
		return v, nil, true
	case map[string]any:
		coords, ok := v["coordinates"].([]any)
		if !ok || len(coords) != 2 {
			break
		}
		lon, okLon := asFloat(coords[0])
		lat, okLat := asFloat(coords[1])
		if !okLon || !okLat || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			break
		}
		return &GeographyPoint{Type: "Point", Coordinates: [2]float64{lon, lat}}, nil, true
	}
	return nil, []string{fmt.Sprintf("field %q: expected a GeoJSON point, skipped", path)}, false
}

func toVector(value any) ([]float32, bool) {
	switch v := value.(type) {
	case []float32:
		return v, true
	case []float64:
		out := make([]float32, len(v))
		for i, f := range v {
			out[i] = float32(f)
		}
		return out, true
	case []any:
		out := make([]float32, len(v))
		for i, item := range v {
			f, ok := asFloat(item)
			if !ok {
				return nil, false
			}
			out[i] = float32(f)
		}
		return out, true
	}
	return nil, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}
