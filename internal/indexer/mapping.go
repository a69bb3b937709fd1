package indexer

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/locussearch/locus/internal/apperr"
)

// Mapping function names accepted in mappingFunction.name.
const (
	FnBase64Encode           = "base64Encode"
	FnBase64Decode           = "base64Decode"
	FnExtractTokenAtPosition = "extractTokenAtPosition"
	FnURLEncode              = "urlEncode"
	FnURLDecode              = "urlDecode"
	FnFixedLengthEncode      = "fixedLengthEncode"
)

// FieldMapping routes one value into a target index field. In
// fieldMappings the source is a seeded source field name; in
// outputFieldMappings it is an enriched /document path.
type FieldMapping struct {
	SourceFieldName string           `json:"sourceFieldName"`
	TargetFieldName string           `json:"targetFieldName,omitempty"`
	MappingFunction *MappingFunction `json:"mappingFunction,omitempty"`
}

// MappingFunction transforms the mapped value in transit.
type MappingFunction struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Target returns the index field the mapping writes to.
func (m *FieldMapping) Target() string {
	if m.TargetFieldName != "" {
		return m.TargetFieldName
	}
	return m.SourceFieldName
}

func (m *FieldMapping) validate(owner string, output bool) error {
	if m.SourceFieldName == "" {
		return apperr.InvalidArgument("indexer %q: mapping sourceFieldName is required", owner).WithTarget("sourceFieldName")
	}
	if output {
		if !strings.HasPrefix(m.SourceFieldName, "/") {
			return apperr.InvalidArgument("indexer %q: output mapping source %q must be an enriched /document path", owner, m.SourceFieldName).WithTarget("sourceFieldName")
		}
		if m.TargetFieldName == "" {
			return apperr.InvalidArgument("indexer %q: output mapping for %q needs a targetFieldName", owner, m.SourceFieldName).WithTarget("targetFieldName")
		}
	} else if strings.HasPrefix(m.SourceFieldName, "/") {
		return apperr.InvalidArgument("indexer %q: mapping source %q must be a source field name, not a path", owner, m.SourceFieldName).WithTarget("sourceFieldName")
	}
	if fn := m.MappingFunction; fn != nil {
		switch fn.Name {
		case FnBase64Encode, FnBase64Decode, FnURLEncode, FnURLDecode, FnFixedLengthEncode:
		case FnExtractTokenAtPosition:
			if _, ok := fn.stringParam("delimiter"); !ok {
				return apperr.InvalidArgument("indexer %q: extractTokenAtPosition needs a delimiter parameter", owner).WithTarget("mappingFunction")
			}
			if _, ok := fn.intParam("position"); !ok {
				return apperr.InvalidArgument("indexer %q: extractTokenAtPosition needs a position parameter", owner).WithTarget("mappingFunction")
			}
		default:
			return apperr.InvalidArgument("indexer %q: unknown mapping function %q", owner, fn.Name).WithTarget("mappingFunction")
		}
	}
	return nil
}

func (fn *MappingFunction) stringParam(name string) (string, bool) {
	s, ok := fn.Parameters[name].(string)
	return s, ok
}

// intParam accepts both int and the float64 that JSON decoding produces.
func (fn *MappingFunction) intParam(name string) (int, bool) {
	switch n := fn.Parameters[name].(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}

// applyFunction transforms a mapped value. Functions operate on strings;
// a collection applies the function to each element.
func applyFunction(fn *MappingFunction, v any) (any, error) {
	if fn == nil {
		return v, nil
	}
	switch t := v.(type) {
	case string:
		return fn.applyToString(t)
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			mapped, err := applyFunction(fn, el)
			if err != nil {
				return nil, err
			}
			out[i] = mapped
		}
		return out, nil
	}
	return nil, fmt.Errorf("mapping function %s needs a string value, got %T", fn.Name, v)
}

func (fn *MappingFunction) applyToString(s string) (any, error) {
	switch fn.Name {
	case FnBase64Encode:
		return base64.RawURLEncoding.EncodeToString([]byte(s)), nil
	case FnBase64Decode:
		data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
		if err != nil {
			return nil, fmt.Errorf("base64Decode: %w", err)
		}
		return string(data), nil
	case FnExtractTokenAtPosition:
		delim, _ := fn.stringParam("delimiter")
		pos, _ := fn.intParam("position")
		parts := strings.Split(s, delim)
		if pos < 0 || pos >= len(parts) {
			return nil, fmt.Errorf("extractTokenAtPosition: position %d out of range for %d tokens", pos, len(parts))
		}
		return parts[pos], nil
	case FnURLEncode:
		return url.QueryEscape(s), nil
	case FnURLDecode:
		decoded, err := url.QueryUnescape(s)
		if err != nil {
			return nil, fmt.Errorf("urlDecode: %w", err)
		}
		return decoded, nil
	case FnFixedLengthEncode:
		sum := sha256.Sum256([]byte(s))
		return base64.RawURLEncoding.EncodeToString(sum[:]), nil
	}
	return nil, fmt.Errorf("unknown mapping function %q", fn.Name)
}
