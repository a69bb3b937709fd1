package invindex

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/simple"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/analysis/char/asciifolding"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/token/stop"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/letter"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/single"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/whitespace"
	"github.com/blevesearch/bleve/v2/analysis/tokenmap"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"

	"github.com/locussearch/locus/internal/apperr"
	"github.com/locussearch/locus/internal/schema"
)

const (
	// sourceField holds the JSON-encoded wire document, stored only.
	sourceField = "_source"

	// keywordSuffix marks the exact-match shadow of a string field.
	// "#" cannot appear in a declared field name.
	keywordSuffix = "#kw"

	upperCaseFilterName     = "upper_case"
	elisionPrefixFilterName = "elision_prefix"
	mappingPairsFilterName  = "mapping_pairs"
)

func init() {
	_ = registry.RegisterTokenFilter(upperCaseFilterName, upperCaseFilterConstructor)
	_ = registry.RegisterTokenFilter(elisionPrefixFilterName, elisionPrefixFilterConstructor)
	_ = registry.RegisterCharFilter(mappingPairsFilterName, mappingPairsFilterConstructor)
}

// PhysicalPath converts a slash-separated field reference to the dotted
// path used by the storage layer.
func PhysicalPath(path string) string {
	return strings.ReplaceAll(path, "/", ".")
}

// KeywordField returns the exact-match shadow field for a string path.
// Filters, sorts, and facets on string fields target this field.
func KeywordField(path string) string {
	return PhysicalPath(path) + keywordSuffix
}

// GeoLatField and GeoLonField name the numeric components of a
// geography point field.
func GeoLatField(path string) string { return PhysicalPath(path) + ".lat" }

func GeoLonField(path string) string { return PhysicalPath(path) + ".lon" }

// resolveSearchAnalyzer maps a declared analyzer name to a bleve analyzer,
// registering mapping-scoped compositions on first use. Names declared in
// def.Analyzers take precedence over built-ins; unknown names are rejected.
func resolveSearchAnalyzer(im *mapping.IndexMappingImpl, def *schema.Index, name string, registered map[string]bool) (string, error) {
	resolved, err := searchAnalyzerName(def, name)
	if err != nil {
		return "", err
	}
	switch resolved {
	case "whitespace":
		if !registered[resolved] {
			err := im.AddCustomAnalyzer("whitespace", map[string]interface{}{
				"type":          custom.Name,
				"tokenizer":     whitespace.Name,
				"token_filters": []string{lowercase.Name},
			})
			if err != nil {
				return "", fmt.Errorf("register whitespace analyzer: %w", err)
			}
			registered[resolved] = true
		}
	case "stop":
		if !registered[resolved] {
			err := im.AddCustomAnalyzer("stop", map[string]interface{}{
				"type":          custom.Name,
				"tokenizer":     letter.Name,
				"token_filters": []string{lowercase.Name, en.StopName},
			})
			if err != nil {
				return "", fmt.Errorf("register stop analyzer: %w", err)
			}
			registered[resolved] = true
		}
	}
	return resolved, nil
}

// searchAnalyzerName maps a declared analyzer name to the mapping-scoped
// analyzer that serves it. User-declared analyzers win over built-ins.
func searchAnalyzerName(def *schema.Index, name string) (string, error) {
	for i := range def.Analyzers {
		if def.Analyzers[i].Name == name {
			return name, nil
		}
	}
	switch name {
	case "", "standard", "standard.lucene":
		return standard.Name, nil
	case "simple":
		return simple.Name, nil
	case "keyword":
		return keyword.Name, nil
	case "en.lucene", "en.microsoft":
		return en.AnalyzerName, nil
	case "whitespace", "stop":
		return name, nil
	}
	return "", apperr.InvalidArgument("unknown analyzer %q", name)
}

// normalizerAnalyzer maps a declared normalizer name to the mapping-scoped
// analyzer implementing it. The empty name means exact match.
func normalizerAnalyzer(def *schema.Index, name string) (string, error) {
	if name == "" {
		return keyword.Name, nil
	}
	for i := range def.Normalizers {
		if def.Normalizers[i].Name == name {
			return "normalizer_" + name, nil
		}
	}
	switch name {
	case "lowercase", "uppercase", "standard", "asciifolding", "elision":
		return "normalizer_" + name, nil
	}
	return "", apperr.InvalidArgument("unknown normalizer %q", name)
}

// registerNormalizers installs the built-in normalizers plus any declared
// on the definition. A normalizer is a single-token analyzer.
func registerNormalizers(im *mapping.IndexMappingImpl, def *schema.Index) error {
	builtin := map[string]map[string]interface{}{
		"lowercase": {
			"type":          custom.Name,
			"tokenizer":     single.Name,
			"token_filters": []string{lowercase.Name},
		},
		"uppercase": {
			"type":          custom.Name,
			"tokenizer":     single.Name,
			"token_filters": []string{upperCaseFilterName},
		},
		"standard": {
			"type":          custom.Name,
			"char_filters":  []string{asciifolding.Name},
			"tokenizer":     single.Name,
			"token_filters": []string{lowercase.Name},
		},
		"asciifolding": {
			"type":         custom.Name,
			"char_filters": []string{asciifolding.Name},
			"tokenizer":    single.Name,
		},
		"elision": {
			"type":          custom.Name,
			"tokenizer":     single.Name,
			"token_filters": []string{elisionPrefixFilterName},
		},
	}
	declared := make(map[string]bool, len(def.Normalizers))
	for i := range def.Normalizers {
		declared[def.Normalizers[i].Name] = true
	}
	for name, config := range builtin {
		if declared[name] {
			continue
		}
		if err := im.AddCustomAnalyzer("normalizer_"+name, config); err != nil {
			return fmt.Errorf("register normalizer %s: %w", name, err)
		}
	}

	for i := range def.Normalizers {
		n := &def.Normalizers[i]
		charFilters := make([]string, 0, len(n.CharFilters))
		tokenFilters := make([]string, 0, len(n.TokenFilters))
		for _, cf := range n.CharFilters {
			resolved, err := resolveCharFilter(def, cf)
			if err != nil {
				return err
			}
			charFilters = append(charFilters, resolved)
		}
		for _, tf := range n.TokenFilters {
			switch tf {
			case "lowercase":
				tokenFilters = append(tokenFilters, lowercase.Name)
			case "uppercase":
				tokenFilters = append(tokenFilters, upperCaseFilterName)
			case "elision":
				tokenFilters = append(tokenFilters, elisionPrefixFilterName)
			case "asciifolding":
				// Folding is a character transform here.
				charFilters = append(charFilters, asciifolding.Name)
			default:
				resolved, err := resolveTokenFilter(im, def, tf)
				if err != nil {
					return err
				}
				tokenFilters = append(tokenFilters, resolved)
			}
		}
		config := map[string]interface{}{
			"type":      custom.Name,
			"tokenizer": single.Name,
		}
		if len(charFilters) > 0 {
			config["char_filters"] = charFilters
		}
		if len(tokenFilters) > 0 {
			config["token_filters"] = tokenFilters
		}
		if err := im.AddCustomAnalyzer("normalizer_"+n.Name, config); err != nil {
			return apperr.InvalidArgument("normalizer %q: %v", n.Name, err)
		}
	}
	return nil
}

// registerCustomAnalysis installs char filters, token filters, and
// analyzers declared on the definition into the index mapping.
func registerCustomAnalysis(im *mapping.IndexMappingImpl, def *schema.Index) error {
	for i := range def.CharFilters {
		cf := &def.CharFilters[i]
		err := im.AddCustomCharFilter(cf.Name, map[string]interface{}{
			"type":     mappingPairsFilterName,
			"mappings": toAnySlice(cf.Mappings),
		})
		if err != nil {
			return apperr.InvalidArgument("char filter %q: %v", cf.Name, err)
		}
	}

	for i := range def.TokenFilters {
		tf := &def.TokenFilters[i]
		mapName := tf.Name + "_tokens"
		err := im.AddCustomTokenMap(mapName, map[string]interface{}{
			"type":   tokenmap.Name,
			"tokens": toAnySlice(tf.Stopwords),
		})
		if err != nil {
			return apperr.InvalidArgument("token filter %q: %v", tf.Name, err)
		}
		err = im.AddCustomTokenFilter(tf.Name, map[string]interface{}{
			"type":           stop.Name,
			"stop_token_map": mapName,
		})
		if err != nil {
			return apperr.InvalidArgument("token filter %q: %v", tf.Name, err)
		}
	}

	for i := range def.Analyzers {
		a := &def.Analyzers[i]
		tokenizer, err := resolveTokenizer(a.Tokenizer)
		if err != nil {
			return err
		}
		charFilters := make([]string, 0, len(a.CharFilters))
		tokenFilters := make([]string, 0, len(a.TokenFilters))
		for _, cf := range a.CharFilters {
			resolved, err := resolveCharFilter(def, cf)
			if err != nil {
				return err
			}
			charFilters = append(charFilters, resolved)
		}
		for _, tf := range a.TokenFilters {
			switch tf {
			case "asciifolding":
				charFilters = append(charFilters, asciifolding.Name)
			default:
				resolved, err := resolveTokenFilter(im, def, tf)
				if err != nil {
					return err
				}
				tokenFilters = append(tokenFilters, resolved)
			}
		}
		config := map[string]interface{}{
			"type":      custom.Name,
			"tokenizer": tokenizer,
		}
		if len(charFilters) > 0 {
			config["char_filters"] = charFilters
		}
		if len(tokenFilters) > 0 {
			config["token_filters"] = tokenFilters
		}
		if err := im.AddCustomAnalyzer(a.Name, config); err != nil {
			return apperr.InvalidArgument("analyzer %q: %v", a.Name, err)
		}
	}
	return nil
}

func resolveTokenizer(name string) (string, error) {
	switch name {
	case "", "standard", "standard_v2", "classic":
		return unicode.Name, nil
	case "whitespace":
		return whitespace.Name, nil
	case "letter":
		return letter.Name, nil
	case "keyword", "keyword_v2":
		return single.Name, nil
	}
	return "", apperr.InvalidArgument("unknown tokenizer %q", name)
}

func resolveCharFilter(def *schema.Index, name string) (string, error) {
	if name == "asciifolding" {
		return asciifolding.Name, nil
	}
	for i := range def.CharFilters {
		if def.CharFilters[i].Name == name {
			return name, nil
		}
	}
	return "", apperr.InvalidArgument("unknown char filter %q", name)
}

func resolveTokenFilter(im *mapping.IndexMappingImpl, def *schema.Index, name string) (string, error) {
	switch name {
	case "lowercase":
		return lowercase.Name, nil
	case "uppercase":
		return upperCaseFilterName, nil
	case "elision":
		return elisionPrefixFilterName, nil
	case "stopwords", "stop":
		return en.StopName, nil
	}
	for i := range def.TokenFilters {
		if def.TokenFilters[i].Name == name {
			return name, nil
		}
	}
	return "", apperr.InvalidArgument("unknown token filter %q", name)
}

func toAnySlice(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// buildIndexMapping converts an index definition into the bleve mapping.
// Vector fields are owned by the vector store and are not mapped here.
func buildIndexMapping(def *schema.Index) (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()
	im.DefaultAnalyzer = standard.Name
	im.IndexDynamic = false
	im.StoreDynamic = false
	im.DocValuesDynamic = false

	if err := registerCustomAnalysis(im, def); err != nil {
		return nil, err
	}
	if err := registerNormalizers(im, def); err != nil {
		return nil, err
	}

	root := bleve.NewDocumentStaticMapping()
	registered := make(map[string]bool)
	for i := range def.Fields {
		if err := addFieldMapping(im, def, root, &def.Fields[i], registered); err != nil {
			return nil, err
		}
	}

	src := bleve.NewTextFieldMapping()
	src.Index = false
	src.Store = true
	src.IncludeInAll = false
	src.IncludeTermVectors = false
	root.AddFieldMappingsAt(sourceField, src)

	im.DefaultMapping = root
	return im, nil
}

// addFieldMapping attaches the storage representation of one declared
// field to its parent document mapping.
func addFieldMapping(im *mapping.IndexMappingImpl, def *schema.Index, parent *mapping.DocumentMapping, f *schema.Field, registered map[string]bool) error {
	if schema.IsVectorType(f.Type) {
		return nil
	}

	if schema.IsComplexType(f.Type) {
		sub := bleve.NewDocumentStaticMapping()
		for i := range f.Fields {
			if err := addFieldMapping(im, def, sub, &f.Fields[i], registered); err != nil {
				return err
			}
		}
		parent.AddSubDocumentMapping(f.Name, sub)
		return nil
	}

	switch schema.ElementType(f.Type) {
	case schema.TypeString:
		var fms []*mapping.FieldMapping
		if f.IsSearchable() {
			analyzer, err := resolveSearchAnalyzer(im, def, f.Analyzer, registered)
			if err != nil {
				return err
			}
			text := bleve.NewTextFieldMapping()
			text.Analyzer = analyzer
			text.Store = true
			text.IncludeTermVectors = true
			text.IncludeInAll = true
			fms = append(fms, text)
		}
		if f.IsFilterable() || f.IsSortable() || f.IsFacetable() {
			normalizer, err := normalizerAnalyzer(def, f.Normalizer)
			if err != nil {
				return err
			}
			kw := bleve.NewTextFieldMapping()
			kw.Name = f.Name + keywordSuffix
			kw.Analyzer = normalizer
			kw.Store = false
			kw.IncludeInAll = false
			kw.IncludeTermVectors = false
			kw.DocValues = true
			fms = append(fms, kw)
		}
		if len(fms) > 0 {
			parent.AddFieldMappingsAt(f.Name, fms...)
		}

	case schema.TypeInt32, schema.TypeInt64, schema.TypeDouble:
		num := bleve.NewNumericFieldMapping()
		num.Store = false
		num.IncludeInAll = false
		num.DocValues = true
		parent.AddFieldMappingsAt(f.Name, num)

	case schema.TypeBoolean:
		b := bleve.NewBooleanFieldMapping()
		b.Store = false
		b.IncludeInAll = false
		b.DocValues = true
		parent.AddFieldMappingsAt(f.Name, b)

	case schema.TypeDateTimeOffset:
		dt := bleve.NewDateTimeFieldMapping()
		dt.Store = false
		dt.IncludeInAll = false
		dt.DocValues = true
		parent.AddFieldMappingsAt(f.Name, dt)

	case schema.TypeGeographyPoint:
		sub := bleve.NewDocumentStaticMapping()
		lat := bleve.NewNumericFieldMapping()
		lat.Store = false
		lat.IncludeInAll = false
		lat.DocValues = true
		lon := bleve.NewNumericFieldMapping()
		lon.Store = false
		lon.IncludeInAll = false
		lon.DocValues = true
		sub.AddFieldMappingsAt("lat", lat)
		sub.AddFieldMappingsAt("lon", lon)
		parent.AddSubDocumentMapping(f.Name, sub)

	default:
		return apperr.InvalidArgument("field %q has unsupported type %q", f.Name, f.Type)
	}
	return nil
}

// buildIndexable converts a coerced document into the value handed to the
// storage layer: vector fields stripped, geography points split into
// lat/lon, and the wire form carried as a stored JSON source.
func buildIndexable(def *schema.Index, doc schema.Document) (map[string]interface{}, error) {
	out := indexableObject(def.Fields, doc)

	wire := make(map[string]interface{}, len(doc))
	for name, value := range doc {
		f := def.Field(name)
		if f != nil && schema.IsVectorType(f.Type) {
			continue
		}
		wire[name] = value
	}
	src, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode document source: %w", err)
	}
	out[sourceField] = string(src)
	return out, nil
}

func indexableObject(fields []schema.Field, doc map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for i := range fields {
		f := &fields[i]
		value, ok := doc[f.Name]
		if !ok || value == nil {
			continue
		}
		if schema.IsVectorType(f.Type) {
			continue
		}
		out[f.Name] = indexableValue(f, value)
	}
	return out
}

func indexableValue(f *schema.Field, value interface{}) interface{} {
	if schema.IsCollection(f.Type) && !schema.IsComplexType(f.Type) {
		items, ok := value.([]interface{})
		if !ok {
			return value
		}
		elem := *f
		elem.Type = schema.ElementType(f.Type)
		out := make([]interface{}, 0, len(items))
		for _, item := range items {
			if item == nil {
				continue
			}
			out = append(out, indexableValue(&elem, item))
		}
		return out
	}

	switch {
	case schema.IsComplexType(f.Type):
		if schema.IsCollection(f.Type) {
			items, ok := value.([]interface{})
			if !ok {
				return value
			}
			out := make([]interface{}, 0, len(items))
			for _, item := range items {
				if obj, ok := item.(map[string]interface{}); ok {
					out = append(out, indexableObject(f.Fields, obj))
				}
			}
			return out
		}
		if obj, ok := value.(map[string]interface{}); ok {
			return indexableObject(f.Fields, obj)
		}
		return value

	case f.Type == schema.TypeGeographyPoint:
		if gp, ok := value.(*schema.GeographyPoint); ok {
			return map[string]interface{}{"lat": gp.Lat(), "lon": gp.Lon()}
		}
		return value

	default:
		return value
	}
}

// upperCaseFilter maps token terms to upper case.
type upperCaseFilter struct{}

func upperCaseFilterConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.TokenFilter, error) {
	return &upperCaseFilter{}, nil
}

func (f *upperCaseFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	for _, token := range input {
		token.Term = []byte(strings.ToUpper(string(token.Term)))
	}
	return input
}

// elisionPrefixFilter strips a leading one- or two-letter article joined
// by an apostrophe, as in l'avion or d'art.
type elisionPrefixFilter struct{}

func elisionPrefixFilterConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.TokenFilter, error) {
	return &elisionPrefixFilter{}, nil
}

func (f *elisionPrefixFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	for _, token := range input {
		term := string(token.Term)
		for _, sep := range []string{"'", "’"} {
			if i := strings.Index(term, sep); i > 0 && i <= 2 && i+len(sep) < len(term) {
				term = term[i+len(sep):]
				break
			}
		}
		token.Term = []byte(term)
	}
	return input
}

// mappingPairsCharFilter rewrites input per "from=>to" pairs.
type mappingPairsCharFilter struct {
	replacer *strings.Replacer
}

func mappingPairsFilterConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.CharFilter, error) {
	raw, ok := config["mappings"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("mapping char filter requires a mappings list")
	}
	pairs := make([]string, 0, len(raw)*2)
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("mapping entries must be strings")
		}
		from, to, found := strings.Cut(s, "=>")
		if !found || from == "" {
			return nil, fmt.Errorf("mapping entry %q must use the from=>to form", s)
		}
		pairs = append(pairs, from, to)
	}
	return &mappingPairsCharFilter{replacer: strings.NewReplacer(pairs...)}, nil
}

func (f *mappingPairsCharFilter) Filter(input []byte) []byte {
	return []byte(f.replacer.Replace(string(input)))
}
