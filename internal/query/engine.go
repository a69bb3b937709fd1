package query

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	blquery "github.com/blevesearch/bleve/v2/search/query"
	"golang.org/x/sync/errgroup"

	"github.com/locussearch/locus/internal/apperr"
	"github.com/locussearch/locus/internal/invindex"
	"github.com/locussearch/locus/internal/schema"
	"github.com/locussearch/locus/internal/vectorstore"
)

// Config tunes paging limits and hybrid fusion.
type Config struct {
	// DefaultTop is the page size when the request carries no top.
	DefaultTop int

	// MaxTop caps the page size; larger requests are clamped.
	MaxTop int

	// RRFConstant is the k in the 1/(k+rank) fusion formula.
	RRFConstant int

	// FusionMode selects "rrf" or "weighted" hybrid fusion.
	FusionMode string

	// TextWeight and VectorWeight apply in weighted fusion mode.
	TextWeight   float64
	VectorWeight float64
}

// DefaultConfig returns the service defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTop:   50,
		MaxTop:       1000,
		RRFConstant:  defaultRRFConstant,
		FusionMode:   "rrf",
		TextWeight:   0.3,
		VectorWeight: 0.7,
	}
}

// SynonymSource resolves a synonym map name to its parsed rules.
// Unknown names resolve to nil.
type SynonymSource func(name string) *SynonymRules

// Engine executes search, suggest, and autocomplete requests. It holds
// only tuning; index handles arrive per call so one engine serves every
// index.
type Engine struct {
	cfg Config
}

// NewEngine returns an engine, filling zero config values with defaults.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.DefaultTop <= 0 {
		cfg.DefaultTop = def.DefaultTop
	}
	if cfg.MaxTop <= 0 {
		cfg.MaxTop = def.MaxTop
	}
	if cfg.RRFConstant <= 0 {
		cfg.RRFConstant = def.RRFConstant
	}
	if cfg.FusionMode == "" {
		cfg.FusionMode = def.FusionMode
	}
	if cfg.TextWeight <= 0 {
		cfg.TextWeight = def.TextWeight
	}
	if cfg.VectorWeight <= 0 {
		cfg.VectorWeight = def.VectorWeight
	}
	return &Engine{cfg: cfg}
}

// hit is one matched document flowing through fusion, ordering, and
// paging.
type hit struct {
	key      string
	score    float64
	textRank int
	sources  map[string]float64
	doc      schema.Document
}

// vectorPlan is one (vectorQueries entry, target field) pair to run.
type vectorPlan struct {
	field      string
	vector     []float32
	k          int
	weight     float64
	exhaustive bool
}

// Search executes a search request against one index. vecs may be nil
// when the index has no vector fields.
func (e *Engine) Search(ctx context.Context, ix *invindex.Index, vecs *vectorstore.IndexVectors, syn SynonymSource, req *Request) (*Response, error) {
	def := ix.Definition()

	top, err := e.pageSize(req.Top)
	if err != nil {
		return nil, err
	}
	if req.Skip < 0 {
		return nil, apperr.InvalidArgument("skip must be non-negative")
	}
	queryType := strings.ToLower(req.QueryType)
	if queryType == "" {
		queryType = "simple"
	}
	if queryType != "simple" && queryType != "full" {
		return nil, apperr.InvalidArgument("queryType must be simple or full, got %q", req.QueryType)
	}
	searchMode := strings.ToLower(req.SearchMode)
	if searchMode == "" {
		searchMode = "any"
	}
	if searchMode != "any" && searchMode != "all" {
		return nil, apperr.InvalidArgument("searchMode must be any or all, got %q", req.SearchMode)
	}
	// Scoring profiles are carried on the definition without a rank
	// model; the name is still validated so typos surface.
	if req.ScoringProfile != "" && !hasScoringProfile(def, req.ScoringProfile) {
		return nil, apperr.InvalidArgument("scoring profile %q is not defined on index %q", req.ScoringProfile, def.Name)
	}

	var filterAST node
	var filterQuery blquery.Query
	needsVerify := false
	if strings.TrimSpace(req.Filter) != "" {
		filterAST, err = parseFilter(req.Filter)
		if err != nil {
			return nil, err
		}
		filterQuery, needsVerify, err = compileFilter(def, ix, filterAST)
		if err != nil {
			return nil, err
		}
	}

	orderKeys, err := parseOrderBy(def, req.OrderBy)
	if err != nil {
		return nil, err
	}
	hlFields, err := parseHighlightFields(def, req.Highlight)
	if err != nil {
		return nil, err
	}
	sel, err := parseSelect(def, req.Select)
	if err != nil {
		return nil, err
	}
	for _, raw := range req.Facets {
		if _, err := parseFacetSpec(def, raw); err != nil {
			return nil, err
		}
	}
	plans, err := e.vectorPlans(def, req, top)
	if err != nil {
		return nil, err
	}
	if len(plans) > 0 && vecs == nil {
		return nil, apperr.Internal(nil, "index %q has no vector store", def.Name)
	}

	searchText := strings.TrimSpace(req.Search)
	matchAll := searchText == "" || searchText == "*"
	textIncluded := len(plans) == 0 || searchText != ""

	var parsed *parsedText
	switch {
	case matchAll:
		parsed = &parsedText{query: blquery.NewMatchAllQuery()}
	case queryType == "full":
		parsed, err = parseFullQuery(searchText)
	default:
		parsed, err = parseSimpleQuery(def, searchText, splitList(req.SearchFields), searchMode, synonymExpander(def, syn))
	}
	if err != nil {
		return nil, err
	}
	combined := conjoin(parsed.query, filterQuery)

	rb := e.newResultBuilder(def, ix, vecs, req, sel, hlFields, parsed.terms)

	pure := len(plans) == 0 && !needsVerify && scoreOnlyOrder(orderKeys) && len(req.Facets) == 0
	if pure {
		return e.searchPure(ctx, ix, combined, req, top, rb)
	}
	return e.searchEnumerated(ctx, ix, vecs, def, combined, filterQuery, filterAST, needsVerify, textIncluded, plans, orderKeys, req, top, rb)
}

func hasScoringProfile(def *schema.Index, name string) bool {
	for i := range def.ScoringProfiles {
		if def.ScoringProfiles[i].Name == name {
			return true
		}
	}
	return false
}

func (e *Engine) pageSize(top *int) (int, error) {
	if top == nil {
		return e.cfg.DefaultTop, nil
	}
	if *top < 0 {
		return 0, apperr.InvalidArgument("top must be non-negative")
	}
	if *top > e.cfg.MaxTop {
		return e.cfg.MaxTop, nil
	}
	return *top, nil
}

func (e *Engine) vectorPlans(def *schema.Index, req *Request, top int) ([]vectorPlan, error) {
	var plans []vectorPlan
	for i := range req.VectorQueries {
		vq := &req.VectorQueries[i]
		switch vq.Kind {
		case "", "vector":
		default:
			return nil, apperr.InvalidArgument("vectorQueries kind %q is not supported; supply a raw vector", vq.Kind)
		}
		if len(vq.Vector) == 0 {
			return nil, apperr.InvalidArgument("vectorQueries[%d] carries no vector", i)
		}
		fields := splitList(vq.Fields)
		if len(fields) == 0 {
			return nil, apperr.InvalidArgument("vectorQueries[%d] names no fields", i)
		}
		k := vq.K
		if k <= 0 {
			k = top
		}
		if k <= 0 {
			k = e.cfg.DefaultTop
		}
		for _, name := range fields {
			f := def.FieldByPath(name)
			if f == nil {
				return nil, apperr.InvalidArgument("unknown field %q in vectorQueries", name)
			}
			if !schema.IsVectorType(f.Type) {
				return nil, apperr.InvalidArgument("field %q is not a vector field", name)
			}
			plans = append(plans, vectorPlan{
				field:      name,
				vector:     vq.Vector,
				k:          k,
				weight:     vq.Weight,
				exhaustive: vq.Exhaustive,
			})
		}
	}
	return plans, nil
}

// conjoin ANDs the text query with the compiled filter.
func conjoin(text, filter blquery.Query) blquery.Query {
	if filter == nil {
		return text
	}
	return blquery.NewConjunctionQuery([]blquery.Query{text, filter})
}

// searchPure serves text-only score-ordered requests straight from the
// index, delegating paging and counting.
func (e *Engine) searchPure(ctx context.Context, ix *invindex.Index, combined blquery.Query, req *Request, top int, rb *resultBuilder) (*Response, error) {
	breq := bleve.NewSearchRequestOptions(combined, top, req.Skip, false)
	res, err := ix.Search(ctx, breq)
	if err != nil {
		return nil, err
	}

	resp := e.newResponse(req, int64(res.Total))
	for i, bh := range res.Hits {
		doc, err := ix.GetDocument(ctx, bh.ID)
		if errors.Is(err, invindex.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		h := hit{
			key:      bh.ID,
			score:    bh.Score,
			textRank: req.Skip + i + 1,
			sources:  map[string]float64{sourceText: bh.Score},
			doc:      doc,
		}
		resp.Results = append(resp.Results, rb.build(&h))
	}
	return resp, nil
}

// searchEnumerated materializes the full match set: verification,
// field ordering, facets, and hybrid fusion all need it.
func (e *Engine) searchEnumerated(
	ctx context.Context,
	ix *invindex.Index,
	vecs *vectorstore.IndexVectors,
	def *schema.Index,
	combined, filterQuery blquery.Query,
	filterAST node,
	needsVerify, textIncluded bool,
	plans []vectorPlan,
	orderKeys []sortKey,
	req *Request,
	top int,
	rb *resultBuilder,
) (*Response, error) {
	var textHits []hit
	var filterKeys map[string]struct{}

	g, gctx := errgroup.WithContext(ctx)
	if textIncluded {
		g.Go(func() error {
			var err error
			textHits, err = e.enumerate(gctx, ix, def, combined, filterAST, needsVerify)
			return err
		})
	}
	if len(plans) > 0 && filterAST != nil {
		g.Go(func() error {
			var err error
			filterKeys, err = e.filterKeySet(gctx, ix, def, filterQuery, filterAST, needsVerify)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	vectorLists := make([]rankedList, len(plans))
	var vg errgroup.Group
	for i, plan := range plans {
		vg.Go(func() error {
			var matches []vectorstore.Match
			var err error
			if plan.exhaustive {
				matches, err = vecs.SearchExhaustive(plan.field, plan.vector, plan.k, filterKeys)
			} else {
				matches, err = vecs.Search(plan.field, plan.vector, plan.k, filterKeys)
			}
			if err != nil {
				return err
			}
			list := rankedList{source: plan.field, weight: e.vectorListWeight(plan.weight), scores: make(map[string]float64, len(matches))}
			for _, m := range matches {
				list.keys = append(list.keys, m.Key)
				list.scores[m.Key] = m.Score
			}
			vectorLists[i] = list
			return nil
		})
	}
	if err := vg.Wait(); err != nil {
		return nil, err
	}

	var lists []rankedList
	textDocs := make(map[string]schema.Document, len(textHits))
	if textIncluded {
		tl := rankedList{source: sourceText, weight: e.textListWeight(), scores: make(map[string]float64, len(textHits))}
		for _, h := range textHits {
			tl.keys = append(tl.keys, h.key)
			tl.scores[h.key] = h.score
			textDocs[h.key] = h.doc
		}
		lists = append(lists, tl)
	}
	lists = append(lists, vectorLists...)

	var fused []fusedHit
	switch {
	case len(lists) == 1:
		fused = nativeHits(lists[0])
	case e.cfg.FusionMode == "weighted":
		fused = fuseWeighted(lists)
	default:
		fused = fuseRRF(lists, e.cfg.RRFConstant)
	}

	hits := make([]hit, 0, len(fused))
	for _, fh := range fused {
		doc, ok := textDocs[fh.key]
		if !ok {
			var err error
			doc, err = ix.GetDocument(ctx, fh.key)
			if errors.Is(err, invindex.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
		}
		hits = append(hits, hit{key: fh.key, score: fh.score, textRank: fh.textRank, sources: fh.sources, doc: doc})
	}

	if !scoreOnlyOrder(orderKeys) {
		ev := &filterEvaluator{def: def, ix: ix}
		sort.SliceStable(hits, func(i, j int) bool {
			return lessHit(ev, orderKeys, &hits[i], &hits[j])
		})
	}

	resp := e.newResponse(req, int64(len(hits)))
	if len(req.Facets) > 0 {
		docs := make([]schema.Document, len(hits))
		for i := range hits {
			docs[i] = hits[i].doc
		}
		facets, err := computeFacets(def, ix, req.Facets, docs)
		if err != nil {
			return nil, err
		}
		resp.Facets = facets
	}

	start := req.Skip
	if start > len(hits) {
		start = len(hits)
	}
	end := start + top
	if end > len(hits) {
		end = len(hits)
	}
	for i := start; i < end; i++ {
		resp.Results = append(resp.Results, rb.build(&hits[i]))
	}
	return resp, nil
}

func (e *Engine) textListWeight() float64 {
	if e.cfg.FusionMode == "weighted" {
		return e.cfg.TextWeight
	}
	return 1
}

func (e *Engine) vectorListWeight(w float64) float64 {
	if w <= 0 {
		w = 1
	}
	if e.cfg.FusionMode == "weighted" {
		return e.cfg.VectorWeight * w
	}
	return w
}

func (e *Engine) newResponse(req *Request, total int64) *Response {
	resp := &Response{}
	if req.Count {
		resp.Count = &total
	}
	if req.MinimumCoverage > 0 {
		// Single node, no replicas: every query covers the whole index.
		c := 100.0
		resp.Coverage = &c
	}
	return resp
}

// enumerate runs the combined query over the whole index, verifying
// recall-widened filters against the stored documents.
func (e *Engine) enumerate(ctx context.Context, ix *invindex.Index, def *schema.Index, combined blquery.Query, filterAST node, needsVerify bool) ([]hit, error) {
	total, err := ix.Count(ctx)
	if err != nil {
		return nil, err
	}
	breq := bleve.NewSearchRequestOptions(combined, int(total), 0, false)
	res, err := ix.Search(ctx, breq)
	if err != nil {
		return nil, err
	}

	hits := make([]hit, 0, len(res.Hits))
	for _, bh := range res.Hits {
		doc, err := ix.GetDocument(ctx, bh.ID)
		if errors.Is(err, invindex.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if needsVerify {
			ok, err := evalFilter(def, ix, filterAST, doc)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		hits = append(hits, hit{key: bh.ID, score: bh.Score, doc: doc})
	}
	return hits, nil
}

// filterKeySet evaluates the filter alone into the key set used to
// restrict vector candidates.
func (e *Engine) filterKeySet(ctx context.Context, ix *invindex.Index, def *schema.Index, filterQuery blquery.Query, filterAST node, needsVerify bool) (map[string]struct{}, error) {
	hits, err := e.enumerate(ctx, ix, def, filterQuery, filterAST, needsVerify)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]struct{}, len(hits))
	for _, h := range hits {
		keys[h.key] = struct{}{}
	}
	return keys, nil
}

// resultBuilder projects matched documents into wire results.
type resultBuilder struct {
	def      *schema.Index
	ix       *invindex.Index
	vecs     *vectorstore.IndexVectors
	req      *Request
	sel      *selectNode
	hl       *highlighter
	hlFields []highlightField
	hlTerms  map[string][]termSpans
	debug    bool
}

func (e *Engine) newResultBuilder(def *schema.Index, ix *invindex.Index, vecs *vectorstore.IndexVectors, req *Request, sel *selectNode, hlFields []highlightField, terms []string) *resultBuilder {
	rb := &resultBuilder{
		def:      def,
		ix:       ix,
		vecs:     vecs,
		req:      req,
		sel:      sel,
		hlFields: hlFields,
		debug:    req.Debug != "" && !strings.EqualFold(req.Debug, "disabled"),
	}
	if len(hlFields) > 0 {
		pre, post := req.HighlightPreTag, req.HighlightPostTag
		if pre == "" && post == "" {
			pre, post = "<em>", "</em>"
		}
		rb.hl = &highlighter{def: def, ix: ix, pre: pre, post: post}
		rb.hlTerms = make(map[string][]termSpans, len(hlFields))
		for _, hf := range hlFields {
			rb.hlTerms[hf.field] = rb.hl.compileTerms(hf.field, terms)
		}
	}
	return rb
}

func (rb *resultBuilder) build(h *hit) Result {
	res := Result{Score: h.score}
	res.Document = projectDocument(rb.def, h.doc, rb.sel)
	fillVectors(rb.def, rb.vecs, h.key, res.Document, rb.sel)

	if rb.hl != nil {
		highlights := map[string][]string{}
		for _, hf := range rb.hlFields {
			frags := rb.hl.fieldHighlights(hf, h.doc, rb.hlTerms[hf.field])
			if len(frags) > 0 {
				highlights[hf.field] = frags
			}
		}
		if len(highlights) > 0 {
			res.Highlights = highlights
		}
	}

	if rb.debug {
		d := &DebugScores{Fused: h.score, Text: h.sources[sourceText]}
		for src, s := range h.sources {
			if src == sourceText {
				continue
			}
			if d.Vectors == nil {
				d.Vectors = make(map[string]float64)
			}
			d.Vectors[src] = s
		}
		res.Debug = d
	}
	return res
}

// synonymExpander resolves the synonym rules attached to each searchable
// field. An empty field name unions every field's rules, matching
// unfielded terms that run against the whole document.
func synonymExpander(def *schema.Index, syn SynonymSource) func(field, term string) []string {
	if syn == nil {
		return nil
	}
	byField := make(map[string]*SynonymRules)
	var all []*SynonymRules

	var walk func(prefix string, fields []schema.Field)
	walk = func(prefix string, fields []schema.Field) {
		for i := range fields {
			f := &fields[i]
			path := f.Name
			if prefix != "" {
				path = prefix + "/" + f.Name
			}
			if len(f.Fields) > 0 {
				walk(path, f.Fields)
			}
			if len(f.SynonymMaps) == 0 {
				continue
			}
			var rules []*SynonymRules
			for _, name := range f.SynonymMaps {
				if r := syn(name); r != nil {
					rules = append(rules, r)
				}
			}
			if len(rules) == 0 {
				continue
			}
			merged := Merge(rules...)
			byField[path] = merged
			all = append(all, merged)
		}
	}
	walk("", def.Fields)

	if len(all) == 0 {
		return nil
	}
	union := Merge(all...)
	return func(field, term string) []string {
		if field == "" {
			return union.Expand(term)
		}
		if r := byField[field]; r != nil {
			return r.Expand(term)
		}
		return nil
	}
}
