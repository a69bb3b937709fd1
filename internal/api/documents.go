package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/locussearch/locus/internal/apperr"
	"github.com/locussearch/locus/internal/docops"
	"github.com/locussearch/locus/internal/query"
)

// actionKey is the per-document discriminator inside a batch.
const actionKey = "@search.action"

// handleIndexDocuments applies a document batch. The response is always
// the per-item result list; the status is 200 when at least one item
// landed and 207 when none did.
func (s *Server) handleIndexDocuments(w http.ResponseWriter, r *http.Request) {
	var batch struct {
		Value []map[string]any `json:"value"`
	}
	if err := decodeJSON(r, &batch); err != nil {
		s.renderError(w, r, err)
		return
	}

	actions := make([]docops.Action, len(batch.Value))
	for i, raw := range batch.Value {
		action := docops.ActionUpload
		if v, ok := raw[actionKey].(string); ok && v != "" {
			action = v
		}
		delete(raw, actionKey)
		actions[i] = docops.Action{Type: action, Doc: raw}
	}

	results, err := s.svc.ApplyBatch(r.Context(), chi.URLParam(r, "indexName"), actions)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	status := http.StatusMultiStatus
	if docops.AnySucceeded(results) {
		status = http.StatusOK
	}
	writeJSON(w, status, listEnvelope{Value: results})
}

// searchResponse is the wire form of a query answer.
type searchResponse struct {
	Count    *int64                         `json:"@odata.count,omitempty"`
	Coverage *float64                       `json:"@search.coverage,omitempty"`
	Facets   map[string][]query.FacetBucket `json:"@search.facets,omitempty"`
	Value    []map[string]any               `json:"value"`
}

func (s *Server) renderSearch(w http.ResponseWriter, r *http.Request, resp *query.Response) {
	out := searchResponse{
		Count:    resp.Count,
		Coverage: resp.Coverage,
		Facets:   resp.Facets,
		Value:    make([]map[string]any, len(resp.Results)),
	}
	for i := range resp.Results {
		res := &resp.Results[i]
		doc := make(map[string]any, len(res.Document)+3)
		for k, v := range res.Document {
			doc[k] = v
		}
		doc["@search.score"] = res.Score
		if len(res.Highlights) > 0 {
			doc["@search.highlights"] = res.Highlights
		}
		if res.Debug != nil {
			doc["@search.documentDebugInfo"] = res.Debug
		}
		out.Value[i] = doc
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSearchPost(w http.ResponseWriter, r *http.Request) {
	var req query.Request
	if err := decodeJSON(r, &req); err != nil {
		s.renderError(w, r, err)
		return
	}
	resp, err := s.svc.Search(r.Context(), chi.URLParam(r, "indexName"), &req)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.renderSearch(w, r, resp)
}

// handleSearchGet is the query-string spelling of search. It covers the
// common parameters; everything else needs the POST body.
func (s *Server) handleSearchGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := query.Request{
		Search:       q.Get("search"),
		QueryType:    q.Get("queryType"),
		SearchMode:   q.Get("searchMode"),
		SearchFields: q.Get("searchFields"),
		Select:       q.Get("$select"),
		Filter:       q.Get("$filter"),
		OrderBy:      q.Get("$orderby"),
		Highlight:    q.Get("highlight"),
	}
	if raw := q.Get("$top"); raw != "" {
		top, err := strconv.Atoi(raw)
		if err != nil {
			s.renderError(w, r, apperr.InvalidArgument("$top must be an integer, got %q", raw).WithTarget("$top"))
			return
		}
		req.Top = &top
	}
	if raw := q.Get("$skip"); raw != "" {
		skip, err := strconv.Atoi(raw)
		if err != nil {
			s.renderError(w, r, apperr.InvalidArgument("$skip must be an integer, got %q", raw).WithTarget("$skip"))
			return
		}
		req.Skip = skip
	}
	if raw := q.Get("$count"); raw != "" {
		count, err := strconv.ParseBool(raw)
		if err != nil {
			s.renderError(w, r, apperr.InvalidArgument("$count must be true or false, got %q", raw).WithTarget("$count"))
			return
		}
		req.Count = count
	}
	if facets, ok := q["facet"]; ok {
		req.Facets = facets
	}

	resp, err := s.svc.Search(r.Context(), chi.URLParam(r, "indexName"), &req)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.renderSearch(w, r, resp)
}

func (s *Server) handleLookupDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.svc.LookupDocument(r.Context(),
		chi.URLParam(r, "indexName"),
		chi.URLParam(r, "key"),
		r.URL.Query().Get("$select"))
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleCountDocuments returns the bare count as text, matching the
// upstream $count contract.
func (s *Server) handleCountDocuments(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.CountDocuments(r.Context(), chi.URLParam(r, "indexName"))
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(strconv.FormatInt(n, 10)))
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	var req query.SuggestRequest
	if err := decodeJSON(r, &req); err != nil {
		s.renderError(w, r, err)
		return
	}
	items, err := s.svc.Suggest(r.Context(), chi.URLParam(r, "indexName"), &req)
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	value := make([]map[string]any, len(items))
	for i := range items {
		entry := make(map[string]any, len(items[i].Document)+1)
		for k, v := range items[i].Document {
			entry[k] = v
		}
		entry["@search.text"] = items[i].Text
		value[i] = entry
	}
	writeJSON(w, http.StatusOK, listEnvelope{Value: value})
}

func (s *Server) handleAutocomplete(w http.ResponseWriter, r *http.Request) {
	var req query.AutocompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.renderError(w, r, err)
		return
	}
	items, err := s.svc.Autocomplete(r.Context(), chi.URLParam(r, "indexName"), &req)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if items == nil {
		items = []query.AutocompleteItem{}
	}
	writeJSON(w, http.StatusOK, listEnvelope{Value: items})
}
