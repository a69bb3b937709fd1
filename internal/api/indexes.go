package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/locussearch/locus/internal/schema"
)

// listEnvelope is the collection wrapper every list verb returns.
type listEnvelope struct {
	Value any `json:"value"`
}

func (s *Server) handleListIndexes(w http.ResponseWriter, r *http.Request) {
	defs, err := s.svc.ListIndexes(r.Context())
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope{Value: defs})
}

func (s *Server) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	var def schema.Index
	if err := decodeJSON(r, &def); err != nil {
		s.renderError(w, r, err)
		return
	}
	if err := s.svc.CreateIndex(r.Context(), &def); err != nil {
		s.renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, &def)
}

func (s *Server) handleGetIndex(w http.ResponseWriter, r *http.Request) {
	def, err := s.svc.GetIndex(r.Context(), chi.URLParam(r, "indexName"))
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleUpsertIndex(w http.ResponseWriter, r *http.Request) {
	var def schema.Index
	if err := decodeJSON(r, &def); err != nil {
		s.renderError(w, r, err)
		return
	}
	created, err := s.svc.UpsertIndex(r.Context(), chi.URLParam(r, "indexName"), &def)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, &def)
}

func (s *Server) handleDeleteIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteIndex(r.Context(), chi.URLParam(r, "indexName")); err != nil {
		s.renderError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
