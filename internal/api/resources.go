package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/locussearch/locus/internal/connector"
	"github.com/locussearch/locus/internal/enrich"
	"github.com/locussearch/locus/internal/indexer"
	"github.com/locussearch/locus/internal/query"
)

// restResource adapts one service collection to the five REST verbs so
// data sources, skillsets, indexers, and synonym maps share handlers.
type restResource[T any] struct {
	s      *Server
	create func(context.Context, *T) error
	upsert func(context.Context, string, *T) (bool, error)
	get    func(context.Context, string) (*T, error)
	list   func(context.Context) ([]*T, error)
	delete func(context.Context, string) error
}

func (res restResource[T]) mount(r chi.Router, base string) {
	r.Get(base, res.handleList)
	r.Post(base, res.handleCreate)
	r.Get(base+"/{name}", res.handleGet)
	r.Put(base+"/{name}", res.handleUpsert)
	r.Delete(base+"/{name}", res.handleDelete)
}

func (res restResource[T]) handleList(w http.ResponseWriter, r *http.Request) {
	defs, err := res.list(r.Context())
	if err != nil {
		res.s.renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope{Value: defs})
}

func (res restResource[T]) handleCreate(w http.ResponseWriter, r *http.Request) {
	var def T
	if err := decodeJSON(r, &def); err != nil {
		res.s.renderError(w, r, err)
		return
	}
	if err := res.create(r.Context(), &def); err != nil {
		res.s.renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, &def)
}

func (res restResource[T]) handleGet(w http.ResponseWriter, r *http.Request) {
	def, err := res.get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		res.s.renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (res restResource[T]) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var def T
	if err := decodeJSON(r, &def); err != nil {
		res.s.renderError(w, r, err)
		return
	}
	created, err := res.upsert(r.Context(), chi.URLParam(r, "name"), &def)
	if err != nil {
		res.s.renderError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, &def)
}

func (res restResource[T]) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := res.delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		res.s.renderError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) dataSourceREST() restResource[connector.DataSource] {
	return restResource[connector.DataSource]{
		s:      s,
		create: s.svc.CreateDataSource,
		upsert: s.svc.UpsertDataSource,
		get:    s.svc.GetDataSource,
		list:   s.svc.ListDataSources,
		delete: s.svc.DeleteDataSource,
	}
}

func (s *Server) skillsetREST() restResource[enrich.Skillset] {
	return restResource[enrich.Skillset]{
		s:      s,
		create: s.svc.CreateSkillset,
		upsert: s.svc.UpsertSkillset,
		get:    s.svc.GetSkillset,
		list:   s.svc.ListSkillsets,
		delete: s.svc.DeleteSkillset,
	}
}

func (s *Server) indexerREST() restResource[indexer.Indexer] {
	return restResource[indexer.Indexer]{
		s:      s,
		create: s.svc.CreateIndexer,
		upsert: s.svc.UpsertIndexer,
		get:    s.svc.GetIndexer,
		list:   s.svc.ListIndexers,
		delete: s.svc.DeleteIndexer,
	}
}

func (s *Server) synonymMapREST() restResource[query.SynonymMap] {
	return restResource[query.SynonymMap]{
		s:      s,
		create: s.svc.CreateSynonymMap,
		upsert: s.svc.UpsertSynonymMap,
		get:    s.svc.GetSynonymMap,
		list:   s.svc.ListSynonymMaps,
		delete: s.svc.DeleteSynonymMap,
	}
}

// handleRunIndexer reports 202: the run proceeds on the runtime's own
// lifecycle after the trigger is admitted.
func (s *Server) handleRunIndexer(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RunIndexer(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.renderError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleResetIndexer(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ResetIndexer(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.renderError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIndexerStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.IndexerStatus(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
