// Package api is the REST surface: routing, authentication gates, wire
// encoding, and the error envelope. Handlers validate the wire shape and
// delegate everything else to the service facade.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/locussearch/locus/internal/apperr"
	"github.com/locussearch/locus/internal/auth"
	"github.com/locussearch/locus/internal/config"
	"github.com/locussearch/locus/internal/service"
)

// Server binds the service facade to the HTTP wire contract.
type Server struct {
	svc     *service.Service
	cfg     *config.Config
	auth    *auth.Authenticator
	metrics *metrics
}

func New(svc *service.Service, cfg *config.Config) *Server {
	s := &Server{svc: svc, cfg: cfg, metrics: newMetrics()}
	s.auth = auth.NewAuthenticator(auth.FromConfig(cfg), s.renderError)
	return s
}

// Router assembles the full route table. Liveness and metrics stay
// outside the version and authentication gates; everything else runs
// through them.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.metrics.middleware)
	r.Use(requestLogger)
	r.Use(s.recoverer)
	r.Use(rewriteEntityKeys)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		s.renderError(w, req, apperr.NotFound("route", req.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		ae := apperr.OperationNotAllowed("%s is not supported on %s", req.Method, req.URL.Path)
		writeJSON(w, http.StatusMethodNotAllowed, wireError{Error: wireErrorBody{
			Code:    string(ae.Code),
			Message: ae.Message,
		}})
	})

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.handler())

	admin := s.auth.Require(auth.LevelServiceContributor)
	contributor := s.auth.Require(auth.LevelIndexDataContributor)
	reader := s.auth.Require(auth.LevelIndexDataReader)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIVersion)
		r.Use(s.auth.Middleware)

		r.Route("/indexes", func(r chi.Router) {
			r.With(admin).Get("/", s.handleListIndexes)
			r.With(admin).Post("/", s.handleCreateIndex)
			r.Route("/{indexName}", func(r chi.Router) {
				r.With(admin).Get("/", s.handleGetIndex)
				r.With(admin).Put("/", s.handleUpsertIndex)
				r.With(admin).Delete("/", s.handleDeleteIndex)

				r.Route("/docs", func(r chi.Router) {
					r.With(contributor).Post("/index", s.handleIndexDocuments)
					r.With(reader).Post("/search", s.handleSearchPost)
					r.With(reader).Get("/search", s.handleSearchGet)
					r.With(reader).Get("/$count", s.handleCountDocuments)
					r.With(reader).Post("/suggest", s.handleSuggest)
					r.With(reader).Post("/autocomplete", s.handleAutocomplete)
					r.With(reader).Get("/{key}", s.handleLookupDocument)
				})
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(admin)

			s.dataSourceREST().mount(r, "/datasources")
			s.skillsetREST().mount(r, "/skillsets")
			s.synonymMapREST().mount(r, "/synonymmaps")
			s.indexerREST().mount(r, "/indexers")
			r.Post("/indexers/{name}/run", s.handleRunIndexer)
			r.Post("/indexers/{name}/reset", s.handleResetIndexer)
			r.Get("/indexers/{name}/status", s.handleIndexerStatus)

			r.Get("/servicestats", s.handleServiceStats)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleServiceStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
