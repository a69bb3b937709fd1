package api

import (
	"log/slog"
	"net/http"
	"regexp"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/locussearch/locus/internal/apperr"
)

// entityKeyPattern matches the OData entity-key path spelling,
// /indexes('books'), which is rewritten to /indexes/books before
// routing.
var entityKeyPattern = regexp.MustCompile(`\('([^']*)'\)`)

func rewriteEntityKeys(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if entityKeyPattern.MatchString(r.URL.Path) {
			r.URL.Path = entityKeyPattern.ReplaceAllString(r.URL.Path, "/$1")
			r.URL.RawPath = ""
		}
		next.ServeHTTP(w, r)
	})
}

// knownAPIVersions are the upstream version strings this build tracks.
// Other non-empty values are accepted with a debug note so clients
// pinned to newer versions keep working.
var knownAPIVersions = map[string]bool{
	"2023-11-01":         true,
	"2024-07-01":         true,
	"2025-09-01-preview": true,
}

func (s *Server) requireAPIVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		version := r.URL.Query().Get("api-version")
		if version == "" {
			s.renderError(w, r, apperr.InvalidArgument(
				"the api-version query parameter is required").WithTarget("api-version"))
			return
		}
		if !knownAPIVersions[version] {
			slog.Debug("unrecognized_api_version", slog.String("api-version", version))
		}
		next.ServeHTTP(w, r)
	})
}

// statusWriter captures the status code and byte count for the access
// log and the metrics middleware.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Info("http_request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int("bytes", sw.bytes),
			slog.Duration("duration", time.Since(start)))
	})
}

// recoverer turns handler panics into the wire error shape instead of
// a dropped connection.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				slog.Error("handler_panic",
					slog.Any("panic", v),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())))
				s.renderError(w, r, apperr.New(apperr.CodeInternal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// routePattern names the matched chi route for metrics labels, falling
// back to the raw path outside a chi context.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}
