package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/locussearch/locus/internal/apperr"
)

// maxBodyBytes caps request bodies. Batches of large documents fit
// comfortably; anything bigger is rejected before parsing.
const maxBodyBytes = 64 << 20

// wireError is the envelope every failed request carries.
type wireError struct {
	Error wireErrorBody `json:"error"`
}

type wireErrorBody struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Target  string          `json:"target,omitempty"`
	Details []apperr.Detail `json:"details,omitempty"`
	Inner   *wireInnerError `json:"innererror,omitempty"`
}

// wireInnerError surfaces the wrapped cause chain. Only rendered in
// development mode.
type wireInnerError struct {
	Code  string `json:"code"`
	Cause string `json:"cause,omitempty"`
}

func (s *Server) renderError(w http.ResponseWriter, r *http.Request, err error) {
	ae := apperr.From(err)
	body := wireError{Error: wireErrorBody{
		Code:    string(ae.Code),
		Message: ae.Message,
		Target:  ae.Target,
		Details: ae.Details,
	}}
	if s.cfg.Server.Development && ae.Cause != nil {
		body.Error.Inner = &wireInnerError{
			Code:  string(ae.Code),
			Cause: ae.Cause.Error(),
		}
	}

	status := apperr.HTTPStatus(ae)
	if status >= http.StatusInternalServerError {
		slog.Error("request_failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("code", string(ae.Code)),
			slog.String("error", ae.Error()))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response_encode_failed", slog.String("error", err.Error()))
	}
}

// decodeJSON parses the request body into v. Unknown fields are
// tolerated; malformed JSON and oversized bodies are not.
func decodeJSON(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return apperr.InvalidArgument("request body exceeds %d bytes", maxErr.Limit)
		case errors.Is(err, io.EOF):
			return apperr.InvalidArgument("request body is required")
		default:
			return apperr.InvalidArgument("request body is not valid JSON: %v", err)
		}
	}
	return nil
}

