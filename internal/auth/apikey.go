package auth

import (
	"net/http"

	"github.com/locussearch/locus/internal/apperr"
)

// HeaderAPIKey is the request header carrying an API key.
const HeaderAPIKey = "api-key"

// APIKeyHandler checks the api-key header against the two configured
// keys. The admin key unlocks everything; the query key reads index
// data and nothing else.
type APIKeyHandler struct {
	adminKey string
	queryKey string
	priority int
}

// NewAPIKeyHandler builds the handler. With takesPrecedence set it
// outranks the bearer-token handler when a request carries both kinds
// of credentials.
func NewAPIKeyHandler(adminKey, queryKey string, takesPrecedence bool) *APIKeyHandler {
	p := priorityAPIKey
	if !takesPrecedence {
		p = priorityAPIKeyDeferred
	}
	return &APIKeyHandler{adminKey: adminKey, queryKey: queryKey, priority: p}
}

func (h *APIKeyHandler) Mode() string  { return ModeAPIKey }
func (h *APIKeyHandler) Priority() int { return h.priority }

func (h *APIKeyHandler) CanHandle(r *http.Request) bool {
	return r.Header.Get(HeaderAPIKey) != ""
}

// Authenticate matches the presented key against the admin and query
// tiers. A key that matches neither is an explicit failure, not a
// fall-through: presenting a wrong key never downgrades to anonymous.
func (h *APIKeyHandler) Authenticate(r *http.Request) (*Result, error) {
	key := r.Header.Get(HeaderAPIKey)
	switch {
	case h.adminKey != "" && key == h.adminKey:
		return &Result{Authenticated: true, Mode: ModeAPIKey, Principal: "admin", Level: LevelFullAccess}, nil
	case h.queryKey != "" && key == h.queryKey:
		return &Result{Authenticated: true, Mode: ModeAPIKey, Principal: "query", Level: LevelIndexDataReader}, nil
	default:
		return nil, apperr.InvalidAPIKey("the api-key in the request header does not match any configured key")
	}
}
