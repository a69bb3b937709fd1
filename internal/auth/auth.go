// Package auth decides who a request is and what it may touch.
//
// Authentication runs as an ordered chain of handlers, one per enabled
// mode. The first handler that recognizes the request's credentials
// decides the outcome; a request carrying no credentials falls through
// to an anonymous result. Authorization is a straight ladder of access
// levels that routes demand where they are mounted.
package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/locussearch/locus/internal/config"
)

// Handler mode names as they appear in results and logs.
const (
	ModeAPIKey    = "ApiKey"
	ModeEntraID   = "EntraId"
	ModeSimulated = "Simulated"
	ModeAnonymous = "Anonymous"
)

// Chain priorities; lower runs first. The api-key handler slots ahead
// of or behind the bearer handler depending on the precedence setting.
const (
	priorityAPIKey         = 10
	priorityEntraID        = 20
	priorityAPIKeyDeferred = 30
	prioritySimulated      = 90
)

// AccessLevel orders what a caller may do, from nothing to everything.
// Levels are cumulative: each one grants every level below it.
type AccessLevel int

const (
	LevelNone AccessLevel = iota
	LevelIndexDataReader
	LevelReader
	LevelIndexDataContributor
	LevelServiceContributor
	LevelContributor
	LevelFullAccess
)

// Grants reports whether the level satisfies required.
func (l AccessLevel) Grants(required AccessLevel) bool { return l >= required }

func (l AccessLevel) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelIndexDataReader:
		return "indexDataReader"
	case LevelReader:
		return "reader"
	case LevelIndexDataContributor:
		return "indexDataContributor"
	case LevelServiceContributor:
		return "serviceContributor"
	case LevelContributor:
		return "contributor"
	case LevelFullAccess:
		return "fullAccess"
	default:
		return fmt.Sprintf("accessLevel(%d)", int(l))
	}
}

// Result is the outcome of authenticating one request.
type Result struct {
	// Authenticated is false only for the anonymous fall-through.
	Authenticated bool
	// Mode names the handler that produced the result.
	Mode string
	// Principal identifies the caller: the key tier for API keys, the
	// token subject for bearer tokens.
	Principal string
	Level     AccessLevel
}

// Handler authenticates one credential mode.
//
// CanHandle reports whether the request carries this mode's
// credentials at all; handlers are never consulted otherwise.
// Authenticate then accepts the request, rejects it with an error (a
// wrong or malformed credential stops the chain), or returns
// (nil, nil) to leave the decision to the next handler.
type Handler interface {
	Mode() string
	// Priority orders the chain; lower runs first.
	Priority() int
	CanHandle(r *http.Request) bool
	Authenticate(r *http.Request) (*Result, error)
}

// Chain is the ordered set of enabled handlers. An empty chain means
// authentication is disabled and every request runs with full access.
type Chain struct {
	handlers []Handler
}

// NewChain sorts the handlers by priority, lowest first.
func NewChain(handlers ...Handler) *Chain {
	hs := make([]Handler, len(handlers))
	copy(hs, handlers)
	sort.SliceStable(hs, func(i, j int) bool { return hs[i].Priority() < hs[j].Priority() })
	return &Chain{handlers: hs}
}

// Modes lists the handler modes in evaluation order.
func (c *Chain) Modes() []string {
	modes := make([]string, len(c.handlers))
	for i, h := range c.handlers {
		modes[i] = h.Mode()
	}
	return modes
}

// Authenticate presents the request to each applicable handler until
// one decides. No applicable handler, or none willing to decide,
// leaves the request anonymous at LevelNone; routes that demand more
// turn that into a 401.
func (c *Chain) Authenticate(r *http.Request) (*Result, error) {
	if len(c.handlers) == 0 {
		return &Result{Authenticated: true, Mode: ModeAnonymous, Principal: "anonymous", Level: LevelFullAccess}, nil
	}
	for _, h := range c.handlers {
		if !h.CanHandle(r) {
			continue
		}
		res, err := h.Authenticate(r)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}
	return &Result{Mode: ModeAnonymous, Principal: "anonymous", Level: LevelNone}, nil
}

// FromConfig assembles the handler chain for the enabled modes. The
// simulated mode only takes effect in development mode.
func FromConfig(cfg *config.Config) *Chain {
	var handlers []Handler
	if cfg.AuthModeEnabled(config.ModeAPIKey) {
		handlers = append(handlers, NewAPIKeyHandler(cfg.AdminAPIKey, cfg.QueryAPIKey, cfg.Auth.APIKeyTakesPrecedence))
	}
	if cfg.AuthModeEnabled(config.ModeEntraID) {
		handlers = append(handlers, NewEntraIDHandler(cfg.Auth.JWT))
	}
	if cfg.AuthModeEnabled(config.ModeSimulated) {
		if cfg.Server.Development {
			handlers = append(handlers, SimulatedHandler{})
		} else {
			slog.Warn("simulated authentication ignored outside development mode")
		}
	}
	return NewChain(handlers...)
}
