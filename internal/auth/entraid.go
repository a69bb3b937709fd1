package auth

import (
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/locussearch/locus/internal/apperr"
	"github.com/locussearch/locus/internal/config"
)

const bearerPrefix = "Bearer "

// EntraIDHandler verifies Authorization bearer tokens against a shared
// HS256 secret, standing in for the cloud token service. The caller's
// access level comes from the token's role claims.
type EntraIDHandler struct {
	secret   []byte
	issuer   string
	audience string
}

// NewEntraIDHandler builds the handler from the JWT settings. Issuer
// and audience checks are enforced only when configured.
func NewEntraIDHandler(cfg config.JWTConfig) *EntraIDHandler {
	return &EntraIDHandler{secret: []byte(cfg.Secret), issuer: cfg.Issuer, audience: cfg.Audience}
}

func (h *EntraIDHandler) Mode() string  { return ModeEntraID }
func (h *EntraIDHandler) Priority() int { return priorityEntraID }

func (h *EntraIDHandler) CanHandle(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Authorization"), bearerPrefix)
}

func (h *EntraIDHandler) Authenticate(r *http.Request) (*Result, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), bearerPrefix)
	opts := []jwt.ParseOption{
		jwt.WithKey(jwa.HS256, h.secret),
		jwt.WithValidate(true),
	}
	if h.issuer != "" {
		opts = append(opts, jwt.WithIssuer(h.issuer))
	}
	if h.audience != "" {
		opts = append(opts, jwt.WithAudience(h.audience))
	}
	tok, err := jwt.Parse([]byte(raw), opts...)
	if err != nil {
		return nil, apperr.InvalidAPIKey("bearer token rejected: %v", err)
	}
	return &Result{
		Authenticated: true,
		Mode:          ModeEntraID,
		Principal:     tok.Subject(),
		Level:         levelFromToken(tok),
	}, nil
}

// levelFromToken maps the token's role claims to an access level. Both
// the singular "role" claim and the directory-style "roles" array are
// honored, and the strongest recognized role wins. A token without a
// recognized role authenticates at LevelNone and is refused wherever a
// level is required.
func levelFromToken(tok jwt.Token) AccessLevel {
	level := LevelNone
	for _, claim := range []string{"role", "roles"} {
		v, ok := tok.Get(claim)
		if !ok {
			continue
		}
		if l := levelFromClaim(v); l > level {
			level = l
		}
	}
	return level
}

func levelFromClaim(v any) AccessLevel {
	switch roles := v.(type) {
	case string:
		return levelForRole(roles)
	case []any:
		best := LevelNone
		for _, e := range roles {
			s, ok := e.(string)
			if !ok {
				continue
			}
			if l := levelForRole(s); l > best {
				best = l
			}
		}
		return best
	}
	return LevelNone
}

// levelForRole recognizes the compact role names as well as the RBAC
// display names ("Search Index Data Reader").
func levelForRole(role string) AccessLevel {
	compact := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(role)), " ", "")
	compact = strings.TrimPrefix(compact, "search")
	switch compact {
	case "indexdatareader":
		return LevelIndexDataReader
	case "reader":
		return LevelReader
	case "indexdatacontributor":
		return LevelIndexDataContributor
	case "servicecontributor":
		return LevelServiceContributor
	case "contributor":
		return LevelContributor
	case "owner", "fullaccess":
		return LevelFullAccess
	default:
		return LevelNone
	}
}
