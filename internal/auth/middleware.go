package auth

import (
	"context"
	"net/http"

	"github.com/locussearch/locus/internal/apperr"
)

// RenderFunc writes an error response in the API's wire shape. The
// HTTP layer supplies its own renderer so this package stays out of
// the wire format.
type RenderFunc func(w http.ResponseWriter, r *http.Request, err error)

// Authenticator gates routes. Middleware resolves credentials once per
// request; Require enforces a minimum level where it is mounted.
type Authenticator struct {
	chain  *Chain
	render RenderFunc
}

func NewAuthenticator(chain *Chain, render RenderFunc) *Authenticator {
	return &Authenticator{chain: chain, render: render}
}

type resultKey struct{}

// WithResult returns a context carrying the authentication result.
func WithResult(ctx context.Context, res *Result) context.Context {
	return context.WithValue(ctx, resultKey{}, res)
}

// ResultFrom returns the result stored by Middleware, or nil when the
// request never passed through it.
func ResultFrom(ctx context.Context) *Result {
	res, _ := ctx.Value(resultKey{}).(*Result)
	return res
}

// Middleware authenticates the request and stores the result in the
// context. An explicit credential failure stops the request here; a
// request without credentials continues anonymously and is judged by
// Require at the route.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := a.chain.Authenticate(r)
		if err != nil {
			a.render(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithResult(r.Context(), res)))
	})
}

// Require rejects requests below the given level: 401 for anonymous
// callers, 403 for authenticated ones that fall short.
func (a *Authenticator) Require(level AccessLevel) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := ResultFrom(r.Context())
			switch {
			case res == nil || !res.Authenticated:
				a.render(w, r, apperr.InvalidAPIKey("missing credentials: provide an api-key header or a bearer token"))
			case !res.Level.Grants(level):
				a.render(w, r, apperr.Forbidden("%s credentials grant %s access where %s is required", res.Mode, res.Level, level))
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}
