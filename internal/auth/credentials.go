package auth

import (
	"context"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/locussearch/locus/internal/apperr"
	"github.com/locussearch/locus/internal/config"
	"github.com/locussearch/locus/internal/connector"
)

// CredentialFactory turns a data source's identity reference into a
// bearer credential for the cloud connector seams. There is no token
// service to exchange against locally, so the factory mints the token
// itself: a signed JWT when a shared secret is configured, an opaque
// marker otherwise.
type CredentialFactory struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
}

func NewCredentialFactory(cfg config.JWTConfig) *CredentialFactory {
	return &CredentialFactory{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      time.Hour,
	}
}

// Resolve implements connector.CredentialResolver.
func (f *CredentialFactory) Resolve(ctx context.Context, ds *connector.DataSource) (connector.Credential, error) {
	if ds.Identity == nil || ds.Identity.UserAssignedIdentity == "" {
		return connector.Credential{}, apperr.InvalidArgument("data source %q carries no identity reference", ds.Name)
	}
	id := ds.Identity.UserAssignedIdentity
	if len(f.secret) == 0 {
		return connector.Credential{Token: "simulated/" + id}, nil
	}
	now := time.Now()
	builder := jwt.NewBuilder().
		Subject(id).
		IssuedAt(now).
		Expiration(now.Add(f.ttl))
	if f.issuer != "" {
		builder = builder.Issuer(f.issuer)
	}
	if f.audience != "" {
		builder = builder.Audience([]string{f.audience})
	}
	tok, err := builder.Build()
	if err != nil {
		return connector.Credential{}, apperr.Internal(err, "building identity token for data source %q", ds.Name)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, f.secret))
	if err != nil {
		return connector.Credential{}, apperr.Internal(err, "signing identity token for data source %q", ds.Name)
	}
	return connector.Credential{Token: string(signed)}, nil
}
