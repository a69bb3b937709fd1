package auth

import (
	"context"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locussearch/locus/internal/apperr"
	"github.com/locussearch/locus/internal/config"
	"github.com/locussearch/locus/internal/connector"
)

func identitySource(id string) *connector.DataSource {
	ds := &connector.DataSource{Name: "lake", Type: connector.TypeADLSGen2}
	if id != "" {
		ds.Identity = &connector.Identity{UserAssignedIdentity: id}
	}
	return ds
}

func TestCredentialFactory_MintsVerifiableTokens(t *testing.T) {
	// Given: a factory with a signing secret
	f := NewCredentialFactory(config.JWTConfig{Secret: testSecret, Issuer: "locus", Audience: "storage"})

	// When: an identity reference is resolved
	cred, err := f.Resolve(context.Background(), identitySource("sub/rg/mi-locus"))
	require.NoError(t, err)

	// Then: the credential is a JWT that verifies under the same secret
	tok, err := jwt.Parse([]byte(cred.Token),
		jwt.WithKey(jwa.HS256, []byte(testSecret)),
		jwt.WithValidate(true),
		jwt.WithIssuer("locus"),
		jwt.WithAudience("storage"),
	)
	require.NoError(t, err)
	assert.Equal(t, "sub/rg/mi-locus", tok.Subject())
}

func TestCredentialFactory_OpaqueWithoutSecret(t *testing.T) {
	// Given: no signing secret configured
	f := NewCredentialFactory(config.JWTConfig{})

	// When: the identity is resolved
	cred, err := f.Resolve(context.Background(), identitySource("sub/rg/mi-locus"))

	// Then: a marker token stands in
	require.NoError(t, err)
	assert.Equal(t, "simulated/sub/rg/mi-locus", cred.Token)
}

func TestCredentialFactory_RequiresAnIdentity(t *testing.T) {
	// When: the data source has no identity reference
	f := NewCredentialFactory(config.JWTConfig{Secret: testSecret})
	_, err := f.Resolve(context.Background(), identitySource(""))

	// Then: the definition mistake is called out
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
}
