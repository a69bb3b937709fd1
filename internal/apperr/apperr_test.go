package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := NotFound("index", "hotels")
	assert.Equal(t, "ResourceNotFound: index 'hotels' was not found (hotels)", err.Error())

	plain := InvalidArgument("top must be positive, got %d", -1)
	assert.Equal(t, "InvalidArgument: top must be positive, got -1", plain.Error())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk gone")
	err := Wrap(CodeInternal, cause, "persisting index definition")

	require.NotNil(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, cause, err.Unwrap())
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(CodeInternal, nil, "nothing happened"))
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("handler: %w", NotFound("indexer", "nightly"))
	assert.True(t, errors.Is(err, &Error{Code: CodeResourceNotFound}))
	assert.False(t, errors.Is(err, &Error{Code: CodeForbidden}))
}

func TestFromCoercesUnknownErrors(t *testing.T) {
	plain := errors.New("boom")
	ae := From(plain)
	require.NotNil(t, ae)
	assert.Equal(t, CodeInternal, ae.Code)
	assert.Equal(t, "boom", ae.Message)

	// Already-typed errors pass through even when wrapped.
	wrapped := fmt.Errorf("outer: %w", Forbidden("nope"))
	assert.Equal(t, CodeForbidden, From(wrapped).Code)
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{InvalidArgument("bad"), http.StatusBadRequest},
		{InvalidFilter("bad filter"), http.StatusBadRequest},
		{InvalidAPIKey("missing"), http.StatusUnauthorized},
		{Forbidden("no"), http.StatusForbidden},
		{NotFound("index", "x"), http.StatusNotFound},
		{AlreadyExists("index", "x"), http.StatusConflict},
		{OperationNotAllowed("busy"), http.StatusConflict},
		{Upstream(errors.New("refused"), "skill endpoint"), http.StatusBadGateway},
		{Unavailable("warming up"), http.StatusServiceUnavailable},
		{Internal(nil, "broke"), http.StatusInternalServerError},
		{errors.New("untyped"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.status, HTTPStatus(tt.err), "code %s", CodeOf(tt.err))
	}
}

func TestWithDetailAccumulates(t *testing.T) {
	err := InvalidArgument("schema invalid").
		WithTarget("fields").
		WithDetail("InvalidField", "rating", "sortable requires a scalar type").
		WithDetail("InvalidField", "vec", "vector fields cannot be sortable")

	assert.Equal(t, "fields", err.Target)
	require.Len(t, err.Details, 2)
	assert.Equal(t, "rating", err.Details[0].Target)
}
