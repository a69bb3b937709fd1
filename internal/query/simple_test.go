package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locussearch/locus/internal/apperr"
)

func TestScanSimpleTokens_OccurMarkersAndPrefix(t *testing.T) {
	// Given: a query mixing markers with a trailing star
	tokens, err := scanSimpleTokens("+luxury -budget spa*")
	require.NoError(t, err)

	// Then: each token carries its marker, the star becomes a prefix
	assert.Equal(t, []simpleToken{
		{text: "luxury", must: true},
		{text: "budget", mustNot: true},
		{text: "spa", prefix: true},
	}, tokens)
}

func TestScanSimpleTokens_Phrases(t *testing.T) {
	// Given: a quoted phrase beside a bare term
	tokens, err := scanSimpleTokens(`"ocean view" hotel`)
	require.NoError(t, err)

	// Then: the phrase keeps its inner spaces
	assert.Equal(t, []simpleToken{
		{text: "ocean view", phrase: true},
		{text: "hotel"},
	}, tokens)
}

func TestScanSimpleTokens_FieldedTerms(t *testing.T) {
	// Given: fielded prefix and phrase forms
	tokens, err := scanSimpleTokens(`name:lux* category:"Boutique Hotel"`)
	require.NoError(t, err)

	// Then: the field scopes attach to their tokens
	assert.Equal(t, []simpleToken{
		{field: "name", text: "lux", prefix: true},
		{field: "category", text: "Boutique Hotel", phrase: true},
	}, tokens)
}

func TestScanSimpleTokens_MarkerOnFieldedPhrase(t *testing.T) {
	// Given: a negated fielded phrase
	tokens, err := scanSimpleTokens(`-description:"sea breeze"`)
	require.NoError(t, err)

	// Then: marker, field, and phrase all combine
	assert.Equal(t, []simpleToken{
		{field: "description", text: "sea breeze", phrase: true, mustNot: true},
	}, tokens)
}

func TestScanSimpleTokens_UnterminatedPhrase(t *testing.T) {
	// When: a quote never closes
	_, err := scanSimpleTokens(`"ocean`)

	// Then: the query is rejected
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
}

func TestValidateSearchFields(t *testing.T) {
	def := hotelsDef()

	// Then: searchable string fields pass
	assert.NoError(t, validateSearchFields(def, []string{"name", "address/city"}))

	// And: unknown, non-string, and vector fields are rejected
	for _, name := range []string{"missing", "rating", "vec"} {
		err := validateSearchFields(def, []string{name})
		require.Error(t, err, name)
		assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
	}
}

func TestFullQueryTerms_StripsOperators(t *testing.T) {
	// Given: a Lucene expression with operators, exclusions, and boosts
	terms := fullQueryTerms(`+name:luxury OR -motel rat* spa^2`)

	// Then: only highlightable positive terms remain
	assert.Equal(t, []string{"luxury", "rat*", "spa"}, terms)
}
