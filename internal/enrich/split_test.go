package enrich

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitPages_HardWrapsOversizedSentence(t *testing.T) {
	// Given: a single 50-rune token with no sentence boundary
	text := strings.Repeat("x", 50)

	// When: paging at 20 with no overlap
	pages := splitPages(text, 20, 0)

	// Then: the token is wrapped into fixed windows
	require.Equal(t, []string{
		strings.Repeat("x", 20),
		strings.Repeat("x", 20),
		strings.Repeat("x", 10),
	}, pages)
}

func TestSplitPages_EmptyAndWhitespaceInput(t *testing.T) {
	assert.Empty(t, splitPages("", 100, 0))
	assert.Empty(t, splitPages("   \n\t  ", 100, 0))
}

func TestSplitPages_SingleShortTextIsOnePage(t *testing.T) {
	pages := splitPages("Just one short line.", 4000, 500)
	require.Equal(t, []string{"Just one short line."}, pages)
}

func TestSplitPages_OverlapClampedBelowPageLength(t *testing.T) {
	// Given: an overlap as large as the page itself
	text := "alpha beta. gamma delta. epsilon zeta."

	// When: splitting with the degenerate overlap
	pages := splitPages(text, 20, 20)

	// Then: paging still terminates and covers the text
	require.NotEmpty(t, pages)
	joined := strings.Join(pages, " ")
	for _, word := range []string{"alpha", "gamma", "epsilon"} {
		assert.Contains(t, joined, word)
	}
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "terminators kept with their sentence",
			in:   "First. Second! Third?",
			want: []string{"First.", "Second!", "Third?"},
		},
		{
			name: "line breaks split without a terminator",
			in:   "one line\nanother line",
			want: []string{"one line", "another line"},
		},
		{
			name: "dot inside a token does not split",
			in:   "see example.com for details. done.",
			want: []string{"see example.com for details.", "done."},
		},
		{
			name: "empty input",
			in:   "",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitSentences(tt.in))
		})
	}
}
