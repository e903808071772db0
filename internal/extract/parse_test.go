package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSONArrayDirect(t *testing.T) {
	items := ParseJSONArray(`["a", "b"]`)
	assert.Len(t, items, 2)
}

func TestParseJSONArrayFenced(t *testing.T) {
	text := "Here are the facts:\n```json\n[\"one\", \"two\", \"three\"]\n```\nDone."
	items := ParseJSONArray(text)
	assert.Len(t, items, 3)
}

func TestParseJSONArrayEmbedded(t *testing.T) {
	text := `The answer is ["x"] as requested.`
	items := ParseJSONArray(text)
	assert.Len(t, items, 1)
}

func TestParseJSONArrayGarbage(t *testing.T) {
	assert.Nil(t, ParseJSONArray("no json here"))
	assert.Nil(t, ParseJSONArray(`{"not": "an array"}`))
}

func TestParseFactsMixedShapes(t *testing.T) {
	text := `[
		"bare string fact about the build",
		{"category": "decision", "text": "we use postgres"},
		{"category": "bogus", "text": "unknown category fact"},
		{"text": ""},
		42
	]`
	facts := parseFacts(text, 20, 500)
	require.Len(t, facts, 3)
	assert.Equal(t, "detail", facts[0].Category)
	assert.Equal(t, "decision", facts[1].Category)
	assert.Equal(t, "we use postgres", facts[1].Text)
	assert.Equal(t, "detail", facts[2].Category)
}

func TestParseFactsNormalizesAndTruncates(t *testing.T) {
	long := strings.Repeat("word ", 200)
	text := `["  spaced   out \n fact  ", "` + strings.TrimSpace(long) + `"]`
	facts := parseFacts(text, 20, 50)
	require.Len(t, facts, 2)
	assert.Equal(t, "spaced out fact", facts[0].Text)
	assert.True(t, strings.HasSuffix(facts[1].Text, "..."))
	assert.Len(t, []rune(facts[1].Text), 53)
}

func TestParseFactsCap(t *testing.T) {
	text := `["fact one here", "fact two here", "fact three here"]`
	facts := parseFacts(text, 2, 500)
	assert.Len(t, facts, 2)
}

func TestHeuristicFacts(t *testing.T) {
	messages := strings.Join([]string{
		"hello there",
		"- We decided to use sqlite for the sparse index going forward",
		"short decided",
		"The bug was caused by a stale file descriptor in the watcher loop",
		"We decided to use sqlite for the sparse index going forward",
		strings.Repeat("x", 500) + " decided",
		"random chatter without any signal words at all in this line",
	}, "\n")

	facts := heuristicFacts(messages, 20, 500)
	require.Len(t, facts, 2)
	assert.Contains(t, facts[0].Text, "sqlite")
	assert.Contains(t, facts[1].Text, "stale file descriptor")
	for _, f := range facts {
		assert.Equal(t, "detail", f.Category)
	}
}

func TestEstimateTokensNonZero(t *testing.T) {
	assert.Greater(t, EstimateTokens("some reasonable sentence for counting"), 0)
}
