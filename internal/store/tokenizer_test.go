package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenizer_Tokenize(t *testing.T) {
	tok := NewTokenizer(DefaultBM25Config())

	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "lowercases and splits on non-word runs",
			input:    "Parse HTTP-Request; body!",
			expected: []string{"parse", "http", "request", "body"},
		},
		{
			name:     "drops tokens of two chars or fewer",
			input:    "a by id token ok",
			expected: []string{"token"},
		},
		{
			name:     "drops stop words",
			input:    "return the value for this user",
			expected: []string{"return", "value", "user"},
		},
		{
			name:     "keeps underscores inside identifiers",
			input:    "get_user_by_id(userId)",
			expected: []string{"get_user_by_id", "userid"},
		},
		{
			name:     "numbers survive when long enough",
			input:    "sha256 v2 404",
			expected: []string{"sha256", "404"},
		},
		{
			name:     "empty input",
			input:    "",
			expected: []string{},
		},
		{
			name:     "punctuation only",
			input:    "... --- !!!",
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tok.Tokenize(tt.input))
		})
	}
}

func TestTokenizer_UniqueTerms(t *testing.T) {
	tok := NewTokenizer(DefaultBM25Config())

	// Duplicates collapse, first appearance order is kept.
	terms := tok.UniqueTerms("handler handler route handler route")
	assert.Equal(t, []string{"handler", "route"}, terms)
}

func TestBuildStopWordMap(t *testing.T) {
	m := BuildStopWordMap([]string{"The", "AND"})

	_, hasThe := m["the"]
	_, hasAnd := m["and"]
	assert.True(t, hasThe)
	assert.True(t, hasAnd)
	assert.Len(t, m, 2)
}
