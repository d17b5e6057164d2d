package store

import (
	"regexp"
	"strings"
)

// wordRunRegex matches runs of word characters. Everything between
// runs (whitespace, punctuation, operators) acts as a separator.
var wordRunRegex = regexp.MustCompile(`\w+`)

// Tokenizer turns chunk text and queries into BM25 terms. Both sides
// of the index must use the same instance so that query terms line up
// with posting-list terms.
type Tokenizer struct {
	minLength int
	stopWords map[string]struct{}
}

// NewTokenizer builds a tokenizer from the ranking config.
func NewTokenizer(cfg BM25Config) *Tokenizer {
	minLen := cfg.MinTokenLength
	if minLen <= 0 {
		minLen = 2
	}
	return &Tokenizer{
		minLength: minLen,
		stopWords: BuildStopWordMap(cfg.StopWords),
	}
}

// Tokenize lowercases the text, splits it on non-word runs, and drops
// tokens at or below the minimum length as well as stop words.
func (t *Tokenizer) Tokenize(text string) []string {
	words := wordRunRegex.FindAllString(strings.ToLower(text), -1)

	tokens := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) <= t.minLength {
			continue
		}
		if _, stop := t.stopWords[w]; stop {
			continue
		}
		tokens = append(tokens, w)
	}
	return tokens
}

// UniqueTerms tokenizes and deduplicates, preserving first-appearance
// order. Query scoring iterates each distinct term once.
func (t *Tokenizer) UniqueTerms(text string) []string {
	tokens := t.Tokenize(text)
	seen := make(map[string]struct{}, len(tokens))
	terms := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		terms = append(terms, tok)
	}
	return terms
}

// BuildStopWordMap converts a stop-word slice to a lookup map.
func BuildStopWordMap(stopWords []string) map[string]struct{} {
	m := make(map[string]struct{}, len(stopWords))
	for _, word := range stopWords {
		m[strings.ToLower(word)] = struct{}{}
	}
	return m
}
