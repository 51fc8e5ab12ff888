// Package retrieval implements hybrid search over the indexed vault:
// lexical token overlap plus vector similarity, fused deterministically,
// with optional re-ranking and query expansion.
package retrieval

import (
	"strings"
	"unicode"
)

// =============================================================================
// LEXICAL SCORING - token overlap between query and chunk
// =============================================================================

// stopwords excluded from lexical scoring. Kept small on purpose; vault
// notes are terse and aggressive stopword lists hurt recall.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "is": true,
	"it": true, "of": true, "on": true, "or": true, "that": true, "the": true,
	"to": true, "was": true, "what": true, "with": true,
}

// Tokenize lowercases text and splits it on non-alphanumeric runes,
// dropping stopwords and single-character tokens. The same function runs
// at index time and at query time so scores are comparable.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// lexicalScore returns the fraction of distinct query tokens present in the
// chunk's token set, in [0, 1]. A chunk containing every query token scores
// 1 regardless of chunk length.
func lexicalScore(queryTokens []string, chunkTokens []string) float64 {
	if len(queryTokens) == 0 || len(chunkTokens) == 0 {
		return 0
	}

	chunkSet := make(map[string]bool, len(chunkTokens))
	for _, t := range chunkTokens {
		chunkSet[t] = true
	}

	querySet := make(map[string]bool, len(queryTokens))
	hits := 0
	for _, t := range queryTokens {
		if querySet[t] {
			continue
		}
		querySet[t] = true
		if chunkSet[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(querySet))
}
