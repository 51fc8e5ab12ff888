package agent

import (
	"strings"
	"unicode/utf8"

	"scribe/internal/types"
)

// compactThresholdTokens is the estimated transcript size past which older
// tool-result bodies are digested before the next model call.
const compactThresholdTokens = 8000

// compactKeep is how many recent messages are never touched.
const compactKeep = 12

// digestLimit is how much of a bulky tool-result body survives, in bytes,
// cut at a rune boundary.
const digestLimit = 200

// toolResultPrefix marks transcript messages that carry tool output.
const toolResultPrefix = "Tool result ("

// estimateTokens approximates the transcript's token cost at four
// characters per token.
func estimateTokens(messages []types.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	return chars / 4
}

// compactMessages digests bulky tool-result bodies in the older part of
// the transcript, preserving roles and ordering. User and assistant prose
// is never rewritten, and the most recent messages survive verbatim. It
// reports whether anything changed.
func compactMessages(messages []types.Message) ([]types.Message, bool) {
	if estimateTokens(messages) <= compactThresholdTokens {
		return messages, false
	}

	cut := len(messages) - compactKeep
	if cut < 0 {
		cut = 0
	}
	compacted := make([]types.Message, len(messages))
	copy(compacted, messages)
	did := false
	for i, m := range compacted[:cut] {
		if !strings.HasPrefix(m.Content, toolResultPrefix) || len(m.Content) <= digestLimit {
			continue
		}
		compacted[i].Content = digest(m.Content)
		did = true
	}
	if !did {
		return messages, false
	}
	return compacted, true
}

// digest truncates a tool-result body at a rune boundary, never
// mid-sequence.
func digest(s string) string {
	cut := digestLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
