// Package types provides shared type definitions used across scribe packages.
// This package exists to break import cycles between agent, provider, tools,
// and store. Types in this package should be foundational data structures
// with no complex dependencies.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// MESSAGES
// =============================================================================

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn in conversation history. Histories are append-only:
// the run loop appends messages and never rewrites earlier ones.
type Message struct {
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// =============================================================================
// TOOL CALLING
// =============================================================================

// ToolDefinition describes a tool that the model can invoke.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"` // JSON Schema for parameters
	Mutating    bool            `json:"mutating"`     // True if the tool writes to the vault
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Input     map[string]interface{} `json:"input"`
	Iteration int                    `json:"iteration"` // Loop iteration that produced the call
}

// ToolResult is the outcome of executing a single tool call.
type ToolResult struct {
	ToolUseID    string `json:"tool_use_id"`
	ToolName     string `json:"tool_name"`
	Content      string `json:"content"`
	IsError      bool   `json:"is_error"`
	Verified     bool   `json:"verified,omitempty"`      // Readback passed (mutating tools only)
	BytesWritten int    `json:"bytes_written,omitempty"` // Write size metric
	CommitID     string `json:"commit_id,omitempty"`     // Commit created for a verified write
	DurationMs   int64  `json:"duration_ms"`
}

// =============================================================================
// PROVIDER RESPONSES
// =============================================================================

// UsageMetadata captures token usage metrics from the model.
type UsageMetadata struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates usage from another response into this one.
func (u *UsageMetadata) Add(other UsageMetadata) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// CompletionResult is the final structured result of one streaming call:
// accumulated text, any tool calls, and token usage.
type CompletionResult struct {
	Text       string        `json:"text"`
	ToolCalls  []ToolCall    `json:"tool_calls"`
	StopReason string        `json:"stop_reason"` // "end_turn", "tool_use", etc.
	Usage      UsageMetadata `json:"usage"`

	// ThinkingSummary is advisory reasoning text exposed by some providers.
	// Never treated as the final answer.
	ThinkingSummary string `json:"thinking_summary,omitempty"`
}

// TokenDelta is one streamed fragment of model output, delivered strictly
// in generation order for a single call.
type TokenDelta struct {
	Text     string `json:"text"`
	Thinking string `json:"thinking,omitempty"` // Redacted thinking-summary delta
}

// =============================================================================
// MODEL IDENTITY
// =============================================================================

// ModelRef identifies a (provider, model) pair. The wire format is
// "provider:model", e.g. "anthropic:claude-sonnet-4-20250514".
type ModelRef struct {
	Provider string
	Model    string
}

// String returns the canonical "provider:model" form.
func (m ModelRef) String() string {
	return m.Provider + ":" + m.Model
}

// IsZero reports whether the ref is unset.
func (m ModelRef) IsZero() bool {
	return m.Provider == "" && m.Model == ""
}

// ParseModelRef validates and parses a "provider:model" identifier.
// Malformed identifiers fail fast rather than silently falling back.
func ParseModelRef(s string) (ModelRef, error) {
	idx := strings.IndexByte(s, ':')
	if idx <= 0 || idx == len(s)-1 {
		return ModelRef{}, fmt.Errorf("invalid model identifier %q: want \"provider:model\"", s)
	}
	provider := strings.TrimSpace(s[:idx])
	model := strings.TrimSpace(s[idx+1:])
	if provider == "" || model == "" {
		return ModelRef{}, fmt.Errorf("invalid model identifier %q: empty provider or model", s)
	}
	if strings.ContainsAny(provider, " \t\n") {
		return ModelRef{}, fmt.Errorf("invalid model identifier %q: whitespace in provider", s)
	}
	return ModelRef{Provider: provider, Model: model}, nil
}

// =============================================================================
// RETRIEVAL
// =============================================================================

// Chunk is a unit of retrieval: a span of a source file with its embedding
// and lexical tokens. Chunks are produced by the indexing pipeline; the core
// only consumes them. A chunk is invalidated when its source content hash
// changes.
type Chunk struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	StartByte   int       `json:"start_byte"`
	EndByte     int       `json:"end_byte"`
	Text        string    `json:"text"`
	Embedding   []float32 `json:"embedding,omitempty"`
	Tokens      []string  `json:"tokens,omitempty"`
	ContentHash string    `json:"content_hash"`
	IndexedAt   time.Time `json:"indexed_at"`
}

// ScoredChunk pairs a chunk with its fused relevance score.
type ScoredChunk struct {
	Chunk

	LexicalScore float64 `json:"lexical_score"`
	VectorScore  float64 `json:"vector_score"`
	FusedScore   float64 `json:"fused_score"`
	ReRankScore  float64 `json:"rerank_score,omitempty"`
}

// =============================================================================
// COMMITS
// =============================================================================

// Commit is a content-addressed snapshot taken after a vault write passes
// readback verification. Commits are append-only and never mutated; revert
// produces a new forward commit.
type Commit struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	ParentID    string    `json:"parent_id,omitempty"`
	ContentHash string    `json:"content_hash"`
	DiffSummary string    `json:"diff_summary"`
	Revert      bool      `json:"revert,omitempty"` // Commit produced by a revert operation
	CreatedAt   time.Time `json:"created_at"`
}
