// Package provider implements the LLM gateway: streaming clients for the
// supported providers plus a gateway that adds bounded retry, transient
// error classification, and fallback-model switching.
package provider

import (
	"context"

	"scribe/internal/types"
)

// Request is one completion request, provider-agnostic.
type Request struct {
	System      string
	Messages    []types.Message
	Tools       []types.ToolDefinition
	MaxTokens   int
	Temperature float64
}

// DeltaFunc receives streamed token deltas. Clients invoke it from a single
// goroutine in arrival order.
type DeltaFunc func(types.TokenDelta)

// Client streams completions from one provider/model pair.
type Client interface {
	// Provider returns the provider segment of the model identity.
	Provider() string

	// Model returns the model segment of the model identity.
	Model() string

	// Stream performs one streaming completion, invoking onDelta for each
	// token delta before returning the assembled result. onDelta may be nil.
	Stream(ctx context.Context, req Request, onDelta DeltaFunc) (*types.CompletionResult, error)
}

// identity formats the canonical provider:model string.
func identity(c Client) string {
	return c.Provider() + ":" + c.Model()
}
