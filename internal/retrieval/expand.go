package retrieval

import (
	"context"
	"fmt"
	"strings"

	"scribe/internal/provider"
	"scribe/internal/types"
)

const expandSystemPrompt = `You write hypothetical notes. Given a question, write a short markdown
note (3-5 sentences, no heading) that plausibly answers it. Do not hedge,
do not mention the question, just write the note.`

// expandMaxTokens caps the hypothetical document; longer drafts add latency
// without improving the embedding.
const expandMaxTokens = 256

// completer is the slice of the provider gateway the expander uses.
type completer interface {
	StreamCompletion(ctx context.Context, req provider.Request, onDelta provider.DeltaFunc) (*types.CompletionResult, error)
}

// LLMExpander drafts a hypothetical answer document for a query and is
// installed on the engine when hypothetical expansion is configured. The
// drafted note, not the raw question, gets embedded.
type LLMExpander struct {
	gateway completer
}

// NewLLMExpander builds an expander over a provider gateway.
func NewLLMExpander(gateway completer) *LLMExpander {
	return &LLMExpander{gateway: gateway}
}

func (x *LLMExpander) Expand(ctx context.Context, query string) (string, error) {
	result, err := x.gateway.StreamCompletion(ctx, provider.Request{
		System:    expandSystemPrompt,
		Messages:  []types.Message{{Role: types.RoleUser, Content: query}},
		MaxTokens: expandMaxTokens,
	}, nil)
	if err != nil {
		return "", fmt.Errorf("query expansion: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}
