package provider

import (
	"context"
	"net/http"
	"testing"

	"scribe/internal/types"
)

func TestOpenAIStreamAssemblesTextAndToolCalls(t *testing.T) {
	srv := sseServer(t, http.StatusOK, []string{
		`{"choices":[{"delta":{"content":"Hi "}}]}`,
		`{"choices":[{"delta":{"content":"there"}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"read_note","arguments":"{\"path\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go.md\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":9,"completion_tokens":4}}`,
		`[DONE]`,
	})
	defer srv.Close()

	c := NewOpenAIClient("key", srv.URL, "gpt-4o", 0)

	var deltas []string
	result, err := c.Stream(context.Background(), Request{
		System:   "be brief",
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	}, func(d types.TokenDelta) { deltas = append(deltas, d.Text) })
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	if result.Text != "Hi there" {
		t.Errorf("text = %q", result.Text)
	}
	if len(deltas) != 2 || deltas[0] != "Hi " {
		t.Errorf("deltas = %v", deltas)
	}
	if len(result.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", result.ToolCalls)
	}
	tc := result.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "read_note" || tc.Input["path"] != "go.md" {
		t.Errorf("tool call = %+v", tc)
	}
	if result.StopReason != "tool_use" {
		t.Errorf("stop reason = %q, want tool_use", result.StopReason)
	}
	if result.Usage.InputTokens != 9 || result.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", result.Usage)
	}
}

func TestOpenAIStopReasonNormalization(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"stop", "end_turn"},
		{"tool_calls", "tool_use"},
		{"length", "max_tokens"},
		{"content_filter", "content_filter"},
	}
	for _, tt := range tests {
		if got := normalizeOpenAIStop(tt.in); got != tt.want {
			t.Errorf("normalizeOpenAIStop(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGeminiStreamAssemblesFunctionCalls(t *testing.T) {
	srv := sseServer(t, http.StatusOK, []string{
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Checking the vault."}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"list_notes","args":{"dir":"notes"}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":3}}`,
	})
	defer srv.Close()

	c := NewGeminiClient("key", srv.URL, "gemini-2.5-flash", 0)
	result, err := c.Stream(context.Background(), Request{
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "list my notes"},
			{Role: types.RoleAssistant, Content: "sure"},
			{Role: types.RoleUser, Content: "go ahead"},
		},
	}, nil)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	if result.Text != "Checking the vault." {
		t.Errorf("text = %q", result.Text)
	}
	if len(result.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", result.ToolCalls)
	}
	tc := result.ToolCalls[0]
	if tc.Name != "list_notes" || tc.Input["dir"] != "notes" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.ID == "" {
		t.Error("tool call missing minted ID")
	}
	if result.StopReason != "tool_use" {
		t.Errorf("stop reason = %q", result.StopReason)
	}
	if result.Usage.InputTokens != 7 || result.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", result.Usage)
	}
}

func TestFactoryRejectsUnknownProvider(t *testing.T) {
	ref := types.ModelRef{Provider: "mystery", Model: "x"}
	if _, err := NewClient(ref, testLLMConfig()); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestFactoryBuildsKnownProviders(t *testing.T) {
	for _, provider := range []string{"anthropic", "openai", "gemini"} {
		ref := types.ModelRef{Provider: provider, Model: "m"}
		c, err := NewClient(ref, testLLMConfig())
		if err != nil {
			t.Fatalf("NewClient(%s) failed: %v", provider, err)
		}
		if c.Provider() != provider || c.Model() != "m" {
			t.Errorf("client identity = %s:%s", c.Provider(), c.Model())
		}
	}
}
