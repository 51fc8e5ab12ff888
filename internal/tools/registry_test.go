package tools

import (
	"context"
	"errors"
	"testing"

	"scribe/internal/types"
)

func echoTool(name string, mutating bool) *Tool {
	return &Tool{
		Name:        name,
		Description: "echoes its input",
		Mutating:    mutating,
		Schema: objectSchema(map[string]any{
			"text": map[string]any{"type": "string", "description": "text to echo"},
		}, "text"),
		Handler: func(ctx context.Context, args map[string]any) (*Output, error) {
			text, _ := args["text"].(string)
			return &Output{Content: text}, nil
		},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("echo", false)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if !r.Has("echo") {
		t.Error("Has(echo) = false")
	}
	if r.Get("missing") != nil {
		t.Error("Get(missing) returned a tool")
	}

	err := r.Register(echoTool("echo", false))
	if !errors.Is(err, ErrToolAlreadyRegistered) {
		t.Errorf("duplicate register error = %v", err)
	}
}

func TestRegisterRejectsMalformedTools(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		name string
		tool *Tool
	}{
		{"empty name", &Tool{Description: "d", Schema: objectSchema(nil), Handler: func(context.Context, map[string]any) (*Output, error) { return nil, nil }}},
		{"no handler", &Tool{Name: "x", Description: "d", Schema: objectSchema(nil)}},
		{"no schema", &Tool{Name: "x", Description: "d", Handler: func(context.Context, map[string]any) (*Output, error) { return nil, nil }}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Register(tt.tool); err == nil {
				t.Error("expected registration error")
			}
		})
	}
}

func TestDefinitionsSorted(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(echoTool("zulu", false))
	r.MustRegister(echoTool("alpha", true))

	defs := r.Definitions()
	if len(defs) != 2 || defs[0].Name != "alpha" || defs[1].Name != "zulu" {
		t.Errorf("definitions = %+v", defs)
	}
	if !defs[0].Mutating {
		t.Error("alpha should be mutating")
	}
	if len(defs[0].InputSchema) == 0 {
		t.Error("definition missing input schema")
	}
}

func TestExecutorValidatesArguments(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(echoTool("echo", false))
	e := NewExecutor(r)

	tests := []struct {
		name      string
		call      types.ToolCall
		wantError bool
		want      string
	}{
		{"ok", types.ToolCall{ID: "1", Name: "echo", Input: map[string]any{"text": "hi"}}, false, "hi"},
		{"missing required", types.ToolCall{ID: "2", Name: "echo", Input: map[string]any{}}, true, ""},
		{"wrong type", types.ToolCall{ID: "3", Name: "echo", Input: map[string]any{"text": 42}}, true, ""},
		{"unknown key", types.ToolCall{ID: "4", Name: "echo", Input: map[string]any{"text": "hi", "extra": true}}, true, ""},
		{"unknown tool", types.ToolCall{ID: "5", Name: "nope", Input: map[string]any{}}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := e.Execute(context.Background(), tt.call)
			if result.IsError != tt.wantError {
				t.Fatalf("IsError = %v (content %q), want %v", result.IsError, result.Content, tt.wantError)
			}
			if !tt.wantError && result.Content != tt.want {
				t.Errorf("content = %q, want %q", result.Content, tt.want)
			}
			if result.ToolUseID != tt.call.ID {
				t.Errorf("ToolUseID = %q, want %q", result.ToolUseID, tt.call.ID)
			}
		})
	}
}

func TestExecutorHandlerError(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&Tool{
		Name:        "boom",
		Description: "always fails",
		Schema:      objectSchema(map[string]any{}),
		Handler: func(ctx context.Context, args map[string]any) (*Output, error) {
			return nil, errors.New("kaput")
		},
	})
	e := NewExecutor(r)

	result := e.Execute(context.Background(), types.ToolCall{ID: "1", Name: "boom", Input: map[string]any{}})
	if !result.IsError || result.Content != "kaput" {
		t.Errorf("result = %+v", result)
	}
}

func TestIsMutating(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(echoTool("reader", false))
	r.MustRegister(echoTool("writer", true))
	e := NewExecutor(r)

	if e.IsMutating("reader") {
		t.Error("reader reported mutating")
	}
	if !e.IsMutating("writer") {
		t.Error("writer not reported mutating")
	}
	if e.IsMutating("missing") {
		t.Error("unknown tool reported mutating")
	}
}
