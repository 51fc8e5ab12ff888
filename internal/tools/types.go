// Package tools defines the agent's tool surface: a registry of named
// tools with JSON-schema validated arguments, and an executor that routes
// mutations through the vault's verified-write protocol.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"scribe/internal/types"
)

var (
	ErrToolNotFound          = errors.New("tool not found")
	ErrToolAlreadyRegistered = errors.New("tool already registered")
	ErrInvalidArguments      = errors.New("invalid tool arguments")
)

// Handler executes a tool call and returns its textual result. Mutating
// handlers additionally return the commit recording the write.
type Handler func(ctx context.Context, args map[string]any) (*Output, error)

// Output is what a handler produces before the executor wraps it into a
// ToolResult.
type Output struct {
	Content      string
	Commit       *types.Commit // set by mutating tools on success
	BytesWritten int
}

// Tool is one registered tool.
type Tool struct {
	Name        string
	Description string
	Mutating    bool           // mutating tools go through the verified-write protocol
	Schema      map[string]any // JSON schema for the arguments object
	Handler     Handler

	compiled *compiledSchema // populated at registration
}

// Validate checks the tool is well-formed enough to register.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Description == "" {
		return fmt.Errorf("tool %s: description is required", t.Name)
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", t.Name)
	}
	if t.Schema == nil {
		return fmt.Errorf("tool %s: schema is required", t.Name)
	}
	return nil
}

// Definition returns the provider-facing tool definition.
func (t *Tool) Definition() types.ToolDefinition {
	raw, _ := json.Marshal(t.Schema)
	return types.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: raw,
		Mutating:    t.Mutating,
	}
}

// objectSchema is a helper for building argument schemas: an object with
// the given properties and required list, rejecting unknown keys.
func objectSchema(properties map[string]any, required ...string) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}
