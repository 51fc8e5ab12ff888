package tools

import (
	"context"
	"fmt"
	"time"

	"scribe/internal/logging"
	"scribe/internal/types"
)

// Executor runs tool calls against the registry. Failures surface as error
// results handed back to the model, not as run-fatal errors; the run loop
// decides what to do with them.
type Executor struct {
	registry *Registry
}

// NewExecutor creates an executor over a registry.
func NewExecutor(r *Registry) *Executor {
	return &Executor{registry: r}
}

// Execute validates and runs one tool call.
func (e *Executor) Execute(ctx context.Context, call types.ToolCall) *types.ToolResult {
	started := time.Now()
	result := &types.ToolResult{
		ToolUseID: call.ID,
		ToolName:  call.Name,
	}
	finish := func() *types.ToolResult {
		result.DurationMs = time.Since(started).Milliseconds()
		return result
	}

	tool := e.registry.Get(call.Name)
	if tool == nil {
		result.IsError = true
		result.Content = fmt.Sprintf("%v: %s", ErrToolNotFound, call.Name)
		logging.Tools("Unknown tool requested: %s", call.Name)
		return finish()
	}

	if err := tool.compiled.validate(call.Input); err != nil {
		result.IsError = true
		result.Content = err.Error()
		logging.Tools("Rejected %s call: %v", call.Name, err)
		return finish()
	}

	output, err := tool.Handler(ctx, call.Input)
	if err != nil {
		result.IsError = true
		result.Content = err.Error()
		logging.Tools("Tool %s failed: %v", call.Name, err)
		return finish()
	}

	result.Content = output.Content
	result.BytesWritten = output.BytesWritten
	if output.Commit != nil {
		result.Verified = true
		result.CommitID = output.Commit.ID
	}
	logging.ToolsDebug("Tool %s completed in %dms", call.Name, time.Since(started).Milliseconds())
	return finish()
}

// IsMutating reports whether a named tool mutates the vault. Unknown tools
// are treated as non-mutating; execution will reject them anyway.
func (e *Executor) IsMutating(name string) bool {
	tool := e.registry.Get(name)
	return tool != nil && tool.Mutating
}
