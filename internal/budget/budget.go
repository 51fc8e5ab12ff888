// Package budget enforces per-run cost ceilings for the agent loop.
// Counters are monotonically consumed: incremented exactly once per completed
// unit of work, never decremented, never reset within a run.
package budget

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies which ceiling was exceeded.
type Kind string

const (
	KindIterations      Kind = "iterations"
	KindToolCalls       Kind = "tool_calls"
	KindWallTime        Kind = "wall_time"
	KindPerResponseTime Kind = "per_response_time"
	KindTokens          Kind = "tokens"
)

// ErrExceeded is the sentinel wrapped by every budget violation.
var ErrExceeded = errors.New("budget exceeded")

// ExceededError reports which ceiling tripped and the observed value.
type ExceededError struct {
	Kind  Kind
	Used  int64
	Limit int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %s (%d/%d)", e.Kind, e.Used, e.Limit)
}

func (e *ExceededError) Unwrap() error { return ErrExceeded }

// ExceededKind extracts the Kind from a budget error, or "" if the error is
// not a budget violation.
func ExceededKind(err error) Kind {
	var ee *ExceededError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}

// Limits holds the fixed ceilings for one run.
type Limits struct {
	MaxIterations      int           // Model calls per run
	MaxToolCalls       int           // Executed tools per run
	MaxWallTime        time.Duration // Whole-run wall clock
	MaxPerResponseTime time.Duration // Single model response
	MaxTokens          int           // Optional total-token ceiling (0 = unlimited)
}

// DefaultLimits returns production defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxIterations:      15,
		MaxToolCalls:       30,
		MaxWallTime:        120 * time.Second,
		MaxPerResponseTime: 45 * time.Second,
	}
}

// Budget tracks consumption against Limits for a single run. It is owned
// exclusively by the run's loop goroutine and is not safe for concurrent
// mutation.
type Budget struct {
	limits Limits

	iterations int
	toolCalls  int
	tokens     int64
}

// New creates a budget with the given limits. Non-positive limits are
// replaced with defaults; a zero MaxTokens disables the token ceiling.
func New(limits Limits) *Budget {
	def := DefaultLimits()
	if limits.MaxIterations <= 0 {
		limits.MaxIterations = def.MaxIterations
	}
	if limits.MaxToolCalls <= 0 {
		limits.MaxToolCalls = def.MaxToolCalls
	}
	if limits.MaxWallTime <= 0 {
		limits.MaxWallTime = def.MaxWallTime
	}
	if limits.MaxPerResponseTime <= 0 {
		limits.MaxPerResponseTime = def.MaxPerResponseTime
	}
	return &Budget{limits: limits}
}

// Limits returns the configured ceilings.
func (b *Budget) Limits() Limits { return b.limits }

// Iterations returns the number of completed model calls.
func (b *Budget) Iterations() int { return b.iterations }

// ToolCalls returns the number of executed tools.
func (b *Budget) ToolCalls() int { return b.toolCalls }

// Tokens returns accumulated token usage.
func (b *Budget) Tokens() int64 { return b.tokens }

// RecordIteration counts one completed model call.
func (b *Budget) RecordIteration() { b.iterations++ }

// RecordToolCall counts one executed tool.
func (b *Budget) RecordToolCall() { b.toolCalls++ }

// RecordTokens accumulates token usage from one model call.
func (b *Budget) RecordTokens(n int) { b.tokens += int64(n) }

// Check is a pure function of the budget state and elapsed wall time.
// It returns nil if another unit of work may start, or an *ExceededError
// naming the first ceiling that tripped. Check order is stable: iterations,
// tool calls, wall time, tokens.
func (b *Budget) Check(elapsed time.Duration) error {
	if b.iterations >= b.limits.MaxIterations {
		return &ExceededError{Kind: KindIterations, Used: int64(b.iterations), Limit: int64(b.limits.MaxIterations)}
	}
	if b.toolCalls >= b.limits.MaxToolCalls {
		return &ExceededError{Kind: KindToolCalls, Used: int64(b.toolCalls), Limit: int64(b.limits.MaxToolCalls)}
	}
	if elapsed >= b.limits.MaxWallTime {
		return &ExceededError{Kind: KindWallTime, Used: int64(elapsed / time.Second), Limit: int64(b.limits.MaxWallTime / time.Second)}
	}
	if b.limits.MaxTokens > 0 && b.tokens >= int64(b.limits.MaxTokens) {
		return &ExceededError{Kind: KindTokens, Used: b.tokens, Limit: int64(b.limits.MaxTokens)}
	}
	return nil
}

// PerResponseTimeout returns the ceiling for a single model response.
// It is applied as a context deadline around each provider call; tripping it
// reports KindPerResponseTime independent of the overall wall clock.
func (b *Budget) PerResponseTimeout() time.Duration {
	return b.limits.MaxPerResponseTime
}

// PerResponseExceeded builds the violation for a per-response timeout.
func (b *Budget) PerResponseExceeded() error {
	return &ExceededError{
		Kind:  KindPerResponseTime,
		Used:  int64(b.limits.MaxPerResponseTime / time.Second),
		Limit: int64(b.limits.MaxPerResponseTime / time.Second),
	}
}
