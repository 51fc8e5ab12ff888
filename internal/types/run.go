package types

import "time"

// ===== RUN LIFECYCLE =====

// RunState is one phase of a run's lifecycle. A run moves forward through
// the non-terminal states and ends in exactly one terminal state.
type RunState string

const (
	StateAccepted    RunState = "accepted"
	StatePlanning    RunState = "planning"
	StateThinking    RunState = "thinking"
	StateToolCalling RunState = "tool_calling"
	StateVerifying   RunState = "verifying"
	StateResponding  RunState = "responding"
	StateCompleted   RunState = "completed"
	StateFailed      RunState = "failed"
	StateTimeout     RunState = "timeout"
	StateCancelled   RunState = "cancelled"
)

// Terminal reports whether the state ends the run.
func (s RunState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimeout, StateCancelled:
		return true
	}
	return false
}

// Run is the persistent record of one agent run.
type Run struct {
	ID             string
	ConversationID string
	State          RunState
	Model          string // provider:model actually serving the run
	Prompt         string
	Iterations     int
	ToolCalls      int
	InputTokens    int
	OutputTokens   int
	Error          string // populated on failed/timeout terminal states
	StartedAt      time.Time
	EndedAt        time.Time // zero while the run is live
}

// ===== EVENT LEDGER =====

// EventChannel classifies an event on the run ledger.
type EventChannel string

const (
	ChannelRunState          EventChannel = "run_state"
	ChannelThinkingSummary   EventChannel = "thinking_summary"
	ChannelToolStart         EventChannel = "tool_start"
	ChannelToolResult        EventChannel = "tool_result"
	ChannelVerification      EventChannel = "verification"
	ChannelProviderRetry     EventChannel = "provider_retry"
	ChannelProviderFallback  EventChannel = "provider_fallback"
	ChannelContextCompaction EventChannel = "context_compaction"
	ChannelTimelineStep      EventChannel = "timeline_step"
)

// Event is one entry in a run's append-only ledger. Seq is assigned by the
// store and is gapless per run, starting at 1.
type Event struct {
	RunID     string
	Seq       int64
	Channel   EventChannel
	Version   int
	Payload   []byte // JSON payload, schema versioned per channel
	CreatedAt time.Time
}
