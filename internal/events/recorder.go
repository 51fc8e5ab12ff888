package events

import (
	"encoding/json"
	"fmt"
	"time"

	"scribe/internal/logging"
	"scribe/internal/store"
	"scribe/internal/types"
)

// ===== VERSIONED PAYLOADS =====
//
// Each channel has a payload schema; the event's Version field lets
// consumers evolve with the schema. All current schemas are version 1.

// RunStatePayload records a state transition.
type RunStatePayload struct {
	From  string `json:"from,omitempty"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// ThinkingSummaryPayload carries a redacted reasoning summary, never raw
// chain-of-thought.
type ThinkingSummaryPayload struct {
	Summary string `json:"summary"`
}

// ToolStartPayload announces a tool execution.
type ToolStartPayload struct {
	ToolUseID string `json:"tool_use_id"`
	Tool      string `json:"tool"`
	Mutating  bool   `json:"mutating"`
	Iteration int    `json:"iteration"`
}

// ToolResultPayload reports a completed tool execution.
type ToolResultPayload struct {
	ToolUseID    string `json:"tool_use_id"`
	Tool         string `json:"tool"`
	IsError      bool   `json:"is_error"`
	Verified     bool   `json:"verified"`
	CommitID     string `json:"commit_id,omitempty"`
	BytesWritten int    `json:"bytes_written,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
}

// VerificationPayload reports a readback check.
type VerificationPayload struct {
	Path     string `json:"path"`
	Passed   bool   `json:"passed"`
	CommitID string `json:"commit_id,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// ProviderRetryPayload reports one retry wait.
type ProviderRetryPayload struct {
	Model   string `json:"model"`
	Attempt int    `json:"attempt"`
	WaitMs  int64  `json:"wait_ms"`
	Cause   string `json:"cause"`
}

// ProviderFallbackPayload reports the switch to the fallback model.
type ProviderFallbackPayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// ContextCompactionPayload reports a history compaction in estimated
// tokens.
type ContextCompactionPayload struct {
	TokensBefore int `json:"tokens_before"`
	TokensAfter  int `json:"tokens_after"`
}

// TimelineStepPayload is a human-readable progress line.
type TimelineStepPayload struct {
	Step string `json:"step"`
}

// Recorder writes events to the authoritative ledger and mirrors them to
// the emitter. Ledger failure is the caller's problem; emitter delivery is
// fire-and-forget.
type Recorder struct {
	store   *store.Store
	emitter *Emitter
}

// NewRecorder pairs a store with an optional emitter.
func NewRecorder(s *store.Store, e *Emitter) *Recorder {
	return &Recorder{store: s, emitter: e}
}

// Record appends one event to the run's ledger and publishes it. The
// payload is marshalled to JSON; marshal failures are programming errors
// and fail the record.
func (r *Recorder) Record(runID string, channel types.EventChannel, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", channel, err)
	}

	ev := types.Event{
		RunID:     runID,
		Channel:   channel,
		Version:   1,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := r.store.AppendEvent(&ev); err != nil {
		return err
	}
	logging.EventsDebug("Recorded %s/%d on run %s", channel, ev.Seq, runID)

	if r.emitter != nil {
		r.emitter.Publish(ev)
	}
	return nil
}
