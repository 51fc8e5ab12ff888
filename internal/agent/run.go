package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"scribe/internal/budget"
	"scribe/internal/config"
	"scribe/internal/events"
	"scribe/internal/logging"
	"scribe/internal/provider"
	"scribe/internal/retrieval"
	"scribe/internal/types"
)

// runLoop carries the mutable state of one run.
type runLoop struct {
	agent   *Agent
	run     *types.Run
	budget  *budget.Budget
	gateway completionStreamer
	started time.Time

	messages []types.Message
	system   string

	partial           strings.Builder // streamed text of the current attempt
	finalText         string
	usage             types.UsageMetadata
	verifyFailures    int
	maxVerifyFailures int
}

// Run executes one user turn to a terminal state. It blocks until the run
// ends; cancellation arrives through ctx or a superseding run on the same
// conversation.
func (a *Agent) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("empty prompt")
	}
	if a.retriever != nil && !a.retriever.IsReady() {
		return nil, ErrIndexNotReady
	}
	if req.ConversationID == "" {
		req.ConversationID = newRunID()
	}

	runID := newRunID()
	runCtx, release := a.runs.begin(ctx, req.ConversationID, runID)
	defer release()

	run := &types.Run{
		ID:             runID,
		ConversationID: req.ConversationID,
		State:          types.StateAccepted,
		Prompt:         req.Prompt,
	}
	if err := a.store.CreateRun(run); err != nil {
		return nil, err
	}
	a.record(runID, types.ChannelRunState, events.RunStatePayload{State: string(types.StateAccepted)})

	loop := &runLoop{agent: a, run: run, started: time.Now(), maxVerifyFailures: a.cfg.Budget.MaxVerifyFailures}
	if loop.maxVerifyFailures <= 0 {
		loop.maxVerifyFailures = defaultMaxVerifyFailures
	}
	result := loop.execute(runCtx, req)
	return result, nil
}

// record writes a ledger event, logging rather than failing on error: a
// broken ledger must not wedge a run mid-write.
func (a *Agent) record(runID string, channel types.EventChannel, payload any) {
	if err := a.recorder.Record(runID, channel, payload); err != nil {
		logging.Events("Failed to record %s on run %s: %v", channel, runID, err)
	}
}

// execute drives the state machine to a terminal state. It always returns a
// RunResult; provider and budget failures become terminal states, not Go
// errors.
func (l *runLoop) execute(ctx context.Context, req RunRequest) *RunResult {
	a := l.agent

	primary, fallback, err := a.resolveModels(req)
	if err != nil {
		return l.finish(types.StateFailed, err.Error())
	}

	l.budget = budget.New(budget.Limits{
		MaxIterations:      a.cfg.Budget.MaxIterations,
		MaxToolCalls:       a.cfg.Budget.MaxToolCalls,
		MaxWallTime:        time.Duration(a.cfg.Budget.MaxWallSeconds) * time.Second,
		MaxPerResponseTime: time.Duration(a.cfg.Budget.MaxResponseSeconds) * time.Second,
		MaxTokens:          a.cfg.Budget.MaxTokens,
	})

	notify := provider.Notifier{
		OnRetry: func(model string, attempt int, wait time.Duration, cause error) {
			a.record(l.run.ID, types.ChannelProviderRetry, events.ProviderRetryPayload{
				Model: model, Attempt: attempt, WaitMs: wait.Milliseconds(), Cause: cause.Error(),
			})
		},
		OnFallback: func(from, to, reason string) {
			a.record(l.run.ID, types.ChannelProviderFallback, events.ProviderFallbackPayload{
				From: from, To: to, Reason: reason,
			})
		},
		OnReset: func() {
			l.partial.Reset()
		},
	}
	l.gateway, err = a.newGateway(primary, fallback, a.cfg.LLM, notify, l.budget)
	if err != nil {
		return l.finish(types.StateFailed, err.Error())
	}

	// ===== PLANNING =====
	l.transition(types.StatePlanning, "")
	l.step("planning: gathering context")

	chain, _ := config.LoadFolderChain(a.vaultRoot, req.Folder)
	contextChunks := l.gatherContext(ctx, req.Prompt)
	noteCount, err := a.store.IndexedNoteCount()
	if err != nil {
		logging.Run("Failed to count indexed notes on run %s: %v", l.run.ID, err)
	}
	l.system = composeSystemPrompt(chain, a.registry.Definitions(), promptScene{
		Date:      l.started,
		VaultRoot: a.vaultRoot,
		NoteCount: noteCount,
		Model:     l.gateway.ActiveModel(),
	}, contextChunks)

	history, err := a.store.ConversationMessages(req.ConversationID)
	if err != nil {
		return l.finish(types.StateFailed, err.Error())
	}
	l.messages = append(history, types.Message{Role: types.RoleUser, Content: req.Prompt})
	if err := a.store.AppendMessage(req.ConversationID, l.run.ID, types.Message{Role: types.RoleUser, Content: req.Prompt}); err != nil {
		return l.finish(types.StateFailed, err.Error())
	}

	// ===== ITERATION LOOP =====
	for {
		// Checkpoint: cancellation and budget are only consulted here and
		// between tool calls, never while a write is in flight.
		if ctx.Err() != nil {
			return l.finish(types.StateCancelled, "")
		}
		if err := l.budget.Check(time.Since(l.started)); err != nil {
			return l.budgetStop(err)
		}

		completion, err := l.think(ctx)
		if err != nil {
			return l.completionStop(ctx, err)
		}

		if len(completion.ToolCalls) == 0 {
			// ===== RESPONDING =====
			l.transition(types.StateResponding, "")
			l.finalText = completion.Text
			if err := a.store.AppendMessage(req.ConversationID, l.run.ID, types.Message{
				Role: types.RoleAssistant, Content: completion.Text,
			}); err != nil {
				return l.finish(types.StateFailed, err.Error())
			}
			return l.finish(types.StateCompleted, "")
		}

		if stop := l.runTools(ctx, req, completion); stop != nil {
			return stop
		}

		if compacted, didCompact := compactMessages(l.messages); didCompact {
			a.record(l.run.ID, types.ChannelContextCompaction, events.ContextCompactionPayload{
				TokensBefore: estimateTokens(l.messages), TokensAfter: estimateTokens(compacted),
			})
			l.messages = compacted
		}
	}
}

// think runs one model call in the Thinking state.
func (l *runLoop) think(ctx context.Context) (*types.CompletionResult, error) {
	l.transition(types.StateThinking, "")
	l.partial.Reset()

	completion, err := l.gateway.StreamCompletion(ctx, provider.Request{
		System:   l.system,
		Messages: l.messages,
		Tools:    l.agent.registry.Definitions(),
	}, func(d types.TokenDelta) {
		l.partial.WriteString(d.Text)
	})
	if err != nil {
		return nil, err
	}

	l.budget.RecordIteration()
	l.budget.RecordTokens(completion.Usage.InputTokens + completion.Usage.OutputTokens)
	l.usage.Add(completion.Usage)
	l.persistCounters()

	if completion.ThinkingSummary != "" {
		l.agent.record(l.run.ID, types.ChannelThinkingSummary, events.ThinkingSummaryPayload{
			Summary: completion.ThinkingSummary,
		})
	}
	return completion, nil
}

// runTools executes a completion's tool calls in order. It returns a
// non-nil result when the run must stop.
func (l *runLoop) runTools(ctx context.Context, req RunRequest, completion *types.CompletionResult) *RunResult {
	a := l.agent
	l.transition(types.StateToolCalling, "")

	if completion.Text != "" {
		l.messages = append(l.messages, types.Message{Role: types.RoleAssistant, Content: completion.Text})
	}

	for _, call := range completion.ToolCalls {
		// Checkpoint between calls; a cancelled run stops before the next
		// tool starts, never between a write and its verification.
		if ctx.Err() != nil {
			return l.finish(types.StateCancelled, "")
		}
		if err := l.budget.Check(time.Since(l.started)); err != nil {
			return l.budgetStop(err)
		}

		mutating := a.executor.IsMutating(call.Name)
		a.record(l.run.ID, types.ChannelToolStart, events.ToolStartPayload{
			ToolUseID: call.ID, Tool: call.Name, Mutating: mutating, Iteration: l.budget.Iterations(),
		})

		result := a.executor.Execute(ctx, call)
		l.budget.RecordToolCall()
		l.persistCounters()

		a.record(l.run.ID, types.ChannelToolResult, events.ToolResultPayload{
			ToolUseID: call.ID, Tool: call.Name, IsError: result.IsError,
			Verified: result.Verified, CommitID: result.CommitID,
			BytesWritten: result.BytesWritten, DurationMs: result.DurationMs,
		})

		if mutating {
			if stop := l.verify(call, result); stop != nil {
				return stop
			}
		}

		content := result.Content
		if result.IsError {
			content = "ERROR: " + content
		}
		l.messages = append(l.messages, types.Message{
			Role:    types.RoleUser,
			Content: fmt.Sprintf("Tool result (%s): %s", call.Name, content),
		})
	}
	return nil
}

// verify records the readback outcome of a mutating call. Write
// verification already happened inside the vault; a missing commit on an
// errored mutation counts against the run's verify-failure ceiling.
func (l *runLoop) verify(call types.ToolCall, result *types.ToolResult) *RunResult {
	a := l.agent
	l.transition(types.StateVerifying, "")

	path, _ := call.Input["path"].(string)
	passed := result.Verified && !result.IsError
	detail := ""
	if !passed {
		detail = result.Content
	}
	a.record(l.run.ID, types.ChannelVerification, events.VerificationPayload{
		Path: path, Passed: passed, CommitID: result.CommitID, Detail: detail,
	})

	if passed {
		return nil
	}
	l.verifyFailures++
	logging.Run("Verification failure %d/%d on run %s (%s)", l.verifyFailures, l.maxVerifyFailures, l.run.ID, path)
	if l.verifyFailures >= l.maxVerifyFailures {
		return l.finish(types.StateFailed,
			fmt.Sprintf("write verification failed %d times", l.verifyFailures))
	}
	return nil
}

// gatherContext queries the retrieval engine; an unready index degrades to
// no context rather than failing the run.
func (l *runLoop) gatherContext(ctx context.Context, prompt string) []types.ScoredChunk {
	if l.agent.retriever == nil {
		return nil
	}
	chunks, err := l.agent.retriever.Query(ctx, prompt, 0)
	if err != nil {
		if !errors.Is(err, retrieval.ErrNotReady) {
			logging.Run("Context retrieval failed on run %s: %v", l.run.ID, err)
		}
		return nil
	}
	return chunks
}

// budgetStop ends the run in Timeout. Every ceiling, count or clock, means
// the run ran out of road; partial content is flushed on the way out.
func (l *runLoop) budgetStop(err error) *RunResult {
	return l.finish(types.StateTimeout, err.Error())
}

// completionStop maps a failed model call to its terminal state.
func (l *runLoop) completionStop(ctx context.Context, err error) *RunResult {
	switch {
	case errors.Is(err, provider.ErrResponseTimeout):
		return l.budgetStop(l.budget.PerResponseExceeded())
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		return l.finish(types.StateCancelled, "")
	default:
		return l.finish(types.StateFailed, err.Error())
	}
}

// transition moves the run to a new state, persisting and recording it.
func (l *runLoop) transition(state types.RunState, detail string) {
	from := l.run.State
	if from == state {
		return
	}
	l.run.State = state
	if err := l.agent.store.UpdateRunState(l.run.ID, state, detail); err != nil {
		logging.Run("Failed to persist state %s on run %s: %v", state, l.run.ID, err)
	}
	l.agent.record(l.run.ID, types.ChannelRunState, events.RunStatePayload{
		From: string(from), State: string(state), Error: detail,
	})
	logging.Run("Run %s: %s -> %s", l.run.ID, from, state)
}

// finish moves the run to a terminal state, flushing any partial streamed
// content so no terminal path silently discards model output.
func (l *runLoop) finish(state types.RunState, detail string) *RunResult {
	if l.finalText == "" && l.partial.Len() > 0 {
		l.finalText = l.partial.String()
		if state != types.StateCompleted {
			if err := l.agent.store.AppendMessage(l.run.ConversationID, l.run.ID, types.Message{
				Role:    types.RoleAssistant,
				Content: l.finalText,
			}); err != nil {
				logging.Run("Failed to flush partial content on run %s: %v", l.run.ID, err)
			}
		}
	}

	l.persistCounters()
	// The terminal run_state event is the last event on the ledger.
	l.transition(state, detail)

	return &RunResult{
		RunID: l.run.ID,
		State: state,
		Text:  l.finalText,
		Usage: l.usage,
		Model: l.activeModel(),
	}
}

func (l *runLoop) activeModel() string {
	if l.gateway == nil {
		return ""
	}
	return l.gateway.ActiveModel()
}

func (l *runLoop) persistCounters() {
	if l.budget == nil {
		return
	}
	if err := l.agent.store.UpdateRunCounters(l.run.ID,
		l.budget.Iterations(), l.budget.ToolCalls(),
		l.usage.InputTokens, l.usage.OutputTokens, l.activeModel()); err != nil {
		logging.Run("Failed to persist counters on run %s: %v", l.run.ID, err)
	}
}

// step records a timeline progress line.
func (l *runLoop) step(text string) {
	l.agent.record(l.run.ID, types.ChannelTimelineStep, events.TimelineStepPayload{Step: text})
}
