package agent

import (
	"context"
	"sync"

	"scribe/internal/logging"
)

// runRegistry enforces one active run per conversation. Starting a run for
// a conversation that already has one cancels the old run and waits for it
// to reach a checkpoint and halt.
type runRegistry struct {
	mu     sync.Mutex
	active map[string]*activeRun
}

type activeRun struct {
	runID  string
	cancel context.CancelFunc
	done   chan struct{}
}

func newRunRegistry() *runRegistry {
	return &runRegistry{active: make(map[string]*activeRun)}
}

// begin registers a new run, cancelling any prior run on the conversation.
// The returned release func must be called when the run finishes.
func (r *runRegistry) begin(ctx context.Context, conversationID, runID string) (context.Context, func()) {
	r.mu.Lock()
	prior := r.active[conversationID]
	r.mu.Unlock()

	if prior != nil {
		logging.Run("Cancelling run %s: superseded on conversation %s", prior.runID, conversationID)
		prior.cancel()
		<-prior.done
	}

	runCtx, cancel := context.WithCancel(ctx)
	entry := &activeRun{runID: runID, cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.active[conversationID] = entry
	r.mu.Unlock()

	release := func() {
		cancel()
		close(entry.done)
		r.mu.Lock()
		if r.active[conversationID] == entry {
			delete(r.active, conversationID)
		}
		r.mu.Unlock()
	}
	return runCtx, release
}

// Cancel stops the active run on a conversation, if any.
func (r *runRegistry) Cancel(conversationID string) bool {
	r.mu.Lock()
	entry := r.active[conversationID]
	r.mu.Unlock()

	if entry == nil {
		return false
	}
	entry.cancel()
	return true
}

// CancelWait stops the active run and blocks until it halts at a
// checkpoint, so the caller may safely rewrite conversation history.
func (r *runRegistry) CancelWait(conversationID string) {
	r.mu.Lock()
	entry := r.active[conversationID]
	r.mu.Unlock()

	if entry == nil {
		return
	}
	entry.cancel()
	<-entry.done
}
