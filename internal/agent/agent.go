// Package agent implements the run loop: a state machine that takes a user
// prompt through planning, model calls, tool execution, and verification to
// a terminal state, under per-run budget ceilings, with every step recorded
// on the event ledger.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"scribe/internal/budget"
	"scribe/internal/config"
	"scribe/internal/events"
	"scribe/internal/provider"
	"scribe/internal/retrieval"
	"scribe/internal/store"
	"scribe/internal/tools"
	"scribe/internal/types"
)

// defaultMaxVerifyFailures is how many readback failures a run tolerates
// before failing outright, when the config does not say otherwise.
const defaultMaxVerifyFailures = 3

// ErrIndexNotReady rejects a run before it starts: the vault has never been
// indexed, so retrieval cannot ground the model.
var ErrIndexNotReady = errors.New("retrieval index is empty; index the vault first")

// completionStreamer is the slice of the provider gateway the run loop
// uses. Swappable for tests.
type completionStreamer interface {
	StreamCompletion(ctx context.Context, req provider.Request, onDelta provider.DeltaFunc) (*types.CompletionResult, error)
	ActiveModel() string
}

// gatewayFactory builds the provider gateway for one run.
type gatewayFactory func(primary, fallback types.ModelRef, cfg config.LLMConfig, notify provider.Notifier, b *budget.Budget) (completionStreamer, error)

// Agent orchestrates runs over one vault.
type Agent struct {
	cfg       *config.Config
	vaultRoot string
	store     *store.Store
	executor  *tools.Executor
	registry  *tools.Registry
	retriever *retrieval.Engine
	recorder  *events.Recorder

	runs       *runRegistry
	newGateway gatewayFactory
}

// New wires an agent from its collaborators.
func New(cfg *config.Config, vaultRoot string, s *store.Store, registry *tools.Registry, retriever *retrieval.Engine, recorder *events.Recorder) *Agent {
	return &Agent{
		cfg:        cfg,
		vaultRoot:  vaultRoot,
		store:      s,
		executor:   tools.NewExecutor(registry),
		registry:   registry,
		retriever:  retriever,
		recorder:   recorder,
		runs:       newRunRegistry(),
		newGateway: defaultGatewayFactory,
	}
}

func defaultGatewayFactory(primary, fallback types.ModelRef, cfg config.LLMConfig, notify provider.Notifier, b *budget.Budget) (completionStreamer, error) {
	return provider.NewGateway(primary, fallback, cfg, b.PerResponseTimeout(), notify)
}

// Cancel stops the active run on a conversation, if any. The run winds down
// at its next checkpoint; writes in flight complete and verify first.
func (a *Agent) Cancel(conversationID string) bool {
	return a.runs.Cancel(conversationID)
}

// Regenerate re-runs a conversation's last user turn: any active run is
// cancelled and drained, history is truncated back past the last user
// message, and the loop re-enters with that prompt. req.Prompt is ignored.
func (a *Agent) Regenerate(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.ConversationID == "" {
		return nil, fmt.Errorf("conversation id required to regenerate")
	}
	a.runs.CancelWait(req.ConversationID)

	prompt, err := a.store.TruncateFromLastUserMessage(req.ConversationID)
	if err != nil {
		return nil, err
	}
	req.Prompt = prompt
	return a.Run(ctx, req)
}

// RunRequest describes one user turn.
type RunRequest struct {
	ConversationID string
	Prompt         string
	Folder         string // vault-relative folder anchoring instruction chain and model override
	ModelOverride  string // conversation-level "provider:model" override
}

// RunResult is the outcome of a finished run.
type RunResult struct {
	RunID string
	State types.RunState
	Text  string
	Usage types.UsageMetadata
	Model string
}

// resolveModels applies model selection precedence and parses both refs
// fail-fast, before the run consumes any budget.
func (a *Agent) resolveModels(req RunRequest) (primary, fallback types.ModelRef, err error) {
	chain, err := config.LoadFolderChain(a.vaultRoot, req.Folder)
	if err != nil {
		return primary, fallback, err
	}
	selected := config.ResolveModel(chain, req.ModelOverride, a.cfg.LLM.Model)
	primary, err = types.ParseModelRef(selected)
	if err != nil {
		return primary, fallback, fmt.Errorf("invalid model %q: %w", selected, err)
	}
	if a.cfg.LLM.FallbackModel != "" {
		fallback, err = types.ParseModelRef(a.cfg.LLM.FallbackModel)
		if err != nil {
			return primary, fallback, fmt.Errorf("invalid fallback model %q: %w", a.cfg.LLM.FallbackModel, err)
		}
	}
	return primary, fallback, nil
}

func newRunID() string {
	return uuid.NewString()
}
