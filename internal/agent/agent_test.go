package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"go.uber.org/goleak"

	"scribe/internal/budget"
	"scribe/internal/config"
	"scribe/internal/events"
	"scribe/internal/provider"
	"scribe/internal/retrieval"
	"scribe/internal/store"
	"scribe/internal/tools"
	"scribe/internal/types"
	"scribe/internal/vault"
)

func TestMain(m *testing.M) {
	// go.opencensus.io starts a worker goroutine in package init; it is a
	// transitive dependency, not something the code under test spawns.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// scriptedGateway returns canned completions in order, optionally streaming
// deltas first.
type scriptedGateway struct {
	mu      sync.Mutex
	calls   int
	script  []func(onDelta provider.DeltaFunc) (*types.CompletionResult, error)
	blockOn chan struct{} // when set, each call waits here or for ctx
}

func (g *scriptedGateway) ActiveModel() string { return "anthropic:test-model" }

func (g *scriptedGateway) StreamCompletion(ctx context.Context, req provider.Request, onDelta provider.DeltaFunc) (*types.CompletionResult, error) {
	if g.blockOn != nil {
		select {
		case <-g.blockOn:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	g.mu.Lock()
	idx := g.calls
	g.calls++
	g.mu.Unlock()
	if idx >= len(g.script) {
		idx = len(g.script) - 1
	}
	return g.script[idx](onDelta)
}

func textTurn(text string) func(provider.DeltaFunc) (*types.CompletionResult, error) {
	return func(onDelta provider.DeltaFunc) (*types.CompletionResult, error) {
		if onDelta != nil {
			onDelta(types.TokenDelta{Text: text})
		}
		return &types.CompletionResult{
			Text: text, StopReason: "end_turn",
			Usage: types.UsageMetadata{InputTokens: 10, OutputTokens: 5},
		}, nil
	}
}

func toolTurn(name string, input map[string]any) func(provider.DeltaFunc) (*types.CompletionResult, error) {
	return func(provider.DeltaFunc) (*types.CompletionResult, error) {
		return &types.CompletionResult{
			StopReason: "tool_use",
			ToolCalls:  []types.ToolCall{{ID: "call-1", Name: name, Input: input}},
			Usage:      types.UsageMetadata{InputTokens: 10, OutputTokens: 5},
		}, nil
	}
}

type fixture struct {
	agent *Agent
	store *store.Store
	vault *vault.Vault
}

func newFixture(t *testing.T, gw completionStreamer, mutate func(cfg *config.Config)) *fixture {
	t.Helper()

	root := t.TempDir()
	s, err := store.Open(filepath.Join(t.TempDir(), "scribe.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	v, err := vault.New(root, s)
	if err != nil {
		t.Fatalf("vault.New failed: %v", err)
	}

	cfg := config.Default()
	cfg.LLM.APIKeys = map[string]string{"anthropic": "test"}
	if mutate != nil {
		mutate(cfg)
	}

	engine, err := retrieval.NewEngine(s, nil, cfg.Retrieval)
	if err != nil {
		t.Fatalf("retrieval.NewEngine failed: %v", err)
	}
	// Runs are rejected on an unindexed vault; give the index one chunk.
	if err := s.UpsertChunk(&types.Chunk{
		ID: "seed", Path: "seed.md", Text: "seed note",
		Tokens: retrieval.Tokenize("seed note"), ContentHash: "seed",
	}); err != nil {
		t.Fatalf("UpsertChunk failed: %v", err)
	}
	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry, tools.Deps{
		Vault:     v,
		Retriever: engine,
		Indexer:   retrieval.NewIndexer(s, nil, root),
	})

	a := New(cfg, root, s, registry, engine, events.NewRecorder(s, nil))
	a.newGateway = func(primary, fallback types.ModelRef, cfg config.LLMConfig, notify provider.Notifier, b *budget.Budget) (completionStreamer, error) {
		return gw, nil
	}
	return &fixture{agent: a, store: s, vault: v}
}

func runStates(t *testing.T, s *store.Store, runID string) []string {
	t.Helper()
	evs, err := s.EventsSince(runID, 0)
	if err != nil {
		t.Fatalf("EventsSince failed: %v", err)
	}
	var states []string
	for _, ev := range evs {
		if ev.Channel != types.ChannelRunState {
			continue
		}
		var p events.RunStatePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			t.Fatalf("payload unmarshal failed: %v", err)
		}
		states = append(states, p.State)
	}
	return states
}

func channelEvents(t *testing.T, s *store.Store, runID string, ch types.EventChannel) []types.Event {
	t.Helper()
	evs, err := s.EventsSince(runID, 0)
	if err != nil {
		t.Fatalf("EventsSince failed: %v", err)
	}
	var out []types.Event
	for _, ev := range evs {
		if ev.Channel == ch {
			out = append(out, ev)
		}
	}
	return out
}

func TestRunCompletesSimpleTurn(t *testing.T) {
	gw := &scriptedGateway{script: []func(provider.DeltaFunc) (*types.CompletionResult, error){
		textTurn("Goroutines are lightweight threads."),
	}}
	f := newFixture(t, gw, nil)

	result, err := f.agent.Run(context.Background(), RunRequest{
		ConversationID: "conv-1",
		Prompt:         "what are goroutines?",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.State != types.StateCompleted {
		t.Fatalf("state = %s, want completed", result.State)
	}
	if result.Text != "Goroutines are lightweight threads." {
		t.Errorf("text = %q", result.Text)
	}
	if result.Usage.InputTokens != 10 || result.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", result.Usage)
	}

	states := runStates(t, f.store, result.RunID)
	want := []string{"accepted", "planning", "thinking", "responding", "completed"}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state %d = %s, want %s", i, states[i], want[i])
		}
	}

	msgs, err := f.store.ConversationMessages("conv-1")
	if err != nil {
		t.Fatalf("ConversationMessages failed: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != types.RoleUser || msgs[1].Role != types.RoleAssistant {
		t.Errorf("messages = %+v", msgs)
	}

	run, err := f.store.GetRun(result.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Iterations != 1 || run.Model != "anthropic:test-model" {
		t.Errorf("run record = %+v", run)
	}
}

func TestRunExecutesMutatingToolWithVerification(t *testing.T) {
	gw := &scriptedGateway{script: []func(provider.DeltaFunc) (*types.CompletionResult, error){
		toolTurn("create_note", map[string]any{"path": "notes/go.md", "content": "# Go\n"}),
		textTurn("Created the note."),
	}}
	f := newFixture(t, gw, nil)

	result, err := f.agent.Run(context.Background(), RunRequest{ConversationID: "conv-1", Prompt: "make a go note"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.State != types.StateCompleted {
		t.Fatalf("state = %s (%s)", result.State, result.Text)
	}

	// The write went through the verified protocol and left a commit.
	commit, err := f.store.LatestCommit("notes/go.md")
	if err != nil || commit == nil {
		t.Fatalf("LatestCommit = (%v, %v)", commit, err)
	}
	content, err := f.vault.Read("notes/go.md")
	if err != nil || string(content) != "# Go\n" {
		t.Fatalf("vault content = (%q, %v)", content, err)
	}

	starts := channelEvents(t, f.store, result.RunID, types.ChannelToolStart)
	results := channelEvents(t, f.store, result.RunID, types.ChannelToolResult)
	verifications := channelEvents(t, f.store, result.RunID, types.ChannelVerification)
	if len(starts) != 1 || len(results) != 1 || len(verifications) != 1 {
		t.Fatalf("events = %d starts, %d results, %d verifications", len(starts), len(results), len(verifications))
	}

	var vp events.VerificationPayload
	if err := json.Unmarshal(verifications[0].Payload, &vp); err != nil {
		t.Fatalf("verification payload: %v", err)
	}
	if !vp.Passed || vp.CommitID != commit.ID {
		t.Errorf("verification = %+v", vp)
	}

	states := runStates(t, f.store, result.RunID)
	joined := strings.Join(states, ",")
	if !strings.Contains(joined, "tool_calling,verifying") {
		t.Errorf("states = %v", states)
	}

	run, _ := f.store.GetRun(result.RunID)
	if run.Iterations != 2 || run.ToolCalls != 1 {
		t.Errorf("counters = %d iterations, %d tool calls", run.Iterations, run.ToolCalls)
	}
}

func TestRunStopsAtIterationBudget(t *testing.T) {
	// The model asks for a read tool forever.
	gw := &scriptedGateway{script: []func(provider.DeltaFunc) (*types.CompletionResult, error){
		toolTurn("list_notes", map[string]any{}),
	}}
	f := newFixture(t, gw, func(cfg *config.Config) {
		cfg.Budget.MaxIterations = 2
	})

	result, err := f.agent.Run(context.Background(), RunRequest{ConversationID: "conv-1", Prompt: "loop forever"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.State != types.StateTimeout {
		t.Fatalf("state = %s, want timeout", result.State)
	}
	if gw.calls != 2 {
		t.Errorf("model calls = %d, want 2", gw.calls)
	}

	run, _ := f.store.GetRun(result.RunID)
	if !strings.Contains(run.Error, "iterations") {
		t.Errorf("run error = %q", run.Error)
	}

	// The terminal run_state event closes the ledger.
	evs, err := f.store.EventsSince(result.RunID, 0)
	if err != nil {
		t.Fatalf("EventsSince failed: %v", err)
	}
	last := evs[len(evs)-1]
	if last.Channel != types.ChannelRunState {
		t.Errorf("final event channel = %s, want run_state", last.Channel)
	}
	var p events.RunStatePayload
	if err := json.Unmarshal(last.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.State != string(types.StateTimeout) {
		t.Errorf("final state event = %s, want timeout", p.State)
	}
}

func TestRunRejectedOnUnindexedVault(t *testing.T) {
	gw := &scriptedGateway{script: []func(provider.DeltaFunc) (*types.CompletionResult, error){textTurn("x")}}
	f := newFixture(t, gw, nil)

	if _, err := f.store.DeleteChunksForPath("seed.md"); err != nil {
		t.Fatalf("DeleteChunksForPath failed: %v", err)
	}
	_, err := f.agent.Run(context.Background(), RunRequest{ConversationID: "conv-1", Prompt: "hi"})
	if !errors.Is(err, ErrIndexNotReady) {
		t.Fatalf("err = %v, want ErrIndexNotReady", err)
	}
	if gw.calls != 0 {
		t.Errorf("model called on rejected run")
	}
}

func TestRunPerResponseTimeoutEndsInTimeout(t *testing.T) {
	gw := &scriptedGateway{script: []func(provider.DeltaFunc) (*types.CompletionResult, error){
		func(provider.DeltaFunc) (*types.CompletionResult, error) {
			return nil, provider.ErrResponseTimeout
		},
	}}
	f := newFixture(t, gw, nil)

	result, err := f.agent.Run(context.Background(), RunRequest{ConversationID: "conv-1", Prompt: "slow"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.State != types.StateTimeout {
		t.Errorf("state = %s, want timeout", result.State)
	}
}

func TestRunCancellationFlushesPartialContent(t *testing.T) {
	release := make(chan struct{})
	gw := &scriptedGateway{
		script: []func(provider.DeltaFunc) (*types.CompletionResult, error){
			func(onDelta provider.DeltaFunc) (*types.CompletionResult, error) {
				if onDelta != nil {
					onDelta(types.TokenDelta{Text: "partial answer about "})
				}
				<-release
				return nil, context.Canceled
			},
		},
	}
	f := newFixture(t, gw, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
		close(release)
	}()

	result, err := f.agent.Run(ctx, RunRequest{ConversationID: "conv-1", Prompt: "tell me everything"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.State != types.StateCancelled {
		t.Fatalf("state = %s, want cancelled", result.State)
	}
	if result.Text != "partial answer about " {
		t.Errorf("partial text = %q", result.Text)
	}

	msgs, _ := f.store.ConversationMessages("conv-1")
	var found bool
	for _, m := range msgs {
		if m.Role == types.RoleAssistant && m.Content == "partial answer about " {
			found = true
		}
	}
	if !found {
		t.Error("partial content not flushed to the conversation")
	}
}

func TestRunVerifyFailureCeiling(t *testing.T) {
	// update_note on a missing path fails before any commit, twice.
	gw := &scriptedGateway{script: []func(provider.DeltaFunc) (*types.CompletionResult, error){
		toolTurn("update_note", map[string]any{"path": "ghost.md", "content": "x\n"}),
	}}
	f := newFixture(t, gw, func(cfg *config.Config) {
		cfg.Budget.MaxVerifyFailures = 2
	})

	result, err := f.agent.Run(context.Background(), RunRequest{ConversationID: "conv-1", Prompt: "edit the ghost"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.State != types.StateFailed {
		t.Fatalf("state = %s, want failed", result.State)
	}

	verifications := channelEvents(t, f.store, result.RunID, types.ChannelVerification)
	if len(verifications) != 2 {
		t.Errorf("verification events = %d, want the configured ceiling of 2", len(verifications))
	}
	run, _ := f.store.GetRun(result.RunID)
	if !strings.Contains(run.Error, "verification failed") {
		t.Errorf("run error = %q", run.Error)
	}
}

func TestNewRunSupersedesActiveRun(t *testing.T) {
	release := make(chan struct{})
	gw := &scriptedGateway{
		blockOn: release,
		script: []func(provider.DeltaFunc) (*types.CompletionResult, error){
			textTurn("done"),
		},
	}
	f := newFixture(t, gw, nil)

	type outcome struct {
		result *RunResult
		err    error
	}
	first := make(chan outcome, 1)
	go func() {
		r, err := f.agent.Run(context.Background(), RunRequest{ConversationID: "conv-1", Prompt: "first"})
		first <- outcome{r, err}
	}()

	// Wait until the first run is blocked inside the model call.
	time.Sleep(50 * time.Millisecond)

	second := make(chan outcome, 1)
	go func() {
		r, err := f.agent.Run(context.Background(), RunRequest{ConversationID: "conv-1", Prompt: "second"})
		second <- outcome{r, err}
	}()

	// The superseding run cancels the first; unblock the gateway for the
	// second run's call.
	firstOut := <-first
	close(release)
	secondOut := <-second

	if firstOut.err != nil {
		t.Fatalf("first run error: %v", firstOut.err)
	}
	if firstOut.result.State != types.StateCancelled {
		t.Errorf("first run state = %s, want cancelled", firstOut.result.State)
	}
	if secondOut.err != nil {
		t.Fatalf("second run error: %v", secondOut.err)
	}
	if secondOut.result.State != types.StateCompleted {
		t.Errorf("second run state = %s, want completed", secondOut.result.State)
	}
}

func TestCancelWithoutActiveRun(t *testing.T) {
	f := newFixture(t, &scriptedGateway{script: []func(provider.DeltaFunc) (*types.CompletionResult, error){textTurn("x")}}, nil)
	if f.agent.Cancel("nobody-home") {
		t.Error("Cancel reported an active run on an idle conversation")
	}
}

func TestRunRejectsEmptyPrompt(t *testing.T) {
	f := newFixture(t, &scriptedGateway{script: []func(provider.DeltaFunc) (*types.CompletionResult, error){textTurn("x")}}, nil)
	if _, err := f.agent.Run(context.Background(), RunRequest{ConversationID: "c", Prompt: "   "}); err == nil {
		t.Fatal("expected error for empty prompt")
	}
}

func TestRunFailsFastOnMalformedModel(t *testing.T) {
	gw := &scriptedGateway{script: []func(provider.DeltaFunc) (*types.CompletionResult, error){textTurn("x")}}
	f := newFixture(t, gw, func(cfg *config.Config) {
		cfg.LLM.Model = "no-colon-here"
	})

	result, err := f.agent.Run(context.Background(), RunRequest{ConversationID: "conv-1", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.State != types.StateFailed {
		t.Fatalf("state = %s, want failed", result.State)
	}
	if gw.calls != 0 {
		t.Errorf("model called %d times despite invalid model ref", gw.calls)
	}
}

func TestComposeSystemPromptPrecedence(t *testing.T) {
	chain := []config.FolderConfig{
		{Folder: "", Instructions: "Prefer bullet lists.", Mandatory: false},
		{Folder: "work", Instructions: "Never mention client names.", Mandatory: true},
	}
	chunks := []types.ScoredChunk{
		{Chunk: types.Chunk{Path: "go.md", Text: "Goroutines are cheap."}},
	}
	catalog := []types.ToolDefinition{
		{Name: "read_note", Description: "Read one note"},
		{Name: "update_note", Description: "Replace a note", Mutating: true},
	}
	scene := promptScene{
		Date:      time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC),
		VaultRoot: "/vaults/demo",
		NoteCount: 7,
		Model:     "anthropic:test-model",
	}

	prompt := composeSystemPrompt(chain, catalog, scene, chunks)

	rootIdx := strings.Index(prompt, "Prefer bullet lists.")
	leafIdx := strings.Index(prompt, "Never mention client names.")
	toolIdx := strings.Index(prompt, "update_note (mutating)")
	sceneIdx := strings.Index(prompt, "7 notes indexed")
	ctxIdx := strings.Index(prompt, "Goroutines are cheap.")
	if rootIdx < 0 || leafIdx < 0 || toolIdx < 0 || sceneIdx < 0 || ctxIdx < 0 {
		t.Fatalf("prompt missing sections:\n%s", prompt)
	}
	if !(rootIdx < leafIdx && leafIdx < toolIdx && toolIdx < sceneIdx && sceneIdx < ctxIdx) {
		t.Errorf("section order wrong: %d, %d, %d, %d, %d", rootIdx, leafIdx, toolIdx, sceneIdx, ctxIdx)
	}
	if !strings.Contains(prompt, "Rules from work:") {
		t.Error("mandatory instructions not labelled as rules")
	}
	if !strings.Contains(prompt, "/vaults/demo") || !strings.Contains(prompt, "anthropic:test-model") {
		t.Error("runtime context incomplete")
	}
}

func TestCompactMessages(t *testing.T) {
	// Interleave short prose with bulky tool results until the transcript
	// crosses the token threshold. The tool bodies are multi-byte text so
	// a byte-offset cut would split a rune.
	bulky := "Tool result (read_note): " + strings.Repeat("é", 2000)
	var msgs []types.Message
	for i := 0; i < 20; i++ {
		msgs = append(msgs,
			types.Message{Role: types.RoleUser, Content: fmt.Sprintf("question %d", i)},
			types.Message{Role: types.RoleUser, Content: bulky},
		)
	}

	compacted, did := compactMessages(msgs)
	if !did {
		t.Fatal("compaction did not trigger")
	}
	if len(compacted) != len(msgs) {
		t.Fatalf("compaction changed message count: %d -> %d", len(msgs), len(compacted))
	}

	// Prose is untouched; old tool bodies are digested, rune-safe.
	if compacted[0].Content != "question 0" {
		t.Errorf("prose rewritten: %q", compacted[0].Content)
	}
	if len(compacted[1].Content) >= len(bulky) {
		t.Error("old tool result not digested")
	}
	if !utf8.ValidString(compacted[1].Content) {
		t.Error("digest split a rune")
	}
	if !strings.HasPrefix(compacted[1].Content, "Tool result (read_note):") {
		t.Errorf("digest lost its prefix: %q", compacted[1].Content)
	}

	// The most recent messages survive verbatim.
	for i := len(msgs) - compactKeep; i < len(msgs); i++ {
		if compacted[i].Content != msgs[i].Content {
			t.Errorf("recent message %d rewritten", i)
		}
	}

	if before, after := estimateTokens(msgs), estimateTokens(compacted); after >= before {
		t.Errorf("token estimate did not drop: %d -> %d", before, after)
	}

	short := []types.Message{{Role: types.RoleUser, Content: "hi"}}
	if _, did := compactMessages(short); did {
		t.Error("compaction triggered under threshold")
	}
}

func TestRegenerateReplacesLastAnswer(t *testing.T) {
	gw := &scriptedGateway{script: []func(provider.DeltaFunc) (*types.CompletionResult, error){
		textTurn("first answer"),
		textTurn("revised answer"),
	}}
	f := newFixture(t, gw, nil)

	first, err := f.agent.Run(context.Background(), RunRequest{
		ConversationID: "conv-1",
		Prompt:         "what are channels?",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if first.Text != "first answer" {
		t.Fatalf("first text = %q", first.Text)
	}

	second, err := f.agent.Regenerate(context.Background(), RunRequest{ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("Regenerate failed: %v", err)
	}
	if second.State != types.StateCompleted {
		t.Fatalf("state = %s, want completed", second.State)
	}
	if second.Text != "revised answer" {
		t.Errorf("text = %q, want the regenerated answer", second.Text)
	}
	if second.RunID == first.RunID {
		t.Error("regeneration must create a new run")
	}

	// History holds exactly one exchange: the original prompt re-asked,
	// and the replacement answer.
	msgs, err := f.store.ConversationMessages("conv-1")
	if err != nil {
		t.Fatalf("ConversationMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %+v, want one exchange", msgs)
	}
	if msgs[0].Content != "what are channels?" || msgs[1].Content != "revised answer" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestRegenerateRequiresConversation(t *testing.T) {
	f := newFixture(t, &scriptedGateway{script: []func(provider.DeltaFunc) (*types.CompletionResult, error){textTurn("x")}}, nil)
	if _, err := f.agent.Regenerate(context.Background(), RunRequest{}); err == nil {
		t.Error("expected an error without a conversation id")
	}
}

func TestCancelDuringReadbackStillCommits(t *testing.T) {
	gw := &scriptedGateway{script: []func(provider.DeltaFunc) (*types.CompletionResult, error){
		toolTurn("create_note", map[string]any{"path": "notes/slow.md", "content": "# Slow\n"}),
		textTurn("Created the note."),
	}}
	f := newFixture(t, gw, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancellation lands while the written file is being read back. The
	// write must still verify and commit; the run stops at the next
	// checkpoint, never between a write and its verification.
	readbackStarted := make(chan struct{})
	cancelDone := make(chan struct{})
	f.vault.SetReadBack(func(path string) ([]byte, error) {
		close(readbackStarted)
		<-cancelDone
		return os.ReadFile(path)
	})
	go func() {
		<-readbackStarted
		cancel()
		close(cancelDone)
	}()

	result, err := f.agent.Run(ctx, RunRequest{ConversationID: "conv-1", Prompt: "make a note"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.State != types.StateCancelled {
		t.Fatalf("state = %s, want cancelled", result.State)
	}

	commit, err := f.store.LatestCommit("notes/slow.md")
	if err != nil || commit == nil {
		t.Fatalf("LatestCommit = (%v, %v), want a commit despite cancellation", commit, err)
	}

	verifications := channelEvents(t, f.store, result.RunID, types.ChannelVerification)
	if len(verifications) != 1 {
		t.Fatalf("verifications = %d, want 1", len(verifications))
	}
	var vp events.VerificationPayload
	if err := json.Unmarshal(verifications[0].Payload, &vp); err != nil {
		t.Fatalf("verification payload: %v", err)
	}
	if !vp.Passed || vp.CommitID != commit.ID {
		t.Errorf("verification = %+v, want a pass for commit %s", vp, commit.ID)
	}

	// The tool result and verification are ledgered before the terminal
	// cancelled state, which closes the ledger.
	evs, err := f.store.EventsSince(result.RunID, 0)
	if err != nil {
		t.Fatalf("EventsSince failed: %v", err)
	}
	last := evs[len(evs)-1]
	if last.Channel != types.ChannelRunState {
		t.Fatalf("last event channel = %s, want run_state", last.Channel)
	}
	var rp events.RunStatePayload
	if err := json.Unmarshal(last.Payload, &rp); err != nil {
		t.Fatalf("run_state payload: %v", err)
	}
	if rp.State != string(types.StateCancelled) {
		t.Errorf("final state = %s, want cancelled", rp.State)
	}
	if gw.calls != 1 {
		t.Errorf("model calls = %d, want the loop to stop after the write", gw.calls)
	}
}
