package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"scribe/internal/agent"
	"scribe/internal/config"
	"scribe/internal/embedding"
	"scribe/internal/events"
	"scribe/internal/logging"
	"scribe/internal/provider"
	"scribe/internal/retrieval"
	"scribe/internal/store"
	"scribe/internal/tools"
	"scribe/internal/types"
	"scribe/internal/vault"
)

var (
	// Global flags
	verbose   bool
	vaultPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "scribe",
	Short: "scribe - local-first agent over a markdown knowledge base",
	Long: `scribe runs an AI agent over a vault of markdown notes.

Every run is a bounded state machine: the model plans, calls tools, and every
write to the vault is read back and verified before it commits. All progress
is recorded on an append-only event ledger, and every change is revertible.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		config.Encoding = "console"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// askCmd runs one agent turn
var askCmd = &cobra.Command{
	Use:   "ask [prompt]",
	Short: "Run one agent turn against the vault",
	Long: `Sends a prompt through the full run loop: context retrieval, model
calls, tool execution with write verification, down to a terminal state.

Example:
  scribe ask "summarize my notes on goroutines"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

// regenerateCmd re-runs a conversation's last turn
var regenerateCmd = &cobra.Command{
	Use:   "regenerate",
	Short: "Re-run the last turn of a conversation",
	Long: `Truncates the conversation history back past its last user message and
runs that prompt again, replacing the previous answer.

Example:
  scribe regenerate -c my-conversation`,
	RunE: runRegenerate,
}

// indexCmd rebuilds the retrieval index
var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index or reindex the vault for retrieval",
	Long: `Walks the vault, chunks every markdown note, and embeds changed
chunks. Unchanged files are skipped by content hash.`,
	RunE: runIndex,
}

// statusCmd reports vault and index state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index coverage and the latest run",
	RunE:  runStatus,
}

// historyCmd lists the commit history of a note
var historyCmd = &cobra.Command{
	Use:   "history [path]",
	Short: "Show the commit history of a note",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

// revertCmd restores a note to a prior commit
var revertCmd = &cobra.Command{
	Use:   "revert [path] [commit-id]",
	Short: "Restore a note to a prior commit",
	Long: `Restores the note's content to the named commit. The revert is a new
forward commit; history is never rewritten.

Example:
  scribe revert notes/go.md 3f2a91c0-...`,
	Args: cobra.ExactArgs(2),
	RunE: runRevert,
}

// eventsCmd dumps a run's ledger
var eventsCmd = &cobra.Command{
	Use:   "events [run-id]",
	Short: "Dump the event ledger of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

var (
	askConversation string
	askFolder       string
	askModel        string
	historyLimit    int
	eventsAfter     int64
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&vaultPath, "vault", "w", "", "Vault directory (default: current)")

	askCmd.Flags().StringVarP(&askConversation, "conversation", "c", "", "Conversation ID to continue (default: new)")
	askCmd.Flags().StringVarP(&askFolder, "folder", "f", "", "Vault folder anchoring instructions and model choice")
	askCmd.Flags().StringVarP(&askModel, "model", "m", "", "Model override as provider:model")

	regenerateCmd.Flags().StringVarP(&askConversation, "conversation", "c", "", "Conversation ID to regenerate (required)")
	regenerateCmd.Flags().StringVarP(&askFolder, "folder", "f", "", "Vault folder anchoring instructions and model choice")
	regenerateCmd.Flags().StringVarP(&askModel, "model", "m", "", "Model override as provider:model")
	regenerateCmd.MarkFlagRequired("conversation")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum commits to show")
	eventsCmd.Flags().Int64Var(&eventsAfter, "after", 0, "Only events with seq greater than this")

	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(regenerateCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(revertCmd)
	rootCmd.AddCommand(eventsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app bundles the wired subsystems for one CLI invocation.
type app struct {
	cfg     *config.Config
	root    string
	store   *store.Store
	vault   *vault.Vault
	engine  *retrieval.Engine
	indexer *retrieval.Indexer
	emitter *events.Emitter
	agent   *agent.Agent
}

// openApp resolves the vault and wires store, retrieval, tools, events and
// the agent. Embedding backends that cannot start degrade to lexical-only
// retrieval rather than failing the command.
func openApp() (*app, error) {
	root := vaultPath
	if root == "" {
		var err error
		root, err = os.Getwd()
		if err != nil {
			return nil, err
		}
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	if err := logging.Initialize(root, logging.Settings{
		DebugMode:  cfg.Logging.DebugMode || verbose,
		Categories: cfg.Logging.Categories,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
	}); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Join(root, ".scribe"), 0755); err != nil {
		return nil, err
	}
	s, err := store.Open(filepath.Join(root, ".scribe", "scribe.db"))
	if err != nil {
		return nil, err
	}

	v, err := vault.New(root, s)
	if err != nil {
		s.Close()
		return nil, err
	}

	embedder, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		logger.Warn("Embedding engine unavailable, retrieval degrades to lexical only", zap.Error(err))
		embedder = nil
	}

	engine, err := retrieval.NewEngine(s, embedder, cfg.Retrieval)
	if err != nil {
		s.Close()
		return nil, err
	}
	indexer := retrieval.NewIndexer(s, embedder, root)

	if cfg.Retrieval.Hypothetical && embedder != nil {
		if gw, gerr := expansionGateway(cfg); gerr != nil {
			logger.Warn("Query expansion unavailable", zap.Error(gerr))
		} else {
			engine.SetExpander(retrieval.NewLLMExpander(gw))
		}
	}

	deps := tools.Deps{
		Vault:     v,
		Retriever: engine,
		Indexer:   indexer,
	}
	if cfg.Tools.WebSearchEndpoint != "" {
		deps.Searcher = tools.NewSearxSearcher(cfg.Tools.WebSearchEndpoint, cfg.Tools.WebSearchMaxResults)
	}
	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry, deps)

	emitter := events.NewEmitter(256)
	recorder := events.NewRecorder(s, emitter)

	return &app{
		cfg:     cfg,
		root:    root,
		store:   s,
		vault:   v,
		engine:  engine,
		indexer: indexer,
		emitter: emitter,
		agent:   agent.New(cfg, root, s, registry, engine, recorder),
	}, nil
}

// expansionGateway builds a provider gateway for hypothetical query
// expansion, separate from the per-run gateways the agent manages.
func expansionGateway(cfg *config.Config) (*provider.Gateway, error) {
	primary, err := types.ParseModelRef(cfg.LLM.Model)
	if err != nil {
		return nil, err
	}
	var fallback types.ModelRef
	if cfg.LLM.FallbackModel != "" {
		if fallback, err = types.ParseModelRef(cfg.LLM.FallbackModel); err != nil {
			return nil, err
		}
	}
	perResponse := time.Duration(cfg.Budget.MaxResponseSeconds) * time.Second
	return provider.NewGateway(primary, fallback, cfg.LLM, perResponse, provider.Notifier{})
}

func (a *app) close() {
	a.emitter.Close()
	if err := a.store.Close(); err != nil {
		logger.Warn("Failed to close store", zap.Error(err))
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM. The agent
// winds down at its next checkpoint; in-flight writes verify first.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal, stopping at next checkpoint")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// runAsk executes one agent turn
func runAsk(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	// Live progress on stderr; the answer goes to stdout.
	a.emitter.Subscribe(events.SinkFunc(printProgress))

	prompt := strings.Join(args, " ")
	result, err := a.agent.Run(ctx, agent.RunRequest{
		ConversationID: askConversation,
		Prompt:         prompt,
		Folder:         askFolder,
		ModelOverride:  askModel,
	})
	if err != nil {
		if errors.Is(err, agent.ErrIndexNotReady) {
			return fmt.Errorf("%w (run 'scribe index')", err)
		}
		return err
	}

	if result.Text != "" {
		fmt.Println(result.Text)
	}
	switch result.State {
	case types.StateCompleted:
	case types.StateCancelled:
		fmt.Fprintln(os.Stderr, "run cancelled")
	default:
		run, gerr := a.store.GetRun(result.RunID)
		detail := ""
		if gerr == nil && run != nil {
			detail = run.Error
		}
		return fmt.Errorf("run ended in %s: %s", result.State, detail)
	}

	logger.Info("Run finished",
		zap.String("run_id", result.RunID),
		zap.String("model", result.Model),
		zap.Int("input_tokens", result.Usage.InputTokens),
		zap.Int("output_tokens", result.Usage.OutputTokens))
	return nil
}

func runRegenerate(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	a.emitter.Subscribe(events.SinkFunc(printProgress))

	result, err := a.agent.Regenerate(ctx, agent.RunRequest{
		ConversationID: askConversation,
		Folder:         askFolder,
		ModelOverride:  askModel,
	})
	if err != nil {
		if errors.Is(err, agent.ErrIndexNotReady) {
			return fmt.Errorf("%w (run 'scribe index')", err)
		}
		return err
	}

	if result.Text != "" {
		fmt.Println(result.Text)
	}
	switch result.State {
	case types.StateCompleted:
	case types.StateCancelled:
		fmt.Fprintln(os.Stderr, "run cancelled")
	default:
		run, gerr := a.store.GetRun(result.RunID)
		detail := ""
		if gerr == nil && run != nil {
			detail = run.Error
		}
		return fmt.Errorf("run ended in %s: %s", result.State, detail)
	}

	logger.Info("Run finished",
		zap.String("run_id", result.RunID),
		zap.String("model", result.Model),
		zap.Int("input_tokens", result.Usage.InputTokens),
		zap.Int("output_tokens", result.Usage.OutputTokens))
	return nil
}

// printProgress renders ledger events as terse stderr lines.
func printProgress(ev types.Event) {
	switch ev.Channel {
	case types.ChannelToolStart:
		fmt.Fprintf(os.Stderr, "  ... tool %s\n", compactPayload(ev, "tool"))
	case types.ChannelVerification:
		fmt.Fprintf(os.Stderr, "  ... verified %s\n", compactPayload(ev, "path"))
	case types.ChannelProviderFallback:
		fmt.Fprintf(os.Stderr, "  ... fallback to %s\n", compactPayload(ev, "to"))
	case types.ChannelTimelineStep:
		if verbose {
			fmt.Fprintf(os.Stderr, "  ... %s\n", compactPayload(ev, "step"))
		}
	}
}

// compactPayload pulls one string field out of an event payload for display.
func compactPayload(ev types.Event, field string) string {
	var m map[string]any
	if err := json.Unmarshal(ev.Payload, &m); err != nil {
		return ""
	}
	s, _ := m[field].(string)
	return s
}

// runIndex rebuilds the retrieval index
func runIndex(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	stats, err := a.indexer.IndexVault(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Indexed %d of %d files (%d unchanged): %d chunks, %d embedded\n",
		stats.FilesIndexed, stats.FilesSeen, stats.FilesSkipped, stats.Chunks, stats.Embedded)

	backfilled, err := a.indexer.EmbedMissing(ctx)
	if err != nil {
		logger.Warn("Embedding backfill failed", zap.Error(err))
	} else if backfilled > 0 {
		fmt.Printf("Backfilled embeddings for %d previously lexical-only chunks\n", backfilled)
	}

	total, embedded, err := a.store.ChunkCount()
	if err == nil && embedded < total {
		fmt.Printf("%d chunks have no embedding; retrieval falls back to lexical scoring for them\n", total-embedded)
	}
	return nil
}

// runStatus reports index coverage and the latest run
func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	total, embedded, err := a.store.ChunkCount()
	if err != nil {
		return err
	}
	fmt.Printf("Vault:    %s\n", a.root)
	fmt.Printf("Chunks:   %d indexed, %d embedded\n", total, embedded)
	fmt.Printf("Vector:   sqlite-vec available: %v\n", a.store.VectorExtAvailable())
	fmt.Printf("Ready:    %v\n", a.engine.IsReady())

	run, err := a.store.LatestRun("")
	if err != nil {
		return err
	}
	if run == nil {
		fmt.Println("Runs:     none yet")
		return nil
	}
	fmt.Printf("Last run: %s (%s) model=%s iterations=%d tool_calls=%d\n",
		run.ID, run.State, run.Model, run.Iterations, run.ToolCalls)
	if run.Error != "" {
		fmt.Printf("          error: %s\n", run.Error)
	}
	return nil
}

// runHistory lists a note's commits
func runHistory(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	commits, err := a.vault.History(args[0], historyLimit)
	if err != nil {
		return err
	}
	if len(commits) == 0 {
		fmt.Printf("No commits for %s\n", args[0])
		return nil
	}
	for _, c := range commits {
		marker := " "
		if c.Revert {
			marker = "R"
		}
		fmt.Printf("%s %s  %s  %s\n", marker, c.ID, c.CreatedAt.Format("2006-01-02 15:04:05"), c.DiffSummary)
	}
	return nil
}

// runRevert restores a note to a prior commit
func runRevert(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	commit, err := a.vault.Revert(args[0], args[1])
	if err != nil {
		return err
	}
	// Keep the index in step with the restored content.
	if _, err := a.indexer.IndexFile(ctx, filepath.Join(a.root, args[0]), nil); err != nil {
		logger.Warn("Reindex after revert failed", zap.Error(err))
	}
	fmt.Printf("Reverted %s to %s (new commit %s)\n", args[0], args[1], commit.ID)
	return nil
}

// runEvents dumps a run's ledger
func runEvents(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	evs, err := a.store.EventsSince(args[0], eventsAfter)
	if err != nil {
		return err
	}
	if len(evs) == 0 {
		fmt.Println("No events")
		return nil
	}
	for _, ev := range evs {
		fmt.Printf("%4d  %-19s v%d  %s\n", ev.Seq, ev.Channel, ev.Version, ev.Payload)
	}
	return nil
}
