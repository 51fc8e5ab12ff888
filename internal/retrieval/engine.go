package retrieval

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"scribe/internal/config"
	"scribe/internal/embedding"
	"scribe/internal/logging"
	"scribe/internal/store"
	"scribe/internal/types"
)

// ErrNotReady is returned by Query before the vault has been indexed.
var ErrNotReady = fmt.Errorf("retrieval index not ready")

// Expander produces a hypothetical answer document for a query. Embedding
// the hypothetical document instead of the raw query improves recall for
// question-shaped queries.
type Expander interface {
	Expand(ctx context.Context, query string) (string, error)
}

// ReRanker reorders the top fused results with a higher-quality signal.
type ReRanker interface {
	ReRank(ctx context.Context, query string, chunks []types.ScoredChunk) ([]types.ScoredChunk, error)
}

// Engine runs hybrid queries against the chunk index.
type Engine struct {
	store    *store.Store
	embedder embedding.Engine // nil means lexical-only
	fusion   FusionConfig
	cfg      config.RetrievalConfig
	reranker ReRanker // optional
	expander Expander // optional
}

// NewEngine builds a retrieval engine. embedder, reranker, and expander are
// all optional; the engine degrades to lexical-only search without an
// embedder.
func NewEngine(s *store.Store, embedder embedding.Engine, cfg config.RetrievalConfig) (*Engine, error) {
	fusion := FusionConfig{
		Policy:        cfg.Fusion,
		LexicalWeight: cfg.LexicalWeight,
		VectorWeight:  cfg.VectorWeight,
		RRFK:          cfg.RRFK,
	}
	if fusion.Policy == "" {
		fusion = DefaultFusionConfig()
	}
	if err := fusion.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fusion config: %w", err)
	}
	return &Engine{store: s, embedder: embedder, fusion: fusion, cfg: cfg}, nil
}

// SetReRanker installs an optional re-ranker applied to the top results.
func (e *Engine) SetReRanker(r ReRanker) { e.reranker = r }

// SetExpander installs an optional hypothetical-document expander.
func (e *Engine) SetExpander(x Expander) { e.expander = x }

// IsReady reports whether at least one chunk has been indexed. Queries
// before readiness fail rather than silently returning nothing.
func (e *Engine) IsReady() bool {
	total, _, err := e.store.ChunkCount()
	return err == nil && total > 0
}

// Query runs the hybrid pipeline and returns the top k chunks. Results are
// deterministic for a fixed index, query, and configuration.
func (e *Engine) Query(ctx context.Context, query string, k int) ([]types.ScoredChunk, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "Query")
	defer timer.Stop()

	if !e.IsReady() {
		return nil, ErrNotReady
	}
	if k <= 0 {
		k = e.cfg.DefaultK
	}
	if k <= 0 {
		k = 8
	}

	chunks, err := e.store.AllChunks()
	if err != nil {
		return nil, fmt.Errorf("failed to load index: %w", err)
	}

	queryTokens := Tokenize(query)
	queryVec := e.embedQuery(ctx, query)

	scored := make([]types.ScoredChunk, len(chunks))
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		for i := range chunks {
			scored[i].Chunk = chunks[i]
			scored[i].LexicalScore = lexicalScore(queryTokens, chunks[i].Tokens)
		}
		return nil
	})
	g.Go(func() error {
		if queryVec == nil {
			return nil
		}
		for i := range chunks {
			if len(chunks[i].Embedding) == 0 {
				continue
			}
			sim, err := embedding.CosineSimilarity(queryVec, chunks[i].Embedding)
			if err != nil {
				continue
			}
			// Map cosine from [-1, 1] to [0, 1] so both signals share a scale.
			scored[i].VectorScore = (sim + 1) / 2
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if queryVec == nil {
		// Lexical-only fallback: fused score is the lexical score.
		for i := range scored {
			scored[i].FusedScore = scored[i].LexicalScore
		}
		sortByFused(scored)
	} else {
		fuse(e.fusion, scored)
	}

	// Re-rank over the top-N fused candidates before truncating to k, so a
	// candidate outside the first k can still be promoted into the answer.
	if e.reranker != nil && e.cfg.ReRankTopN > 0 {
		scored = e.reRank(ctx, query, scored)
	}
	if len(scored) > k {
		scored = scored[:k]
	}

	logging.Retrieval("Query returned %d chunks (lexical-only=%v)", len(scored), queryVec == nil)
	return scored, nil
}

// embedQuery returns the query embedding, routing through the expander when
// configured. Any failure degrades to lexical-only rather than failing the
// query.
func (e *Engine) embedQuery(ctx context.Context, query string) []float32 {
	if e.embedder == nil {
		return nil
	}

	text := query
	if e.cfg.Hypothetical && e.expander != nil {
		expanded, err := e.expander.Expand(ctx, query)
		if err != nil {
			logging.Retrieval("Query expansion failed, embedding raw query: %v", err)
		} else if expanded != "" {
			text = expanded
		}
	}

	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		logging.Retrieval("Embedding unavailable, degrading to lexical-only: %v", err)
		return nil
	}
	return vec
}

// reRank applies the re-ranker to the top N results, keeping the fused
// ranking for everything it does not cover. Re-rank failure is non-fatal.
func (e *Engine) reRank(ctx context.Context, query string, scored []types.ScoredChunk) []types.ScoredChunk {
	n := e.cfg.ReRankTopN
	if n > len(scored) {
		n = len(scored)
	}

	head, err := e.reranker.ReRank(ctx, query, scored[:n])
	if err != nil || len(head) != n {
		logging.Retrieval("Re-rank failed, keeping fused order: %v", err)
		return scored
	}
	return append(head, scored[n:]...)
}
