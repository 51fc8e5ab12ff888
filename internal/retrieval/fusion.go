package retrieval

import (
	"fmt"
	"sort"

	"scribe/internal/types"
)

// =============================================================================
// FUSION - combine lexical and vector rankings deterministically
// =============================================================================

// Fusion policies.
const (
	FusionWeightedSum = "weighted_sum"
	FusionRRF         = "rrf"
)

// FusionConfig controls how the two rankings combine.
type FusionConfig struct {
	Policy        string  // weighted_sum or rrf
	LexicalWeight float64 // weighted_sum only
	VectorWeight  float64 // weighted_sum only
	RRFK          int     // rrf only, standard constant 60
}

// DefaultFusionConfig returns the weighted-sum policy favoring vector
// similarity.
func DefaultFusionConfig() FusionConfig {
	return FusionConfig{
		Policy:        FusionWeightedSum,
		LexicalWeight: 0.4,
		VectorWeight:  0.6,
		RRFK:          60,
	}
}

// Validate rejects unknown policies and degenerate weights.
func (c FusionConfig) Validate() error {
	switch c.Policy {
	case FusionWeightedSum:
		if c.LexicalWeight < 0 || c.VectorWeight < 0 || c.LexicalWeight+c.VectorWeight == 0 {
			return fmt.Errorf("weighted_sum requires non-negative weights with a positive sum")
		}
	case FusionRRF:
		if c.RRFK <= 0 {
			return fmt.Errorf("rrf requires a positive k constant")
		}
	default:
		return fmt.Errorf("unknown fusion policy %q", c.Policy)
	}
	return nil
}

// fuse assigns FusedScore to every scored chunk and sorts the slice by fused
// score descending. Ties break by path then start byte so identical inputs
// always produce identical rankings.
func fuse(cfg FusionConfig, scored []types.ScoredChunk) {
	switch cfg.Policy {
	case FusionRRF:
		fuseRRF(cfg.RRFK, scored)
	default:
		total := cfg.LexicalWeight + cfg.VectorWeight
		for i := range scored {
			scored[i].FusedScore = (cfg.LexicalWeight*scored[i].LexicalScore +
				cfg.VectorWeight*scored[i].VectorScore) / total
		}
	}
	sortByFused(scored)
}

// fuseRRF computes reciprocal-rank fusion: each chunk's fused score is the
// sum of 1/(k+rank) over both rankings, ranks starting at 1.
func fuseRRF(k int, scored []types.ScoredChunk) {
	lexRank := rankBy(scored, func(c types.ScoredChunk) float64 { return c.LexicalScore })
	vecRank := rankBy(scored, func(c types.ScoredChunk) float64 { return c.VectorScore })

	for i := range scored {
		scored[i].FusedScore = 1.0/float64(k+lexRank[scored[i].ID]) +
			1.0/float64(k+vecRank[scored[i].ID])
	}
}

// rankBy returns a chunk-ID to 1-based-rank map under the given score,
// higher scores ranking first, ties broken by path then start byte.
func rankBy(scored []types.ScoredChunk, score func(types.ScoredChunk) float64) map[string]int {
	order := make([]types.ScoredChunk, len(scored))
	copy(order, scored)
	sort.Slice(order, func(i, j int) bool {
		si, sj := score(order[i]), score(order[j])
		if si != sj {
			return si > sj
		}
		return lessByPosition(order[i], order[j])
	})

	ranks := make(map[string]int, len(order))
	for i, c := range order {
		ranks[c.ID] = i + 1
	}
	return ranks
}

func sortByFused(scored []types.ScoredChunk) {
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].FusedScore != scored[j].FusedScore {
			return scored[i].FusedScore > scored[j].FusedScore
		}
		return lessByPosition(scored[i], scored[j])
	})
}

func lessByPosition(a, b types.ScoredChunk) bool {
	if a.Path != b.Path {
		return a.Path < b.Path
	}
	return a.StartByte < b.StartByte
}
