// Package retrieval layers query-time policies over index lookups: a
// minimum similarity threshold and a total token budget across the
// returned chunks.
package retrieval

import (
	"context"

	"github.com/jemings/deepwiki-open/internal/index"
)

const (
	// DefaultTopK is how many neighbors are fetched before policy trims.
	DefaultTopK = 8
	// DefaultMinScore drops results with weaker similarity even when
	// they make top-k.
	DefaultMinScore = 0.25
	// DefaultTokenBudget caps the total tokens of returned chunks.
	DefaultTokenBudget = 4000
)

// Engine applies retrieval policy. Zero-value fields take the defaults.
type Engine struct {
	TopK        int
	MinScore    float64
	TokenBudget int
}

// NewEngine creates an engine with defaults filled in.
func NewEngine(topK int, minScore float64, tokenBudget int) *Engine {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if minScore <= 0 {
		minScore = DefaultMinScore
	}
	if tokenBudget <= 0 {
		tokenBudget = DefaultTokenBudget
	}
	return &Engine{TopK: topK, MinScore: minScore, TokenBudget: tokenBudget}
}

// Retrieve queries the handle and trims the results: sub-threshold
// scores are dropped, then the token budget truncates from the
// lowest-ranked end.
func (e *Engine) Retrieve(ctx context.Context, h *index.Handle, query string) ([]index.Scored, error) {
	results, err := h.Query(ctx, query, e.TopK)
	if err != nil {
		return nil, err
	}
	return e.trim(results), nil
}

func (e *Engine) trim(results []index.Scored) []index.Scored {
	kept := results[:0:len(results)]
	budget := e.TokenBudget
	for _, r := range results {
		if r.Score < e.MinScore {
			// Results arrive score-descending; everything after is weaker.
			break
		}
		if r.Chunk.Tokens > budget {
			break
		}
		budget -= r.Chunk.Tokens
		kept = append(kept, r)
	}
	return kept
}
