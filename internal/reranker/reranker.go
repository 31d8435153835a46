// Package reranker re-scores retrieval results with a cross-encoder style
// LLM pass. The query and each candidate chunk are judged together, which
// separates near-ties that vector similarity alone cannot.
//
// Reranking is off by default: it adds a generation call per query and
// roughly doubles token usage. Enable it when precision matters more than
// latency.
package reranker

import (
	"context"

	"github.com/tomehq/tome/internal/vectorstore"
)

// ScoredResult represents a search result with an additional reranking score.
type ScoredResult struct {
	vectorstore.SearchResult
	RerankerScore float32
}

// Reranker defines the interface for re-ranking search results.
type Reranker interface {
	// Rerank takes a query and search results, and returns them re-ordered
	// by relevance with updated scores. The topK parameter limits the output.
	Rerank(ctx context.Context, query string, results []vectorstore.SearchResult, topK int) ([]ScoredResult, error)
}
