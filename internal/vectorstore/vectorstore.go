// Package vectorstore provides tenant-filtered vector similarity search over
// document chunks.
package vectorstore

import (
	"context"

	"github.com/tomehq/tome/internal/repository"
	"github.com/tomehq/tome/internal/tenant"
)

// Point is one embeddable chunk to index. The payload always carries the
// full tenant triple so searches filter at the storage layer.
type Point struct {
	ChunkID    string
	DocumentID string
	FilePath   string
	HeaderPath string
	Content    string
	Vector     []float32
	Filter     tenant.Filter
	Promotion  repository.PromotionLevel
}

// SearchResult represents a search result from the vector store
type SearchResult struct {
	ChunkID    string
	DocumentID string
	FilePath   string
	Content    string
	Score      float32
	Metadata   map[string]string
}

// SearchOptions narrows a search beyond the tenant filter.
type SearchOptions struct {
	MinScore float32
	// PromotionFloor keeps only chunks at or above this level. Empty means
	// no floor.
	PromotionFloor repository.PromotionLevel
}

// Store defines the vector storage operations the indexer and the query
// pipelines consume. Results are sorted by score descending with no
// duplicate chunk ids.
type Store interface {
	// EnsureCollection creates the backing collection if it does not exist.
	EnsureCollection(ctx context.Context, dimension int) error

	// Upsert indexes points, overwriting any existing point with the same
	// chunk id.
	Upsert(ctx context.Context, points []Point) error

	// Search runs k-NN over the tenant's chunks.
	Search(ctx context.Context, filter tenant.Filter, vector []float32, topK int, opts SearchOptions) ([]SearchResult, error)

	// DeleteByDocumentID removes every point of one document within the
	// tenant scope.
	DeleteByDocumentID(ctx context.Context, filter tenant.Filter, documentID string) error

	// UpdatePromotion rewrites the promotion payload on every point of one
	// document without touching the vectors.
	UpdatePromotion(ctx context.Context, filter tenant.Filter, documentID string, level repository.PromotionLevel) error

	// DeleteByTenant removes every point of the tenant.
	DeleteByTenant(ctx context.Context, filter tenant.Filter) error
}
