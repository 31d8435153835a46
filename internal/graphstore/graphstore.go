// Package graphstore mirrors documents, sections, chunks, and extracted
// concepts into a knowledge graph and provides the traversals the GraphRAG
// pipeline enriches with.
package graphstore

import (
	"context"
)

// Relationship types between graph nodes.
const (
	RelHasSection = "HAS_SECTION"
	RelHasChunk   = "HAS_CHUNK"
	RelMentions   = "MENTIONS"
	RelRelatesTo  = "RELATES_TO"
	RelLinksTo    = "LINKS_TO"
	RelSupersedes = "SUPERSEDES"
)

// DocumentNode mirrors an indexed document. Tenant is the display triple,
// stored so cascades and audits can tell documents apart.
type DocumentNode struct {
	ID       string
	Tenant   string
	FilePath string
	Title    string
	DocType  string
}

// SectionNode is one heading-scoped region of a document.
type SectionNode struct {
	ID         string
	DocumentID string
	Title      string
	Level      int
}

// ChunkNode mirrors a stored chunk. Content lives in Postgres; the graph
// only carries identity and position.
type ChunkNode struct {
	ID         string
	DocumentID string
	Index      int
}

// ConceptNode is a named entity mentioned by one or more chunks. Concept ids
// are tenant-scoped, so traversals never cross tenants.
type ConceptNode struct {
	ID          string
	Name        string
	Description string
	Category    string
	Aliases     []string
}

// RelatedConcept is a traversal result with its distance from the origin.
type RelatedConcept struct {
	Concept ConceptNode
	Hops    int
}

// Relationship is a typed, directed edge.
type Relationship struct {
	Type       string
	SourceID   string
	TargetID   string
	Properties map[string]any
}

// Store defines the graph operations. All upserts are idempotent by id.
type Store interface {
	UpsertDocument(ctx context.Context, node DocumentNode) error
	UpsertSection(ctx context.Context, node SectionNode) error
	UpsertChunk(ctx context.Context, node ChunkNode) error
	UpsertConcept(ctx context.Context, node ConceptNode) error
	CreateRelationship(ctx context.Context, rel Relationship) error

	// GetRelatedConcepts walks RELATES_TO edges up to hops away,
	// deduplicated, nearest first.
	GetRelatedConcepts(ctx context.Context, conceptID string, hops int) ([]RelatedConcept, error)

	// GetChunksByConcept returns chunks one MENTIONS hop from the concept.
	GetChunksByConcept(ctx context.Context, conceptID string) ([]ChunkNode, error)

	// GetConceptsForChunks returns the concepts mentioned by any of the
	// given chunks.
	GetConceptsForChunks(ctx context.Context, chunkIDs []string) ([]ConceptNode, error)

	// DeleteDocumentCascade removes the document, its sections and chunks,
	// and all edges originating at any of them. Concept nodes survive.
	DeleteDocumentCascade(ctx context.Context, documentID string) error

	// Sync state: repository name to last processed head commit.
	GetSyncState(ctx context.Context, repoName string) (string, error)
	SetSyncState(ctx context.Context, repoName, headCommit string) error
}
