// Package repository defines the domain models and data access interfaces
// for projects, branches, repo paths, documents, chunks, doc types, and sync
// runs. All document access is scoped by the tenant triple.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tomehq/tome/internal/tenant"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// PromotionLevel is the three-tier importance marker on documents.
type PromotionLevel string

const (
	PromotionStandard  PromotionLevel = "standard"
	PromotionImportant PromotionLevel = "important"
	PromotionCritical  PromotionLevel = "critical"
)

// ParsePromotionLevel validates a user-supplied level string.
func ParsePromotionLevel(s string) (PromotionLevel, bool) {
	switch PromotionLevel(s) {
	case PromotionStandard, PromotionImportant, PromotionCritical:
		return PromotionLevel(s), true
	}
	return "", false
}

// Rank orders levels for promotion-floor filtering: standard < important < critical.
func (p PromotionLevel) Rank() int {
	switch p {
	case PromotionImportant:
		return 1
	case PromotionCritical:
		return 2
	default:
		return 0
	}
}

// Project is a registered project name.
type Project struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Branch is a branch registered for a project at activation time.
type Branch struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	Name      string
	CreatedAt time.Time
}

// RepoPath records a working-tree path and its stable hash.
type RepoPath struct {
	ID             uuid.UUID
	Path           string
	PathHash       string
	LastAccessedAt time.Time
	CreatedAt      time.Time
}

// Document is an ingested markdown document. The tenant triple is stored
// denormalised on the row so every query can filter on it directly.
type Document struct {
	ID             uuid.UUID
	ProjectName    string
	BranchName     string
	PathHash       string
	FilePath       string
	Title          string
	DocType        string
	PromotionLevel PromotionLevel
	Frontmatter    map[string]any
	BodyHash       string
	CommitHash     string
	ChunkCount     int
	// Embedding is set only on single-chunk documents, whose vector lives on
	// the document itself. Multi-chunk documents keep it nil.
	Embedding []float32
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key returns the document's tenant triple.
func (d *Document) Key() tenant.Key {
	return tenant.Key{
		ProjectName: d.ProjectName,
		BranchName:  d.BranchName,
		PathHash:    d.PathHash,
	}
}

// DocumentChunk is one stored chunk of a document body.
type DocumentChunk struct {
	ID          uuid.UUID
	DocumentID  uuid.UUID
	ChunkIndex  int
	HeaderPath  string
	StartLine   int
	EndLine     int
	Content     string
	ContentHash string
	TokenCount  int
	CreatedAt   time.Time
}

// DocTypeDefinition describes a registered document type. Built-ins are
// seeded at startup; custom types are persisted.
type DocTypeDefinition struct {
	ID                    string
	Name                  string
	Description           string
	IsBuiltIn             bool
	TriggerPhrases        []string
	RequiredFields        []string
	OptionalFields        []string
	JSONSchema            string
	DefaultPromotionLevel PromotionLevel
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// SyncRun records one sync cycle for one repository.
type SyncRun struct {
	ID           uuid.UUID
	RepoName     string
	StartedAt    time.Time
	FinishedAt   *time.Time
	HeadCommit   string
	FilesIndexed int
	FilesDeleted int
	Status       string
	ErrorMessage string
}

// SyncRun status values.
const (
	SyncRunning   = "running"
	SyncSucceeded = "succeeded"
	SyncFailed    = "failed"
)

// ProjectRepository defines operations for project persistence
type ProjectRepository interface {
	GetOrCreate(ctx context.Context, name string) (*Project, error)
	GetByName(ctx context.Context, name string) (*Project, error)
}

// BranchRepository defines operations for branch persistence
type BranchRepository interface {
	GetOrCreate(ctx context.Context, projectID uuid.UUID, name string) (*Branch, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]*Branch, error)
}

// RepoPathRepository defines operations for repo path persistence.
// GetOrCreate refreshes last_accessed_at on every call.
type RepoPathRepository interface {
	GetOrCreate(ctx context.Context, path, pathHash string) (*RepoPath, error)
	GetStale(ctx context.Context, before time.Time) ([]*RepoPath, error)
}

// DocumentRepository defines tenant-scoped operations for documents and
// their chunks. Every method validates the filter before touching storage.
type DocumentRepository interface {
	GetByPath(ctx context.Context, filter tenant.Filter, filePath string) (*Document, error)
	GetByID(ctx context.Context, filter tenant.Filter, id uuid.UUID) (*Document, error)
	Upsert(ctx context.Context, doc *Document) error
	Delete(ctx context.Context, filter tenant.Filter, filePath string) (bool, error)
	ListByTenant(ctx context.Context, filter tenant.Filter) ([]*Document, error)
	CountByTenant(ctx context.Context, filter tenant.Filter) (int64, error)
	DeleteByTenant(ctx context.Context, filter tenant.Filter) (int64, error)
	GetStale(ctx context.Context, filter tenant.Filter, before time.Time) ([]*Document, error)
	UpdatePromotion(ctx context.Context, filter tenant.Filter, filePath string, level PromotionLevel) (PromotionLevel, error)

	// Chunk operations
	CreateChunks(ctx context.Context, chunks []*DocumentChunk) error
	GetChunks(ctx context.Context, documentID uuid.UUID) ([]*DocumentChunk, error)
	GetChunksByIDs(ctx context.Context, ids []uuid.UUID) ([]*DocumentChunk, error)
	DeleteChunks(ctx context.Context, documentID uuid.UUID) error

	// ReplaceChunks atomically deletes old chunks and writes the document
	// and its new chunks in one transaction.
	ReplaceChunks(ctx context.Context, doc *Document, chunks []*DocumentChunk) error
}

// DocTypeRepository persists custom doc-type definitions.
type DocTypeRepository interface {
	Upsert(ctx context.Context, def *DocTypeDefinition) error
	GetByID(ctx context.Context, id string) (*DocTypeDefinition, error)
	List(ctx context.Context) ([]*DocTypeDefinition, error)
}

// SyncRunRepository records sync cycle history.
type SyncRunRepository interface {
	Create(ctx context.Context, run *SyncRun) error
	Finish(ctx context.Context, run *SyncRun) error
	ListRecent(ctx context.Context, limit int) ([]*SyncRun, error)
}
