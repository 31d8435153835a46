package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tomehq/tome/internal/repository"
	"github.com/tomehq/tome/internal/tenant"
)

const documentColumns = `id, project_name, branch_name, path_hash, file_path, title, doc_type,
		promotion_level, frontmatter, body_hash, commit_hash, chunk_count, embedding, created_at, updated_at`

const chunkColumns = `id, document_id, chunk_index, header_path, start_line, end_line,
		content, content_hash, token_count, created_at`

// DocumentRepo implements repository.DocumentRepository
type DocumentRepo struct {
	db *DB
}

// NewDocumentRepo creates a new document repository
func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

// GetByPath retrieves a document by its path within a tenant.
func (r *DocumentRepo) GetByPath(ctx context.Context, filter tenant.Filter, filePath string) (*repository.Document, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE project_name = $1 AND branch_name = $2 AND path_hash = $3 AND file_path = $4
	`
	return r.scanDocument(r.db.Pool.QueryRow(ctx, query,
		filter.ProjectName, filter.BranchName, filter.PathHash, filePath))
}

// GetByID retrieves a document by id, still scoped by the tenant filter.
func (r *DocumentRepo) GetByID(ctx context.Context, filter tenant.Filter, id uuid.UUID) (*repository.Document, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE id = $1 AND project_name = $2 AND branch_name = $3 AND path_hash = $4
	`
	return r.scanDocument(r.db.Pool.QueryRow(ctx, query,
		id, filter.ProjectName, filter.BranchName, filter.PathHash))
}

func (r *DocumentRepo) scanDocument(row pgx.Row) (*repository.Document, error) {
	var doc repository.Document
	var frontmatterJSON []byte

	err := row.Scan(
		&doc.ID, &doc.ProjectName, &doc.BranchName, &doc.PathHash, &doc.FilePath,
		&doc.Title, &doc.DocType, &doc.PromotionLevel, &frontmatterJSON,
		&doc.BodyHash, &doc.CommitHash, &doc.ChunkCount, &doc.Embedding,
		&doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	doc.Frontmatter = make(map[string]any)
	if err := json.Unmarshal(frontmatterJSON, &doc.Frontmatter); err != nil {
		return nil, fmt.Errorf("failed to unmarshal frontmatter: %w", err)
	}

	return &doc, nil
}

const upsertDocumentQuery = `
	INSERT INTO documents (id, project_name, branch_name, path_hash, file_path, title, doc_type,
		promotion_level, frontmatter, body_hash, commit_hash, chunk_count, embedding, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
	ON CONFLICT (project_name, branch_name, path_hash, file_path) DO UPDATE SET
		title = EXCLUDED.title,
		doc_type = EXCLUDED.doc_type,
		promotion_level = EXCLUDED.promotion_level,
		frontmatter = EXCLUDED.frontmatter,
		body_hash = EXCLUDED.body_hash,
		commit_hash = EXCLUDED.commit_hash,
		chunk_count = EXCLUDED.chunk_count,
		embedding = EXCLUDED.embedding,
		updated_at = NOW()
	RETURNING id, created_at, updated_at
`

// Upsert inserts or updates the document keyed by (tenant, file_path). On
// update the existing row's id is kept and written back into doc.ID.
func (r *DocumentRepo) Upsert(ctx context.Context, doc *repository.Document) error {
	if err := doc.Key().Filter().Validate(); err != nil {
		return err
	}
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	frontmatterJSON, err := json.Marshal(doc.Frontmatter)
	if err != nil {
		return fmt.Errorf("failed to marshal frontmatter: %w", err)
	}

	err = r.db.Pool.QueryRow(ctx, upsertDocumentQuery,
		doc.ID, doc.ProjectName, doc.BranchName, doc.PathHash, doc.FilePath,
		doc.Title, doc.DocType, doc.PromotionLevel, frontmatterJSON,
		doc.BodyHash, doc.CommitHash, doc.ChunkCount, doc.Embedding,
	).Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return nil
}

// Delete removes a document and, via cascade, its chunks. Returns false when
// no document matched, which is not an error.
func (r *DocumentRepo) Delete(ctx context.Context, filter tenant.Filter, filePath string) (bool, error) {
	if err := filter.Validate(); err != nil {
		return false, err
	}
	result, err := r.db.Pool.Exec(ctx, `
		DELETE FROM documents
		WHERE project_name = $1 AND branch_name = $2 AND path_hash = $3 AND file_path = $4
	`, filter.ProjectName, filter.BranchName, filter.PathHash, filePath)
	if err != nil {
		return false, fmt.Errorf("failed to delete document: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ListByTenant retrieves every document in the tenant, newest first.
func (r *DocumentRepo) ListByTenant(ctx context.Context, filter tenant.Filter) ([]*repository.Document, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE project_name = $1 AND branch_name = $2 AND path_hash = $3
		ORDER BY updated_at DESC
	`
	rows, err := r.db.Pool.Query(ctx, query, filter.ProjectName, filter.BranchName, filter.PathHash)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	return scanDocuments(rows)
}

func scanDocuments(rows pgx.Rows) ([]*repository.Document, error) {
	var docs []*repository.Document
	for rows.Next() {
		var doc repository.Document
		var frontmatterJSON []byte
		if err := rows.Scan(
			&doc.ID, &doc.ProjectName, &doc.BranchName, &doc.PathHash, &doc.FilePath,
			&doc.Title, &doc.DocType, &doc.PromotionLevel, &frontmatterJSON,
			&doc.BodyHash, &doc.CommitHash, &doc.ChunkCount, &doc.Embedding,
			&doc.CreatedAt, &doc.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc.Frontmatter = make(map[string]any)
		if err := json.Unmarshal(frontmatterJSON, &doc.Frontmatter); err != nil {
			return nil, fmt.Errorf("failed to unmarshal frontmatter: %w", err)
		}
		docs = append(docs, &doc)
	}
	return docs, rows.Err()
}

// CountByTenant returns the number of documents in the tenant.
func (r *DocumentRepo) CountByTenant(ctx context.Context, filter tenant.Filter) (int64, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	var count int64
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM documents
		WHERE project_name = $1 AND branch_name = $2 AND path_hash = $3
	`, filter.ProjectName, filter.BranchName, filter.PathHash).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return count, nil
}

// DeleteByTenant removes every document in the tenant and returns how many
// went away.
func (r *DocumentRepo) DeleteByTenant(ctx context.Context, filter tenant.Filter) (int64, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	result, err := r.db.Pool.Exec(ctx, `
		DELETE FROM documents
		WHERE project_name = $1 AND branch_name = $2 AND path_hash = $3
	`, filter.ProjectName, filter.BranchName, filter.PathHash)
	if err != nil {
		return 0, fmt.Errorf("failed to delete documents: %w", err)
	}
	return result.RowsAffected(), nil
}

// GetStale returns documents not updated since before. Sync uses this to
// find files removed from the working tree.
func (r *DocumentRepo) GetStale(ctx context.Context, filter tenant.Filter, before time.Time) ([]*repository.Document, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE project_name = $1 AND branch_name = $2 AND path_hash = $3 AND updated_at < $4
		ORDER BY updated_at
	`
	rows, err := r.db.Pool.Query(ctx, query, filter.ProjectName, filter.BranchName, filter.PathHash, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale documents: %w", err)
	}
	defer rows.Close()

	return scanDocuments(rows)
}

// UpdatePromotion sets the promotion level of one document and returns the
// previous level.
func (r *DocumentRepo) UpdatePromotion(ctx context.Context, filter tenant.Filter, filePath string, level repository.PromotionLevel) (repository.PromotionLevel, error) {
	if err := filter.Validate(); err != nil {
		return "", err
	}
	var previous repository.PromotionLevel
	err := r.db.Pool.QueryRow(ctx, `
		UPDATE documents d
		SET promotion_level = $5, updated_at = NOW()
		FROM (
			SELECT id, promotion_level FROM documents
			WHERE project_name = $1 AND branch_name = $2 AND path_hash = $3 AND file_path = $4
		) prev
		WHERE d.id = prev.id
		RETURNING prev.promotion_level
	`, filter.ProjectName, filter.BranchName, filter.PathHash, filePath, level).Scan(&previous)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", repository.ErrNotFound
		}
		return "", fmt.Errorf("failed to update promotion level: %w", err)
	}
	return previous, nil
}

// CreateChunks inserts chunks in one batch.
func (r *DocumentRepo) CreateChunks(ctx context.Context, chunks []*repository.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	queueChunks(batch, chunks)

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to create chunk: %w", err)
		}
	}
	return nil
}

func queueChunks(batch *pgx.Batch, chunks []*repository.DocumentChunk) {
	for _, chunk := range chunks {
		if chunk.ID == uuid.Nil {
			chunk.ID = uuid.New()
		}
		batch.Queue(`
			INSERT INTO document_chunks (id, document_id, chunk_index, header_path,
				start_line, end_line, content, content_hash, token_count, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		`, chunk.ID, chunk.DocumentID, chunk.ChunkIndex, chunk.HeaderPath,
			chunk.StartLine, chunk.EndLine, chunk.Content, chunk.ContentHash, chunk.TokenCount)
	}
}

// GetChunks retrieves all chunks of a document in index order.
func (r *DocumentRepo) GetChunks(ctx context.Context, documentID uuid.UUID) ([]*repository.DocumentChunk, error) {
	query := `
		SELECT ` + chunkColumns + `
		FROM document_chunks
		WHERE document_id = $1
		ORDER BY chunk_index
	`
	rows, err := r.db.Pool.Query(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	defer rows.Close()

	return scanChunks(rows)
}

// GetChunksByIDs retrieves chunks by id. Missing ids are skipped, not an
// error; the result order follows chunk position, not the input.
func (r *DocumentRepo) GetChunksByIDs(ctx context.Context, ids []uuid.UUID) ([]*repository.DocumentChunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		SELECT ` + chunkColumns + `
		FROM document_chunks
		WHERE id = ANY($1)
		ORDER BY document_id, chunk_index
	`
	rows, err := r.db.Pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks by id: %w", err)
	}
	defer rows.Close()

	return scanChunks(rows)
}

func scanChunks(rows pgx.Rows) ([]*repository.DocumentChunk, error) {
	var chunks []*repository.DocumentChunk
	for rows.Next() {
		var chunk repository.DocumentChunk
		if err := rows.Scan(&chunk.ID, &chunk.DocumentID, &chunk.ChunkIndex, &chunk.HeaderPath,
			&chunk.StartLine, &chunk.EndLine, &chunk.Content, &chunk.ContentHash,
			&chunk.TokenCount, &chunk.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, &chunk)
	}
	return chunks, rows.Err()
}

// DeleteChunks deletes all chunks for a document
func (r *DocumentRepo) DeleteChunks(ctx context.Context, documentID uuid.UUID) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// ReplaceChunks upserts the document row and swaps its chunk set in a single
// transaction, so readers never observe a half-written document.
func (r *DocumentRepo) ReplaceChunks(ctx context.Context, doc *repository.Document, chunks []*repository.DocumentChunk) error {
	if err := doc.Key().Filter().Validate(); err != nil {
		return err
	}
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	doc.ChunkCount = len(chunks)

	frontmatterJSON, err := json.Marshal(doc.Frontmatter)
	if err != nil {
		return fmt.Errorf("failed to marshal frontmatter: %w", err)
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, upsertDocumentQuery,
		doc.ID, doc.ProjectName, doc.BranchName, doc.PathHash, doc.FilePath,
		doc.Title, doc.DocType, doc.PromotionLevel, frontmatterJSON,
		doc.BodyHash, doc.CommitHash, doc.ChunkCount, doc.Embedding,
	).Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, doc.ID); err != nil {
		return fmt.Errorf("failed to delete old chunks: %w", err)
	}

	if len(chunks) > 0 {
		for _, chunk := range chunks {
			chunk.DocumentID = doc.ID
		}
		batch := &pgx.Batch{}
		queueChunks(batch, chunks)

		results := tx.SendBatch(ctx, batch)
		for range chunks {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return fmt.Errorf("failed to create chunk: %w", err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("failed to flush chunk batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Ensure DocumentRepo implements the interface
var _ repository.DocumentRepository = (*DocumentRepo)(nil)
