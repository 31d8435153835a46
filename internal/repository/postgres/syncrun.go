package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/tomehq/tome/internal/repository"
)

// SyncRunRepo implements repository.SyncRunRepository
type SyncRunRepo struct {
	db *DB
}

// NewSyncRunRepo creates a new sync run repository
func NewSyncRunRepo(db *DB) *SyncRunRepo {
	return &SyncRunRepo{db: db}
}

// Create records the start of a sync run.
func (r *SyncRunRepo) Create(ctx context.Context, run *repository.SyncRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = repository.SyncRunning
	}
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO sync_runs (id, repo_name, started_at, head_commit, files_indexed,
			files_deleted, status, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, run.ID, run.RepoName, run.StartedAt, run.HeadCommit,
		run.FilesIndexed, run.FilesDeleted, run.Status, run.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to create sync run: %w", err)
	}
	return nil
}

// Finish records the outcome of a sync run.
func (r *SyncRunRepo) Finish(ctx context.Context, run *repository.SyncRun) error {
	result, err := r.db.Pool.Exec(ctx, `
		UPDATE sync_runs
		SET finished_at = $2, head_commit = $3, files_indexed = $4,
			files_deleted = $5, status = $6, error_message = $7
		WHERE id = $1
	`, run.ID, run.FinishedAt, run.HeadCommit, run.FilesIndexed,
		run.FilesDeleted, run.Status, run.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to finish sync run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListRecent retrieves the most recent sync runs, newest first.
func (r *SyncRunRepo) ListRecent(ctx context.Context, limit int) ([]*repository.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, repo_name, started_at, finished_at, head_commit, files_indexed,
			files_deleted, status, error_message
		FROM sync_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*repository.SyncRun
	for rows.Next() {
		var run repository.SyncRun
		if err := rows.Scan(&run.ID, &run.RepoName, &run.StartedAt, &run.FinishedAt,
			&run.HeadCommit, &run.FilesIndexed, &run.FilesDeleted,
			&run.Status, &run.ErrorMessage); err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// Ensure SyncRunRepo implements the interface
var _ repository.SyncRunRepository = (*SyncRunRepo)(nil)
