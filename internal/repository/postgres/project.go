package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tomehq/tome/internal/repository"
)

// ProjectRepo implements repository.ProjectRepository
type ProjectRepo struct {
	db *DB
}

// NewProjectRepo creates a new project repository
func NewProjectRepo(db *DB) *ProjectRepo {
	return &ProjectRepo{db: db}
}

// GetOrCreate returns the project with the given name, creating it on first
// activation.
func (r *ProjectRepo) GetOrCreate(ctx context.Context, name string) (*repository.Project, error) {
	var p repository.Project
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO projects (id, name, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (name) DO UPDATE SET updated_at = NOW()
		RETURNING id, name, created_at, updated_at
	`, uuid.New(), name).Scan(&p.ID, &p.Name, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create project: %w", err)
	}
	return &p, nil
}

// GetByName retrieves a project by name
func (r *ProjectRepo) GetByName(ctx context.Context, name string) (*repository.Project, error) {
	var p repository.Project
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, name, created_at, updated_at FROM projects WHERE name = $1
	`, name).Scan(&p.ID, &p.Name, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &p, nil
}

// BranchRepo implements repository.BranchRepository
type BranchRepo struct {
	db *DB
}

// NewBranchRepo creates a new branch repository
func NewBranchRepo(db *DB) *BranchRepo {
	return &BranchRepo{db: db}
}

// GetOrCreate returns the branch row for (project, name), creating it on
// first activation.
func (r *BranchRepo) GetOrCreate(ctx context.Context, projectID uuid.UUID, name string) (*repository.Branch, error) {
	var b repository.Branch
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO branches (id, project_id, name, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (project_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, project_id, name, created_at
	`, uuid.New(), projectID, name).Scan(&b.ID, &b.ProjectID, &b.Name, &b.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create branch: %w", err)
	}
	return &b, nil
}

// ListByProject retrieves all branches registered for a project.
func (r *BranchRepo) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*repository.Branch, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, project_id, name, created_at
		FROM branches
		WHERE project_id = $1
		ORDER BY name
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer rows.Close()

	var branches []*repository.Branch
	for rows.Next() {
		var b repository.Branch
		if err := rows.Scan(&b.ID, &b.ProjectID, &b.Name, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan branch: %w", err)
		}
		branches = append(branches, &b)
	}
	return branches, rows.Err()
}

// RepoPathRepo implements repository.RepoPathRepository
type RepoPathRepo struct {
	db *DB
}

// NewRepoPathRepo creates a new repo path repository
func NewRepoPathRepo(db *DB) *RepoPathRepo {
	return &RepoPathRepo{db: db}
}

// GetOrCreate registers a working-tree path keyed by its hash. Every call
// refreshes last_accessed_at so stale-path cleanup has a signal.
func (r *RepoPathRepo) GetOrCreate(ctx context.Context, path, pathHash string) (*repository.RepoPath, error) {
	var rp repository.RepoPath
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO repo_paths (id, path, path_hash, last_accessed_at, created_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (path_hash) DO UPDATE SET last_accessed_at = NOW()
		RETURNING id, path, path_hash, last_accessed_at, created_at
	`, uuid.New(), path, pathHash).Scan(&rp.ID, &rp.Path, &rp.PathHash, &rp.LastAccessedAt, &rp.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create repo path: %w", err)
	}
	return &rp, nil
}

// GetStale returns repo paths not touched since before.
func (r *RepoPathRepo) GetStale(ctx context.Context, before time.Time) ([]*repository.RepoPath, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, path, path_hash, last_accessed_at, created_at
		FROM repo_paths
		WHERE last_accessed_at < $1
		ORDER BY last_accessed_at
	`, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale repo paths: %w", err)
	}
	defer rows.Close()

	var paths []*repository.RepoPath
	for rows.Next() {
		var rp repository.RepoPath
		if err := rows.Scan(&rp.ID, &rp.Path, &rp.PathHash, &rp.LastAccessedAt, &rp.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan repo path: %w", err)
		}
		paths = append(paths, &rp)
	}
	return paths, rows.Err()
}

// Ensure the repos implement their interfaces
var (
	_ repository.ProjectRepository  = (*ProjectRepo)(nil)
	_ repository.BranchRepository   = (*BranchRepo)(nil)
	_ repository.RepoPathRepository = (*RepoPathRepo)(nil)
)
