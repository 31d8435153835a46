package postgres

import (
	"context"
	"fmt"
)

// schema is applied on startup. Statements are idempotent so repeated runs
// against an initialised database are no-ops.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id          UUID PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS branches (
		id          UUID PRIMARY KEY,
		project_id  UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		name        TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (project_id, name)
	)`,

	`CREATE TABLE IF NOT EXISTS repo_paths (
		id               UUID PRIMARY KEY,
		path             TEXT NOT NULL,
		path_hash        TEXT NOT NULL UNIQUE,
		last_accessed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS documents (
		id              UUID PRIMARY KEY,
		project_name    TEXT NOT NULL,
		branch_name     TEXT NOT NULL,
		path_hash       TEXT NOT NULL,
		file_path       TEXT NOT NULL,
		title           TEXT NOT NULL DEFAULT '',
		doc_type        TEXT NOT NULL DEFAULT 'doc',
		promotion_level TEXT NOT NULL DEFAULT 'standard',
		frontmatter     JSONB NOT NULL DEFAULT '{}',
		body_hash       TEXT NOT NULL,
		commit_hash     TEXT NOT NULL DEFAULT '',
		chunk_count     INT NOT NULL DEFAULT 0,
		embedding       REAL[],
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (project_name, branch_name, path_hash, file_path)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_documents_tenant
		ON documents (project_name, branch_name, path_hash)`,

	`CREATE TABLE IF NOT EXISTS document_chunks (
		id           UUID PRIMARY KEY,
		document_id  UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		chunk_index  INT NOT NULL,
		header_path  TEXT NOT NULL DEFAULT '',
		start_line   INT NOT NULL DEFAULT 0,
		end_line     INT NOT NULL DEFAULT 0,
		content      TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		token_count  INT NOT NULL DEFAULT 0,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (document_id, chunk_index)
	)`,

	`CREATE TABLE IF NOT EXISTS doc_types (
		id                      TEXT PRIMARY KEY,
		name                    TEXT NOT NULL,
		description             TEXT NOT NULL DEFAULT '',
		is_built_in             BOOLEAN NOT NULL DEFAULT FALSE,
		trigger_phrases         JSONB NOT NULL DEFAULT '[]',
		required_fields         JSONB NOT NULL DEFAULT '[]',
		optional_fields         JSONB NOT NULL DEFAULT '[]',
		json_schema             TEXT NOT NULL DEFAULT '',
		default_promotion_level TEXT NOT NULL DEFAULT 'standard',
		created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS sync_runs (
		id            UUID PRIMARY KEY,
		repo_name     TEXT NOT NULL,
		started_at    TIMESTAMPTZ NOT NULL,
		finished_at   TIMESTAMPTZ,
		head_commit   TEXT NOT NULL DEFAULT '',
		files_indexed INT NOT NULL DEFAULT 0,
		files_deleted INT NOT NULL DEFAULT 0,
		status        TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE INDEX IF NOT EXISTS idx_sync_runs_started
		ON sync_runs (started_at DESC)`,
}

// Migrate applies the schema.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
