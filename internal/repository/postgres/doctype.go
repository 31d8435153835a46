package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tomehq/tome/internal/repository"
)

// DocTypeRepo implements repository.DocTypeRepository
type DocTypeRepo struct {
	db *DB
}

// NewDocTypeRepo creates a new doc type repository
func NewDocTypeRepo(db *DB) *DocTypeRepo {
	return &DocTypeRepo{db: db}
}

// Upsert persists a doc-type definition keyed by its id.
func (r *DocTypeRepo) Upsert(ctx context.Context, def *repository.DocTypeDefinition) error {
	triggers, err := json.Marshal(def.TriggerPhrases)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger phrases: %w", err)
	}
	required, err := json.Marshal(def.RequiredFields)
	if err != nil {
		return fmt.Errorf("failed to marshal required fields: %w", err)
	}
	optional, err := json.Marshal(def.OptionalFields)
	if err != nil {
		return fmt.Errorf("failed to marshal optional fields: %w", err)
	}

	err = r.db.Pool.QueryRow(ctx, `
		INSERT INTO doc_types (id, name, description, is_built_in, trigger_phrases,
			required_fields, optional_fields, json_schema, default_promotion_level,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			trigger_phrases = EXCLUDED.trigger_phrases,
			required_fields = EXCLUDED.required_fields,
			optional_fields = EXCLUDED.optional_fields,
			json_schema = EXCLUDED.json_schema,
			default_promotion_level = EXCLUDED.default_promotion_level,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`, def.ID, def.Name, def.Description, def.IsBuiltIn, triggers, required, optional,
		def.JSONSchema, def.DefaultPromotionLevel,
	).Scan(&def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert doc type: %w", err)
	}
	return nil
}

// GetByID retrieves a doc-type definition by id.
func (r *DocTypeRepo) GetByID(ctx context.Context, id string) (*repository.DocTypeDefinition, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT id, name, description, is_built_in, trigger_phrases, required_fields,
			optional_fields, json_schema, default_promotion_level, created_at, updated_at
		FROM doc_types
		WHERE id = $1
	`, id)
	return scanDocType(row)
}

// List retrieves all persisted doc-type definitions.
func (r *DocTypeRepo) List(ctx context.Context) ([]*repository.DocTypeDefinition, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, name, description, is_built_in, trigger_phrases, required_fields,
			optional_fields, json_schema, default_promotion_level, created_at, updated_at
		FROM doc_types
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list doc types: %w", err)
	}
	defer rows.Close()

	var defs []*repository.DocTypeDefinition
	for rows.Next() {
		def, err := scanDocType(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func scanDocType(row pgx.Row) (*repository.DocTypeDefinition, error) {
	var def repository.DocTypeDefinition
	var triggers, required, optional []byte

	err := row.Scan(&def.ID, &def.Name, &def.Description, &def.IsBuiltIn,
		&triggers, &required, &optional, &def.JSONSchema,
		&def.DefaultPromotionLevel, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get doc type: %w", err)
	}

	if err := json.Unmarshal(triggers, &def.TriggerPhrases); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger phrases: %w", err)
	}
	if err := json.Unmarshal(required, &def.RequiredFields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal required fields: %w", err)
	}
	if err := json.Unmarshal(optional, &def.OptionalFields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal optional fields: %w", err)
	}

	return &def, nil
}

// Ensure DocTypeRepo implements the interface
var _ repository.DocTypeRepository = (*DocTypeRepo)(nil)
