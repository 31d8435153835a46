package server

import (
	"context"
	"errors"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tomehq/tome/internal/repository"
	"github.com/tomehq/tome/internal/tenant"
	"github.com/tomehq/tome/internal/tomeerr"
)

// IndexDocumentInput is one document to index in the active project.
type IndexDocumentInput struct {
	FilePath string `json:"file_path" jsonschema:"path of the document relative to the project root"`
	Content  string `json:"content" jsonschema:"full markdown content including optional YAML frontmatter"`
}

// IndexDocumentOutput mirrors the indexing result.
type IndexDocumentOutput struct {
	DocumentID     string   `json:"document_id"`
	FilePath       string   `json:"file_path"`
	Title          string   `json:"title"`
	DocType        string   `json:"doc_type"`
	ChunkCount     int      `json:"chunk_count"`
	ContentChanged bool     `json:"content_changed"`
	ProcessingMS   int64    `json:"processing_ms"`
	EmbeddingMS    int64    `json:"embedding_ms"`
	Warnings       []string `json:"warnings,omitempty"`
}

func (s *Server) handleIndexDocument(ctx context.Context, req *mcpsdk.CallToolRequest, in IndexDocumentInput) (IndexDocumentOutput, error) {
	if strings.TrimSpace(in.FilePath) == "" {
		return IndexDocumentOutput{}, tomeerr.New(tomeerr.KindInvalidArgument, "file_path is required")
	}
	sess, err := s.activeSession(req)
	if err != nil {
		return IndexDocumentOutput{}, err
	}

	result, err := s.deps.Indexer.Index(ctx, sess.Key(), in.FilePath, in.Content)
	if err != nil {
		return IndexDocumentOutput{}, err
	}
	return IndexDocumentOutput{
		DocumentID:     result.DocumentID.String(),
		FilePath:       result.FilePath,
		Title:          result.Title,
		DocType:        result.DocType,
		ChunkCount:     result.ChunkCount,
		ContentChanged: result.ContentChanged,
		ProcessingMS:   result.ProcessingMS,
		EmbeddingMS:    result.EmbeddingMS,
		Warnings:       result.Warnings,
	}, nil
}

// DeleteDocumentsInput selects a tenant scope to delete. Fields left empty
// default to the active session's scope; the project must always match an
// explicit intent.
type DeleteDocumentsInput struct {
	Project  string `json:"project" jsonschema:"project whose documents to delete"`
	Branch   string `json:"branch,omitempty" jsonschema:"branch scope (default: the active session's branch)"`
	PathHash string `json:"path_hash,omitempty" jsonschema:"path hash scope (default: the active session's)"`
	DryRun   bool   `json:"dry_run,omitempty" jsonschema:"report the count without deleting"`
}

// DeleteDocumentsOutput reports what was (or would be) removed.
type DeleteDocumentsOutput struct {
	DryRun           bool  `json:"dry_run"`
	DocumentsDeleted int64 `json:"documents_deleted"`
}

func (s *Server) handleDeleteDocuments(ctx context.Context, req *mcpsdk.CallToolRequest, in DeleteDocumentsInput) (DeleteDocumentsOutput, error) {
	if strings.TrimSpace(in.Project) == "" {
		return DeleteDocumentsOutput{}, tomeerr.New(tomeerr.KindInvalidArgument, "project is required")
	}

	filter := tenant.Filter{
		ProjectName: in.Project,
		BranchName:  in.Branch,
		PathHash:    in.PathHash,
	}
	// Missing scope components come from the active session, but only for
	// the session's own project.
	if filter.BranchName == "" || filter.PathHash == "" {
		sess, err := s.activeSession(req)
		if err != nil {
			return DeleteDocumentsOutput{}, err
		}
		if sess.ProjectName != in.Project {
			return DeleteDocumentsOutput{}, tomeerr.Newf(tomeerr.KindInvalidArgument,
				"branch and path_hash are required when deleting outside the active project %q", sess.ProjectName)
		}
		if filter.BranchName == "" {
			filter.BranchName = sess.ActiveBranch
		}
		if filter.PathHash == "" {
			filter.PathHash = sess.PathHash
		}
	}
	if err := filter.Validate(); err != nil {
		return DeleteDocumentsOutput{}, err
	}

	if in.DryRun {
		count, err := s.deps.Docs.CountByTenant(ctx, filter)
		if err != nil {
			return DeleteDocumentsOutput{}, err
		}
		return DeleteDocumentsOutput{DryRun: true, DocumentsDeleted: count}, nil
	}

	// Graph cascades need the document ids before the rows go away.
	if s.deps.Graph != nil {
		docs, err := s.deps.Docs.ListByTenant(ctx, filter)
		if err != nil {
			return DeleteDocumentsOutput{}, err
		}
		for _, doc := range docs {
			if err := s.deps.Graph.DeleteDocumentCascade(ctx, doc.ID.String()); err != nil {
				s.logger.Warn("graph cascade failed", "document_id", doc.ID, "error", err)
			}
		}
	}

	deleted, err := s.deps.Docs.DeleteByTenant(ctx, filter)
	if err != nil {
		return DeleteDocumentsOutput{}, err
	}
	if err := s.deps.Vectors.DeleteByTenant(ctx, filter); err != nil {
		return DeleteDocumentsOutput{}, err
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.DocumentsDeleted.WithLabelValues("tool").Add(float64(deleted))
	}
	return DeleteDocumentsOutput{DocumentsDeleted: deleted}, nil
}

// UpdatePromotionInput changes one document's promotion level.
type UpdatePromotionInput struct {
	DocumentPath string `json:"document_path" jsonschema:"path of the document in the active project"`
	Level        string `json:"level" jsonschema:"one of standard, important, critical"`
}

// UpdatePromotionOutput reports the transition.
type UpdatePromotionOutput struct {
	DocumentPath  string `json:"document_path"`
	PreviousLevel string `json:"previous_level"`
	NewLevel      string `json:"new_level"`
}

func (s *Server) handleUpdatePromotion(ctx context.Context, req *mcpsdk.CallToolRequest, in UpdatePromotionInput) (UpdatePromotionOutput, error) {
	level, ok := repository.ParsePromotionLevel(in.Level)
	if !ok {
		return UpdatePromotionOutput{}, tomeerr.Newf(tomeerr.KindInvalidArgument,
			"unknown promotion level %q: use standard, important or critical", in.Level)
	}
	filter, err := s.activeFilter(req)
	if err != nil {
		return UpdatePromotionOutput{}, err
	}

	previous, err := s.deps.Docs.UpdatePromotion(ctx, filter, in.DocumentPath, level)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return UpdatePromotionOutput{}, tomeerr.Newf(tomeerr.KindNotFound, "document %q not found", in.DocumentPath)
		}
		return UpdatePromotionOutput{}, err
	}

	// Keep the vector payload in step so promotion floors filter correctly.
	doc, err := s.deps.Docs.GetByPath(ctx, filter, in.DocumentPath)
	if err == nil {
		if verr := s.deps.Vectors.UpdatePromotion(ctx, filter, doc.ID.String(), level); verr != nil {
			s.logger.Warn("failed to update vector promotion payload", "path", in.DocumentPath, "error", verr)
		}
	}

	return UpdatePromotionOutput{
		DocumentPath:  in.DocumentPath,
		PreviousLevel: string(previous),
		NewLevel:      string(level),
	}, nil
}

// ListDocTypesInput has no fields.
type ListDocTypesInput struct{}

// DocTypeSummary is one registered document type.
type DocTypeSummary struct {
	ID                    string   `json:"id"`
	Name                  string   `json:"name"`
	Description           string   `json:"description,omitempty"`
	IsBuiltIn             bool     `json:"is_built_in"`
	RequiredFields        []string `json:"required_fields,omitempty"`
	OptionalFields        []string `json:"optional_fields,omitempty"`
	DefaultPromotionLevel string   `json:"default_promotion_level"`
}

// ListDocTypesOutput lists every registered type.
type ListDocTypesOutput struct {
	DocTypes []DocTypeSummary `json:"doc_types"`
}

func (s *Server) handleListDocTypes(_ context.Context, _ *mcpsdk.CallToolRequest, _ ListDocTypesInput) (ListDocTypesOutput, error) {
	defs := s.deps.Registry.List()
	out := ListDocTypesOutput{DocTypes: make([]DocTypeSummary, len(defs))}
	for i, def := range defs {
		out.DocTypes[i] = DocTypeSummary{
			ID:                    def.ID,
			Name:                  def.Name,
			Description:           def.Description,
			IsBuiltIn:             def.IsBuiltIn,
			RequiredFields:        def.RequiredFields,
			OptionalFields:        def.OptionalFields,
			DefaultPromotionLevel: string(def.DefaultPromotionLevel),
		}
	}
	return out, nil
}

// RegisterDocTypeInput is a custom document type definition.
type RegisterDocTypeInput struct {
	ID                    string   `json:"id" jsonschema:"kebab-case type id"`
	Name                  string   `json:"name" jsonschema:"human-readable name"`
	Description           string   `json:"description,omitempty"`
	TriggerPhrases        []string `json:"trigger_phrases,omitempty" jsonschema:"phrases suggesting this type"`
	RequiredFields        []string `json:"required_fields,omitempty" jsonschema:"frontmatter fields that must be present"`
	OptionalFields        []string `json:"optional_fields,omitempty"`
	JSONSchema            string   `json:"json_schema,omitempty" jsonschema:"optional JSON schema applied to frontmatter"`
	DefaultPromotionLevel string   `json:"default_promotion_level,omitempty" jsonschema:"standard, important or critical"`
}

// RegisterDocTypeOutput confirms the registration.
type RegisterDocTypeOutput struct {
	ID string `json:"id"`
}

func (s *Server) handleRegisterDocType(ctx context.Context, _ *mcpsdk.CallToolRequest, in RegisterDocTypeInput) (RegisterDocTypeOutput, error) {
	def := &repository.DocTypeDefinition{
		ID:                    in.ID,
		Name:                  in.Name,
		Description:           in.Description,
		TriggerPhrases:        in.TriggerPhrases,
		RequiredFields:        in.RequiredFields,
		OptionalFields:        in.OptionalFields,
		JSONSchema:            in.JSONSchema,
		DefaultPromotionLevel: repository.PromotionLevel(in.DefaultPromotionLevel),
	}
	if err := s.deps.Registry.Register(ctx, def); err != nil {
		return RegisterDocTypeOutput{}, err
	}
	return RegisterDocTypeOutput{ID: def.ID}, nil
}
