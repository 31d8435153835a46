// Package doctype manages document type definitions and frontmatter
// validation. Built-in types are seeded at startup; custom types register at
// runtime and persist across restarts.
package doctype

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/tomehq/tome/internal/repository"
	"github.com/tomehq/tome/internal/tomeerr"
)

var idPattern = regexp.MustCompile(`^[a-z][a-z0-9]*(-[a-z0-9]+)*$`)

// Registry holds all known doc types keyed by lower-cased id.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*repository.DocTypeDefinition
	repo  repository.DocTypeRepository
}

// NewRegistry creates a registry backed by the given persistence layer.
// A nil repo keeps custom registrations in memory only.
func NewRegistry(repo repository.DocTypeRepository) *Registry {
	return &Registry{
		types: make(map[string]*repository.DocTypeDefinition),
		repo:  repo,
	}
}

// Load seeds the built-in types and restores persisted custom types.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, def := range BuiltIns() {
		r.types[strings.ToLower(def.ID)] = def
	}
	if r.repo == nil {
		return nil
	}
	defs, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load doc types: %w", err)
	}
	for _, def := range defs {
		key := strings.ToLower(def.ID)
		if existing, ok := r.types[key]; ok && existing.IsBuiltIn {
			// A stored row must never shadow a built-in.
			continue
		}
		r.types[key] = def
	}
	return nil
}

// Register adds a custom doc type. Duplicate ids, compared case-insensitively,
// are rejected. The definition is persisted before it becomes visible.
func (r *Registry) Register(ctx context.Context, def *repository.DocTypeDefinition) error {
	if def == nil {
		return tomeerr.New(tomeerr.KindInvalidArgument, "doc type definition is required")
	}
	if !idPattern.MatchString(def.ID) {
		return tomeerr.Newf(tomeerr.KindInvalidArgument, "doc type id %q must be kebab-case", def.ID)
	}
	if strings.TrimSpace(def.Name) == "" {
		return tomeerr.New(tomeerr.KindInvalidArgument, "doc type name cannot be blank")
	}
	if def.DefaultPromotionLevel == "" {
		def.DefaultPromotionLevel = repository.PromotionStandard
	} else if _, ok := repository.ParsePromotionLevel(string(def.DefaultPromotionLevel)); !ok {
		return tomeerr.Newf(tomeerr.KindInvalidArgument, "unknown promotion level %q", def.DefaultPromotionLevel)
	}
	if def.JSONSchema != "" {
		if _, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(def.JSONSchema)); err != nil {
			return tomeerr.Wrapf(tomeerr.KindInvalidArgument, err, "doc type %s has an invalid json schema", def.ID)
		}
	}

	key := strings.ToLower(def.ID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.types[key]; ok {
		return tomeerr.Newf(tomeerr.KindDuplicateDocType, "doc type %q is already registered", def.ID)
	}
	def.IsBuiltIn = false
	if r.repo != nil {
		if err := r.repo.Upsert(ctx, def); err != nil {
			return fmt.Errorf("failed to persist doc type %s: %w", def.ID, err)
		}
	}
	r.types[key] = def
	return nil
}

// Get looks up a type by id, case-insensitively.
func (r *Registry) Get(id string) (*repository.DocTypeDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.types[strings.ToLower(id)]
	return def, ok
}

// List returns all registered types sorted by id.
func (r *Registry) List() []*repository.DocTypeDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*repository.DocTypeDefinition, 0, len(r.types))
	for _, def := range r.types {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BuiltIns returns fresh copies of the built-in type definitions.
func BuiltIns() []*repository.DocTypeDefinition {
	return []*repository.DocTypeDefinition{
		{
			ID:                    "problem",
			Name:                  "Problem",
			Description:           "A bug, failure, or unresolved issue and what is known about it",
			IsBuiltIn:             true,
			TriggerPhrases:        []string{"ran into", "error", "bug", "failing", "broken", "doesn't work"},
			RequiredFields:        []string{"title", "doc_type"},
			OptionalFields:        []string{"status", "severity", "tags"},
			DefaultPromotionLevel: repository.PromotionImportant,
		},
		{
			ID:                    "insight",
			Name:                  "Insight",
			Description:           "A lesson learned or non-obvious behaviour worth remembering",
			IsBuiltIn:             true,
			TriggerPhrases:        []string{"learned that", "turns out", "realized", "gotcha"},
			RequiredFields:        []string{"title", "doc_type"},
			OptionalFields:        []string{"tags"},
			DefaultPromotionLevel: repository.PromotionStandard,
		},
		{
			ID:                    "codebase",
			Name:                  "Codebase",
			Description:           "Architecture and structure notes about a code area",
			IsBuiltIn:             true,
			TriggerPhrases:        []string{"architecture", "structure of", "how the code", "module layout"},
			RequiredFields:        []string{"title", "doc_type"},
			OptionalFields:        []string{"area", "tags"},
			DefaultPromotionLevel: repository.PromotionStandard,
		},
		{
			ID:                    "tool",
			Name:                  "Tool",
			Description:           "Usage notes for a command, script, or external tool",
			IsBuiltIn:             true,
			TriggerPhrases:        []string{"how to use", "command", "cli", "invocation"},
			RequiredFields:        []string{"title", "doc_type"},
			OptionalFields:        []string{"tags"},
			DefaultPromotionLevel: repository.PromotionStandard,
		},
		{
			ID:                    "style",
			Name:                  "Style",
			Description:           "Coding conventions and style rules for the project",
			IsBuiltIn:             true,
			TriggerPhrases:        []string{"convention", "style guide", "naming", "formatting"},
			RequiredFields:        []string{"title", "doc_type"},
			OptionalFields:        []string{"scope", "tags"},
			DefaultPromotionLevel: repository.PromotionStandard,
		},
		{
			ID:                    "spec",
			Name:                  "Spec",
			Description:           "A feature or behaviour specification",
			IsBuiltIn:             true,
			TriggerPhrases:        []string{"requirements", "acceptance criteria", "must support", "shall"},
			RequiredFields:        []string{"title", "doc_type"},
			OptionalFields:        []string{"status", "tags"},
			DefaultPromotionLevel: repository.PromotionImportant,
		},
		{
			ID:                    "adr",
			Name:                  "Architecture Decision Record",
			Description:           "A recorded architectural decision with its context and consequences",
			IsBuiltIn:             true,
			TriggerPhrases:        []string{"we decided", "decision", "chose", "trade-off"},
			RequiredFields:        []string{"title", "doc_type", "status"},
			OptionalFields:        []string{"deciders", "tags"},
			DefaultPromotionLevel: repository.PromotionImportant,
		},
		{
			ID:                    "research",
			Name:                  "Research",
			Description:           "An investigation or comparison of approaches",
			IsBuiltIn:             true,
			TriggerPhrases:        []string{"investigated", "compared", "evaluated", "benchmark"},
			RequiredFields:        []string{"title", "doc_type"},
			OptionalFields:        []string{"tags"},
			DefaultPromotionLevel: repository.PromotionStandard,
		},
		{
			ID:                    "doc",
			Name:                  "Document",
			Description:           "General documentation that fits no other type",
			IsBuiltIn:             true,
			TriggerPhrases:        nil,
			RequiredFields:        []string{"title", "doc_type"},
			OptionalFields:        []string{"tags"},
			DefaultPromotionLevel: repository.PromotionStandard,
		},
	}
}
