// Package extractor pulls concepts and concept relationships out of chunk
// text with a generation model. Extraction is best-effort: a failure yields
// zero entities and a warning, never a failed index.
package extractor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/tomehq/tome/internal/graphstore"
	"github.com/tomehq/tome/internal/llm"
	"github.com/tomehq/tome/internal/resilience"
	"github.com/tomehq/tome/internal/tenant"
)

const extractionPrompt = `Extract the key concepts and their relationships from the following documentation excerpt.

Respond with JSON only, no prose, in this exact shape:
{
  "concepts": [
    {"name": "...", "description": "...", "category": "...", "aliases": ["..."]}
  ],
  "relationships": [
    {"source": "...", "target": "..."}
  ]
}

Rules:
- Concepts are technical entities: components, protocols, commands, formats, domain terms.
- At most 8 concepts. Skip generic words.
- A relationship links two extracted concept names that the text connects.

Excerpt:
%s`

// Extraction is the parsed model output with tenant-scoped concept ids.
type Extraction struct {
	Concepts      []graphstore.ConceptNode
	Relationships []Relation
}

// Relation links two extracted concepts by id.
type Relation struct {
	SourceID string
	TargetID string
}

// Extractor calls the generation model through the embedding resilience
// pipeline.
type Extractor struct {
	llmClient llm.LLM
	model     string
	pipeline  *resilience.Pipeline
	logger    *slog.Logger
}

// New creates an extractor. A nil pipeline calls the model directly.
func New(llmClient llm.LLM, model string, pipeline *resilience.Pipeline, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		llmClient: llmClient,
		model:     model,
		pipeline:  pipeline,
		logger:    logger.With("component", "extractor"),
	}
}

// modelConcept is the model-facing JSON shape.
type modelConcept struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Aliases     []string `json:"aliases"`
}

type modelRelation struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

type modelOutput struct {
	Concepts      []modelConcept  `json:"concepts"`
	Relationships []modelRelation `json:"relationships"`
}

// Extract returns the concepts and relationships found in chunkText, scoped
// to the tenant. On any failure the result is empty and the error nil; the
// caller keeps indexing.
func (e *Extractor) Extract(ctx context.Context, key tenant.Key, chunkText string) Extraction {
	if strings.TrimSpace(chunkText) == "" {
		return Extraction{}
	}

	prompt := strings.Replace(extractionPrompt, "%s", chunkText, 1)
	opts := llm.GenerateOptions{
		Model:       e.model,
		Temperature: 0.1,
	}

	var raw string
	err := e.execute(ctx, func(ctx context.Context) error {
		var err error
		raw, err = e.llmClient.Generate(ctx, prompt, opts)
		return err
	})
	if err != nil {
		e.logger.Warn("entity extraction failed", "tenant", key.String(), "error", err)
		return Extraction{}
	}

	output, err := parseModelOutput(raw)
	if err != nil {
		e.logger.Warn("entity extraction returned unparseable output", "tenant", key.String(), "error", err)
		return Extraction{}
	}

	return resolve(key, output)
}

func (e *Extractor) execute(ctx context.Context, op func(ctx context.Context) error) error {
	if e.pipeline == nil {
		return op(ctx)
	}
	return e.pipeline.Execute(ctx, op)
}

// parseModelOutput tolerates the usual model quirks: code fences and prose
// around the JSON object.
func parseModelOutput(raw string) (modelOutput, error) {
	raw = strings.TrimSpace(raw)
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}

	var out modelOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return modelOutput{}, err
	}
	return out, nil
}

// resolve assigns tenant-scoped ids and drops relationships that reference
// unextracted concepts.
func resolve(key tenant.Key, out modelOutput) Extraction {
	var ex Extraction
	idsByName := make(map[string]string)

	for _, mc := range out.Concepts {
		name := strings.TrimSpace(mc.Name)
		if name == "" {
			continue
		}
		id := ConceptID(key, name)
		if _, seen := idsByName[strings.ToLower(name)]; seen {
			continue
		}
		idsByName[strings.ToLower(name)] = id
		ex.Concepts = append(ex.Concepts, graphstore.ConceptNode{
			ID:          id,
			Name:        name,
			Description: strings.TrimSpace(mc.Description),
			Category:    strings.TrimSpace(mc.Category),
			Aliases:     mc.Aliases,
		})
	}

	for _, mr := range out.Relationships {
		source, okS := idsByName[strings.ToLower(strings.TrimSpace(mr.Source))]
		target, okT := idsByName[strings.ToLower(strings.TrimSpace(mr.Target))]
		if !okS || !okT || source == target {
			continue
		}
		ex.Relationships = append(ex.Relationships, Relation{SourceID: source, TargetID: target})
	}

	return ex
}

// ConceptID derives a stable, tenant-scoped concept id from the concept
// name. Two tenants mentioning the same concept get distinct nodes, which
// is what keeps graph traversals inside one tenant.
func ConceptID(key tenant.Key, name string) string {
	seed := key.ProjectName + ":" + key.BranchName + ":" + key.PathHash + ":" + strings.ToLower(strings.TrimSpace(name))
	sum := sha256.Sum256([]byte(seed))
	return "concept-" + hex.EncodeToString(sum[:16])
}
