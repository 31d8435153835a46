// Package rag implements graph-augmented retrieval: vector search seeded by
// the query, expanded through the concept graph, synthesised by a generation
// model with per-chunk citations.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tomehq/tome/internal/embedder"
	"github.com/tomehq/tome/internal/graphstore"
	"github.com/tomehq/tome/internal/llm"
	"github.com/tomehq/tome/internal/repository"
	"github.com/tomehq/tome/internal/reranker"
	"github.com/tomehq/tome/internal/resilience"
	"github.com/tomehq/tome/internal/tenant"
	"github.com/tomehq/tome/internal/vectorstore"
)

const insufficientEvidence = "I don't have enough indexed material to answer that. Try indexing more documents or rephrasing the question."

const defaultSystemPrompt = `You are a documentation assistant. Answer using only the context documents.
Cite supporting documents inline as [Doc N]. If the context does not contain
the answer, say so instead of guessing.`

// Options tune one query.
type Options struct {
	MaxChunks      int
	GraphHops      int
	MinScore       float32
	PromotionFloor repository.PromotionLevel
}

// Source cites one chunk used in the answer.
type Source struct {
	DocumentID string  `json:"document_id"`
	ChunkID    string  `json:"chunk_id"`
	FilePath   string  `json:"file_path"`
	Score      float32 `json:"score"`
}

// QueryResult is the full pipeline output.
type QueryResult struct {
	Answer          string   `json:"answer"`
	Sources         []Source `json:"sources"`
	RelatedConcepts []string `json:"related_concepts"`
	Confidence      float32  `json:"confidence"`
	RetrievalMS     int64    `json:"retrieval_ms"`
	GenerationMS    int64    `json:"generation_ms"`
}

// Config holds the pipeline defaults.
type Config struct {
	MaxChunks    int
	GraphHops    int
	MinScore     float32
	VectorWeight float32
	GraphWeight  float32
	Model        string
	SystemPrompt string
	// UseReranker inserts the LLM reranking stage before truncation.
	UseReranker bool
}

// Pipeline wires retrieval, graph expansion and synthesis. The graph store
// and reranker are optional; without a graph the pipeline degrades to plain
// vector RAG.
type Pipeline struct {
	config   Config
	embed    embedder.Embedder
	vectors  vectorstore.Store
	graph    graphstore.Store
	docs     repository.DocumentRepository
	llm      llm.LLM
	rerank   reranker.Reranker
	pipeline *resilience.Pipeline
	logger   *slog.Logger
}

// New creates the pipeline, applying defaults for zero config values. The
// resilience pipeline wraps generation calls.
func New(
	config Config,
	embed embedder.Embedder,
	vectors vectorstore.Store,
	graph graphstore.Store,
	docs repository.DocumentRepository,
	llmClient llm.LLM,
	rerank reranker.Reranker,
	pipeline *resilience.Pipeline,
	logger *slog.Logger,
) *Pipeline {
	if config.MaxChunks <= 0 {
		config.MaxChunks = 10
	}
	if config.GraphHops <= 0 {
		config.GraphHops = 1
	}
	if config.VectorWeight == 0 && config.GraphWeight == 0 {
		config.VectorWeight = 0.7
		config.GraphWeight = 0.3
	}
	if config.SystemPrompt == "" {
		config.SystemPrompt = defaultSystemPrompt
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		config:   config,
		embed:    embed,
		vectors:  vectors,
		graph:    graph,
		docs:     docs,
		llm:      llmClient,
		rerank:   rerank,
		pipeline: pipeline,
		logger:   logger.With("component", "rag"),
	}
}

// candidate is one chunk in flight through scoring.
type candidate struct {
	chunkID     string
	documentID  string
	filePath    string
	content     string
	vectorScore float32
	hops        int
	final       float32
}

// Query answers a question over the tenant's corpus. Empty retrieval is not
// an error: the result carries an insufficient-evidence answer.
func (p *Pipeline) Query(ctx context.Context, filter tenant.Filter, query string, opts Options) (*QueryResult, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	opts = p.withDefaults(opts)

	retrievalStart := time.Now()

	// Step 1: embed the query.
	queryVector, err := p.embed.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	// Step 2: filtered vector search.
	hits, err := p.vectors.Search(ctx, filter, queryVector, opts.MaxChunks, vectorstore.SearchOptions{
		MinScore:       opts.MinScore,
		PromotionFloor: opts.PromotionFloor,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}

	candidates := make(map[string]*candidate, len(hits))
	order := make([]string, 0, len(hits))
	for _, h := range hits {
		candidates[h.ChunkID] = &candidate{
			chunkID:     h.ChunkID,
			documentID:  h.DocumentID,
			filePath:    h.FilePath,
			content:     h.Content,
			vectorScore: h.Score,
		}
		order = append(order, h.ChunkID)
	}

	// Steps 3-4: concept lookup and graph expansion.
	relatedNames := p.expandGraph(ctx, filter, candidates, &order, opts)

	retrievalMS := time.Since(retrievalStart).Milliseconds()

	if len(candidates) == 0 {
		return &QueryResult{
			Answer:          insufficientEvidence,
			Sources:         []Source{},
			RelatedConcepts: relatedNames,
			Confidence:      0,
			RetrievalMS:     retrievalMS,
		}, nil
	}

	// Step 5: blend, dedupe is implicit in the map, sort, truncate.
	selected := p.rankAndTruncate(ctx, query, candidates, order, opts)

	// Step 6: synthesis.
	generationStart := time.Now()
	answer, err := p.synthesise(ctx, query, selected)
	if err != nil {
		return nil, fmt.Errorf("failed to generate answer: %w", err)
	}
	generationMS := time.Since(generationStart).Milliseconds()

	sources := make([]Source, len(selected))
	for i, c := range selected {
		sources[i] = Source{
			DocumentID: c.documentID,
			ChunkID:    c.chunkID,
			FilePath:   c.filePath,
			Score:      c.final,
		}
	}

	return &QueryResult{
		Answer:          answer,
		Sources:         sources,
		RelatedConcepts: relatedNames,
		Confidence:      confidence(selected),
		RetrievalMS:     retrievalMS,
		GenerationMS:    generationMS,
	}, nil
}

func (p *Pipeline) withDefaults(opts Options) Options {
	if opts.MaxChunks <= 0 {
		opts.MaxChunks = p.config.MaxChunks
	}
	if opts.GraphHops <= 0 {
		opts.GraphHops = p.config.GraphHops
	}
	if opts.MinScore <= 0 {
		opts.MinScore = p.config.MinScore
	}
	return opts
}

// expandGraph walks MENTIONS and RELATES_TO around the vector hits, adding
// extra chunks (budget 2×MaxChunks) and returning related concept names.
// Graph failures degrade to plain vector results.
func (p *Pipeline) expandGraph(ctx context.Context, filter tenant.Filter, candidates map[string]*candidate, order *[]string, opts Options) []string {
	if p.graph == nil || len(candidates) == 0 {
		return nil
	}

	chunkIDs := make([]string, 0, len(candidates))
	for id := range candidates {
		chunkIDs = append(chunkIDs, id)
	}
	sort.Strings(chunkIDs)

	concepts, err := p.graph.GetConceptsForChunks(ctx, chunkIDs)
	if err != nil {
		p.logger.Warn("concept lookup failed, using vector results only", "error", err)
		return nil
	}

	// hop distance per concept: 0 for directly mentioned, else traversal depth.
	hopsByConcept := make(map[string]int, len(concepts))
	namesSeen := make(map[string]bool)
	var relatedNames []string
	for _, c := range concepts {
		hopsByConcept[c.ID] = 0
	}
	for _, c := range concepts {
		related, err := p.graph.GetRelatedConcepts(ctx, c.ID, opts.GraphHops)
		if err != nil {
			p.logger.Warn("concept expansion failed", "concept", c.Name, "error", err)
			continue
		}
		for _, r := range related {
			if existing, ok := hopsByConcept[r.Concept.ID]; !ok || r.Hops < existing {
				hopsByConcept[r.Concept.ID] = r.Hops
			}
			if !namesSeen[r.Concept.Name] {
				namesSeen[r.Concept.Name] = true
				relatedNames = append(relatedNames, r.Concept.Name)
			}
		}
	}

	// Extra chunks via MENTIONS, nearest concepts first, budget-capped.
	budget := 2 * opts.MaxChunks
	conceptIDs := make([]string, 0, len(hopsByConcept))
	for id := range hopsByConcept {
		conceptIDs = append(conceptIDs, id)
	}
	sort.Slice(conceptIDs, func(i, j int) bool {
		if hopsByConcept[conceptIDs[i]] != hopsByConcept[conceptIDs[j]] {
			return hopsByConcept[conceptIDs[i]] < hopsByConcept[conceptIDs[j]]
		}
		return conceptIDs[i] < conceptIDs[j]
	})

	var extraIDs []uuid.UUID
	extraHops := make(map[string]int)
	for _, conceptID := range conceptIDs {
		if len(extraIDs) >= budget {
			break
		}
		chunks, err := p.graph.GetChunksByConcept(ctx, conceptID)
		if err != nil {
			continue
		}
		for _, cn := range chunks {
			if len(extraIDs) >= budget {
				break
			}
			if _, have := candidates[cn.ID]; have {
				continue
			}
			if _, queued := extraHops[cn.ID]; queued {
				continue
			}
			id, err := uuid.Parse(cn.ID)
			if err != nil {
				continue
			}
			extraIDs = append(extraIDs, id)
			extraHops[cn.ID] = hopsByConcept[conceptID]
		}
	}

	if len(extraIDs) > 0 {
		rows, err := p.docs.GetChunksByIDs(ctx, extraIDs)
		if err != nil {
			p.logger.Warn("failed to load graph-expanded chunks", "error", err)
			return relatedNames
		}
		for _, row := range rows {
			doc, err := p.docs.GetByID(ctx, filter, row.DocumentID)
			if err != nil {
				// Outside the tenant or gone; skip.
				continue
			}
			id := row.ID.String()
			candidates[id] = &candidate{
				chunkID:    id,
				documentID: row.DocumentID.String(),
				filePath:   doc.FilePath,
				content:    row.Content,
				hops:       extraHops[id],
			}
			*order = append(*order, id)
		}
	}

	return relatedNames
}

// rankAndTruncate blends scores, optionally reranks, and keeps the top
// MaxChunks candidates.
func (p *Pipeline) rankAndTruncate(ctx context.Context, query string, candidates map[string]*candidate, order []string, opts Options) []*candidate {
	list := make([]*candidate, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, id := range order {
		c, ok := candidates[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		proximity := float32(1) / float32(1+c.hops)
		c.final = p.config.VectorWeight*c.vectorScore + p.config.GraphWeight*proximity
		list = append(list, c)
	}

	if p.config.UseReranker && p.rerank != nil && len(list) > 1 {
		results := make([]vectorstore.SearchResult, len(list))
		for i, c := range list {
			results[i] = vectorstore.SearchResult{
				ChunkID:    c.chunkID,
				DocumentID: c.documentID,
				FilePath:   c.filePath,
				Content:    c.content,
				Score:      c.final,
			}
		}
		if scored, err := p.rerank.Rerank(ctx, query, results, len(results)); err == nil && len(scored) > 0 {
			for _, s := range scored {
				if c, ok := candidates[s.ChunkID]; ok {
					c.final = s.RerankerScore
				}
			}
		}
	}

	sort.SliceStable(list, func(i, j int) bool { return list[i].final > list[j].final })
	if len(list) > opts.MaxChunks {
		list = list[:opts.MaxChunks]
	}
	return list
}

// synthesise calls the generator with the selected chunks through the
// resilience pipeline.
func (p *Pipeline) synthesise(ctx context.Context, query string, selected []*candidate) (string, error) {
	prompt := p.buildPrompt(query, selected)
	genOpts := llm.GenerateOptions{
		Model:        p.config.Model,
		SystemPrompt: p.config.SystemPrompt,
		Temperature:  0.3,
	}

	var answer string
	call := func(ctx context.Context) error {
		var err error
		answer, err = p.llm.Generate(ctx, prompt, genOpts)
		return err
	}
	if p.pipeline != nil {
		if err := p.pipeline.Execute(ctx, call); err != nil {
			return "", err
		}
		return answer, nil
	}
	if err := call(ctx); err != nil {
		return "", err
	}
	return answer, nil
}

func (p *Pipeline) buildPrompt(query string, selected []*candidate) string {
	var sb strings.Builder
	sb.WriteString("## Context Documents\n\n")
	for i, c := range selected {
		sb.WriteString(fmt.Sprintf("[Doc %d] (%s)\n", i+1, c.filePath))
		sb.WriteString(c.content)
		sb.WriteString("\n\n")
	}
	sb.WriteString("## Question\n")
	sb.WriteString(query)
	sb.WriteString("\n\n## Answer (cite sources as [Doc N])\n")
	return sb.String()
}

// confidence estimates answer confidence from the top-score distribution:
// the mean of the top three final scores, clamped to [0, 1].
func confidence(selected []*candidate) float32 {
	if len(selected) == 0 {
		return 0
	}
	n := min(3, len(selected))
	var sum float32
	for _, c := range selected[:n] {
		sum += c.final
	}
	conf := sum / float32(n)
	if conf > 1 {
		conf = 1
	}
	if conf < 0 {
		conf = 0
	}
	return conf
}
