package server

import (
	"context"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tomehq/tome/internal/rag"
	"github.com/tomehq/tome/internal/repository"
	"github.com/tomehq/tome/internal/tenant"
	"github.com/tomehq/tome/internal/tomeerr"
	"github.com/tomehq/tome/internal/vectorstore"
)

const defaultSearchTopK = 10

// SemanticSearchInput is a vector search over the active project.
type SemanticSearchInput struct {
	Query          string  `json:"query" jsonschema:"natural-language search query"`
	TopK           int     `json:"top_k,omitempty" jsonschema:"maximum results to return (default 10)"`
	MinScore       float32 `json:"min_score,omitempty" jsonschema:"drop results scoring below this similarity"`
	PromotionFloor string  `json:"promotion_floor,omitempty" jsonschema:"keep only documents at or above this level"`
}

// SearchMatch is one scored chunk.
type SearchMatch struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	FilePath   string  `json:"file_path"`
	Content    string  `json:"content"`
	Score      float32 `json:"score"`
}

// SemanticSearchOutput lists matches best first.
type SemanticSearchOutput struct {
	Matches []SearchMatch `json:"matches"`
}

func (s *Server) handleSemanticSearch(ctx context.Context, req *mcpsdk.CallToolRequest, in SemanticSearchInput) (SemanticSearchOutput, error) {
	filter, err := s.activeFilter(req)
	if err != nil {
		return SemanticSearchOutput{}, err
	}
	return s.search(ctx, s.deps.Vectors, filter, "project", in)
}

// SearchExternalInput mirrors semantic_search over the shared corpus.
type SearchExternalInput = SemanticSearchInput

func (s *Server) handleSearchExternal(ctx context.Context, _ *mcpsdk.CallToolRequest, in SearchExternalInput) (SemanticSearchOutput, error) {
	return s.search(ctx, s.deps.External, tenant.ExternalKey().Filter(), "external", in)
}

func (s *Server) search(ctx context.Context, store vectorstore.Store, filter tenant.Filter, corpus string, in SemanticSearchInput) (SemanticSearchOutput, error) {
	if strings.TrimSpace(in.Query) == "" {
		return SemanticSearchOutput{}, tomeerr.New(tomeerr.KindInvalidArgument, "query is required")
	}
	topK := in.TopK
	if topK <= 0 {
		topK = defaultSearchTopK
	}
	floor, err := promotionFloor(in.PromotionFloor)
	if err != nil {
		return SemanticSearchOutput{}, err
	}

	start := time.Now()
	vector, err := s.deps.Embedder.Embed(ctx, in.Query)
	if err != nil {
		s.recordQuery("semantic_search", corpus, "error", start)
		return SemanticSearchOutput{}, err
	}
	hits, err := store.Search(ctx, filter, vector, topK, vectorstore.SearchOptions{
		MinScore:       in.MinScore,
		PromotionFloor: floor,
	})
	if err != nil {
		s.recordQuery("semantic_search", corpus, "error", start)
		return SemanticSearchOutput{}, err
	}
	s.recordQuery("semantic_search", corpus, "ok", start)

	out := SemanticSearchOutput{Matches: make([]SearchMatch, len(hits))}
	for i, hit := range hits {
		out.Matches[i] = SearchMatch{
			ChunkID:    hit.ChunkID,
			DocumentID: hit.DocumentID,
			FilePath:   hit.FilePath,
			Content:    hit.Content,
			Score:      hit.Score,
		}
	}
	return out, nil
}

// RAGQueryInput is a question answered over the active project.
type RAGQueryInput struct {
	Query          string `json:"query" jsonschema:"the question to answer"`
	MaxChunks      int    `json:"max_chunks,omitempty" jsonschema:"retrieval budget (default 8)"`
	GraphHops      int    `json:"graph_hops,omitempty" jsonschema:"concept graph expansion depth (default 1)"`
	PromotionFloor string `json:"promotion_floor,omitempty" jsonschema:"keep only documents at or above this level"`
}

// RAGQueryOutput is the synthesised answer with citations.
type RAGQueryOutput struct {
	Answer          string       `json:"answer"`
	Sources         []rag.Source `json:"sources"`
	RelatedConcepts []string     `json:"related_concepts,omitempty"`
	Confidence      float32      `json:"confidence"`
	RetrievalMS     int64        `json:"retrieval_ms"`
	GenerationMS    int64        `json:"generation_ms"`
}

func (s *Server) handleRAGQuery(ctx context.Context, req *mcpsdk.CallToolRequest, in RAGQueryInput) (RAGQueryOutput, error) {
	filter, err := s.activeFilter(req)
	if err != nil {
		return RAGQueryOutput{}, err
	}
	return s.ragQuery(ctx, s.deps.RAG, filter, "project", in)
}

// RAGQueryExternalInput mirrors rag_query over the shared corpus.
type RAGQueryExternalInput = RAGQueryInput

func (s *Server) handleRAGQueryExternal(ctx context.Context, _ *mcpsdk.CallToolRequest, in RAGQueryExternalInput) (RAGQueryOutput, error) {
	return s.ragQuery(ctx, s.deps.ExternalRAG, tenant.ExternalKey().Filter(), "external", in)
}

func (s *Server) ragQuery(ctx context.Context, pipeline *rag.Pipeline, filter tenant.Filter, corpus string, in RAGQueryInput) (RAGQueryOutput, error) {
	if strings.TrimSpace(in.Query) == "" {
		return RAGQueryOutput{}, tomeerr.New(tomeerr.KindInvalidArgument, "query is required")
	}
	floor, err := promotionFloor(in.PromotionFloor)
	if err != nil {
		return RAGQueryOutput{}, err
	}

	start := time.Now()
	result, err := pipeline.Query(ctx, filter, in.Query, rag.Options{
		MaxChunks:      in.MaxChunks,
		GraphHops:      in.GraphHops,
		PromotionFloor: floor,
	})
	if err != nil {
		s.recordQuery("rag_query", corpus, "error", start)
		return RAGQueryOutput{}, err
	}
	s.recordQuery("rag_query", corpus, "ok", start)

	return RAGQueryOutput{
		Answer:          result.Answer,
		Sources:         result.Sources,
		RelatedConcepts: result.RelatedConcepts,
		Confidence:      result.Confidence,
		RetrievalMS:     result.RetrievalMS,
		GenerationMS:    result.GenerationMS,
	}, nil
}

func promotionFloor(raw string) (repository.PromotionLevel, error) {
	if raw == "" {
		return "", nil
	}
	level, ok := repository.ParsePromotionLevel(raw)
	if !ok {
		return "", tomeerr.Newf(tomeerr.KindInvalidArgument,
			"unknown promotion level %q: use standard, important or critical", raw)
	}
	return level, nil
}

func (s *Server) recordQuery(operation, corpus, status string, start time.Time) {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.RecordQuery(operation, corpus, status, time.Since(start))
}
