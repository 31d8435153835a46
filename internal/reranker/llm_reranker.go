package reranker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/tomehq/tome/internal/llm"
	"github.com/tomehq/tome/internal/vectorstore"
)

const (
	defaultRerankModel = "llama3.2"

	// rerankSnippetLimit truncates document content in the scoring prompt
	// to stay inside the model's context window.
	rerankSnippetLimit = 500

	// missingEntryScore fills in for documents the model forgot to score.
	missingEntryScore = 0.5
)

// LLMReranker rescores query-chunk pairs with the generation model acting as
// a cross-encoder: the model sees query and document together, which the
// bi-encoder retrieval stage cannot.
type LLMReranker struct {
	llmClient llm.LLM
	model     string
	logger    *slog.Logger
}

// LLMRerankerOption configures an LLMReranker.
type LLMRerankerOption func(*LLMReranker)

// WithModel sets the model to use for reranking.
func WithModel(model string) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.model = model
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.logger = logger
	}
}

// NewLLMReranker creates an LLM-backed reranker.
func NewLLMReranker(llmClient llm.LLM, opts ...LLMRerankerOption) *LLMReranker {
	r := &LLMReranker{
		llmClient: llmClient,
		model:     defaultRerankModel,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "reranker")
	return r
}

type relevanceScore struct {
	DocIndex int     `json:"doc_index"`
	Score    float32 `json:"score"`
}

type rerankResponse struct {
	Scores []relevanceScore `json:"scores"`
}

// Rerank scores each result against the query and returns the topK best,
// highest first. An unparseable model response degrades to the original
// vector ordering instead of failing the query.
func (r *LLMReranker) Rerank(ctx context.Context, query string, results []vectorstore.SearchResult, topK int) ([]ScoredResult, error) {
	if len(results) == 0 {
		return nil, nil
	}
	if topK > len(results) {
		topK = len(results)
	}

	response, err := r.llmClient.Generate(ctx, r.scoringPrompt(query, results), llm.GenerateOptions{
		Model:       r.model,
		Temperature: 0.0,
		MaxTokens:   1024,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to rerank: %w", err)
	}

	scores, err := parseScores(response, len(results))
	if err != nil {
		r.logger.Warn("unparseable rerank response, keeping vector order", "error", err)
		return vectorOrder(results, topK), nil
	}

	scored := make([]ScoredResult, len(results))
	for i, result := range results {
		scored[i] = ScoredResult{
			SearchResult:  result,
			RerankerScore: scores[i],
		}
	}
	sort.Slice(scored, func(i, j int) bool {
		return scored[i].RerankerScore > scored[j].RerankerScore
	})
	return scored[:topK], nil
}

func (r *LLMReranker) scoringPrompt(query string, results []vectorstore.SearchResult) string {
	var sb strings.Builder

	sb.WriteString("You are a relevance scoring system. Score each document's relevance to the query.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\nDocuments to score:\n")
	for i, result := range results {
		content := result.Content
		if len(content) > rerankSnippetLimit {
			content = content[:rerankSnippetLimit] + "..."
		}
		fmt.Fprintf(&sb, "[Doc %d]: %s\n\n", i, content)
	}
	sb.WriteString(`Score each document from 0.0 to 1.0 based on relevance to the query.
Output ONLY valid JSON in this exact format:
{"scores": [{"doc_index": 0, "score": 0.9}, {"doc_index": 1, "score": 0.3}, ...]}

Be strict: irrelevant documents should score below 0.3, somewhat relevant 0.3-0.7, highly relevant above 0.7.
Output only JSON, no explanation:`)

	return sb.String()
}

// parseScores extracts per-document scores from the model output, tolerating
// a markdown code fence around the JSON. Scores are clamped to [0, 1];
// documents the model skipped get missingEntryScore.
func parseScores(response string, numResults int) ([]float32, error) {
	response = stripFence(strings.TrimSpace(response))

	var parsed rerankResponse
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse rerank response: %w", err)
	}

	scores := make([]float32, numResults)
	for i := range scores {
		scores[i] = missingEntryScore
	}
	for _, s := range parsed.Scores {
		if s.DocIndex < 0 || s.DocIndex >= numResults {
			continue
		}
		score := s.Score
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		scores[s.DocIndex] = score
	}
	return scores, nil
}

func stripFence(s string) string {
	for _, fence := range []string{"```json", "```"} {
		if idx := strings.Index(s, fence); idx != -1 {
			start := idx + len(fence)
			if end := strings.Index(s[start:], "```"); end != -1 {
				return strings.TrimSpace(s[start : start+end])
			}
		}
	}
	return s
}

func vectorOrder(results []vectorstore.SearchResult, topK int) []ScoredResult {
	scored := make([]ScoredResult, len(results))
	for i, result := range results {
		scored[i] = ScoredResult{
			SearchResult:  result,
			RerankerScore: result.Score,
		}
	}
	return scored[:topK]
}

// Ensure LLMReranker implements Reranker interface.
var _ Reranker = (*LLMReranker)(nil)
