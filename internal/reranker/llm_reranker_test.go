package reranker

import (
	"context"
	"testing"

	"github.com/tomehq/tome/internal/llm"
	"github.com/tomehq/tome/internal/vectorstore"
)

type scriptedLLM struct {
	response string
}

func (l *scriptedLLM) Generate(context.Context, string, llm.GenerateOptions) (string, error) {
	return l.response, nil
}

func sampleResults() []vectorstore.SearchResult {
	return []vectorstore.SearchResult{
		{ChunkID: "a", Content: "retry with backoff", Score: 0.9},
		{ChunkID: "b", Content: "grocery list", Score: 0.8},
		{ChunkID: "c", Content: "circuit breaker states", Score: 0.7},
	}
}

func TestRerankReordersByModelScore(t *testing.T) {
	client := &scriptedLLM{response: `{"scores": [
		{"doc_index": 0, "score": 0.4},
		{"doc_index": 1, "score": 0.1},
		{"doc_index": 2, "score": 0.95}
	]}`}
	r := NewLLMReranker(client)

	scored, err := r.Rerank(context.Background(), "how does the breaker open?", sampleResults(), 2)
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if len(scored) != 2 {
		t.Fatalf("expected 2 results, got %d", len(scored))
	}
	if scored[0].ChunkID != "c" || scored[1].ChunkID != "a" {
		t.Errorf("unexpected order: %s, %s", scored[0].ChunkID, scored[1].ChunkID)
	}
	if scored[0].RerankerScore != 0.95 {
		t.Errorf("expected top score 0.95, got %v", scored[0].RerankerScore)
	}
}

func TestRerankKeepsVectorOrderOnGarbage(t *testing.T) {
	client := &scriptedLLM{response: "I cannot produce JSON today."}
	r := NewLLMReranker(client)

	scored, err := r.Rerank(context.Background(), "query", sampleResults(), 3)
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if len(scored) != 3 {
		t.Fatalf("expected 3 results, got %d", len(scored))
	}
	if scored[0].ChunkID != "a" || scored[0].RerankerScore != 0.9 {
		t.Errorf("fallback should keep vector order, got %+v", scored[0])
	}
}

func TestRerankEmptyInput(t *testing.T) {
	r := NewLLMReranker(&scriptedLLM{})
	scored, err := r.Rerank(context.Background(), "query", nil, 5)
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if scored != nil {
		t.Errorf("expected nil for empty input, got %v", scored)
	}
}

func TestParseScores(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     []float32
	}{
		{
			name:     "plain json",
			response: `{"scores": [{"doc_index": 0, "score": 0.2}, {"doc_index": 1, "score": 0.8}]}`,
			want:     []float32{0.2, 0.8},
		},
		{
			name: "json fenced in markdown",
			response: "```json\n" +
				`{"scores": [{"doc_index": 0, "score": 1.0}, {"doc_index": 1, "score": 0.0}]}` +
				"\n```",
			want: []float32{1.0, 0.0},
		},
		{
			name:     "out of range scores are clamped",
			response: `{"scores": [{"doc_index": 0, "score": 7.5}, {"doc_index": 1, "score": -2}]}`,
			want:     []float32{1.0, 0.0},
		},
		{
			name:     "missing entries default",
			response: `{"scores": [{"doc_index": 1, "score": 0.9}]}`,
			want:     []float32{missingEntryScore, 0.9},
		},
		{
			name:     "invalid index is ignored",
			response: `{"scores": [{"doc_index": 9, "score": 0.9}]}`,
			want:     []float32{missingEntryScore, missingEntryScore},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseScores(tt.response, len(tt.want))
			if err != nil {
				t.Fatalf("parseScores: %v", err)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("score[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParseScoresRejectsNonJSON(t *testing.T) {
	if _, err := parseScores("not json", 2); err == nil {
		t.Fatal("expected error for non-JSON response")
	}
}
