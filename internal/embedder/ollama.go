package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/tomehq/tome/internal/tomeerr"
)

const (
	// DefaultOllamaBaseURL is the default Ollama API base URL.
	DefaultOllamaBaseURL = "http://localhost:11434"

	// DefaultOllamaModel is the default embedding model.
	DefaultOllamaModel = "mxbai-embed-large"

	// DefaultOllamaDimension matches mxbai-embed-large.
	DefaultOllamaDimension = 1024

	// DefaultBatchConcurrency bounds concurrent embedding requests.
	DefaultBatchConcurrency = 4
)

// OllamaConfig configures the Ollama embedding provider. Zero values fall
// back to the defaults above.
type OllamaConfig struct {
	BaseURL string
	Model   string

	// Dimension is the contracted vector size. Provider responses of any
	// other size are rejected as a contract violation.
	Dimension int

	// BatchConcurrency bounds parallel requests in EmbedBatch.
	BatchConcurrency int

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// OllamaEmbedder talks to an Ollama-compatible embeddings endpoint.
type OllamaEmbedder struct {
	baseURL     string
	model       string
	dimension   int
	concurrency int
	client      *http.Client
}

// NewOllamaEmbedder creates a provider, applying defaults for zero values.
func NewOllamaEmbedder(cfg OllamaConfig) *OllamaEmbedder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOllamaBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaModel
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultOllamaDimension
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = DefaultBatchConcurrency
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &OllamaEmbedder{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		model:       cfg.Model,
		dimension:   cfg.Dimension,
		concurrency: cfg.BatchConcurrency,
		client:      cfg.HTTPClient,
	}
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the vector for one text, enforcing the dimension contract.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, tomeerr.New(tomeerr.KindInvalidArgument, "cannot embed empty text")
	}

	payload, err := json.Marshal(embeddingRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, tomeerr.Wrap(tomeerr.KindProviderUnavailable, err, "embedding request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := tomeerr.KindInternal
		if resp.StatusCode >= http.StatusInternalServerError {
			kind = tomeerr.KindProviderUnavailable
		}
		return nil, tomeerr.Newf(kind, "embedding provider returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}

	if len(result.Embedding) != e.dimension {
		return nil, tomeerr.Newf(tomeerr.KindProviderContractViolation,
			"embedding dimension %d from provider, model %s is configured for %d",
			len(result.Embedding), e.model, e.dimension)
	}

	vec := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// EmbedBatch embeds every text with bounded concurrency, failing the whole
// batch on the first error. Results keep input order.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gctx, text)
			if err != nil {
				return fmt.Errorf("failed to embed text at index %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Dimension returns the contracted vector size.
func (e *OllamaEmbedder) Dimension() int { return e.dimension }

// ModelName returns the configured embedding model.
func (e *OllamaEmbedder) ModelName() string { return e.model }

var _ Embedder = (*OllamaEmbedder)(nil)
