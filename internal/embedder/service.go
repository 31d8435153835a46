package embedder

import (
	"context"
	"log/slog"
	"strings"

	"github.com/tomehq/tome/internal/resilience"
	"github.com/tomehq/tome/internal/tomeerr"
)

// Service is the embedding entry point the rest of the system uses: a
// provider wrapped in the cache and the embedding resilience pipeline.
type Service struct {
	provider Embedder
	cache    *Cache
	pipeline *resilience.Pipeline
	logger   *slog.Logger
}

// NewService composes provider, cache, and pipeline. A nil cache disables
// memoisation; a nil pipeline calls the provider directly.
func NewService(provider Embedder, cache *Cache, pipeline *resilience.Pipeline, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		provider: provider,
		cache:    cache,
		pipeline: pipeline,
		logger:   logger.With("component", "embedder"),
	}
}

// Embed returns the vector for text, from cache when possible.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, tomeerr.New(tomeerr.KindInvalidArgument, "cannot embed empty text")
	}

	hash := ContentHash(text)
	if s.cache != nil {
		if vec, ok := s.cache.Get(hash); ok {
			return vec, nil
		}
	}

	var vec []float32
	err := s.execute(ctx, func(ctx context.Context) error {
		var err error
		vec, err = s.provider.Embed(ctx, text)
		return err
	})
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Set(hash, vec)
	}
	return vec, nil
}

// EmbedBatch embeds many texts, serving cache hits locally and sending only
// the misses to the provider. Results are reassembled in input order.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, tomeerr.Newf(tomeerr.KindInvalidArgument, "cannot embed empty text at index %d", i)
		}
		if s.cache != nil {
			if vec, ok := s.cache.Get(ContentHash(text)); ok {
				results[i] = vec
				continue
			}
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) > 0 {
		var missed [][]float32
		err := s.execute(ctx, func(ctx context.Context) error {
			var err error
			missed, err = s.provider.EmbedBatch(ctx, missTexts)
			return err
		})
		if err != nil {
			return nil, err
		}
		for j, vec := range missed {
			idx := missIdx[j]
			results[idx] = vec
			if s.cache != nil {
				s.cache.Set(ContentHash(texts[idx]), vec)
			}
		}
	}

	return results, nil
}

func (s *Service) execute(ctx context.Context, op func(ctx context.Context) error) error {
	if s.pipeline == nil {
		return op(ctx)
	}
	return s.pipeline.Execute(ctx, op)
}

// Dimension returns the provider's vector dimension.
func (s *Service) Dimension() int { return s.provider.Dimension() }

// ModelName returns the provider's model name.
func (s *Service) ModelName() string { return s.provider.ModelName() }

// CacheStats exposes cache counters for diagnostics. Returns the zero value
// when no cache is configured.
func (s *Service) CacheStats() CacheStats {
	if s.cache == nil {
		return CacheStats{}
	}
	return s.cache.Stats()
}

// Ensure Service implements Embedder interface.
var _ Embedder = (*Service)(nil)
