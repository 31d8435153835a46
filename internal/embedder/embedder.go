// Package embedder provides text embedding against an Ollama-compatible
// endpoint, with content-hash memoisation and the resilience pipeline
// wrapped around every provider call.
package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Embedder is what the indexing and query paths need from an embedding
// provider.
type Embedder interface {
	// Embed returns the vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns vectors for many texts, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension is the contracted vector size.
	Dimension() int

	// ModelName identifies the model producing the vectors.
	ModelName() string
}

// ContentHash returns the lower-hex SHA-256 of the text, the key under which
// embeddings are cached.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
