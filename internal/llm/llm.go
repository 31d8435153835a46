// Package llm provides the text generation interface behind answer
// synthesis, concept extraction and reranking.
package llm

import (
	"context"
)

// GenerateOptions configures one generation request.
type GenerateOptions struct {
	// Model overrides the client's default model when non-empty.
	Model string

	// SystemPrompt sets the system-level instructions for the model.
	SystemPrompt string

	// Temperature controls randomness. Zero keeps the client default; RAG
	// synthesis runs low for factual answers.
	Temperature float32

	// MaxTokens caps the response length. Zero means no cap.
	MaxTokens int
}

// LLM generates text from a prompt.
type LLM interface {
	// Generate blocks until the full response is received or an error
	// occurs.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}
