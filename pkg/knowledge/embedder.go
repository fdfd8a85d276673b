package knowledge

import (
	"context"
	"errors"
)

// Embedder turns text into vectors. The store never computes
// embeddings itself; callers plug in whatever provider they use
// (OpenAI, Ollama, a local model). A Service without an embedder
// degrades to keyword-only behavior.
type Embedder interface {
	// Embed converts a single text string into a vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dim returns the dimension of vectors produced by this embedder.
	Dim() int
}

// Errors related to embedder operations
var (
	// ErrEmptyText is returned when an empty text string is provided.
	ErrEmptyText = errors.New("knowledge: empty text provided")
)
