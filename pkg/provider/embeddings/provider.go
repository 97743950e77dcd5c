// Package embeddings defines the Provider interface for text embedding backends.
//
// The retrieval layer embeds the caller's utterance and searches a vector index
// with the result. Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider turns text into a dense vector.
type Provider interface {
	// Embed returns the embedding vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions is the length of every vector Embed returns.
	Dimensions() int

	// ModelID names the embedding model; vectors from different models are not
	// comparable.
	ModelID() string
}
