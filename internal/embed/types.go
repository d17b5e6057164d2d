// Package embed generates vector embeddings for chunks and queries.
// The OpenAI-compatible provider does the actual work; BatchEmbedder
// adds the indexing-time batching policy and CachedEmbedder the
// query-time LRU.
package embed

import (
	"context"
	"time"
)

const (
	// DefaultBatchSize is the number of chunks embedded per batch.
	DefaultBatchSize = 10

	// DefaultInterBatchDelay is the pause between batches, keeping
	// request rate inside provider limits.
	DefaultInterBatchDelay = 1 * time.Second

	// DefaultEmbeddingCacheSize is the number of query embeddings kept
	// in memory.
	DefaultEmbeddingCacheSize = 1000
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available reports whether the embedder is usable.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// ZeroVector returns an all-zero vector of the given dimension. Chunks
// whose embedding fails are stored as zero vectors: still queryable,
// ranked at the bottom.
func ZeroVector(dimensions int) []float32 {
	return make([]float32, dimensions)
}

// IsZeroVector reports whether every component is zero.
func IsZeroVector(v []float32) bool {
	for _, val := range v {
		if val != 0 {
			return false
		}
	}
	return true
}
