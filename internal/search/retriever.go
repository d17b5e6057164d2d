package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/patchsmith/patchsmith/internal/embed"
	"github.com/patchsmith/patchsmith/internal/store"
)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// RetrievedChunk is a fused retrieval hit hydrated with the chunk
// metadata stored alongside its vector.
type RetrievedChunk struct {
	ChunkID  string
	Score    float64
	Metadata store.ChunkMetadata
}

// Retriever runs BM25 and vector search in parallel and fuses the two
// rankings. A failure on one side degrades to the other side's results
// alone; only a double failure errors.
type Retriever struct {
	bm25     store.BM25Index
	vector   store.VectorIndex
	embedder embed.Embedder
	fusion   *RRFFusion
}

// NewRetriever creates a hybrid retriever over one repository index.
func NewRetriever(bm25 store.BM25Index, vector store.VectorIndex, embedder embed.Embedder) (*Retriever, error) {
	if bm25 == nil {
		return nil, fmt.Errorf("%w: bm25 index is required", ErrNilDependency)
	}
	if vector == nil {
		return nil, fmt.Errorf("%w: vector index is required", ErrNilDependency)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrNilDependency)
	}
	return &Retriever{
		bm25:     bm25,
		vector:   vector,
		embedder: embedder,
		fusion:   NewRRFFusion(),
	}, nil
}

// Retrieve returns the topK chunks for a task description. Each source
// is asked for topK*2 candidates so fusion has room to reorder.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]RetrievedChunk, error) {
	query = strings.TrimSpace(query)
	if query == "" || topK <= 0 {
		return []RetrievedChunk{}, nil
	}

	sourceLimit := topK * 2

	var (
		bm25Results []store.BM25Result
		vecResults  []store.VectorResult
		bm25Err     error
		vecErr      error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bm25Results, bm25Err = r.bm25.Query(query, sourceLimit)
		return nil
	})
	g.Go(func() error {
		embedding, err := r.embedder.Embed(gctx, query)
		if err != nil {
			vecErr = err
			return nil
		}
		vecResults, vecErr = r.vector.Query(gctx, embedding, sourceLimit)
		return nil
	})
	_ = g.Wait()

	if bm25Err != nil && vecErr != nil {
		return nil, fmt.Errorf("hybrid retrieval failed: bm25: %v; vector: %w", bm25Err, vecErr)
	}
	if bm25Err != nil {
		slog.Warn("bm25_search_failed", slog.String("error", bm25Err.Error()))
		bm25Results = nil
	}
	if vecErr != nil {
		slog.Warn("vector_search_failed", slog.String("error", vecErr.Error()))
		vecResults = nil
	}

	fused := r.fusion.Fuse(bm25Results, vecResults, topK)

	chunks := make([]RetrievedChunk, 0, len(fused))
	for _, f := range fused {
		chunk := RetrievedChunk{ChunkID: f.ChunkID, Score: f.Score}
		if meta, ok := r.vector.Metadata(f.ChunkID); ok {
			chunk.Metadata = meta
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// UniqueFilesFromResults returns the distinct file paths across hits,
// in first-appearance order.
func UniqueFilesFromResults(results []RetrievedChunk) []string {
	seen := make(map[string]struct{}, len(results))
	var files []string
	for _, r := range results {
		path := r.Metadata.FilePath
		if path == "" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		files = append(files, path)
	}
	return files
}

// GroupByFile buckets hits by file path, preserving ranked order
// within each bucket. Hits without a known path are dropped.
func GroupByFile(results []RetrievedChunk) map[string][]RetrievedChunk {
	grouped := make(map[string][]RetrievedChunk)
	for _, r := range results {
		path := r.Metadata.FilePath
		if path == "" {
			continue
		}
		grouped[path] = append(grouped[path], r)
	}
	return grouped
}
