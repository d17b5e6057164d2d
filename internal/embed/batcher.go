package embed

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// BatchConfig holds the indexing-time batching policy.
type BatchConfig struct {
	BatchSize       int
	InterBatchDelay time.Duration
}

// BatchEmbedder embeds chunk texts in fixed-size batches with a delay
// between batches. A failed batch is retried text by text in parallel;
// texts that still fail get a zero vector in their slot, so one bad
// chunk never sinks an indexing run.
type BatchEmbedder struct {
	inner Embedder
	cfg   BatchConfig
}

// NewBatchEmbedder wraps an embedder with the batching policy.
func NewBatchEmbedder(inner Embedder, cfg BatchConfig) *BatchEmbedder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.InterBatchDelay < 0 {
		cfg.InterBatchDelay = DefaultInterBatchDelay
	}
	return &BatchEmbedder{inner: inner, cfg: cfg}
}

// EmbedAll returns one vector per text, positions aligned, plus the
// number of slots that degraded to zero vectors. Only context
// cancellation aborts the run.
func (b *BatchEmbedder) EmbedAll(ctx context.Context, texts []string, onProgress func(done, total int)) ([][]float32, int, error) {
	total := len(texts)
	vectors := make([][]float32, total)
	failed := 0

	for start := 0; start < total; start += b.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		if start > 0 && b.cfg.InterBatchDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(b.cfg.InterBatchDelay):
			}
		}

		end := start + b.cfg.BatchSize
		if end > total {
			end = total
		}
		batch := texts[start:end]

		got, err := b.inner.EmbedBatch(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			slog.Warn("embed_batch_failed",
				slog.Int("batch_start", start),
				slog.Int("batch_size", len(batch)),
				slog.String("error", err.Error()))
			got = b.embedIndividually(ctx, batch)
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
		}

		for i := range batch {
			var vec []float32
			if i < len(got) {
				vec = got[i]
			}
			if len(vec) != b.inner.Dimensions() {
				vec = ZeroVector(b.inner.Dimensions())
				failed++
			}
			vectors[start+i] = vec
		}

		if onProgress != nil {
			onProgress(end, total)
		}
	}

	return vectors, failed, nil
}

// embedIndividually salvages a failed batch one text at a time, in
// parallel within the batch. Slots that fail stay nil.
func (b *BatchEmbedder) embedIndividually(ctx context.Context, texts []string) [][]float32 {
	results := make([][]float32, len(texts))

	var g errgroup.Group
	g.SetLimit(b.cfg.BatchSize)
	for i, text := range texts {
		g.Go(func() error {
			vec, err := b.inner.Embed(ctx, text)
			if err != nil {
				slog.Warn("embed_chunk_failed", slog.String("error", err.Error()))
				return nil
			}
			results[i] = vec
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Dimensions returns the inner embedder's dimension.
func (b *BatchEmbedder) Dimensions() int {
	return b.inner.Dimensions()
}
