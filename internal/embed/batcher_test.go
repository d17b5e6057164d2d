package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbedder returns deterministic vectors and can be told to fail
// whole batches or individual texts.
type fakeEmbedder struct {
	mu         sync.Mutex
	dims       int
	batchCalls int
	embedCalls int
	failBatch  bool
	failTexts  map[string]bool
}

func newFakeEmbedder(dims int) *fakeEmbedder {
	return &fakeEmbedder{dims: dims, failTexts: map[string]bool{}}
}

func (f *fakeEmbedder) vectorFor(text string) []float32 {
	vec := make([]float32, f.dims)
	vec[0] = float32(len(text))
	return vec
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.embedCalls++
	fail := f.failTexts[text]
	f.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("provider rejected %q", text)
	}
	return f.vectorFor(text), nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.batchCalls++
	fail := f.failBatch
	for _, text := range texts {
		if f.failTexts[text] {
			fail = true
		}
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("batch failed")
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = f.vectorFor(text)
	}
	return vectors, nil
}

func (f *fakeEmbedder) Dimensions() int                { return f.dims }
func (f *fakeEmbedder) ModelName() string              { return "fake-model" }
func (f *fakeEmbedder) Available(context.Context) bool { return true }
func (f *fakeEmbedder) Close() error                   { return nil }

var _ Embedder = (*fakeEmbedder)(nil)

func TestBatchEmbedder_EmbedAll_SplitsIntoBatches(t *testing.T) {
	// Given 25 texts and a batch size of 10
	fake := newFakeEmbedder(3)
	batcher := NewBatchEmbedder(fake, BatchConfig{BatchSize: 10})
	texts := make([]string, 25)
	for i := range texts {
		texts[i] = strings.Repeat("x", i+1)
	}

	// When embedding them all
	var progress []int
	vectors, failed, err := batcher.EmbedAll(context.Background(), texts, func(done, total int) {
		assert.Equal(t, 25, total)
		progress = append(progress, done)
	})

	// Then three batch calls cover every text in order
	require.NoError(t, err)
	assert.Equal(t, 3, fake.batchCalls)
	assert.Equal(t, 0, failed)
	assert.Equal(t, []int{10, 20, 25}, progress)
	require.Len(t, vectors, 25)
	for i, vec := range vectors {
		assert.Equal(t, float32(i+1), vec[0])
	}
}

func TestBatchEmbedder_EmbedAll_FailedTextGetsZeroVector(t *testing.T) {
	// Given one text the provider always rejects
	fake := newFakeEmbedder(3)
	fake.failTexts["bad"] = true
	batcher := NewBatchEmbedder(fake, BatchConfig{BatchSize: 10})

	// When embedding a batch containing it
	vectors, failed, err := batcher.EmbedAll(context.Background(), []string{"good one", "bad", "also fine"}, nil)

	// Then the run succeeds, the bad slot is zeroed, the rest survive
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	require.Len(t, vectors, 3)
	assert.True(t, IsZeroVector(vectors[1]))
	assert.Equal(t, float32(len("good one")), vectors[0][0])
	assert.Equal(t, float32(len("also fine")), vectors[2][0])
}

func TestBatchEmbedder_EmbedAll_BatchFailureFallsBackPerText(t *testing.T) {
	// Given a provider that rejects batch requests outright
	fake := newFakeEmbedder(3)
	fake.failBatch = true
	batcher := NewBatchEmbedder(fake, BatchConfig{BatchSize: 10})

	vectors, failed, err := batcher.EmbedAll(context.Background(), []string{"a1", "b22", "c333"}, nil)

	// Then every text was salvaged individually
	require.NoError(t, err)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 3, fake.embedCalls)
	require.Len(t, vectors, 3)
	assert.False(t, IsZeroVector(vectors[0]))
}

func TestBatchEmbedder_EmbedAll_EmptyInput(t *testing.T) {
	fake := newFakeEmbedder(3)
	batcher := NewBatchEmbedder(fake, BatchConfig{BatchSize: 10})

	vectors, failed, err := batcher.EmbedAll(context.Background(), nil, nil)

	require.NoError(t, err)
	assert.Equal(t, 0, failed)
	assert.Empty(t, vectors)
	assert.Equal(t, 0, fake.batchCalls)
}

func TestBatchEmbedder_EmbedAll_CanceledContextAborts(t *testing.T) {
	fake := newFakeEmbedder(3)
	batcher := NewBatchEmbedder(fake, BatchConfig{BatchSize: 1, InterBatchDelay: 0})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := batcher.EmbedAll(ctx, []string{"a", "b"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsZeroVector(t *testing.T) {
	assert.True(t, IsZeroVector(ZeroVector(4)))
	assert.True(t, IsZeroVector(nil))
	assert.False(t, IsZeroVector([]float32{0, 0.1, 0}))
}
