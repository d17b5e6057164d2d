package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_OpenFreshAndReload(t *testing.T) {
	// Given: a fresh manager
	root := t.TempDir()
	mgr := NewManager(root, DefaultBM25Config())

	ri, err := mgr.Open("acme_api", "main", 3)
	require.NoError(t, err)
	assert.Equal(t, 0, ri.BM25.Stats().DocumentCount)
	assert.Equal(t, 0, ri.Vector.Count())

	// When: indexing a chunk into both halves and saving
	chunk := chunkFor("src/auth.ts", "login", "validate session token")
	require.NoError(t, ri.BM25.Build([]Chunk{chunk}))
	require.NoError(t, ri.Vector.Upsert(context.Background(), []VectorRecord{
		{ID: chunk.ID, Vector: []float32{1, 0, 0}, Metadata: ChunkMetadata{
			RepoID: chunk.RepoID, FilePath: chunk.FilePath, ChunkType: chunk.Kind,
		}},
	}))
	require.NoError(t, ri.Save())
	require.NoError(t, mgr.Release("acme_api", "main"))

	// Then: a new manager sees the persisted state
	mgr2 := NewManager(root, DefaultBM25Config())
	reloaded, err := mgr2.Open("acme_api", "main", 3)
	require.NoError(t, err)
	defer func() { _ = mgr2.Release("acme_api", "main") }()

	assert.Equal(t, 1, reloaded.BM25.Stats().DocumentCount)
	assert.Equal(t, 1, reloaded.Vector.Count())
	require.NoError(t, reloaded.VerifyParity())
}

func TestManager_OpenIsCached(t *testing.T) {
	mgr := NewManager(t.TempDir(), DefaultBM25Config())
	defer func() { _ = mgr.CloseAll() }()

	first, err := mgr.Open("acme_api", "main", 3)
	require.NoError(t, err)
	second, err := mgr.Open("acme_api", "main", 3)
	require.NoError(t, err)

	assert.Same(t, first, second)
}

func TestManager_BranchesAreSeparate(t *testing.T) {
	mgr := NewManager(t.TempDir(), DefaultBM25Config())
	defer func() { _ = mgr.CloseAll() }()

	main, err := mgr.Open("acme_api", "main", 3)
	require.NoError(t, err)
	develop, err := mgr.Open("acme_api", "develop", 3)
	require.NoError(t, err)

	require.NoError(t, main.BM25.Build([]Chunk{chunkFor("a.ts", "f", "alpha content")}))

	assert.Equal(t, 1, main.BM25.Stats().DocumentCount)
	assert.Equal(t, 0, develop.BM25.Stats().DocumentCount)
}

func TestManager_SlashedRepoIDMapsToSafeDirectory(t *testing.T) {
	root := t.TempDir()
	mgr := NewManager(root, DefaultBM25Config())
	defer func() { _ = mgr.CloseAll() }()

	_, err := mgr.Open("acme/api", "feature/login", 3)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "acme_api", "feature_login"))
	assert.NoError(t, err)
}

func TestManager_DimensionChangeClearsPersistedIndex(t *testing.T) {
	// Given: an index persisted with 3-dimensional vectors
	root := t.TempDir()
	mgr := NewManager(root, DefaultBM25Config())

	ri, err := mgr.Open("acme_api", "main", 3)
	require.NoError(t, err)
	chunk := chunkFor("a.ts", "f", "some content")
	require.NoError(t, ri.BM25.Build([]Chunk{chunk}))
	require.NoError(t, ri.Vector.Upsert(context.Background(), []VectorRecord{
		{ID: chunk.ID, Vector: []float32{1, 0, 0}, Metadata: ChunkMetadata{FilePath: "a.ts"}},
	}))
	require.NoError(t, ri.Save())
	require.NoError(t, mgr.Release("acme_api", "main"))

	// When: reopening with a different embedding dimensionality
	mgr2 := NewManager(root, DefaultBM25Config())
	reopened, err := mgr2.Open("acme_api", "main", 5)
	require.NoError(t, err)
	defer func() { _ = mgr2.Release("acme_api", "main") }()

	// Then: the stale state was discarded, a reindex is required
	assert.Equal(t, 0, reopened.BM25.Stats().DocumentCount)
	assert.Equal(t, 0, reopened.Vector.Count())
}

func TestRepoIndex_VerifyParity(t *testing.T) {
	mgr := NewManager(t.TempDir(), DefaultBM25Config())
	defer func() { _ = mgr.CloseAll() }()

	ri, err := mgr.Open("acme_api", "main", 3)
	require.NoError(t, err)

	chunk := chunkFor("a.ts", "f", "alpha content")
	require.NoError(t, ri.BM25.Build([]Chunk{chunk}))

	// BM25 has a chunk the vector index lacks.
	err = ri.VerifyParity()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing vectors")

	require.NoError(t, ri.Vector.Upsert(context.Background(), []VectorRecord{
		{ID: chunk.ID, Vector: []float32{1, 0, 0}, Metadata: ChunkMetadata{FilePath: "a.ts"}},
	}))
	require.NoError(t, ri.VerifyParity())

	// Now the vector index has an extra id.
	require.NoError(t, ri.Vector.Upsert(context.Background(), []VectorRecord{
		{ID: "b.ts_fn_ghost", Vector: []float32{0, 1, 0}, Metadata: ChunkMetadata{FilePath: "b.ts"}},
	}))
	err = ri.VerifyParity()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing documents")
}
