package indexer

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchsmith/patchsmith/internal/embed"
	serviceerrors "github.com/patchsmith/patchsmith/internal/errors"
	"github.com/patchsmith/patchsmith/internal/queue"
	"github.com/patchsmith/patchsmith/internal/sandbox"
	"github.com/patchsmith/patchsmith/internal/store"
)

// fakeEmbedder produces deterministic non-zero vectors.
type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	sum := h.Sum32()
	vec := make([]float32, 8)
	for i := range vec {
		vec[i] = float32((sum>>(i*4))&0xF) + 1
	}
	return vec, nil
}

func (f fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := f.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (fakeEmbedder) Dimensions() int                { return 8 }
func (fakeEmbedder) ModelName() string              { return "fake-embed" }
func (fakeEmbedder) Available(context.Context) bool { return true }
func (fakeEmbedder) Close() error                   { return nil }

type testEnv struct {
	pipeline  *Pipeline
	sandboxes *sandbox.Manager
	indexes   *store.Manager
	meta      *store.RedisMetaStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	meta := store.NewRedisMetaStore(client)

	sandboxes, err := sandbox.NewManager(sandbox.Config{RootDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sandboxes.Close() })

	indexes := store.NewManager(t.TempDir(), store.DefaultBM25Config())
	t.Cleanup(func() { _ = indexes.CloseAll() })

	pipeline, err := NewPipeline(Config{
		Sandboxes: sandboxes,
		Indexes:   indexes,
		Meta:      meta,
		Embedder:  fakeEmbedder{},
		Batch:     embed.BatchConfig{BatchSize: 4, InterBatchDelay: 0},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(pipeline.Close)

	return &testEnv{pipeline: pipeline, sandboxes: sandboxes, indexes: indexes, meta: meta}
}

func initOrigin(t *testing.T) (string, *git.Repository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	return dir, repo
}

func commitFiles(t *testing.T, repo *git.Repository, dir string, files map[string]string, msg string) string {
	t.Helper()
	wt, err := repo.Worktree()
	require.NoError(t, err)
	for name, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
		_, err = wt.Add(name)
		require.NoError(t, err)
	}
	sha, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "seed", Email: "seed@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return sha.String()
}

func removeFiles(t *testing.T, repo *git.Repository, dir string, names []string, msg string) string {
	t.Helper()
	wt, err := repo.Worktree()
	require.NoError(t, err)
	for _, name := range names {
		require.NoError(t, os.Remove(filepath.Join(dir, filepath.FromSlash(name))))
	}
	require.NoError(t, wt.AddWithOptions(&git.AddOptions{All: true}))
	sha, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "seed", Email: "seed@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return sha.String()
}

func makeJob(t *testing.T, name string, payload any) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &queue.Job{ID: "job-1", Queue: "indexing", Name: name, Payload: raw}
}

func TestPipeline_FullIndex(t *testing.T) {
	env := newTestEnv(t)
	originDir, origin := initOrigin(t)
	sha := commitFiles(t, origin, originDir, map[string]string{
		"src/math.js":  "function add(a, b) {\n  return a + b;\n}\n\nfunction sub(a, b) {\n  return a - b;\n}\n",
		"src/greet.ts": "export function greet(name: string) {\n  return `hi ${name}`;\n}\n",
		"README.md":    "docs only\n",
	}, "seed")

	job := makeJob(t, queue.JobIndexRepo, queue.IndexRepoPayload{
		ProjectID: "acme_api",
		RepoURL:   originDir,
		RepoID:    "acme/api",
	})

	res, err := env.pipeline.Handle(context.Background(), job)
	require.NoError(t, err)
	result := res.(*Result)

	assert.Equal(t, "full", result.IndexType)
	assert.Equal(t, "master", result.Branch)
	assert.Equal(t, sha, result.SHA)
	assert.Equal(t, 2, result.Files, "README should not be indexed")
	assert.Equal(t, 3, result.Chunks)
	assert.Equal(t, result.Chunks, result.Vectors)
	assert.Zero(t, result.EmbedFailures)

	indexed, err := env.meta.IsIndexed(context.Background(), "acme/api", "master")
	require.NoError(t, err)
	assert.True(t, indexed)

	ri, err := env.indexes.Open("acme/api", "master", 8)
	require.NoError(t, err)
	hits, err := ri.BM25.Query("add", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "src/math.js_fn_add", hits[0].ChunkID)
	require.NoError(t, ri.VerifyParity())

	_, alive := env.sandboxes.Get("acme_api")
	assert.False(t, alive, "full index should clean its sandbox up")
}

func TestPipeline_FullIndex_NoChunksIsIntegrityError(t *testing.T) {
	env := newTestEnv(t)
	originDir, origin := initOrigin(t)
	commitFiles(t, origin, originDir, map[string]string{"README.md": "docs\n"}, "seed")

	job := makeJob(t, queue.JobIndexRepo, queue.IndexRepoPayload{
		ProjectID: "acme_api",
		RepoURL:   originDir,
		RepoID:    "acme/api",
	})

	_, err := env.pipeline.Handle(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, serviceerrors.ErrCodeEmptyIndex, serviceerrors.GetCode(err))
	assert.False(t, serviceerrors.IsRetryable(err))

	indexed, err := env.meta.IsIndexed(context.Background(), "acme/api", "master")
	require.NoError(t, err)
	assert.False(t, indexed, "meta must not be committed for a failed run")
}

func TestPipeline_FullIndex_CloneFailure(t *testing.T) {
	env := newTestEnv(t)

	job := makeJob(t, queue.JobIndexRepo, queue.IndexRepoPayload{
		ProjectID: "acme_api",
		RepoURL:   filepath.Join(t.TempDir(), "missing"),
		RepoID:    "acme/api",
	})

	_, err := env.pipeline.Handle(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, serviceerrors.ErrCodeCloneFailed, serviceerrors.GetCode(err))
	assert.True(t, serviceerrors.IsRetryable(err))
}

func TestPipeline_IncrementalIndex(t *testing.T) {
	env := newTestEnv(t)
	originDir, origin := initOrigin(t)
	commitFiles(t, origin, originDir, map[string]string{
		"src/math.js": "function add(a, b) {\n  return a + b;\n}\n",
		"src/util.ts": "export function slugify(s: string) {\n  return s.toLowerCase();\n}\n",
	}, "seed")

	full := makeJob(t, queue.JobIndexRepo, queue.IndexRepoPayload{
		ProjectID: "acme_api",
		RepoURL:   originDir,
		RepoID:    "acme/api",
		Branch:    "master",
	})
	_, err := env.pipeline.Handle(context.Background(), full)
	require.NoError(t, err)

	commitFiles(t, origin, originDir, map[string]string{
		"src/math.js": "function multiply(a, b) {\n  return a * b;\n}\n",
		"src/new.ts":  "export function fresh() {\n  return 42;\n}\n",
	}, "change")
	after := removeFiles(t, origin, originDir, []string{"src/util.ts"}, "drop util")

	incr := makeJob(t, queue.JobIncrementalIndex, queue.IncrementalIndexPayload{
		IndexRepoPayload: queue.IndexRepoPayload{
			ProjectID: "acme_api",
			RepoURL:   originDir,
			RepoID:    "acme/api",
			Branch:    "master",
			AfterSHA:  after,
		},
		ChangedFiles: queue.ChangedFiles{
			Added:    []string{"src/new.ts"},
			Modified: []string{"src/math.js"},
			Removed:  []string{"src/util.ts"},
		},
		TotalChangedFiles: 3,
	})

	res, err := env.pipeline.Handle(context.Background(), incr)
	require.NoError(t, err)
	result := res.(*Result)

	assert.Equal(t, "incremental", result.IndexType)
	assert.Equal(t, 2, result.Files)
	assert.Equal(t, 1, result.RemovedFiles)
	assert.Equal(t, after, result.SHA)

	ri, err := env.indexes.Open("acme/api", "master", 8)
	require.NoError(t, err)
	assert.Empty(t, ri.BM25.ChunkIDsForFile("src/util.ts"))
	assert.NotEmpty(t, ri.BM25.ChunkIDsForFile("src/new.ts"))
	require.NoError(t, ri.VerifyParity())

	// The modified file's old chunk id is gone, the new one present.
	assert.NotContains(t, ri.BM25.ChunkIDsForFile("src/math.js"), "src/math.js_fn_add")
	assert.Contains(t, ri.BM25.ChunkIDsForFile("src/math.js"), "src/math.js_fn_multiply")

	meta, err := env.meta.GetMeta(context.Background(), "acme/api", "master")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "incremental", meta.LastIndexType)
	assert.Equal(t, after, meta.LastIndexedSHA)

	// The incremental pass keeps its working copy for the next push.
	_, alive := env.sandboxes.Get("acme_api")
	assert.True(t, alive)
}

func TestPipeline_IncrementalIndex_ReusesWorkingCopy(t *testing.T) {
	env := newTestEnv(t)
	originDir, origin := initOrigin(t)
	commitFiles(t, origin, originDir, map[string]string{
		"src/a.js": "function one() {\n  return 1;\n}\n",
	}, "seed")

	run := func(changed queue.ChangedFiles, after string) *Result {
		job := makeJob(t, queue.JobIncrementalIndex, queue.IncrementalIndexPayload{
			IndexRepoPayload: queue.IndexRepoPayload{
				ProjectID: "acme_api",
				RepoURL:   originDir,
				RepoID:    "acme/api",
				Branch:    "master",
				AfterSHA:  after,
			},
			ChangedFiles:      changed,
			TotalChangedFiles: changed.Total(),
		})
		res, err := env.pipeline.Handle(context.Background(), job)
		require.NoError(t, err)
		return res.(*Result)
	}

	// First pass clones; second must fast-forward the retained copy.
	sha1 := commitFiles(t, origin, originDir, map[string]string{
		"src/b.js": "function two() {\n  return 2;\n}\n",
	}, "add b")
	run(queue.ChangedFiles{Added: []string{"src/a.js", "src/b.js"}}, sha1)

	sb, alive := env.sandboxes.Get("acme_api")
	require.True(t, alive)
	firstCopy := filepath.Join(sb.Root(), "repo")
	require.DirExists(t, firstCopy)

	sha2 := commitFiles(t, origin, originDir, map[string]string{
		"src/c.js": "function three() {\n  return 3;\n}\n",
	}, "add c")
	result := run(queue.ChangedFiles{Added: []string{"src/c.js"}}, sha2)
	assert.Equal(t, 1, result.Files)

	data, err := os.ReadFile(filepath.Join(firstCopy, "src", "c.js"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "three")

	ri, err := env.indexes.Open("acme/api", "master", 8)
	require.NoError(t, err)
	assert.NotEmpty(t, ri.BM25.ChunkIDsForFile("src/a.js"))
	assert.NotEmpty(t, ri.BM25.ChunkIDsForFile("src/c.js"))
}

func TestPipeline_IncrementalIndex_MissingChangedFileDropped(t *testing.T) {
	env := newTestEnv(t)
	originDir, origin := initOrigin(t)
	commitFiles(t, origin, originDir, map[string]string{
		"src/a.js": "function one() {\n  return 1;\n}\n",
		"src/b.js": "function two() {\n  return 2;\n}\n",
	}, "seed")

	full := makeJob(t, queue.JobIndexRepo, queue.IndexRepoPayload{
		ProjectID: "acme_api",
		RepoURL:   originDir,
		RepoID:    "acme/api",
		Branch:    "master",
	})
	_, err := env.pipeline.Handle(context.Background(), full)
	require.NoError(t, err)

	// b.js is listed as modified but a later commit in the same push
	// removed it, so the working tree no longer has it.
	after := removeFiles(t, origin, originDir, []string{"src/b.js"}, "drop b")

	incr := makeJob(t, queue.JobIncrementalIndex, queue.IncrementalIndexPayload{
		IndexRepoPayload: queue.IndexRepoPayload{
			ProjectID: "acme_api",
			RepoURL:   originDir,
			RepoID:    "acme/api",
			Branch:    "master",
			AfterSHA:  after,
		},
		ChangedFiles:      queue.ChangedFiles{Modified: []string{"src/b.js"}},
		TotalChangedFiles: 1,
	})
	res, err := env.pipeline.Handle(context.Background(), incr)
	require.NoError(t, err)
	result := res.(*Result)

	assert.Zero(t, result.Files)
	assert.Equal(t, 1, result.RemovedFiles)

	ri, err := env.indexes.Open("acme/api", "master", 8)
	require.NoError(t, err)
	assert.Empty(t, ri.BM25.ChunkIDsForFile("src/b.js"))
	assert.NotEmpty(t, ri.BM25.ChunkIDsForFile("src/a.js"))
	require.NoError(t, ri.VerifyParity())
}

// An incremental pass over a push must land on the same chunk id set a
// full rebuild of the final tree produces.
func TestPipeline_IncrementalIndex_MatchesFullRebuild(t *testing.T) {
	originDir, origin := initOrigin(t)
	commitFiles(t, origin, originDir, map[string]string{
		"src/a.js": "function one() {\n  return 1;\n}\n",
		"src/b.ts": "export function two() {\n  return 2;\n}\n",
	}, "seed")

	incremental := newTestEnv(t)
	full := makeJob(t, queue.JobIndexRepo, queue.IndexRepoPayload{
		ProjectID: "acme_api",
		RepoURL:   originDir,
		RepoID:    "acme/api",
		Branch:    "master",
	})
	_, err := incremental.pipeline.Handle(context.Background(), full)
	require.NoError(t, err)

	commitFiles(t, origin, originDir, map[string]string{
		"src/a.js": "function one() {\n  return 10;\n}\nfunction extra() {\n  return 11;\n}\n",
		"src/c.js": "function three() {\n  return 3;\n}\n",
	}, "change")
	after := removeFiles(t, origin, originDir, []string{"src/b.ts"}, "drop b")

	incr := makeJob(t, queue.JobIncrementalIndex, queue.IncrementalIndexPayload{
		IndexRepoPayload: queue.IndexRepoPayload{
			ProjectID: "acme_api",
			RepoURL:   originDir,
			RepoID:    "acme/api",
			Branch:    "master",
			AfterSHA:  after,
		},
		ChangedFiles: queue.ChangedFiles{
			Added:    []string{"src/c.js"},
			Modified: []string{"src/a.js"},
			Removed:  []string{"src/b.ts"},
		},
		TotalChangedFiles: 3,
	})
	_, err = incremental.pipeline.Handle(context.Background(), incr)
	require.NoError(t, err)

	rebuilt := newTestEnv(t)
	_, err = rebuilt.pipeline.Handle(context.Background(), makeJob(t, queue.JobIndexRepo, queue.IndexRepoPayload{
		ProjectID: "acme_api",
		RepoURL:   originDir,
		RepoID:    "acme/api",
		Branch:    "master",
		AfterSHA:  after,
	}))
	require.NoError(t, err)

	incrIndex, err := incremental.indexes.Open("acme/api", "master", 8)
	require.NoError(t, err)
	fullIndex, err := rebuilt.indexes.Open("acme/api", "master", 8)
	require.NoError(t, err)

	assert.ElementsMatch(t, fullIndex.BM25.AllIDs(), incrIndex.BM25.AllIDs())
	assert.Equal(t, fullIndex.Vector.Count(), incrIndex.Vector.Count())
	require.NoError(t, incrIndex.VerifyParity())
}

func TestPipeline_Handle_UnknownJobName(t *testing.T) {
	env := newTestEnv(t)
	job := makeJob(t, "compact-index", queue.IndexRepoPayload{RepoID: "acme/api", RepoURL: "x"})

	_, err := env.pipeline.Handle(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, serviceerrors.ErrCodeInvalidJobInput, serviceerrors.GetCode(err))
}

func TestPipeline_Handle_MissingRepoID(t *testing.T) {
	env := newTestEnv(t)
	job := makeJob(t, queue.JobIndexRepo, queue.IndexRepoPayload{RepoURL: "https://github.com/acme/api.git"})

	_, err := env.pipeline.Handle(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, serviceerrors.ErrCodeMissingRepoID, serviceerrors.GetCode(err))
	assert.False(t, serviceerrors.IsRetryable(err))
}

func TestNewPipeline_RequiresDependencies(t *testing.T) {
	_, err := NewPipeline(Config{})
	assert.ErrorIs(t, err, ErrNilDependency)
}
