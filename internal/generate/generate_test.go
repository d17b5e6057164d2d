package generate

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchsmith/patchsmith/internal/embed"
	serviceerrors "github.com/patchsmith/patchsmith/internal/errors"
	"github.com/patchsmith/patchsmith/internal/forge"
	"github.com/patchsmith/patchsmith/internal/gitops"
	"github.com/patchsmith/patchsmith/internal/indexer"
	"github.com/patchsmith/patchsmith/internal/llm"
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

// scriptedLLM replays canned replies per request kind and records the
// prompts it saw.
type scriptedLLM struct {
	mu      sync.Mutex
	replies map[string][]string
	prompts map[string][]string
}

func newScriptedLLM(selection, generation []string) *scriptedLLM {
	return &scriptedLLM{
		replies: map[string][]string{"selection": selection, "generation": generation},
		prompts: make(map[string][]string),
	}
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[req.Kind] = append(s.prompts[req.Kind], req.Prompt)
	pending := s.replies[req.Kind]
	if len(pending) == 0 {
		return "", serviceerrors.Upstream(serviceerrors.ErrCodeLLMUnavailable,
			"no scripted reply for "+req.Kind, nil)
	}
	s.replies[req.Kind] = pending[1:]
	return pending[0], nil
}

// fakeForge hands out empty tokens so pushes stay on the local
// filesystem, and records pull request calls.
type fakeForge struct {
	mu      sync.Mutex
	owner   string
	repo    string
	prCalls []forge.PullRequestParams
}

func (f *fakeForge) TokenForRepo(context.Context, string) (string, int64, error) {
	return "", 1, nil
}

func (f *fakeForge) CreatePullRequest(_ context.Context, _ string, owner, repo string, params forge.PullRequestParams) (*forge.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owner, f.repo = owner, repo
	f.prCalls = append(f.prCalls, params)
	return &forge.PullRequest{
		Number: 7,
		URL:    "https://github.test/" + owner + "/" + repo + "/pull/7",
	}, nil
}

type testEnv struct {
	pipeline *Pipeline
	indexer  *indexer.Pipeline
	forge    *fakeForge
}

func newTestEnv(t *testing.T, scripted *scriptedLLM) *testEnv {
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

	idx, err := indexer.NewPipeline(indexer.Config{
		Sandboxes: sandboxes,
		Indexes:   indexes,
		Meta:      meta,
		Embedder:  fakeEmbedder{},
		Batch:     embed.BatchConfig{BatchSize: 4, InterBatchDelay: time.Millisecond},
		Logger:    discardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(idx.Close)

	forgeFake := &fakeForge{}
	gen, err := NewPipeline(Config{
		Sandboxes: sandboxes,
		Indexes:   indexes,
		Meta:      meta,
		Embedder:  fakeEmbedder{},
		LLM:       scripted,
		Forge:     forgeFake,
		Logger:    discardLogger(),
	})
	require.NoError(t, err)

	return &testEnv{pipeline: gen, indexer: idx, forge: forgeFake}
}

func makeJob(t *testing.T, queueName, name string, payload any) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &queue.Job{ID: "job-" + name, Queue: queueName, Name: name, Payload: raw}
}

func seedAndIndex(t *testing.T, env *testEnv, repoID string, files map[string]string) string {
	t.Helper()
	originDir, origin := initOrigin(t)
	commitFiles(t, origin, originDir, files, "seed")
	job := makeJob(t, queue.QueueIndexing, queue.JobIndexRepo, queue.IndexRepoPayload{
		ProjectID: repoID,
		RepoURL:   originDir,
		RepoID:    repoID,
	})
	_, err := env.indexer.Handle(context.Background(), job)
	require.NoError(t, err)
	return originDir
}

func TestPipeline_Process_EndToEnd(t *testing.T) {
	const repoID = "acme/widgets"
	generation := `{
		"fileOperations": [
			{"type": "updateFile", "path": "src/util.js", "searchReplace": [
				{"search": "return a - b;", "replace": "return a + b;"}
			]}
		],
		"shellCommands": ["true"],
		"explanation": "Make add return the sum instead of the difference."
	}`
	scripted := newScriptedLLM([]string{"src/util.js"}, []string{generation})
	env := newTestEnv(t, scripted)

	originDir := seedAndIndex(t, env, repoID, map[string]string{
		"src/util.js":  "function add(a, b) {\n  return a - b;\n}\n\nmodule.exports = { add };\n",
		"src/greet.js": "function greet(name) {\n  return `hi ${name}`;\n}\n\nmodule.exports = { greet };\n",
	})

	task := "Fix the add function so it returns the sum"
	job := makeJob(t, queue.QueueGeneration, queue.JobProcess, queue.ProcessPayload{
		RepoURL: originDir,
		Task:    task,
		RepoID:  repoID,
	})
	out, err := env.pipeline.Handle(context.Background(), job)
	require.NoError(t, err)
	res, ok := out.(*Result)
	require.True(t, ok)

	assert.Equal(t, repoID, res.RepoID)
	assert.Equal(t, "master", res.BaseBranch)
	assert.Regexp(t, `^feat/fix-the-add-function[a-z0-9-]*$`, res.Branch)
	assert.Equal(t, 7, res.PRNumber)
	assert.Contains(t, res.PRURL, "/pull/7")
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, "Make add return the sum instead of the difference.", res.Explanation)
	require.Len(t, res.Operations, 1)
	assert.Equal(t, sandbox.OpUpdateFile, res.Operations[0].Type)

	require.Len(t, res.FileDiffs, 1)
	assert.Equal(t, "src/util.js", res.FileDiffs[0].Path)
	assert.Contains(t, res.FileDiffs[0].Diff, "-  return a - b;")
	assert.Contains(t, res.FileDiffs[0].Diff, "+  return a + b;")

	require.Len(t, env.forge.prCalls, 1)
	pr := env.forge.prCalls[0]
	assert.Equal(t, "AI: "+task, pr.Title)
	assert.Equal(t, res.Branch, pr.Head)
	assert.Equal(t, "master", pr.Base)
	assert.Equal(t, res.Explanation, pr.Body)
	assert.Equal(t, "acme", env.forge.owner)
	assert.Equal(t, "widgets", env.forge.repo)

	// The pushed branch on the origin carries the fix.
	originRepo, err := gitops.Open(originDir)
	require.NoError(t, err)
	content, found, err := originRepo.ContentAtRef("src/util.js", res.Branch)
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, content, "return a + b;")

	// The generation prompt carried the selected file and the detected
	// package manager, but not the unselected candidate.
	require.Len(t, scripted.prompts["generation"], 1)
	prompt := scripted.prompts["generation"][0]
	assert.Contains(t, prompt, "=== src/util.js ===")
	assert.Contains(t, prompt, "npm")
	assert.NotContains(t, prompt, "=== src/greet.js ===")
}

func TestPipeline_Process_FeedsValidationErrorsBack(t *testing.T) {
	const repoID = "acme/widgets"
	scripted := newScriptedLLM(
		[]string{"src/util.js"},
		[]string{"this is not a change set", "neither is this", "still prose"},
	)
	env := newTestEnv(t, scripted)
	originDir := seedAndIndex(t, env, repoID, map[string]string{
		"src/util.js": "function add(a, b) {\n  return a - b;\n}\n",
	})

	job := makeJob(t, queue.QueueGeneration, queue.JobProcess, queue.ProcessPayload{
		RepoURL: originDir,
		Task:    "Fix the add function",
		RepoID:  repoID,
	})
	_, err := env.pipeline.Handle(context.Background(), job)

	require.Error(t, err)
	assert.Equal(t, serviceerrors.ErrCodeValidationExhausted, serviceerrors.GetCode(err))
	assert.False(t, serviceerrors.IsRetryable(err))
	assert.Empty(t, env.forge.prCalls)

	// Every retry prompt repeats the previous failure to the model.
	require.Len(t, scripted.prompts["generation"], 3)
	assert.Contains(t, scripted.prompts["generation"][1], "## Errors from your previous attempt")
	assert.Contains(t, scripted.prompts["generation"][2], "not applicable")
}

func TestPipeline_Process_RetryThenPass(t *testing.T) {
	const repoID = "acme/widgets"
	good := `{
		"fileOperations": [
			{"type": "updateFile", "path": "src/util.js", "searchReplace": [
				{"search": "return a - b;", "replace": "return a + b;"}
			]}
		],
		"explanation": "Fix the sum."
	}`
	scripted := newScriptedLLM(
		[]string{"src/util.js"},
		[]string{"sorry, I cannot produce a change set", good},
	)
	env := newTestEnv(t, scripted)
	originDir := seedAndIndex(t, env, repoID, map[string]string{
		"src/util.js": "function add(a, b) {\n  return a - b;\n}\n",
	})

	job := makeJob(t, queue.QueueGeneration, queue.JobProcess, queue.ProcessPayload{
		RepoURL: originDir,
		Task:    "Fix the add function",
		RepoID:  repoID,
	})
	out, err := env.pipeline.Handle(context.Background(), job)
	require.NoError(t, err)
	res := out.(*Result)

	assert.Equal(t, 2, res.Iterations)
	require.Len(t, env.forge.prCalls, 1)
	require.Len(t, scripted.prompts["generation"], 2)
	assert.Contains(t, scripted.prompts["generation"][1], "## Errors from your previous attempt")
}

func TestPipeline_Process_RepoNotIndexed(t *testing.T) {
	scripted := newScriptedLLM(nil, nil)
	env := newTestEnv(t, scripted)
	originDir, origin := initOrigin(t)
	commitFiles(t, origin, originDir, map[string]string{"src/a.js": "const a = 1;\n"}, "seed")

	job := makeJob(t, queue.QueueGeneration, queue.JobProcess, queue.ProcessPayload{
		RepoURL: originDir,
		Task:    "Add a feature",
		RepoID:  "acme/widgets",
	})
	_, err := env.pipeline.Handle(context.Background(), job)

	require.Error(t, err)
	assert.Equal(t, serviceerrors.ErrCodeRepoNotIndexed, serviceerrors.GetCode(err))
	assert.Empty(t, scripted.prompts["selection"])
	assert.Empty(t, env.forge.prCalls)
}

func TestPipeline_Handle_RejectsBadPayloads(t *testing.T) {
	env := newTestEnv(t, newScriptedLLM(nil, nil))
	ctx := context.Background()

	_, err := env.pipeline.Handle(ctx, &queue.Job{
		ID: "j1", Queue: queue.QueueGeneration, Name: "mystery", Payload: []byte(`{}`),
	})
	assert.Equal(t, serviceerrors.ErrCodeInvalidJobInput, serviceerrors.GetCode(err))

	job := makeJob(t, queue.QueueGeneration, queue.JobProcess, queue.ProcessPayload{
		RepoURL: "https://github.com/acme/widgets.git",
		RepoID:  "acme/widgets",
	})
	_, err = env.pipeline.Handle(ctx, job)
	assert.Equal(t, serviceerrors.ErrCodeInvalidInput, serviceerrors.GetCode(err))

	job = makeJob(t, queue.QueueGeneration, queue.JobProcess, queue.ProcessPayload{
		RepoURL: "https://github.com/acme/widgets.git",
		Task:    "do something",
	})
	_, err = env.pipeline.Handle(ctx, job)
	assert.Equal(t, serviceerrors.ErrCodeMissingRepoID, serviceerrors.GetCode(err))
}

type fakeStatus struct {
	mu           sync.Mutex
	states       []queue.State
	failedReason string
	calls        int
}

func (f *fakeStatus) Job(context.Context, string) (*queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.states) {
		i = len(f.states) - 1
	}
	f.calls++
	return &queue.Job{ID: "idx-1", State: f.states[i], FailedReason: f.failedReason}, nil
}

func newWaitPipeline(t *testing.T, status StatusLookup) *Pipeline {
	t.Helper()
	sandboxes, err := sandbox.NewManager(sandbox.Config{RootDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sandboxes.Close() })

	p, err := NewPipeline(Config{
		Sandboxes:        sandboxes,
		Indexes:          store.NewManager(t.TempDir(), store.DefaultBM25Config()),
		Embedder:         fakeEmbedder{},
		LLM:              newScriptedLLM(nil, nil),
		Forge:            &fakeForge{},
		Indexing:         status,
		WaitPollInterval: time.Millisecond,
		WaitTimeout:      50 * time.Millisecond,
		Logger:           discardLogger(),
	})
	require.NoError(t, err)
	return p
}

func TestPipeline_WaitForIndexing(t *testing.T) {
	ctx := context.Background()

	t.Run("completed job unblocks", func(t *testing.T) {
		status := &fakeStatus{states: []queue.State{queue.StateActive, queue.StateCompleted}}
		p := newWaitPipeline(t, status)
		require.NoError(t, p.waitForIndexing(ctx, "idx-1", p.logger))
		assert.GreaterOrEqual(t, status.calls, 2)
	})

	t.Run("failed job surfaces reason", func(t *testing.T) {
		status := &fakeStatus{
			states:       []queue.State{queue.StateFailed},
			failedReason: "clone exploded",
		}
		p := newWaitPipeline(t, status)
		err := p.waitForIndexing(ctx, "idx-1", p.logger)
		require.Error(t, err)
		assert.Equal(t, serviceerrors.ErrCodeRepoNotIndexed, serviceerrors.GetCode(err))
		assert.Contains(t, err.Error(), "clone exploded")
	})

	t.Run("timeout", func(t *testing.T) {
		status := &fakeStatus{states: []queue.State{queue.StateActive}}
		p := newWaitPipeline(t, status)
		err := p.waitForIndexing(ctx, "idx-1", p.logger)
		require.Error(t, err)
		assert.Equal(t, serviceerrors.ErrCodeRepoNotIndexed, serviceerrors.GetCode(err))
		assert.Contains(t, err.Error(), "timed out")
	})

	t.Run("no lookup configured", func(t *testing.T) {
		p := newWaitPipeline(t, nil)
		require.NoError(t, p.waitForIndexing(ctx, "idx-1", p.logger))
	})
}

func TestPipeline_SelectFiles_FallsBackToTopRanked(t *testing.T) {
	scripted := newScriptedLLM([]string{"I could not decide on any particular file."}, nil)
	env := newTestEnv(t, scripted)

	candidates := []string{"a.js", "b.js", "c.js", "d.js", "e.js", "f.js", "g.js"}
	selected := env.pipeline.selectFiles(context.Background(), "task", "skeletons", candidates, discardLogger())

	assert.Equal(t, candidates[:5], selected)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "fix-the-add-function", slugify("Fix the add() function!!"))
	assert.Equal(t, "task", slugify("??!!"))
	assert.LessOrEqual(t, len(slugify(strings.Repeat("implement widgets ", 20))), maxSlugLen)
}

func TestSummarizeErrors(t *testing.T) {
	assert.Equal(t, "no error details", summarizeErrors(nil))
	assert.Equal(t, "a; b", summarizeErrors([]string{"a", "b"}))
	assert.Equal(t, "a; b; c; (+2 more)", summarizeErrors([]string{"a", "b", "c", "d", "e"}))
}

func TestIsInstallCommand(t *testing.T) {
	tests := []struct {
		command string
		install bool
	}{
		{"npm install", true},
		{"npm ci", true},
		{"npm i --save-dev left-pad", true},
		{"npm run build", false},
		{"yarn", true},
		{"yarn install --frozen-lockfile", true},
		{"yarn build", false},
		{"pnpm install", true},
		{"pip install -r requirements.txt", true},
		{"pip3 install flask", true},
		{"poetry install", true},
		{"bundle install", true},
		{"go mod download", true},
		{"go test ./...", false},
		{"cargo fetch", true},
		{"cargo build", false},
		{"sed -i s/a/b/ main.js", false},
		{"", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.install, isInstallCommand(tt.command), tt.command)
	}
}
