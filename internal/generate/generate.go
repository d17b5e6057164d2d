// Package generate turns a task description into a validated pull
// request. The pipeline retrieves relevant code from the hybrid index,
// asks the model which files to change and for concrete file
// operations, applies and validates them in a sandboxed checkout, and
// repeats with the validation errors until the checks pass or the
// attempt budget runs out. A passing change is committed to a fresh
// branch, pushed, and opened as a pull request.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/patchsmith/patchsmith/internal/embed"
	serviceerrors "github.com/patchsmith/patchsmith/internal/errors"
	"github.com/patchsmith/patchsmith/internal/forge"
	"github.com/patchsmith/patchsmith/internal/gitops"
	"github.com/patchsmith/patchsmith/internal/graph"
	"github.com/patchsmith/patchsmith/internal/llm"
	"github.com/patchsmith/patchsmith/internal/queue"
	"github.com/patchsmith/patchsmith/internal/sandbox"
	"github.com/patchsmith/patchsmith/internal/search"
	"github.com/patchsmith/patchsmith/internal/store"
	"github.com/patchsmith/patchsmith/internal/telemetry"
	"github.com/patchsmith/patchsmith/internal/validate"
)

// repoDirName is the working copy location inside a sandbox.
const repoDirName = "repo"

// Pipeline defaults.
const (
	DefaultMaxIterations     = 3
	DefaultSelectionFallback = 5
	DefaultRetrieveTopK      = 20
	DefaultWaitPollInterval  = 5 * time.Second
	DefaultWaitTimeout       = 10 * time.Minute
)

// ErrNilDependency reports a missing required collaborator.
var ErrNilDependency = errors.New("generate: nil dependency")

// StatusLookup reads job state on the indexing queue so a generation
// job can wait for its prerequisite index build.
type StatusLookup interface {
	Job(ctx context.Context, id string) (*queue.Job, error)
}

// ForgeClient mints installation tokens and opens pull requests.
type ForgeClient interface {
	TokenForRepo(ctx context.Context, repoFullName string) (string, int64, error)
	CreatePullRequest(ctx context.Context, token, owner, repo string, params forge.PullRequestParams) (*forge.PullRequest, error)
}

// Config wires the pipeline. Sandboxes, Indexes, Embedder, LLM, and
// Forge are required; Meta and Indexing enable the not-indexed fast
// path and the wait-for-indexing handoff when present.
type Config struct {
	Sandboxes *sandbox.Manager
	Indexes   *store.Manager
	Meta      store.MetaStore
	Embedder  embed.Embedder
	LLM       llm.Client
	Forge     ForgeClient
	Indexing  StatusLookup

	MaxIterations     int
	SelectionFallback int
	RetrieveTopK      int
	WaitPollInterval  time.Duration
	WaitTimeout       time.Duration
	CloneDepth        int
	CloneTimeout      time.Duration
	CommandTimeout    time.Duration
	InstallTimeout    time.Duration
	TestTimeout       time.Duration
	BuildTimeout      time.Duration

	Logger *slog.Logger
}

// Pipeline handles jobs on the processing queue.
type Pipeline struct {
	sandboxes *sandbox.Manager
	indexes   *store.Manager
	meta      store.MetaStore
	embedder  embed.Embedder
	llm       llm.Client
	forge     ForgeClient
	indexing  StatusLookup

	maxIterations     int
	selectionFallback int
	retrieveTopK      int
	waitPollInterval  time.Duration
	waitTimeout       time.Duration
	cloneDepth        int
	cloneTimeout      time.Duration
	commandTimeout    time.Duration
	installTimeout    time.Duration
	testTimeout       time.Duration
	buildTimeout      time.Duration

	logger *slog.Logger
}

func NewPipeline(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Sandboxes == nil:
		return nil, fmt.Errorf("%w: sandbox manager", ErrNilDependency)
	case cfg.Indexes == nil:
		return nil, fmt.Errorf("%w: index manager", ErrNilDependency)
	case cfg.Embedder == nil:
		return nil, fmt.Errorf("%w: embedder", ErrNilDependency)
	case cfg.LLM == nil:
		return nil, fmt.Errorf("%w: llm client", ErrNilDependency)
	case cfg.Forge == nil:
		return nil, fmt.Errorf("%w: forge client", ErrNilDependency)
	}
	p := &Pipeline{
		sandboxes:         cfg.Sandboxes,
		indexes:           cfg.Indexes,
		meta:              cfg.Meta,
		embedder:          cfg.Embedder,
		llm:               cfg.LLM,
		forge:             cfg.Forge,
		indexing:          cfg.Indexing,
		maxIterations:     cfg.MaxIterations,
		selectionFallback: cfg.SelectionFallback,
		retrieveTopK:      cfg.RetrieveTopK,
		waitPollInterval:  cfg.WaitPollInterval,
		waitTimeout:       cfg.WaitTimeout,
		cloneDepth:        cfg.CloneDepth,
		cloneTimeout:      cfg.CloneTimeout,
		commandTimeout:    cfg.CommandTimeout,
		installTimeout:    cfg.InstallTimeout,
		testTimeout:       cfg.TestTimeout,
		buildTimeout:      cfg.BuildTimeout,
		logger:            cfg.Logger,
	}
	if p.maxIterations <= 0 {
		p.maxIterations = DefaultMaxIterations
	}
	if p.selectionFallback <= 0 {
		p.selectionFallback = DefaultSelectionFallback
	}
	if p.retrieveTopK <= 0 {
		p.retrieveTopK = DefaultRetrieveTopK
	}
	if p.waitPollInterval <= 0 {
		p.waitPollInterval = DefaultWaitPollInterval
	}
	if p.waitTimeout <= 0 {
		p.waitTimeout = DefaultWaitTimeout
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p, nil
}

// Result is stored on the completed job.
type Result struct {
	RepoID      string                  `json:"repoId"`
	Branch      string                  `json:"branch"`
	BaseBranch  string                  `json:"baseBranch"`
	PRURL       string                  `json:"prUrl"`
	PRNumber    int                     `json:"prNumber"`
	Explanation string                  `json:"explanation"`
	FileDiffs   []FileDiff              `json:"fileDiffs"`
	Operations  []sandbox.FileOperation `json:"operations"`
	Iterations  int                     `json:"iterations"`
	DurationMS  int64                   `json:"durationMs"`
}

// Handle is the processing queue handler.
func (p *Pipeline) Handle(ctx context.Context, job *queue.Job) (any, error) {
	if job.Name != queue.JobProcess {
		return nil, serviceerrors.New(serviceerrors.ErrCodeInvalidJobInput,
			fmt.Sprintf("unknown job %q on processing queue", job.Name), nil)
	}
	var payload queue.ProcessPayload
	if err := job.DecodePayload(&payload); err != nil {
		return nil, err
	}
	if strings.TrimSpace(payload.Task) == "" {
		return nil, serviceerrors.InvalidInput("process payload has no task", nil)
	}
	if payload.RepoID == "" {
		return nil, serviceerrors.New(serviceerrors.ErrCodeMissingRepoID,
			"process payload has no repository id", nil)
	}
	if payload.RepoURL == "" {
		return nil, serviceerrors.New(serviceerrors.ErrCodeInvalidJobInput,
			"process payload has no repository URL", nil)
	}
	return p.Process(ctx, job, &payload)
}

// Process runs one generation job end to end.
func (p *Pipeline) Process(ctx context.Context, job *queue.Job, payload *queue.ProcessPayload) (*Result, error) {
	start := time.Now()
	log := p.logger.With(
		slog.String("job_id", job.ID),
		slog.String("repo_id", payload.RepoID))
	log.Info("generation_started", slog.Int("task_chars", len(payload.Task)))

	if payload.IndexingJobID != "" {
		if err := p.waitForIndexing(ctx, payload.IndexingJobID, log); err != nil {
			return nil, err
		}
	}

	p.progress(ctx, job, 10)
	sb, err := p.sandboxes.GetOrCreate(payload.RepoID)
	if err != nil {
		return nil, err
	}

	p.progress(ctx, job, 20)
	repoDir := filepath.Join(sb.Root(), repoDirName)
	if err := os.RemoveAll(repoDir); err != nil {
		return nil, fmt.Errorf("failed to reset working copy: %w", err)
	}
	cloneCtx, cancel := p.cloneContext(ctx)
	repo, err := gitops.Clone(cloneCtx, gitops.CloneOptions{
		URL:   payload.RepoURL,
		Dir:   repoDir,
		Token: p.cloneToken(ctx, payload, log),
		Depth: p.cloneDepth,
	})
	cancel()
	if err != nil {
		return nil, err
	}
	base := repo.DefaultBranch()

	if p.meta != nil {
		indexed, err := p.meta.IsIndexed(ctx, payload.RepoID, base)
		if err != nil {
			return nil, err
		}
		if !indexed {
			return nil, serviceerrors.RepoNotIndexed(payload.RepoID)
		}
	}

	p.progress(ctx, job, 25)
	packageManager := sb.DetectPackageManager(repoDirName)

	p.progress(ctx, job, 40)
	candidates, err := p.retrieveCandidates(ctx, payload, base)
	if err != nil {
		return nil, err
	}

	p.progress(ctx, job, 50)
	contents := p.readRepoFiles(sb, candidates)
	readable := make([]string, 0, len(candidates))
	for _, rel := range candidates {
		if _, ok := contents[rel]; ok {
			readable = append(readable, rel)
		}
	}
	if len(readable) == 0 {
		return nil, serviceerrors.Integrity(serviceerrors.ErrCodeIndexDivergence,
			fmt.Sprintf("indexed files missing from working copy of %s", payload.RepoID))
	}

	builder := graph.NewBuilder()
	defer builder.Close()
	codeGraph, err := builder.Build(ctx, contents)
	if err != nil {
		return nil, err
	}
	skeletons := graph.FormatSkeletons(codeGraph)

	selected := p.selectFiles(ctx, payload.Task, skeletons, readable, log)

	p.progress(ctx, job, 60)
	promptFiles := make(map[string]string, len(selected))
	for _, rel := range selected {
		promptFiles[rel] = contents[rel]
	}

	state := NewState(p.maxIterations)
	touched := make(map[string]struct{})
	var (
		lastOutput *llm.GenerateOutput
		applied    []sandbox.FileOperation
		attempts   int
	)
	for state.Phase == PhaseGenerate {
		attempts++
		p.progress(ctx, job, loopProgress(state.Iteration))
		log.Info("generation_attempt",
			slog.Int("iteration", state.Iteration+1),
			slog.Int("max_iterations", state.MaxIterations))

		outcome, output, err := p.attempt(ctx, sb, payload.Task, packageManager, promptFiles, skeletons, state.Errors, touched, log)
		if err != nil {
			return nil, err
		}
		if output != nil {
			lastOutput = output
			applied = append(applied, output.FileOperations...)
		}
		state = Next(state, outcome)
	}
	if state.Phase == PhaseFailed {
		log.Error("generation_exhausted",
			slog.Int("iterations", attempts),
			slog.Int("error_count", len(state.Errors)))
		return nil, serviceerrors.ValidationExhausted(fmt.Sprintf(
			"validation still failing after %d attempts: %s",
			attempts, summarizeErrors(state.Errors)))
	}

	explanation := ""
	if lastOutput != nil {
		explanation = lastOutput.Explanation
	}

	p.progress(ctx, job, 95)
	pr, headBranch, err := p.createPR(ctx, repo, payload, base, explanation, log)
	if err != nil {
		return nil, err
	}

	touchedList := make([]string, 0, len(touched))
	for rel := range touched {
		touchedList = append(touchedList, rel)
	}
	diffs := buildFileDiffs(repo, base, touchedList, log)

	p.progress(ctx, job, 100)
	log.Info("generation_completed",
		slog.String("pr_url", pr.URL),
		slog.Int("iterations", attempts),
		slog.Int("files_changed", len(touchedList)),
		slog.Duration("duration", time.Since(start)))
	return &Result{
		RepoID:      payload.RepoID,
		Branch:      headBranch,
		BaseBranch:  base,
		PRURL:       pr.URL,
		PRNumber:    pr.Number,
		Explanation: explanation,
		FileDiffs:   diffs,
		Operations:  applied,
		Iterations:  attempts,
		DurationMS:  time.Since(start).Milliseconds(),
	}, nil
}

// waitForIndexing polls the prerequisite indexing job until it
// reaches a terminal state.
func (p *Pipeline) waitForIndexing(ctx context.Context, jobID string, log *slog.Logger) error {
	if p.indexing == nil {
		return nil
	}
	log.Info("generation_waiting_for_index", slog.String("indexing_job_id", jobID))
	deadline := time.Now().Add(p.waitTimeout)
	ticker := time.NewTicker(p.waitPollInterval)
	defer ticker.Stop()
	for {
		job, err := p.indexing.Job(ctx, jobID)
		if err != nil {
			return err
		}
		switch job.State {
		case queue.StateCompleted:
			return nil
		case queue.StateFailed:
			return serviceerrors.New(serviceerrors.ErrCodeRepoNotIndexed,
				fmt.Sprintf("indexing job %s failed: %s", jobID, job.FailedReason), nil)
		}
		if time.Now().After(deadline) {
			return serviceerrors.New(serviceerrors.ErrCodeRepoNotIndexed,
				fmt.Sprintf("timed out waiting for indexing job %s", jobID), nil)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// retrieveCandidates runs hybrid retrieval for the task and returns
// the matched file paths in rank order.
func (p *Pipeline) retrieveCandidates(ctx context.Context, payload *queue.ProcessPayload, branch string) ([]string, error) {
	ri, err := p.indexes.Open(payload.RepoID, branch, p.embedder.Dimensions())
	if err != nil {
		return nil, err
	}
	retriever, err := search.NewRetriever(ri.BM25, ri.Vector, p.embedder)
	if err != nil {
		return nil, err
	}
	retrieveStart := time.Now()
	hits, err := retriever.Retrieve(ctx, payload.Task, p.retrieveTopK)
	if err != nil {
		return nil, err
	}
	telemetry.ObserveRetrieval(time.Since(retrieveStart))
	if len(hits) == 0 {
		return nil, serviceerrors.RepoNotIndexed(payload.RepoID)
	}
	return search.UniqueFilesFromResults(hits), nil
}

// selectFiles asks the model which candidates the task touches.
// Replies are filtered to known candidates; an unusable reply falls
// back to the top-ranked ones.
func (p *Pipeline) selectFiles(ctx context.Context, task, skeletons string, candidates []string, log *slog.Logger) []string {
	fallback := candidates
	if len(fallback) > p.selectionFallback {
		fallback = fallback[:p.selectionFallback]
	}

	reply, err := p.llm.Complete(ctx, llm.Request{
		Kind:   "selection",
		System: selectionSystem,
		Prompt: selectionPrompt(task, skeletons),
	})
	if err != nil {
		log.Warn("file_selection_failed", slog.String("error", err.Error()))
		return fallback
	}

	known := make(map[string]struct{}, len(candidates))
	for _, rel := range candidates {
		known[rel] = struct{}{}
	}
	var selected []string
	for _, rel := range llm.ParseFileSelection(reply) {
		if _, ok := known[rel]; ok {
			selected = append(selected, rel)
		}
	}
	if len(selected) == 0 {
		log.Info("file_selection_fallback", slog.Int("candidate_count", len(candidates)))
		return fallback
	}
	return selected
}

// attempt runs one generate-apply-validate cycle. The returned error
// is fatal for the job (provider outage, cancellation); recoverable
// problems become outcome errors for the next prompt.
func (p *Pipeline) attempt(ctx context.Context, sb *sandbox.Sandbox, task, packageManager string, promptFiles map[string]string, skeletons string, priorErrors []string, touched map[string]struct{}, log *slog.Logger) (Outcome, *llm.GenerateOutput, error) {
	reply, err := p.llm.Complete(ctx, llm.Request{
		Kind:       "generation",
		System:     generateSystem,
		Prompt:     generatePrompt(task, packageManager, promptFiles, skeletons, priorErrors),
		JSONObject: true,
	})
	if err != nil {
		return Outcome{}, nil, err
	}
	output, err := llm.ParseGenerateOutput(reply)
	if err != nil {
		log.Warn("generation_output_rejected", slog.String("error", err.Error()))
		return Outcome{Errors: []string{fmt.Sprintf("your previous reply was not applicable: %v", err)}}, nil, nil
	}

	results, execErr := sb.ExecuteFileOperations(output.FileOperations, repoDirName)
	for _, res := range results {
		touched[strings.TrimPrefix(res.Path, repoDirName+"/")] = struct{}{}
	}
	if execErr != nil {
		log.Warn("file_operations_failed", slog.String("error", execErr.Error()))
		return Outcome{Errors: []string{execErr.Error()}}, output, nil
	}

	p.runShellCommands(ctx, sb, output.ShellCommands, log)

	files := make([]string, 0, len(touched))
	for rel := range touched {
		files = append(files, rel)
	}
	sort.Strings(files)
	opts := validate.DefaultOptions()
	opts.Files = files
	opts.TestTimeout = p.testTimeout
	opts.BuildTimeout = p.buildTimeout
	res, err := validate.Run(ctx, repoRunner{sb}, packageManager, opts)
	if err != nil {
		return Outcome{}, output, err
	}
	if res.AllPassed {
		log.Info("validation_passed", slog.Float64("score", res.Score))
		return Outcome{Passed: true}, output, nil
	}
	log.Warn("validation_failed",
		slog.Int("error_count", res.ErrorCount),
		slog.Float64("score", res.Score))
	return Outcome{Errors: res.AllErrors()}, output, nil
}

// runShellCommands executes model-requested commands in the working
// copy. Failures surface through the next validation pass rather than
// aborting the attempt.
func (p *Pipeline) runShellCommands(ctx context.Context, sb *sandbox.Sandbox, commands []string, log *slog.Logger) {
	for _, command := range commands {
		timeout := p.commandTimeout
		if isInstallCommand(command) {
			timeout = p.installTimeout
		}
		res, err := sb.RunCommand(ctx, sandbox.Command{
			Name:    "sh",
			Args:    []string{"-c", command},
			Dir:     repoDirName,
			Timeout: timeout,
		})
		if err != nil {
			log.Warn("shell_command_error",
				slog.String("command", command),
				slog.String("error", err.Error()))
			continue
		}
		if res.Failed() {
			log.Warn("shell_command_failed",
				slog.String("command", command),
				slog.Int("exit_code", res.ExitCode))
		}
	}
}

// isInstallCommand reports whether a shell command is a dependency
// install. Installs run under the install timeout rather than the
// generic command timeout.
func isInstallCommand(command string) bool {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "yarn":
		return len(fields) == 1 || fields[1] == "install"
	case "npm":
		return len(fields) > 1 && (fields[1] == "install" || fields[1] == "ci" || fields[1] == "i")
	case "pnpm":
		return len(fields) > 1 && (fields[1] == "install" || fields[1] == "i")
	case "pip", "pip3", "poetry", "bundle":
		return len(fields) > 1 && fields[1] == "install"
	case "go":
		return len(fields) > 2 && fields[1] == "mod" && fields[2] == "download"
	case "cargo":
		return len(fields) > 1 && fields[1] == "fetch"
	}
	return false
}

// createPR commits the working tree to a fresh branch, pushes it, and
// opens the pull request against the base branch.
func (p *Pipeline) createPR(ctx context.Context, repo *gitops.Repo, payload *queue.ProcessPayload, base, explanation string, log *slog.Logger) (*forge.PullRequest, string, error) {
	token, _, err := p.forge.TokenForRepo(ctx, payload.RepoID)
	if err != nil {
		return nil, "", err
	}

	branch := branchName(payload.Task, time.Now())
	if err := repo.CreateBranch(branch); err != nil {
		return nil, "", err
	}
	title := "AI: " + payload.Task
	if _, err := repo.CommitAll(title, gitops.BotAuthor); err != nil {
		return nil, "", err
	}
	if err := repo.Push(ctx, token); err != nil {
		return nil, "", err
	}

	owner, name, err := splitFullName(payload.RepoID, payload.RepoURL)
	if err != nil {
		return nil, "", err
	}
	pr, err := p.forge.CreatePullRequest(ctx, token, owner, name, forge.PullRequestParams{
		Title: title,
		Head:  branch,
		Base:  base,
		Body:  explanation,
	})
	if err != nil {
		return nil, "", err
	}
	log.Info("pull_request_created",
		slog.String("branch", branch),
		slog.Int("pr_number", pr.Number))
	return pr, branch, nil
}

// cloneToken prefers the token carried by the payload, then a fresh
// installation token. Repositories without an installation fall back
// to anonymous cloning.
func (p *Pipeline) cloneToken(ctx context.Context, payload *queue.ProcessPayload, log *slog.Logger) string {
	if payload.InstallationToken != "" {
		return payload.InstallationToken
	}
	token, _, err := p.forge.TokenForRepo(ctx, payload.RepoID)
	if err != nil {
		if serviceerrors.GetCode(err) == serviceerrors.ErrCodeNoInstallation {
			log.Debug("generation_clone_anonymous", slog.String("repo_id", payload.RepoID))
		} else {
			log.Warn("installation_token_failed", slog.String("error", err.Error()))
		}
		return ""
	}
	return token
}

// cloneContext bounds git transfer work with the configured clone
// timeout.
func (p *Pipeline) cloneContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cloneTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.cloneTimeout)
}

// readRepoFiles reads repository-relative paths from the sandbox
// working copy, keyed without the checkout prefix.
func (p *Pipeline) readRepoFiles(sb *sandbox.Sandbox, paths []string) map[string]string {
	prefixed := make([]string, len(paths))
	for i, rel := range paths {
		prefixed[i] = path.Join(repoDirName, rel)
	}
	raw := sb.ReadFiles(prefixed, 0)
	contents := make(map[string]string, len(raw))
	for rel, content := range raw {
		contents[strings.TrimPrefix(rel, repoDirName+"/")] = content
	}
	return contents
}

func (p *Pipeline) progress(ctx context.Context, job *queue.Job, pct int) {
	if err := job.UpdateProgress(ctx, pct); err != nil {
		p.logger.Debug("progress_update_failed",
			slog.String("job_id", job.ID),
			slog.Int("progress", pct),
			slog.String("error", err.Error()))
	}
}

// repoRunner roots validation at the repository checkout inside the
// sandbox: commands run in repo/ and file reads resolve against it.
type repoRunner struct {
	sb *sandbox.Sandbox
}

func (r repoRunner) RunCommand(ctx context.Context, cmd sandbox.Command) (*sandbox.CommandResult, error) {
	cmd.Dir = path.Join(repoDirName, cmd.Dir)
	return r.sb.RunCommand(ctx, cmd)
}

func (r repoRunner) ReadFile(rel string) (string, error) {
	return r.sb.ReadFile(path.Join(repoDirName, rel))
}

// Loop progress spans 70 to 95.
func loopProgress(iteration int) int {
	pct := 70 + iteration*8
	if pct > 95 {
		pct = 95
	}
	return pct
}

const maxSlugLen = 40

// branchName derives a unique head branch from the task, for example
// "feat/add-rate-limiting-mb3k2f".
func branchName(task string, now time.Time) string {
	return fmt.Sprintf("feat/%s-%s", slugify(task), strconv.FormatInt(now.UnixMilli(), 36))
}

func slugify(task string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(task) {
		if b.Len() >= maxSlugLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if b.Len() > 0 && !dash {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	s := strings.TrimRight(b.String(), "-")
	if s == "" {
		return "task"
	}
	return s
}

func splitFullName(repoID, cloneURL string) (string, string, error) {
	if owner, name, ok := strings.Cut(repoID, "/"); ok && owner != "" && name != "" {
		return owner, name, nil
	}
	return forge.SplitRepoURL(cloneURL)
}

func summarizeErrors(errs []string) string {
	const keep = 3
	if len(errs) == 0 {
		return "no error details"
	}
	if len(errs) <= keep {
		return strings.Join(errs, "; ")
	}
	return fmt.Sprintf("%s; (+%d more)", strings.Join(errs[:keep], "; "), len(errs)-keep)
}
