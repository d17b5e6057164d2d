// Package indexer runs the repository indexing pipeline off the
// indexing queue. A full pass clones the repository, chunks every
// indexable file, embeds the chunks, and rebuilds the paired
// BM25 + vector index; an incremental pass refreshes a retained
// working copy and replaces only the chunks of the files a push
// touched. Index metadata is committed last so a repository never
// reads as indexed while its index is half written.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/patchsmith/patchsmith/internal/chunk"
	"github.com/patchsmith/patchsmith/internal/embed"
	serviceerrors "github.com/patchsmith/patchsmith/internal/errors"
	"github.com/patchsmith/patchsmith/internal/gitops"
	"github.com/patchsmith/patchsmith/internal/queue"
	"github.com/patchsmith/patchsmith/internal/sandbox"
	"github.com/patchsmith/patchsmith/internal/scanner"
	"github.com/patchsmith/patchsmith/internal/store"
)

// repoDirName is the working-copy directory inside a sandbox.
const repoDirName = "repo"

// defaultChunkWorkers bounds parallel file chunking when the config
// leaves it unset.
const defaultChunkWorkers = 4

// ErrNilDependency is returned when the pipeline is built without one
// of its required collaborators.
var ErrNilDependency = errors.New("indexer: nil dependency")

// TokenSource mints installation tokens for cloning private
// repositories. Optional; without one every clone is anonymous.
type TokenSource interface {
	TokenForRepo(ctx context.Context, repoFullName string) (token string, installationID int64, err error)
}

// Config wires the pipeline's collaborators.
type Config struct {
	Sandboxes *sandbox.Manager
	Indexes   *store.Manager
	Meta      store.MetaStore
	Embedder  embed.Embedder
	Tokens    TokenSource
	// CloneDepth truncates history on fresh clones; 0 keeps it all.
	CloneDepth int
	// CloneTimeout bounds a single clone or fetch; 0 leaves it to the
	// caller's context.
	CloneTimeout time.Duration
	// ChunkWorkers bounds parallel file chunking; 0 picks a default.
	ChunkWorkers int
	Batch        embed.BatchConfig
	Logger       *slog.Logger
}

// Pipeline indexes repositories for hybrid retrieval.
type Pipeline struct {
	sandboxes    *sandbox.Manager
	indexes      *store.Manager
	meta         store.MetaStore
	embedder     embed.Embedder
	batcher      *embed.BatchEmbedder
	scanner      *scanner.Scanner
	chunker      *chunk.Chunker
	tokens       TokenSource
	cloneDepth   int
	cloneTimeout time.Duration
	chunkWorkers int
	logger       *slog.Logger
}

// NewPipeline builds an indexing pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Sandboxes == nil || cfg.Indexes == nil || cfg.Meta == nil || cfg.Embedder == nil {
		return nil, ErrNilDependency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.ChunkWorkers
	if workers <= 0 {
		workers = defaultChunkWorkers
	}
	return &Pipeline{
		sandboxes:    cfg.Sandboxes,
		indexes:      cfg.Indexes,
		meta:         cfg.Meta,
		embedder:     cfg.Embedder,
		batcher:      embed.NewBatchEmbedder(cfg.Embedder, cfg.Batch),
		scanner:      scanner.New(),
		chunker:      chunk.NewChunker(0),
		tokens:       cfg.Tokens,
		cloneDepth:   cfg.CloneDepth,
		cloneTimeout: cfg.CloneTimeout,
		chunkWorkers: workers,
		logger:       logger,
	}, nil
}

// Close releases the chunker's parser resources.
func (p *Pipeline) Close() {
	p.chunker.Close()
}

// Result summarises a finished indexing run and is stored as the job
// result.
type Result struct {
	RepoID        string `json:"repoId"`
	Branch        string `json:"branch"`
	IndexType     string `json:"indexType"`
	Files         int    `json:"files"`
	Chunks        int    `json:"chunks"`
	Vectors       int    `json:"vectors"`
	EmbedFailures int    `json:"embedFailures,omitempty"`
	RemovedFiles  int    `json:"removedFiles,omitempty"`
	SHA           string `json:"sha"`
	DurationMS    int64  `json:"durationMs"`
}

// Handle is the indexing queue handler.
func (p *Pipeline) Handle(ctx context.Context, job *queue.Job) (any, error) {
	switch job.Name {
	case queue.JobIndexRepo:
		var payload queue.IndexRepoPayload
		if err := job.DecodePayload(&payload); err != nil {
			return nil, err
		}
		return p.FullIndex(ctx, job, payload)
	case queue.JobIncrementalIndex:
		var payload queue.IncrementalIndexPayload
		if err := job.DecodePayload(&payload); err != nil {
			return nil, err
		}
		return p.IncrementalIndex(ctx, job, payload)
	default:
		return nil, serviceerrors.New(serviceerrors.ErrCodeInvalidJobInput,
			fmt.Sprintf("unknown job %q on indexing queue", job.Name), nil)
	}
}

func validatePayload(payload *queue.IndexRepoPayload) error {
	if payload.RepoID == "" {
		return serviceerrors.New(serviceerrors.ErrCodeMissingRepoID,
			"indexing payload has no repoId", nil)
	}
	if payload.RepoURL == "" {
		return serviceerrors.New(serviceerrors.ErrCodeInvalidJobInput,
			"indexing payload has no repoUrl", nil)
	}
	return nil
}

// progress records a milestone on the job; a failed write never fails
// the run.
func (p *Pipeline) progress(ctx context.Context, job *queue.Job, pct int) {
	if err := job.UpdateProgress(ctx, pct); err != nil {
		p.logger.Debug("job_progress_write_failed",
			slog.String("job_id", job.ID),
			slog.Int("progress", pct),
			slog.String("error", err.Error()))
	}
}

// cloneToken resolves the token for a clone: the one carried by the
// payload, else one minted for the repository's installation. Repos
// without an installation clone anonymously.
func (p *Pipeline) cloneToken(ctx context.Context, payload *queue.IndexRepoPayload) string {
	if payload.InstallationToken != "" {
		return payload.InstallationToken
	}
	if p.tokens == nil {
		return ""
	}
	token, _, err := p.tokens.TokenForRepo(ctx, payload.RepoID)
	if err != nil {
		if serviceerrors.GetCode(err) == serviceerrors.ErrCodeNoInstallation {
			p.logger.Debug("index_clone_anonymous", slog.String("repo_id", payload.RepoID))
		} else {
			p.logger.Warn("installation_token_failed",
				slog.String("repo_id", payload.RepoID),
				slog.String("error", err.Error()))
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

// chunkFiles reads and chunks every scanned file, chunkWorkers files
// at a time. Unreadable files are skipped with a warning. Output is
// sorted by path and line so the index is built in a stable order.
func (p *Pipeline) chunkFiles(ctx context.Context, repoID string, files []scanner.File) []store.Chunk {
	perFile := make([][]store.Chunk, len(files))

	var g errgroup.Group
	g.SetLimit(p.chunkWorkers)
	for i, f := range files {
		g.Go(func() error {
			content, err := os.ReadFile(f.AbsPath)
			if err != nil {
				p.logger.Warn("index_file_read_failed",
					slog.String("file_path", f.Path),
					slog.String("error", err.Error()))
				return nil
			}
			perFile[i] = p.chunker.ChunkFile(ctx, repoID, f.Path, content)
			return nil
		})
	}
	_ = g.Wait()

	var chunks []store.Chunk
	for _, fc := range perFile {
		chunks = append(chunks, fc...)
	}
	sort.Slice(chunks, func(a, b int) bool {
		if chunks[a].FilePath != chunks[b].FilePath {
			return chunks[a].FilePath < chunks[b].FilePath
		}
		return chunks[a].LineStart < chunks[b].LineStart
	})
	return chunks
}

// vectorRecords pairs chunks with their embeddings, positions aligned.
func vectorRecords(chunks []store.Chunk, vectors [][]float32) []store.VectorRecord {
	records := make([]store.VectorRecord, len(chunks))
	for i, c := range chunks {
		records[i] = store.VectorRecord{
			ID:     c.ID,
			Vector: vectors[i],
			Metadata: store.ChunkMetadata{
				RepoID:    c.RepoID,
				FilePath:  c.FilePath,
				LineStart: c.LineStart,
				LineEnd:   c.LineEnd,
				ChunkType: c.Kind,
				Preview:   chunk.Preview(c.Content, 0),
			},
		}
	}
	return records
}

// release drops the cached in-memory index so the next open reloads
// the last persisted state. Called when a run fails after mutating the
// live index.
func (p *Pipeline) release(repoID, branch string) {
	if err := p.indexes.Release(repoID, branch); err != nil {
		p.logger.Warn("index_release_failed",
			slog.String("repo_id", repoID),
			slog.String("branch", branch),
			slog.String("error", err.Error()))
	}
}

func chunkTexts(chunks []store.Chunk) []string {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	return texts
}

func workingCopyDir(sb *sandbox.Sandbox) string {
	return filepath.Join(sb.Root(), repoDirName)
}

// resolveBranch fills an empty payload branch from the clone's remote
// default.
func resolveBranch(requested string, repo *gitops.Repo) string {
	if requested != "" {
		return requested
	}
	return repo.DefaultBranch()
}
