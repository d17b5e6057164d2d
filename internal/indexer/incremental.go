package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	serviceerrors "github.com/patchsmith/patchsmith/internal/errors"
	"github.com/patchsmith/patchsmith/internal/gitops"
	"github.com/patchsmith/patchsmith/internal/queue"
	"github.com/patchsmith/patchsmith/internal/scanner"
	"github.com/patchsmith/patchsmith/internal/store"
	"github.com/patchsmith/patchsmith/internal/telemetry"
)

// IncrementalIndex refreshes the index for just the files a push
// touched. The sandbox working copy is retained for the next pass.
func (p *Pipeline) IncrementalIndex(ctx context.Context, job *queue.Job, payload queue.IncrementalIndexPayload) (*Result, error) {
	start := time.Now()
	if err := validatePayload(&payload.IndexRepoPayload); err != nil {
		return nil, err
	}
	if payload.Branch == "" {
		return nil, serviceerrors.New(serviceerrors.ErrCodeInvalidJobInput,
			"incremental payload has no branch", nil)
	}

	log := p.logger.With(
		slog.String("job_id", job.ID),
		slog.String("repo_id", payload.RepoID),
		slog.String("branch", payload.Branch))
	log.Info("index_incremental_started",
		slog.Int("added", len(payload.ChangedFiles.Added)),
		slog.Int("modified", len(payload.ChangedFiles.Modified)),
		slog.Int("removed", len(payload.ChangedFiles.Removed)))

	p.progress(ctx, job, 10)
	sb, err := p.sandboxes.GetOrCreate(payload.ProjectID)
	if err != nil {
		return nil, err
	}
	repoDir := workingCopyDir(sb)
	if _, err := p.refreshWorkingCopy(ctx, repoDir, &payload.IndexRepoPayload); err != nil {
		return nil, err
	}

	p.progress(ctx, job, 25)
	ri, err := p.indexes.Open(payload.RepoID, payload.Branch, p.embedder.Dimensions())
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			p.release(payload.RepoID, payload.Branch)
		}
	}()

	removedFiles := 0
	for _, rel := range payload.ChangedFiles.Removed {
		if err := dropFile(ri, rel); err != nil {
			return nil, err
		}
		removedFiles++
	}

	// Re-chunk the added and modified set against the working tree. A
	// path listed as changed but absent on disk was deleted later in
	// the push, so its chunks are dropped instead.
	var chunks []store.Chunk
	indexedFiles := 0
	for _, rel := range dedupePaths(payload.ChangedFiles.Added, payload.ChangedFiles.Modified) {
		if !scanner.IsCodeFile(rel) {
			continue
		}
		content, err := os.ReadFile(filepath.Join(repoDir, filepath.FromSlash(rel)))
		if err != nil {
			if dropErr := dropFile(ri, rel); dropErr != nil {
				return nil, dropErr
			}
			if os.IsNotExist(err) {
				log.Warn("index_changed_file_missing", slog.String("file_path", rel))
				removedFiles++
			} else {
				log.Warn("index_file_read_failed",
					slog.String("file_path", rel),
					slog.String("error", err.Error()))
			}
			continue
		}
		if err := dropFile(ri, rel); err != nil {
			return nil, err
		}
		chunks = append(chunks, p.chunker.ChunkFile(ctx, payload.RepoID, rel, content)...)
		indexedFiles++
	}

	p.progress(ctx, job, 50)
	var embedFailures int
	if len(chunks) > 0 {
		vectors, failures, err := p.batcher.EmbedAll(ctx, chunkTexts(chunks), nil)
		if err != nil {
			return nil, err
		}
		embedFailures = failures

		p.progress(ctx, job, 65)
		if err := ri.BM25.UpdateFiles(chunks); err != nil {
			return nil, err
		}
		if err := ri.Vector.Upsert(ctx, vectorRecords(chunks, vectors)); err != nil {
			return nil, err
		}
	}

	p.progress(ctx, job, 90)
	if err := ri.VerifyParity(); err != nil {
		return nil, serviceerrors.Integrity(serviceerrors.ErrCodeIndexDivergence, err.Error())
	}
	if ri.Vector.Count() == 0 {
		return nil, serviceerrors.Integrity(serviceerrors.ErrCodeEmptyIndex,
			fmt.Sprintf("repository %s has no vectors after incremental update", payload.RepoID))
	}
	if err := ri.Save(); err != nil {
		return nil, err
	}
	meta := indexMeta("incremental", payload.AfterSHA)
	if err := p.meta.SetMeta(ctx, payload.RepoID, payload.Branch, meta); err != nil {
		return nil, err
	}
	committed = true

	telemetry.AddIndexedChunks(len(chunks))
	p.progress(ctx, job, 100)

	duration := time.Since(start)
	log.Info("index_incremental_completed",
		slog.Int("files", indexedFiles),
		slog.Int("removed_files", removedFiles),
		slog.Int("chunks", len(chunks)),
		slog.Duration("duration", duration))

	return &Result{
		RepoID:        payload.RepoID,
		Branch:        payload.Branch,
		IndexType:     "incremental",
		Files:         indexedFiles,
		Chunks:        len(chunks),
		Vectors:       ri.Vector.Count(),
		EmbedFailures: embedFailures,
		RemovedFiles:  removedFiles,
		SHA:           meta.LastIndexedSHA,
		DurationMS:    duration.Milliseconds(),
	}, nil
}

// refreshWorkingCopy fast-forwards a retained working copy, falling
// back to a fresh clone when none exists or the pull fails.
func (p *Pipeline) refreshWorkingCopy(ctx context.Context, repoDir string, payload *queue.IndexRepoPayload) (*gitops.Repo, error) {
	token := p.cloneToken(ctx, payload)

	if _, err := os.Stat(filepath.Join(repoDir, ".git")); err == nil {
		repo, err := gitops.Open(repoDir)
		if err == nil {
			pullCtx, cancel := p.cloneContext(ctx)
			pullErr := repo.Pull(pullCtx, payload.Branch, token)
			cancel()
			if pullErr == nil {
				return repo, nil
			}
			if ctx.Err() != nil {
				return nil, pullErr
			}
			p.logger.Warn("workspace_pull_failed",
				slog.String("repo_id", payload.RepoID),
				slog.String("error", pullErr.Error()))
		} else {
			p.logger.Warn("workspace_open_failed",
				slog.String("repo_id", payload.RepoID),
				slog.String("error", err.Error()))
		}
		if err := os.RemoveAll(repoDir); err != nil {
			return nil, fmt.Errorf("failed to clear working copy: %w", err)
		}
	}

	cloneCtx, cancel := p.cloneContext(ctx)
	defer cancel()
	return gitops.Clone(cloneCtx, gitops.CloneOptions{
		URL:    payload.RepoURL,
		Dir:    repoDir,
		Branch: payload.Branch,
		Token:  token,
		Depth:  p.cloneDepth,
	})
}

// dropFile removes a file's chunks from both index halves.
func dropFile(ri *store.RepoIndex, rel string) error {
	if err := ri.BM25.RemoveFile(rel); err != nil {
		return err
	}
	return ri.Vector.DeleteByFilePath(rel)
}

// dedupePaths unions path lists preserving first-seen order.
func dedupePaths(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, p := range list {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

func indexMeta(indexType, sha string) store.IndexMeta {
	if sha == "" {
		sha = "unknown"
	}
	return store.IndexMeta{
		LastIndexedAt:  time.Now().UTC(),
		LastIndexType:  indexType,
		LastIndexedSHA: sha,
	}
}
