package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	serviceerrors "github.com/patchsmith/patchsmith/internal/errors"
	"github.com/patchsmith/patchsmith/internal/gitops"
	"github.com/patchsmith/patchsmith/internal/queue"
	"github.com/patchsmith/patchsmith/internal/telemetry"
)

// FullIndex rebuilds the whole index for a repository branch from a
// fresh clone. The sandbox is removed afterwards whatever the outcome.
func (p *Pipeline) FullIndex(ctx context.Context, job *queue.Job, payload queue.IndexRepoPayload) (*Result, error) {
	start := time.Now()
	if err := validatePayload(&payload); err != nil {
		return nil, err
	}

	log := p.logger.With(
		slog.String("job_id", job.ID),
		slog.String("repo_id", payload.RepoID))
	log.Info("index_full_started",
		slog.String("repo_url", payload.RepoURL),
		slog.String("branch", payload.Branch),
		slog.String("trigger", payload.Trigger))

	p.progress(ctx, job, 10)
	sb, err := p.sandboxes.GetOrCreate(payload.ProjectID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := p.sandboxes.Cleanup(payload.ProjectID); err != nil {
			log.Warn("sandbox_cleanup_failed",
				slog.String("project_id", payload.ProjectID),
				slog.String("error", err.Error()))
		}
	}()

	repoDir := workingCopyDir(sb)
	if err := os.RemoveAll(repoDir); err != nil {
		return nil, fmt.Errorf("failed to clear working copy: %w", err)
	}
	cloneCtx, cancel := p.cloneContext(ctx)
	repo, err := gitops.Clone(cloneCtx, gitops.CloneOptions{
		URL:    payload.RepoURL,
		Dir:    repoDir,
		Branch: payload.Branch,
		Token:  p.cloneToken(ctx, &payload),
		Depth:  p.cloneDepth,
	})
	cancel()
	if err != nil {
		return nil, err
	}
	branch := resolveBranch(payload.Branch, repo)

	indexedSHA := payload.AfterSHA
	if indexedSHA == "" {
		if sha, err := repo.HeadSHA(); err == nil {
			indexedSHA = sha
		} else {
			indexedSHA = "unknown"
		}
	}

	p.progress(ctx, job, 25)
	files, err := p.scanner.Scan(ctx, repoDir)
	if err != nil {
		return nil, err
	}
	chunks := p.chunkFiles(ctx, payload.RepoID, files)
	if len(chunks) == 0 {
		return nil, serviceerrors.Integrity(serviceerrors.ErrCodeEmptyIndex,
			fmt.Sprintf("repository %s yielded no indexable chunks", payload.RepoID))
	}

	p.progress(ctx, job, 50)
	vectors, embedFailures, err := p.batcher.EmbedAll(ctx, chunkTexts(chunks), nil)
	if err != nil {
		return nil, err
	}
	if embedFailures > 0 {
		log.Warn("index_embed_degraded",
			slog.Int("failed", embedFailures),
			slog.Int("total", len(chunks)))
	}

	p.progress(ctx, job, 65)
	ri, err := p.indexes.Open(payload.RepoID, branch, p.embedder.Dimensions())
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			p.release(payload.RepoID, branch)
		}
	}()

	// The BM25 and vector sides build from the same chunk slice but
	// share no state, so they run concurrently.
	var build errgroup.Group
	build.Go(func() error {
		return ri.BM25.Build(chunks)
	})
	build.Go(func() error {
		if err := ri.Vector.Initialize(); err != nil {
			return err
		}
		return ri.Vector.Upsert(ctx, vectorRecords(chunks, vectors))
	})
	if err := build.Wait(); err != nil {
		return nil, err
	}

	p.progress(ctx, job, 90)
	if err := ri.VerifyParity(); err != nil {
		return nil, serviceerrors.Integrity(serviceerrors.ErrCodeIndexDivergence, err.Error())
	}
	if ri.Vector.Count() == 0 {
		return nil, serviceerrors.Integrity(serviceerrors.ErrCodeEmptyIndex,
			fmt.Sprintf("repository %s has no vectors after indexing", payload.RepoID))
	}
	if err := ri.Save(); err != nil {
		return nil, err
	}
	if err := p.meta.SetMeta(ctx, payload.RepoID, branch, indexMeta("full", indexedSHA)); err != nil {
		return nil, err
	}
	committed = true

	telemetry.AddIndexedChunks(len(chunks))
	p.progress(ctx, job, 100)

	duration := time.Since(start)
	log.Info("index_full_completed",
		slog.String("branch", branch),
		slog.Int("files", len(files)),
		slog.Int("chunks", len(chunks)),
		slog.Int("vectors", ri.Vector.Count()),
		slog.Duration("duration", duration))

	return &Result{
		RepoID:        payload.RepoID,
		Branch:        branch,
		IndexType:     "full",
		Files:         len(files),
		Chunks:        len(chunks),
		Vectors:       ri.Vector.Count(),
		EmbedFailures: embedFailures,
		SHA:           indexedSHA,
		DurationMS:    duration.Milliseconds(),
	}, nil
}
