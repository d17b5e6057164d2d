package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	serviceerrors "github.com/patchsmith/patchsmith/internal/errors"
	"github.com/patchsmith/patchsmith/internal/forge"
	"github.com/patchsmith/patchsmith/internal/indexer"
	"github.com/patchsmith/patchsmith/internal/output"
	"github.com/patchsmith/patchsmith/internal/queue"
)

// indexPollInterval drives both the local worker and the status poll
// for the one-shot index command.
const indexPollInterval = 200 * time.Millisecond

func newIndexCmd(configPath *string) *cobra.Command {
	var branch string
	var repoID string

	cmd := &cobra.Command{
		Use:   "index <repo-url>",
		Short: "Index one repository and wait for the result",
		Long: `Index enqueues a full index job for the given GitHub repository,
processes it with an in-process worker, and reports the result. The
job goes through the same Redis queue the service uses, so a running
'patchsmith serve' sees the finished index immediately.

Private repositories need GitHub App credentials in the config;
without them the clone is anonymous.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(cmd, *configPath, args[0], repoID, branch)
		},
	}

	cmd.Flags().StringVar(&branch, "branch", "", "Branch to index (default: the repository's default branch)")
	cmd.Flags().StringVar(&repoID, "repo-id", "", `Repo identifier (default: "owner/name" from the URL)`)

	return cmd
}

func runIndex(cmd *cobra.Command, configPath, repoURL, repoID, branch string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serviceerrors.ValidateCloneURL(repoURL); err != nil {
		return err
	}
	if repoID == "" {
		owner, name, err := forge.SplitRepoURL(repoURL)
		if err != nil {
			return err
		}
		repoID = owner + "/" + name
	}

	a, err := buildApp(configPath, false)
	if err != nil {
		return err
	}
	defer a.Close()

	pipeline, err := a.newIndexerPipeline()
	if err != nil {
		return fmt.Errorf("failed to build index pipeline: %w", err)
	}
	defer pipeline.Close()

	worker := queue.NewWorker(a.indexQueue, pipeline.Handle, queue.WorkerConfig{
		JobTimeout:   a.cfg.Queue.IndexJobTimeout,
		PollInterval: indexPollInterval,
	})
	worker.Start(ctx)
	defer worker.Stop()

	payload := queue.IndexRepoPayload{
		ProjectID: repoID,
		RepoURL:   repoURL,
		RepoID:    repoID,
		Branch:    branch,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Trigger:   "cli",
	}
	job, err := a.indexQueue.Enqueue(ctx, queue.JobIndexRepo, payload, nil)
	if err != nil {
		return err
	}

	out := output.New(cmd.OutOrStdout())
	out.Detailf("job: %s", job.ID)

	bar := newIndexBar(repoID)
	final, err := waitForJob(ctx, a.indexQueue, job.ID, bar)
	if err != nil {
		return err
	}
	_ = bar.Finish()

	if final.State == queue.StateFailed {
		out.Errorf("Indexing failed: %s", final.FailedReason)
		return fmt.Errorf("indexing failed after %d attempt(s)", final.Attempts)
	}

	var result indexer.Result
	if err := json.Unmarshal(final.Result, &result); err != nil {
		return fmt.Errorf("failed to decode job result: %w", err)
	}

	out.Successf("Indexed %s@%s in %s", result.RepoID, result.Branch,
		(time.Duration(result.DurationMS) * time.Millisecond).Round(time.Millisecond))
	out.Infof("files: %d, chunks: %d, vectors: %d", result.Files, result.Chunks, result.Vectors)
	out.Infof("commit: %s", result.SHA)
	if result.EmbedFailures > 0 {
		out.Warningf("%d chunk(s) stored with zero vectors after embedding failures", result.EmbedFailures)
	}

	return nil
}

func newIndexBar(repoID string) *progressbar.ProgressBar {
	return progressbar.NewOptions(100,
		progressbar.OptionSetDescription("Indexing "+repoID),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionOnCompletion(func() {
			fmt.Println()
		}),
	)
}

// waitForJob polls the queue until the job reaches a terminal state,
// mirroring handler progress onto the bar.
func waitForJob(ctx context.Context, q *queue.Queue, id string, bar *progressbar.ProgressBar) (*queue.Job, error) {
	ticker := time.NewTicker(indexPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		job, err := q.Job(ctx, id)
		if err != nil {
			return nil, err
		}
		_ = bar.Set(job.Progress)
		if job.State.Terminal() {
			return job, nil
		}
	}
}
