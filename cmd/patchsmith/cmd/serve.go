package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/patchsmith/patchsmith/internal/preflight"
	"github.com/patchsmith/patchsmith/internal/queue"
	"github.com/patchsmith/patchsmith/internal/server"
	"github.com/patchsmith/patchsmith/internal/webhook"
)

// shutdownTimeout bounds the drain of in-flight HTTP requests on stop.
const shutdownTimeout = 15 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	var skipCheck bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API together with the queue workers",
		Long: `Serve runs the full service in one process: the webhook and job
HTTP API, plus one worker per queue consuming indexing and generation
jobs. SIGINT or SIGTERM drains in-flight requests and stops the
workers before exiting.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, *configPath, skipCheck)
		},
	}

	cmd.Flags().BoolVar(&skipCheck, "skip-check", false, "Skip pre-flight system checks")

	return cmd
}

func runServe(cmd *cobra.Command, configPath string, skipCheck bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(configPath, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if !skipCheck {
		if err := runChecks(ctx, cmd, a); err != nil {
			return err
		}
	}

	indexPipeline, err := a.newIndexerPipeline()
	if err != nil {
		return fmt.Errorf("failed to build index pipeline: %w", err)
	}
	defer indexPipeline.Close()

	genPipeline, err := a.newGeneratePipeline()
	if err != nil {
		return fmt.Errorf("failed to build generation pipeline: %w", err)
	}

	dispatcher, err := webhook.NewDispatcher(webhook.DispatcherConfig{
		Secret:    a.cfg.GitHub.WebhookSecret,
		Registry:  a.registry,
		Meta:      a.meta,
		Indexing:  a.indexQueue,
		Threshold: a.cfg.Index.IncrementalThreshold,
		Logger:    a.logger,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		ListenAddr: a.cfg.Server.ListenAddr,
		BaseURL:    a.cfg.Server.BaseURL,
		Dispatcher: dispatcher,
		Indexing:   a.indexQueue,
		Generation: a.genQueue,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}

	indexWorker := queue.NewWorker(a.indexQueue, indexPipeline.Handle, queue.WorkerConfig{
		JobTimeout:   a.cfg.Queue.IndexJobTimeout,
		PollInterval: a.cfg.Queue.PollInterval,
	})
	genWorker := queue.NewWorker(a.genQueue, genPipeline.Handle, queue.WorkerConfig{
		JobTimeout:   a.cfg.Queue.GenerateJobTimeout,
		PollInterval: a.cfg.Queue.PollInterval,
	})

	indexWorker.Start(ctx)
	genWorker.Start(ctx)

	a.logger.Info("server_starting",
		slog.String("addr", a.cfg.Server.ListenAddr),
		slog.Bool("github_app", a.forge != nil))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		indexWorker.Stop()
		genWorker.Stop()
		return err
	case <-ctx.Done():
	}

	a.logger.Info("server_stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http_shutdown_failed", slog.String("error", err.Error()))
	}

	indexWorker.Stop()
	genWorker.Stop()

	return nil
}

// runChecks runs the startup system checks and fails on any critical
// result.
func runChecks(ctx context.Context, cmd *cobra.Command, a *app) error {
	runner := preflight.NewRunner([]preflight.Check{
		preflight.RedisCheck{Client: a.redis},
		preflight.DataDirCheck{Dir: a.cfg.DataDir},
		preflight.RegistryCheck{Path: a.cfg.RegistryPath()},
		preflight.LLMKeyCheck{APIKey: a.cfg.LLM.APIKey},
		preflight.FileLimitCheck{},
		preflight.EmbedderCheck{Embedder: a.embedder},
	}, preflight.WithOutput(cmd.OutOrStdout()))

	results := runner.RunAll(ctx)
	runner.PrintResults(results)
	if runner.HasCriticalFailures(results) {
		return fmt.Errorf("system check failed")
	}
	return nil
}
