package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/patchsmith/patchsmith/internal/queue"
)

func newWorkerCmd(configPath *string) *cobra.Command {
	var skipCheck bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the queue workers without the HTTP API",
		Long: `Worker consumes indexing and generation jobs from Redis without
serving HTTP. Run it alongside 'patchsmith serve --skip-check' behind
a load balancer, or on machines that only do background work.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd, *configPath, skipCheck)
		},
	}

	cmd.Flags().BoolVar(&skipCheck, "skip-check", false, "Skip pre-flight system checks")

	return cmd
}

func runWorker(cmd *cobra.Command, configPath string, skipCheck bool) error {
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

	a.logger.Info("workers_started",
		slog.String("queues", queue.QueueIndexing+","+queue.QueueGeneration))

	<-ctx.Done()

	a.logger.Info("workers_stopping")
	indexWorker.Stop()
	genWorker.Stop()

	return nil
}
