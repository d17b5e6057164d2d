package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	serviceerrors "github.com/patchsmith/patchsmith/internal/errors"
	"github.com/patchsmith/patchsmith/internal/telemetry"
)

// stateWriteTimeout bounds the detached Redis writes that record a job
// outcome after the handler returns.
const stateWriteTimeout = 5 * time.Second

// Handler processes one claimed job. A non-nil return value is stored as
// the job result.
type Handler func(ctx context.Context, job *Job) (any, error)

// WorkerConfig tunes a single queue worker.
type WorkerConfig struct {
	// JobTimeout bounds one handler invocation. Zero means no limit.
	JobTimeout time.Duration
	// PollInterval is the idle sleep between queue checks.
	PollInterval time.Duration
}

// Worker consumes one queue with concurrency 1. Each job owns an
// exclusive sandbox, so jobs on the same queue never overlap.
type Worker struct {
	queue   *Queue
	handler Handler
	cfg     WorkerConfig

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	started bool
}

// NewWorker creates a worker for the queue. Start must be called before
// jobs are consumed.
func NewWorker(queue *Queue, handler Handler, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Worker{
		queue:   queue,
		handler: handler,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins consuming in a background goroutine. It is non-blocking;
// use Stop to shut down. Calling Start twice is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	go w.run(ctx)
}

// Stop signals the worker to stop and waits for the loop to exit. Any
// in-flight handler sees its context cancelled first.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })

	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return
	}
	<-w.doneCh
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)

	// Merged context that respects both the parent and the stop channel.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if n, err := w.queue.requeueStalled(ctx); err != nil {
		slog.Warn("stalled_requeue_failed", "queue", w.queue.Name(), "error", err)
	} else if n > 0 {
		slog.Info("stalled_jobs_requeued", "queue", w.queue.Name(), "count", n)
	}

	slog.Info("worker_started", "queue", w.queue.Name())
	for {
		if ctx.Err() != nil {
			slog.Info("worker_stopped", "queue", w.queue.Name())
			return
		}

		if err := w.queue.promoteDue(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("delayed_promotion_failed", "queue", w.queue.Name(), "error", err)
		}

		job, err := w.queue.next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("job_claim_failed", "queue", w.queue.Name(), "error", err)
			}
			w.idle(ctx)
			continue
		}
		if job == nil {
			w.idle(ctx)
			continue
		}

		w.process(ctx, job)
	}
}

// idle sleeps one poll interval or until the context ends.
func (w *Worker) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.cfg.PollInterval):
	}
}

// process runs the handler and records the outcome. Outcome writes use a
// detached context so shutdown cannot strand a job in the active state.
func (w *Worker) process(ctx context.Context, job *Job) {
	slog.Info("job_started",
		"queue", w.queue.Name(),
		"job_id", job.ID,
		"job_name", job.Name,
		"attempt", job.Attempts,
	)
	telemetry.RecordJobState(w.queue.Name(), string(StateActive))

	jobCtx := ctx
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}

	start := time.Now()
	result, handlerErr := w.handler(jobCtx, job)
	duration := time.Since(start)

	writeCtx, writeCancel := context.WithTimeout(context.Background(), stateWriteTimeout)
	defer writeCancel()

	if handlerErr == nil {
		w.finishSuccess(writeCtx, job, result, duration)
		return
	}
	w.finishFailure(writeCtx, job, handlerErr, duration)
}

func (w *Worker) finishSuccess(ctx context.Context, job *Job, result any, duration time.Duration) {
	var raw json.RawMessage
	if result != nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			w.finishFailure(ctx, job, fmt.Errorf("failed to encode job result: %w", err), duration)
			return
		}
		raw = encoded
	}

	if err := w.queue.complete(ctx, job.ID, raw); err != nil {
		slog.Error("job_state_write_failed", "queue", w.queue.Name(), "job_id", job.ID, "error", err)
		return
	}

	telemetry.RecordJobState(w.queue.Name(), string(StateCompleted))
	telemetry.ObserveJobDuration(w.queue.Name(), duration)
	slog.Info("job_completed",
		"queue", w.queue.Name(),
		"job_id", job.ID,
		"duration_ms", duration.Milliseconds(),
	)
}

func (w *Worker) finishFailure(ctx context.Context, job *Job, handlerErr error, duration time.Duration) {
	reason := handlerErr.Error()

	if !terminalError(handlerErr) && job.Attempts < job.MaxAttempts {
		backoff, err := w.queue.retryLater(ctx, job.ID, job.Attempts, reason)
		if err != nil {
			slog.Error("job_state_write_failed", "queue", w.queue.Name(), "job_id", job.ID, "error", err)
			return
		}
		telemetry.RecordJobState(w.queue.Name(), string(StateDelayed))
		slog.Warn("job_retrying",
			"queue", w.queue.Name(),
			"job_id", job.ID,
			"attempt", job.Attempts,
			"max_attempts", job.MaxAttempts,
			"backoff", backoff,
			"error", handlerErr,
		)
		return
	}

	if err := w.queue.fail(ctx, job.ID, reason); err != nil {
		slog.Error("job_state_write_failed", "queue", w.queue.Name(), "job_id", job.ID, "error", err)
		return
	}

	telemetry.RecordJobState(w.queue.Name(), string(StateFailed))
	telemetry.ObserveJobDuration(w.queue.Name(), duration)
	slog.Error("job_failed",
		"queue", w.queue.Name(),
		"job_id", job.ID,
		"attempts", job.Attempts,
		"error", handlerErr,
	)
}

// terminalError reports whether retrying cannot help. Classified errors
// that are not upstream-provider failures stay failed; unclassified
// errors get the full attempt budget.
func terminalError(err error) bool {
	return serviceerrors.GetCode(err) != "" && !serviceerrors.IsRetryable(err)
}
