// Package queue implements durable named job queues on Redis.
//
// Each queue stores jobs as hashes alongside a waiting list, a delayed
// set promoted on due time, and completed/failed sets bounded by a
// retention count. A Worker consumes one job at a time and reschedules
// retryable failures with exponential backoff.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	serviceerrors "github.com/patchsmith/patchsmith/internal/errors"
	"github.com/patchsmith/patchsmith/internal/telemetry"
)

// Queue names consumed by the two pipeline workers.
const (
	QueueIndexing   = "indexing"
	QueueGeneration = "generation"
)

// Config bounds retry and retention behaviour for one queue.
type Config struct {
	// MaxAttempts is the total number of tries per job, first run included.
	MaxAttempts int
	// BackoffBase is the delay before the first retry; it doubles with
	// every further attempt.
	BackoffBase time.Duration
	// CompletedRetention bounds how many completed jobs stay readable.
	CompletedRetention int
	// FailedRetention bounds how many failed jobs stay readable.
	FailedRetention int
}

// DefaultConfig returns the production queue settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:        3,
		BackoffBase:        2 * time.Second,
		CompletedRetention: 100,
		FailedRetention:    100,
	}
}

// Queue is the producer and status surface of one named job queue.
type Queue struct {
	name   string
	client redis.UniversalClient
	cfg    Config
}

// New creates a queue handle on an existing Redis client. Zero config
// fields fall back to the defaults.
func New(client redis.UniversalClient, name string, cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = def.CompletedRetention
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = def.FailedRetention
	}
	return &Queue{name: name, client: client, cfg: cfg}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) jobKey(id string) string {
	return fmt.Sprintf("queue:%s:job:%s", q.name, id)
}

func (q *Queue) waitingKey() string {
	return fmt.Sprintf("queue:%s:waiting", q.name)
}

func (q *Queue) delayedKey() string {
	return fmt.Sprintf("queue:%s:delayed", q.name)
}

func (q *Queue) activeKey() string {
	return fmt.Sprintf("queue:%s:active", q.name)
}

func (q *Queue) completedKey() string {
	return fmt.Sprintf("queue:%s:completed", q.name)
}

func (q *Queue) failedKey() string {
	return fmt.Sprintf("queue:%s:failed", q.name)
}

// EnqueueOptions are the per-job producer options.
type EnqueueOptions struct {
	// JobID overrides the generated id. Re-enqueueing an existing id is
	// a no-op that returns the stored job.
	JobID string
	// Delay parks the job in the delayed set until the duration elapses.
	Delay time.Duration
	// OwnerUserID restricts status lookups to the matching user.
	OwnerUserID string
}

// Enqueue adds a job to the queue and returns its stored form. The
// payload is serialised to JSON.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any, opts *EnqueueOptions) (*Job, error) {
	if opts == nil {
		opts = &EnqueueOptions{}
	}
	if name == "" {
		return nil, serviceerrors.InvalidInput("job name is required", nil)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, serviceerrors.New(serviceerrors.ErrCodeInvalidJobInput, "failed to encode job payload", err)
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	key := q.jobKey(id)

	claimed, err := q.client.HSetNX(ctx, key, fieldID, id).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim job %s: %w", id, err)
	}
	if !claimed {
		existing, err := q.Job(ctx, id)
		if err != nil {
			return nil, err
		}
		slog.Debug("job_enqueue_deduplicated", "queue", q.name, "job_id", id)
		return existing, nil
	}

	now := time.Now().UTC()
	job := &Job{
		ID:          id,
		Queue:       q.name,
		Name:        name,
		Payload:     raw,
		MaxAttempts: q.cfg.MaxAttempts,
		State:       StateWaiting,
		OwnerUserID: opts.OwnerUserID,
		CreatedAt:   now,
	}
	if opts.Delay > 0 {
		job.State = StateDelayed
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key, job.hashFields())
	if opts.Delay > 0 {
		due := float64(now.Add(opts.Delay).UnixMilli())
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: due, Member: id})
	} else {
		pipe.RPush(ctx, q.waitingKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		_ = q.client.Del(ctx, key)
		return nil, fmt.Errorf("failed to enqueue job %s: %w", id, err)
	}

	telemetry.RecordJobState(q.name, string(job.State))
	slog.Info("job_enqueued",
		"queue", q.name,
		"job_id", id,
		"job_name", name,
		"delay", opts.Delay,
	)
	return job, nil
}

// Job reads a stored job by id.
func (q *Queue) Job(ctx context.Context, id string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, serviceerrors.NotFound(fmt.Sprintf("job %s not found in queue %s", id, q.name), nil)
	}
	return jobFromHash(fields)
}

// JobForUser reads a job and enforces the ownership check applied at the
// status layer. Jobs without an owner are readable by anyone.
func (q *Queue) JobForUser(ctx context.Context, id, userID string) (*Job, error) {
	job, err := q.Job(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.OwnerUserID != "" && job.OwnerUserID != userID {
		return nil, serviceerrors.New(serviceerrors.ErrCodeOwnershipMismatch,
			fmt.Sprintf("job %s belongs to a different user", id), nil)
	}
	return job, nil
}

// UpdateProgress writes the job progress, clamped to 0-100.
func (q *Queue) UpdateProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	key := q.jobKey(id)
	n, err := q.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check job %s: %w", id, err)
	}
	if n == 0 {
		return serviceerrors.NotFound(fmt.Sprintf("job %s not found in queue %s", id, q.name), nil)
	}
	if err := q.client.HSet(ctx, key, fieldProgress, progress).Err(); err != nil {
		return fmt.Errorf("failed to update progress for job %s: %w", id, err)
	}
	return nil
}

// Counts is a per-state census of the queue.
type Counts struct {
	Waiting   int64
	Delayed   int64
	Active    int64
	Completed int64
	Failed    int64
}

// Counts reports the number of jobs currently in each state.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.waitingKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	active := pipe.LLen(ctx, q.activeKey())
	completed := pipe.ZCard(ctx, q.completedKey())
	failed := pipe.ZCard(ctx, q.failedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("failed to count %s jobs: %w", q.name, err)
	}
	return Counts{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// promoteDue moves delayed jobs whose due time has passed onto the
// waiting list.
func (q *Queue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return fmt.Errorf("failed to scan delayed jobs: %w", err)
	}

	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), id).Result()
		if err != nil {
			return fmt.Errorf("failed to promote job %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.HSet(ctx, q.jobKey(id), fieldState, string(StateWaiting))
		pipe.RPush(ctx, q.waitingKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to promote job %s: %w", id, err)
		}
	}
	return nil
}

// next claims the oldest waiting job, marks it active, and counts the
// attempt. Returns nil without error when the queue is empty.
func (q *Queue) next(ctx context.Context) (*Job, error) {
	id, err := q.client.LMove(ctx, q.waitingKey(), q.activeKey(), "LEFT", "RIGHT").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop %s job: %w", q.name, err)
	}

	now := time.Now().UTC()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id),
		fieldState, string(StateActive),
		fieldProcessedAt, now.Format(time.RFC3339Nano),
	)
	pipe.HIncrBy(ctx, q.jobKey(id), fieldAttempts, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to activate job %s: %w", id, err)
	}

	job, err := q.Job(ctx, id)
	if err != nil {
		// Hash evicted between pop and read; drop the orphaned id.
		_ = q.client.LRem(ctx, q.activeKey(), 1, id)
		return nil, err
	}
	job.queue = q
	return job, nil
}

// complete records a successful run and evicts completed jobs beyond the
// retention bound.
func (q *Queue) complete(ctx context.Context, id string, result json.RawMessage) error {
	now := time.Now().UTC()
	fields := map[string]any{
		fieldState:        string(StateCompleted),
		fieldProgress:     100,
		fieldFailedReason: "",
		fieldFinishedAt:   now.Format(time.RFC3339Nano),
	}
	if len(result) > 0 {
		fields[fieldResult] = string(result)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id), fields)
	pipe.LRem(ctx, q.activeKey(), 1, id)
	pipe.ZAdd(ctx, q.completedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	return q.trim(ctx, q.completedKey(), q.cfg.CompletedRetention)
}

// retryLater reschedules a failed attempt with exponential backoff and
// returns the applied delay.
func (q *Queue) retryLater(ctx context.Context, id string, attempt int, reason string) (time.Duration, error) {
	if attempt < 1 {
		attempt = 1
	}
	backoff := q.cfg.BackoffBase << uint(attempt-1)
	due := time.Now().Add(backoff)

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id),
		fieldState, string(StateDelayed),
		fieldFailedReason, reason,
	)
	pipe.LRem(ctx, q.activeKey(), 1, id)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(due.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to reschedule job %s: %w", id, err)
	}
	return backoff, nil
}

// fail records a terminal failure and evicts failed jobs beyond the
// retention bound.
func (q *Queue) fail(ctx context.Context, id, reason string) error {
	now := time.Now().UTC()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id), map[string]any{
		fieldState:        string(StateFailed),
		fieldFailedReason: reason,
		fieldFinishedAt:   now.Format(time.RFC3339Nano),
	})
	pipe.LRem(ctx, q.activeKey(), 1, id)
	pipe.ZAdd(ctx, q.failedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark job %s failed: %w", id, err)
	}
	return q.trim(ctx, q.failedKey(), q.cfg.FailedRetention)
}

// trim evicts the oldest entries beyond keep, job hashes included.
func (q *Queue) trim(ctx context.Context, key string, keep int) error {
	ids, err := q.client.ZRange(ctx, key, 0, int64(-keep-1)).Result()
	if err != nil {
		return fmt.Errorf("failed to scan %s for eviction: %w", key, err)
	}
	if len(ids) == 0 {
		return nil
	}

	members := make([]any, len(ids))
	keys := make([]string, len(ids))
	for i, id := range ids {
		members[i] = id
		keys[i] = q.jobKey(id)
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, key, members...)
	pipe.Del(ctx, keys...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to evict %d jobs from %s: %w", len(ids), key, err)
	}
	return nil
}

// requeueStalled returns jobs left on the active list by a previous run
// to the front of the waiting list, oldest first.
func (q *Queue) requeueStalled(ctx context.Context) (int, error) {
	ids, err := q.client.LRange(ctx, q.activeKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan active jobs: %w", err)
	}

	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.activeKey(), 1, id)
		pipe.LPush(ctx, q.waitingKey(), id)
		pipe.HSet(ctx, q.jobKey(id), fieldState, string(StateWaiting))
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("failed to requeue stalled job %s: %w", id, err)
		}
	}
	return len(ids), nil
}
