package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	serviceerrors "github.com/patchsmith/patchsmith/internal/errors"
)

// State is the lifecycle position of a job.
type State string

const (
	// StateWaiting means the job sits on the waiting list.
	StateWaiting State = "waiting"
	// StateDelayed means the job is parked until its due time.
	StateDelayed State = "delayed"
	// StateActive means a worker is processing the job.
	StateActive State = "active"
	// StateCompleted means the handler finished without error.
	StateCompleted State = "completed"
	// StateFailed means the job exhausted its attempts or hit a
	// non-retryable error.
	StateFailed State = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is one unit of queued work, stored as a Redis hash.
type Job struct {
	ID           string
	Queue        string
	Name         string
	Payload      json.RawMessage
	Attempts     int
	MaxAttempts  int
	Progress     int
	State        State
	Result       json.RawMessage
	FailedReason string
	OwnerUserID  string
	CreatedAt    time.Time
	ProcessedAt  time.Time
	FinishedAt   time.Time

	// queue is set when a worker claims the job, enabling progress writes.
	queue *Queue
}

// DecodePayload unmarshals the job payload into v.
func (j *Job) DecodePayload(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return serviceerrors.New(serviceerrors.ErrCodeInvalidJobInput,
			fmt.Sprintf("failed to decode %s payload", j.Name), err)
	}
	return nil
}

// UpdateProgress records handler progress on the stored job, clamped to
// 0-100. Only jobs claimed by a worker can report progress.
func (j *Job) UpdateProgress(ctx context.Context, progress int) error {
	if j.queue == nil {
		return fmt.Errorf("job %s is not attached to a queue", j.ID)
	}
	return j.queue.UpdateProgress(ctx, j.ID, progress)
}

// Hash field names for the queue:{name}:job:{id} record.
const (
	fieldID           = "id"
	fieldQueue        = "queue"
	fieldName         = "name"
	fieldPayload      = "payload"
	fieldAttempts     = "attempts"
	fieldMaxAttempts  = "max_attempts"
	fieldProgress     = "progress"
	fieldState        = "state"
	fieldResult       = "result"
	fieldFailedReason = "failed_reason"
	fieldOwnerUserID  = "owner_user_id"
	fieldCreatedAt    = "created_at"
	fieldProcessedAt  = "processed_at"
	fieldFinishedAt   = "finished_at"
)

// hashFields serialises the job for the initial HSET.
func (j *Job) hashFields() map[string]any {
	return map[string]any{
		fieldID:          j.ID,
		fieldQueue:       j.Queue,
		fieldName:        j.Name,
		fieldPayload:     string(j.Payload),
		fieldAttempts:    j.Attempts,
		fieldMaxAttempts: j.MaxAttempts,
		fieldProgress:    j.Progress,
		fieldState:       string(j.State),
		fieldOwnerUserID: j.OwnerUserID,
		fieldCreatedAt:   j.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// jobFromHash deserialises a job record. Numeric and time fields missing
// from the hash stay at their zero values.
func jobFromHash(fields map[string]string) (*Job, error) {
	job := &Job{
		ID:           fields[fieldID],
		Queue:        fields[fieldQueue],
		Name:         fields[fieldName],
		State:        State(fields[fieldState]),
		FailedReason: fields[fieldFailedReason],
		OwnerUserID:  fields[fieldOwnerUserID],
	}
	if raw := fields[fieldPayload]; raw != "" {
		job.Payload = json.RawMessage(raw)
	}
	if raw := fields[fieldResult]; raw != "" {
		job.Result = json.RawMessage(raw)
	}

	var err error
	if job.Attempts, err = hashInt(fields, fieldAttempts); err != nil {
		return nil, err
	}
	if job.MaxAttempts, err = hashInt(fields, fieldMaxAttempts); err != nil {
		return nil, err
	}
	if job.Progress, err = hashInt(fields, fieldProgress); err != nil {
		return nil, err
	}
	if job.CreatedAt, err = hashTime(fields, fieldCreatedAt); err != nil {
		return nil, err
	}
	if job.ProcessedAt, err = hashTime(fields, fieldProcessedAt); err != nil {
		return nil, err
	}
	if job.FinishedAt, err = hashTime(fields, fieldFinishedAt); err != nil {
		return nil, err
	}
	return job, nil
}

func hashInt(fields map[string]string, name string) (int, error) {
	raw := fields[name]
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("failed to parse job field %s=%q: %w", name, raw, err)
	}
	return n, nil
}

func hashTime(fields map[string]string, name string) (time.Time, error) {
	raw := fields[name]
	if raw == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse job field %s=%q: %w", name, raw, err)
	}
	return ts, nil
}
