// Package queue is a small durable job queue on Redis. Jobs are stored as
// JSON under their own key and move between sorted sets:
//
//	delayed  scored by due time
//	ready    scored by priority, then enqueue time
//	active   scored by lease deadline
//
// A job whose lease expires is moved back to ready, so delivery is
// at-least-once. Handlers must tolerate running a job twice.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrDuplicateJob is returned by AddJob when a job with the same JobID exists.
var ErrDuplicateJob = errors.New("queue: job with this id already exists")

// JobOptions mirrors the options of common Redis job queues. Attempts counts
// queue-level executions; 1 means the queue never retries on its own.
type JobOptions struct {
	JobID            string        `json:"jobId,omitempty"`
	Delay            time.Duration `json:"delay,omitempty"`
	Priority         int           `json:"priority,omitempty"`
	Attempts         int           `json:"attempts"`
	RemoveOnComplete bool          `json:"removeOnComplete"`
	RemoveOnFail     bool          `json:"removeOnFail"`
}

// DefaultJobOptions runs a job once, drops it on success and keeps it for
// inspection on failure.
func DefaultJobOptions() JobOptions {
	return JobOptions{Attempts: 1, RemoveOnComplete: true, RemoveOnFail: false}
}

type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data"`
	Opts         JobOptions      `json:"opts"`
	AttemptsMade int             `json:"attemptsMade"`
	EnqueuedAt   time.Time       `json:"enqueuedAt"`
	RunAt        time.Time       `json:"runAt"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Data, v); err != nil {
		return fmt.Errorf("decode %s job %s: %w", j.Name, j.ID, err)
	}
	return nil
}

// Handler processes one job. A returned error fails the job.
type Handler func(ctx context.Context, job *Job) error

// Enqueuer is the producer side of the queue.
type Enqueuer interface {
	AddJob(ctx context.Context, name string, data any, opts JobOptions) (*Job, error)
}

// Stats is a point-in-time count of jobs per state.
type Stats struct {
	Ready   int64 `json:"ready"`
	Delayed int64 `json:"delayed"`
	Active  int64 `json:"active"`
	Failed  int64 `json:"failed"`
}
