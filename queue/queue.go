// Package queue is the PostgreSQL-backed task queue: producers enqueue
// execution tasks idempotently by id, workers claim them under concurrency
// caps and version matching, and crashed claims are recovered after expiry.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/badaitech/chaingraph-go/store"
)

// DefaultQueueName is the queue tasks land on unless overridden.
const DefaultQueueName = "chaingraph"

// DefaultTaskTimeout bounds one task execution end to end. Executions that
// outlive it are aborted and recorded as failed.
const DefaultTaskTimeout = 35 * time.Minute

// Status is the externally visible state of a task.
type Status string

const (
	StatusEnqueued  Status = "enqueued"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
	StatusNotFound  Status = "not-found"
)

// Result is a finished task's recorded outcome.
type Result struct {
	Status Status
	Output json.RawMessage
	Error  string
}

// ErrNotFinished is returned by GetResult while the task is still pending or
// running.
var ErrNotFinished = errors.New("task not finished")

// Queue is a named task queue bound to one durable store and one application
// version. Workers only claim tasks enqueued under the same version, so a
// rolling deploy drains each version with its own workers.
type Queue struct {
	store      store.Store
	name       string
	appVersion string
	timeout    time.Duration
	log        zerolog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithName overrides the queue name.
func WithName(name string) Option {
	return func(q *Queue) {
		if name != "" {
			q.name = name
		}
	}
}

// WithTaskTimeout overrides the per-task execution deadline.
func WithTaskTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// WithLogger sets the queue logger. Defaults to a no-op logger.
func WithLogger(log zerolog.Logger) Option {
	return func(q *Queue) { q.log = log }
}

// New creates a queue over the given store for one application version.
func New(st store.Store, appVersion string, opts ...Option) *Queue {
	q := &Queue{
		store:      st,
		name:       DefaultQueueName,
		appVersion: appVersion,
		timeout:    DefaultTaskTimeout,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// AppVersion returns the version tasks are enqueued and claimed under.
func (q *Queue) AppVersion() string { return q.appVersion }

// TaskTimeout returns the per-task execution deadline.
func (q *Queue) TaskTimeout() time.Duration { return q.timeout }

// Enqueue submits a task. The id is the deduplication key: re-enqueueing an
// id that is already queued, running or finished is a no-op and reports
// already true.
func (q *Queue) Enqueue(ctx context.Context, id string, payload json.RawMessage) (already bool, err error) {
	if id == "" {
		return false, fmt.Errorf("task id is empty")
	}
	existing, err := q.store.EnqueueWorkflow(ctx, store.WorkflowRow{
		ID:              id,
		Status:          store.WorkflowEnqueued,
		AppVersion:      q.appVersion,
		QueueName:       q.name,
		TimeoutMs:       q.timeout.Milliseconds(),
		DeduplicationID: id,
		Input:           payload,
		EnqueuedAt:      time.Now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", id, err)
	}
	if existing {
		q.log.Debug().Str("taskId", id).Msg("duplicate enqueue ignored")
	}
	return existing, nil
}

// Status reports a task's current state. Unknown ids yield StatusNotFound,
// not an error.
func (q *Queue) Status(ctx context.Context, id string) (Status, error) {
	row, err := q.store.GetWorkflow(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return StatusNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("status %s: %w", id, err)
	}
	return Status(row.Status), nil
}

// GetResult returns a finished task's outcome. ErrNotFinished while the task
// is still in flight; store.ErrNotFound for unknown ids.
func (q *Queue) GetResult(ctx context.Context, id string) (Result, error) {
	row, err := q.store.GetWorkflow(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if !store.TerminalWorkflow(row.Status) {
		return Result{}, ErrNotFinished
	}
	return Result{
		Status: Status(row.Status),
		Output: row.Output,
		Error:  row.Error,
	}, nil
}

// Cancel marks a non-terminal task cancelled. Running executions observe the
// cancellation through their debug-command channel or claim loss; the queue
// row flips immediately.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	err := q.store.CancelWorkflow(ctx, id)
	if errors.Is(err, store.ErrTerminal) {
		return nil
	}
	return err
}
