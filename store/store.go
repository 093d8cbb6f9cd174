// Package store defines the durable backend contract for the execution core:
// workflow rows, checkpointed steps, the append-only event stream, the
// execution-scoped message channel and the task queue, plus Postgres, SQLite
// and in-memory implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested workflow, execution, step or
// stream does not exist.
var ErrNotFound = errors.New("not found")

// ErrTerminal is returned when mutating a workflow or execution row that has
// already reached a terminal status. Rows are immutable after that point.
var ErrTerminal = errors.New("row is terminal")

// ErrClaimLost is returned when extending or completing a claim that another
// worker has taken over after expiry.
var ErrClaimLost = errors.New("claim lost")

// WorkflowStatus is the queue-level status of a workflow row.
type WorkflowStatus string

const (
	WorkflowEnqueued  WorkflowStatus = "enqueued"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowSuccess   WorkflowStatus = "success"
	WorkflowError     WorkflowStatus = "error"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// TerminalWorkflow reports whether a workflow status is terminal.
func TerminalWorkflow(s WorkflowStatus) bool {
	return s == WorkflowSuccess || s == WorkflowError || s == WorkflowCancelled
}

// ExecutionStatus is the application-level status of an execution.
type ExecutionStatus string

const (
	ExecutionCreated   ExecutionStatus = "created"
	ExecutionQueued    ExecutionStatus = "queued"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionStopped   ExecutionStatus = "stopped"
)

// TerminalExecution reports whether an execution status is terminal.
func TerminalExecution(s ExecutionStatus) bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionStopped
}

// WorkflowRow is one durable workflow: the unit the queue claims and the
// orchestrator drives. The id doubles as the deduplication key.
type WorkflowRow struct {
	ID               string
	Status           WorkflowStatus
	AppVersion       string
	QueueName        string
	TimeoutMs        int64
	DeduplicationID  string
	Input            json.RawMessage
	Output           json.RawMessage
	Error            string
	EnqueuedAt       time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	RecoveryAttempts int
	ClaimedBy        string
	ClaimExpiresAt   *time.Time
}

// StepStatus marks a checkpointed step's outcome.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// StepRow is one checkpointed orchestrator step. A completed row replays its
// recorded output instead of re-running the step body.
type StepRow struct {
	WorkflowID string
	StepID     int
	Name       string
	Status     StepStatus
	Output     json.RawMessage
	Error      string
	Attempt    int
}

// StreamRecord is one element of a per-(workflow, key) append-only log.
// Index -1 is the workflow-level EXECUTION_CREATED marker; engine events use
// 0..N. Terminal marks the end of the stream.
type StreamRecord struct {
	WorkflowID string
	StreamKey  string
	Index      int64
	Payload    json.RawMessage
	WrittenAt  time.Time
	Terminal   bool
}

// Message is one durable execution-scoped message (START_SIGNAL, debug
// commands). Messages are consumed at most once per topic reader.
type Message struct {
	ID         int64
	WorkflowID string
	Topic      string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// ExecutionRow is the application-level mirror of a workflow, updated by
// orchestrator steps and read by subscribers and monitors.
type ExecutionRow struct {
	ID                 string
	FlowID             string
	OwnerID            string
	Status             ExecutionStatus
	Debug              bool
	CreatedAt          time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	ErrorMessage       string
	RootExecutionID    string
	ParentExecutionID  string
	ExecutionDepth     int
	IntegrationContext json.RawMessage
	EventData          json.RawMessage
}

// ClaimRequest parameterizes a dequeue attempt.
type ClaimRequest struct {
	QueueName  string
	AppVersion string
	WorkerID   string
	ClaimTTL   time.Duration

	// GlobalConcurrency caps running workflows across all workers; zero
	// means unlimited. WorkerConcurrency caps running workflows claimed by
	// this WorkerID.
	GlobalConcurrency int
	WorkerConcurrency int
}

// Store is the durable backend shared by every worker. Implementations must
// provide row-level atomicity for claims and deduplication and per-(workflow,
// key) ordering for stream appends.
type Store interface {
	// EnqueueWorkflow inserts a workflow row in enqueued status. When a row
	// with the same id already exists (enqueued, running or terminal) the
	// insert is a no-op and existing is true.
	EnqueueWorkflow(ctx context.Context, row WorkflowRow) (existing bool, err error)

	// GetWorkflow loads a workflow row. ErrNotFound if absent.
	GetWorkflow(ctx context.Context, id string) (WorkflowRow, error)

	// ClaimWorkflow atomically claims the oldest eligible workflow: enqueued,
	// matching queue and app version, within both concurrency caps — or a
	// running workflow whose claim expired (crash takeover, which increments
	// RecoveryAttempts). Returns nil when nothing is eligible.
	ClaimWorkflow(ctx context.Context, req ClaimRequest) (*WorkflowRow, error)

	// ExtendClaim pushes the claim expiry forward. ErrClaimLost when the
	// worker no longer holds the claim.
	ExtendClaim(ctx context.Context, id, workerID string, ttl time.Duration) error

	// CompleteWorkflow records the terminal status and output and releases
	// the queue entry. ErrTerminal when already terminal.
	CompleteWorkflow(ctx context.Context, id string, status WorkflowStatus, output json.RawMessage, errMsg string) error

	// CancelWorkflow marks a non-terminal workflow cancelled.
	CancelWorkflow(ctx context.Context, id string) error

	// GetStep loads a checkpointed step. ErrNotFound if absent.
	GetStep(ctx context.Context, workflowID string, stepID int) (StepRow, error)

	// SaveStep upserts a checkpointed step row.
	SaveStep(ctx context.Context, step StepRow) error

	// AppendStream appends one record. Appends are idempotent on
	// (workflowID, streamKey, index): a retried step re-appending an index
	// is a no-op, giving consumers exactly-once per index after dedup.
	AppendStream(ctx context.Context, rec StreamRecord) error

	// ReadStream returns up to limit records with Index >= fromIndex in
	// index order. Negative-index records are always included regardless of
	// fromIndex. limit <= 0 means no limit.
	ReadStream(ctx context.Context, workflowID, streamKey string, fromIndex int64, limit int) ([]StreamRecord, error)

	// WaitStream blocks until the stream may have new records past
	// afterIndex, the timeout elapses, or ctx is done. Spurious returns are
	// allowed; callers re-read.
	WaitStream(ctx context.Context, workflowID, streamKey string, afterIndex int64, timeout time.Duration) error

	// PublishMessage appends a durable message on an execution-scoped topic.
	PublishMessage(ctx context.Context, workflowID, topic string, payload json.RawMessage) error

	// ConsumeMessage pops the oldest undelivered message on the topic,
	// blocking up to wait. Returns nil when the wait elapses empty.
	ConsumeMessage(ctx context.Context, workflowID, topic string, wait time.Duration) (*Message, error)

	// CreateExecution inserts the execution mirror row; no-op if present.
	CreateExecution(ctx context.Context, row ExecutionRow) error

	// GetExecution loads an execution row. ErrNotFound if absent.
	GetExecution(ctx context.Context, id string) (ExecutionRow, error)

	// UpdateExecutionStatus transitions an execution row, stamping
	// StartedAt/CompletedAt as appropriate. ErrTerminal when the row already
	// reached a terminal status.
	UpdateExecutionStatus(ctx context.Context, id string, status ExecutionStatus, errMsg string) error

	// Close releases backend resources.
	Close() error
}
