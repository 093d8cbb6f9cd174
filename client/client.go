// Package client is the producer-side API: submit executions, signal and
// control them, observe their status, results and event streams. A client
// never claims or runs tasks; workers pick them up from the shared store.
package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/badaitech/chaingraph-go/engine"
	"github.com/badaitech/chaingraph-go/flow"
	"github.com/badaitech/chaingraph-go/orchestrator"
	"github.com/badaitech/chaingraph-go/queue"
	"github.com/badaitech/chaingraph-go/store"
	"github.com/badaitech/chaingraph-go/stream"
)

// Client submits and observes executions through the shared durable store.
type Client struct {
	store  store.Store
	queue  *queue.Queue
	stream *stream.Service
	log    zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithQueue replaces the default queue handle, for non-default queue names
// or task timeouts.
func WithQueue(q *queue.Queue) Option {
	return func(c *Client) { c.queue = q }
}

// New creates a client over the shared store. appVersion must match the
// workers meant to run the submitted executions.
func New(st store.Store, appVersion string, opts ...Option) *Client {
	c := &Client{
		store:  st,
		stream: stream.NewService(st),
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.queue == nil {
		c.queue = queue.New(st, appVersion)
	}
	return c
}

// ExecutionOptions tune one submission.
type ExecutionOptions struct {
	// ExecutionID pins the execution id; empty generates one. Reusing an id
	// deduplicates the submission.
	ExecutionID string

	// OwnerID attributes the execution.
	OwnerID string

	// Debug enables breakpoints and interactive commands.
	Debug bool

	// Breakpoints arms breakpoints on the given node ids. Only honored with
	// Debug set.
	Breakpoints []string

	// Integrations is the execution's integration context, passed through
	// to nodes.
	Integrations map[string]any
}

// CreateExecution serializes the flow, creates the queued execution row and
// enqueues a root execution task. The execution waits until SendStartSignal
// releases it. Returns the execution id.
func (c *Client) CreateExecution(ctx context.Context, fl *flow.Flow, opts ExecutionOptions) (string, error) {
	if err := fl.Validate(); err != nil {
		return "", fmt.Errorf("flow %s: %w", fl.ID, err)
	}
	id := opts.ExecutionID
	if id == "" {
		id = uuid.NewString()
	}
	state, err := json.Marshal(fl.Serialize())
	if err != nil {
		return "", fmt.Errorf("serialize flow %s: %w", fl.ID, err)
	}
	payload, err := orchestrator.EncodeTask(&orchestrator.Task{
		ExecutionID:  id,
		FlowState:    state,
		OwnerID:      opts.OwnerID,
		Debug:        opts.Debug,
		Breakpoints:  opts.Breakpoints,
		Integrations: opts.Integrations,
	})
	if err != nil {
		return "", err
	}
	var integrations json.RawMessage
	if len(opts.Integrations) > 0 {
		integrations, _ = json.Marshal(opts.Integrations)
	}
	err = c.store.CreateExecution(ctx, store.ExecutionRow{
		ID:                 id,
		FlowID:             fl.ID,
		OwnerID:            opts.OwnerID,
		Status:             store.ExecutionQueued,
		Debug:              opts.Debug,
		RootExecutionID:    id,
		IntegrationContext: integrations,
	})
	if err != nil {
		return "", fmt.Errorf("create execution row %s: %w", id, err)
	}
	already, err := c.queue.Enqueue(ctx, id, payload)
	if err != nil {
		return "", err
	}
	if already {
		c.log.Debug().Str("executionId", id).Msg("execution already submitted")
	} else {
		c.log.Info().Str("executionId", id).Str("flowId", fl.ID).Msg("execution submitted")
	}
	return id, nil
}

// SendStartSignal releases a queued execution. The signal is durable and
// idempotent; sending it twice is harmless.
func (c *Client) SendStartSignal(ctx context.Context, executionID string) error {
	return orchestrator.PublishStartSignal(ctx, c.store, executionID)
}

// SendCommand delivers a debug command (PAUSE, RESUME, STEP, STOP) to a
// running debug execution.
func (c *Client) SendCommand(ctx context.Context, executionID string, cmd engine.Command) error {
	switch cmd {
	case engine.CommandPause, engine.CommandResume, engine.CommandStep, engine.CommandStop:
	default:
		return fmt.Errorf("unknown debug command %q", cmd)
	}
	payload, err := json.Marshal(orchestrator.DebugMessage{Command: string(cmd)})
	if err != nil {
		return err
	}
	return c.store.PublishMessage(ctx, executionID, orchestrator.TopicDebug, payload)
}

// Stop cancels an execution: queued tasks flip to cancelled immediately,
// running debug executions also receive a STOP command.
func (c *Client) Stop(ctx context.Context, executionID string) error {
	if err := c.SendCommand(ctx, executionID, engine.CommandStop); err != nil {
		return err
	}
	return c.queue.Cancel(ctx, executionID)
}

// GetStatus reports the queue-level status of an execution task.
func (c *Client) GetStatus(ctx context.Context, executionID string) (queue.Status, error) {
	return c.queue.Status(ctx, executionID)
}

// GetResult returns a finished execution's recorded outcome.
// queue.ErrNotFinished while still in flight.
func (c *Client) GetResult(ctx context.Context, executionID string) (orchestrator.Output, error) {
	res, err := c.queue.GetResult(ctx, executionID)
	if err != nil {
		return orchestrator.Output{}, err
	}
	var out orchestrator.Output
	if len(res.Output) > 0 {
		if err := json.Unmarshal(res.Output, &out); err != nil {
			return orchestrator.Output{}, fmt.Errorf("decode result %s: %w", executionID, err)
		}
	}
	if out.Status == "" {
		out.Status = string(res.Status)
	}
	if out.Error == "" {
		out.Error = res.Error
	}
	return out, nil
}

// GetExecution loads the execution's application-level row: lifecycle
// status, lineage and timestamps.
func (c *Client) GetExecution(ctx context.Context, executionID string) (store.ExecutionRow, error) {
	return c.store.GetExecution(ctx, executionID)
}

// Subscribe attaches to the execution's event stream from the given index.
func (c *Client) Subscribe(ctx context.Context, executionID string, fromIndex int64) (*stream.Subscription, error) {
	return c.stream.Subscribe(ctx, executionID, fromIndex)
}
