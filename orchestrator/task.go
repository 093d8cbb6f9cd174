package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/badaitech/chaingraph-go/flow"
	"github.com/badaitech/chaingraph-go/store"
	"github.com/badaitech/chaingraph-go/stream"
)

// TopicDebug is the execution-scoped durable channel carrying interactive
// debug commands: PAUSE, RESUME, STEP, STOP. Consumed only while the
// execution runs with debug enabled.
const TopicDebug = "debug"

// SignalStart is the signal type that releases a created execution.
const SignalStart = "START_SIGNAL"

// ErrStartTimeout is returned when a root execution's start signal does not
// arrive within the configured window.
var ErrStartTimeout = errors.New("start signal timeout")

// PublishStartSignal durably releases an execution. The signal is one
// idempotent append on the execution's signal stream, never consumed:
// duplicate sends collapse into a single record and a worker resumed after a
// crash observes the same signal as its predecessor.
func PublishStartSignal(ctx context.Context, st store.Store, executionID string) error {
	payload, err := json.Marshal(SignalMessage{Type: SignalStart})
	if err != nil {
		return err
	}
	err = st.AppendStream(ctx, store.StreamRecord{
		WorkflowID: executionID,
		StreamKey:  stream.KeySignals,
		Index:      0,
		Payload:    payload,
		WrittenAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("publish start signal %s: %w", executionID, err)
	}
	return nil
}

// Task is the queue payload describing one execution to run: the serialized
// flow plus identity, lineage and debug options.
type Task struct {
	ExecutionID       string          `json:"executionId"`
	FlowState         json.RawMessage `json:"flow"`
	OwnerID           string          `json:"ownerId,omitempty"`
	Debug             bool            `json:"debug,omitempty"`
	Breakpoints       []string        `json:"breakpoints,omitempty"`
	RootExecutionID   string          `json:"rootExecutionId,omitempty"`
	ParentExecutionID string          `json:"parentExecutionId,omitempty"`
	Depth             int             `json:"executionDepth,omitempty"`
	EventData         *flow.EventData `json:"eventData,omitempty"`
	Integrations      map[string]any  `json:"integrations,omitempty"`
}

// Root reports whether this task is a root execution.
func (t *Task) Root() bool { return t.ParentExecutionID == "" }

// EncodeTask serializes a task for the queue.
func EncodeTask(t *Task) (json.RawMessage, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", t.ExecutionID, err)
	}
	return data, nil
}

// DecodeTask parses a queue payload.
func DecodeTask(payload json.RawMessage) (*Task, error) {
	var t Task
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	if t.ExecutionID == "" {
		return nil, fmt.Errorf("decode task: execution id is empty")
	}
	return &t, nil
}

// Output is the queue-recorded outcome of one orchestrated execution.
type Output struct {
	Status            string   `json:"status"`
	Error             string   `json:"error,omitempty"`
	FailedNode        string   `json:"failedNode,omitempty"`
	ChildExecutionIDs []string `json:"childExecutionIds,omitempty"`
}

func (o Output) encode() json.RawMessage {
	data, err := json.Marshal(o)
	if err != nil {
		return nil
	}
	return data
}

// SignalMessage is the wire form of a start-signal stream record.
type SignalMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// DebugMessage is the wire form of a TopicDebug message.
type DebugMessage struct {
	Command string `json:"command"`
}

// childExecutionID derives a stable child id from the parent execution and
// the spawn ordinal, so retried spawn steps enqueue the same children and the
// queue's deduplication absorbs the repeats.
func childExecutionID(parentID string, ordinal int) string {
	name := parentID + "/child/" + strconv.Itoa(ordinal)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}
