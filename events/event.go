// Package events defines the execution lifecycle event taxonomy and the
// emitter interfaces used to observe flow execution.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies an execution lifecycle event. The string values are stable
// protocol identifiers: they appear on the wire in stream records and must not
// change between releases.
type Type string

// Closed set of event types. EXECUTION_CREATED is the only workflow-level
// event; everything else is emitted by the engine in serialized order.
const (
	ExecutionCreated Type = "EXECUTION_CREATED"
	FlowSubscribed   Type = "FLOW_SUBSCRIBED"
	FlowStarted      Type = "FLOW_STARTED"
	FlowCompleted    Type = "FLOW_COMPLETED"
	FlowFailed       Type = "FLOW_FAILED"
	FlowCancelled    Type = "FLOW_CANCELLED"
	FlowPaused       Type = "FLOW_PAUSED"
	FlowResumed      Type = "FLOW_RESUMED"

	NodeStarted       Type = "NODE_STARTED"
	NodeCompleted     Type = "NODE_COMPLETED"
	NodeFailed        Type = "NODE_FAILED"
	NodeSkipped       Type = "NODE_SKIPPED"
	NodeStatusChanged Type = "NODE_STATUS_CHANGED"

	EdgeTransferStarted   Type = "EDGE_TRANSFER_STARTED"
	EdgeTransferCompleted Type = "EDGE_TRANSFER_COMPLETED"
	EdgeTransferFailed    Type = "EDGE_TRANSFER_FAILED"

	DebugBreakpointHit Type = "DEBUG_BREAKPOINT_HIT"
)

// ExecutionCreatedIndex is the reserved stream index for the workflow-level
// EXECUTION_CREATED event. Engine-emitted events use indices 0..N.
const ExecutionCreatedIndex int64 = -1

// Event is a single record in an execution's event stream.
//
// Indices are strictly monotone per execution: -1 for EXECUTION_CREATED,
// then 0..N assigned by the engine in emission order. Consumers de-duplicate
// retried appends by index.
type Event struct {
	// ExecutionID identifies the execution that produced this event.
	ExecutionID string `json:"executionId"`

	// Index is the position of this event in the per-execution stream.
	Index int64 `json:"index"`

	// Type is the stable protocol identifier for this event.
	Type Type `json:"type"`

	// Timestamp records when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// Data is the type-specific payload. After UnmarshalEvent it holds the
	// concrete payload struct registered for Type.
	Data any `json:"data,omitempty"`
}

// Terminal reports whether this event ends the flow-level lifecycle.
// The stream auto-closes after a terminal flow event is appended.
func (e Event) Terminal() bool {
	switch e.Type {
	case FlowCompleted, FlowFailed, FlowCancelled:
		return true
	}
	return false
}

// Marshal serializes the event to its self-describing JSON wire form.
func (e Event) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", e.Type, err)
	}
	return data, nil
}

// UnmarshalEvent decodes a wire-form event, reconstructing the concrete
// payload struct for the event's type. Unknown types decode with the payload
// left as raw JSON so old readers tolerate new event kinds.
func UnmarshalEvent(data []byte) (Event, error) {
	var raw struct {
		ExecutionID string          `json:"executionId"`
		Index       int64           `json:"index"`
		Type        Type            `json:"type"`
		Timestamp   time.Time       `json:"timestamp"`
		Data        json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("unmarshal event: %w", err)
	}

	ev := Event{
		ExecutionID: raw.ExecutionID,
		Index:       raw.Index,
		Type:        raw.Type,
		Timestamp:   raw.Timestamp,
	}
	if len(raw.Data) == 0 {
		return ev, nil
	}

	payload := newPayload(raw.Type)
	if payload == nil {
		ev.Data = raw.Data
		return ev, nil
	}
	if err := json.Unmarshal(raw.Data, payload); err != nil {
		return Event{}, fmt.Errorf("unmarshal %s payload: %w", raw.Type, err)
	}
	ev.Data = payload
	return ev, nil
}
