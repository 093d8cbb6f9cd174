package flow

import (
	"context"
	"fmt"
	"sync"
)

// Status tracks a node's runtime state within one execution.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusSkipped     Status = "skipped"
)

// Metadata carries descriptive node attributes. UI hints are opaque to the
// core and preserved through serialization.
type Metadata struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Category    string         `json:"category,omitempty"`
	Version     int            `json:"version,omitempty"`
	UI          map[string]any `json:"ui,omitempty"`
}

// EventData is the emitted event that spawned a child execution: nil for
// roots, set for children. Listener nodes match on EventName.
type EventData struct {
	EventName string `json:"eventName"`
	Payload   any    `json:"payload,omitempty"`
}

// NodeEvent is an engine-to-node notification delivered via OnEvent.
type NodeEvent struct {
	Name    string
	Payload any
}

// ExecutionContext is the node-facing view of a running execution. The
// engine binds one per (execution, node) pair before calling Execute.
type ExecutionContext interface {
	// ExecutionID returns the current execution's identifier.
	ExecutionID() string

	// IsChildExecution reports whether this execution was spawned by an
	// emitted event.
	IsChildExecution() bool

	// EventData returns the triggering event for child executions, nil for
	// roots.
	EventData() *EventData

	// Integration returns a named entry from the execution's integration
	// context (wallet sessions, agent handles).
	Integration(name string) (any, bool)

	// ResolvePort marks one of the node's output or passthrough ports as
	// final before Execute returns, releasing downstream nodes that depend
	// only on it. Resolving twice is a no-op. Unresolved outputs resolve
	// automatically when Execute returns.
	ResolvePort(portID string)

	// EmitEvent requests a child execution driven by the named event. The
	// engine accumulates these requests and returns them to the
	// orchestrator; nothing is spawned in-process.
	EmitEvent(eventName string, payload any)
}

// Node is a unit of computation with typed ports.
//
// Implementations typically embed BaseNode, which supplies everything except
// Execute. Nodes are instantiated per execution via the type registry and
// must not share mutable state across executions.
type Node interface {
	ID() string
	Type() string
	Metadata() Metadata
	SetMetadata(Metadata)
	Status() Status
	SetStatus(Status)

	// Initialize finalizes the node's port set and internal indices. Called
	// once after construction or deserialization.
	Initialize(ports []*Port) error

	Port(id string) (*Port, bool)
	Ports() []*Port
	Inputs() []*Port
	Outputs() []*Port
	Passthroughs() []*Port

	// Execute runs the node's computation. Blocking work must observe ctx.
	Execute(ctx context.Context, ec ExecutionContext) error

	// OnEvent delivers an engine notification (e.g., the triggering event
	// payload for listener nodes).
	OnEvent(ev NodeEvent) error

	// DisabledAutoExecution reports whether the node opts out of automatic
	// scheduling. Listener nodes return true so they only run inside child
	// executions driven by a matching event.
	DisabledAutoExecution() bool

	// EventName returns the listener subscription name, empty for
	// non-listener nodes.
	EventName() string

	// Optional reports whether this node's failure is tolerated without
	// failing the flow.
	Optional() bool

	Serialize() NodeState
}

// NodeState is the serialized form of a node.
type NodeState struct {
	ID       string      `json:"id"`
	Type     string      `json:"type"`
	Metadata Metadata    `json:"metadata"`
	Status   Status      `json:"status,omitempty"`
	Ports    []PortState `json:"ports"`
}

// BaseNode supplies the common Node behavior: identity, metadata, status and
// port bookkeeping. Embed it and implement Execute.
type BaseNode struct {
	id  string
	typ string

	mu        sync.RWMutex
	meta      Metadata
	status    Status
	ports     map[string]*Port
	portOrder []string

	disabledAuto bool
	optional     bool
	eventName    string
}

// NewBaseNode creates a BaseNode with the given id and type tag. By
// convention the id embeds its type prefix (e.g., "http:fetch-1").
func NewBaseNode(id, typ string) BaseNode {
	return BaseNode{
		id:     id,
		typ:    typ,
		status: StatusInitialized,
		ports:  make(map[string]*Port),
	}
}

// ID returns the node id, unique within a flow.
func (n *BaseNode) ID() string { return n.id }

// Type returns the node's type tag.
func (n *BaseNode) Type() string { return n.typ }

// Metadata returns the node metadata.
func (n *BaseNode) Metadata() Metadata {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.meta
}

// SetMetadata replaces the node metadata.
func (n *BaseNode) SetMetadata(meta Metadata) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.meta = meta
}

// Status returns the node's runtime status.
func (n *BaseNode) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

// SetStatus updates the node's runtime status.
func (n *BaseNode) SetStatus(status Status) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status = status
}

// Initialize registers the node's ports in order. Port ids must be unique
// within the node.
func (n *BaseNode) Initialize(ports []*Port) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.ports = make(map[string]*Port, len(ports))
	n.portOrder = n.portOrder[:0]
	for _, p := range ports {
		if _, exists := n.ports[p.ID()]; exists {
			return &ValidationError{
				Message: fmt.Sprintf("duplicate port id %q", p.ID()),
				NodeID:  n.id,
				PortID:  p.ID(),
			}
		}
		n.ports[p.ID()] = p
		n.portOrder = append(n.portOrder, p.ID())
	}
	return nil
}

// Port looks up a port by id.
func (n *BaseNode) Port(id string) (*Port, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.ports[id]
	return p, ok
}

// Ports enumerates the node's ports in declaration order.
func (n *BaseNode) Ports() []*Port {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Port, 0, len(n.portOrder))
	for _, id := range n.portOrder {
		out = append(out, n.ports[id])
	}
	return out
}

// Inputs returns the node's input ports in declaration order.
func (n *BaseNode) Inputs() []*Port { return n.portsByDirection(Input) }

// Outputs returns the node's output ports in declaration order.
func (n *BaseNode) Outputs() []*Port { return n.portsByDirection(Output) }

// Passthroughs returns the node's passthrough ports in declaration order.
func (n *BaseNode) Passthroughs() []*Port { return n.portsByDirection(Passthrough) }

func (n *BaseNode) portsByDirection(d Direction) []*Port {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []*Port
	for _, id := range n.portOrder {
		if p := n.ports[id]; p.Direction() == d {
			out = append(out, p)
		}
	}
	return out
}

// OnEvent is a no-op by default.
func (n *BaseNode) OnEvent(NodeEvent) error { return nil }

// DisabledAutoExecution reports whether the node opts out of automatic
// scheduling.
func (n *BaseNode) DisabledAutoExecution() bool { return n.disabledAuto }

// SetDisabledAutoExecution marks the node as excluded from automatic
// scheduling (listener nodes).
func (n *BaseNode) SetDisabledAutoExecution(disabled bool) { n.disabledAuto = disabled }

// EventName returns the listener subscription name, empty for non-listeners.
func (n *BaseNode) EventName() string { return n.eventName }

// SetEventName configures the listener subscription name and disables
// automatic execution, the listener contract.
func (n *BaseNode) SetEventName(name string) {
	n.eventName = name
	if name != "" {
		n.disabledAuto = true
	}
}

// Optional reports whether the node's failure is tolerated.
func (n *BaseNode) Optional() bool { return n.optional }

// SetOptional marks the node's failure as non-fatal to the flow.
func (n *BaseNode) SetOptional(optional bool) { n.optional = optional }

// Serialize captures the node's full state.
func (n *BaseNode) Serialize() NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()

	state := NodeState{
		ID:       n.id,
		Type:     n.typ,
		Metadata: n.meta,
		Status:   n.status,
	}
	for _, id := range n.portOrder {
		state.Ports = append(state.Ports, n.ports[id].Serialize())
	}
	return state
}

// ExecuteFunc is the body of a FuncNode.
type ExecuteFunc func(ctx context.Context, node *FuncNode, ec ExecutionContext) error

// FuncNode adapts a plain function to the Node interface, the quickest way
// to define node behavior in tests and simple flows.
type FuncNode struct {
	BaseNode
	fn ExecuteFunc
}

// NewFuncNode creates a FuncNode with the given identity and body.
func NewFuncNode(id, typ string, fn ExecuteFunc) *FuncNode {
	return &FuncNode{BaseNode: NewBaseNode(id, typ), fn: fn}
}

// Execute runs the wrapped function. A nil body completes immediately.
func (n *FuncNode) Execute(ctx context.Context, ec ExecutionContext) error {
	if n.fn == nil {
		return nil
	}
	return n.fn(ctx, n, ec)
}
