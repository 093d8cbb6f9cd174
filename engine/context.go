// Package engine evaluates a flow in-process: it resolves port dataflow,
// schedules ready nodes for concurrent execution, enforces breakpoints and
// emits lifecycle events in serialized order.
package engine

import (
	"sync"
	"time"

	"github.com/badaitech/chaingraph-go/events"
	"github.com/badaitech/chaingraph-go/flow"
)

// ChildSpawn is a request for a child execution collected from
// context.EmitEvent calls. The engine never spawns children itself; the
// orchestrator enqueues these where durable operations are permitted.
type ChildSpawn struct {
	EventName     string `json:"eventName"`
	Payload       any    `json:"payload,omitempty"`
	EmitterNodeID string `json:"emitterNodeId"`
}

// Context carries one execution's identity, debug handles and accumulated
// side requests through an engine run. Child contexts are derived with Child,
// which snapshots the parent rather than pinning it.
type Context struct {
	executionID       string
	rootExecutionID   string
	parentExecutionID string
	depth             int
	isChild           bool
	debug             bool
	eventData         *flow.EventData
	integrations      map[string]any

	commands *CommandController
	abort    *AbortController
	emitter  events.Emitter

	mu       sync.Mutex
	children []ChildSpawn
	eventSeq int64
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithDebug enables debug semantics: breakpoints and command-controller
// consultation. With debug off the engine never reads debug commands.
func WithDebug(debug bool) ContextOption {
	return func(c *Context) { c.debug = debug }
}

// WithIntegrations attaches the execution's integration context.
func WithIntegrations(integrations map[string]any) ContextOption {
	return func(c *Context) { c.integrations = integrations }
}

// WithEmitter sets the emitter receiving lifecycle events. Defaults to a
// NullEmitter.
func WithEmitter(emitter events.Emitter) ContextOption {
	return func(c *Context) { c.emitter = emitter }
}

// WithControllers installs shared debug controllers; the orchestrator passes
// the same handles to its debug-command loop.
func WithControllers(commands *CommandController, abort *AbortController) ContextOption {
	return func(c *Context) {
		if commands != nil {
			c.commands = commands
		}
		if abort != nil {
			c.abort = abort
		}
	}
}

// WithEventData marks the context as a child execution triggered by the
// given emitted event.
func WithEventData(parentID, rootID string, depth int, data *flow.EventData) ContextOption {
	return func(c *Context) {
		c.parentExecutionID = parentID
		c.rootExecutionID = rootID
		c.depth = depth
		c.isChild = true
		c.eventData = data
	}
}

// NewContext creates an execution context for the given execution id.
func NewContext(executionID string, opts ...ContextOption) *Context {
	c := &Context{
		executionID:     executionID,
		rootExecutionID: executionID,
		commands:        NewCommandController(),
		abort:           NewAbortController(),
		emitter:         events.NewNullEmitter(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExecutionID returns the execution identifier.
func (c *Context) ExecutionID() string { return c.executionID }

// RootExecutionID returns the root of the child-spawn chain (self for roots).
func (c *Context) RootExecutionID() string { return c.rootExecutionID }

// ParentExecutionID returns the parent execution id, empty for roots.
func (c *Context) ParentExecutionID() string { return c.parentExecutionID }

// Depth returns the child-spawn depth, 0 for roots.
func (c *Context) Depth() int { return c.depth }

// IsChildExecution reports whether this execution was spawned by an event.
func (c *Context) IsChildExecution() bool { return c.isChild }

// Debug reports whether debug semantics are active.
func (c *Context) Debug() bool { return c.debug }

// EventData returns the triggering emitted event, nil for roots.
func (c *Context) EventData() *flow.EventData { return c.eventData }

// Integration returns a named entry from the integration context.
func (c *Context) Integration(name string) (any, bool) {
	v, ok := c.integrations[name]
	return v, ok
}

// Integrations returns the integration context map (shared, read-only).
func (c *Context) Integrations() map[string]any { return c.integrations }

// Commands returns the shared command controller.
func (c *Context) Commands() *CommandController { return c.commands }

// Abort returns the shared abort controller.
func (c *Context) Abort() *AbortController { return c.abort }

// ChildSpawns returns the accumulated child-execution requests in emission
// order.
func (c *Context) ChildSpawns() []ChildSpawn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChildSpawn, len(c.children))
	copy(out, c.children)
	return out
}

func (c *Context) addChildSpawn(spawn ChildSpawn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.children = append(c.children, spawn)
}

// emit assigns the next stream index and delivers the event. Called only
// from the scheduler goroutine, so indices match emission order.
func (c *Context) emit(t events.Type, data any) {
	c.mu.Lock()
	idx := c.eventSeq
	c.eventSeq++
	c.mu.Unlock()

	c.emitter.Emit(events.Event{
		ExecutionID: c.executionID,
		Index:       idx,
		Type:        t,
		Timestamp:   time.Now().UTC(),
		Data:        data,
	})
}

// nodeContext is the per-(execution, node) view handed to Execute. It routes
// explicit port resolutions back to the scheduler goroutine and accumulates
// emitted child events on the shared Context.
type nodeContext struct {
	parent  *Context
	nodeID  string
	resolve func(nodeID, portID string)
}

var _ flow.ExecutionContext = (*nodeContext)(nil)

func (nc *nodeContext) ExecutionID() string          { return nc.parent.executionID }
func (nc *nodeContext) IsChildExecution() bool       { return nc.parent.isChild }
func (nc *nodeContext) EventData() *flow.EventData   { return nc.parent.eventData }
func (nc *nodeContext) Integration(name string) (any, bool) {
	return nc.parent.Integration(name)
}

func (nc *nodeContext) ResolvePort(portID string) {
	if nc.resolve != nil {
		nc.resolve(nc.nodeID, portID)
	}
}

func (nc *nodeContext) EmitEvent(eventName string, payload any) {
	nc.parent.addChildSpawn(ChildSpawn{
		EventName:     eventName,
		Payload:       payload,
		EmitterNodeID: nc.nodeID,
	})
}
