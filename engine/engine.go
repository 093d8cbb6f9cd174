package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/badaitech/chaingraph-go/events"
	"github.com/badaitech/chaingraph-go/flow"
)

// DefaultParallelism bounds in-process concurrent node bodies. This is
// deliberately modest; it is unrelated to the queue's global concurrency.
const DefaultParallelism = 4

// Options configures engine execution behavior.
type Options struct {
	// Parallelism is the in-process concurrent node limit. Zero means
	// DefaultParallelism.
	Parallelism int

	// Breakpoints maps node ids to breakpoint state. Only consulted when the
	// execution context has debug enabled.
	Breakpoints map[string]bool

	// EmitStatusChanges adds NODE_STATUS_CHANGED events on every node status
	// transition. Off by default to keep stream traces minimal.
	EmitStatusChanges bool
}

// Option is a functional option for configuring an Engine.
type Option func(*Options)

// WithParallelism sets the in-process concurrent node limit.
func WithParallelism(n int) Option {
	return func(o *Options) { o.Parallelism = n }
}

// WithBreakpoint arms a breakpoint on the given node.
func WithBreakpoint(nodeID string) Option {
	return func(o *Options) {
		if o.Breakpoints == nil {
			o.Breakpoints = make(map[string]bool)
		}
		o.Breakpoints[nodeID] = true
	}
}

// WithStatusChangeEvents enables NODE_STATUS_CHANGED emission.
func WithStatusChangeEvents(enabled bool) Option {
	return func(o *Options) { o.EmitStatusChanges = enabled }
}

// Engine executes one flow within the current process.
//
// The scheduler is single-threaded cooperative: ready-set mutations, edge
// transfers and event emissions all happen on the scheduler goroutine, so
// value delivery order and event indices are well-defined. Node bodies run
// concurrently up to the parallelism limit and may perform I/O.
type Engine struct {
	flow *flow.Flow
	opts Options
}

// New creates an engine over the given flow.
func New(f *flow.Flow, opts ...Option) *Engine {
	e := &Engine{flow: f}
	for _, opt := range opts {
		opt(&e.opts)
	}
	if e.opts.Parallelism <= 0 {
		e.opts.Parallelism = DefaultParallelism
	}
	return e
}

type portKey struct {
	nodeID string
	portID string
}

type msgKind int

const (
	msgNodeDone msgKind = iota
	msgPortResolved
)

type schedMsg struct {
	kind   msgKind
	nodeID string
	portID string
	err    error
}

// schedule is the per-run scheduler state. All fields are owned by the
// scheduler goroutine.
type schedule struct {
	engine *Engine
	flw    *flow.Flow
	ec     *Context

	msgs      chan schedMsg
	runCtx    context.Context
	cancelRun context.CancelFunc

	layer    map[string]int
	pending  map[string]map[string]bool
	resolved map[portKey]bool
	started  map[string]bool
	finished map[string]bool
	seeded   map[string]bool
	bpHit    map[string]bool

	ready    []flow.Node
	held     []flow.Node
	inflight int

	observedPaused bool
	failure        *NodeFailure
}

// Execute drives the flow to a terminal status. It blocks until every
// started node body has returned, then reports the outcome and any child
// execution requests accumulated on the context.
func (e *Engine) Execute(ctx context.Context, ec *Context) (Result, error) {
	start := time.Now()

	if err := e.flow.Validate(); err != nil {
		return Result{}, fmt.Errorf("flow %s: %w", e.flow.ID, err)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	s := &schedule{
		engine:    e,
		flw:       e.flow,
		ec:        ec,
		msgs:      make(chan schedMsg, 1024),
		runCtx:    runCtx,
		cancelRun: cancelRun,
		layer:     make(map[string]int),
		pending:   make(map[string]map[string]bool),
		resolved:  make(map[portKey]bool),
		started:   make(map[string]bool),
		finished:  make(map[string]bool),
		seeded:    make(map[string]bool),
		bpHit:     make(map[string]bool),
	}
	s.computeLayers()
	s.computePending()

	ec.emit(events.FlowStarted, &events.FlowEventData{FlowID: e.flow.ID})

	var status Status
	if err := s.seedListeners(); err != nil {
		s.failure = &NodeFailure{Message: err.Error()}
		status = s.finishFailed()
	} else {
		s.seedInitialReady()
		status = s.loop(ctx)
	}

	result := Result{
		Status:     status,
		Duration:   time.Since(start),
		ChildTasks: ec.ChildSpawns(),
	}
	if s.failure != nil {
		result.Error = s.failure.Message
		result.FailedNode = s.failure.NodeID
	}
	if status == StatusStopped && result.Error == "" {
		result.Error = ec.Abort().Reason()
	}
	return result, nil
}

// loop is the scheduler's main cycle: launch what may launch, then block on
// the next completion, command change or abort.
func (s *schedule) loop(ctx context.Context) Status {
	for {
		s.launchReady()

		if s.inflight == 0 && len(s.ready) == 0 && len(s.held) == 0 {
			return s.finishCompleted()
		}

		select {
		case msg := <-s.msgs:
			if stop := s.handleMsg(msg); stop != "" {
				return stop
			}
		case <-s.ec.Abort().Done():
			return s.finishStopped()
		case <-ctx.Done():
			s.ec.Abort().Abort("context cancelled: " + ctx.Err().Error())
			return s.finishStopped()
		case <-s.ec.Commands().Changed():
			// Re-evaluate the launch gate.
		}
	}
}

func (s *schedule) handleMsg(msg schedMsg) Status {
	switch msg.kind {
	case msgPortResolved:
		if s.resolvePort(msg.nodeID, msg.portID) {
			return ""
		}
		return s.finishFailed()
	case msgNodeDone:
		s.inflight--
		node, _ := s.flw.Node(msg.nodeID)
		s.finished[msg.nodeID] = true

		if msg.err != nil {
			s.setStatus(node, flow.StatusFailed)
			s.ec.emit(events.NodeFailed, &events.NodeFailedData{
				NodeID:   msg.nodeID,
				NodeType: node.Type(),
				Error:    msg.err.Error(),
				Optional: node.Optional(),
			})
			if !node.Optional() {
				s.failure = &NodeFailure{NodeID: msg.nodeID, Message: msg.err.Error()}
				return s.finishFailed()
			}
			return ""
		}

		s.setStatus(node, flow.StatusCompleted)
		s.ec.emit(events.NodeCompleted, &events.NodeEventData{
			NodeID:   msg.nodeID,
			NodeType: node.Type(),
			Outputs:  outputValues(node),
		})
		// Implicit resolution: every output and passthrough not explicitly
		// resolved during the body becomes final now.
		for _, p := range node.Outputs() {
			if !s.resolvePort(msg.nodeID, p.ID()) {
				return s.finishFailed()
			}
		}
		for _, p := range node.Passthroughs() {
			if !s.resolvePort(msg.nodeID, p.ID()) {
				return s.finishFailed()
			}
		}
	}
	return ""
}

// launchReady starts held and ready nodes while the debug gate and the
// parallelism limit allow.
func (s *schedule) launchReady() {
	for s.inflight < s.engine.opts.Parallelism {
		if s.ec.Abort().Aborted() {
			return
		}
		if len(s.held) == 0 && len(s.ready) == 0 {
			s.observeDebugState()
			return
		}
		if !s.gateOpen() {
			return
		}
		if len(s.held) > 0 {
			node := s.held[0]
			s.held = s.held[1:]
			s.launchBody(node)
			continue
		}
		node := s.ready[0]
		s.ready = s.ready[1:]
		s.startNode(node)
	}
}

// gateOpen consults the command controller before each node start. While
// paused, one start is allowed per step permit.
func (s *schedule) gateOpen() bool {
	if !s.ec.Debug() {
		return true
	}
	if !s.ec.Commands().Paused() {
		s.observeDebugState()
		return true
	}
	if !s.observedPaused {
		s.observedPaused = true
		s.ec.emit(events.FlowPaused, &events.FlowEventData{FlowID: s.flw.ID})
	}
	return s.ec.Commands().TakeStep()
}

// observeDebugState emits FLOW_PAUSED / FLOW_RESUMED on transitions the gate
// itself did not witness.
func (s *schedule) observeDebugState() {
	if !s.ec.Debug() {
		return
	}
	paused := s.ec.Commands().Paused()
	if paused && !s.observedPaused {
		s.observedPaused = true
		s.ec.emit(events.FlowPaused, &events.FlowEventData{FlowID: s.flw.ID})
	}
	if !paused && s.observedPaused {
		s.observedPaused = false
		s.ec.emit(events.FlowResumed, &events.FlowEventData{FlowID: s.flw.ID})
	}
}

// startNode emits NODE_STARTED and either launches the body or, on a
// breakpoint, holds it and enters pause.
func (s *schedule) startNode(node flow.Node) {
	s.started[node.ID()] = true
	s.setStatus(node, flow.StatusRunning)
	s.ec.emit(events.NodeStarted, &events.NodeEventData{
		NodeID:   node.ID(),
		NodeType: node.Type(),
	})

	if s.ec.Debug() && s.engine.opts.Breakpoints[node.ID()] && !s.bpHit[node.ID()] {
		s.bpHit[node.ID()] = true
		s.ec.emit(events.DebugBreakpointHit, &events.BreakpointData{NodeID: node.ID()})
		s.ec.Commands().Pause()
		s.held = append(s.held, node)
		return
	}
	s.launchBody(node)
}

func (s *schedule) launchBody(node flow.Node) {
	s.inflight++
	nc := &nodeContext{
		parent: s.ec,
		nodeID: node.ID(),
		resolve: func(nodeID, portID string) {
			select {
			case s.msgs <- schedMsg{kind: msgPortResolved, nodeID: nodeID, portID: portID}:
			case <-s.runCtx.Done():
			}
		},
	}
	go func() {
		err := runNodeSafe(s.runCtx, node, nc)
		s.msgs <- schedMsg{kind: msgNodeDone, nodeID: node.ID(), err: err}
	}()
}

// runNodeSafe converts body panics into node failures so error returns and
// panics surface uniformly as NODE_FAILED.
func runNodeSafe(ctx context.Context, node flow.Node, nc flow.ExecutionContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return node.Execute(ctx, nc)
}

// resolvePort marks a source port final and transfers its value along every
// active outgoing edge. Idempotent. Returns false when a transfer fails,
// which fails the flow.
func (s *schedule) resolvePort(nodeID, portID string) bool {
	key := portKey{nodeID, portID}
	if s.resolved[key] {
		return true
	}
	node, ok := s.flw.Node(nodeID)
	if !ok {
		return true
	}
	port, ok := node.Port(portID)
	if !ok {
		return true
	}
	s.resolved[key] = true
	value, _ := port.Value()

	for _, edge := range s.flw.EdgesFrom(nodeID, portID) {
		tgtNode, ok := s.flw.Node(edge.Target.NodeID)
		if !ok {
			continue
		}
		tgtPort, ok := tgtNode.Port(edge.Target.PortID)
		if !ok {
			continue
		}

		transfer := &events.EdgeTransferData{
			SourceNodeID: edge.Source.NodeID,
			SourcePortID: edge.Source.PortID,
			TargetNodeID: edge.Target.NodeID,
			TargetPortID: edge.Target.PortID,
		}
		s.ec.emit(events.EdgeTransferStarted, transfer)

		if err := tgtPort.SetValue(value); err != nil {
			failed := *transfer
			failed.Error = err.Error()
			s.ec.emit(events.EdgeTransferFailed, &failed)
			s.failure = &NodeFailure{NodeID: edge.Target.NodeID, Message: err.Error()}
			return false
		}
		completed := *transfer
		completed.Value = value
		s.ec.emit(events.EdgeTransferCompleted, &completed)

		if !s.deliver(tgtNode, tgtPort) {
			return false
		}
	}
	return true
}

// deliver records an inbound resolution on the target and cascades
// passthrough propagation. Downstream nodes whose inputs are now fully
// resolved join the ready set.
func (s *schedule) deliver(node flow.Node, port *flow.Port) bool {
	if pend := s.pending[node.ID()]; pend != nil {
		delete(pend, port.ID())
	}

	// Passthrough ports propagate on input resolution without the node body.
	if port.Direction() == flow.Passthrough {
		if !s.resolvePort(node.ID(), port.ID()) {
			return false
		}
	}

	if len(s.pending[node.ID()]) == 0 && !s.started[node.ID()] && s.autoRunnable(node) {
		s.pushReady(node)
	}
	return true
}

func (s *schedule) autoRunnable(node flow.Node) bool {
	if !node.DisabledAutoExecution() {
		return true
	}
	return s.seeded[node.ID()]
}

// pushReady inserts a node keeping the deterministic (topological layer,
// node id) order, so test traces are stable.
func (s *schedule) pushReady(node flow.Node) {
	for _, queued := range s.ready {
		if queued.ID() == node.ID() {
			return
		}
	}
	s.ready = append(s.ready, node)
	sort.Slice(s.ready, func(i, j int) bool {
		li, lj := s.layer[s.ready[i].ID()], s.layer[s.ready[j].ID()]
		if li != lj {
			return li < lj
		}
		return s.ready[i].ID() < s.ready[j].ID()
	})
}

// computeLayers assigns each node its depth in topological layers over
// active edges (longest path from a source).
func (s *schedule) computeLayers() {
	memo := make(map[string]int)
	var depth func(id string) int
	depth = func(id string) int {
		if d, ok := memo[id]; ok {
			return d
		}
		memo[id] = 0 // settle cycles defensively; Validate rejects them
		max := 0
		for _, e := range s.flw.EdgesInto(id) {
			if d := depth(e.Source.NodeID) + 1; d > max {
				max = d
			}
		}
		memo[id] = max
		return max
	}
	for _, id := range s.flw.NodeIDs() {
		s.layer[id] = depth(id)
	}
}

// computePending records, per node, the input/passthrough ports fed by at
// least one active edge. A node is eligible once all of them are resolved.
func (s *schedule) computePending() {
	for _, node := range s.flw.Nodes() {
		pend := make(map[string]bool)
		for _, e := range s.flw.EdgesInto(node.ID()) {
			pend[e.Target.PortID] = true
		}
		s.pending[node.ID()] = pend
	}
}

// seedInitialReady queues nodes with no inbound edges that participate in
// automatic execution.
func (s *schedule) seedInitialReady() {
	for _, node := range s.flw.Nodes() {
		if len(s.pending[node.ID()]) == 0 && s.autoRunnable(node) && !s.started[node.ID()] {
			s.pushReady(node)
		}
	}
}

// seedListeners arms event-listener nodes in child executions: a listener
// whose event name matches the triggering event gets the payload on its
// first input port and becomes runnable.
func (s *schedule) seedListeners() error {
	ed := s.ec.EventData()
	if !s.ec.IsChildExecution() || ed == nil {
		return nil
	}
	for _, node := range s.flw.Nodes() {
		if !node.DisabledAutoExecution() || node.EventName() != ed.EventName {
			continue
		}
		if err := node.OnEvent(flow.NodeEvent{Name: ed.EventName, Payload: ed.Payload}); err != nil {
			return fmt.Errorf("listener %s: %w", node.ID(), err)
		}
		if inputs := node.Inputs(); len(inputs) > 0 {
			if err := inputs[0].SetValue(ed.Payload); err != nil {
				return fmt.Errorf("listener %s: %w", node.ID(), err)
			}
			s.resolved[portKey{node.ID(), inputs[0].ID()}] = true
		}
		s.pending[node.ID()] = make(map[string]bool)
		s.seeded[node.ID()] = true
	}
	return nil
}

func (s *schedule) setStatus(node flow.Node, status flow.Status) {
	old := node.Status()
	node.SetStatus(status)
	if s.engine.opts.EmitStatusChanges && old != status {
		s.ec.emit(events.NodeStatusChanged, &events.NodeStatusChangedData{
			NodeID:   node.ID(),
			OldState: string(old),
			NewState: string(status),
		})
	}
}

// drainInflight waits for every launched body to return, processing their
// terminal events but starting nothing new.
func (s *schedule) drainInflight() {
	for s.inflight > 0 {
		msg := <-s.msgs
		if msg.kind != msgNodeDone {
			continue
		}
		s.inflight--
		s.finished[msg.nodeID] = true
		node, _ := s.flw.Node(msg.nodeID)
		if msg.err != nil {
			s.setStatus(node, flow.StatusFailed)
			s.ec.emit(events.NodeFailed, &events.NodeFailedData{
				NodeID:   msg.nodeID,
				NodeType: node.Type(),
				Error:    msg.err.Error(),
				Optional: node.Optional(),
			})
			continue
		}
		s.setStatus(node, flow.StatusCompleted)
		s.ec.emit(events.NodeCompleted, &events.NodeEventData{
			NodeID:   msg.nodeID,
			NodeType: node.Type(),
			Outputs:  outputValues(node),
		})
	}
}

// skipHeld marks nodes parked at a breakpoint whose body never launched.
func (s *schedule) skipHeld() {
	for _, node := range s.held {
		s.setStatus(node, flow.StatusSkipped)
		s.ec.emit(events.NodeSkipped, &events.NodeSkippedData{
			NodeID: node.ID(),
			Reason: "held at breakpoint",
		})
	}
	s.held = nil
}

// skipRemaining marks never-started nodes skipped.
func (s *schedule) skipRemaining(reason string) {
	for _, id := range s.flw.NodeIDs() {
		if s.started[id] {
			continue
		}
		node, _ := s.flw.Node(id)
		skipReason := reason
		if node.DisabledAutoExecution() && !s.seeded[id] {
			skipReason = "auto execution disabled"
		}
		s.setStatus(node, flow.StatusSkipped)
		s.ec.emit(events.NodeSkipped, &events.NodeSkippedData{NodeID: id, Reason: skipReason})
	}
}

func (s *schedule) finishCompleted() Status {
	s.skipRemaining("not reached")
	s.ec.emit(events.FlowCompleted, &events.FlowEventData{FlowID: s.flw.ID})
	return StatusCompleted
}

func (s *schedule) finishFailed() Status {
	s.cancelRun()
	s.drainInflight()
	s.skipHeld()
	s.skipRemaining("flow failed")
	data := &events.FlowErrorData{FlowID: s.flw.ID}
	if s.failure != nil {
		data.Error = s.failure.Message
	}
	s.ec.emit(events.FlowFailed, data)
	return StatusFailed
}

func (s *schedule) finishStopped() Status {
	s.cancelRun()
	s.drainInflight()
	s.skipHeld()
	s.skipRemaining("execution stopped")
	s.ec.emit(events.FlowCancelled, &events.FlowErrorData{
		FlowID: s.flw.ID,
		Reason: s.ec.Abort().Reason(),
	})
	return StatusStopped
}

// outputValues snapshots a node's resolved output port values for the
// NODE_COMPLETED payload.
func outputValues(node flow.Node) map[string]any {
	outputs := make(map[string]any)
	for _, p := range node.Outputs() {
		if v, ok := p.Value(); ok {
			outputs[p.ID()] = v
		}
	}
	if len(outputs) == 0 {
		return nil
	}
	return outputs
}
