package flow

import (
	"fmt"
	"sort"
	"sync"
)

// FlowMetadata describes a flow.
type FlowMetadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Owner       string   `json:"owner,omitempty"`

	// StrictChildFailure propagates any child-execution failure to the
	// parent. Default false (lenient): child failures are aggregated but do
	// not fail the parent.
	StrictChildFailure bool `json:"strictChildFailure,omitempty"`
}

// Flow is a directed graph of nodes and edges plus metadata. The core loads
// flows read-only when an execution starts and never mutates them during
// execution; the mutation API below serves construction and tooling.
type Flow struct {
	ID       string
	Metadata FlowMetadata

	mu        sync.RWMutex
	nodes     map[string]Node
	nodeOrder []string
	edges     []*Edge
}

// New creates an empty flow.
func New(id string, meta FlowMetadata) *Flow {
	return &Flow{
		ID:       id,
		Metadata: meta,
		nodes:    make(map[string]Node),
	}
}

// AddNode registers a node. Fails with ErrDuplicateNode on id collision.
func (f *Flow) AddNode(node Node) error {
	if node == nil {
		return &ValidationError{Message: "node cannot be nil"}
	}
	if node.ID() == "" {
		return &ValidationError{Message: "node id cannot be empty"}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.nodes[node.ID()]; exists {
		return &ValidationError{
			Message: fmt.Sprintf("node %q already exists", node.ID()),
			NodeID:  node.ID(),
			Cause:   ErrDuplicateNode,
		}
	}
	f.nodes[node.ID()] = node
	f.nodeOrder = append(f.nodeOrder, node.ID())
	return nil
}

// RemoveNode deletes a node and every edge touching it.
func (f *Flow) RemoveNode(nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.nodes[nodeID]; !exists {
		return fmt.Errorf("%w: node %q", ErrNotFound, nodeID)
	}
	delete(f.nodes, nodeID)
	for i, id := range f.nodeOrder {
		if id == nodeID {
			f.nodeOrder = append(f.nodeOrder[:i], f.nodeOrder[i+1:]...)
			break
		}
	}

	kept := f.edges[:0]
	for _, e := range f.edges {
		if e.Source.NodeID == nodeID || e.Target.NodeID == nodeID {
			continue
		}
		kept = append(kept, e)
	}
	f.edges = kept
	return nil
}

// AddEdge validates and registers an edge. Connection compatibility is
// checked here, at edge-creation time, never during execution. Connecting an
// any port records the peer's kind as its underlying type.
func (f *Flow) AddEdge(edge *Edge) error {
	if edge == nil {
		return &ValidationError{Message: "edge cannot be nil", Cause: ErrInvalidEdge}
	}
	if edge.Status == "" {
		edge.Status = EdgeActive
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	srcPort, tgtPort, err := f.resolveEndpointsLocked(edge)
	if err != nil {
		return err
	}

	if edge.Source.NodeID == edge.Target.NodeID && edge.Source.PortID == edge.Target.PortID {
		return &ValidationError{
			Message: "edge cannot loop on a single port",
			NodeID:  edge.Source.NodeID,
			PortID:  edge.Source.PortID,
			Cause:   ErrInvalidEdge,
		}
	}
	if !sourceDirectionLegal(srcPort.Direction()) {
		return &ValidationError{
			Message: fmt.Sprintf("port direction %q cannot source an edge", srcPort.Direction()),
			NodeID:  edge.Source.NodeID,
			PortID:  edge.Source.PortID,
			Cause:   ErrInvalidEdge,
		}
	}
	if !targetDirectionLegal(tgtPort.Direction()) {
		return &ValidationError{
			Message: fmt.Sprintf("port direction %q cannot terminate an edge", tgtPort.Direction()),
			NodeID:  edge.Target.NodeID,
			PortID:  edge.Target.PortID,
			Cause:   ErrInvalidEdge,
		}
	}
	if !Compatible(srcPort.Config().EffectiveKind(), tgtPort.Config().EffectiveKind()) {
		return &ValidationError{
			Message: fmt.Sprintf("incompatible port kinds %q -> %q",
				srcPort.Kind(), tgtPort.Kind()),
			NodeID: edge.Target.NodeID,
			PortID: edge.Target.PortID,
			Cause:  ErrInvalidEdge,
		}
	}

	// Propagate the concrete kind across any ports.
	srcPort.SetUnderlying(tgtPort.Config().EffectiveKind())
	tgtPort.SetUnderlying(srcPort.Config().EffectiveKind())

	f.edges = append(f.edges, edge)
	return nil
}

// RemoveEdge deletes the first edge matching both endpoints.
func (f *Flow) RemoveEdge(source, target Endpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, e := range f.edges {
		if e.Source == source && e.Target == target {
			f.edges = append(f.edges[:i], f.edges[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: edge %s.%s -> %s.%s", ErrNotFound,
		source.NodeID, source.PortID, target.NodeID, target.PortID)
}

// Node looks up a node by id.
func (f *Flow) Node(nodeID string) (Node, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n, ok := f.nodes[nodeID]
	return n, ok
}

// Nodes enumerates nodes in insertion order.
func (f *Flow) Nodes() []Node {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Node, 0, len(f.nodeOrder))
	for _, id := range f.nodeOrder {
		out = append(out, f.nodes[id])
	}
	return out
}

// NodeIDs returns the node ids in lexicographic order.
func (f *Flow) NodeIDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.nodes))
	for id := range f.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Edges returns a copy of the edge list.
func (f *Flow) Edges() []*Edge {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*Edge, len(f.edges))
	copy(out, f.edges)
	return out
}

// EdgesFrom returns the active edges sourced at the given port.
func (f *Flow) EdgesFrom(nodeID, portID string) []*Edge {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []*Edge
	for _, e := range f.edges {
		if e.Active() && e.Source.NodeID == nodeID && e.Source.PortID == portID {
			out = append(out, e)
		}
	}
	return out
}

// EdgesInto returns the active edges terminating at the given node.
func (f *Flow) EdgesInto(nodeID string) []*Edge {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []*Edge
	for _, e := range f.edges {
		if e.Active() && e.Target.NodeID == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// Validate checks the whole flow: every edge endpoint exists and is legal,
// and the active data edges are acyclic. Event-listener indirection breaks
// cycles by spawning child executions, so it never appears as a back-edge
// here.
func (f *Flow) Validate() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, e := range f.edges {
		if _, _, err := f.resolveEndpointsLocked(e); err != nil {
			return err
		}
	}
	return f.checkAcyclicLocked()
}

func (f *Flow) resolveEndpointsLocked(edge *Edge) (*Port, *Port, error) {
	srcNode, ok := f.nodes[edge.Source.NodeID]
	if !ok {
		return nil, nil, &ValidationError{
			Message: fmt.Sprintf("source node %q does not exist", edge.Source.NodeID),
			NodeID:  edge.Source.NodeID,
			Cause:   ErrInvalidEdge,
		}
	}
	srcPort, ok := srcNode.Port(edge.Source.PortID)
	if !ok {
		return nil, nil, &ValidationError{
			Message: fmt.Sprintf("source port %q does not exist", edge.Source.PortID),
			NodeID:  edge.Source.NodeID,
			PortID:  edge.Source.PortID,
			Cause:   ErrInvalidEdge,
		}
	}
	tgtNode, ok := f.nodes[edge.Target.NodeID]
	if !ok {
		return nil, nil, &ValidationError{
			Message: fmt.Sprintf("target node %q does not exist", edge.Target.NodeID),
			NodeID:  edge.Target.NodeID,
			Cause:   ErrInvalidEdge,
		}
	}
	tgtPort, ok := tgtNode.Port(edge.Target.PortID)
	if !ok {
		return nil, nil, &ValidationError{
			Message: fmt.Sprintf("target port %q does not exist", edge.Target.PortID),
			NodeID:  edge.Target.NodeID,
			PortID:  edge.Target.PortID,
			Cause:   ErrInvalidEdge,
		}
	}
	return srcPort, tgtPort, nil
}

// checkAcyclicLocked runs a three-color DFS over active edges.
func (f *Flow) checkAcyclicLocked() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(f.nodes))
	adj := make(map[string][]string)
	for _, e := range f.edges {
		if e.Active() {
			adj[e.Source.NodeID] = append(adj[e.Source.NodeID], e.Target.NodeID)
		}
	}

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				return fmt.Errorf("%w: via node %q", ErrCycle, next)
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, id := range f.nodeOrder {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}
