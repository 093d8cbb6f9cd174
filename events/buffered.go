package events

import "sync"

// BufferedEmitter implements Emitter by storing events in memory, keyed by
// execution id.
//
// It provides query capabilities for execution history analysis:
//   - thread-safe concurrent access
//   - history retrieval by execution id with optional filtering
//   - clearing by execution id or wholesale
//
// This emitter is the workhorse of the test suite and is also useful for
// debugging dashboards. It stores every event in memory; for long-running
// deployments prefer the durable stream.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// HistoryFilter selects a subset of an execution's history. All fields are
// optional; set fields combine with AND logic.
type HistoryFilter struct {
	Type     Type   // filter by event type (empty = no filter)
	NodeID   string // filter by nodeId payload field (empty = no filter)
	MinIndex *int64 // minimum stream index (nil = no filter)
	MaxIndex *int64 // maximum stream index (nil = no filter)
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit stores the event in the buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.ExecutionID] = append(b.events[event.ExecutionID], event)
}

// History returns all stored events for an execution, in emission order.
// Returns a copy, never nil.
func (b *BufferedEmitter) History(executionID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stored := b.events[executionID]
	result := make([]Event, len(stored))
	copy(result, stored)
	return result
}

// HistoryWithFilter returns the stored events matching the filter, in
// emission order.
func (b *BufferedEmitter) HistoryWithFilter(executionID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, ev := range b.events[executionID] {
		if matchesFilter(ev, filter) {
			result = append(result, ev)
		}
	}
	return result
}

// Clear removes stored events. A non-empty executionID clears only that
// execution; an empty id clears everything.
func (b *BufferedEmitter) Clear(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if executionID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, executionID)
}

func matchesFilter(ev Event, filter HistoryFilter) bool {
	if filter.Type != "" && ev.Type != filter.Type {
		return false
	}
	if filter.MinIndex != nil && ev.Index < *filter.MinIndex {
		return false
	}
	if filter.MaxIndex != nil && ev.Index > *filter.MaxIndex {
		return false
	}
	if filter.NodeID != "" && eventNodeID(ev) != filter.NodeID {
		return false
	}
	return true
}

// eventNodeID extracts the nodeId from node-scoped payloads.
func eventNodeID(ev Event) string {
	switch data := ev.Data.(type) {
	case *NodeEventData:
		return data.NodeID
	case NodeEventData:
		return data.NodeID
	case *NodeFailedData:
		return data.NodeID
	case NodeFailedData:
		return data.NodeID
	case *NodeSkippedData:
		return data.NodeID
	case NodeSkippedData:
		return data.NodeID
	case *NodeStatusChangedData:
		return data.NodeID
	case NodeStatusChangedData:
		return data.NodeID
	case *BreakpointData:
		return data.NodeID
	case BreakpointData:
		return data.NodeID
	}
	return ""
}
