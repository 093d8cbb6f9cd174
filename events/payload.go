package events

// Payload structs for each event type. All payloads are JSON-serializable and
// self-describing: the enclosing Event carries the Type that selects the
// concrete struct.

// ExecutionCreatedData accompanies EXECUTION_CREATED (index -1).
type ExecutionCreatedData struct {
	FlowID            string `json:"flowId"`
	OwnerID           string `json:"ownerId,omitempty"`
	Debug             bool   `json:"debug"`
	RootExecutionID   string `json:"rootExecutionId"`
	ParentExecutionID string `json:"parentExecutionId,omitempty"`
	ExecutionDepth    int    `json:"executionDepth"`
}

// FlowSubscribedData is the informational subscriber handshake.
type FlowSubscribedData struct {
	SubscriberID string `json:"subscriberId,omitempty"`
	FromIndex    int64  `json:"fromIndex"`
}

// FlowEventData accompanies FLOW_STARTED, FLOW_COMPLETED, FLOW_PAUSED and
// FLOW_RESUMED.
type FlowEventData struct {
	FlowID string `json:"flowId"`
}

// FlowErrorData accompanies FLOW_FAILED and FLOW_CANCELLED.
type FlowErrorData struct {
	FlowID string `json:"flowId"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// NodeEventData accompanies NODE_STARTED and NODE_COMPLETED.
type NodeEventData struct {
	NodeID   string         `json:"nodeId"`
	NodeType string         `json:"nodeType,omitempty"`
	Outputs  map[string]any `json:"outputs,omitempty"`
}

// NodeFailedData accompanies NODE_FAILED.
type NodeFailedData struct {
	NodeID   string `json:"nodeId"`
	NodeType string `json:"nodeType,omitempty"`
	Error    string `json:"error"`
	Optional bool   `json:"optional,omitempty"`
}

// NodeSkippedData accompanies NODE_SKIPPED.
type NodeSkippedData struct {
	NodeID string `json:"nodeId"`
	Reason string `json:"reason,omitempty"`
}

// NodeStatusChangedData accompanies NODE_STATUS_CHANGED.
type NodeStatusChangedData struct {
	NodeID   string `json:"nodeId"`
	OldState string `json:"oldStatus"`
	NewState string `json:"newStatus"`
}

// EdgeTransferData accompanies EDGE_TRANSFER_STARTED, EDGE_TRANSFER_COMPLETED
// and EDGE_TRANSFER_FAILED.
type EdgeTransferData struct {
	SourceNodeID string `json:"sourceNodeId"`
	SourcePortID string `json:"sourcePortId"`
	TargetNodeID string `json:"targetNodeId"`
	TargetPortID string `json:"targetPortId"`
	Value        any    `json:"value,omitempty"`
	Error        string `json:"error,omitempty"`
}

// BreakpointData accompanies DEBUG_BREAKPOINT_HIT.
type BreakpointData struct {
	NodeID string `json:"nodeId"`
}

// newPayload returns a fresh payload struct for the given event type, or nil
// when the type carries no registered payload.
func newPayload(t Type) any {
	switch t {
	case ExecutionCreated:
		return &ExecutionCreatedData{}
	case FlowSubscribed:
		return &FlowSubscribedData{}
	case FlowStarted, FlowCompleted, FlowPaused, FlowResumed:
		return &FlowEventData{}
	case FlowFailed, FlowCancelled:
		return &FlowErrorData{}
	case NodeStarted, NodeCompleted:
		return &NodeEventData{}
	case NodeFailed:
		return &NodeFailedData{}
	case NodeSkipped:
		return &NodeSkippedData{}
	case NodeStatusChanged:
		return &NodeStatusChangedData{}
	case EdgeTransferStarted, EdgeTransferCompleted, EdgeTransferFailed:
		return &EdgeTransferData{}
	case DebugBreakpointHit:
		return &BreakpointData{}
	}
	return nil
}
