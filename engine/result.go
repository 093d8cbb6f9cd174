package engine

import (
	"errors"
	"time"
)

// Status is the terminal outcome of one engine run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// ErrDepthExceeded indicates a child-spawn chain exceeded the configured
// maximum execution depth.
var ErrDepthExceeded = errors.New("execution depth exceeded")

// NodeFailure captures one node's execution error.
type NodeFailure struct {
	NodeID  string
	Message string
}

// Error implements the error interface.
func (e *NodeFailure) Error() string {
	return "node " + e.NodeID + ": " + e.Message
}

// Result is the outcome of Engine.Execute. ChildTasks carries the child
// execution requests the orchestrator must enqueue; the engine itself never
// touches the queue.
type Result struct {
	Status     Status
	Duration   time.Duration
	Error      string
	FailedNode string
	ChildTasks []ChildSpawn
}
