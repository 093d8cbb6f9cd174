// Package flow defines the data model for executable flows: typed ports,
// nodes, edges and the flow container, plus validation and (de)serialization.
package flow

import (
	"errors"
	"fmt"
)

// ErrInvalidEdge indicates an edge referencing missing endpoints, illegal
// port directions, or incompatible port kinds.
var ErrInvalidEdge = errors.New("invalid edge")

// ErrDuplicateNode indicates a node id collision within one flow.
var ErrDuplicateNode = errors.New("duplicate node id")

// ErrUnknownNodeType indicates a serialized node whose type tag has no
// registered factory.
var ErrUnknownNodeType = errors.New("unknown node type")

// ErrNotFound indicates a missing flow, node, port or edge.
var ErrNotFound = errors.New("not found")

// ErrCycle indicates that the active data edges form a cycle. Cycles must be
// broken via event-listener indirection, not back-edges.
var ErrCycle = errors.New("data edges form a cycle")

// ValidationError reports an invalid flow or port configuration with enough
// context to locate the offending element.
type ValidationError struct {
	Message string
	NodeID  string
	PortID  string
	Cause   error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	switch {
	case e.NodeID != "" && e.PortID != "":
		return fmt.Sprintf("node %s port %s: %s", e.NodeID, e.PortID, e.Message)
	case e.NodeID != "":
		return fmt.Sprintf("node %s: %s", e.NodeID, e.Message)
	}
	return e.Message
}

// Unwrap returns the sentinel this validation error wraps, enabling
// errors.Is checks against ErrInvalidEdge and friends.
func (e *ValidationError) Unwrap() error { return e.Cause }
