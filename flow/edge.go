package flow

// EdgeStatus marks whether an edge participates in value transfer.
type EdgeStatus string

const (
	EdgeActive   EdgeStatus = "active"
	EdgeInactive EdgeStatus = "inactive"
)

// Endpoint addresses one side of an edge.
type Endpoint struct {
	NodeID string `json:"nodeId"`
	PortID string `json:"portId"`
}

// EdgeMetadata carries editor-facing attributes; opaque to the core.
type EdgeMetadata struct {
	// Anchors are visual routing points for the editor.
	Anchors []Anchor `json:"anchors,omitempty"`
}

// Anchor is a visual routing point.
type Anchor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge connects a source output/passthrough port to a target
// input/passthrough port. Once active, it delivers the source port's value to
// the target immediately on source resolution.
type Edge struct {
	Source   Endpoint     `json:"source"`
	Target   Endpoint     `json:"target"`
	Status   EdgeStatus   `json:"status"`
	Metadata EdgeMetadata `json:"metadata,omitempty"`
}

// Active reports whether the edge participates in transfers.
func (e *Edge) Active() bool { return e.Status == EdgeActive }

// sourceDirectionLegal reports whether a port direction may source an edge.
func sourceDirectionLegal(d Direction) bool {
	return d == Output || d == Passthrough
}

// targetDirectionLegal reports whether a port direction may terminate an edge.
func targetDirectionLegal(d Direction) bool {
	return d == Input || d == Passthrough
}
