package events

// NullEmitter implements Emitter by discarding all events.
//
// Use it where observability is unwanted: benchmarks, tests that assert on
// state rather than events, or embedded deployments.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter. It is safe for concurrent use and has
// zero overhead.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}
