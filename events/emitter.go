package events

// Emitter receives lifecycle events from an executing flow.
//
// The engine calls Emit synchronously on its scheduler goroutine, so the
// per-execution event order seen by an emitter matches stream index order.
//
// Implementations should be:
//   - Fast: Emit runs on the scheduling hot path
//   - Thread-safe: one emitter may serve many executions
//   - Resilient: an emitter must not panic the engine
type Emitter interface {
	// Emit delivers a single event. Implementations that perform I/O should
	// buffer or hand off to a background goroutine rather than block.
	Emit(event Event)
}

// MultiEmitter fans a single event out to several emitters in order.
type MultiEmitter []Emitter

// Emit delivers the event to every wrapped emitter.
func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}

// EmitterFunc adapts a plain function to the Emitter interface.
type EmitterFunc func(Event)

// Emit implements Emitter.
func (f EmitterFunc) Emit(event Event) { f(event) }
