package stream

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/badaitech/chaingraph-go/events"
	"github.com/badaitech/chaingraph-go/store"
)

// Appender persists engine events into the durable log as they are emitted.
// The engine emits from its scheduler goroutine in index order, so appends
// land in order too; a terminal event marks the end of the stream for
// subscribers.
//
// Emitters cannot return errors, so the first append failure is latched and
// exposed through Err. The orchestrator checks it after the run and fails the
// execution rather than reporting success over a truncated log.
type Appender struct {
	ctx   context.Context
	store store.Store
	log   zerolog.Logger

	mu  sync.Mutex
	err error
}

var _ events.Emitter = (*Appender)(nil)

// NewAppender creates an appender writing events for one execution.
func NewAppender(ctx context.Context, st store.Store, log zerolog.Logger) *Appender {
	return &Appender{ctx: ctx, store: st, log: log}
}

// Emit persists one event. Failures are latched, not propagated.
func (a *Appender) Emit(ev events.Event) {
	payload, err := ev.Marshal()
	if err == nil {
		err = a.store.AppendStream(a.ctx, store.StreamRecord{
			WorkflowID: ev.ExecutionID,
			StreamKey:  KeyEvents,
			Index:      ev.Index,
			Payload:    payload,
			WrittenAt:  ev.Timestamp,
			Terminal:   ev.Terminal(),
		})
	}
	if err != nil {
		a.log.Error().Err(err).
			Str("executionId", ev.ExecutionID).
			Int64("index", ev.Index).
			Str("type", string(ev.Type)).
			Msg("event append failed")
		a.mu.Lock()
		if a.err == nil {
			a.err = err
		}
		a.mu.Unlock()
	}
}

// Err returns the first append failure, nil when every event persisted.
func (a *Appender) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}
