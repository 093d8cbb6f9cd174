// Package stream delivers persisted execution events to subscribers: backfill
// from the durable log, then tail-follow until the terminal event. Consumers
// created before, during or after the run observe the same prefix for the
// same cursor.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/badaitech/chaingraph-go/events"
	"github.com/badaitech/chaingraph-go/store"
)

const (
	// KeyEvents is the stream key of an execution's lifecycle event log.
	KeyEvents = "events"

	// KeySignals is the stream key carrying an execution's start signal: one
	// record at index 0. Appends are idempotent, so duplicate sends and
	// replayed attempts collapse into the same record.
	KeySignals = "signals"

	// DefaultBatchSize flushes a pending batch once it holds this many
	// events.
	DefaultBatchSize = 10

	// DefaultBatchInterval flushes a non-empty pending batch after this
	// long even when under size.
	DefaultBatchInterval = 100 * time.Millisecond
)

// Service reads the durable event log and fans batches out to subscribers.
type Service struct {
	store    store.Store
	log      zerolog.Logger
	size     int
	interval time.Duration
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithBatch overrides batch size and flush interval. Non-positive values keep
// the defaults.
func WithBatch(size int, interval time.Duration) ServiceOption {
	return func(s *Service) {
		if size > 0 {
			s.size = size
		}
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithLogger sets the service logger. Defaults to a no-op logger.
func WithLogger(log zerolog.Logger) ServiceOption {
	return func(s *Service) { s.log = log }
}

// NewService creates a stream service over the given store.
func NewService(st store.Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:    st,
		log:      zerolog.Nop(),
		size:     DefaultBatchSize,
		interval: DefaultBatchInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscription is one consumer's view of an execution's event stream. Batches
// arrive on Events in index order; the channel closes after the terminal
// event (or on error, which Err then reports).
type Subscription struct {
	batches chan []events.Event
	cancel  context.CancelFunc
	done    chan struct{}

	mu  sync.Mutex
	err error
}

// Events returns the batch channel.
func (s *Subscription) Events() <-chan []events.Event { return s.batches }

// Err returns the error that closed the stream, nil after a clean terminal.
func (s *Subscription) Err() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close detaches the subscriber. Idempotent.
func (s *Subscription) Close() { s.cancel() }

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Subscribe attaches a consumer to an execution's event stream starting at
// fromIndex. The first delivered event is a synthetic FLOW_SUBSCRIBED
// handshake; it is not persisted and carries no index ordering guarantees
// relative to the log. Records below index zero (the execution-created
// marker) are delivered exactly once regardless of fromIndex.
func (s *Service) Subscribe(ctx context.Context, executionID string, fromIndex int64) (*Subscription, error) {
	if executionID == "" {
		return nil, fmt.Errorf("execution id is empty")
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		batches: make(chan []events.Event),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.run(subCtx, sub, executionID, fromIndex)
	return sub, nil
}

func (s *Service) run(ctx context.Context, sub *Subscription, executionID string, fromIndex int64) {
	defer close(sub.done)
	defer close(sub.batches)

	pending := []events.Event{{
		ExecutionID: executionID,
		Index:       events.ExecutionCreatedIndex,
		Type:        events.FlowSubscribed,
		Timestamp:   time.Now().UTC(),
		Data:        &events.FlowSubscribedData{FromIndex: fromIndex},
	}}

	cursor := fromIndex
	seenNegative := make(map[int64]bool)
	flushAt := time.Now().Add(s.interval)

	flush := func() bool {
		if len(pending) == 0 {
			flushAt = time.Now().Add(s.interval)
			return true
		}
		batch := pending
		pending = nil
		flushAt = time.Now().Add(s.interval)
		select {
		case sub.batches <- batch:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		recs, err := s.store.ReadStream(ctx, executionID, KeyEvents, cursor, s.size)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Error().Err(err).Str("executionId", executionID).Msg("stream read failed")
				sub.fail(err)
			}
			return
		}

		progressed := false
		for _, rec := range recs {
			if rec.Index < 0 {
				if seenNegative[rec.Index] {
					continue
				}
				seenNegative[rec.Index] = true
			} else {
				cursor = rec.Index + 1
			}
			progressed = true

			ev, err := events.UnmarshalEvent(rec.Payload)
			if err != nil {
				s.log.Error().Err(err).
					Str("executionId", executionID).
					Int64("index", rec.Index).
					Msg("stream record unmarshal failed")
				sub.fail(err)
				return
			}
			pending = append(pending, ev)

			if len(pending) >= s.size {
				if !flush() {
					return
				}
			}
			if rec.Terminal {
				flush()
				return
			}
		}

		if !progressed || time.Now().After(flushAt) {
			if !flush() {
				return
			}
		}
		if progressed {
			continue
		}

		wait := time.Until(flushAt)
		if wait < time.Millisecond {
			wait = s.interval
		}
		if err := s.store.WaitStream(ctx, executionID, KeyEvents, cursor-1, wait); err != nil {
			if ctx.Err() == nil {
				sub.fail(err)
			}
			return
		}
	}
}
