package orchestrator

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/badaitech/chaingraph-go/engine"
	"github.com/badaitech/chaingraph-go/flow"
	"github.com/badaitech/chaingraph-go/store"
)

// RetryPolicy bounds in-step retries of transient failures. A step body that
// keeps failing past the budget is checkpointed as failed and the error
// propagates; permanent failures never retry.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries including the first. Values
	// below 1 mean the default; 1 disables retries.
	MaxAttempts int

	// BaseDelay is the backoff base: retry n waits
	// min(BaseDelay * 2^n, MaxDelay) plus jitter up to BaseDelay.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// Retryable classifies errors. Nil uses the default classifier, which
	// retries everything except outcome-shaped failures (validation,
	// not-found, timeouts, terminal rows, cancelled contexts).
	Retryable func(error) bool
}

func (p *RetryPolicy) defaults() {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = 2 * time.Second
	}
	if p.Retryable == nil {
		p.Retryable = transient
	}
}

// transient reports whether an error looks like a connectivity hiccup worth
// retrying. Outcome-shaped errors are permanent: re-running the step cannot
// change their result.
func transient(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrStartTimeout),
		errors.Is(err, engine.ErrDepthExceeded),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrTerminal),
		errors.Is(err, store.ErrClaimLost),
		errors.Is(err, flow.ErrUnknownNodeType),
		errors.Is(err, flow.ErrInvalidEdge),
		errors.Is(err, flow.ErrCycle):
		return false
	}
	var verr *flow.ValidationError
	return !errors.As(err, &verr)
}

// backoffDelay computes the wait before retry n: exponential growth capped at
// max, plus jitter up to base so concurrent workers do not retry in lockstep.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base * (1 << attempt)
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay + time.Duration(rand.Int63n(int64(base)))
}
