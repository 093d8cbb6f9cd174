package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/badaitech/chaingraph-go/store"
)

// stepRunner numbers and checkpoints the orchestration steps of one workflow.
// Step ids are positional: the pipeline must call steps in the same order on
// every attempt so a resumed run replays the right checkpoints.
type stepRunner struct {
	store      store.Store
	workflowID string
	retry      RetryPolicy
	next       int
	log        zerolog.Logger
}

func newStepRunner(st store.Store, workflowID string, retry RetryPolicy, log zerolog.Logger) *stepRunner {
	return &stepRunner{store: st, workflowID: workflowID, retry: retry, log: log}
}

// runStep executes fn once per workflow: a completed checkpoint replays its
// recorded output instead of re-running the body, a failed checkpoint re-runs
// with an incremented attempt. Transient failures of the body retry in place
// up to the runner's retry budget before the failed checkpoint is written.
// The output must round-trip through JSON.
func runStep[T any](ctx context.Context, r *stepRunner, name string, fn func(context.Context) (T, error)) (T, error) {
	id := r.next
	r.next++
	var zero T

	attempt := 1
	existing, err := r.store.GetStep(ctx, r.workflowID, id)
	switch {
	case err == nil:
		if existing.Status == store.StepCompleted {
			var out T
			if len(existing.Output) > 0 {
				if uerr := json.Unmarshal(existing.Output, &out); uerr != nil {
					return zero, fmt.Errorf("step %s: replay checkpoint: %w", name, uerr)
				}
			}
			r.log.Debug().Str("step", name).Int("stepId", id).Msg("step replayed from checkpoint")
			return out, nil
		}
		attempt = existing.Attempt + 1
	case errors.Is(err, store.ErrNotFound):
		// First attempt.
	default:
		return zero, fmt.Errorf("step %s: load checkpoint: %w", name, err)
	}

	out, err := fn(ctx)
	for try := 1; err != nil && try < r.retry.MaxAttempts && r.retry.Retryable(err); try++ {
		delay := backoffDelay(try-1, r.retry.BaseDelay, r.retry.MaxDelay)
		r.log.Warn().Err(err).Str("step", name).Dur("backoff", delay).Msg("retrying step after transient failure")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("step %s: %w", name, ctx.Err())
		}
		out, err = fn(ctx)
	}
	row := store.StepRow{
		WorkflowID: r.workflowID,
		StepID:     id,
		Name:       name,
		Attempt:    attempt,
	}
	if err != nil {
		row.Status = store.StepFailed
		row.Error = err.Error()
		if serr := r.store.SaveStep(ctx, row); serr != nil {
			r.log.Error().Err(serr).Str("step", name).Msg("could not record failed step")
		}
		return zero, fmt.Errorf("step %s: %w", name, err)
	}

	encoded, merr := json.Marshal(out)
	if merr != nil {
		return zero, fmt.Errorf("step %s: encode checkpoint: %w", name, merr)
	}
	row.Status = store.StepCompleted
	row.Output = encoded
	if serr := r.store.SaveStep(ctx, row); serr != nil {
		return zero, fmt.Errorf("step %s: save checkpoint: %w", name, serr)
	}
	return out, nil
}
