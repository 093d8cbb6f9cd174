package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/badaitech/chaingraph-go/store"
)

const (
	// DefaultClaimTTL is how long a claim stays valid without a heartbeat.
	// A worker that dies mid-task loses the claim after this window and the
	// task becomes recoverable.
	DefaultClaimTTL = 60 * time.Second

	// DefaultHeartbeat is the claim-extension cadence, well inside the TTL.
	DefaultHeartbeat = 20 * time.Second

	// DefaultPollInterval is how often an idle consumer re-checks the queue.
	DefaultPollInterval = 500 * time.Millisecond
)

// Task is one claimed unit of work handed to a Handler.
type Task struct {
	ID         string
	Payload    json.RawMessage
	Attempt    int
	EnqueuedAt time.Time
	WorkerID   string
}

// Handler executes one task. The returned output is recorded on success; a
// returned error records the task as failed. The context is cancelled when
// the task deadline passes, the claim is lost or the consumer shuts down.
type Handler func(ctx context.Context, task *Task) (json.RawMessage, error)

// ConsumerConfig tunes a consumer loop. Zero values take the defaults above;
// zero concurrency values mean unlimited.
type ConsumerConfig struct {
	WorkerID          string
	WorkerConcurrency int
	GlobalConcurrency int
	ClaimTTL          time.Duration
	Heartbeat         time.Duration
	PollInterval      time.Duration
}

func (c *ConsumerConfig) defaults() {
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = DefaultClaimTTL
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
}

// Consume claims and executes tasks until ctx is cancelled, then waits for
// in-flight tasks to settle. Up to WorkerConcurrency tasks run at once on
// this consumer; GlobalConcurrency caps running tasks across all workers
// sharing the queue.
func (q *Queue) Consume(ctx context.Context, cfg ConsumerConfig, handler Handler) error {
	if cfg.WorkerID == "" {
		return fmt.Errorf("worker id is empty")
	}
	if handler == nil {
		return fmt.Errorf("handler is nil")
	}
	cfg.defaults()

	var wg sync.WaitGroup
	defer wg.Wait()

	// Claim slots bound local parallelism; the store enforces the global cap.
	var slots chan struct{}
	if cfg.WorkerConcurrency > 0 {
		slots = make(chan struct{}, cfg.WorkerConcurrency)
	}

	for {
		if slots != nil {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		row, err := q.claimNext(ctx, cfg)
		if err != nil {
			if slots != nil {
				<-slots
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.log.Error().Err(err).Msg("claim failed")
			select {
			case <-time.After(cfg.PollInterval):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if row == nil {
			if slots != nil {
				<-slots
			}
			select {
			case <-time.After(cfg.PollInterval):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		wg.Add(1)
		go func(row *store.WorkflowRow) {
			defer wg.Done()
			if slots != nil {
				defer func() { <-slots }()
			}
			q.runTask(ctx, cfg, row, handler)
		}(row)
	}
}

func (q *Queue) claimNext(ctx context.Context, cfg ConsumerConfig) (*store.WorkflowRow, error) {
	return q.store.ClaimWorkflow(ctx, store.ClaimRequest{
		QueueName:         q.name,
		AppVersion:        q.appVersion,
		WorkerID:          cfg.WorkerID,
		ClaimTTL:          cfg.ClaimTTL,
		GlobalConcurrency: cfg.GlobalConcurrency,
		WorkerConcurrency: cfg.WorkerConcurrency,
	})
}

// runTask executes one claimed row: heartbeat in the background, handler
// under the task deadline, terminal status recorded at the end. Completion
// uses a fresh context so a shutdown mid-record still persists the outcome.
func (q *Queue) runTask(ctx context.Context, cfg ConsumerConfig, row *store.WorkflowRow, handler Handler) {
	timeout := q.timeout
	if row.TimeoutMs > 0 {
		timeout = time.Duration(row.TimeoutMs) * time.Millisecond
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := q.store.ExtendClaim(taskCtx, row.ID, cfg.WorkerID, cfg.ClaimTTL); err != nil {
					q.log.Warn().Err(err).Str("taskId", row.ID).Msg("claim heartbeat failed")
					cancel()
					return
				}
			case <-taskCtx.Done():
				return
			}
		}
	}()

	log := q.log.With().Str("taskId", row.ID).Str("workerId", cfg.WorkerID).Logger()
	if row.RecoveryAttempts > 0 {
		log.Info().Int("attempt", row.RecoveryAttempts).Msg("recovering abandoned task")
	}

	output, err := handler(taskCtx, &Task{
		ID:         row.ID,
		Payload:    row.Input,
		Attempt:    row.RecoveryAttempts,
		EnqueuedAt: row.EnqueuedAt,
		WorkerID:   cfg.WorkerID,
	})
	cancel()
	<-hbDone

	// Never reuse taskCtx here: recording the outcome must survive the
	// deadline that killed the handler.
	recordCtx, recordCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer recordCancel()

	status := store.WorkflowSuccess
	errMsg := ""
	if err != nil {
		status = store.WorkflowError
		errMsg = err.Error()
		log.Error().Err(err).Msg("task failed")
	}
	if cerr := q.store.CompleteWorkflow(recordCtx, row.ID, status, output, errMsg); cerr != nil {
		// ErrTerminal here means someone else settled the row: a cancel, or
		// a recovery worker that took over after claim loss.
		log.Warn().Err(cerr).Msg("could not record task outcome")
	}
}
