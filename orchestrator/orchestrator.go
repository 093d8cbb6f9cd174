// Package orchestrator drives one claimed execution task end to end through
// checkpointed steps: create the execution, wait for its start signal, run
// the engine with durable event appends, fan out child executions and record
// the terminal status. A worker that crashes mid-run loses its claim; the
// next worker replays completed steps from checkpoints and resumes where the
// previous attempt stopped.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/badaitech/chaingraph-go/engine"
	"github.com/badaitech/chaingraph-go/events"
	"github.com/badaitech/chaingraph-go/flow"
	"github.com/badaitech/chaingraph-go/queue"
	"github.com/badaitech/chaingraph-go/store"
	"github.com/badaitech/chaingraph-go/stream"
)

// Config tunes orchestration behavior. Zero values take the defaults.
type Config struct {
	// MaxDepth bounds child-spawn chains. A spawn that would exceed it
	// fails the parent execution.
	MaxDepth int

	// RootStartTimeout is how long a root execution waits for its start
	// signal before failing.
	RootStartTimeout time.Duration

	// ChildStartTimeout is the auto-signal window for child executions:
	// the spawner publishes the signal at enqueue time, and a child that
	// somehow missed it proceeds anyway after this long.
	ChildStartTimeout time.Duration

	// DebugPollInterval bounds one blocking read on the debug command
	// topic. Only executions running with debug enabled read the topic.
	DebugPollInterval time.Duration

	// ParentPollInterval is how often a child checks whether its parent
	// reached a terminal status.
	ParentPollInterval time.Duration

	// ChildPollInterval is how often a parent re-checks awaited children.
	ChildPollInterval time.Duration

	// Parallelism is the engine's in-process concurrent node limit.
	Parallelism int

	// StepRetry bounds in-step retries of transient store failures before a
	// step is checkpointed as failed.
	StepRetry RetryPolicy
}

func (c *Config) defaults() {
	if c.MaxDepth <= 0 {
		c.MaxDepth = 16
	}
	if c.RootStartTimeout <= 0 {
		c.RootStartTimeout = 5 * time.Minute
	}
	if c.ChildStartTimeout <= 0 {
		c.ChildStartTimeout = 10 * time.Second
	}
	if c.DebugPollInterval <= 0 {
		c.DebugPollInterval = 5 * time.Second
	}
	if c.ParentPollInterval <= 0 {
		c.ParentPollInterval = time.Second
	}
	if c.ChildPollInterval <= 0 {
		c.ChildPollInterval = 500 * time.Millisecond
	}
	c.StepRetry.defaults()
}

// Orchestrator turns claimed queue tasks into finished executions.
type Orchestrator struct {
	store    store.Store
	queue    *queue.Queue
	registry *flow.Registry
	cfg      Config
	log      zerolog.Logger
	emitter  events.Emitter
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) OrchestratorOption {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithLogger sets the orchestrator logger.
func WithLogger(log zerolog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.log = log }
}

// WithEmitter tees engine events to an additional emitter besides the
// durable stream append (metrics, tracing, test capture).
func WithEmitter(em events.Emitter) OrchestratorOption {
	return func(o *Orchestrator) { o.emitter = em }
}

// New creates an orchestrator over the given store, queue and node registry.
// A nil registry uses the process-wide default.
func New(st store.Store, q *queue.Queue, registry *flow.Registry, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:    st,
		queue:    q,
		registry: registry,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.cfg.defaults()
	return o
}

// Handler adapts the orchestrator to the queue's consumer interface.
func (o *Orchestrator) Handler() queue.Handler {
	return func(ctx context.Context, qt *queue.Task) (json.RawMessage, error) {
		return o.Run(ctx, qt)
	}
}

// runResult is the checkpointed output of the engine step: everything the
// later steps need, so a resumed attempt never re-runs a finished flow.
type runResult struct {
	Status         string              `json:"status"`
	Error          string              `json:"error,omitempty"`
	FailedNode     string              `json:"failedNode,omitempty"`
	Children       []engine.ChildSpawn `json:"children,omitempty"`
	StrictChildren bool                `json:"strictChildren,omitempty"`
}

// Run executes one claimed task. The returned output is recorded on the
// queue row; a non-nil error marks the task failed.
func (o *Orchestrator) Run(ctx context.Context, qt *queue.Task) (json.RawMessage, error) {
	task, err := DecodeTask(qt.Payload)
	if err != nil {
		return nil, err
	}
	log := o.log.With().
		Str("executionId", task.ExecutionID).
		Int("depth", task.Depth).
		Logger()
	if qt.Attempt > 0 {
		log.Info().Int("attempt", qt.Attempt).Msg("resuming execution from checkpoints")
	}

	r := newStepRunner(o.store, task.ExecutionID, o.cfg.StepRetry, log)

	if _, err := runStep(ctx, r, "createExecution", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.createExecution(ctx, task)
	}); err != nil {
		return o.failEarly(ctx, task, err)
	}

	if _, err := runStep(ctx, r, "waitStartSignal", func(ctx context.Context) (bool, error) {
		return o.waitStartSignal(ctx, task, log)
	}); err != nil {
		return o.failEarly(ctx, task, err)
	}

	if _, err := runStep(ctx, r, "updateToRunning", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.store.UpdateExecutionStatus(ctx, task.ExecutionID, store.ExecutionRunning, "")
	}); err != nil {
		return o.failEarly(ctx, task, err)
	}

	res, err := runStep(ctx, r, "runFlow", func(ctx context.Context) (runResult, error) {
		return o.runFlow(ctx, task, log)
	})
	if err != nil {
		return o.failEarly(ctx, task, err)
	}

	// Only completed flows fan out: a failed or stopped run never spawns the
	// children it collected. The branch is stable across attempts because the
	// runFlow checkpoint replays the same result.
	var childIDs []string
	if res.Status == string(engine.StatusCompleted) {
		childIDs, err = runStep(ctx, r, "spawnChildren", func(ctx context.Context) ([]string, error) {
			return o.spawnChildren(ctx, task, res.Children, log)
		})
		if err != nil {
			return o.failEarly(ctx, task, err)
		}

		if childErr := o.awaitChildren(ctx, childIDs, res.StrictChildren, log); childErr != nil {
			res.Status = string(engine.StatusFailed)
			res.Error = childErr.Error()
		}
	}

	if _, err := runStep(ctx, r, "finalize", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.finalize(ctx, task.ExecutionID, res)
	}); err != nil {
		return o.failEarly(ctx, task, err)
	}

	out := Output{
		Status:            res.Status,
		Error:             res.Error,
		FailedNode:        res.FailedNode,
		ChildExecutionIDs: childIDs,
	}
	if res.Status == string(engine.StatusFailed) {
		return out.encode(), fmt.Errorf("execution failed: %s", res.Error)
	}
	log.Info().Str("status", res.Status).Msg("execution finished")
	return out.encode(), nil
}

// createExecution inserts the execution row and the EXECUTION_CREATED stream
// marker at the reserved index. Both writes are idempotent, so a replayed
// attempt is harmless.
func (o *Orchestrator) createExecution(ctx context.Context, task *Task) error {
	rootID := task.RootExecutionID
	if rootID == "" {
		rootID = task.ExecutionID
	}
	var eventData json.RawMessage
	if task.EventData != nil {
		eventData, _ = json.Marshal(task.EventData)
	}
	var integrations json.RawMessage
	if len(task.Integrations) > 0 {
		integrations, _ = json.Marshal(task.Integrations)
	}

	var state flow.State
	if err := json.Unmarshal(task.FlowState, &state); err != nil {
		return fmt.Errorf("parse flow state: %w", err)
	}

	err := o.store.CreateExecution(ctx, store.ExecutionRow{
		ID:                 task.ExecutionID,
		FlowID:             state.ID,
		OwnerID:            task.OwnerID,
		Status:             store.ExecutionCreated,
		Debug:              task.Debug,
		RootExecutionID:    rootID,
		ParentExecutionID:  task.ParentExecutionID,
		ExecutionDepth:     task.Depth,
		IntegrationContext: integrations,
		EventData:          eventData,
	})
	if err != nil {
		return fmt.Errorf("create execution row: %w", err)
	}

	created := events.Event{
		ExecutionID: task.ExecutionID,
		Index:       events.ExecutionCreatedIndex,
		Type:        events.ExecutionCreated,
		Timestamp:   time.Now().UTC(),
		Data: &events.ExecutionCreatedData{
			FlowID:            state.ID,
			OwnerID:           task.OwnerID,
			Debug:             task.Debug,
			RootExecutionID:   rootID,
			ParentExecutionID: task.ParentExecutionID,
			ExecutionDepth:    task.Depth,
		},
	}
	payload, err := created.Marshal()
	if err != nil {
		return err
	}
	return o.store.AppendStream(ctx, store.StreamRecord{
		WorkflowID: task.ExecutionID,
		StreamKey:  stream.KeyEvents,
		Index:      events.ExecutionCreatedIndex,
		Payload:    payload,
		WrittenAt:  created.Timestamp,
	})
}

// waitStartSignal blocks until the execution's start signal is visible on its
// signal stream. The signal is an idempotent append, never consumed, so an
// attempt resumed after a crash observes the same signal as its predecessor.
// Roots fail after the root timeout; children were signalled at enqueue time
// and proceed after their window even without one.
func (o *Orchestrator) waitStartSignal(ctx context.Context, task *Task, log zerolog.Logger) (bool, error) {
	wait := o.cfg.RootStartTimeout
	if !task.Root() {
		wait = o.cfg.ChildStartTimeout
	}
	deadline := time.Now().Add(wait)
	for {
		recs, err := o.store.ReadStream(ctx, task.ExecutionID, stream.KeySignals, 0, 1)
		if err != nil {
			return false, fmt.Errorf("wait start signal: %w", err)
		}
		for _, rec := range recs {
			var sig SignalMessage
			if err := json.Unmarshal(rec.Payload, &sig); err != nil || sig.Type != SignalStart {
				log.Warn().RawJSON("payload", rec.Payload).Msg("ignoring unexpected signal")
				continue
			}
			return true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if task.Root() {
				return false, fmt.Errorf("%w after %s", ErrStartTimeout, wait)
			}
			log.Debug().Msg("child auto-signal window elapsed, starting")
			return false, nil
		}
		if err := o.store.WaitStream(ctx, task.ExecutionID, stream.KeySignals, -1, remaining); err != nil {
			return false, fmt.Errorf("wait start signal: %w", err)
		}
	}
}

// runFlow deserializes the flow and drives the engine, appending every event
// to the durable stream as it is emitted.
func (o *Orchestrator) runFlow(ctx context.Context, task *Task, log zerolog.Logger) (runResult, error) {
	fl, err := flow.Deserialize(task.FlowState, o.registry)
	if err != nil {
		return runResult{}, fmt.Errorf("deserialize flow: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	appender := stream.NewAppender(runCtx, o.store, log)
	tees := events.MultiEmitter{appender}
	if task.Debug {
		tees = append(tees, &pauseTracker{
			ctx:         runCtx,
			store:       o.store,
			executionID: task.ExecutionID,
			log:         log,
		})
	}
	if o.emitter != nil {
		tees = append(tees, o.emitter)
	}
	emitter := events.Emitter(tees)
	if len(tees) == 1 {
		emitter = appender
	}

	opts := []engine.ContextOption{
		engine.WithDebug(task.Debug),
		engine.WithEmitter(emitter),
		engine.WithIntegrations(task.Integrations),
	}
	if !task.Root() {
		rootID := task.RootExecutionID
		if rootID == "" {
			rootID = task.ParentExecutionID
		}
		opts = append(opts, engine.WithEventData(task.ParentExecutionID, rootID, task.Depth, task.EventData))
	}
	ec := engine.NewContext(task.ExecutionID, opts...)

	if task.Debug {
		go o.debugLoop(runCtx, task.ExecutionID, ec.Commands(), ec.Abort(), log)
	}
	if !task.Root() {
		go o.parentMonitor(runCtx, task.ParentExecutionID, ec.Abort(), log)
	}

	engineOpts := []engine.Option{engine.WithParallelism(o.cfg.Parallelism)}
	for _, nodeID := range task.Breakpoints {
		engineOpts = append(engineOpts, engine.WithBreakpoint(nodeID))
	}

	res, err := engine.New(fl, engineOpts...).Execute(ctx, ec)
	if err != nil {
		return runResult{}, fmt.Errorf("engine: %w", err)
	}
	if aerr := appender.Err(); aerr != nil {
		return runResult{}, fmt.Errorf("event stream truncated: %w", aerr)
	}
	return runResult{
		Status:         string(res.Status),
		Error:          res.Error,
		FailedNode:     res.FailedNode,
		Children:       res.ChildTasks,
		StrictChildren: fl.Metadata.StrictChildFailure,
	}, nil
}

// pauseTracker mirrors debug pause transitions onto the execution row, so
// observers polling the row see paused sessions instead of running.
type pauseTracker struct {
	ctx         context.Context
	store       store.Store
	executionID string
	log         zerolog.Logger
}

func (p *pauseTracker) Emit(ev events.Event) {
	var status store.ExecutionStatus
	switch ev.Type {
	case events.FlowPaused:
		status = store.ExecutionPaused
	case events.FlowResumed:
		status = store.ExecutionRunning
	default:
		return
	}
	if err := p.store.UpdateExecutionStatus(p.ctx, p.executionID, status, ""); err != nil && !errors.Is(err, store.ErrTerminal) {
		p.log.Warn().Err(err).Str("status", string(status)).Msg("could not mirror pause state")
	}
}

// debugLoop consumes the debug command topic while the engine runs. STOP
// aborts; everything else feeds the command controller.
func (o *Orchestrator) debugLoop(ctx context.Context, executionID string, commands *engine.CommandController, abort *engine.AbortController, log zerolog.Logger) {
	for ctx.Err() == nil {
		msg, err := o.store.ConsumeMessage(ctx, executionID, TopicDebug, o.cfg.DebugPollInterval)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("debug command read failed")
			}
			return
		}
		if msg == nil {
			continue
		}
		var cmd DebugMessage
		if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
			log.Warn().RawJSON("payload", msg.Payload).Msg("ignoring malformed debug command")
			continue
		}
		log.Debug().Str("command", cmd.Command).Msg("debug command received")
		if engine.Command(cmd.Command) == engine.CommandStop {
			abort.Abort("stop requested")
			return
		}
		commands.Apply(engine.Command(cmd.Command))
	}
}

// parentMonitor aborts a child once its parent reaches a terminal status, so
// orphaned children do not outlive the execution tree.
func (o *Orchestrator) parentMonitor(ctx context.Context, parentID string, abort *engine.AbortController, log zerolog.Logger) {
	ticker := time.NewTicker(o.cfg.ParentPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			row, err := o.store.GetExecution(ctx, parentID)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, store.ErrNotFound) {
					log.Warn().Err(err).Msg("parent status check failed")
				}
				continue
			}
			if store.TerminalExecution(row.Status) {
				abort.Abort("parent execution " + string(row.Status))
				return
			}
		}
	}
}

// spawnChildren enqueues one child execution per emitted event: a queued
// execution row, the workflow row and the start signal. Child ids derive from
// the parent id and spawn ordinal, so a replayed step re-enqueues the same
// ids and deduplication absorbs them; the signal append is idempotent.
func (o *Orchestrator) spawnChildren(ctx context.Context, task *Task, spawns []engine.ChildSpawn, log zerolog.Logger) ([]string, error) {
	if len(spawns) == 0 {
		return nil, nil
	}
	if task.Depth+1 > o.cfg.MaxDepth {
		return nil, fmt.Errorf("%w: depth %d exceeds limit %d", engine.ErrDepthExceeded, task.Depth+1, o.cfg.MaxDepth)
	}
	rootID := task.RootExecutionID
	if rootID == "" {
		rootID = task.ExecutionID
	}
	var state struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(task.FlowState, &state)

	ids := make([]string, 0, len(spawns))
	for i, spawn := range spawns {
		childID := childExecutionID(task.ExecutionID, i)
		child := &Task{
			ExecutionID:       childID,
			FlowState:         task.FlowState,
			OwnerID:           task.OwnerID,
			RootExecutionID:   rootID,
			ParentExecutionID: task.ExecutionID,
			Depth:             task.Depth + 1,
			EventData: &flow.EventData{
				EventName: spawn.EventName,
				Payload:   spawn.Payload,
			},
			Integrations: task.Integrations,
		}
		payload, err := EncodeTask(child)
		if err != nil {
			return nil, err
		}
		eventData, _ := json.Marshal(child.EventData)
		var integrations json.RawMessage
		if len(child.Integrations) > 0 {
			integrations, _ = json.Marshal(child.Integrations)
		}
		err = o.store.CreateExecution(ctx, store.ExecutionRow{
			ID:                 childID,
			FlowID:             state.ID,
			OwnerID:            child.OwnerID,
			Status:             store.ExecutionQueued,
			RootExecutionID:    rootID,
			ParentExecutionID:  task.ExecutionID,
			ExecutionDepth:     child.Depth,
			IntegrationContext: integrations,
			EventData:          eventData,
		})
		if err != nil {
			return nil, fmt.Errorf("create child row %s: %w", childID, err)
		}
		if _, err := o.queue.Enqueue(ctx, childID, payload); err != nil {
			return nil, fmt.Errorf("enqueue child %s: %w", childID, err)
		}
		if err := PublishStartSignal(ctx, o.store, childID); err != nil {
			return nil, fmt.Errorf("signal child %s: %w", childID, err)
		}
		log.Info().Str("childId", childID).Str("eventName", spawn.EventName).Msg("child execution enqueued")
		ids = append(ids, childID)
	}
	return ids, nil
}

// awaitChildren polls spawned children to terminal status. With strict child
// failure the first failed or cancelled child fails the parent; otherwise
// failures are logged and the parent completes.
func (o *Orchestrator) awaitChildren(ctx context.Context, childIDs []string, strict bool, log zerolog.Logger) error {
	var firstErr error
	for _, id := range childIDs {
		for {
			res, err := o.queue.GetResult(ctx, id)
			if err == nil {
				if res.Status != queue.StatusSuccess {
					log.Warn().Str("childId", id).Str("status", string(res.Status)).Str("error", res.Error).Msg("child execution did not succeed")
					if strict && firstErr == nil {
						firstErr = fmt.Errorf("child execution %s %s: %s", id, res.Status, res.Error)
					}
				}
				break
			}
			if !errors.Is(err, queue.ErrNotFinished) {
				return fmt.Errorf("await child %s: %w", id, err)
			}
			select {
			case <-time.After(o.cfg.ChildPollInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if strict {
		return firstErr
	}
	return nil
}

// finalize records the execution's terminal status.
func (o *Orchestrator) finalize(ctx context.Context, executionID string, res runResult) error {
	status := store.ExecutionCompleted
	switch engine.Status(res.Status) {
	case engine.StatusFailed:
		status = store.ExecutionFailed
	case engine.StatusStopped:
		status = store.ExecutionStopped
	}
	err := o.store.UpdateExecutionStatus(ctx, executionID, status, res.Error)
	if errors.Is(err, store.ErrTerminal) {
		return nil
	}
	return err
}

// failEarly settles an execution that broke before or between steps: the row
// flips to failed and, when the engine never emitted a terminal event, one
// FLOW_FAILED record closes the stream for subscribers.
func (o *Orchestrator) failEarly(ctx context.Context, task *Task, cause error) (json.RawMessage, error) {
	if uerr := o.store.UpdateExecutionStatus(ctx, task.ExecutionID, store.ExecutionFailed, cause.Error()); uerr != nil && !errors.Is(uerr, store.ErrTerminal) && !errors.Is(uerr, store.ErrNotFound) {
		o.log.Error().Err(uerr).Str("executionId", task.ExecutionID).Msg("could not mark execution failed")
	}
	if err := o.closeStreamFailed(ctx, task.ExecutionID, cause); err != nil {
		o.log.Error().Err(err).Str("executionId", task.ExecutionID).Msg("could not close event stream")
	}
	return Output{Status: string(engine.StatusFailed), Error: cause.Error()}.encode(), cause
}

// closeStreamFailed appends a terminal FLOW_FAILED unless the stream already
// has one.
func (o *Orchestrator) closeStreamFailed(ctx context.Context, executionID string, cause error) error {
	recs, err := o.store.ReadStream(ctx, executionID, stream.KeyEvents, 0, 0)
	if err != nil {
		return err
	}
	next := int64(0)
	for _, rec := range recs {
		if rec.Terminal {
			return nil
		}
		if rec.Index >= next {
			next = rec.Index + 1
		}
	}
	ev := events.Event{
		ExecutionID: executionID,
		Index:       next,
		Type:        events.FlowFailed,
		Timestamp:   time.Now().UTC(),
		Data:        &events.FlowErrorData{Error: cause.Error()},
	}
	payload, err := ev.Marshal()
	if err != nil {
		return err
	}
	return o.store.AppendStream(ctx, store.StreamRecord{
		WorkflowID: executionID,
		StreamKey:  stream.KeyEvents,
		Index:      next,
		Payload:    payload,
		WrittenAt:  ev.Timestamp,
		Terminal:   true,
	})
}
