package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/badaitech/chaingraph-go/engine"
	"github.com/badaitech/chaingraph-go/events"
	"github.com/badaitech/chaingraph-go/flow"
	"github.com/badaitech/chaingraph-go/queue"
	"github.com/badaitech/chaingraph-go/store"
	"github.com/badaitech/chaingraph-go/stream"
)

// faultStore wraps a Store and breaks selected operations, simulating
// connectivity hiccups and worker crashes.
type faultStore struct {
	store.Store
	statusFails atomic.Int32 // remaining UpdateExecutionStatus failures
	statusCalls atomic.Int32
	crashStepID int // SaveStep of this step id panics while crashes remain
	crashes     atomic.Int32
	debugReads  atomic.Int32
}

func (f *faultStore) UpdateExecutionStatus(ctx context.Context, id string, status store.ExecutionStatus, errMsg string) error {
	f.statusCalls.Add(1)
	if f.statusFails.Add(-1) >= 0 {
		return fmt.Errorf("connection reset by peer")
	}
	return f.Store.UpdateExecutionStatus(ctx, id, status, errMsg)
}

func (f *faultStore) SaveStep(ctx context.Context, step store.StepRow) error {
	if step.StepID == f.crashStepID && f.crashes.Add(-1) >= 0 {
		panic("worker lost")
	}
	return f.Store.SaveStep(ctx, step)
}

func (f *faultStore) ConsumeMessage(ctx context.Context, workflowID, topic string, wait time.Duration) (*store.Message, error) {
	if topic == TopicDebug {
		f.debugReads.Add(1)
	}
	return f.Store.ConsumeMessage(ctx, workflowID, topic, wait)
}

func waitForExecutionStatus(t *testing.T, st store.Store, id string, want store.ExecutionStatus) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		row, err := st.GetExecution(context.Background(), id)
		if err == nil && row.Status == want {
			return
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("execution %s never reached %s (now %s, err %v)", id, want, row.Status, err)
		}
	}
}

func testConfig() Config {
	return Config{
		MaxDepth:           4,
		RootStartTimeout:   5 * time.Second,
		ChildStartTimeout:  time.Second,
		DebugPollInterval:  100 * time.Millisecond,
		ParentPollInterval: 50 * time.Millisecond,
		ChildPollInterval:  20 * time.Millisecond,
	}
}

func consumerConfig(workerID string) queue.ConsumerConfig {
	return queue.ConsumerConfig{
		WorkerID:          workerID,
		WorkerConcurrency: 4,
		ClaimTTL:          5 * time.Second,
		Heartbeat:         time.Second,
		PollInterval:      10 * time.Millisecond,
	}
}

// stringOutNode produces a fixed string on its "out" port and counts its
// executions, so tests can assert checkpoint replay skips the engine.
func registerStringOut(reg *flow.Registry, typ, value string, runs *atomic.Int32) {
	reg.Register(typ, func(id string) (flow.Node, error) {
		n := flow.NewFuncNode(id, typ, func(ctx context.Context, node *flow.FuncNode, ec flow.ExecutionContext) error {
			if runs != nil {
				runs.Add(1)
			}
			out, _ := node.Port("out")
			return out.SetValue(value)
		})
		err := n.Initialize([]*flow.Port{
			flow.NewPort("out", flow.Output, &flow.Config{Kind: flow.KindString}),
		})
		return n, err
	})
}

func registerSink(reg *flow.Registry, typ string, got chan<- any) {
	reg.Register(typ, func(id string) (flow.Node, error) {
		n := flow.NewFuncNode(id, typ, func(ctx context.Context, node *flow.FuncNode, ec flow.ExecutionContext) error {
			in, _ := node.Port("in")
			v, _ := in.Value()
			if got != nil {
				got <- v
			}
			return nil
		})
		err := n.Initialize([]*flow.Port{
			flow.NewPort("in", flow.Input, &flow.Config{Kind: flow.KindString}),
		})
		return n, err
	})
}

func serializeFlow(t *testing.T, fl *flow.Flow) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(fl.Serialize())
	if err != nil {
		t.Fatalf("serialize flow: %v", err)
	}
	return data
}

func linearFlow(t *testing.T, reg *flow.Registry, runs *atomic.Int32) json.RawMessage {
	t.Helper()
	registerStringOut(reg, "test:source", "hello", runs)
	registerSink(reg, "test:sink", nil)

	fl := flow.New("flow-1", flow.FlowMetadata{Name: "linear"})
	src, err := reg.New("test:source", "src")
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	sink, err := reg.New("test:sink", "sink")
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	if err := fl.AddNode(src); err != nil {
		t.Fatalf("add node: %v", err)
	}
	if err := fl.AddNode(sink); err != nil {
		t.Fatalf("add node: %v", err)
	}
	err = fl.AddEdge(&flow.Edge{
		Source: flow.Endpoint{NodeID: "src", PortID: "out"},
		Target: flow.Endpoint{NodeID: "sink", PortID: "in"},
		Status: flow.EdgeActive,
	})
	if err != nil {
		t.Fatalf("add edge: %v", err)
	}
	return serializeFlow(t, fl)
}

func startSignal(t *testing.T, st store.Store, executionID string) {
	t.Helper()
	if err := PublishStartSignal(context.Background(), st, executionID); err != nil {
		t.Fatalf("publish signal: %v", err)
	}
}

func enqueueTask(t *testing.T, q *queue.Queue, task *Task) {
	t.Helper()
	payload, err := EncodeTask(task)
	if err != nil {
		t.Fatalf("encode task: %v", err)
	}
	if _, err := q.Enqueue(context.Background(), task.ExecutionID, payload); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func awaitQueueResult(t *testing.T, q *queue.Queue, id string, within time.Duration) queue.Result {
	t.Helper()
	deadline := time.After(within)
	for {
		res, err := q.GetResult(context.Background(), id)
		if err == nil {
			return res
		}
		select {
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			status, _ := q.Status(context.Background(), id)
			t.Fatalf("task %s never finished (status %s)", id, status)
		}
	}
}

func TestRunLifecycle(t *testing.T) {
	st := store.NewMemoryStore()
	q := queue.New(st, "v1")
	reg := flow.NewRegistry()
	orch := New(st, q, reg, WithConfig(testConfig()))

	var runs atomic.Int32
	task := &Task{ExecutionID: "ex-1", FlowState: linearFlow(t, reg, &runs)}
	enqueueTask(t, q, task)
	startSignal(t, st, "ex-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Consume(ctx, consumerConfig("w1"), orch.Handler()) }()

	res := awaitQueueResult(t, q, "ex-1", 5*time.Second)
	if res.Status != queue.StatusSuccess {
		t.Fatalf("queue status = %s (%s)", res.Status, res.Error)
	}
	var out Output
	if err := json.Unmarshal(res.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.Status != string(engine.StatusCompleted) {
		t.Fatalf("output status = %s", out.Status)
	}
	if runs.Load() != 1 {
		t.Fatalf("source ran %d times, want 1", runs.Load())
	}

	row, err := st.GetExecution(ctx, "ex-1")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if row.Status != store.ExecutionCompleted {
		t.Fatalf("execution status = %s", row.Status)
	}
	if row.StartedAt == nil || row.CompletedAt == nil {
		t.Fatal("execution timestamps not stamped")
	}

	recs, err := st.ReadStream(ctx, "ex-1", stream.KeyEvents, 0, 0)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if len(recs) < 3 {
		t.Fatalf("stream has %d records", len(recs))
	}
	if recs[0].Index != events.ExecutionCreatedIndex {
		t.Fatalf("first record index = %d, want -1", recs[0].Index)
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].Index != recs[i-1].Index+1 {
			t.Fatalf("indices not contiguous: %d then %d", recs[i-1].Index, recs[i].Index)
		}
	}
	last := recs[len(recs)-1]
	if !last.Terminal {
		t.Fatal("last record not terminal")
	}
	ev, err := events.UnmarshalEvent(last.Payload)
	if err != nil {
		t.Fatalf("unmarshal terminal: %v", err)
	}
	if ev.Type != events.FlowCompleted {
		t.Fatalf("terminal type = %s", ev.Type)
	}
}

func TestRootStartSignalTimeout(t *testing.T) {
	st := store.NewMemoryStore()
	q := queue.New(st, "v1")
	reg := flow.NewRegistry()
	cfg := testConfig()
	cfg.RootStartTimeout = 100 * time.Millisecond
	orch := New(st, q, reg, WithConfig(cfg))

	task := &Task{ExecutionID: "ex-timeout", FlowState: linearFlow(t, reg, nil)}
	enqueueTask(t, q, task)
	// No signal published.

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Consume(ctx, consumerConfig("w1"), orch.Handler()) }()

	res := awaitQueueResult(t, q, "ex-timeout", 5*time.Second)
	if res.Status != queue.StatusError {
		t.Fatalf("queue status = %s, want error", res.Status)
	}

	row, err := st.GetExecution(ctx, "ex-timeout")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if row.Status != store.ExecutionFailed {
		t.Fatalf("execution status = %s, want failed", row.Status)
	}

	recs, err := st.ReadStream(ctx, "ex-timeout", stream.KeyEvents, 0, 0)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	last := recs[len(recs)-1]
	if !last.Terminal {
		t.Fatal("stream not closed after early failure")
	}
	ev, err := events.UnmarshalEvent(last.Payload)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != events.FlowFailed {
		t.Fatalf("terminal type = %s, want FLOW_FAILED", ev.Type)
	}
}

func TestRunReplaysFromCheckpoints(t *testing.T) {
	st := store.NewMemoryStore()
	q := queue.New(st, "v1")
	reg := flow.NewRegistry()
	orch := New(st, q, reg, WithConfig(testConfig()))

	var runs atomic.Int32
	task := &Task{ExecutionID: "ex-replay", FlowState: linearFlow(t, reg, &runs)}
	payload, err := EncodeTask(task)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	startSignal(t, st, "ex-replay")

	ctx := context.Background()
	qt := &queue.Task{ID: "ex-replay", Payload: payload}
	firstOut, err := orch.Run(ctx, qt)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}

	// A second attempt simulates the post-crash worker: every step replays
	// from its checkpoint, the engine does not run again and the stream gains
	// no records.
	recsBefore, _ := st.ReadStream(ctx, "ex-replay", stream.KeyEvents, 0, 0)
	qt.Attempt = 1
	secondOut, err := orch.Run(ctx, qt)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if runs.Load() != 1 {
		t.Fatalf("source ran %d times across attempts, want 1", runs.Load())
	}
	if string(firstOut) != string(secondOut) {
		t.Fatalf("outputs differ:\n%s\n%s", firstOut, secondOut)
	}
	recsAfter, _ := st.ReadStream(ctx, "ex-replay", stream.KeyEvents, 0, 0)
	if len(recsAfter) != len(recsBefore) {
		t.Fatalf("replay grew the stream: %d -> %d", len(recsBefore), len(recsAfter))
	}
}

func TestChildSpawnAndJoin(t *testing.T) {
	st := store.NewMemoryStore()
	q := queue.New(st, "v1")
	reg := flow.NewRegistry()
	orch := New(st, q, reg, WithConfig(testConfig()))

	reg.Register("test:emitter", func(id string) (flow.Node, error) {
		n := flow.NewFuncNode(id, "test:emitter", func(ctx context.Context, node *flow.FuncNode, ec flow.ExecutionContext) error {
			ec.EmitEvent("user.created", "payload-1")
			return nil
		})
		return n, n.Initialize(nil)
	})

	heard := make(chan any, 1)
	reg.Register("test:listener", func(id string) (flow.Node, error) {
		n := flow.NewFuncNode(id, "test:listener", func(ctx context.Context, node *flow.FuncNode, ec flow.ExecutionContext) error {
			in, _ := node.Port("in")
			v, _ := in.Value()
			select {
			case heard <- v:
			default:
			}
			return nil
		})
		n.SetEventName("user.created")
		err := n.Initialize([]*flow.Port{
			flow.NewPort("in", flow.Input, &flow.Config{Kind: flow.KindAny}),
		})
		return n, err
	})

	fl := flow.New("flow-children", flow.FlowMetadata{Name: "spawning"})
	em, _ := reg.New("test:emitter", "emit")
	ln, _ := reg.New("test:listener", "listen")
	if err := fl.AddNode(em); err != nil {
		t.Fatalf("add node: %v", err)
	}
	if err := fl.AddNode(ln); err != nil {
		t.Fatalf("add node: %v", err)
	}

	task := &Task{ExecutionID: "ex-parent", FlowState: serializeFlow(t, fl)}
	enqueueTask(t, q, task)
	startSignal(t, st, "ex-parent")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Consume(ctx, consumerConfig("w1"), orch.Handler()) }()

	res := awaitQueueResult(t, q, "ex-parent", 10*time.Second)
	if res.Status != queue.StatusSuccess {
		t.Fatalf("parent status = %s (%s)", res.Status, res.Error)
	}
	var out Output
	if err := json.Unmarshal(res.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(out.ChildExecutionIDs) != 1 {
		t.Fatalf("child ids = %v, want one", out.ChildExecutionIDs)
	}

	select {
	case v := <-heard:
		if v != "payload-1" {
			t.Fatalf("listener payload = %v", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("listener never ran in child execution")
	}

	childID := out.ChildExecutionIDs[0]
	child, err := st.GetExecution(ctx, childID)
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if child.ParentExecutionID != "ex-parent" || child.RootExecutionID != "ex-parent" {
		t.Fatalf("child lineage = %+v", child)
	}
	if child.ExecutionDepth != 1 {
		t.Fatalf("child depth = %d, want 1", child.ExecutionDepth)
	}
	if child.Status != store.ExecutionCompleted {
		t.Fatalf("child status = %s", child.Status)
	}
	if childID != childExecutionID("ex-parent", 0) {
		t.Fatalf("child id %s not derived from parent", childID)
	}
}

func TestDebugStopCommand(t *testing.T) {
	st := store.NewMemoryStore()
	q := queue.New(st, "v1")
	reg := flow.NewRegistry()
	orch := New(st, q, reg, WithConfig(testConfig()))

	started := make(chan struct{}, 1)
	reg.Register("test:block", func(id string) (flow.Node, error) {
		n := flow.NewFuncNode(id, "test:block", func(ctx context.Context, node *flow.FuncNode, ec flow.ExecutionContext) error {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return ctx.Err()
		})
		return n, n.Initialize(nil)
	})

	fl := flow.New("flow-block", flow.FlowMetadata{Name: "blocking"})
	bn, _ := reg.New("test:block", "blocker")
	if err := fl.AddNode(bn); err != nil {
		t.Fatalf("add node: %v", err)
	}

	task := &Task{ExecutionID: "ex-stop", FlowState: serializeFlow(t, fl), Debug: true}
	enqueueTask(t, q, task)
	startSignal(t, st, "ex-stop")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Consume(ctx, consumerConfig("w1"), orch.Handler()) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("blocker never started")
	}
	cmd, _ := json.Marshal(DebugMessage{Command: string(engine.CommandStop)})
	if err := st.PublishMessage(ctx, "ex-stop", TopicDebug, cmd); err != nil {
		t.Fatalf("publish stop: %v", err)
	}

	res := awaitQueueResult(t, q, "ex-stop", 5*time.Second)
	if res.Status != queue.StatusSuccess {
		t.Fatalf("queue status = %s (%s)", res.Status, res.Error)
	}
	var out Output
	if err := json.Unmarshal(res.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.Status != string(engine.StatusStopped) {
		t.Fatalf("output status = %s, want stopped", out.Status)
	}

	row, err := st.GetExecution(ctx, "ex-stop")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if row.Status != store.ExecutionStopped {
		t.Fatalf("execution status = %s, want stopped", row.Status)
	}

	recs, err := st.ReadStream(ctx, "ex-stop", stream.KeyEvents, 0, 0)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	ev, err := events.UnmarshalEvent(recs[len(recs)-1].Payload)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != events.FlowCancelled {
		t.Fatalf("terminal type = %s, want FLOW_CANCELLED", ev.Type)
	}
}

func TestDepthLimit(t *testing.T) {
	st := store.NewMemoryStore()
	q := queue.New(st, "v1")
	reg := flow.NewRegistry()
	cfg := testConfig()
	cfg.MaxDepth = 1
	orch := New(st, q, reg, WithConfig(cfg))

	reg.Register("test:emitter", func(id string) (flow.Node, error) {
		n := flow.NewFuncNode(id, "test:emitter", func(ctx context.Context, node *flow.FuncNode, ec flow.ExecutionContext) error {
			ec.EmitEvent("again", nil)
			return nil
		})
		return n, n.Initialize(nil)
	})

	fl := flow.New("flow-deep", flow.FlowMetadata{})
	em, _ := reg.New("test:emitter", "emit")
	if err := fl.AddNode(em); err != nil {
		t.Fatalf("add node: %v", err)
	}

	// Depth already at the limit: the spawn step must fail the parent.
	task := &Task{
		ExecutionID:       "ex-deep",
		FlowState:         serializeFlow(t, fl),
		ParentExecutionID: "ex-root",
		RootExecutionID:   "ex-root",
		Depth:             1,
	}
	payload, err := EncodeTask(task)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Parent row must exist and stay non-terminal so the monitor idles.
	if err := st.CreateExecution(context.Background(), store.ExecutionRow{ID: "ex-root", FlowID: "flow-deep", Status: store.ExecutionRunning}); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	startSignal(t, st, "ex-deep")

	_, err = orch.Run(context.Background(), &queue.Task{ID: "ex-deep", Payload: payload})
	if err == nil {
		t.Fatal("expected depth error")
	}
	row, gerr := st.GetExecution(context.Background(), "ex-deep")
	if gerr != nil {
		t.Fatalf("get execution: %v", gerr)
	}
	if row.Status != store.ExecutionFailed {
		t.Fatalf("execution status = %s, want failed", row.Status)
	}
}

func TestStepRetriesTransientStoreError(t *testing.T) {
	fs := &faultStore{Store: store.NewMemoryStore()}
	fs.statusFails.Store(1)
	q := queue.New(fs, "v1")
	reg := flow.NewRegistry()
	cfg := testConfig()
	cfg.StepRetry = RetryPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
	orch := New(fs, q, reg, WithConfig(cfg))

	var runs atomic.Int32
	task := &Task{ExecutionID: "ex-flaky", FlowState: linearFlow(t, reg, &runs)}
	payload, err := EncodeTask(task)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	startSignal(t, fs, "ex-flaky")

	// The first status write fails mid-step; the retry absorbs it and the
	// execution still completes on this attempt.
	out, err := orch.Run(context.Background(), &queue.Task{ID: "ex-flaky", Payload: payload})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var decoded Output
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if decoded.Status != string(engine.StatusCompleted) {
		t.Fatalf("output status = %s (%s)", decoded.Status, decoded.Error)
	}
	if runs.Load() != 1 {
		t.Fatalf("source ran %d times, want 1", runs.Load())
	}
	if fs.statusCalls.Load() < 2 {
		t.Fatalf("status write was not retried (%d calls)", fs.statusCalls.Load())
	}
	row, err := fs.GetExecution(context.Background(), "ex-flaky")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if row.Status != store.ExecutionCompleted {
		t.Fatalf("execution status = %s", row.Status)
	}
}

func TestStepRetryBudgetExhausts(t *testing.T) {
	fs := &faultStore{Store: store.NewMemoryStore()}
	fs.statusFails.Store(10)
	q := queue.New(fs, "v1")
	reg := flow.NewRegistry()
	cfg := testConfig()
	cfg.StepRetry = RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	orch := New(fs, q, reg, WithConfig(cfg))

	task := &Task{ExecutionID: "ex-down", FlowState: linearFlow(t, reg, nil)}
	payload, err := EncodeTask(task)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	startSignal(t, fs, "ex-down")

	if _, err := orch.Run(context.Background(), &queue.Task{ID: "ex-down", Payload: payload}); err == nil {
		t.Fatal("expected failure once the retry budget is spent")
	}
	if fs.statusCalls.Load() < 2 {
		t.Fatalf("status write was not retried (%d calls)", fs.statusCalls.Load())
	}
}

func TestStartSignalDurableAndIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	if err := PublishStartSignal(ctx, st, "ex-sig"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := PublishStartSignal(ctx, st, "ex-sig"); err != nil {
		t.Fatalf("duplicate publish: %v", err)
	}
	recs, err := st.ReadStream(ctx, "ex-sig", stream.KeySignals, 0, 0)
	if err != nil {
		t.Fatalf("read signals: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("signal records = %d, want 1", len(recs))
	}

	// The signal is never consumed: every attempt of the same execution
	// observes it, so a worker that died between receipt and checkpoint does
	// not strand its successor.
	orch := New(st, queue.New(st, "v1"), flow.NewRegistry(), WithConfig(testConfig()))
	task := &Task{ExecutionID: "ex-sig"}
	for attempt := 0; attempt < 2; attempt++ {
		got, err := orch.waitStartSignal(ctx, task, zerolog.Nop())
		if err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
		if !got {
			t.Fatalf("attempt %d: signal not observed", attempt)
		}
	}
}

func TestStartSignalSurvivesWorkerCrash(t *testing.T) {
	fs := &faultStore{Store: store.NewMemoryStore(), crashStepID: 1}
	fs.crashes.Store(1)
	q := queue.New(fs, "v1")
	reg := flow.NewRegistry()
	orch := New(fs, q, reg, WithConfig(testConfig()))

	var runs atomic.Int32
	task := &Task{ExecutionID: "ex-crash", FlowState: linearFlow(t, reg, &runs)}
	payload, err := EncodeTask(task)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	startSignal(t, fs, "ex-crash")

	// Attempt 0 dies after observing the signal, before its checkpoint lands.
	crashed := false
	func() {
		defer func() {
			if recover() != nil {
				crashed = true
			}
		}()
		_, _ = orch.Run(context.Background(), &queue.Task{ID: "ex-crash", Payload: payload})
	}()
	if !crashed {
		t.Fatal("first attempt survived the simulated crash")
	}

	// The redelivered attempt re-runs the wait, sees the durable signal
	// immediately and finishes the execution.
	out, err := orch.Run(context.Background(), &queue.Task{ID: "ex-crash", Payload: payload, Attempt: 1})
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	var decoded Output
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if decoded.Status != string(engine.StatusCompleted) {
		t.Fatalf("output status = %s (%s)", decoded.Status, decoded.Error)
	}
	if runs.Load() != 1 {
		t.Fatalf("source ran %d times, want 1", runs.Load())
	}
	row, err := fs.GetExecution(context.Background(), "ex-crash")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if row.Status != store.ExecutionCompleted {
		t.Fatalf("execution status = %s", row.Status)
	}
}

func TestBreakpointPauseReflectedOnExecutionRow(t *testing.T) {
	st := store.NewMemoryStore()
	q := queue.New(st, "v1")
	reg := flow.NewRegistry()
	orch := New(st, q, reg, WithConfig(testConfig()))

	task := &Task{
		ExecutionID: "ex-bp",
		FlowState:   linearFlow(t, reg, nil),
		Debug:       true,
		Breakpoints: []string{"sink"},
	}
	enqueueTask(t, q, task)
	startSignal(t, st, "ex-bp")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Consume(ctx, consumerConfig("w1"), orch.Handler()) }()

	waitForExecutionStatus(t, st, "ex-bp", store.ExecutionPaused)

	cmd, _ := json.Marshal(DebugMessage{Command: string(engine.CommandResume)})
	if err := st.PublishMessage(ctx, "ex-bp", TopicDebug, cmd); err != nil {
		t.Fatalf("publish resume: %v", err)
	}

	res := awaitQueueResult(t, q, "ex-bp", 5*time.Second)
	if res.Status != queue.StatusSuccess {
		t.Fatalf("queue status = %s (%s)", res.Status, res.Error)
	}
	row, err := st.GetExecution(ctx, "ex-bp")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if row.Status != store.ExecutionCompleted {
		t.Fatalf("execution status = %s, want completed", row.Status)
	}
}

func TestNonDebugExecutionReadsNoDebugCommands(t *testing.T) {
	fs := &faultStore{Store: store.NewMemoryStore()}
	q := queue.New(fs, "v1")
	reg := flow.NewRegistry()
	orch := New(fs, q, reg, WithConfig(testConfig()))

	task := &Task{ExecutionID: "ex-quiet", FlowState: linearFlow(t, reg, nil)}
	payload, err := EncodeTask(task)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	startSignal(t, fs, "ex-quiet")

	if _, err := orch.Run(context.Background(), &queue.Task{ID: "ex-quiet", Payload: payload}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := fs.debugReads.Load(); n != 0 {
		t.Fatalf("debug topic read %d times during a non-debug execution", n)
	}
}

func TestStrictChildFailureFailsParent(t *testing.T) {
	st := store.NewMemoryStore()
	q := queue.New(st, "v1")
	reg := flow.NewRegistry()
	orch := New(st, q, reg, WithConfig(testConfig()))

	reg.Register("test:emitter", func(id string) (flow.Node, error) {
		n := flow.NewFuncNode(id, "test:emitter", func(ctx context.Context, node *flow.FuncNode, ec flow.ExecutionContext) error {
			ec.EmitEvent("boom", nil)
			return nil
		})
		return n, n.Initialize(nil)
	})
	reg.Register("test:failing-listener", func(id string) (flow.Node, error) {
		n := flow.NewFuncNode(id, "test:failing-listener", func(ctx context.Context, node *flow.FuncNode, ec flow.ExecutionContext) error {
			return fmt.Errorf("listener refused")
		})
		n.SetEventName("boom")
		return n, n.Initialize(nil)
	})

	fl := flow.New("flow-strict", flow.FlowMetadata{StrictChildFailure: true})
	em, _ := reg.New("test:emitter", "emit")
	ln, _ := reg.New("test:failing-listener", "listen")
	if err := fl.AddNode(em); err != nil {
		t.Fatalf("add node: %v", err)
	}
	if err := fl.AddNode(ln); err != nil {
		t.Fatalf("add node: %v", err)
	}

	task := &Task{ExecutionID: "ex-strict", FlowState: serializeFlow(t, fl)}
	enqueueTask(t, q, task)
	startSignal(t, st, "ex-strict")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Consume(ctx, consumerConfig("w1"), orch.Handler()) }()

	res := awaitQueueResult(t, q, "ex-strict", 10*time.Second)
	if res.Status != queue.StatusError {
		t.Fatalf("parent status = %s, want error", res.Status)
	}
	row, err := st.GetExecution(ctx, "ex-strict")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if row.Status != store.ExecutionFailed {
		t.Fatalf("execution status = %s, want failed", row.Status)
	}
}
