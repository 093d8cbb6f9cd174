package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// runStoreSuite exercises every backend through the same scenarios so the
// memory, SQLite and Postgres implementations cannot drift apart.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("enqueue deduplicates by id", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		row := WorkflowRow{ID: "wf-1", AppVersion: "v1", QueueName: "default", DeduplicationID: "wf-1"}
		existing, err := s.EnqueueWorkflow(ctx, row)
		if err != nil {
			t.Fatalf("first enqueue: %v", err)
		}
		if existing {
			t.Fatal("first enqueue reported existing")
		}
		existing, err = s.EnqueueWorkflow(ctx, row)
		if err != nil {
			t.Fatalf("second enqueue: %v", err)
		}
		if !existing {
			t.Fatal("duplicate enqueue not detected")
		}

		got, err := s.GetWorkflow(ctx, "wf-1")
		if err != nil {
			t.Fatalf("get workflow: %v", err)
		}
		if got.Status != WorkflowEnqueued {
			t.Fatalf("status = %q, want %q", got.Status, WorkflowEnqueued)
		}
	})

	t.Run("claim respects queue, version and order", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		base := time.Now().UTC().Add(-time.Minute)
		for i, id := range []string{"a", "b", "c"} {
			version := "v1"
			if id == "b" {
				version = "v2"
			}
			_, err := s.EnqueueWorkflow(ctx, WorkflowRow{
				ID: id, AppVersion: version, QueueName: "default",
				DeduplicationID: id, EnqueuedAt: base.Add(time.Duration(i) * time.Second),
			})
			if err != nil {
				t.Fatalf("enqueue %s: %v", id, err)
			}
		}

		req := ClaimRequest{QueueName: "default", AppVersion: "v1", WorkerID: "w1", ClaimTTL: time.Minute}
		first, err := s.ClaimWorkflow(ctx, req)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if first == nil || first.ID != "a" {
			t.Fatalf("first claim = %+v, want a", first)
		}
		second, err := s.ClaimWorkflow(ctx, req)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if second == nil || second.ID != "c" {
			t.Fatalf("second claim = %+v, want c (b is v2)", second)
		}
		third, err := s.ClaimWorkflow(ctx, req)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if third != nil {
			t.Fatalf("third claim = %+v, want nil", third)
		}
	})

	t.Run("claim enforces concurrency caps", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		for _, id := range []string{"a", "b", "c"} {
			if _, err := s.EnqueueWorkflow(ctx, WorkflowRow{ID: id, AppVersion: "v1", QueueName: "default", DeduplicationID: id}); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
		}
		req := ClaimRequest{
			QueueName: "default", AppVersion: "v1", WorkerID: "w1",
			ClaimTTL: time.Minute, GlobalConcurrency: 2, WorkerConcurrency: 2,
		}
		for i := 0; i < 2; i++ {
			got, err := s.ClaimWorkflow(ctx, req)
			if err != nil || got == nil {
				t.Fatalf("claim %d: %v %v", i, got, err)
			}
		}
		got, err := s.ClaimWorkflow(ctx, req)
		if err != nil {
			t.Fatalf("capped claim: %v", err)
		}
		if got != nil {
			t.Fatalf("claim over cap returned %+v", got)
		}
	})

	t.Run("expired claim is recoverable", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		if _, err := s.EnqueueWorkflow(ctx, WorkflowRow{ID: "wf", AppVersion: "v1", QueueName: "default", DeduplicationID: "wf"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		// A very short TTL stands in for a crashed worker.
		if _, err := s.ClaimWorkflow(ctx, ClaimRequest{QueueName: "default", AppVersion: "v1", WorkerID: "w1", ClaimTTL: -time.Second}); err != nil {
			t.Fatalf("first claim: %v", err)
		}
		got, err := s.ClaimWorkflow(ctx, ClaimRequest{QueueName: "default", AppVersion: "v1", WorkerID: "w2", ClaimTTL: time.Minute})
		if err != nil {
			t.Fatalf("takeover claim: %v", err)
		}
		if got == nil || got.ID != "wf" {
			t.Fatalf("takeover = %+v, want wf", got)
		}
		if got.RecoveryAttempts != 1 {
			t.Fatalf("RecoveryAttempts = %d, want 1", got.RecoveryAttempts)
		}
		if got.ClaimedBy != "w2" {
			t.Fatalf("ClaimedBy = %q, want w2", got.ClaimedBy)
		}

		if err := s.ExtendClaim(ctx, "wf", "w1", time.Minute); !errors.Is(err, ErrClaimLost) {
			t.Fatalf("stale extend = %v, want ErrClaimLost", err)
		}
		if err := s.ExtendClaim(ctx, "wf", "w2", time.Minute); err != nil {
			t.Fatalf("extend: %v", err)
		}
	})

	t.Run("complete is terminal and single-shot", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		if _, err := s.EnqueueWorkflow(ctx, WorkflowRow{ID: "wf", AppVersion: "v1", QueueName: "default", DeduplicationID: "wf"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		out := json.RawMessage(`{"ok":true}`)
		if err := s.CompleteWorkflow(ctx, "wf", WorkflowSuccess, out, ""); err != nil {
			t.Fatalf("complete: %v", err)
		}
		if err := s.CompleteWorkflow(ctx, "wf", WorkflowError, nil, "late"); !errors.Is(err, ErrTerminal) {
			t.Fatalf("second complete = %v, want ErrTerminal", err)
		}
		got, err := s.GetWorkflow(ctx, "wf")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != WorkflowSuccess || got.CompletedAt == nil {
			t.Fatalf("row after complete = %+v", got)
		}
		if err := s.CompleteWorkflow(ctx, "missing", WorkflowSuccess, nil, ""); !errors.Is(err, ErrNotFound) {
			t.Fatalf("complete missing = %v, want ErrNotFound", err)
		}
	})

	t.Run("steps upsert and replay", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		if _, err := s.GetStep(ctx, "wf", 0); !errors.Is(err, ErrNotFound) {
			t.Fatalf("missing step = %v, want ErrNotFound", err)
		}
		step := StepRow{WorkflowID: "wf", StepID: 0, Name: "createExecution", Status: StepCompleted, Output: json.RawMessage(`{"id":"x"}`), Attempt: 1}
		if err := s.SaveStep(ctx, step); err != nil {
			t.Fatalf("save: %v", err)
		}
		step.Attempt = 2
		if err := s.SaveStep(ctx, step); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		got, err := s.GetStep(ctx, "wf", 0)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Attempt != 2 || got.Name != "createExecution" || string(got.Output) != `{"id":"x"}` {
			t.Fatalf("step = %+v", got)
		}
	})

	t.Run("stream appends are idempotent and ordered", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		for _, idx := range []int64{1, -1, 0, 1} {
			err := s.AppendStream(ctx, StreamRecord{
				WorkflowID: "wf", StreamKey: "events", Index: idx,
				Payload: json.RawMessage(`{}`),
			})
			if err != nil {
				t.Fatalf("append %d: %v", idx, err)
			}
		}
		recs, err := s.ReadStream(ctx, "wf", "events", 0, 0)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		want := []int64{-1, 0, 1}
		if len(recs) != len(want) {
			t.Fatalf("got %d records, want %d", len(recs), len(want))
		}
		for i, rec := range recs {
			if rec.Index != want[i] {
				t.Fatalf("record %d index = %d, want %d", i, rec.Index, want[i])
			}
		}
	})

	t.Run("negative indices survive any fromIndex", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		for _, idx := range []int64{-1, 0, 1, 2} {
			if err := s.AppendStream(ctx, StreamRecord{WorkflowID: "wf", StreamKey: "events", Index: idx}); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		recs, err := s.ReadStream(ctx, "wf", "events", 2, 0)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		want := []int64{-1, 2}
		if len(recs) != len(want) {
			t.Fatalf("got %d records, want %d", len(recs), len(want))
		}
		for i, rec := range recs {
			if rec.Index != want[i] {
				t.Fatalf("record %d index = %d, want %d", i, rec.Index, want[i])
			}
		}
	})

	t.Run("wait stream wakes on append", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		done := make(chan error, 1)
		go func() {
			done <- s.WaitStream(ctx, "wf", "events", -1, 5*time.Second)
		}()
		time.Sleep(50 * time.Millisecond)
		if err := s.AppendStream(ctx, StreamRecord{WorkflowID: "wf", StreamKey: "events", Index: 0}); err != nil {
			t.Fatalf("append: %v", err)
		}
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("wait: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("WaitStream did not wake on append")
		}
	})

	t.Run("messages are fifo and consumed once", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		for _, payload := range []string{`{"n":1}`, `{"n":2}`} {
			if err := s.PublishMessage(ctx, "wf", "signals", json.RawMessage(payload)); err != nil {
				t.Fatalf("publish: %v", err)
			}
		}
		first, err := s.ConsumeMessage(ctx, "wf", "signals", time.Second)
		if err != nil || first == nil {
			t.Fatalf("consume: %v %v", first, err)
		}
		if string(first.Payload) != `{"n":1}` {
			t.Fatalf("first payload = %s", first.Payload)
		}
		second, err := s.ConsumeMessage(ctx, "wf", "signals", time.Second)
		if err != nil || second == nil {
			t.Fatalf("consume: %v %v", second, err)
		}
		if string(second.Payload) != `{"n":2}` {
			t.Fatalf("second payload = %s", second.Payload)
		}
		empty, err := s.ConsumeMessage(ctx, "wf", "signals", 50*time.Millisecond)
		if err != nil {
			t.Fatalf("empty consume: %v", err)
		}
		if empty != nil {
			t.Fatalf("empty consume returned %+v", empty)
		}
	})

	t.Run("execution lifecycle", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		row := ExecutionRow{ID: "ex", FlowID: "flow", Status: ExecutionCreated, RootExecutionID: "ex"}
		if err := s.CreateExecution(ctx, row); err != nil {
			t.Fatalf("create: %v", err)
		}
		// Idempotent re-create (step retry).
		if err := s.CreateExecution(ctx, row); err != nil {
			t.Fatalf("re-create: %v", err)
		}
		if err := s.UpdateExecutionStatus(ctx, "ex", ExecutionRunning, ""); err != nil {
			t.Fatalf("to running: %v", err)
		}
		got, err := s.GetExecution(ctx, "ex")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.StartedAt == nil {
			t.Fatal("StartedAt not stamped on running")
		}
		if err := s.UpdateExecutionStatus(ctx, "ex", ExecutionCompleted, ""); err != nil {
			t.Fatalf("to completed: %v", err)
		}
		if err := s.UpdateExecutionStatus(ctx, "ex", ExecutionFailed, "late"); !errors.Is(err, ErrTerminal) {
			t.Fatalf("post-terminal update = %v, want ErrTerminal", err)
		}
		got, err = s.GetExecution(ctx, "ex")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != ExecutionCompleted || got.CompletedAt == nil {
			t.Fatalf("row after terminal = %+v", got)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(":memory:")
		if err != nil {
			t.Fatalf("failed to open sqlite store: %v", err)
		}
		return s
	})
}
