package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-process development.
// All semantics match the durable implementations, including claim expiry and
// idempotent stream appends, but nothing survives the process.
type MemoryStore struct {
	mu         sync.Mutex
	workflows  map[string]*WorkflowRow
	steps      map[string]map[int]StepRow
	streams    map[string]map[string][]StreamRecord
	messages   map[string]map[string][]Message
	executions map[string]*ExecutionRow
	msgSeq     int64
	hub        *notifyHub
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string]*WorkflowRow),
		steps:      make(map[string]map[int]StepRow),
		streams:    make(map[string]map[string][]StreamRecord),
		messages:   make(map[string]map[string][]Message),
		executions: make(map[string]*ExecutionRow),
		hub:        newNotifyHub(),
	}
}

func streamHubKey(workflowID, streamKey string) string {
	return "stream:" + workflowID + ":" + streamKey
}

func messageHubKey(workflowID, topic string) string {
	return "msg:" + workflowID + ":" + topic
}

func (m *MemoryStore) EnqueueWorkflow(ctx context.Context, row WorkflowRow) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[row.ID]; ok {
		return true, nil
	}
	if row.Status == "" {
		row.Status = WorkflowEnqueued
	}
	if row.EnqueuedAt.IsZero() {
		row.EnqueuedAt = time.Now().UTC()
	}
	cp := row
	m.workflows[row.ID] = &cp
	return false, nil
}

func (m *MemoryStore) GetWorkflow(ctx context.Context, id string) (WorkflowRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.workflows[id]
	if !ok {
		return WorkflowRow{}, ErrNotFound
	}
	return *row, nil
}

func (m *MemoryStore) ClaimWorkflow(ctx context.Context, req ClaimRequest) (*WorkflowRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()

	globalRunning, workerRunning := 0, 0
	for _, row := range m.workflows {
		if row.Status != WorkflowRunning || row.QueueName != req.QueueName {
			continue
		}
		if row.ClaimExpiresAt != nil && row.ClaimExpiresAt.Before(now) {
			continue
		}
		globalRunning++
		if row.ClaimedBy == req.WorkerID {
			workerRunning++
		}
	}
	if req.GlobalConcurrency > 0 && globalRunning >= req.GlobalConcurrency {
		return nil, nil
	}
	if req.WorkerConcurrency > 0 && workerRunning >= req.WorkerConcurrency {
		return nil, nil
	}

	var pick *WorkflowRow
	for _, row := range m.workflows {
		if row.QueueName != req.QueueName || row.AppVersion != req.AppVersion {
			continue
		}
		eligible := row.Status == WorkflowEnqueued ||
			(row.Status == WorkflowRunning && row.ClaimExpiresAt != nil && row.ClaimExpiresAt.Before(now))
		if !eligible {
			continue
		}
		if pick == nil || row.EnqueuedAt.Before(pick.EnqueuedAt) {
			pick = row
		}
	}
	if pick == nil {
		return nil, nil
	}

	if pick.Status == WorkflowRunning {
		pick.RecoveryAttempts++
	}
	pick.Status = WorkflowRunning
	pick.ClaimedBy = req.WorkerID
	expires := now.Add(req.ClaimTTL)
	pick.ClaimExpiresAt = &expires
	if pick.StartedAt == nil {
		started := now
		pick.StartedAt = &started
	}
	cp := *pick
	return &cp, nil
}

func (m *MemoryStore) ExtendClaim(ctx context.Context, id, workerID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.workflows[id]
	if !ok {
		return ErrNotFound
	}
	if row.Status != WorkflowRunning || row.ClaimedBy != workerID {
		return ErrClaimLost
	}
	expires := time.Now().UTC().Add(ttl)
	row.ClaimExpiresAt = &expires
	return nil
}

func (m *MemoryStore) CompleteWorkflow(ctx context.Context, id string, status WorkflowStatus, output json.RawMessage, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.workflows[id]
	if !ok {
		return ErrNotFound
	}
	if TerminalWorkflow(row.Status) {
		return ErrTerminal
	}
	row.Status = status
	row.Output = output
	row.Error = errMsg
	done := time.Now().UTC()
	row.CompletedAt = &done
	row.ClaimExpiresAt = nil
	row.ClaimedBy = ""
	return nil
}

func (m *MemoryStore) CancelWorkflow(ctx context.Context, id string) error {
	return m.CompleteWorkflow(ctx, id, WorkflowCancelled, nil, "")
}

func (m *MemoryStore) GetStep(ctx context.Context, workflowID string, stepID int) (StepRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, ok := m.steps[workflowID][stepID]
	if !ok {
		return StepRow{}, ErrNotFound
	}
	return step, nil
}

func (m *MemoryStore) SaveStep(ctx context.Context, step StepRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.steps[step.WorkflowID]
	if byID == nil {
		byID = make(map[int]StepRow)
		m.steps[step.WorkflowID] = byID
	}
	byID[step.StepID] = step
	return nil
}

func (m *MemoryStore) AppendStream(ctx context.Context, rec StreamRecord) error {
	m.mu.Lock()
	byKey := m.streams[rec.WorkflowID]
	if byKey == nil {
		byKey = make(map[string][]StreamRecord)
		m.streams[rec.WorkflowID] = byKey
	}
	records := byKey[rec.StreamKey]
	for _, existing := range records {
		if existing.Index == rec.Index {
			m.mu.Unlock()
			return nil
		}
	}
	if rec.WrittenAt.IsZero() {
		rec.WrittenAt = time.Now().UTC()
	}
	records = append(records, rec)
	sort.Slice(records, func(i, j int) bool { return records[i].Index < records[j].Index })
	byKey[rec.StreamKey] = records
	m.mu.Unlock()

	m.hub.notify(streamHubKey(rec.WorkflowID, rec.StreamKey))
	return nil
}

func (m *MemoryStore) ReadStream(ctx context.Context, workflowID, streamKey string, fromIndex int64, limit int) ([]StreamRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StreamRecord
	for _, rec := range m.streams[workflowID][streamKey] {
		if rec.Index >= 0 && rec.Index < fromIndex {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) WaitStream(ctx context.Context, workflowID, streamKey string, afterIndex int64, timeout time.Duration) error {
	ch, cancel := m.hub.subscribe(streamHubKey(workflowID, streamKey))
	defer cancel()

	m.mu.Lock()
	records := m.streams[workflowID][streamKey]
	var have bool
	for _, rec := range records {
		if rec.Index > afterIndex {
			have = true
			break
		}
	}
	m.mu.Unlock()
	if have {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MemoryStore) PublishMessage(ctx context.Context, workflowID, topic string, payload json.RawMessage) error {
	m.mu.Lock()
	byTopic := m.messages[workflowID]
	if byTopic == nil {
		byTopic = make(map[string][]Message)
		m.messages[workflowID] = byTopic
	}
	m.msgSeq++
	byTopic[topic] = append(byTopic[topic], Message{
		ID:         m.msgSeq,
		WorkflowID: workflowID,
		Topic:      topic,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	})
	m.mu.Unlock()

	m.hub.notify(messageHubKey(workflowID, topic))
	return nil
}

func (m *MemoryStore) ConsumeMessage(ctx context.Context, workflowID, topic string, wait time.Duration) (*Message, error) {
	ch, cancel := m.hub.subscribe(messageHubKey(workflowID, topic))
	defer cancel()

	deadline := time.Now().Add(wait)
	for {
		m.mu.Lock()
		queue := m.messages[workflowID][topic]
		if len(queue) > 0 {
			msg := queue[0]
			m.messages[workflowID][topic] = queue[1:]
			m.mu.Unlock()
			return &msg, nil
		}
		m.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (m *MemoryStore) CreateExecution(ctx context.Context, row ExecutionRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[row.ID]; ok {
		return nil
	}
	if row.Status == "" {
		row.Status = ExecutionCreated
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	cp := row
	m.executions[row.ID] = &cp
	return nil
}

func (m *MemoryStore) GetExecution(ctx context.Context, id string) (ExecutionRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.executions[id]
	if !ok {
		return ExecutionRow{}, ErrNotFound
	}
	return *row, nil
}

func (m *MemoryStore) UpdateExecutionStatus(ctx context.Context, id string, status ExecutionStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.executions[id]
	if !ok {
		return ErrNotFound
	}
	if TerminalExecution(row.Status) {
		return ErrTerminal
	}
	now := time.Now().UTC()
	row.Status = status
	row.ErrorMessage = errMsg
	if status == ExecutionRunning && row.StartedAt == nil {
		started := now
		row.StartedAt = &started
	}
	if TerminalExecution(status) {
		done := now
		row.CompletedAt = &done
	}
	return nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error { return nil }
