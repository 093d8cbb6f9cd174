package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Notification channels. Payload is "workflowID/streamKey" for streams and
// "workflowID/topic" for messages; both feed the in-process wake hub so
// WaitStream and ConsumeMessage block without polling the table.
const (
	pgStreamChannel  = "chaingraph_stream"
	pgMessageChannel = "chaingraph_message"
)

// pgFallbackPoll bounds how long a waiter sleeps when a NOTIFY is lost
// (listener reconnect, payload truncation).
const pgFallbackPoll = 2 * time.Second

// PostgresStore is the production Store: a pgx connection pool, claims via
// FOR UPDATE SKIP LOCKED and wake-ups via LISTEN/NOTIFY. Safe for many
// workers sharing one database.
type PostgresStore struct {
	pool   *pgxpool.Pool
	hub    *notifyHub
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to the database, migrates the schema and starts
// the LISTEN loop.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{
		pool: pool,
		hub:  newNotifyHub(),
		done: make(chan struct{}),
	}
	if err := s.createTables(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.listenLoop(listenCtx)
	return s, nil
}

func (s *PostgresStore) createTables(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id                TEXT PRIMARY KEY,
	status            TEXT NOT NULL,
	app_version       TEXT NOT NULL,
	queue_name        TEXT NOT NULL,
	timeout_ms        BIGINT NOT NULL DEFAULT 0,
	dedup_id          TEXT NOT NULL,
	input             JSONB,
	output            JSONB,
	error             TEXT NOT NULL DEFAULT '',
	enqueued_at       TIMESTAMPTZ NOT NULL,
	started_at        TIMESTAMPTZ,
	completed_at      TIMESTAMPTZ,
	recovery_attempts INT NOT NULL DEFAULT 0,
	claimed_by        TEXT NOT NULL DEFAULT '',
	claim_expires_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_workflows_claim
	ON workflows(queue_name, status, enqueued_at);

CREATE TABLE IF NOT EXISTS workflow_steps (
	workflow_id TEXT NOT NULL,
	step_id     INT NOT NULL,
	name        TEXT NOT NULL,
	status      TEXT NOT NULL,
	output      JSONB,
	error       TEXT NOT NULL DEFAULT '',
	attempt     INT NOT NULL DEFAULT 0,
	PRIMARY KEY (workflow_id, step_id)
);

CREATE TABLE IF NOT EXISTS stream_records (
	workflow_id TEXT NOT NULL,
	stream_key  TEXT NOT NULL,
	idx         BIGINT NOT NULL,
	payload     JSONB,
	written_at  TIMESTAMPTZ NOT NULL,
	terminal    BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (workflow_id, stream_key, idx)
);

CREATE TABLE IF NOT EXISTS workflow_messages (
	id          BIGSERIAL PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	topic       TEXT NOT NULL,
	payload     JSONB,
	received_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_topic
	ON workflow_messages(workflow_id, topic, id);

CREATE TABLE IF NOT EXISTS executions (
	id                  TEXT PRIMARY KEY,
	flow_id             TEXT NOT NULL,
	owner_id            TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	debug               BOOLEAN NOT NULL DEFAULT FALSE,
	created_at          TIMESTAMPTZ NOT NULL,
	started_at          TIMESTAMPTZ,
	completed_at        TIMESTAMPTZ,
	error_message       TEXT NOT NULL DEFAULT '',
	root_execution_id   TEXT NOT NULL DEFAULT '',
	parent_execution_id TEXT NOT NULL DEFAULT '',
	execution_depth     INT NOT NULL DEFAULT 0,
	integration_context JSONB,
	event_data          JSONB
);
`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// listenLoop holds one dedicated connection on LISTEN and fans notifications
// into the hub. On connection loss it reconnects with backoff; waiters fall
// back to their poll interval meanwhile.
func (s *PostgresStore) listenLoop(ctx context.Context) {
	defer close(s.done)
	for ctx.Err() == nil {
		if err := s.listenOnce(ctx); err != nil && ctx.Err() == nil {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
		}
	}
}

func (s *PostgresStore) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	raw := conn.Conn()
	for _, ch := range []string{pgStreamChannel, pgMessageChannel} {
		if _, err := raw.Exec(ctx, "LISTEN "+ch); err != nil {
			return err
		}
	}
	for {
		n, err := raw.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		switch n.Channel {
		case pgStreamChannel:
			s.hub.notify("stream:" + n.Payload)
		case pgMessageChannel:
			s.hub.notify("msg:" + n.Payload)
		}
	}
}

func (s *PostgresStore) EnqueueWorkflow(ctx context.Context, row WorkflowRow) (bool, error) {
	if row.Status == "" {
		row.Status = WorkflowEnqueued
	}
	if row.EnqueuedAt.IsZero() {
		row.EnqueuedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO workflows (id, status, app_version, queue_name, timeout_ms, dedup_id, input, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		row.ID, string(row.Status), row.AppVersion, row.QueueName, row.TimeoutMs,
		row.DeduplicationID, nullableJSON(row.Input), row.EnqueuedAt)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue workflow: %w", err)
	}
	return tag.RowsAffected() == 0, nil
}

// nullableJSON maps empty raw JSON to SQL NULL; JSONB rejects empty strings.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (WorkflowRow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, status, app_version, queue_name, timeout_ms, dedup_id, input, output,
		       error, enqueued_at, started_at, completed_at, recovery_attempts,
		       claimed_by, claim_expires_at
		FROM workflows WHERE id = $1`, id)
	w, err := scanPgWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return WorkflowRow{}, ErrNotFound
	}
	return w, err
}

func scanPgWorkflow(r pgx.Row) (WorkflowRow, error) {
	var (
		w              WorkflowRow
		status         string
		input, output  []byte
		startedAt      *time.Time
		completedAt    *time.Time
		claimExpiresAt *time.Time
	)
	err := r.Scan(&w.ID, &status, &w.AppVersion, &w.QueueName, &w.TimeoutMs,
		&w.DeduplicationID, &input, &output, &w.Error, &w.EnqueuedAt,
		&startedAt, &completedAt, &w.RecoveryAttempts, &w.ClaimedBy, &claimExpiresAt)
	if err != nil {
		return WorkflowRow{}, err
	}
	w.Status = WorkflowStatus(status)
	w.Input = input
	w.Output = output
	w.StartedAt = startedAt
	w.CompletedAt = completedAt
	w.ClaimExpiresAt = claimExpiresAt
	return w, nil
}

func (s *PostgresStore) ClaimWorkflow(ctx context.Context, req ClaimRequest) (*WorkflowRow, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()

	// Serialize count-then-claim per queue for the duration of the
	// transaction: under READ COMMITTED, two claimers at cap-1 would otherwise
	// both read the same running count, both pass the cap check and claim
	// distinct rows via SKIP LOCKED, overshooting the cap.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, req.QueueName); err != nil {
		return nil, fmt.Errorf("failed to lock queue for claim: %w", err)
	}

	var globalRunning, workerRunning int
	err = tx.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE claimed_by = $1)
		FROM workflows
		WHERE queue_name = $2 AND status = $3
		  AND claim_expires_at IS NOT NULL AND claim_expires_at >= $4`,
		req.WorkerID, req.QueueName, string(WorkflowRunning), now).
		Scan(&globalRunning, &workerRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to count running workflows: %w", err)
	}
	if req.GlobalConcurrency > 0 && globalRunning >= req.GlobalConcurrency {
		return nil, nil
	}
	if req.WorkerConcurrency > 0 && workerRunning >= req.WorkerConcurrency {
		return nil, nil
	}

	// SKIP LOCKED skips rows pinned by non-claim transactions (completion,
	// cancellation); claimers of one queue are already serialized above.
	row := tx.QueryRow(ctx, `
		SELECT id, status, app_version, queue_name, timeout_ms, dedup_id, input, output,
		       error, enqueued_at, started_at, completed_at, recovery_attempts,
		       claimed_by, claim_expires_at
		FROM workflows
		WHERE queue_name = $1 AND app_version = $2
		  AND (status = $3
		       OR (status = $4 AND claim_expires_at IS NOT NULL AND claim_expires_at < $5))
		ORDER BY enqueued_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		req.QueueName, req.AppVersion,
		string(WorkflowEnqueued), string(WorkflowRunning), now)
	w, err := scanPgWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable workflow: %w", err)
	}

	if w.Status == WorkflowRunning {
		w.RecoveryAttempts++
	}
	w.Status = WorkflowRunning
	w.ClaimedBy = req.WorkerID
	expires := now.Add(req.ClaimTTL)
	w.ClaimExpiresAt = &expires
	if w.StartedAt == nil {
		started := now
		w.StartedAt = &started
	}

	_, err = tx.Exec(ctx, `
		UPDATE workflows
		SET status = $1, claimed_by = $2, claim_expires_at = $3, started_at = $4,
		    recovery_attempts = $5
		WHERE id = $6`,
		string(w.Status), w.ClaimedBy, *w.ClaimExpiresAt, *w.StartedAt,
		w.RecoveryAttempts, w.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to record claim: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return &w, nil
}

func (s *PostgresStore) ExtendClaim(ctx context.Context, id, workerID string, ttl time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflows SET claim_expires_at = $1
		WHERE id = $2 AND status = $3 AND claimed_by = $4`,
		time.Now().UTC().Add(ttl), id, string(WorkflowRunning), workerID)
	if err != nil {
		return fmt.Errorf("failed to extend claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *PostgresStore) CompleteWorkflow(ctx context.Context, id string, status WorkflowStatus, output json.RawMessage, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflows
		SET status = $1, output = $2, error = $3, completed_at = $4,
		    claimed_by = '', claim_expires_at = NULL
		WHERE id = $5 AND status NOT IN ($6, $7, $8)`,
		string(status), nullableJSON(output), errMsg, time.Now().UTC(), id,
		string(WorkflowSuccess), string(WorkflowError), string(WorkflowCancelled))
	if err != nil {
		return fmt.Errorf("failed to complete workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetWorkflow(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrTerminal
	}
	return nil
}

func (s *PostgresStore) CancelWorkflow(ctx context.Context, id string) error {
	return s.CompleteWorkflow(ctx, id, WorkflowCancelled, nil, "")
}

func (s *PostgresStore) GetStep(ctx context.Context, workflowID string, stepID int) (StepRow, error) {
	var (
		step   StepRow
		status string
		output []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT workflow_id, step_id, name, status, output, error, attempt
		FROM workflow_steps WHERE workflow_id = $1 AND step_id = $2`,
		workflowID, stepID).
		Scan(&step.WorkflowID, &step.StepID, &step.Name, &status, &output, &step.Error, &step.Attempt)
	if errors.Is(err, pgx.ErrNoRows) {
		return StepRow{}, ErrNotFound
	}
	if err != nil {
		return StepRow{}, fmt.Errorf("failed to load step: %w", err)
	}
	step.Status = StepStatus(status)
	step.Output = output
	return step, nil
}

func (s *PostgresStore) SaveStep(ctx context.Context, step StepRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_steps (workflow_id, step_id, name, status, output, error, attempt)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (workflow_id, step_id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			output = EXCLUDED.output,
			error = EXCLUDED.error,
			attempt = EXCLUDED.attempt`,
		step.WorkflowID, step.StepID, step.Name, string(step.Status),
		nullableJSON(step.Output), step.Error, step.Attempt)
	if err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendStream(ctx context.Context, rec StreamRecord) error {
	if rec.WrittenAt.IsZero() {
		rec.WrittenAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO stream_records (workflow_id, stream_key, idx, payload, written_at, terminal)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workflow_id, stream_key, idx) DO NOTHING`,
		rec.WorkflowID, rec.StreamKey, rec.Index, nullableJSON(rec.Payload),
		rec.WrittenAt, rec.Terminal)
	if err != nil {
		return fmt.Errorf("failed to append stream record: %w", err)
	}
	if tag.RowsAffected() > 0 {
		_, err = s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`,
			pgStreamChannel, rec.WorkflowID+"/"+rec.StreamKey)
		if err != nil {
			return fmt.Errorf("failed to notify stream: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ReadStream(ctx context.Context, workflowID, streamKey string, fromIndex int64, limit int) ([]StreamRecord, error) {
	query := `
		SELECT workflow_id, stream_key, idx, payload, written_at, terminal
		FROM stream_records
		WHERE workflow_id = $1 AND stream_key = $2 AND (idx < 0 OR idx >= $3)
		ORDER BY idx`
	args := []any{workflowID, streamKey, fromIndex}
	if limit > 0 {
		query += " LIMIT $4"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	defer rows.Close()

	var out []StreamRecord
	for rows.Next() {
		var (
			rec     StreamRecord
			payload []byte
		)
		if err := rows.Scan(&rec.WorkflowID, &rec.StreamKey, &rec.Index, &payload, &rec.WrittenAt, &rec.Terminal); err != nil {
			return nil, fmt.Errorf("failed to scan stream record: %w", err)
		}
		rec.Payload = payload
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) WaitStream(ctx context.Context, workflowID, streamKey string, afterIndex int64, timeout time.Duration) error {
	ch, cancel := s.hub.subscribe("stream:" + workflowID + "/" + streamKey)
	defer cancel()

	deadline := time.Now().Add(timeout)
	for {
		var n int
		err := s.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM stream_records
			WHERE workflow_id = $1 AND stream_key = $2 AND idx > $3`,
			workflowID, streamKey, afterIndex).Scan(&n)
		if err != nil {
			return fmt.Errorf("failed to poll stream: %w", err)
		}
		remaining := time.Until(deadline)
		if n > 0 || remaining <= 0 {
			return nil
		}
		if remaining > pgFallbackPoll {
			remaining = pgFallbackPoll
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
			return nil
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (s *PostgresStore) PublishMessage(ctx context.Context, workflowID, topic string, payload json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_messages (workflow_id, topic, payload, received_at)
		VALUES ($1, $2, $3, $4)`,
		workflowID, topic, nullableJSON(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	_, err = s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`,
		pgMessageChannel, workflowID+"/"+topic)
	if err != nil {
		return fmt.Errorf("failed to notify message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ConsumeMessage(ctx context.Context, workflowID, topic string, wait time.Duration) (*Message, error) {
	ch, cancel := s.hub.subscribe("msg:" + workflowID + "/" + topic)
	defer cancel()

	deadline := time.Now().Add(wait)
	for {
		msg, err := s.popMessage(ctx, workflowID, topic)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if remaining > pgFallbackPoll {
			remaining = pgFallbackPoll
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (s *PostgresStore) popMessage(ctx context.Context, workflowID, topic string) (*Message, error) {
	var (
		msg     Message
		payload []byte
	)
	// Delete-returning keeps pop atomic; SKIP LOCKED lets concurrent readers
	// of the same topic take distinct messages.
	err := s.pool.QueryRow(ctx, `
		DELETE FROM workflow_messages
		WHERE id = (
			SELECT id FROM workflow_messages
			WHERE workflow_id = $1 AND topic = $2
			ORDER BY id LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, workflow_id, topic, payload, received_at`,
		workflowID, topic).
		Scan(&msg.ID, &msg.WorkflowID, &msg.Topic, &payload, &msg.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume message: %w", err)
	}
	msg.Payload = payload
	return &msg, nil
}

func (s *PostgresStore) CreateExecution(ctx context.Context, row ExecutionRow) error {
	if row.Status == "" {
		row.Status = ExecutionCreated
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions (id, flow_id, owner_id, status, debug, created_at,
			error_message, root_execution_id, parent_execution_id, execution_depth,
			integration_context, event_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`,
		row.ID, row.FlowID, row.OwnerID, string(row.Status), row.Debug, row.CreatedAt,
		row.ErrorMessage, row.RootExecutionID, row.ParentExecutionID, row.ExecutionDepth,
		nullableJSON(row.IntegrationContext), nullableJSON(row.EventData))
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (ExecutionRow, error) {
	var (
		row         ExecutionRow
		status      string
		integration []byte
		eventData   []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, flow_id, owner_id, status, debug, created_at, started_at,
		       completed_at, error_message, root_execution_id, parent_execution_id,
		       execution_depth, integration_context, event_data
		FROM executions WHERE id = $1`, id).
		Scan(&row.ID, &row.FlowID, &row.OwnerID, &status, &row.Debug, &row.CreatedAt,
			&row.StartedAt, &row.CompletedAt, &row.ErrorMessage, &row.RootExecutionID,
			&row.ParentExecutionID, &row.ExecutionDepth, &integration, &eventData)
	if errors.Is(err, pgx.ErrNoRows) {
		return ExecutionRow{}, ErrNotFound
	}
	if err != nil {
		return ExecutionRow{}, fmt.Errorf("failed to load execution: %w", err)
	}
	row.Status = ExecutionStatus(status)
	row.IntegrationContext = integration
	row.EventData = eventData
	return row, nil
}

func (s *PostgresStore) UpdateExecutionStatus(ctx context.Context, id string, status ExecutionStatus, errMsg string) error {
	now := time.Now().UTC()
	var completedAt *time.Time
	if TerminalExecution(status) {
		completedAt = &now
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions
		SET status = $1, error_message = $2,
		    started_at = CASE WHEN $1 = 'running' AND started_at IS NULL THEN $3 ELSE started_at END,
		    completed_at = COALESCE($4, completed_at)
		WHERE id = $5 AND status NOT IN ($6, $7, $8)`,
		string(status), errMsg, now, completedAt, id,
		string(ExecutionCompleted), string(ExecutionFailed), string(ExecutionStopped))
	if err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetExecution(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrTerminal
	}
	return nil
}

// Close stops the listener and releases the pool.
func (s *PostgresStore) Close() error {
	s.cancel()
	<-s.done
	s.pool.Close()
	return nil
}
