package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// sqlitePollInterval is how often the SQLite store re-checks streams and
// message topics while a caller waits. SQLite has no server-side notify, so
// blocking reads degrade to short polls.
const sqlitePollInterval = 100 * time.Millisecond

// SQLiteStore is a single-file Store for development and testing: zero setup,
// full durability semantics, one writer at a time. Use ":memory:" for
// throwaway databases. Production deployments use PostgresStore.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) a SQLite database at path,
// enables WAL mode and migrates the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id                TEXT PRIMARY KEY,
	status            TEXT NOT NULL,
	app_version       TEXT NOT NULL,
	queue_name        TEXT NOT NULL,
	timeout_ms        INTEGER NOT NULL DEFAULT 0,
	dedup_id          TEXT NOT NULL,
	input             BLOB,
	output            BLOB,
	error             TEXT NOT NULL DEFAULT '',
	enqueued_at       TIMESTAMP NOT NULL,
	started_at        TIMESTAMP,
	completed_at      TIMESTAMP,
	recovery_attempts INTEGER NOT NULL DEFAULT 0,
	claimed_by        TEXT NOT NULL DEFAULT '',
	claim_expires_at  TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_workflows_claim
	ON workflows(queue_name, status, enqueued_at);

CREATE TABLE IF NOT EXISTS workflow_steps (
	workflow_id TEXT NOT NULL,
	step_id     INTEGER NOT NULL,
	name        TEXT NOT NULL,
	status      TEXT NOT NULL,
	output      BLOB,
	error       TEXT NOT NULL DEFAULT '',
	attempt     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (workflow_id, step_id)
);

CREATE TABLE IF NOT EXISTS stream_records (
	workflow_id TEXT NOT NULL,
	stream_key  TEXT NOT NULL,
	idx         INTEGER NOT NULL,
	payload     BLOB,
	written_at  TIMESTAMP NOT NULL,
	terminal    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (workflow_id, stream_key, idx)
);

CREATE TABLE IF NOT EXISTS workflow_messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	workflow_id TEXT NOT NULL,
	topic       TEXT NOT NULL,
	payload     BLOB,
	received_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_topic
	ON workflow_messages(workflow_id, topic, id);

CREATE TABLE IF NOT EXISTS executions (
	id                  TEXT PRIMARY KEY,
	flow_id             TEXT NOT NULL,
	owner_id            TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	debug               INTEGER NOT NULL DEFAULT 0,
	created_at          TIMESTAMP NOT NULL,
	started_at          TIMESTAMP,
	completed_at        TIMESTAMP,
	error_message       TEXT NOT NULL DEFAULT '',
	root_execution_id   TEXT NOT NULL DEFAULT '',
	parent_execution_id TEXT NOT NULL DEFAULT '',
	execution_depth     INTEGER NOT NULL DEFAULT 0,
	integration_context BLOB,
	event_data          BLOB
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) EnqueueWorkflow(ctx context.Context, row WorkflowRow) (bool, error) {
	if row.Status == "" {
		row.Status = WorkflowEnqueued
	}
	if row.EnqueuedAt.IsZero() {
		row.EnqueuedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, status, app_version, queue_name, timeout_ms, dedup_id, input, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		row.ID, string(row.Status), row.AppVersion, row.QueueName, row.TimeoutMs,
		row.DeduplicationID, []byte(row.Input), row.EnqueuedAt)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (WorkflowRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, app_version, queue_name, timeout_ms, dedup_id, input, output,
		       error, enqueued_at, started_at, completed_at, recovery_attempts,
		       claimed_by, claim_expires_at
		FROM workflows WHERE id = ?`, id)
	return scanWorkflow(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(r rowScanner) (WorkflowRow, error) {
	var (
		w              WorkflowRow
		status         string
		input, output  []byte
		startedAt      sql.NullTime
		completedAt    sql.NullTime
		claimExpiresAt sql.NullTime
	)
	err := r.Scan(&w.ID, &status, &w.AppVersion, &w.QueueName, &w.TimeoutMs,
		&w.DeduplicationID, &input, &output, &w.Error, &w.EnqueuedAt,
		&startedAt, &completedAt, &w.RecoveryAttempts, &w.ClaimedBy, &claimExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return WorkflowRow{}, ErrNotFound
	}
	if err != nil {
		return WorkflowRow{}, fmt.Errorf("failed to scan workflow: %w", err)
	}
	w.Status = WorkflowStatus(status)
	w.Input = input
	w.Output = output
	if startedAt.Valid {
		t := startedAt.Time
		w.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		w.CompletedAt = &t
	}
	if claimExpiresAt.Valid {
		t := claimExpiresAt.Time
		w.ClaimExpiresAt = &t
	}
	return w, nil
}

func (s *SQLiteStore) ClaimWorkflow(ctx context.Context, req ClaimRequest) (*WorkflowRow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	var globalRunning, workerRunning int
	err = tx.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN claimed_by = ? THEN 1 ELSE 0 END), 0)
		FROM workflows
		WHERE queue_name = ? AND status = ?
		  AND claim_expires_at IS NOT NULL AND claim_expires_at >= ?`,
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

	row := tx.QueryRowContext(ctx, `
		SELECT id, status, app_version, queue_name, timeout_ms, dedup_id, input, output,
		       error, enqueued_at, started_at, completed_at, recovery_attempts,
		       claimed_by, claim_expires_at
		FROM workflows
		WHERE queue_name = ? AND app_version = ?
		  AND (status = ?
		       OR (status = ? AND claim_expires_at IS NOT NULL AND claim_expires_at < ?))
		ORDER BY enqueued_at
		LIMIT 1`,
		req.QueueName, req.AppVersion,
		string(WorkflowEnqueued), string(WorkflowRunning), now)
	w, err := scanWorkflow(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	takeover := w.Status == WorkflowRunning
	if takeover {
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

	_, err = tx.ExecContext(ctx, `
		UPDATE workflows
		SET status = ?, claimed_by = ?, claim_expires_at = ?, started_at = ?,
		    recovery_attempts = ?
		WHERE id = ?`,
		string(w.Status), w.ClaimedBy, *w.ClaimExpiresAt, *w.StartedAt,
		w.RecoveryAttempts, w.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to record claim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return &w, nil
}

func (s *SQLiteStore) ExtendClaim(ctx context.Context, id, workerID string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET claim_expires_at = ?
		WHERE id = ? AND status = ? AND claimed_by = ?`,
		time.Now().UTC().Add(ttl), id, string(WorkflowRunning), workerID)
	if err != nil {
		return fmt.Errorf("failed to extend claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *SQLiteStore) CompleteWorkflow(ctx context.Context, id string, status WorkflowStatus, output json.RawMessage, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET status = ?, output = ?, error = ?, completed_at = ?,
		    claimed_by = '', claim_expires_at = NULL
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		string(status), []byte(output), errMsg, time.Now().UTC(), id,
		string(WorkflowSuccess), string(WorkflowError), string(WorkflowCancelled))
	if err != nil {
		return fmt.Errorf("failed to complete workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetWorkflow(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrTerminal
	}
	return nil
}

func (s *SQLiteStore) CancelWorkflow(ctx context.Context, id string) error {
	return s.CompleteWorkflow(ctx, id, WorkflowCancelled, nil, "")
}

func (s *SQLiteStore) GetStep(ctx context.Context, workflowID string, stepID int) (StepRow, error) {
	var (
		step   StepRow
		status string
		output []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT workflow_id, step_id, name, status, output, error, attempt
		FROM workflow_steps WHERE workflow_id = ? AND step_id = ?`,
		workflowID, stepID).
		Scan(&step.WorkflowID, &step.StepID, &step.Name, &status, &output, &step.Error, &step.Attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return StepRow{}, ErrNotFound
	}
	if err != nil {
		return StepRow{}, fmt.Errorf("failed to load step: %w", err)
	}
	step.Status = StepStatus(status)
	step.Output = output
	return step, nil
}

func (s *SQLiteStore) SaveStep(ctx context.Context, step StepRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_steps (workflow_id, step_id, name, status, output, error, attempt)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id, step_id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			output = excluded.output,
			error = excluded.error,
			attempt = excluded.attempt`,
		step.WorkflowID, step.StepID, step.Name, string(step.Status),
		[]byte(step.Output), step.Error, step.Attempt)
	if err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendStream(ctx context.Context, rec StreamRecord) error {
	if rec.WrittenAt.IsZero() {
		rec.WrittenAt = time.Now().UTC()
	}
	terminal := 0
	if rec.Terminal {
		terminal = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_records (workflow_id, stream_key, idx, payload, written_at, terminal)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id, stream_key, idx) DO NOTHING`,
		rec.WorkflowID, rec.StreamKey, rec.Index, []byte(rec.Payload), rec.WrittenAt, terminal)
	if err != nil {
		return fmt.Errorf("failed to append stream record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReadStream(ctx context.Context, workflowID, streamKey string, fromIndex int64, limit int) ([]StreamRecord, error) {
	query := `
		SELECT workflow_id, stream_key, idx, payload, written_at, terminal
		FROM stream_records
		WHERE workflow_id = ? AND stream_key = ? AND (idx < 0 OR idx >= ?)
		ORDER BY idx`
	args := []any{workflowID, streamKey, fromIndex}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	defer rows.Close()

	var out []StreamRecord
	for rows.Next() {
		var (
			rec      StreamRecord
			payload  []byte
			terminal int
		)
		if err := rows.Scan(&rec.WorkflowID, &rec.StreamKey, &rec.Index, &payload, &rec.WrittenAt, &terminal); err != nil {
			return nil, fmt.Errorf("failed to scan stream record: %w", err)
		}
		rec.Payload = payload
		rec.Terminal = terminal != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) WaitStream(ctx context.Context, workflowID, streamKey string, afterIndex int64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		var n int
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM stream_records
			WHERE workflow_id = ? AND stream_key = ? AND idx > ?`,
			workflowID, streamKey, afterIndex).Scan(&n)
		if err != nil {
			return fmt.Errorf("failed to poll stream: %w", err)
		}
		if n > 0 || time.Now().After(deadline) {
			return nil
		}
		select {
		case <-time.After(sqlitePollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *SQLiteStore) PublishMessage(ctx context.Context, workflowID, topic string, payload json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_messages (workflow_id, topic, payload, received_at)
		VALUES (?, ?, ?, ?)`,
		workflowID, topic, []byte(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ConsumeMessage(ctx context.Context, workflowID, topic string, wait time.Duration) (*Message, error) {
	deadline := time.Now().Add(wait)
	for {
		msg, err := s.popMessage(ctx, workflowID, topic)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-time.After(sqlitePollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *SQLiteStore) popMessage(ctx context.Context, workflowID, topic string) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin consume transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		msg     Message
		payload []byte
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, workflow_id, topic, payload, received_at
		FROM workflow_messages
		WHERE workflow_id = ? AND topic = ?
		ORDER BY id LIMIT 1`, workflowID, topic).
		Scan(&msg.ID, &msg.WorkflowID, &msg.Topic, &payload, &msg.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	msg.Payload = payload

	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_messages WHERE id = ?`, msg.ID); err != nil {
		return nil, fmt.Errorf("failed to consume message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit consume: %w", err)
	}
	return &msg, nil
}

func (s *SQLiteStore) CreateExecution(ctx context.Context, row ExecutionRow) error {
	if row.Status == "" {
		row.Status = ExecutionCreated
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	debug := 0
	if row.Debug {
		debug = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, flow_id, owner_id, status, debug, created_at,
			error_message, root_execution_id, parent_execution_id, execution_depth,
			integration_context, event_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		row.ID, row.FlowID, row.OwnerID, string(row.Status), debug, row.CreatedAt,
		row.ErrorMessage, row.RootExecutionID, row.ParentExecutionID, row.ExecutionDepth,
		[]byte(row.IntegrationContext), []byte(row.EventData))
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (ExecutionRow, error) {
	var (
		row         ExecutionRow
		status      string
		debug       int
		startedAt   sql.NullTime
		completedAt sql.NullTime
		integration []byte
		eventData   []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, flow_id, owner_id, status, debug, created_at, started_at,
		       completed_at, error_message, root_execution_id, parent_execution_id,
		       execution_depth, integration_context, event_data
		FROM executions WHERE id = ?`, id).
		Scan(&row.ID, &row.FlowID, &row.OwnerID, &status, &debug, &row.CreatedAt,
			&startedAt, &completedAt, &row.ErrorMessage, &row.RootExecutionID,
			&row.ParentExecutionID, &row.ExecutionDepth, &integration, &eventData)
	if errors.Is(err, sql.ErrNoRows) {
		return ExecutionRow{}, ErrNotFound
	}
	if err != nil {
		return ExecutionRow{}, fmt.Errorf("failed to load execution: %w", err)
	}
	row.Status = ExecutionStatus(status)
	row.Debug = debug != 0
	if startedAt.Valid {
		t := startedAt.Time
		row.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		row.CompletedAt = &t
	}
	row.IntegrationContext = integration
	row.EventData = eventData
	return row, nil
}

func (s *SQLiteStore) UpdateExecutionStatus(ctx context.Context, id string, status ExecutionStatus, errMsg string) error {
	now := time.Now().UTC()
	var completedAt any
	if TerminalExecution(status) {
		completedAt = now
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, error_message = ?,
		    started_at = CASE WHEN ? = 'running' AND started_at IS NULL THEN ? ELSE started_at END,
		    completed_at = COALESCE(?, completed_at)
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		string(status), errMsg, string(status), now, completedAt, id,
		string(ExecutionCompleted), string(ExecutionFailed), string(ExecutionStopped))
	if err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetExecution(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrTerminal
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
