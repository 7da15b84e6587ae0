// Package store owns the three engine tables (executions, history_events,
// activity_tasks) plus cron schedules, and exposes the transactional
// operations the engine is built on. Every operation that pairs a state
// change with a history event commits both or neither.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"duraflow/internal/domain"
)

var ErrNotFound = errors.New("not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS executions (
  id TEXT PRIMARY KEY,
  workflow_name TEXT NOT NULL,
  input TEXT NOT NULL DEFAULT '{}',
  status TEXT NOT NULL CHECK(status IN ('PENDING','RUNNING','COMPLETED','FAILED','TIMED_OUT','CANCELED')) DEFAULT 'PENDING',
  result TEXT,
  error_kind TEXT,
  error_message TEXT,
  created_at DATETIME NOT NULL,
  started_at DATETIME,
  finished_at DATETIME,
  timeout_at DATETIME,
  parent_id TEXT REFERENCES executions(id),
  parent_handle INTEGER,
  next_wakeup_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_executions_runnable ON executions(status, next_wakeup_at);
CREATE INDEX IF NOT EXISTS idx_executions_timeout ON executions(status, timeout_at);
CREATE INDEX IF NOT EXISTS idx_executions_parent ON executions(parent_id, status);
CREATE TABLE IF NOT EXISTS history_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  execution_id TEXT NOT NULL REFERENCES executions(id),
  pos INTEGER NOT NULL,
  kind TEXT NOT NULL,
  payload TEXT NOT NULL DEFAULT '{}',
  created_at DATETIME NOT NULL,
  UNIQUE(execution_id, pos)
);
CREATE INDEX IF NOT EXISTS idx_history_execution ON history_events(execution_id, pos);
CREATE TABLE IF NOT EXISTS activity_tasks (
  handle INTEGER PRIMARY KEY AUTOINCREMENT,
  execution_id TEXT NOT NULL REFERENCES executions(id),
  name TEXT NOT NULL,
  args TEXT NOT NULL DEFAULT '[]',
  kwargs TEXT NOT NULL DEFAULT '{}',
  status TEXT NOT NULL CHECK(status IN ('QUEUED','RUNNING','COMPLETED','FAILED','TIMED_OUT','CANCELED')) DEFAULT 'QUEUED',
  attempt INTEGER NOT NULL DEFAULT 1,
  after_time DATETIME NOT NULL,
  expires_at DATETIME,
  heartbeat_timeout REAL NOT NULL DEFAULT 0,
  last_heartbeat_at DATETIME,
  heartbeat_details TEXT,
  retry_policy TEXT NOT NULL DEFAULT '{}',
  scheduled_event_pos INTEGER NOT NULL,
  last_error TEXT NOT NULL DEFAULT '',
  locked_by TEXT,
  locked_until DATETIME,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON activity_tasks(status, after_time);
CREATE INDEX IF NOT EXISTS idx_tasks_execution ON activity_tasks(execution_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_expiry ON activity_tasks(status, expires_at);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  workflow_name TEXT NOT NULL,
  input TEXT NOT NULL DEFAULT '{}',
  timeout_seconds REAL NOT NULL DEFAULT 0,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run DATETIME,
  next_run DATETIME NOT NULL,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run);
`
	_, err := db.Exec(schema)
	return err
}

type Store struct{ db *sql.DB }

func New(db *sql.DB) *Store { return &Store{db: db} }

// Open opens a SQLite database at path with the engine's connection
// settings and ensures the schema exists.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func now() time.Time { return time.Now().UTC() }

// CreateExecution inserts an Execution plus its WORKFLOW_STARTED event in
// one transaction and returns the new id.
func (s *Store) CreateExecution(ctx context.Context, workflowName string, input map[string]any, timeout time.Duration) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	id, err := s.createExecution(ctx, tx, workflowName, input, timeout)
	if err != nil {
		return "", err
	}
	return id, tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) createExecution(ctx context.Context, tx execer, workflowName string, input map[string]any, timeout time.Duration) (string, error) {
	id := uuid.NewString()
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return "", domain.Errorf(domain.ErrSerialization, "workflow input: %v", err)
	}
	ts := now()
	var timeoutAt *time.Time
	if timeout > 0 {
		t := ts.Add(timeout)
		timeoutAt = &t
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO executions (id,workflow_name,input,status,created_at,timeout_at,next_wakeup_at)
VALUES (?,?,?,'PENDING',?,?,?)`,
		id, workflowName, string(inputJSON), ts, timeoutAt, ts)
	if err != nil {
		return "", err
	}
	started, err := json.Marshal(map[string]any{"workflow_name": workflowName, "input": input})
	if err != nil {
		return "", domain.Errorf(domain.ErrSerialization, "workflow input: %v", err)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO history_events (execution_id,pos,kind,payload,created_at) VALUES (?,0,?,?,?)`,
		id, domain.EventWorkflowStarted, string(started), ts)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	return scanExecution(s.db.QueryRowContext(ctx, execSelect+` WHERE id=?`, id))
}

const execSelect = `
SELECT id,workflow_name,input,status,result,error_kind,error_message,created_at,started_at,finished_at,timeout_at,parent_id,parent_handle,next_wakeup_at
FROM executions`

type rowScanner interface{ Scan(dest ...any) error }

func scanExecution(row rowScanner) (domain.Execution, error) {
	var e domain.Execution
	var input string
	var result, errKind, errMsg, parentID sql.NullString
	var started, finished, timeoutAt, wakeup sql.NullTime
	var parentHandle sql.NullInt64
	err := row.Scan(&e.ID, &e.WorkflowName, &input, &e.Status, &result, &errKind, &errMsg,
		&e.CreatedAt, &started, &finished, &timeoutAt, &parentID, &parentHandle, &wakeup)
	if err == sql.ErrNoRows {
		return domain.Execution{}, ErrNotFound
	}
	if err != nil {
		return domain.Execution{}, err
	}
	if err := json.Unmarshal([]byte(input), &e.Input); err != nil {
		return domain.Execution{}, fmt.Errorf("decode input: %w", err)
	}
	if result.Valid {
		e.Result = json.RawMessage(result.String)
	}
	if errKind.Valid {
		e.Error = &domain.Error{Kind: domain.ErrorKind(errKind.String), Message: errMsg.String}
	}
	if started.Valid {
		t := started.Time
		e.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		e.FinishedAt = &t
	}
	if timeoutAt.Valid {
		t := timeoutAt.Time
		e.TimeoutAt = &t
	}
	if parentID.Valid {
		v := parentID.String
		e.ParentID = &v
	}
	if parentHandle.Valid {
		v := int(parentHandle.Int64)
		e.ParentHandle = &v
	}
	if wakeup.Valid {
		t := wakeup.Time
		e.NextWakeupAt = &t
	}
	return e, nil
}

// Snapshot returns a consistent read of an execution and its full history
// ordered by pos, for replay or query.
func (s *Store) Snapshot(ctx context.Context, id string) (domain.Execution, []domain.HistoryEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Execution{}, nil, err
	}
	defer tx.Rollback()
	exec, err := scanExecution(tx.QueryRowContext(ctx, execSelect+` WHERE id=?`, id))
	if err != nil {
		return domain.Execution{}, nil, err
	}
	events, err := loadEvents(ctx, tx, id)
	if err != nil {
		return domain.Execution{}, nil, err
	}
	return exec, events, tx.Commit()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadEvents(ctx context.Context, q querier, execID string) ([]domain.HistoryEvent, error) {
	rows, err := q.QueryContext(ctx, `
SELECT id,execution_id,pos,kind,payload,created_at FROM history_events
WHERE execution_id=? ORDER BY pos`, execID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []domain.HistoryEvent
	for rows.Next() {
		var ev domain.HistoryEvent
		var payload string
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &ev.Pos, &ev.Kind, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func nextPos(ctx context.Context, q querier, execID string) (int, error) {
	var pos int
	err := q.QueryRowContext(ctx, `
SELECT COALESCE(MAX(pos)+1,0) FROM history_events WHERE execution_id=?`, execID).Scan(&pos)
	return pos, err
}

func appendEvent(ctx context.Context, tx *sql.Tx, execID string, pos int, kind domain.EventKind, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return domain.Errorf(domain.ErrSerialization, "event payload: %v", err)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO history_events (execution_id,pos,kind,payload,created_at) VALUES (?,?,?,?,?)`,
		execID, pos, kind, string(b), now())
	return err
}

// AppendEvents appends events with store-assigned monotonic pos.
func (s *Store) AppendEvents(ctx context.Context, execID string, events []PendingEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	base, err := nextPos(ctx, tx, execID)
	if err != nil {
		return err
	}
	for i, ev := range events {
		if err := appendEvent(ctx, tx, execID, base+i, ev.Kind, json.RawMessage(ev.Payload)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// EnqueueSignal appends a SIGNAL_RECEIVED event and marks the execution
// runnable. Signals to terminal executions are silently dropped.
func (s *Store) EnqueueSignal(ctx context.Context, execID, name string, payload json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	exec, err := scanExecution(tx.QueryRowContext(ctx, execSelect+` WHERE id=?`, execID))
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}
	pos, err := nextPos(ctx, tx, execID)
	if err != nil {
		return err
	}
	if payload == nil {
		payload = json.RawMessage("null")
	}
	body := map[string]any{"name": name, "payload": payload}
	if err := appendEvent(ctx, tx, execID, pos, domain.EventSignalReceived, body); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE executions SET next_wakeup_at=? WHERE id=?`, now(), execID); err != nil {
		return err
	}
	return tx.Commit()
}

// FetchRunnable selects non-terminal executions whose next_wakeup_at is due.
func (s *Store) FetchRunnable(ctx context.Context, at time.Time, limit int) ([]domain.Execution, error) {
	rows, err := s.db.QueryContext(ctx, execSelect+`
 WHERE status='PENDING' AND next_wakeup_at IS NOT NULL AND next_wakeup_at <= ?
 ORDER BY next_wakeup_at LIMIT ?`, at.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var execs []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// TimedOutExecutions selects non-terminal executions past their deadline.
func (s *Store) TimedOutExecutions(ctx context.Context, at time.Time, limit int) ([]domain.Execution, error) {
	rows, err := s.db.QueryContext(ctx, execSelect+`
 WHERE status='PENDING' AND timeout_at IS NOT NULL AND timeout_at <= ? LIMIT ?`, at.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var execs []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// finishExecution writes a terminal event + status, closes out queued
// tasks, notifies the parent, and returns the ids of non-terminal children
// so the caller can cascade. All inside one transaction.
func (s *Store) finishExecution(ctx context.Context, execID string, kind domain.EventKind, status domain.ExecutionStatus, terr *domain.Error, cancelQueued bool, childKind domain.EventKind) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	exec, err := scanExecution(tx.QueryRowContext(ctx, execSelect+` WHERE id=?`, execID))
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		return nil, nil
	}
	pos, err := nextPos(ctx, tx, execID)
	if err != nil {
		return nil, err
	}
	if err := appendEvent(ctx, tx, execID, pos, kind, map[string]any{"error": terr}); err != nil {
		return nil, err
	}
	ts := now()
	_, err = tx.ExecContext(ctx, `
UPDATE executions SET status=?, error_kind=?, error_message=?, finished_at=?, next_wakeup_at=NULL WHERE id=?`,
		status, string(terr.Kind), terr.Message, ts, execID)
	if err != nil {
		return nil, err
	}
	if cancelQueued {
		if _, err := tx.ExecContext(ctx, `
UPDATE activity_tasks SET status='CANCELED', updated_at=? WHERE execution_id=? AND status='QUEUED'`, ts, execID); err != nil {
			return nil, err
		}
	}
	if err := notifyParent(ctx, tx, exec, childKind, map[string]any{"child_id": execID, "error": terr}); err != nil {
		return nil, err
	}
	children, err := childIDs(ctx, tx, execID)
	if err != nil {
		return nil, err
	}
	return children, tx.Commit()
}

func childIDs(ctx context.Context, q querier, execID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
SELECT id FROM executions WHERE parent_id=? AND status IN ('PENDING','RUNNING')`, execID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func notifyParent(ctx context.Context, tx *sql.Tx, exec domain.Execution, kind domain.EventKind, payload map[string]any) error {
	if exec.ParentID == nil || kind == "" {
		return nil
	}
	parent, err := scanExecution(tx.QueryRowContext(ctx, execSelect+` WHERE id=?`, *exec.ParentID))
	if err != nil {
		return err
	}
	if parent.Status.Terminal() {
		return nil
	}
	pos, err := nextPos(ctx, tx, parent.ID)
	if err != nil {
		return err
	}
	if exec.ParentHandle != nil {
		payload["scheduled_pos"] = *exec.ParentHandle
	}
	if err := appendEvent(ctx, tx, parent.ID, pos, kind, payload); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE executions SET next_wakeup_at=? WHERE id=?`, now(), parent.ID)
	return err
}

// CancelExecution marks the execution CANCELED with its WORKFLOW_CANCELED
// event. Returns non-terminal child ids for recursive cancellation.
// Idempotent on already-terminal executions.
func (s *Store) CancelExecution(ctx context.Context, execID, reason string, cancelQueued bool) ([]string, error) {
	msg := reason
	if msg == "" {
		msg = "canceled"
	}
	terr := &domain.Error{Kind: domain.ErrCanceled, Message: msg}
	return s.finishExecution(ctx, execID, domain.EventWorkflowCanceled, domain.StatusCanceled, terr, cancelQueued, domain.EventChildFailed)
}

// TimeoutExecution marks the execution TIMED_OUT and returns non-terminal
// child ids so the worker can cascade cancellation.
func (s *Store) TimeoutExecution(ctx context.Context, execID string) ([]string, error) {
	terr := &domain.Error{Kind: domain.ErrWorkflowTimedOut, Message: "workflow timed out"}
	return s.finishExecution(ctx, execID, domain.EventWorkflowTimedOut, domain.StatusTimedOut, terr, true, domain.EventChildFailed)
}

// NextDue returns the earliest instant at which anything becomes
// runnable: the nearest queued task after_time or execution wakeup.
func (s *Store) NextDue(ctx context.Context) (*time.Time, error) {
	var due sql.NullTime
	err := s.db.QueryRowContext(ctx, `
SELECT MIN(t) FROM (
  SELECT MIN(after_time) AS t FROM activity_tasks WHERE status='QUEUED'
  UNION ALL
  SELECT MIN(next_wakeup_at) FROM executions WHERE status='PENDING' AND next_wakeup_at IS NOT NULL
)`).Scan(&due)
	if err != nil {
		return nil, err
	}
	if !due.Valid {
		return nil, nil
	}
	t := due.Time
	return &t, nil
}
