package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"duraflow/internal/domain"
)

const taskSelect = `
SELECT handle,execution_id,name,args,kwargs,status,attempt,after_time,expires_at,heartbeat_timeout,last_heartbeat_at,heartbeat_details,retry_policy,scheduled_event_pos,last_error,locked_by,locked_until,created_at,updated_at
FROM activity_tasks`

func scanTask(row rowScanner) (domain.ActivityTask, error) {
	var t domain.ActivityTask
	var args, kwargs, policy string
	var hbSeconds float64
	var expires, lastHB, lockedUntil sql.NullTime
	var hbDetails, lockedBy sql.NullString
	err := row.Scan(&t.Handle, &t.ExecutionID, &t.Name, &args, &kwargs, &t.Status, &t.Attempt,
		&t.AfterTime, &expires, &hbSeconds, &lastHB, &hbDetails, &policy,
		&t.ScheduledEventPos, &t.LastError, &lockedBy, &lockedUntil, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.ActivityTask{}, ErrNotFound
	}
	if err != nil {
		return domain.ActivityTask{}, err
	}
	if err := json.Unmarshal([]byte(args), &t.Args); err != nil {
		return domain.ActivityTask{}, fmt.Errorf("decode args: %w", err)
	}
	if err := json.Unmarshal([]byte(kwargs), &t.Kwargs); err != nil {
		return domain.ActivityTask{}, fmt.Errorf("decode kwargs: %w", err)
	}
	if err := json.Unmarshal([]byte(policy), &t.RetryPolicy); err != nil {
		return domain.ActivityTask{}, fmt.Errorf("decode retry policy: %w", err)
	}
	t.HeartbeatTimeout = time.Duration(hbSeconds * float64(time.Second))
	if expires.Valid {
		v := expires.Time
		t.ExpiresAt = &v
	}
	if lastHB.Valid {
		v := lastHB.Time
		t.LastHeartbeatAt = &v
	}
	if hbDetails.Valid {
		t.HeartbeatDetails = json.RawMessage(hbDetails.String)
	}
	if lockedBy.Valid {
		t.LockedBy = lockedBy.String
	}
	if lockedUntil.Valid {
		v := lockedUntil.Time
		t.LockedUntil = &v
	}
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, handle int64) (domain.ActivityTask, error) {
	return scanTask(s.db.QueryRowContext(ctx, taskSelect+` WHERE handle=?`, handle))
}

// LeaseDueTasks claims up to limit due QUEUED tasks for workerID: each is
// marked RUNNING with a lease so parallel workers skip it. Tasks of
// terminal executions are never leased.
func (s *Store) LeaseDueTasks(ctx context.Context, at time.Time, limit int, workerID string, leaseFor time.Duration) ([]domain.ActivityTask, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, taskSelect+`
 WHERE status='QUEUED' AND after_time <= ?
   AND execution_id IN (SELECT id FROM executions WHERE status IN ('PENDING','RUNNING'))
 ORDER BY after_time LIMIT ?`, at.UTC(), limit)
	if err != nil {
		return nil, err
	}
	var tasks []domain.ActivityTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ts := now()
	for i := range tasks {
		until := ts.Add(leaseFor)
		if tasks[i].ExpiresAt != nil && tasks[i].ExpiresAt.After(until) {
			until = *tasks[i].ExpiresAt
		}
		_, err := tx.ExecContext(ctx, `
UPDATE activity_tasks SET status='RUNNING', locked_by=?, locked_until=?, last_heartbeat_at=?, updated_at=?
WHERE handle=?`, workerID, until, ts, ts, tasks[i].Handle)
		if err != nil {
			return nil, err
		}
		tasks[i].Status = domain.TaskRunning
		tasks[i].LockedBy = workerID
		tasks[i].LockedUntil = &until
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// CompleteTask settles a task with its paired terminal history event and
// marks the owning execution runnable, all in one transaction. When the
// execution is already terminal the task row is settled but no event is
// written; its result is ignored.
func (s *Store) CompleteTask(ctx context.Context, handle int64, status domain.TaskStatus, kind domain.EventKind, result json.RawMessage, taskErr *domain.Error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	task, err := scanTask(tx.QueryRowContext(ctx, taskSelect+` WHERE handle=?`, handle))
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}
	ts := now()
	errMsg := ""
	if taskErr != nil {
		errMsg = taskErr.Message
	}
	_, err = tx.ExecContext(ctx, `
UPDATE activity_tasks SET status=?, last_error=?, locked_by=NULL, locked_until=NULL, updated_at=?
WHERE handle=?`, status, errMsg, ts, handle)
	if err != nil {
		return err
	}

	exec, err := scanExecution(tx.QueryRowContext(ctx, execSelect+` WHERE id=?`, task.ExecutionID))
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return tx.Commit()
	}

	pos, err := nextPos(ctx, tx, task.ExecutionID)
	if err != nil {
		return err
	}
	payload := map[string]any{"scheduled_pos": task.ScheduledEventPos, "name": task.Name}
	if result != nil {
		payload["result"] = result
	}
	if taskErr != nil {
		payload["error"] = taskErr
	}
	if err := appendEvent(ctx, tx, task.ExecutionID, pos, kind, payload); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE executions SET next_wakeup_at=? WHERE id=?`, ts, task.ExecutionID); err != nil {
		return err
	}
	return tx.Commit()
}

// RequeueTask returns a task to QUEUED for another attempt after a retry
// backoff. No history event is written; the terminal event only fires on
// the final attempt's outcome.
func (s *Store) RequeueTask(ctx context.Context, handle int64, after time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE activity_tasks SET status='QUEUED', attempt=attempt+1, after_time=?, last_error=?,
  locked_by=NULL, locked_until=NULL, last_heartbeat_at=NULL, updated_at=?
WHERE handle=? AND status IN ('QUEUED','RUNNING')`, after.UTC(), lastError, now(), handle)
	return err
}

// Heartbeat records activity liveness and extends the worker lease.
func (s *Store) Heartbeat(ctx context.Context, handle int64, details json.RawMessage, extendTo time.Time) error {
	ts := now()
	var det any
	if details != nil {
		det = string(details)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE activity_tasks SET last_heartbeat_at=?, heartbeat_details=COALESCE(?,heartbeat_details), locked_until=?, updated_at=?
WHERE handle=? AND status='RUNNING'`, ts, det, extendTo.UTC(), ts, handle)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecoverExpiredLeases returns RUNNING tasks with lapsed leases to QUEUED.
// The attempt counter is untouched; a crashed worker is not a failure.
func (s *Store) RecoverExpiredLeases(ctx context.Context, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE activity_tasks SET status='QUEUED', locked_by=NULL, locked_until=NULL, updated_at=?
WHERE status='RUNNING' AND locked_until IS NOT NULL AND locked_until <= ?`, now(), at.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ExpiredTasks selects live tasks past their schedule-to-close deadline.
func (s *Store) ExpiredTasks(ctx context.Context, at time.Time, limit int) ([]domain.ActivityTask, error) {
	return s.selectTasks(ctx, taskSelect+`
 WHERE status IN ('QUEUED','RUNNING') AND expires_at IS NOT NULL AND expires_at <= ?
   AND execution_id IN (SELECT id FROM executions WHERE status IN ('PENDING','RUNNING'))
 LIMIT ?`, at.UTC(), limit)
}

// HeartbeatCandidates selects RUNNING tasks that carry a heartbeat
// deadline; staleness arithmetic happens in the worker.
func (s *Store) HeartbeatCandidates(ctx context.Context, limit int) ([]domain.ActivityTask, error) {
	return s.selectTasks(ctx, taskSelect+`
 WHERE status='RUNNING' AND heartbeat_timeout > 0 LIMIT ?`, limit)
}

// Tasks lists every task of one execution, terminal ones included.
func (s *Store) Tasks(ctx context.Context, execID string) ([]domain.ActivityTask, error) {
	return s.selectTasks(ctx, taskSelect+`
 WHERE execution_id=? ORDER BY handle`, execID)
}

// PendingTasks lists non-terminal tasks of one execution.
func (s *Store) PendingTasks(ctx context.Context, execID string) ([]domain.ActivityTask, error) {
	return s.selectTasks(ctx, taskSelect+`
 WHERE execution_id=? AND status IN ('QUEUED','RUNNING') ORDER BY handle`, execID)
}

func (s *Store) selectTasks(ctx context.Context, query string, args ...any) ([]domain.ActivityTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []domain.ActivityTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
