package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"duraflow/internal/domain"
	"duraflow/internal/retry"
)

// PendingEvent is a history event buffered by a scheduler step. Positions
// are assigned at commit time so interleaved signal events never collide.
type PendingEvent struct {
	Kind    domain.EventKind
	Payload json.RawMessage
}

// PendingTask enqueues an ActivityTask bound to the pending event at
// EventIndex; its scheduled_event_pos resolves to that event's final pos.
type PendingTask struct {
	EventIndex       int
	Name             string
	Args             []any
	Kwargs           map[string]any
	AfterTime        time.Time
	ExpiresAt        *time.Time
	HeartbeatTimeout time.Duration
	Retry            retry.Policy
}

// PendingChild creates a child execution bound to the pending
// CHILD_SCHEDULED event at EventIndex.
type PendingChild struct {
	EventIndex   int
	ChildID      string
	WorkflowName string
	Input        map[string]any
	Timeout      time.Duration
}

// StepOutcome is everything one scheduler step produced. A nil Status
// means the workflow yielded and the execution stays PENDING.
type StepOutcome struct {
	Events   []PendingEvent
	Tasks    []PendingTask
	Children []PendingChild
	Status   *domain.ExecutionStatus
	Result   json.RawMessage
	Err      *domain.Error
}

// StepCommit applies a scheduler step as a single transaction: append
// events, enqueue tasks, create child executions, then either settle the
// terminal status or recompute next_wakeup_at from the queued tasks.
func (s *Store) StepCommit(ctx context.Context, execID string, out StepOutcome) error {
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

	base, err := nextPos(ctx, tx, execID)
	if err != nil {
		return err
	}
	for i, ev := range out.Events {
		if err := appendEvent(ctx, tx, execID, base+i, ev.Kind, json.RawMessage(ev.Payload)); err != nil {
			return err
		}
	}

	ts := now()
	for _, t := range out.Tasks {
		argsJSON, err := json.Marshal(t.Args)
		if err != nil {
			return domain.Errorf(domain.ErrSerialization, "task args: %v", err)
		}
		kwargsJSON, err := json.Marshal(t.Kwargs)
		if err != nil {
			return domain.Errorf(domain.ErrSerialization, "task kwargs: %v", err)
		}
		policyJSON, err := json.Marshal(t.Retry)
		if err != nil {
			return domain.Errorf(domain.ErrSerialization, "retry policy: %v", err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO activity_tasks (execution_id,name,args,kwargs,status,attempt,after_time,expires_at,heartbeat_timeout,retry_policy,scheduled_event_pos,created_at,updated_at)
VALUES (?,?,?,?,'QUEUED',1,?,?,?,?,?,?,?)`,
			execID, t.Name, string(argsJSON), string(kwargsJSON),
			t.AfterTime.UTC(), nullTime(t.ExpiresAt), t.HeartbeatTimeout.Seconds(),
			string(policyJSON), base+t.EventIndex, ts, ts)
		if err != nil {
			return err
		}
	}

	for _, c := range out.Children {
		if err := s.createChild(ctx, tx, c, execID, base+c.EventIndex); err != nil {
			return err
		}
	}

	if out.Status != nil {
		switch *out.Status {
		case domain.StatusCompleted:
			_, err = tx.ExecContext(ctx, `
UPDATE executions SET status='COMPLETED', result=?, finished_at=?, next_wakeup_at=NULL,
  started_at=COALESCE(started_at,?) WHERE id=?`,
				string(out.Result), ts, ts, execID)
			if err != nil {
				return err
			}
			if err := notifyParent(ctx, tx, exec, domain.EventChildCompleted, map[string]any{
				"child_id": execID, "result": out.Result,
			}); err != nil {
				return err
			}
		case domain.StatusFailed:
			_, err = tx.ExecContext(ctx, `
UPDATE executions SET status='FAILED', error_kind=?, error_message=?, finished_at=?, next_wakeup_at=NULL,
  started_at=COALESCE(started_at,?) WHERE id=?`,
				string(out.Err.Kind), out.Err.Message, ts, ts, execID)
			if err != nil {
				return err
			}
			if err := notifyParent(ctx, tx, exec, domain.EventChildFailed, map[string]any{
				"child_id": execID, "error": out.Err,
			}); err != nil {
				return err
			}
		default:
			return domain.Errorf(domain.ErrInternal, "step commit with status %s", *out.Status)
		}
		return tx.Commit()
	}

	// Yielded: wake when the earliest queued task is due, or wait on an
	// external event if none.
	_, err = tx.ExecContext(ctx, `
UPDATE executions SET started_at=COALESCE(started_at,?),
  next_wakeup_at=(SELECT MIN(after_time) FROM activity_tasks WHERE execution_id=? AND status='QUEUED')
WHERE id=?`, ts, execID, execID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) createChild(ctx context.Context, tx *sql.Tx, c PendingChild, parentID string, parentHandle int) error {
	inputJSON, err := json.Marshal(c.Input)
	if err != nil {
		return domain.Errorf(domain.ErrSerialization, "child input: %v", err)
	}
	ts := now()
	var timeoutAt *time.Time
	if c.Timeout > 0 {
		t := ts.Add(c.Timeout)
		timeoutAt = &t
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO executions (id,workflow_name,input,status,created_at,timeout_at,parent_id,parent_handle,next_wakeup_at)
VALUES (?,?,?,'PENDING',?,?,?,?,?)`,
		c.ChildID, c.WorkflowName, string(inputJSON), ts, nullTime(timeoutAt), parentID, parentHandle, ts)
	if err != nil {
		return err
	}
	started, err := json.Marshal(map[string]any{"workflow_name": c.WorkflowName, "input": c.Input})
	if err != nil {
		return domain.Errorf(domain.ErrSerialization, "child input: %v", err)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO history_events (execution_id,pos,kind,payload,created_at) VALUES (?,0,?,?,?)`,
		c.ChildID, domain.EventWorkflowStarted, string(started), ts)
	return err
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
