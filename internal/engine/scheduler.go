package engine

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"duraflow/internal/domain"
	"duraflow/internal/store"
)

// Scheduler advances one execution at a time: replay the body against the
// history snapshot, then commit whatever the replay produced as a single
// transaction. The DB transaction is never held across the body itself.
type Scheduler struct {
	store *store.Store
	reg   *Registry
}

func NewScheduler(st *store.Store, reg *Registry) *Scheduler {
	return &Scheduler{store: st, reg: reg}
}

// Step runs the workflow body once and commits the outcome. Terminal
// executions are left untouched.
func (s *Scheduler) Step(ctx context.Context, execID string) error {
	exec, events, err := s.store.Snapshot(ctx, execID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}

	entry, lerr := s.reg.LookupWorkflow(exec.WorkflowName)
	if lerr != nil {
		return s.fail(ctx, execID, domain.AsError(lerr))
	}

	wctx := newContext(exec, events, s.reg)
	result, failure, paused := runBody(wctx, entry.Fn, exec.Input)

	switch {
	case paused:
		return s.store.StepCommit(ctx, execID, wctx.out)
	case failure != nil:
		log.Debug().Str("execution_id", execID).Str("kind", string(failure.Kind)).
			Str("error", failure.Message).Msg("workflow failed")
		return s.fail(ctx, execID, failure)
	default:
		resultJSON, merr := json.Marshal(result)
		if merr != nil {
			return s.fail(ctx, execID, domain.Errorf(domain.ErrSerialization, "workflow result: %v", merr))
		}
		out := wctx.out
		payload, merr := json.Marshal(map[string]any{"result": json.RawMessage(resultJSON)})
		if merr != nil {
			return s.fail(ctx, execID, domain.Errorf(domain.ErrSerialization, "workflow result: %v", merr))
		}
		out.Events = append(out.Events, store.PendingEvent{Kind: domain.EventWorkflowCompleted, Payload: payload})
		status := domain.StatusCompleted
		out.Status = &status
		out.Result = resultJSON
		return s.store.StepCommit(ctx, execID, out)
	}
}

// fail commits a terminal WORKFLOW_FAILED, dropping any buffered schedule
// events so no work is enqueued for a dead execution.
func (s *Scheduler) fail(ctx context.Context, execID string, ferr *domain.Error) error {
	payload, err := json.Marshal(map[string]any{"error": ferr})
	if err != nil {
		payload = []byte(`{}`)
	}
	status := domain.StatusFailed
	return s.store.StepCommit(ctx, execID, store.StepOutcome{
		Events: []store.PendingEvent{{Kind: domain.EventWorkflowFailed, Payload: payload}},
		Status: &status,
		Err:    ferr,
	})
}

// runBody invokes the workflow body, converting the control-flow panics of
// the replay core into outcomes. Any other panic is an INTERNAL failure.
func runBody(c *Context, fn WorkflowFunc, input map[string]any) (result any, failure *domain.Error, paused bool) {
	defer func() {
		switch r := recover().(type) {
		case nil:
		case needsPause:
			paused = true
		case nondeterminismPanic:
			failure = domain.Errorf(domain.ErrNondeterminism, "%s", r.msg)
		case failWorkflow:
			failure = r.err
		default:
			failure = domain.Errorf(domain.ErrInternal, "workflow panic: %v", r)
		}
	}()
	res, err := fn(c, input)
	if err != nil {
		return nil, domain.AsError(err), false
	}
	return res, nil, false
}
