// Package engine implements the durable-execution core: the replay state
// machine, the scheduler that drives it, and the public workflow API.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"duraflow/internal/domain"
	"duraflow/internal/store"
)

// Engine bundles the persistence backend and the registry behind the
// public start / wait / signal / cancel / query operations.
type Engine struct {
	store     *store.Store
	reg       *Registry
	scheduler *Scheduler
}

func New(st *store.Store, reg *Registry) *Engine {
	return &Engine{store: st, reg: reg, scheduler: NewScheduler(st, reg)}
}

func (e *Engine) Registry() *Registry   { return e.reg }
func (e *Engine) Scheduler() *Scheduler { return e.scheduler }

// StartWorkflow creates a PENDING execution with its WORKFLOW_STARTED
// event and returns the execution id. The workflow need not be registered
// in this process; an unknown name fails at step time instead.
func (e *Engine) StartWorkflow(ctx context.Context, name string, input map[string]any, timeout time.Duration) (string, error) {
	if timeout == 0 {
		if entry, err := e.reg.LookupWorkflow(name); err == nil {
			timeout = entry.Timeout
		}
	}
	if _, err := json.Marshal(input); err != nil {
		return "", domain.Errorf(domain.ErrSerialization, "workflow input: %v", err)
	}
	return e.store.CreateExecution(ctx, name, input, timeout)
}

// WaitWorkflow polls the execution until it reaches a terminal status:
// COMPLETED returns the result, every other terminal raises the stored
// structured failure.
func (e *Engine) WaitWorkflow(ctx context.Context, id string) (json.RawMessage, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		exec, err := e.store.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		switch exec.Status {
		case domain.StatusCompleted:
			return exec.Result, nil
		case domain.StatusFailed:
			if exec.Error != nil {
				return nil, exec.Error
			}
			return nil, domain.Errorf(domain.ErrInternal, "workflow failed")
		case domain.StatusTimedOut:
			return nil, domain.Errorf(domain.ErrWorkflowTimedOut, "workflow timed out")
		case domain.StatusCanceled:
			if exec.Error != nil {
				return nil, exec.Error
			}
			return nil, domain.Errorf(domain.ErrCanceled, "workflow canceled")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunWorkflow starts a workflow and waits for its result.
func (e *Engine) RunWorkflow(ctx context.Context, name string, input map[string]any, timeout time.Duration) (json.RawMessage, error) {
	id, err := e.StartWorkflow(ctx, name, input, timeout)
	if err != nil {
		return nil, err
	}
	return e.WaitWorkflow(ctx, id)
}

// SignalWorkflow appends a SIGNAL_RECEIVED event and wakes the execution.
// Signals to terminal executions are silently dropped.
func (e *Engine) SignalWorkflow(ctx context.Context, id, name string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return domain.Errorf(domain.ErrSerialization, "signal payload: %v", err)
	}
	return e.store.EnqueueSignal(ctx, id, name, b)
}

// CancelWorkflow cancels an execution and, recursively, its non-terminal
// children. Idempotent on already-terminal executions.
func (e *Engine) CancelWorkflow(ctx context.Context, id, reason string, cancelQueued bool) error {
	pending := []string{id}
	first := true
	for len(pending) > 0 {
		cur := pending[0]
		pending = pending[1:]
		r := reason
		if !first && r == "" {
			r = "parent canceled"
		}
		cq := cancelQueued || !first
		children, err := e.store.CancelExecution(ctx, cur, r, cq)
		if err != nil {
			return err
		}
		pending = append(pending, children...)
		first = false
	}
	return nil
}

// CancelChildren cancels the given executions and their descendants; used
// by the worker to cascade workflow timeouts.
func (e *Engine) CancelChildren(ctx context.Context, ids []string, reason string) error {
	for _, id := range ids {
		if err := e.CancelWorkflow(ctx, id, reason, true); err != nil {
			return err
		}
	}
	return nil
}

// QueryWorkflow runs a read-only query handler against a snapshot of the
// execution. The built-in "status" query needs no registration.
func (e *Engine) QueryWorkflow(ctx context.Context, id, name string, payload map[string]any) (any, error) {
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if name == "status" {
		pending, err := e.store.PendingTasks(ctx, id)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"id":                 exec.ID,
			"workflow_name":      exec.WorkflowName,
			"status":             exec.Status,
			"result":             exec.Result,
			"error":              exec.Error,
			"pending_activities": len(pending),
		}, nil
	}
	fn, err := e.reg.LookupQuery(exec.WorkflowName, name)
	if err != nil {
		return nil, err
	}
	return fn(exec, payload)
}
