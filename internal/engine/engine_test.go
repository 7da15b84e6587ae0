package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duraflow/internal/domain"
	"duraflow/internal/engine"
	"duraflow/internal/retry"
	"duraflow/internal/store"
	"duraflow/internal/worker"
)

type env struct {
	st  *store.Store
	reg *engine.Registry
	eng *engine.Engine
	w   *worker.Worker
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	reg := engine.NewRegistry()
	eng := engine.New(st, reg)
	return &env{st: st, reg: reg, eng: eng, w: newWorker(eng, st)}
}

func newWorker(eng *engine.Engine, st *store.Store) *worker.Worker {
	return worker.New(eng, st, worker.Options{
		Tick:     10 * time.Millisecond,
		Batch:    10,
		Procs:    4,
		LeaseFor: 5 * time.Second,
	})
}

// drive ticks the worker until the execution reaches a terminal status.
func (e *env) drive(t *testing.T, id string, timeout time.Duration) domain.Execution {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		e.w.Tick(ctx, time.Now().UTC())
		exec, err := e.st.GetExecution(ctx, id)
		require.NoError(t, err)
		if exec.Status.Terminal() {
			return exec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution %s did not finish within %s", id, timeout)
	return domain.Execution{}
}

func kinds(events []domain.HistoryEvent) []domain.EventKind {
	out := make([]domain.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func countKind(events []domain.HistoryEvent, kind domain.EventKind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func registerAdd(reg *engine.Registry) {
	reg.RegisterActivity("add", func(ctx *engine.ActivityContext, args []any, kwargs map[string]any) (any, error) {
		return args[0].(float64) + args[1].(float64), nil
	}, engine.ActivityOptions{})
}

func TestLinearTwoStep(t *testing.T) {
	e := newEnv(t)
	registerAdd(e.reg)
	e.reg.RegisterWorkflow("add_wf", func(ctx *engine.Context, input map[string]any) (any, error) {
		v, err := ctx.RunActivity("add", input["a"], input["b"])
		if err != nil {
			return nil, err
		}
		return map[string]any{"value": v}, nil
	}, engine.WorkflowOptions{})

	ctx := context.Background()
	id, err := e.eng.StartWorkflow(ctx, "add_wf", map[string]any{"a": 2.0, "b": 3.0}, 0)
	require.NoError(t, err)

	exec := e.drive(t, id, 5*time.Second)
	assert.Equal(t, domain.StatusCompleted, exec.Status)
	assert.JSONEq(t, `{"value":5}`, string(exec.Result))

	_, events, err := e.st.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []domain.EventKind{
		domain.EventWorkflowStarted,
		domain.EventActivityScheduled,
		domain.EventActivityCompleted,
		domain.EventWorkflowCompleted,
	}, kinds(events))
}

func TestDurableTimerSurvivesWorkerRestart(t *testing.T) {
	e := newEnv(t)
	e.reg.RegisterWorkflow("timer", func(ctx *engine.Context, input map[string]any) (any, error) {
		ctx.Sleep(300 * time.Millisecond)
		return "ok", nil
	}, engine.WorkflowOptions{})

	ctx := context.Background()
	start := time.Now()
	id, err := e.eng.StartWorkflow(ctx, "timer", nil, 0)
	require.NoError(t, err)

	// First worker schedules the timer, then "crashes" mid-sleep.
	for i := 0; i < 5; i++ {
		e.w.Tick(ctx, time.Now().UTC())
		time.Sleep(10 * time.Millisecond)
	}
	exec, err := e.st.GetExecution(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, exec.Status)

	// A fresh worker resumes from the log.
	e.w = newWorker(e.eng, e.st)
	exec = e.drive(t, id, 5*time.Second)
	assert.Equal(t, domain.StatusCompleted, exec.Status)
	assert.JSONEq(t, `"ok"`, string(exec.Result))
	assert.GreaterOrEqual(t, exec.FinishedAt.Sub(start.UTC()), 300*time.Millisecond)

	_, events, err := e.st.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, countKind(events, domain.EventTimerScheduled))
	assert.Equal(t, 1, countKind(events, domain.EventTimerFired))
}

func TestRetryToSuccess(t *testing.T) {
	e := newEnv(t)
	var calls atomic.Int32
	e.reg.RegisterActivity("flaky", func(ctx *engine.ActivityContext, args []any, kwargs map[string]any) (any, error) {
		if calls.Add(1) < 3 {
			return nil, fmt.Errorf("transient failure")
		}
		return "done", nil
	}, engine.ActivityOptions{
		Retry: &retry.Policy{InitialInterval: 0.01, MaximumAttempts: 3, Strategy: retry.Exponential},
	})
	e.reg.RegisterWorkflow("retrying", func(ctx *engine.Context, input map[string]any) (any, error) {
		return ctx.RunActivity("flaky")
	}, engine.WorkflowOptions{})

	ctx := context.Background()
	id, err := e.eng.StartWorkflow(ctx, "retrying", nil, 0)
	require.NoError(t, err)

	exec := e.drive(t, id, 5*time.Second)
	assert.Equal(t, domain.StatusCompleted, exec.Status)
	assert.JSONEq(t, `"done"`, string(exec.Result))

	_, events, err := e.st.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, countKind(events, domain.EventActivityScheduled))
	assert.Equal(t, 1, countKind(events, domain.EventActivityCompleted))
	assert.Equal(t, 0, countKind(events, domain.EventActivityFailed))

	tasks, err := e.st.Tasks(ctx, id)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 3, tasks[0].Attempt)
	assert.Equal(t, domain.TaskCompleted, tasks[0].Status)
}

func TestRetryBudgetExhaustedPropagates(t *testing.T) {
	e := newEnv(t)
	e.reg.RegisterActivity("doomed", func(ctx *engine.ActivityContext, args []any, kwargs map[string]any) (any, error) {
		return nil, fmt.Errorf("always broken")
	}, engine.ActivityOptions{
		Retry: &retry.Policy{InitialInterval: 0.01, MaximumAttempts: 2, Strategy: retry.Exponential},
	})
	e.reg.RegisterWorkflow("failing", func(ctx *engine.Context, input map[string]any) (any, error) {
		return ctx.RunActivity("doomed")
	}, engine.WorkflowOptions{})

	ctx := context.Background()
	id, err := e.eng.StartWorkflow(ctx, "failing", nil, 0)
	require.NoError(t, err)

	exec := e.drive(t, id, 5*time.Second)
	assert.Equal(t, domain.StatusFailed, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Equal(t, domain.ErrActivityFailed, exec.Error.Kind)

	_, events, err := e.st.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, countKind(events, domain.EventActivityFailed), "only the final attempt writes the terminal event")
}

func TestSignalWait(t *testing.T) {
	e := newEnv(t)
	e.reg.RegisterWorkflow("waiter", func(ctx *engine.Context, input map[string]any) (any, error) {
		return ctx.WaitSignal("go")
	}, engine.WorkflowOptions{})

	ctx := context.Background()
	id, err := e.eng.StartWorkflow(ctx, "waiter", nil, 0)
	require.NoError(t, err)

	e.w.Tick(ctx, time.Now().UTC())
	exec, err := e.st.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, exec.Status)
	assert.Nil(t, exec.NextWakeupAt, "nothing due while waiting on the signal")

	require.NoError(t, e.eng.SignalWorkflow(ctx, id, "go", map[string]any{"x": 1}))

	exec = e.drive(t, id, 5*time.Second)
	assert.Equal(t, domain.StatusCompleted, exec.Status)
	assert.JSONEq(t, `{"x":1}`, string(exec.Result))
}

func TestCancellationDuringSleep(t *testing.T) {
	e := newEnv(t)
	registerAdd(e.reg)
	e.reg.RegisterWorkflow("sleeper", func(ctx *engine.Context, input map[string]any) (any, error) {
		ctx.Sleep(time.Hour)
		return ctx.RunActivity("add", 1, 2)
	}, engine.WorkflowOptions{})

	ctx := context.Background()
	id, err := e.eng.StartWorkflow(ctx, "sleeper", nil, 0)
	require.NoError(t, err)

	e.w.Tick(ctx, time.Now().UTC())
	require.NoError(t, e.eng.CancelWorkflow(ctx, id, "stop", true))

	exec, events, err := e.st.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, exec.Status)
	assert.Equal(t, 1, countKind(events, domain.EventWorkflowCanceled))
	assert.Equal(t, 1, countKind(events, domain.EventTimerScheduled))
	assert.Equal(t, 0, countKind(events, domain.EventActivityScheduled), "the activity after the sleep never schedules")

	tasks, err := e.st.Tasks(ctx, id)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskCanceled, tasks[0].Status)

	// A later tick must not resurrect the execution.
	e.w.Tick(ctx, time.Now().UTC())
	exec, err = e.st.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, exec.Status)
}

func TestNondeterminismDetection(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	regV1 := engine.NewRegistry()
	regV1.RegisterWorkflow("versioned", func(c *engine.Context, input map[string]any) (any, error) {
		c.Sleep(time.Hour)
		return nil, nil
	}, engine.WorkflowOptions{})
	engV1 := engine.New(st, regV1)

	id, err := engV1.StartWorkflow(ctx, "versioned", nil, 0)
	require.NoError(t, err)
	require.NoError(t, engV1.Scheduler().Step(ctx, id))

	// A new code version produces a different first event for the same
	// history: replay must fail instead of corrupting state.
	regV2 := engine.NewRegistry()
	regV2.RegisterActivity("add", func(c *engine.ActivityContext, args []any, kwargs map[string]any) (any, error) {
		return 0, nil
	}, engine.ActivityOptions{})
	regV2.RegisterWorkflow("versioned", func(c *engine.Context, input map[string]any) (any, error) {
		return c.RunActivity("add", 1, 2)
	}, engine.WorkflowOptions{})
	engV2 := engine.New(st, regV2)

	require.NoError(t, engV2.Scheduler().Step(ctx, id))

	exec, err := st.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Equal(t, domain.ErrNondeterminism, exec.Error.Kind)
}

func TestChildWorkflow(t *testing.T) {
	e := newEnv(t)
	e.reg.RegisterWorkflow("child", func(ctx *engine.Context, input map[string]any) (any, error) {
		return input["n"].(float64) * 2, nil
	}, engine.WorkflowOptions{})
	e.reg.RegisterWorkflow("parent", func(ctx *engine.Context, input map[string]any) (any, error) {
		return ctx.RunChildWorkflow("child", map[string]any{"n": 21.0})
	}, engine.WorkflowOptions{})

	ctx := context.Background()
	id, err := e.eng.StartWorkflow(ctx, "parent", nil, 0)
	require.NoError(t, err)

	exec := e.drive(t, id, 5*time.Second)
	assert.Equal(t, domain.StatusCompleted, exec.Status)
	assert.JSONEq(t, `42`, string(exec.Result))

	_, events, err := e.st.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, countKind(events, domain.EventChildScheduled))
	assert.Equal(t, 1, countKind(events, domain.EventChildCompleted))
}

func TestStepIdempotence(t *testing.T) {
	e := newEnv(t)
	e.reg.RegisterWorkflow("waiter", func(ctx *engine.Context, input map[string]any) (any, error) {
		return ctx.WaitSignal("go")
	}, engine.WorkflowOptions{})

	ctx := context.Background()
	id, err := e.eng.StartWorkflow(ctx, "waiter", nil, 0)
	require.NoError(t, err)

	require.NoError(t, e.eng.Scheduler().Step(ctx, id))
	_, events1, err := e.st.Snapshot(ctx, id)
	require.NoError(t, err)

	require.NoError(t, e.eng.Scheduler().Step(ctx, id))
	_, events2, err := e.st.Snapshot(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, kinds(events1), kinds(events2), "re-stepping with no external change appends nothing")
	assert.Len(t, events2, len(events1))
}

func TestWaitWorkflowRaisesStructuredFailure(t *testing.T) {
	e := newEnv(t)
	e.reg.RegisterWorkflow("broken", func(ctx *engine.Context, input map[string]any) (any, error) {
		return nil, fmt.Errorf("business rule violated")
	}, engine.WorkflowOptions{})

	ctx := context.Background()
	id, err := e.eng.StartWorkflow(ctx, "broken", nil, 0)
	require.NoError(t, err)
	e.drive(t, id, 5*time.Second)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = e.eng.WaitWorkflow(waitCtx, id)
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Contains(t, de.Message, "business rule violated")
}

func TestQueryWorkflowStatus(t *testing.T) {
	e := newEnv(t)
	e.reg.RegisterWorkflow("waiter", func(ctx *engine.Context, input map[string]any) (any, error) {
		return ctx.WaitSignal("go")
	}, engine.WorkflowOptions{})
	e.reg.RegisterQuery("waiter", "name", func(exec domain.Execution, payload map[string]any) (any, error) {
		return exec.WorkflowName, nil
	})

	ctx := context.Background()
	id, err := e.eng.StartWorkflow(ctx, "waiter", nil, 0)
	require.NoError(t, err)
	e.w.Tick(ctx, time.Now().UTC())

	res, err := e.eng.QueryWorkflow(ctx, id, "status", nil)
	require.NoError(t, err)
	status := res.(map[string]any)
	assert.Equal(t, id, status["id"])
	assert.Equal(t, domain.StatusPending, status["status"])

	named, err := e.eng.QueryWorkflow(ctx, id, "name", nil)
	require.NoError(t, err)
	assert.Equal(t, "waiter", named)

	_, err = e.eng.QueryWorkflow(ctx, id, "missing", nil)
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, domain.ErrNotRegistered, de.Kind)
}

func TestWorkflowTimeoutCascadesToChildren(t *testing.T) {
	e := newEnv(t)
	e.reg.RegisterWorkflow("slow_child", func(ctx *engine.Context, input map[string]any) (any, error) {
		_, err := ctx.WaitSignal("never")
		return nil, err
	}, engine.WorkflowOptions{})
	e.reg.RegisterWorkflow("slow_parent", func(ctx *engine.Context, input map[string]any) (any, error) {
		return ctx.RunChildWorkflow("slow_child", nil)
	}, engine.WorkflowOptions{})

	ctx := context.Background()
	id, err := e.eng.StartWorkflow(ctx, "slow_parent", nil, 50*time.Millisecond)
	require.NoError(t, err)

	exec := e.drive(t, id, 5*time.Second)
	assert.Equal(t, domain.StatusTimedOut, exec.Status)

	_, events, err := e.st.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, countKind(events, domain.EventWorkflowTimedOut))

	// The child was canceled by the cascade.
	var childID string
	for _, ev := range events {
		if ev.Kind == domain.EventChildScheduled {
			var p struct {
				ChildID string `json:"child_id"`
			}
			require.NoError(t, json.Unmarshal(ev.Payload, &p))
			childID = p.ChildID
		}
	}
	require.NotEmpty(t, childID)
	child := e.drive(t, childID, 5*time.Second)
	assert.Equal(t, domain.StatusCanceled, child.Status)
}
