// Package worker polls for due activity tasks and runnable executions and
// drives them to completion. Multiple workers may run against the same DB;
// row leases keep them from stepping on each other.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"duraflow/internal/domain"
	"duraflow/internal/engine"
	"duraflow/internal/store"
)

type Options struct {
	Tick     time.Duration
	Batch    int
	Procs    int // max concurrent activity executors
	LeaseFor time.Duration
	// Iterations bounds the number of loop ticks; zero means run until the
	// context is canceled.
	Iterations int
}

type Worker struct {
	store *store.Store
	eng   *engine.Engine
	opts  Options
	id    string
	sem   chan struct{}
	wg    sync.WaitGroup
}

func New(eng *engine.Engine, st *store.Store, opts Options) *Worker {
	if opts.Tick <= 0 {
		opts.Tick = 500 * time.Millisecond
	}
	if opts.Batch <= 0 {
		opts.Batch = 10
	}
	if opts.Procs <= 0 {
		opts.Procs = 4
	}
	if opts.LeaseFor <= 0 {
		opts.LeaseFor = 60 * time.Second
	}
	host, _ := os.Hostname()
	return &Worker{
		store: st,
		eng:   eng,
		opts:  opts,
		id:    fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		sem:   make(chan struct{}, opts.Procs),
	}
}

// Run executes the worker loop until the context is canceled or the
// configured iteration budget is spent, then waits for in-flight
// activities to drain.
func (w *Worker) Run(ctx context.Context) error {
	log.Info().Str("worker_id", w.id).Dur("tick", w.opts.Tick).Int("batch", w.opts.Batch).
		Int("procs", w.opts.Procs).Msg("worker started")
	defer w.wg.Wait()

	loops := 0
	for {
		w.Tick(ctx, time.Now().UTC())
		loops++
		if w.opts.Iterations > 0 && loops >= w.opts.Iterations {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.sleepFor(ctx)):
		}
	}
}

// sleepFor computes the next poll delay from the nearest due time,
// clamped to [0, tick].
func (w *Worker) sleepFor(ctx context.Context) time.Duration {
	due, err := w.store.NextDue(ctx)
	if err != nil || due == nil {
		return w.opts.Tick
	}
	d := time.Until(*due)
	if d < 0 {
		return 0
	}
	if d > w.opts.Tick {
		return w.opts.Tick
	}
	return d
}

// Tick runs one pass: timeout sweeps, due activities, runnable executions.
func (w *Worker) Tick(ctx context.Context, at time.Time) {
	w.sweepLeases(ctx, at)
	w.sweepTaskTimeouts(ctx, at)
	w.sweepWorkflowTimeouts(ctx, at)
	w.runDueActivities(ctx, at)
	w.stepRunnable(ctx, at)
}

func (w *Worker) sweepLeases(ctx context.Context, at time.Time) {
	n, err := w.store.RecoverExpiredLeases(ctx, at)
	if err != nil {
		log.Error().Err(err).Msg("recover expired leases")
		return
	}
	if n > 0 {
		log.Info().Int("recovered", n).Msg("requeued tasks with lapsed leases")
	}
}

func (w *Worker) sweepTaskTimeouts(ctx context.Context, at time.Time) {
	expired, err := w.store.ExpiredTasks(ctx, at, w.opts.Batch)
	if err != nil {
		log.Error().Err(err).Msg("sweep expired tasks")
		return
	}
	for _, task := range expired {
		w.timeoutTask(ctx, task, "schedule-to-close deadline exceeded")
	}

	candidates, err := w.store.HeartbeatCandidates(ctx, w.opts.Batch)
	if err != nil {
		log.Error().Err(err).Msg("sweep heartbeat candidates")
		return
	}
	for _, task := range candidates {
		last := task.LastHeartbeatAt
		if last == nil {
			continue
		}
		if last.Add(task.HeartbeatTimeout).After(at) {
			continue
		}
		w.timeoutTask(ctx, task, "heartbeat deadline exceeded")
	}
}

// timeoutTask applies the retry policy: within budget the task is
// requeued with backoff and no terminal event; on the final attempt the
// ACTIVITY_TIMED_OUT event fires and the execution is woken.
func (w *Worker) timeoutTask(ctx context.Context, task domain.ActivityTask, reason string) {
	if task.RetryPolicy.ShouldRetry(task.Attempt) {
		after := time.Now().UTC().Add(task.RetryPolicy.Backoff(task.Attempt))
		if err := w.store.RequeueTask(ctx, task.Handle, after, reason); err != nil {
			log.Error().Err(err).Int64("handle", task.Handle).Msg("requeue timed-out task")
		}
		return
	}
	terr := domain.Errorf(domain.ErrActivityTimedOut, "%s", reason)
	err := w.store.CompleteTask(ctx, task.Handle, domain.TaskTimedOut, domain.EventActivityTimedOut, nil, terr)
	if err != nil {
		log.Error().Err(err).Int64("handle", task.Handle).Msg("time out task")
	}
}

func (w *Worker) sweepWorkflowTimeouts(ctx context.Context, at time.Time) {
	execs, err := w.store.TimedOutExecutions(ctx, at, w.opts.Batch)
	if err != nil {
		log.Error().Err(err).Msg("sweep timed-out executions")
		return
	}
	for _, exec := range execs {
		children, err := w.store.TimeoutExecution(ctx, exec.ID)
		if err != nil {
			log.Error().Err(err).Str("execution_id", exec.ID).Msg("time out execution")
			continue
		}
		log.Info().Str("execution_id", exec.ID).Str("workflow", exec.WorkflowName).Msg("workflow timed out")
		if err := w.eng.CancelChildren(ctx, children, "parent timed out"); err != nil {
			log.Error().Err(err).Str("execution_id", exec.ID).Msg("cascade cancel children")
		}
	}
}

func (w *Worker) runDueActivities(ctx context.Context, at time.Time) {
	tasks, err := w.store.LeaseDueTasks(ctx, at, w.opts.Batch, w.id, w.opts.LeaseFor)
	if err != nil {
		log.Error().Err(err).Msg("lease due tasks")
		return
	}
	for _, task := range tasks {
		// Timers complete at the poll itself; no executor dispatch.
		if task.Name == domain.SleepActivityName {
			result, _ := json.Marshal(map[string]any{"slept": firstArg(task.Args)})
			err := w.store.CompleteTask(ctx, task.Handle, domain.TaskCompleted, domain.EventTimerFired, result, nil)
			if err != nil {
				log.Error().Err(err).Int64("handle", task.Handle).Msg("fire timer")
			}
			continue
		}
		w.sem <- struct{}{}
		w.wg.Add(1)
		go func(tk domain.ActivityTask) {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			w.executeActivity(ctx, tk)
		}(task)
	}
}

func firstArg(args []any) any {
	if len(args) == 0 {
		return nil
	}
	return args[0]
}

// executeActivity runs one leased task body under its deadline and
// settles the outcome: completion event, retry requeue, or terminal
// failure/timeout event.
func (w *Worker) executeActivity(ctx context.Context, task domain.ActivityTask) {
	entry, err := w.eng.Registry().LookupActivity(task.Name)
	if err != nil {
		// Retrying an unknown name is pointless; fail the checkpoint now.
		terr := domain.AsError(err)
		if cerr := w.store.CompleteTask(ctx, task.Handle, domain.TaskFailed, domain.EventActivityFailed, nil, terr); cerr != nil {
			log.Error().Err(cerr).Int64("handle", task.Handle).Msg("fail unregistered activity")
		}
		return
	}

	deadline := time.Now().UTC().Add(w.opts.LeaseFor)
	if task.ExpiresAt != nil && task.ExpiresAt.Before(deadline) {
		deadline = *task.ExpiresAt
	}
	actCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	result, aerr := runActivityBody(engine.NewActivityContext(actCtx, w.store, task, w.opts.LeaseFor), entry.Fn, task)

	switch {
	case aerr == nil:
		resultJSON, merr := json.Marshal(result)
		if merr != nil {
			// Not JSON-round-trippable; never retried.
			terr := domain.Errorf(domain.ErrSerialization, "activity result: %v", merr)
			if cerr := w.store.CompleteTask(ctx, task.Handle, domain.TaskFailed, domain.EventActivityFailed, nil, terr); cerr != nil {
				log.Error().Err(cerr).Int64("handle", task.Handle).Msg("fail unserializable activity")
			}
			return
		}
		if cerr := w.store.CompleteTask(ctx, task.Handle, domain.TaskCompleted, domain.EventActivityCompleted, resultJSON, nil); cerr != nil {
			log.Error().Err(cerr).Int64("handle", task.Handle).Msg("complete activity")
		}
	case actCtx.Err() != nil:
		w.timeoutTask(ctx, task, "activity deadline exceeded")
	default:
		log.Debug().Str("activity", task.Name).Int("attempt", task.Attempt).
			Err(aerr).Msg("activity attempt failed")
		if task.RetryPolicy.ShouldRetry(task.Attempt) {
			after := time.Now().UTC().Add(task.RetryPolicy.Backoff(task.Attempt))
			if rerr := w.store.RequeueTask(ctx, task.Handle, after, aerr.Error()); rerr != nil {
				log.Error().Err(rerr).Int64("handle", task.Handle).Msg("requeue failed activity")
			}
			return
		}
		terr := domain.AsError(aerr)
		if terr.Kind == domain.ErrInternal {
			terr = &domain.Error{Kind: domain.ErrActivityFailed, Message: aerr.Error()}
		}
		if cerr := w.store.CompleteTask(ctx, task.Handle, domain.TaskFailed, domain.EventActivityFailed, nil, terr); cerr != nil {
			log.Error().Err(cerr).Int64("handle", task.Handle).Msg("fail activity")
		}
	}
}

func runActivityBody(actx *engine.ActivityContext, fn engine.ActivityFunc, task domain.ActivityTask) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activity panic: %v", r)
		}
	}()
	return fn(actx, task.Args, task.Kwargs)
}

func (w *Worker) stepRunnable(ctx context.Context, at time.Time) {
	execs, err := w.store.FetchRunnable(ctx, at, w.opts.Batch)
	if err != nil {
		log.Error().Err(err).Msg("fetch runnable executions")
		return
	}
	for _, exec := range execs {
		if err := w.eng.Scheduler().Step(ctx, exec.ID); err != nil {
			log.Error().Err(err).Str("execution_id", exec.ID).Msg("step execution")
		}
	}
}
