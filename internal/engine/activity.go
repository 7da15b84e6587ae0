package engine

import (
	"context"
	"encoding/json"
	"time"

	"duraflow/internal/domain"
	"duraflow/internal/store"
)

// ActivityContext is handed to activity bodies. It carries the
// cancellation token that enforces the isolation contract (deadline kill)
// and the heartbeat channel back to the task row.
type ActivityContext struct {
	context.Context
	Task domain.ActivityTask

	store    *store.Store
	leaseFor time.Duration
}

func NewActivityContext(ctx context.Context, st *store.Store, task domain.ActivityTask, leaseFor time.Duration) *ActivityContext {
	return &ActivityContext{Context: ctx, Task: task, store: st, leaseFor: leaseFor}
}

// Heartbeat records activity liveness with optional progress details and
// extends the worker lease. Failing the heartbeat usually means the task
// was timed out or canceled under us; the body should stop.
func (a *ActivityContext) Heartbeat(details any) error {
	var b json.RawMessage
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			return domain.Errorf(domain.ErrSerialization, "heartbeat details: %v", err)
		}
		b = raw
	}
	return a.store.Heartbeat(a.Context, a.Task.Handle, b, time.Now().UTC().Add(a.leaseFor))
}
