package engine

import (
	"fmt"
	"sync"
	"time"

	"duraflow/internal/domain"
	"duraflow/internal/retry"
)

// WorkflowFunc is a workflow body. It must be deterministic with respect
// to its input and the Context's history: all side effects go through ctx.
type WorkflowFunc func(ctx *Context, input map[string]any) (any, error)

// ActivityFunc is an activity body. It runs outside replay and may block.
type ActivityFunc func(ctx *ActivityContext, args []any, kwargs map[string]any) (any, error)

// QueryFunc answers a read-only query against an execution snapshot.
type QueryFunc func(exec domain.Execution, payload map[string]any) (any, error)

type WorkflowOptions struct {
	Timeout time.Duration
}

type ActivityOptions struct {
	Timeout          time.Duration
	HeartbeatTimeout time.Duration
	Retry            *retry.Policy
}

type workflowEntry struct {
	Fn      WorkflowFunc
	Timeout time.Duration
}

type activityEntry struct {
	Fn               ActivityFunc
	Timeout          time.Duration
	HeartbeatTimeout time.Duration
	Retry            retry.Policy
}

// Registry maps names to workflow, activity, and query implementations.
// Registration happens at init time; lookups are read-mostly afterwards.
type Registry struct {
	mu         sync.RWMutex
	workflows  map[string]workflowEntry
	activities map[string]activityEntry
	queries    map[string]map[string]QueryFunc
}

func NewRegistry() *Registry {
	return &Registry{
		workflows:  make(map[string]workflowEntry),
		activities: make(map[string]activityEntry),
		queries:    make(map[string]map[string]QueryFunc),
	}
}

// RegisterWorkflow panics on name collision; duplicate registration is a
// programming error caught at startup.
func (r *Registry) RegisterWorkflow(name string, fn WorkflowFunc, opts WorkflowOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[name]; ok {
		panic(fmt.Sprintf("duraflow: workflow %q already registered", name))
	}
	r.workflows[name] = workflowEntry{Fn: fn, Timeout: opts.Timeout}
}

func (r *Registry) RegisterActivity(name string, fn ActivityFunc, opts ActivityOptions) {
	if name == domain.SleepActivityName {
		panic(fmt.Sprintf("duraflow: %q is reserved for timers", name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.activities[name]; ok {
		panic(fmt.Sprintf("duraflow: activity %q already registered", name))
	}
	policy := retry.Default()
	if opts.Retry != nil {
		policy = *opts.Retry
	}
	r.activities[name] = activityEntry{
		Fn:               fn,
		Timeout:          opts.Timeout,
		HeartbeatTimeout: opts.HeartbeatTimeout,
		Retry:            policy,
	}
}

func (r *Registry) RegisterQuery(workflowName, queryName string, fn QueryFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	qs := r.queries[workflowName]
	if qs == nil {
		qs = make(map[string]QueryFunc)
		r.queries[workflowName] = qs
	}
	if _, ok := qs[queryName]; ok {
		panic(fmt.Sprintf("duraflow: query %q already registered for workflow %q", queryName, workflowName))
	}
	qs[queryName] = fn
}

func (r *Registry) LookupWorkflow(name string) (workflowEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.workflows[name]
	if !ok {
		return workflowEntry{}, domain.Errorf(domain.ErrNotRegistered, "workflow %q not registered", name)
	}
	return entry, nil
}

func (r *Registry) LookupActivity(name string) (activityEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.activities[name]
	if !ok {
		return activityEntry{}, domain.Errorf(domain.ErrNotRegistered, "activity %q not registered", name)
	}
	return entry, nil
}

func (r *Registry) LookupQuery(workflowName, queryName string) (QueryFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.queries[workflowName][queryName]
	if !ok {
		return nil, domain.Errorf(domain.ErrNotRegistered, "query %q not registered for workflow %q", queryName, workflowName)
	}
	return fn, nil
}
