package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"duraflow/internal/domain"
	"duraflow/internal/retry"
	"duraflow/internal/store"
)

// needsPause unwinds the workflow body back to the scheduler when a step
// has no recorded result yet. Pending writes commit after the unwind.
type needsPause struct{}

// nondeterminismPanic aborts replay when the body's next decision does not
// line up with recorded history. Always terminal, never retried.
type nondeterminismPanic struct{ msg string }

// failWorkflow fails the execution immediately, bypassing the body's own
// error handling (e.g. NOT_REGISTERED at step time).
type failWorkflow struct{ err *domain.Error }

type activityScheduledPayload struct {
	Name   string         `json:"name"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

type timerScheduledPayload struct {
	Seconds float64 `json:"seconds"`
}

type signalWaitPayload struct {
	Name string `json:"name"`
}

type childScheduledPayload struct {
	Workflow string         `json:"workflow"`
	Input    map[string]any `json:"input"`
	ChildID  string         `json:"child_id"`
}

type resolutionPayload struct {
	ScheduledPos *int            `json:"scheduled_pos"`
	Name         string          `json:"name,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *domain.Error   `json:"error,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ChildID      string          `json:"child_id,omitempty"`
}

type markerPayload struct {
	ChangeID string `json:"change_id"`
	Version  int    `json:"version,omitempty"`
	Patched  bool   `json:"patched"`
}

// Context is the only legal side-effect surface inside a workflow body.
// Each deterministic operation either consumes the matching history event
// (replay phase) or buffers a schedule event plus its side effect and
// unwinds the body (record phase).
type Context struct {
	execution   domain.Execution
	events      []domain.HistoryEvent
	cursor      int
	basePos     int
	usedSignals map[int]bool
	reg         *Registry
	out         store.StepOutcome
}

func newContext(exec domain.Execution, events []domain.HistoryEvent, reg *Registry) *Context {
	base := 0
	if n := len(events); n > 0 {
		base = events[n-1].Pos + 1
	}
	return &Context{
		execution:   exec,
		events:      events,
		basePos:     base,
		usedSignals: make(map[int]bool),
		reg:         reg,
	}
}

// ExecutionID returns the stable external handle of this execution.
func (c *Context) ExecutionID() string { return c.execution.ID }

// nextSchedule returns the next unconsumed schedule-kind event, skipping
// resolutions, markers, and lifecycle events. Nil means history is
// exhausted and the operation is recording for the first time.
func (c *Context) nextSchedule() *domain.HistoryEvent {
	for c.cursor < len(c.events) {
		ev := &c.events[c.cursor]
		if ev.Kind.ScheduleKind() {
			return ev
		}
		c.cursor++
	}
	return nil
}

func (c *Context) expect(ev *domain.HistoryEvent, kind domain.EventKind) {
	if ev.Kind != kind {
		panic(nondeterminismPanic{fmt.Sprintf(
			"replay expected %s at pos %d, history has %s", kind, ev.Pos, ev.Kind)})
	}
}

func (c *Context) decode(ev *domain.HistoryEvent, v any) {
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		panic(nondeterminismPanic{fmt.Sprintf("undecodable %s payload at pos %d: %v", ev.Kind, ev.Pos, err)})
	}
}

// findResolution locates the terminal event paired with a schedule event,
// matching on the scheduled_pos back-reference.
func (c *Context) findResolution(scheduledPos int) (*domain.HistoryEvent, *resolutionPayload) {
	for i := range c.events {
		ev := &c.events[i]
		if !ev.Kind.ResolutionKind() || ev.Kind == domain.EventSignalReceived {
			continue
		}
		var p resolutionPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			continue
		}
		if p.ScheduledPos != nil && *p.ScheduledPos == scheduledPos {
			return ev, &p
		}
	}
	return nil, nil
}

func (c *Context) appendPending(kind domain.EventKind, payload any) (int, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, domain.Errorf(domain.ErrSerialization, "%s payload: %v", kind, err)
	}
	idx := len(c.out.Events)
	c.out.Events = append(c.out.Events, store.PendingEvent{Kind: kind, Payload: b})
	return idx, nil
}

// StartActivity schedules an activity without waiting and returns a stable
// handle (the pos of the schedule event).
func (c *Context) StartActivity(name string, args ...any) (int, error) {
	if ev := c.nextSchedule(); ev != nil {
		c.expect(ev, domain.EventActivityScheduled)
		var p activityScheduledPayload
		c.decode(ev, &p)
		if p.Name != name {
			panic(nondeterminismPanic{fmt.Sprintf(
				"replay expected activity %q at pos %d, history has %q", name, ev.Pos, p.Name)})
		}
		c.cursor++
		return ev.Pos, nil
	}

	entry, err := c.reg.LookupActivity(name)
	if err != nil {
		panic(failWorkflow{domain.AsError(err)})
	}
	if args == nil {
		args = []any{}
	}
	idx, perr := c.appendPending(domain.EventActivityScheduled, activityScheduledPayload{Name: name, Args: args})
	if perr != nil {
		return 0, perr
	}
	ts := time.Now().UTC()
	var expires *time.Time
	if entry.Timeout > 0 {
		t := ts.Add(entry.Timeout)
		expires = &t
	}
	c.out.Tasks = append(c.out.Tasks, store.PendingTask{
		EventIndex:       idx,
		Name:             name,
		Args:             args,
		Kwargs:           map[string]any{},
		AfterTime:        ts,
		ExpiresAt:        expires,
		HeartbeatTimeout: entry.HeartbeatTimeout,
		Retry:            entry.Retry,
	})
	return c.basePos + idx, nil
}

// WaitActivity blocks on the terminal event paired with handle: COMPLETED
// returns the recorded payload, FAILED and TIMED_OUT re-raise the recorded
// structured error. With no resolution yet the body unwinds.
func (c *Context) WaitActivity(handle int) (json.RawMessage, error) {
	ev, p := c.findResolution(handle)
	if ev == nil {
		panic(needsPause{})
	}
	switch ev.Kind {
	case domain.EventActivityCompleted, domain.EventTimerFired, domain.EventChildCompleted:
		return p.Result, nil
	case domain.EventActivityFailed, domain.EventChildFailed:
		if p.Error != nil {
			return nil, p.Error
		}
		return nil, domain.Errorf(domain.ErrActivityFailed, "activity failed")
	case domain.EventActivityTimedOut:
		if p.Error != nil {
			return nil, p.Error
		}
		return nil, domain.Errorf(domain.ErrActivityTimedOut, "activity timed out")
	}
	panic(nondeterminismPanic{fmt.Sprintf("unexpected resolution %s for pos %d", ev.Kind, handle)})
}

// RunActivity schedules an activity and waits for its result.
func (c *Context) RunActivity(name string, args ...any) (json.RawMessage, error) {
	handle, err := c.StartActivity(name, args...)
	if err != nil {
		return nil, err
	}
	return c.WaitActivity(handle)
}

// Sleep is a durable timer: a reserved __sleep__ task whose completion is
// the TIMER_FIRED event.
func (c *Context) Sleep(d time.Duration) {
	if ev := c.nextSchedule(); ev != nil {
		c.expect(ev, domain.EventTimerScheduled)
		c.cursor++
		if res, _ := c.findResolution(ev.Pos); res != nil {
			return
		}
		panic(needsPause{})
	}

	idx, err := c.appendPending(domain.EventTimerScheduled, timerScheduledPayload{Seconds: d.Seconds()})
	if err != nil {
		// A float payload always serializes; treat anything else as fatal.
		panic(failWorkflow{domain.AsError(err)})
	}
	c.out.Tasks = append(c.out.Tasks, store.PendingTask{
		EventIndex: idx,
		Name:       domain.SleepActivityName,
		Args:       []any{d.Seconds()},
		Kwargs:     map[string]any{},
		AfterTime:  time.Now().UTC().Add(d),
		Retry:      retry.Policy{MaximumAttempts: 1, Strategy: retry.Exponential, InitialInterval: 1},
	})
	panic(needsPause{})
}

// WaitSignal records the wait and completes once a matching
// SIGNAL_RECEIVED exists after the wait's pos. Each signal event is
// consumed by at most one wait per replay.
func (c *Context) WaitSignal(name string) (json.RawMessage, error) {
	if ev := c.nextSchedule(); ev != nil {
		c.expect(ev, domain.EventSignalWait)
		var p signalWaitPayload
		c.decode(ev, &p)
		if p.Name != name {
			panic(nondeterminismPanic{fmt.Sprintf(
				"replay expected signal wait %q at pos %d, history has %q", name, ev.Pos, p.Name)})
		}
		c.cursor++
		for i := range c.events {
			sig := &c.events[i]
			if sig.Kind != domain.EventSignalReceived || sig.Pos <= ev.Pos || c.usedSignals[sig.Pos] {
				continue
			}
			var sp struct {
				Name    string          `json:"name"`
				Payload json.RawMessage `json:"payload"`
			}
			if err := json.Unmarshal(sig.Payload, &sp); err != nil || sp.Name != name {
				continue
			}
			c.usedSignals[sig.Pos] = true
			return sp.Payload, nil
		}
		panic(needsPause{})
	}

	if _, err := c.appendPending(domain.EventSignalWait, signalWaitPayload{Name: name}); err != nil {
		return nil, err
	}
	panic(needsPause{})
}

// StartChildWorkflow schedules a child execution without waiting. The
// child id is minted once at record time and pinned in the event payload.
func (c *Context) StartChildWorkflow(name string, input map[string]any) (int, error) {
	if ev := c.nextSchedule(); ev != nil {
		c.expect(ev, domain.EventChildScheduled)
		var p childScheduledPayload
		c.decode(ev, &p)
		if p.Workflow != name {
			panic(nondeterminismPanic{fmt.Sprintf(
				"replay expected child workflow %q at pos %d, history has %q", name, ev.Pos, p.Workflow)})
		}
		c.cursor++
		return ev.Pos, nil
	}

	childID := uuid.NewString()
	idx, err := c.appendPending(domain.EventChildScheduled, childScheduledPayload{
		Workflow: name, Input: input, ChildID: childID,
	})
	if err != nil {
		return 0, err
	}
	var timeout time.Duration
	if entry, lerr := c.reg.LookupWorkflow(name); lerr == nil {
		timeout = entry.Timeout
	}
	c.out.Children = append(c.out.Children, store.PendingChild{
		EventIndex:   idx,
		ChildID:      childID,
		WorkflowName: name,
		Input:        input,
		Timeout:      timeout,
	})
	return c.basePos + idx, nil
}

// WaitChildWorkflow waits for the CHILD_COMPLETED or CHILD_FAILED event
// paired with handle.
func (c *Context) WaitChildWorkflow(handle int) (json.RawMessage, error) {
	return c.WaitActivity(handle)
}

// RunChildWorkflow starts a child execution and waits for its result.
func (c *Context) RunChildWorkflow(name string, input map[string]any) (json.RawMessage, error) {
	handle, err := c.StartChildWorkflow(name, input)
	if err != nil {
		return nil, err
	}
	return c.WaitChildWorkflow(handle)
}

func (c *Context) findMarker(kind domain.EventKind, changeID string) (*markerPayload, bool) {
	for i := range c.events {
		ev := &c.events[i]
		if ev.Kind != kind {
			continue
		}
		var p markerPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			continue
		}
		if p.ChangeID == changeID {
			return &p, true
		}
	}
	for _, pe := range c.out.Events {
		if pe.Kind != kind {
			continue
		}
		var p markerPayload
		if err := json.Unmarshal(pe.Payload, &p); err != nil {
			continue
		}
		if p.ChangeID == changeID {
			return &p, true
		}
	}
	return nil, false
}

// GetVersion pins a branch decision for code evolution: the first call
// records the version, replays return the recorded one.
func (c *Context) GetVersion(changeID string, version int) int {
	if p, ok := c.findMarker(domain.EventVersionMarker, changeID); ok {
		return p.Version
	}
	if _, err := c.appendPending(domain.EventVersionMarker, markerPayload{ChangeID: changeID, Version: version}); err != nil {
		panic(failWorkflow{domain.AsError(err)})
	}
	return version
}

// Patched records true on first call; replays return the recorded value.
func (c *Context) Patched(changeID string) bool {
	if p, ok := c.findMarker(domain.EventPatchMarker, changeID); ok {
		return p.Patched
	}
	if _, err := c.appendPending(domain.EventPatchMarker, markerPayload{ChangeID: changeID, Patched: true}); err != nil {
		panic(failWorkflow{domain.AsError(err)})
	}
	return true
}

// DeprecatePatch records false so new executions take the non-patched
// branch while in-flight patched histories keep replaying as recorded.
func (c *Context) DeprecatePatch(changeID string) {
	if _, ok := c.findMarker(domain.EventPatchMarker, changeID); ok {
		return
	}
	if _, err := c.appendPending(domain.EventPatchMarker, markerPayload{ChangeID: changeID, Patched: false}); err != nil {
		panic(failWorkflow{domain.AsError(err)})
	}
}
