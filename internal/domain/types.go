package domain

import (
	"encoding/json"
	"time"

	"duraflow/internal/retry"
)

// SleepActivityName is the reserved activity name used for durable timers.
// It is never user-registered; its "execution" is pure scheduling.
const SleepActivityName = "__sleep__"

type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "PENDING"
	StatusRunning   ExecutionStatus = "RUNNING"
	StatusCompleted ExecutionStatus = "COMPLETED"
	StatusFailed    ExecutionStatus = "FAILED"
	StatusTimedOut  ExecutionStatus = "TIMED_OUT"
	StatusCanceled  ExecutionStatus = "CANCELED"
)

// Terminal reports whether the status is final. Terminal statuses are
// monotonic: once set, an execution never transitions again.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCanceled:
		return true
	}
	return false
}

type TaskStatus string

const (
	TaskQueued    TaskStatus = "QUEUED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskTimedOut  TaskStatus = "TIMED_OUT"
	TaskCanceled  TaskStatus = "CANCELED"
)

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskTimedOut, TaskCanceled:
		return true
	}
	return false
}

// EventKind enumerates the complete history event alphabet.
type EventKind string

const (
	EventWorkflowStarted   EventKind = "WORKFLOW_STARTED"
	EventWorkflowCompleted EventKind = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    EventKind = "WORKFLOW_FAILED"
	EventWorkflowTimedOut  EventKind = "WORKFLOW_TIMED_OUT"
	EventWorkflowCanceled  EventKind = "WORKFLOW_CANCELED"
	EventActivityScheduled EventKind = "ACTIVITY_SCHEDULED"
	EventActivityCompleted EventKind = "ACTIVITY_COMPLETED"
	EventActivityFailed    EventKind = "ACTIVITY_FAILED"
	EventActivityTimedOut  EventKind = "ACTIVITY_TIMED_OUT"
	EventTimerScheduled    EventKind = "TIMER_SCHEDULED"
	EventTimerFired        EventKind = "TIMER_FIRED"
	EventSignalWait        EventKind = "SIGNAL_WAIT"
	EventSignalReceived    EventKind = "SIGNAL_RECEIVED"
	EventChildScheduled    EventKind = "CHILD_SCHEDULED"
	EventChildCompleted    EventKind = "CHILD_COMPLETED"
	EventChildFailed       EventKind = "CHILD_FAILED"
	EventVersionMarker     EventKind = "VERSION_MARKER"
	EventPatchMarker       EventKind = "PATCH_MARKER"
)

// ScheduleKind reports whether the kind is a deterministic decision the
// replay cursor consumes in order.
func (k EventKind) ScheduleKind() bool {
	switch k {
	case EventActivityScheduled, EventTimerScheduled, EventSignalWait, EventChildScheduled:
		return true
	}
	return false
}

// ResolutionKind reports whether the kind resolves an earlier schedule
// event. Resolution events are matched by scheduled_pos, not cursor order.
func (k EventKind) ResolutionKind() bool {
	switch k {
	case EventActivityCompleted, EventActivityFailed, EventActivityTimedOut,
		EventTimerFired, EventSignalReceived, EventChildCompleted, EventChildFailed:
		return true
	}
	return false
}

type Execution struct {
	ID           string
	WorkflowName string
	Input        map[string]any
	Status       ExecutionStatus
	Result       json.RawMessage
	Error        *Error
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	TimeoutAt    *time.Time
	ParentID     *string
	ParentHandle *int
	// NextWakeupAt is the earliest time the scheduler should consider this
	// execution again; nil means it waits on an external event (signal or
	// child) and nothing is due.
	NextWakeupAt *time.Time
}

type HistoryEvent struct {
	ID          int64
	ExecutionID string
	Pos         int
	Kind        EventKind
	Payload     json.RawMessage
	CreatedAt   time.Time
}

// Schedule starts a workflow on a cron cadence.
type Schedule struct {
	ID           string
	Name         string
	CronExpr     string
	WorkflowName string
	Input        map[string]any
	Timeout      time.Duration
	Enabled      bool
	LastRun      *time.Time
	NextRun      time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type ActivityTask struct {
	Handle            int64
	ExecutionID       string
	Name              string
	Args              []any
	Kwargs            map[string]any
	Status            TaskStatus
	Attempt           int
	AfterTime         time.Time
	ExpiresAt         *time.Time
	HeartbeatTimeout  time.Duration // zero means no heartbeat deadline
	LastHeartbeatAt   *time.Time
	HeartbeatDetails  json.RawMessage
	RetryPolicy       retry.Policy
	ScheduledEventPos int
	LastError         string
	LockedBy          string
	LockedUntil       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
