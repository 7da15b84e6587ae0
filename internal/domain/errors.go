package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures. Kinds are stable identifiers that
// survive persistence and cross the API boundary.
type ErrorKind string

const (
	ErrNotRegistered    ErrorKind = "NOT_REGISTERED"
	ErrSerialization    ErrorKind = "SERIALIZATION"
	ErrActivityFailed   ErrorKind = "ACTIVITY_FAILED"
	ErrActivityTimedOut ErrorKind = "ACTIVITY_TIMED_OUT"
	ErrWorkflowTimedOut ErrorKind = "WORKFLOW_TIMED_OUT"
	ErrCanceled         ErrorKind = "CANCELED"
	ErrNondeterminism   ErrorKind = "NONDETERMINISM"
	ErrInternal         ErrorKind = "INTERNAL"
)

// Error is the structured failure carried through history events, the
// executions table, and WaitWorkflow.
type Error struct {
	Kind    ErrorKind       `json:"kind"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsError coerces any error into a structured Error, wrapping unknown
// errors as INTERNAL.
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return &Error{Kind: ErrInternal, Message: err.Error()}
}
