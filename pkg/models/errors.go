package models

import "fmt"

// DuplicateInputError signals that a workflow already exists for an
// input submission. Raised on duplicate trigger delivery; callers treat
// it as an idempotency guard, not a failure.
type DuplicateInputError struct {
	InputID string
}

func (e *DuplicateInputError) Error() string {
	return fmt.Sprintf("workflow already exists for input %s", e.InputID)
}

// UnknownWorkflowError signals a message referencing a workflow that no
// longer (or never did) exist. Logged and acknowledged, never surfaced:
// stale messages must not resurrect records.
type UnknownWorkflowError struct {
	WorkflowID string
}

func (e *UnknownWorkflowError) Error() string {
	return fmt.Sprintf("unknown workflow %s", e.WorkflowID)
}

// ValidationError signals malformed caller input and maps to a 4xx
// response at the HTTP boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StoreUnavailableError wraps a failed store call. Transient: the
// conservative retry budget applies before the invocation gives up.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error   { return e.Err }
func (e *StoreUnavailableError) Transient() bool { return true }

// TransportUnavailableError wraps a failed queue/event call. Transient;
// on exhaustion the invocation fails and relies on the transport's own
// redrive mechanism.
type TransportUnavailableError struct {
	Op  string
	Err error
}

func (e *TransportUnavailableError) Error() string {
	return fmt.Sprintf("transport unavailable during %s: %v", e.Op, e.Err)
}

func (e *TransportUnavailableError) Unwrap() error   { return e.Err }
func (e *TransportUnavailableError) Transient() bool { return true }
