package operations

import (
	"errors"
	"fmt"
)

// ErrorKind classifies operation errors for normalization at the HTTP
// boundary. Every failure ends up in the operation's terminal state and
// error field; the kind decides how it is surfaced.
type ErrorKind string

const (
	KindNotFound          ErrorKind = "not_found"
	KindInvalidTransition ErrorKind = "invalid_transition"
	KindRemoteUnreachable ErrorKind = "remote_unreachable"
	KindWorker            ErrorKind = "worker"
	KindCancellation      ErrorKind = "cancellation"
)

// Error is an operation-scoped error with a kind and optional cause.
type Error struct {
	Kind        ErrorKind
	OperationID string
	Message     string
	Cause       error
}

// Error implements the error interface. The cause is part of the message
// so domain failure text survives into the operation's error field.
func (e *Error) Error() string {
	if e == nil {
		return "unknown operation error"
	}
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	if e.OperationID != "" {
		return fmt.Sprintf("[%s] operation %s: %s", e.Kind, e.OperationID, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches errors by kind so wrapped instances compare equal to the
// package sentinels under errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	// ErrOperationNotFound is returned for unknown operation ids.
	ErrOperationNotFound = &Error{
		Kind:    KindNotFound,
		Message: "operation not found",
	}

	// ErrInvalidTransition is returned when a terminal operation is asked
	// to move to a different terminal state.
	ErrInvalidTransition = &Error{
		Kind:    KindInvalidTransition,
		Message: "invalid status transition",
	}

	// ErrRemoteUnreachable is returned when the proxy has exhausted its
	// retries and its cached value is past the staleness ceiling.
	ErrRemoteUnreachable = &Error{
		Kind:    KindRemoteUnreachable,
		Message: "remote operation host unreachable",
	}
)

// NotFoundError creates a not-found error for the given id.
func NotFoundError(id string) *Error {
	return &Error{
		Kind:        KindNotFound,
		OperationID: id,
		Message:     "operation not found",
	}
}

// InvalidTransitionError reports a rejected status transition.
func InvalidTransitionError(id string, from, to Status) *Error {
	return &Error{
		Kind:        KindInvalidTransition,
		OperationID: id,
		Message:     fmt.Sprintf("cannot transition from %s to %s", from, to),
	}
}

// NewRemoteUnreachableError wraps the transport failure left after the
// proxy ran out of retries past the staleness ceiling.
func NewRemoteUnreachableError(id string, cause error) *Error {
	return &Error{
		Kind:        KindRemoteUnreachable,
		OperationID: id,
		Message:     "remote operation host unreachable",
		Cause:       cause,
	}
}

// NewWorkerError wraps a domain failure raised inside a worker. Workers are
// never retried automatically; the caller must start a new operation.
func NewWorkerError(id string, cause error) *Error {
	return &Error{
		Kind:        KindWorker,
		OperationID: id,
		Message:     "worker failed",
		Cause:       cause,
	}
}

// NewCancellationError is the control-flow signal a worker returns after
// observing its token. It is converted into a terminal cancelled state,
// never surfaced as an unhandled crash.
func NewCancellationError(reason string) *Error {
	if reason == "" {
		reason = "cancellation requested"
	}
	return &Error{
		Kind:    KindCancellation,
		Message: reason,
	}
}

// IsCancellation reports whether err carries the cancellation marker,
// unwrapping as needed.
func IsCancellation(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == KindCancellation
}
