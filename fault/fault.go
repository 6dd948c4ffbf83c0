// Package fault defines the error taxonomy shared by the engine, the
// activity workers, and the HTTP surface. Every error that crosses a
// component boundary carries a Kind so the dispatcher can decide between
// retrying, surfacing, or failing the instance.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry and HTTP mapping decisions.
type Kind string

const (
	// KindValidation marks input rejected by business rules. Never retried.
	KindValidation Kind = "ValidationError"
	// KindNotFound marks a missing instance or referenced entity.
	KindNotFound Kind = "NotFound"
	// KindConflict marks a duplicate start or a signal rejected by state.
	KindConflict Kind = "Conflict"
	// KindIllegalState marks an operation invalid for the current status.
	KindIllegalState Kind = "IllegalState"
	// KindTransient marks network/gateway/temporary outages. Retryable.
	KindTransient Kind = "Transient"
	// KindCancelled marks cooperative cancellation observed by workflow code.
	KindCancelled Kind = "Cancelled"
	// KindTimeout marks a timer firing before a condition became true.
	KindTimeout Kind = "Timeout"
	// KindNonDeterministic marks replay divergence. Fatal to the instance.
	KindNonDeterministic Kind = "NonDeterministic"
	// KindUnregistered marks an activity name with no binding on the queue.
	KindUnregistered Kind = "Unregistered"
	// KindQueueFull marks backpressure from a bounded task queue. Retryable.
	KindQueueFull Kind = "QueueFull"
	// KindTerminated marks a forced termination by an operator.
	KindTerminated Kind = "Terminated"

	// Domain kinds surfaced by inventory activities.
	KindProductNotFound Kind = "ProductNotFound"
	KindInsufficient    Kind = "Insufficient"

	// KindInternal is the fallback for unclassified failures.
	KindInternal Kind = "Internal"
)

// Error is a classified error. It may wrap an underlying cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

// New creates a classified error.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error without losing the cause chain.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// Error implements error.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// KindOf returns the Kind carried by err. Unclassified errors are treated
// as Transient: unknown failures are retryable by default unless the
// activity's policy lists their kind as non-retryable.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a Kind to the status code the HTTP surface returns.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindIllegalState:
		return http.StatusBadRequest
	case KindNotFound, KindProductNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindQueueFull, KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
