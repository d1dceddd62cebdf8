package stage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure for retry and reporting purposes.
type Kind string

const (
	// KindTransient covers network blips, rate limits and 5xx responses. The
	// caller retries with backoff; exhausting attempts turns it fatal.
	KindTransient Kind = "transient"

	// KindValidation covers malformed input or output. Never retried.
	KindValidation Kind = "validation"

	// KindFatal stops the session and emits a terminal event.
	KindFatal Kind = "fatal"

	// KindTransport covers stream disconnects and bus redelivery. It is only
	// surfaced once reconnect attempts are exhausted.
	KindTransport Kind = "transport"
)

// Error carries a Kind and an optional retry hint alongside the cause.
type Error struct {
	Kind       Kind
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient marks err as retryable. retryAfter is the upstream hint (for
// example a Retry-After header); zero means "use the backoff schedule".
func Transient(err error, retryAfter time.Duration) error {
	return &Error{Kind: KindTransient, RetryAfter: retryAfter, Err: err}
}

// Validation marks err as a rejected input or output.
func Validation(err error) error {
	return &Error{Kind: KindValidation, Err: err}
}

// Fatal marks err as non-recoverable for the session.
func Fatal(err error) error {
	return &Error{Kind: KindFatal, Err: err}
}

// Transport marks err as a connection-level failure.
func Transport(err error) error {
	return &Error{Kind: KindTransport, Err: err}
}

// Classify returns the Kind of err. Unclassified errors are fatal, deadline
// overruns are transient and cancellation is fatal.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindFatal
}

// RetryHint returns the retry-after hint carried by err, or zero.
func RetryHint(err error) time.Duration {
	var se *Error
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// Recovery actions offered to the user alongside a failure message.
const (
	ActionRetry          = "retry"
	ActionReconnect      = "reconnect"
	ActionFixInput       = "fix_input"
	ActionContactSupport = "contact_support"
)

// Guidance is the user-facing description of a failure. It never contains
// internal error text.
type Guidance struct {
	Message string `json:"message"`
	Action  string `json:"action"`
}

// Guide returns the stable user-facing guidance for a failure kind.
func Guide(kind Kind) Guidance {
	switch kind {
	case KindTransient:
		return Guidance{
			Message: "A service we depend on is temporarily unavailable and did not recover in time.",
			Action:  ActionRetry,
		}
	case KindValidation:
		return Guidance{
			Message: "Some of the information provided could not be used. Please review it and try again.",
			Action:  ActionFixInput,
		}
	case KindTransport:
		return Guidance{
			Message: "The connection to the server was lost.",
			Action:  ActionReconnect,
		}
	default:
		return Guidance{
			Message: "Something went wrong while generating your resume.",
			Action:  ActionContactSupport,
		}
	}
}
