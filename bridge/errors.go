package bridge

import (
	"errors"
	"fmt"
)

var (
	// Failure kinds surfaced to callers
	ErrTimeout          = errors.New("bridge: request timed out")
	ErrTransportFailure = errors.New("bridge: transport failure")
	ErrMalformedReply   = errors.New("bridge: malformed reply")
	ErrCancelled        = errors.New("bridge: request cancelled")
	ErrRejected         = errors.New("bridge: request rejected")

	// Registry errors
	ErrDuplicateID    = errors.New("bridge: correlation ID already pending")
	ErrTooManyPending = errors.New("bridge: too many pending requests")

	// Listener errors
	ErrListenerDisconnected = errors.New("bridge: reply listener disconnected")
	ErrListenerUnavailable  = errors.New("bridge: reply listener unavailable")
	ErrListenerStarted      = errors.New("bridge: reply listener already started")
	ErrRemoteTransport      = errors.New("bridge: reply flagged as transport error")

	// Dispatch errors
	ErrUnknownMethod        = errors.New("bridge: unknown method")
	ErrInvalidTimeout       = errors.New("bridge: timeout must be positive")
	ErrRateLimited          = errors.New("bridge: rate limit exceeded")
	ErrBridgeClosed         = errors.New("bridge: bridge is closed")
	ErrInvalidConfiguration = errors.New("bridge: invalid configuration")
)

// CallError is returned for every call that did not produce a reply payload.
// errors.Is matches both the kind sentinel (ErrTimeout, ErrTransportFailure, ...)
// and the underlying cause.
type CallError struct {
	Method        string
	CorrelationID string
	Kind          OutcomeKind
	Err           error
}

func (e *CallError) Error() string {
	sentinel := e.Kind.sentinel()
	msg := e.Kind.String()
	if sentinel != nil {
		msg = sentinel.Error()
	}
	if e.CorrelationID != "" {
		msg = fmt.Sprintf("%s (method=%s, correlationId=%s)", msg, e.Method, e.CorrelationID)
	} else {
		msg = fmt.Sprintf("%s (method=%s)", msg, e.Method)
	}
	if e.Err != nil && !errors.Is(sentinel, e.Err) {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error of the failure kind
func (e *CallError) Is(target error) bool {
	sentinel := e.Kind.sentinel()
	return sentinel != nil && target == sentinel
}

// IsTimeout reports whether err is a call timeout
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsTransportFailure reports whether err is a transport failure
func IsTransportFailure(err error) bool {
	return errors.Is(err, ErrTransportFailure)
}

// IsMalformedReply reports whether err is a malformed reply
func IsMalformedReply(err error) bool {
	return errors.Is(err, ErrMalformedReply)
}
