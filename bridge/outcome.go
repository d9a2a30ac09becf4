package bridge

import (
	"fmt"
)

// OutcomeKind classifies how a call ended
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeTimeout
	OutcomeTransportFailure
	OutcomeMalformedReply
	OutcomeCancelled
	// OutcomeRejected means the call was refused before anything was published
	OutcomeRejected
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeTransportFailure:
		return "transport_failure"
	case OutcomeMalformedReply:
		return "malformed_reply"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeRejected:
		return "rejected"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// sentinel maps a kind to the error callers match with errors.Is
func (k OutcomeKind) sentinel() error {
	switch k {
	case OutcomeTimeout:
		return ErrTimeout
	case OutcomeTransportFailure:
		return ErrTransportFailure
	case OutcomeMalformedReply:
		return ErrMalformedReply
	case OutcomeCancelled:
		return ErrCancelled
	case OutcomeRejected:
		return ErrRejected
	default:
		return nil
	}
}

// Outcome is the single result delivered to a pending call
type Outcome struct {
	Kind          OutcomeKind
	CorrelationID string
	Payload       []byte
	Err           error
}

// Success creates a successful outcome carrying the reply payload
func Success(payload []byte) Outcome {
	return Outcome{Kind: OutcomeSuccess, Payload: payload}
}

// Timeout creates a timeout outcome
func Timeout(err error) Outcome {
	return Outcome{Kind: OutcomeTimeout, Err: err}
}

// TransportFailure creates a transport failure outcome carrying the underlying reason
func TransportFailure(err error) Outcome {
	return Outcome{Kind: OutcomeTransportFailure, Err: err}
}

// MalformedReply creates a malformed reply outcome
func MalformedReply(err error) Outcome {
	return Outcome{Kind: OutcomeMalformedReply, Err: err}
}

// Cancelled creates a cancellation outcome
func Cancelled(err error) Outcome {
	return Outcome{Kind: OutcomeCancelled, Err: err}
}

// Rejected creates an outcome for a call refused before publishing
func Rejected(err error) Outcome {
	return Outcome{Kind: OutcomeRejected, Err: err}
}

// IsSuccess reports whether the call produced a reply payload
func (o Outcome) IsSuccess() bool {
	return o.Kind == OutcomeSuccess
}

// AsError converts a failed outcome into a *CallError, or nil for success
func (o Outcome) AsError(method string) error {
	if o.IsSuccess() {
		return nil
	}
	return &CallError{
		Method:        method,
		CorrelationID: o.CorrelationID,
		Kind:          o.Kind,
		Err:           o.Err,
	}
}
