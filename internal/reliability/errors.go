package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Circuit breaker errors
	ErrCircuitOpen          = errors.New("circuit breaker: circuit is open")
	ErrCircuitHalfOpenLimit = errors.New("circuit breaker: half-open request limit reached")
	ErrUnknownState         = errors.New("circuit breaker: unknown state")
)

// CircuitBreakerError represents a circuit breaker error with context
type CircuitBreakerError struct {
	State            State
	Op               string
	Failures         int
	FailureThreshold int
	LastFailure      time.Time
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	switch e.State {
	case StateOpen:
		retryIn := time.Until(e.NextRetry).Round(time.Second)
		return fmt.Sprintf("circuit breaker open: %s blocked (failures=%d/%d, retry in %v)",
			e.Op, e.Failures, e.FailureThreshold, retryIn)
	case StateHalfOpen:
		return fmt.Sprintf("circuit breaker half-open: %s limited", e.Op)
	default:
		return fmt.Sprintf("circuit breaker error: %s in state %v", e.Op, e.State)
	}
}

// Is matches ErrCircuitOpen or ErrCircuitHalfOpenLimit depending on the state
func (e *CircuitBreakerError) Is(target error) bool {
	switch e.State {
	case StateOpen:
		return target == ErrCircuitOpen
	case StateHalfOpen:
		return target == ErrCircuitHalfOpenLimit
	default:
		return false
	}
}
