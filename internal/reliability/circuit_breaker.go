package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeListener receives circuit breaker state change notifications
type StateChangeListener interface {
	OnStateChange(from, to State, reason string)
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	mu              sync.RWMutex
	state           State
	failures        int
	successes       int
	lastFailureTime time.Time
	totalRequests   int64
	totalFailures   int64
	totalSuccesses  int64
	totalRejected   int64
	inFlightProbes  int

	failureThreshold int
	successThreshold int
	timeout          time.Duration
	halfOpenRequests int
	isFailure        func(error) bool
	name             string

	listeners []StateChangeListener
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the failure threshold
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets the success threshold for half-open state
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithTimeout sets how long the circuit stays open before probing
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.timeout = timeout
	}
}

// WithHalfOpenRequests sets the max concurrent probes in half-open state
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenRequests = requests
	}
}

// WithFailurePredicate decides which errors count against the circuit.
// By default every non-nil error does.
func WithFailurePredicate(isFailure func(error) bool) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.isFailure = isFailure
	}
}

// WithName sets the circuit breaker name for identification
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 3,
		timeout:          30 * time.Second,
		halfOpenRequests: 3,
		isFailure:        func(err error) bool { return err != nil },
		name:             "default",
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	probe, err := cb.acquire()
	if err != nil {
		return err
	}

	err = fn()
	cb.recordResult(err, probe)
	return err
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// GetStats returns circuit breaker statistics
func (cb *CircuitBreaker) GetStats() (failures, successes int, lastFailure time.Time) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures, cb.successes, cb.lastFailureTime
}

// Reset closes the circuit and clears its counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		cb.notifyStateChange(cb.state, StateClosed, "reset")
	}
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.inFlightProbes = 0
}

// acquire admits one execution; probe is true when it runs as a half-open probe
func (cb *CircuitBreaker) acquire() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	switch cb.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		nextRetry := cb.lastFailureTime.Add(cb.timeout)
		if time.Now().Before(nextRetry) {
			cb.totalRejected++
			return false, &CircuitBreakerError{
				State:            cb.state,
				Op:               "execute",
				Failures:         cb.failures,
				FailureThreshold: cb.failureThreshold,
				LastFailure:      cb.lastFailureTime,
				NextRetry:        nextRetry,
			}
		}
		cb.transition(StateHalfOpen, "timeout expired")
		cb.inFlightProbes = 1
		return true, nil

	case StateHalfOpen:
		if cb.inFlightProbes >= cb.halfOpenRequests {
			cb.totalRejected++
			return false, &CircuitBreakerError{
				State:            cb.state,
				Op:               "execute",
				Failures:         cb.failures,
				FailureThreshold: cb.failureThreshold,
				LastFailure:      cb.lastFailureTime,
				NextRetry:        time.Now().Add(time.Second),
			}
		}
		cb.inFlightProbes++
		return true, nil

	default:
		return false, ErrUnknownState
	}
}

func (cb *CircuitBreaker) recordResult(err error, probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// A probe admitted before the circuit re-opened or closed no longer holds a slot
	if probe && cb.state == StateHalfOpen && cb.inFlightProbes > 0 {
		cb.inFlightProbes--
	}

	if cb.isFailure(err) {
		cb.failures++
		cb.totalFailures++
		cb.lastFailureTime = time.Now()

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.transition(StateOpen, fmt.Sprintf("failure threshold reached (%d/%d)", cb.failures, cb.failureThreshold))
			}
		case StateHalfOpen:
			cb.transition(StateOpen, "failure in half-open state")
		}
		return
	}

	cb.successes++
	cb.totalSuccesses++

	switch cb.state {
	case StateHalfOpen:
		if cb.successes >= cb.successThreshold {
			cb.transition(StateClosed, fmt.Sprintf("success threshold reached (%d/%d)", cb.successes, cb.successThreshold))
		}
	case StateClosed:
		cb.failures = 0
	}
}

// transition changes state and resets the per-state counters; cb.mu must be held
func (cb *CircuitBreaker) transition(to State, reason string) {
	from := cb.state
	cb.state = to
	cb.inFlightProbes = 0

	switch to {
	case StateClosed:
		cb.failures = 0
	case StateOpen, StateHalfOpen:
		cb.successes = 0
	}

	cb.notifyStateChange(from, to, reason)
}

// AddListener adds a state change listener
func (cb *CircuitBreaker) AddListener(listener StateChangeListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, listener)
}

// RemoveListener removes a state change listener
func (cb *CircuitBreaker) RemoveListener(listener StateChangeListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	for i, l := range cb.listeners {
		if l == listener {
			cb.listeners = append(cb.listeners[:i], cb.listeners[i+1:]...)
			break
		}
	}
}

// notifyStateChange runs listeners in their own goroutines so they never hold the lock
func (cb *CircuitBreaker) notifyStateChange(from, to State, reason string) {
	for _, listener := range cb.listeners {
		go listener.OnStateChange(from, to, reason)
	}
}

// GetMetrics returns circuit breaker metrics
func (cb *CircuitBreaker) GetMetrics() CircuitBreakerMetrics {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitBreakerMetrics{
		Name:             cb.name,
		State:            cb.state,
		TotalRequests:    cb.totalRequests,
		TotalFailures:    cb.totalFailures,
		TotalSuccesses:   cb.totalSuccesses,
		TotalRejected:    cb.totalRejected,
		CurrentFailures:  cb.failures,
		CurrentSuccesses: cb.successes,
		LastFailureTime:  cb.lastFailureTime,
		Timestamp:        time.Now(),
	}
}

// CircuitBreakerMetrics represents circuit breaker metrics
type CircuitBreakerMetrics struct {
	Name             string
	State            State
	TotalRequests    int64
	TotalFailures    int64
	TotalSuccesses   int64
	TotalRejected    int64
	CurrentFailures  int
	CurrentSuccesses int
	LastFailureTime  time.Time
	Timestamp        time.Time
}

// LoggingStateListener logs every state change
type LoggingStateListener struct {
	name   string
	logger *slog.Logger
}

// NewLoggingStateListener creates a listener that logs transitions of the named breaker
func NewLoggingStateListener(name string, logger *slog.Logger) *LoggingStateListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingStateListener{name: name, logger: logger}
}

// OnStateChange implements StateChangeListener
func (l *LoggingStateListener) OnStateChange(from, to State, reason string) {
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	l.logger.Log(context.Background(), level, "circuit breaker state changed",
		"breaker", l.name,
		"from", from.String(),
		"to", to.String(),
		"reason", reason)
}
