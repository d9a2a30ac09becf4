// Package reliability provides the retry policies and circuit breaker used by
// the transport and the bridge.
//
//   - Retry policies: exponential backoff and fixed delay, with optional
//     unlimited attempts for long-lived subscriptions and reconnects
//   - Circuit breaker: stops publishing to a broker that keeps failing
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithFailureThreshold(5),
//	    WithSuccessThreshold(3),
//	    WithTimeout(30 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func() error {
//	    return publish()
//	})
package reliability
