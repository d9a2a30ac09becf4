package bridge

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// CallFunc performs one call and returns its outcome
type CallFunc func(ctx context.Context, method string, payload []byte, timeout time.Duration) Outcome

// CallInterceptor wraps a CallFunc with cross-cutting behavior
type CallInterceptor func(next CallFunc) CallFunc

// ChainInterceptors composes interceptors so the first one is the outermost
func ChainInterceptors(interceptors ...CallInterceptor) CallInterceptor {
	return func(next CallFunc) CallFunc {
		for i := len(interceptors) - 1; i >= 0; i-- {
			next = interceptors[i](next)
		}
		return next
	}
}

// LoggingInterceptor logs every call with its outcome and duration
func LoggingInterceptor(logger *slog.Logger) CallInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, method string, payload []byte, timeout time.Duration) Outcome {
			start := time.Now()
			logger.Debug("sending request", "method", method, "timeout", timeout)

			outcome := next(ctx, method, payload, timeout)

			attrs := []any{
				"method", method,
				"correlationId", outcome.CorrelationID,
				"outcome", outcome.Kind.String(),
				"duration", time.Since(start),
			}
			if outcome.IsSuccess() {
				logger.Info("request completed", attrs...)
			} else {
				logger.Warn("request failed", append(attrs, "error", outcome.Err)...)
			}
			return outcome
		}
	}
}

// MetricsInterceptor records every call in collector
func MetricsInterceptor(collector MetricsCollector) CallInterceptor {
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, method string, payload []byte, timeout time.Duration) Outcome {
			start := time.Now()
			outcome := next(ctx, method, payload, timeout)
			collector.RecordCall(method, outcome.Kind, time.Since(start))
			return outcome
		}
	}
}

// RateLimitInterceptor rejects calls beyond the limiter's token bucket instead of queueing them
func RateLimitInterceptor(limiter *rate.Limiter) CallInterceptor {
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, method string, payload []byte, timeout time.Duration) Outcome {
			if !limiter.Allow() {
				return Rejected(ErrRateLimited)
			}
			return next(ctx, method, payload, timeout)
		}
	}
}
