package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with correct defaults", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)

		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
		assert.Equal(t, 5*time.Second, eb.MaxInterval)
		assert.Equal(t, 2.0, eb.Multiplier)
		assert.Equal(t, 3, eb.MaxRetries())
		assert.True(t, eb.Jitter)
	})

	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			shouldRetry, delay := eb.ShouldRetry(i, errors.New("test"))
			assert.True(t, shouldRetry)
			assert.Greater(t, delay, time.Duration(0))
		}

		shouldRetry, delay := eb.ShouldRetry(3, errors.New("test"))
		assert.False(t, shouldRetry)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("negative max retries never gives up", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, -1)

		shouldRetry, delay := eb.ShouldRetry(10000, errors.New("broker down"))
		assert.True(t, shouldRetry)
		assert.LessOrEqual(t, delay, time.Second+150*time.Millisecond)
	})

	t.Run("NextDelay calculates exponential backoff", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{2, 400 * time.Millisecond},
			{3, 800 * time.Millisecond},
			{4, 1600 * time.Millisecond},
			{10, 10 * time.Second},
			{5000, 10 * time.Second},
		}

		for _, tt := range tests {
			t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
				assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt))
			})
		}
	})

	t.Run("NextDelay with jitter stays within 15%", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5)

		for i := 0; i < 20; i++ {
			delay := eb.NextDelay(0)
			assert.GreaterOrEqual(t, delay, 850*time.Millisecond)
			assert.LessOrEqual(t, delay, 1150*time.Millisecond)
		}
	})

	t.Run("respects non-retryable errors", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		shouldRetry, _ := eb.ShouldRetry(0, RetryableError{Err: errors.New("bad credentials"), Retryable: false})
		assert.False(t, shouldRetry)

		// Also when wrapped
		wrapped := fmt.Errorf("dial: %w", RetryableError{Err: errors.New("bad credentials"), Retryable: false})
		shouldRetry, _ = eb.ShouldRetry(0, wrapped)
		assert.False(t, shouldRetry)
	})
}

func TestFixedDelay(t *testing.T) {
	t.Run("creates with correct values", func(t *testing.T) {
		fd := NewFixedDelay(2*time.Second, 3)

		assert.Equal(t, 2*time.Second, fd.Delay)
		assert.Equal(t, 3, fd.MaxRetries())
	})

	t.Run("NextDelay always returns same delay", func(t *testing.T) {
		fd := NewFixedDelay(750*time.Millisecond, 10)

		for i := 0; i < 10; i++ {
			assert.Equal(t, 750*time.Millisecond, fd.NextDelay(i))
		}
	})

	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		fd := NewFixedDelay(time.Millisecond, 1)

		shouldRetry, delay := fd.ShouldRetry(0, errors.New("test"))
		assert.True(t, shouldRetry)
		assert.Equal(t, time.Millisecond, delay)

		shouldRetry, _ = fd.ShouldRetry(1, errors.New("test"))
		assert.False(t, shouldRetry)
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds on first attempt", func(t *testing.T) {
		attempts := 0

		err := Retry(context.Background(), NewFixedDelay(100*time.Millisecond, 3), func() error {
			attempts++
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("retries on failure", func(t *testing.T) {
		attempts := 0

		err := Retry(context.Background(), NewFixedDelay(10*time.Millisecond, 3), func() error {
			attempts++
			if attempts < 3 {
				return errors.New("temporary error")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("returns last error after max retries", func(t *testing.T) {
		attempts := 0

		err := Retry(context.Background(), NewFixedDelay(10*time.Millisecond, 2), func() error {
			attempts++
			return errors.New("persistent error")
		})

		assert.EqualError(t, err, "persistent error")
		assert.Equal(t, 3, attempts) // Initial + 2 retries
	})

	t.Run("zero retries runs once", func(t *testing.T) {
		attempts := 0

		err := Retry(context.Background(), NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 0), func() error {
			attempts++
			return errors.New("publish failed")
		})

		assert.Error(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		var attempts atomic.Int32

		time.AfterFunc(50*time.Millisecond, cancel)

		err := Retry(ctx, NewFixedDelay(time.Second, 5), func() error {
			attempts.Add(1)
			return errors.New("error")
		})

		assert.Equal(t, context.Canceled, err)
		assert.LessOrEqual(t, attempts.Load(), int32(2))
	})

	t.Run("respects context deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		defer cancel()

		attempts := 0
		start := time.Now()

		err := Retry(ctx, NewFixedDelay(100*time.Millisecond, 10), func() error {
			attempts++
			return errors.New("error")
		})

		assert.Equal(t, context.DeadlineExceeded, err)
		assert.Less(t, attempts, 10)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		attempts := 0

		err := Retry(context.Background(), NewExponentialBackoff(time.Millisecond, 10*time.Millisecond, 2.0, 5), func() error {
			attempts++
			if attempts == 2 {
				return RetryableError{Err: errors.New("fatal error"), Retryable: false}
			}
			return errors.New("retryable error")
		})

		assert.EqualError(t, err, "fatal error")
		assert.Equal(t, 2, attempts)
	})
}

func TestRetryableError(t *testing.T) {
	t.Run("wraps the underlying error", func(t *testing.T) {
		baseErr := errors.New("base error")
		err := RetryableError{Err: baseErr, Retryable: true}

		assert.Equal(t, "base error", err.Error())
		assert.True(t, err.IsRetryable())
		assert.ErrorIs(t, err, baseErr)
	})

	t.Run("classification", func(t *testing.T) {
		assert.False(t, isRetryableError(nil))
		assert.True(t, isRetryableError(errors.New("unknown error")))
		assert.True(t, isRetryableError(RetryableError{Err: errors.New("x"), Retryable: true}))
		assert.False(t, isRetryableError(RetryableError{Err: errors.New("x"), Retryable: false}))
	})
}

func BenchmarkRetry(b *testing.B) {
	policy := NewExponentialBackoff(time.Microsecond, 10*time.Microsecond, 2.0, 3)
	ctx := context.Background()

	b.Run("successful operation", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			Retry(ctx, policy, func() error { return nil })
		}
	})
}
