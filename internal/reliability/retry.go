package reliability

import (
	"context"
	"math"
	"time"
)

// RetryPolicy defines the interface for retry policies
type RetryPolicy interface {
	// ShouldRetry reports whether another attempt may follow the given number
	// of consecutive failures, and how long to wait before it.
	ShouldRetry(failures int, err error) (bool, time.Duration)
	// MaxAttempts returns the total number of attempts allowed
	MaxAttempts() int
}

// FixedDelay waits the same delay between attempts and allows at most
// Attempts attempts in total.
type FixedDelay struct {
	Delay    time.Duration
	Attempts int
}

// NewFixedDelay creates a new fixed delay policy. Attempts below one are
// raised to one; a negative delay is treated as zero.
func NewFixedDelay(delay time.Duration, attempts int) *FixedDelay {
	if attempts < 1 {
		attempts = 1
	}
	if delay < 0 {
		delay = 0
	}
	return &FixedDelay{
		Delay:    delay,
		Attempts: attempts,
	}
}

// DefaultReconnectPolicy is the consumer reconnect policy: 10 attempts, 5s apart.
func DefaultReconnectPolicy() *FixedDelay {
	return NewFixedDelay(5*time.Second, 10)
}

// ShouldRetry implements RetryPolicy
func (f *FixedDelay) ShouldRetry(failures int, err error) (bool, time.Duration) {
	if failures >= f.Attempts {
		return false, 0
	}

	if !isRetryableError(err) {
		return false, 0
	}

	return true, f.Delay
}

// MaxAttempts implements RetryPolicy
func (f *FixedDelay) MaxAttempts() int {
	return f.Attempts
}

// ExponentialBackoff multiplies the delay after every failure, up to
// MaxInterval, and allows at most Attempts attempts in total.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Attempts        int
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, attempts int) *ExponentialBackoff {
	if attempts < 1 {
		attempts = 1
	}
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		Attempts:        attempts,
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(failures int, err error) (bool, time.Duration) {
	if failures >= e.Attempts || !isRetryableError(err) {
		return false, 0
	}
	return true, e.NextDelay(failures)
}

// MaxAttempts implements RetryPolicy
func (e *ExponentialBackoff) MaxAttempts() int {
	return e.Attempts
}

// NextDelay returns the wait after the given number of failures
func (e *ExponentialBackoff) NextDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(failures-1))
	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}
	return time.Duration(delay)
}

// Retry runs fn until it succeeds, policy gives up, or ctx ends. The last
// error from fn is returned when policy gives up.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	for failures := 1; ; failures++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		retry, delay := policy.ShouldRetry(failures, err)
		if !retry {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// isRetryableError determines if an error is retryable
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}

	if r, ok := err.(retryable); ok {
		return r.IsRetryable()
	}

	return true
}

// RetryableError wraps an error to mark whether it may be retried
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}
