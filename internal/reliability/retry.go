package reliability

import (
	"context"
	"math"
	"time"

	"github.com/relaymq/relay-go/contracts"
)

// RetryPolicy decides whether a failed attempt should be retried and after
// what delay. The attempt argument is the number of the attempt that just
// failed, starting at 1.
type RetryPolicy interface {
	// ShouldRetry determines if a retry should be attempted after the given
	// failed attempt
	ShouldRetry(attempt int, err error) (bool, time.Duration)

	// MaxAttempts returns the attempt budget
	MaxAttempts() int

	// NextDelay calculates the backoff delay after the given failed attempt
	NextDelay(attempt int) time.Duration
}

// LinearBackoff grows the delay linearly: baseDelay * attempt. This is the
// default policy.
type LinearBackoff struct {
	BaseDelay time.Duration
	Attempts  int
}

// NewLinearBackoff creates a linear backoff policy
func NewLinearBackoff(baseDelay time.Duration, maxAttempts int) *LinearBackoff {
	return &LinearBackoff{
		BaseDelay: baseDelay,
		Attempts:  maxAttempts,
	}
}

// ShouldRetry implements RetryPolicy
func (l *LinearBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= l.Attempts {
		return false, 0
	}
	if !contracts.IsRetryable(err) {
		return false, 0
	}
	return true, l.NextDelay(attempt)
}

// MaxAttempts implements RetryPolicy
func (l *LinearBackoff) MaxAttempts() int {
	return l.Attempts
}

// NextDelay implements RetryPolicy
func (l *LinearBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return l.BaseDelay * time.Duration(attempt)
}

// ExponentialBackoff doubles (or multiplies) the delay per attempt, capped
// at MaxDelay.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Attempts     int
}

// NewExponentialBackoff creates an exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: initial,
		MaxDelay:     max,
		Multiplier:   multiplier,
		Attempts:     maxAttempts,
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.Attempts {
		return false, 0
	}
	if !contracts.IsRetryable(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// MaxAttempts implements RetryPolicy
func (e *ExponentialBackoff) MaxAttempts() int {
	return e.Attempts
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(e.InitialDelay) * math.Pow(e.Multiplier, float64(attempt-1))
	if delay > float64(e.MaxDelay) {
		delay = float64(e.MaxDelay)
	}
	return time.Duration(delay)
}

// FixedDelay waits the same delay between every attempt.
type FixedDelay struct {
	Delay    time.Duration
	Attempts int
}

// NewFixedDelay creates a fixed delay policy
func NewFixedDelay(delay time.Duration, maxAttempts int) *FixedDelay {
	return &FixedDelay{
		Delay:    delay,
		Attempts: maxAttempts,
	}
}

// ShouldRetry implements RetryPolicy
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= f.Attempts {
		return false, 0
	}
	if !contracts.IsRetryable(err) {
		return false, 0
	}
	return true, f.Delay
}

// MaxAttempts implements RetryPolicy
func (f *FixedDelay) MaxAttempts() int {
	return f.Attempts
}

// NextDelay implements RetryPolicy
func (f *FixedDelay) NextDelay(attempt int) time.Duration {
	return f.Delay
}

// Retry executes fn with retry logic, sleeping the policy's delay between
// attempts. It returns the last error once the policy declines to retry.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		shouldRetry, delay := policy.ShouldRetry(attempt, err)
		if !shouldRetry {
			return lastErr
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
