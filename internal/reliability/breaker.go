package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	// BreakerClosed passes calls through and counts consecutive failures.
	BreakerClosed BreakerState = iota

	// BreakerOpen short-circuits every call until the cooldown elapses.
	BreakerOpen

	// BreakerHalfOpen lets a bounded number of probe calls through; their
	// outcomes decide between closing and reopening.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitOpenError reports a call short-circuited by an open breaker. It is
// retryable: the circuit probes the broker again once the cooldown elapses.
type CircuitOpenError struct {
	Op        string
	Failures  int
	NextProbe time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open: %s blocked after %d failures, next probe at %s",
		e.Op, e.Failures, e.NextProbe.UTC().Format(time.RFC3339))
}

// Retryable marks the short-circuit as a transient condition.
func (e *CircuitOpenError) Retryable() bool { return true }

// CircuitBreaker stops a publisher from hammering an unavailable broker:
// consecutive failures trip it open, calls short-circuit during the
// cooldown, then a few probes decide whether it closes again.
type CircuitBreaker struct {
	logger           *slog.Logger
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	halfOpenBudget   int

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	inFlight    int
	lastFailure time.Time
}

// BreakerOption configures the CircuitBreaker
type BreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets how many consecutive failures trip the breaker
func WithFailureThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = n
	}
}

// WithSuccessThreshold sets how many probe successes close the breaker
func WithSuccessThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = n
	}
}

// WithCooldown sets how long the breaker stays open before probing
func WithCooldown(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.cooldown = d
	}
}

// WithHalfOpenBudget bounds how many probes may be in flight while half-open
func WithHalfOpenBudget(n int) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenBudget = n
	}
}

// WithBreakerLogger sets the logger
func WithBreakerLogger(logger *slog.Logger) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// NewCircuitBreaker creates a breaker with the defaults: 5 consecutive
// failures open it, it probes after 30 seconds, 2 probe successes close it.
func NewCircuitBreaker(options ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		logger:           slog.Default(),
		failureThreshold: 5,
		successThreshold: 2,
		cooldown:         30 * time.Second,
		halfOpenBudget:   2,
		state:            BreakerClosed,
	}
	for _, opt := range options {
		opt(cb)
	}
	return cb
}

// Execute runs fn under the breaker. A short-circuited call returns a
// CircuitOpenError without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, op string, fn func() error) error {
	if err := cb.admit(op); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		cb.release()
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) admit(op string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		nextProbe := cb.lastFailure.Add(cb.cooldown)
		if time.Now().Before(nextProbe) {
			return &CircuitOpenError{Op: op, Failures: cb.failures, NextProbe: nextProbe}
		}
		cb.transitionLocked(BreakerHalfOpen, "cooldown elapsed")
		cb.successes = 0
		cb.inFlight = 1
		return nil
	case BreakerHalfOpen:
		if cb.inFlight >= cb.halfOpenBudget {
			return &CircuitOpenError{Op: op, Failures: cb.failures, NextProbe: time.Now()}
		}
		cb.inFlight++
		return nil
	default:
		return fmt.Errorf("unknown breaker state %d", cb.state)
	}
}

// release gives back a probe slot when the call never ran.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == BreakerHalfOpen && cb.inFlight > 0 {
		cb.inFlight--
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerHalfOpen && cb.inFlight > 0 {
		cb.inFlight--
	}

	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		switch cb.state {
		case BreakerClosed:
			if cb.failures >= cb.failureThreshold {
				cb.transitionLocked(BreakerOpen, "failure threshold reached")
			}
		case BreakerHalfOpen:
			cb.transitionLocked(BreakerOpen, "probe failed")
		}
		return
	}

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.failures = 0
			cb.transitionLocked(BreakerClosed, "probes succeeded")
		}
	}
}

// transitionLocked changes state and logs it. Caller holds cb.mu.
func (cb *CircuitBreaker) transitionLocked(to BreakerState, reason string) {
	from := cb.state
	cb.state = to
	level := slog.LevelInfo
	if to == BreakerOpen {
		level = slog.LevelWarn
	}
	cb.logger.Log(context.Background(), level, "circuit breaker state change",
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
	)
}
