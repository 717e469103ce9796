package reliability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaymq/relay-go/contracts"
)

// Action is the coordinator's decision for a failed attempt.
type Action int

const (
	// ActionRetry schedules the message for another attempt after backoff.
	ActionRetry Action = iota

	// ActionDeadLetter routes the message to the dead-letter channel.
	ActionDeadLetter

	// ActionDuplicate means the message already reached a terminal state;
	// the event is noted and attempt history stays untouched.
	ActionDuplicate

	// ActionCompleted means a first success was recorded and the message
	// reached its terminal COMPLETED state.
	ActionCompleted
)

// Decision is the outcome of recording an attempt result.
type Decision struct {
	Action  Action
	Attempt int
	Delay   time.Duration
	Reason  string
}

// messageState is the single-writer attempt accounting for one message ID.
type messageState struct {
	mu      sync.Mutex
	status  contracts.Status
	history []contracts.DeliveryAttempt
	doneAt  time.Time
}

// Coordinator decides, for each failed delivery or processing attempt,
// whether to retry after backoff or to dead-letter. Attempt accounting is
// keyed by message ID and serialized per message, so concurrent failures
// for the same message never double-count.
type Coordinator struct {
	policy    RetryPolicy
	dlq       *DeadLetterPublisher
	logger    *slog.Logger
	metrics   MetricsCollector
	lanes     *retryLanes
	retention time.Duration

	mu        sync.Mutex
	states    map[string]*messageState
	lastSweep time.Time
}

// CoordinatorOption configures the Coordinator
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets the logger
func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithCoordinatorRetryPolicy sets the retry policy
func WithCoordinatorRetryPolicy(policy RetryPolicy) CoordinatorOption {
	return func(c *Coordinator) {
		c.policy = policy
	}
}

// WithCoordinatorMetrics sets the metrics collector
func WithCoordinatorMetrics(metrics MetricsCollector) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = metrics
	}
}

// WithCoordinatorRetention bounds how long terminal attempt state is kept
// for duplicate detection before it is evicted
func WithCoordinatorRetention(retention time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.retention = retention
	}
}

// NewCoordinator creates a new retry and dead-letter coordinator. The
// default policy is linear backoff, 100ms base, 3 attempts. Terminal attempt
// state is kept for 30 minutes so duplicate redeliveries inside that window
// are still recognized, then evicted.
func NewCoordinator(dlq *DeadLetterPublisher, options ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		policy:    NewLinearBackoff(100*time.Millisecond, 3),
		dlq:       dlq,
		logger:    slog.Default(),
		metrics:   NopMetrics{},
		retention: 30 * time.Minute,
		states:    make(map[string]*messageState),
	}

	for _, opt := range options {
		opt(c)
	}
	c.lanes = newRetryLanes(c.logger)

	return c
}

// state returns the per-message state, creating it on first touch.
func (c *Coordinator) state(messageID string) *messageState {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked(time.Now())

	s, exists := c.states[messageID]
	if !exists {
		s = &messageState{status: contracts.StatusDelivered}
		c.states[messageID] = s
	}
	return s
}

// sweepLocked evicts terminal states older than the retention window, so a
// long-lived consumer does not accumulate one entry per message it has ever
// seen. Duplicate detection only covers redeliveries inside the window.
// Caller holds c.mu.
func (c *Coordinator) sweepLocked(now time.Time) {
	if now.Sub(c.lastSweep) < c.retention/4 {
		return
	}
	c.lastSweep = now

	for id, s := range c.states {
		s.mu.Lock()
		expired := s.status.Terminal() && !s.doneAt.IsZero() && now.Sub(s.doneAt) > c.retention
		s.mu.Unlock()
		if expired {
			delete(c.states, id)
		}
	}
}

// RecordFailure records a failed attempt for the envelope and decides what
// happens next. When the decision is ActionDeadLetter the record has
// already been published (or escalated) by the time this returns.
func (c *Coordinator) RecordFailure(ctx context.Context, envelope *contracts.Envelope, source contracts.SourceInfo, cause error) (Decision, error) {
	if envelope == nil {
		return Decision{}, fmt.Errorf("envelope cannot be nil")
	}

	s := c.state(envelope.ID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		// Duplicate delivery racing a retry that already resolved. Not an
		// error: note it and leave the attempt history untouched.
		c.metrics.RecordDuplicate(envelope.ID)
		c.logger.Warn("failure reported for message in terminal state",
			"messageId", envelope.ID,
			"status", s.status,
		)
		return Decision{Action: ActionDuplicate, Attempt: len(s.history)}, nil
	}

	attempt := len(s.history) + 1
	s.history = append(s.history, contracts.DeliveryAttempt{
		MessageID:     envelope.ID,
		AttemptNumber: attempt,
		StartedAt:     time.Now().UTC(),
		Outcome:       contracts.OutcomeFailure,
		Error:         cause.Error(),
	})
	s.status = contracts.StatusFailed

	if !contracts.IsRetryable(cause) {
		return c.deadLetterLocked(ctx, s, envelope, source, cause, "non-retryable error")
	}
	if attempt >= c.policy.MaxAttempts() {
		return c.deadLetterLocked(ctx, s, envelope, source, cause, "retries exhausted")
	}

	delay := c.policy.NextDelay(attempt)
	s.status = contracts.StatusRetry
	c.metrics.RecordRetry(source.Topic, attempt)
	c.logger.Info("retry scheduled",
		"messageId", envelope.ID,
		"attempt", attempt,
		"delay", delay,
		"error", cause,
	)

	return Decision{Action: ActionRetry, Attempt: attempt, Delay: delay}, nil
}

// DeadLetter routes an envelope straight to the dead-letter channel,
// bypassing the retry budget. Used when a consumption policy condemns a
// whole batch. Terminal messages are left untouched.
func (c *Coordinator) DeadLetter(ctx context.Context, envelope *contracts.Envelope, source contracts.SourceInfo, cause error, reason string) error {
	if envelope == nil {
		return fmt.Errorf("envelope cannot be nil")
	}

	s := c.state(envelope.ID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		c.metrics.RecordDuplicate(envelope.ID)
		return nil
	}

	s.history = append(s.history, contracts.DeliveryAttempt{
		MessageID:     envelope.ID,
		AttemptNumber: len(s.history) + 1,
		StartedAt:     time.Now().UTC(),
		Outcome:       contracts.OutcomeFailure,
		Error:         cause.Error(),
	})

	_, err := c.deadLetterLocked(ctx, s, envelope, source, cause, reason)
	return err
}

// deadLetterLocked publishes the dead-letter record. Caller holds s.mu.
func (c *Coordinator) deadLetterLocked(ctx context.Context, s *messageState, envelope *contracts.Envelope, source contracts.SourceInfo, cause error, reason string) (Decision, error) {
	s.status = contracts.StatusDeadLetter
	s.doneAt = time.Now()

	payload, err := json.Marshal(envelope)
	if err != nil {
		payload = envelope.Body
	}

	history := make([]contracts.DeliveryAttempt, len(s.history))
	copy(history, s.history)

	record := &contracts.DeadLetterRecord{
		OriginalMessageID: envelope.ID,
		OriginalTopic:     source.Topic,
		OriginalPartition: source.Partition,
		OriginalOffset:    source.Offset,
		Payload:           payload,
		AttemptHistory:    history,
		FinalError:        cause.Error(),
		Reason:            reason,
		DeadLetteredAt:    time.Now().UTC(),
	}

	decision := Decision{Action: ActionDeadLetter, Attempt: len(s.history), Reason: reason}
	if err := c.dlq.Publish(ctx, record); err != nil {
		return decision, err
	}
	return decision, nil
}

// RecordSuccess records a successful attempt. Redelivering an already
// completed message is idempotent: the history stays unchanged and only a
// duplicate note is emitted. A success after the message was independently
// dead-lettered is logged as an anomaly but is not an error.
func (c *Coordinator) RecordSuccess(ctx context.Context, messageID string) Decision {
	s := c.state(messageID)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case contracts.StatusCompleted:
		c.metrics.RecordDuplicate(messageID)
		c.logger.Info("duplicate observed for completed message", "messageId", messageID)
		return Decision{Action: ActionDuplicate, Attempt: len(s.history)}
	case contracts.StatusDeadLetter:
		c.logger.Warn("retry succeeded after message was dead-lettered",
			"messageId", messageID,
		)
		return Decision{Action: ActionDuplicate, Attempt: len(s.history)}
	}

	attempt := len(s.history) + 1
	s.history = append(s.history, contracts.DeliveryAttempt{
		MessageID:     messageID,
		AttemptNumber: attempt,
		StartedAt:     time.Now().UTC(),
		Outcome:       contracts.OutcomeSuccess,
	})
	s.status = contracts.StatusCompleted
	s.doneAt = time.Now()

	return Decision{Action: ActionCompleted, Attempt: attempt}
}

// ScheduleRetry runs fn after the decision's delay on the lane for key,
// preserving enqueue order among retries sharing the key. An empty key
// falls back to the message ID so unkeyed messages get their own lane.
func (c *Coordinator) ScheduleRetry(key, messageID string, decision Decision, fn func()) bool {
	if key == "" {
		key = messageID
	}
	return c.lanes.Schedule(key, decision.Delay, fn)
}

// History returns a copy of the attempt history for a message.
func (c *Coordinator) History(messageID string) []contracts.DeliveryAttempt {
	c.mu.Lock()
	s, exists := c.states[messageID]
	c.mu.Unlock()
	if !exists {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	history := make([]contracts.DeliveryAttempt, len(s.history))
	copy(history, s.history)
	return history
}

// Status returns the lifecycle status for a message.
func (c *Coordinator) Status(messageID string) contracts.Status {
	c.mu.Lock()
	s, exists := c.states[messageID]
	c.mu.Unlock()
	if !exists {
		return contracts.StatusCreated
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Close drains pending retries, bounded by ctx. Attempt state is in-memory
// only and does not survive a restart.
func (c *Coordinator) Close(ctx context.Context) error {
	return c.lanes.Close(ctx)
}
