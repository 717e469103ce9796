package contracts

import (
	"time"
)

// Status tracks a message through its delivery lifecycle. Exactly one
// component owns transition rights at any instant.
type Status string

const (
	// StatusCreated is the initial state when a message is constructed.
	StatusCreated Status = "CREATED"

	// StatusSent means the message was handed to the transport.
	StatusSent Status = "SENT"

	// StatusDelivered means a consumer received the message.
	StatusDelivered Status = "DELIVERED"

	// StatusFailed means a send or processing attempt failed.
	StatusFailed Status = "FAILED"

	// StatusRetry means a retry has been scheduled after a transient failure.
	StatusRetry Status = "RETRY"

	// StatusDeadLetter is terminal: recovery options are exhausted and the
	// message was routed to the dead-letter channel.
	StatusDeadLetter Status = "DEAD_LETTER"

	// StatusCompleted is terminal: consumer-side business logic succeeded.
	StatusCompleted Status = "COMPLETED"
)

var statusTransitions = map[Status][]Status{
	StatusCreated:   {StatusSent},
	StatusSent:      {StatusDelivered, StatusFailed},
	StatusDelivered: {StatusCompleted, StatusFailed},
	StatusFailed:    {StatusRetry, StatusDeadLetter},
	StatusRetry:     {StatusSent},
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// transition.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusDeadLetter || s == StatusCompleted
}

// AttemptOutcome is the result of a single delivery or processing attempt.
type AttemptOutcome string

const (
	OutcomeSuccess AttemptOutcome = "SUCCESS"
	OutcomeFailure AttemptOutcome = "FAILURE"
)

// DeliveryAttempt records one attempt against a message. Attempts are
// append-only and never mutated once recorded.
type DeliveryAttempt struct {
	MessageID     string         `json:"messageId"`
	AttemptNumber int            `json:"attemptNumber"`
	StartedAt     time.Time      `json:"startedAt"`
	Outcome       AttemptOutcome `json:"outcome"`
	Error         string         `json:"error,omitempty"`
}
