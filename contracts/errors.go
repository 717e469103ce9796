package contracts

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// retryable is implemented by errors that carry their own retry
// classification.
type retryable interface {
	Retryable() bool
}

// IsRetryable classifies an error as RETRYABLE or NON_RETRYABLE. Errors that
// do not implement the retryable interface default to retryable, since
// unknown failures are usually transient transport conditions.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// TransportError indicates the transport (broker) was unreachable or
// rejected an operation for a transient reason.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports true: broker unavailability is transient.
func (e *TransportError) Retryable() bool { return true }

// TimeoutError indicates a synchronous operation did not complete within its
// deadline.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s did not complete within %v", e.Op, e.Timeout)
}

// Retryable reports true: timeouts are transient.
func (e *TimeoutError) Retryable() bool { return true }

// SerializationError indicates a payload could not be encoded or decoded.
// Retrying cannot fix a malformed payload.
type SerializationError struct {
	MessageID string
	Err       error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization: message %s: %v", e.MessageID, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

func (e *SerializationError) Retryable() bool { return false }

// Violation is a single validation rule failure.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

// ValidationError indicates a message failed the validation gate. Caught
// pre-send: the message never reaches the transport.
type ValidationError struct {
	MessageID  string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("validation: message %s: %s", e.MessageID, strings.Join(parts, ", "))
}

func (e *ValidationError) Retryable() bool { return false }

// TransactionAbortedError indicates a transactional send was rolled back.
// The whole transaction may be restarted.
type TransactionAbortedError struct {
	TransactionalID string
	Err             error
}

func (e *TransactionAbortedError) Error() string {
	return fmt.Sprintf("transaction %s aborted: %v", e.TransactionalID, e.Err)
}

func (e *TransactionAbortedError) Unwrap() error { return e.Err }

func (e *TransactionAbortedError) Retryable() bool { return true }

// RetriesExhaustedError is terminal: the message used up its attempt budget
// and was routed to the dead-letter channel.
type RetriesExhaustedError struct {
	MessageID string
	Attempts  int
	LastError error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted: message %s failed %d attempts: %v",
		e.MessageID, e.Attempts, e.LastError)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.LastError }

func (e *RetriesExhaustedError) Retryable() bool { return false }

// DeadLetterPublishError is fatal: the last line of defense against silent
// data loss failed. Callers must escalate, not retry silently forever.
type DeadLetterPublishError struct {
	MessageID string
	Topic     string
	Err       error
}

func (e *DeadLetterPublishError) Error() string {
	return fmt.Sprintf("dead-letter publish: message %s to %s: %v", e.MessageID, e.Topic, e.Err)
}

func (e *DeadLetterPublishError) Unwrap() error { return e.Err }

func (e *DeadLetterPublishError) Retryable() bool { return false }
