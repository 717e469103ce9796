package reliability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/relaymq/relay-go/contracts"
)

// DeadLetterTypeTag is the envelope type tag for dead-letter records.
const DeadLetterTypeTag = "relay.DeadLetterRecord"

// EnvelopePublisher publishes envelopes to a topic. Satisfied by an adapter
// over the transport publisher.
type EnvelopePublisher interface {
	Publish(ctx context.Context, topic, key string, envelope *contracts.Envelope) error
}

// EscalationHandler is invoked with the full record when the dead-letter
// publish itself fails. This is the last line of defense against silent
// data loss.
type EscalationHandler func(record *contracts.DeadLetterRecord, err error)

// DeadLetterPublisher routes exhausted messages to the dead-letter channel
// with their failure metadata.
type DeadLetterPublisher struct {
	publisher EnvelopePublisher
	topic     string
	logger    *slog.Logger
	metrics   MetricsCollector
	escalate  EscalationHandler
}

// DLQOption configures the dead-letter publisher
type DLQOption func(*DeadLetterPublisher)

// WithDLQLogger sets the logger
func WithDLQLogger(logger *slog.Logger) DLQOption {
	return func(p *DeadLetterPublisher) {
		p.logger = logger
	}
}

// WithDLQTopic sets the dead-letter topic
func WithDLQTopic(topic string) DLQOption {
	return func(p *DeadLetterPublisher) {
		p.topic = topic
	}
}

// WithDLQMetrics sets the metrics collector
func WithDLQMetrics(metrics MetricsCollector) DLQOption {
	return func(p *DeadLetterPublisher) {
		p.metrics = metrics
	}
}

// WithEscalationHandler sets the handler invoked when the dead-letter
// publish fails
func WithEscalationHandler(handler EscalationHandler) DLQOption {
	return func(p *DeadLetterPublisher) {
		p.escalate = handler
	}
}

// NewDeadLetterPublisher creates a new dead-letter publisher
func NewDeadLetterPublisher(publisher EnvelopePublisher, options ...DLQOption) *DeadLetterPublisher {
	p := &DeadLetterPublisher{
		publisher: publisher,
		topic:     "relay.dlq",
		logger:    slog.Default(),
		metrics:   NopMetrics{},
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Topic returns the dead-letter topic name
func (p *DeadLetterPublisher) Topic() string {
	return p.topic
}

// Publish routes a dead-letter record to the dead-letter channel. A failed
// publish is escalated at the highest severity and reported to the
// escalation handler together with the full record, so the data is never
// silently lost.
func (p *DeadLetterPublisher) Publish(ctx context.Context, record *contracts.DeadLetterRecord) error {
	if record == nil {
		return fmt.Errorf("dead-letter record cannot be nil")
	}
	if record.DeadLetteredAt.IsZero() {
		record.DeadLetteredAt = time.Now().UTC()
	}

	body, err := json.Marshal(record)
	if err != nil {
		return &contracts.SerializationError{MessageID: record.OriginalMessageID, Err: err}
	}

	envelope := &contracts.Envelope{
		ID:           uuid.New().String(),
		Type:         DeadLetterTypeTag,
		Timestamp:    record.DeadLetteredAt.Format(time.RFC3339),
		PartitionKey: record.OriginalMessageID,
		Body:         body,
	}

	if err := p.publisher.Publish(ctx, p.topic, record.OriginalMessageID, envelope); err != nil {
		p.logger.Error("DEAD-LETTER PUBLISH FAILED, ESCALATING",
			"messageId", record.OriginalMessageID,
			"originalTopic", record.OriginalTopic,
			"finalError", record.FinalError,
			"error", err,
		)
		p.metrics.RecordEscalation(record.OriginalTopic)
		if p.escalate != nil {
			p.escalate(record, err)
		}
		return &contracts.DeadLetterPublishError{
			MessageID: record.OriginalMessageID,
			Topic:     p.topic,
			Err:       err,
		}
	}

	p.metrics.RecordDeadLetter(record.OriginalTopic, record.Reason)
	p.logger.Warn("message dead-lettered",
		"messageId", record.OriginalMessageID,
		"originalTopic", record.OriginalTopic,
		"reason", record.Reason,
		"attempts", len(record.AttemptHistory),
	)

	return nil
}
