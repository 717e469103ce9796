package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaymq/relay-go/contracts"
	"github.com/relaymq/relay-go/internal/reliability"
)

// MessageSubscriber consumes envelopes from the transport, routes them
// through the dispatcher and applies the acknowledgment discipline chosen
// per subscription. Failed records go to the retry and dead-letter
// coordinator; their offsets stay uncommitted until the record resolves.
type MessageSubscriber struct {
	transport   TransportSubscriber
	dispatcher  *MessageDispatcher
	coordinator *reliability.Coordinator
	logger      *slog.Logger

	mu            sync.Mutex
	subscriptions map[string]subscription
	closed        bool
}

type subscription struct {
	groupID string
	options SubscribeOptions
}

// SubscribeOptions configures one subscription
type SubscribeOptions struct {
	AckMode     AckMode
	BatchPolicy BatchFailurePolicy
	BatchSize   int
	MaxWait     time.Duration
}

// SubscribeOption configures subscription behavior
type SubscribeOption func(*SubscribeOptions)

// WithAckMode selects the acknowledgment discipline
func WithAckMode(mode AckMode) SubscribeOption {
	return func(opts *SubscribeOptions) {
		opts.AckMode = mode
	}
}

// WithBatchPolicy selects the partial-failure policy for batch subscriptions
func WithBatchPolicy(policy BatchFailurePolicy) SubscribeOption {
	return func(opts *SubscribeOptions) {
		opts.BatchPolicy = policy
	}
}

// WithBatchSize sets the max records per batch
func WithBatchSize(size int) SubscribeOption {
	return func(opts *SubscribeOptions) {
		opts.BatchSize = size
	}
}

// WithMaxWait bounds how long a partial batch waits before delivery
func WithMaxWait(wait time.Duration) SubscribeOption {
	return func(opts *SubscribeOptions) {
		opts.MaxWait = wait
	}
}

// SubscriberOption configures the MessageSubscriber
type SubscriberOption func(*MessageSubscriber)

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *MessageSubscriber) {
		s.logger = logger
	}
}

// NewMessageSubscriber creates a new message subscriber
func NewMessageSubscriber(transport TransportSubscriber, dispatcher *MessageDispatcher, coordinator *reliability.Coordinator, options ...SubscriberOption) *MessageSubscriber {
	s := &MessageSubscriber{
		transport:     transport,
		dispatcher:    dispatcher,
		coordinator:   coordinator,
		logger:        slog.Default(),
		subscriptions: make(map[string]subscription),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Subscribe starts consuming a topic within a consumer group. AutoAck and
// ManualAck subscriptions dispatch per record; ManualBatchAck hands batches
// to the batch path governed by the subscription's BatchFailurePolicy.
func (s *MessageSubscriber) Subscribe(ctx context.Context, topic, groupID string, options ...SubscribeOption) error {
	opts := SubscribeOptions{
		AckMode:     ManualAck,
		BatchPolicy: RetryWholeBatch,
		BatchSize:   100,
	}
	for _, opt := range options {
		opt(&opts)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("subscriber is closed")
	}
	if _, exists := s.subscriptions[topic]; exists {
		s.mu.Unlock()
		return fmt.Errorf("already subscribed to topic %s", topic)
	}
	s.subscriptions[topic] = subscription{groupID: groupID, options: opts}
	s.mu.Unlock()

	transportOpts := SubscriptionOptions{
		AckMode:   opts.AckMode,
		BatchSize: opts.BatchSize,
		MaxWait:   opts.MaxWait,
	}

	var err error
	if opts.AckMode == ManualBatchAck {
		err = s.transport.SubscribeBatch(ctx, topic, groupID, s.batchHandler(opts.BatchPolicy), transportOpts)
	} else {
		err = s.transport.Subscribe(ctx, topic, groupID, s.recordHandler(opts.AckMode), transportOpts)
	}
	if err != nil {
		s.mu.Lock()
		delete(s.subscriptions, topic)
		s.mu.Unlock()
		return err
	}

	s.logger.Info("subscribed",
		"topic", topic,
		"groupId", groupID,
		"ackMode", opts.AckMode,
	)
	return nil
}

// recordHandler builds the per-record delivery path for AutoAck and
// ManualAck subscriptions.
func (s *MessageSubscriber) recordHandler(mode AckMode) DeliveryHandler {
	return func(ctx context.Context, delivery TransportDelivery) error {
		if mode == AutoAck {
			// Offset advances before the handler runs. A crash here loses
			// the record; that is the contract AutoAck callers accept.
			if err := delivery.Ack(); err != nil {
				return err
			}
			if err := s.process(ctx, delivery); err != nil {
				s.logger.Warn("auto-ack handler failed after offset commit",
					"topic", delivery.Source().Topic,
					"offset", delivery.Source().Offset,
					"error", err,
				)
			}
			return nil
		}
		return s.processAndAck(ctx, delivery)
	}
}

// processAndAck runs the record through dispatch and the coordinator, then
// settles the delivery according to the decision.
func (s *MessageSubscriber) processAndAck(ctx context.Context, delivery TransportDelivery) error {
	envelope, err := s.parse(delivery)
	if err != nil {
		// A record that cannot even be parsed can never succeed; it goes
		// straight to the dead-letter channel under a synthetic envelope.
		return s.settleFailure(ctx, delivery, syntheticEnvelope(delivery), err)
	}

	if dispatchErr := s.dispatcher.Dispatch(ctx, envelope); dispatchErr != nil {
		return s.settleFailure(ctx, delivery, envelope, dispatchErr)
	}

	s.coordinator.RecordSuccess(ctx, envelope.ID)
	return delivery.Ack()
}

// process is the ack-free variant used once the offset is already committed.
func (s *MessageSubscriber) process(ctx context.Context, delivery TransportDelivery) error {
	envelope, err := s.parse(delivery)
	if err != nil {
		return err
	}
	if err := s.dispatcher.Dispatch(ctx, envelope); err != nil {
		return err
	}
	s.coordinator.RecordSuccess(ctx, envelope.ID)
	return nil
}

// dispatch parses and routes the record without recording the outcome,
// leaving the decision to the caller's policy.
func (s *MessageSubscriber) dispatch(ctx context.Context, delivery TransportDelivery) error {
	envelope, err := s.parse(delivery)
	if err != nil {
		return err
	}
	return s.dispatcher.Dispatch(ctx, envelope)
}

// settleFailure records the failure and acts on the coordinator's decision:
// retries re-run the record in place on its partition-key lane while the
// offset stays uncommitted; dead-lettered and duplicate records are acked.
// Only a failed dead-letter publish nacks the record for redelivery, so
// nothing is dropped silently.
func (s *MessageSubscriber) settleFailure(ctx context.Context, delivery TransportDelivery, envelope *contracts.Envelope, cause error) error {
	decision, dlErr := s.coordinator.RecordFailure(ctx, envelope, delivery.Source(), cause)
	if dlErr != nil {
		s.logger.Error("dead-letter publish failed, keeping record on the topic",
			"messageId", envelope.ID,
			"error", dlErr,
		)
		return delivery.Nack(true)
	}

	switch decision.Action {
	case reliability.ActionRetry:
		scheduled := s.coordinator.ScheduleRetry(envelope.PartitionKey, envelope.ID, decision, func() {
			if err := s.processAndAck(ctx, delivery); err != nil {
				s.logger.Warn("retry attempt did not settle the record",
					"messageId", envelope.ID,
					"attempt", decision.Attempt+1,
					"error", err,
				)
			}
		})
		if !scheduled {
			// Shutting down; leave the offset uncommitted for redelivery.
			return delivery.Nack(true)
		}
		return nil
	case reliability.ActionDeadLetter, reliability.ActionDuplicate:
		return delivery.Ack()
	default:
		return fmt.Errorf("unknown coordinator action %d", decision.Action)
	}
}

// parse decodes the raw delivery body into an envelope.
func (s *MessageSubscriber) parse(delivery TransportDelivery) (*contracts.Envelope, error) {
	var envelope contracts.Envelope
	if err := json.Unmarshal(delivery.Body(), &envelope); err != nil {
		return nil, &contracts.SerializationError{
			MessageID: fmt.Sprintf("%s/%d/%d", delivery.Source().Topic, delivery.Source().Partition, delivery.Source().Offset),
			Err:       err,
		}
	}
	return &envelope, nil
}

// syntheticEnvelope stands in for a record whose body never parsed, so the
// dead-letter record still carries the raw payload and source coordinates.
func syntheticEnvelope(delivery TransportDelivery) *contracts.Envelope {
	src := delivery.Source()
	return &contracts.Envelope{
		ID:   fmt.Sprintf("%s/%d/%d", src.Topic, src.Partition, src.Offset),
		Type: "unknown",
		Body: json.RawMessage(delivery.Body()),
	}
}

// Unsubscribe stops consuming a topic
func (s *MessageSubscriber) Unsubscribe(topic string) error {
	s.mu.Lock()
	_, exists := s.subscriptions[topic]
	delete(s.subscriptions, topic)
	s.mu.Unlock()

	if !exists {
		return fmt.Errorf("not subscribed to topic %s", topic)
	}
	return s.transport.Unsubscribe(topic)
}

// Close stops all subscriptions and drains pending retries, bounded by ctx.
func (s *MessageSubscriber) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.subscriptions = make(map[string]subscription)
	s.mu.Unlock()

	if err := s.transport.Close(); err != nil {
		return err
	}
	return s.coordinator.Close(ctx)
}
