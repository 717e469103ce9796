package messaging

import (
	"context"
	"time"

	"github.com/relaymq/relay-go/contracts"
)

// PublishResult reports where the transport placed a record.
type PublishResult struct {
	Topic     string
	Partition int32
	Offset    int64
}

// TransportPublisher defines the interface for publishing envelopes through
// a transport. The same partition key must map to the same partition on
// every call for the lifetime of the topic's partition count.
type TransportPublisher interface {
	// Publish sends an envelope, blocking until the transport acknowledges
	Publish(ctx context.Context, topic, key string, envelope *contracts.Envelope) (PublishResult, error)

	// Close closes the publisher
	Close() error
}

// TransportTransaction is an in-progress atomic publish. Either every
// envelope published through it becomes visible to consumers, or none do.
type TransportTransaction interface {
	// Publish stages an envelope inside the transaction
	Publish(ctx context.Context, topic, key string, envelope *contracts.Envelope) error

	// Commit makes all staged envelopes visible atomically
	Commit(ctx context.Context) error

	// Abort discards all staged envelopes
	Abort(ctx context.Context) error
}

// TransactionalTransportPublisher is implemented by transports that support
// a begin/commit/abort protocol with a stable transactional identity per
// producer instance.
type TransactionalTransportPublisher interface {
	TransportPublisher

	// BeginTx begins a new transaction
	BeginTx(ctx context.Context) (TransportTransaction, error)
}

// TransportDelivery represents one record delivered by the transport.
type TransportDelivery interface {
	// Body returns the serialized envelope
	Body() []byte

	// Source returns the topic, partition and offset the record came from
	Source() contracts.SourceInfo

	// Ack marks the record processed, advancing the committed offset
	Ack() error

	// Nack signals processing failure; requeue asks for redelivery
	Nack(requeue bool) error
}

// DeliveryHandler processes one delivered record.
type DeliveryHandler func(ctx context.Context, delivery TransportDelivery) error

// BatchHandler processes a batch of delivered records.
type BatchHandler func(ctx context.Context, deliveries []TransportDelivery) error

// AckMode selects the acknowledgment discipline for a subscription.
type AckMode int

const (
	// AutoAck advances the offset before the handler runs. A crash between
	// dispatch and completion loses the record: unsafe for critical data.
	AutoAck AckMode = iota

	// ManualAck advances the offset only after the handler acks the record.
	ManualAck

	// ManualBatchAck hands batches to the handler and advances the whole
	// batch's offsets only on batch success.
	ManualBatchAck
)

// SubscriptionOptions configures subscription behavior
type SubscriptionOptions struct {
	AckMode   AckMode
	BatchSize int           // Max records per batch for ManualBatchAck
	MaxWait   time.Duration // Max time to fill a batch before delivering it
}

// TransportSubscriber defines the interface for consuming through a
// transport. Within a group, at most one subscriber owns a partition at a
// time; that mutual exclusion is the transport's responsibility and the
// sole cross-record ordering anchor.
type TransportSubscriber interface {
	// Subscribe registers a per-record handler for a topic within a group
	Subscribe(ctx context.Context, topic, groupID string, handler DeliveryHandler, options SubscriptionOptions) error

	// SubscribeBatch registers a batch handler for a topic within a group
	SubscribeBatch(ctx context.Context, topic, groupID string, handler BatchHandler, options SubscriptionOptions) error

	// Unsubscribe removes a subscription
	Unsubscribe(topic string) error

	// Close closes the subscriber
	Close() error
}

// Transport provides publisher and subscriber functionality plus topic
// administration.
type Transport interface {
	// Publisher returns a transport publisher
	Publisher() TransportPublisher

	// Subscriber returns a transport subscriber
	Subscriber() TransportSubscriber

	// DeclareTopic creates a topic with the given partition count if it
	// does not exist
	DeclareTopic(ctx context.Context, name string, partitions int32) error

	// Connect establishes the connection to the broker
	Connect(ctx context.Context) error

	// Close closes all resources
	Close() error
}
