package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaymq/relay-go/contracts"
	"github.com/relaymq/relay-go/internal/reliability"
	"github.com/relaymq/relay-go/messaging"
	"github.com/relaymq/relay-go/schema"
	"github.com/relaymq/relay-go/serialization"
	"github.com/relaymq/relay-go/transports/kafka"
)

// Default topics and their partition counts. Keyed topics carry more
// partitions so unrelated keys do not serialize behind each other; the
// dead-letter topic keeps a single partition so the failure log reads in
// order.
const (
	TopicMessages      = "relay.messages"
	TopicTransactions  = "relay.transactions"
	TopicNotifications = "relay.notifications"
	TopicDeadLetter    = "relay.dlq"
)

var defaultTopics = map[string]int32{
	TopicMessages:      3,
	TopicTransactions:  5,
	TopicNotifications: 3,
	TopicDeadLetter:    1,
}

// RetryPolicy decides whether and when a failed attempt runs again.
type RetryPolicy = reliability.RetryPolicy

// NewLinearBackoff returns the default policy: the delay grows by a fixed
// base per attempt.
func NewLinearBackoff(base time.Duration, attempts int) RetryPolicy {
	return reliability.NewLinearBackoff(base, attempts)
}

// NewExponentialBackoff returns a policy whose delay multiplies per attempt,
// capped at max.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, attempts int) RetryPolicy {
	return reliability.NewExponentialBackoff(initial, max, multiplier, attempts)
}

// NewFixedDelay returns a policy with the same delay for every attempt.
func NewFixedDelay(delay time.Duration, attempts int) RetryPolicy {
	return reliability.NewFixedDelay(delay, attempts)
}

// EscalationHandler is invoked when a dead-letter publish fails, carrying
// the full record so nothing is lost silently.
type EscalationHandler = reliability.EscalationHandler

// MetricsSnapshot is a point-in-time copy of the delivery pipeline counters.
type MetricsSnapshot = reliability.MetricsSnapshot

// Client is the main entry point: one transport, a publisher, a subscriber,
// the type registry, the validation gate and the retry coordinator, wired
// together.
type Client struct {
	transport   messaging.Transport
	publisher   *messaging.MessagePublisher
	subscriber  *messaging.MessageSubscriber
	dispatcher  *messaging.MessageDispatcher
	registry    *serialization.DefaultTypeRegistry
	validator   *schema.RuleValidator
	coordinator *reliability.Coordinator
	metrics     *reliability.InMemoryMetrics
	logger      *slog.Logger
}

// clientConfig holds client configuration
type clientConfig struct {
	logger      *slog.Logger
	retryPolicy RetryPolicy
	dlqTopic    string
	escalation  EscalationHandler
	topics      map[string]int32
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithRetryPolicy sets the retry policy for failed processing attempts
func WithRetryPolicy(policy RetryPolicy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.retryPolicy = policy
	}
}

// WithDeadLetterTopic overrides the dead-letter topic
func WithDeadLetterTopic(topic string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dlqTopic = topic
	}
}

// WithEscalationHandler sets the handler invoked when a dead-letter publish
// fails
func WithEscalationHandler(handler EscalationHandler) ClientOption {
	return func(cfg *clientConfig) {
		cfg.escalation = handler
	}
}

// WithTopics replaces the default topic layout declared on connect
func WithTopics(topics map[string]int32) ClientOption {
	return func(cfg *clientConfig) {
		cfg.topics = topics
	}
}

// NewClient creates a client backed by Kafka at the given brokers
func NewClient(ctx context.Context, brokers []string, options ...ClientOption) (*Client, error) {
	cfg := defaultConfig(options)
	transport := kafka.NewTransport(brokers, kafka.WithLogger(cfg.logger))
	return newClient(ctx, transport, cfg)
}

// NewClientWithTransport creates a client on an injected transport. Used
// with the in-memory transport for tests and local development.
func NewClientWithTransport(ctx context.Context, transport messaging.Transport, options ...ClientOption) (*Client, error) {
	return newClient(ctx, transport, defaultConfig(options))
}

func defaultConfig(options []ClientOption) *clientConfig {
	cfg := &clientConfig{
		logger:      slog.Default(),
		retryPolicy: reliability.NewLinearBackoff(100*time.Millisecond, 3),
		dlqTopic:    TopicDeadLetter,
		topics:      defaultTopics,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

func newClient(ctx context.Context, transport messaging.Transport, cfg *clientConfig) (*Client, error) {
	if err := transport.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect transport: %w", err)
	}

	for topic, partitions := range cfg.topics {
		if err := transport.DeclareTopic(ctx, topic, partitions); err != nil {
			return nil, fmt.Errorf("failed to declare topic %s: %w", topic, err)
		}
	}

	registry := serialization.NewTypeRegistry()
	validator := schema.NewRuleValidator()
	metrics := reliability.NewInMemoryMetrics()
	dispatcher := messaging.NewMessageDispatcher(registry, messaging.WithDispatcherLogger(cfg.logger))

	publisher := messaging.NewMessagePublisher(
		transport.Publisher(),
		messaging.WithPublisherLogger(cfg.logger),
		messaging.WithValidator(validator),
		messaging.WithDefaultTopic(TopicMessages),
		messaging.WithPublisherMetrics(metrics),
		messaging.WithPublisherBreaker(reliability.NewCircuitBreaker(
			reliability.WithBreakerLogger(cfg.logger),
		)),
	)

	dlqOpts := []reliability.DLQOption{
		reliability.WithDLQLogger(cfg.logger),
		reliability.WithDLQTopic(cfg.dlqTopic),
		reliability.WithDLQMetrics(metrics),
	}
	if cfg.escalation != nil {
		dlqOpts = append(dlqOpts, reliability.WithEscalationHandler(cfg.escalation))
	}

	coordinator := reliability.NewCoordinator(
		reliability.NewDeadLetterPublisher(messaging.NewEnvelopeSink(transport.Publisher()), dlqOpts...),
		reliability.WithCoordinatorLogger(cfg.logger),
		reliability.WithCoordinatorRetryPolicy(cfg.retryPolicy),
		reliability.WithCoordinatorMetrics(metrics),
	)

	subscriber := messaging.NewMessageSubscriber(
		transport.Subscriber(),
		dispatcher,
		coordinator,
		messaging.WithSubscriberLogger(cfg.logger),
	)

	return &Client{
		transport:   transport,
		publisher:   publisher,
		subscriber:  subscriber,
		dispatcher:  dispatcher,
		registry:    registry,
		validator:   validator,
		coordinator: coordinator,
		metrics:     metrics,
		logger:      cfg.logger,
	}, nil
}

// RegisterType registers a message type so inbound envelopes with its tag
// can be decoded.
func (c *Client) RegisterType(typeTag string, factory func() contracts.Message) error {
	return c.registry.Register(typeTag, serialization.Factory(factory))
}

// RegisterRules appends validation rules for a message type. Rules run in
// the pre-send gate for synchronous and transactional publishes.
func (c *Client) RegisterRules(typeTag string, rules ...schema.Rule) error {
	return c.validator.RegisterRules(typeTag, rules...)
}

// RegisterHandler binds a handler to a message type for consumption
func (c *Client) RegisterHandler(typeTag string, handler messaging.MessageHandler) error {
	return c.dispatcher.RegisterHandler(typeTag, handler)
}

// Publisher returns the message publisher
func (c *Client) Publisher() *messaging.MessagePublisher {
	return c.publisher
}

// Subscriber returns the message subscriber
func (c *Client) Subscriber() *messaging.MessageSubscriber {
	return c.subscriber
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// History returns the recorded delivery attempts for a message
func (c *Client) History(messageID string) []contracts.DeliveryAttempt {
	return c.coordinator.History(messageID)
}

// Status returns the lifecycle status for a message
func (c *Client) Status(messageID string) contracts.Status {
	return c.coordinator.Status(messageID)
}

// Metrics returns a snapshot of the delivery pipeline counters
func (c *Client) Metrics() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// Close drains pending retries and closes all resources
func (c *Client) Close(ctx context.Context) error {
	if err := c.subscriber.Close(ctx); err != nil {
		c.logger.Warn("subscriber close failed", "error", err)
	}
	if err := c.publisher.Close(); err != nil {
		c.logger.Warn("publisher close failed", "error", err)
	}
	return c.transport.Close()
}
