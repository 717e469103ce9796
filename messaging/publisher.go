package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaymq/relay-go/contracts"
	"github.com/relaymq/relay-go/internal/reliability"
	"github.com/relaymq/relay-go/schema"
)

// Callback receives the result of an asynchronous publish. It is invoked
// exactly once, on a goroutine distinct from the caller's. Callback order
// across concurrent sends is not guaranteed.
type Callback func(result PublishResult, err error)

// MessagePublisher executes send contracts against the transport:
// fire-and-forget, synchronous, asynchronous, transactional and
// key-partitioned sends.
type MessagePublisher struct {
	transport    TransportPublisher
	validator    schema.Validator
	retryPolicy  reliability.RetryPolicy
	breaker      *reliability.CircuitBreaker
	logger       *slog.Logger
	metrics      reliability.MetricsCollector
	defaultTopic string
	syncTimeout  time.Duration
}

// PublisherOption configures the MessagePublisher
type PublisherOption func(*MessagePublisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *MessagePublisher) {
		p.logger = logger
	}
}

// WithValidator sets the validation gate invoked before synchronous and
// transactional sends
func WithValidator(validator schema.Validator) PublisherOption {
	return func(p *MessagePublisher) {
		p.validator = validator
	}
}

// WithPublisherRetryPolicy sets the policy used by PublishWithRetry
func WithPublisherRetryPolicy(policy reliability.RetryPolicy) PublisherOption {
	return func(p *MessagePublisher) {
		p.retryPolicy = policy
	}
}

// WithDefaultTopic sets the topic used when a publish names none
func WithDefaultTopic(topic string) PublisherOption {
	return func(p *MessagePublisher) {
		p.defaultTopic = topic
	}
}

// WithSyncTimeout sets the default timeout for synchronous sends
func WithSyncTimeout(timeout time.Duration) PublisherOption {
	return func(p *MessagePublisher) {
		p.syncTimeout = timeout
	}
}

// WithPublisherMetrics sets the metrics collector
func WithPublisherMetrics(metrics reliability.MetricsCollector) PublisherOption {
	return func(p *MessagePublisher) {
		p.metrics = metrics
	}
}

// WithPublisherBreaker guards transport sends with a circuit breaker, so a
// broker outage is probed instead of hammered. Short-circuited sends fail
// with a retryable CircuitOpenError without reaching the transport.
func WithPublisherBreaker(breaker *reliability.CircuitBreaker) PublisherOption {
	return func(p *MessagePublisher) {
		p.breaker = breaker
	}
}

// NewMessagePublisher creates a new message publisher
func NewMessagePublisher(transport TransportPublisher, options ...PublisherOption) *MessagePublisher {
	p := &MessagePublisher{
		transport:    transport,
		logger:       slog.Default(),
		metrics:      reliability.NopMetrics{},
		retryPolicy:  reliability.NewLinearBackoff(100*time.Millisecond, 3),
		defaultTopic: "relay.messages",
		syncTimeout:  30 * time.Second,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishOptions configures a single publish
type PublishOptions struct {
	Topic        string
	PartitionKey string
	Timeout      time.Duration
}

// PublishOption configures publish behavior
type PublishOption func(*PublishOptions)

// WithTopic sets the destination topic
func WithTopic(topic string) PublishOption {
	return func(opts *PublishOptions) {
		opts.Topic = topic
	}
}

// WithPartitionKey overrides the message's partition key. The same key maps
// to the same partition on every call, preserving per-key ordering.
func WithPartitionKey(key string) PublishOption {
	return func(opts *PublishOptions) {
		opts.PartitionKey = key
	}
}

// WithTimeout overrides the synchronous send timeout
func WithTimeout(timeout time.Duration) PublishOption {
	return func(opts *PublishOptions) {
		opts.Timeout = timeout
	}
}

func (p *MessagePublisher) buildOptions(msg contracts.Message, options []PublishOption) PublishOptions {
	opts := PublishOptions{
		Topic:        p.defaultTopic,
		PartitionKey: msg.GetPartitionKey(),
		Timeout:      p.syncTimeout,
	}
	for _, opt := range options {
		opt(&opts)
	}
	return opts
}

// PublishFireAndForget submits a message and returns immediately. The send
// result is unobserved beyond a best-effort log: suitable only for
// loss-tolerant data.
func (p *MessagePublisher) PublishFireAndForget(ctx context.Context, msg contracts.Message, options ...PublishOption) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}
	opts := p.buildOptions(msg, options)

	envelope, err := NewEnvelope(msg)
	if err != nil {
		return err
	}

	go func() {
		_, err := p.send(ctx, opts.Topic, opts.PartitionKey, envelope)
		p.metrics.RecordSend(opts.Topic, err == nil)
		if err != nil {
			p.logger.Warn("fire-and-forget publish failed",
				"messageId", msg.GetID(),
				"topic", opts.Topic,
				"error", err,
			)
		}
	}()

	return nil
}

// PublishSync submits a message and blocks until the transport acknowledges
// or the timeout elapses. On timeout or transport error it returns the
// failure without retrying; retry is the caller's responsibility.
func (p *MessagePublisher) PublishSync(ctx context.Context, msg contracts.Message, options ...PublishOption) (PublishResult, error) {
	if msg == nil {
		return PublishResult{}, fmt.Errorf("message cannot be nil")
	}
	opts := p.buildOptions(msg, options)

	if err := p.validate(msg); err != nil {
		return PublishResult{}, err
	}

	envelope, err := NewEnvelope(msg)
	if err != nil {
		return PublishResult{}, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	result, err := p.send(sendCtx, opts.Topic, opts.PartitionKey, envelope)
	p.metrics.RecordSend(opts.Topic, err == nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = &contracts.TimeoutError{Op: "publish", Timeout: opts.Timeout}
		}
		p.logger.Error("synchronous publish failed",
			"messageId", msg.GetID(),
			"topic", opts.Topic,
			"error", err,
		)
		return PublishResult{}, err
	}

	p.logger.Debug("message published",
		"messageId", msg.GetID(),
		"topic", result.Topic,
		"partition", result.Partition,
		"offset", result.Offset,
	)
	return result, nil
}

// PublishAsync submits a message without blocking and invokes callback
// exactly once with the outcome. Errors surface only via the callback.
func (p *MessagePublisher) PublishAsync(ctx context.Context, msg contracts.Message, callback Callback, options ...PublishOption) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}
	if callback == nil {
		return fmt.Errorf("callback cannot be nil")
	}
	opts := p.buildOptions(msg, options)

	envelope, err := NewEnvelope(msg)
	if err != nil {
		return err
	}

	go func() {
		result, err := p.send(ctx, opts.Topic, opts.PartitionKey, envelope)
		p.metrics.RecordSend(opts.Topic, err == nil)
		callback(result, err)
	}()

	return nil
}

// PublishWithRetry wraps a synchronous send in the publisher's retry
// policy. Non-retryable errors stop the loop immediately.
func (p *MessagePublisher) PublishWithRetry(ctx context.Context, msg contracts.Message, options ...PublishOption) (PublishResult, error) {
	var result PublishResult
	err := reliability.Retry(ctx, p.retryPolicy, func() error {
		var err error
		result, err = p.PublishSync(ctx, msg, options...)
		return err
	})
	return result, err
}

// send runs one transport publish through the circuit breaker when one is
// configured.
func (p *MessagePublisher) send(ctx context.Context, topic, key string, envelope *contracts.Envelope) (PublishResult, error) {
	if p.breaker == nil {
		return p.transport.Publish(ctx, topic, key, envelope)
	}

	var result PublishResult
	err := p.breaker.Execute(ctx, "publish", func() error {
		var err error
		result, err = p.transport.Publish(ctx, topic, key, envelope)
		return err
	})
	return result, err
}

// validate runs the validation gate if one is configured. Violations
// short-circuit the send: the message never reaches the transport.
func (p *MessagePublisher) validate(msg contracts.Message) error {
	if p.validator == nil {
		return nil
	}
	if err := p.validator.Validate(msg); err != nil {
		p.logger.Error("message failed validation",
			"messageId", msg.GetID(),
			"messageType", msg.GetType(),
			"error", err,
		)
		return err
	}
	return nil
}

// Close closes the underlying transport publisher
func (p *MessagePublisher) Close() error {
	return p.transport.Close()
}
