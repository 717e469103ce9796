// Package kafka implements the transport on Apache Kafka using franz-go.
// Keys hash to partitions on the broker side, offsets come back from
// produce acknowledgments, and transactions use Kafka's transactional
// producer protocol.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kslog"

	"github.com/relaymq/relay-go/contracts"
	"github.com/relaymq/relay-go/messaging"
)

// Transport is a Kafka-backed implementation of messaging.Transport.
type Transport struct {
	brokers         []string
	logger          *slog.Logger
	transactionalID string

	mu       sync.Mutex
	client   *kgo.Client
	txClient *kgo.Client
	admin    *kadm.Client
	subs     map[string]*consumer
	closed   bool
}

// Option configures the Transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithTransactionalID pins the transactional producer identity. Defaults to
// a random ID, which gives no fencing across restarts.
func WithTransactionalID(id string) Option {
	return func(t *Transport) {
		t.transactionalID = id
	}
}

// NewTransport creates a Kafka transport for the given brokers
func NewTransport(brokers []string, options ...Option) *Transport {
	t := &Transport{
		brokers:         brokers,
		logger:          slog.Default(),
		transactionalID: "relay-tx-" + uuid.New().String(),
		subs:            make(map[string]*consumer),
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// Connect establishes the producer connection and verifies the brokers are
// reachable.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		return nil
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(t.brokers...),
		kgo.WithLogger(kslog.New(t.logger)),
	)
	if err != nil {
		return &contracts.TransportError{Op: "connect", Err: err}
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return &contracts.TransportError{Op: "connect", Err: err}
	}

	t.client = client
	t.admin = kadm.NewClient(client)
	t.logger.Info("connected to kafka", "brokers", t.brokers)
	return nil
}

// DeclareTopic creates a topic with the given partition count if it does
// not exist.
func (t *Transport) DeclareTopic(ctx context.Context, name string, partitions int32) error {
	t.mu.Lock()
	admin := t.admin
	t.mu.Unlock()
	if admin == nil {
		return fmt.Errorf("transport not connected")
	}

	resp, err := admin.CreateTopics(ctx, partitions, 1, nil, name)
	if err != nil {
		return &contracts.TransportError{Op: "create topic", Err: err}
	}
	for _, r := range resp.Sorted() {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return &contracts.TransportError{Op: "create topic", Err: r.Err}
		}
	}
	return nil
}

// Publisher returns a transport publisher
func (t *Transport) Publisher() messaging.TransportPublisher {
	return &publisher{transport: t}
}

// Subscriber returns a transport subscriber
func (t *Transport) Subscriber() messaging.TransportSubscriber {
	return &subscriber{transport: t}
}

// txProducer lazily creates the transactional producer client.
func (t *Transport) txProducer() (*kgo.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}
	if t.txClient != nil {
		return t.txClient, nil
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(t.brokers...),
		kgo.WithLogger(kslog.New(t.logger)),
		kgo.TransactionalID(t.transactionalID),
	)
	if err != nil {
		return nil, &contracts.TransportError{Op: "begin transaction", Err: err}
	}
	t.txClient = client
	return client, nil
}

// Close closes all clients and stops all consumers
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	client, txClient := t.client, t.txClient
	t.client, t.txClient, t.admin = nil, nil, nil
	subs := t.subs
	t.subs = make(map[string]*consumer)
	t.mu.Unlock()

	for _, c := range subs {
		c.stop()
	}
	if txClient != nil {
		txClient.Close()
	}
	if client != nil {
		client.Close()
	}
	return nil
}

// publisher produces envelopes with the producer client.
type publisher struct {
	transport *Transport
}

func (p *publisher) Publish(ctx context.Context, topic, key string, envelope *contracts.Envelope) (messaging.PublishResult, error) {
	p.transport.mu.Lock()
	client := p.transport.client
	p.transport.mu.Unlock()
	if client == nil {
		return messaging.PublishResult{}, fmt.Errorf("transport not connected")
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return messaging.PublishResult{}, &contracts.SerializationError{MessageID: envelope.ID, Err: err}
	}

	rec := &kgo.Record{Topic: topic, Key: []byte(key), Value: body}
	result := client.ProduceSync(ctx, rec)
	produced, err := result.First()
	if err != nil {
		return messaging.PublishResult{}, &contracts.TransportError{Op: "publish", Err: err}
	}

	return messaging.PublishResult{
		Topic:     produced.Topic,
		Partition: produced.Partition,
		Offset:    produced.Offset,
	}, nil
}

// BeginTx starts a Kafka transaction. One transaction at a time per
// transport; the transactional client is held until commit or abort.
func (p *publisher) BeginTx(ctx context.Context) (messaging.TransportTransaction, error) {
	client, err := p.transport.txProducer()
	if err != nil {
		return nil, err
	}
	if err := client.BeginTransaction(); err != nil {
		return nil, &contracts.TransportError{Op: "begin transaction", Err: err}
	}
	return &transaction{client: client, transport: p.transport}, nil
}

func (p *publisher) Close() error { return nil }

type transaction struct {
	client    *kgo.Client
	transport *Transport
}

func (tx *transaction) Publish(ctx context.Context, topic, key string, envelope *contracts.Envelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return &contracts.SerializationError{MessageID: envelope.ID, Err: err}
	}

	rec := &kgo.Record{Topic: topic, Key: []byte(key), Value: body}
	if _, err := tx.client.ProduceSync(ctx, rec).First(); err != nil {
		return &contracts.TransportError{Op: "transactional publish", Err: err}
	}
	return nil
}

func (tx *transaction) Commit(ctx context.Context) error {
	if err := tx.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return &contracts.TransportError{Op: "commit transaction", Err: err}
	}
	return nil
}

func (tx *transaction) Abort(ctx context.Context) error {
	if err := tx.client.EndTransaction(ctx, kgo.TryAbort); err != nil {
		return &contracts.TransportError{Op: "abort transaction", Err: err}
	}
	return nil
}

// consumer is one subscription's group client plus its poll loop.
type consumer struct {
	client *kgo.Client
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *consumer) stop() {
	c.cancel()
	<-c.done
	c.client.Close()
}

type subscriber struct {
	transport *Transport
}

// Subscribe joins the consumer group and delivers records one at a time,
// in partition order. Offsets are committed per record on Ack; autocommit
// is disabled so an unacked record is redelivered after a rebalance.
func (s *subscriber) Subscribe(ctx context.Context, topic, groupID string, handler messaging.DeliveryHandler, options messaging.SubscriptionOptions) error {
	return s.start(ctx, topic, groupID, nil, func(pollCtx context.Context, client *kgo.Client) {
		s.pollRecords(pollCtx, client, handler)
	})
}

// SubscribeBatch joins the consumer group and delivers per-partition
// batches of up to BatchSize records. MaxWait bounds how long the broker may
// hold a fetch open to fill it, so a quiet topic still flushes small batches
// promptly.
func (s *subscriber) SubscribeBatch(ctx context.Context, topic, groupID string, handler messaging.BatchHandler, options messaging.SubscriptionOptions) error {
	batchSize := options.BatchSize
	if batchSize < 1 {
		batchSize = 100
	}
	return s.start(ctx, topic, groupID, batchFetchOpts(options), func(pollCtx context.Context, client *kgo.Client) {
		s.pollBatches(pollCtx, client, handler, batchSize)
	})
}

// batchFetchOpts translates batch subscription options into client fetch
// options. An unset MaxWait keeps the client default.
func batchFetchOpts(options messaging.SubscriptionOptions) []kgo.Opt {
	var opts []kgo.Opt
	if options.MaxWait > 0 {
		opts = append(opts, kgo.FetchMaxWait(options.MaxWait))
	}
	return opts
}

func (s *subscriber) start(ctx context.Context, topic, groupID string, extra []kgo.Opt, loop func(context.Context, *kgo.Client)) error {
	s.transport.mu.Lock()
	if s.transport.closed {
		s.transport.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	if _, exists := s.transport.subs[topic]; exists {
		s.transport.mu.Unlock()
		return fmt.Errorf("already subscribed to topic %s", topic)
	}
	s.transport.mu.Unlock()

	opts := []kgo.Opt{
		kgo.SeedBrokers(s.transport.brokers...),
		kgo.WithLogger(kslog.New(s.transport.logger)),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
	}
	opts = append(opts, extra...)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return &contracts.TransportError{Op: "subscribe", Err: err}
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	c := &consumer{client: client, cancel: cancel, done: make(chan struct{})}

	s.transport.mu.Lock()
	s.transport.subs[topic] = c
	s.transport.mu.Unlock()

	go func() {
		defer close(c.done)
		loop(pollCtx, client)
	}()

	s.transport.logger.Info("subscribed", "topic", topic, "groupId", groupID)
	return nil
}

func (s *subscriber) pollRecords(ctx context.Context, client *kgo.Client, handler messaging.DeliveryHandler) {
	for {
		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			s.transport.logger.Error("fetch error", "topic", topic, "partition", partition, "error", err)
		})

		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, rec := range p.Records {
				d := &delivery{ctx: ctx, client: client, rec: rec}
				if err := handler(ctx, d); err != nil {
					s.transport.logger.Warn("handler error",
						"topic", rec.Topic,
						"partition", rec.Partition,
						"offset", rec.Offset,
						"error", err,
					)
				}
			}
		})
	}
}

func (s *subscriber) pollBatches(ctx context.Context, client *kgo.Client, handler messaging.BatchHandler, batchSize int) {
	for {
		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			s.transport.logger.Error("fetch error", "topic", topic, "partition", partition, "error", err)
		})

		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for start := 0; start < len(p.Records); start += batchSize {
				end := start + batchSize
				if end > len(p.Records) {
					end = len(p.Records)
				}

				batch := make([]messaging.TransportDelivery, 0, end-start)
				for _, rec := range p.Records[start:end] {
					batch = append(batch, &delivery{ctx: ctx, client: client, rec: rec})
				}
				if err := handler(ctx, batch); err != nil {
					s.transport.logger.Warn("batch handler error",
						"topic", p.Topic,
						"partition", p.Partition,
						"error", err,
					)
				}
			}
		})
	}
}

func (s *subscriber) Unsubscribe(topic string) error {
	s.transport.mu.Lock()
	c, exists := s.transport.subs[topic]
	delete(s.transport.subs, topic)
	s.transport.mu.Unlock()

	if !exists {
		return fmt.Errorf("not subscribed to topic %s", topic)
	}
	c.stop()
	return nil
}

func (s *subscriber) Close() error {
	s.transport.mu.Lock()
	subs := s.transport.subs
	s.transport.subs = make(map[string]*consumer)
	s.transport.mu.Unlock()

	for _, c := range subs {
		c.stop()
	}
	return nil
}

// delivery wraps one fetched record. Ack commits the record's offset
// synchronously; Nack leaves it uncommitted so the group redelivers it
// after a rebalance or restart.
type delivery struct {
	ctx    context.Context
	client *kgo.Client
	rec    *kgo.Record
}

func (d *delivery) Body() []byte { return d.rec.Value }

func (d *delivery) Source() contracts.SourceInfo {
	return contracts.SourceInfo{
		Topic:     d.rec.Topic,
		Partition: d.rec.Partition,
		Offset:    d.rec.Offset,
	}
}

func (d *delivery) Ack() error {
	if err := d.client.CommitRecords(d.ctx, d.rec); err != nil {
		return &contracts.TransportError{Op: "commit offset", Err: err}
	}
	return nil
}

func (d *delivery) Nack(requeue bool) error {
	// Kafka has no broker-side nack. The uncommitted offset is the requeue:
	// the record comes back on the next rebalance or restart.
	return nil
}
