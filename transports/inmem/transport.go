// Package inmem provides an in-process transport with the same partitioned
// log semantics as the Kafka transport: keyed partition assignment, offsets,
// consumer groups and atomic multi-record transactions. Intended for tests
// and local development.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/relaymq/relay-go/contracts"
	"github.com/relaymq/relay-go/messaging"
)

// record is one appended log entry.
type record struct {
	key  string
	body []byte
}

// topicLog is a topic's partitioned append-only log.
type topicLog struct {
	mu         sync.Mutex
	partitions [][]record
	roundRobin int
}

// partitionFor maps a key to a partition. Keyed records always land on the
// same partition; unkeyed records rotate.
func (t *topicLog) partitionFor(key string) int32 {
	if key == "" {
		t.roundRobin++
		return int32(t.roundRobin % len(t.partitions))
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int32(h.Sum32() % uint32(len(t.partitions)))
}

// Transport is an in-memory implementation of messaging.Transport.
type Transport struct {
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]*topicLog
	subs   map[string]*partitionGroup
	closed bool
}

// Option configures the Transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport creates an in-memory transport
func NewTransport(options ...Option) *Transport {
	t := &Transport{
		logger: slog.Default(),
		topics: make(map[string]*topicLog),
		subs:   make(map[string]*partitionGroup),
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// Connect is a no-op for the in-memory transport
func (t *Transport) Connect(ctx context.Context) error { return nil }

// DeclareTopic creates a topic with the given partition count if it does
// not exist. Redeclaring an existing topic is a no-op.
func (t *Transport) DeclareTopic(ctx context.Context, name string, partitions int32) error {
	if partitions < 1 {
		return fmt.Errorf("topic %s: partition count must be positive", name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.topics[name]; exists {
		return nil
	}
	t.topics[name] = &topicLog{partitions: make([][]record, partitions)}

	t.logger.Debug("topic declared", "topic", name, "partitions", partitions)
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

// topic returns the named topic, declaring it with one partition on first
// use so casual tests need no setup.
func (t *Transport) topic(name string) (*topicLog, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, &contracts.TransportError{Op: "publish", Err: fmt.Errorf("transport closed")}
	}

	log, exists := t.topics[name]
	if !exists {
		log = &topicLog{partitions: make([][]record, 1)}
		t.topics[name] = log
	}
	return log, nil
}

// append adds one record and returns its placement.
func (t *Transport) append(topic string, key string, body []byte) (messaging.PublishResult, error) {
	log, err := t.topic(topic)
	if err != nil {
		return messaging.PublishResult{}, err
	}

	log.mu.Lock()
	defer log.mu.Unlock()

	partition := log.partitionFor(key)
	log.partitions[partition] = append(log.partitions[partition], record{key: key, body: body})
	return messaging.PublishResult{
		Topic:     topic,
		Partition: partition,
		Offset:    int64(len(log.partitions[partition]) - 1),
	}, nil
}

// Close stops all subscriptions and rejects further publishes
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	subs := t.subs
	t.subs = make(map[string]*partitionGroup)
	t.mu.Unlock()

	for _, group := range subs {
		group.stop()
	}
	return nil
}

// publisher appends serialized envelopes to topic logs.
type publisher struct {
	transport *Transport
}

func (p *publisher) Publish(ctx context.Context, topic, key string, envelope *contracts.Envelope) (messaging.PublishResult, error) {
	if err := ctx.Err(); err != nil {
		return messaging.PublishResult{}, err
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return messaging.PublishResult{}, &contracts.SerializationError{MessageID: envelope.ID, Err: err}
	}
	return p.transport.append(topic, key, body)
}

// BeginTx starts a staged transaction. Records become visible only on
// Commit, all at once.
func (p *publisher) BeginTx(ctx context.Context) (messaging.TransportTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &transaction{transport: p.transport}, nil
}

func (p *publisher) Close() error { return nil }

// stagedRecord is a record held back until commit.
type stagedRecord struct {
	topic string
	key   string
	body  []byte
}

type transaction struct {
	transport *Transport
	mu        sync.Mutex
	staged    []stagedRecord
	done      bool
}

func (tx *transaction) Publish(ctx context.Context, topic, key string, envelope *contracts.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return &contracts.SerializationError{MessageID: envelope.ID, Err: err}
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return fmt.Errorf("transaction already finished")
	}
	tx.staged = append(tx.staged, stagedRecord{topic: topic, key: key, body: body})
	return nil
}

func (tx *transaction) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return fmt.Errorf("transaction already finished")
	}
	tx.done = true

	for _, staged := range tx.staged {
		if _, err := tx.transport.append(staged.topic, staged.key, staged.body); err != nil {
			return err
		}
	}
	tx.staged = nil
	return nil
}

func (tx *transaction) Abort(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.done = true
	tx.staged = nil
	return nil
}

// partitionGroup is one subscription: a consumer goroutine per partition,
// each owning its partition's committed offset.
type partitionGroup struct {
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func (g *partitionGroup) stop() {
	g.once.Do(func() { close(g.done) })
	g.wg.Wait()
}

// pollInterval is how often an idle consumer checks for new records.
const pollInterval = 5 * time.Millisecond

type subscriber struct {
	transport *Transport
}

func (s *subscriber) Subscribe(ctx context.Context, topic, groupID string, handler messaging.DeliveryHandler, options messaging.SubscriptionOptions) error {
	return s.start(ctx, topic, func(log *topicLog, partition int32, group *partitionGroup) {
		s.consume(ctx, log, topic, partition, group, handler)
	})
}

func (s *subscriber) SubscribeBatch(ctx context.Context, topic, groupID string, handler messaging.BatchHandler, options messaging.SubscriptionOptions) error {
	batchSize := options.BatchSize
	if batchSize < 1 {
		batchSize = 100
	}
	maxWait := options.MaxWait
	if maxWait <= 0 {
		maxWait = 50 * time.Millisecond
	}
	return s.start(ctx, topic, func(log *topicLog, partition int32, group *partitionGroup) {
		s.consumeBatch(ctx, log, topic, partition, group, handler, batchSize, maxWait)
	})
}

// start declares the subscription and launches one consumer per partition.
func (s *subscriber) start(ctx context.Context, topic string, consume func(*topicLog, int32, *partitionGroup)) error {
	log, err := s.transport.topic(topic)
	if err != nil {
		return err
	}

	s.transport.mu.Lock()
	if _, exists := s.transport.subs[topic]; exists {
		s.transport.mu.Unlock()
		return fmt.Errorf("already subscribed to topic %s", topic)
	}
	group := &partitionGroup{done: make(chan struct{})}
	s.transport.subs[topic] = group
	s.transport.mu.Unlock()

	log.mu.Lock()
	partitions := len(log.partitions)
	log.mu.Unlock()

	for p := 0; p < partitions; p++ {
		group.wg.Add(1)
		go func(partition int32) {
			defer group.wg.Done()
			consume(log, partition, group)
		}(int32(p))
	}
	return nil
}

// next returns the record at the given offset, or false when the partition
// has nothing new.
func (s *subscriber) next(log *topicLog, partition int32, offset int64) (record, bool) {
	log.mu.Lock()
	defer log.mu.Unlock()
	if offset >= int64(len(log.partitions[partition])) {
		return record{}, false
	}
	return log.partitions[partition][offset], true
}

// consume delivers records one at a time. The offset advances on Ack or on
// Nack without requeue; Nack with requeue redelivers the same record.
func (s *subscriber) consume(ctx context.Context, log *topicLog, topic string, partition int32, group *partitionGroup, handler messaging.DeliveryHandler) {
	var offset int64
	for {
		select {
		case <-group.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		rec, ok := s.next(log, partition, offset)
		if !ok {
			select {
			case <-group.done:
				return
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}

		delivery := newDelivery(rec.body, contracts.SourceInfo{Topic: topic, Partition: partition, Offset: offset})
		if err := handler(ctx, delivery); err != nil {
			s.transport.logger.Warn("handler error", "topic", topic, "partition", partition, "offset", offset, "error", err)
		}

		switch delivery.wait(group.done) {
		case settleAck, settleSkip:
			offset++
		case settleRequeue:
			// same offset, redeliver
		case settleAbandoned:
			return
		}
	}
}

// consumeBatch fills batches up to batchSize or maxWait and delivers them
// whole. Offsets advance per record as each delivery is settled.
func (s *subscriber) consumeBatch(ctx context.Context, log *topicLog, topic string, partition int32, group *partitionGroup, handler messaging.BatchHandler, batchSize int, maxWait time.Duration) {
	var offset int64
	for {
		select {
		case <-group.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		deliveries := make([]messaging.TransportDelivery, 0, batchSize)
		deadline := time.Now().Add(maxWait)
		next := offset
		for len(deliveries) < batchSize && time.Now().Before(deadline) {
			rec, ok := s.next(log, partition, next)
			if !ok {
				if len(deliveries) > 0 {
					break
				}
				select {
				case <-group.done:
					return
				case <-ctx.Done():
					return
				case <-time.After(pollInterval):
				}
				deadline = time.Now().Add(maxWait)
				continue
			}
			deliveries = append(deliveries, newDelivery(rec.body, contracts.SourceInfo{Topic: topic, Partition: partition, Offset: next}))
			next++
		}
		if len(deliveries) == 0 {
			continue
		}

		if err := handler(ctx, deliveries); err != nil {
			s.transport.logger.Warn("batch handler error", "topic", topic, "partition", partition, "error", err)
		}

		// The committed offset moves past the longest settled prefix; a
		// requeued record pins it so the tail is redelivered.
		redeliver := false
		for _, d := range deliveries {
			switch d.(*delivery).wait(group.done) {
			case settleAck, settleSkip:
				if !redeliver {
					offset++
				}
			case settleRequeue:
				redeliver = true
			case settleAbandoned:
				return
			}
		}
	}
}

func (s *subscriber) Unsubscribe(topic string) error {
	s.transport.mu.Lock()
	group, exists := s.transport.subs[topic]
	delete(s.transport.subs, topic)
	s.transport.mu.Unlock()

	if !exists {
		return fmt.Errorf("not subscribed to topic %s", topic)
	}
	group.stop()
	return nil
}

func (s *subscriber) Close() error {
	s.transport.mu.Lock()
	subs := s.transport.subs
	s.transport.subs = make(map[string]*partitionGroup)
	s.transport.mu.Unlock()

	for _, group := range subs {
		group.stop()
	}
	return nil
}

// settlement is the terminal state of one delivery.
type settlement int

const (
	settleAck settlement = iota
	settleSkip
	settleRequeue
	settleAbandoned
)

// delivery is one record handed to a handler. The consumer goroutine blocks
// on wait until the handler (or a retry scheduled by it) settles the record.
type delivery struct {
	body    []byte
	source  contracts.SourceInfo
	settled chan settlement
	once    sync.Once
}

func (d *delivery) Body() []byte { return d.body }

func (d *delivery) Source() contracts.SourceInfo { return d.source }

func (d *delivery) Ack() error {
	d.settle(settleAck)
	return nil
}

func (d *delivery) Nack(requeue bool) error {
	if requeue {
		d.settle(settleRequeue)
	} else {
		d.settle(settleSkip)
	}
	return nil
}

func newDelivery(body []byte, source contracts.SourceInfo) *delivery {
	return &delivery{
		body:    body,
		source:  source,
		settled: make(chan settlement, 1),
	}
}

func (d *delivery) settle(s settlement) {
	d.once.Do(func() {
		d.settled <- s
	})
}

// wait blocks until the delivery settles or the subscription stops.
func (d *delivery) wait(done <-chan struct{}) settlement {
	select {
	case s := <-d.settled:
		return s
	case <-done:
		return settleAbandoned
	}
}
