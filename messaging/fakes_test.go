package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/relaymq/relay-go/contracts"
)

// transfer is the message type used across the messaging tests.
type transfer struct {
	contracts.BaseMessage
	SourceID string  `json:"sourceId"`
	TargetID string  `json:"targetId"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

func newTransfer(source, target string, amount float64) *transfer {
	t := &transfer{
		BaseMessage: contracts.NewBaseMessage("Transfer"),
		SourceID:    source,
		TargetID:    target,
		Amount:      amount,
		Currency:    "EUR",
	}
	t.SetPartitionKey(source)
	return t
}

// publishedRecord is one record captured by the fake transport.
type publishedRecord struct {
	topic    string
	key      string
	envelope *contracts.Envelope
}

// fakeTransport is an in-test transport publisher with optional staged
// transactions and scriptable failures.
type fakeTransport struct {
	mu        sync.Mutex
	records   []publishedRecord
	failUntil int // publishes up to this call count fail
	calls     int
	failWith  error
	blockCtx  bool // block until ctx is done, then return ctx.Err()
	closed    bool
}

func (f *fakeTransport) Publish(ctx context.Context, topic, key string, envelope *contracts.Envelope) (PublishResult, error) {
	if f.blockCtx {
		<-ctx.Done()
		return PublishResult{}, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.failWith != nil {
		return PublishResult{}, f.failWith
	}
	if f.calls <= f.failUntil {
		return PublishResult{}, &contracts.TransportError{Op: "publish", Err: errors.New("broker unavailable")}
	}

	f.records = append(f.records, publishedRecord{topic: topic, key: key, envelope: envelope})
	return PublishResult{Topic: topic, Partition: 0, Offset: int64(len(f.records) - 1)}, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeTransport) published() []publishedRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishedRecord, len(f.records))
	copy(out, f.records)
	return out
}

// fakeTxTransport adds staged transactions on top of fakeTransport.
type fakeTxTransport struct {
	fakeTransport
	commitErr  error
	publishErr error
}

func (f *fakeTxTransport) BeginTx(ctx context.Context) (TransportTransaction, error) {
	return &fakeTx{parent: f}, nil
}

type fakeTx struct {
	parent  *fakeTxTransport
	staged  []publishedRecord
	aborted bool
}

func (t *fakeTx) Publish(ctx context.Context, topic, key string, envelope *contracts.Envelope) error {
	if t.parent.publishErr != nil {
		return t.parent.publishErr
	}
	t.staged = append(t.staged, publishedRecord{topic: topic, key: key, envelope: envelope})
	return nil
}

func (t *fakeTx) Commit(ctx context.Context) error {
	if t.parent.commitErr != nil {
		return t.parent.commitErr
	}
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	t.parent.records = append(t.parent.records, t.staged...)
	return nil
}

func (t *fakeTx) Abort(ctx context.Context) error {
	t.aborted = true
	t.staged = nil
	return nil
}

// fakeDelivery is one scripted record handed to the subscriber.
type fakeDelivery struct {
	mu      sync.Mutex
	body    []byte
	source  contracts.SourceInfo
	acked   bool
	nacked  bool
	requeue bool
}

func deliveryFor(envelope *contracts.Envelope, offset int64) *fakeDelivery {
	body, _ := json.Marshal(envelope)
	return &fakeDelivery{
		body:   body,
		source: contracts.SourceInfo{Topic: "relay.messages", Partition: 0, Offset: offset},
	}
}

func (d *fakeDelivery) Body() []byte { return d.body }

func (d *fakeDelivery) Source() contracts.SourceInfo { return d.source }

func (d *fakeDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked = true
	return nil
}

func (d *fakeDelivery) Nack(requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nacked = true
	d.requeue = requeue
	return nil
}

func (d *fakeDelivery) settled() (acked, nacked bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked, d.nacked
}

// fakeSubscriberTransport captures the registered handlers so tests can
// inject deliveries directly.
type fakeSubscriberTransport struct {
	mu            sync.Mutex
	handlers      map[string]DeliveryHandler
	batchHandlers map[string]BatchHandler
	closed        bool
}

func newFakeSubscriberTransport() *fakeSubscriberTransport {
	return &fakeSubscriberTransport{
		handlers:      make(map[string]DeliveryHandler),
		batchHandlers: make(map[string]BatchHandler),
	}
}

func (f *fakeSubscriberTransport) Subscribe(ctx context.Context, topic, groupID string, handler DeliveryHandler, options SubscriptionOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeSubscriberTransport) SubscribeBatch(ctx context.Context, topic, groupID string, handler BatchHandler, options SubscriptionOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchHandlers[topic] = handler
	return nil
}

func (f *fakeSubscriberTransport) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
	delete(f.batchHandlers, topic)
	return nil
}

func (f *fakeSubscriberTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSubscriberTransport) deliver(ctx context.Context, topic string, delivery TransportDelivery) error {
	f.mu.Lock()
	handler := f.handlers[topic]
	f.mu.Unlock()
	return handler(ctx, delivery)
}

func (f *fakeSubscriberTransport) deliverBatch(ctx context.Context, topic string, deliveries []TransportDelivery) error {
	f.mu.Lock()
	handler := f.batchHandlers[topic]
	f.mu.Unlock()
	return handler(ctx, deliveries)
}
