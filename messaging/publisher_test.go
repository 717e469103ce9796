package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaymq/relay-go/contracts"
	"github.com/relaymq/relay-go/internal/reliability"
	"github.com/relaymq/relay-go/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transferValidator(t *testing.T) *schema.RuleValidator {
	t.Helper()
	v := schema.NewRuleValidator()
	require.NoError(t, v.RegisterRules("Transfer",
		schema.NotBlank("sourceId", func(m contracts.Message) string { return m.(*transfer).SourceID }),
		schema.NotBlank("targetId", func(m contracts.Message) string { return m.(*transfer).TargetID }),
		schema.Positive("amount", func(m contracts.Message) float64 { return m.(*transfer).Amount }),
		schema.Different("sourceId", "targetId",
			func(m contracts.Message) string { return m.(*transfer).SourceID },
			func(m contracts.Message) string { return m.(*transfer).TargetID }),
		schema.Matches("currency", schema.CurrencyPattern, "must be an ISO 4217 code",
			func(m contracts.Message) string { return m.(*transfer).Currency }),
	))
	return v
}

func TestPublishSync(t *testing.T) {
	t.Run("returns the transport placement", func(t *testing.T) {
		transport := &fakeTransport{}
		p := NewMessagePublisher(transport)

		msg := newTransfer("ACC-001", "ACC-002", 100)
		result, err := p.PublishSync(context.Background(), msg, WithTopic("relay.transactions"))
		require.NoError(t, err)

		assert.Equal(t, "relay.transactions", result.Topic)
		records := transport.published()
		require.Len(t, records, 1)
		assert.Equal(t, "ACC-001", records[0].key)
		assert.Equal(t, msg.GetID(), records[0].envelope.ID)
		assert.Equal(t, "Transfer", records[0].envelope.Type)

		var got transfer
		require.NoError(t, json.Unmarshal(records[0].envelope.Body, &got))
		assert.Equal(t, 100.0, got.Amount)
	})

	t.Run("validation violations never reach the transport", func(t *testing.T) {
		transport := &fakeTransport{}
		p := NewMessagePublisher(transport, WithValidator(transferValidator(t)))

		msg := newTransfer("ACC-001", "ACC-001", -5)
		msg.Currency = "euros"

		_, err := p.PublishSync(context.Background(), msg)

		var vErr *contracts.ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Len(t, vErr.Violations, 3)
		assert.Empty(t, transport.published())
	})

	t.Run("times out with a TimeoutError", func(t *testing.T) {
		transport := &fakeTransport{blockCtx: true}
		p := NewMessagePublisher(transport)

		_, err := p.PublishSync(context.Background(), newTransfer("ACC-001", "ACC-002", 10),
			WithTimeout(20*time.Millisecond))

		var tErr *contracts.TimeoutError
		require.ErrorAs(t, err, &tErr)
		assert.True(t, contracts.IsRetryable(err))
	})

	t.Run("explicit partition key overrides the message key", func(t *testing.T) {
		transport := &fakeTransport{}
		p := NewMessagePublisher(transport)

		_, err := p.PublishSync(context.Background(), newTransfer("ACC-001", "ACC-002", 10),
			WithPartitionKey("tenant-42"))
		require.NoError(t, err)

		records := transport.published()
		require.Len(t, records, 1)
		assert.Equal(t, "tenant-42", records[0].key)
	})

	t.Run("rejects nil messages", func(t *testing.T) {
		p := NewMessagePublisher(&fakeTransport{})
		_, err := p.PublishSync(context.Background(), nil)
		assert.Error(t, err)
	})
}

func TestPublishFireAndForget(t *testing.T) {
	transport := &fakeTransport{}
	p := NewMessagePublisher(transport)

	require.NoError(t, p.PublishFireAndForget(context.Background(), newTransfer("ACC-001", "ACC-002", 10)))

	assert.Eventually(t, func() bool {
		return len(transport.published()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPublishAsync(t *testing.T) {
	t.Run("callback fires exactly once with the result", func(t *testing.T) {
		transport := &fakeTransport{}
		p := NewMessagePublisher(transport)

		var mu sync.Mutex
		calls := 0
		var gotResult PublishResult
		var gotErr error
		done := make(chan struct{})

		err := p.PublishAsync(context.Background(), newTransfer("ACC-001", "ACC-002", 10),
			func(result PublishResult, err error) {
				mu.Lock()
				calls++
				gotResult, gotErr = result, err
				mu.Unlock()
				close(done)
			},
			WithTopic("relay.notifications"))
		require.NoError(t, err)

		<-done
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 1, calls)
		assert.NoError(t, gotErr)
		assert.Equal(t, "relay.notifications", gotResult.Topic)
	})

	t.Run("callback receives the failure", func(t *testing.T) {
		transport := &fakeTransport{failWith: errors.New("broker down")}
		p := NewMessagePublisher(transport)

		done := make(chan error, 1)
		err := p.PublishAsync(context.Background(), newTransfer("ACC-001", "ACC-002", 10),
			func(result PublishResult, err error) {
				done <- err
			})
		require.NoError(t, err)

		assert.Error(t, <-done)
	})

	t.Run("rejects a nil callback", func(t *testing.T) {
		p := NewMessagePublisher(&fakeTransport{})
		assert.Error(t, p.PublishAsync(context.Background(), newTransfer("a", "b", 1), nil))
	})
}

func TestPublishWithRetry(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		transport := &fakeTransport{failUntil: 2}
		p := NewMessagePublisher(transport,
			WithPublisherRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 5)))

		result, err := p.PublishWithRetry(context.Background(), newTransfer("ACC-001", "ACC-002", 10))
		require.NoError(t, err)
		assert.Equal(t, "relay.messages", result.Topic)
		assert.Len(t, transport.published(), 1)
	})

	t.Run("stops immediately on validation violations", func(t *testing.T) {
		transport := &fakeTransport{}
		p := NewMessagePublisher(transport,
			WithValidator(transferValidator(t)),
			WithPublisherRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 5)))

		msg := newTransfer("", "ACC-002", 10)
		_, err := p.PublishWithRetry(context.Background(), msg)

		var vErr *contracts.ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Empty(t, transport.published())
	})
}

func TestPublisherCircuitBreaker(t *testing.T) {
	t.Run("short-circuits after the failure threshold", func(t *testing.T) {
		transport := &fakeTransport{failWith: errors.New("broker down")}
		p := NewMessagePublisher(transport,
			WithPublisherBreaker(reliability.NewCircuitBreaker(
				reliability.WithFailureThreshold(2),
				reliability.WithCooldown(time.Hour),
			)))

		for i := 0; i < 2; i++ {
			_, err := p.PublishSync(context.Background(), newTransfer("ACC-001", "ACC-002", 10))
			require.Error(t, err)
		}

		_, err := p.PublishSync(context.Background(), newTransfer("ACC-001", "ACC-002", 10))
		var openErr *reliability.CircuitOpenError
		require.ErrorAs(t, err, &openErr)
		assert.True(t, contracts.IsRetryable(err))

		// The third send never reached the transport.
		assert.Equal(t, 2, transport.callCount())
	})

	t.Run("closes again after a successful probe", func(t *testing.T) {
		transport := &fakeTransport{failUntil: 2}
		p := NewMessagePublisher(transport,
			WithPublisherBreaker(reliability.NewCircuitBreaker(
				reliability.WithFailureThreshold(2),
				reliability.WithSuccessThreshold(1),
				reliability.WithCooldown(time.Millisecond),
			)))

		for i := 0; i < 2; i++ {
			_, err := p.PublishSync(context.Background(), newTransfer("ACC-001", "ACC-002", 10))
			require.Error(t, err)
		}

		time.Sleep(5 * time.Millisecond)

		_, err := p.PublishSync(context.Background(), newTransfer("ACC-001", "ACC-002", 10))
		require.NoError(t, err)

		_, err = p.PublishSync(context.Background(), newTransfer("ACC-001", "ACC-002", 10))
		require.NoError(t, err)
		assert.Len(t, transport.published(), 2)
	})
}

func TestPublishTransactional(t *testing.T) {
	t.Run("all messages become visible on commit", func(t *testing.T) {
		transport := &fakeTxTransport{}
		p := NewMessagePublisher(transport, WithDefaultTopic("relay.transactions"))

		msgs := []contracts.Message{
			newTransfer("ACC-001", "ACC-002", 10),
			newTransfer("ACC-002", "ACC-003", 20),
			newTransfer("ACC-003", "ACC-001", 30),
		}
		require.NoError(t, p.PublishTransactional(context.Background(), msgs))

		records := transport.published()
		require.Len(t, records, 3)
		for i, record := range records {
			assert.Equal(t, msgs[i].GetID(), record.envelope.ID)
		}
	})

	t.Run("a mid-group failure rolls everything back", func(t *testing.T) {
		transport := &fakeTxTransport{publishErr: errors.New("broker down")}
		p := NewMessagePublisher(transport)

		err := p.PublishTransactional(context.Background(), []contracts.Message{
			newTransfer("ACC-001", "ACC-002", 10),
			newTransfer("ACC-002", "ACC-003", 20),
		})

		var txErr *contracts.TransactionAbortedError
		require.ErrorAs(t, err, &txErr)
		assert.Empty(t, transport.published())
	})

	t.Run("commit failure surfaces as an aborted transaction", func(t *testing.T) {
		transport := &fakeTxTransport{commitErr: errors.New("coordinator fenced")}
		p := NewMessagePublisher(transport)

		err := p.PublishTransactional(context.Background(), []contracts.Message{
			newTransfer("ACC-001", "ACC-002", 10),
		})

		var txErr *contracts.TransactionAbortedError
		require.ErrorAs(t, err, &txErr)
		assert.Empty(t, transport.published())
	})

	t.Run("validates every message before staging anything", func(t *testing.T) {
		transport := &fakeTxTransport{}
		p := NewMessagePublisher(transport, WithValidator(transferValidator(t)))

		err := p.PublishTransactional(context.Background(), []contracts.Message{
			newTransfer("ACC-001", "ACC-002", 10),
			newTransfer("ACC-002", "ACC-003", -1),
		})

		var vErr *contracts.ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Empty(t, transport.published())
	})

	t.Run("fails on transports without transaction support", func(t *testing.T) {
		p := NewMessagePublisher(&fakeTransport{})
		err := p.PublishTransactional(context.Background(), []contracts.Message{
			newTransfer("ACC-001", "ACC-002", 10),
		})
		assert.Error(t, err)
	})
}
