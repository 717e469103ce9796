package reliability

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/relaymq/relay-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadLetterPublisher(t *testing.T) {
	t.Run("publishes the full record to the dead-letter topic", func(t *testing.T) {
		sink := &fakePublisher{}
		metrics := NewInMemoryMetrics()
		dlq := NewDeadLetterPublisher(sink, WithDLQMetrics(metrics), WithDLQTopic("audit.dlq"))

		record := &contracts.DeadLetterRecord{
			OriginalMessageID: "m1",
			OriginalTopic:     "relay.messages",
			OriginalPartition: 2,
			OriginalOffset:    7,
			Payload:           json.RawMessage(`{"id":"m1"}`),
			AttemptHistory: []contracts.DeliveryAttempt{
				{MessageID: "m1", AttemptNumber: 1, Outcome: contracts.OutcomeFailure, Error: "boom"},
			},
			FinalError: "boom",
			Reason:     "retries exhausted",
		}

		require.NoError(t, dlq.Publish(context.Background(), record))

		sink.mu.Lock()
		defer sink.mu.Unlock()
		require.Len(t, sink.published, 1)
		assert.Equal(t, "audit.dlq", sink.topics[0])
		assert.Equal(t, DeadLetterTypeTag, sink.published[0].Type)

		var got contracts.DeadLetterRecord
		require.NoError(t, json.Unmarshal(sink.published[0].Body, &got))
		assert.Equal(t, "m1", got.OriginalMessageID)
		assert.Equal(t, "retries exhausted", got.Reason)
		assert.Len(t, got.AttemptHistory, 1)
		assert.False(t, got.DeadLetteredAt.IsZero())

		assert.Equal(t, int64(1), metrics.Snapshot().DeadLetters["relay.messages"])
	})

	t.Run("stamps DeadLetteredAt when missing", func(t *testing.T) {
		sink := &fakePublisher{}
		dlq := NewDeadLetterPublisher(sink)

		record := &contracts.DeadLetterRecord{OriginalMessageID: "m2", FinalError: "boom"}
		require.NoError(t, dlq.Publish(context.Background(), record))
		assert.WithinDuration(t, time.Now().UTC(), record.DeadLetteredAt, time.Minute)
	})

	t.Run("escalates when the publish fails", func(t *testing.T) {
		sink := &fakePublisher{failWith: errors.New("broker down")}
		var escalated bool
		dlq := NewDeadLetterPublisher(sink, WithEscalationHandler(func(record *contracts.DeadLetterRecord, err error) {
			escalated = true
		}))

		err := dlq.Publish(context.Background(), &contracts.DeadLetterRecord{OriginalMessageID: "m3"})

		var dlpErr *contracts.DeadLetterPublishError
		require.ErrorAs(t, err, &dlpErr)
		assert.Equal(t, "m3", dlpErr.MessageID)
		assert.True(t, escalated)
	})

	t.Run("rejects nil records", func(t *testing.T) {
		dlq := NewDeadLetterPublisher(&fakePublisher{})
		assert.Error(t, dlq.Publish(context.Background(), nil))
	})
}
