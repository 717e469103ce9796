package reliability

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaymq/relay-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePublisher captures published envelopes and can be told to fail.
type fakePublisher struct {
	mu        sync.Mutex
	published []*contracts.Envelope
	topics    []string
	failWith  error
}

func (f *fakePublisher) Publish(ctx context.Context, topic, key string, envelope *contracts.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.published = append(f.published, envelope)
	f.topics = append(f.topics, topic)
	return nil
}

func (f *fakePublisher) records(t *testing.T) []contracts.DeadLetterRecord {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	records := make([]contracts.DeadLetterRecord, 0, len(f.published))
	for _, env := range f.published {
		var rec contracts.DeadLetterRecord
		require.NoError(t, json.Unmarshal(env.Body, &rec))
		records = append(records, rec)
	}
	return records
}

func testEnvelope(id, key string) *contracts.Envelope {
	return &contracts.Envelope{
		ID:           id,
		Type:         "Transfer",
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		PartitionKey: key,
		Body:         json.RawMessage(`{"sourceId":"ACC-001"}`),
	}
}

func testSource() contracts.SourceInfo {
	return contracts.SourceInfo{Topic: "relay.messages", Partition: 1, Offset: 42}
}

func TestCoordinatorNonRetryable(t *testing.T) {
	sink := &fakePublisher{}
	c := NewCoordinator(NewDeadLetterPublisher(sink))

	decision, err := c.RecordFailure(context.Background(), testEnvelope("m1", "k1"), testSource(),
		&contracts.SerializationError{MessageID: "m1", Err: errors.New("malformed payload")})
	require.NoError(t, err)

	assert.Equal(t, ActionDeadLetter, decision.Action)
	assert.Equal(t, "non-retryable error", decision.Reason)
	assert.Equal(t, 1, decision.Attempt)

	records := sink.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, "m1", records[0].OriginalMessageID)
	assert.Equal(t, "relay.messages", records[0].OriginalTopic)
	assert.Equal(t, int32(1), records[0].OriginalPartition)
	assert.Equal(t, int64(42), records[0].OriginalOffset)
	assert.Len(t, records[0].AttemptHistory, 1)
	assert.Equal(t, contracts.StatusDeadLetter, c.Status("m1"))
}

func TestCoordinatorRetryableExhaustion(t *testing.T) {
	sink := &fakePublisher{}
	c := NewCoordinator(
		NewDeadLetterPublisher(sink),
		WithCoordinatorRetryPolicy(NewLinearBackoff(100*time.Millisecond, 3)),
	)

	env := testEnvelope("m2", "k1")
	transient := &contracts.TransportError{Op: "process", Err: errors.New("db unavailable")}

	decision, err := c.RecordFailure(context.Background(), env, testSource(), transient)
	require.NoError(t, err)
	assert.Equal(t, ActionRetry, decision.Action)
	assert.Equal(t, 1, decision.Attempt)
	assert.Equal(t, 100*time.Millisecond, decision.Delay)

	decision, err = c.RecordFailure(context.Background(), env, testSource(), transient)
	require.NoError(t, err)
	assert.Equal(t, ActionRetry, decision.Action)
	assert.Equal(t, 2, decision.Attempt)
	assert.Equal(t, 200*time.Millisecond, decision.Delay)

	decision, err = c.RecordFailure(context.Background(), env, testSource(), transient)
	require.NoError(t, err)
	assert.Equal(t, ActionDeadLetter, decision.Action)
	assert.Equal(t, "retries exhausted", decision.Reason)
	assert.Equal(t, 3, decision.Attempt)

	records := sink.records(t)
	require.Len(t, records, 1)
	require.Len(t, records[0].AttemptHistory, 3)
	for i, attempt := range records[0].AttemptHistory {
		assert.Equal(t, i+1, attempt.AttemptNumber)
		assert.Equal(t, contracts.OutcomeFailure, attempt.Outcome)
	}
}

func TestCoordinatorIdempotentDuplicates(t *testing.T) {
	t.Run("duplicate success leaves history unchanged", func(t *testing.T) {
		c := NewCoordinator(NewDeadLetterPublisher(&fakePublisher{}))

		first := c.RecordSuccess(context.Background(), "m3")
		assert.Equal(t, ActionCompleted, first.Action)
		assert.Equal(t, 1, first.Attempt)
		history := c.History("m3")

		dup := c.RecordSuccess(context.Background(), "m3")
		assert.Equal(t, ActionDuplicate, dup.Action)
		assert.Equal(t, history, c.History("m3"))
	})

	t.Run("failure after completion is a duplicate, not an attempt", func(t *testing.T) {
		c := NewCoordinator(NewDeadLetterPublisher(&fakePublisher{}))
		env := testEnvelope("m4", "k1")

		c.RecordSuccess(context.Background(), "m4")
		history := c.History("m4")

		decision, err := c.RecordFailure(context.Background(), env, testSource(), errors.New("late failure"))
		require.NoError(t, err)
		assert.Equal(t, ActionDuplicate, decision.Action)
		assert.Equal(t, history, c.History("m4"))
	})

	t.Run("success after dead-letter is an anomaly, not an error", func(t *testing.T) {
		c := NewCoordinator(NewDeadLetterPublisher(&fakePublisher{}))
		env := testEnvelope("m5", "k1")

		_, err := c.RecordFailure(context.Background(), env, testSource(),
			&contracts.ValidationError{MessageID: "m5"})
		require.NoError(t, err)
		require.Equal(t, contracts.StatusDeadLetter, c.Status("m5"))

		decision := c.RecordSuccess(context.Background(), "m5")
		assert.Equal(t, ActionDuplicate, decision.Action)
		assert.Equal(t, contracts.StatusDeadLetter, c.Status("m5"))
	})
}

func TestCoordinatorStateRetention(t *testing.T) {
	t.Run("terminal state is evicted after the retention window", func(t *testing.T) {
		c := NewCoordinator(
			NewDeadLetterPublisher(&fakePublisher{}),
			WithCoordinatorRetention(time.Millisecond),
		)

		c.RecordSuccess(context.Background(), "m-done")
		require.Equal(t, contracts.StatusCompleted, c.Status("m-done"))

		time.Sleep(5 * time.Millisecond)
		c.RecordSuccess(context.Background(), "m-next")

		assert.Equal(t, contracts.StatusCreated, c.Status("m-done"))
		assert.Nil(t, c.History("m-done"))
		assert.Equal(t, contracts.StatusCompleted, c.Status("m-next"))
	})

	t.Run("live retry state survives the sweep", func(t *testing.T) {
		c := NewCoordinator(
			NewDeadLetterPublisher(&fakePublisher{}),
			WithCoordinatorRetention(time.Millisecond),
			WithCoordinatorRetryPolicy(NewLinearBackoff(time.Millisecond, 10)),
		)

		_, err := c.RecordFailure(context.Background(), testEnvelope("m-live", "k1"), testSource(),
			&contracts.TransportError{Op: "process", Err: errors.New("flaky")})
		require.NoError(t, err)

		time.Sleep(5 * time.Millisecond)
		c.RecordSuccess(context.Background(), "m-sweep-trigger")

		assert.Equal(t, contracts.StatusRetry, c.Status("m-live"))
		assert.Len(t, c.History("m-live"), 1)
	})
}

func TestCoordinatorConcurrentFailures(t *testing.T) {
	sink := &fakePublisher{}
	c := NewCoordinator(
		NewDeadLetterPublisher(sink),
		WithCoordinatorRetryPolicy(NewLinearBackoff(time.Millisecond, 100)),
	)
	env := testEnvelope("m6", "k1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.RecordFailure(context.Background(), env, testSource(),
				&contracts.TransportError{Op: "process", Err: errors.New("flaky")})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	history := c.History("m6")
	require.Len(t, history, 50)
	for i, attempt := range history {
		assert.Equal(t, i+1, attempt.AttemptNumber, "attempt numbers must be strictly sequential")
	}
}

func TestCoordinatorDeadLetterPublishFailure(t *testing.T) {
	var escalatedRecord *contracts.DeadLetterRecord
	sink := &fakePublisher{failWith: errors.New("dlq broker down")}
	metrics := NewInMemoryMetrics()

	dlq := NewDeadLetterPublisher(sink,
		WithDLQMetrics(metrics),
		WithEscalationHandler(func(record *contracts.DeadLetterRecord, err error) {
			escalatedRecord = record
		}),
	)
	c := NewCoordinator(dlq)

	decision, err := c.RecordFailure(context.Background(), testEnvelope("m7", "k1"), testSource(),
		&contracts.ValidationError{MessageID: "m7"})

	assert.Equal(t, ActionDeadLetter, decision.Action)
	var dlpErr *contracts.DeadLetterPublishError
	require.ErrorAs(t, err, &dlpErr)

	// The escalation handler received the full record: nothing was dropped.
	require.NotNil(t, escalatedRecord)
	assert.Equal(t, "m7", escalatedRecord.OriginalMessageID)
	assert.Len(t, escalatedRecord.AttemptHistory, 1)
	assert.Equal(t, int64(1), metrics.Snapshot().Escalations["relay.messages"])
}

func TestCoordinatorRetryLanes(t *testing.T) {
	t.Run("retries on one key run in enqueue order", func(t *testing.T) {
		c := NewCoordinator(NewDeadLetterPublisher(&fakePublisher{}))

		var mu sync.Mutex
		var order []int
		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			i := i
			ok := c.ScheduleRetry("k1", "m", Decision{Delay: time.Millisecond}, func() {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				wg.Done()
			})
			require.True(t, ok)
		}
		wg.Wait()

		assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	})

	t.Run("close drains pending retries", func(t *testing.T) {
		c := NewCoordinator(NewDeadLetterPublisher(&fakePublisher{}))

		var ran sync.WaitGroup
		ran.Add(1)
		ok := c.ScheduleRetry("k2", "m", Decision{Delay: time.Hour}, func() {
			ran.Done()
		})
		require.True(t, ok)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, c.Close(ctx))
		ran.Wait()

		// After close no further retries are accepted.
		assert.False(t, c.ScheduleRetry("k2", "m", Decision{}, func() {}))
	})
}
