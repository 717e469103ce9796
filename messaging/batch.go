package messaging

import (
	"context"
	"fmt"

	"github.com/relaymq/relay-go/internal/reliability"
)

// BatchFailurePolicy decides what happens to a batch when some of its
// records fail processing.
type BatchFailurePolicy int

const (
	// RetryWholeBatch reprocesses the entire batch after backoff when any
	// record fails, bounded by the retry budget; an exhausted batch is
	// dead-lettered whole. Successful records are processed again on each
	// retry, so handlers must be idempotent.
	RetryWholeBatch BatchFailurePolicy = iota

	// IsolateFailures acks the records that succeeded and routes only the
	// failing ones through retry and dead-letter, individually.
	IsolateFailures

	// DeadLetterBatch routes every record of a failing batch to the
	// dead-letter channel and acks the batch. Use when batch atomicity
	// matters more than salvaging the healthy records.
	DeadLetterBatch
)

func (p BatchFailurePolicy) String() string {
	switch p {
	case RetryWholeBatch:
		return "retry-whole-batch"
	case IsolateFailures:
		return "isolate-failures"
	case DeadLetterBatch:
		return "dead-letter-batch"
	default:
		return "unknown"
	}
}

// batchHandler builds the batch delivery path for ManualBatchAck
// subscriptions under the given partial-failure policy.
func (s *MessageSubscriber) batchHandler(policy BatchFailurePolicy) BatchHandler {
	return func(ctx context.Context, deliveries []TransportDelivery) error {
		return s.processBatch(ctx, deliveries, policy)
	}
}

// processBatch dispatches every record, then applies the partial-failure
// policy. Outcomes are not recorded with the coordinator until the policy
// has decided the fate of the batch: a success inside a condemned batch is
// not a success.
func (s *MessageSubscriber) processBatch(ctx context.Context, deliveries []TransportDelivery, policy BatchFailurePolicy) error {
	if len(deliveries) == 0 {
		return nil
	}

	results := make([]error, len(deliveries))
	failed := 0
	var firstFailure error

	for i, delivery := range deliveries {
		results[i] = s.dispatch(ctx, delivery)
		if results[i] != nil {
			failed++
			if firstFailure == nil {
				firstFailure = results[i]
			}
		}
	}

	if failed == 0 {
		return s.completeAll(ctx, deliveries)
	}

	s.logger.Warn("batch had failures",
		"policy", policy.String(),
		"batchSize", len(deliveries),
		"failed", failed,
	)

	switch policy {
	case RetryWholeBatch:
		return s.retryBatch(ctx, deliveries, policy, firstFailure)
	case IsolateFailures:
		return s.isolate(ctx, deliveries, results)
	case DeadLetterBatch:
		return s.deadLetterAll(ctx, deliveries, firstFailure, "batch dead-lettered")
	default:
		return s.retryBatch(ctx, deliveries, policy, firstFailure)
	}
}

// retryBatch runs the whole batch through the coordinator so batch attempts
// are accounted, backed off and bounded exactly like per-record failures.
// The batch's first record anchors the attempt accounting; its identity is
// stable across attempts. Retries reprocess the batch in place while every
// offset stays uncommitted; once the budget is spent (or the cause is
// non-retryable) the whole batch is dead-lettered and acked.
func (s *MessageSubscriber) retryBatch(ctx context.Context, deliveries []TransportDelivery, policy BatchFailurePolicy, cause error) error {
	anchor, err := s.parse(deliveries[0])
	if err != nil {
		anchor = syntheticEnvelope(deliveries[0])
	}

	decision, dlErr := s.coordinator.RecordFailure(ctx, anchor, deliveries[0].Source(), cause)
	if dlErr != nil {
		s.logger.Error("dead-letter publish failed, keeping batch on the topic",
			"messageId", anchor.ID,
			"error", dlErr,
		)
		return s.nackAll(deliveries)
	}

	switch decision.Action {
	case reliability.ActionRetry:
		scheduled := s.coordinator.ScheduleRetry(anchor.PartitionKey, anchor.ID, decision, func() {
			if err := s.processBatch(ctx, deliveries, policy); err != nil {
				s.logger.Warn("batch retry did not settle the batch",
					"messageId", anchor.ID,
					"attempt", decision.Attempt+1,
					"error", err,
				)
			}
		})
		if !scheduled {
			// Shutting down; leave the offsets uncommitted for redelivery.
			return s.nackAll(deliveries)
		}
		return nil
	case reliability.ActionDeadLetter:
		// The anchor's record is already on the dead-letter channel; condemn
		// the rest of the batch under the same reason.
		return s.deadLetterAll(ctx, deliveries, cause, decision.Reason)
	case reliability.ActionDuplicate:
		// An earlier delivery already resolved this batch.
		return s.ackAll(deliveries)
	default:
		return fmt.Errorf("unknown coordinator action %d", decision.Action)
	}
}

// isolate acks the healthy records and settles each failed one through the
// coordinator, exactly as a per-record subscription would.
func (s *MessageSubscriber) isolate(ctx context.Context, deliveries []TransportDelivery, results []error) error {
	var firstErr error
	for i, delivery := range deliveries {
		if results[i] == nil {
			s.recordCompletion(ctx, delivery)
			if err := delivery.Ack(); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}

		envelope, parseErr := s.parse(delivery)
		if parseErr != nil {
			envelope = syntheticEnvelope(delivery)
		}
		if err := s.settleFailure(ctx, delivery, envelope, results[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// deadLetterAll sends every record of the batch to the dead-letter channel
// with the batch's first failure as the cause, then acks. Records already in
// a terminal state are acked without a second dead-letter record.
func (s *MessageSubscriber) deadLetterAll(ctx context.Context, deliveries []TransportDelivery, cause error, reason string) error {
	var firstErr error
	for _, delivery := range deliveries {
		envelope, parseErr := s.parse(delivery)
		if parseErr != nil {
			envelope = syntheticEnvelope(delivery)
		}
		if err := s.coordinator.DeadLetter(ctx, envelope, delivery.Source(), cause, reason); err != nil {
			if nackErr := delivery.Nack(true); nackErr != nil && firstErr == nil {
				firstErr = nackErr
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := delivery.Ack(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// completeAll records each record's success and acks the whole batch.
func (s *MessageSubscriber) completeAll(ctx context.Context, deliveries []TransportDelivery) error {
	var firstErr error
	for _, d := range deliveries {
		s.recordCompletion(ctx, d)
		if err := d.Ack(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// recordCompletion marks the delivery's message completed, when its ID can
// still be recovered from the body.
func (s *MessageSubscriber) recordCompletion(ctx context.Context, delivery TransportDelivery) {
	if envelope, err := s.parse(delivery); err == nil {
		s.coordinator.RecordSuccess(ctx, envelope.ID)
	}
}

func (s *MessageSubscriber) ackAll(deliveries []TransportDelivery) error {
	var firstErr error
	for _, d := range deliveries {
		if err := d.Ack(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *MessageSubscriber) nackAll(deliveries []TransportDelivery) error {
	var firstErr error
	for _, d := range deliveries {
		if err := d.Nack(true); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
