package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaymq/relay-go/contracts"
)

// Transaction wraps a transport transaction and guards against double
// commit or commit-after-abort.
type Transaction struct {
	tx         TransportTransaction
	mu         sync.Mutex
	committed  bool
	rolledBack bool
}

// Publish stages an envelope inside the transaction
func (t *Transaction) Publish(ctx context.Context, topic, key string, envelope *contracts.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.committed || t.rolledBack {
		return fmt.Errorf("transaction already finished")
	}
	return t.tx.Publish(ctx, topic, key, envelope)
}

// Commit makes every staged envelope visible atomically
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.committed {
		return fmt.Errorf("transaction already committed")
	}
	if t.rolledBack {
		return fmt.Errorf("transaction already rolled back")
	}

	if err := t.tx.Commit(ctx); err != nil {
		return err
	}
	t.committed = true
	return nil
}

// Rollback discards every staged envelope
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.committed {
		return fmt.Errorf("transaction already committed")
	}
	if t.rolledBack {
		return nil
	}

	if err := t.tx.Abort(ctx); err != nil {
		return err
	}
	t.rolledBack = true
	return nil
}

// BeginTx starts a transaction on the underlying transport. Fails when the
// transport does not implement transactional publishing.
func (p *MessagePublisher) BeginTx(ctx context.Context) (*Transaction, error) {
	txp, ok := p.transport.(TransactionalTransportPublisher)
	if !ok {
		return nil, fmt.Errorf("transport does not support transactions")
	}

	tx, err := txp.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return &Transaction{tx: tx}, nil
}

// PublishTransactional sends a group of messages atomically: every message
// becomes visible to consumers, or none do. All messages are validated
// up front; a violation aborts before anything is staged. Any failure
// mid-group rolls the whole group back and returns a
// TransactionAbortedError.
func (p *MessagePublisher) PublishTransactional(ctx context.Context, msgs []contracts.Message, options ...PublishOption) error {
	if len(msgs) == 0 {
		return fmt.Errorf("transactional publish requires at least one message")
	}

	for _, msg := range msgs {
		if msg == nil {
			return fmt.Errorf("message cannot be nil")
		}
		if err := p.validate(msg); err != nil {
			return err
		}
	}

	tx, err := p.BeginTx(ctx)
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		opts := p.buildOptions(msg, options)

		envelope, err := NewEnvelope(msg)
		if err != nil {
			return p.abortTx(ctx, tx, msg.GetID(), err)
		}
		if err := tx.Publish(ctx, opts.Topic, opts.PartitionKey, envelope); err != nil {
			return p.abortTx(ctx, tx, msg.GetID(), err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return p.abortTx(ctx, tx, msgs[0].GetID(), err)
	}

	p.logger.Debug("transaction committed", "messages", len(msgs))
	return nil
}

func (p *MessagePublisher) abortTx(ctx context.Context, tx *Transaction, messageID string, cause error) error {
	if rbErr := tx.Rollback(ctx); rbErr != nil {
		p.logger.Error("transaction rollback failed",
			"messageId", messageID,
			"cause", cause,
			"rollbackError", rbErr,
		)
	} else {
		p.logger.Warn("transaction rolled back",
			"messageId", messageID,
			"cause", cause,
		)
	}
	return &contracts.TransactionAbortedError{TransactionalID: messageID, Err: cause}
}
