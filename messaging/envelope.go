package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/relaymq/relay-go/contracts"
)

// NewEnvelope wraps a message for transport. The partition key on the
// envelope determines the ordering domain; messages without a key claim no
// ordering guarantee.
func NewEnvelope(msg contracts.Message) (*contracts.Envelope, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, &contracts.SerializationError{MessageID: msg.GetID(), Err: err}
	}

	return &contracts.Envelope{
		ID:           msg.GetID(),
		Type:         msg.GetType(),
		Timestamp:    msg.GetTimestamp().UTC().Format(time.RFC3339),
		PartitionKey: msg.GetPartitionKey(),
		Body:         body,
	}, nil
}

// envelopeSink adapts a TransportPublisher to the dead-letter publisher's
// narrower interface.
type envelopeSink struct {
	publisher TransportPublisher
}

// NewEnvelopeSink wraps a transport publisher for use as a dead-letter sink.
func NewEnvelopeSink(publisher TransportPublisher) *envelopeSink {
	return &envelopeSink{publisher: publisher}
}

func (s *envelopeSink) Publish(ctx context.Context, topic, key string, envelope *contracts.Envelope) error {
	_, err := s.publisher.Publish(ctx, topic, key, envelope)
	return err
}
