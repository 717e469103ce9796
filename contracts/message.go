package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Message is the base interface for all messages
type Message interface {
	GetID() string
	GetTimestamp() time.Time
	GetType() string
	GetPartitionKey() string
	SetPartitionKey(key string)
}

// BaseMessage provides common fields for all message types
type BaseMessage struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Type         string    `json:"type"`
	PartitionKey string    `json:"partitionKey,omitempty"`
}

// NewBaseMessage creates a new base message with generated ID and current timestamp
func NewBaseMessage(messageType string) BaseMessage {
	return BaseMessage{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      messageType,
	}
}

// GetID returns the message ID
func (m BaseMessage) GetID() string {
	return m.ID
}

// GetTimestamp returns the message timestamp
func (m BaseMessage) GetTimestamp() time.Time {
	return m.Timestamp
}

// GetType returns the message type tag
func (m BaseMessage) GetType() string {
	return m.Type
}

// GetPartitionKey returns the partition key that anchors per-key ordering.
// An empty key means the message claims no ordering domain.
func (m BaseMessage) GetPartitionKey() string {
	return m.PartitionKey
}

// SetPartitionKey sets the partition key
func (m *BaseMessage) SetPartitionKey(key string) {
	m.PartitionKey = key
}
