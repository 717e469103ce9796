package contracts

import (
	"encoding/json"
)

// Envelope wraps messages for transport. The envelope is immutable once
// published: whichever component currently holds it owns it exclusively.
type Envelope struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Timestamp    string                 `json:"timestamp"`
	PartitionKey string                 `json:"partitionKey,omitempty"`
	Headers      map[string]interface{} `json:"headers,omitempty"`
	Body         json.RawMessage        `json:"body"`
}

// SourceInfo identifies where a consumed envelope came from. Partition and
// Offset are only meaningful on the consumer side.
type SourceInfo struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
}
