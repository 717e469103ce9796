package contracts

import (
	"encoding/json"
	"time"
)

// DeadLetterRecord is the shape published to the dead-letter channel. It
// carries everything inspection and reprocessing tooling needs: the
// original payload, the full attempt history and the terminal error. A
// dead-lettered message is never silently dropped.
type DeadLetterRecord struct {
	OriginalMessageID string            `json:"originalMessageId"`
	OriginalTopic     string            `json:"originalTopic"`
	OriginalPartition int32             `json:"originalPartition"`
	OriginalOffset    int64             `json:"originalOffset"`
	Payload           json.RawMessage   `json:"payload"`
	AttemptHistory    []DeliveryAttempt `json:"attemptHistory"`
	FinalError        string            `json:"finalError"`
	Reason            string            `json:"reason"`
	DeadLetteredAt    time.Time         `json:"deadLetteredAt"`
}
