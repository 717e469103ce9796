package reliability

import (
	"sync"
	"time"
)

// MetricsCollector receives counters for the delivery pipeline. Dead-letter
// volume is the primary operational signal of systemic failure and must be
// countable by an external monitor.
type MetricsCollector interface {
	RecordSend(topic string, success bool)
	RecordRetry(topic string, attempt int)
	RecordDeadLetter(topic string, reason string)
	RecordEscalation(topic string)
	RecordDuplicate(messageID string)
}

// NopMetrics discards all metrics
type NopMetrics struct{}

func (NopMetrics) RecordSend(string, bool)         {}
func (NopMetrics) RecordRetry(string, int)         {}
func (NopMetrics) RecordDeadLetter(string, string) {}
func (NopMetrics) RecordEscalation(string)         {}
func (NopMetrics) RecordDuplicate(string)          {}

// InMemoryMetrics keeps simple counters, suitable for tests and for
// exposing snapshots to a monitor.
type InMemoryMetrics struct {
	mu                sync.RWMutex
	sends             map[string]int64
	sendFailures      map[string]int64
	retries           map[string]int64
	deadLetters       map[string]int64
	deadLetterReasons map[string]int64
	escalations       map[string]int64
	duplicates        int64
	lastDeadLetter    time.Time
}

// NewInMemoryMetrics creates a new in-memory metrics collector
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		sends:             make(map[string]int64),
		sendFailures:      make(map[string]int64),
		retries:           make(map[string]int64),
		deadLetters:       make(map[string]int64),
		deadLetterReasons: make(map[string]int64),
		escalations:       make(map[string]int64),
	}
}

// RecordSend implements MetricsCollector
func (m *InMemoryMetrics) RecordSend(topic string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.sends[topic]++
	} else {
		m.sendFailures[topic]++
	}
}

// RecordRetry implements MetricsCollector
func (m *InMemoryMetrics) RecordRetry(topic string, attempt int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries[topic]++
}

// RecordDeadLetter implements MetricsCollector
func (m *InMemoryMetrics) RecordDeadLetter(topic string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters[topic]++
	m.deadLetterReasons[reason]++
	m.lastDeadLetter = time.Now()
}

// RecordEscalation implements MetricsCollector
func (m *InMemoryMetrics) RecordEscalation(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escalations[topic]++
}

// RecordDuplicate implements MetricsCollector
func (m *InMemoryMetrics) RecordDuplicate(messageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duplicates++
}

// MetricsSnapshot is a point-in-time copy of all counters
type MetricsSnapshot struct {
	Sends             map[string]int64
	SendFailures      map[string]int64
	Retries           map[string]int64
	DeadLetters       map[string]int64
	DeadLetterReasons map[string]int64
	Escalations       map[string]int64
	Duplicates        int64
	LastDeadLetter    time.Time
}

// Snapshot returns a copy of the current counters
func (m *InMemoryMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MetricsSnapshot{
		Sends:             copyCounts(m.sends),
		SendFailures:      copyCounts(m.sendFailures),
		Retries:           copyCounts(m.retries),
		DeadLetters:       copyCounts(m.deadLetters),
		DeadLetterReasons: copyCounts(m.deadLetterReasons),
		Escalations:       copyCounts(m.escalations),
		Duplicates:        m.duplicates,
		LastDeadLetter:    m.lastDeadLetter,
	}
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
