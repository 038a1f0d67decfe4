package observability

import (
	"sync/atomic"
	"time"
)

type MessageMetrics struct {
	consumed     atomic.Uint64
	sent         atomic.Uint64
	duplicates   atomic.Uint64
	retried      atomic.Uint64
	failed       atomic.Uint64
	deadLettered atomic.Uint64
	poisoned     atomic.Uint64

	// duration stats (nanoseconds)
	durationCount atomic.Uint64
	durationTotal atomic.Int64
	durationMax   atomic.Int64
}

func NewMessageMetrics() *MessageMetrics {
	m := &MessageMetrics{}
	m.durationMax.Store(0)
	return m
}

func (m *MessageMetrics) IncConsumed() {
	m.consumed.Add(1)
}

func (m *MessageMetrics) IncSent() {
	m.sent.Add(1)
}

func (m *MessageMetrics) IncDuplicate() {
	m.duplicates.Add(1)
}

func (m *MessageMetrics) IncRetried() {
	m.retried.Add(1)
}

func (m *MessageMetrics) IncFailed() {
	m.failed.Add(1)
}

func (m *MessageMetrics) IncDeadLettered() {
	m.deadLettered.Add(1)
}

func (m *MessageMetrics) IncPoisoned() {
	m.poisoned.Add(1)
}

func (m *MessageMetrics) ObserveDuration(d time.Duration) {
	ns := d.Nanoseconds()
	m.durationCount.Add(1)
	m.durationTotal.Add(ns)

	// max update

	for {
		curr := m.durationMax.Load()

		if ns <= curr {
			return
		}

		if m.durationMax.CompareAndSwap(curr, ns) {
			return
		}
	}
}

type MessageMetricsSnapshot struct {
	Consumed        uint64
	Sent            uint64
	Duplicates      uint64
	Retried         uint64
	Failed          uint64
	DeadLettered    uint64
	Poisoned        uint64
	DurationCount   uint64
	AverageDuration time.Duration
	MaxDuration     time.Duration
}

func (m *MessageMetrics) Snapshot() MessageMetricsSnapshot {
	count := m.durationCount.Load()
	total := m.durationTotal.Load()
	max := m.durationMax.Load()

	var avg time.Duration

	if count > 0 {
		avg = time.Duration(total / int64(count))
	}

	return MessageMetricsSnapshot{
		Consumed:        m.consumed.Load(),
		Sent:            m.sent.Load(),
		Duplicates:      m.duplicates.Load(),
		Retried:         m.retried.Load(),
		Failed:          m.failed.Load(),
		DeadLettered:    m.deadLettered.Load(),
		Poisoned:        m.poisoned.Load(),
		DurationCount:   count,
		AverageDuration: avg,
		MaxDuration:     time.Duration(max),
	}
}
