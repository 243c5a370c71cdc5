package pipeline

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks a Pipeline's running totals (spec.md §4.4: "total
// requests, total processing time, average, successful vs failed stage
// counters"). Counters are atomic; the running-average fields take a
// plain mutex since they combine two values that must stay consistent.
type Metrics struct {
	totalRequests   uint64
	successfulStages uint64
	failedStages    uint64
	successfulReqs  uint64
	failedReqs      uint64

	mu                sync.Mutex
	totalProcessing   time.Duration
}

// NewMetrics returns a zeroed Metrics.
func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) recordStage(success bool, _ time.Duration) {
	if success {
		atomic.AddUint64(&m.successfulStages, 1)
	} else {
		atomic.AddUint64(&m.failedStages, 1)
	}
}

func (m *Metrics) recordRequest(d time.Duration, success bool) {
	atomic.AddUint64(&m.totalRequests, 1)
	if success {
		atomic.AddUint64(&m.successfulReqs, 1)
	} else {
		atomic.AddUint64(&m.failedReqs, 1)
	}
	m.mu.Lock()
	m.totalProcessing += d
	m.mu.Unlock()
}

// MetricsSnapshot is an immutable point-in-time read of Metrics.
type MetricsSnapshot struct {
	TotalRequests    uint64
	SuccessfulReqs   uint64
	FailedReqs       uint64
	SuccessfulStages uint64
	FailedStages     uint64
	TotalProcessing  time.Duration
	AvgProcessing    time.Duration
}

// Snapshot reads the current totals and derives the running average.
func (m *Metrics) Snapshot() MetricsSnapshot {
	total := atomic.LoadUint64(&m.totalRequests)
	m.mu.Lock()
	totalProcessing := m.totalProcessing
	m.mu.Unlock()

	var avg time.Duration
	if total > 0 {
		avg = totalProcessing / time.Duration(total)
	}
	return MetricsSnapshot{
		TotalRequests:    total,
		SuccessfulReqs:   atomic.LoadUint64(&m.successfulReqs),
		FailedReqs:       atomic.LoadUint64(&m.failedReqs),
		SuccessfulStages: atomic.LoadUint64(&m.successfulStages),
		FailedStages:     atomic.LoadUint64(&m.failedStages),
		TotalProcessing:  totalProcessing,
		AvgProcessing:    avg,
	}
}
