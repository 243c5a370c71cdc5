package server

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is the server-level counter set spec.md §4.5.4 describes: every
// counter is monotonic except ActiveConnections.
type Metrics struct {
	totalConnections  uint64
	activeConnections int64
	connectionErrors  uint64
	requestsByMethod  sync.Map // string -> *uint64
	successResponses  uint64
	errorResponses    uint64
	bytesProcessed    uint64

	mu                sync.Mutex
	cumulativeProcessing time.Duration
}

// NewMetrics returns a zeroed Metrics.
func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) connectionOpened() {
	atomic.AddUint64(&m.totalConnections, 1)
	atomic.AddInt64(&m.activeConnections, 1)
}

func (m *Metrics) connectionClosed() {
	atomic.AddInt64(&m.activeConnections, -1)
}

func (m *Metrics) connectionError() {
	atomic.AddUint64(&m.connectionErrors, 1)
}

func (m *Metrics) recordRequest(method string, statusCode int, bytes int, dur time.Duration) {
	counter, _ := m.requestsByMethod.LoadOrStore(method, new(uint64))
	atomic.AddUint64(counter.(*uint64), 1)

	if statusCode >= 200 && statusCode < 400 {
		atomic.AddUint64(&m.successResponses, 1)
	} else {
		atomic.AddUint64(&m.errorResponses, 1)
	}
	atomic.AddUint64(&m.bytesProcessed, uint64(bytes))

	m.mu.Lock()
	m.cumulativeProcessing += dur
	m.mu.Unlock()
}

// Snapshot is a point-in-time read of every counter.
type Snapshot struct {
	TotalConnections  uint64
	ActiveConnections int64
	ConnectionErrors  uint64
	RequestsByMethod  map[string]uint64
	SuccessResponses  uint64
	ErrorResponses    uint64
	BytesProcessed    uint64
	CumulativeProcessing time.Duration
}

func (m *Metrics) Snapshot() Snapshot {
	byMethod := make(map[string]uint64)
	m.requestsByMethod.Range(func(k, v any) bool {
		byMethod[k.(string)] = atomic.LoadUint64(v.(*uint64))
		return true
	})
	m.mu.Lock()
	cum := m.cumulativeProcessing
	m.mu.Unlock()
	return Snapshot{
		TotalConnections:  atomic.LoadUint64(&m.totalConnections),
		ActiveConnections: atomic.LoadInt64(&m.activeConnections),
		ConnectionErrors:  atomic.LoadUint64(&m.connectionErrors),
		RequestsByMethod:  byMethod,
		SuccessResponses:  atomic.LoadUint64(&m.successResponses),
		ErrorResponses:    atomic.LoadUint64(&m.errorResponses),
		BytesProcessed:    atomic.LoadUint64(&m.bytesProcessed),
		CumulativeProcessing: cum,
	}
}
