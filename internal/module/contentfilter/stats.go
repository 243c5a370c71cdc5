package contentfilter

import "sync"

// BlockReason identifies which step of the decision procedure
// (spec.md §4.3.3) produced a block.
type BlockReason string

const (
	ReasonDomain     BlockReason = "Domain"
	ReasonKeyword    BlockReason = "Keyword"
	ReasonMime       BlockReason = "Mime"
	ReasonExtension  BlockReason = "Extension"
	ReasonFileSize   BlockReason = "FileSize"
	ReasonBodyKeyword BlockReason = "BodyKeyword"
)

// stats is the content filter's counters: total, blocked, allowed, split
// by reason, and cumulative processing microseconds. Thread-safe via a
// plain mutex (spec.md §4.3.3/§5).
type stats struct {
	mu                sync.Mutex
	total             uint64
	blocked           uint64
	allowed           uint64
	blockedByReason   map[BlockReason]uint64
	cumulativeMicros  uint64
}

func newStats() *stats {
	return &stats{blockedByReason: make(map[BlockReason]uint64)}
}

func (s *stats) recordAllow(micros int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.allowed++
	s.cumulativeMicros += uint64(micros)
}

func (s *stats) recordBlock(reason BlockReason, micros int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.blocked++
	s.blockedByReason[reason]++
	s.cumulativeMicros += uint64(micros)
}

// Snapshot is an immutable point-in-time read of the filter's counters.
type Snapshot struct {
	Total            uint64
	Blocked          uint64
	Allowed          uint64
	BlockedByReason  map[BlockReason]uint64
	CumulativeMicros uint64
}

func (s *stats) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	byReason := make(map[BlockReason]uint64, len(s.blockedByReason))
	for k, v := range s.blockedByReason {
		byReason[k] = v
	}
	return Snapshot{
		Total: s.total, Blocked: s.blocked, Allowed: s.allowed,
		BlockedByReason: byReason, CumulativeMicros: s.cumulativeMicros,
	}
}
