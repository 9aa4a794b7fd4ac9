package node

import (
	"sync"
	"time"
)

// responseWindow is how many recent operation timings back the rolling
// average response time. Samples beyond the window are overwritten, so
// memory use stays bounded regardless of traffic.
const responseWindow = 100

// OpKind identifies a content store operation class.
type OpKind string

// Operation classes tracked by the agent.
const (
	OpStore    OpKind = "store"
	OpRetrieve OpKind = "retrieve"
	OpDelete   OpKind = "delete"
)

// OpStats tracks per-operation counters and a bounded window of recent
// response times for the rolling average reported to the controller.
type OpStats struct {
	mu sync.Mutex

	storeOps    uint64
	retrieveOps uint64
	deleteOps   uint64

	samples []time.Duration
	head    int
	count   int
}

// NewOpStats creates an empty stats tracker.
func NewOpStats() *OpStats {
	return &OpStats{
		samples: make([]time.Duration, responseWindow),
	}
}

// Record counts one operation and pushes its duration into the sample window.
func (s *OpStats) Record(op OpKind, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch op {
	case OpStore:
		s.storeOps++
	case OpRetrieve:
		s.retrieveOps++
	case OpDelete:
		s.deleteOps++
	}

	s.samples[s.head] = elapsed
	s.head = (s.head + 1) % len(s.samples)
	if s.count < len(s.samples) {
		s.count++
	}
}

// Counts returns the per-operation totals.
func (s *OpStats) Counts() (store, retrieve, del uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeOps, s.retrieveOps, s.deleteOps
}

// AvgResponseMs returns the rolling average response time in
// milliseconds over the bounded sample window.
func (s *OpStats) AvgResponseMs() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < s.count; i++ {
		total += s.samples[i]
	}
	return float64(total.Microseconds()) / float64(s.count) / 1000.0
}
