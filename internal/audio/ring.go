package audio

import (
	"sync"
	"time"
)

// RingBuffer is the per-session bounded queue of recent chunks awaiting
// transcription. Chunks older than the latency window, or beyond the count
// cap, are evicted on every append.
type RingBuffer struct {
	maxAge   time.Duration
	maxCount int

	mu      sync.Mutex
	chunks  []*Chunk
	evicted uint64
	total   uint64
}

// RingStats reports ring buffer counters for monitoring.
type RingStats struct {
	Buffered      int    `json:"buffered"`
	TotalAppended uint64 `json:"total_appended"`
	TotalEvicted  uint64 `json:"total_evicted"`
}

// NewRingBuffer creates a ring buffer bounded by age and count.
func NewRingBuffer(maxAge time.Duration, maxCount int) *RingBuffer {
	return &RingBuffer{
		maxAge:   maxAge,
		maxCount: maxCount,
		chunks:   make([]*Chunk, 0, maxCount),
	}
}

// Append adds a chunk and evicts anything past the age window or count cap,
// returning how many chunks were evicted. Age is measured against the newest
// chunk's timestamp, so a burst of backdated chunks cannot pin stale audio in
// the buffer.
func (r *RingBuffer) Append(c *Chunk) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.chunks = append(r.chunks, c)
	r.total++

	cutoff := c.Timestamp.Add(-r.maxAge)
	drop := 0
	for drop < len(r.chunks)-1 && r.chunks[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if over := len(r.chunks) - drop - r.maxCount; over > 0 {
		drop += over
	}
	if drop > 0 {
		r.evicted += uint64(drop)
		r.chunks = append(r.chunks[:0], r.chunks[drop:]...)
	}
	return drop
}

// Snapshot returns a copy of the buffered chunk slice, newest last.
func (r *RingBuffer) Snapshot() []*Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Chunk, len(r.chunks))
	copy(out, r.chunks)
	return out
}

// Len returns the number of buffered chunks.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

// Clear drops all buffered chunks.
func (r *RingBuffer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = r.chunks[:0]
}

// Stats returns current ring buffer counters.
func (r *RingBuffer) Stats() RingStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RingStats{
		Buffered:      len(r.chunks),
		TotalAppended: r.total,
		TotalEvicted:  r.evicted,
	}
}
