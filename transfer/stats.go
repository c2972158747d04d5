package transfer

import (
	"sync"
	"time"
)

// Stats tracks finished chunks for hung detection and reporting.
type Stats struct {
	mu       sync.Mutex
	sum      time.Duration
	finished int64
	skipped  int64
	bytes    int64
}

// NewStats ...
func NewStats() *Stats {
	return &Stats{}
}

// Update records an uploaded chunk of size source bytes that took d.
func (s *Stats) Update(d time.Duration, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finished++
	s.bytes += size
}

// Skip records a chunk found complete in the journal.
func (s *Stats) Skip(size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped++
	s.bytes += size
}

// Average returns the average duration of uploaded chunks. Skipped chunks
// do not count.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finished)
}

// FinishedCount returns the number of uploaded chunks.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// SkippedCount ...
func (s *Stats) SkippedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}

// Bytes returns the source bytes of uploaded and skipped chunks.
func (s *Stats) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}
