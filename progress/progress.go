// Package progress turns per-chunk transfer progress into a whole-file percentage.
package progress

import (
	"math"
	"sync"
)

// Aggregator computes a monotonic whole-file percentage for one upload session.
type Aggregator struct {
	total    int64
	uploaded int64
	current  int
	mu       sync.Mutex
}

// New creates an Aggregator for a file of total bytes.
func New(total int64) *Aggregator {
	return &Aggregator{total: total}
}

// Update records that the chunk at offset (of size bytes) is chunkPercent done.
// It returns the overall percentage and whether it differs from the last reported value.
// The overall value never decreases and never exceeds 100.
func (a *Aggregator) Update(offset, size int64, chunkPercent int) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	chunkPercent = clamp(chunkPercent, 0, 100)
	sent := offset + int64(math.Round(float64(chunkPercent)/100*float64(size)))
	if sent > a.uploaded {
		a.uploaded = sent
	}

	if a.total <= 0 {
		return a.current, false
	}

	done := float64(offset) + float64(chunkPercent)/100*float64(size)
	overall := int(math.Round(done / float64(a.total) * 100))
	return a.advance(overall)
}

// Complete marks the whole file as sent.
func (a *Aggregator) Complete() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.total > a.uploaded {
		a.uploaded = a.total
	}
	return a.advance(100)
}

// Current returns the last reported percentage.
func (a *Aggregator) Current() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// UploadedBytes returns the number of bytes confirmed sent so far.
func (a *Aggregator) UploadedBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.uploaded
}

func (a *Aggregator) advance(overall int) (int, bool) {
	overall = clamp(overall, 0, 100)
	if overall <= a.current {
		return a.current, false
	}
	a.current = overall
	return a.current, true
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
