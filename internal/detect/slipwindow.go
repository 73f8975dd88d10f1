package detect

import (
	"sort"
	"time"
)

// slipSample pairs a slippage observation with its arrival time. Samples
// age out FIFO, so arrival order is kept separately from value order.
type slipSample struct {
	ts    time.Time
	value float64
}

// slipWindow is a bounded, TTL-evicted multiset of slippage samples with
// cheap percentile reads. Values live in a sorted slice; arrival order lives
// in a parallel FIFO so eviction can find the value to remove.
type slipWindow struct {
	cap    int
	ttl    time.Duration
	sorted []float64
	fifo   []slipSample
}

func newSlipWindow(capacity int, ttl time.Duration) *slipWindow {
	return &slipWindow{cap: capacity, ttl: ttl}
}

// Add inserts a sample, evicting expired and over-cap entries first.
func (w *slipWindow) Add(ts time.Time, v float64) {
	w.evict(ts)
	for len(w.fifo) >= w.cap {
		w.removeOldest()
	}
	w.fifo = append(w.fifo, slipSample{ts: ts, value: v})
	i := sort.SearchFloat64s(w.sorted, v)
	w.sorted = append(w.sorted, 0)
	copy(w.sorted[i+1:], w.sorted[i:])
	w.sorted[i] = v
}

// Len returns the live sample count after TTL eviction.
func (w *slipWindow) Len(now time.Time) int {
	w.evict(now)
	return len(w.fifo)
}

// Percentile returns the p-th percentile (0..100) by nearest-rank, ok false
// when empty.
func (w *slipWindow) Percentile(now time.Time, p float64) (float64, bool) {
	w.evict(now)
	n := len(w.sorted)
	if n == 0 {
		return 0, false
	}
	idx := int(p / 100 * float64(n))
	if idx >= n {
		idx = n - 1
	}
	return w.sorted[idx], true
}

func (w *slipWindow) evict(now time.Time) {
	cutoff := now.Add(-w.ttl)
	for len(w.fifo) > 0 && w.fifo[0].ts.Before(cutoff) {
		w.removeOldest()
	}
}

func (w *slipWindow) removeOldest() {
	v := w.fifo[0].value
	w.fifo = w.fifo[1:]
	i := sort.SearchFloat64s(w.sorted, v)
	w.sorted = append(w.sorted[:i], w.sorted[i+1:]...)
}
