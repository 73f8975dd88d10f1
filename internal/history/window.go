// Package history provides bounded rolling time windows used by the
// detectors for 1h lows, rolling volume sums and recent-trade lookback.
package history

import "time"

// Point is one timestamped observation.
type Point struct {
	TS    time.Time
	Value float64
}

// Window is a time-bounded deque of observations. Appends must be roughly
// monotonic in time; eviction happens from the front. A Window is owned by a
// single goroutine and carries no locking.
type Window struct {
	span   time.Duration
	maxLen int
	points []Point
}

// NewWindow creates a window spanning the given duration, holding at most
// maxLen points. maxLen <= 0 means unbounded by count.
func NewWindow(span time.Duration, maxLen int) *Window {
	return &Window{span: span, maxLen: maxLen}
}

// Add appends an observation and evicts anything older than the span.
func (w *Window) Add(ts time.Time, v float64) {
	w.points = append(w.points, Point{TS: ts, Value: v})
	w.Prune(ts)
	if w.maxLen > 0 && len(w.points) > w.maxLen {
		w.points = append(w.points[:0:0], w.points[len(w.points)-w.maxLen:]...)
	}
}

// Prune drops points older than now minus the span.
func (w *Window) Prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.points) && w.points[i].TS.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.points = append(w.points[:0:0], w.points[i:]...)
	}
}

// Len returns the number of points currently in the window.
func (w *Window) Len() int { return len(w.points) }

// Sum returns the sum of all in-window values.
func (w *Window) Sum() float64 {
	var s float64
	for _, p := range w.points {
		s += p.Value
	}
	return s
}

// Avg returns the mean of in-window values, ok false when empty.
func (w *Window) Avg() (float64, bool) {
	if len(w.points) == 0 {
		return 0, false
	}
	return w.Sum() / float64(len(w.points)), true
}

// Min returns the smallest in-window value, ok false when empty.
func (w *Window) Min() (float64, bool) {
	if len(w.points) == 0 {
		return 0, false
	}
	m := w.points[0].Value
	for _, p := range w.points[1:] {
		if p.Value < m {
			m = p.Value
		}
	}
	return m, true
}

// Max returns the largest in-window value, ok false when empty.
func (w *Window) Max() (float64, bool) {
	if len(w.points) == 0 {
		return 0, false
	}
	m := w.points[0].Value
	for _, p := range w.points[1:] {
		if p.Value > m {
			m = p.Value
		}
	}
	return m, true
}

// First returns the oldest point, ok false when empty.
func (w *Window) First() (Point, bool) {
	if len(w.points) == 0 {
		return Point{}, false
	}
	return w.points[0], true
}

// Last returns the newest point, ok false when empty.
func (w *Window) Last() (Point, bool) {
	if len(w.points) == 0 {
		return Point{}, false
	}
	return w.points[len(w.points)-1], true
}

// SumSince sums values at or after the cutoff, without evicting.
func (w *Window) SumSince(cutoff time.Time) float64 {
	var s float64
	for i := len(w.points) - 1; i >= 0; i-- {
		if w.points[i].TS.Before(cutoff) {
			break
		}
		s += w.points[i].Value
	}
	return s
}
