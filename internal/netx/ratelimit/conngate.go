package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultWindow matches the per-IP accounting window used by the major
	// venues: 300 connection attempts per 5 minutes.
	DefaultWindow = 5 * time.Minute
	// DefaultCapacity leaves headroom below the 300 cap for reconnect bursts.
	DefaultCapacity = 280
)

// ConnGate paces stream dials per egress identity with a sliding window.
// Timestamps are recorded only on successful dials, so failed attempts do
// not burn budget.
type ConnGate struct {
	window   time.Duration
	capacity int

	mu     sync.Mutex
	dialed map[string][]time.Time // egress -> successful dial times, oldest first
	now    func() time.Time
}

// NewConnGate creates a gate with the given window and capacity. Zero values
// select the defaults.
func NewConnGate(window time.Duration, capacity int) *ConnGate {
	if window <= 0 {
		window = DefaultWindow
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ConnGate{
		window:   window,
		capacity: capacity,
		dialed:   make(map[string][]time.Time),
		now:      time.Now,
	}
}

// WaitForSlot blocks until the egress identity has a free slot in the window
// or ctx is cancelled. It does not record usage; call Record after the dial
// succeeds.
func (g *ConnGate) WaitForSlot(ctx context.Context, egress string) error {
	for {
		wait := g.slotDelay(egress)
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// slotDelay returns how long until the oldest in-window timestamp ages out,
// or zero when a slot is free.
func (g *ConnGate) slotDelay(egress string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.evictLocked(egress, now)
	ts := g.dialed[egress]
	if len(ts) < g.capacity {
		return 0
	}
	return ts[0].Add(g.window).Sub(now)
}

// Record notes a successful dial against the egress identity.
func (g *ConnGate) Record(egress string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.evictLocked(egress, now)
	g.dialed[egress] = append(g.dialed[egress], now)
}

// InWindow returns the number of dials currently counted for the egress.
func (g *ConnGate) InWindow(egress string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.evictLocked(egress, g.now())
	return len(g.dialed[egress])
}

func (g *ConnGate) evictLocked(egress string, now time.Time) {
	ts := g.dialed[egress]
	cutoff := now.Add(-g.window)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		g.dialed[egress] = append(ts[:0:0], ts[i:]...)
	}
}
