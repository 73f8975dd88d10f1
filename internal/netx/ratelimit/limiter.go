// Package ratelimit gates outbound REST weight and stream dial rates.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// WeightBucket is a token bucket for REST request weight. Refill is computed
// from wall time inside rate.Limiter on each reservation, so no background
// timer is needed. Waiters are served in FIFO order within one refill tick.
type WeightBucket struct {
	limiter *rate.Limiter
}

// NewWeightBucket creates a bucket refilling at perSecond tokens with the
// given capacity.
func NewWeightBucket(perSecond float64, capacity int) *WeightBucket {
	return &WeightBucket{
		limiter: rate.NewLimiter(rate.Limit(perSecond), capacity),
	}
}

// Acquire blocks until n tokens are available or ctx is cancelled. Requests
// larger than the bucket capacity are rejected outright.
func (b *WeightBucket) Acquire(ctx context.Context, n int) error {
	if n > b.limiter.Burst() {
		return fmt.Errorf("acquire %d exceeds bucket capacity %d", n, b.limiter.Burst())
	}
	if err := b.limiter.WaitN(ctx, n); err != nil {
		return fmt.Errorf("weight acquire: %w", err)
	}
	return nil
}

// TryAcquire takes n tokens without blocking and reports success.
func (b *WeightBucket) TryAcquire(n int) bool {
	return b.limiter.AllowN(time.Now(), n)
}

// Tokens returns the number of tokens currently available.
func (b *WeightBucket) Tokens() float64 {
	return b.limiter.Tokens()
}

// SetRate updates the refill rate for hot-config changes.
func (b *WeightBucket) SetRate(perSecond float64) {
	b.limiter.SetLimit(rate.Limit(perSecond))
}

// Manager holds one weight bucket per venue.
type Manager struct {
	mu      sync.RWMutex
	buckets map[string]*WeightBucket
	rate    float64
	burst   int
}

// NewManager creates a manager that lazily allocates per-venue buckets with
// the given defaults.
func NewManager(perSecond float64, capacity int) *Manager {
	return &Manager{
		buckets: make(map[string]*WeightBucket),
		rate:    perSecond,
		burst:   capacity,
	}
}

// Bucket returns or creates the bucket for a venue.
func (m *Manager) Bucket(venue string) *WeightBucket {
	m.mu.RLock()
	b, ok := m.buckets[venue]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buckets[venue]; ok {
		return b
	}
	b = NewWeightBucket(m.rate, m.burst)
	m.buckets[venue] = b
	return b
}

// Acquire takes n weight tokens for a venue, blocking until available.
func (m *Manager) Acquire(ctx context.Context, venue string, n int) error {
	return m.Bucket(venue).Acquire(ctx, n)
}
