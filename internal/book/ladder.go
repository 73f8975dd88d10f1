// Package book maintains per-venue, per-symbol depth ladders.
package book

import (
	"errors"
	"sort"
	"time"
)

var (
	// ErrSequenceGap reports a diff whose first update id does not continue
	// the known sequence. The caller must resync from a snapshot.
	ErrSequenceGap = errors.New("depth sequence gap")
	// ErrInsufficientDepth reports a side too shallow to quote a VWAP.
	ErrInsufficientDepth = errors.New("insufficient depth")
)

// Side selects one half of the book.
type Side int

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

// Level is one price level. Size zero denotes removal in diff updates.
type Level struct {
	Price float64
	Size  float64
}

// Ladder holds both sides of a book for a single venue/symbol. Bids are kept
// descending by price, asks ascending. A ladder is owned by exactly one
// shard goroutine; it carries no locking of its own.
type Ladder struct {
	bids     []Level
	asks     []Level
	lastSeq  int64
	updated  time.Time
	maxDepth int
}

// NewLadder creates an empty ladder capped at maxDepth levels per side.
func NewLadder(maxDepth int) *Ladder {
	if maxDepth <= 0 {
		maxDepth = 1000
	}
	return &Ladder{maxDepth: maxDepth}
}

// ApplySnapshot replaces both sides wholesale. Zero-size levels are dropped,
// ordering is restored regardless of input order. Applying the same snapshot
// twice yields the same ladder.
func (l *Ladder) ApplySnapshot(bids, asks []Level, seq int64, ts time.Time) {
	l.bids = normalize(bids, true, l.maxDepth)
	l.asks = normalize(asks, false, l.maxDepth)
	l.lastSeq = seq
	l.updated = ts
}

// ApplyDiff applies incremental level changes on top of the current state.
// firstSeq must continue the known sequence; a gap leaves the ladder
// untouched and returns ErrSequenceGap.
func (l *Ladder) ApplyDiff(bids, asks []Level, firstSeq, lastSeq int64, ts time.Time) error {
	if l.lastSeq > 0 && firstSeq > l.lastSeq+1 {
		return ErrSequenceGap
	}
	// Replays entirely behind the known state are ignored.
	if l.lastSeq > 0 && lastSeq <= l.lastSeq {
		return nil
	}
	for _, lv := range bids {
		l.bids = applyLevel(l.bids, lv, true, l.maxDepth)
	}
	for _, lv := range asks {
		l.asks = applyLevel(l.asks, lv, false, l.maxDepth)
	}
	l.lastSeq = lastSeq
	l.updated = ts
	return nil
}

// Seq returns the last applied update sequence number.
func (l *Ladder) Seq() int64 { return l.lastSeq }

// UpdatedAt returns the time of the last applied update.
func (l *Ladder) UpdatedAt() time.Time { return l.updated }

// Best returns the top level of a side, ok false when the side is empty.
func (l *Ladder) Best(s Side) (Level, bool) {
	side := l.side(s)
	if len(side) == 0 {
		return Level{}, false
	}
	return side[0], true
}

// TopN returns up to n levels from the top of a side.
func (l *Ladder) TopN(s Side, n int) []Level {
	side := l.side(s)
	if n > len(side) {
		n = len(side)
	}
	out := make([]Level, n)
	copy(out, side[:n])
	return out
}

// Depth returns the number of levels on a side.
func (l *Ladder) Depth(s Side) int { return len(l.side(s)) }

// Crossed reports bestBid >= bestAsk with both sides populated. Detectors
// must suppress while the book is crossed.
func (l *Ladder) Crossed() bool {
	if len(l.bids) == 0 || len(l.asks) == 0 {
		return false
	}
	return l.bids[0].Price >= l.asks[0].Price
}

// Mid returns the mid price, ok false when either side is empty or crossed.
func (l *Ladder) Mid() (float64, bool) {
	if len(l.bids) == 0 || len(l.asks) == 0 || l.Crossed() {
		return 0, false
	}
	return (l.bids[0].Price + l.asks[0].Price) / 2, true
}

// Spread returns bestAsk - bestBid, ok false when either side is empty.
func (l *Ladder) Spread() (float64, bool) {
	if len(l.bids) == 0 || len(l.asks) == 0 {
		return 0, false
	}
	return l.asks[0].Price - l.bids[0].Price, true
}

// VWAPResult describes a simulated market-order fill.
type VWAPResult struct {
	VWAP      float64
	Reference float64 // price of the first consumed level
	FilledQty float64
}

// VWAPForNotional walks a side aggregating price*size until the requested
// quote notional is filled. The first skipTop levels are ignored to blunt
// spoofed tips; if fewer than minLevels remain after the skip the result is
// ErrInsufficientDepth rather than a misleading VWAP.
func (l *Ladder) VWAPForNotional(s Side, notional float64, skipTop, minLevels int) (VWAPResult, error) {
	side := l.side(s)
	if len(side) < minLevels+skipTop {
		return VWAPResult{}, ErrInsufficientDepth
	}

	ref := side[skipTop].Price
	remaining := notional
	var totalQty, totalValue float64
	for _, lv := range side[skipTop:] {
		levelValue := lv.Price * lv.Size
		if levelValue >= remaining {
			totalQty += remaining / lv.Price
			totalValue += remaining
			remaining = 0
			break
		}
		totalQty += lv.Size
		totalValue += levelValue
		remaining -= levelValue
	}
	if totalQty <= 0 {
		return VWAPResult{}, ErrInsufficientDepth
	}
	return VWAPResult{
		VWAP:      totalValue / totalQty,
		Reference: ref,
		FilledQty: totalQty,
	}, nil
}

func (l *Ladder) side(s Side) []Level {
	if s == Bid {
		return l.bids
	}
	return l.asks
}

// normalize sorts, deduplicates and caps a side. Bids descending, asks
// ascending.
func normalize(levels []Level, descending bool, maxDepth int) []Level {
	out := make([]Level, 0, len(levels))
	for _, lv := range levels {
		if lv.Size > 0 && lv.Price > 0 {
			out = append(out, lv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	if len(out) > maxDepth {
		out = out[:maxDepth]
	}
	return out
}

// applyLevel inserts, replaces or removes a single level keeping order.
func applyLevel(side []Level, lv Level, descending bool, maxDepth int) []Level {
	idx := sort.Search(len(side), func(i int) bool {
		if descending {
			return side[i].Price <= lv.Price
		}
		return side[i].Price >= lv.Price
	})
	exists := idx < len(side) && side[idx].Price == lv.Price

	switch {
	case lv.Size <= 0 && exists:
		return append(side[:idx], side[idx+1:]...)
	case lv.Size <= 0:
		return side
	case exists:
		side[idx].Size = lv.Size
		return side
	default:
		side = append(side, Level{})
		copy(side[idx+1:], side[idx:])
		side[idx] = lv
		if len(side) > maxDepth {
			side = side[:maxDepth]
		}
		return side
	}
}
