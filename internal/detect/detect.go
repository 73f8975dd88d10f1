// Package detect holds the detector suite: weighted book imbalance, adaptive
// VWAP slippage, whale patterns, pump/dump and cross-market basis. Detectors
// keep only their own small per-symbol state; each instance is owned by a
// single shard worker.
package detect

import (
	"time"

	"github.com/tapewatch/tapewatch/internal/alert"
	"github.com/tapewatch/tapewatch/internal/venue"
)

// Trade is one normalized taker trade.
type Trade struct {
	Venue       string
	Market      venue.MarketType
	Symbol      string
	TS          time.Time
	Price       float64
	Size        float64
	Side        alert.Side // taker side
	AggregateID int64
}

// Notional returns the quote-currency value of the trade.
func (t Trade) Notional() float64 { return t.Price * t.Size }

// Signal is a raw detector firing, before the alert gate applies admission,
// dedup and aggregation.
type Signal struct {
	TS         time.Time
	Venue      string
	Market     venue.MarketType
	Symbol     string
	Kind       alert.Kind
	Severity   alert.Severity
	Side       alert.Side
	Price      float64
	Value      float64 // quote notional involved
	Slippage   float64 // percent, slippage signals only
	Confidence float64
	Reason     string

	// Suppressed marks a firing inside the detector's own cooldown. Counted
	// for observability, never dispatched.
	Suppressed bool

	// AboveAdaptive reports that the firing cleared its per-symbol adaptive
	// threshold. Always true for kinds without one. The gate routes
	// below-threshold signals through aggregation instead of immediate emit.
	AboveAdaptive bool
}

// ToAlert converts an admitted signal into an immutable alert record.
func (s Signal) ToAlert(id string) alert.Alert {
	return alert.Alert{
		ID:       id,
		TS:       s.TS,
		Venue:    s.Venue,
		Market:   alert.MarketType(s.Market),
		Symbol:   s.Symbol,
		Kind:     s.Kind,
		Severity: s.Severity,
		Value:    s.Value,
		Price:    s.Price,
		Slippage: s.Slippage,
		Side:     s.Side,
		Count:    1,
		Text:     s.Reason,
	}
}
