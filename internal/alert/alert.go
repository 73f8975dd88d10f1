package alert

import (
	"fmt"
	"time"
)

// Severity grades an alert. Ordering matters: High > Medium > Low.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// rank maps severities onto a comparable scale.
func (s Severity) rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// Max returns the more severe of s and other.
func (s Severity) Max(other Severity) Severity {
	if other.rank() > s.rank() {
		return other
	}
	return s
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	return s.rank() > 0
}

// Kind identifies which detector produced an alert.
type Kind string

const (
	KindSlippage     Kind = "slippage"
	KindImbalance    Kind = "imbalance"
	KindAccumulation Kind = "accumulation"
	KindDistribution Kind = "distribution"
	KindPriceWall    Kind = "price_wall"
	KindStopHunt     Kind = "stop_hunt"
	KindPump         Kind = "pump"
	KindDump         Kind = "dump"
	KindBasis        Kind = "basis"
	KindAggregate    Kind = "aggregate"
)

// MarketType distinguishes spot and perpetual markets.
type MarketType string

const (
	MarketSpot    MarketType = "spot"
	MarketFutures MarketType = "futures"
)

// Side is the taker side of a trade or the book side of a standing order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Alert is the immutable record produced by the gate. Sinks copy it by value.
type Alert struct {
	ID       string
	TS       time.Time
	Venue    string
	Market   MarketType
	Symbol   string
	Kind     Kind
	Severity Severity

	// Payload fields. Zero when not applicable to the kind.
	Value    float64 // notional in quote currency
	Price    float64
	Slippage float64 // percent
	Side     Side
	Count    int // > 1 for aggregate summaries
	Text     string
}

// String renders the single-line form used by the log sink.
func (a Alert) String() string {
	if a.Count > 1 {
		return fmt.Sprintf("[%s] %s %s %s x%d | total $%.0f | max slippage %.2f%%",
			a.Severity, a.Market, a.Symbol, a.Kind, a.Count, a.Value, a.Slippage)
	}
	return fmt.Sprintf("[%s] %s %s %s | $%.0f @ %.4f | slippage %.2f%% | %s",
		a.Severity, a.Market, a.Symbol, a.Kind, a.Value, a.Price, a.Slippage, a.Text)
}
