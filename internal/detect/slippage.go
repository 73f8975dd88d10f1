package detect

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tapewatch/tapewatch/internal/alert"
	"github.com/tapewatch/tapewatch/internal/book"
	"github.com/tapewatch/tapewatch/internal/config"
	"github.com/tapewatch/tapewatch/internal/venue"
)

// majorBases get tighter fallback and floor thresholds; their books are deep
// enough that even small slippage is informative.
var majorBases = map[string]bool{
	"BTC": true, "ETH": true, "BNB": true, "SOL": true, "XRP": true,
}

const slippageCooldown = 60 * time.Second

type slippageState struct {
	window    *slipWindow
	lastAlert time.Time
}

// Slippage simulates the fill of each sufficiently large taker trade
// against the current depth ladder and compares realized slippage to a
// per-symbol adaptive P95 threshold.
type Slippage struct {
	hot    *config.Hot
	states map[string]*slippageState
	major  func(symbol string) bool
}

// NewSlippage creates the detector. major classifies a symbol as a
// major-asset pair; nil uses the builtin base-asset set.
func NewSlippage(hot *config.Hot, major func(symbol string) bool) *Slippage {
	if major == nil {
		major = func(symbol string) bool {
			for base := range majorBases {
				if len(symbol) > len(base) && symbol[:len(base)] == base {
					return true
				}
			}
			return false
		}
	}
	return &Slippage{hot: hot, states: make(map[string]*slippageState), major: major}
}

// OnTrade evaluates one trade against the ladder the taker swept. Returns
// nil for small trades, thin books and sub-threshold slippage.
func (d *Slippage) OnTrade(t Trade, l *book.Ladder) *Signal {
	cfg := d.hot.Snapshot().Slippage
	if !cfg.Enabled {
		return nil
	}

	minNotional := cfg.SpotMinUSD
	if t.Market == venue.Futures {
		minNotional = cfg.PerpMinUSD
	}
	notional := t.Notional()
	if notional < minNotional {
		return nil
	}
	if l.Crossed() {
		return nil
	}

	// Buy takers sweep asks, sell takers sweep bids.
	side := book.Ask
	if t.Side == alert.SideSell {
		side = book.Bid
	}
	res, err := l.VWAPForNotional(side, notional, cfg.SkipTop, cfg.MinLevels)
	if err != nil {
		if errors.Is(err, book.ErrInsufficientDepth) {
			return nil
		}
		return nil
	}
	slippagePct := math.Abs(res.VWAP-res.Reference) / res.Reference * 100

	st := d.state(t.Symbol, cfg)
	threshold := d.threshold(st, t.Symbol, t.TS, cfg)
	st.window.Add(t.TS, slippagePct)

	if slippagePct < cfg.LowCut {
		return nil
	}
	aboveAdaptive := slippagePct >= threshold

	// Cooldown applies to qualifying firings only; sub-threshold signals
	// flow to aggregation and never arm it.
	suppressed := false
	if aboveAdaptive {
		suppressed = !st.lastAlert.IsZero() && t.TS.Sub(st.lastAlert) < slippageCooldown
		if !suppressed {
			st.lastAlert = t.TS
		}
	}

	var severity alert.Severity
	switch {
	case slippagePct >= cfg.HighCut:
		severity = alert.SeverityHigh
	case slippagePct >= cfg.MedCut:
		severity = alert.SeverityMedium
	default:
		severity = alert.SeverityLow
	}

	return &Signal{
		TS:            t.TS,
		Venue:         t.Venue,
		Market:        t.Market,
		Symbol:        t.Symbol,
		Kind:          alert.KindSlippage,
		Severity:      severity,
		Side:          t.Side,
		Price:         t.Price,
		Value:         notional,
		Slippage:      slippagePct,
		Reason:        fmt.Sprintf("vwap %.4f vs %.4f, threshold %.2f%%", res.VWAP, res.Reference, threshold),
		Suppressed:    suppressed,
		AboveAdaptive: aboveAdaptive,
	}
}

// threshold is max(P95, floor) once enough samples exist, otherwise the
// static fallback for the asset class.
func (d *Slippage) threshold(st *slippageState, symbol string, now time.Time, cfg config.SlippageTunables) float64 {
	isMajor := d.major(symbol)
	if st.window.Len(now) < cfg.MinSamples {
		if isMajor {
			return cfg.FallbackMajor
		}
		return cfg.FallbackOther
	}
	p95, ok := st.window.Percentile(now, 95)
	if !ok {
		if isMajor {
			return cfg.FallbackMajor
		}
		return cfg.FallbackOther
	}
	floor := cfg.FloorOther
	if isMajor {
		floor = cfg.FloorMajor
	}
	if p95 < floor {
		return floor
	}
	return p95
}

// SampleCount reports the live sample count for a symbol, for the gate's
// admission check and /health.
func (d *Slippage) SampleCount(symbol string, now time.Time) int {
	st, ok := d.states[symbol]
	if !ok {
		return 0
	}
	return st.window.Len(now)
}

func (d *Slippage) state(symbol string, cfg config.SlippageTunables) *slippageState {
	st, ok := d.states[symbol]
	if !ok {
		st = &slippageState{
			window: newSlipWindow(cfg.SampleCap, time.Duration(cfg.SampleTTLSec)*time.Second),
		}
		d.states[symbol] = st
	}
	return st
}
