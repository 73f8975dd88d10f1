package detect

import (
	"fmt"
	"math"
	"time"

	"github.com/tapewatch/tapewatch/internal/alert"
	"github.com/tapewatch/tapewatch/internal/config"
	"github.com/tapewatch/tapewatch/internal/venue"
)

const (
	whaleVolEMAAlpha     = 0.1
	whaleOrderCap        = 100
	whalePriceCap        = 3600
	stopHuntMinHistory   = 100
	stopHuntMinRecent    = 3
	wallConfidenceFull   = 600.0 // seconds of persistence for confidence 1.0
	whalePatternEvery    = 5 * time.Second
	whalePatternCooldown = 5 * time.Minute
)

type largeOrder struct {
	ts    time.Time
	side  alert.Side
	value float64
}

type pricePoint struct {
	ts     time.Time
	price  float64
	volume float64
}

type wallEntry struct {
	size      float64
	firstSeen time.Time
}

type whaleState struct {
	volumeEMA float64
	threshold float64

	orders []largeOrder
	prices []pricePoint
	walls  map[float64]wallEntry

	lastScan time.Time
	lastEmit map[string]time.Time // pattern key -> last emitted
}

// Whale tracks large taker orders, persistent resting walls and stop-hunt
// sweeps per symbol. The notional threshold follows an EMA of the 24h quote
// volume so "large" scales with the instrument.
type Whale struct {
	hot    *config.Hot
	states map[string]*whaleState
}

func NewWhale(hot *config.Hot) *Whale {
	return &Whale{hot: hot, states: make(map[string]*whaleState)}
}

// UpdateVolume folds a fresh 24h quote-volume figure into the EMA. Called
// from the periodic refresh loop, roughly every five minutes.
func (w *Whale) UpdateVolume(symbol string, volume24h float64) {
	cfg := w.hot.Snapshot().Whale
	st := w.state(symbol)
	if st.volumeEMA <= 0 {
		st.volumeEMA = volume24h
	} else {
		st.volumeEMA = whaleVolEMAAlpha*volume24h + (1-whaleVolEMAAlpha)*st.volumeEMA
	}
	st.threshold = math.Max(st.volumeEMA*cfg.VolEMAFraction, cfg.MinThresholdUSD)
}

// Threshold returns the current large-order notional threshold.
func (w *Whale) Threshold(symbol string) float64 {
	st := w.state(symbol)
	if st.threshold <= 0 {
		cfg := w.hot.Snapshot().Whale
		return cfg.MinThresholdUSD
	}
	return st.threshold
}

// OnTrade records the trade for stop-hunt history and, when it clears the
// dynamic threshold, as a large order. Emits any patterns that became ripe.
func (w *Whale) OnTrade(t Trade) []Signal {
	cfg := w.hot.Snapshot().Whale
	if !cfg.Enabled {
		return nil
	}
	st := w.state(t.Symbol)

	st.prices = append(st.prices, pricePoint{ts: t.TS, price: t.Price, volume: t.Notional()})
	if len(st.prices) > whalePriceCap {
		st.prices = append(st.prices[:0:0], st.prices[len(st.prices)-whalePriceCap:]...)
	}

	if t.Notional() >= w.Threshold(t.Symbol) {
		st.orders = append(st.orders, largeOrder{ts: t.TS, side: t.Side, value: t.Notional()})
		if len(st.orders) > whaleOrderCap {
			st.orders = append(st.orders[:0:0], st.orders[len(st.orders)-whaleOrderCap:]...)
		}
	}

	var out []Signal
	if sh := w.detectStopHunt(st, t, cfg); sh != nil {
		out = append(out, *sh)
	}
	out = append(out, w.scanPatterns(st, t.Venue, t.Market, t.Symbol, t.TS, cfg)...)
	return out
}

// OnWall records a resting-order level observed in the book. size zero
// clears the level; a cleared level re-observed later restarts its age.
// Prices are bucketed at 4 decimals.
func (w *Whale) OnWall(symbol string, price, size float64, now time.Time) {
	st := w.state(symbol)
	key := roundTo(price, 4)
	if size <= 0 {
		delete(st.walls, key)
		return
	}
	if e, ok := st.walls[key]; ok {
		e.size = size
		st.walls[key] = e
		return
	}
	st.walls[key] = wallEntry{size: size, firstSeen: now}
}

// scanPatterns runs the accumulation/distribution and wall checks, rate
// limited to one scan per symbol per few seconds.
func (w *Whale) scanPatterns(st *whaleState, vn string, market venue.MarketType, symbol string, now time.Time, cfg config.WhaleTunables) []Signal {
	if now.Sub(st.lastScan) < whalePatternEvery {
		return nil
	}
	st.lastScan = now

	var out []Signal

	cutoff := now.Add(-time.Duration(cfg.WindowMin) * time.Minute)
	var buys, sells int
	var buyValue, sellValue float64
	for _, o := range st.orders {
		if o.ts.Before(cutoff) {
			continue
		}
		if o.side == alert.SideBuy {
			buys++
			buyValue += o.value
		} else {
			sells++
			sellValue += o.value
		}
	}
	total := buys + sells
	if total >= cfg.MinOrders {
		buyRatio := float64(buys) / float64(total)
		switch {
		case buyRatio >= cfg.AccumulationRatio:
			if sig := w.emit(st, vn, market, symbol, alert.KindAccumulation, alert.SideBuy, buyValue, buyRatio,
				fmt.Sprintf("%d large buys in %dm", buys, cfg.WindowMin), now); sig != nil {
				out = append(out, *sig)
			}
		case 1-buyRatio >= cfg.AccumulationRatio:
			if sig := w.emit(st, vn, market, symbol, alert.KindDistribution, alert.SideSell, sellValue, 1-buyRatio,
				fmt.Sprintf("%d large sells in %dm", sells, cfg.WindowMin), now); sig != nil {
				out = append(out, *sig)
			}
		}
	}

	persist := time.Duration(cfg.WallPersistSec) * time.Second
	for price, e := range st.walls {
		age := now.Sub(e.firstSeen)
		if age < persist {
			continue
		}
		// Resting walls carry their own notional floor on top of the
		// dynamic large-order threshold.
		value := price * e.size
		if value < math.Max(cfg.WallMinUSD, w.Threshold(symbol)) {
			continue
		}
		conf := math.Min(1, age.Seconds()/wallConfidenceFull)
		sig := w.emit(st, vn, market, symbol, alert.KindPriceWall, "", value, conf,
			fmt.Sprintf("wall $%.0f at %.4f for %dm", value, price, int(age.Minutes())), now)
		if sig != nil {
			sig.Price = price
			out = append(out, *sig)
		}
	}
	return out
}

// detectStopHunt checks the three-part pattern: 1h-low breakthrough, rebound
// within the window, and a volume spike over the long-window average.
func (w *Whale) detectStopHunt(st *whaleState, t Trade, cfg config.WhaleTunables) *Signal {
	if len(st.prices) < stopHuntMinHistory {
		return nil
	}
	now := t.TS
	hourAgo := now.Add(-time.Hour)
	recentCut := now.Add(-time.Duration(cfg.StopHuntRebSec) * time.Second)

	support := math.Inf(1)
	var hourCount int
	var hourVolume float64
	firstHourIdx := -1
	for i, p := range st.prices {
		if p.ts.Before(hourAgo) {
			continue
		}
		if firstHourIdx < 0 {
			firstHourIdx = i
		}
		hourCount++
		hourVolume += p.volume
		// Support excludes the rebound window under test.
		if p.ts.Before(recentCut) && p.price < support {
			support = p.price
		}
	}
	if hourCount < 10 || math.IsInf(support, 1) {
		return nil
	}

	var recent []pricePoint
	for _, p := range st.prices[firstHourIdx:] {
		if !p.ts.Before(recentCut) {
			recent = append(recent, p)
		}
	}
	if len(recent) < stopHuntMinRecent {
		return nil
	}

	breakIdx := -1
	breakPrice := support
	for i, p := range recent {
		if p.price < support {
			if breakIdx < 0 {
				breakIdx = i
			}
			if p.price < breakPrice {
				breakPrice = p.price
			}
		}
	}
	if breakIdx < 0 {
		return nil
	}

	rebounded := false
	for _, p := range recent[breakIdx+1:] {
		if p.price >= support {
			rebounded = true
		}
	}
	if !rebounded {
		return nil
	}

	avgVolume := hourVolume / float64(hourCount)
	var recentVolume float64
	for _, p := range recent {
		recentVolume += p.volume
	}
	ratio := recentVolume / (avgVolume*float64(len(recent)) + 1e-9)
	if ratio < cfg.StopHuntVolMult {
		return nil
	}

	return w.emit(st, t.Venue, t.Market, t.Symbol, alert.KindStopHunt, "",
		recentVolume, math.Min(1, ratio/10),
		fmt.Sprintf("swept %.4f below %.4f, rebound with %.1fx volume", breakPrice, support, ratio), now)
}

// emit applies the per-pattern cooldown and builds the signal. Stop hunts
// are High severity; everything else Medium.
func (w *Whale) emit(st *whaleState, vn string, market venue.MarketType, symbol string, kind alert.Kind, side alert.Side, value, confidence float64, reason string, now time.Time) *Signal {
	key := string(kind)
	if last, ok := st.lastEmit[key]; ok && now.Sub(last) < whalePatternCooldown {
		return nil
	}
	st.lastEmit[key] = now

	severity := alert.SeverityMedium
	if kind == alert.KindStopHunt {
		severity = alert.SeverityHigh
	}
	return &Signal{
		TS:            now,
		Venue:         vn,
		Market:        market,
		Symbol:        symbol,
		Kind:          kind,
		Severity:      severity,
		Side:          side,
		Value:         value,
		Confidence:    confidence,
		Reason:        reason,
		AboveAdaptive: true,
	}
}

func (w *Whale) state(symbol string) *whaleState {
	st, ok := w.states[symbol]
	if !ok {
		st = &whaleState{
			walls:    make(map[float64]wallEntry),
			lastEmit: make(map[string]time.Time),
		}
		w.states[symbol] = st
	}
	return st
}

func roundTo(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Round(v*p) / p
}
