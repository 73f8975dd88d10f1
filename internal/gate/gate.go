// Package gate turns raw detector signals into alert records. It is the
// sole producer of alerts: admission (cooldown and adaptive-threshold
// routing), post-resync quiet periods, deduplication, and windowed
// aggregation with High-severity bypass all live here.
package gate

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tapewatch/tapewatch/internal/alert"
	"github.com/tapewatch/tapewatch/internal/config"
	"github.com/tapewatch/tapewatch/internal/detect"
)

// bucket aggregates non-High signals per (venue, market, symbol) for one
// window. firstTS/lastTS track the earliest and latest component signal.
type bucket struct {
	venue   string
	market  alert.MarketType
	symbol  string
	firstTS time.Time
	lastTS  time.Time

	count       int
	totalValue  float64
	maxSlippage float64
	top         alert.Severity
	kinds       map[alert.Kind]int
}

// Stats is a point-in-time counter snapshot for /health.
type Stats struct {
	Admitted    uint64
	Suppressed  uint64
	Deduped     uint64
	QuietDrops  uint64
	OpenBuckets int
}

// Gate is shared by all shard workers; every method is safe for concurrent
// use.
type Gate struct {
	hot *config.Hot

	mu      sync.Mutex
	dedup   map[string]time.Time
	buckets map[string]*bucket
	quiet   map[string]time.Time // venue|market -> quiet-until

	stats Stats
}

func New(hot *config.Hot) *Gate {
	return &Gate{
		hot:     hot,
		dedup:   make(map[string]time.Time),
		buckets: make(map[string]*bucket),
		quiet:   make(map[string]time.Time),
	}
}

// Quiet suppresses signal admission for a (venue, market) until the
// configured quiet period elapses. Called by shards after a resync so a
// freshly rebuilt book does not re-announce everything it already knew.
func (g *Gate) Quiet(venueName string, market alert.MarketType, now time.Time) {
	cfg := g.hot.Snapshot().Gate
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quiet[quietKey(venueName, market)] = now.Add(time.Duration(cfg.QuietPeriodSec) * time.Second)
}

// Offer feeds one detector signal through admission, dedup and aggregation.
// The returned alerts (possibly none) are ready for dispatch: immediate
// High-severity alerts plus any bucket summaries whose window closed.
func (g *Gate) Offer(sig detect.Signal) []alert.Alert {
	cfg := g.hot.Snapshot().Gate

	g.mu.Lock()
	defer g.mu.Unlock()

	// Detector-cooldown firings are observability-only.
	if sig.Suppressed {
		g.stats.Suppressed++
		log.Debug().Str("symbol", sig.Symbol).Str("kind", string(sig.Kind)).Msg("signal suppressed by detector cooldown")
		return nil
	}

	if until, ok := g.quiet[quietKey(sig.Venue, alert.MarketType(sig.Market))]; ok && sig.TS.Before(until) {
		g.stats.QuietDrops++
		return nil
	}

	if g.isDuplicate(sig, cfg) {
		g.stats.Deduped++
		return nil
	}
	g.stats.Admitted++

	var out []alert.Alert

	// Rotate any expired bucket for this key before adding more.
	window := time.Duration(cfg.AggregationSec) * time.Second
	key := bucketKey(sig.Venue, alert.MarketType(sig.Market), sig.Symbol)
	if b, ok := g.buckets[key]; ok && sig.TS.Sub(b.firstTS) >= window {
		out = append(out, g.closeBucket(key, b, cfg.EscalationCount))
	}

	if sig.Severity == alert.SeverityHigh && sig.AboveAdaptive {
		out = append(out, sig.ToAlert(uuid.NewString()))
		return out
	}

	b, ok := g.buckets[key]
	if !ok {
		b = &bucket{
			venue:   sig.Venue,
			market:  alert.MarketType(sig.Market),
			symbol:  sig.Symbol,
			firstTS: sig.TS,
			top:     alert.SeverityLow,
			kinds:   make(map[alert.Kind]int),
		}
		g.buckets[key] = b
	}
	b.count++
	b.lastTS = sig.TS
	b.totalValue += sig.Value
	b.maxSlippage = math.Max(b.maxSlippage, sig.Slippage)
	b.top = b.top.Max(sig.Severity)
	b.kinds[sig.Kind]++
	return out
}

// Flush closes every bucket whose window has elapsed at now.
func (g *Gate) Flush(now time.Time) []alert.Alert {
	cfg := g.hot.Snapshot().Gate
	window := time.Duration(cfg.AggregationSec) * time.Second

	g.mu.Lock()
	defer g.mu.Unlock()

	var out []alert.Alert
	for key, b := range g.buckets {
		if now.Sub(b.firstTS) >= window {
			out = append(out, g.closeBucket(key, b, cfg.EscalationCount))
		}
	}
	return out
}

// FlushAll closes every open bucket regardless of age. Used at shutdown.
func (g *Gate) FlushAll() []alert.Alert {
	cfg := g.hot.Snapshot().Gate

	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]alert.Alert, 0, len(g.buckets))
	for key, b := range g.buckets {
		out = append(out, g.closeBucket(key, b, cfg.EscalationCount))
	}
	return out
}

// Snapshot returns the current counters.
func (g *Gate) Snapshot() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.stats
	s.OpenBuckets = len(g.buckets)
	return s
}

// closeBucket emits the summary and removes the bucket. A single-signal
// bucket of one kind still emits as a summary with count 1. Any High
// component, or a count at or past escalateAt, escalates the whole summary
// to High.
func (g *Gate) closeBucket(key string, b *bucket, escalateAt int) alert.Alert {
	delete(g.buckets, key)
	sev := b.top
	if escalateAt > 0 && b.count >= escalateAt {
		sev = alert.SeverityHigh
	}
	return alert.Alert{
		ID:       uuid.NewString(),
		TS:       b.lastTS,
		Venue:    b.venue,
		Market:   b.market,
		Symbol:   b.symbol,
		Kind:     alert.KindAggregate,
		Severity: sev,
		Value:    b.totalValue,
		Slippage: b.maxSlippage,
		Count:    b.count,
		Text:     fmt.Sprintf("%d signals %s..%s", b.count, b.firstTS.Format("15:04:05"), b.lastTS.Format("15:04:05")),
	}
}

// isDuplicate applies the (symbol, priceBucket, side, kind) cooldown.
// Price buckets are whole units for trade-driven kinds and 4 decimals for
// resting walls.
func (g *Gate) isDuplicate(sig detect.Signal, cfg config.GateTunables) bool {
	var pb float64
	if sig.Kind == alert.KindPriceWall {
		p := math.Pow10(4)
		pb = math.Round(sig.Price*p) / p
	} else {
		pb = math.Floor(sig.Price)
	}
	key := fmt.Sprintf("%s|%g|%s|%s", sig.Symbol, pb, sig.Side, sig.Kind)

	cooldown := time.Duration(cfg.DedupCooldownSec) * time.Second
	if last, ok := g.dedup[key]; ok && sig.TS.Sub(last) < cooldown {
		return true
	}
	g.dedup[key] = sig.TS

	// Keep the map bounded; sweep entries past twice the cooldown.
	if len(g.dedup) > 10000 {
		cutoff := sig.TS.Add(-2 * cooldown)
		for k, ts := range g.dedup {
			if ts.Before(cutoff) {
				delete(g.dedup, k)
			}
		}
	}
	return false
}

func bucketKey(venueName string, market alert.MarketType, symbol string) string {
	return venueName + "|" + string(market) + "|" + symbol
}

func quietKey(venueName string, market alert.MarketType) string {
	return venueName + "|" + string(market)
}
