package detect

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/tapewatch/tapewatch/internal/alert"
	"github.com/tapewatch/tapewatch/internal/config"
	"github.com/tapewatch/tapewatch/internal/venue"
)

type basisLeg struct {
	mid float64
	ts  time.Time
}

type basisState struct {
	spot     basisLeg
	perp     basisLeg
	lastFire time.Time
}

// Basis compares spot and perpetual mids per canonical symbol. Unlike the
// other detectors it is fed from multiple shards, so it carries its own
// lock; per-leg freshness checks make it tolerant of out-of-order arrival.
type Basis struct {
	hot *config.Hot

	mu     sync.Mutex
	states map[string]*basisState
}

func NewBasis(hot *config.Hot) *Basis {
	return &Basis{hot: hot, states: make(map[string]*basisState)}
}

// OnMid records a mid update for one leg and evaluates the basis. Stale
// updates (older than the stored leg) are ignored.
func (d *Basis) OnMid(vn string, market venue.MarketType, symbol string, mid float64, now time.Time) *Signal {
	cfg := d.hot.Snapshot().Basis
	if !cfg.Enabled || mid <= 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.states[symbol]
	if !ok {
		st = &basisState{}
		d.states[symbol] = st
	}

	leg := &st.spot
	if market == venue.Futures {
		leg = &st.perp
	}
	if now.Before(leg.ts) {
		return nil
	}
	leg.mid = mid
	leg.ts = now

	stale := time.Duration(cfg.StaleSec) * time.Second
	if st.spot.mid <= 0 || st.perp.mid <= 0 {
		return nil
	}
	if now.Sub(st.spot.ts) > stale || now.Sub(st.perp.ts) > stale {
		return nil
	}

	basisPct := (st.perp.mid - st.spot.mid) / st.spot.mid * 100
	if math.Abs(basisPct) < cfg.ThresholdPct {
		return nil
	}

	cooldown := time.Duration(cfg.CooldownSec) * time.Second
	suppressed := !st.lastFire.IsZero() && now.Sub(st.lastFire) < cooldown
	if !suppressed {
		st.lastFire = now
	}

	severity := alert.SeverityMedium
	if math.Abs(basisPct) >= cfg.HighPct {
		severity = alert.SeverityHigh
	}
	side := alert.SideBuy
	if basisPct < 0 {
		side = alert.SideSell
	}

	return &Signal{
		TS:            now,
		Venue:         vn,
		Market:        market,
		Symbol:        symbol,
		Kind:          alert.KindBasis,
		Severity:      severity,
		Side:          side,
		Price:         st.perp.mid,
		Value:         basisPct,
		Confidence:    math.Min(1, math.Abs(basisPct)/cfg.HighPct),
		Reason:        fmt.Sprintf("perp %.2f vs spot %.2f, basis %+.3f%%", st.perp.mid, st.spot.mid, basisPct),
		Suppressed:    suppressed,
		AboveAdaptive: true,
	}
}
