package detect

import (
	"fmt"
	"time"

	"github.com/tapewatch/tapewatch/internal/alert"
	"github.com/tapewatch/tapewatch/internal/config"
	"github.com/tapewatch/tapewatch/internal/history"
	"github.com/tapewatch/tapewatch/internal/venue"
)

type pumpDumpState struct {
	mids         *history.Window
	lastPumpFire time.Time
	lastDumpFire time.Time
}

// PumpDump watches the best-mid over a short sliding window and fires on
// moves beyond the configured percentage, with an independent cooldown per
// direction.
type PumpDump struct {
	hot    *config.Hot
	states map[string]*pumpDumpState
}

func NewPumpDump(hot *config.Hot) *PumpDump {
	return &PumpDump{hot: hot, states: make(map[string]*pumpDumpState)}
}

// OnMid feeds one mid-price observation. Returns a signal on a qualifying
// move, nil otherwise.
func (d *PumpDump) OnMid(vn string, market venue.MarketType, symbol string, mid float64, now time.Time) *Signal {
	cfg := d.hot.Snapshot().PumpDump
	if !cfg.Enabled || mid <= 0 {
		return nil
	}

	st, ok := d.states[symbol]
	if !ok {
		st = &pumpDumpState{mids: history.NewWindow(time.Duration(cfg.WindowSec)*time.Second, 0)}
		d.states[symbol] = st
	}
	st.mids.Add(now, mid)
	if st.mids.Len() < 2 {
		return nil
	}

	cooldown := time.Duration(cfg.CooldownSec) * time.Second

	if min, ok := st.mids.Min(); ok && min > 0 {
		pumpPct := (mid - min) / min * 100
		if pumpPct >= cfg.MovePct {
			suppressed := !st.lastPumpFire.IsZero() && now.Sub(st.lastPumpFire) < cooldown
			if !suppressed {
				st.lastPumpFire = now
			}
			return d.signal(vn, market, symbol, alert.KindPump, alert.SideBuy, mid, pumpPct, cfg.WindowSec, suppressed, now)
		}
	}
	if max, ok := st.mids.Max(); ok && max > 0 {
		dumpPct := (mid - max) / max * 100
		if dumpPct <= -cfg.MovePct {
			suppressed := !st.lastDumpFire.IsZero() && now.Sub(st.lastDumpFire) < cooldown
			if !suppressed {
				st.lastDumpFire = now
			}
			return d.signal(vn, market, symbol, alert.KindDump, alert.SideSell, mid, dumpPct, cfg.WindowSec, suppressed, now)
		}
	}
	return nil
}

func (d *PumpDump) signal(vn string, market venue.MarketType, symbol string, kind alert.Kind, side alert.Side, mid, movePct float64, windowSec int, suppressed bool, now time.Time) *Signal {
	return &Signal{
		TS:            now,
		Venue:         vn,
		Market:        market,
		Symbol:        symbol,
		Kind:          kind,
		Severity:      alert.SeverityHigh,
		Side:          side,
		Price:         mid,
		Confidence:    1,
		Reason:        fmt.Sprintf("%+.2f%% in %ds", movePct, windowSec),
		Suppressed:    suppressed,
		AboveAdaptive: true,
	}
}
