package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tapewatch/tapewatch/internal/config"
	"github.com/tapewatch/tapewatch/internal/detect"
	"github.com/tapewatch/tapewatch/internal/dispatch"
	"github.com/tapewatch/tapewatch/internal/gate"
	"github.com/tapewatch/tapewatch/internal/replay"
)

// ReplayOptions configures one tape run.
type ReplayOptions struct {
	TapePath     string
	TunablesPath string
	Speed        float64 // 0 = unthrottled
}

// RunReplay streams a recorded tape through the trade-driven detectors and
// the alert gate, printing admitted alerts through the log sink. Book-driven
// detectors stay quiet since tapes carry no depth.
func RunReplay(ctx context.Context, opts ReplayOptions) error {
	hot, err := config.NewHot(opts.TunablesPath)
	if err != nil {
		return fmt.Errorf("tunables: %w", err)
	}

	f, err := os.Open(opts.TapePath)
	if err != nil {
		return fmt.Errorf("open tape: %w", err)
	}
	defer f.Close()

	g := gate.New(hot)
	d := dispatch.New(nil, dispatch.NewLogSink())
	d.Start()

	whales := make(map[string]*detect.Whale) // keyed venue|market
	pumps := make(map[string]*detect.PumpDump)
	basis := detect.NewBasis(hot)

	var lastTS time.Time
	consume := func(t detect.Trade) {
		key := t.Venue + "|" + string(t.Market)
		w, ok := whales[key]
		if !ok {
			w = detect.NewWhale(hot)
			whales[key] = w
		}
		pd, ok := pumps[key]
		if !ok {
			pd = detect.NewPumpDump(hot)
			pumps[key] = pd
		}

		offer := func(sig *detect.Signal) {
			if sig == nil {
				return
			}
			if alerts := g.Offer(*sig); len(alerts) > 0 {
				d.DispatchAll(alerts)
			}
		}

		for _, sig := range w.OnTrade(t) {
			s := sig
			offer(&s)
		}
		// Trade prices stand in for mids on a book-less tape.
		offer(pd.OnMid(t.Venue, t.Market, t.Symbol, t.Price, t.TS))
		offer(basis.OnMid(t.Venue, t.Market, t.Symbol, t.Price, t.TS))

		// Rotate aggregation buckets on tape time, not wall time.
		if t.TS.Sub(lastTS) >= time.Second {
			lastTS = t.TS
			if alerts := g.Flush(t.TS); len(alerts) > 0 {
				d.DispatchAll(alerts)
			}
		}
	}

	runner := &replay.Runner{Speed: opts.Speed}
	stats, err := runner.Run(ctx, f, consume)
	if err != nil {
		return err
	}

	if alerts := g.FlushAll(); len(alerts) > 0 {
		d.DispatchAll(alerts)
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(closeCtx); err != nil {
		return err
	}

	span := stats.Last.Sub(stats.First)
	gs := g.Snapshot()
	log.Info().
		Int("rows", stats.Rows).
		Int("skipped", stats.Skipped).
		Str("span", span.String()).
		Uint64("admitted", gs.Admitted).
		Uint64("suppressed", gs.Suppressed).
		Uint64("deduped", gs.Deduped).
		Msg("replay complete")
	return nil
}
