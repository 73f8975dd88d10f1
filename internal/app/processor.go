// Package app wires the stream pool, detectors, alert gate and sinks into
// the running service and supervises their lifecycle.
package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tapewatch/tapewatch/internal/alert"
	"github.com/tapewatch/tapewatch/internal/book"
	"github.com/tapewatch/tapewatch/internal/config"
	"github.com/tapewatch/tapewatch/internal/detect"
	"github.com/tapewatch/tapewatch/internal/dispatch"
	"github.com/tapewatch/tapewatch/internal/gate"
	"github.com/tapewatch/tapewatch/internal/metrics"
	"github.com/tapewatch/tapewatch/internal/netx/rest"
	"github.com/tapewatch/tapewatch/internal/stream"
	"github.com/tapewatch/tapewatch/internal/venue"
)

const (
	ladderDepth     = 1000
	snapshotLevels  = 100
	volumeSyncEvery = time.Minute
	flushEvery      = time.Second
)

// volumeIndex is the shared 24h quote-volume table fed by the discovery
// refresh loop and read from the shard goroutines.
type volumeIndex struct {
	mu   sync.RWMutex
	vols map[string]float64 // canonical symbol -> quote volume
}

func newVolumeIndex() *volumeIndex {
	return &volumeIndex{vols: make(map[string]float64)}
}

func (vi *volumeIndex) set(symbol string, vol float64) {
	vi.mu.Lock()
	vi.vols[symbol] = vol
	vi.mu.Unlock()
}

func (vi *volumeIndex) get(symbol string) (float64, bool) {
	vi.mu.RLock()
	v, ok := vi.vols[symbol]
	vi.mu.RUnlock()
	return v, ok
}

// pipeline is the per-shard detector set. Everything here is owned by the
// shard's read goroutine; no locking.
type pipeline struct {
	venue venue.Venue

	ladders   map[string]*book.Ladder // canonical symbol -> ladder
	wireToSym map[string]string

	imbalance *detect.Imbalance
	slippage  *detect.Slippage
	whale     *detect.Whale
	pumpdump  *detect.PumpDump

	volSynced map[string]time.Time
}

// Processor implements stream.Handler and runs every event through the
// detector suite, the gate and the dispatcher.
type Processor struct {
	hot        *config.Hot
	registry   *venue.Registry
	gate       *gate.Gate
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Registry
	rest       *rest.Client

	basis   *detect.Basis // shared across shards, locks internally
	volumes *volumeIndex

	mu    sync.Mutex
	pipes map[int]*pipeline
}

// NewProcessor builds the processor. rest may be nil in replay mode, where
// no live resync is possible.
func NewProcessor(hot *config.Hot, registry *venue.Registry, g *gate.Gate, d *dispatch.Dispatcher, reg *metrics.Registry, restClient *rest.Client) *Processor {
	return &Processor{
		hot:        hot,
		registry:   registry,
		gate:       g,
		dispatcher: d,
		metrics:    reg,
		rest:       restClient,
		basis:      detect.NewBasis(hot),
		volumes:    newVolumeIndex(),
		pipes:      make(map[int]*pipeline),
	}
}

// UpdateVolumes replaces the 24h volume figures used for depth floors and
// whale thresholds. Called from the discovery refresh loop.
func (p *Processor) UpdateVolumes(ranked []venue.RankedSymbol) {
	for _, rs := range ranked {
		p.volumes.set(rs.Symbol.String(), rs.QuoteVolume)
	}
}

func (p *Processor) pipe(shardID int, v venue.Venue) *pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	pl, ok := p.pipes[shardID]
	if !ok {
		pl = &pipeline{
			venue:     v,
			ladders:   make(map[string]*book.Ladder),
			wireToSym: make(map[string]string),
			imbalance: detect.NewImbalance(p.hot, p.volumes.get),
			slippage:  detect.NewSlippage(p.hot, nil),
			whale:     detect.NewWhale(p.hot),
			pumpdump:  detect.NewPumpDump(p.hot),
			volSynced: make(map[string]time.Time),
		}
		p.pipes[shardID] = pl
	}
	return pl
}

// symbol resolves the wire symbol to its canonical form, caching per
// pipeline.
func (pl *pipeline) symbol(registry *venue.Registry, wire string) (string, bool) {
	if s, ok := pl.wireToSym[wire]; ok {
		return s, true
	}
	sym, err := registry.FromWire(pl.venue, wire)
	if err != nil {
		return "", false
	}
	s := sym.String()
	pl.wireToSym[wire] = s
	return s, true
}

func (pl *pipeline) ladder(symbol string) *book.Ladder {
	l, ok := pl.ladders[symbol]
	if !ok {
		l = book.NewLadder(ladderDepth)
		pl.ladders[symbol] = l
	}
	return l
}

// OnEvent is called from the shard read goroutine that owns the pipeline.
func (p *Processor) OnEvent(shardID int, v venue.Venue, ev stream.Event) {
	pl := p.pipe(shardID, v)
	switch ev.Kind {
	case stream.EventTrade:
		p.onTrade(pl, ev.Trade)
	case stream.EventDepthDiff:
		p.onDepthDiff(pl, ev.Diff)
	case stream.EventDepthSnapshot:
		p.onDepthSnapshot(pl, ev.Snapshot)
	}
}

func (p *Processor) onTrade(pl *pipeline, t *stream.TradeEvent) {
	symbol, ok := pl.symbol(p.registry, t.Symbol)
	if !ok {
		return
	}
	if p.metrics != nil {
		p.metrics.RecordTrade(pl.venue.Name)
	}
	p.syncVolume(pl, symbol, t.TradeTime)

	side := alert.SideBuy
	if t.IsBuyerMaker {
		side = alert.SideSell
	}
	trade := detect.Trade{
		Venue:       pl.venue.Name,
		Market:      pl.venue.Market,
		Symbol:      symbol,
		TS:          t.TradeTime,
		Price:       t.Price,
		Size:        t.Quantity,
		Side:        side,
		AggregateID: t.TradeID,
	}

	for _, sig := range pl.whale.OnTrade(trade) {
		p.offer(sig)
	}
	if l, ok := pl.ladders[symbol]; ok {
		if sig := pl.slippage.OnTrade(trade, l); sig != nil {
			if p.metrics != nil && !sig.Suppressed {
				p.metrics.RecordSlippage(pl.venue.Name, sig.Slippage)
			}
			p.offer(*sig)
		}
	}
}

func (p *Processor) onDepthDiff(pl *pipeline, d *stream.DepthDiffEvent) {
	symbol, ok := pl.symbol(p.registry, d.Symbol)
	if !ok {
		return
	}
	l := pl.ladder(symbol)

	bids := toLevels(d.Bids)
	asks := toLevels(d.Asks)
	if err := l.ApplyDiff(bids, asks, d.FirstSeq, d.LastSeq, d.EventTS); err != nil {
		if errors.Is(err, book.ErrSequenceGap) {
			p.resyncSymbol(pl, d.Symbol, symbol)
		}
		return
	}

	p.trackWalls(pl, symbol, bids, asks, d.EventTS)
	p.afterBookUpdate(pl, symbol, l, d.EventTS)
}

// resyncSymbol rebuilds one ladder from a REST snapshot after a sequence
// gap. Without a REST client the book stays cold until the next snapshot
// event arrives on the stream.
func (p *Processor) resyncSymbol(pl *pipeline, wire, symbol string) {
	if p.rest == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := p.rest.FetchDepth(ctx, pl.venue, wire, snapshotLevels)
	if err != nil {
		log.Warn().Err(err).Str("venue", pl.venue.Name).Str("symbol", symbol).Msg("gap snapshot failed, book stays cold")
		return
	}
	pl.ladder(symbol).ApplySnapshot(toLevels(snap.Bids), toLevels(snap.Asks), snap.LastUpdateID, snap.FetchedAt)
}

func (p *Processor) onDepthSnapshot(pl *pipeline, s *stream.DepthSnapshotEvent) {
	symbol, ok := pl.symbol(p.registry, s.Symbol)
	if !ok {
		return
	}
	l := pl.ladder(symbol)
	l.ApplySnapshot(toLevels(s.Bids), toLevels(s.Asks), s.LastUpdateID, time.Now())
	p.afterBookUpdate(pl, symbol, l, time.Now())
}

// afterBookUpdate runs the book-driven detectors and updates gauges.
func (p *Processor) afterBookUpdate(pl *pipeline, symbol string, l *book.Ladder, now time.Time) {
	if p.metrics != nil {
		p.metrics.BookLevels.WithLabelValues(pl.venue.Name, "bid").Set(float64(l.Depth(book.Bid)))
		p.metrics.BookLevels.WithLabelValues(pl.venue.Name, "ask").Set(float64(l.Depth(book.Ask)))
	}

	if sig := pl.imbalance.OnDepth(pl.venue.Name, pl.venue.Market, symbol, l, now); sig != nil {
		p.offer(*sig)
	}

	mid, ok := l.Mid()
	if !ok {
		return
	}
	if sig := pl.pumpdump.OnMid(pl.venue.Name, pl.venue.Market, symbol, mid, now); sig != nil {
		p.offer(*sig)
	}
	if sig := p.basis.OnMid(pl.venue.Name, pl.venue.Market, symbol, mid, now); sig != nil {
		p.offer(*sig)
	}
}

// trackWalls feeds changed levels near the touch into the whale tracker.
// Removals always propagate so cleared walls lose their age.
func (p *Processor) trackWalls(pl *pipeline, symbol string, bids, asks []book.Level, now time.Time) {
	threshold := pl.whale.Threshold(symbol)
	for _, lv := range append(bids[:len(bids):len(bids)], asks...) {
		if lv.Size <= 0 {
			pl.whale.OnWall(symbol, lv.Price, 0, now)
			continue
		}
		if lv.Price*lv.Size >= threshold {
			pl.whale.OnWall(symbol, lv.Price, lv.Size, now)
		}
	}
}

// syncVolume folds the shared 24h volume figure into the shard-owned whale
// state, at most once a minute per symbol.
func (p *Processor) syncVolume(pl *pipeline, symbol string, now time.Time) {
	if last, ok := pl.volSynced[symbol]; ok && now.Sub(last) < volumeSyncEvery {
		return
	}
	pl.volSynced[symbol] = now
	if vol, ok := p.volumes.get(symbol); ok {
		pl.whale.UpdateVolume(symbol, vol)
	}
}

// offer pushes one signal through the gate and dispatches whatever it
// admits.
func (p *Processor) offer(sig detect.Signal) {
	if sig.Suppressed && p.metrics != nil {
		p.metrics.SignalsSuppressed.WithLabelValues(string(sig.Kind)).Inc()
	}
	alerts := p.gate.Offer(sig)
	if len(alerts) > 0 {
		p.dispatcher.DispatchAll(alerts)
	}
}

// OnResync quiets the gate for the venue and refreshes every book in the
// shard from a REST snapshot before incremental updates resume.
func (p *Processor) OnResync(shardID int, v venue.Venue, wireSymbols []string) {
	now := time.Now()
	p.gate.Quiet(v.Name, alert.MarketType(v.Market), now)

	if p.rest == nil {
		return
	}
	pl := p.pipe(shardID, v)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	var failed int
	for _, wire := range wireSymbols {
		symbol, ok := pl.symbol(p.registry, wire)
		if !ok {
			continue
		}
		snap, err := p.rest.FetchDepth(ctx, v, wire, snapshotLevels)
		if err != nil {
			failed++
			if errors.Is(err, rest.ErrCircuitOpen) {
				log.Warn().Str("venue", v.Name).Msg("snapshot breaker open, resync abandoned")
				return
			}
			continue
		}
		pl.ladder(symbol).ApplySnapshot(toLevels(snap.Bids), toLevels(snap.Asks), snap.LastUpdateID, snap.FetchedAt)
	}
	if failed > 0 {
		log.Warn().Int("shard", shardID).Int("failed", failed).Msg("some books start cold after resync")
	}
}

// Run drives the periodic gate flush until ctx is done. Final flush output
// is dispatched before returning.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if alerts := p.gate.FlushAll(); len(alerts) > 0 {
				p.dispatcher.DispatchAll(alerts)
			}
			return
		case now := <-ticker.C:
			if alerts := p.gate.Flush(now); len(alerts) > 0 {
				p.dispatcher.DispatchAll(alerts)
			}
		}
	}
}

func toLevels(pairs [][2]float64) []book.Level {
	out := make([]book.Level, 0, len(pairs))
	for _, pr := range pairs {
		out = append(out, book.Level{Price: pr[0], Size: pr[1]})
	}
	return out
}
