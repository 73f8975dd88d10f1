package venue

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog/log"
)

// RankedSymbol is a tradable symbol with its trailing 24h quote volume.
type RankedSymbol struct {
	Symbol      CanonicalSymbol
	Wire        string
	QuoteVolume float64
}

// Discovery lists venue symbols ranked by 24h quote volume. Read-only API
// access, no credentials required.
type Discovery struct {
	registry *Registry
	spot     *binance.Client
	perp     *futures.Client
}

// NewDiscovery builds a discovery service over the public market-data API.
func NewDiscovery(registry *Registry) *Discovery {
	return &Discovery{
		registry: registry,
		spot:     binance.NewClient("", ""),
		perp:     binance.NewFuturesClient("", ""),
	}
}

// ListSymbols returns up to limit symbols for the market, best quote volume
// first. Symbols whose wire form cannot be normalized are skipped.
func (d *Discovery) ListSymbols(ctx context.Context, v Venue, limit int) ([]RankedSymbol, error) {
	var ranked []RankedSymbol
	var err error
	switch v.Market {
	case Spot:
		ranked, err = d.listSpot(ctx, v)
	case Futures:
		ranked, err = d.listPerp(ctx, v)
	default:
		return nil, fmt.Errorf("unknown market type %q", v.Market)
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].QuoteVolume > ranked[j].QuoteVolume
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	log.Info().
		Str("venue", v.Name).
		Str("market", string(v.Market)).
		Int("symbols", len(ranked)).
		Msg("symbol discovery complete")
	return ranked, nil
}

func (d *Discovery) listSpot(ctx context.Context, v Venue) ([]RankedSymbol, error) {
	stats, err := d.spot.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("spot 24h stats: %w", err)
	}
	out := make([]RankedSymbol, 0, len(stats))
	for _, s := range stats {
		rs, ok := d.rank(v, s.Symbol, s.QuoteVolume)
		if ok {
			out = append(out, rs)
		}
	}
	return out, nil
}

func (d *Discovery) listPerp(ctx context.Context, v Venue) ([]RankedSymbol, error) {
	stats, err := d.perp.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("futures 24h stats: %w", err)
	}
	out := make([]RankedSymbol, 0, len(stats))
	for _, s := range stats {
		rs, ok := d.rank(v, s.Symbol, s.QuoteVolume)
		if ok {
			out = append(out, rs)
		}
	}
	return out, nil
}

// rank normalizes one wire symbol and parses its quote volume. Only
// stable-quoted symbols are monitored.
func (d *Discovery) rank(v Venue, wire, quoteVolume string) (RankedSymbol, bool) {
	sym, err := d.registry.FromWire(v, wire)
	if err != nil {
		return RankedSymbol{}, false
	}
	if sym.Quote != "USDT" {
		return RankedSymbol{}, false
	}
	vol, err := strconv.ParseFloat(quoteVolume, 64)
	if err != nil || vol <= 0 {
		return RankedSymbol{}, false
	}
	return RankedSymbol{Symbol: sym, Wire: wire, QuoteVolume: vol}, true
}
