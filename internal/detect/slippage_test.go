package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapewatch/tapewatch/internal/alert"
	"github.com/tapewatch/tapewatch/internal/book"
	"github.com/tapewatch/tapewatch/internal/venue"
)

// Asks [[100.00,100],[100.50,100],[101.00,1000]], BUY of $100k notional:
// VWAP ≈ 100.85 against reference 100.00 is 0.85% slippage → Low severity.
func TestSlippage_BasicLowAlert(t *testing.T) {
	d := NewSlippage(testHot(t), nil)

	l := book.NewLadder(50)
	l.ApplySnapshot(
		[]book.Level{{Price: 99.0, Size: 1000}},
		[]book.Level{{Price: 100.00, Size: 100}, {Price: 100.50, Size: 100}, {Price: 101.00, Size: 1000}},
		1, time.Now(),
	)

	sig := d.OnTrade(Trade{
		Venue: "binance", Market: venue.Spot, Symbol: "BTCUSDT",
		TS: time.Unix(1000, 0), Price: 100.00, Size: 1000, Side: alert.SideBuy,
	}, l)

	require.NotNil(t, sig)
	assert.Equal(t, alert.KindSlippage, sig.Kind)
	assert.Equal(t, alert.SeverityLow, sig.Severity)
	assert.InDelta(t, 0.85, sig.Slippage, 0.01)
	assert.False(t, sig.AboveAdaptive, "cold start fallback is 1.5% for majors")
	assert.False(t, sig.Suppressed)
}

func TestSlippage_BelowMinNotionalIgnored(t *testing.T) {
	d := NewSlippage(testHot(t), nil)
	l := book.NewLadder(50)
	l.ApplySnapshot(
		[]book.Level{{Price: 99, Size: 1000}},
		[]book.Level{{Price: 100, Size: 1000}, {Price: 101, Size: 1000}, {Price: 102, Size: 1000}},
		1, time.Now(),
	)

	// $10k spot trade, under the $50k spot minimum.
	sig := d.OnTrade(Trade{
		Venue: "binance", Market: venue.Spot, Symbol: "BTCUSDT",
		TS: time.Unix(1000, 0), Price: 100, Size: 100, Side: alert.SideBuy,
	}, l)
	assert.Nil(t, sig)

	// The same notional clears the $20k perpetual minimum but slips ~0%.
	sig = d.OnTrade(Trade{
		Venue: "binance", Market: venue.Futures, Symbol: "BTCUSDT",
		TS: time.Unix(1000, 0), Price: 100, Size: 300, Side: alert.SideBuy,
	}, l)
	assert.Nil(t, sig, "deep book yields sub-lowCut slippage")
}

func TestSlippage_SeverityMapping(t *testing.T) {
	cases := []struct {
		name     string
		askStep  float64
		severity alert.Severity
	}{
		{"medium", 2.5, alert.SeverityMedium},
		{"high", 12.0, alert.SeverityHigh},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewSlippage(testHot(t), nil)
			l := book.NewLadder(50)
			// Tiny tip so the fill walks deep into a step ladder.
			l.ApplySnapshot(
				[]book.Level{{Price: 90, Size: 1000}},
				[]book.Level{
					{Price: 100, Size: 1},
					{Price: 100 + tc.askStep, Size: 1},
					{Price: 100 + 2*tc.askStep, Size: 100000},
				},
				1, time.Now(),
			)
			sig := d.OnTrade(Trade{
				Venue: "binance", Market: venue.Spot, Symbol: "BTCUSDT",
				TS: time.Unix(1000, 0), Price: 100, Size: 1000, Side: alert.SideBuy,
			}, l)
			require.NotNil(t, sig)
			assert.Equal(t, tc.severity, sig.Severity)
		})
	}
}

func TestSlippage_SellSweepsBids(t *testing.T) {
	d := NewSlippage(testHot(t), nil)
	l := book.NewLadder(50)
	l.ApplySnapshot(
		[]book.Level{{Price: 100, Size: 100}, {Price: 99, Size: 100}, {Price: 95, Size: 10000}},
		[]book.Level{{Price: 101, Size: 10000}, {Price: 102, Size: 10000}, {Price: 103, Size: 10000}},
		1, time.Now(),
	)

	sig := d.OnTrade(Trade{
		Venue: "binance", Market: venue.Spot, Symbol: "ETHUSDT",
		TS: time.Unix(1000, 0), Price: 100, Size: 1000, Side: alert.SideSell,
	}, l)
	require.NotNil(t, sig)
	assert.Equal(t, alert.SideSell, sig.Side)
	assert.Greater(t, sig.Slippage, 0.5)
}

func TestSlippage_AdaptiveThresholdAfterSamples(t *testing.T) {
	d := NewSlippage(testHot(t), nil)
	l := book.NewLadder(50)
	l.ApplySnapshot(
		[]book.Level{{Price: 99, Size: 100000}},
		[]book.Level{{Price: 100.00, Size: 100}, {Price: 100.50, Size: 100}, {Price: 101.00, Size: 10000}},
		1, time.Now(),
	)

	base := time.Unix(1000, 0)
	var last *Signal
	for i := 0; i < 150; i++ {
		last = d.OnTrade(Trade{
			Venue: "binance", Market: venue.Spot, Symbol: "BTCUSDT",
			TS: base.Add(time.Duration(i) * time.Second), Price: 100.00, Size: 1000, Side: alert.SideBuy,
		}, l)
	}
	require.NotNil(t, last)
	require.GreaterOrEqual(t, d.SampleCount("BTCUSDT", base.Add(150*time.Second)), 100)

	// Every sample sits near 0.85%, so P95 ≈ 0.85 but the major floor is
	// 0.5; the firing now clears its adaptive threshold.
	assert.True(t, last.AboveAdaptive)
}

func TestSlippage_CooldownSuppression(t *testing.T) {
	d := NewSlippage(testHot(t), func(string) bool { return true })
	l := book.NewLadder(50)
	// Steep ladder producing ~2.5% slippage, above the 1.5% major fallback.
	l.ApplySnapshot(
		[]book.Level{{Price: 90, Size: 100000}},
		[]book.Level{{Price: 100, Size: 100}, {Price: 102.5, Size: 100}, {Price: 103, Size: 100000}},
		1, time.Now(),
	)
	base := time.Unix(1000, 0)
	mk := func(ts time.Time) *Signal {
		return d.OnTrade(Trade{
			Venue: "binance", Market: venue.Spot, Symbol: "BTCUSDT",
			TS: ts, Price: 100, Size: 1000, Side: alert.SideBuy,
		}, l)
	}

	first := mk(base)
	require.NotNil(t, first)
	assert.True(t, first.AboveAdaptive)
	assert.False(t, first.Suppressed)

	second := mk(base.Add(10 * time.Second))
	require.NotNil(t, second)
	assert.True(t, second.Suppressed, "second qualifying firing within 60s")

	third := mk(base.Add(70 * time.Second))
	require.NotNil(t, third)
	assert.False(t, third.Suppressed)
}
