package gate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapewatch/tapewatch/internal/alert"
	"github.com/tapewatch/tapewatch/internal/config"
	"github.com/tapewatch/tapewatch/internal/detect"
	"github.com/tapewatch/tapewatch/internal/venue"
)

func testHot(t *testing.T) *config.Hot {
	t.Helper()
	h, err := config.NewHot(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	return h
}

func sigAt(ts time.Time, sev alert.Severity, kind alert.Kind, price float64) detect.Signal {
	return detect.Signal{
		TS: ts, Venue: "binance", Market: venue.Spot, Symbol: "BTCUSDT",
		Kind: kind, Severity: sev, Side: alert.SideBuy,
		Price: price, Value: 100_000, Slippage: 0.85,
		AboveAdaptive: true,
	}
}

func TestGate_HighBypassesAggregation(t *testing.T) {
	g := New(testHot(t))
	now := time.Unix(1000, 0)

	out := g.Offer(sigAt(now, alert.SeverityHigh, alert.KindSlippage, 50_000))
	require.Len(t, out, 1)
	assert.Equal(t, alert.KindSlippage, out[0].Kind)
	assert.Equal(t, alert.SeverityHigh, out[0].Severity)
	assert.NotEmpty(t, out[0].ID)
	assert.Equal(t, 0, g.Snapshot().OpenBuckets)
}

func TestGate_LowAggregatesIntoBucket(t *testing.T) {
	g := New(testHot(t))
	now := time.Unix(1000, 0)

	out := g.Offer(sigAt(now, alert.SeverityLow, alert.KindSlippage, 50_000))
	assert.Empty(t, out, "low severity waits in the bucket")
	assert.Equal(t, 1, g.Snapshot().OpenBuckets)

	// Window close emits one summary.
	alerts := g.Flush(now.Add(31 * time.Second))
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.KindAggregate, alerts[0].Kind)
	assert.Equal(t, alert.SeverityLow, alerts[0].Severity)
	assert.Equal(t, 1, alerts[0].Count)
	assert.Equal(t, 100_000.0, alerts[0].Value)
}

func TestGate_BucketSummaryAndEscalation(t *testing.T) {
	g := New(testHot(t))
	now := time.Unix(1000, 0)

	g.Offer(sigAt(now, alert.SeverityLow, alert.KindSlippage, 50_000))
	g.Offer(sigAt(now.Add(5*time.Second), alert.SeverityMedium, alert.KindImbalance, 50_010))

	// A High signal below its adaptive threshold aggregates instead of
	// bypassing, and escalates the bucket.
	sub := sigAt(now.Add(10*time.Second), alert.SeverityHigh, alert.KindSlippage, 50_020)
	sub.AboveAdaptive = false
	sub.Slippage = 12.0
	require.Empty(t, g.Offer(sub))

	alerts := g.Flush(now.Add(31 * time.Second))
	require.Len(t, alerts, 1)
	sum := alerts[0]
	assert.Equal(t, alert.SeverityHigh, sum.Severity, "any High component escalates the summary")
	assert.Equal(t, 3, sum.Count)
	assert.Equal(t, 300_000.0, sum.Value)
	assert.Equal(t, 12.0, sum.Slippage)
	assert.Equal(t, now, sum.TS.Add(-10*time.Second), "lastTS carried on the summary")
}

// A bucket that reaches the escalation count closes High even when every
// component signal was Low.
func TestGate_EscalationCountPromotesBucket(t *testing.T) {
	g := New(testHot(t))
	now := time.Unix(1000, 0)

	for i := 0; i < 5; i++ {
		s := sigAt(now.Add(time.Duration(i)*time.Second), alert.SeverityLow, alert.KindSlippage, 50_000+float64(i*10))
		assert.Empty(t, g.Offer(s))
	}
	alerts := g.Flush(now.Add(31 * time.Second))
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.SeverityHigh, alerts[0].Severity)
	assert.Equal(t, 5, alerts[0].Count)

	// Below the threshold the summary keeps the component severity.
	for i := 0; i < 4; i++ {
		g.Offer(sigAt(now.Add(time.Duration(100+i)*time.Second), alert.SeverityLow, alert.KindSlippage, 60_000+float64(i*10)))
	}
	later := g.Flush(now.Add(200 * time.Second))
	require.Len(t, later, 1)
	assert.Equal(t, alert.SeverityLow, later[0].Severity)
}

func TestGate_BucketRotationOnNextSignal(t *testing.T) {
	g := New(testHot(t))
	now := time.Unix(1000, 0)

	g.Offer(sigAt(now, alert.SeverityLow, alert.KindSlippage, 50_000))
	// 35s later a new signal first rotates the expired bucket out.
	out := g.Offer(sigAt(now.Add(35*time.Second), alert.SeverityLow, alert.KindSlippage, 51_000))
	require.Len(t, out, 1)
	assert.Equal(t, alert.KindAggregate, out[0].Kind)
	assert.Equal(t, 1, g.Snapshot().OpenBuckets, "the new signal opened a fresh bucket")
}

// At most one admitted signal per (symbol, priceBucket, side, kind) within
// the dedup cooldown.
func TestGate_Dedup(t *testing.T) {
	g := New(testHot(t))
	now := time.Unix(1000, 0)

	first := g.Offer(sigAt(now, alert.SeverityHigh, alert.KindSlippage, 50_000.3))
	require.Len(t, first, 1)

	// Same floor(price) bucket within 60s: dropped.
	dup := g.Offer(sigAt(now.Add(10*time.Second), alert.SeverityHigh, alert.KindSlippage, 50_000.9))
	assert.Empty(t, dup)
	assert.Equal(t, uint64(1), g.Snapshot().Deduped)

	// Different price bucket passes.
	other := g.Offer(sigAt(now.Add(11*time.Second), alert.SeverityHigh, alert.KindSlippage, 50_001.1))
	assert.Len(t, other, 1)

	// After the cooldown the original key fires again.
	later := g.Offer(sigAt(now.Add(70*time.Second), alert.SeverityHigh, alert.KindSlippage, 50_000.5))
	assert.Len(t, later, 1)
}

func TestGate_WallDedupUsesFinePriceBuckets(t *testing.T) {
	g := New(testHot(t))
	now := time.Unix(1000, 0)

	mk := func(price float64) detect.Signal {
		s := sigAt(now, alert.SeverityHigh, alert.KindPriceWall, price)
		return s
	}
	require.Len(t, g.Offer(mk(2000.12341)), 1)
	// Rounds to the same 4-decimal bucket: duplicate.
	assert.Empty(t, g.Offer(mk(2000.12339)))
	// One tick away at 4 decimals: distinct.
	assert.Len(t, g.Offer(mk(2000.1240)), 1)
}

func TestGate_SuppressedSignalsNeverTouchBuckets(t *testing.T) {
	g := New(testHot(t))
	now := time.Unix(1000, 0)

	s := sigAt(now, alert.SeverityLow, alert.KindSlippage, 50_000)
	s.Suppressed = true
	assert.Empty(t, g.Offer(s))
	assert.Equal(t, 0, g.Snapshot().OpenBuckets)
	assert.Equal(t, uint64(1), g.Snapshot().Suppressed)
}

// After a resync the gate swallows signals for the quiet period; the same
// signal fires once the period has passed.
func TestGate_QuietPeriodAfterResync(t *testing.T) {
	g := New(testHot(t))
	now := time.Unix(1000, 0)

	g.Quiet("binance", alert.MarketSpot, now)

	early := sigAt(now.Add(200*time.Millisecond), alert.SeverityHigh, alert.KindPriceWall, 2000.0)
	assert.Empty(t, g.Offer(early))
	assert.Equal(t, uint64(1), g.Snapshot().QuietDrops)

	late := sigAt(now.Add(6*time.Second), alert.SeverityHigh, alert.KindPriceWall, 2100.0)
	out := g.Offer(late)
	require.Len(t, out, 1)
	assert.Equal(t, alert.KindPriceWall, out[0].Kind)
}

func TestGate_FlushAll(t *testing.T) {
	g := New(testHot(t))
	now := time.Unix(1000, 0)

	g.Offer(sigAt(now, alert.SeverityLow, alert.KindSlippage, 50_000))
	s2 := sigAt(now, alert.SeverityLow, alert.KindSlippage, 60_000)
	s2.Symbol = "ETHUSDT"
	g.Offer(s2)

	alerts := g.FlushAll()
	assert.Len(t, alerts, 2, "shutdown flush closes all buckets regardless of age")
	assert.Equal(t, 0, g.Snapshot().OpenBuckets)
}
