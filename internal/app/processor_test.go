package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapewatch/tapewatch/internal/alert"
	"github.com/tapewatch/tapewatch/internal/config"
	"github.com/tapewatch/tapewatch/internal/dispatch"
	"github.com/tapewatch/tapewatch/internal/gate"
	"github.com/tapewatch/tapewatch/internal/netx/ratelimit"
	"github.com/tapewatch/tapewatch/internal/netx/rest"
	"github.com/tapewatch/tapewatch/internal/stream"
	"github.com/tapewatch/tapewatch/internal/venue"
)

type memSink struct {
	mu  sync.Mutex
	got []alert.Alert
}

func (m *memSink) Name() string { return "mem" }
func (m *memSink) Deliver(_ context.Context, a alert.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, a)
	return nil
}
func (m *memSink) Close(context.Context) error { return nil }
func (m *memSink) alerts() []alert.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]alert.Alert, len(m.got))
	copy(out, m.got)
	return out
}

func testHot(t *testing.T) *config.Hot {
	t.Helper()
	hot, err := config.NewHot(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	return hot
}

func spotVenue() venue.Venue {
	return venue.Venue{
		Name: "binance", Market: venue.Spot,
		StreamURL: "ws://unused", RESTURL: "http://unused",
		MaxStreams: 100, MaxConns: 280, Enabled: true,
	}
}

func newTestProcessor(t *testing.T) (*Processor, *memSink, func()) {
	t.Helper()
	hot := testHot(t)
	sink := &memSink{}
	d := dispatch.New(nil, sink)
	d.Start()
	p := NewProcessor(hot, venue.NewRegistry(true), gate.New(hot), d, nil, nil)
	return p, sink, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.Close(ctx)
	}
}

func diffEvent(symbol string, first, last int64, bids, asks [][2]float64, ts time.Time) stream.Event {
	return stream.Event{Kind: stream.EventDepthDiff, Diff: &stream.DepthDiffEvent{
		Symbol: symbol, FirstSeq: first, LastSeq: last, EventTS: ts, Bids: bids, Asks: asks,
	}}
}

func snapshotEvent(symbol string, seq int64, bids, asks [][2]float64) stream.Event {
	return stream.Event{Kind: stream.EventDepthSnapshot, Snapshot: &stream.DepthSnapshotEvent{
		Symbol: symbol, LastUpdateID: seq, Bids: bids, Asks: asks,
	}}
}

func TestProcessor_BuildsLaddersPerShard(t *testing.T) {
	p, _, done := newTestProcessor(t)
	defer done()
	v := spotVenue()
	now := time.Now()

	p.OnEvent(0, v, snapshotEvent("BTCUSDT", 100, [][2]float64{{100, 1}}, [][2]float64{{101, 1}}))
	p.OnEvent(0, v, diffEvent("BTCUSDT", 101, 102, [][2]float64{{99.5, 2}}, nil, now))
	p.OnEvent(1, v, snapshotEvent("ETHUSDT", 50, [][2]float64{{3000, 1}}, [][2]float64{{3001, 1}}))

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.pipes, 2)
	l := p.pipes[0].ladders["BTCUSDT"]
	require.NotNil(t, l)
	assert.Equal(t, int64(102), l.Seq())
	assert.Nil(t, p.pipes[0].ladders["ETHUSDT"])
	assert.NotNil(t, p.pipes[1].ladders["ETHUSDT"])
}

func TestProcessor_TradeRunsDetectors(t *testing.T) {
	p, sink, done := newTestProcessor(t)
	defer done()
	v := spotVenue()
	now := time.Now()

	// Thin book: a $100k market buy sweeps well past the touch.
	p.OnEvent(0, v, snapshotEvent("BTCUSDT", 1,
		[][2]float64{{99.9, 1000}},
		[][2]float64{{100, 100}, {100.5, 100}, {120, 1000}}))

	p.OnEvent(0, v, stream.Event{Kind: stream.EventTrade, Trade: &stream.TradeEvent{
		Symbol: "BTCUSDT", TradeID: 1, Price: 100, Quantity: 1000,
		TradeTime: now, IsBuyerMaker: false,
	}})

	// Low severity firings aggregate; force the bucket out.
	if alerts := p.gate.FlushAll(); len(alerts) > 0 {
		p.dispatcher.DispatchAll(alerts)
	}
	done()

	got := sink.alerts()
	require.NotEmpty(t, got, "slippage firing should surface after flush")
	found := false
	for _, a := range got {
		if a.Kind == alert.KindAggregate || a.Kind == alert.KindSlippage {
			found = true
		}
	}
	assert.True(t, found)
}

func TestProcessor_SequenceGapWithoutRestStaysCold(t *testing.T) {
	p, _, done := newTestProcessor(t)
	defer done()
	v := spotVenue()
	now := time.Now()

	p.OnEvent(0, v, snapshotEvent("BTCUSDT", 100, [][2]float64{{100, 1}}, [][2]float64{{101, 1}}))
	// Gap: first seq jumps past lastSeq+1. Ladder must keep its old state.
	p.OnEvent(0, v, diffEvent("BTCUSDT", 200, 201, [][2]float64{{90, 5}}, nil, now))

	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.pipes[0].ladders["BTCUSDT"]
	require.NotNil(t, l)
	assert.Equal(t, int64(100), l.Seq())
}

// With a REST client the gap diff is dropped and the ladder rebuilds from
// a fresh snapshot instead of staying cold.
func TestProcessor_SequenceGapResyncsFromRest(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/depth", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"lastUpdateId":500,"bids":[["95","4"]],"asks":[["96","4"]]}`))
	}))
	defer ts.Close()

	hot := testHot(t)
	sink := &memSink{}
	d := dispatch.New(nil, sink)
	d.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.Close(ctx)
	}()
	restClient := rest.NewClient(ratelimit.NewManager(1000, 1000), nil)
	p := NewProcessor(hot, venue.NewRegistry(true), gate.New(hot), d, nil, restClient)

	v := spotVenue()
	v.RESTURL = ts.URL
	now := time.Now()
	p.OnEvent(0, v, snapshotEvent("BTCUSDT", 100, [][2]float64{{100, 1}}, [][2]float64{{101, 1}}))
	// Gap: first seq jumps past lastSeq+1, triggering the REST rebuild.
	p.OnEvent(0, v, diffEvent("BTCUSDT", 200, 201, [][2]float64{{90, 5}}, nil, now))

	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.pipes[0].ladders["BTCUSDT"]
	require.NotNil(t, l)
	assert.Equal(t, int64(500), l.Seq())
	mid, ok := l.Mid()
	require.True(t, ok)
	assert.InDelta(t, 95.5, mid, 1e-9)
}

func TestProcessor_ResyncQuietsGate(t *testing.T) {
	p, sink, done := newTestProcessor(t)
	defer done()
	v := spotVenue()

	p.OnResync(0, v, []string{"BTCUSDT"})

	// Inside the quiet window nothing from this venue reaches the sinks.
	now := time.Now()
	p.OnEvent(0, v, snapshotEvent("BTCUSDT", 1,
		[][2]float64{{99.9, 1000}},
		[][2]float64{{100, 100}, {100.5, 100}, {120, 1000}}))
	p.OnEvent(0, v, stream.Event{Kind: stream.EventTrade, Trade: &stream.TradeEvent{
		Symbol: "BTCUSDT", TradeID: 1, Price: 100, Quantity: 1000,
		TradeTime: now, IsBuyerMaker: false,
	}})

	if alerts := p.gate.FlushAll(); len(alerts) > 0 {
		p.dispatcher.DispatchAll(alerts)
	}
	done()
	assert.Empty(t, sink.alerts())
	assert.Greater(t, p.gate.Snapshot().QuietDrops, uint64(0))
}

func TestProcessor_UnknownWireSymbolSkipped(t *testing.T) {
	p, _, done := newTestProcessor(t)
	defer done()
	v := spotVenue()

	p.OnEvent(0, v, snapshotEvent("???", 1, [][2]float64{{1, 1}}, [][2]float64{{2, 1}}))

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Empty(t, p.pipes[0].ladders)
}
