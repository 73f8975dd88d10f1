package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapewatch/tapewatch/internal/netx/proxy"
	"github.com/tapewatch/tapewatch/internal/netx/ratelimit"
	"github.com/tapewatch/tapewatch/internal/venue"
)

type recordingHandler struct {
	mu      sync.Mutex
	events  []Event
	resyncs int
}

func (h *recordingHandler) OnEvent(_ int, _ venue.Venue, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHandler) OnResync(_ int, _ venue.Venue, _ []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resyncs++
}

func (h *recordingHandler) eventCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func (h *recordingHandler) resyncCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resyncs
}

// wsServer accepts stream connections, records subscribe frames and plays
// the given frames to each client.
type wsServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	subscribed [][]string
	frames     [][]byte
	conns      int
}

func newWSServer(t *testing.T, frames ...[]byte) *wsServer {
	ws := &wsServer{frames: frames}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.mu.Lock()
		ws.conns++
		ws.mu.Unlock()
		defer conn.Close()

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub struct {
			Method string   `json:"method"`
			Params []string `json:"params"`
			ID     int64    `json:"id"`
		}
		if err := json.Unmarshal(raw, &sub); err == nil && sub.Method == "SUBSCRIBE" {
			ws.mu.Lock()
			ws.subscribed = append(ws.subscribed, sub.Params)
			ws.mu.Unlock()
			ack, _ := json.Marshal(map[string]interface{}{"result": nil, "id": sub.ID})
			conn.WriteMessage(websocket.TextMessage, ack)
		}

		for _, f := range ws.frames {
			if err := conn.WriteMessage(websocket.TextMessage, f); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ws.srv.Close)
	return ws
}

func (ws *wsServer) url() string {
	return "ws" + strings.TrimPrefix(ws.srv.URL, "http")
}

func (ws *wsServer) connCount() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.conns
}

func (ws *wsServer) subscribeParams() []string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if len(ws.subscribed) == 0 {
		return nil
	}
	return ws.subscribed[0]
}

func testStreamVenue(url string) venue.Venue {
	return venue.Venue{
		Name: "binance", Market: venue.Spot,
		StreamURL: url, RESTURL: "http://unused",
		MaxStreams: 100, MaxConns: 280, Enabled: true,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestShard_SubscribesAndStreams(t *testing.T) {
	trade := []byte(`{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","E":1,"s":"BTCUSDT","a":1,"p":"100","q":"2","T":1,"m":false}}`)
	ws := newWSServer(t, trade)

	h := &recordingHandler{}
	rot, err := proxy.NewRotator("")
	require.NoError(t, err)
	sh := NewShard(0, testStreamVenue(ws.url()), []string{"BTCUSDT"}, h, rot, ratelimit.NewConnGate(0, 0), nil, nil)
	sh.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sh.Stop(ctx)
	}()

	waitFor(t, func() bool { return h.eventCount() >= 1 }, "no event received")

	params := ws.subscribeParams()
	assert.Contains(t, params, "btcusdt@aggTrade")
	assert.Contains(t, params, "btcusdt@depth@100ms")
	assert.Equal(t, 1, h.resyncCount(), "resync fires once per session")
	assert.Equal(t, StateStreaming, sh.State())
}

func TestShard_ReconnectsAfterDrop(t *testing.T) {
	ws := &wsServer{}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.mu.Lock()
		ws.conns++
		first := ws.conns == 1
		ws.mu.Unlock()
		if first {
			// Drop the first connection right after the subscribe.
			conn.ReadMessage()
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ws.srv.Close()

	h := &recordingHandler{}
	rot, err := proxy.NewRotator("")
	require.NoError(t, err)
	sh := NewShard(1, testStreamVenue(ws.url()), []string{"BTCUSDT"}, h, rot, ratelimit.NewConnGate(0, 0), nil, nil)
	sh.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sh.Stop(ctx)
	}()

	waitFor(t, func() bool { return ws.connCount() >= 2 }, "no reconnect observed")
	waitFor(t, func() bool { return h.resyncCount() >= 2 }, "resync did not fire again after reconnect")
}

// A silent-but-alive connection gets client pings instead of riding the
// read deadline into a full reconnect.
func TestShard_SendsKeepalivePings(t *testing.T) {
	old := pingInterval
	pingInterval = 50 * time.Millisecond
	defer func() { pingInterval = old }()

	var pings int32
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetPingHandler(func(string) error {
			atomic.AddInt32(&pings, 1)
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	h := &recordingHandler{}
	rot, err := proxy.NewRotator("")
	require.NoError(t, err)
	sh := NewShard(3, testStreamVenue("ws"+strings.TrimPrefix(srv.URL, "http")), []string{"BTCUSDT"}, h, rot, ratelimit.NewConnGate(0, 0), nil, nil)
	sh.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sh.Stop(ctx)
	}()

	waitFor(t, func() bool { return atomic.LoadInt32(&pings) >= 2 }, "no client pings observed")
}

func TestShard_FatalAfterReconnectBudget(t *testing.T) {
	// A server that refuses the upgrade forces every dial to fail.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer srv.Close()

	fatals := make(chan error, 1)
	h := &recordingHandler{}
	rot, err := proxy.NewRotator("")
	require.NoError(t, err)
	sh := NewShard(2, testStreamVenue("ws"+strings.TrimPrefix(srv.URL, "http")), []string{"BTCUSDT"}, h, rot, ratelimit.NewConnGate(0, 0), nil, func(_ int, err error) {
		fatals <- err
	})

	// Pre-spend the attempts so the test does not sit through real backoff.
	sh.reconnects.Store(maxReconnects)
	sh.Start()

	select {
	case err := <-fatals:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("no fatal report")
	}
	assert.Equal(t, StateFailed, sh.State())
}

func TestPlanShards(t *testing.T) {
	syms := []string{"A", "B", "C", "D", "E"}

	plans := PlanShards(syms, 2)
	require.Len(t, plans, 3)
	assert.Equal(t, []string{"A", "B"}, plans[0])
	assert.Equal(t, []string{"E"}, plans[2])

	assert.Len(t, PlanShards(syms, 100), 1)
	assert.Nil(t, PlanShards(nil, 2))
	assert.Nil(t, PlanShards(syms, 0))
}

func TestPool_AddVenueAndFatalRouting(t *testing.T) {
	h := &recordingHandler{}
	rot, err := proxy.NewRotator("")
	require.NoError(t, err)
	p := NewPool(h, rot, ratelimit.NewConnGate(0, 0), nil)

	v := testStreamVenue("ws://unused")
	shards := p.AddVenue(v, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, 2)
	require.Len(t, shards, 2)
	assert.Equal(t, 0, shards[0].ID)
	assert.Equal(t, 1, shards[1].ID)
	assert.Len(t, shards[0].Symbols, 2)
	assert.Len(t, shards[1].Symbols, 1)

	shards[0].onFatal(shards[0].ID, assert.AnError)
	select {
	case f := <-p.Fatals():
		assert.Equal(t, 0, f.ShardID)
		assert.Equal(t, v.Name, f.Venue.Name)
	default:
		t.Fatal("fatal not routed")
	}
}

func TestPool_RestartReplacesShard(t *testing.T) {
	h := &recordingHandler{}
	rot, err := proxy.NewRotator("")
	require.NoError(t, err)
	p := NewPool(h, rot, ratelimit.NewConnGate(0, 0), nil)

	ws := newWSServer(t)
	shards := p.AddVenue(testStreamVenue(ws.url()), []string{"BTCUSDT"}, 100)
	require.Len(t, shards, 1)

	require.NoError(t, p.Restart(shards[0].ID))
	assert.Error(t, p.Restart(99))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
}
