package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"

	"github.com/tapewatch/tapewatch/internal/metrics"
	"github.com/tapewatch/tapewatch/internal/netx/proxy"
	"github.com/tapewatch/tapewatch/internal/netx/ratelimit"
	"github.com/tapewatch/tapewatch/internal/venue"
)

// ErrReconnectBudget reports a shard that exhausted its reconnect attempts
// and gave up. The supervisor decides whether to restart or shut down.
var ErrReconnectBudget = errors.New("stream: reconnect attempts exhausted")

// State is the shard connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribing
	StateStreaming
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

const (
	readIdleTimeout  = 90 * time.Second
	handshakeTimeout = 15 * time.Second
	subscribeChunk   = 50
	dialAttempts     = 3
	maxReconnects    = 10
	// stableAfter is how long a connection must stay up before the
	// reconnect counter resets.
	stableAfter = 60 * time.Second
)

// pingInterval is how often an idle connection gets a client ping. Tests
// shorten it.
var pingInterval = 30 * time.Second

// Handler consumes shard events. OnResync fires after every successful
// (re)subscribe so the owner can refresh book snapshots before trusting
// incremental updates again.
type Handler interface {
	OnEvent(shardID int, v venue.Venue, ev Event)
	OnResync(shardID int, v venue.Venue, symbols []string)
}

// Shard owns one websocket connection carrying the trade and depth streams
// for a fixed symbol slice.
type Shard struct {
	ID      int
	Venue   venue.Venue
	Symbols []string // wire symbols

	handler  Handler
	rotator  *proxy.Rotator
	connGate *ratelimit.ConnGate
	metrics  *metrics.Registry
	onFatal  func(shardID int, err error)

	state      atomic.Int32
	reconnects atomic.Int32
	frameID    int64

	mu   sync.Mutex // guards conn writes
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewShard builds a shard; Start launches it.
func NewShard(id int, v venue.Venue, symbols []string, h Handler, rot *proxy.Rotator, gate *ratelimit.ConnGate, reg *metrics.Registry, onFatal func(int, error)) *Shard {
	ctx, cancel := context.WithCancel(context.Background())
	return &Shard{
		ID:       id,
		Venue:    v,
		Symbols:  symbols,
		handler:  h,
		rotator:  rot,
		connGate: gate,
		metrics:  reg,
		onFatal:  onFatal,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Shard) State() State { return State(s.state.Load()) }

// Reconnects returns how many reconnect attempts the current outage has
// consumed. Resets after a stable session.
func (s *Shard) Reconnects() int { return int(s.reconnects.Load()) }

func (s *Shard) setState(st State) { s.state.Store(int32(st)) }

func (s *Shard) label() string {
	return fmt.Sprintf("%s-%s-%d", s.Venue.Name, s.Venue.Market, s.ID)
}

// Start runs the connect/stream/reconnect loop in its own goroutine.
func (s *Shard) Start() {
	go s.run()
}

// Stop tears the shard down and waits for the loop to exit.
func (s *Shard) Stop(ctx context.Context) error {
	s.cancel()
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shard %s stop: %w", s.label(), ctx.Err())
	}
}

func (s *Shard) run() {
	defer close(s.done)
	bo := &backoff.Backoff{Min: time.Second, Max: 60 * time.Second, Factor: 2, Jitter: true}

	for {
		if s.ctx.Err() != nil {
			s.setState(StateDisconnected)
			return
		}
		if s.reconnects.Load() > maxReconnects {
			s.setState(StateFailed)
			err := fmt.Errorf("shard %s: %w after %d attempts", s.label(), ErrReconnectBudget, maxReconnects)
			log.Error().Str("shard", s.label()).Msg("reconnect budget exhausted")
			if s.onFatal != nil {
				s.onFatal(s.ID, err)
			}
			return
		}

		connectedAt := time.Now()
		err := s.session()
		if s.ctx.Err() != nil {
			s.setState(StateDisconnected)
			return
		}

		if time.Since(connectedAt) >= stableAfter {
			s.reconnects.Store(0)
			bo.Reset()
		}
		attempt := s.reconnects.Add(1)
		s.setState(StateReconnecting)
		if s.metrics != nil {
			s.metrics.RecordReconnect(s.label())
		}
		wait := bo.Duration()
		log.Warn().Err(err).Str("shard", s.label()).Dur("backoff", wait).Int32("attempt", attempt).Msg("stream session ended, reconnecting")

		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			s.setState(StateDisconnected)
			return
		case <-timer.C:
		}
	}
}

// session dials, subscribes and pumps messages until the connection dies.
func (s *Shard) session() error {
	s.setState(StateConnecting)
	conn, egress, err := s.dial()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
		if s.metrics != nil {
			s.metrics.ActiveConns.WithLabelValues(s.Venue.Name).Dec()
		}
	}()
	if s.metrics != nil {
		s.metrics.ActiveConns.WithLabelValues(s.Venue.Name).Inc()
	}
	log.Info().Str("shard", s.label()).Str("egress", egress).Int("symbols", len(s.Symbols)).Msg("stream connected")

	s.setState(StateSubscribing)
	if err := s.subscribe(conn); err != nil {
		return err
	}

	// Consumers resnapshot their books before trusting diffs again.
	s.handler.OnResync(s.ID, s.Venue, s.Symbols)
	s.setState(StateStreaming)

	stopPing := make(chan struct{})
	defer close(stopPing)
	go s.pingLoop(conn, stopPing)

	conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	})
	conn.SetPingHandler(func(payload string) error {
		conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		s.mu.Lock()
		defer s.mu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(5*time.Second))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("shard %s read: %w", s.label(), err)
		}
		conn.SetReadDeadline(time.Now().Add(readIdleTimeout))

		ev, err := Decode(raw)
		if err != nil {
			log.Debug().Err(err).Str("shard", s.label()).Msg("undecodable frame skipped")
			continue
		}
		if ev.Kind == EventUnknown {
			continue
		}
		s.handler.OnEvent(s.ID, s.Venue, ev)
	}
}

// pingLoop keeps an idle connection alive between server pings. The read
// deadline still catches a peer that stops answering.
func (s *Shard) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// dial attempts up to dialAttempts egress identities, waiting for a slot in
// the per-identity connection window before each attempt.
func (s *Shard) dial() (*websocket.Conn, string, error) {
	var lastErr error
	for attempt := 0; attempt < dialAttempts; attempt++ {
		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		name := "direct"
		if s.rotator != nil {
			if egress, ok := s.rotator.Next(); ok {
				u, err := url.Parse(egress.URL)
				if err != nil {
					lastErr = fmt.Errorf("egress %s: invalid url", egress.DisplayName())
					continue
				}
				dialer.Proxy = http.ProxyURL(u)
				name = egress.DisplayName()
			}
		}

		if err := s.connGate.WaitForSlot(s.ctx, name); err != nil {
			return nil, "", fmt.Errorf("shard %s: connection slot: %w", s.label(), err)
		}

		conn, resp, err := dialer.DialContext(s.ctx, s.Venue.StreamURL, nil)
		if err != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			lastErr = fmt.Errorf("shard %s dial via %s (status %d): %w", s.label(), name, status, err)
			if errors.Is(err, context.Canceled) {
				return nil, "", lastErr
			}
			log.Warn().Str("shard", s.label()).Str("egress", name).Int("status", status).Msg("dial failed, rolling egress")
			continue
		}
		s.connGate.Record(name)
		return conn, name, nil
	}
	return nil, "", lastErr
}

// subscribe sends SUBSCRIBE frames for the trade and depth streams in
// chunks.
func (s *Shard) subscribe(conn *websocket.Conn) error {
	streams := make([]string, 0, len(s.Symbols)*2)
	for _, sym := range s.Symbols {
		streams = append(streams, TradeStream(sym), DepthStream(sym))
	}
	for start := 0; start < len(streams); start += subscribeChunk {
		end := start + subscribeChunk
		if end > len(streams) {
			end = len(streams)
		}
		s.frameID++
		frame, err := EncodeSubscribe(s.frameID, streams[start:end])
		if err != nil {
			return fmt.Errorf("shard %s: encode subscribe: %w", s.label(), err)
		}
		s.mu.Lock()
		err = conn.WriteMessage(websocket.TextMessage, frame)
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("shard %s: send subscribe: %w", s.label(), err)
		}
	}
	return nil
}
