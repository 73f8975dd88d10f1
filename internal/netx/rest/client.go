// Package rest fetches depth snapshots over venue REST APIs. Calls pass
// through a per-venue weight budget and a circuit breaker so a venue
// having a bad day cannot starve the rest of the pipeline.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/tapewatch/tapewatch/internal/netx/proxy"
	"github.com/tapewatch/tapewatch/internal/netx/ratelimit"
	"github.com/tapewatch/tapewatch/internal/venue"
)

// ErrCircuitOpen is returned while a venue breaker rejects calls.
var ErrCircuitOpen = errors.New("rest: circuit open")

// maxRetryAfter bounds how long a 429 Retry-After is honored in place.
// Longer backoffs are surfaced to the caller instead.
const maxRetryAfter = 30 * time.Second

// DepthSnapshot is a point-in-time view of one side pair of the book.
type DepthSnapshot struct {
	LastUpdateID int64
	Bids         [][2]float64 // price, size
	Asks         [][2]float64
	FetchedAt    time.Time
}

type wireDepth struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// Client performs snapshot fetches for all venues. Safe for concurrent use.
type Client struct {
	http    *resty.Client
	weights *ratelimit.Manager

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient builds a client over the shared weight manager. When the
// rotator has entries, REST traffic rides the first egress so snapshot
// fetches share an identity with the streams it resyncs.
func NewClient(weights *ratelimit.Manager, rot *proxy.Rotator) *Client {
	c := resty.New().
		SetTimeout(10 * time.Second).
		SetHeader("User-Agent", "tapewatch/1.0")
	if rot != nil {
		if egress, ok := rot.Next(); ok {
			c.SetProxy(egress.URL)
			log.Info().Str("egress", egress.DisplayName()).Msg("rest client using proxy egress")
		}
	}
	return &Client{
		http:     c,
		weights:  weights,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breaker(name string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("venue", name).Str("from", from.String()).Str("to", to.String()).Msg("rest breaker state change")
		},
	})
	c.breakers[name] = cb
	return cb
}

// FetchDepth retrieves a depth snapshot for the wire symbol. limit is the
// number of levels per side; the weight charged scales with it. A 429 with
// a short Retry-After is honored once in place.
func (c *Client) FetchDepth(ctx context.Context, v venue.Venue, wireSymbol string, limit int) (*DepthSnapshot, error) {
	weight := snapshotWeight(v.Market, limit)
	if err := c.weights.Acquire(ctx, v.Name, weight); err != nil {
		return nil, err
	}

	snap, err := c.fetchOnce(ctx, v, wireSymbol, limit)
	var retryErr *retryAfterError
	if errors.As(err, &retryErr) {
		if retryErr.after > maxRetryAfter {
			return nil, fmt.Errorf("rest: %s rate limited for %s", v.Name, retryErr.after)
		}
		log.Warn().Str("venue", v.Name).Dur("retry_after", retryErr.after).Msg("snapshot rate limited, backing off")
		timer := time.NewTimer(retryErr.after)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		snap, err = c.fetchOnce(ctx, v, wireSymbol, limit)
	}
	return snap, err
}

type retryAfterError struct {
	after time.Duration
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.after)
}

func (c *Client) fetchOnce(ctx context.Context, v venue.Venue, wireSymbol string, limit int) (*DepthSnapshot, error) {
	out, err := c.breaker(v.Name).Execute(func() (interface{}, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"symbol": wireSymbol,
				"limit":  strconv.Itoa(limit),
			}).
			Get(v.RESTURL + depthPath(v.Market))
		if err != nil {
			return nil, fmt.Errorf("depth fetch %s %s: %w", v.Name, wireSymbol, err)
		}
		if resp.StatusCode() == 429 || resp.StatusCode() == 418 {
			return nil, &retryAfterError{after: parseRetryAfter(resp.Header().Get("Retry-After"))}
		}
		if resp.IsError() {
			return nil, fmt.Errorf("depth fetch %s %s: status %d", v.Name, wireSymbol, resp.StatusCode())
		}

		var wire wireDepth
		if err := json.Unmarshal(resp.Body(), &wire); err != nil {
			return nil, fmt.Errorf("depth decode %s %s: %w", v.Name, wireSymbol, err)
		}
		snap := &DepthSnapshot{
			LastUpdateID: wire.LastUpdateID,
			FetchedAt:    time.Now(),
		}
		if snap.Bids, err = parseLevels(wire.Bids); err != nil {
			return nil, fmt.Errorf("depth decode %s %s bids: %w", v.Name, wireSymbol, err)
		}
		if snap.Asks, err = parseLevels(wire.Asks); err != nil {
			return nil, fmt.Errorf("depth decode %s %s asks: %w", v.Name, wireSymbol, err)
		}
		return snap, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}
	return out.(*DepthSnapshot), nil
}

func parseLevels(wire [][2]string) ([][2]float64, error) {
	levels := make([][2]float64, 0, len(wire))
	for _, lv := range wire {
		price, err := strconv.ParseFloat(lv[0], 64)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", lv[0], err)
		}
		size, err := strconv.ParseFloat(lv[1], 64)
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", lv[1], err)
		}
		levels = append(levels, [2]float64{price, size})
	}
	return levels, nil
}

func parseRetryAfter(h string) time.Duration {
	secs, err := strconv.Atoi(h)
	if err != nil || secs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(secs) * time.Second
}

func depthPath(m venue.MarketType) string {
	if m == venue.Futures {
		return "/fapi/v1/depth"
	}
	return "/api/v3/depth"
}

// snapshotWeight mirrors the venue's published weight table for depth
// requests.
func snapshotWeight(m venue.MarketType, limit int) int {
	if m == venue.Futures {
		switch {
		case limit <= 50:
			return 2
		case limit <= 100:
			return 5
		case limit <= 500:
			return 10
		default:
			return 20
		}
	}
	switch {
	case limit <= 100:
		return 5
	case limit <= 500:
		return 25
	case limit <= 1000:
		return 50
	default:
		return 250
	}
}
