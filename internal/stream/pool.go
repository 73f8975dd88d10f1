package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tapewatch/tapewatch/internal/metrics"
	"github.com/tapewatch/tapewatch/internal/netx/proxy"
	"github.com/tapewatch/tapewatch/internal/netx/ratelimit"
	"github.com/tapewatch/tapewatch/internal/venue"
)

// Fatal describes a shard that exhausted its reconnect budget.
type Fatal struct {
	ShardID int
	Venue   venue.Venue
	Err     error
}

// Pool owns the shards for one or more venues. Shards are created with
// PlanShards and run independently; a shard that gives up reports on the
// Fatals channel for the supervisor to apply its restart policy.
type Pool struct {
	rotator  *proxy.Rotator
	connGate *ratelimit.ConnGate
	metrics  *metrics.Registry
	handler  Handler

	mu     sync.Mutex
	shards []*Shard
	nextID int

	fatals chan Fatal
}

// NewPool creates an empty pool. The fatal channel is buffered so shard
// goroutines never block reporting.
func NewPool(h Handler, rot *proxy.Rotator, gate *ratelimit.ConnGate, reg *metrics.Registry) *Pool {
	return &Pool{
		rotator:  rot,
		connGate: gate,
		metrics:  reg,
		handler:  h,
		fatals:   make(chan Fatal, 64),
	}
}

// Fatals exposes the channel of shards that gave up reconnecting.
func (p *Pool) Fatals() <-chan Fatal { return p.fatals }

// PlanShards splits symbols into contiguous slices of at most shardSize.
func PlanShards(symbols []string, shardSize int) [][]string {
	if shardSize <= 0 || len(symbols) == 0 {
		return nil
	}
	out := make([][]string, 0, (len(symbols)+shardSize-1)/shardSize)
	for start := 0; start < len(symbols); start += shardSize {
		end := start + shardSize
		if end > len(symbols) {
			end = len(symbols)
		}
		out = append(out, symbols[start:end])
	}
	return out
}

// AddVenue plans and registers shards for a venue's symbol list. The shard
// count is capped by the egress dial budget; overflow symbols are dropped
// with a warning rather than burning the window.
func (p *Pool) AddVenue(v venue.Venue, wireSymbols []string, shardSize int) []*Shard {
	plans := PlanShards(wireSymbols, shardSize)

	budget := v.MaxConns
	if p.rotator != nil {
		budget *= len(p.rotator.Identities())
	}
	if len(plans) > budget {
		dropped := 0
		for _, pl := range plans[budget:] {
			dropped += len(pl)
		}
		log.Warn().
			Str("venue", v.Name).Str("market", string(v.Market)).
			Int("planned", len(plans)).Int("budget", budget).Int("symbols_dropped", dropped).
			Msg("shard plan exceeds egress budget, trimming")
		plans = plans[:budget]
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	created := make([]*Shard, 0, len(plans))
	for _, symbols := range plans {
		id := p.nextID
		p.nextID++
		sh := NewShard(id, v, symbols, p.handler, p.rotator, p.connGate, p.metrics, p.reportFatal(v))
		p.shards = append(p.shards, sh)
		created = append(created, sh)
	}
	log.Info().
		Str("venue", v.Name).Str("market", string(v.Market)).
		Int("shards", len(created)).Int("symbols", len(wireSymbols)).
		Msg("venue sharded")
	return created
}

func (p *Pool) reportFatal(v venue.Venue) func(int, error) {
	return func(shardID int, err error) {
		select {
		case p.fatals <- Fatal{ShardID: shardID, Venue: v, Err: err}:
		default:
			log.Error().Int("shard", shardID).Msg("fatal channel full, dropping report")
		}
	}
}

// Start launches every registered shard.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sh := range p.shards {
		sh.Start()
	}
}

// Restart replaces a failed shard with a fresh one over the same symbols.
func (p *Pool) Restart(shardID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, sh := range p.shards {
		if sh.ID != shardID {
			continue
		}
		fresh := NewShard(sh.ID, sh.Venue, sh.Symbols, p.handler, p.rotator, p.connGate, p.metrics, p.reportFatal(sh.Venue))
		p.shards[i] = fresh
		fresh.Start()
		log.Info().Int("shard", shardID).Str("venue", sh.Venue.Name).Msg("shard restarted")
		return nil
	}
	return fmt.Errorf("restart: unknown shard %d", shardID)
}

// Shards returns a snapshot of the registered shards.
func (p *Pool) Shards() []*Shard {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Shard, len(p.shards))
	copy(out, p.shards)
	return out
}

// Stop tears all shards down under the context deadline.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	shards := make([]*Shard, len(p.shards))
	copy(shards, p.shards)
	p.mu.Unlock()

	var firstErr error
	for _, sh := range shards {
		if err := sh.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
