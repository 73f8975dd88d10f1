package venue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

const volKeyTTL = 48 * time.Hour

// VolumeCache persists per-symbol 24h quote-volume figures in Redis so
// detector thresholds survive a restart instead of re-warming from zero.
// A nil cache is a valid no-op.
type VolumeCache struct {
	rdb *redis.Client
}

// NewVolumeCache connects to Redis and verifies the connection.
func NewVolumeCache(ctx context.Context, addr, password string) (*VolumeCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &VolumeCache{rdb: rdb}, nil
}

// NewVolumeCacheWith wraps an existing client. Used by tests.
func NewVolumeCacheWith(rdb *redis.Client) *VolumeCache {
	return &VolumeCache{rdb: rdb}
}

func volKey(market MarketType, sym CanonicalSymbol) string {
	return "tw:vol24h:" + string(market) + ":" + sym.String()
}

// Put stores the 24h quote volume for a symbol.
func (c *VolumeCache) Put(ctx context.Context, market MarketType, sym CanonicalSymbol, quoteVolume float64) error {
	if c == nil {
		return nil
	}
	v := strconv.FormatFloat(quoteVolume, 'f', -1, 64)
	if err := c.rdb.Set(ctx, volKey(market, sym), v, volKeyTTL).Err(); err != nil {
		return fmt.Errorf("volume cache put %s: %w", sym, err)
	}
	return nil
}

// Get returns the cached volume, ok false on miss. Redis errors degrade to
// a miss so a cache outage never stalls the pipeline.
func (c *VolumeCache) Get(ctx context.Context, market MarketType, sym CanonicalSymbol) (float64, bool) {
	if c == nil {
		return 0, false
	}
	raw, err := c.rdb.Get(ctx, volKey(market, sym)).Result()
	if err == redis.Nil {
		return 0, false
	}
	if err != nil {
		log.Warn().Err(err).Str("symbol", sym.String()).Msg("volume cache read failed")
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// PutAll stores a discovery result set in one pipeline round trip.
func (c *VolumeCache) PutAll(ctx context.Context, market MarketType, ranked []RankedSymbol) error {
	if c == nil || len(ranked) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	for _, rs := range ranked {
		v := strconv.FormatFloat(rs.QuoteVolume, 'f', -1, 64)
		pipe.Set(ctx, volKey(market, rs.Symbol), v, volKeyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("volume cache pipeline: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *VolumeCache) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}
