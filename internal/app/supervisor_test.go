package app

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapewatch/tapewatch/internal/dispatch"
	"github.com/tapewatch/tapewatch/internal/gate"
	"github.com/tapewatch/tapewatch/internal/venue"
)

// Operators key runbooks off these: 1 means the service never came up,
// 2 means a shard exhausted its budget under the shutdown policy, 3 a
// forced second-signal exit.
func TestExitCodeContract(t *testing.T) {
	assert.Equal(t, 0, ExitOK)
	assert.Equal(t, 1, ExitInitFailed)
	assert.Equal(t, 2, ExitShardFatal)
	assert.Equal(t, 3, ExitForced)
}

// Symbols outside the discovery top-N start with their last cached 24h
// volume; cache misses simply stay cold.
func TestSeedCachedVolumes(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	hot := testHot(t)
	d := dispatch.New(nil, &memSink{})
	d.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.Close(ctx)
	}()

	s := &Supervisor{
		volCache:  venue.NewVolumeCacheWith(rdb),
		processor: NewProcessor(hot, venue.NewRegistry(true), gate.New(hot), d, nil, nil),
	}

	btc := venue.CanonicalSymbol{Base: "BTC", Quote: "USDT"}
	eth := venue.CanonicalSymbol{Base: "ETH", Quote: "USDT"}
	mock.ExpectGet("tw:vol24h:spot:BTCUSDT").SetVal("2500000000")
	mock.ExpectGet("tw:vol24h:spot:ETHUSDT").RedisNil()

	s.seedCachedVolumes(context.Background(), venue.Spot, []venue.CanonicalSymbol{btc, eth})

	vol, ok := s.processor.volumes.get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 2.5e9, vol)
	_, ok = s.processor.volumes.get("ETHUSDT")
	assert.False(t, ok, "cache miss leaves the symbol unseeded")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedCachedVolumes_NoCache(t *testing.T) {
	hot := testHot(t)
	d := dispatch.New(nil, &memSink{})
	d.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.Close(ctx)
	}()

	s := &Supervisor{processor: NewProcessor(hot, venue.NewRegistry(true), gate.New(hot), d, nil, nil)}
	s.seedCachedVolumes(context.Background(), venue.Spot, []venue.CanonicalSymbol{{Base: "BTC", Quote: "USDT"}})

	_, ok := s.processor.volumes.get("BTCUSDT")
	assert.False(t, ok)
}
