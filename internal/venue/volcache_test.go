package venue

import (
	"context"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVolumeCache_PutGet(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := NewVolumeCacheWith(rdb)
	sym := CanonicalSymbol{Base: "BTC", Quote: "USDT"}

	mock.ExpectSet("tw:vol24h:spot:BTCUSDT", "1500000000", volKeyTTL).SetVal("OK")
	require.NoError(t, c.Put(context.Background(), Spot, sym, 1.5e9))

	mock.ExpectGet("tw:vol24h:spot:BTCUSDT").SetVal("1500000000")
	v, ok := c.Get(context.Background(), Spot, sym)
	require.True(t, ok)
	assert.Equal(t, 1.5e9, v)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVolumeCache_MissAndErrorDegrade(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := NewVolumeCacheWith(rdb)
	sym := CanonicalSymbol{Base: "ETH", Quote: "USDT"}

	mock.ExpectGet("tw:vol24h:futures:ETHUSDT").RedisNil()
	_, ok := c.Get(context.Background(), Futures, sym)
	assert.False(t, ok, "nil reply is a miss")

	mock.ExpectGet("tw:vol24h:futures:ETHUSDT").SetVal("not-a-number")
	_, ok = c.Get(context.Background(), Futures, sym)
	assert.False(t, ok, "garbage value is a miss")
}

func TestVolumeCache_NilReceiver(t *testing.T) {
	var c *VolumeCache
	sym := CanonicalSymbol{Base: "BTC", Quote: "USDT"}

	assert.NoError(t, c.Put(context.Background(), Spot, sym, 1))
	_, ok := c.Get(context.Background(), Spot, sym)
	assert.False(t, ok)
	assert.NoError(t, c.Close())
}
