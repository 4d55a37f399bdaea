package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryKlineStore_PutReplacesAndTrims(t *testing.T) {
	s := NewMemoryKlineStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "BTC/USDT", "1h", []Candle{{OpenTime: 1, Close: 10}, {OpenTime: 2, Close: 11}}, 2))
	require.NoError(t, s.Put(ctx, "BTC/USDT", "1h", []Candle{{OpenTime: 2, Close: 12}}, 2))
	require.NoError(t, s.Put(ctx, "BTC/USDT", "1h", []Candle{{OpenTime: 1, Close: 99}}, 2))

	got, err := s.Get(ctx, "BTC/USDT", "1h")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 12.0, got[1].Close)

	require.NoError(t, s.Put(ctx, "BTC/USDT", "1h", []Candle{{OpenTime: 3, Close: 13}}, 2))
	got, _ = s.Get(ctx, "BTC/USDT", "1h")
	assert.Equal(t, int64(2), got[0].OpenTime)

	assert.Error(t, s.Put(ctx, "", "1h", []Candle{{OpenTime: 1}}, 2))
}

func TestDropUnclosed(t *testing.T) {
	now := time.UnixMilli(10_000)
	cs := []Candle{{CloseTime: 5_000}, {CloseTime: 12_000}}
	assert.Len(t, DropUnclosed(cs, now), 1)
	assert.Len(t, DropUnclosed(cs[:1], now), 1)
}

func TestCandlesSeries(t *testing.T) {
	h, l, c := Candles{{High: 3, Low: 1, Close: 2}, {High: 5, Low: 2, Close: 4}}.Series()
	assert.Equal(t, []float64{3, 5}, h)
	assert.Equal(t, []float64{1, 2}, l)
	assert.Equal(t, []float64{2, 4}, c)
}
