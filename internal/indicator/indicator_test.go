package indicator

import (
	"testing"

	"perpguard/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trendCandles(n int, start, step float64) []market.Candle {
	out := make([]market.Candle, n)
	price := start
	for i := range out {
		out[i] = market.Candle{
			OpenTime: int64(i) * 60_000,
			Open:     price,
			High:     price + 1,
			Low:      price - 1,
			Close:    price + step/2,
		}
		price += step
	}
	return out
}

func TestCompute_Uptrend(t *testing.T) {
	set, err := Compute(trendCandles(80, 100, 1), DefaultParams())
	require.NoError(t, err)
	assert.Greater(t, set.EMAFast, set.EMASlow)
	assert.Greater(t, set.RSI, 50.0)
	assert.Greater(t, set.ATR, 0.0)
	assert.Equal(t, 80, set.Bars)
	assert.Less(t, set.PrevHigh, set.Close+1)
}

func TestCompute_NotEnoughBars(t *testing.T) {
	_, err := Compute(trendCandles(10, 100, 1), DefaultParams())
	assert.Error(t, err)
}

func TestATR(t *testing.T) {
	assert.Zero(t, ATR(trendCandles(5, 100, 0), 14))
	assert.InDelta(t, 2.0, ATR(trendCandles(60, 100, 0), 14), 1e-6)
}
