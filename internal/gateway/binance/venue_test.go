package binance

import (
	"context"
	"errors"
	"testing"

	"perpguard/internal/gateway"
	"perpguard/internal/position"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
)

func TestOrderSide(t *testing.T) {
	assert.Equal(t, futures.SideTypeBuy, orderSide(position.Long, false))
	assert.Equal(t, futures.SideTypeSell, orderSide(position.Long, true))
	assert.Equal(t, futures.SideTypeSell, orderSide(position.Short, false))
	assert.Equal(t, futures.SideTypeBuy, orderSide(position.Short, true))
}

func TestClassify(t *testing.T) {
	t.Run("rate limit is transient", func(t *testing.T) {
		err := classify(&common.APIError{Code: -1003, Message: "Too many requests"})
		assert.True(t, errors.Is(err, gateway.ErrTransient))
		assert.True(t, gateway.IsTransient(err))
	})
	t.Run("margin is permanent", func(t *testing.T) {
		err := classify(&common.APIError{Code: -2019, Message: "Margin is insufficient."})
		assert.True(t, errors.Is(err, gateway.ErrOrderRejected))
		assert.False(t, gateway.IsTransient(err))
	})
	t.Run("network error is transient", func(t *testing.T) {
		assert.True(t, gateway.IsTransient(classify(errors.New("connection reset by peer"))))
	})
}

func TestOrderStatus(t *testing.T) {
	assert.Equal(t, gateway.OrderFilled, orderStatus(futures.OrderStatusTypeFilled))
	assert.Equal(t, gateway.OrderNew, orderStatus(futures.OrderStatusTypeNew))
	assert.Equal(t, gateway.OrderRejected, orderStatus(futures.OrderStatusTypeRejected))
}

func TestConvertOrder_OneWayMode(t *testing.T) {
	v := &Venue{cfg: Config{QuoteAsset: "USDT"}}
	ack := v.convertOrder(&futures.Order{
		Symbol:        "BTCUSDT",
		OrderID:       42,
		Side:          futures.SideTypeSell,
		PositionSide:  futures.PositionSideTypeBoth,
		Type:          futures.OrderTypeStopMarket,
		Status:        futures.OrderStatusTypeNew,
		StopPrice:     "95.5",
		ClosePosition: true,
	})
	assert.Equal(t, "42", ack.OrderID)
	assert.Equal(t, "BTCUSDT", ack.Symbol)
	assert.Equal(t, position.Long, ack.PositionSide)
	assert.True(t, ack.IsProtectiveStop())
	assert.Equal(t, 95.5, ack.StopPrice)
}

func TestConvertKlineEvent(t *testing.T) {
	ev := &futures.WsKlineEvent{Symbol: "ethusdt"}
	ev.Kline.Interval = "1h"
	ev.Kline.Close = "2500.5"
	ev.Kline.IsFinal = true
	ce, ok := convertKlineEvent(ev)
	assert.True(t, ok)
	assert.Equal(t, "ETHUSDT", ce.Symbol)
	assert.True(t, ce.Final)
	assert.Equal(t, 2500.5, ce.Candle.Close)
}

func TestFormatQty(t *testing.T) {
	assert.Equal(t, "0.00001", formatQty(0.00001))
	assert.Equal(t, "12.5", formatQty(12.5))
}

func TestResolveSymbols(t *testing.T) {
	got := resolveSymbols([]string{"btc/usdt", "BTCUSDT", "eth/usdt", "ETHUSDT", "nope"})
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, got)
}

func TestOfferDropsWhenFull(t *testing.T) {
	out := make(chan int, 1)
	ctx := context.Background()
	assert.True(t, offer(ctx, out, 1))
	assert.False(t, offer(ctx, out, 2))
	assert.Equal(t, 1, <-out)
}
