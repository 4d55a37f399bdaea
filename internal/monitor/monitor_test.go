package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpguard/internal/gateway"
	"perpguard/internal/market"
	"perpguard/internal/position"
	"perpguard/internal/strategy"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func testParams() strategy.Params {
	p := strategy.DefaultParams()
	for _, sp := range []*strategy.SideParams{&p.Long, &p.Short} {
		sp.ATRStopMultiplier = 2
		sp.TrailATRMultiplier = 2
		sp.TrailEarlyActivationATR = 1
		sp.BreakevenATRMultiplier = 0
		sp.ProfitLockTriggerPct = 0
		sp.ProfitLockTargetPct = 0
	}
	return p
}

func openPosition(t *testing.T, side position.Side, entry, size, atr, stop, fee float64) position.Position {
	t.Helper()
	pos := position.New("p1", "BTC/USDT", side, atr)
	pos, err := pos.ApplyFill(position.Fill{Price: entry, Size: size, Fee: fee, At: t0})
	require.NoError(t, err)
	pos, err = pos.MoveStop(stop)
	require.NoError(t, err)
	pos.StopOrderID = "sl-1"
	return pos
}

func tick(price float64, offset time.Duration) market.TickEvent {
	return market.TickEvent{Symbol: "BTC/USDT", Price: price, TradeTime: t0.Add(offset).UnixMilli()}
}

// step 评估一个 tick，并模拟调度器在网关确认后应用移动止损。
func step(t *testing.T, m *Monitor, pos position.Position, price float64, atr float64) (position.Position, *gateway.OrderIntent) {
	t.Helper()
	dec := m.Evaluate(tick(price, time.Minute), []position.Position{pos}, atr)
	require.Len(t, dec.Updated, 1)
	next := dec.Updated[0]
	if len(dec.Intents) == 0 {
		return next, nil
	}
	in := dec.Intents[0]
	if in.Kind == gateway.KindMoveStop {
		moved, err := next.MoveStop(in.StopPrice)
		require.NoError(t, err)
		next = moved
	}
	return next, &in
}

func TestTrailingScenario(t *testing.T) {
	m := New(testParams())
	pos := openPosition(t, position.Long, 100, 1, 5, 90, 0)

	pos, in := step(t, m, pos, 120, 5)
	require.NotNil(t, in)
	assert.Equal(t, gateway.KindMoveStop, in.Kind)
	assert.Equal(t, ReasonTrailing, in.Reason)
	assert.InDelta(t, 110, pos.StopPrice, 1e-9)
	assert.True(t, pos.TrailingActive)

	pos, in = step(t, m, pos, 108, 5)
	require.NotNil(t, in)
	assert.Equal(t, gateway.KindClose, in.Kind)
	assert.Equal(t, ReasonTrailingStop, in.Reason)
	assert.Equal(t, "sl-1", in.OrderID)

	// 交易所止损单在 110 成交
	closed, realized, err := pos.ApplyPartialClose(in.Size, in.StopPrice, 0, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, position.StatusClosed, closed.Status)
	assert.InDelta(t, 10, realized, 1e-9)
}

func TestStopMonotonicity(t *testing.T) {
	m := New(testParams())
	cases := []struct {
		name   string
		side   position.Side
		stop   float64
		prices []float64
	}{
		{"long", position.Long, 90, []float64{101, 106, 112, 109, 118, 115, 121, 119}},
		{"short", position.Short, 110, []float64{99, 94, 88, 91, 82, 85, 79, 81}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pos := openPosition(t, tc.side, 100, 1, 5, tc.stop, 0)
			prev := pos.StopPrice
			for _, px := range tc.prices {
				var in *gateway.OrderIntent
				pos, in = step(t, m, pos, px, 5)
				if in != nil {
					require.Equal(t, gateway.KindMoveStop, in.Kind, "price %.2f", px)
				}
				if tc.side == position.Long {
					assert.GreaterOrEqual(t, pos.StopPrice, prev)
				} else {
					assert.LessOrEqual(t, pos.StopPrice, prev)
				}
				prev = pos.StopPrice
			}
			assert.NotEqual(t, tc.stop, pos.StopPrice)
		})
	}
}

func TestPartialTakeProfit(t *testing.T) {
	m := New(testParams())
	pos := openPosition(t, position.Long, 100, 1, 5, 90, 0)
	pos.TakeProfits = []position.TakeProfitLevel{{Price: 103, Fraction: 0.5}, {Price: 130, Fraction: 0.5}}

	dec := m.Evaluate(tick(104, time.Minute), []position.Position{pos}, 5)
	require.Len(t, dec.Intents, 1)
	in := dec.Intents[0]
	assert.Equal(t, gateway.KindReduce, in.Kind)
	assert.Equal(t, 0, in.Level)
	assert.InDelta(t, 0.5, in.Size, 1e-9)

	t.Run("level larger than remainder is skipped", func(t *testing.T) {
		p := pos.Clone()
		p.Size = 0.5
		dec := m.Evaluate(tick(104, time.Minute), []position.Position{p}, 5)
		for _, in := range dec.Intents {
			assert.NotEqual(t, gateway.KindReduce, in.Kind)
		}
	})
}

func TestBreakevenIncludesFees(t *testing.T) {
	params := testParams()
	params.Long.BreakevenATRMultiplier = 1.5
	params.Long.TrailATRMultiplier = 3
	m := New(params)
	pos := openPosition(t, position.Long, 100, 1, 5, 90, 0.06)

	dec := m.Evaluate(tick(108, time.Minute), []position.Position{pos}, 5)
	require.Len(t, dec.Intents, 1)
	in := dec.Intents[0]
	assert.Equal(t, ReasonBreakeven, in.Reason)
	assert.InDelta(t, 100.12, in.StopPrice, 1e-9)
	assert.False(t, dec.Updated[0].BreakevenLocked)
}

func TestStagnationExit(t *testing.T) {
	params := testParams()
	params.Long.TrailATRMultiplier = 10
	m := New(params)
	pos := openPosition(t, position.Long, 100, 1, 5, 90, 0)

	pos, in := step(t, m, pos, 130, 5)
	assert.Nil(t, in)
	assert.True(t, pos.StagnationArmed)
	assert.InDelta(t, 30, pos.PeakProfit, 1e-9)

	_, in = step(t, m, pos, 119, 5)
	require.NotNil(t, in)
	assert.Equal(t, gateway.KindClose, in.Kind)
	assert.Equal(t, ReasonStagnation, in.Reason)
}

func TestFinalTakeProfit(t *testing.T) {
	m := New(testParams())

	t.Run("closes at target", func(t *testing.T) {
		pos := openPosition(t, position.Short, 100, 1, 5, 110, 0)
		dec := m.Evaluate(tick(59, time.Minute), []position.Position{pos}, 5)
		require.Len(t, dec.Intents, 1)
		assert.Equal(t, ReasonTakeProfit, dec.Intents[0].Reason)
	})

	t.Run("rescued position has no target", func(t *testing.T) {
		pos := position.Adopt("p2", "BTC/USDT", position.Short, 1, 100, t0)
		pos, err := pos.MoveStop(110)
		require.NoError(t, err)
		dec := m.Evaluate(tick(59, time.Minute), []position.Position{pos}, 5)
		for _, in := range dec.Intents {
			assert.NotEqual(t, ReasonTakeProfit, in.Reason)
		}
	})
}

func TestEvaluateSkips(t *testing.T) {
	m := New(testParams())
	frozen := openPosition(t, position.Long, 100, 1, 5, 90, 0)
	frozen = frozen.Freeze("test")
	other := openPosition(t, position.Long, 100, 1, 5, 90, 0)
	other.Symbol = "ETH/USDT"

	dec := m.Evaluate(tick(80, time.Minute), []position.Position{frozen, other}, 5)
	assert.Empty(t, dec.Intents)
	assert.Empty(t, dec.Updated)
}
