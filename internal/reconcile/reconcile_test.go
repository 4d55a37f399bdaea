package reconcile

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpguard/internal/gateway"
	"perpguard/internal/position"
	"perpguard/internal/strategy"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newEngine() *Engine {
	e := New(DefaultParams(), strategy.DefaultParams())
	n := 0
	e.newID = func() string {
		n++
		return fmt.Sprintf("adopt-%d", n)
	}
	return e
}

func localPos(t *testing.T, symbol string, side position.Side, size, entry, stop float64, stopID string) position.Position {
	t.Helper()
	p := position.New("id-"+symbol, symbol, side, 5)
	p, err := p.ApplyFill(position.Fill{Price: entry, Size: size, At: now.Add(-time.Hour)})
	require.NoError(t, err)
	p, err = p.MoveStop(stop)
	require.NoError(t, err)
	p.StopOrderID = stopID
	return p
}

func stopOrder(symbol string, side position.Side, id string, price float64) gateway.OrderAck {
	return gateway.OrderAck{
		OrderID: id, Symbol: symbol, PositionSide: side, Reduce: true,
		Type: gateway.OrderStopMarket, Status: gateway.OrderNew, StopPrice: price,
	}
}

// apply 按调度器的方式落地对账结果。
func apply(local map[string]position.Position, r Report) {
	for _, it := range r.Items {
		if it.Closed != nil {
			delete(local, it.Key)
		}
		if it.Position != nil {
			local[it.Position.Key()] = *it.Position
		}
	}
}

func TestReconcileConvergence(t *testing.T) {
	local := map[string]position.Position{}
	for _, p := range []position.Position{
		localPos(t, "BTC/USDT", position.Long, 1, 100, 90, "s-btc"),
		localPos(t, "ETH/USDT", position.Long, 2, 50, 45, "s-eth"),
		localPos(t, "XRP/USDT", position.Long, 1, 10, 9, "s-xrp"),
	} {
		local[p.Key()] = p
	}
	snap := &gateway.Snapshot{
		Positions: []gateway.VenuePosition{
			{Symbol: "BTC/USDT", Side: position.Long, Size: 1, EntryPrice: 100, MarkPrice: 101},
			{Symbol: "SOL/USDT", Side: position.Short, Size: 3, EntryPrice: 20, MarkPrice: 20},
			{Symbol: "XRP/USDT", Side: position.Long, Size: 2, EntryPrice: 10.5, MarkPrice: 10.4},
		},
		Orders: []gateway.OrderAck{
			stopOrder("BTC/USDT", position.Long, "s-btc", 90),
			stopOrder("XRP/USDT", position.Long, "s-xrp2", 9.5),
			stopOrder("DOGE/USDT", position.Long, "s-doge", 0.1),
		},
		FetchedAt: now,
	}

	e := newEngine()
	r := e.Reconcile(local, snap, Inputs{
		LastPrice: map[string]float64{"ETH/USDT": 52},
		ATR:       map[string]float64{"SOL/USDT": 1},
		Now:       now,
	})

	assert.Equal(t, 1, r.Count(Consistent))
	assert.Equal(t, 1, r.Count(Ghost))
	assert.Equal(t, 1, r.Count(Orphan))
	assert.Equal(t, 1, r.Count(Mismatch))
	assert.Len(t, r.Corrections(), 3)

	byKey := map[string]Item{}
	for _, it := range r.Items {
		byKey[it.Key] = it
	}

	ghost := byKey[position.Key("ETH/USDT", position.Long)]
	require.NotNil(t, ghost.Closed)
	assert.InDelta(t, 4, ghost.Realized, 1e-9)
	assert.Equal(t, CloseReasonGhost, ghost.Closed.CloseReason)

	orphan := byKey[position.Key("SOL/USDT", position.Short)]
	require.NotNil(t, orphan.Position)
	assert.True(t, orphan.Position.Rescued)
	require.Len(t, orphan.Intents, 1)
	assert.Equal(t, ReasonRescueStop, orphan.Intents[0].Reason)
	assert.InDelta(t, 22, orphan.Intents[0].StopPrice, 1e-9)

	mismatch := byKey[position.Key("XRP/USDT", position.Long)]
	require.NotNil(t, mismatch.Position)
	assert.InDelta(t, 2, mismatch.Position.Size, 1e-9)
	assert.InDelta(t, 10.5, mismatch.Position.EntryPrice, 1e-9)
	assert.InDelta(t, 9.5, mismatch.Position.StopPrice, 1e-9)
	assert.Equal(t, "s-xrp2", mismatch.Position.StopOrderID)

	require.Len(t, r.StaleStops, 1)
	assert.Equal(t, "s-doge", r.StaleStops[0].OrderID)
	assert.Equal(t, gateway.KindCancel, r.StaleStops[0].Kind)

	apply(local, r)
	venue := snap.PositionMap()
	require.Len(t, local, len(venue))
	for k, vp := range venue {
		lp, ok := local[k]
		require.True(t, ok, k)
		assert.InDelta(t, vp.Size, lp.Size, 1e-9, k)
	}

	t.Run("second pass is consistent", func(t *testing.T) {
		snap.Orders = append(snap.Orders, stopOrder("SOL/USDT", position.Short, "s-sol", 22))
		sol := local[position.Key("SOL/USDT", position.Short)]
		sol.StopOrderID = "s-sol"
		local[sol.Key()] = sol
		r := e.Reconcile(local, snap, Inputs{Now: now})
		assert.Equal(t, len(venue), r.Count(Consistent))
		assert.Empty(t, r.Corrections())
	})
}

func TestGhostUsesVenueStopFill(t *testing.T) {
	p := localPos(t, "BTC/USDT", position.Long, 1, 100, 95, "s-1")
	local := map[string]position.Position{p.Key(): p}
	r := newEngine().Reconcile(local, &gateway.Snapshot{}, Inputs{
		LastPrice: map[string]float64{"BTC/USDT": 80},
		StopFills: map[string]float64{p.Key(): 95},
		Now:       now,
	})
	require.Len(t, r.Items, 1)
	it := r.Items[0]
	assert.Equal(t, Ghost, it.Class)
	assert.InDelta(t, -5, it.Realized, 1e-9)
	assert.Equal(t, CloseReasonVenueStop, it.Closed.CloseReason)
}

func TestMissingVenueStopIsReplaced(t *testing.T) {
	p := localPos(t, "BTC/USDT", position.Long, 1, 100, 92, "s-1")
	local := map[string]position.Position{p.Key(): p}
	snap := &gateway.Snapshot{Positions: []gateway.VenuePosition{
		{Symbol: "BTC/USDT", Side: position.Long, Size: 1, EntryPrice: 100},
	}}
	r := newEngine().Reconcile(local, snap, Inputs{Now: now})
	require.Len(t, r.Items, 1)
	it := r.Items[0]
	assert.Equal(t, Mismatch, it.Class)
	require.Len(t, it.Intents, 1)
	assert.Equal(t, ReasonRestoreStop, it.Intents[0].Reason)
	assert.InDelta(t, 92, it.Intents[0].StopPrice, 1e-9)
	assert.Empty(t, it.Intents[0].OrderID)
}

func TestOrphanWithoutATRUsesRescuePct(t *testing.T) {
	snap := &gateway.Snapshot{Positions: []gateway.VenuePosition{
		{Symbol: "BTC/USDT", Side: position.Long, Size: 1, EntryPrice: 100},
	}}
	r := newEngine().Reconcile(nil, snap, Inputs{Now: now})
	require.Len(t, r.Items, 1)
	require.Len(t, r.Items[0].Intents, 1)
	assert.InDelta(t, 97, r.Items[0].Intents[0].StopPrice, 1e-9)
}

func TestSideFlip(t *testing.T) {
	p := localPos(t, "BTC/USDT", position.Long, 1, 100, 90, "s-1")
	local := map[string]position.Position{p.Key(): p}
	snap := &gateway.Snapshot{
		Positions: []gateway.VenuePosition{{Symbol: "BTC/USDT", Side: position.Short, Size: 1, EntryPrice: 99}},
		Orders:    []gateway.OrderAck{stopOrder("BTC/USDT", position.Short, "s-2", 105)},
	}
	r := newEngine().Reconcile(local, snap, Inputs{LastPrice: map[string]float64{"BTC/USDT": 99}, Now: now})
	require.Len(t, r.Items, 2)
	assert.Equal(t, Mismatch, r.Items[0].Class)
	assert.Equal(t, CloseReasonSideFlip, r.Items[0].Closed.CloseReason)
	assert.Equal(t, Orphan, r.Items[1].Class)
	assert.Empty(t, r.Items[1].Intents)

	apply(local, r)
	_, ok := local[position.Key("BTC/USDT", position.Short)]
	assert.True(t, ok)
	assert.Len(t, local, 1)
}

func TestInFlightSymbolsAreSkipped(t *testing.T) {
	p := localPos(t, "BTC/USDT", position.Long, 1, 100, 90, "s-1")
	local := map[string]position.Position{p.Key(): p}
	r := newEngine().Reconcile(local, &gateway.Snapshot{}, Inputs{InFlight: map[string]bool{"BTC/USDT": true}, Now: now})
	assert.Empty(t, r.Items)
}
