package position

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func openLong(t *testing.T, price, size float64) Position {
	t.Helper()
	p, err := New("p1", "BTC/USDT", Long, 5).ApplyFill(Fill{Price: price, Size: size, At: t0})
	require.NoError(t, err)
	return p
}

func TestApplyFill_WeightedEntry(t *testing.T) {
	p := openLong(t, 100, 1)
	assert.Equal(t, StatusOpen, p.Status)
	assert.Equal(t, 1.0, p.InitialSize)

	scaling, err := p.Transition(StatusScaling)
	require.NoError(t, err)
	added, err := scaling.ApplyFill(Fill{Price: 110, Size: 1, At: t0.Add(time.Hour)})
	require.NoError(t, err)

	assert.InDelta(t, 105.0, added.EntryPrice, 1e-9)
	assert.InDelta(t, 2.0, added.Size, 1e-9)
	assert.Equal(t, 1.0, added.InitialSize)
	assert.Equal(t, 110.0, added.LastAddPrice)
	assert.Len(t, added.Fills, 2)
	assert.Len(t, p.Fills, 1, "original value untouched")
}

func TestApplyFill_RejectsOpenPosition(t *testing.T) {
	p := openLong(t, 100, 1)
	_, err := p.ApplyFill(Fill{Price: 101, Size: 1, At: t0})
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestApplyPartialClose(t *testing.T) {
	p := openLong(t, 100, 2)

	t.Run("partial", func(t *testing.T) {
		next, realized, err := p.ApplyPartialClose(0.5, 110, 0, t0)
		require.NoError(t, err)
		assert.InDelta(t, 5.0, realized, 1e-9)
		assert.InDelta(t, 1.5, next.Size, 1e-9)
		assert.Equal(t, StatusPartiallyClosed, next.Status)
		assert.Equal(t, 1, next.PartialCloses)
	})

	t.Run("full close reaches closed", func(t *testing.T) {
		next, realized, err := p.ApplyPartialClose(2, 90, 0.1, t0)
		require.NoError(t, err)
		assert.InDelta(t, -20.1, realized, 1e-9)
		assert.Equal(t, StatusClosed, next.Status)
		assert.Zero(t, next.Size)
		assert.False(t, next.IsOpen())
	})

	t.Run("over close is invalid", func(t *testing.T) {
		_, _, err := p.ApplyPartialClose(2.5, 110, 0, t0)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("double close is invalid", func(t *testing.T) {
		closed, _, err := p.ApplyPartialClose(2, 110, 0, t0)
		require.NoError(t, err)
		_, _, err = closed.ApplyPartialClose(1, 110, 0, t0)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestMoveStop_NeverLoosens(t *testing.T) {
	long := openLong(t, 100, 1)
	long, err := long.MoveStop(90)
	require.NoError(t, err)
	assert.Equal(t, 90.0, long.OriginalStop)

	long, err = long.MoveStop(95)
	require.NoError(t, err)
	assert.Equal(t, 95.0, long.StopPrice)
	assert.Equal(t, 90.0, long.OriginalStop)

	_, err = long.MoveStop(94)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	same, err := long.MoveStop(95)
	require.NoError(t, err)
	assert.Equal(t, 95.0, same.StopPrice)

	short, err := New("p2", "ETH/USDT", Short, 2).ApplyFill(Fill{Price: 100, Size: 1, At: t0})
	require.NoError(t, err)
	short, err = short.MoveStop(110)
	require.NoError(t, err)
	short, err = short.MoveStop(105)
	require.NoError(t, err)
	_, err = short.MoveStop(106)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestApplyTimeExit(t *testing.T) {
	p := openLong(t, 100, 1)
	_, err := p.ApplyTimeExit(t0.Add(2*time.Hour), 3*time.Hour)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	next, err := p.ApplyTimeExit(t0.Add(3*time.Hour), 3*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, StatusClosing, next.Status)
	assert.Equal(t, "max_hold", next.CloseReason)
}

func TestQueries(t *testing.T) {
	p := openLong(t, 100, 2)
	assert.InDelta(t, 20.0, p.UnrealizedPnL(110), 1e-9)
	assert.InDelta(t, 220.0, p.NetExposure(110), 1e-9)
	assert.Equal(t, 90*time.Minute, p.TimeInTrade(t0.Add(90*time.Minute)))

	short, err := New("p2", "ETH/USDT", Short, 2).ApplyFill(Fill{Price: 100, Size: 2, At: t0})
	require.NoError(t, err)
	assert.InDelta(t, 20.0, short.UnrealizedPnL(90), 1e-9)
	assert.InDelta(t, -180.0, short.NetExposure(90), 1e-9)
}

func TestObservePrice_TracksWatermarks(t *testing.T) {
	p := openLong(t, 100, 1)
	p = p.ObservePrice(120)
	p = p.ObservePrice(95)
	p = p.ObservePrice(110)
	assert.Equal(t, 120.0, p.PeakPrice)
	assert.Equal(t, 95.0, p.TroughPrice)
	assert.InDelta(t, 20.0, p.PeakProfit, 1e-9)
	assert.Equal(t, 110.0, p.LastPrice)
}

func TestLifecycleTable(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusOpen))
	assert.True(t, CanTransition(StatusClosing, StatusOpen))
	assert.False(t, CanTransition(StatusClosed, StatusOpen))
	assert.False(t, CanTransition(StatusPending, StatusScaling))
	assert.True(t, IsTerminal(StatusClosed))
}

func TestDecimalHelpers(t *testing.T) {
	assert.True(t, StopHit(Long, 90, 90))
	assert.False(t, StopHit(Long, 90.01, 90))
	assert.True(t, StopHit(Short, 110, 110))
	assert.True(t, TargetHit(Short, 80, 85))
	assert.Equal(t, 110.0, Beyond(Long, 100, 10))
	assert.Equal(t, 90.0, Beyond(Short, 100, 10))
	assert.Equal(t, 90.0, Behind(Long, 100, 10))
	assert.InDelta(t, 99.0, TrailingStopPct(Long, 100, 0.01), 1e-9)
	assert.False(t, Tightens(Long, 90+1e-9, 90))
}
