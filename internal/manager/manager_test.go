package manager

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpguard/internal/account"
	"perpguard/internal/gateway"
	"perpguard/internal/indicator"
	"perpguard/internal/position"
	"perpguard/internal/signal"
	"perpguard/internal/strategy"
)

var t0 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func fixedSignal(action signal.Action, strength float64) signal.Func {
	return func(string, indicator.Set, *position.Position) signal.Signal {
		return signal.Signal{Action: action, Strength: strength, Reason: "test"}
	}
}

func testParams() strategy.Params {
	p := strategy.DefaultParams()
	p.MinQty = 0.001
	p.LotStep = 0.001
	p.Leverage = 5
	p.FeeRate = 0.0006
	for _, sp := range []*strategy.SideParams{&p.Long, &p.Short} {
		sp.ATRStopMultiplier = 2
		sp.CooldownCandles = 3
		sp.CooldownOverrideThreshold = 1.5
		sp.AggressiveBreakoutStopMultiplier = 1
	}
	return p
}

func newManager(p strategy.Params, fn signal.Func) *Manager {
	return New(p, account.NewGovernor(0.01, 0.1, account.DefaultTiers()), fn)
}

func market() Market {
	return Market{Symbol: "BTC/USDT", Set: indicator.Set{Close: 100, ATR: 5, PrevHigh: 98, PrevLow: 95}}
}

func TestEvaluateEntrySizing(t *testing.T) {
	m := newManager(testParams(), fixedSignal(signal.ActionEnterLong, 0.5))
	acct := account.New(10000)

	entry, err := m.EvaluateEntry(market(), State{Account: acct, Now: t0})
	require.NoError(t, err)
	assert.Equal(t, gateway.KindOpen, entry.Intent.Kind)
	assert.Equal(t, position.Long, entry.Intent.Side)
	assert.InDelta(t, 10, entry.Intent.Size, 1e-9)
	assert.InDelta(t, 90, entry.Intent.StopPrice, 1e-9)
	assert.Equal(t, position.StatusPending, entry.Position.Status)
	assert.Equal(t, entry.Position.ID, entry.Intent.PositionID)
	assert.False(t, entry.Override)
}

func TestEvaluateEntryRejections(t *testing.T) {
	t.Run("insufficient margin", func(t *testing.T) {
		m := newManager(testParams(), fixedSignal(signal.ActionEnterLong, 0))
		acct := account.New(10000)
		acct.UpdateEquity(10000, 100, t0)
		_, err := m.EvaluateEntry(market(), State{Account: acct, Now: t0})
		assert.ErrorIs(t, err, ErrInsufficientMargin)
	})

	t.Run("size below minimum", func(t *testing.T) {
		p := testParams()
		p.MinQty = 100
		m := newManager(p, fixedSignal(signal.ActionEnterLong, 0))
		_, err := m.EvaluateEntry(market(), State{Account: account.New(10000), Now: t0})
		assert.ErrorIs(t, err, ErrSizeTooSmall)
	})

	t.Run("position exists", func(t *testing.T) {
		m := newManager(testParams(), fixedSignal(signal.ActionEnterShort, 0))
		existing := position.Position{Symbol: "BTC/USDT", Side: position.Short, Status: position.StatusOpen, Size: 1}
		_, err := m.EvaluateEntry(market(), State{Account: account.New(10000), Positions: []position.Position{existing}, Now: t0})
		assert.ErrorIs(t, err, ErrPositionExists)
	})

	t.Run("opposite side in one-way mode", func(t *testing.T) {
		m := newManager(testParams(), fixedSignal(signal.ActionEnterShort, 0.5))
		long := position.Position{Symbol: "BTC/USDT", Side: position.Long, Status: position.StatusOpen, Size: 10, EntryPrice: 100, OpenedAt: t0}
		st := State{Account: account.New(10000), Positions: []position.Position{long}, Now: t0}

		d := m.Decide(market(), st)
		assert.Nil(t, d.Entry)
		assert.ErrorIs(t, d.Err, ErrPositionExists)

		st.HedgeMode = true
		entry, err := m.EvaluateEntry(market(), st)
		require.NoError(t, err)
		assert.Equal(t, position.Short, entry.Intent.Side)
	})

	t.Run("frozen and circuit open", func(t *testing.T) {
		m := newManager(testParams(), fixedSignal(signal.ActionEnterLong, 0))
		_, err := m.EvaluateEntry(market(), State{Account: account.New(10000), Frozen: true, Now: t0})
		assert.ErrorIs(t, err, ErrFrozen)
		_, err = m.EvaluateEntry(market(), State{Account: account.New(10000), CircuitOpen: true, Now: t0})
		assert.ErrorIs(t, err, gateway.ErrCircuitOpen)
	})

	t.Run("side disabled", func(t *testing.T) {
		p := testParams()
		p.Short.Enabled = false
		m := newManager(p, fixedSignal(signal.ActionEnterShort, 0))
		_, err := m.EvaluateEntry(market(), State{Account: account.New(10000), Now: t0})
		assert.ErrorIs(t, err, ErrSideDisabled)
	})

	t.Run("no signal", func(t *testing.T) {
		m := newManager(testParams(), fixedSignal(signal.ActionNone, 0))
		_, err := m.EvaluateEntry(market(), State{Account: account.New(10000), Now: t0})
		assert.ErrorIs(t, err, ErrNoSignal)
	})
}

func TestCooldownEnforcement(t *testing.T) {
	p := testParams()
	cooldown := p.Cooldown(position.Long)
	require.Equal(t, 3*time.Hour, cooldown)

	acct := account.New(10000)
	acct.StartCooldown("BTC/USDT", t0.Add(cooldown), account.OutcomeWin)

	t.Run("rejected just after close", func(t *testing.T) {
		m := newManager(p, fixedSignal(signal.ActionEnterLong, 1.0))
		_, err := m.EvaluateEntry(market(), State{Account: acct, Now: t0.Add(time.Millisecond)})
		assert.True(t, errors.Is(err, ErrInCooldown))
	})

	t.Run("breakout overrides cooldown with aggressive stop", func(t *testing.T) {
		m := newManager(p, fixedSignal(signal.ActionEnterLong, 2.0))
		entry, err := m.EvaluateEntry(market(), State{Account: acct, Now: t0.Add(time.Millisecond)})
		require.NoError(t, err)
		assert.True(t, entry.Override)
		assert.InDelta(t, 5, entry.StopDistance, 1e-9)
		assert.InDelta(t, 95, entry.Intent.StopPrice, 1e-9)
	})

	t.Run("accepted once cooldown elapsed", func(t *testing.T) {
		m := newManager(p, fixedSignal(signal.ActionEnterLong, 1.0))
		entry, err := m.EvaluateEntry(market(), State{Account: acct, Now: t0.Add(cooldown)})
		require.NoError(t, err)
		assert.False(t, entry.Override)
	})
}

func TestBreakoutStopFloor(t *testing.T) {
	set := indicator.Set{ATR: 10, PrevLow: 99, PrevHigh: 101}
	assert.InDelta(t, 5, BreakoutStopDistance(position.Long, 100, set, 1), 1e-9)
	assert.InDelta(t, 20, BreakoutStopDistance(position.Short, 81, set, 1), 1e-9)
}

func TestGovernorSizingMonotonic(t *testing.T) {
	m := newManager(testParams(), fixedSignal(signal.ActionEnterLong, 0))
	prev := -1.0
	for _, equity := range []float64{10000, 9500, 8900, 8000, 7500, 6500, 5500, 4000} {
		acct := account.New(10000)
		acct.UpdateEquity(equity, equity, t0)
		entry, err := m.EvaluateEntry(market(), State{Account: acct, Now: t0})
		require.NoError(t, err, "equity %.0f", equity)
		if prev >= 0 {
			assert.LessOrEqual(t, entry.Intent.Size, prev, "drawdown %.2f", acct.Drawdown)
		}
		prev = entry.Intent.Size
	}
}

func openLong(t *testing.T) position.Position {
	t.Helper()
	pos := position.New("p1", "BTC/USDT", position.Long, 5)
	pos, err := pos.ApplyFill(position.Fill{Price: 100, Size: 1, At: t0})
	require.NoError(t, err)
	pos.StopPrice = 90
	pos.StopOrderID = "sl-1"
	return pos
}

func TestEvaluateAdd(t *testing.T) {
	p := testParams()
	p.Long.PositionScaling = true
	p.Long.MaxPositionMultiplier = 2
	p.Long.ScaleAddATRMultiplier = 0.5
	p.Long.ScaleAddFraction = 1
	m := newManager(p, fixedSignal(signal.ActionAdd, 0))
	mk := market()
	mk.Price = 103
	st := State{Account: account.New(10000), Now: t0.Add(time.Hour)}

	t.Run("requires breakeven or trailing", func(t *testing.T) {
		in, err := m.EvaluateAdd(openLong(t), mk, st)
		assert.NoError(t, err)
		assert.Nil(t, in)
	})

	t.Run("adds initial size when trailing", func(t *testing.T) {
		pos := openLong(t)
		pos.TrailingActive = true
		in, err := m.EvaluateAdd(pos, mk, st)
		require.NoError(t, err)
		require.NotNil(t, in)
		assert.Equal(t, gateway.KindAdd, in.Kind)
		assert.InDelta(t, 1, in.Size, 1e-9)
	})

	t.Run("price below trigger", func(t *testing.T) {
		pos := openLong(t)
		pos.TrailingActive = true
		low := mk
		low.Price = 102
		in, err := m.EvaluateAdd(pos, low, st)
		assert.NoError(t, err)
		assert.Nil(t, in)
	})

	t.Run("at max size", func(t *testing.T) {
		pos := openLong(t)
		pos.TrailingActive = true
		pos.Size = 2
		in, err := m.EvaluateAdd(pos, mk, st)
		assert.NoError(t, err)
		assert.Nil(t, in)
	})

	t.Run("opposite signal does not add", func(t *testing.T) {
		m := newManager(p, fixedSignal(signal.ActionEnterShort, 0))
		pos := openLong(t)
		pos.BreakevenLocked = true
		in, err := m.EvaluateAdd(pos, mk, st)
		assert.NoError(t, err)
		assert.Nil(t, in)
	})
}

func TestEvaluateTime(t *testing.T) {
	m := newManager(testParams(), fixedSignal(signal.ActionNone, 0))
	pos := openLong(t)
	assert.Nil(t, m.EvaluateTime(pos, t0.Add(47*time.Hour)))
	in := m.EvaluateTime(pos, t0.Add(48*time.Hour))
	require.NotNil(t, in)
	assert.Equal(t, gateway.KindClose, in.Kind)
	assert.Equal(t, ReasonMaxHold, in.Reason)
	assert.Equal(t, "sl-1", in.OrderID)
}

func TestEvaluateExitSignal(t *testing.T) {
	m := newManager(testParams(), fixedSignal(signal.ActionExit, 0))
	pos := openLong(t)
	assert.Nil(t, m.EvaluateExitSignal(pos, market(), t0))
	pos.BreakevenLocked = true
	in := m.EvaluateExitSignal(pos, market(), t0)
	require.NotNil(t, in)
	assert.Equal(t, ReasonExitSignal, in.Reason)
}

func TestDecidePrefersPositionManagement(t *testing.T) {
	m := newManager(testParams(), fixedSignal(signal.ActionExit, 0))
	pos := openLong(t)
	pos.BreakevenLocked = true
	d := m.Decide(market(), State{Account: account.New(10000), Positions: []position.Position{pos}, Now: t0})
	require.NotNil(t, d.Intent)
	assert.Equal(t, gateway.KindClose, d.Intent.Kind)
	assert.Nil(t, d.Entry)
}

func TestRequiredMargin(t *testing.T) {
	m := newManager(testParams(), nil)
	// (1000/5 + 1000*0.0006) * 1.05
	assert.InDelta(t, 210.63, m.RequiredMargin(10, 100), 1e-9)
}
