package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"perpguard/internal/account"
	"perpguard/internal/position"
	"perpguard/internal/store"
)

var t0 = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

func newStateStore(t *testing.T) *store.StateStore {
	t.Helper()
	s, err := NewSqliteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return store.NewStateStore(s)
}

func openPosition(t *testing.T, symbol string, side position.Side) position.Position {
	t.Helper()
	p := position.New("id-"+symbol, symbol, side, 5)
	p, err := p.ApplyFill(position.Fill{Price: 100, Size: 2, Fee: 0.1, At: t0})
	require.NoError(t, err)
	p, err = p.MoveStop(position.Behind(side, 100, 10))
	require.NoError(t, err)
	p.StopOrderID = "sl-" + symbol
	p.TakeProfits = []position.TakeProfitLevel{{Price: position.Beyond(side, 100, 15), Fraction: 0.25}}
	return p
}

func TestStateRoundTrip(t *testing.T) {
	ss := newStateStore(t)
	ctx := context.Background()

	btc := openPosition(t, "BTC/USDT", position.Long)
	eth := openPosition(t, "ETH/USDT", position.Short)
	acct := account.New(10000)
	acct.UpdateEquity(9500, 9000, t0)
	acct.StartCooldown("SOL/USDT", t0.Add(3*time.Hour), account.OutcomeLoss)

	require.NoError(t, ss.Apply(ctx, store.Change{Upsert: []position.Position{btc, eth}, Account: acct}))

	st, err := ss.Load(ctx)
	require.NoError(t, err)
	require.Len(t, st.Positions, 2)
	got := st.Positions[btc.Key()]
	assert.Equal(t, btc.ID, got.ID)
	assert.InDelta(t, 90, got.StopPrice, 1e-9)
	assert.Equal(t, "sl-BTC/USDT", got.StopOrderID)
	require.Len(t, got.TakeProfits, 1)
	require.Len(t, got.Fills, 1)

	require.NotNil(t, st.Account)
	assert.InDelta(t, 10000, st.Account.HighWaterMark, 1e-9)
	assert.InDelta(t, 0.05, st.Account.Drawdown, 1e-9)
	in, until := st.Account.InCooldown("SOL/USDT", t0.Add(time.Hour))
	assert.True(t, in)
	assert.True(t, until.Equal(t0.Add(3*time.Hour)))
	assert.Equal(t, account.OutcomeLoss, st.Account.LastOutcome["SOL/USDT"])
}

func TestArchiveRemovesOpenPosition(t *testing.T) {
	ss := newStateStore(t)
	ctx := context.Background()

	p := openPosition(t, "BTC/USDT", position.Long)
	require.NoError(t, ss.Apply(ctx, store.Change{Upsert: []position.Position{p}}))

	closed, realized, err := p.ApplyPartialClose(2, 110, 0.1, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 19.9, realized, 1e-9)
	closed.CloseReason = "take_profit"

	ch := store.Change{Archive: []position.Position{closed}, Remove: []string{closed.Key()}}
	require.NoError(t, ss.Apply(ctx, ch))
	// 重复归档不报错也不重复
	require.NoError(t, ss.Apply(ctx, ch))

	st, err := ss.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Positions)
	assert.Nil(t, st.Account)

	trades, err := ss.RecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "take_profit", trades[0].CloseReason)
	assert.InDelta(t, 110, trades[0].ExitPrice, 1e-6)
	assert.InDelta(t, 19.9, trades[0].RealizedPnL, 1e-9)
}

func TestArchiveKeepsPositionReusingKey(t *testing.T) {
	ss := newStateStore(t)
	ctx := context.Background()

	old := openPosition(t, "BTC/USDT", position.Long)
	require.NoError(t, ss.Apply(ctx, store.Change{Upsert: []position.Position{old}}))
	closed, _, err := old.ApplyPartialClose(2, 105, 0, t0.Add(time.Hour))
	require.NoError(t, err)

	next := position.New("id-next", "BTC/USDT", position.Long, 5)
	next, err = next.ApplyFill(position.Fill{Price: 104, Size: 1, At: t0.Add(2 * time.Hour)})
	require.NoError(t, err)

	// 同一变更里平旧开新
	require.NoError(t, ss.Apply(ctx, store.Change{
		Upsert:  []position.Position{next},
		Archive: []position.Position{closed},
		Remove:  []string{closed.Key()},
	}))
	st, err := ss.Load(ctx)
	require.NoError(t, err)
	require.Len(t, st.Positions, 1)
	assert.Equal(t, "id-next", st.Positions[next.Key()].ID)

	// 迟到的重复归档不会删掉新仓位
	require.NoError(t, ss.Apply(ctx, store.Change{Archive: []position.Position{closed}, Remove: []string{closed.Key()}}))
	st, err = ss.Load(ctx)
	require.NoError(t, err)
	require.Len(t, st.Positions, 1)
	assert.Equal(t, "id-next", st.Positions[next.Key()].ID)

	trades, err := ss.RecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, old.ID, trades[0].PositionID)
}

func TestEquityCurve(t *testing.T) {
	ss := newStateStore(t)
	ctx := context.Background()
	for i, eq := range []float64{10000, 10100, 9900} {
		require.NoError(t, ss.Apply(ctx, store.Change{Equity: &store.EquityPoint{At: t0.Add(time.Duration(i) * time.Minute), Equity: eq, Capital: eq}}))
	}
	pts, err := ss.EquityCurve(ctx, t0.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pts, 2)
	assert.InDelta(t, 10100, pts[0].Equity, 1e-9)
	assert.InDelta(t, 9900, pts[1].Equity, 1e-9)
}

func TestNewSqliteStoreFromDB(t *testing.T) {
	_, err := NewSqliteStoreFromDB(nil)
	assert.Error(t, err)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "shared.db")), &gorm.Config{})
	require.NoError(t, err)
	s, err := NewSqliteStoreFromDB(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ss := store.NewStateStore(s)
	p := openPosition(t, "BTCUSDT", position.Long)
	require.NoError(t, ss.Apply(context.Background(), store.Change{Upsert: []position.Position{p}}))
	st, err := ss.Load(context.Background())
	require.NoError(t, err)
	got, ok := st.Positions[p.Key()]
	require.True(t, ok)
	assert.True(t, got.IsProtected())
}
