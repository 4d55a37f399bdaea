package livehttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"perpguard/internal/account"
	"perpguard/internal/position"
	"perpguard/internal/reconcile"
	"perpguard/internal/store"
	"perpguard/internal/trader"
)

type MockTrader struct {
	mock.Mock
}

func (m *MockTrader) Snapshot() *trader.Snapshot {
	return m.Called().Get(0).(*trader.Snapshot)
}

func (m *MockTrader) Unfreeze(ctx context.Context, symbol string, side position.Side) error {
	return m.Called(symbol, side).Error(0)
}

func (m *MockTrader) RequestReconcile(reason string) error {
	return m.Called(reason).Error(0)
}

type fakeHistory struct {
	trades []store.Trade
	points []store.EquityPoint
	err    error
}

func (f *fakeHistory) RecentTrades(_ context.Context, limit int) ([]store.Trade, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.trades) {
		return f.trades[:limit], nil
	}
	return f.trades, nil
}

func (f *fakeHistory) EquityCurve(_ context.Context, since time.Time, limit int) ([]store.EquityPoint, error) {
	var out []store.EquityPoint
	for _, p := range f.points {
		if !p.At.Before(since) && len(out) < limit {
			out = append(out, p)
		}
	}
	return out, f.err
}

func testSnapshot() *trader.Snapshot {
	acct := account.New(10000)
	return &trader.Snapshot{
		Positions: []position.Position{{
			ID:         "p1",
			Symbol:     "BTCUSDT",
			Side:       position.Long,
			Status:     position.StatusOpen,
			Size:       1,
			EntryPrice: 100,
			StopPrice:  90,
			OpenedAt:   time.Now().Add(-time.Hour),
		}},
		Account:      acct,
		Prices:       map[string]float64{"BTCUSDT": 110},
		Frozen:       map[string]string{},
		InFlight:     map[string]trader.InFlightIntent{},
		CircuitState: "closed",
		UpdatedAt:    time.Now(),
	}
}

func newTestServer(t *testing.T, tr *MockTrader, h HistoryStore) http.Handler {
	t.Helper()
	srv, err := NewServer(ServerConfig{Trader: tr, History: h, Gatherer: prometheus.NewRegistry()})
	require.NoError(t, err)
	return srv.Handler()
}

func do(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewServerRequiresTrader(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err)
}

func TestPositionsEndpoints(t *testing.T) {
	tr := new(MockTrader)
	tr.On("Snapshot").Return(testSnapshot())
	h := newTestServer(t, tr, nil)

	t.Run("list with unrealized pnl", func(t *testing.T) {
		rec := do(h, http.MethodGet, "/api/positions")
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Positions []struct {
				Key           string  `json:"key"`
				Symbol        string  `json:"symbol"`
				MarkPrice     float64 `json:"mark_price"`
				UnrealizedPnL float64 `json:"unrealized_pnl"`
				StopPrice     float64 `json:"stop_price"`
			} `json:"positions"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body.Positions, 1)
		assert.Equal(t, "BTCUSDT|long", body.Positions[0].Key)
		assert.Equal(t, 110.0, body.Positions[0].MarkPrice)
		assert.InDelta(t, 10.0, body.Positions[0].UnrealizedPnL, 1e-9)
		assert.Equal(t, 90.0, body.Positions[0].StopPrice)
	})

	t.Run("by symbol accepts slash form", func(t *testing.T) {
		rec := do(h, http.MethodGet, "/api/positions/btc-usdt")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unknown symbol", func(t *testing.T) {
		rec := do(h, http.MethodGet, "/api/positions/ETHUSDT")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestUnfreezeEndpoint(t *testing.T) {
	cases := []struct {
		name string
		path string
		side position.Side
		err  error
		code int
	}{
		{name: "ok", path: "/api/positions/BTCUSDT/unfreeze", err: nil, code: http.StatusOK},
		{name: "side filter", path: "/api/positions/BTCUSDT/unfreeze?side=short", side: position.Short, code: http.StatusOK},
		{name: "not frozen", path: "/api/positions/BTCUSDT/unfreeze", err: fmt.Errorf("%w: BTCUSDT", trader.ErrNotFrozen), code: http.StatusConflict},
		{name: "stopped", path: "/api/positions/BTCUSDT/unfreeze", err: trader.ErrStopped, code: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := new(MockTrader)
			tr.On("Unfreeze", "BTCUSDT", tc.side).Return(tc.err).Once()
			h := newTestServer(t, tr, nil)

			rec := do(h, http.MethodPost, tc.path)
			assert.Equal(t, tc.code, rec.Code)
			tr.AssertExpectations(t)
		})
	}

	t.Run("bad side", func(t *testing.T) {
		tr := new(MockTrader)
		h := newTestServer(t, tr, nil)
		rec := do(h, http.MethodPost, "/api/positions/BTCUSDT/unfreeze?side=up")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		tr.AssertNotCalled(t, "Unfreeze", mock.Anything, mock.Anything)
	})
}

func TestReconcileEndpoints(t *testing.T) {
	tr := new(MockTrader)
	snap := testSnapshot()
	tr.On("Snapshot").Return(snap).Once()
	tr.On("RequestReconcile", trader.ReconcileManual).Return(nil).Once()
	h := newTestServer(t, tr, nil)

	rec := do(h, http.MethodGet, "/api/reconcile")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(h, http.MethodPost, "/api/reconcile")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	withReport := testSnapshot()
	withReport.LastReconcile = &reconcile.Report{
		At:    time.Now(),
		Items: []reconcile.Item{{Key: "BTCUSDT|long", Symbol: "BTCUSDT", Side: position.Long, Class: reconcile.Consistent}},
	}
	tr.On("Snapshot").Return(withReport).Once()
	rec = do(h, http.MethodGet, "/api/reconcile")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"class":"consistent"`)
	tr.AssertExpectations(t)
}

func TestHistoryEndpoints(t *testing.T) {
	now := time.Now()
	hist := &fakeHistory{
		trades: []store.Trade{
			{PositionID: "a", Symbol: "BTCUSDT", Side: position.Long, RealizedPnL: 10, CloseReason: "trailing_stop"},
			{PositionID: "b", Symbol: "ETHUSDT", Side: position.Short, RealizedPnL: -3, CloseReason: "stop_loss"},
		},
		points: []store.EquityPoint{
			{At: now.Add(-48 * time.Hour), Equity: 9800, Capital: 10000, Drawdown: 0.02},
			{At: now.Add(-time.Hour), Equity: 10100, Capital: 10100},
		},
	}
	tr := new(MockTrader)
	h := newTestServer(t, tr, hist)

	t.Run("trades limit", func(t *testing.T) {
		rec := do(h, http.MethodGet, "/api/trades?limit=1")
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Trades []store.Trade `json:"trades"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body.Trades, 1)
		assert.Equal(t, "a", body.Trades[0].PositionID)
	})

	t.Run("equity window", func(t *testing.T) {
		rec := do(h, http.MethodGet, "/api/equity?window=24h")
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Points []store.EquityPoint `json:"points"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body.Points, 1)
		assert.Equal(t, 10100.0, body.Points[0].Equity)
	})

	t.Run("invalid window", func(t *testing.T) {
		rec := do(h, http.MethodGet, "/api/equity?window=soon")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("chart renders html", func(t *testing.T) {
		rec := do(h, http.MethodGet, "/api/equity/chart")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html"))
		assert.Contains(t, rec.Body.String(), "echarts")
	})
}

func TestMetricsAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "perpguard_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	srv, err := NewServer(ServerConfig{Trader: new(MockTrader), Gatherer: reg})
	require.NoError(t, err)

	rec := do(srv.Handler(), http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "perpguard_test_total 1")

	rec = do(srv.Handler(), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}
