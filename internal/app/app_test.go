package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpguard/internal/config"
	"perpguard/internal/gateway/paper"
	"perpguard/internal/market"
	"perpguard/internal/trader"
)

type stubFeed struct {
	mu      sync.Mutex
	candles chan market.CandleEvent
	ticks   chan market.TickEvent
	closed  bool
}

func newStubFeed() *stubFeed {
	return &stubFeed{
		candles: make(chan market.CandleEvent, 8),
		ticks:   make(chan market.TickEvent, 8),
	}
}

func (f *stubFeed) FetchCandles(_ context.Context, _ string, _ string, limit int) ([]market.Candle, error) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, 0, limit)
	for i := 0; i < limit; i++ {
		open := base.Add(time.Duration(i) * time.Hour)
		px := 100 + float64(i%10)
		out = append(out, market.Candle{
			OpenTime:  open.UnixMilli(),
			CloseTime: open.Add(time.Hour).UnixMilli() - 1,
			Open:      px,
			High:      px + 1,
			Low:       px - 1,
			Close:     px,
			Volume:    10,
		})
	}
	return out, nil
}

func (f *stubFeed) SubscribeCandles(_ context.Context, _ []string, _ string, opts market.SubscribeOptions) (<-chan market.CandleEvent, error) {
	if opts.OnConnect != nil {
		opts.OnConnect()
	}
	return f.candles, nil
}

func (f *stubFeed) SubscribeTicks(context.Context, []string, market.SubscribeOptions) (<-chan market.TickEvent, error) {
	return f.ticks, nil
}

func (f *stubFeed) Stats() market.SourceStats { return market.SourceStats{} }

func (f *stubFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *stubFeed) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	body := `
app:
  dry_run: true
  log_level: warn
symbols: [BTCUSDT]
kline:
  warmup: 60
  max_cached: 120
venue:
  paper:
    initial_equity: 1000
store:
  state_db: ` + filepath.Join(dir, "db", "state.db") + `
  journal_db: ` + filepath.Join(dir, "db", "journal.db") + `
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestBuildDryRunApp(t *testing.T) {
	cfg := loadTestConfig(t)
	feed := newStubFeed()

	a, err := NewAppBuilder(cfg, WithFeed(feed), WithoutHTTP()).Build(context.Background())
	require.NoError(t, err)
	defer a.close()

	require.NotNil(t, a.Trader())
	assert.Nil(t, a.http)
	assert.Len(t, a.jobs, 2)
	assert.Equal(t, "reconcile", a.jobs[0].sched.Name)
	assert.Equal(t, cfg.Reconcile.Interval, a.jobs[0].sched.Interval)
	assert.Equal(t, "balance", a.jobs[1].sched.Name)

	history, err := a.kstore.Get(context.Background(), "BTCUSDT", cfg.Timeframe)
	require.NoError(t, err)
	assert.Len(t, history, 60)

	require.NotNil(t, a.Summary)
	assert.Equal(t, "paper", a.Summary.Venue.Name)
	assert.True(t, a.Summary.Venue.DryRun)
	assert.Equal(t, []string{"log"}, a.Summary.Sinks)

	var buf bytes.Buffer
	a.Summary.out = &buf
	a.Summary.Print()
	assert.Contains(t, buf.String(), "BTCUSDT")
	assert.Contains(t, buf.String(), "STARTUP SUMMARY")

	_, err = os.Stat(cfg.Store.StateDB)
	assert.NoError(t, err)
}

func TestBuildRejectsNilConfig(t *testing.T) {
	_, err := NewAppBuilder(nil).Build(context.Background())
	assert.Error(t, err)

	_, err = NewApp(context.Background(), nil)
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Trader.ShutdownGrace = 500 * time.Millisecond
	cfg.Trader.SnapshotThrottle = -1
	feed := newStubFeed()

	a, err := NewAppBuilder(cfg, WithFeed(feed), WithoutHTTP()).Build(context.Background())
	require.NoError(t, err)
	a.Summary = nil

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		snap := a.Trader().Snapshot()
		return snap != nil && snap.Account != nil && snap.Account.Equity > 0
	}, 5*time.Second, 20*time.Millisecond)

	feed.ticks <- market.TickEvent{Symbol: "BTCUSDT", Price: 101}
	require.Eventually(t, func() bool {
		return a.Trader().Snapshot().Prices["BTCUSDT"] == 101
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, feed.isClosed())
	assert.ErrorIs(t, a.Trader().RequestReconcile(trader.ReconcileManual), trader.ErrStopped)
}

func TestTickHandlerFeedsPaperVenue(t *testing.T) {
	pv := paper.New(paper.Config{InitialEquity: 1000, Leverage: 5})
	tr := trader.NewTrader(trader.Config{QueueSize: 4}, trader.Deps{})

	handle := tickHandler(tr, pv)
	handle(market.TickEvent{Symbol: "ETHUSDT", Price: 2500})

	assert.Equal(t, 2500.0, pv.Price("ETHUSDT"))
}
