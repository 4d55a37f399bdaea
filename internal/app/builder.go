package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"perpguard/internal/account"
	"perpguard/internal/config"
	"perpguard/internal/gateway"
	"perpguard/internal/gateway/binance"
	"perpguard/internal/gateway/paper"
	"perpguard/internal/logger"
	"perpguard/internal/manager"
	"perpguard/internal/market"
	"perpguard/internal/metrics"
	"perpguard/internal/monitor"
	"perpguard/internal/notifier"
	"perpguard/internal/reconcile"
	"perpguard/internal/scheduler"
	"perpguard/internal/signal"
	"perpguard/internal/store"
	"perpguard/internal/store/journal"
	"perpguard/internal/store/sqlite"
	"perpguard/internal/trader"
	livehttp "perpguard/internal/transport/http/live"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type AppBuilder struct {
	cfg *config.Config

	venueFn    func(context.Context, *config.Config) (gateway.Venue, *paper.Venue, error)
	feedFn     func(*config.Config) (market.Feed, error)
	registryFn func() *prometheus.Registry

	skipHTTP bool
}

type AppBuilderOption func(*AppBuilder)

// WithFeed 替换行情源（测试与回放用）。
func WithFeed(feed market.Feed) AppBuilderOption {
	return func(b *AppBuilder) {
		b.feedFn = func(*config.Config) (market.Feed, error) { return feed, nil }
	}
}

// WithVenue 替换交易所实现。
func WithVenue(v gateway.Venue) AppBuilderOption {
	return func(b *AppBuilder) {
		b.venueFn = func(context.Context, *config.Config) (gateway.Venue, *paper.Venue, error) {
			pv, _ := v.(*paper.Venue)
			return v, pv, nil
		}
	}
}

// WithoutHTTP 不启动运维 HTTP 服务。
func WithoutHTTP() AppBuilderOption {
	return func(b *AppBuilder) { b.skipHTTP = true }
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		venueFn:    buildVenue,
		feedFn:     buildFeed,
		registryFn: prometheus.NewRegistry,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (app *App, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	var closers []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	reg := b.registryFn()
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector = metrics.New(reg)
	}

	venue, paperVenue, err := b.venueFn(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化交易所失败: %w", err)
	}
	gw := gateway.New(venue, cfg.Gateway)
	if collector != nil {
		gw.SetObserver(collector)
	}
	if err := gw.SetLeverage(ctx, cfg.Symbols, cfg.Venue.Leverage); err != nil {
		return nil, err
	}
	logger.Infof("✓ 交易所 %s 就绪，杠杆 %dx", venue.Name(), cfg.Venue.Leverage)

	stateDB, err := openStateStore(cfg.Store.StateDB)
	if err != nil {
		return nil, err
	}
	closers = append(closers, stateDB.Close)

	jrnl, err := openJournal(cfg.Store.JournalDB)
	if err != nil {
		return nil, err
	}
	closers = append(closers, jrnl.Close)
	logger.Infof("✓ 状态库 %s，事件日志 %s", cfg.Store.StateDB, cfg.Store.JournalDB)

	bus := notifier.NewBus()
	sinks := []notifier.Sink{notifier.LogSink{}}
	if cfg.Notify.Telegram.Enabled {
		sinks = append(sinks, notifier.NewTelegram(cfg.Notify.Telegram))
		logger.Infof("✓ Telegram 通知已启用")
	}

	governor := account.NewGovernor(cfg.Risk.BaseRisk, cfg.Risk.MinRiskFactor, cfg.Risk.Tiers)
	deps := trader.Deps{
		Gateway:    gw,
		Monitor:    monitor.New(cfg.Strategy),
		Manager:    manager.New(cfg.Strategy, governor, signal.EMACross(cfg.Strategy.SignalFilters())),
		Reconciler: reconcile.New(cfg.Reconcile.Params, cfg.Strategy),
		Indicators: cfg.Indicators,
		Store:      stateDB,
		Journal:    jrnl,
		Notifier:   bus,
	}
	if collector != nil {
		deps.Metrics = collector
	}
	tr := trader.NewTrader(cfg.Trader, deps)

	feed, err := b.feedFn(cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化行情源失败: %w", err)
	}
	kstore := market.NewMemoryKlineStore()
	market.Warmup(ctx, feed, kstore, cfg.Symbols, cfg.Timeframe, cfg.Kline.Warmup, cfg.Kline.MaxCached)
	updater := market.NewUpdater(kstore, cfg.Kline.MaxCached, feed, cfg.Timeframe,
		market.WithBarHandler(tr.OnBarClose),
		market.WithTickHandler(tickHandler(tr, paperVenue)),
		market.WithReconnectHandler(func() {
			if err := tr.RequestReconcile(trader.ReconcileReconnect); err != nil {
				logger.Warnf("[app] 重连对账请求失败: %v", err)
			}
		}),
	)

	jobs := []job{
		{
			sched: scheduler.NewAlignedScheduler("reconcile", cfg.Reconcile.Interval, cfg.Reconcile.Offset),
			task:  scheduler.ReconcileTask(tr, trader.ReconcileTimer),
		},
		{
			sched: scheduler.NewAlignedScheduler("balance", cfg.Reconcile.BalanceInterval, 0),
			task:  scheduler.BalanceTask(gw, tr, 0),
		},
	}

	var srv *livehttp.Server
	if !b.skipHTTP {
		srv, err = livehttp.NewServer(livehttp.ServerConfig{
			Addr:     cfg.App.HTTPAddr,
			Trader:   tr,
			History:  stateDB,
			Gatherer: reg,
		})
		if err != nil {
			return nil, err
		}
	}

	return &App{
		cfg:     cfg,
		trader:  tr,
		updater: updater,
		kstore:  kstore,
		bus:     bus,
		sinks:   sinks,
		http:    srv,
		jobs:    jobs,
		closers: closers,
		Summary: newStartupSummary(cfg, venue.Name(), sinks),
	}, nil
}

// tickHandler 在模拟盘下先推动模拟交易所撮合止损，再把价格交给调度器。
func tickHandler(tr *trader.Trader, pv *paper.Venue) func(market.TickEvent) {
	if pv == nil {
		return tr.OnTick
	}
	return func(evt market.TickEvent) {
		if fills := pv.SetPrice(evt.Symbol, evt.Price); len(fills) > 0 {
			logger.Warnf("[paper] %s 止损成交 %d 笔 @ %.4f", evt.Symbol, len(fills), evt.Price)
			if err := tr.RequestReconcile("stop_fill"); err != nil {
				logger.Warnf("[app] 止损对账请求失败: %v", err)
			}
		}
		tr.OnTick(evt)
	}
}

func buildVenue(ctx context.Context, cfg *config.Config) (gateway.Venue, *paper.Venue, error) {
	if cfg.UsePaper() {
		pv := paper.New(cfg.Venue.Paper)
		logger.Infof("✓ dry_run：使用模拟交易所，初始权益 %.2f", cfg.Venue.Paper.InitialEquity)
		return pv, pv, nil
	}
	v, err := binance.NewVenue(cfg.Venue.Config)
	if err != nil {
		return nil, nil, err
	}
	return v, nil, nil
}

func buildFeed(cfg *config.Config) (market.Feed, error) {
	return binance.NewFeed(cfg.Venue.Config)
}

func openStateStore(path string) (*store.StateStore, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	s, err := sqlite.NewSqliteStore(path)
	if err != nil {
		return nil, fmt.Errorf("打开状态库 %s 失败: %w", path, err)
	}
	return store.NewStateStore(s), nil
}

func openJournal(path string) (*journal.Journal, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	j, err := journal.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开事件日志 %s 失败: %w", path, err)
	}
	return j, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
