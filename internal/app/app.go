package app

import (
	"context"
	"errors"
	"fmt"

	"perpguard/internal/config"
	"perpguard/internal/logger"
	"perpguard/internal/market"
	"perpguard/internal/notifier"
	"perpguard/internal/scheduler"
	"perpguard/internal/trader"
	livehttp "perpguard/internal/transport/http/live"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：恢复状态→启动调度器→订阅行情→运行定时任务与 HTTP 服务。
type App struct {
	cfg     *config.Config
	trader  *trader.Trader
	updater *market.Updater
	kstore  market.KlineStore
	bus     *notifier.Bus
	sinks   []notifier.Sink
	http    *livehttp.Server
	jobs    []job
	closers []func() error
	Summary *StartupSummary
}

type job struct {
	sched *scheduler.AlignedScheduler
	task  func(context.Context)
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(ctx, cfg)
}

// Run 阻塞直到 ctx 结束或任一组件失败，然后排空调度器。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil || a.trader == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	defer a.close()

	if err := a.trader.Recover(ctx); err != nil {
		return err
	}
	a.trader.Start()
	if err := a.trader.RequestReconcile(trader.ReconcileStartup); err != nil {
		logger.Warnf("[app] 启动对账请求失败: %v", err)
	}
	a.primeIndicators(ctx)

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return notifier.Run(gctx, a.bus, a.cfg.Notify.Buffer, a.sinks...)
	})

	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(gctx); err != nil {
				return fmt.Errorf("live http server error: %w", err)
			}
			return nil
		})
	}

	for _, j := range a.jobs {
		j := j
		group.Go(func() error {
			if err := j.sched.Run(gctx, j.task); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", j.sched.Name, err)
			}
			return nil
		})
	}

	if a.updater != nil {
		group.Go(func() error {
			if err := a.updater.Start(gctx, a.cfg.Symbols); err != nil {
				return fmt.Errorf("订阅行情失败: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		<-gctx.Done()
		a.shutdown()
		return nil
	})

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// primeIndicators 把预热的 K 线交给调度器，止损跟踪在第一根推送前即可使用 ATR。
func (a *App) primeIndicators(ctx context.Context) {
	if a.kstore == nil {
		return
	}
	for _, sym := range a.cfg.Symbols {
		history, err := a.kstore.Get(ctx, sym, a.cfg.Timeframe)
		if err != nil || len(history) == 0 {
			continue
		}
		a.trader.OnBarClose(sym, history)
	}
}

// shutdown 的宽限期由 trader.shutdown_grace 控制。
func (a *App) shutdown() {
	logger.Infof("[app] 正在停机，等待在途订单完成")
	if err := a.trader.Shutdown(context.Background()); err != nil {
		logger.Warnf("[app] trader shutdown: %v", err)
	}
}

func (a *App) close() {
	if a.updater != nil {
		a.updater.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warnf("[app] close: %v", err)
		}
	}
}

// Trader exposes the scheduler (for replay harnesses and tests).
func (a *App) Trader() *trader.Trader {
	if a == nil {
		return nil
	}
	return a.trader
}
