package market

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"perpguard/internal/logger"
)

// Updater 维护 K 线缓存，并把收盘 K 线和逐笔价格转发给调度器。
type Updater struct {
	Store    KlineStore
	Max      int
	Feed     Feed
	Interval string

	OnBar       func(symbol string, candles []Candle)
	OnTick      func(TickEvent)
	OnReconnect func()

	connected   atomic.Bool
	everDropped atomic.Bool
	startOnce   sync.Once
}

type UpdaterOption func(*Updater)

func WithBarHandler(fn func(symbol string, candles []Candle)) UpdaterOption {
	return func(u *Updater) { u.OnBar = fn }
}

func WithTickHandler(fn func(TickEvent)) UpdaterOption {
	return func(u *Updater) { u.OnTick = fn }
}

// WithReconnectHandler 在断线后重新连上时回调（用于触发对账）。
func WithReconnectHandler(fn func()) UpdaterOption {
	return func(u *Updater) { u.OnReconnect = fn }
}

func NewUpdater(store KlineStore, max int, feed Feed, interval string, opts ...UpdaterOption) *Updater {
	u := &Updater{Store: store, Max: max, Feed: feed, Interval: interval}
	for _, opt := range opts {
		if opt != nil {
			opt(u)
		}
	}
	return u
}

func (u *Updater) Start(ctx context.Context, symbols []string) error {
	if u.Feed == nil {
		return fmt.Errorf("updater missing feed")
	}
	if len(symbols) == 0 || u.Interval == "" {
		return fmt.Errorf("updater requires symbols & interval")
	}
	opts := SubscribeOptions{OnConnect: u.handleConnect, OnDisconnect: u.handleDisconnect}
	candles, err := u.Feed.SubscribeCandles(ctx, symbols, u.Interval, opts)
	if err != nil {
		return err
	}
	var ticks <-chan TickEvent
	if u.OnTick != nil {
		ticks, err = u.Feed.SubscribeTicks(ctx, symbols, SubscribeOptions{})
		if err != nil {
			return err
		}
	}
	u.startOnce.Do(func() {
		go u.consumeCandles(ctx, candles)
		if ticks != nil {
			go u.consumeTicks(ctx, ticks)
		}
	})
	logger.Infof("[WS] 订阅已启动 symbols=%v interval=%s", symbols, u.Interval)
	return nil
}

func (u *Updater) handleConnect() {
	u.connected.Store(true)
	if u.everDropped.Swap(false) {
		logger.Infof("[WS] 重连成功")
		if u.OnReconnect != nil {
			u.OnReconnect()
		}
	}
}

func (u *Updater) handleDisconnect(err error) {
	u.connected.Store(false)
	u.everDropped.Store(true)
	logger.Warnf("[WS] 连接断开: %v", err)
}

func (u *Updater) Connected() bool { return u.connected.Load() }

func (u *Updater) consumeCandles(ctx context.Context, events <-chan CandleEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := u.Store.Put(ctx, evt.Symbol, evt.Interval, []Candle{evt.Candle}, u.Max); err != nil {
				logger.Warnf("[WS] 写入 %s %s 失败: %v", evt.Symbol, evt.Interval, err)
				continue
			}
			if !evt.Final || u.OnBar == nil {
				continue
			}
			history, err := u.Store.Get(ctx, evt.Symbol, evt.Interval)
			if err != nil {
				logger.Warnf("[WS] 读取 %s %s 失败: %v", evt.Symbol, evt.Interval, err)
				continue
			}
			u.OnBar(evt.Symbol, history)
		}
	}
}

func (u *Updater) consumeTicks(ctx context.Context, events <-chan TickEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			u.OnTick(evt)
		}
	}
}

func (u *Updater) Stats() SourceStats {
	if u.Feed == nil {
		return SourceStats{}
	}
	return u.Feed.Stats()
}

func (u *Updater) Close() {
	if u.Feed != nil {
		if err := u.Feed.Close(); err != nil {
			logger.Warnf("[WS] feed close error: %v", err)
		}
	}
}
