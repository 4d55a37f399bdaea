package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"perpguard/internal/logger"
	"perpguard/internal/market"
	symbolpkg "perpguard/internal/pkg/symbol"

	"github.com/adshao/go-binance/v2/futures"
)

const (
	maxHistoryLimit = 1500

	minBackoff = time.Second
	maxBackoff = 30 * time.Second

	streamKline    = "kline"
	streamAggTrade = "aggTrade"
)

// Feed 基于 go-binance SDK 实现 market.Feed，断线后按 1s 起步、30s 封顶的退避重连。
type Feed struct {
	cfg    Config
	client *futures.Client

	mu      sync.Mutex
	streams map[string]context.CancelFunc

	statsMu sync.Mutex
	stats   market.SourceStats
}

// NewFeed 行情只需公开接口，不使用 API key。
func NewFeed(cfg Config) (*Feed, error) {
	final := cfg.withDefaults()
	client, err := newClient(final, "", "")
	if err != nil {
		return nil, err
	}
	if final.ProxyEnabled {
		wsProxy := final.WSProxyURL
		if wsProxy == "" {
			wsProxy = final.RESTProxyURL
		}
		if wsProxy != "" {
			futures.SetWsProxyUrl(wsProxy)
		}
	}
	return &Feed{cfg: final, client: client, streams: make(map[string]context.CancelFunc)}, nil
}

func (s *Feed) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	clean := symbolpkg.Binance.ToExchange(symbol)
	interval = strings.ToLower(strings.TrimSpace(interval))
	if clean == "" || interval == "" {
		return nil, fmt.Errorf("symbol and interval are required")
	}
	limit = min(max(limit, 1), maxHistoryLimit)

	kls, err := s.client.NewKlinesService().Symbol(clean).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch %s %s klines: %w", clean, interval, err)
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			Trades:    kl.TradeNum,
		})
	}
	return market.DropUnclosed(out, time.Now()), nil
}

func (s *Feed) SubscribeCandles(ctx context.Context, symbols []string, interval string, opts market.SubscribeOptions) (<-chan market.CandleEvent, error) {
	clean := resolveSymbols(symbols)
	interval = strings.ToLower(strings.TrimSpace(interval))
	if len(clean) == 0 || interval == "" {
		return nil, fmt.Errorf("no valid symbols or interval for kline subscription")
	}
	pairs := make(map[string][]string, len(clean))
	for _, sym := range clean {
		pairs[sym] = []string{interval}
	}

	out := make(chan market.CandleEvent, bufferOr(opts.Buffer, 512))
	subCtx := s.replaceStream(ctx, streamKline)
	dial := func(errH func(error)) (chan struct{}, chan struct{}, error) {
		return futures.WsCombinedKlineServeMultiInterval(pairs, func(ev *futures.WsKlineEvent) {
			ce, ok := convertKlineEvent(ev)
			if !ok {
				return
			}
			if !offer(subCtx, out, ce) {
				logger.Warnf("[binance] kline 通道已满，丢弃 %s %s", ce.Symbol, ce.Interval)
			}
		}, errH)
	}
	go func() {
		defer close(out)
		s.serve(subCtx, streamKline, dial, opts)
	}()
	return out, nil
}

func (s *Feed) SubscribeTicks(ctx context.Context, symbols []string, opts market.SubscribeOptions) (<-chan market.TickEvent, error) {
	clean := resolveSymbols(symbols)
	if len(clean) == 0 {
		return nil, fmt.Errorf("no valid symbols for trade subscription")
	}

	out := make(chan market.TickEvent, bufferOr(opts.Buffer, 1024))
	subCtx := s.replaceStream(ctx, streamAggTrade)
	dial := func(errH func(error)) (chan struct{}, chan struct{}, error) {
		return futures.WsCombinedAggTradeServe(clean, func(ev *futures.WsAggTradeEvent) {
			te, ok := convertAggTradeEvent(ev)
			if !ok {
				return
			}
			// 成交价只关心最新值，满了直接丢
			offer(subCtx, out, te)
		}, errH)
	}
	go func() {
		defer close(out)
		s.serve(subCtx, streamAggTrade, dial, opts)
	}()
	return out, nil
}

type wsDial func(errH func(error)) (doneC, stopC chan struct{}, err error)

// serve 维持一条组合流直到 ctx 结束。每次连上调用 OnConnect，每次断开或拨号失败调用 OnDisconnect。
func (s *Feed) serve(ctx context.Context, stream string, dial wsDial, opts market.SubscribeOptions) {
	backoff := minBackoff
	for ctx.Err() == nil {
		var (
			errMu   sync.Mutex
			lastErr error
		)
		doneC, stopC, err := dial(func(err error) {
			errMu.Lock()
			lastErr = err
			errMu.Unlock()
		})
		if err != nil {
			s.recordSubscribeError(err)
			logger.Warnf("[binance] %s 订阅失败: %v，%s 后重试", stream, err, backoff)
		} else {
			backoff = minBackoff
			s.ClearLastError()
			if opts.OnConnect != nil {
				opts.OnConnect()
			}
			select {
			case <-ctx.Done():
				close(stopC)
				<-doneC
				return
			case <-doneC:
				close(stopC)
			}
			errMu.Lock()
			err = lastErr
			errMu.Unlock()
			s.recordReconnect(err)
			logger.Warnf("[binance] %s 流断开: %v，%s 后重连", stream, err, backoff)
		}
		if opts.OnDisconnect != nil {
			opts.OnDisconnect(err)
		}
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// replaceStream 同名流只保留最新一次订阅。
func (s *Feed) replaceStream(parent context.Context, name string) context.Context {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	if prev := s.streams[name]; prev != nil {
		prev()
	}
	s.streams[name] = cancel
	s.mu.Unlock()
	return ctx
}

func (s *Feed) Stats() market.SourceStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// ClearLastError 在重新连上后清掉旧错误。
func (s *Feed) ClearLastError() {
	s.statsMu.Lock()
	s.stats.LastError = ""
	s.statsMu.Unlock()
}

func (s *Feed) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, cancel := range s.streams {
		cancel()
		delete(s.streams, name)
	}
	return nil
}

func (s *Feed) recordSubscribeError(err error) {
	s.statsMu.Lock()
	s.stats.SubscribeErrors++
	s.stats.LastError = err.Error()
	s.statsMu.Unlock()
}

func (s *Feed) recordReconnect(err error) {
	s.statsMu.Lock()
	s.stats.Reconnects++
	if err != nil {
		s.stats.LastError = err.Error()
	}
	s.statsMu.Unlock()
}

// resolveSymbols 去重并转为交易所格式，推送回来的 symbol 与之相同。
func resolveSymbols(symbols []string) []string {
	norm := symbolpkg.NormalizeList(symbols)
	out := make([]string, 0, len(norm))
	for _, sym := range norm {
		out = append(out, symbolpkg.Binance.ToExchange(sym))
	}
	return out
}

func offer[T any](ctx context.Context, out chan<- T, v T) bool {
	select {
	case <-ctx.Done():
		return true
	case out <- v:
		return true
	default:
		return false
	}
}

func bufferOr(n, def int) int {
	if n > 0 {
		return n
	}
	return def
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}

func convertKlineEvent(ev *futures.WsKlineEvent) (market.CandleEvent, bool) {
	if ev == nil {
		return market.CandleEvent{}, false
	}
	symbol := strings.ToUpper(strings.TrimSpace(ev.Symbol))
	interval := strings.ToLower(strings.TrimSpace(ev.Kline.Interval))
	if symbol == "" || interval == "" {
		return market.CandleEvent{}, false
	}
	k := ev.Kline
	return market.CandleEvent{
		Symbol:   symbol,
		Interval: interval,
		Final:    k.IsFinal,
		Candle: market.Candle{
			OpenTime:  k.StartTime,
			CloseTime: k.EndTime,
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
			Trades:    k.TradeNum,
		},
	}, true
}

func convertAggTradeEvent(ev *futures.WsAggTradeEvent) (market.TickEvent, bool) {
	if ev == nil {
		return market.TickEvent{}, false
	}
	symbol := strings.ToUpper(strings.TrimSpace(ev.Symbol))
	price := parseFloat(ev.Price)
	if symbol == "" || price <= 0 {
		return market.TickEvent{}, false
	}
	return market.TickEvent{
		Symbol:    symbol,
		Price:     price,
		Quantity:  parseFloat(ev.Quantity),
		EventTime: ev.Time,
		TradeTime: ev.TradeTime,
	}, true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

var _ market.Feed = (*Feed)(nil)
