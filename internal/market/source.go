package market

import "context"

type CandleEvent struct {
	Symbol   string
	Interval string
	Candle   Candle
	// Final 为 true 表示该 K 线已收盘。
	Final bool
}

type TickEvent struct {
	Symbol    string
	Price     float64
	Quantity  float64
	EventTime int64
	TradeTime int64
}

type SubscribeOptions struct {
	Buffer       int
	OnConnect    func()
	OnDisconnect func(error)
}

type SourceStats struct {
	Reconnects      int    `json:"reconnects"`
	SubscribeErrors int    `json:"subscribe_errors"`
	LastError       string `json:"last_error,omitempty"`
}

// Feed 提供 K 线历史、收盘推送与逐笔成交价。订阅断线后自动重连，
// 通过 OnConnect/OnDisconnect 通知调用方。
type Feed interface {
	FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	SubscribeCandles(ctx context.Context, symbols []string, interval string, opts SubscribeOptions) (<-chan CandleEvent, error)
	SubscribeTicks(ctx context.Context, symbols []string, opts SubscribeOptions) (<-chan TickEvent, error)
	Stats() SourceStats
	Close() error
}
