package market

import (
	"context"
	"time"

	"perpguard/internal/logger"
)

// Warmup 启动时用 REST 拉取最近 limit 根已收盘 K 线，保证指标在第一根推送前可用。
func Warmup(ctx context.Context, feed Feed, store KlineStore, symbols []string, interval string, limit, max int) {
	if feed == nil || store == nil {
		return
	}
	if limit <= 0 {
		limit = 300
	}
	for _, sym := range symbols {
		batch, err := feed.FetchCandles(ctx, sym, interval, limit)
		if err != nil {
			logger.Warnf("[warmup] 拉取 %s %s 失败: %v", sym, interval, err)
			continue
		}
		if len(batch) == 0 {
			logger.Warnf("[warmup] 拉取 %s %s 得到空数据", sym, interval)
			continue
		}
		if err := store.Put(ctx, sym, interval, batch, max); err != nil {
			logger.Warnf("[warmup] 写入 %s %s 失败: %v", sym, interval, err)
			continue
		}
		last := batch[len(batch)-1]
		logger.Infof("[warmup] %s %s ready bars=%d last_close=%.4f@%s",
			sym, interval, len(batch), last.Close, last.CloseAt().Format(time.RFC3339))
	}
}
