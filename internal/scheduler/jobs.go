package scheduler

import (
	"context"
	"time"

	"perpguard/internal/gateway"
	"perpguard/internal/logger"
)

// ReconcileRequester 由 trader.Trader 实现。
type ReconcileRequester interface {
	RequestReconcile(reason string) error
}

type BalanceSource interface {
	Balance(ctx context.Context) (gateway.Balance, error)
}

type EquitySink interface {
	UpdateEquity(bal gateway.Balance) error
}

// ReconcileTask 定时把对账请求投递到调度器队列。
func ReconcileTask(r ReconcileRequester, reason string) func(context.Context) {
	return func(context.Context) {
		if err := r.RequestReconcile(reason); err != nil {
			logger.Warnf("[scheduler] request reconcile: %v", err)
		}
	}
}

// BalanceTask 轮询交易所余额并更新权益、高水位与回撤。
func BalanceTask(src BalanceSource, sink EquitySink, timeout time.Duration) func(context.Context) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return func(ctx context.Context) {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		bal, err := src.Balance(cctx)
		if err != nil {
			logger.Warnf("[scheduler] 获取余额失败: %v", err)
			return
		}
		if err := sink.UpdateEquity(bal); err != nil {
			logger.Warnf("[scheduler] update equity: %v", err)
		}
	}
}
