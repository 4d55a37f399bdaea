// Package monitor 在每个价格 tick 上评估持仓风控规则，只产出意图和水位更新，不做任何 I/O。
package monitor

import (
	"fmt"
	"time"

	"perpguard/internal/gateway"
	"perpguard/internal/market"
	"perpguard/internal/position"
	"perpguard/internal/strategy"
)

const (
	ReasonStopLoss     = "stop_loss"
	ReasonTrailingStop = "trailing_stop"
	ReasonTrailing     = "trailing"
	ReasonPartialTP    = "partial_tp"
	ReasonBreakeven    = "breakeven"
	ReasonProfitLock   = "profit_lock"
	ReasonStagnation   = "stagnation"
	ReasonTakeProfit   = "take_profit"
)

// 单档止盈超过剩余仓位该比例时跳过该档。
const maxPartialShare = 0.99

// Decision 是一次 tick 评估的结果。Updated 为带新水位/标志的仓位副本，由调度器写回。
type Decision struct {
	Updated []position.Position
	Intents []gateway.OrderIntent
}

type Monitor struct {
	params strategy.Params
}

func New(params strategy.Params) *Monitor {
	return &Monitor{params: params}
}

func (m *Monitor) Params() strategy.Params { return m.params }

// Evaluate 只处理 tick 所属 symbol 的持仓。每个仓位最多产出一个意图：
// 止损、止盈、停滞等终结性动作优先；否则在移动止损候选中取最紧的一个。
// atr 为最新收盘 K 线上的 ATR，0 表示未知。
func (m *Monitor) Evaluate(tick market.TickEvent, positions []position.Position, atr float64) Decision {
	var dec Decision
	if tick.Price <= 0 {
		return dec
	}
	at := tickTime(tick)
	for _, pos := range positions {
		if pos.Symbol != tick.Symbol || !pos.Manageable() {
			continue
		}
		next, intent := m.evaluate(pos, tick.Price, atr, at)
		dec.Updated = append(dec.Updated, next)
		if intent != nil {
			dec.Intents = append(dec.Intents, *intent)
		}
	}
	return dec
}

func (m *Monitor) evaluate(pos position.Position, price, atr float64, at time.Time) (position.Position, *gateway.OrderIntent) {
	sp := m.params.Side(pos.Side)
	next := pos.ObservePrice(price)

	// 1. 止损
	if position.StopHit(pos.Side, price, pos.StopPrice) {
		reason := ReasonStopLoss
		if pos.TrailingActive {
			reason = ReasonTrailingStop
		}
		return next, closeIntent(next, price, reason, at)
	}

	// 2. 追踪止损
	trailCandidate := 0.0
	if !next.TrailingActive && trailingActivates(next, sp, price, atr) {
		next.TrailingActive = true
	}
	if next.TrailingActive || next.BreakevenLocked {
		trailCandidate = trailingStop(next, sp, atr)
	}

	// 3. 分批止盈
	if intent := m.partialTakeProfit(next, price, at); intent != nil {
		return next, intent
	}

	// 4. 保本
	breakevenCandidate := 0.0
	if !next.BreakevenLocked && sp.BreakevenATRMultiplier > 0 && next.ATRAtEntry > 0 {
		trigger := position.Beyond(next.Side, next.EntryPrice, sp.BreakevenATRMultiplier*next.ATRAtEntry)
		if position.TargetHit(next.Side, price, trigger) {
			be := BreakevenPrice(next, m.params.FeeRate)
			if position.Tightens(next.Side, be, next.StopPrice) {
				breakevenCandidate = be
			} else {
				// 当前止损已优于保本价，无需再挂单
				next.BreakevenLocked = true
			}
		}
	}

	// 5. 利润锁
	lockCandidate := 0.0
	if !next.BreakevenLocked && sp.ProfitLockTriggerPct > 0 && sp.ProfitLockTargetPct > 0 {
		trigger := position.Beyond(next.Side, next.EntryPrice, next.EntryPrice*sp.ProfitLockTriggerPct)
		if position.TargetHit(next.Side, price, trigger) {
			lockCandidate = position.Beyond(next.Side, next.EntryPrice, next.EntryPrice*sp.ProfitLockTargetPct)
		}
	}

	// 6. 停滞离场
	pnl := next.UnrealizedPnL(price)
	if !next.StagnationArmed && next.TrailingActive && next.ATRAtEntry > 0 && sp.StagnationATRThreshold > 0 {
		if pnl > sp.StagnationATRThreshold*next.ATRAtEntry*next.InitialSize {
			next.StagnationArmed = true
		}
	}
	if next.StagnationArmed && sp.StagnationDecay > 0 && pnl < next.PeakProfit*sp.StagnationDecay {
		return next, closeIntent(next, price, ReasonStagnation, at)
	}

	// 7. 最终止盈（接管仓位无 ATR，不设目标）
	if !next.Rescued && next.ATRAtEntry > 0 && sp.TPATRMultiplier > 0 {
		target := position.Beyond(next.Side, next.EntryPrice, sp.TPATRMultiplier*next.ATRAtEntry)
		if position.TargetHit(next.Side, price, target) {
			return next, closeIntent(next, price, ReasonTakeProfit, at)
		}
	}

	stop, reason := tightest(next, []candidate{
		{trailCandidate, ReasonTrailing},
		{breakevenCandidate, ReasonBreakeven},
		{lockCandidate, ReasonProfitLock},
	})
	if stop <= 0 {
		return next, nil
	}
	// 保本条件已满足时，即使追踪止损更紧，也按保本确认。
	if breakevenCandidate > 0 {
		reason = ReasonBreakeven
	}
	return next, &gateway.OrderIntent{
		Kind:       gateway.KindMoveStop,
		Symbol:     next.Symbol,
		Side:       next.Side,
		Size:       next.Size,
		RefPrice:   price,
		StopPrice:  stop,
		OrderID:    next.StopOrderID,
		Reason:     reason,
		PositionID: next.ID,
		CreatedAt:  at,
	}
}

func (m *Monitor) partialTakeProfit(pos position.Position, price float64, at time.Time) *gateway.OrderIntent {
	for i, lvl := range pos.TakeProfits {
		if lvl.Filled || !position.TargetHit(pos.Side, price, lvl.Price) {
			continue
		}
		size := m.params.RoundLot(lvl.Fraction * pos.InitialSize)
		if size <= 0 || size > maxPartialShare*pos.Size {
			continue
		}
		return &gateway.OrderIntent{
			Kind:       gateway.KindReduce,
			Symbol:     pos.Symbol,
			Side:       pos.Side,
			Size:       size,
			RefPrice:   price,
			Reason:     fmt.Sprintf("%s_%d", ReasonPartialTP, i+1),
			PositionID: pos.ID,
			Level:      i,
			CreatedAt:  at,
		}
	}
	return nil
}

// trailingActivates: 价格超过入场价 trail_early_activation_atr 倍 ATR。
func trailingActivates(pos position.Position, sp strategy.SideParams, price, atr float64) bool {
	ref := pos.ATRAtEntry
	if ref <= 0 {
		ref = atr
	}
	if ref <= 0 || sp.TrailEarlyActivationATR <= 0 {
		return false
	}
	trigger := position.Beyond(pos.Side, pos.EntryPrice, sp.TrailEarlyActivationATR*ref)
	return position.Favorable(pos.Side, price, trigger)
}

// trailingStop 返回吊灯止损价：锚点为峰值（多）或谷值（空）。
func trailingStop(pos position.Position, sp strategy.SideParams, atr float64) float64 {
	anchor := pos.PeakPrice
	if pos.Side == position.Short {
		anchor = pos.TroughPrice
	}
	if anchor <= 0 {
		return 0
	}
	if sp.TrailMode == strategy.TrailFixedPct {
		return position.TrailingStopPct(pos.Side, anchor, sp.TrailPct)
	}
	if atr <= 0 {
		atr = pos.ATRAtEntry
	}
	mult := sp.TrailATRMultiplier
	if pos.BreakevenLocked && sp.AggressiveTrailATRMultiplier > 0 {
		mult = sp.AggressiveTrailATRMultiplier
	}
	if atr <= 0 || mult <= 0 {
		return 0
	}
	return position.Behind(pos.Side, anchor, mult*atr)
}

// BreakevenPrice = 入场价 ± 2 倍单位手续费（开+平）。
func BreakevenPrice(pos position.Position, feeRate float64) float64 {
	return position.Beyond(pos.Side, pos.EntryPrice, 2*feePerUnit(pos, feeRate))
}

func feePerUnit(pos position.Position, feeRate float64) float64 {
	var fees, size float64
	for _, f := range pos.Fills {
		fees += f.Fee
		size += f.Size
	}
	if fees > 0 && size > 0 {
		return fees / size
	}
	return feeRate * pos.EntryPrice
}

type candidate struct {
	stop   float64
	reason string
}

func tightest(pos position.Position, cands []candidate) (float64, string) {
	best, reason := 0.0, ""
	for _, c := range cands {
		if c.stop <= 0 || !position.Tightens(pos.Side, c.stop, pos.StopPrice) {
			continue
		}
		if best == 0 || position.Tightens(pos.Side, c.stop, best) {
			best, reason = c.stop, c.reason
		}
	}
	return best, reason
}

func closeIntent(pos position.Position, price float64, reason string, at time.Time) *gateway.OrderIntent {
	return &gateway.OrderIntent{
		Kind:       gateway.KindClose,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Size:       pos.Size,
		RefPrice:   price,
		StopPrice:  pos.StopPrice,
		OrderID:    pos.StopOrderID,
		Reason:     reason,
		PositionID: pos.ID,
		CreatedAt:  at,
	}
}

func tickTime(t market.TickEvent) time.Time {
	ts := t.TradeTime
	if ts == 0 {
		ts = t.EventTime
	}
	if ts == 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ts).UTC()
}
