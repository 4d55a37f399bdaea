package position

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition 表示逻辑错误（重复平仓、放松止损等），调用方应冻结该仓位。
var ErrInvalidTransition = errors.New("invalid transition")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, args...))
}

// New 创建一个等待成交的仓位。
func New(id, symbol string, side Side, atr float64) Position {
	return Position{
		ID:         id,
		Symbol:     symbol,
		Side:       side,
		Status:     StatusPending,
		ATRAtEntry: atr,
	}
}

// Adopt 以交易所报告的入场价/数量接管孤儿仓位。ATRAtEntry 为 0 表示不设 ATR 目标。
func Adopt(id, symbol string, side Side, size, entry float64, at time.Time) Position {
	return Position{
		ID:           id,
		Symbol:       symbol,
		Side:         side,
		Status:       StatusOpen,
		Fills:        []Fill{{Price: entry, Size: size, At: at}},
		Size:         size,
		InitialSize:  size,
		EntryPrice:   entry,
		LastAddPrice: entry,
		PeakPrice:    entry,
		TroughPrice:  entry,
		OpenedAt:     at,
		Rescued:      true,
	}
}

func (p Position) Transition(to Status) (Position, error) {
	if !CanTransition(p.Status, to) {
		return p, invalid("%s %s: %s -> %s", p.Symbol, p.Side, p.Status, to)
	}
	next := p.Clone()
	next.Status = to
	return next, nil
}

// ApplyFill 记录开仓或加仓成交，重新计算加权均价。
func (p Position) ApplyFill(f Fill) (Position, error) {
	if p.Status != StatusPending && p.Status != StatusScaling {
		return p, invalid("%s %s: fill in status %s", p.Symbol, p.Side, p.Status)
	}
	if f.Size <= sizeEpsilon || f.Price <= 0 {
		return p, invalid("%s %s: fill size=%.8f price=%.8f", p.Symbol, p.Side, f.Size, f.Price)
	}
	next := p.Clone()
	total := decFromFloat(next.Size).Add(decFromFloat(f.Size))
	notional := decFromFloat(next.EntryPrice).Mul(decFromFloat(next.Size)).
		Add(decFromFloat(f.Price).Mul(decFromFloat(f.Size)))
	next.EntryPrice = decToFloat(notional.Div(total))
	next.Size = decToFloat(total)
	next.Fills = append(next.Fills, f)
	next.LastAddPrice = f.Price
	next.Fees += f.Fee
	if p.Status == StatusPending {
		next.InitialSize = f.Size
		next.OpenedAt = f.At
		next.PeakPrice = f.Price
		next.TroughPrice = f.Price
	} else {
		next.LastScaledAt = f.At
	}
	next.Status = StatusOpen
	return next, nil
}

// ApplyPartialClose 减仓；剩余数量归零时仓位转为 Closed。返回本次已实现盈亏。
func (p Position) ApplyPartialClose(size, price, fee float64, at time.Time) (Position, float64, error) {
	switch p.Status {
	case StatusOpen, StatusScaling, StatusPartiallyClosed, StatusClosing:
	default:
		return p, 0, invalid("%s %s: close in status %s", p.Symbol, p.Side, p.Status)
	}
	if size <= sizeEpsilon || price <= 0 {
		return p, 0, invalid("%s %s: close size=%.8f price=%.8f", p.Symbol, p.Side, size, price)
	}
	if decimalGT(size, p.Size+sizeEpsilon) {
		return p, 0, invalid("%s %s: close %.8f exceeds held %.8f", p.Symbol, p.Side, size, p.Size)
	}
	next := p.Clone()
	realized := pnlFor(p.Side, p.EntryPrice, price, size) - fee
	next.RealizedPnL += realized
	next.Fees += fee
	remaining := decToFloat(decFromFloat(p.Size).Sub(decFromFloat(size)))
	if IsDust(remaining) {
		next.Size = 0
		next.Status = StatusClosed
		next.ClosedAt = at
		return next, realized, nil
	}
	next.Size = remaining
	next.PartialCloses++
	next.Status = StatusPartiallyClosed
	return next, realized, nil
}

// MoveStop 只允许止损向有利方向移动；相同价格视为无操作。
func (p Position) MoveStop(stop float64) (Position, error) {
	if p.Status == StatusPending || p.Status == StatusClosed {
		return p, invalid("%s %s: move stop in status %s", p.Symbol, p.Side, p.Status)
	}
	if stop <= 0 {
		return p, invalid("%s %s: stop %.8f", p.Symbol, p.Side, stop)
	}
	if p.StopPrice > 0 && decimalCompare(stop, p.StopPrice) == 0 {
		return p, nil
	}
	if p.StopPrice > 0 && !Tightens(p.Side, stop, p.StopPrice) {
		return p, invalid("%s %s: stop %.8f loosens %.8f", p.Symbol, p.Side, stop, p.StopPrice)
	}
	next := p.Clone()
	if next.OriginalStop <= 0 {
		next.OriginalStop = stop
	}
	next.StopPrice = stop
	return next, nil
}

// ApplyTimeExit 持仓时间达到上限后进入 Closing。
func (p Position) ApplyTimeExit(now time.Time, maxHold time.Duration) (Position, error) {
	if p.Status != StatusOpen && p.Status != StatusPartiallyClosed {
		return p, invalid("%s %s: time exit in status %s", p.Symbol, p.Side, p.Status)
	}
	if maxHold <= 0 || p.TimeInTrade(now) < maxHold {
		return p, invalid("%s %s: held %s < %s", p.Symbol, p.Side, p.TimeInTrade(now), maxHold)
	}
	next := p.Clone()
	next.Status = StatusClosing
	next.CloseReason = "max_hold"
	return next, nil
}

// LockBreakeven 在保本止损被交易所确认后调用。
func (p Position) LockBreakeven(stop float64) (Position, error) {
	next, err := p.MoveStop(stop)
	if err != nil {
		return p, err
	}
	next.BreakevenLocked = true
	return next, nil
}

// MarkTakeProfitFilled 标记某档止盈已成交。
func (p Position) MarkTakeProfitFilled(level int) (Position, error) {
	if level < 0 || level >= len(p.TakeProfits) {
		return p, invalid("%s %s: take-profit level %d", p.Symbol, p.Side, level)
	}
	next := p.Clone()
	next.TakeProfits[level].Filled = true
	return next, nil
}

// ObservePrice 更新峰值/谷值与最大浮盈水位，不改变生命周期。
func (p Position) ObservePrice(price float64) Position {
	if price <= 0 {
		return p
	}
	next := p
	next.LastPrice = price
	if next.PeakPrice <= 0 || decimalGT(price, next.PeakPrice) {
		next.PeakPrice = price
	}
	if next.TroughPrice <= 0 || decimalLT(price, next.TroughPrice) {
		next.TroughPrice = price
	}
	if pnl := p.UnrealizedPnL(price); pnl > next.PeakProfit {
		next.PeakProfit = pnl
	}
	return next
}

// Resync 用交易所数据覆盖数量与均价（交易所为准）。
func (p Position) Resync(size, entry float64) (Position, error) {
	if IsDust(size) {
		return p, invalid("%s %s: resync to zero size", p.Symbol, p.Side)
	}
	next := p.Clone()
	next.Size = size
	if entry > 0 {
		next.EntryPrice = entry
	}
	if next.InitialSize <= 0 {
		next.InitialSize = size
	}
	if next.Status == StatusPending || next.Status == StatusScaling || next.Status == StatusClosing {
		next.Status = StatusOpen
	}
	return next, nil
}

// ForceClose 对账确认交易所已平仓时直接终结本地仓位，不做生命周期校验。
func (p Position) ForceClose(price float64, at time.Time, reason string) (Position, float64) {
	next := p.Clone()
	realized := 0.0
	if price > 0 && !IsDust(p.Size) {
		realized = pnlFor(p.Side, p.EntryPrice, price, p.Size)
	}
	next.RealizedPnL += realized
	next.Size = 0
	next.Status = StatusClosed
	next.ClosedAt = at
	next.CloseReason = reason
	return next, realized
}

func (p Position) Freeze(reason string) Position {
	next := p.Clone()
	next.Frozen = true
	next.FrozenReason = reason
	return next
}

func (p Position) Unfreeze() Position {
	next := p.Clone()
	next.Frozen = false
	next.FrozenReason = ""
	return next
}
