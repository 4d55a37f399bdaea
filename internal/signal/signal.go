// Package signal 定义可插拔的信号函数以及默认的 EMA 交叉信号。
package signal

import (
	"fmt"

	"perpguard/internal/indicator"
	"perpguard/internal/position"
)

type Action string

const (
	ActionNone       Action = "none"
	ActionEnterLong  Action = "enter_long"
	ActionEnterShort Action = "enter_short"
	ActionExit       Action = "exit"
	ActionAdd        Action = "add"
)

// Side 返回入场动作对应的方向。
func (a Action) Side() (position.Side, bool) {
	switch a {
	case ActionEnterLong:
		return position.Long, true
	case ActionEnterShort:
		return position.Short, true
	}
	return "", false
}

// Signal 的 Strength 是突破强度（以 ATR 为单位），用于冷却期覆盖判断。
type Signal struct {
	Action   Action  `json:"action"`
	Strength float64 `json:"strength"`
	Reason   string  `json:"reason,omitempty"`
}

func None(reason string) Signal { return Signal{Action: ActionNone, Reason: reason} }

// Func 对一个 symbol 的最新指标给出信号；pos 为该方向已有持仓，可能为 nil。
type Func func(symbol string, set indicator.Set, pos *position.Position) Signal

// Filters 对应入场过滤阈值；零值表示不过滤。
type Filters struct {
	// 多头 RSI 高于该值不入场
	LongMaxRSI float64 `toml:"grid_upper_rsi" json:"grid_upper_rsi"`
	// 空头 RSI 低于该值不入场
	ShortMinRSI float64 `toml:"grid_lower_rsi" json:"grid_lower_rsi"`
	// 空头要求 ADX 不低于该值
	ShortMinADX float64 `toml:"adx_threshold" json:"adx_threshold"`
}

// Strength 计算突破强度：多头 (close-prevHigh)/ATR，空头 (prevLow-close)/ATR。
func Strength(side position.Side, set indicator.Set) float64 {
	if set.ATR <= 0 {
		return 0
	}
	if side == position.Short {
		return (set.PrevLow - set.Close) / set.ATR
	}
	return (set.Close - set.PrevHigh) / set.ATR
}

// EMACross 快线上穿慢线做多、下穿做空。已有同向持仓时同向交叉视为加仓信号，反向交叉视为离场信号。
func EMACross(f Filters) Func {
	return func(symbol string, set indicator.Set, pos *position.Position) Signal {
		if set.ATR <= 0 || set.Close <= 0 {
			return None("indicators not ready")
		}
		dir, ok := crossDirection(set)
		if !ok {
			if pos != nil && pos.IsOpen() && trendAgainst(set, pos.Side) {
				return Signal{Action: ActionExit, Reason: "trend reversed"}
			}
			return None("no cross")
		}
		if pos != nil && pos.IsOpen() {
			if pos.Side == dir {
				return Signal{Action: ActionAdd, Strength: Strength(dir, set), Reason: "cross continues " + string(dir)}
			}
			return Signal{Action: ActionExit, Reason: "opposite cross"}
		}
		if reason, blocked := f.blocks(dir, set); blocked {
			return None(reason)
		}
		action := ActionEnterLong
		if dir == position.Short {
			action = ActionEnterShort
		}
		return Signal{
			Action:   action,
			Strength: Strength(dir, set),
			Reason:   fmt.Sprintf("ema %d cross %s rsi=%.1f adx=%.1f", set.Bars, dir, set.RSI, set.ADX),
		}
	}
}

func crossDirection(set indicator.Set) (position.Side, bool) {
	if set.PrevEMAFast <= 0 || set.PrevEMASlow <= 0 {
		return "", false
	}
	switch {
	case set.PrevEMAFast <= set.PrevEMASlow && set.EMAFast > set.EMASlow:
		return position.Long, true
	case set.PrevEMAFast >= set.PrevEMASlow && set.EMAFast < set.EMASlow:
		return position.Short, true
	}
	return "", false
}

func trendAgainst(set indicator.Set, side position.Side) bool {
	if side == position.Short {
		return set.EMAFast > set.EMASlow
	}
	return set.EMAFast < set.EMASlow
}

func (f Filters) blocks(side position.Side, set indicator.Set) (string, bool) {
	switch side {
	case position.Long:
		if f.LongMaxRSI > 0 && set.RSI > f.LongMaxRSI {
			return fmt.Sprintf("rsi %.1f above %.1f", set.RSI, f.LongMaxRSI), true
		}
	case position.Short:
		if f.ShortMinRSI > 0 && set.RSI < f.ShortMinRSI {
			return fmt.Sprintf("rsi %.1f below %.1f", set.RSI, f.ShortMinRSI), true
		}
		if f.ShortMinADX > 0 && set.ADX < f.ShortMinADX {
			return fmt.Sprintf("adx %.1f below %.1f", set.ADX, f.ShortMinADX), true
		}
	}
	return "", false
}
