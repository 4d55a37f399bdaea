// Package strategy 定义交易管理与风控共用的参数集合（按多空方向分别配置）。
package strategy

import (
	"fmt"
	"math"
	"time"

	"perpguard/internal/position"
	"perpguard/internal/signal"
)

const (
	TrailChandelier = "chandelier"
	TrailFixedPct   = "fixed_pct"
)

// SideParams 是单个方向的交易管理参数。
type SideParams struct {
	Enabled bool `toml:"enabled" json:"enabled"`

	ATRStopMultiplier float64 `toml:"atr_stop_multiplier" json:"atr_stop_multiplier"`

	TrailMode                    string  `toml:"trail_mode" json:"trail_mode"`
	TrailATRMultiplier           float64 `toml:"trail_atr_multiplier" json:"trail_atr_multiplier"`
	AggressiveTrailATRMultiplier float64 `toml:"aggressive_trail_atr_multiplier" json:"aggressive_trail_atr_multiplier"`
	TrailEarlyActivationATR      float64 `toml:"trail_early_activation_atr" json:"trail_early_activation_atr"`
	TrailPct                     float64 `toml:"trail_pct" json:"trail_pct"`

	BreakevenATRMultiplier float64 `toml:"breakeven_atr_multiplier" json:"breakeven_atr_multiplier"`
	ProfitLockTriggerPct   float64 `toml:"profit_lock_trigger_pct" json:"profit_lock_trigger_pct"`
	ProfitLockTargetPct    float64 `toml:"profit_lock_target_pct" json:"profit_lock_target_pct"`

	StagnationATRThreshold float64 `toml:"stagnation_atr_threshold" json:"stagnation_atr_threshold"`
	StagnationDecay        float64 `toml:"stagnation_decay" json:"stagnation_decay"`

	TPATRMultiplier   float64   `toml:"tp_atr_multiplier" json:"tp_atr_multiplier"`
	PartialTPLevels   []float64 `toml:"partial_tp_levels" json:"partial_tp_levels"`
	PartialTPFraction float64   `toml:"partial_tp_fraction" json:"partial_tp_fraction"`

	CooldownCandles                  int     `toml:"cooldown_candles" json:"cooldown_candles"`
	CooldownOverrideThreshold        float64 `toml:"cooldown_override_threshold" json:"cooldown_override_threshold"`
	AggressiveBreakoutStopMultiplier float64 `toml:"aggressive_breakout_stop_multiplier" json:"aggressive_breakout_stop_multiplier"`

	PositionScaling         bool    `toml:"position_scaling" json:"position_scaling"`
	MaxPositionMultiplier   float64 `toml:"max_position_multiplier" json:"max_position_multiplier"`
	ScaleAddATRMultiplier   float64 `toml:"scale_add_atr_multiplier" json:"scale_add_atr_multiplier"`
	ScaleProfitThresholdATR float64 `toml:"scale_profit_threshold_atr" json:"scale_profit_threshold_atr"`
	ScaleAddFraction        float64 `toml:"scale_add_fraction" json:"scale_add_fraction"`

	MaxHold time.Duration `toml:"max_hold" json:"max_hold"`

	GridUpperRSI float64 `toml:"grid_upper_rsi" json:"grid_upper_rsi"`
	GridLowerRSI float64 `toml:"grid_lower_rsi" json:"grid_lower_rsi"`
	ADXThreshold float64 `toml:"adx_threshold" json:"adx_threshold"`
}

// DefaultSideParams 与原策略默认值一致。
func DefaultSideParams() SideParams {
	return SideParams{
		Enabled:                          true,
		ATRStopMultiplier:                2,
		TrailMode:                        TrailChandelier,
		TrailATRMultiplier:               3,
		AggressiveTrailATRMultiplier:     1.5,
		TrailEarlyActivationATR:          1,
		TrailPct:                         0.02,
		BreakevenATRMultiplier:           1.5,
		StagnationATRThreshold:           3,
		StagnationDecay:                  0.7,
		TPATRMultiplier:                  8,
		PartialTPFraction:                0.25,
		CooldownCandles:                  3,
		CooldownOverrideThreshold:        1.5,
		AggressiveBreakoutStopMultiplier: 1,
		MaxPositionMultiplier:            1,
		ScaleAddATRMultiplier:            0.5,
		ScaleAddFraction:                 1,
		MaxHold:                          48 * time.Hour,
		GridUpperRSI:                     99,
		GridLowerRSI:                     1,
		ADXThreshold:                     25,
	}
}

// Params 是全部交易管理参数；Timeframe 用于计算冷却期。
type Params struct {
	Timeframe time.Duration `toml:"-" json:"timeframe"`
	Leverage  int           `toml:"leverage" json:"leverage"`
	FeeRate   float64       `toml:"fee_rate" json:"fee_rate"`
	LotStep   float64       `toml:"lot_step" json:"lot_step"`
	MinQty    float64       `toml:"min_qty" json:"min_qty"`

	Long  SideParams `toml:"long" json:"long"`
	Short SideParams `toml:"short" json:"short"`
}

func DefaultParams() Params {
	return Params{
		Timeframe: time.Hour,
		Leverage:  5,
		FeeRate:   0.0006,
		LotStep:   0.001,
		MinQty:    0.001,
		Long:      DefaultSideParams(),
		Short:     DefaultSideParams(),
	}
}

func (p Params) Side(side position.Side) SideParams {
	if side == position.Short {
		return p.Short
	}
	return p.Long
}

// Cooldown = cooldown_candles * timeframe。
func (p Params) Cooldown(side position.Side) time.Duration {
	n := p.Side(side).CooldownCandles
	if n <= 0 || p.Timeframe <= 0 {
		return 0
	}
	return time.Duration(n) * p.Timeframe
}

// RoundLot 向下取整到 lot_step。
func (p Params) RoundLot(size float64) float64 {
	if size <= 0 {
		return 0
	}
	if p.LotStep <= 0 {
		return size
	}
	steps := math.Floor(size/p.LotStep + 1e-9)
	return steps * p.LotStep
}

// SignalFilters 把两个方向的过滤阈值合并给默认信号函数使用。
func (p Params) SignalFilters() signal.Filters {
	return signal.Filters{
		LongMaxRSI:  p.Long.GridUpperRSI,
		ShortMinRSI: p.Short.GridLowerRSI,
		ShortMinADX: p.Short.ADXThreshold,
	}
}

func (p Params) Validate() error {
	if p.Leverage <= 0 {
		return fmt.Errorf("leverage must be > 0")
	}
	if p.FeeRate < 0 || p.FeeRate >= 0.01 {
		return fmt.Errorf("fee_rate must be in [0, 0.01)")
	}
	if p.LotStep < 0 || p.MinQty < 0 {
		return fmt.Errorf("lot_step/min_qty must be >= 0")
	}
	if err := p.Long.validate(); err != nil {
		return fmt.Errorf("strategy.long: %w", err)
	}
	if err := p.Short.validate(); err != nil {
		return fmt.Errorf("strategy.short: %w", err)
	}
	return nil
}

func (sp SideParams) validate() error {
	if sp.ATRStopMultiplier <= 0 {
		return fmt.Errorf("atr_stop_multiplier must be > 0")
	}
	switch sp.TrailMode {
	case "", TrailChandelier:
		if sp.TrailATRMultiplier <= 0 {
			return fmt.Errorf("trail_atr_multiplier must be > 0")
		}
	case TrailFixedPct:
		if sp.TrailPct <= 0 || sp.TrailPct >= 1 {
			return fmt.Errorf("trail_pct must be in (0,1)")
		}
	default:
		return fmt.Errorf("unknown trail_mode %q", sp.TrailMode)
	}
	if sp.StagnationDecay < 0 || sp.StagnationDecay > 1 {
		return fmt.Errorf("stagnation_decay must be in [0,1]")
	}
	if sp.PartialTPFraction < 0 || sp.PartialTPFraction > 1 {
		return fmt.Errorf("partial_tp_fraction must be in [0,1]")
	}
	for i, lvl := range sp.PartialTPLevels {
		if lvl <= 0 {
			return fmt.Errorf("partial_tp_levels[%d] must be > 0", i)
		}
	}
	if sp.ProfitLockTriggerPct > 0 && sp.ProfitLockTargetPct >= sp.ProfitLockTriggerPct {
		return fmt.Errorf("profit_lock_target_pct must be below profit_lock_trigger_pct")
	}
	if sp.PositionScaling && sp.MaxPositionMultiplier < 1 {
		return fmt.Errorf("max_position_multiplier must be >= 1 when position_scaling is on")
	}
	if sp.CooldownCandles < 0 {
		return fmt.Errorf("cooldown_candles must be >= 0")
	}
	return nil
}
