package account

import (
	"sort"
)

// Tier: 回撤超过 Above 时风险系数降为 Factor。
type Tier struct {
	Above  float64 `toml:"above" json:"above"`
	Factor float64 `toml:"factor" json:"factor"`
}

// DefaultTiers 对应 10%/20%/30%/40% 回撤的分段降风险曲线。
func DefaultTiers() []Tier {
	return []Tier{
		{Above: 0.1, Factor: 0.75},
		{Above: 0.2, Factor: 0.5},
		{Above: 0.3, Factor: 0.35},
		{Above: 0.4, Factor: 0.25},
	}
}

// Governor 根据当前回撤缩放单笔风险，结果随回撤单调不增且不低于 MinFactor。
type Governor struct {
	BaseRisk  float64
	MinFactor float64
	tiers     []Tier
}

func NewGovernor(baseRisk, minFactor float64, tiers []Tier) *Governor {
	if minFactor <= 0 {
		minFactor = 0.1
	}
	if minFactor > 1 {
		minFactor = 1
	}
	cp := make([]Tier, len(tiers))
	copy(cp, tiers)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Above < cp[j].Above })
	return &Governor{BaseRisk: baseRisk, MinFactor: minFactor, tiers: cp}
}

// Factor 取所有已越过档位的最小系数，因此即使配置不单调，结果依然单调。
func (g *Governor) Factor(drawdown float64) float64 {
	factor := 1.0
	for _, t := range g.tiers {
		if drawdown > t.Above && t.Factor < factor {
			factor = t.Factor
		}
	}
	if factor < g.MinFactor {
		factor = g.MinFactor
	}
	return factor
}

// ScalingFactor 即 1 - Factor。
func (g *Governor) ScalingFactor(drawdown float64) float64 {
	return 1 - g.Factor(drawdown)
}

// RiskFraction = base_risk * Factor(drawdown)。
func (g *Governor) RiskFraction(drawdown float64) float64 {
	return g.BaseRisk * g.Factor(drawdown)
}

// RiskAmount 以风险资金基数（HWM）计算本笔可承受亏损金额。
func (g *Governor) RiskAmount(a *Account) float64 {
	if a == nil {
		return 0
	}
	base := a.RiskCapitalBase
	if base <= 0 {
		base = a.Equity
	}
	return base * g.RiskFraction(a.Drawdown)
}
