package position

import (
	"math"

	"github.com/shopspring/decimal"
)

const sizeEpsilon = 1e-8

var (
	decOne     = decimal.NewFromInt(1)
	decimalEps = decimal.NewFromFloat(sizeEpsilon)
)

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

func decimalCompare(a, b float64) int {
	return decFromFloat(a).Cmp(decFromFloat(b))
}

func decimalLTE(a, b float64) bool { return decimalCompare(a, b) <= 0 }
func decimalGTE(a, b float64) bool { return decimalCompare(a, b) >= 0 }
func decimalLT(a, b float64) bool  { return decimalCompare(a, b) < 0 }
func decimalGT(a, b float64) bool  { return decimalCompare(a, b) > 0 }

// IsDust 判断数量是否可视为零。
func IsDust(size float64) bool {
	return math.Abs(size) <= sizeEpsilon
}

// StopHit 价格触及止损：多头 price<=stop，空头 price>=stop。
func StopHit(side Side, price, stop float64) bool {
	if stop <= 0 || price <= 0 {
		return false
	}
	if side == Short {
		return decimalGTE(price, stop)
	}
	return decimalLTE(price, stop)
}

// TargetHit 价格到达有利方向目标：多头 price>=target，空头 price<=target。
func TargetHit(side Side, price, target float64) bool {
	if target <= 0 || price <= 0 {
		return false
	}
	if side == Short {
		return decimalLTE(price, target)
	}
	return decimalGTE(price, target)
}

// Favorable 判断 price 是否比 anchor 更有利（用于更新峰值/谷值）。
func Favorable(side Side, price, anchor float64) bool {
	if price <= 0 {
		return false
	}
	if anchor <= 0 {
		return true
	}
	if side == Short {
		return decimalLT(price, anchor)
	}
	return decimalGT(price, anchor)
}

// Tightens 判断候选止损是否比当前止损更紧（仅允许向有利方向移动）。
func Tightens(side Side, candidate, current float64) bool {
	if candidate <= 0 {
		return false
	}
	if current <= 0 {
		return true
	}
	cand := decFromFloat(candidate)
	curr := decFromFloat(current)
	if side == Short {
		return cand.Cmp(curr.Sub(decimalEps)) < 0
	}
	return cand.Cmp(curr.Add(decimalEps)) > 0
}

// Beyond 向有利方向偏移 dist（多头加，空头减）。
func Beyond(side Side, base, dist float64) float64 {
	b := decFromFloat(base)
	d := decFromFloat(dist)
	if side == Short {
		return decToFloat(b.Sub(d))
	}
	return decToFloat(b.Add(d))
}

// Behind 向不利方向偏移 dist，用于计算止损价。
func Behind(side Side, base, dist float64) float64 {
	return Beyond(side.Opposite(), base, dist)
}

// TrailingStopPct 按百分比从锚点回撤得到止损价。
func TrailingStopPct(side Side, anchor, pct float64) float64 {
	if anchor <= 0 || pct <= 0 {
		return 0
	}
	base := decFromFloat(anchor)
	p := decFromFloat(pct)
	if side == Short {
		return decToFloat(base.Mul(decOne.Add(p)))
	}
	return decToFloat(base.Mul(decOne.Sub(p)))
}

// pnl = (exit - entry) * size * sign
func pnlFor(side Side, entry, exit, size float64) float64 {
	diff := decFromFloat(exit).Sub(decFromFloat(entry))
	out := diff.Mul(decFromFloat(size))
	if side == Short {
		out = out.Neg()
	}
	return decToFloat(out)
}
