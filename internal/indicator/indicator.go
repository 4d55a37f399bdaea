// Package indicator 把 K 线序列转换成交易管理需要的最新指标值。
package indicator

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"perpguard/internal/market"
)

type Params struct {
	EMAFast   int `toml:"ema_fast" json:"ema_fast"`
	EMASlow   int `toml:"ema_slow" json:"ema_slow"`
	RSIPeriod int `toml:"rsi_period" json:"rsi_period"`
	ATRPeriod int `toml:"atr_period" json:"atr_period"`
	ADXPeriod int `toml:"adx_period" json:"adx_period"`
}

func DefaultParams() Params {
	return Params{EMAFast: 12, EMASlow: 26, RSIPeriod: 14, ATRPeriod: 14, ADXPeriod: 14}
}

func (p Params) withDefaults() Params {
	def := DefaultParams()
	if p.EMAFast <= 0 {
		p.EMAFast = def.EMAFast
	}
	if p.EMASlow <= 0 {
		p.EMASlow = def.EMASlow
	}
	if p.RSIPeriod <= 0 {
		p.RSIPeriod = def.RSIPeriod
	}
	if p.ATRPeriod <= 0 {
		p.ATRPeriod = def.ATRPeriod
	}
	if p.ADXPeriod <= 0 {
		p.ADXPeriod = def.ADXPeriod
	}
	return p
}

// MinBars 是所有指标都可用所需的最少 K 线数。
func (p Params) MinBars() int {
	p = p.withDefaults()
	need := p.EMASlow
	for _, n := range []int{p.EMAFast, p.RSIPeriod + 1, p.ATRPeriod + 1, 2*p.ADXPeriod + 1} {
		if n > need {
			need = n
		}
	}
	return need + 1
}

// Set 是最近一根已收盘 K 线上的指标值；Prev* 为上一根 K 线，用于判断交叉与突破。
type Set struct {
	Close       float64 `json:"close"`
	EMAFast     float64 `json:"ema_fast"`
	EMASlow     float64 `json:"ema_slow"`
	PrevEMAFast float64 `json:"prev_ema_fast"`
	PrevEMASlow float64 `json:"prev_ema_slow"`
	RSI         float64 `json:"rsi"`
	ATR         float64 `json:"atr"`
	ADX         float64 `json:"adx"`
	PrevHigh    float64 `json:"prev_high"`
	PrevLow     float64 `json:"prev_low"`
	Bars        int     `json:"bars"`
}

func Compute(candles []market.Candle, params Params) (Set, error) {
	params = params.withDefaults()
	if len(candles) < params.MinBars() {
		return Set{}, fmt.Errorf("need %d candles, got %d", params.MinBars(), len(candles))
	}
	highs, lows, closes := market.Candles(candles).Series()
	n := len(closes)

	emaFast := talib.Ema(closes, params.EMAFast)
	emaSlow := talib.Ema(closes, params.EMASlow)
	set := Set{
		Close:       closes[n-1],
		EMAFast:     sanitize(emaFast[n-1]),
		EMASlow:     sanitize(emaSlow[n-1]),
		PrevEMAFast: sanitize(emaFast[n-2]),
		PrevEMASlow: sanitize(emaSlow[n-2]),
		RSI:         sanitize(talib.Rsi(closes, params.RSIPeriod)[n-1]),
		ATR:         sanitize(talib.Atr(highs, lows, closes, params.ATRPeriod)[n-1]),
		ADX:         sanitize(talib.Adx(highs, lows, closes, params.ADXPeriod)[n-1]),
		PrevHigh:    highs[n-2],
		PrevLow:     lows[n-2],
		Bars:        n,
	}
	return set, nil
}

// ATR 只计算最新 ATR，供对账救援时估算止损距离。
func ATR(candles []market.Candle, period int) float64 {
	if period <= 0 {
		period = 14
	}
	if len(candles) <= period {
		return 0
	}
	highs, lows, closes := market.Candles(candles).Series()
	series := talib.Atr(highs, lows, closes, period)
	return sanitize(series[len(series)-1])
}

func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
