package market

import "time"

type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
}

func (c Candle) CloseAt() time.Time {
	ts := c.CloseTime
	if ts == 0 {
		ts = c.OpenTime
	}
	return time.UnixMilli(ts).UTC()
}

type Candles []Candle

// Series 拆出指标计算所需的 high/low/close 序列。
func (cs Candles) Series() (highs, lows, closes []float64) {
	highs = make([]float64, len(cs))
	lows = make([]float64, len(cs))
	closes = make([]float64, len(cs))
	for i, c := range cs {
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
	}
	return highs, lows, closes
}

func (cs Candles) Last() (Candle, bool) {
	if len(cs) == 0 {
		return Candle{}, false
	}
	return cs[len(cs)-1], true
}

// DropUnclosed 去掉 REST 返回的最后一根未收盘 K 线。
func DropUnclosed(cs []Candle, now time.Time) []Candle {
	if len(cs) == 0 {
		return cs
	}
	last := cs[len(cs)-1]
	if last.CloseTime > 0 && now.UnixMilli() <= last.CloseTime {
		return cs[:len(cs)-1]
	}
	return cs
}
