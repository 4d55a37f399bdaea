package app

import (
	"fmt"
	"io"
	"os"
	"strings"

	"perpguard/internal/config"
	"perpguard/internal/notifier"
	"perpguard/internal/strategy"
)

type StartupSummary struct {
	Venue     VenueSummary
	KLine     KLineSummary
	Indicator IndicatorSummary
	Sides     map[string]SideSummary
	Risk      RiskSummary
	Reconcile ReconcileSummary
	Sinks     []string
	HTTPAddr  string

	out io.Writer
}

type VenueSummary struct {
	Name     string
	DryRun   bool
	Leverage int
	Testnet  bool
}

type KLineSummary struct {
	Symbols   []string
	Timeframe string
	Warmup    int
	MaxCached int
}

type IndicatorSummary struct {
	EMAFast, EMASlow int
	RSI, ATR, ADX    int
}

type SideSummary struct {
	Enabled   bool
	StopATR   float64
	TrailMode string
	TrailATR  float64
	MaxHold   string
	Cooldown  int
	Scaling   bool
}

type RiskSummary struct {
	BaseRisk  float64
	MinFactor float64
	Tiers     int
}

type ReconcileSummary struct {
	Interval        string
	Offset          string
	BalanceInterval string
	Tolerance       float64
}

func newStartupSummary(cfg *config.Config, venueName string, sinks []notifier.Sink) *StartupSummary {
	s := &StartupSummary{
		Venue: VenueSummary{
			Name:     venueName,
			DryRun:   cfg.UsePaper(),
			Leverage: cfg.Venue.Leverage,
			Testnet:  cfg.Venue.Testnet,
		},
		KLine: KLineSummary{
			Symbols:   cfg.Symbols,
			Timeframe: cfg.Timeframe,
			Warmup:    cfg.Kline.Warmup,
			MaxCached: cfg.Kline.MaxCached,
		},
		Indicator: IndicatorSummary{
			EMAFast: cfg.Indicators.EMAFast,
			EMASlow: cfg.Indicators.EMASlow,
			RSI:     cfg.Indicators.RSIPeriod,
			ATR:     cfg.Indicators.ATRPeriod,
			ADX:     cfg.Indicators.ADXPeriod,
		},
		Sides: map[string]SideSummary{
			"long":  sideSummary(cfg.Strategy.Long),
			"short": sideSummary(cfg.Strategy.Short),
		},
		Risk: RiskSummary{
			BaseRisk:  cfg.Risk.BaseRisk,
			MinFactor: cfg.Risk.MinRiskFactor,
			Tiers:     len(cfg.Risk.Tiers),
		},
		Reconcile: ReconcileSummary{
			Interval:        cfg.Reconcile.Interval.String(),
			Offset:          cfg.Reconcile.Offset.String(),
			BalanceInterval: cfg.Reconcile.BalanceInterval.String(),
			Tolerance:       cfg.Reconcile.Tolerance,
		},
		HTTPAddr: cfg.App.HTTPAddr,
		out:      os.Stdout,
	}
	for _, sink := range sinks {
		s.Sinks = append(s.Sinks, sink.Name())
	}
	return s
}

func sideSummary(p strategy.SideParams) SideSummary {
	return SideSummary{
		Enabled:   p.Enabled,
		StopATR:   p.ATRStopMultiplier,
		TrailMode: p.TrailMode,
		TrailATR:  p.TrailATRMultiplier,
		MaxHold:   p.MaxHold.String(),
		Cooldown:  p.CooldownCandles,
		Scaling:   p.PositionScaling,
	}
}

func (s *StartupSummary) Print() {
	w := s.out
	if w == nil {
		w = os.Stdout
	}
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Fprintln(w, strings.Repeat("=", 80))

	fmt.Fprintln(w, "[交易所 (VENUE)]")
	fmt.Fprintf(w, "  名称: %s\n", s.Venue.Name)
	fmt.Fprintf(w, "  模拟盘: %v  测试网: %v\n", s.Venue.DryRun, s.Venue.Testnet)
	fmt.Fprintf(w, "  杠杆: %dx\n", s.Venue.Leverage)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[K线数据 (K-LINE DATA)]")
	fmt.Fprintf(w, "  监控币种: %s\n", formatList(s.KLine.Symbols))
	fmt.Fprintf(w, "  周期: %s\n", s.KLine.Timeframe)
	fmt.Fprintf(w, "  预热/缓存: %d / %d\n", s.KLine.Warmup, s.KLine.MaxCached)
	fmt.Fprintf(w, "  指标: EMA %d/%d RSI %d ATR %d ADX %d\n",
		s.Indicator.EMAFast, s.Indicator.EMASlow, s.Indicator.RSI, s.Indicator.ATR, s.Indicator.ADX)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[方向参数 (SIDES)]")
	for _, side := range []string{"long", "short"} {
		d, ok := s.Sides[side]
		if !ok {
			continue
		}
		if !d.Enabled {
			fmt.Fprintf(w, "  > %s: (禁用)\n", side)
			continue
		}
		fmt.Fprintf(w, "  > %s: stop=%.2fATR trail=%s/%.2fATR max_hold=%s cooldown=%d scaling=%v\n",
			side, d.StopATR, d.TrailMode, d.TrailATR, d.MaxHold, d.Cooldown, d.Scaling)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[风控与对账 (RISK & RECONCILE)]")
	fmt.Fprintf(w, "  单笔风险: %.2f%%  最低系数: %.2f  回撤档位: %d\n", s.Risk.BaseRisk*100, s.Risk.MinFactor, s.Risk.Tiers)
	fmt.Fprintf(w, "  对账: 每 %s (偏移 %s)  余额: 每 %s  容差: %.4f\n",
		s.Reconcile.Interval, s.Reconcile.Offset, s.Reconcile.BalanceInterval, s.Reconcile.Tolerance)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[通知与接口 (NOTIFY & HTTP)]")
	fmt.Fprintf(w, "  通知出口: %s\n", formatList(s.Sinks))
	fmt.Fprintf(w, "  HTTP: %s\n", s.HTTPAddr)
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
