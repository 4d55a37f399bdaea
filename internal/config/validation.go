package config

import (
	"fmt"
	"strings"
	"time"

	"perpguard/internal/pkg/symbol"
	"perpguard/internal/scheduler"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if len(c.invalidSymbols) > 0 {
		return fmt.Errorf("symbols: %s is not a valid trading pair", strings.Join(c.invalidSymbols, ", "))
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols requires at least one valid symbol")
	}
	tf, ok := parseTimeframe(c.Timeframe)
	if !ok {
		return fmt.Errorf("timeframe %q is not a supported kline interval", c.Timeframe)
	}
	if err := c.Venue.validate(c.App.DryRun); err != nil {
		return err
	}
	if err := c.Kline.validate(); err != nil {
		return err
	}
	if err := c.Strategy.Validate(); err != nil {
		return fmt.Errorf("strategy: %w", err)
	}
	if c.Indicators.EMAFast >= c.Indicators.EMASlow {
		return fmt.Errorf("indicators.ema_fast must be below ema_slow")
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Reconcile.validate(tf); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func (v *VenueConfig) validate(dryRun bool) error {
	switch v.Name {
	case "binance":
		if !dryRun && (v.APIKey == "" || v.APISecret == "") {
			return fmt.Errorf("venue binance requires PERPGUARD_API_KEY and PERPGUARD_API_SECRET (or app.dry_run)")
		}
	case "paper":
	default:
		return fmt.Errorf("venue.name must be binance or paper, got %q", v.Name)
	}
	if v.Leverage < 1 || v.Leverage > 125 {
		return fmt.Errorf("venue.leverage must be in [1,125]")
	}
	if v.ProxyEnabled && v.RESTProxyURL == "" && v.WSProxyURL == "" {
		return fmt.Errorf("venue proxy enabled but no rest_proxy_url or ws_proxy_url")
	}
	return nil
}

func (k *KlineConfig) validate() error {
	if k.MaxCached < 50 || k.MaxCached > 1500 {
		return fmt.Errorf("kline.max_cached must be in [50,1500]")
	}
	if k.Warmup > k.MaxCached {
		return fmt.Errorf("kline.warmup must not exceed kline.max_cached")
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.BaseRisk <= 0 || r.BaseRisk > 0.1 {
		return fmt.Errorf("risk.base_risk must be in (0, 0.1]")
	}
	if r.MinRiskFactor <= 0 || r.MinRiskFactor > 1 {
		return fmt.Errorf("risk.min_risk_factor must be in (0, 1]")
	}
	for i, t := range r.Tiers {
		if t.Above <= 0 || t.Above >= 1 {
			return fmt.Errorf("risk.drawdown_tiers[%d].above must be in (0,1)", i)
		}
		if t.Factor <= 0 || t.Factor > 1 {
			return fmt.Errorf("risk.drawdown_tiers[%d].factor must be in (0,1]", i)
		}
	}
	return nil
}

func (r *ReconcileConfig) validate(timeframe time.Duration) error {
	if r.Interval < 10*time.Second {
		return fmt.Errorf("reconcile.interval must be >= 10s")
	}
	if r.Offset < 0 || r.Offset >= r.Interval || r.Offset >= timeframe {
		return fmt.Errorf("reconcile.offset must be >= 0 and below interval and timeframe")
	}
	if r.Tolerance < 0 || r.Tolerance >= 0.1 {
		return fmt.Errorf("reconcile.tolerance must be in [0, 0.1)")
	}
	if r.RescueStopPct <= 0 || r.RescueStopPct >= 0.5 {
		return fmt.Errorf("reconcile.rescue_stop_pct must be in (0, 0.5)")
	}
	if r.BalanceInterval < 5*time.Second {
		return fmt.Errorf("reconcile.balance_interval must be >= 5s")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if n.Telegram.BotToken == "" || n.Telegram.ChatID == "" {
			return fmt.Errorf("telegram notification enabled but missing bot_token or chat_id")
		}
	}
	return nil
}

// parseTimeframe 只接受交易所支持的 K 线周期。
func parseTimeframe(tf string) (time.Duration, bool) {
	d, ok := scheduler.ParseIntervalDuration(tf)
	if !ok || d < time.Minute {
		return 0, false
	}
	return d, true
}

// normalizeSymbols 接受 BTCUSDT / BTC/USDT / btc-usdt，统一为交易所格式并去重，无法识别的单独返回。
func normalizeSymbols(in []string) (out, invalid []string) {
	if len(in) == 0 {
		return nil, nil
	}
	raw := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ReplaceAll(strings.TrimSpace(s), "-", "/")
		if !symbol.IsValid(s) {
			invalid = append(invalid, s)
			continue
		}
		raw = append(raw, s)
	}
	for _, s := range symbol.NormalizeList(raw) {
		out = append(out, symbol.Binance.ToExchange(s))
	}
	return out, invalid
}
