package config

import (
	"strings"
	"time"

	"perpguard/internal/account"
	"perpguard/internal/gateway"
	"perpguard/internal/indicator"
	"perpguard/internal/reconcile"
	"perpguard/internal/strategy"
)

// 默认值常量
const (
	defaultAppEnv          = "dev"
	defaultAppLogLevel     = "info"
	defaultAppHTTPAddr     = ":9991"
	defaultAppLogPath      = "data/logs/perpguard.log"
	defaultVenueName       = "binance"
	defaultVenueLeverage   = 5
	defaultTimeframe       = "1h"
	defaultKlineMaxCached  = 300
	defaultKlineWarmup     = 200
	defaultBaseRisk        = 0.01
	defaultMinRiskFactor   = 0.1
	defaultReconcileEvery  = 5 * time.Minute
	defaultReconcileOffset = 15 * time.Second
	defaultBalanceEvery    = time.Minute
	defaultStateDB         = "data/perpguard.db"
	defaultJournalDB       = "data/journal.db"
	defaultNotifyBuffer    = 128
)

// seedDefaults 在解码前填充领域参数，配置文件只覆盖写出的键。
func seedDefaults() Config {
	return Config{
		Strategy:   strategy.DefaultParams(),
		Indicators: indicator.DefaultParams(),
		Gateway:    gateway.Config{Retry: gateway.DefaultRetryPolicy()},
		Reconcile:  ReconcileConfig{Params: reconcile.DefaultParams()},
		Metrics:    MetricsConfig{Enabled: true},
	}
}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Venue.applyDefaults(keys)
	c.Kline.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Reconcile.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Notify.applyDefaults(keys)
	applyFieldDefaults(keys,
		stringFieldDefault("timeframe", &c.Timeframe, defaultTimeframe),
		fieldDefault{
			key:   "strategy.leverage",
			need:  func() bool { return c.Venue.Leverage > 0 },
			apply: func() { c.Strategy.Leverage = c.Venue.Leverage },
		},
		fieldDefault{
			key:   "venue.paper.leverage",
			need:  func() bool { return c.Venue.Paper.Leverage <= 0 },
			apply: func() { c.Venue.Paper.Leverage = c.Venue.Leverage },
		},
		fieldDefault{
			key:   "venue.paper.fee_rate",
			need:  func() bool { return c.Venue.Paper.FeeRate <= 0 },
			apply: func() { c.Venue.Paper.FeeRate = c.Strategy.FeeRate },
		},
	)
	c.Symbols, c.invalidSymbols = normalizeSymbols(c.Symbols)
	c.Timeframe = strings.ToLower(strings.TrimSpace(c.Timeframe))
	if d, ok := parseTimeframe(c.Timeframe); ok {
		c.Strategy.Timeframe = d
	}
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (v *VenueConfig) applyDefaults(keys keySet) {
	if v == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("venue.name", &v.Name, defaultVenueName),
		fieldDefault{
			key:   "venue.leverage",
			need:  func() bool { return v.Leverage <= 0 },
			apply: func() { v.Leverage = defaultVenueLeverage },
		},
	)
	v.Name = strings.ToLower(strings.TrimSpace(v.Name))
}

func (k *KlineConfig) applyDefaults(keys keySet) {
	if k == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "kline.max_cached",
			need:  func() bool { return k.MaxCached <= 0 },
			apply: func() { k.MaxCached = defaultKlineMaxCached },
		},
		fieldDefault{
			key:   "kline.warmup",
			need:  func() bool { return k.Warmup <= 0 },
			apply: func() { k.Warmup = defaultKlineWarmup },
		},
	)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "risk.base_risk",
			need:  func() bool { return r.BaseRisk <= 0 },
			apply: func() { r.BaseRisk = defaultBaseRisk },
		},
		fieldDefault{
			key:   "risk.min_risk_factor",
			need:  func() bool { return r.MinRiskFactor <= 0 },
			apply: func() { r.MinRiskFactor = defaultMinRiskFactor },
		},
		fieldDefault{
			key:   "risk.drawdown_tiers",
			need:  func() bool { return len(r.Tiers) == 0 },
			apply: func() { r.Tiers = account.DefaultTiers() },
		},
	)
}

func (r *ReconcileConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		durationFieldDefault("reconcile.interval", &r.Interval, defaultReconcileEvery),
		durationFieldDefault("reconcile.offset", &r.Offset, defaultReconcileOffset),
		durationFieldDefault("reconcile.balance_interval", &r.BalanceInterval, defaultBalanceEvery),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.state_db", &s.StateDB, defaultStateDB),
		stringFieldDefault("store.journal_db", &s.JournalDB, defaultJournalDB),
	)
}

func (n *NotifyConfig) applyDefaults(keys keySet) {
	if n == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "notify.buffer",
			need:  func() bool { return n.Buffer <= 0 },
			apply: func() { n.Buffer = defaultNotifyBuffer },
		},
		stringFieldDefault("notify.telegram.min_severity", &n.Telegram.MinSeverity, "warn"),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func durationFieldDefault(key string, target *time.Duration, def time.Duration) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
