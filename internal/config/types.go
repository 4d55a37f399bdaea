package config

import (
	"strings"
	"time"

	"perpguard/internal/account"
	"perpguard/internal/gateway"
	"perpguard/internal/gateway/binance"
	"perpguard/internal/gateway/paper"
	"perpguard/internal/indicator"
	"perpguard/internal/notifier"
	"perpguard/internal/reconcile"
	"perpguard/internal/strategy"
	"perpguard/internal/trader"
)

// Config 汇总所有子配置，加载后不可变。
type Config struct {
	App        AppConfig        `toml:"app" json:"app"`
	Venue      VenueConfig      `toml:"venue" json:"venue"`
	Symbols    []string         `toml:"symbols" json:"symbols"`
	Timeframe  string           `toml:"timeframe" json:"timeframe"`
	Kline      KlineConfig      `toml:"kline" json:"kline"`
	Strategy   strategy.Params  `toml:"strategy" json:"strategy"`
	Indicators indicator.Params `toml:"indicators" json:"indicators"`
	Risk       RiskConfig       `toml:"risk" json:"risk"`
	Gateway    gateway.Config   `toml:"gateway" json:"gateway"`
	Reconcile  ReconcileConfig  `toml:"reconcile" json:"reconcile"`
	Store      StoreConfig      `toml:"store" json:"store"`
	Notify     NotifyConfig     `toml:"notify" json:"notify"`
	Metrics    MetricsConfig    `toml:"metrics" json:"metrics"`
	Trader     trader.Config    `toml:"trader" json:"trader"`

	invalidSymbols []string
}

type AppConfig struct {
	Env      string `toml:"env" json:"env"`
	LogLevel string `toml:"log_level" json:"log_level"`
	LogPath  string `toml:"log_path" json:"log_path"`
	HTTPAddr string `toml:"http_addr" json:"http_addr"`
	// DryRun 使用内置模拟交易所，行情仍来自真实数据源。
	DryRun bool `toml:"dry_run" json:"dry_run"`
}

// VenueConfig 的 binance 字段平铺在 venue 下。
type VenueConfig struct {
	Name     string `toml:"name" json:"name"`
	Leverage int    `toml:"leverage" json:"leverage"`

	binance.Config `toml:",squash"`

	Paper paper.Config `toml:"paper" json:"paper"`
}

type KlineConfig struct {
	MaxCached int `toml:"max_cached" json:"max_cached"`
	Warmup    int `toml:"warmup" json:"warmup"`
}

type RiskConfig struct {
	BaseRisk      float64        `toml:"base_risk" json:"base_risk"`
	MinRiskFactor float64        `toml:"min_risk_factor" json:"min_risk_factor"`
	Tiers         []account.Tier `toml:"drawdown_tiers" json:"drawdown_tiers"`
}

type ReconcileConfig struct {
	reconcile.Params `toml:",squash"`

	Interval time.Duration `toml:"interval" json:"interval"`
	// Offset 是相对 K 线收盘的延迟，避开收盘瞬间的交易所抖动。
	Offset          time.Duration `toml:"offset" json:"offset"`
	BalanceInterval time.Duration `toml:"balance_interval" json:"balance_interval"`
}

type StoreConfig struct {
	StateDB   string `toml:"state_db" json:"state_db"`
	JournalDB string `toml:"journal_db" json:"journal_db"`
}

type NotifyConfig struct {
	Buffer   int                     `toml:"buffer" json:"buffer"`
	Telegram notifier.TelegramConfig `toml:"telegram" json:"telegram"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" json:"enabled"`
}

// TimeframeDuration 在 Load 时已校验，这里只做转换。
func (c *Config) TimeframeDuration() time.Duration {
	d, _ := parseTimeframe(c.Timeframe)
	return d
}

// UsePaper 在 dry_run 或 venue.name=paper 时返回 true。
func (c *Config) UsePaper() bool {
	return c.App.DryRun || strings.EqualFold(c.Venue.Name, "paper")
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
