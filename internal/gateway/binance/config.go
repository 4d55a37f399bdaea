package binance

import (
	"strings"
	"time"
)

type Config struct {
	APIKey      string `toml:"-" json:"-"`
	APISecret   string `toml:"-" json:"-"`
	RESTBaseURL string `toml:"rest_base_url" json:"rest_base_url"`
	Testnet     bool   `toml:"testnet" json:"testnet"`
	// HedgeMode 对应账户的双向持仓设置，影响 positionSide/reduceOnly 的传参。
	HedgeMode   bool          `toml:"hedge_mode" json:"hedge_mode"`
	HTTPTimeout time.Duration `toml:"http_timeout" json:"http_timeout"`
	QuoteAsset  string        `toml:"quote_asset" json:"quote_asset"`

	ProxyEnabled bool   `toml:"proxy_enabled" json:"proxy_enabled"`
	RESTProxyURL string `toml:"rest_proxy_url" json:"rest_proxy_url"`
	WSProxyURL   string `toml:"ws_proxy_url" json:"ws_proxy_url"`
}

func (c *Config) withDefaults() Config {
	out := *c
	out.RESTBaseURL = strings.TrimSpace(out.RESTBaseURL)
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://fapi.binance.com"
		if out.Testnet {
			out.RESTBaseURL = "https://testnet.binancefuture.com"
		}
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	out.QuoteAsset = strings.ToUpper(strings.TrimSpace(out.QuoteAsset))
	if out.QuoteAsset == "" {
		out.QuoteAsset = "USDT"
	}
	out.RESTProxyURL = strings.TrimSpace(out.RESTProxyURL)
	out.WSProxyURL = strings.TrimSpace(out.WSProxyURL)
	return out
}
