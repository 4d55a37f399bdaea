package symbol

import "strings"

// BinanceConverter 在 BASE/QUOTE 写法与 Binance 的 BASEQUOTE 之间转换。
// 进程内统一使用 BASEQUOTE，与配置中的 symbols 一致。
type BinanceConverter struct{}

func (BinanceConverter) ToExchange(internal string) string {
	s := strings.ToUpper(strings.TrimSpace(internal))
	return strings.ReplaceAll(s, "/", "")
}

func (BinanceConverter) FromExchange(raw string) string {
	return Parse(raw).Compact()
}

var Binance = BinanceConverter{}
