package position

import (
	"strings"
	"time"
)

type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// ParseSide 兼容 long/short 与 buy/sell 写法。
func ParseSide(s string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return Long, true
	case "short", "sell":
		return Short, true
	default:
		return "", false
	}
}

func (s Side) Valid() bool { return s == Long || s == Short }

func (s Side) Opposite() Side {
	if s == Short {
		return Long
	}
	return Short
}

func (s Side) Sign() float64 {
	if s == Short {
		return -1
	}
	return 1
}

type Status string

const (
	StatusPending         Status = "pending"
	StatusOpen            Status = "open"
	StatusScaling         Status = "scaling"
	StatusPartiallyClosed Status = "partially_closed"
	StatusClosing         Status = "closing"
	StatusClosed          Status = "closed"
)

type Fill struct {
	Price   float64   `json:"price"`
	Size    float64   `json:"size"`
	Fee     float64   `json:"fee"`
	At      time.Time `json:"at"`
	OrderID string    `json:"order_id,omitempty"`
}

// TakeProfitLevel 的 Fraction 以初始仓位为基数。
type TakeProfitLevel struct {
	Price    float64 `json:"price"`
	Fraction float64 `json:"fraction"`
	Filled   bool    `json:"filled"`
}

// Position 描述一个方向上的持仓（对冲模式下同一 symbol 可多空并存）。
type Position struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Side   Side   `json:"side"`
	Status Status `json:"status"`

	Fills        []Fill  `json:"fills"`
	Size         float64 `json:"size"`
	InitialSize  float64 `json:"initial_size"`
	EntryPrice   float64 `json:"entry_price"`
	LastAddPrice float64 `json:"last_add_price"`

	StopPrice    float64 `json:"stop_price"`
	OriginalStop float64 `json:"original_stop"`
	StopOrderID  string  `json:"stop_order_id,omitempty"`

	TakeProfits []TakeProfitLevel `json:"take_profits,omitempty"`

	BreakevenLocked bool   `json:"breakeven_locked"`
	TrailingActive  bool   `json:"trailing_active"`
	StagnationArmed bool   `json:"stagnation_armed"`
	Rescued         bool   `json:"rescued"`
	Frozen          bool   `json:"frozen"`
	FrozenReason    string `json:"frozen_reason,omitempty"`

	PeakProfit  float64 `json:"peak_profit"`
	PeakPrice   float64 `json:"peak_price"`
	TroughPrice float64 `json:"trough_price"`
	ATRAtEntry  float64 `json:"atr_at_entry"`

	OpenedAt     time.Time `json:"opened_at"`
	LastScaledAt time.Time `json:"last_scaled_at"`
	ClosedAt     time.Time `json:"closed_at"`

	RealizedPnL   float64 `json:"realized_pnl"`
	Fees          float64 `json:"fees"`
	PartialCloses int     `json:"partial_closes"`
	CloseReason   string  `json:"close_reason,omitempty"`
	LastPrice     float64 `json:"last_price"`
}

// Key 是持仓在本地状态中的索引键。
func Key(symbol string, side Side) string {
	return symbol + "|" + string(side)
}

func (p Position) Key() string { return Key(p.Symbol, p.Side) }

// IsOpen 表示仓位在交易所侧持有非零数量。
func (p Position) IsOpen() bool {
	switch p.Status {
	case StatusPending, StatusClosed:
		return false
	}
	return !IsDust(p.Size)
}

// Manageable 表示风控/交易管理可以对其发出新指令。
func (p Position) Manageable() bool {
	return p.IsOpen() && !p.Frozen && p.Status != StatusClosing
}

func (p Position) UnrealizedPnL(price float64) float64 {
	if price <= 0 || IsDust(p.Size) {
		return 0
	}
	return pnlFor(p.Side, p.EntryPrice, price, p.Size)
}

// NetExposure 返回带方向的名义价值，空头为负。
func (p Position) NetExposure(price float64) float64 {
	if price <= 0 {
		return 0
	}
	return p.Side.Sign() * decToFloat(decFromFloat(p.Size).Mul(decFromFloat(price)))
}

func (p Position) TimeInTrade(now time.Time) time.Duration {
	if p.OpenedAt.IsZero() || now.Before(p.OpenedAt) {
		return 0
	}
	return now.Sub(p.OpenedAt)
}

func (p Position) IsProtected() bool {
	return p.StopPrice > 0 && p.StopOrderID != ""
}

// NextTakeProfit 返回第一个未成交的止盈档位。
func (p Position) NextTakeProfit() (int, TakeProfitLevel, bool) {
	for i, lvl := range p.TakeProfits {
		if !lvl.Filled {
			return i, lvl, true
		}
	}
	return -1, TakeProfitLevel{}, false
}

// Clone 深拷贝切片字段，保证转换函数不共享底层数组。
func (p Position) Clone() Position {
	cp := p
	if p.Fills != nil {
		cp.Fills = make([]Fill, len(p.Fills))
		copy(cp.Fills, p.Fills)
	}
	if p.TakeProfits != nil {
		cp.TakeProfits = make([]TakeProfitLevel, len(p.TakeProfits))
		copy(cp.TakeProfits, p.TakeProfits)
	}
	return cp
}
