package gateway

import (
	"strings"
	"time"

	"perpguard/internal/position"

	"github.com/google/uuid"
)

// Kind 是订单意图的类型。
type Kind string

const (
	KindOpen     Kind = "open"
	KindAdd      Kind = "add"
	KindReduce   Kind = "reduce"
	KindClose    Kind = "close"
	KindCancel   Kind = "cancel"
	KindMoveStop Kind = "move_stop"
)

// Protective 表示降低风险敞口的意图，熔断打开时依然放行。
func (k Kind) Protective() bool {
	switch k {
	case KindReduce, KindClose, KindCancel, KindMoveStop:
		return true
	default:
		return false
	}
}

// OrderIntent 描述期望的交易所动作，Key 同时作为交易所 client order id。
type OrderIntent struct {
	Key        string        `json:"key"`
	Kind       Kind          `json:"kind"`
	Symbol     string        `json:"symbol"`
	Side       position.Side `json:"side"`
	Size       float64       `json:"size,omitempty"`
	RefPrice   float64       `json:"ref_price,omitempty"`
	StopPrice  float64       `json:"stop_price,omitempty"`
	OrderID    string        `json:"order_id,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	PositionID string        `json:"position_id,omitempty"`
	Level      int           `json:"level,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// NewKey 生成不超过 Binance 36 字符限制的幂等键（留出派生后缀空间）。
func NewKey() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "pg" + raw[:30]
}

func derivedKey(key, suffix string) string {
	return key + "-" + suffix
}

type ResultStatus string

const (
	StatusFilled    ResultStatus = "filled"
	StatusPlaced    ResultStatus = "placed"
	StatusCanceled  ResultStatus = "canceled"
	StatusRejected  ResultStatus = "rejected"
	StatusEscalated ResultStatus = "escalated"
)

// OrderResult 是意图的终态结果，由调度器折叠回事件队列。
type OrderResult struct {
	Intent      OrderIntent  `json:"intent"`
	Status      ResultStatus `json:"status"`
	FillPrice   float64      `json:"fill_price,omitempty"`
	FillSize    float64      `json:"fill_size,omitempty"`
	Fee         float64      `json:"fee,omitempty"`
	OrderID     string       `json:"order_id,omitempty"`
	StopOrderID string       `json:"stop_order_id,omitempty"`
	StopPrice   float64      `json:"stop_price,omitempty"`
	// ExternalFill: 交易所侧止损单先于本地平仓成交。
	ExternalFill      bool    `json:"external_fill,omitempty"`
	Compensated       bool    `json:"compensated,omitempty"`
	CompensationPrice float64 `json:"compensation_price,omitempty"`
	// StopRemoved: 平仓失败且原止损已撤销、未能补挂，仓位在交易所侧无保护。
	StopRemoved bool      `json:"stop_removed,omitempty"`
	Duplicate   bool      `json:"duplicate,omitempty"`
	Error       string    `json:"error,omitempty"`
	Err         error     `json:"-"`
	Attempts    int       `json:"attempts"`
	CompletedAt time.Time `json:"completed_at"`
}

func (r OrderResult) OK() bool {
	switch r.Status {
	case StatusFilled, StatusPlaced, StatusCanceled:
		return true
	default:
		return false
	}
}

type OrderType string

const (
	OrderMarket     OrderType = "market"
	OrderLimit      OrderType = "limit"
	OrderStopMarket OrderType = "stop_market"
)

type OrderStatus string

const (
	OrderNew             OrderStatus = "new"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCanceled        OrderStatus = "canceled"
	OrderRejected        OrderStatus = "rejected"
	OrderExpired         OrderStatus = "expired"
)

// OrderRequest 是发往交易所的最小下单参数集合。
type OrderRequest struct {
	ClientID     string
	Symbol       string
	PositionSide position.Side
	Reduce       bool
	Type         OrderType
	Size         float64
	Price        float64
	StopPrice    float64
	// ClosePosition: 止损单触发时平掉该方向全部仓位。
	ClosePosition bool
	// AttachedStop > 0 时要求交易所在同一请求内挂止损（需 Capabilities.AttachedStop）。
	AttachedStop float64
}

type OrderRef struct {
	OrderID  string
	ClientID string
}

type OrderAck struct {
	OrderID      string        `json:"order_id"`
	ClientID     string        `json:"client_id"`
	Symbol       string        `json:"symbol"`
	PositionSide position.Side `json:"position_side"`
	Reduce       bool          `json:"reduce"`
	Type         OrderType     `json:"type"`
	Status       OrderStatus   `json:"status"`
	Size         float64       `json:"size"`
	FilledSize   float64       `json:"filled_size"`
	AvgPrice     float64       `json:"avg_price"`
	StopPrice    float64       `json:"stop_price"`
	Fee          float64       `json:"fee"`
	StopOrderID  string        `json:"stop_order_id,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// IsProtectiveStop 判断是否为某方向上的减仓止损单。
func (a OrderAck) IsProtectiveStop() bool {
	return a.Reduce && a.Type == OrderStopMarket &&
		(a.Status == OrderNew || a.Status == OrderPartiallyFilled)
}

type VenuePosition struct {
	Symbol        string        `json:"symbol"`
	Side          position.Side `json:"side"`
	Size          float64       `json:"size"`
	EntryPrice    float64       `json:"entry_price"`
	MarkPrice     float64       `json:"mark_price"`
	UnrealizedPnL float64       `json:"unrealized_pnl"`
	Leverage      float64       `json:"leverage"`
}

type Balance struct {
	Equity    float64 `json:"equity"`
	Available float64 `json:"available"`
}

// Snapshot 是交易所真实状态的一次只读快照。
type Snapshot struct {
	Positions []VenuePosition `json:"positions"`
	Orders    []OrderAck      `json:"orders"`
	Balance   Balance         `json:"balance"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// PositionMap 以 symbol|side 为键索引非零仓位。
func (s *Snapshot) PositionMap() map[string]VenuePosition {
	out := make(map[string]VenuePosition, len(s.Positions))
	for _, p := range s.Positions {
		if position.IsDust(p.Size) {
			continue
		}
		out[position.Key(p.Symbol, p.Side)] = p
	}
	return out
}

// StopOrders 返回某方向上仍挂着的保护性止损单。
func (s *Snapshot) StopOrders(symbol string, side position.Side) []OrderAck {
	var out []OrderAck
	for _, o := range s.Orders {
		if o.Symbol == symbol && o.PositionSide == side && o.IsProtectiveStop() {
			out = append(out, o)
		}
	}
	return out
}

type Capabilities struct {
	AttachedStop bool
	HedgeMode    bool
}
