package model

import (
	"time"

	"gorm.io/datatypes"
)

// PositionModel 保存未归档仓位的完整快照；Data 为 position.Position 的 JSON。
type PositionModel struct {
	Key        string         `gorm:"column:pos_key;primaryKey"`
	PositionID string         `gorm:"column:position_id;index"`
	Symbol     string         `gorm:"column:symbol;index"`
	Side       string         `gorm:"column:side"`
	Status     string         `gorm:"column:status"`
	Size       float64        `gorm:"column:size"`
	EntryPrice float64        `gorm:"column:entry_price"`
	StopPrice  float64        `gorm:"column:stop_price"`
	Frozen     bool           `gorm:"column:frozen"`
	Data       datatypes.JSON `gorm:"column:data;type:TEXT"`
	UpdatedAt  time.Time      `gorm:"column:updated_at"`
}

func (PositionModel) TableName() string { return "positions" }

// AccountModel 只有一行（ID=1）。Cooldowns/Outcomes 以 JSON 保存。
type AccountModel struct {
	ID              int64          `gorm:"column:id;primaryKey"`
	Capital         float64        `gorm:"column:capital"`
	Equity          float64        `gorm:"column:equity"`
	HighWaterMark   float64        `gorm:"column:high_water_mark"`
	RiskCapitalBase float64        `gorm:"column:risk_capital_base"`
	Drawdown        float64        `gorm:"column:drawdown"`
	Cooldowns       datatypes.JSON `gorm:"column:cooldowns;type:TEXT"`
	Outcomes        datatypes.JSON `gorm:"column:outcomes;type:TEXT"`
	UpdatedAt       time.Time      `gorm:"column:updated_at"`
}

func (AccountModel) TableName() string { return "account_state" }

// TradeModel 是已平仓位的归档记录。
type TradeModel struct {
	ID          int64          `gorm:"column:id;primaryKey"`
	PositionID  string         `gorm:"column:position_id;uniqueIndex"`
	Symbol      string         `gorm:"column:symbol;index"`
	Side        string         `gorm:"column:side"`
	EntryPrice  float64        `gorm:"column:entry_price"`
	ExitPrice   float64        `gorm:"column:exit_price"`
	InitialSize float64        `gorm:"column:initial_size"`
	RealizedPnL float64        `gorm:"column:realized_pnl"`
	Fees        float64        `gorm:"column:fees"`
	CloseReason string         `gorm:"column:close_reason"`
	Rescued     bool           `gorm:"column:rescued"`
	OpenedAt    time.Time      `gorm:"column:opened_at"`
	ClosedAt    time.Time      `gorm:"column:closed_at;index"`
	Data        datatypes.JSON `gorm:"column:data;type:TEXT"`
}

func (TradeModel) TableName() string { return "trade_history" }

// EquityPointModel 权益曲线采样点，供图表使用。
type EquityPointModel struct {
	ID       int64     `gorm:"column:id;primaryKey"`
	At       time.Time `gorm:"column:at;index"`
	Equity   float64   `gorm:"column:equity"`
	Capital  float64   `gorm:"column:capital"`
	Drawdown float64   `gorm:"column:drawdown"`
}

func (EquityPointModel) TableName() string { return "equity_curve" }
