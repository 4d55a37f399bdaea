package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"perpguard/internal/account"
	"perpguard/internal/position"
	"perpguard/internal/store/model"

	"gorm.io/datatypes"
)

// Change 是调度器一次状态变更需要落盘的内容，在同一事务中写入。
type Change struct {
	Upsert  []position.Position
	Remove  []string
	Archive []position.Position
	Account *account.Account
	Equity  *EquityPoint
}

func (c Change) Empty() bool {
	return len(c.Upsert) == 0 && len(c.Remove) == 0 && len(c.Archive) == 0 && c.Account == nil && c.Equity == nil
}

// State 是重启时恢复的完整本地状态。
type State struct {
	Positions map[string]position.Position
	Account   *account.Account
}

type EquityPoint struct {
	At       time.Time `json:"at"`
	Equity   float64   `json:"equity"`
	Capital  float64   `json:"capital"`
	Drawdown float64   `json:"drawdown"`
}

// Trade 是归档的平仓记录。
type Trade struct {
	PositionID  string        `json:"position_id"`
	Symbol      string        `json:"symbol"`
	Side        position.Side `json:"side"`
	EntryPrice  float64       `json:"entry_price"`
	ExitPrice   float64       `json:"exit_price"`
	InitialSize float64       `json:"initial_size"`
	RealizedPnL float64       `json:"realized_pnl"`
	Fees        float64       `json:"fees"`
	CloseReason string        `json:"close_reason"`
	Rescued     bool          `json:"rescued"`
	OpenedAt    time.Time     `json:"opened_at"`
	ClosedAt    time.Time     `json:"closed_at"`
}

// StateStore 把领域对象映射到 gorm 模型。
type StateStore struct {
	store Store
}

func NewStateStore(s Store) *StateStore {
	return &StateStore{store: s}
}

func (s *StateStore) Apply(ctx context.Context, ch Change) (err error) {
	if ch.Empty() {
		return nil
	}
	uow, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = uow.Rollback()
		}
	}()
	// 先归档与删除再写入：同一变更里复用 key 的新仓位不会被随后的删除抹掉。
	archived := make(map[string]bool, len(ch.Archive))
	for _, p := range ch.Archive {
		m, err := tradeModel(p)
		if err != nil {
			return err
		}
		if err := uow.Archive(ctx, m, p.Key()); err != nil {
			return fmt.Errorf("archive %s: %w", p.Key(), err)
		}
		archived[p.Key()] = true
	}
	for _, key := range ch.Remove {
		if archived[key] {
			continue
		}
		if err := uow.Positions().Delete(ctx, key); err != nil {
			return fmt.Errorf("delete position %s: %w", key, err)
		}
	}
	for _, p := range ch.Upsert {
		m, err := positionModel(p)
		if err != nil {
			return err
		}
		if err := uow.Positions().Save(ctx, m); err != nil {
			return fmt.Errorf("save position %s: %w", p.Key(), err)
		}
	}
	if ch.Account != nil {
		m, err := accountModel(ch.Account)
		if err != nil {
			return err
		}
		if err := uow.Account().Save(ctx, m); err != nil {
			return fmt.Errorf("save account: %w", err)
		}
	}
	if ch.Equity != nil {
		pt := &model.EquityPointModel{At: ch.Equity.At, Equity: ch.Equity.Equity, Capital: ch.Equity.Capital, Drawdown: ch.Equity.Drawdown}
		if err := uow.Equity().Append(ctx, pt); err != nil {
			return fmt.Errorf("append equity: %w", err)
		}
	}
	return uow.Commit()
}

// Load 读取全部未归档仓位与账户；没有账户记录时 Account 为 nil。
func (s *StateStore) Load(ctx context.Context) (State, error) {
	out := State{Positions: make(map[string]position.Position)}
	uow, err := s.store.Begin(ctx)
	if err != nil {
		return out, fmt.Errorf("begin: %w", err)
	}
	defer uow.Rollback()

	rows, err := uow.Positions().List(ctx)
	if err != nil {
		return out, fmt.Errorf("list positions: %w", err)
	}
	for _, row := range rows {
		var p position.Position
		if err := json.Unmarshal(row.Data, &p); err != nil {
			return out, fmt.Errorf("decode position %s: %w", row.Key, err)
		}
		out.Positions[p.Key()] = p
	}
	am, err := uow.Account().Load(ctx)
	if err != nil {
		return out, fmt.Errorf("load account: %w", err)
	}
	if am != nil {
		acct, err := accountFromModel(am)
		if err != nil {
			return out, err
		}
		out.Account = acct
	}
	return out, nil
}

func (s *StateStore) RecentTrades(ctx context.Context, limit int) ([]Trade, error) {
	uow, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer uow.Rollback()
	rows, err := uow.Trades().ListRecent(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Trade, 0, len(rows))
	for _, r := range rows {
		out = append(out, Trade{
			PositionID:  r.PositionID,
			Symbol:      r.Symbol,
			Side:        position.Side(r.Side),
			EntryPrice:  r.EntryPrice,
			ExitPrice:   r.ExitPrice,
			InitialSize: r.InitialSize,
			RealizedPnL: r.RealizedPnL,
			Fees:        r.Fees,
			CloseReason: r.CloseReason,
			Rescued:     r.Rescued,
			OpenedAt:    r.OpenedAt,
			ClosedAt:    r.ClosedAt,
		})
	}
	return out, nil
}

func (s *StateStore) EquityCurve(ctx context.Context, since time.Time, limit int) ([]EquityPoint, error) {
	uow, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer uow.Rollback()
	rows, err := uow.Equity().Since(ctx, since, limit)
	if err != nil {
		return nil, err
	}
	out := make([]EquityPoint, 0, len(rows))
	for _, r := range rows {
		out = append(out, EquityPoint{At: r.At, Equity: r.Equity, Capital: r.Capital, Drawdown: r.Drawdown})
	}
	return out, nil
}

func (s *StateStore) Close() error { return s.store.Close() }

func positionModel(p position.Position) (*model.PositionModel, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode position %s: %w", p.Key(), err)
	}
	return &model.PositionModel{
		Key:        p.Key(),
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Side:       string(p.Side),
		Status:     string(p.Status),
		Size:       p.Size,
		EntryPrice: p.EntryPrice,
		StopPrice:  p.StopPrice,
		Frozen:     p.Frozen,
		Data:       datatypes.JSON(data),
		UpdatedAt:  time.Now(),
	}, nil
}

func tradeModel(p position.Position) (*model.TradeModel, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode trade %s: %w", p.Key(), err)
	}
	return &model.TradeModel{
		PositionID:  p.ID,
		Symbol:      p.Symbol,
		Side:        string(p.Side),
		EntryPrice:  p.EntryPrice,
		ExitPrice:   exitPrice(p),
		InitialSize: p.InitialSize,
		RealizedPnL: p.RealizedPnL,
		Fees:        p.Fees,
		CloseReason: p.CloseReason,
		Rescued:     p.Rescued,
		OpenedAt:    p.OpenedAt,
		ClosedAt:    p.ClosedAt,
		Data:        datatypes.JSON(data),
	}, nil
}

// exitPrice 由已实现盈亏反推平均离场价。
func exitPrice(p position.Position) float64 {
	qty := p.InitialSize
	for i, f := range p.Fills {
		if i > 0 {
			qty += f.Size
		}
	}
	if qty <= 0 || p.EntryPrice <= 0 {
		return p.LastPrice
	}
	gross := p.RealizedPnL + (p.Fees - entryFees(p))
	return p.EntryPrice + p.Side.Sign()*gross/qty
}

func entryFees(p position.Position) float64 {
	total := 0.0
	for _, f := range p.Fills {
		total += f.Fee
	}
	return total
}

type accountExtras struct {
	Cooldowns map[string]time.Time       `json:"cooldowns"`
	Outcomes  map[string]account.Outcome `json:"outcomes"`
}

func accountModel(a *account.Account) (*model.AccountModel, error) {
	cd, err := json.Marshal(a.CooldownUntil)
	if err != nil {
		return nil, fmt.Errorf("encode cooldowns: %w", err)
	}
	oc, err := json.Marshal(a.LastOutcome)
	if err != nil {
		return nil, fmt.Errorf("encode outcomes: %w", err)
	}
	return &model.AccountModel{
		Capital:         a.Capital,
		Equity:          a.Equity,
		HighWaterMark:   a.HighWaterMark,
		RiskCapitalBase: a.RiskCapitalBase,
		Drawdown:        a.Drawdown,
		Cooldowns:       datatypes.JSON(cd),
		Outcomes:        datatypes.JSON(oc),
		UpdatedAt:       a.UpdatedAt,
	}, nil
}

func accountFromModel(m *model.AccountModel) (*account.Account, error) {
	a := account.New(m.Equity)
	a.Capital = m.Capital
	a.HighWaterMark = m.HighWaterMark
	a.RiskCapitalBase = m.RiskCapitalBase
	a.Drawdown = m.Drawdown
	a.UpdatedAt = m.UpdatedAt
	if len(m.Cooldowns) > 0 && string(m.Cooldowns) != "null" {
		if err := json.Unmarshal(m.Cooldowns, &a.CooldownUntil); err != nil {
			return nil, fmt.Errorf("decode cooldowns: %w", err)
		}
	}
	if len(m.Outcomes) > 0 && string(m.Outcomes) != "null" {
		if err := json.Unmarshal(m.Outcomes, &a.LastOutcome); err != nil {
			return nil, fmt.Errorf("decode outcomes: %w", err)
		}
	}
	return a, nil
}
