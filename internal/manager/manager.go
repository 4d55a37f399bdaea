// Package manager 实现交易管理决策：开仓、定仓、冷却期与突破覆盖、加仓、持仓超时与信号离场。
// 所有方法只读取状态并返回意图，状态修改由调度器完成。
package manager

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"perpguard/internal/account"
	"perpguard/internal/gateway"
	"perpguard/internal/indicator"
	"perpguard/internal/logger"
	"perpguard/internal/position"
	"perpguard/internal/signal"
	"perpguard/internal/strategy"
)

const (
	// 保证金检查的安全缓冲
	marginBuffer = 1.05
	// 突破止损距离下限（ATR 倍数）
	minBreakoutStopATR = 0.5

	ReasonMaxHold    = "max_hold"
	ReasonExitSignal = "exit_signal"
	ReasonPyramid    = "pyramid"
)

// Market 是某个 symbol 在最新收盘 K 线上的行情视图。
type Market struct {
	Symbol string
	Set    indicator.Set
	// Price 为最新成交价，0 时使用收盘价
	Price float64
}

func (mk Market) price() float64 {
	if mk.Price > 0 {
		return mk.Price
	}
	return mk.Set.Close
}

// State 是决策时的只读上下文。
type State struct {
	Account     *account.Account
	Positions   []position.Position
	Frozen      bool
	CircuitOpen bool
	// HedgeMode: 交易所允许同一 symbol 同时持有多空。单向模式下反向开仓会与现有仓位对冲。
	HedgeMode bool
	Now       time.Time
}

func (s State) positionFor(side position.Side) (position.Position, bool) {
	for _, p := range s.Positions {
		if p.Side == side && p.Status != position.StatusClosed {
			return p, true
		}
	}
	return position.Position{}, false
}

// Entry 是通过全部检查的开仓计划。
type Entry struct {
	Intent       gateway.OrderIntent
	Position     position.Position
	Signal       signal.Signal
	Override     bool
	StopDistance float64
	RiskAmount   float64
}

// Decision 是一根 K 线收盘后对某个 symbol 的决策，至多一个意图。
type Decision struct {
	Signal signal.Signal
	Intent *gateway.OrderIntent
	Entry  *Entry
	Err    error
}

type Manager struct {
	params   strategy.Params
	governor *account.Governor
	signal   signal.Func
	newID    func() string
}

func New(params strategy.Params, governor *account.Governor, fn signal.Func) *Manager {
	if fn == nil {
		fn = signal.EMACross(params.SignalFilters())
	}
	return &Manager{params: params, governor: governor, signal: fn, newID: uuid.NewString}
}

func (m *Manager) Params() strategy.Params { return m.params }

// Decide 依次检查：持仓超时、信号离场、加仓、开仓。
func (m *Manager) Decide(mk Market, st State) Decision {
	for _, pos := range st.Positions {
		if !pos.Manageable() {
			continue
		}
		if in := m.EvaluateTime(pos, st.Now); in != nil {
			return Decision{Intent: in}
		}
		sig := m.signal(mk.Symbol, mk.Set, &pos)
		if in := m.exitOnSignal(pos, sig, mk, st.Now); in != nil {
			return Decision{Signal: sig, Intent: in}
		}
		in, err := m.addOnSignal(pos, sig, mk, st)
		if in != nil || err != nil {
			return Decision{Signal: sig, Intent: in, Err: err}
		}
	}
	entry, err := m.EvaluateEntry(mk, st)
	d := Decision{Err: err}
	if entry != nil {
		d.Signal = entry.Signal
		d.Entry = entry
		d.Intent = &entry.Intent
	}
	return d
}

// EvaluateEntry 由信号驱动开仓，并完成方向过滤、冷却期、定仓与保证金检查。
func (m *Manager) EvaluateEntry(mk Market, st State) (*Entry, error) {
	if st.Account == nil {
		return nil, fmt.Errorf("account state unavailable")
	}
	sig := m.signal(mk.Symbol, mk.Set, nil)
	side, ok := sig.Action.Side()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSignal, sig.Reason)
	}
	sp := m.params.Side(side)
	switch {
	case !sp.Enabled:
		return nil, fmt.Errorf("%w: %s", ErrSideDisabled, side)
	case st.CircuitOpen:
		return nil, gateway.ErrCircuitOpen
	case st.Frozen:
		return nil, fmt.Errorf("%w: %s", ErrFrozen, mk.Symbol)
	}
	if _, exists := st.positionFor(side); exists {
		return nil, fmt.Errorf("%w: %s %s", ErrPositionExists, mk.Symbol, side)
	}
	if opp, exists := st.positionFor(side.Opposite()); exists && !st.HedgeMode {
		return nil, fmt.Errorf("%w: %s holds %s in one-way mode", ErrPositionExists, mk.Symbol, opp.Side)
	}
	atr := mk.Set.ATR
	price := mk.price()
	if atr <= 0 || price <= 0 {
		return nil, ErrNoATR
	}

	override := false
	if in, until := st.Account.InCooldown(mk.Symbol, st.Now); in {
		if sp.CooldownOverrideThreshold <= 0 || sig.Strength <= sp.CooldownOverrideThreshold {
			return nil, fmt.Errorf("%w: %s until %s", ErrInCooldown, mk.Symbol, until.Format(time.RFC3339))
		}
		override = true
		logger.Infof("[manager] %s %s 冷却期内突破 strength=%.2f > %.2f，覆盖冷却", mk.Symbol, side, sig.Strength, sp.CooldownOverrideThreshold)
	}

	dist := sp.ATRStopMultiplier * atr
	if override && sp.AggressiveBreakoutStopMultiplier > 0 {
		dist = BreakoutStopDistance(side, price, mk.Set, sp.AggressiveBreakoutStopMultiplier)
	}
	if dist <= 0 {
		return nil, fmt.Errorf("stop distance %.8f", dist)
	}

	risk := m.governor.RiskAmount(st.Account)
	size := m.params.RoundLot(risk / dist)
	if size <= 0 || size < m.params.MinQty {
		return nil, fmt.Errorf("%w: %.8f < %.8f (risk=%.2f dist=%.8f)", ErrSizeTooSmall, size, m.params.MinQty, risk, dist)
	}
	if need := m.RequiredMargin(size, price); need > st.Account.Capital {
		return nil, fmt.Errorf("%w: need %.2f, free %.2f", ErrInsufficientMargin, need, st.Account.Capital)
	}

	stop := position.Behind(side, price, dist)
	id := m.newID()
	pending := position.New(id, mk.Symbol, side, atr)
	pending.StopPrice = stop
	pending.OriginalStop = stop
	pending.TakeProfits = m.TakeProfitLadder(side, price, atr)

	reason := sig.Reason
	if override {
		reason = "cooldown_override: " + reason
	}
	return &Entry{
		Intent: gateway.OrderIntent{
			Kind:       gateway.KindOpen,
			Symbol:     mk.Symbol,
			Side:       side,
			Size:       size,
			RefPrice:   price,
			StopPrice:  stop,
			Reason:     reason,
			PositionID: id,
			CreatedAt:  st.Now,
		},
		Position:     pending,
		Signal:       sig,
		Override:     override,
		StopDistance: dist,
		RiskAmount:   risk,
	}, nil
}

// EvaluateAdd 金字塔加仓；条件不满足时返回 nil, nil。
func (m *Manager) EvaluateAdd(pos position.Position, mk Market, st State) (*gateway.OrderIntent, error) {
	return m.addOnSignal(pos, m.signal(mk.Symbol, mk.Set, &pos), mk, st)
}

func (m *Manager) addOnSignal(pos position.Position, sig signal.Signal, mk Market, st State) (*gateway.OrderIntent, error) {
	sp := m.params.Side(pos.Side)
	if !sp.PositionScaling || pos.Frozen || st.Frozen || st.CircuitOpen {
		return nil, nil
	}
	if pos.Status != position.StatusOpen && pos.Status != position.StatusPartiallyClosed {
		return nil, nil
	}
	if !pos.BreakevenLocked && !pos.TrailingActive {
		return nil, nil
	}
	if sigSide, ok := sig.Action.Side(); sig.Action != signal.ActionAdd && (!ok || sigSide != pos.Side) {
		return nil, nil
	}
	maxSize := pos.InitialSize * sp.MaxPositionMultiplier
	if pos.Size >= maxSize-1e-12 {
		return nil, nil
	}
	atr := mk.Set.ATR
	price := mk.price()
	if atr <= 0 || price <= 0 {
		return nil, nil
	}
	if sp.ScaleProfitThresholdATR > 0 {
		need := position.Beyond(pos.Side, pos.EntryPrice, sp.ScaleProfitThresholdATR*atr)
		if !position.TargetHit(pos.Side, price, need) {
			return nil, nil
		}
	}
	trigger := position.Beyond(pos.Side, pos.LastAddPrice, sp.ScaleAddATRMultiplier*atr)
	if !position.TargetHit(pos.Side, price, trigger) {
		return nil, nil
	}

	fraction := sp.ScaleAddFraction
	if fraction <= 0 {
		fraction = 1
	}
	size := m.params.RoundLot(math.Min(pos.InitialSize*fraction, maxSize-pos.Size))
	if size <= 0 || size < m.params.MinQty {
		return nil, fmt.Errorf("%w: add %.8f < %.8f", ErrSizeTooSmall, size, m.params.MinQty)
	}
	if st.Account != nil {
		if need := m.RequiredMargin(size, price); need > st.Account.Capital {
			return nil, fmt.Errorf("%w: add needs %.2f, free %.2f", ErrInsufficientMargin, need, st.Account.Capital)
		}
	}
	return &gateway.OrderIntent{
		Kind:       gateway.KindAdd,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Size:       size,
		RefPrice:   price,
		Reason:     ReasonPyramid,
		PositionID: pos.ID,
		CreatedAt:  st.Now,
	}, nil
}

// EvaluateTime 持仓时间达到 max_hold 时平仓。
func (m *Manager) EvaluateTime(pos position.Position, now time.Time) *gateway.OrderIntent {
	maxHold := m.params.Side(pos.Side).MaxHold
	if maxHold <= 0 || !pos.Manageable() {
		return nil
	}
	if _, err := pos.ApplyTimeExit(now, maxHold); err != nil {
		return nil
	}
	return closeIntent(pos, pos.LastPrice, ReasonMaxHold, now)
}

// EvaluateExitSignal 只有保本已锁定时离场信号才生效。
func (m *Manager) EvaluateExitSignal(pos position.Position, mk Market, now time.Time) *gateway.OrderIntent {
	return m.exitOnSignal(pos, m.signal(mk.Symbol, mk.Set, &pos), mk, now)
}

func (m *Manager) exitOnSignal(pos position.Position, sig signal.Signal, mk Market, now time.Time) *gateway.OrderIntent {
	if sig.Action != signal.ActionExit || !pos.BreakevenLocked || !pos.Manageable() {
		return nil
	}
	return closeIntent(pos, mk.price(), ReasonExitSignal, now)
}

// RequiredMargin = (名义/杠杆 + 名义*手续费率) * 1.05。
func (m *Manager) RequiredMargin(size, price float64) float64 {
	lev := float64(m.params.Leverage)
	if lev <= 0 {
		lev = 1
	}
	notional := size * price
	return (notional/lev + notional*m.params.FeeRate) * marginBuffer
}

// TakeProfitLadder 按 partial_tp_levels（ATR 倍数）生成分批止盈档位。
func (m *Manager) TakeProfitLadder(side position.Side, entry, atr float64) []position.TakeProfitLevel {
	sp := m.params.Side(side)
	if atr <= 0 || sp.PartialTPFraction <= 0 || len(sp.PartialTPLevels) == 0 {
		return nil
	}
	out := make([]position.TakeProfitLevel, 0, len(sp.PartialTPLevels))
	for _, mult := range sp.PartialTPLevels {
		out = append(out, position.TakeProfitLevel{
			Price:    position.Beyond(side, entry, mult*atr),
			Fraction: sp.PartialTPFraction,
		})
	}
	return out
}

// BreakoutStopDistance: 到上一根 K 线反向极值的距离乘以倍数，下限 0.5 ATR。
func BreakoutStopDistance(side position.Side, price float64, set indicator.Set, mult float64) float64 {
	extreme := set.PrevLow
	if side == position.Short {
		extreme = set.PrevHigh
	}
	dist := math.Abs(price-extreme) * mult
	if floor := minBreakoutStopATR * set.ATR; dist < floor {
		dist = floor
	}
	return dist
}

func closeIntent(pos position.Position, price float64, reason string, now time.Time) *gateway.OrderIntent {
	return &gateway.OrderIntent{
		Kind:       gateway.KindClose,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Size:       pos.Size,
		RefPrice:   price,
		StopPrice:  pos.StopPrice,
		OrderID:    pos.StopOrderID,
		Reason:     reason,
		PositionID: pos.ID,
		CreatedAt:  now,
	}
}
