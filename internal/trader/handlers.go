package trader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"perpguard/internal/gateway"
	"perpguard/internal/indicator"
	"perpguard/internal/logger"
	"perpguard/internal/manager"
	"perpguard/internal/notifier"
	"perpguard/internal/pkg/circuit"
	"perpguard/internal/position"
	"perpguard/internal/store"
)

// handlePriceTick runs the monitor over the positions of the tick's symbol only.
func (t *Trader) handlePriceTick(payload []byte) error {
	var p PriceTickPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("invalid payload for price_tick: %w", err)
	}
	tick := p.Tick
	if tick.Symbol == "" || tick.Price <= 0 {
		return nil
	}
	t.state.LastPrice[tick.Symbol] = tick.Price
	defer t.refreshSnapshot(false)

	positions := t.state.positionsFor(tick.Symbol)
	if len(positions) == 0 || t.monitor == nil {
		return nil
	}
	dec := t.monitor.Evaluate(tick, positions, t.state.atrFor(tick.Symbol))
	var flipped store.Change
	for _, upd := range dec.Updated {
		cur, ok := t.state.Positions[upd.Key()]
		if !ok || cur.ID != upd.ID || cur.Status != upd.Status {
			continue
		}
		t.state.Positions[upd.Key()] = upd
		// 水位线批量落盘；状态标志翻转立即落盘，重启后不丢失
		if flagsChanged(cur, upd) {
			flipped.Upsert = append(flipped.Upsert, upd)
		} else {
			t.state.dirty[upd.Key()] = struct{}{}
		}
	}
	t.persist(flipped)
	for _, in := range dec.Intents {
		t.dispatch(in)
	}
	return nil
}

func flagsChanged(prev, next position.Position) bool {
	return prev.TrailingActive != next.TrailingActive ||
		prev.StagnationArmed != next.StagnationArmed ||
		prev.BreakevenLocked != next.BreakevenLocked
}

// handleBarClose refreshes indicators and asks the manager for at most one intent.
func (t *Trader) handleBarClose(payload []byte) error {
	var p BarClosePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("invalid payload for bar_close: %w", err)
	}
	if p.Symbol == "" || len(p.Candles) == 0 {
		return nil
	}
	set, err := indicator.Compute(p.Candles, t.indParams)
	if err != nil {
		logger.Debugf("[trader] %s 指标未就绪: %v", p.Symbol, err)
		return nil
	}
	t.state.Indicators[p.Symbol] = set
	t.flushDirty()
	defer t.refreshSnapshot(true)

	if t.manager == nil || t.state.Draining {
		return nil
	}
	if f, busy := t.state.InFlight[p.Symbol]; busy {
		logger.Debugf("[trader] %s 有未完成意图 %s，跳过本根 K 线决策", p.Symbol, f.Intent.Kind)
		return nil
	}

	mk := manager.Market{Symbol: p.Symbol, Set: set, Price: t.state.LastPrice[p.Symbol]}
	st := manager.State{
		Account:     t.state.Account,
		Positions:   t.state.positionsFor(p.Symbol),
		Frozen:      t.state.symbolFrozen(p.Symbol) || t.state.entryBlocked(p.Symbol),
		CircuitOpen: t.gw != nil && t.gw.CircuitState() == circuit.StateOpen,
		HedgeMode:   t.gw != nil && t.gw.Venue().Capabilities().HedgeMode,
		Now:         t.now(),
	}
	d := t.manager.Decide(mk, st)
	if d.Err != nil {
		logDecision(p.Symbol, d.Err)
		return nil
	}

	switch {
	case d.Entry != nil:
		entry := d.Entry
		in := entry.Intent
		in.Key = gateway.NewKey()
		if !t.dispatch(in) {
			return nil
		}
		t.state.Pending[in.Key] = entry.Position
		logger.Infof("[trader] %s %s 开仓信号 strength=%.2f size=%.6f stop=%.6f risk=%.2f",
			in.Symbol, in.Side, entry.Signal.Strength, in.Size, in.StopPrice, entry.RiskAmount)
		if entry.Override {
			t.publish(notifier.Event{
				Kind:     notifier.KindCooldownOverride,
				Severity: notifier.SeverityWarn,
				Symbol:   in.Symbol,
				Side:     string(in.Side),
				Summary:  "breakout overrides cooldown",
			}.With("strength", entry.Signal.Strength).With("stop_distance", entry.StopDistance))
		}
	case d.Intent != nil:
		t.dispatch(*d.Intent)
	}
	return nil
}

func logDecision(symbol string, err error) {
	switch {
	case errors.Is(err, manager.ErrNoSignal), errors.Is(err, manager.ErrNoATR), errors.Is(err, manager.ErrPositionExists):
		logger.Debugf("[trader] %s 无操作: %v", symbol, err)
	case errors.Is(err, manager.ErrInCooldown), errors.Is(err, manager.ErrSizeTooSmall),
		errors.Is(err, manager.ErrInsufficientMargin), errors.Is(err, manager.ErrFrozen),
		errors.Is(err, manager.ErrSideDisabled), errors.Is(err, gateway.ErrCircuitOpen):
		logger.Infof("[trader] %s 开仓被拒: %v", symbol, err)
	default:
		logger.Warnf("[trader] %s 决策失败: %v", symbol, err)
	}
}

// dispatch hands an intent to a venue goroutine. A symbol has at most one intent
// in flight; anything else for that symbol is dropped until the result returns.
func (t *Trader) dispatch(in gateway.OrderIntent) bool {
	if t.gw == nil {
		return false
	}
	if t.state.Draining && !in.Kind.Protective() {
		logger.Infof("[trader] 停机中，丢弃 %s %s %s", in.Symbol, in.Kind, in.Reason)
		return false
	}
	if f, busy := t.state.InFlight[in.Symbol]; busy {
		logger.Debugf("[trader] %s 已有 %s 在途，丢弃 %s (%s)", in.Symbol, f.Intent.Kind, in.Kind, in.Reason)
		return false
	}
	if in.Key == "" {
		in.Key = gateway.NewKey()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = t.now()
	}

	f := &inflight{Intent: in, Since: t.now()}
	key := position.Key(in.Symbol, in.Side)
	if pos, ok := t.state.Positions[key]; ok {
		f.prev = pos.Status
		var target position.Status
		switch in.Kind {
		case gateway.KindAdd:
			target = position.StatusScaling
		case gateway.KindClose:
			target = position.StatusClosing
		}
		if target != "" && pos.Status != target {
			next, err := pos.Transition(target)
			if err != nil {
				t.freezePosition(pos, err.Error())
				return false
			}
			if in.Kind == gateway.KindClose {
				next.CloseReason = in.Reason
			}
			t.state.Positions[key] = next
			t.persist(store.Change{Upsert: []position.Position{next}})
		}
	}
	t.state.InFlight[in.Symbol] = f
	logger.Infof("[trader] 下发 %s %s %s size=%.6f stop=%.6f reason=%s key=%s",
		in.Kind, in.Symbol, in.Side, in.Size, in.StopPrice, in.Reason, in.Key)

	drain := t.state.Draining
	if !drain {
		t.dispatchWG.Add(1)
	}
	go t.submit(in, drain)
	return true
}

// submit runs one intent against the venue. Protective intents issued while
// draining outlive the grace cancel; Shutdown waits for them through settle.
func (t *Trader) submit(in gateway.OrderIntent, drain bool) {
	parent, timeout := t.dispatchCtx, t.cfg.DispatchTimeout
	if drain {
		parent, timeout = context.WithoutCancel(parent), t.cfg.ReconcileTimeout
	} else {
		defer t.dispatchWG.Done()
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	res := t.gw.Submit(ctx, in)
	if err := t.Send(t.newEvent(EvtOrderResult, in.Symbol, OrderResultPayload{Result: res})); err != nil {
		logger.Warnf("[trader] send order result %s %s: %v", in.Symbol, in.Key, err)
	}
}

func (t *Trader) handleUnfreeze(payload []byte) error {
	var p UnfreezePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("invalid payload for unfreeze: %w", err)
	}
	found := false
	if _, ok := t.state.Frozen[p.Symbol]; ok {
		delete(t.state.Frozen, p.Symbol)
		found = true
	}
	var ch store.Change
	for _, pos := range t.state.positionsFor(p.Symbol) {
		if !pos.Frozen || (p.Side != "" && pos.Side != p.Side) {
			continue
		}
		next := pos.Unfreeze()
		t.state.Positions[next.Key()] = next
		ch.Upsert = append(ch.Upsert, next)
		found = true
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFrozen, p.Symbol)
	}
	t.persist(ch)
	logger.Infof("[trader] %s 解除冻结", p.Symbol)
	t.publish(notifier.Event{
		Kind:     notifier.KindPositionUnfrozen,
		Severity: notifier.SeverityWarn,
		Symbol:   p.Symbol,
		Side:     string(p.Side),
		Summary:  "safe mode lifted by operator",
	})
	t.observeState()
	t.refreshSnapshot(true)
	// 解冻后立即对账确认交易所状态
	t.startReconcile(ReconcileManual)
	return nil
}

func (t *Trader) handleEquityUpdate(payload []byte) error {
	var p EquityUpdatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("invalid payload for equity_update: %w", err)
	}
	if p.Equity <= 0 {
		return nil
	}
	at := p.At
	if at.IsZero() {
		at = t.now()
	}
	t.persist(t.applyEquity(p.Equity, p.Available, at))
	t.refreshSnapshot(false)
	return nil
}

// applyEquity updates the high-water mark and drawdown and returns the change to persist.
func (t *Trader) applyEquity(equity, available float64, at time.Time) store.Change {
	acct := t.state.Account
	if acct.UpdateEquity(equity, available, at) {
		logger.Debugf("[trader] 权益新高 %.2f", equity)
	}
	t.metrics.SetEquity(acct.Equity, acct.Drawdown)
	return store.Change{
		Account: acct.Clone(),
		Equity:  &store.EquityPoint{At: at, Equity: acct.Equity, Capital: acct.Capital, Drawdown: acct.Drawdown},
	}
}

func (t *Trader) handleShutdownDrain() error {
	if !t.state.Draining {
		t.state.Draining = true
		logger.Infof("[trader] 进入停机排空，%d 个意图在途", len(t.state.InFlight))
	}
	t.flushDirty()
	t.refreshSnapshot(true)
	return nil
}
