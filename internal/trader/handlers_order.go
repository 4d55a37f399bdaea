package trader

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"perpguard/internal/gateway"
	"perpguard/internal/logger"
	"perpguard/internal/monitor"
	"perpguard/internal/notifier"
	"perpguard/internal/position"
	"perpguard/internal/reconcile"
	"perpguard/internal/store"
)

// ReasonEmergencyClose flattens an adopted position whose rescue stop could not be placed.
const ReasonEmergencyClose = "emergency_close"

// handleOrderResult folds a gateway result into state. Results for positions
// that no longer exist (closed by reconcile meanwhile) are logged and dropped.
func (t *Trader) handleOrderResult(payload []byte) error {
	var p OrderResultPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("invalid payload for order_result: %w", err)
	}
	res := p.Result
	in := res.Intent

	var prev position.Status
	if f, ok := t.state.InFlight[in.Symbol]; ok && f.Intent.Key == in.Key {
		prev = f.prev
		delete(t.state.InFlight, in.Symbol)
	}
	defer func() {
		t.observeState()
		t.refreshSnapshot(true)
	}()
	if res.Duplicate {
		logger.Infof("[trader] %s %s key=%s 为重复提交，沿用首次结果", in.Symbol, in.Kind, in.Key)
	}

	switch in.Kind {
	case gateway.KindOpen:
		return t.onOpenResult(res)
	case gateway.KindAdd:
		return t.onAddResult(res, prev)
	case gateway.KindReduce, gateway.KindClose:
		return t.onCloseResult(res, prev)
	case gateway.KindMoveStop:
		return t.onStopResult(res)
	case gateway.KindCancel:
		t.onCancelResult(res)
		return nil
	default:
		return fmt.Errorf("unknown intent kind %q", in.Kind)
	}
}

// lookup returns the live position the result refers to.
func (t *Trader) lookup(in gateway.OrderIntent) (position.Position, bool) {
	pos, ok := t.state.Positions[position.Key(in.Symbol, in.Side)]
	if !ok {
		logger.Infof("[trader] %s %s 结果到达时仓位已不存在，忽略 (%s)", in.Symbol, in.Side, in.Kind)
		return pos, false
	}
	if in.PositionID != "" && pos.ID != in.PositionID {
		logger.Infof("[trader] %s %s 结果属于已关闭的仓位 %s，忽略", in.Symbol, in.Side, in.PositionID)
		return pos, false
	}
	return pos, true
}

func (t *Trader) onOpenResult(res gateway.OrderResult) error {
	in := res.Intent
	pending, ok := t.state.Pending[in.Key]
	delete(t.state.Pending, in.Key)
	if !res.OK() {
		t.reportFailure(res)
		if res.Status == gateway.StatusEscalated {
			t.blockEntries(in.Symbol, res.Error)
		}
		return nil
	}
	if !ok {
		pending = position.New(in.PositionID, in.Symbol, in.Side, t.state.atrFor(in.Symbol))
		pending.StopPrice = in.StopPrice
		pending.OriginalStop = in.StopPrice
	}
	key := pending.Key()
	if existing, exists := t.state.Positions[key]; exists {
		logger.Warnf("[trader] %s 开仓成交但本地已有仓位 %s，交由对账处理", key, existing.ID)
		t.startReconcile(ReconcileEscalated)
		return nil
	}

	pos, err := pending.ApplyFill(position.Fill{
		Price:   res.FillPrice,
		Size:    res.FillSize,
		Fee:     res.Fee,
		At:      t.resultTime(res),
		OrderID: res.OrderID,
	})
	if err != nil {
		t.startReconcile(ReconcileEscalated)
		return fmt.Errorf("apply open fill %s: %w", key, err)
	}
	if res.StopPrice > 0 {
		pos.StopPrice = res.StopPrice
		pos.OriginalStop = res.StopPrice
	}
	pos.StopOrderID = res.StopOrderID
	if t.manager != nil && pos.ATRAtEntry > 0 {
		pos.TakeProfits = t.manager.TakeProfitLadder(pos.Side, pos.EntryPrice, pos.ATRAtEntry)
	}
	pos = pos.ObservePrice(res.FillPrice)
	t.state.Positions[key] = pos
	t.persist(store.Change{Upsert: []position.Position{pos}})

	logger.Infof("[trader] %s 开仓成交 size=%.6f entry=%.6f stop=%.6f (%s)", key, pos.Size, pos.EntryPrice, pos.StopPrice, pos.StopOrderID)
	t.publish(positionEvent(notifier.KindPositionOpened, notifier.SeverityInfo, pos, in.Reason).
		With("size", pos.Size).With("entry", pos.EntryPrice).With("stop", pos.StopPrice))
	return nil
}

func (t *Trader) onAddResult(res gateway.OrderResult, prev position.Status) error {
	in := res.Intent
	pos, ok := t.lookup(in)
	if !ok {
		return nil
	}
	if !res.OK() {
		t.restoreStatus(pos, prev)
		t.reportFailure(res)
		if res.Status == gateway.StatusEscalated {
			t.blockEntries(in.Symbol, res.Error)
		}
		return nil
	}
	next, err := pos.ApplyFill(position.Fill{
		Price:   res.FillPrice,
		Size:    res.FillSize,
		Fee:     res.Fee,
		At:      t.resultTime(res),
		OrderID: res.OrderID,
	})
	if err != nil {
		t.freezePosition(pos, err.Error())
		return err
	}
	t.state.Positions[next.Key()] = next
	t.persist(store.Change{Upsert: []position.Position{next}})
	logger.Infof("[trader] %s 加仓成交 +%.6f @%.6f，均价 %.6f", next.Key(), res.FillSize, res.FillPrice, next.EntryPrice)
	t.publish(positionEvent(notifier.KindPositionScaled, notifier.SeverityInfo, next, in.Reason).
		With("added", res.FillSize).With("size", next.Size).With("entry", next.EntryPrice))
	return nil
}

// onCloseResult handles reduce and close results, including venue stop fills
// reported by the gateway while cancelling the stop.
func (t *Trader) onCloseResult(res gateway.OrderResult, prev position.Status) error {
	in := res.Intent
	pos, ok := t.lookup(in)
	if !ok {
		return nil
	}
	if !res.OK() {
		t.restoreStatus(pos, prev)
		t.adoptCloseStop(res)
		t.reportFailure(res)
		switch {
		case res.Status == gateway.StatusEscalated:
			t.blockEntries(in.Symbol, res.Error)
		case res.StopRemoved:
			t.startReconcile(ReconcileStopLost)
		}
		return nil
	}

	size := res.FillSize
	if res.ExternalFill || size > pos.Size {
		size = pos.Size
	}
	at := t.resultTime(res)
	next, realized, err := pos.ApplyPartialClose(size, res.FillPrice, res.Fee, at)
	if err != nil {
		t.freezePosition(pos, err.Error())
		return err
	}
	if in.Kind == gateway.KindReduce && strings.HasPrefix(in.Reason, monitor.ReasonPartialTP) {
		if marked, merr := next.MarkTakeProfitFilled(in.Level); merr == nil {
			next = marked
		}
	}

	if next.Status == position.StatusClosed {
		next.CloseReason = closeReason(in.Reason, res.ExternalFill)
		t.persist(t.closePosition(next, realized))
		return nil
	}
	t.state.Positions[next.Key()] = next
	t.persist(store.Change{Upsert: []position.Position{next}})
	logger.Infof("[trader] %s 减仓 %.6f @%.6f realized=%.4f 剩余 %.6f", next.Key(), size, res.FillPrice, realized, next.Size)
	t.publish(positionEvent(notifier.KindPartialClose, notifier.SeverityInfo, next, in.Reason).
		With("closed", size).With("price", res.FillPrice).With("realized", realized).With("remaining", next.Size))
	return nil
}

func closeReason(reason string, external bool) string {
	if !external {
		return reason
	}
	switch reason {
	case monitor.ReasonStopLoss, monitor.ReasonTrailingStop:
		return reason
	default:
		return reconcile.CloseReasonVenueStop
	}
}

func (t *Trader) onStopResult(res gateway.OrderResult) error {
	in := res.Intent
	pos, ok := t.lookup(in)
	if !ok {
		if res.OK() && res.StopOrderID != "" {
			// 多余的止损单由下一次对账作为孤立止损撤销
			logger.Warnf("[trader] %s %s 止损 %s 已挂但仓位不存在", in.Symbol, in.Side, res.StopOrderID)
		}
		return nil
	}
	if !res.OK() {
		t.reportFailure(res)
		if res.Status == gateway.StatusEscalated {
			t.blockEntries(in.Symbol, res.Error)
		}
		if in.Reason == reconcile.ReasonRescueStop {
			logger.Errorf("[trader] %s 接管仓位无法挂止损，紧急平仓", pos.Key())
			if !t.dispatch(emergencyClose(pos, t.state.LastPrice[pos.Symbol], t.now())) {
				t.freezePosition(pos, "rescue stop failed: "+res.Error)
			}
		}
		return nil
	}

	if res.ExternalFill {
		next, realized, err := pos.ApplyPartialClose(pos.Size, res.FillPrice, res.Fee, t.resultTime(res))
		if err != nil {
			t.freezePosition(pos, err.Error())
			return err
		}
		next.CloseReason = reconcile.CloseReasonVenueStop
		t.persist(t.closePosition(next, realized))
		return nil
	}

	var next position.Position
	var err error
	if in.Reason == monitor.ReasonBreakeven {
		next, err = pos.LockBreakeven(res.StopPrice)
	} else {
		next, err = pos.MoveStop(res.StopPrice)
	}
	if err != nil {
		t.freezePosition(pos, err.Error())
		return err
	}
	next.StopOrderID = res.StopOrderID
	t.state.Positions[next.Key()] = next
	t.persist(store.Change{Upsert: []position.Position{next}})

	logger.Infof("[trader] %s 止损 %.6f -> %.6f (%s) order=%s", next.Key(), pos.StopPrice, next.StopPrice, in.Reason, next.StopOrderID)
	sev := notifier.SeverityInfo
	if in.Reason == reconcile.ReasonRescueStop || in.Reason == reconcile.ReasonRestoreStop {
		sev = notifier.SeverityWarn
	}
	t.publish(positionEvent(notifier.KindStopMoved, sev, next, in.Reason).
		With("from", pos.StopPrice).With("to", next.StopPrice))
	return nil
}

func (t *Trader) onCancelResult(res gateway.OrderResult) {
	in := res.Intent
	if !res.OK() {
		logger.Warnf("[trader] 撤销 %s %s 止损 %s 失败: %s", in.Symbol, in.Side, in.OrderID, res.Error)
		return
	}
	logger.Infof("[trader] 已撤销 %s %s 孤立止损 %s (%s)", in.Symbol, in.Side, in.OrderID, res.Status)
}

// adoptCloseStop records the venue stop state after a failed close: the
// gateway cancels the stop before the market order, then either re-places it
// or reports it gone. Reconcile re-arms a missing stop.
func (t *Trader) adoptCloseStop(res gateway.OrderResult) {
	if res.StopOrderID == "" && !res.StopRemoved {
		return
	}
	pos, ok := t.lookup(res.Intent)
	if !ok {
		return
	}
	if res.StopOrderID != "" {
		pos.StopOrderID = res.StopOrderID
		logger.Warnf("[trader] %s 平仓失败，止损已补挂 %s", pos.Key(), res.StopOrderID)
	} else {
		pos.StopOrderID = ""
		logger.Errorf("[trader] %s 平仓失败且交易所止损已撤销，触发对账补挂", pos.Key())
	}
	t.state.Positions[pos.Key()] = pos
	t.persist(store.Change{Upsert: []position.Position{pos}})
}

// restoreStatus undoes the Scaling/Closing transition made at dispatch.
func (t *Trader) restoreStatus(pos position.Position, prev position.Status) {
	if prev == "" || pos.Status == prev {
		return
	}
	next, err := pos.Transition(prev)
	if err != nil {
		next, err = pos.Transition(position.StatusOpen)
	}
	if err != nil {
		return
	}
	if next.Status != position.StatusClosing {
		next.CloseReason = ""
	}
	t.state.Positions[next.Key()] = next
	t.persist(store.Change{Upsert: []position.Position{next}})
}

func (t *Trader) reportFailure(res gateway.OrderResult) {
	in := res.Intent
	kind, sev := notifier.KindOrderRejected, notifier.SeverityWarn
	if res.Status == gateway.StatusEscalated {
		kind, sev = notifier.KindOrderEscalated, notifier.SeverityCritical
		logger.Errorf("[trader] %s %s %s 升级处理 (attempts=%d): %s", in.Kind, in.Symbol, in.Side, res.Attempts, res.Error)
	} else {
		logger.Warnf("[trader] %s %s %s 被拒: %s", in.Kind, in.Symbol, in.Side, res.Error)
	}
	evt := notifier.Event{
		Kind:       kind,
		Severity:   sev,
		Symbol:     in.Symbol,
		Side:       string(in.Side),
		PositionID: in.PositionID,
		Summary:    fmt.Sprintf("%s (%s) %s", in.Kind, in.Reason, res.Status),
	}.With("error", res.Error).With("attempts", res.Attempts)
	if res.Compensated {
		evt = evt.With("compensated_at", res.CompensationPrice)
	}
	t.publish(evt)
}

func emergencyClose(pos position.Position, price float64, now time.Time) gateway.OrderIntent {
	return gateway.OrderIntent{
		Kind:       gateway.KindClose,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Size:       pos.Size,
		RefPrice:   price,
		StopPrice:  pos.StopPrice,
		OrderID:    pos.StopOrderID,
		Reason:     ReasonEmergencyClose,
		PositionID: pos.ID,
		CreatedAt:  now,
	}
}

func (t *Trader) resultTime(res gateway.OrderResult) time.Time {
	if !res.CompletedAt.IsZero() {
		return res.CompletedAt
	}
	return t.now()
}
