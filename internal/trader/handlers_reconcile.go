package trader

import (
	"context"
	"encoding/json"
	"fmt"

	"perpguard/internal/gateway"
	"perpguard/internal/logger"
	"perpguard/internal/notifier"
	"perpguard/internal/reconcile"
	"perpguard/internal/store"
)

func (t *Trader) handleReconcile(payload []byte) error {
	var p ReconcilePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("invalid payload for reconcile: %w", err)
	}
	if p.Reason == "" {
		p.Reason = ReconcileManual
	}
	t.startReconcile(p.Reason)
	return nil
}

type stopRef struct {
	Key     string
	Symbol  string
	OrderID string
}

// startReconcile fetches the venue snapshot off the loop. Only one fetch runs at a time.
func (t *Trader) startReconcile(reason string) {
	if t.gw == nil || t.reconciler == nil {
		return
	}
	if t.state.Reconciling {
		if reason != ReconcileTimer {
			t.state.reconcileQueued = reason
		}
		logger.Debugf("[trader] 对账进行中，%s 触发排队", reason)
		return
	}
	t.state.Reconciling = true
	var refs []stopRef
	for _, key := range sortedKeys(t.state.Positions) {
		p := t.state.Positions[key]
		if p.IsProtected() {
			refs = append(refs, stopRef{Key: key, Symbol: p.Symbol, OrderID: p.StopOrderID})
		}
	}
	parent := t.dispatchCtx
	if t.state.Draining {
		// 宽限期取消不影响排空期间的对账
		parent = context.WithoutCancel(parent)
	}
	go t.fetchReconcile(parent, reason, refs)
}

// fetchReconcile also asks the venue how the local stop of every position missing
// from the snapshot ended, so a ghost closed by its stop is booked at the stop fill.
func (t *Trader) fetchReconcile(parent context.Context, reason string, refs []stopRef) {
	ctx, cancel := context.WithTimeout(parent, t.cfg.ReconcileTimeout)
	defer cancel()

	out := ReconcileResultPayload{Reason: reason, StopFills: map[string]float64{}}
	snap, err := t.gw.FetchSnapshot(ctx)
	if err != nil {
		out.Error = err.Error()
	} else {
		out.Snapshot = snap
		venue := snap.PositionMap()
		for _, ref := range refs {
			if _, ok := venue[ref.Key]; ok {
				continue
			}
			ack, qerr := t.gw.QueryOrder(ctx, ref.Symbol, gateway.OrderRef{OrderID: ref.OrderID})
			if qerr != nil || ack == nil {
				logger.Debugf("[trader] 查询止损单 %s %s 失败: %v", ref.Symbol, ref.OrderID, qerr)
				continue
			}
			if ack.Status != gateway.OrderFilled {
				continue
			}
			px := ack.AvgPrice
			if px <= 0 {
				px = ack.StopPrice
			}
			if px > 0 {
				out.StopFills[ref.Key] = px
			}
		}
	}
	if err := t.Send(t.newEvent(EvtReconcileResult, "", out)); err != nil {
		logger.Warnf("[trader] send reconcile result: %v", err)
	}
}

// handleReconcileResult applies the venue-authoritative report: ghosts are
// archived, orphans adopted, mismatches overwritten, then stop repairs and stale
// stop cancels are dispatched.
func (t *Trader) handleReconcileResult(payload []byte) error {
	var p ReconcileResultPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.state.Reconciling = false
		return fmt.Errorf("invalid payload for reconcile_result: %w", err)
	}
	t.state.Reconciling = false
	defer func() {
		t.observeState()
		t.refreshSnapshot(true)
		if queued := t.state.reconcileQueued; queued != "" {
			t.state.reconcileQueued = ""
			t.startReconcile(queued)
		}
	}()
	if p.Error != "" || p.Snapshot == nil {
		logger.Warnf("[trader] 对账 (%s) 获取交易所快照失败: %s", p.Reason, p.Error)
		return nil
	}

	inFlight := make(map[string]bool, len(t.state.InFlight))
	for sym := range t.state.InFlight {
		inFlight[sym] = true
	}
	atr := make(map[string]float64, len(t.state.Indicators))
	for sym, set := range t.state.Indicators {
		atr[sym] = set.ATR
	}
	report := t.reconciler.Reconcile(t.state.Positions, p.Snapshot, reconcile.Inputs{
		LastPrice: t.state.LastPrice,
		ATR:       atr,
		StopFills: p.StopFills,
		InFlight:  inFlight,
		Now:       t.now(),
	})

	var ch store.Change
	corrections := 0
	for _, it := range report.Items {
		t.metrics.ObserveReconcile(string(it.Class))
		if !it.Changed() {
			continue
		}
		corrections++
		if it.Closed != nil {
			ch = mergeChange(ch, t.closePosition(*it.Closed, it.Realized))
		}
		if it.Position != nil {
			next := *it.Position
			t.state.Positions[next.Key()] = next
			ch.Upsert = append(ch.Upsert, next)
		}
		sev := notifier.SeverityWarn
		if it.Class == reconcile.Orphan && len(it.Intents) > 0 {
			sev = notifier.SeverityCritical
		}
		logger.Warnf("[trader] 对账 %s %s: %s", it.Class, it.Key, it.Detail)
		t.publish(notifier.Event{
			Kind:     notifier.KindReconcile,
			Severity: sev,
			Symbol:   it.Symbol,
			Side:     string(it.Side),
			Summary:  string(it.Class) + ": " + it.Detail,
		}.With("trigger", p.Reason))
	}
	if report.Balance.Equity > 0 {
		ch = mergeChange(ch, t.applyEquity(report.Balance.Equity, report.Balance.Available, report.At))
	}
	t.persist(ch)
	t.releaseEntryBlocks(report)

	for _, it := range report.Items {
		for _, in := range it.Intents {
			t.dispatch(in)
		}
	}
	for _, in := range report.StaleStops {
		logger.Warnf("[trader] 撤销孤立止损 %s %s order=%s", in.Symbol, in.Side, in.OrderID)
		t.dispatch(in)
	}
	t.state.LastReconcile = &report

	logger.Infof("[trader] 对账完成 (%s): %d 项, %d 修正, %d 孤立止损, equity=%.2f",
		p.Reason, len(report.Items), corrections, len(report.StaleStops), report.Balance.Equity)
	if p.Reason == ReconcileStartup {
		t.publish(notifier.Event{
			Kind:     notifier.KindStartup,
			Severity: notifier.SeverityInfo,
			Summary:  fmt.Sprintf("started with %d positions", len(t.state.Positions)),
		}.With("equity", report.Balance.Equity).With("available", report.Balance.Available).With("corrections", corrections))
	}
	return nil
}

// blockEntries holds new entries on a symbol whose venue state is unknown after
// an escalated intent, and starts a reconcile to settle it.
func (t *Trader) blockEntries(symbol, reason string) {
	if _, ok := t.state.EntryBlocked[symbol]; !ok {
		logger.Warnf("[trader] %s 意图升级，对账一致前禁止开仓: %s", symbol, reason)
	}
	t.state.EntryBlocked[symbol] = reason
	t.startReconcile(ReconcileEscalated)
}

// releaseEntryBlocks lifts the block on symbols the report found consistent.
func (t *Trader) releaseEntryBlocks(report reconcile.Report) {
	if len(t.state.EntryBlocked) == 0 {
		return
	}
	dirty := make(map[string]bool)
	for _, it := range report.Items {
		if it.Changed() {
			dirty[it.Symbol] = true
		}
	}
	for _, in := range report.StaleStops {
		dirty[in.Symbol] = true
	}
	for sym := range t.state.EntryBlocked {
		if _, busy := t.state.InFlight[sym]; busy || dirty[sym] {
			continue
		}
		delete(t.state.EntryBlocked, sym)
		logger.Infof("[trader] %s 对账一致，恢复开仓", sym)
	}
}
