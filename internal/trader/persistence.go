package trader

import (
	"context"
	"sort"

	"perpguard/internal/account"
	"perpguard/internal/logger"
	"perpguard/internal/notifier"
	"perpguard/internal/position"
	"perpguard/internal/store"
)

// persist writes one state change in a single transaction. Failures are logged;
// the next mutation of the same position rewrites it in full.
func (t *Trader) persist(ch store.Change) {
	for _, p := range ch.Upsert {
		delete(t.state.dirty, p.Key())
	}
	if t.store == nil || ch.Empty() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.PersistTimeout)
	defer cancel()
	if err := t.store.Apply(ctx, ch); err != nil {
		logger.Errorf("[trader] persist state failed: %v", err)
	}
}

// flushDirty persists watermark updates collected from ticks.
func (t *Trader) flushDirty() {
	if len(t.state.dirty) == 0 {
		return
	}
	var ch store.Change
	for key := range t.state.dirty {
		if p, ok := t.state.Positions[key]; ok {
			ch.Upsert = append(ch.Upsert, p)
		}
	}
	t.state.dirty = make(map[string]struct{})
	t.persist(ch)
}

func mergeChange(a, b store.Change) store.Change {
	a.Upsert = append(a.Upsert, b.Upsert...)
	a.Remove = append(a.Remove, b.Remove...)
	a.Archive = append(a.Archive, b.Archive...)
	if b.Account != nil {
		a.Account = b.Account
	}
	if b.Equity != nil {
		a.Equity = b.Equity
	}
	return a
}

// closePosition removes a closed position from state, starts the symbol cooldown
// and returns the archive change.
func (t *Trader) closePosition(closed position.Position, realized float64) store.Change {
	key := closed.Key()
	delete(t.state.Positions, key)
	delete(t.state.dirty, key)

	at := closed.ClosedAt
	if at.IsZero() {
		at = t.now()
		closed.ClosedAt = at
	}
	outcome := account.OutcomeOf(closed.RealizedPnL)
	if t.manager != nil {
		t.state.Account.StartCooldown(closed.Symbol, at.Add(t.manager.Params().Cooldown(closed.Side)), outcome)
	}

	logger.Infof("[trader] %s 平仓 (%s) realized=%.4f total=%.4f outcome=%s", key, closed.CloseReason, realized, closed.RealizedPnL, outcome)
	t.publish(positionEvent(notifier.KindPositionClosed, notifier.SeverityInfo, closed, closed.CloseReason).
		With("realized", closed.RealizedPnL).With("fees", closed.Fees).With("outcome", string(outcome)))

	return store.Change{
		Archive: []position.Position{closed},
		Remove:  []string{key},
		Account: t.state.Account.Clone(),
	}
}

// freezePosition puts a position into safe mode: it keeps its venue stop but
// receives no further intents until an operator unfreezes it.
func (t *Trader) freezePosition(pos position.Position, reason string) {
	next := pos.Freeze(reason)
	t.state.Positions[next.Key()] = next
	t.persist(store.Change{Upsert: []position.Position{next}})
	logger.Errorf("[trader] %s 冻结: %s", next.Key(), reason)
	t.publish(positionEvent(notifier.KindPositionFrozen, notifier.SeverityCritical, next, reason))
	t.observeState()
}

func (t *Trader) freezeSymbol(symbol, reason string) {
	positions := t.state.positionsFor(symbol)
	if len(positions) == 0 {
		t.state.Frozen[symbol] = reason
		logger.Errorf("[trader] %s 进入安全模式: %s", symbol, reason)
		t.publish(notifier.Event{
			Kind:     notifier.KindPositionFrozen,
			Severity: notifier.SeverityCritical,
			Symbol:   symbol,
			Summary:  reason,
		})
		return
	}
	for _, p := range positions {
		t.freezePosition(p, reason)
	}
}

func (t *Trader) publish(evt notifier.Event) {
	if evt.At.IsZero() {
		evt.At = t.now()
	}
	t.notifier.Publish(evt)
}

func positionEvent(kind notifier.Kind, sev notifier.Severity, p position.Position, summary string) notifier.Event {
	return notifier.Event{
		Kind:       kind,
		Severity:   sev,
		Symbol:     p.Symbol,
		Side:       string(p.Side),
		PositionID: p.ID,
		Summary:    summary,
	}
}

func (t *Trader) observeState() {
	frozen := len(t.state.Frozen)
	for _, p := range t.state.Positions {
		if p.Frozen {
			frozen++
		}
	}
	t.metrics.SetPositions(len(t.state.Positions), frozen)
	if acct := t.state.Account; acct != nil {
		t.metrics.SetEquity(acct.Equity, acct.Drawdown)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
