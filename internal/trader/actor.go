package trader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"perpguard/internal/gateway"
	"perpguard/internal/indicator"
	"perpguard/internal/logger"
	"perpguard/internal/manager"
	"perpguard/internal/market"
	"perpguard/internal/monitor"
	"perpguard/internal/notifier"
	"perpguard/internal/position"
	"perpguard/internal/reconcile"
	"perpguard/internal/store"
	"perpguard/internal/store/journal"
)

var (
	ErrStopped   = errors.New("trader is stopped")
	ErrDraining  = errors.New("trader is draining")
	ErrNotFrozen = errors.New("symbol not frozen")
)

type Config struct {
	QueueSize        int           `toml:"queue_size" json:"queue_size"`
	SnapshotThrottle time.Duration `toml:"snapshot_throttle" json:"snapshot_throttle"`
	SlowEvent        time.Duration `toml:"slow_event" json:"slow_event"`
	DispatchTimeout  time.Duration `toml:"dispatch_timeout" json:"dispatch_timeout"`
	ReconcileTimeout time.Duration `toml:"reconcile_timeout" json:"reconcile_timeout"`
	PersistTimeout   time.Duration `toml:"persist_timeout" json:"persist_timeout"`
	ShutdownGrace    time.Duration `toml:"shutdown_grace" json:"shutdown_grace"`
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.SnapshotThrottle < 0 {
		c.SnapshotThrottle = 0
	} else if c.SnapshotThrottle == 0 {
		c.SnapshotThrottle = 50 * time.Millisecond
	}
	if c.SlowEvent <= 0 {
		c.SlowEvent = 100 * time.Millisecond
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = time.Minute
	}
	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = 30 * time.Second
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 5 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	return c
}

// StateStore persists position and account mutations transactionally.
type StateStore interface {
	Apply(ctx context.Context, ch store.Change) error
	Load(ctx context.Context) (store.State, error)
}

// Journal records every non-tick event before it is handled.
type Journal interface {
	Append(ctx context.Context, rec journal.Record) error
}

type Publisher interface {
	Publish(evt notifier.Event)
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	ObserveEvent(evt string, seconds float64)
	ObserveReconcile(class string)
	SetPositions(open, frozen int)
	SetEquity(equity, drawdown float64)
}

type nopMetrics struct{}

func (nopMetrics) ObserveEvent(string, float64) {}
func (nopMetrics) ObserveReconcile(string)      {}
func (nopMetrics) SetPositions(int, int)        {}
func (nopMetrics) SetEquity(float64, float64)   {}

type nopPublisher struct{}

func (nopPublisher) Publish(notifier.Event) {}

// Deps groups the collaborators of the Trader. Store, Journal, Notifier and Metrics are optional.
type Deps struct {
	Gateway    *gateway.Gateway
	Monitor    *monitor.Monitor
	Manager    *manager.Manager
	Reconciler *reconcile.Engine
	Indicators indicator.Params
	Store      StateStore
	Journal    Journal
	Notifier   Publisher
	Metrics    Metrics
}

// Trader is the single-writer scheduler of the system.
// It owns every position and the account, folds market data, order results and
// reconcile reports into state one event at a time, and hands venue calls to
// goroutines whose results come back as ORDER_RESULT events.
type Trader struct {
	cfg        Config
	gw         *gateway.Gateway
	monitor    *monitor.Monitor
	manager    *manager.Manager
	reconciler *reconcile.Engine
	indParams  indicator.Params
	store      StateStore
	journal    Journal
	notifier   Publisher
	metrics    Metrics

	eventRegistry *HandlerRegistry

	msgCh    chan EventEnvelope
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// dispatch goroutines; cancelled when the shutdown grace expires
	dispatchWG     sync.WaitGroup
	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc

	state *State

	stateSnapshot atomic.Value
	lastSnapshot  time.Time

	now func() time.Time
}

func NewTrader(cfg Config, deps Deps) *Trader {
	cfg = cfg.withDefaults()
	eventReg := NewHandlerRegistry()
	eventReg.RegisterDefaultHandlers()

	tr := &Trader{
		cfg:           cfg,
		gw:            deps.Gateway,
		monitor:       deps.Monitor,
		manager:       deps.Manager,
		reconciler:    deps.Reconciler,
		indParams:     deps.Indicators,
		store:         deps.Store,
		journal:       deps.Journal,
		notifier:      deps.Notifier,
		metrics:       deps.Metrics,
		eventRegistry: eventReg,
		msgCh:         make(chan EventEnvelope, cfg.QueueSize),
		stopCh:        make(chan struct{}),
		state:         NewState(),
		now:           func() time.Time { return time.Now().UTC() },
	}
	if tr.notifier == nil {
		tr.notifier = nopPublisher{}
	}
	if tr.metrics == nil {
		tr.metrics = nopMetrics{}
	}
	tr.dispatchCtx, tr.dispatchCancel = context.WithCancel(context.Background())
	tr.refreshSnapshot(true)
	return tr
}

// Recover rebuilds the in-memory state from the state store.
// It must run before Start; the caller then requests a startup reconcile so the
// venue overrides anything that changed while the process was down.
func (t *Trader) Recover(ctx context.Context) error {
	t.state = NewState()
	if t.store != nil {
		loaded, err := t.store.Load(ctx)
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		for k, p := range loaded.Positions {
			if !p.IsOpen() && p.Status != position.StatusPending {
				continue
			}
			t.state.Positions[k] = p
		}
		if loaded.Account != nil {
			t.state.Account = loaded.Account
		}
	}
	t.observeState()
	t.refreshSnapshot(true)
	logger.Infof("[trader] 恢复完成: %d 个持仓, equity=%.2f", len(t.state.Positions), t.state.Account.Equity)
	return nil
}

func (t *Trader) Start() {
	t.wg.Add(1)
	go t.runLoop()
}

func (t *Trader) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
	t.dispatchCancel()
}

// Shutdown stops accepting new intents, waits for in-flight venue calls within
// the grace period, folds their results and stops the loop.
func (t *Trader) Shutdown(ctx context.Context) error {
	if err := t.SendSync(ctx, t.newEvent(EvtShutdownDrain, "", struct{}{})); err != nil && !errors.Is(err, ErrStopped) {
		logger.Warnf("[trader] drain request failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		t.dispatchWG.Wait()
		close(done)
	}()
	grace := time.NewTimer(t.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		logger.Warnf("[trader] 宽限期 %s 已到，取消未完成的交易所调用", t.cfg.ShutdownGrace)
		t.dispatchCancel()
		<-done
	case <-ctx.Done():
		t.dispatchCancel()
		<-done
	}

	// FIFO barrier: results queued by the dispatch goroutines are folded first.
	barrier, cancel := context.WithTimeout(context.Background(), t.cfg.PersistTimeout)
	defer cancel()
	if err := t.SendSync(barrier, t.newEvent(EvtShutdownDrain, "", struct{}{})); err != nil && !errors.Is(err, ErrStopped) {
		logger.Warnf("[trader] drain barrier failed: %v", err)
	}
	settleCtx, cancelSettle := context.WithTimeout(context.Background(), 2*t.cfg.ReconcileTimeout)
	defer cancelSettle()
	t.settle(settleCtx)
	t.Stop()
	return nil
}

// settle waits for the reconcile and protective intents started by folded
// results (an escalated entry cancelled by the grace expiry) to finish.
func (t *Trader) settle(ctx context.Context) {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		snap := t.Snapshot()
		if len(snap.InFlight) == 0 && !snap.Reconciling {
			return
		}
		select {
		case <-ctx.Done():
			logger.Errorf("[trader] 停机时仍有 %d 个意图在途 (reconciling=%t)，交由下次启动对账", len(snap.InFlight), snap.Reconciling)
			return
		case <-tick.C:
		}
	}
}

func (t *Trader) Send(evt EventEnvelope) error {
	select {
	case <-t.stopCh:
		return ErrStopped
	default:
	}
	select {
	case t.msgCh <- evt:
		return nil
	case <-t.stopCh:
		return ErrStopped
	}
}

func (t *Trader) SendSync(ctx context.Context, evt EventEnvelope) error {
	if evt.ReplyCh == nil {
		evt.ReplyCh = make(chan error, 1)
	}

	if err := t.Send(evt); err != nil {
		return err
	}

	select {
	case err := <-evt.ReplyCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.stopCh:
		return fmt.Errorf("%w during sync call", ErrStopped)
	}
}

// TrySend drops the event when the queue is full. Used for ticks, where the
// next trade supersedes a dropped one.
func (t *Trader) TrySend(evt EventEnvelope) bool {
	select {
	case <-t.stopCh:
		return false
	default:
	}
	select {
	case t.msgCh <- evt:
		return true
	default:
		return false
	}
}

func (t *Trader) OnTick(tick market.TickEvent) {
	if !t.TrySend(t.newEvent(EvtPriceTick, tick.Symbol, PriceTickPayload{Tick: tick})) {
		logger.Debugf("[trader] 队列已满，丢弃 %s tick", tick.Symbol)
	}
}

func (t *Trader) OnBarClose(symbol string, candles []market.Candle) {
	if err := t.Send(t.newEvent(EvtBarClose, symbol, BarClosePayload{Symbol: symbol, Candles: candles})); err != nil {
		logger.Warnf("[trader] send bar close %s: %v", symbol, err)
	}
}

func (t *Trader) RequestReconcile(reason string) error {
	return t.Send(t.newEvent(EvtReconcile, "", ReconcilePayload{Reason: reason}))
}

// Unfreeze is the operator command that lifts safe mode for a symbol.
func (t *Trader) Unfreeze(ctx context.Context, symbol string, side position.Side) error {
	return t.SendSync(ctx, t.newEvent(EvtUnfreeze, symbol, UnfreezePayload{Symbol: symbol, Side: side}))
}

func (t *Trader) UpdateEquity(bal gateway.Balance) error {
	return t.Send(t.newEvent(EvtEquityUpdate, "", EquityUpdatePayload{Equity: bal.Equity, Available: bal.Available, At: t.now()}))
}

func (t *Trader) Snapshot() *Snapshot {
	val := t.stateSnapshot.Load()
	if val == nil {
		return emptySnapshot()
	}
	return val.(*Snapshot)
}

func (t *Trader) refreshSnapshot(force bool) {
	if !force && t.cfg.SnapshotThrottle > 0 && !t.lastSnapshot.IsZero() {
		if time.Since(t.lastSnapshot) < t.cfg.SnapshotThrottle {
			return
		}
	}

	snap := emptySnapshot()
	snap.Positions = make([]position.Position, 0, len(t.state.Positions))
	for _, key := range sortedKeys(t.state.Positions) {
		snap.Positions = append(snap.Positions, t.state.Positions[key].Clone())
	}
	if t.state.Account != nil {
		snap.Account = t.state.Account.Clone()
	}
	for sym, px := range t.state.LastPrice {
		snap.Prices[sym] = px
	}
	for sym, set := range t.state.Indicators {
		snap.Indicators[sym] = set
	}
	for sym, f := range t.state.InFlight {
		snap.InFlight[sym] = InFlightIntent{Intent: f.Intent, Since: f.Since}
	}
	for sym, reason := range t.state.Frozen {
		snap.Frozen[sym] = reason
	}
	for _, p := range t.state.Positions {
		if p.Frozen {
			snap.Frozen[p.Key()] = p.FrozenReason
		}
	}
	for sym, reason := range t.state.EntryBlocked {
		snap.EntryBlocked[sym] = reason
	}
	if t.state.LastReconcile != nil {
		r := *t.state.LastReconcile
		snap.LastReconcile = &r
	}
	if t.gw != nil {
		snap.CircuitState = t.gw.CircuitState().String()
	}
	snap.Reconciling = t.state.Reconciling
	snap.Draining = t.state.Draining
	snap.UpdatedAt = t.now()
	t.stateSnapshot.Store(snap)
	t.lastSnapshot = time.Now()
}

func (t *Trader) runLoop() {
	defer t.wg.Done()
	logger.Infof("[trader] actor started")

	for {
		select {
		case evt := <-t.msgCh:
			t.handleEvent(evt)
		case <-t.stopCh:
			logger.Infof("[trader] actor stopping")
			return
		}
	}
}

// handleEvent is the main entry point for processing events in the actor loop.
//
// A panic in a handler is caught and the event's symbol enters safe mode; the
// loop keeps serving every other symbol. Non-tick events are journaled before
// they are handled. ReplyCh, when present, always receives the handler result.
func (t *Trader) handleEvent(evt EventEnvelope) {
	var err error
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[trader] panic handling event %s: %v", evt.Type, r)
			debug.PrintStack()
			err = fmt.Errorf("panic: %v", r)
			if evt.Symbol != "" {
				t.freezeSymbol(evt.Symbol, fmt.Sprintf("panic in %s: %v", evt.Type, r))
			}
			t.refreshSnapshot(true)
		}

		if evt.ReplyCh != nil {
			evt.ReplyCh <- err
			close(evt.ReplyCh)
		}

		dur := time.Since(start)
		t.metrics.ObserveEvent(string(evt.Type), dur.Seconds())
		if dur > t.cfg.SlowEvent {
			logger.With("trader").Warn("slow event", "type", evt.Type, "symbol", evt.Symbol, "took", dur)
		}
	}()

	if t.journal != nil && shouldJournal(evt.Type) {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.PersistTimeout)
		if jerr := t.journal.Append(ctx, journal.Record{
			ID:      evt.ID,
			Type:    string(evt.Type),
			Symbol:  evt.Symbol,
			Payload: evt.Payload,
			At:      evt.CreatedAt,
		}); jerr != nil {
			logger.Errorf("[trader] journal %s failed: %v", evt.Type, jerr)
		}
		cancel()
	}

	handler, ok := t.eventRegistry.Get(evt.Type)
	if !ok {
		logger.Warnf("[trader] no handler registered for event type: %s", evt.Type)
		return
	}

	err = handler.Handle(NewHandlerContext(t), evt.Payload, evt.ID)
	if err != nil {
		logger.Errorf("[trader] failed to handle %s: %v", evt.Type, err)
	}
}

func shouldJournal(t EventType) bool {
	return t != EvtPriceTick
}

func (t *Trader) newEvent(typ EventType, symbol string, payload any) EventEnvelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Errorf("[trader] marshal %s payload: %v", typ, err)
		raw = json.RawMessage("{}")
	}
	return EventEnvelope{
		ID:        newEventID(string(typ)),
		Type:      typ,
		Payload:   raw,
		CreatedAt: t.now(),
		Symbol:    symbol,
	}
}

var eventSeq atomic.Uint64

func newEventID(prefix string) string {
	if prefix == "" {
		prefix = "evt"
	}
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), eventSeq.Add(1))
}
