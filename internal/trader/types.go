package trader

import (
	"encoding/json"
	"time"

	"perpguard/internal/account"
	"perpguard/internal/gateway"
	"perpguard/internal/indicator"
	"perpguard/internal/market"
	"perpguard/internal/position"
	"perpguard/internal/reconcile"
)

type EventType string

const (
	EvtPriceTick       EventType = "PRICE_TICK"
	EvtBarClose        EventType = "BAR_CLOSE"
	EvtReconcile       EventType = "RECONCILE"
	EvtReconcileResult EventType = "RECONCILE_RESULT"
	EvtOrderResult     EventType = "ORDER_RESULT"
	EvtUnfreeze        EventType = "UNFREEZE"
	EvtEquityUpdate    EventType = "EQUITY_UPDATE"
	EvtShutdownDrain   EventType = "SHUTDOWN_DRAIN"
)

// EventEnvelope is the only way state changes enter the Trader.
type EventEnvelope struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Symbol    string          `json:"symbol,omitempty"`
	ReplyCh   chan error      `json:"-"`
}

// PriceTickPayload carries a single trade price from the market feed.
type PriceTickPayload struct {
	Tick market.TickEvent `json:"tick"`
}

// BarClosePayload carries the closed-candle window for one symbol.
type BarClosePayload struct {
	Symbol  string          `json:"symbol"`
	Candles []market.Candle `json:"candles"`
}

const (
	ReconcileStartup   = "startup"
	ReconcileTimer     = "timer"
	ReconcileReconnect = "feed_reconnect"
	ReconcileManual    = "manual"
	ReconcileEscalated = "escalated"
	// ReconcileStopLost: a rejected close left the position without a venue stop.
	ReconcileStopLost = "stop_lost"
)

type ReconcilePayload struct {
	Reason string `json:"reason"`
}

// ReconcileResultPayload is produced by the snapshot fetch goroutine.
// StopFills maps position keys to the fill price of a venue stop that closed them.
type ReconcileResultPayload struct {
	Reason    string             `json:"reason"`
	Snapshot  *gateway.Snapshot  `json:"snapshot,omitempty"`
	StopFills map[string]float64 `json:"stop_fills,omitempty"`
	Error     string             `json:"error,omitempty"`
}

type OrderResultPayload struct {
	Result gateway.OrderResult `json:"result"`
}

// UnfreezePayload clears safe mode for a symbol. An empty Side unfreezes both sides.
type UnfreezePayload struct {
	Symbol string        `json:"symbol"`
	Side   position.Side `json:"side,omitempty"`
}

type EquityUpdatePayload struct {
	Equity    float64   `json:"equity"`
	Available float64   `json:"available"`
	At        time.Time `json:"at"`
}

// inflight tracks the single outstanding intent of a symbol.
type inflight struct {
	Intent gateway.OrderIntent `json:"intent"`
	Since  time.Time           `json:"since"`
	// prev is the lifecycle status to restore when the intent fails.
	prev position.Status
}

// State is the Trader's in-memory view. Only the actor goroutine touches it.
type State struct {
	Positions  map[string]position.Position
	Account    *account.Account
	LastPrice  map[string]float64
	Indicators map[string]indicator.Set
	// Frozen holds symbols put into safe mode without an owning position.
	Frozen map[string]string
	// EntryBlocked holds symbols with an escalated intent; entries and adds
	// wait for a reconcile that finds the symbol consistent.
	EntryBlocked map[string]string
	InFlight     map[string]*inflight
	// Pending entries keyed by intent key until the open result arrives.
	Pending       map[string]position.Position
	LastReconcile *reconcile.Report
	Reconciling   bool
	// reconcileQueued is the trigger that arrived while a fetch was running.
	reconcileQueued string
	Draining        bool
	// dirty position keys whose watermark updates are not yet persisted.
	dirty map[string]struct{}
}

func NewState() *State {
	return &State{
		Positions:    make(map[string]position.Position),
		Account:      account.New(0),
		LastPrice:    make(map[string]float64),
		Indicators:   make(map[string]indicator.Set),
		Frozen:       make(map[string]string),
		EntryBlocked: make(map[string]string),
		InFlight:     make(map[string]*inflight),
		Pending:      make(map[string]position.Position),
		dirty:        make(map[string]struct{}),
	}
}

// positionsFor returns the open positions of a symbol, long side first.
func (s *State) positionsFor(symbol string) []position.Position {
	var out []position.Position
	for _, side := range []position.Side{position.Long, position.Short} {
		if p, ok := s.Positions[position.Key(symbol, side)]; ok {
			out = append(out, p)
		}
	}
	return out
}

// symbolFrozen reports whether new intents for the symbol are blocked.
func (s *State) symbolFrozen(symbol string) bool {
	if _, ok := s.Frozen[symbol]; ok {
		return true
	}
	for _, p := range s.positionsFor(symbol) {
		if p.Frozen {
			return true
		}
	}
	return false
}

func (s *State) entryBlocked(symbol string) bool {
	_, ok := s.EntryBlocked[symbol]
	return ok
}

func (s *State) atrFor(symbol string) float64 {
	return s.Indicators[symbol].ATR
}

// InFlightIntent is the read-only view of an outstanding intent.
type InFlightIntent struct {
	Intent gateway.OrderIntent `json:"intent"`
	Since  time.Time           `json:"since"`
}

// Snapshot is an immutable copy of State for readers outside the actor.
type Snapshot struct {
	Positions     []position.Position       `json:"positions"`
	Account       *account.Account          `json:"account"`
	Prices        map[string]float64        `json:"prices"`
	Indicators    map[string]indicator.Set  `json:"indicators"`
	InFlight      map[string]InFlightIntent `json:"in_flight"`
	Frozen        map[string]string         `json:"frozen"`
	EntryBlocked  map[string]string         `json:"entry_blocked"`
	LastReconcile *reconcile.Report         `json:"last_reconcile,omitempty"`
	CircuitState  string                    `json:"circuit_state"`
	Reconciling   bool                      `json:"reconciling"`
	Draining      bool                      `json:"draining"`
	UpdatedAt     time.Time                 `json:"updated_at"`
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Account:      account.New(0),
		Prices:       map[string]float64{},
		Indicators:   map[string]indicator.Set{},
		InFlight:     map[string]InFlightIntent{},
		Frozen:       map[string]string{},
		EntryBlocked: map[string]string{},
	}
}

// Position returns the open position for symbol|side from the snapshot.
func (s *Snapshot) Position(symbol string, side position.Side) (position.Position, bool) {
	for _, p := range s.Positions {
		if p.Symbol == symbol && p.Side == side {
			return p, true
		}
	}
	return position.Position{}, false
}
