// Package reconcile 比对本地持仓与交易所快照，交易所为准。Reconcile 本身是纯函数，
// 返回的 Report 由调度器落地。
package reconcile

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"perpguard/internal/gateway"
	"perpguard/internal/position"
	"perpguard/internal/strategy"
)

type Class string

const (
	Consistent Class = "consistent"
	Ghost      Class = "ghost"
	Orphan     Class = "orphan"
	Mismatch   Class = "mismatch"
)

const (
	ReasonRescueStop  = "rescue_stop"
	ReasonRestoreStop = "restore_stop"
	ReasonStaleStop   = "stale_stop"

	CloseReasonGhost     = "reconcile_ghost"
	CloseReasonVenueStop = "venue_stop"
	CloseReasonSideFlip  = "reconcile_side_flip"
)

type Params struct {
	// 相对容差，数量差小于 max(1e-8, Tolerance*size) 视为一致
	Tolerance     float64 `toml:"tolerance" json:"tolerance"`
	RescueStopPct float64 `toml:"rescue_stop_pct" json:"rescue_stop_pct"`
}

func DefaultParams() Params {
	return Params{Tolerance: 0.001, RescueStopPct: 0.03}
}

// Inputs 是对账需要的市场上下文。StopFills 以仓位键索引已知的交易所止损成交价。
type Inputs struct {
	LastPrice map[string]float64
	ATR       map[string]float64
	StopFills map[string]float64
	// InFlight 中的 symbol 有未完成的订单意图，本轮跳过
	InFlight map[string]bool
	Now      time.Time
}

// Item 是一个 symbol|side 的对账结论。
// Closed 非空表示本地仓位应归档；Position 非空表示新的本地状态（接管或覆盖）。
type Item struct {
	Key      string                 `json:"key"`
	Symbol   string                 `json:"symbol"`
	Side     position.Side          `json:"side"`
	Class    Class                  `json:"class"`
	Detail   string                 `json:"detail"`
	Local    *position.Position     `json:"local,omitempty"`
	Venue    *gateway.VenuePosition `json:"venue,omitempty"`
	Closed   *position.Position     `json:"closed,omitempty"`
	Realized float64                `json:"realized"`
	Position *position.Position     `json:"position,omitempty"`
	Intents  []gateway.OrderIntent  `json:"intents,omitempty"`
}

// Changed 表示该条目需要落地并告警。
func (it Item) Changed() bool {
	return it.Class != Consistent || len(it.Intents) > 0 || it.Position != nil
}

type Report struct {
	At        time.Time `json:"at"`
	FetchedAt time.Time `json:"fetched_at"`
	Items     []Item    `json:"items"`
	// StaleStops 是交易所上没有对应持仓的止损单撤单意图。
	StaleStops []gateway.OrderIntent `json:"stale_stops,omitempty"`
	Balance    gateway.Balance       `json:"balance"`
}

func (r Report) Count(c Class) int {
	n := 0
	for _, it := range r.Items {
		if it.Class == c {
			n++
		}
	}
	return n
}

func (r Report) Corrections() []Item {
	var out []Item
	for _, it := range r.Items {
		if it.Changed() {
			out = append(out, it)
		}
	}
	return out
}

type Engine struct {
	params   Params
	strategy strategy.Params
	newID    func() string
}

func New(params Params, sp strategy.Params) *Engine {
	if params.Tolerance <= 0 {
		params.Tolerance = DefaultParams().Tolerance
	}
	if params.RescueStopPct <= 0 {
		params.RescueStopPct = DefaultParams().RescueStopPct
	}
	return &Engine{params: params, strategy: sp, newID: uuid.NewString}
}

// Reconcile 对每个 symbol|side 分类并给出修正动作。local 以 position.Key 为键，只需包含未平仓位。
func (e *Engine) Reconcile(local map[string]position.Position, snap *gateway.Snapshot, in Inputs) Report {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	report := Report{At: now}
	if snap == nil {
		return report
	}
	report.FetchedAt = snap.FetchedAt
	report.Balance = snap.Balance
	venue := snap.PositionMap()

	keys := make(map[string]struct{}, len(local)+len(venue))
	for k, p := range local {
		if in.InFlight[p.Symbol] {
			continue
		}
		if p.IsOpen() || p.Status == position.StatusPending {
			keys[k] = struct{}{}
		}
	}
	for k, vp := range venue {
		if in.InFlight[vp.Symbol] {
			continue
		}
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	flipped := sideFlips(local, venue)
	for _, key := range sorted {
		lp, hasLocal := local[key]
		vp, hasVenue := venue[key]
		if hasLocal && !lp.IsOpen() && lp.Status != position.StatusPending {
			hasLocal = false
		}
		var item Item
		switch {
		case hasLocal && hasVenue:
			item = e.compare(key, lp, vp, snap, now)
		case hasLocal:
			if _, ok := flipped[key]; ok {
				// 同一 symbol 反向仓位出现时由接管一侧统一报告
				item = e.ghost(key, lp, in, now, CloseReasonSideFlip)
				item.Class = Mismatch
				item.Detail = "side flipped on venue, local " + string(lp.Side) + " closed"
			} else {
				item = e.ghost(key, lp, in, now, CloseReasonGhost)
			}
		case hasVenue:
			item = e.orphan(key, vp, snap, in, now)
		default:
			continue
		}
		report.Items = append(report.Items, item)
	}
	report.StaleStops = staleStops(snap, venue, in.InFlight, now)
	return report
}

func (e *Engine) compare(key string, lp position.Position, vp gateway.VenuePosition, snap *gateway.Snapshot, now time.Time) Item {
	item := Item{Key: key, Symbol: vp.Symbol, Side: vp.Side, Class: Consistent, Local: ptr(lp), Venue: ptr(vp)}
	var notes []string
	next := lp.Clone()

	tol := math.Max(1e-8, e.params.Tolerance*vp.Size)
	if lp.Status == position.StatusPending || math.Abs(lp.Size-vp.Size) > tol {
		resynced, err := lp.Resync(vp.Size, vp.EntryPrice)
		if err == nil {
			next = resynced
		}
		notes = append(notes, fmt.Sprintf("size local=%.8f venue=%.8f", lp.Size, vp.Size))
	}

	stops := snap.StopOrders(vp.Symbol, vp.Side)
	switch {
	case len(stops) == 0:
		stop := next.StopPrice
		if stop <= 0 {
			stop = e.rescueStop(vp, 0)
		}
		next.StopOrderID = ""
		next.StopPrice = stop
		notes = append(notes, "venue stop missing, re-placing")
		item.Intents = append(item.Intents, gateway.OrderIntent{
			Kind:       gateway.KindMoveStop,
			Symbol:     vp.Symbol,
			Side:       vp.Side,
			Size:       vp.Size,
			RefPrice:   vp.MarkPrice,
			StopPrice:  stop,
			Reason:     ReasonRestoreStop,
			PositionID: next.ID,
			CreatedAt:  now,
		})
	default:
		best := tightestStop(vp.Side, stops)
		if best.OrderID != lp.StopOrderID || math.Abs(best.StopPrice-lp.StopPrice) > 1e-8 {
			notes = append(notes, fmt.Sprintf("stop local=%.8f(%s) venue=%.8f(%s)", lp.StopPrice, lp.StopOrderID, best.StopPrice, best.OrderID))
			next.StopPrice = best.StopPrice
			next.StopOrderID = best.OrderID
		}
	}
	if len(notes) == 0 {
		return item
	}
	item.Class = Mismatch
	item.Detail = strings.Join(notes, "; ")
	item.Position = &next
	return item
}

// ghost 本地有仓、交易所无仓：本地直接终结。
func (e *Engine) ghost(key string, lp position.Position, in Inputs, now time.Time, reason string) Item {
	price, src := exitPrice(key, lp, in)
	if src == "stop" && reason == CloseReasonGhost {
		reason = CloseReasonVenueStop
	}
	closed, realized := lp.ForceClose(price, now, reason)
	return Item{
		Key:      key,
		Symbol:   lp.Symbol,
		Side:     lp.Side,
		Class:    Ghost,
		Detail:   fmt.Sprintf("flat on venue, closed locally at %.8f (%s)", price, src),
		Local:    ptr(lp),
		Closed:   &closed,
		Realized: realized,
	}
}

// orphan 交易所有仓、本地无记录：接管并确保存在止损。
func (e *Engine) orphan(key string, vp gateway.VenuePosition, snap *gateway.Snapshot, in Inputs, now time.Time) Item {
	adopted := position.Adopt(e.newID(), vp.Symbol, vp.Side, vp.Size, vp.EntryPrice, now)
	item := Item{Key: key, Symbol: vp.Symbol, Side: vp.Side, Class: Orphan, Venue: ptr(vp)}
	stops := snap.StopOrders(vp.Symbol, vp.Side)
	if len(stops) > 0 {
		best := tightestStop(vp.Side, stops)
		adopted.StopPrice = best.StopPrice
		adopted.OriginalStop = best.StopPrice
		adopted.StopOrderID = best.OrderID
		item.Detail = fmt.Sprintf("adopted size=%.8f entry=%.8f with venue stop %.8f", vp.Size, vp.EntryPrice, best.StopPrice)
		item.Position = &adopted
		return item
	}
	stop := e.rescueStop(vp, in.ATR[vp.Symbol])
	adopted.StopPrice = stop
	adopted.OriginalStop = stop
	item.Detail = fmt.Sprintf("adopted size=%.8f entry=%.8f, rescue stop %.8f", vp.Size, vp.EntryPrice, stop)
	item.Position = &adopted
	item.Intents = []gateway.OrderIntent{{
		Kind:       gateway.KindMoveStop,
		Symbol:     vp.Symbol,
		Side:       vp.Side,
		Size:       vp.Size,
		RefPrice:   vp.MarkPrice,
		StopPrice:  stop,
		Reason:     ReasonRescueStop,
		PositionID: adopted.ID,
		CreatedAt:  now,
	}}
	return item
}

// rescueStop: 入场价 ∓ atr_stop_multiplier*ATR；ATR 未知时用 rescue_stop_pct。
func (e *Engine) rescueStop(vp gateway.VenuePosition, atr float64) float64 {
	mult := e.strategy.Side(vp.Side).ATRStopMultiplier
	if atr > 0 && mult > 0 {
		return position.Behind(vp.Side, vp.EntryPrice, mult*atr)
	}
	return position.Behind(vp.Side, vp.EntryPrice, vp.EntryPrice*e.params.RescueStopPct)
}

func exitPrice(key string, lp position.Position, in Inputs) (float64, string) {
	if px := in.StopFills[key]; px > 0 {
		return px, "stop"
	}
	if px := in.LastPrice[lp.Symbol]; px > 0 {
		return px, "last"
	}
	if lp.LastPrice > 0 {
		return lp.LastPrice, "last"
	}
	return lp.EntryPrice, "entry"
}

func sideFlips(local map[string]position.Position, venue map[string]gateway.VenuePosition) map[string]struct{} {
	out := make(map[string]struct{})
	for k, lp := range local {
		if !lp.IsOpen() {
			continue
		}
		if _, ok := venue[k]; ok {
			continue
		}
		opp := position.Key(lp.Symbol, lp.Side.Opposite())
		if _, ok := venue[opp]; !ok {
			continue
		}
		if other, ok := local[opp]; ok && other.IsOpen() {
			continue
		}
		out[k] = struct{}{}
	}
	return out
}

func staleStops(snap *gateway.Snapshot, venue map[string]gateway.VenuePosition, skip map[string]bool, now time.Time) []gateway.OrderIntent {
	var out []gateway.OrderIntent
	for _, o := range snap.Orders {
		if !o.IsProtectiveStop() || skip[o.Symbol] {
			continue
		}
		if _, ok := venue[position.Key(o.Symbol, o.PositionSide)]; ok {
			continue
		}
		out = append(out, gateway.OrderIntent{
			Kind:      gateway.KindCancel,
			Symbol:    o.Symbol,
			Side:      o.PositionSide,
			OrderID:   o.OrderID,
			StopPrice: o.StopPrice,
			Reason:    ReasonStaleStop,
			CreatedAt: now,
		})
	}
	return out
}

func tightestStop(side position.Side, stops []gateway.OrderAck) gateway.OrderAck {
	best := stops[0]
	for _, s := range stops[1:] {
		if position.Tightens(side, s.StopPrice, best.StopPrice) {
			best = s
		}
	}
	return best
}

func ptr[T any](v T) *T { return &v }
