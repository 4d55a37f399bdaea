// Package paper 提供内存撮合的模拟交易所，用于 dry-run 与测试。
// 止损单在价格触及时按触发价全部成交；支持故障注入。
package paper

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"perpguard/internal/gateway"
	"perpguard/internal/logger"
	"perpguard/internal/position"
)

const venueName = "paper"

type Config struct {
	InitialEquity float64 `toml:"initial_equity" json:"initial_equity"`
	FeeRate       float64 `toml:"fee_rate" json:"fee_rate"`
	Leverage      int     `toml:"leverage" json:"leverage"`
	AttachedStop  bool    `toml:"attached_stop" json:"attached_stop"`
}

type fault struct {
	op        string
	err       error
	remaining int
	// lost: 请求已执行但响应丢失。
	lost bool
}

type Venue struct {
	mu        sync.Mutex
	cfg       Config
	cash      float64
	prices    map[string]float64
	positions map[string]*gateway.VenuePosition
	orders    map[string]*gateway.OrderAck
	byClient  map[string]string
	leverage  map[string]int
	faults    []*fault
	calls     map[string]int
	seq       int64
	now       func() time.Time
}

func New(cfg Config) *Venue {
	if cfg.InitialEquity <= 0 {
		cfg.InitialEquity = 10000
	}
	if cfg.FeeRate < 0 {
		cfg.FeeRate = 0
	}
	if cfg.Leverage <= 0 {
		cfg.Leverage = 10
	}
	return &Venue{
		cfg:       cfg,
		cash:      cfg.InitialEquity,
		prices:    make(map[string]float64),
		positions: make(map[string]*gateway.VenuePosition),
		orders:    make(map[string]*gateway.OrderAck),
		byClient:  make(map[string]string),
		leverage:  make(map[string]int),
		calls:     make(map[string]int),
		now:       time.Now,
	}
}

func (v *Venue) Name() string { return venueName }

func (v *Venue) Capabilities() gateway.Capabilities {
	return gateway.Capabilities{AttachedStop: v.cfg.AttachedStop, HedgeMode: true}
}

// Fail 让接下来 times 次 op 调用直接返回 err。op: place, place_stop, cancel, query, positions, orders, balance。
func (v *Venue) Fail(op string, err error, times int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.faults = append(v.faults, &fault{op: op, err: err, remaining: times})
}

// LoseResponses 让接下来 times 次 op 调用照常执行，但向调用方返回瞬时错误。
func (v *Venue) LoseResponses(op string, times int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.faults = append(v.faults, &fault{
		op:        op,
		err:       gateway.Transient(venueName, "timeout", "response lost"),
		remaining: times,
		lost:      true,
	})
}

// Calls 返回某类调用的次数（包含失败的调用）。
func (v *Venue) Calls(op string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[op]
}

func (v *Venue) takeFault(op string) *fault {
	v.calls[op]++
	for i, f := range v.faults {
		if f.op != op || f.remaining <= 0 {
			continue
		}
		f.remaining--
		if f.remaining == 0 {
			v.faults = append(v.faults[:i], v.faults[i+1:]...)
		}
		return f
	}
	return nil
}

// SetPrice 更新标记价格并撮合被触发的止损单，返回本次成交的止损单。
func (v *Venue) SetPrice(symbol string, price float64) []gateway.OrderAck {
	if price <= 0 {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prices[symbol] = price
	var filled []gateway.OrderAck
	for _, id := range v.sortedOrderIDs() {
		o := v.orders[id]
		if o.Symbol != symbol || o.Type != gateway.OrderStopMarket || o.Status != gateway.OrderNew {
			continue
		}
		if !position.StopHit(o.PositionSide, price, o.StopPrice) {
			continue
		}
		key := position.Key(symbol, o.PositionSide)
		pos, ok := v.positions[key]
		if !ok || position.IsDust(pos.Size) {
			o.Status = gateway.OrderExpired
			o.UpdatedAt = v.now()
			continue
		}
		size := pos.Size
		if o.Size > 0 && o.Size < size {
			size = o.Size
		}
		fee := v.reduceLocked(key, size, o.StopPrice)
		o.Status = gateway.OrderFilled
		o.FilledSize = size
		o.AvgPrice = o.StopPrice
		o.Fee = fee
		o.UpdatedAt = v.now()
		logger.Infof("[paper] %s %s 止损成交 @%.4f size=%.6f", symbol, o.PositionSide, o.StopPrice, size)
		filled = append(filled, *o)
	}
	return filled
}

func (v *Venue) Price(symbol string) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.prices[symbol]
}

// SeedPosition 直接在交易所侧放置仓位（模拟手动开仓）。
func (v *Venue) SeedPosition(symbol string, side position.Side, size, entry float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.positions[position.Key(symbol, side)] = &gateway.VenuePosition{
		Symbol: symbol, Side: side, Size: size, EntryPrice: entry, Leverage: float64(v.leverageFor(symbol)),
	}
}

// Liquidate 在交易所侧移除仓位（模拟强平或手动平仓），按当前价结算。
func (v *Venue) Liquidate(symbol string, side position.Side) {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := position.Key(symbol, side)
	pos, ok := v.positions[key]
	if !ok {
		return
	}
	price := v.prices[symbol]
	if price <= 0 {
		price = pos.EntryPrice
	}
	v.reduceLocked(key, pos.Size, price)
}

func (v *Venue) PlaceOrder(_ context.Context, req gateway.OrderRequest) (*gateway.OrderAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	op := "place"
	if req.Type == gateway.OrderStopMarket {
		op = "place_stop"
	}
	f := v.takeFault(op)
	if f != nil && !f.lost {
		return nil, f.err
	}
	ack, err := v.placeLocked(req)
	if err != nil {
		return nil, err
	}
	if f != nil {
		return nil, f.err
	}
	return ack, nil
}

func (v *Venue) placeLocked(req gateway.OrderRequest) (*gateway.OrderAck, error) {
	if req.ClientID != "" {
		if _, dup := v.byClient[req.ClientID]; dup {
			return nil, gateway.Permanent(venueName, "-4116", "ClientOrderId is duplicated")
		}
	}
	if !req.PositionSide.Valid() {
		return nil, gateway.Permanent(venueName, "-4061", "invalid position side")
	}
	price := v.prices[req.Symbol]
	if price <= 0 {
		return nil, gateway.Permanent(venueName, "-1121", "no mark price for "+req.Symbol)
	}
	now := v.now()
	ack := &gateway.OrderAck{
		OrderID:      v.nextID(),
		ClientID:     req.ClientID,
		Symbol:       req.Symbol,
		PositionSide: req.PositionSide,
		Reduce:       req.Reduce,
		Type:         req.Type,
		Size:         req.Size,
		StopPrice:    req.StopPrice,
		UpdatedAt:    now,
	}

	switch req.Type {
	case gateway.OrderStopMarket:
		if req.StopPrice <= 0 {
			return nil, gateway.Permanent(venueName, "-1102", "stop price required")
		}
		if position.StopHit(req.PositionSide, price, req.StopPrice) {
			return nil, gateway.Permanent(venueName, "-2021", "order would immediately trigger")
		}
		ack.Reduce = true
		if req.ClosePosition {
			ack.Size = 0
		}
		ack.Status = gateway.OrderNew
	case gateway.OrderMarket:
		if req.Size <= 0 {
			return nil, gateway.Permanent(venueName, "-4003", "quantity less than or equal to zero")
		}
		key := position.Key(req.Symbol, req.PositionSide)
		if req.Reduce {
			pos, ok := v.positions[key]
			if !ok || position.IsDust(pos.Size) {
				return nil, gateway.Permanent(venueName, "-2022", "ReduceOnly order is rejected")
			}
			size := req.Size
			if size > pos.Size {
				size = pos.Size
			}
			ack.Fee = v.reduceLocked(key, size, price)
			ack.FilledSize = size
		} else {
			notional := req.Size * price
			if notional/float64(v.leverageFor(req.Symbol)) > v.availableLocked() {
				return nil, gateway.Permanent(venueName, "-2019", "Margin is insufficient")
			}
			ack.Fee = notional * v.cfg.FeeRate
			v.cash -= ack.Fee
			v.addLocked(key, req.Symbol, req.PositionSide, req.Size, price)
			ack.FilledSize = req.Size
		}
		ack.AvgPrice = price
		ack.Status = gateway.OrderFilled
		if req.AttachedStop > 0 && !req.Reduce {
			stop, err := v.placeLocked(gateway.OrderRequest{
				ClientID:      req.ClientID + "-sl",
				Symbol:        req.Symbol,
				PositionSide:  req.PositionSide,
				Reduce:        true,
				Type:          gateway.OrderStopMarket,
				StopPrice:     req.AttachedStop,
				ClosePosition: true,
			})
			if err != nil {
				return nil, err
			}
			ack.StopOrderID = stop.OrderID
		}
	default:
		return nil, gateway.Permanent(venueName, "-1116", "unsupported order type "+string(req.Type))
	}

	v.orders[ack.OrderID] = ack
	if req.ClientID != "" {
		v.byClient[req.ClientID] = ack.OrderID
	}
	cp := *ack
	return &cp, nil
}

func (v *Venue) addLocked(key, symbol string, side position.Side, size, price float64) {
	pos, ok := v.positions[key]
	if !ok {
		v.positions[key] = &gateway.VenuePosition{
			Symbol: symbol, Side: side, Size: size, EntryPrice: price, Leverage: float64(v.leverageFor(symbol)),
		}
		return
	}
	total := pos.Size + size
	pos.EntryPrice = (pos.EntryPrice*pos.Size + price*size) / total
	pos.Size = total
}

// reduceLocked 结算减仓盈亏与手续费，返回手续费。
func (v *Venue) reduceLocked(key string, size, price float64) float64 {
	pos := v.positions[key]
	pnl := (price - pos.EntryPrice) * size * pos.Side.Sign()
	fee := price * size * v.cfg.FeeRate
	v.cash += pnl - fee
	pos.Size -= size
	if position.IsDust(pos.Size) {
		delete(v.positions, key)
	}
	return fee
}

func (v *Venue) CancelOrder(_ context.Context, _ string, orderID string) (*gateway.OrderAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	f := v.takeFault("cancel")
	if f != nil && !f.lost {
		return nil, f.err
	}
	o, ok := v.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", gateway.ErrOrderNotFound, orderID)
	}
	if o.Status == gateway.OrderNew {
		o.Status = gateway.OrderCanceled
		o.UpdatedAt = v.now()
	}
	if f != nil {
		return nil, f.err
	}
	if o.Status != gateway.OrderFilled && o.Status != gateway.OrderCanceled {
		return nil, fmt.Errorf("%w: %s is %s", gateway.ErrOrderNotFound, orderID, o.Status)
	}
	cp := *o
	return &cp, nil
}

func (v *Venue) QueryOrder(_ context.Context, _ string, ref gateway.OrderRef) (*gateway.OrderAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if f := v.takeFault("query"); f != nil {
		return nil, f.err
	}
	id := ref.OrderID
	if id == "" {
		id = v.byClient[ref.ClientID]
	}
	o, ok := v.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order=%s client=%s", gateway.ErrOrderNotFound, ref.OrderID, ref.ClientID)
	}
	cp := *o
	return &cp, nil
}

func (v *Venue) OpenPositions(context.Context) ([]gateway.VenuePosition, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if f := v.takeFault("positions"); f != nil {
		return nil, f.err
	}
	keys := make([]string, 0, len(v.positions))
	for k := range v.positions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]gateway.VenuePosition, 0, len(keys))
	for _, k := range keys {
		p := *v.positions[k]
		if mark := v.prices[p.Symbol]; mark > 0 {
			p.MarkPrice = mark
			p.UnrealizedPnL = (mark - p.EntryPrice) * p.Size * p.Side.Sign()
		}
		out = append(out, p)
	}
	return out, nil
}

func (v *Venue) OpenOrders(context.Context) ([]gateway.OrderAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if f := v.takeFault("orders"); f != nil {
		return nil, f.err
	}
	var out []gateway.OrderAck
	for _, id := range v.sortedOrderIDs() {
		if o := v.orders[id]; o.Status == gateway.OrderNew {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (v *Venue) Balance(context.Context) (gateway.Balance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if f := v.takeFault("balance"); f != nil {
		return gateway.Balance{}, f.err
	}
	return gateway.Balance{Equity: v.equityLocked(), Available: v.availableLocked()}, nil
}

func (v *Venue) SetLeverage(_ context.Context, symbol string, leverage int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if leverage <= 0 || leverage > 125 {
		return gateway.Permanent(venueName, "-4028", "leverage "+strconv.Itoa(leverage)+" is not valid")
	}
	v.leverage[symbol] = leverage
	return nil
}

func (v *Venue) equityLocked() float64 {
	eq := v.cash
	for _, p := range v.positions {
		if mark := v.prices[p.Symbol]; mark > 0 {
			eq += (mark - p.EntryPrice) * p.Size * p.Side.Sign()
		}
	}
	return eq
}

func (v *Venue) availableLocked() float64 {
	used := 0.0
	for _, p := range v.positions {
		mark := v.prices[p.Symbol]
		if mark <= 0 {
			mark = p.EntryPrice
		}
		used += mark * p.Size / float64(v.leverageFor(p.Symbol))
	}
	return v.equityLocked() - used
}

func (v *Venue) leverageFor(symbol string) int {
	if lev := v.leverage[symbol]; lev > 0 {
		return lev
	}
	return v.cfg.Leverage
}

func (v *Venue) nextID() string {
	v.seq++
	return strconv.FormatInt(v.seq, 10)
}

func (v *Venue) sortedOrderIDs() []string {
	ids := make([]string, 0, len(v.orders))
	for id := range v.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.ParseInt(ids[i], 10, 64)
		b, _ := strconv.ParseInt(ids[j], 10, 64)
		return a < b
	})
	return ids
}

var (
	_ gateway.Venue          = (*Venue)(nil)
	_ gateway.LeverageSetter = (*Venue)(nil)
)
