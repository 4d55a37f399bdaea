package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"perpguard/internal/logger"
	"perpguard/internal/pkg/circuit"
	"perpguard/internal/position"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

type Config struct {
	Retry            RetryPolicy   `toml:"retry" json:"retry"`
	RateLimit        float64       `toml:"rate_limit" json:"rate_limit"`
	RateBurst        int           `toml:"rate_burst" json:"rate_burst"`
	CircuitThreshold int           `toml:"circuit_threshold" json:"circuit_threshold"`
	CircuitTimeout   time.Duration `toml:"circuit_timeout" json:"circuit_timeout"`
	IdempotencyTTL   time.Duration `toml:"idempotency_ttl" json:"idempotency_ttl"`
}

func (c Config) withDefaults() Config {
	c.Retry = c.Retry.withDefaults()
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 5
	}
	if c.CircuitThreshold <= 0 {
		c.CircuitThreshold = 5
	}
	if c.CircuitTimeout <= 0 {
		c.CircuitTimeout = 30 * time.Second
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 24 * time.Hour
	}
	return c
}

// Gateway 把订单意图转成交易所调用：幂等、重试、限频、熔断，以及开仓+止损的原子性。
// 各 symbol 的意图可以并发提交；同一 key 的并发提交共享一次执行。
type Gateway struct {
	venue    Venue
	cfg      Config
	limiter  *rate.Limiter
	breaker  *circuit.Breaker
	results  *resultCache
	inflight singleflight.Group
	snapshot singleflight.Group
	observer Observer
	now      func() time.Time
}

func New(venue Venue, cfg Config) *Gateway {
	cfg = cfg.withDefaults()
	g := &Gateway{
		venue:    venue,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		breaker:  circuit.New("gateway:"+venue.Name(), cfg.CircuitThreshold, cfg.CircuitTimeout),
		observer: nopObserver{},
		now:      time.Now,
	}
	g.results = newResultCache(cfg.IdempotencyTTL, func() time.Time { return g.now() })
	return g
}

func (g *Gateway) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	g.observer = o
	g.breaker.SetStateChangeHandler(func(name string, from, to circuit.State) {
		logger.Warnf("[gateway] 熔断器 %s: %s -> %s", name, from, to)
		o.ObserveCircuit(to == circuit.StateOpen)
	})
}

func (g *Gateway) Venue() Venue { return g.venue }

func (g *Gateway) CircuitState() circuit.State { return g.breaker.State() }

// Submit 阻塞执行一个意图并返回终态结果。调用方在 goroutine 中调用，结果作为事件回送。
func (g *Gateway) Submit(ctx context.Context, in OrderIntent) OrderResult {
	if in.Key == "" {
		in.Key = NewKey()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = g.now()
	}
	if res, ok := g.results.get(in.Key); ok {
		res.Duplicate = true
		return res
	}
	v, _, shared := g.inflight.Do(in.Key, func() (any, error) {
		return g.submit(ctx, in), nil
	})
	res := v.(OrderResult)
	if shared {
		res.Duplicate = true
	}
	return res
}

func (g *Gateway) submit(ctx context.Context, in OrderIntent) OrderResult {
	start := g.now()
	if !in.Kind.Protective() && !g.breaker.Allow() {
		res := g.failure(in, ErrCircuitOpen, 0)
		g.observer.ObserveSubmit(in.Kind, res.Status, 0)
		return res
	}

	var res OrderResult
	switch in.Kind {
	case KindOpen:
		res = g.openProtected(ctx, in)
	case KindAdd:
		res = g.add(ctx, in)
	case KindReduce, KindClose:
		res = g.reduce(ctx, in)
	case KindCancel:
		res = g.cancel(ctx, in)
	case KindMoveStop:
		res = g.moveStop(ctx, in)
	default:
		res = g.failure(in, fmt.Errorf("%w: unknown intent kind %q", ErrOrderRejected, in.Kind), 0)
	}
	res.CompletedAt = g.now()

	switch res.Status {
	case StatusEscalated:
		g.breaker.RecordFailure()
	case StatusRejected:
	default:
		g.breaker.RecordSuccess()
	}
	g.results.put(in.Key, res)
	g.observer.ObserveSubmit(in.Kind, res.Status, res.CompletedAt.Sub(start).Seconds())
	if !res.OK() {
		logger.Warnf("[gateway] %s %s %s key=%s -> %s: %s", in.Kind, in.Symbol, in.Side, in.Key, res.Status, res.Error)
	}
	return res
}

// openProtected 开仓并保证止损同时存在：不支持附带止损时先开仓再挂止损，
// 止损失败则立即市价平掉刚开的仓位。
func (g *Gateway) openProtected(ctx context.Context, in OrderIntent) OrderResult {
	req := OrderRequest{
		ClientID:     in.Key,
		Symbol:       in.Symbol,
		PositionSide: in.Side,
		Type:         OrderMarket,
		Size:         in.Size,
	}
	combined := g.venue.Capabilities().AttachedStop && in.StopPrice > 0
	if combined {
		req.AttachedStop = in.StopPrice
	}
	ack, attempts, err := g.place(ctx, "open", req)
	if err != nil {
		return g.failure(in, err, attempts)
	}
	res := filledResult(in, ack, attempts)
	if in.StopPrice <= 0 {
		return res
	}
	if combined {
		res.StopOrderID = ack.StopOrderID
		res.StopPrice = in.StopPrice
		return res
	}

	stopAck, n, err := g.place(ctx, "stop", g.stopRequest(derivedKey(in.Key, "sl"), in.Symbol, in.Side, res.FillSize, in.StopPrice))
	res.Attempts += n
	if err == nil {
		res.StopOrderID = stopAck.OrderID
		res.StopPrice = in.StopPrice
		return res
	}

	logger.Errorf("[gateway] %s %s 止损挂单失败，执行补偿平仓: %v", in.Symbol, in.Side, err)
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.Retry.AttemptTimeout*time.Duration(g.cfg.Retry.MaxAttempts))
	defer cancel()
	closeAck, n, cerr := g.place(cctx, "compensate", OrderRequest{
		ClientID:     derivedKey(in.Key, "cx"),
		Symbol:       in.Symbol,
		PositionSide: in.Side,
		Reduce:       true,
		Type:         OrderMarket,
		Size:         res.FillSize,
	})
	res.Attempts += n
	if cerr == nil {
		res.Status = StatusRejected
		res.Compensated = true
		res.CompensationPrice = fillPrice(closeAck, in.RefPrice)
		res.Fee += closeAck.Fee
		res.Err = fmt.Errorf("%w: protective stop failed, entry compensated: %v", ErrOrderRejected, err)
		res.Error = res.Err.Error()
		return res
	}
	res.Status = StatusEscalated
	res.Err = fmt.Errorf("%w: entry unprotected: stop: %v; compensation: %v", ErrEscalated, err, cerr)
	res.Error = res.Err.Error()
	return res
}

func (g *Gateway) add(ctx context.Context, in OrderIntent) OrderResult {
	ack, attempts, err := g.place(ctx, "add", OrderRequest{
		ClientID:     in.Key,
		Symbol:       in.Symbol,
		PositionSide: in.Side,
		Type:         OrderMarket,
		Size:         in.Size,
	})
	if err != nil {
		return g.failure(in, err, attempts)
	}
	return filledResult(in, ack, attempts)
}

// reduce 处理减仓与全平。全平前先撤掉交易所止损单；若止损已经成交，则以该成交为结果。
// 市价平仓失败时原止损已不在，需要补挂。
func (g *Gateway) reduce(ctx context.Context, in OrderIntent) OrderResult {
	attempts := 0
	stopGone := false
	if in.Kind == KindClose && in.OrderID != "" {
		ack, n, err := g.cancelOrder(ctx, in.Symbol, in.OrderID)
		attempts += n
		switch {
		case err == nil && ack != nil && ack.Status == OrderFilled:
			return externalFill(in, ack, attempts)
		case err == nil, errors.Is(err, ErrOrderNotFound):
			stopGone = true
		default:
			logger.Warnf("[gateway] %s %s 撤销止损单 %s 失败，继续市价平仓: %v", in.Symbol, in.Side, in.OrderID, err)
		}
	}
	ack, n, err := g.place(ctx, string(in.Kind), OrderRequest{
		ClientID:     in.Key,
		Symbol:       in.Symbol,
		PositionSide: in.Side,
		Reduce:       true,
		Type:         OrderMarket,
		Size:         in.Size,
	})
	attempts += n
	if err != nil {
		res := g.failure(in, err, attempts)
		if stopGone {
			g.restoreStop(ctx, &res)
		}
		return res
	}
	return filledResult(in, ack, attempts)
}

// restoreStop 在平仓被拒后按原止损价补挂止损。平仓结果不确定（升级）时不补挂，
// 仓位可能已平，交由对账判断；此时只标记 StopRemoved。
func (g *Gateway) restoreStop(ctx context.Context, res *OrderResult) {
	in := res.Intent
	if res.Status != StatusRejected || in.StopPrice <= 0 {
		res.StopRemoved = true
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.Retry.AttemptTimeout*time.Duration(g.cfg.Retry.MaxAttempts))
	defer cancel()
	ack, n, err := g.place(rctx, "restore_stop", g.stopRequest(derivedKey(in.Key, "rs"), in.Symbol, in.Side, in.Size, in.StopPrice))
	res.Attempts += n
	if err != nil {
		logger.Errorf("[gateway] %s %s 平仓失败后补挂止损失败: %v", in.Symbol, in.Side, err)
		res.StopRemoved = true
		return
	}
	res.StopOrderID = ack.OrderID
	res.StopPrice = in.StopPrice
}

func (g *Gateway) cancel(ctx context.Context, in OrderIntent) OrderResult {
	ack, attempts, err := g.cancelOrder(ctx, in.Symbol, in.OrderID)
	if err != nil && !errors.Is(err, ErrOrderNotFound) {
		return g.failure(in, err, attempts)
	}
	if ack != nil && ack.Status == OrderFilled {
		return externalFill(in, ack, attempts)
	}
	return OrderResult{Intent: in, Status: StatusCanceled, OrderID: in.OrderID, Attempts: attempts}
}

// moveStop 先挂新止损再撤旧止损，任何时刻都至少有一张止损单。
func (g *Gateway) moveStop(ctx context.Context, in OrderIntent) OrderResult {
	ack, attempts, err := g.place(ctx, "move_stop", g.stopRequest(in.Key, in.Symbol, in.Side, in.Size, in.StopPrice))
	if err != nil {
		return g.failure(in, err, attempts)
	}
	res := OrderResult{
		Intent:      in,
		Status:      StatusPlaced,
		OrderID:     ack.OrderID,
		StopOrderID: ack.OrderID,
		StopPrice:   in.StopPrice,
		Attempts:    attempts,
	}
	if in.OrderID == "" {
		return res
	}
	old, n, err := g.cancelOrder(ctx, in.Symbol, in.OrderID)
	res.Attempts += n
	switch {
	case err == nil && old != nil && old.Status == OrderFilled:
		// 旧止损已成交，仓位已平：撤掉刚挂的新止损。
		if _, _, cerr := g.cancelOrder(ctx, in.Symbol, ack.OrderID); cerr != nil && !errors.Is(cerr, ErrOrderNotFound) {
			logger.Warnf("[gateway] %s %s 撤销多余止损 %s 失败: %v", in.Symbol, in.Side, ack.OrderID, cerr)
		}
		return externalFill(in, old, res.Attempts)
	case err != nil && !errors.Is(err, ErrOrderNotFound):
		logger.Warnf("[gateway] %s %s 撤销旧止损 %s 失败，交由对账清理: %v", in.Symbol, in.Side, in.OrderID, err)
	}
	return res
}

func (g *Gateway) stopRequest(key, symbol string, side position.Side, size, stop float64) OrderRequest {
	return OrderRequest{
		ClientID:      key,
		Symbol:        symbol,
		PositionSide:  side,
		Reduce:        true,
		Type:          OrderStopMarket,
		Size:          size,
		StopPrice:     stop,
		ClosePosition: true,
	}
}

// place 下单并重试；重试前先按 client id 查询，避免上一次请求已成交但响应丢失时重复下单。
func (g *Gateway) place(ctx context.Context, op string, req OrderRequest) (*OrderAck, int, error) {
	onRetry := func(attempt int, err error) {
		g.observer.ObserveRetry(op)
		logger.Warnf("[gateway] %s %s 第 %d 次重试: %v", op, req.Symbol, attempt, err)
	}
	return withRetry(ctx, g.cfg.Retry, op+" "+req.Symbol, onRetry, func(actx context.Context, attempt int) (*OrderAck, error) {
		if err := g.wait(actx); err != nil {
			return nil, err
		}
		if attempt > 0 {
			ack, err := g.venue.QueryOrder(actx, req.Symbol, OrderRef{ClientID: req.ClientID})
			switch {
			case err == nil && ack != nil && ack.Status != OrderRejected && ack.Status != OrderExpired:
				logger.Infof("[gateway] %s %s client_id=%s 已在交易所存在，沿用原订单", op, req.Symbol, req.ClientID)
				return ack, nil
			case err != nil && !errors.Is(err, ErrOrderNotFound):
				return nil, err
			}
		}
		return g.venue.PlaceOrder(actx, req)
	})
}

func (g *Gateway) cancelOrder(ctx context.Context, symbol, orderID string) (*OrderAck, int, error) {
	if orderID == "" {
		return nil, 0, ErrOrderNotFound
	}
	return withRetry(ctx, g.cfg.Retry, "cancel "+symbol, func(int, error) { g.observer.ObserveRetry("cancel") },
		func(actx context.Context, _ int) (*OrderAck, error) {
			if err := g.wait(actx); err != nil {
				return nil, err
			}
			return g.venue.CancelOrder(actx, symbol, orderID)
		})
}

func (g *Gateway) wait(ctx context.Context) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", ErrTransient, err)
	}
	return nil
}

func (g *Gateway) failure(in OrderIntent, err error, attempts int) OrderResult {
	res := OrderResult{Intent: in, Attempts: attempts, Err: err, Error: err.Error()}
	switch {
	case errors.Is(err, ErrCircuitOpen):
		res.Status = StatusRejected
	case errors.Is(err, ErrEscalated), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		res.Status = StatusEscalated
	case IsTransient(err):
		res.Status = StatusEscalated
		res.Err = fmt.Errorf("%w: %v", ErrEscalated, err)
		res.Error = res.Err.Error()
	default:
		res.Status = StatusRejected
		if !errors.Is(err, ErrOrderRejected) {
			res.Err = fmt.Errorf("%w: %v", ErrOrderRejected, err)
			res.Error = res.Err.Error()
		}
	}
	return res
}

func filledResult(in OrderIntent, ack *OrderAck, attempts int) OrderResult {
	size := ack.FilledSize
	if size <= 0 {
		size = ack.Size
	}
	if size <= 0 {
		size = in.Size
	}
	return OrderResult{
		Intent:    in,
		Status:    StatusFilled,
		FillPrice: fillPrice(ack, in.RefPrice),
		FillSize:  size,
		Fee:       ack.Fee,
		OrderID:   ack.OrderID,
		Attempts:  attempts,
	}
}

// externalFill 以交易所止损单的成交作为结果，成交均价缺失时用触发价。
func externalFill(in OrderIntent, ack *OrderAck, attempts int) OrderResult {
	res := filledResult(in, ack, attempts)
	if ack.AvgPrice <= 0 && ack.StopPrice > 0 {
		res.FillPrice = ack.StopPrice
	}
	res.ExternalFill = true
	return res
}

func fillPrice(ack *OrderAck, ref float64) float64 {
	if ack != nil && ack.AvgPrice > 0 {
		return ack.AvgPrice
	}
	return ref
}

// FetchSnapshot 读取交易所持仓、挂单与余额；并发调用合并为一次请求。
func (g *Gateway) FetchSnapshot(ctx context.Context) (*Snapshot, error) {
	v, err, _ := g.snapshot.Do("snapshot", func() (any, error) {
		positions, _, err := withRetry(ctx, g.cfg.Retry, "positions", nil, func(actx context.Context, _ int) ([]VenuePosition, error) {
			if err := g.wait(actx); err != nil {
				return nil, err
			}
			return g.venue.OpenPositions(actx)
		})
		if err != nil {
			return nil, err
		}
		orders, _, err := withRetry(ctx, g.cfg.Retry, "open orders", nil, func(actx context.Context, _ int) ([]OrderAck, error) {
			if err := g.wait(actx); err != nil {
				return nil, err
			}
			return g.venue.OpenOrders(actx)
		})
		if err != nil {
			return nil, err
		}
		bal, _, err := withRetry(ctx, g.cfg.Retry, "balance", nil, func(actx context.Context, _ int) (Balance, error) {
			if err := g.wait(actx); err != nil {
				return Balance{}, err
			}
			return g.venue.Balance(actx)
		})
		if err != nil {
			return nil, err
		}
		return &Snapshot{Positions: positions, Orders: orders, Balance: bal, FetchedAt: g.now()}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// SetLeverage 在交易所支持时为每个交易对设置杠杆。
func (g *Gateway) SetLeverage(ctx context.Context, symbols []string, leverage int) error {
	ls, ok := g.venue.(LeverageSetter)
	if !ok || leverage <= 0 {
		return nil
	}
	for _, sym := range symbols {
		if _, _, err := withRetry(ctx, g.cfg.Retry, "leverage "+sym, nil, func(actx context.Context, _ int) (struct{}, error) {
			return struct{}{}, ls.SetLeverage(actx, sym, leverage)
		}); err != nil {
			return fmt.Errorf("set leverage %s: %w", sym, err)
		}
	}
	return nil
}

// QueryOrder 按订单号或 client id 查询订单，走同一套限频与重试。
func (g *Gateway) QueryOrder(ctx context.Context, symbol string, ref OrderRef) (*OrderAck, error) {
	ack, _, err := withRetry(ctx, g.cfg.Retry, "query "+symbol, nil, func(actx context.Context, _ int) (*OrderAck, error) {
		if err := g.wait(actx); err != nil {
			return nil, err
		}
		return g.venue.QueryOrder(actx, symbol, ref)
	})
	return ack, err
}

func (g *Gateway) Balance(ctx context.Context) (Balance, error) {
	bal, _, err := withRetry(ctx, g.cfg.Retry, "balance", nil, func(actx context.Context, _ int) (Balance, error) {
		if err := g.wait(actx); err != nil {
			return Balance{}, err
		}
		return g.venue.Balance(actx)
	})
	return bal, err
}
