package gateway

import "context"

// Venue 是交易所适配层需要实现的最小接口。实现需把错误归类为 *VenueError，
// 查询不到订单时返回 ErrOrderNotFound。
type Venue interface {
	Name() string
	Capabilities() Capabilities
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	// CancelOrder 撤单；订单已成交时返回 Status=filled 的回执而不是错误。
	CancelOrder(ctx context.Context, symbol, orderID string) (*OrderAck, error)
	QueryOrder(ctx context.Context, symbol string, ref OrderRef) (*OrderAck, error)
	OpenPositions(ctx context.Context) ([]VenuePosition, error)
	OpenOrders(ctx context.Context) ([]OrderAck, error)
	Balance(ctx context.Context) (Balance, error)
}

// LeverageSetter 由支持调整杠杆的交易所实现，启动时调用。
type LeverageSetter interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// Observer 接收网关指标，由 metrics 包实现。
type Observer interface {
	ObserveSubmit(kind Kind, status ResultStatus, seconds float64)
	ObserveRetry(op string)
	ObserveCircuit(open bool)
}

type nopObserver struct{}

func (nopObserver) ObserveSubmit(Kind, ResultStatus, float64) {}
func (nopObserver) ObserveRetry(string)                       {}
func (nopObserver) ObserveCircuit(bool)                       {}
