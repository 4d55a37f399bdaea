package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"perpguard/internal/gateway"
	"perpguard/internal/logger"
	symbolpkg "perpguard/internal/pkg/symbol"
	"perpguard/internal/position"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

const venueName = "binance"

// 可重试的 Binance 错误码：未知错误、断连、限频、超时、繁忙、时间戳漂移。
var transientCodes = map[int64]bool{
	-1000: true,
	-1001: true,
	-1003: true,
	-1007: true,
	-1008: true,
	-1021: true,
}

// 撤单/查单时表示订单不存在，以及杠杆无需修改的错误码。
const (
	codeUnknownOrder   int64 = -2011
	codeOrderNotExist  int64 = -2013
	codeNoNeedToChange int64 = -4046
)

// Venue 基于 go-binance futures REST 实现 gateway.Venue。
type Venue struct {
	cfg    Config
	client *futures.Client
}

func NewVenue(cfg Config) (*Venue, error) {
	final := cfg.withDefaults()
	if final.APIKey == "" || final.APISecret == "" {
		return nil, fmt.Errorf("binance api key/secret are required for live trading")
	}
	client, err := newClient(final, final.APIKey, final.APISecret)
	if err != nil {
		return nil, err
	}
	return &Venue{cfg: final, client: client}, nil
}

func newClient(cfg Config, key, secret string) (*futures.Client, error) {
	if cfg.Testnet {
		futures.UseTestnet = true
	}
	client := futures.NewClient(key, secret)
	client.BaseURL = cfg.RESTBaseURL
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	if cfg.ProxyEnabled && cfg.RESTProxyURL != "" {
		proxyURL, err := url.Parse(cfg.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return client, nil
}

func (v *Venue) Name() string { return venueName }

// Binance 合约不支持在同一请求里附带止损，开仓后单独挂 STOP_MARKET。
func (v *Venue) Capabilities() gateway.Capabilities {
	return gateway.Capabilities{AttachedStop: false, HedgeMode: v.cfg.HedgeMode}
}

func (v *Venue) PlaceOrder(ctx context.Context, req gateway.OrderRequest) (*gateway.OrderAck, error) {
	svc := v.client.NewCreateOrderService().
		Symbol(symbolpkg.Binance.ToExchange(req.Symbol)).
		Side(orderSide(req.PositionSide, req.Reduce)).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}
	if v.cfg.HedgeMode {
		svc = svc.PositionSide(positionSide(req.PositionSide))
	}
	switch req.Type {
	case gateway.OrderMarket:
		svc = svc.Type(futures.OrderTypeMarket).Quantity(formatQty(req.Size))
		if req.Reduce && !v.cfg.HedgeMode {
			svc = svc.ReduceOnly(true)
		}
	case gateway.OrderStopMarket:
		svc = svc.Type(futures.OrderTypeStopMarket).
			StopPrice(formatQty(req.StopPrice)).
			WorkingType(futures.WorkingTypeMarkPrice)
		if req.ClosePosition {
			svc = svc.ClosePosition(true)
		} else {
			svc = svc.Quantity(formatQty(req.Size))
			if !v.cfg.HedgeMode {
				svc = svc.ReduceOnly(true)
			}
		}
	case gateway.OrderLimit:
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Quantity(formatQty(req.Size)).
			Price(formatQty(req.Price))
	default:
		return nil, gateway.Permanent(venueName, "unsupported", "order type "+string(req.Type))
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	ack := &gateway.OrderAck{
		OrderID:      strconv.FormatInt(resp.OrderID, 10),
		ClientID:     resp.ClientOrderID,
		Symbol:       req.Symbol,
		PositionSide: req.PositionSide,
		Reduce:       req.Reduce || req.Type == gateway.OrderStopMarket,
		Type:         req.Type,
		Status:       orderStatus(resp.Status),
		Size:         parseFloat(resp.OrigQuantity),
		FilledSize:   parseFloat(resp.ExecutedQuantity),
		AvgPrice:     parseFloat(resp.AvgPrice),
		StopPrice:    parseFloat(resp.StopPrice),
		UpdatedAt:    time.UnixMilli(resp.UpdateTime),
	}
	return ack, nil
}

func (v *Venue) CancelOrder(ctx context.Context, symbol, orderID string) (*gateway.OrderAck, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid order id %q", gateway.ErrOrderNotFound, orderID)
	}
	resp, err := v.client.NewCancelOrderService().
		Symbol(symbolpkg.Binance.ToExchange(symbol)).
		OrderID(id).
		Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeUnknownOrder {
			// 已成交或已撤销的订单无法撤单，查一次确认终态。
			return v.QueryOrder(ctx, symbol, gateway.OrderRef{OrderID: orderID})
		}
		return nil, classify(err)
	}
	side, _ := position.ParseSide(string(resp.PositionSide))
	return &gateway.OrderAck{
		OrderID:      orderID,
		ClientID:     resp.ClientOrderID,
		Symbol:       symbol,
		PositionSide: side,
		Reduce:       true,
		Type:         orderType(resp.Type),
		Status:       orderStatus(resp.Status),
		Size:         parseFloat(resp.OrigQuantity),
		FilledSize:   parseFloat(resp.ExecutedQuantity),
		StopPrice:    parseFloat(resp.StopPrice),
		UpdatedAt:    time.UnixMilli(resp.UpdateTime),
	}, nil
}

func (v *Venue) QueryOrder(ctx context.Context, symbol string, ref gateway.OrderRef) (*gateway.OrderAck, error) {
	svc := v.client.NewGetOrderService().Symbol(symbolpkg.Binance.ToExchange(symbol))
	switch {
	case ref.OrderID != "":
		id, err := strconv.ParseInt(ref.OrderID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid order id %q", gateway.ErrOrderNotFound, ref.OrderID)
		}
		svc = svc.OrderID(id)
	case ref.ClientID != "":
		svc = svc.OrigClientOrderID(ref.ClientID)
	default:
		return nil, fmt.Errorf("%w: empty order reference", gateway.ErrOrderNotFound)
	}
	order, err := svc.Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == codeOrderNotExist || apiErr.Code == codeUnknownOrder) {
			return nil, fmt.Errorf("%w: %s", gateway.ErrOrderNotFound, apiErr.Message)
		}
		return nil, classify(err)
	}
	ack := v.convertOrder(order)
	ack.Symbol = symbol
	return &ack, nil
}

func (v *Venue) OpenPositions(ctx context.Context) ([]gateway.VenuePosition, error) {
	risks, err := v.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]gateway.VenuePosition, 0, len(risks))
	for _, r := range risks {
		if r == nil {
			continue
		}
		amt := parseFloat(r.PositionAmt)
		if position.IsDust(amt) {
			continue
		}
		side, ok := position.ParseSide(r.PositionSide)
		if !ok {
			// 单向持仓模式下 positionSide=BOTH，用数量符号判断方向。
			side = position.Long
			if amt < 0 {
				side = position.Short
			}
		}
		if amt < 0 {
			amt = -amt
		}
		out = append(out, gateway.VenuePosition{
			Symbol:        symbolpkg.Binance.FromExchange(r.Symbol),
			Side:          side,
			Size:          amt,
			EntryPrice:    parseFloat(r.EntryPrice),
			MarkPrice:     parseFloat(r.MarkPrice),
			UnrealizedPnL: parseFloat(r.UnRealizedProfit),
			Leverage:      parseFloat(r.Leverage),
		})
	}
	return out, nil
}

func (v *Venue) OpenOrders(ctx context.Context) ([]gateway.OrderAck, error) {
	orders, err := v.client.NewListOpenOrdersService().Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]gateway.OrderAck, 0, len(orders))
	for _, o := range orders {
		if o == nil {
			continue
		}
		out = append(out, v.convertOrder(o))
	}
	return out, nil
}

func (v *Venue) Balance(ctx context.Context) (gateway.Balance, error) {
	balances, err := v.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return gateway.Balance{}, classify(err)
	}
	for _, b := range balances {
		if b == nil || !strings.EqualFold(b.Asset, v.cfg.QuoteAsset) {
			continue
		}
		return gateway.Balance{
			Equity:    parseFloat(b.Balance) + parseFloat(b.CrossUnPnl),
			Available: parseFloat(b.AvailableBalance),
		}, nil
	}
	return gateway.Balance{}, gateway.Permanent(venueName, "balance", "asset "+v.cfg.QuoteAsset+" not found")
}

func (v *Venue) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := v.client.NewChangeLeverageService().
		Symbol(symbolpkg.Binance.ToExchange(symbol)).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeNoNeedToChange {
			return nil
		}
		return classify(err)
	}
	logger.Infof("[binance] %s 杠杆设置为 %dx", symbol, leverage)
	return nil
}

func (v *Venue) convertOrder(o *futures.Order) gateway.OrderAck {
	side, ok := position.ParseSide(string(o.PositionSide))
	if !ok {
		// 单向持仓：减仓单方向与持仓相反。
		side = position.Long
		if (o.Side == futures.SideTypeBuy) == (o.ReduceOnly || o.ClosePosition) {
			side = position.Short
		}
	}
	reduce := o.ReduceOnly || o.ClosePosition
	if !reduce && v.cfg.HedgeMode {
		reduce = (side == position.Long) == (o.Side == futures.SideTypeSell)
	}
	return gateway.OrderAck{
		OrderID:      strconv.FormatInt(o.OrderID, 10),
		ClientID:     o.ClientOrderID,
		Symbol:       symbolpkg.Binance.FromExchange(o.Symbol),
		PositionSide: side,
		Reduce:       reduce,
		Type:         orderType(o.Type),
		Status:       orderStatus(o.Status),
		Size:         parseFloat(o.OrigQuantity),
		FilledSize:   parseFloat(o.ExecutedQuantity),
		AvgPrice:     parseFloat(o.AvgPrice),
		StopPrice:    parseFloat(o.StopPrice),
		UpdatedAt:    time.UnixMilli(o.UpdateTime),
	}
}

// classify 把 SDK 错误归为瞬时/永久两类。
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		code := strconv.FormatInt(apiErr.Code, 10)
		if transientCodes[apiErr.Code] {
			return gateway.Transient(venueName, code, apiErr.Message)
		}
		return gateway.Permanent(venueName, code, apiErr.Message)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return gateway.Transient(venueName, "network", err.Error())
}

// orderSide: 开多/平空为 BUY，开空/平多为 SELL。
func orderSide(side position.Side, reduce bool) futures.SideType {
	buy := side == position.Long
	if reduce {
		buy = !buy
	}
	if buy {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

func positionSide(side position.Side) futures.PositionSideType {
	if side == position.Short {
		return futures.PositionSideTypeShort
	}
	return futures.PositionSideTypeLong
}

func orderStatus(s futures.OrderStatusType) gateway.OrderStatus {
	switch s {
	case futures.OrderStatusTypeNew:
		return gateway.OrderNew
	case futures.OrderStatusTypePartiallyFilled:
		return gateway.OrderPartiallyFilled
	case futures.OrderStatusTypeFilled:
		return gateway.OrderFilled
	case futures.OrderStatusTypeCanceled:
		return gateway.OrderCanceled
	case futures.OrderStatusTypeExpired:
		return gateway.OrderExpired
	default:
		return gateway.OrderRejected
	}
}

func orderType(t futures.OrderType) gateway.OrderType {
	switch t {
	case futures.OrderTypeStopMarket:
		return gateway.OrderStopMarket
	case futures.OrderTypeLimit:
		return gateway.OrderLimit
	default:
		return gateway.OrderMarket
	}
}

// formatQty 以十进制字符串输出，避免 float 的科学计数法。
func formatQty(v float64) string {
	return decimal.NewFromFloat(v).String()
}

var (
	_ gateway.Venue          = (*Venue)(nil)
	_ gateway.LeverageSetter = (*Venue)(nil)
)
