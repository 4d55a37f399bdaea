package livehttp

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"perpguard/internal/logger"
	"perpguard/internal/pkg/symbol"
	"perpguard/internal/position"
	"perpguard/internal/store"
	"perpguard/internal/trader"

	"github.com/gin-gonic/gin"
)

// TraderAPI 是 HTTP 层可见的调度器能力：读快照，解冻与触发对账走事件队列。
type TraderAPI interface {
	Snapshot() *trader.Snapshot
	Unfreeze(ctx context.Context, symbol string, side position.Side) error
	RequestReconcile(reason string) error
}

// HistoryStore 提供归档成交与权益曲线。
type HistoryStore interface {
	RecentTrades(ctx context.Context, limit int) ([]store.Trade, error)
	EquityCurve(ctx context.Context, since time.Time, limit int) ([]store.EquityPoint, error)
}

type Router struct {
	Trader  TraderAPI
	History HistoryStore
}

func NewRouter(t TraderAPI, h HistoryStore) *Router {
	return &Router{Trader: t, History: h}
}

// Register 将接口挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/status", r.handleStatus)
	group.GET("/positions", r.handlePositions)
	group.GET("/positions/:symbol", r.handlePositionsBySymbol)
	group.POST("/positions/:symbol/unfreeze", r.handleUnfreeze)
	group.GET("/account", r.handleAccount)
	group.GET("/reconcile", r.handleLastReconcile)
	group.POST("/reconcile", r.handleTriggerReconcile)
	if r.History != nil {
		group.GET("/trades", r.handleTrades)
		group.GET("/equity", r.handleEquity)
		group.GET("/equity/chart", r.handleEquityChart)
	}
}

type positionView struct {
	position.Position
	Key           string  `json:"key"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	HeldSeconds   float64 `json:"held_seconds"`
}

func (r *Router) handleStatus(c *gin.Context) {
	snap := r.Trader.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"circuit_state":  snap.CircuitState,
		"draining":       snap.Draining,
		"positions":      len(snap.Positions),
		"in_flight":      snap.InFlight,
		"frozen":         snap.Frozen,
		"prices":         snap.Prices,
		"last_reconcile": reconcileTime(snap),
		"updated_at":     snap.UpdatedAt,
	})
}

func (r *Router) handlePositions(c *gin.Context) {
	snap := r.Trader.Snapshot()
	c.JSON(http.StatusOK, gin.H{"positions": viewsOf(snap, snap.Positions)})
}

func (r *Router) handlePositionsBySymbol(c *gin.Context) {
	sym := normSymbol(c.Param("symbol"))
	snap := r.Trader.Snapshot()
	var matched []position.Position
	for _, p := range snap.Positions {
		if p.Symbol == sym {
			matched = append(matched, p)
		}
	}
	if len(matched) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no position for " + sym})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": viewsOf(snap, matched)})
}

func (r *Router) handleUnfreeze(c *gin.Context) {
	sym := normSymbol(c.Param("symbol"))
	var side position.Side
	if raw := strings.TrimSpace(c.Query("side")); raw != "" {
		s, ok := position.ParseSide(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid side " + raw})
			return
		}
		side = s
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	err := r.Trader.Unfreeze(ctx, sym, side)
	switch {
	case err == nil:
		logger.Warnf("[api] 人工解冻 %s %s ip=%s", sym, side, c.ClientIP())
		c.JSON(http.StatusOK, gin.H{"symbol": sym, "side": side, "status": "unfrozen"})
	case errors.Is(err, trader.ErrNotFrozen):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, trader.ErrStopped), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		logger.Errorf("[api] unfreeze %s failed: %v", sym, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (r *Router) handleAccount(c *gin.Context) {
	snap := r.Trader.Snapshot()
	c.JSON(http.StatusOK, gin.H{"account": snap.Account})
}

func (r *Router) handleLastReconcile(c *gin.Context) {
	snap := r.Trader.Snapshot()
	if snap.LastReconcile == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no reconciliation has completed yet"})
		return
	}
	c.JSON(http.StatusOK, snap.LastReconcile)
}

func (r *Router) handleTriggerReconcile(c *gin.Context) {
	if err := r.Trader.RequestReconcile(trader.ReconcileManual); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] 人工触发对账 ip=%s", c.ClientIP())
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (r *Router) handleTrades(c *gin.Context) {
	limit := clampInt(c.DefaultQuery("limit", "50"), 1, 500, 50)
	trades, err := r.History.RecentTrades(c.Request.Context(), limit)
	if err != nil {
		logger.Errorf("[api] list trades failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (r *Router) handleEquity(c *gin.Context) {
	points, err := r.equityPoints(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"points": points})
}

func (r *Router) equityPoints(c *gin.Context) ([]store.EquityPoint, error) {
	window, err := time.ParseDuration(c.DefaultQuery("window", "168h"))
	if err != nil || window <= 0 {
		return nil, errors.New("invalid window")
	}
	limit := clampInt(c.DefaultQuery("limit", "2000"), 1, 10000, 2000)
	return r.History.EquityCurve(c.Request.Context(), time.Now().Add(-window), limit)
}

func viewsOf(snap *trader.Snapshot, list []position.Position) []positionView {
	now := time.Now()
	out := make([]positionView, 0, len(list))
	for _, p := range list {
		mark := snap.Prices[p.Symbol]
		v := positionView{Position: p, Key: p.Key(), MarkPrice: mark}
		if mark > 0 {
			v.UnrealizedPnL = p.UnrealizedPnL(mark)
		}
		if !p.OpenedAt.IsZero() {
			v.HeldSeconds = p.TimeInTrade(now).Seconds()
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func reconcileTime(snap *trader.Snapshot) *time.Time {
	if snap.LastReconcile == nil {
		return nil
	}
	at := snap.LastReconcile.At
	return &at
}

// normSymbol 接受 BTCUSDT / btc/usdt / BTC-USDT 等写法，统一为交易所格式。
func normSymbol(raw string) string {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), "-", "/")
	if s := symbol.Parse(raw).Compact(); s != "" {
		return s
	}
	return strings.ToUpper(raw)
}

func clampInt(raw string, lo, hi, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
