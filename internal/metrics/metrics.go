// Package metrics 暴露 Prometheus 指标，同时实现 gateway.Observer 与 trader.Metrics。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"perpguard/internal/gateway"
)

const namespace = "perpguard"

type Collector struct {
	reg prometheus.Registerer

	submitLatency *prometheus.HistogramVec
	submitTotal   *prometheus.CounterVec
	retries       *prometheus.CounterVec
	circuitOpen   prometheus.Gauge

	eventLatency *prometheus.HistogramVec
	reconcile    *prometheus.CounterVec
	positions    *prometheus.GaugeVec
	equity       prometheus.Gauge
	drawdown     prometheus.Gauge
}

// New 在 reg 上注册全部指标；reg 为 nil 时使用默认注册表。
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Collector{
		reg: reg,
		submitLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "submit_seconds",
			Help:      "Time from intent submission to final result",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"kind", "status"}),
		submitTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "intents_total",
			Help:      "Order intents by kind and final status",
		}, []string{"kind", "status"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "retries_total",
			Help:      "Transient venue failures that were retried",
		}, []string{"op"}),
		circuitOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "circuit_open",
			Help:      "Venue circuit breaker state (1=open)",
		}),
		eventLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "trader",
			Name:      "event_seconds",
			Help:      "Actor event handling time",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"type"}),
		reconcile: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "items_total",
			Help:      "Reconciliation outcomes by class",
		}, []string{"class"}),
		positions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "trader",
			Name:      "positions",
			Help:      "Tracked positions by state",
		}, []string{"state"}),
		equity: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "account",
			Name:      "equity",
			Help:      "Last observed account equity",
		}),
		drawdown: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "account",
			Name:      "drawdown_ratio",
			Help:      "Drawdown from the equity high-water mark",
		}),
	}
}

func (c *Collector) ObserveSubmit(kind gateway.Kind, status gateway.ResultStatus, seconds float64) {
	c.submitLatency.WithLabelValues(string(kind), string(status)).Observe(seconds)
	c.submitTotal.WithLabelValues(string(kind), string(status)).Inc()
}

func (c *Collector) ObserveRetry(op string) {
	c.retries.WithLabelValues(op).Inc()
}

func (c *Collector) ObserveCircuit(open bool) {
	if open {
		c.circuitOpen.Set(1)
		return
	}
	c.circuitOpen.Set(0)
}

func (c *Collector) ObserveEvent(evt string, seconds float64) {
	c.eventLatency.WithLabelValues(evt).Observe(seconds)
}

func (c *Collector) ObserveReconcile(class string) {
	c.reconcile.WithLabelValues(class).Inc()
}

// SetPositions 记录持仓数；frozen 同时计入 open。
func (c *Collector) SetPositions(open, frozen int) {
	c.positions.WithLabelValues("open").Set(float64(open))
	c.positions.WithLabelValues("frozen").Set(float64(frozen))
}

func (c *Collector) SetEquity(equity, drawdown float64) {
	c.equity.Set(equity)
	c.drawdown.Set(drawdown)
}
