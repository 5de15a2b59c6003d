package web

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"gridpilot/internal/circuit"
	"gridpilot/internal/domain"
	"gridpilot/internal/events"
	"gridpilot/internal/orders"
)

// Metrics aggregates bus events into Prometheus collectors.
type Metrics struct {
	ordersTotal     *prometheus.CounterVec
	fillsTotal      *prometheus.CounterVec
	rotationsTotal  prometheus.Counter
	switchesTotal   prometheus.Counter
	circuitState    prometheus.Gauge
	balanceWarnings prometheus.Counter
}

// NewMetrics creates and registers the collectors on the default registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		ordersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridpilot_orders_total",
			Help: "Order lifecycle transitions by pair and status.",
		}, []string{"pair", "status"}),
		fillsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridpilot_fills_total",
			Help: "Fill events by pair and side.",
		}, []string{"pair", "side"}),
		rotationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridpilot_rotations_total",
			Help: "Profit rotations executed.",
		}),
		switchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridpilot_asset_switches_total",
			Help: "Stuck-market asset switches executed.",
		}),
		circuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridpilot_circuit_state",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}),
		balanceWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridpilot_balance_drift_warnings_total",
			Help: "Balance drift warnings raised during venue sync.",
		}),
	}

	prometheus.MustRegister(
		m.ordersTotal,
		m.fillsTotal,
		m.rotationsTotal,
		m.switchesTotal,
		m.circuitState,
		m.balanceWarnings,
	)
	return m
}

// Watch consumes bus events until ctx is cancelled.
func (m *Metrics) Watch(ctx context.Context, bus eventBus) {
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			m.observe(ev)
		}
	}
}

func (m *Metrics) observe(ev events.Event) {
	switch ev.Type {
	case events.TypeOrderUpdate:
		if order, ok := ev.Payload.(domain.Order); ok {
			m.ordersTotal.WithLabelValues(ev.Pair, order.Status.String()).Inc()
		}
	case events.TypeFill:
		if fill, ok := ev.Payload.(orders.FillEvent); ok {
			m.fillsTotal.WithLabelValues(fill.Pair, fill.Side).Inc()
		}
	case events.TypeRotation:
		m.rotationsTotal.Inc()
	case events.TypeAssetSwitch:
		m.switchesTotal.Inc()
	case events.TypeCircuit:
		if tr, ok := ev.Payload.(circuit.Transition); ok {
			m.circuitState.Set(float64(tr.To))
		}
	case events.TypeBalanceWarning:
		m.balanceWarnings.Inc()
	}
}
