package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry exposes engine/router/reconciliation counters and
// histograms as Prometheus collectors. The teacher's go.mod declares
// prometheus/client_golang but never imports it; this is its first real
// use (see DESIGN.md).
type Registry struct {
	Registerer prometheus.Registerer

	EventBusQueueDepth   *prometheus.GaugeVec
	EventBusDropped      prometheus.Counter
	GateRejections       *prometheus.CounterVec
	RiskRejections       *prometheus.CounterVec
	OrdersSubmitted      *prometheus.CounterVec
	OrdersFilled         *prometheus.CounterVec
	OrdersRejected       *prometheus.CounterVec
	ReconciliationDrift  prometheus.Gauge
	ReconciliationCycles prometheus.Counter
	CircuitBreakerTrips  prometheus.Counter
	KillSwitchActive     prometheus.Gauge
	OrderLatency         prometheus.Histogram
}

// NewRegistry creates and registers every collector against reg. Pass
// prometheus.NewRegistry() for test isolation, or
// prometheus.DefaultRegisterer for a process-wide registry.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		Registerer: reg,
		EventBusQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_eventbus_queue_depth",
			Help: "Current pending event count per subscriber.",
		}, []string{"event_type"}),
		EventBusDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_eventbus_dropped_total",
			Help: "Events dropped due to a full subscriber queue.",
		}),
		GateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_gate_rejections_total",
			Help: "Trading-gate rejections by blocker reason.",
		}, []string{"reason"}),
		RiskRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_risk_rejections_total",
			Help: "Risk-engine rejections by check name.",
		}, []string{"check"}),
		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_submitted_total",
			Help: "Orders submitted to the broker, by symbol.",
		}, []string{"symbol"}),
		OrdersFilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_filled_total",
			Help: "Orders filled, by symbol.",
		}, []string{"symbol"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_rejected_total",
			Help: "Orders rejected, by symbol.",
		}, []string{"symbol"}),
		ReconciliationDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_reconciliation_drift",
			Help: "1 if the last reconciliation cycle detected drift, else 0.",
		}),
		ReconciliationCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_reconciliation_cycles_total",
			Help: "Completed reconciliation cycles.",
		}),
		CircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_circuit_breaker_trips_total",
			Help: "Circuit breaker trip events.",
		}),
		KillSwitchActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_kill_switch_active",
			Help: "1 if the kill switch is currently active, else 0.",
		}),
		OrderLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_order_submit_latency_seconds",
			Help:    "Latency from route_intent to broker acknowledgment.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(
			r.EventBusQueueDepth, r.EventBusDropped, r.GateRejections, r.RiskRejections,
			r.OrdersSubmitted, r.OrdersFilled, r.OrdersRejected,
			r.ReconciliationDrift, r.ReconciliationCycles, r.CircuitBreakerTrips,
			r.KillSwitchActive, r.OrderLatency,
		)
	}
	return r
}
