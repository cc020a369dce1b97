package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus series the router exports.
type Metrics struct {
	Attempts        *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec
	Tokens          *prometheus.CounterVec
	CostUSD         *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec
	Requests        *prometheus.CounterVec
	RecordsDropped  prometheus.Counter
	ExportErrors    prometheus.Counter
}

// NewMetrics registers every series on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_router_provider_attempts_total",
			Help: "Provider attempts by outcome (success or error kind)",
		}, []string{"provider", "outcome"}),
		AttemptDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm_router_provider_attempt_duration_seconds",
			Help:    "Latency of provider attempts",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"provider"}),
		Tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_router_provider_tokens_total",
			Help: "Tokens consumed by direction",
		}, []string{"provider", "direction"}),
		CostUSD: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_router_provider_cost_usd_total",
			Help: "Spend attributed to each provider in USD",
		}, []string{"provider"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llm_router_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"provider"}),
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_router_requests_total",
			Help: "Routed requests by final outcome",
		}, []string{"outcome"}),
		RecordsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "llm_router_trace_records_dropped_total",
			Help: "Trace records dropped because the export buffer was full",
		}),
		ExportErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "llm_router_trace_export_errors_total",
			Help: "Failed trace record exports",
		}),
	}
}
