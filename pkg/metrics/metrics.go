// Package metrics implements the Metrics Registry (C12): counters,
// histograms, and gauges exported via Prometheus text exposition
// (spec.md §4.10). Grounded on r3e-network-service_layer's
// infrastructure/metrics/metrics.go constructor/bucket-choice shape,
// generalized from HTTP/blockchain metrics to the gateway's named series.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// requestDurationBuckets matches spec.md §4.10's required fixed buckets,
// in milliseconds.
var requestDurationBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

// Metrics holds every series named across spec.md §4.1-§4.10.
type Metrics struct {
	TokenGenerationsTotal  *prometheus.CounterVec
	TokenValidationsTotal  *prometheus.CounterVec
	TokenRotationHintsTotal *prometheus.CounterVec
	TokenExpirationsTotal  prometheus.Counter

	PolicyDenialsTotal *prometheus.CounterVec

	RateLimitHitsTotal *prometheus.CounterVec

	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	BreakerState          *prometheus.GaugeVec
	BreakerFastfailTotal  *prometheus.CounterVec
	BreakerTransitionsTotal *prometheus.CounterVec

	RetriesTotal *prometheus.CounterVec

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	SSEActiveStreams prometheus.Gauge
	SSEDroppedEventsTotal *prometheus.CounterVec
}

// New builds a Metrics instance registered against prometheus.DefaultRegisterer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry builds a Metrics instance registered against registerer,
// so tests can use a private registry instead of the global default.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		TokenGenerationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_generations_total",
			Help: "Total number of tokens issued, by agent.",
		}, []string{"agent"}),
		TokenValidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_validations_total",
			Help: "Total number of token validations, by outcome.",
		}, []string{"outcome"}),
		TokenRotationHintsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_rotation_hints_total",
			Help: "Total number of rotation-hint headers emitted.",
		}, []string{"agent"}),
		TokenExpirationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "token_expirations_total",
			Help: "Total number of proxy calls rejected for an expired token.",
		}),

		PolicyDenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_denials_total",
			Help: "Total number of policy denials, by tool/action/reason.",
		}, []string{"tool", "action", "reason"}),

		RateLimitHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_hits_total",
			Help: "Total number of rate limit rejections, by agent.",
		}, []string{"agent"}),

		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of response cache hits.",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of response cache misses.",
		}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "breaker_state",
			Help: "Circuit breaker state by tool (0=closed, 1=half_open, 2=open).",
		}, []string{"tool"}),
		BreakerFastfailTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breaker_fastfail_total",
			Help: "Total number of calls fast-failed by an open breaker.",
		}, []string{"tool"}),
		BreakerTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breaker_transitions_total",
			Help: "Total number of breaker state transitions, by tool and target state.",
		}, []string{"tool", "to_state"}),

		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retries_total",
			Help: "Total number of retry-wrapped adapter calls, by tool/action/final outcome.",
		}, []string{"tool", "action", "outcome"}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Total number of proxied requests, by tool/action/code.",
		}, []string{"tool", "action", "code"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "request_duration_ms",
			Help:    "Proxy request duration in milliseconds, by tool/action.",
			Buckets: requestDurationBuckets,
		}, []string{"tool", "action"}),

		SSEActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sse_active_streams",
			Help: "Current number of open SSE subscriptions.",
		}),
		SSEDroppedEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sse_dropped_events_total",
			Help: "Total number of SSE events dropped due to a slow subscriber.",
		}, []string{"run_id"}),
	}

	registerer.MustRegister(
		m.TokenGenerationsTotal, m.TokenValidationsTotal, m.TokenRotationHintsTotal, m.TokenExpirationsTotal,
		m.PolicyDenialsTotal,
		m.RateLimitHitsTotal,
		m.CacheHitsTotal, m.CacheMissesTotal,
		m.BreakerState, m.BreakerFastfailTotal, m.BreakerTransitionsTotal,
		m.RetriesTotal,
		m.RequestsTotal, m.RequestDuration,
		m.SSEActiveStreams, m.SSEDroppedEventsTotal,
	)

	return m
}

// Handler returns the HTTP handler for the /metrics text exposition
// endpoint. It always serves prometheus.DefaultGatherer; a Metrics built
// with NewWithRegistry against a non-default registerer must be exposed by
// the caller via promhttp.HandlerFor instead.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
