// Package telemetry provides observability primitives for the proxy.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the proxy.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge
	UpstreamErrors  *prometheus.CounterVec
	RetriesTotal    *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	TokensBilled    *prometheus.CounterVec
	KeysAvailable   *prometheus.GaugeVec
	AffinityHits    prometheus.Counter
	AffinityMisses  prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "service", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "palantir",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "service"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "palantir",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors by outcome.",
		}, []string{"service", "outcome"}),

		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "retries_total",
			Help:      "Total requeued attempts after a retryable upstream failure.",
		}, []string{"service"}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "palantir",
			Name:      "queue_depth",
			Help:      "Requests waiting per model family.",
		}, []string{"family"}),

		TokensBilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "tokens_billed_total",
			Help:      "Tokens billed to users, by family and direction.",
		}, []string{"family", "direction"}),

		KeysAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "palantir",
			Name:      "keys_available",
			Help:      "Enabled, unrevoked credentials per service.",
		}, []string{"service"}),

		AffinityHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "affinity_hits_total",
			Help:      "Requests routed to their preferred cache-affine credential.",
		}),

		AffinityMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "affinity_misses_total",
			Help:      "Requests with a fingerprint but no live affinity route.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamErrors,
		m.RetriesTotal,
		m.QueueDepth,
		m.TokensBilled,
		m.KeysAvailable,
		m.AffinityHits,
		m.AffinityMisses,
	)

	return m
}
