package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Discovery
	ProbesTotal       *prometheus.CounterVec
	ProbeLatency      *prometheus.HistogramVec
	DiscoveryRuns     *prometheus.CounterVec
	DiscoveryDuration prometheus.Histogram

	// Gateway traffic
	RequestsTotal      *prometheus.CounterVec
	RequestLatency     *prometheus.HistogramVec
	CacheInvalidations prometheus.Counter

	// Upload list cache
	UploadStoreErrors *prometheus.CounterVec

	// Local daemon
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers all collectors with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ProbesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fiscalmind_backend_probes_total",
				Help: "Total number of backend liveness probes",
			},
			[]string{"candidate", "outcome"},
		),
		ProbeLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fiscalmind_backend_probe_latency_seconds",
				Help:    "Latency of backend liveness probes",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"candidate"},
		),
		DiscoveryRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fiscalmind_backend_discovery_runs_total",
				Help: "Total number of discovery runs by the source of the adopted URL",
			},
			[]string{"source"},
		),
		DiscoveryDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fiscalmind_backend_discovery_duration_seconds",
				Help:    "Duration of full discovery runs",
				Buckets: prometheus.DefBuckets,
			},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fiscalmind_gateway_requests_total",
				Help: "Total number of requests sent through the gateway",
			},
			[]string{"class", "outcome"},
		),
		RequestLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fiscalmind_gateway_request_latency_seconds",
				Help:    "Latency of requests sent through the gateway",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"class"},
		),
		CacheInvalidations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fiscalmind_backend_cache_invalidations_total",
				Help: "Number of times the resolved backend URL was dropped after a network failure",
			},
		),

		UploadStoreErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fiscalmind_upload_store_errors_total",
				Help: "Total number of upload list store errors",
			},
			[]string{"store", "operation"},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fiscalmind_daemon_http_requests_total",
				Help: "Requests served by the local daemon by route pattern and status",
			},
			[]string{"route", "method", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fiscalmind_daemon_http_request_duration_seconds",
				Help:    "Time the local daemon spent serving requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
}
