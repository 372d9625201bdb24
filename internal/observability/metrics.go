// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Discovery metrics
	DiscoveryRunsTotal *prometheus.CounterVec
	DiscoveryDuration  prometheus.Histogram
	PoolsDiscovered    prometheus.Gauge
	MintsDiscovered    prometheus.Gauge
	ScanFailures       prometheus.Counter

	// Endpoint metrics
	EndpointHealthy  *prometheus.GaugeVec
	EndpointErrors   *prometheus.GaugeVec
	EndpointRequests *prometheus.GaugeVec

	// Verification metrics
	TokensVerified     *prometheus.CounterVec
	VerificationErrors prometheus.Counter
	RetryQueueSize     prometheus.Gauge
	WhitelistSize      prometheus.Gauge

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Health metrics
	LastSuccessfulDiscovery prometheus.Gauge
	UptimeSeconds           prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "stablepool_radar"
	}

	return &Metrics{
		// Discovery metrics
		DiscoveryRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "runs_total",
			Help:      "Total number of discovery passes by status",
		}, []string{"status"}),
		DiscoveryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "duration_seconds",
			Help:      "Discovery pass duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}),
		PoolsDiscovered: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "pools",
			Help:      "Number of pools found in the last discovery pass",
		}),
		MintsDiscovered: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "mints",
			Help:      "Number of distinct token mints found in the last discovery pass",
		}),
		ScanFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "scan_failures_total",
			Help:      "Total number of account parse failures during scans",
		}),

		// Endpoint metrics
		EndpointHealthy: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "endpoint_healthy",
			Help:      "Whether an RPC endpoint is currently healthy (1) or in backoff (0)",
		}, []string{"endpoint"}),
		EndpointErrors: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "endpoint_errors",
			Help:      "RPC errors seen by endpoint since startup",
		}, []string{"endpoint"}),
		EndpointRequests: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "endpoint_requests",
			Help:      "RPC requests issued by endpoint since startup",
		}, []string{"endpoint"}),

		// Verification metrics
		TokensVerified: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provenance",
			Name:      "tokens_verified_total",
			Help:      "Total number of verification decisions by source and outcome",
		}, []string{"source", "outcome"}),
		VerificationErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provenance",
			Name:      "verification_errors_total",
			Help:      "Total number of verification attempts that could not be resolved",
		}),
		RetryQueueSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "provenance",
			Name:      "retry_queue_size",
			Help:      "Current number of mints awaiting verification retry",
		}),
		WhitelistSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "provenance",
			Name:      "whitelist_size",
			Help:      "Number of mints in the last fetched allow-list",
		}),

		// Cache metrics
		CacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache hits by key prefix",
		}, []string{"key"}),
		CacheMisses: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache misses by key prefix",
		}, []string{"key"}),

		// Health metrics
		LastSuccessfulDiscovery: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_discovery_timestamp",
			Help:      "Unix timestamp of the last successful discovery pass",
		}),
		UptimeSeconds: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "uptime_seconds_total",
			Help:      "Total uptime in seconds",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordDiscoveryRun records one discovery pass.
func RecordDiscoveryRun(status string, durationSeconds float64, pools, mints int) {
	DefaultMetrics.DiscoveryRunsTotal.WithLabelValues(status).Inc()
	DefaultMetrics.DiscoveryDuration.Observe(durationSeconds)
	if status == "success" {
		DefaultMetrics.PoolsDiscovered.Set(float64(pools))
		DefaultMetrics.MintsDiscovered.Set(float64(mints))
	}
}

// RecordScanFailures adds parse failures from one pass.
func RecordScanFailures(n int) {
	DefaultMetrics.ScanFailures.Add(float64(n))
}

// RecordVerification records one verification decision.
func RecordVerification(source string, verified bool) {
	outcome := "rejected"
	if verified {
		outcome = "verified"
	}
	DefaultMetrics.TokensVerified.WithLabelValues(source, outcome).Inc()
}

// RecordVerificationError increments the unresolved verification counter.
func RecordVerificationError() {
	DefaultMetrics.VerificationErrors.Inc()
}

// UpdateRetryQueueSize updates the retry queue gauge.
func UpdateRetryQueueSize(n int) {
	DefaultMetrics.RetryQueueSize.Set(float64(n))
}

// UpdateWhitelistSize updates the allow-list size gauge.
func UpdateWhitelistSize(n int) {
	DefaultMetrics.WhitelistSize.Set(float64(n))
}

// UpdateEndpointHealth updates the per-endpoint gauges from a health
// snapshot.
func UpdateEndpointHealth(endpoint string, healthy bool, errorCount, requestCount int) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	DefaultMetrics.EndpointHealthy.WithLabelValues(endpoint).Set(v)
	DefaultMetrics.EndpointErrors.WithLabelValues(endpoint).Set(float64(errorCount))
	DefaultMetrics.EndpointRequests.WithLabelValues(endpoint).Set(float64(requestCount))
}

// RecordCacheHit records a cache hit for a key prefix.
func RecordCacheHit(key string) {
	DefaultMetrics.CacheHits.WithLabelValues(key).Inc()
}

// RecordCacheMiss records a cache miss for a key prefix.
func RecordCacheMiss(key string) {
	DefaultMetrics.CacheMisses.WithLabelValues(key).Inc()
}
