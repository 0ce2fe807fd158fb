// Package metrics provides RAL's internal Prometheus instrumentation,
// grounded on the teacher's go-server-3 Registry
// (internal/metrics/metrics.go): a struct of promauto-registered collectors,
// no owned HTTP exporter. RAL doesn't run its own metrics-export HTTP server
// (spec.md §1 scopes that surface out); callers that want to expose these
// collectors mount promhttp.Handler() on their own process's mux.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the full set of collectors RAL updates.
type Registry struct {
	RateLimitAcquires   *prometheus.CounterVec
	RateLimitWaitSecs   *prometheus.HistogramVec
	EndpointHealthFlips *prometheus.CounterVec
	RetryAttempts       *prometheus.CounterVec
	AllAttemptsFailed   prometheus.Counter
	WSReconnects        *prometheus.CounterVec
	WSReconnectFailed   prometheus.Counter
	DexQuotesRequested  prometheus.Counter
	DexQuotesFailed     *prometheus.CounterVec
	EventBusPublishFail *prometheus.CounterVec
}

// NewRegistry builds and registers every collector with the default
// Prometheus registry.
func NewRegistry() *Registry {
	return &Registry{
		RateLimitAcquires: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ral_rate_limit_acquires_total",
			Help: "Rate limiter acquires, labeled by endpoint URL",
		}, []string{"endpoint"}),
		RateLimitWaitSecs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ral_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a rate-limit slot",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		EndpointHealthFlips: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ral_endpoint_health_transitions_total",
			Help: "Endpoint healthy<->unhealthy transitions",
		}, []string{"endpoint", "to_state"}),
		RetryAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ral_retry_attempts_total",
			Help: "executeWithRetry attempts, labeled by pool type",
		}, []string{"pool_type"}),
		AllAttemptsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ral_all_attempts_failed_total",
			Help: "executeWithRetry exhaustions across every endpoint",
		}),
		WSReconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ral_ws_reconnects_total",
			Help: "WebSocket supervisor reconnect attempts",
		}, []string{"url"}),
		WSReconnectFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ral_ws_reconnect_failed_total",
			Help: "WebSocket supervisor permanent reconnect failures",
		}),
		DexQuotesRequested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ral_dex_quotes_requested_total",
			Help: "getBestQuote invocations",
		}),
		DexQuotesFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ral_dex_provider_quote_failures_total",
			Help: "Per-provider quote failures",
		}, []string{"provider"}),
		EventBusPublishFail: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ral_event_bus_publish_failures_total",
			Help: "Event bus publish failures, swallowed at the call site",
		}, []string{"channel"}),
	}
}
