// Package observability provides Prometheus metrics and structured logging.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Retry metrics
	RetryAttempts  *prometheus.CounterVec
	RetryExhausted *prometheus.CounterVec
	RetryRejected  *prometheus.CounterVec

	// Reconciliation metrics
	ReconcileOutcomes *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram

	// Subscription metrics
	NotificationsReceived prometheus.Counter
	NotificationsDropped  prometheus.Counter
	ChangesEmitted        prometheus.Counter
	ActiveSubscriptions   prometheus.Gauge
	DecodeErrors          *prometheus.CounterVec

	// Cache metrics
	CacheWrites   *prometheus.CounterVec
	CacheRejected *prometheus.CounterVec
	CacheEntries  prometheus.Gauge

	// Derivation metrics
	DerivationRuns     *prometheus.CounterVec
	EventsSkipped      prometheus.Counter
	DerivationDuration prometheus.Histogram

	// Transport metrics
	RPCCallLatency *prometheus.HistogramVec
	WSReconnects   prometheus.Counter

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vault_state_engine"
	}

	return &Metrics{
		RetryAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Total number of attempts made by the retry executor",
		}, []string{"operation"}),
		RetryExhausted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "exhausted_total",
			Help:      "Total number of operations that failed after all attempts",
		}, []string{"operation"}),
		RetryRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "rejected_total",
			Help:      "Total number of deterministic rejections, never retried",
		}, []string{"operation"}),

		ReconcileOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "outcomes_total",
			Help:      "Finality reconciliation outcomes by state",
		}, []string{"state"}),
		ReconcileDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "duration_seconds",
			Help:      "Duration of one reconciliation pass",
			Buckets:   prometheus.DefBuckets,
		}),

		NotificationsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "notifications_received_total",
			Help:      "Total raw push notifications received",
		}),
		NotificationsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped because their bytes did not change",
		}),
		ChangesEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "changes_emitted_total",
			Help:      "Debounced changes delivered downstream",
		}),
		ActiveSubscriptions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "active",
			Help:      "Number of active debounced subscriptions",
		}),
		DecodeErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "decode_errors_total",
			Help:      "Account payloads that could not be decoded",
		}, []string{"path"}),

		CacheWrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "writes_total",
			Help:      "Cache writes applied by commitment",
		}, []string{"commitment"}),
		CacheRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "writes_rejected_total",
			Help:      "Stale cache writes rejected by the write counter",
		}, []string{"commitment"}),
		CacheEntries: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Number of entries held by the local cache",
		}),

		DerivationRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "accrual",
			Name:      "derivations_total",
			Help:      "Accrual derivation runs by status",
		}, []string{"status"}),
		EventsSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "accrual",
			Name:      "events_skipped_total",
			Help:      "Malformed events skipped during derivation",
		}),
		DerivationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "accrual",
			Name:      "duration_seconds",
			Help:      "Accrual derivation duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "rpc_call_latency_seconds",
			Help:      "RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "commitment"}),
		WSReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "ws_reconnects_total",
			Help:      "WebSocket reconnections",
		}),

		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordRetryAttempt increments the attempt counter for an operation.
func RecordRetryAttempt(operation string) {
	DefaultMetrics.RetryAttempts.WithLabelValues(operation).Inc()
}

// RecordRetryExhausted records an operation that ran out of attempts.
func RecordRetryExhausted(operation string) {
	DefaultMetrics.RetryExhausted.WithLabelValues(operation).Inc()
}

// RecordRetryRejected records a deterministic rejection.
func RecordRetryRejected(operation string) {
	DefaultMetrics.RetryRejected.WithLabelValues(operation).Inc()
}

// RecordReconcile records one reconciliation outcome.
func RecordReconcile(state string) {
	DefaultMetrics.ReconcileOutcomes.WithLabelValues(state).Inc()
}

// RecordReconcileDuration records how long a reconciliation pass took.
func RecordReconcileDuration(seconds float64) {
	DefaultMetrics.ReconcileDuration.Observe(seconds)
}

// RecordNotification records a raw push notification and whether it was dropped.
func RecordNotification(dropped bool) {
	DefaultMetrics.NotificationsReceived.Inc()
	if dropped {
		DefaultMetrics.NotificationsDropped.Inc()
	}
}

// RecordChangeEmitted records a debounced change delivered downstream.
func RecordChangeEmitted() {
	DefaultMetrics.ChangesEmitted.Inc()
}

// UpdateActiveSubscriptions sets the active subscription gauge.
func UpdateActiveSubscriptions(n int) {
	DefaultMetrics.ActiveSubscriptions.Set(float64(n))
}

// RecordDecodeError records a decode failure on the given path (subscription, reconcile, read).
func RecordDecodeError(path string) {
	DefaultMetrics.DecodeErrors.WithLabelValues(path).Inc()
}

// RecordCacheWrite records an applied or rejected cache write.
func RecordCacheWrite(commitment string, applied bool, entries int) {
	if applied {
		DefaultMetrics.CacheWrites.WithLabelValues(commitment).Inc()
	} else {
		DefaultMetrics.CacheRejected.WithLabelValues(commitment).Inc()
	}
	DefaultMetrics.CacheEntries.Set(float64(entries))
}

// RecordDerivation records a derivation run.
func RecordDerivation(status string, skipped int, seconds float64) {
	DefaultMetrics.DerivationRuns.WithLabelValues(status).Inc()
	DefaultMetrics.EventsSkipped.Add(float64(skipped))
	DefaultMetrics.DerivationDuration.Observe(seconds)
}

// RecordRPCLatency records RPC call latency.
func RecordRPCLatency(method, commitment string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method, commitment).Observe(seconds)
}

// RecordWSReconnect records a WebSocket reconnection.
func RecordWSReconnect() {
	DefaultMetrics.WSReconnects.Inc()
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
