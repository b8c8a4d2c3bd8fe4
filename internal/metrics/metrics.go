// Package metrics provides Prometheus metrics for the provider sync subsystem.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transfer metrics
	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provsync_transfers_total",
			Help: "Total cache/provider transfers",
		},
		[]string{"direction", "status"},
	)

	transferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provsync_transfer_bytes_total",
			Help: "Total bytes moved between cache and providers",
		},
		[]string{"direction"},
	)

	transferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provsync_transfer_duration_seconds",
			Help:    "Transfer duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"direction"},
	)

	transfersInProgressRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "provsync_transfers_in_progress_rejected_total",
			Help: "Non-blocking sync requests rejected because a transfer was running",
		},
	)

	syncTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provsync_sync_state_transitions_total",
			Help: "Sync state transitions by resulting state",
		},
		[]string{"state"},
	)

	// Bulk operation metrics
	bulkItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provsync_bulk_items_total",
			Help: "Bulk operation items processed",
		},
		[]string{"operation", "status"},
	)

	bulkRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provsync_bulk_rejected_total",
			Help: "Bulk operations rejected before dispatch",
		},
		[]string{"operation", "reason"},
	)

	bulkDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provsync_bulk_duration_seconds",
			Help:    "Bulk operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Remote store metrics
	remoteOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provsync_remote_operation_duration_seconds",
			Help:    "Remote store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "operation"},
	)

	remoteOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provsync_remote_operations_total",
			Help: "Total remote store operations",
		},
		[]string{"kind", "operation", "status"},
	)

	vaultProvisionTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "provsync_vault_provision_total",
			Help: "Vault principal directories auto-provisioned on browse",
		},
	)

	// Cache metrics
	cacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "provsync_cache_bytes",
			Help: "Bytes held in the local cache",
		},
	)

	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "provsync_cache_entries",
			Help: "Number of materialized cache entries",
		},
	)

	// Event metrics
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provsync_events_total",
			Help: "Total outcome events published",
		},
		[]string{"type"},
	)

	subscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "provsync_event_subscribers_active",
			Help: "Number of active outcome subscribers",
		},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provsync_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// RecordTransfer records a pull or push between cache and provider.
func RecordTransfer(direction string, bytes int64, duration time.Duration, success bool) {
	transfersTotal.WithLabelValues(direction, status(success)).Inc()
	if success {
		transferBytes.WithLabelValues(direction).Add(float64(bytes))
	}
	transferDuration.WithLabelValues(direction).Observe(duration.Seconds())
}

// RecordTransferInProgress records a rejected non-blocking sync.
func RecordTransferInProgress() {
	transfersInProgressRejected.Inc()
}

// RecordSyncTransition records a sync state change.
func RecordSyncTransition(state string) {
	syncTransitionsTotal.WithLabelValues(state).Inc()
}

// RecordBulkItem records one bulk item outcome.
func RecordBulkItem(operation string, success, skipped bool) {
	s := status(success)
	if skipped {
		s = "skipped"
	}
	bulkItemsTotal.WithLabelValues(operation, s).Inc()
}

// RecordBulkRejected records a bulk operation refused before dispatch.
func RecordBulkRejected(operation, reason string) {
	bulkRejectedTotal.WithLabelValues(operation, reason).Inc()
}

// RecordBulkDuration records how long a bulk operation took.
func RecordBulkDuration(operation string, duration time.Duration) {
	bulkDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRemoteOperation records one remote store call.
func RecordRemoteOperation(kind, operation string, duration time.Duration, success bool) {
	remoteOperationDuration.WithLabelValues(kind, operation).Observe(duration.Seconds())
	remoteOperationsTotal.WithLabelValues(kind, operation, status(success)).Inc()
}

// RecordVaultProvision records an auto-created vault directory.
func RecordVaultProvision() {
	vaultProvisionTotal.Inc()
}

// SetCacheStats sets the cache size gauges.
func SetCacheStats(bytes int64, entries int) {
	cacheBytes.Set(float64(bytes))
	cacheEntries.Set(float64(entries))
}

// RecordEvent records an outcome event publication.
func RecordEvent(eventType string) {
	eventsTotal.WithLabelValues(eventType).Inc()
}

// SetSubscribersActive sets the number of outcome subscribers.
func SetSubscribersActive(count int64) {
	subscribersActive.Set(float64(count))
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}
