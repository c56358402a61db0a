package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ispcore_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ispcore_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	LedgerEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ispcore_ledger_entries_total",
			Help: "Total number of wallet transactions written",
		},
		[]string{"type"},
	)

	JournalErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ispcore_journal_errors_total",
			Help: "Total number of wallet transactions that failed to mirror to the double-entry journal",
		},
	)

	RenewalDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ispcore_renewal_decisions_total",
			Help: "Total number of renewal evaluations by decision",
		},
		[]string{"decision"},
	)

	StateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ispcore_state_transitions_total",
			Help: "Total number of client state transitions",
		},
		[]string{"from", "to", "event"},
	)

	SyncDispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ispcore_sync_dispatches_total",
			Help: "Total number of enforcement commands delivered",
		},
		[]string{"action", "result"},
	)

	SyncDispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ispcore_sync_dispatch_duration_seconds",
			Help:    "Enforcement endpoint call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ispcore_scheduler_sweep_duration_seconds",
			Help:    "Scheduler sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sweep"},
	)

	SweepItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ispcore_scheduler_items_total",
			Help: "Total number of per-client work items processed by the scheduler",
		},
		[]string{"sweep", "result"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ispcore_notifications_total",
			Help: "Total number of notification events by outcome",
		},
		[]string{"event_type", "result"},
	)

	LockContentionTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ispcore_lock_contention_total",
			Help: "Total number of per-client lock acquisitions that found the lock held",
		},
	)
)

// RecordHTTPRequest records HTTP request metrics.
func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// RecordLedgerEntry records a written wallet transaction.
func RecordLedgerEntry(txType string) {
	LedgerEntriesTotal.WithLabelValues(txType).Inc()
}

// RecordRenewalDecision records a renewal evaluation outcome.
func RecordRenewalDecision(decision string) {
	RenewalDecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordTransition records a client state transition.
func RecordTransition(from, to, event string) {
	StateTransitionsTotal.WithLabelValues(from, to, event).Inc()
}

// RecordSyncDispatch records an enforcement call outcome.
func RecordSyncDispatch(action string, success bool, duration float64) {
	result := "success"
	if !success {
		result = "failure"
	}
	SyncDispatchesTotal.WithLabelValues(action, result).Inc()
	SyncDispatchDuration.WithLabelValues(action).Observe(duration)
}

// RecordSweep records a completed scheduler sweep.
func RecordSweep(sweep string, duration float64) {
	SweepDuration.WithLabelValues(sweep).Observe(duration)
}

// RecordSweepItem records one processed scheduler work item.
func RecordSweepItem(sweep, result string) {
	SweepItemsTotal.WithLabelValues(sweep, result).Inc()
}

// RecordNotification records a notification event outcome.
func RecordNotification(eventType, result string) {
	NotificationsTotal.WithLabelValues(eventType, result).Inc()
}
