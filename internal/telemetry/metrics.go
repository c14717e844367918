package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pocketpal_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pocketpal_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	HTTPRequestsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pocketpal_http_requests_in_flight",
			Help: "HTTP requests currently being served",
		},
		[]string{"method"},
	)

	HTTPErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pocketpal_http_errors_total",
			Help: "Failed requests by error kind",
		},
		[]string{"endpoint", "kind"},
	)

	// Transfer metrics
	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pocketpal_transfers_total",
			Help: "Total number of transfer attempts",
		},
		[]string{"outcome"}, // completed or the error kind
	)

	TransferAmount = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pocketpal_transfer_amount",
			Help:    "Transfer amount distribution (minor units)",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 50000, 100000},
		},
		[]string{"outcome"},
	)

	FeesCollectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pocketpal_fees_collected_total",
			Help: "Sum of fees credited to the fee collector (minor units)",
		},
	)

	TransferProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pocketpal_transfer_processing_duration_seconds",
			Help:    "Time to process a transfer including retries",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	TransferRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pocketpal_transfer_retries_total",
			Help: "Transfer attempts retried after a transient failure",
		},
		[]string{"reason"},
	)

	// Store metrics
	LockWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pocketpal_lock_wait_duration_seconds",
			Help:    "Time spent acquiring account locks",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"backend"},
	)

	LedgerAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pocketpal_ledger_appends_total",
			Help: "Total number of committed ledger entries",
		},
		[]string{"backend"},
	)

	// Idempotency metrics
	IdempotentReplaysTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pocketpal_idempotent_replays_total",
			Help: "Requests answered from the idempotency cache",
		},
	)

	// NATS metrics
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pocketpal_events_published_total",
			Help: "Total number of events published",
		},
		[]string{"subject", "status"},
	)

	// Auth metrics
	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pocketpal_auth_attempts_total",
			Help: "Login attempts by result",
		},
		[]string{"result"},
	)
)
