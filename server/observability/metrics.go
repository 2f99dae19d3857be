package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of waiting jobs per queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "po_queue_depth",
		Help: "Current number of waiting jobs per queue",
	}, []string{"queue"})

	// JobAttempts counts job executions by queue and outcome.
	JobAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "po_queue_job_attempts_total",
		Help: "Job execution attempts by queue and outcome",
	}, []string{"queue", "outcome"}) // outcome: ok, error, stalled

	// DeadLetteredJobs counts jobs moved to the dead-letter list.
	DeadLetteredJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "po_queue_dead_lettered_total",
		Help: "Jobs moved to the dead-letter list after exhausting attempts",
	}, []string{"queue"})

	// StageDuration tracks wall-clock duration of workflow stages.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "po_stage_duration_seconds",
		Help:    "Workflow stage execution duration",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
	}, []string{"stage"})

	// WorkflowsStarted counts started workflow executions.
	WorkflowsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "po_workflows_started_total",
		Help: "Total workflow executions started",
	})

	// WorkflowsCompleted counts terminal workflow outcomes.
	WorkflowsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "po_workflows_completed_total",
		Help: "Workflow executions reaching a terminal status",
	}, []string{"status"}) // completed, failed

	// TransactionDuration tracks database_save transaction duration.
	// Anything near the 15s ceiling indicates a regression (e.g. a progress
	// publish leaked inside the transaction).
	TransactionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "po_persist_transaction_seconds",
		Help:    "Duration of the persistence transaction",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
	})

	// WarmupDuration tracks database engine warmup time.
	WarmupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "po_db_warmup_seconds",
		Help:    "Time until the database engine served the warmup probe",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 8), // 100ms to ~12s
	})

	// DBRetries counts gateway-level retries by error class.
	DBRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "po_db_retries_total",
		Help: "Database gateway retries by error class",
	}, []string{"class"})

	// DBReconnects counts full engine reconnects (zombie-connection defense).
	DBReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "po_db_reconnects_total",
		Help: "Full database reconnects",
	})

	// PublishFailures counts failed progress publications (non-fatal).
	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "po_progress_publish_failures_total",
		Help: "Failed progress publications (best-effort, never fatal)",
	}, []string{"channel"})

	// LockWaitSeconds tracks time spent waiting for the PO lock.
	LockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "po_lock_wait_seconds",
		Help:    "Time spent acquiring the per-PO advisory lock",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 11), // 10ms to ~10s
	})

	// LockTimeouts counts lock acquisitions that hit maxWait.
	LockTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "po_lock_timeouts_total",
		Help: "PO lock acquisitions that timed out",
	})

	// ReconcilerFixed counts POs auto-completed by the reconciler.
	ReconcilerFixed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "po_reconciler_autofixed_total",
		Help: "POs with completed data force-finished by the reconciler",
	})

	// ReconcilerRequeued counts stalled workflows re-queued by the reconciler.
	ReconcilerRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "po_reconciler_requeued_total",
		Help: "Stalled workflows re-queued by the reconciler",
	})

	// RealtimeClients tracks connected realtime (SSE/WS) clients.
	RealtimeClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "po_realtime_clients",
		Help: "Connected realtime event clients",
	}, []string{"transport"}) // sse, ws

	// APIRateLimited tracks requests rejected by the API limiters.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "po_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})
)
