package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequestsTotal  *prometheus.CounterVec
	httpLatencySeconds *prometheus.HistogramVec
	httpErrorsTotal    *prometheus.CounterVec

	evidenceUploadsTotal   *prometheus.CounterVec
	evidenceUploadBytes    prometheus.Histogram
	evidenceStorageRetries *prometheus.CounterVec

	workflowTransitionsTotal *prometheus.CounterVec
	workflowLockWaitSeconds  prometheus.Histogram
	rebalanceMovesTotal      prometheus.Counter
	slaBreachesTotal         *prometheus.CounterVec

	notificationsTotal    *prometheus.CounterVec
	streamClientsActive   *prometheus.GaugeVec
	reportCacheTotal      *prometheus.CounterVec
	reportLatencySeconds  *prometheus.HistogramVec
	complianceExportTotal *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors exported by the service.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sar_http_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sar_http_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sar_http_errors_total",
			Help: "Total number of error responses by machine code.",
		}, []string{"route", "code"})

		evidenceUploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sar_evidence_uploads_total",
			Help: "Evidence uploads by outcome (stored, deduplicated, rejected, failed).",
		}, []string{"outcome"})

		evidenceUploadBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sar_evidence_upload_bytes",
			Help:    "Size distribution of accepted evidence files.",
			Buckets: prometheus.ExponentialBuckets(16*1024, 4, 7),
		})

		evidenceStorageRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sar_evidence_storage_retries_total",
			Help: "Retried blob storage operations.",
		}, []string{"operation"})

		workflowTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sar_workflow_transitions_total",
			Help: "Workflow transitions by resulting status.",
		}, []string{"event", "status"})

		workflowLockWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sar_workflow_lock_wait_seconds",
			Help:    "Time spent acquiring per-submission locks.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		})

		rebalanceMovesTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sar_queue_rebalance_moves_total",
			Help: "Submissions reassigned by queue balancing.",
		})

		slaBreachesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sar_sla_breaches_total",
			Help: "Submissions flagged for exceeding the turnaround threshold.",
		}, []string{"department"})

		notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sar_notifications_total",
			Help: "Notification events by type and delivery outcome.",
		}, []string{"type", "outcome"})

		streamClientsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sar_stream_clients_active",
			Help: "Connected notification stream clients by transport.",
		}, []string{"transport"})

		reportCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sar_report_cache_total",
			Help: "Report cache lookups by result.",
		}, []string{"report", "result"})

		reportLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sar_report_latency_seconds",
			Help:    "Time spent computing reports from a ledger snapshot.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		}, []string{"report"})

		complianceExportTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sar_compliance_exports_total",
			Help: "Generated compliance documents by preset.",
		}, []string{"preset"})

		prometheus.MustRegister(
			httpRequestsTotal, httpLatencySeconds, httpErrorsTotal,
			evidenceUploadsTotal, evidenceUploadBytes, evidenceStorageRetries,
			workflowTransitionsTotal, workflowLockWaitSeconds, rebalanceMovesTotal, slaBreachesTotal,
			notificationsTotal, streamClientsActive, reportCacheTotal, reportLatencySeconds, complianceExportTotal,
		)
	})
}

// HTTPRequests exposes the request counter.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the request latency histogram.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the error response counter.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// EvidenceUploads exposes the upload outcome counter.
func EvidenceUploads() *prometheus.CounterVec {
	RegisterMetrics()
	return evidenceUploadsTotal
}

// EvidenceUploadBytes exposes the accepted upload size histogram.
func EvidenceUploadBytes() prometheus.Histogram {
	RegisterMetrics()
	return evidenceUploadBytes
}

// EvidenceStorageRetries exposes the blob retry counter.
func EvidenceStorageRetries() *prometheus.CounterVec {
	RegisterMetrics()
	return evidenceStorageRetries
}

// WorkflowTransitions exposes the transition counter.
func WorkflowTransitions() *prometheus.CounterVec {
	RegisterMetrics()
	return workflowTransitionsTotal
}

// WorkflowLockWait exposes the lock acquisition histogram.
func WorkflowLockWait() prometheus.Histogram {
	RegisterMetrics()
	return workflowLockWaitSeconds
}

// RebalanceMoves exposes the rebalance move counter.
func RebalanceMoves() prometheus.Counter {
	RegisterMetrics()
	return rebalanceMovesTotal
}

// SLABreaches exposes the SLA breach counter.
func SLABreaches() *prometheus.CounterVec {
	RegisterMetrics()
	return slaBreachesTotal
}

// Notifications exposes the notification outcome counter.
func Notifications() *prometheus.CounterVec {
	RegisterMetrics()
	return notificationsTotal
}

// StreamClientsActive exposes the connected stream client gauge.
func StreamClientsActive() *prometheus.GaugeVec {
	RegisterMetrics()
	return streamClientsActive
}

// ReportCache exposes the report cache counter.
func ReportCache() *prometheus.CounterVec {
	RegisterMetrics()
	return reportCacheTotal
}

// ReportLatency exposes the report computation histogram.
func ReportLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return reportLatencySeconds
}

// ComplianceExports exposes the export counter.
func ComplianceExports() *prometheus.CounterVec {
	RegisterMetrics()
	return complianceExportTotal
}
