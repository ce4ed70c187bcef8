package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocrapi_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ocrapi_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Quota Metrics
	QuotaDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocrapi_quota_decisions_total",
			Help: "Admission decisions taken by the quota gate",
		},
		[]string{"decision"},
	)

	UsageEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocrapi_usage_events_total",
			Help: "Usage events appended to the ledger",
		},
		[]string{"endpoint"},
	)

	// OCR Metrics
	OCRDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ocrapi_ocr_duration_seconds",
			Help:    "Time spent in the OCR engine per image",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"language"},
	)

	OCRFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocrapi_ocr_failures_total",
			Help: "Collaborator failures recovered with an empty result",
		},
		[]string{"stage"},
	)

	EngineInitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocrapi_engine_init_total",
			Help: "OCR engine initializations per language",
		},
		[]string{"language", "status"},
	)

	PDFPages = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ocrapi_pdf_pages",
			Help:    "Number of pages per rasterized PDF",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 to 512 pages
		},
	)

	// Job Metrics
	JobsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocrapi_jobs_created_total",
			Help: "Total number of OCR jobs persisted",
		},
		[]string{"input_type"},
	)

	// Storage Metrics
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocrapi_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "status"},
	)

	StorageBytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocrapi_storage_bytes_transferred_total",
			Help: "Total bytes transferred to/from storage",
		},
		[]string{"operation"},
	)

	// Database Metrics
	DatabaseOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocrapi_database_operations_total",
			Help: "Total number of database operations",
		},
		[]string{"operation", "status"},
	)

	DatabaseOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ocrapi_database_operation_duration_seconds",
			Help:    "Database operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Cache Metrics
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocrapi_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocrapi_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// Error Metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocrapi_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// Quota decisions
const (
	DecisionAdmitted  = "admitted"
	DecisionRejected  = "rejected"
	DecisionExempt    = "exempt"
	DecisionAnonymous = "anonymous"
	DecisionError     = "error"
)

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordQuotaDecision records an admission decision
func RecordQuotaDecision(decision string) {
	QuotaDecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordUsageEvent records a ledger append
func RecordUsageEvent(endpoint string) {
	UsageEventsTotal.WithLabelValues(endpoint).Inc()
}

// RecordOCR records the duration of one recognition call
func RecordOCR(language string, duration float64) {
	OCRDuration.WithLabelValues(language).Observe(duration)
}

// RecordOCRFailure records a recovered collaborator failure
func RecordOCRFailure(stage string) {
	OCRFailuresTotal.WithLabelValues(stage).Inc()
}

// RecordEngineInit records an engine initialization attempt
func RecordEngineInit(language string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	EngineInitTotal.WithLabelValues(language, status).Inc()
}

// RecordJobCreated records a persisted job
func RecordJobCreated(inputType string) {
	JobsCreatedTotal.WithLabelValues(inputType).Inc()
}

// RecordStorageOperation records a storage operation
func RecordStorageOperation(operation, status string, bytesTransferred int64) {
	StorageOperationsTotal.WithLabelValues(operation, status).Inc()
	StorageBytesTransferred.WithLabelValues(operation).Add(float64(bytesTransferred))
}

// RecordDatabaseOperation records a database operation
func RecordDatabaseOperation(operation, status string, duration float64) {
	DatabaseOperationsTotal.WithLabelValues(operation, status).Inc()
	DatabaseOperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordCacheAccess records cache hit or miss
func RecordCacheAccess(cacheType string, hit bool) {
	if hit {
		CacheHitsTotal.WithLabelValues(cacheType).Inc()
	} else {
		CacheMissesTotal.WithLabelValues(cacheType).Inc()
	}
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
