package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NativeBytesAllocatedTotal counts bytes mapped outside the Go heap
	NativeBytesAllocatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arrowhead_native_bytes_allocated_total",
			Help: "Total bytes allocated in native (off-heap) regions",
		},
	)

	// NativeBytesFreedTotal counts bytes returned to the OS
	NativeBytesFreedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arrowhead_native_bytes_freed_total",
			Help: "Total bytes released from native (off-heap) regions",
		},
	)

	// NativeRegionsActive tracks regions allocated and not yet released
	NativeRegionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arrowhead_native_regions_active",
			Help: "Number of live native memory regions",
		},
	)

	// VectorBuffersReleasedTotal counts vector buffers released by the build path
	VectorBuffersReleasedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arrowhead_vector_buffers_released_total",
			Help: "Vector buffers released after a create call",
		},
		[]string{"outcome"},
	)
)

var (
	// HandlesActive tracks loaded index handles per engine
	HandlesActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arrowhead_index_handles_active",
			Help: "Number of loaded native index handles",
		},
		[]string{"engine"},
	)

	// IndexOperationsTotal counts facade operations
	IndexOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arrowhead_index_operations_total",
			Help: "Total native index operations by engine, operation and status",
		},
		[]string{"engine", "operation", "status"},
	)

	// IndexOperationDurationSeconds measures facade operation latency
	IndexOperationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arrowhead_index_operation_duration_seconds",
			Help:    "Latency of native index operations",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 12),
		},
		[]string{"engine", "operation"},
	)

	// IndexVectorsBuiltTotal counts vectors passed into successful builds
	IndexVectorsBuiltTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arrowhead_index_vectors_built_total",
			Help: "Vectors indexed by successful create calls",
		},
		[]string{"engine"},
	)
)

var (
	// IndexIOBytesTotal counts bytes moved through index ports
	IndexIOBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arrowhead_index_io_bytes_total",
			Help: "Bytes written or read through index I/O ports",
		},
		[]string{"backend", "direction"},
	)

	// IndexIOErrorsTotal counts failed port operations
	IndexIOErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arrowhead_index_io_errors_total",
			Help: "Failed index I/O port operations",
		},
		[]string{"backend", "operation"},
	)
)

var (
	// WaiterOutcomesTotal counts terminal waiter states
	WaiterOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arrowhead_waiter_outcomes_total",
			Help: "Remote build waits by strategy and terminal state",
		},
		[]string{"strategy", "state"},
	)

	// WaiterDurationSeconds measures how long a wait took
	WaiterDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arrowhead_waiter_duration_seconds",
			Help:    "Duration of remote build waits",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"strategy"},
	)

	// StatusChecksTotal counts status-check calls by result
	StatusChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arrowhead_status_checks_total",
			Help: "Remote build status checks by result",
		},
		[]string{"result"},
	)
)

var (
	// BuildJobsTotal counts build jobs reaching a state
	BuildJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arrowhead_build_jobs_total",
			Help: "Build service jobs by final state",
		},
		[]string{"state"},
	)

	// BuildJobsActive tracks queued and running jobs
	BuildJobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arrowhead_build_jobs_active",
			Help: "Build service jobs not yet finished",
		},
	)

	// BuildMemoryReservedBytes tracks footprint reserved by unfinished jobs
	BuildMemoryReservedBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "arrowhead_build_memory_reserved_bytes",
			Help: "Estimated bytes reserved by queued and running builds",
		},
	)

	// BuildServiceRequestsTotal counts build service API calls
	BuildServiceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arrowhead_build_service_requests_total",
			Help: "Build service API calls by api and status",
		},
		[]string{"api", "status"},
	)

	// BuildServiceLatencySeconds measures build service API latency
	BuildServiceLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arrowhead_build_service_latency_seconds",
			Help:    "Latency of build service API calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"api"},
	)
)

var (
	// RateLimitRequestsTotal counts admission decisions per limiter
	RateLimitRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arrowhead_rate_limit_requests_total",
			Help: "Requests seen by a rate limiter by outcome",
		},
		[]string{"limiter", "outcome"},
	)
)

var (
	// HealthCheckDurationSeconds measures component health checks
	HealthCheckDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arrowhead_health_check_duration_seconds",
			Help:    "Duration of component health checks",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"component"},
	)

	// HealthCheckStatus is 1 for healthy, 0.5 for degraded and 0 for unhealthy
	HealthCheckStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arrowhead_health_check_status",
			Help: "Component health (1=healthy, 0.5=degraded, 0=unhealthy)",
		},
		[]string{"component"},
	)
)
