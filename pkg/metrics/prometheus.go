// Package metrics provides Prometheus metrics for the settlement engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every Prometheus collector the service exposes.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      prometheus.Labels
	registry         prometheus.Registerer

	// Settlement outcomes
	settlementsTotal      *prometheus.CounterVec
	settlementLatency     prometheus.Histogram
	settlementsDuplicate  prometheus.Counter
	clusteringFailures    prometheus.Counter
	invariantViolations   prometheus.Counter
	outlierEvaluators     prometheus.Counter
	unembeddable          prometheus.Counter
	noiseRatio            prometheus.Histogram
	consensusConfidence   prometheus.Histogram
	clustersPerSettlement prometheus.Histogram
	slashedAmount         prometheus.Counter

	// Embedding provider
	embeddingRequests *prometheus.CounterVec
	embeddingLatency  prometheus.Histogram

	// Queue and workers
	queueSize        prometheus.Gauge
	queueCapacity    prometheus.Gauge
	queueUtilization prometheus.Gauge
	queueRejected    *prometheus.CounterVec
	workerCount      prometheus.Gauge
	workerBusy       prometheus.Gauge
	storedResults    prometheus.Gauge

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Errors
	errorsByComponent *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // keeps default Go collectors out

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// ratioBuckets suit values in [0,1].
var ratioBuckets = []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1}

// NewManager creates a metrics manager. Without WithPrometheusRegistry the
// collectors go to a fresh private registry, so repeated construction is safe.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "megabrain",
		subsystem:        "settlement",
		histogramBuckets: prometheus.DefBuckets,
		constLabels:      prometheus.Labels{},
		registry:         prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
		Buckets: buckets,
	})
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every collector
	m.settlementsTotal = m.counterVec("settlements_total", "Settlements by terminal status", "status")
	m.settlementLatency = m.histogram("latency_milliseconds", "Time to settle one task in milliseconds", m.histogramBuckets)
	m.settlementsDuplicate = m.counter("duplicate_submissions_total", "Snapshots rejected because the task was already claimed")
	m.clusteringFailures = m.counter("clustering_failures_total", "Clustering runs that fell back to the single-cluster result")
	m.invariantViolations = m.counter("allocation_invariant_violations_total", "Allocations that broke budget conservation")
	m.outlierEvaluators = m.counter("outlier_evaluators_total", "Evaluators flagged as outliers")
	m.unembeddable = m.counter("unembeddable_submissions_total", "Submissions settled without an embedding vector")
	m.noiseRatio = m.histogram("noise_ratio", "Noise ratio per clustering run", ratioBuckets)
	m.consensusConfidence = m.histogram("consensus_confidence", "Consensus confidence per settlement", ratioBuckets)
	m.clustersPerSettlement = m.histogram("clusters", "Clusters found per settlement", []float64{0, 1, 2, 3, 4, 5, 8, 13, 21})
	m.slashedAmount = m.counter("slashed_amount_total", "Budget left unallocated across settlements")

	m.embeddingRequests = m.counterVec("embedding_requests_total", "Embedding provider calls by result", "result")
	m.embeddingLatency = m.histogram("embedding_latency_milliseconds", "Embedding provider latency in milliseconds", m.histogramBuckets)

	m.queueSize = m.gauge("queue_size", "Snapshots waiting to be settled")
	m.queueCapacity = m.gauge("queue_capacity", "Maximum queue capacity")
	m.queueUtilization = m.gauge("queue_utilization_ratio", "Queue utilization ratio (size / capacity)")
	m.queueRejected = m.counterVec("queue_rejected_total", "Snapshots the queue refused", "reason")
	m.workerCount = m.gauge("worker_count", "Configured settlement workers")
	m.workerBusy = m.gauge("worker_busy", "Workers currently settling a task")
	m.storedResults = m.gauge("stored_results", "Settlement records held by the result store")

	m.httpRequests = promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "http", Name: "requests_total",
		Help: "HTTP requests by endpoint, method and status", ConstLabels: m.constLabels,
	}, []string{"endpoint", "method", "status_code"})
	m.httpRequestDuration = promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: "http", Name: "request_duration_milliseconds",
		Help: "HTTP request duration in milliseconds", ConstLabels: m.constLabels, Buckets: m.histogramBuckets,
	}, []string{"endpoint", "method", "status_code"})

	m.errorsByComponent = m.counterVec("errors_by_component_total", "Errors by component and type", "component", "error_type")

	m.systemMemoryUsage = promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: "system", Name: "memory_usage_bytes", Help: "Heap bytes allocated",
	})
	m.systemGoroutineCount = promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: "system", Name: "goroutine_count", Help: "Number of goroutines",
	})
	m.systemGCPauseTime = promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: "system", Name: "gc_pause_time_milliseconds", Help: "Average GC pause in milliseconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
	})
}

// RecordSettlement counts a finished settlement and its latency.
func RecordSettlement(status string, latencyMs float64) {
	globalManager.settlementsTotal.WithLabelValues(status).Inc()
	globalManager.settlementLatency.Observe(latencyMs)
}

// RecordDuplicateSubmission counts a snapshot for an already claimed task.
func RecordDuplicateSubmission() { globalManager.settlementsDuplicate.Inc() }

// RecordClusteringFailure counts a recovered clustering failure.
func RecordClusteringFailure() { globalManager.clusteringFailures.Inc() }

// RecordInvariantViolation counts a failed budget conservation check.
func RecordInvariantViolation() { globalManager.invariantViolations.Inc() }

// RecordOutlierEvaluators adds n flagged evaluators.
func RecordOutlierEvaluators(n int) { globalManager.outlierEvaluators.Add(float64(n)) }

// RecordUnembeddable adds n submissions that had no vector at settlement time.
func RecordUnembeddable(n int) { globalManager.unembeddable.Add(float64(n)) }

// RecordClusteringShape observes the noise ratio and cluster count of one run.
func RecordClusteringShape(noiseRatio float64, clusters int) {
	globalManager.noiseRatio.Observe(noiseRatio)
	globalManager.clustersPerSettlement.Observe(float64(clusters))
}

// RecordConsensusConfidence observes the confidence of one settlement.
func RecordConsensusConfidence(confidence float64) { globalManager.consensusConfidence.Observe(confidence) }

// RecordSlashed adds the unallocated budget of one settlement.
func RecordSlashed(amount float64) {
	if amount > 0 {
		globalManager.slashedAmount.Add(amount)
	}
}

// RecordEmbeddingRequest counts a provider call; result is "ok" or "error".
func RecordEmbeddingRequest(result string, latencyMs float64) {
	globalManager.embeddingRequests.WithLabelValues(result).Inc()
	globalManager.embeddingLatency.Observe(latencyMs)
}

// UpdateQueueSize sets the queue depth and utilization against capacity.
func UpdateQueueSize(size, capacity int) {
	globalManager.queueSize.Set(float64(size))
	if capacity > 0 {
		globalManager.queueUtilization.Set(float64(size) / float64(capacity))
	}
}

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) { globalManager.queueCapacity.Set(float64(capacity)) }

// RecordQueueRejected counts a refused enqueue.
func RecordQueueRejected(reason string) { globalManager.queueRejected.WithLabelValues(reason).Inc() }

// UpdateWorkerCount sets the configured worker count.
func UpdateWorkerCount(count int) { globalManager.workerCount.Set(float64(count)) }

// WorkerBusy moves the busy-worker gauge by delta.
func WorkerBusy(delta int) { globalManager.workerBusy.Add(float64(delta)) }

// UpdateStoredResults sets the number of stored settlement records.
func UpdateStoredResults(count int) { globalManager.storedResults.Set(float64(count)) }

// RecordHTTPRequest records an HTTP request and its duration.
func RecordHTTPRequest(endpoint, method, statusCode string, durationMs float64) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(durationMs)
}

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// UpdateSystemMemoryUsage sets the heap usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) { globalManager.systemMemoryUsage.Set(float64(bytes)) }

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) { globalManager.systemGoroutineCount.Set(float64(count)) }

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) { globalManager.systemGCPauseTime.Observe(pauseMs) }

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
