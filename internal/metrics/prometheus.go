package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics contains all Prometheus metrics for the NFT indexer
type PrometheusMetrics struct {
	// Ingestion metrics
	EventsDecodedTotal   *prometheus.CounterVec
	EventsSkippedTotal   prometheus.Counter
	BlocksProcessedTotal prometheus.Counter
	BatchDuration        prometheus.Histogram

	// Connection and error metrics
	ConnectionErrorsTotal *prometheus.CounterVec
	RPCRequestsTotal      *prometheus.CounterVec

	// Chain metrics
	LatestProcessedBlock prometheus.Gauge
	BlocksBehind         prometheus.Gauge
	ReorgsDetectedTotal  prometheus.Counter
	ReorgsHandledTotal   prometheus.Counter
	ReorgDepth           prometheus.Histogram

	// Metadata resolver metrics
	MetadataResolutionsTotal *prometheus.CounterVec
	MetadataFetchDuration    prometheus.Histogram

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Application health metrics
	ApplicationUptime prometheus.Gauge
	ComponentHealth   *prometheus.GaugeVec
	MemoryUsage       prometheus.Gauge
	GoroutineCount    prometheus.Gauge
}

// NewPrometheusMetrics creates and registers all Prometheus metrics
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		EventsDecodedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nftindexer_events_decoded_total",
				Help: "Total number of chain logs decoded into domain events",
			},
			[]string{"kind"},
		),

		EventsSkippedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "nftindexer_events_skipped_total",
				Help: "Total number of logs skipped as unknown event signatures",
			},
		),

		BlocksProcessedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "nftindexer_blocks_processed_total",
				Help: "Total number of confirmed blocks processed",
			},
		),

		BatchDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nftindexer_batch_duration_seconds",
				Help:    "Time spent ingesting and projecting one batch",
				Buckets: prometheus.DefBuckets,
			},
		),

		ConnectionErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nftindexer_connection_errors_total",
				Help: "Total number of connection errors to chain nodes",
			},
			[]string{"endpoint", "error_type"},
		),

		RPCRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nftindexer_rpc_requests_total",
				Help: "Total number of RPC requests made to chain nodes",
			},
			[]string{"method", "status"},
		),

		LatestProcessedBlock: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "nftindexer_latest_processed_block",
				Help: "Highest block number fully projected",
			},
		),

		BlocksBehind: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "nftindexer_blocks_behind",
				Help: "Distance between the confirmed head and the watermark",
			},
		),

		ReorgsDetectedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "nftindexer_reorgs_detected_total",
				Help: "Total number of chain reorganizations detected",
			},
		),

		ReorgsHandledTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "nftindexer_reorgs_handled_total",
				Help: "Total number of chain reorganizations rolled back and rebuilt",
			},
		),

		ReorgDepth: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nftindexer_reorg_depth_blocks",
				Help:    "Depth of handled chain reorganizations in blocks",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 55},
			},
		),

		MetadataResolutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nftindexer_metadata_resolutions_total",
				Help: "Total number of token metadata resolution attempts",
			},
			[]string{"status"},
		),

		MetadataFetchDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nftindexer_metadata_fetch_duration_seconds",
				Help:    "Time spent fetching and persisting token metadata",
				Buckets: prometheus.DefBuckets,
			},
		),

		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nftindexer_http_requests_total",
				Help: "Total number of HTTP API requests",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nftindexer_http_request_duration_seconds",
				Help:    "Duration of HTTP API requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ApplicationUptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "nftindexer_uptime_seconds",
				Help: "Application uptime in seconds",
			},
		),

		ComponentHealth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nftindexer_component_health",
				Help: "Health status per component (1 healthy, 0 unhealthy)",
			},
			[]string{"component"},
		),

		MemoryUsage: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "nftindexer_memory_usage_bytes",
				Help: "Current memory usage in bytes",
			},
		),

		GoroutineCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "nftindexer_goroutines",
				Help: "Current number of goroutines",
			},
		),
	}
}

// RecordEventDecoded records one decoded domain event
func (m *PrometheusMetrics) RecordEventDecoded(kind string) {
	m.EventsDecodedTotal.WithLabelValues(kind).Inc()
}

// RecordEventSkipped records a log with an unknown signature
func (m *PrometheusMetrics) RecordEventSkipped() {
	m.EventsSkippedTotal.Inc()
}

// RecordBlocksProcessed records fully projected blocks
func (m *PrometheusMetrics) RecordBlocksProcessed(count int) {
	m.BlocksProcessedTotal.Add(float64(count))
}

// RecordBatchDuration records one ingestion cycle
func (m *PrometheusMetrics) RecordBatchDuration(duration time.Duration) {
	m.BatchDuration.Observe(duration.Seconds())
}

// RecordConnectionError records a node connection error
func (m *PrometheusMetrics) RecordConnectionError(endpoint, errorType string) {
	m.ConnectionErrorsTotal.WithLabelValues(endpoint, errorType).Inc()
}

// RecordRPCRequest records an RPC request outcome
func (m *PrometheusMetrics) RecordRPCRequest(method, status string) {
	m.RPCRequestsTotal.WithLabelValues(method, status).Inc()
}

// UpdateLatestProcessedBlock updates the watermark gauge
func (m *PrometheusMetrics) UpdateLatestProcessedBlock(blockNumber uint64) {
	m.LatestProcessedBlock.Set(float64(blockNumber))
}

// UpdateBlocksBehind updates the lag gauge
func (m *PrometheusMetrics) UpdateBlocksBehind(behind uint64) {
	m.BlocksBehind.Set(float64(behind))
}

// RecordReorgDetected records a detected reorganization
func (m *PrometheusMetrics) RecordReorgDetected() {
	m.ReorgsDetectedTotal.Inc()
}

// RecordReorgHandled records a rolled-back reorganization and its depth
func (m *PrometheusMetrics) RecordReorgHandled(depth int) {
	m.ReorgsHandledTotal.Inc()
	m.ReorgDepth.Observe(float64(depth))
}

// RecordMetadataResolution records one resolution attempt
func (m *PrometheusMetrics) RecordMetadataResolution(status string, duration time.Duration) {
	m.MetadataResolutionsTotal.WithLabelValues(status).Inc()
	m.MetadataFetchDuration.Observe(duration.Seconds())
}

// RecordHTTPRequest records an API request
func (m *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateApplicationUptime updates the uptime gauge
func (m *PrometheusMetrics) UpdateApplicationUptime(startTime time.Time) {
	m.ApplicationUptime.Set(time.Since(startTime).Seconds())
}

// UpdateComponentHealth updates the health gauge for a component
func (m *PrometheusMetrics) UpdateComponentHealth(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.ComponentHealth.WithLabelValues(component).Set(value)
}

// UpdateMemoryUsage updates the memory usage metric
func (m *PrometheusMetrics) UpdateMemoryUsage(bytes uint64) {
	m.MemoryUsage.Set(float64(bytes))
}

// UpdateGoroutineCount updates the goroutine count metric
func (m *PrometheusMetrics) UpdateGoroutineCount(count int) {
	m.GoroutineCount.Set(float64(count))
}
