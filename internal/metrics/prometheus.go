package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/philippevezina/table-loader/internal/common"
)

// PrometheusMetrics registers the loader metrics on a private registry,
// which is what the HTTP endpoint and the Pushgateway push both gather.
type PrometheusMetrics struct {
	registry         *prometheus.Registry
	rowsImported     *prometheus.CounterVec
	duplicates       *prometheus.CounterVec
	rowErrors        *prometheus.CounterVec
	chunksCommitted  *prometheus.CounterVec
	chunksFailed     *prometheus.CounterVec
	chunksSkipped    *prometheus.CounterVec
	chunkDuration    *prometheus.HistogramVec
	progress         *prometheus.GaugeVec
	destinationRows  *prometheus.GaugeVec
	jobDuration      *prometheus.GaugeVec
	jobStatus        *prometheus.GaugeVec
	connectionStatus *prometheus.GaugeVec
	lastSuccess      prometheus.Gauge
}

func NewPrometheusMetrics() *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		registry: reg,
		rowsImported: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "table_loader_rows_imported_total",
			Help: "Total number of rows committed to the destination",
		}, []string{"job", "method"}),
		duplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "table_loader_duplicate_rows_total",
			Help: "Total number of rows skipped as duplicates",
		}, []string{"job"}),
		rowErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "table_loader_row_errors_total",
			Help: "Total number of rows with at least one field that failed coercion",
		}, []string{"job"}),
		chunksCommitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "table_loader_chunks_committed_total",
			Help: "Total number of chunks committed",
		}, []string{"job"}),
		chunksFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "table_loader_chunks_failed_total",
			Help: "Total number of chunks dead-lettered",
		}, []string{"job"}),
		chunksSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "table_loader_chunks_skipped_total",
			Help: "Total number of chunks left out of the plan because they were already loaded",
		}, []string{"job"}),
		chunkDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "table_loader_chunk_write_duration_seconds",
			Help:    "Duration of chunk writes in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"job", "method"}),
		progress: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "table_loader_progress_percent",
			Help: "Percent of the planned rows loaded in this run",
		}, []string{"job"}),
		destinationRows: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "table_loader_destination_rows",
			Help: "Row count of the destination table at the end of the job",
		}, []string{"job"}),
		jobDuration: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "table_loader_job_duration_seconds",
			Help: "Wall time of the last run of each job",
		}, []string{"job"}),
		jobStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "table_loader_job_status",
			Help: "Outcome of the last run of each job (1 = success, 0.5 = partial, 0 = failed)",
		}, []string{"job"}),
		connectionStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "table_loader_connection_status",
			Help: "Connection status (1 = connected, 0 = disconnected)",
		}, []string{"database_type"}),
		lastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "table_loader_last_success_timestamp",
			Help: "Unix time of the last job that finished without failed chunks",
		}),
	}
}

func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PrometheusMetrics) ObserveChunk(job string, method common.LoadMethod, rows, duplicates int64, duration time.Duration) {
	m.rowsImported.WithLabelValues(job, string(method)).Add(float64(rows))
	m.duplicates.WithLabelValues(job).Add(float64(duplicates))
	m.chunksCommitted.WithLabelValues(job).Inc()
	m.chunkDuration.WithLabelValues(job, string(method)).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) IncChunksFailed(job string) {
	m.chunksFailed.WithLabelValues(job).Inc()
}

func (m *PrometheusMetrics) IncChunksSkipped(job string, n int) {
	m.chunksSkipped.WithLabelValues(job).Add(float64(n))
}

func (m *PrometheusMetrics) AddRowErrors(job string, n int) {
	m.rowErrors.WithLabelValues(job).Add(float64(n))
}

func (m *PrometheusMetrics) SetProgress(job string, percent float64) {
	m.progress.WithLabelValues(job).Set(percent)
}

func (m *PrometheusMetrics) SetDestinationRows(job string, rows int64) {
	m.destinationRows.WithLabelValues(job).Set(float64(rows))
}

func (m *PrometheusMetrics) ObserveJob(job string, status JobStatus, duration time.Duration) {
	m.jobDuration.WithLabelValues(job).Set(duration.Seconds())
	m.jobStatus.WithLabelValues(job).Set(status.value())
	if status == JobSucceeded {
		m.lastSuccess.SetToCurrentTime()
	}
}

func (m *PrometheusMetrics) SetConnectionStatus(dbType string, connected bool) {
	status := 0.0
	if connected {
		status = 1.0
	}
	m.connectionStatus.WithLabelValues(dbType).Set(status)
}
