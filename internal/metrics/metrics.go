// Package metrics provides Prometheus metrics for the feature builder.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the feature builder.
type Metrics struct {
	Registry *prometheus.Registry

	// Partition metrics
	PartitionsProcessed *prometheus.CounterVec
	PartitionsSkipped   *prometheus.CounterVec
	PartitionsFailed    *prometheus.CounterVec

	// Row metrics
	RowsProcessed  *prometheus.CounterVec
	LastRaceDate   *prometheus.GaugeVec
	FeatureColumns *prometheus.GaugeVec
	NullRatio      *prometheus.GaugeVec

	// Timing metrics
	PartitionBuildDuration  *prometheus.HistogramVec
	PartitionCommitDuration *prometheus.HistogramVec
	InputLoadDuration       *prometheus.HistogramVec

	// Size metrics
	PartitionRows  *prometheus.HistogramVec
	PartitionBytes *prometheus.HistogramVec

	// Pipeline metrics
	SequencerPending prometheus.Gauge
	InFlightWorkers  prometheus.Gauge

	// Error metrics
	SourceErrors   *prometheus.CounterVec
	StorageErrors  *prometheus.CounterVec
	MetadataErrors *prometheus.CounterVec
	AuditErrors    *prometheus.CounterVec
	RetryAttempts  *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

var partitionLabels = []string{"namespace", "era_id", "version"}

// Init registers the metrics on a fresh registry and makes them the
// global instance. Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "feature_builder"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		Registry: reg,
		PartitionsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partitions_processed_total",
			Help:      "Total number of feature partitions committed",
		}, partitionLabels),
		PartitionsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partitions_skipped_total",
			Help:      "Total number of partitions skipped (already exist)",
		}, partitionLabels),
		PartitionsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partitions_failed_total",
			Help:      "Total number of partitions that failed building or validation",
		}, partitionLabels),
		RowsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_processed_total",
			Help:      "Total number of (race, horse) feature rows committed",
		}, partitionLabels),
		LastRaceDate: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_race_date_seconds",
			Help:      "Unix time of the last committed partition end date",
		}, partitionLabels),
		FeatureColumns: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feature_columns",
			Help:      "Number of columns in the last committed feature table",
		}, partitionLabels),
		NullRatio: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feature_null_ratio",
			Help:      "Share of null cells in the last committed feature table",
		}, partitionLabels),
		PartitionBuildDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "partition_build_duration_seconds",
			Help:      "Time to compute a feature partition",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, partitionLabels),
		PartitionCommitDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "partition_commit_duration_seconds",
			Help:      "Time to validate, publish and record a partition",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, partitionLabels),
		InputLoadDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "input_load_duration_seconds",
			Help:      "Time to read and parse an input table",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"table"}),
		PartitionRows: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "partition_rows",
			Help:      "Rows per feature partition",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 14),
		}, partitionLabels),
		PartitionBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "partition_bytes",
			Help:      "Parquet bytes per feature partition",
			Buckets:   prometheus.ExponentialBuckets(1024, 2, 16),
		}, partitionLabels),
		SequencerPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sequencer_pending",
			Help:      "Built partitions waiting for in-order commit",
		}),
		InFlightWorkers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_in_flight",
			Help:      "Workers currently building a partition",
		}),
		SourceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_errors_total",
			Help:      "Errors reading input tables",
		}, []string{"table"}),
		StorageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Errors writing to storage",
		}, []string{"backend", "operation"}),
		MetadataErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metadata_errors_total",
			Help:      "Errors recording catalog metadata",
		}, []string{"operation"}),
		AuditErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_errors_total",
			Help:      "Errors emitting audit events",
		}, []string{"operation"}),
		RetryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Retried operations",
		}, []string{"operation"}),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// StartServer serves /metrics and /health until ctx is cancelled.
func StartServer(ctx context.Context, address string, m *Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Namespace string
	EraID     string
	Version   string
	Backend   string
	Operation string
	Table     string
}

func (l Labels) partition() []string { return []string{l.Namespace, l.EraID, l.Version} }

// IncPartitionsProcessed increments the partitions processed counter.
func (m *Metrics) IncPartitionsProcessed(l Labels) {
	m.PartitionsProcessed.WithLabelValues(l.partition()...).Inc()
}

// IncPartitionsSkipped increments the partitions skipped counter.
func (m *Metrics) IncPartitionsSkipped(l Labels) {
	m.PartitionsSkipped.WithLabelValues(l.partition()...).Inc()
}

// IncPartitionsFailed increments the partitions failed counter.
func (m *Metrics) IncPartitionsFailed(l Labels) {
	m.PartitionsFailed.WithLabelValues(l.partition()...).Inc()
}

// AddRowsProcessed adds committed feature rows.
func (m *Metrics) AddRowsProcessed(l Labels, count float64) {
	m.RowsProcessed.WithLabelValues(l.partition()...).Add(count)
}

// SetLastRaceDate records the end date of the last committed partition.
func (m *Metrics) SetLastRaceDate(l Labels, t time.Time) {
	m.LastRaceDate.WithLabelValues(l.partition()...).Set(float64(t.Unix()))
}

// SetFeatureShape records the column count and null ratio of a table.
func (m *Metrics) SetFeatureShape(l Labels, columns int, nullRatio float64) {
	m.FeatureColumns.WithLabelValues(l.partition()...).Set(float64(columns))
	m.NullRatio.WithLabelValues(l.partition()...).Set(nullRatio)
}

// ObservePartitionBuildDuration records partition build time.
func (m *Metrics) ObservePartitionBuildDuration(l Labels, seconds float64) {
	m.PartitionBuildDuration.WithLabelValues(l.partition()...).Observe(seconds)
}

// ObservePartitionCommitDuration records partition commit time.
func (m *Metrics) ObservePartitionCommitDuration(l Labels, seconds float64) {
	m.PartitionCommitDuration.WithLabelValues(l.partition()...).Observe(seconds)
}

// ObserveInputLoadDuration records how long an input table took to load.
func (m *Metrics) ObserveInputLoadDuration(l Labels, seconds float64) {
	m.InputLoadDuration.WithLabelValues(l.Table).Observe(seconds)
}

// ObservePartitionRows records partition row count.
func (m *Metrics) ObservePartitionRows(l Labels, rows float64) {
	m.PartitionRows.WithLabelValues(l.partition()...).Observe(rows)
}

// ObservePartitionBytes records partition parquet size.
func (m *Metrics) ObservePartitionBytes(l Labels, bytes float64) {
	m.PartitionBytes.WithLabelValues(l.partition()...).Observe(bytes)
}

// SetSequencerPending sets the number of buffered out-of-order results.
func (m *Metrics) SetSequencerPending(pending float64) {
	m.SequencerPending.Set(pending)
}

// AddInFlightWorkers moves the in-flight worker gauge by delta.
func (m *Metrics) AddInFlightWorkers(delta float64) {
	m.InFlightWorkers.Add(delta)
}

// IncSourceErrors increments the source errors counter.
func (m *Metrics) IncSourceErrors(l Labels) {
	m.SourceErrors.WithLabelValues(l.Table).Inc()
}

// IncStorageErrors increments the storage errors counter.
func (m *Metrics) IncStorageErrors(l Labels) {
	m.StorageErrors.WithLabelValues(l.Backend, l.Operation).Inc()
}

// IncMetadataErrors increments the metadata errors counter.
func (m *Metrics) IncMetadataErrors(l Labels) {
	m.MetadataErrors.WithLabelValues(l.Operation).Inc()
}

// IncAuditErrors increments the audit errors counter.
func (m *Metrics) IncAuditErrors(l Labels) {
	m.AuditErrors.WithLabelValues(l.Operation).Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(l Labels) {
	m.RetryAttempts.WithLabelValues(l.Operation).Inc()
}
