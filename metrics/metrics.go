package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricNamespace = "migrate_mongo"

// Initial sync.
var (
	//nolint:gochecknoglobals
	copyDocumentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "copy_documents_total",
		Help:      "Total number of documents copied during the initial sync.",
		Namespace: metricNamespace,
	}, []string{"ns"})

	//nolint:gochecknoglobals
	copySizeBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "copy_size_bytes_total",
		Help:      "Total size of the copied documents in bytes.",
		Namespace: metricNamespace,
	})

	//nolint:gochecknoglobals
	copyBatchDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:      "copy_batch_duration_seconds",
		Help:      "Duration of initial sync batch inserts in seconds.",
		Namespace: metricNamespace,
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	//nolint:gochecknoglobals
	collectionsClonedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "collections_cloned_total",
		Help:      "Total number of collections fully copied.",
		Namespace: metricNamespace,
	})
)

// Log replication.
var (
	//nolint:gochecknoglobals
	oplogEntriesReadTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "oplog_entries_read_total",
		Help:      "Total number of log entries read from the source.",
		Namespace: metricNamespace,
	})

	//nolint:gochecknoglobals
	oplogEntriesAppliedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "oplog_entries_applied_total",
		Help:      "Total number of log entries applied to the target.",
		Namespace: metricNamespace,
	})

	//nolint:gochecknoglobals
	oplogEntriesSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "oplog_entries_skipped_total",
		Help:      "Total number of log entries skipped by the namespace filter.",
		Namespace: metricNamespace,
	})

	//nolint:gochecknoglobals
	oplogEntriesFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "oplog_entries_failed_total",
		Help:      "Total number of log entries that failed to apply.",
		Namespace: metricNamespace,
	})

	//nolint:gochecknoglobals
	duplicateKeysIgnoredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "duplicate_keys_ignored_total",
		Help:      "Total number of writes ignored due to duplicate key errors.",
		Namespace: metricNamespace,
	})

	//nolint:gochecknoglobals
	checkpointsSavedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "checkpoints_saved_total",
		Help:      "Total number of checkpoints persisted to the oplog store.",
		Namespace: metricNamespace,
	}, []string{"tracker"})

	//nolint:gochecknoglobals
	flushBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:      "flush_batch_size",
		Help:      "Number of log entries per reader flush.",
		Namespace: metricNamespace,
		Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000, 2500, 5000},
	})

	//nolint:gochecknoglobals
	flushDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:      "flush_duration_seconds",
		Help:      "Duration of applying one reader flush in seconds.",
		Namespace: metricNamespace,
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})
)

// Gauges.
var (
	//nolint:gochecknoglobals
	lagTimeSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:      "lag_time_seconds",
		Help:      "Lag in logical seconds between the source oplog and the persisted checkpoint.",
		Namespace: metricNamespace,
	})

	//nolint:gochecknoglobals
	lagOperations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:      "lag_operations",
		Help:      "Lag in operations within the same second.",
		Namespace: metricNamespace,
	})
)

// Init initializes and registers the metrics.
func Init(reg prometheus.Registerer) {
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
		Namespace: metricNamespace,
	}))

	reg.MustRegister(
		copyDocumentsTotal,
		copySizeBytesTotal,
		copyBatchDurationSeconds,
		collectionsClonedTotal,

		oplogEntriesReadTotal,
		oplogEntriesAppliedTotal,
		oplogEntriesSkippedTotal,
		oplogEntriesFailedTotal,
		duplicateKeysIgnoredTotal,
		checkpointsSavedTotal,
		flushBatchSize,
		flushDurationSeconds,

		lagTimeSeconds,
		lagOperations,
	)
}

// AddCopyDocuments increments the copied documents counter for a namespace.
func AddCopyDocuments(ns string, v int) {
	copyDocumentsTotal.WithLabelValues(ns).Add(float64(v))
}

// AddCopySize increments the copied bytes counter.
func AddCopySize(v uint64) {
	copySizeBytesTotal.Add(float64(v))
}

// ObserveCopyBatchDuration records the duration of one initial sync insert.
func ObserveCopyBatchDuration(d time.Duration) {
	copyBatchDurationSeconds.Observe(d.Seconds())
}

func IncCollectionsCloned() {
	collectionsClonedTotal.Inc()
}

func IncOplogEntriesRead() {
	oplogEntriesReadTotal.Inc()
}

func AddOplogEntriesApplied(v int) {
	oplogEntriesAppliedTotal.Add(float64(v))
}

func AddOplogEntriesSkipped(v int) {
	oplogEntriesSkippedTotal.Add(float64(v))
}

func AddOplogEntriesFailed(v int) {
	oplogEntriesFailedTotal.Add(float64(v))
}

func IncDuplicateKeysIgnored() {
	duplicateKeysIgnoredTotal.Inc()
}

// IncCheckpointsSaved increments the saved checkpoints counter of a tracker collection.
func IncCheckpointsSaved(tracker string) {
	checkpointsSavedTotal.WithLabelValues(tracker).Inc()
}

// ObserveFlush records the size and apply duration of one reader flush.
func ObserveFlush(size int, d time.Duration) {
	flushBatchSize.Observe(float64(size))
	flushDurationSeconds.Observe(d.Seconds())
}

// SetLag sets the replication lag gauges.
func SetLag(seconds, operations int64) {
	lagTimeSeconds.Set(float64(seconds))
	lagOperations.Set(float64(operations))
}
