package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// TxnOpBuckets for in-memory transaction index operations
	TxnOpBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	// PublishBuckets for publish (meta save + delete bitmap construction)
	PublishBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// MetaStoreBuckets for embedded store reads and writes
	MetaStoreBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5}
)

// Load transaction metrics
var (
	// TxnOpsTotal counts txn manager operations by op (prepare, commit, publish,
	// rollback, delete) and result (success, failed, exists, rejected,
	// not_found)
	TxnOpsTotal CounterVec = noopCounterVec{}

	// TxnOpDurationSeconds measures txn manager operation latency by op
	TxnOpDurationSeconds HistogramVec = noopHistogramVec{}

	// RunningTxns tracks (txn, tablet) entries currently held in the index
	RunningTxns Gauge = NoopStat{}

	// ExpiredTxnsTotal counts txns reaped by the expiry sweep
	ExpiredTxnsTotal Counter = NoopStat{}

	// PublishDurationSeconds measures total publish latency including delete
	// bitmap construction
	PublishDurationSeconds Histogram = NoopStat{}
)

// Delete bitmap metrics
var (
	// DeleteBitmapRowsTotal counts rows marked deleted during publish
	DeleteBitmapRowsTotal Counter = NoopStat{}

	// DeleteBitmapSegmentsTotal counts segments traversed during publish
	DeleteBitmapSegmentsTotal Counter = NoopStat{}

	// PrimaryKeyIndexCache counts pk index cache lookups by result (hit, miss)
	PrimaryKeyIndexCache CounterVec = noopCounterVec{}
)

// Rowset meta store metrics
var (
	// RowsetMetaOpsTotal counts store operations by op (save, get, remove,
	// traverse) and result (success, failed, not_found)
	RowsetMetaOpsTotal CounterVec = noopCounterVec{}

	// RowsetMetaOpSeconds measures store operation latency by op
	RowsetMetaOpSeconds HistogramVec = noopHistogramVec{}

	// RowsetKeyFilterChecks counts existence filter checks by result
	// (fast_path, slow_path, slow_path_miss)
	RowsetKeyFilterChecks CounterVec = noopCounterVec{}
)

// InitMetrics binds the package-level metric variables to the live registry.
// Called from InitializeTelemetry; before that every metric is a noop.
func InitMetrics() {
	// Load transaction metrics
	TxnOpsTotal = NewCounterVec(
		"txn_ops_total",
		"Transaction manager operations by op and result",
		[]string{"op", "result"},
	)
	TxnOpDurationSeconds = NewHistogramVec(
		"txn_op_duration_seconds",
		"Transaction manager operation latency by op",
		[]string{"op"},
		TxnOpBuckets,
	)
	RunningTxns = NewGauge(
		"running_txns",
		"Transaction tablet entries currently in the index",
	)
	ExpiredTxnsTotal = NewCounter(
		"expired_txns_total",
		"Transactions reaped by the expiry sweep",
	)
	PublishDurationSeconds = NewHistogramWithBuckets(
		"publish_duration_seconds",
		"Publish latency including delete bitmap construction",
		PublishBuckets,
	)

	// Delete bitmap metrics
	DeleteBitmapRowsTotal = NewCounter(
		"delete_bitmap_rows_total",
		"Rows marked deleted during publish",
	)
	DeleteBitmapSegmentsTotal = NewCounter(
		"delete_bitmap_segments_total",
		"Segments traversed during publish",
	)
	PrimaryKeyIndexCache = NewCounterVec(
		"primary_key_index_cache",
		"Primary key index cache lookups by result",
		[]string{"result"},
	)

	// Rowset meta store metrics
	RowsetMetaOpsTotal = NewCounterVec(
		"rowset_meta_ops_total",
		"Rowset meta store operations by op and result",
		[]string{"op", "result"},
	)
	RowsetMetaOpSeconds = NewHistogramVec(
		"rowset_meta_op_seconds",
		"Rowset meta store operation latency by op",
		[]string{"op"},
		MetaStoreBuckets,
	)
	RowsetKeyFilterChecks = NewCounterVec(
		"rowset_key_filter_checks",
		"Rowset key existence filter checks by result",
		[]string{"result"},
	)
}
