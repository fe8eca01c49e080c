// Package metrics exposes Prometheus gauges and histograms for the storage
// engine and cluster. There is no HTTP handler here deliberately — exporting
// /metrics belongs to the API surface, which is out of scope for the core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Buffer pool metrics
	BufferPoolHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nqdb_buffer_pool_hits_total",
		Help: "Buffer pool fetches satisfied from a cached frame",
	})

	BufferPoolMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nqdb_buffer_pool_misses_total",
		Help: "Buffer pool fetches that required a pager read",
	})

	BufferPoolDirtyFrames = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nqdb_buffer_pool_dirty_frames",
		Help: "Number of dirty frames currently resident in the buffer pool",
	})

	BufferPoolEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nqdb_buffer_pool_evictions_total",
		Help: "Frames evicted from the buffer pool",
	})

	// WAL metrics
	WALFsyncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nqdb_wal_fsync_duration_seconds",
		Help:    "Time spent fsyncing WAL segments",
		Buckets: prometheus.DefBuckets,
	})

	WALBytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nqdb_wal_bytes_written_total",
		Help: "Total bytes appended to WAL segments",
	})

	CheckpointAge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nqdb_checkpoint_age_seconds",
		Help: "Seconds since the last checkpoint completed",
	})

	CheckpointsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nqdb_checkpoints_total",
		Help: "Total number of checkpoints written",
	})

	// Storage engine metrics
	TransactionsCommitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nqdb_transactions_committed_total",
		Help: "Total committed transactions",
	})

	TransactionsAborted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nqdb_transactions_aborted_total",
		Help: "Total aborted transactions",
	})

	RowCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nqdb_row_cache_hits_total",
		Help: "Row cache lookups satisfied without touching the buffer pool",
	})

	RowCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nqdb_row_cache_misses_total",
		Help: "Row cache lookups that missed",
	})

	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nqdb_query_duration_seconds",
			Help:    "Time taken to execute a storage engine operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Raft metrics
	RaftTerm = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nqdb_raft_term",
		Help: "Current Raft term observed by this node",
	})

	RaftIsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nqdb_raft_is_leader",
		Help: "Whether this node believes it is the Raft leader (1) or not (0)",
	})

	RaftCommitIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nqdb_raft_commit_index",
		Help: "Highest Raft log index known to be committed",
	})

	RaftLastApplied = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nqdb_raft_last_applied",
		Help: "Highest Raft log index applied to the FSM",
	})

	RaftElectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nqdb_raft_elections_total",
		Help: "Total number of elections this node has started",
	})

	// Shard / cluster metrics
	ShardReadRepairs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nqdb_shard_read_repairs_total",
		Help: "Total number of read-repair writes issued after a quorum mismatch",
	})

	ClusterHealthyNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nqdb_cluster_healthy_nodes",
		Help: "Number of nodes the cluster manager considers healthy",
	})
)

func init() {
	prometheus.MustRegister(
		BufferPoolHits,
		BufferPoolMisses,
		BufferPoolDirtyFrames,
		BufferPoolEvictions,
		WALFsyncDuration,
		WALBytesWritten,
		CheckpointAge,
		CheckpointsTotal,
		TransactionsCommitted,
		TransactionsAborted,
		RowCacheHits,
		RowCacheMisses,
		QueryDuration,
		RaftTerm,
		RaftIsLeader,
		RaftCommitIndex,
		RaftLastApplied,
		RaftElectionsTotal,
		ShardReadRepairs,
		ClusterHealthyNodes,
	)
}

// Timer is a helper for timing operations and recording them to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
