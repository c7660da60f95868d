package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "concord"

var (
	RaftRole = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "raft",
		Name:      "role",
		Help:      "Current role of this node (0=follower, 1=candidate, 2=leader)",
	})

	RaftTerm = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "raft",
		Name:      "term",
		Help:      "Current term",
	})

	RaftCommitIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "raft",
		Name:      "commit_index",
		Help:      "Highest index known to be replicated on a majority",
	})

	RaftAppliedIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "raft",
		Name:      "applied_index",
		Help:      "Highest index applied to storage",
	})

	RaftFirstIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "raft",
		Name:      "first_index",
		Help:      "First index retained in the log after compaction",
	})

	RaftElectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "raft",
		Name:      "elections_total",
		Help:      "Elections started by this node",
	})

	RaftStepDownsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "raft",
		Name:      "step_downs_total",
		Help:      "Transitions to follower by reason",
	}, []string{"reason"})

	RaftMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "raft",
		Name:      "messages_total",
		Help:      "Raft messages sent/received",
	}, []string{"direction", "type"})

	RaftMessageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "raft",
		Name:      "message_errors_total",
		Help:      "Raft messages that failed to send",
	}, []string{"type"})

	RaftProposalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "raft",
		Name:      "proposals_total",
		Help:      "Proposals submitted to this node by outcome",
	}, []string{"status"})

	RaftSnapshotsInstalled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "raft",
		Name:      "snapshots_installed_total",
		Help:      "Snapshots received from a leader and installed",
	})

	RaftCompactionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "raft",
		Name:      "compactions_total",
		Help:      "Log compactions performed",
	})

	ReadIndexTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "raft",
		Name:      "read_index_total",
		Help:      "Read index requests by outcome",
	}, []string{"status"})

	WALWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "wal",
		Name:      "writes_total",
		Help:      "Records written to the write-ahead log",
	}, []string{"record"})

	WALWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "wal",
		Name:      "write_duration_seconds",
		Help:      "Duration of write-ahead log writes",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 20),
	})

	MergerBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "merger",
		Name:      "batch_size",
		Help:      "Commands applied per storage transaction",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	MergerBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "merger",
		Name:      "batch_duration_seconds",
		Help:      "Time from opening a batch transaction to commit or rollback",
		Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 18),
	})

	MergerBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "merger",
		Name:      "batches_total",
		Help:      "Batches by outcome and close reason",
	}, []string{"outcome", "reason"})

	MergerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "merger",
		Name:      "queue_depth",
		Help:      "Commands waiting to join a batch",
	})

	MergerLowResources = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "merger",
		Name:      "low_resources",
		Help:      "Whether the reduced batch size is in effect (1=yes)",
	})

	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "commands",
		Name:      "total",
		Help:      "Commands applied by kind and status",
	}, []string{"kind", "status"})

	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "commands",
		Name:      "submit_duration_seconds",
		Help:      "End-to-end Submit latency on the leader",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
	}, []string{"kind"})

	StorageCommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "commits_total",
		Help:      "Storage transaction commits by status",
	}, []string{"status"})

	StorageKeysTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "keys_total",
		Help:      "Keys held by the storage engine",
	})

	GRPCRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grpc",
		Name:      "requests_total",
		Help:      "gRPC requests by service, method and code",
	}, []string{"service", "method", "code"})

	GRPCRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "grpc",
		Name:      "request_duration_seconds",
		Help:      "gRPC request duration",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
	}, []string{"service", "method"})
)

func BoolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
