// Package metrics holds the Prometheus collectors shared by the background loops.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Server registry
	ServerStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "depotmirror_server_status",
			Help: "Health of each resolved server (0 unknown, 1 unhealthy, 2 degraded, 3 healthy)",
		},
		[]string{"cluster", "address"},
	)
	ServerLeases = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "depotmirror_server_leases",
			Help: "Active leases bound to each server",
		},
		[]string{"cluster", "address"},
	)
	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "depotmirror_probe_duration_seconds",
			Help:    "Duration of server health probes",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cluster"},
	)
	Selections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depotmirror_server_selections_total",
			Help: "Server selections by outcome (sticky, weighted, none)",
		},
		[]string{"cluster", "outcome"},
	)

	// Commit cache
	PollChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depotmirror_poll_changes_total",
			Help: "Changes processed by the cluster poller",
		},
		[]string{"cluster"},
	)
	PollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depotmirror_poll_errors_total",
			Help: "Failed poll iterations",
		},
		[]string{"cluster"},
	)
	SkippedHistory = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depotmirror_poll_skipped_history_total",
			Help: "Poll batches that hit the batch limit",
		},
		[]string{"cluster"},
	)
	CommitQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depotmirror_commit_query_results_total",
			Help: "Commits returned by FindCommits by source (cache, backfill, direct)",
		},
		[]string{"source"},
	)

	// Replication
	ReplicatedBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depotmirror_replicated_bytes_total",
			Help: "File bytes written into the object store",
		},
		[]string{"stream"},
	)
	ReplicatedFiles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depotmirror_replicated_files_total",
			Help: "Files written into the object store",
		},
		[]string{"stream"},
	)
	ReplicationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "depotmirror_replication_duration_seconds",
			Help:    "Duration of replication attempts",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
		[]string{"stream", "result"},
	)
	ReplicationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depotmirror_replication_failures_total",
			Help: "Failed replication attempts by stage",
		},
		[]string{"stream", "stage"},
	)
)
