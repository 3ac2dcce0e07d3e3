package checkpoint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// checkpointOps tracks checkpoint operations by backend and operation
	checkpointOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_checkpoint_operations_total",
			Help: "Total number of checkpoint store operations",
		},
		[]string{"backend", "operation"}, // "sqlite|redis|file", "load|save|reset|list"
	)

	// checkpointErrors tracks failed checkpoint operations
	checkpointErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_checkpoint_errors_total",
			Help: "Total number of failed checkpoint store operations",
		},
		[]string{"operation"},
	)

	// checkpointSaveDuration tracks how long an atomic save takes
	checkpointSaveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_checkpoint_save_duration_seconds",
			Help:    "Duration of checkpoint saves",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"backend"},
	)
)
