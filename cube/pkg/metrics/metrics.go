package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cube_worker_build_info",
			Help: "Build information of the cube worker",
		},
		[]string{"version", "commit", "date"},
	)

	ImportRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cube_import_rows_total",
			Help: "Total number of source rows processed by imports",
		},
		[]string{"dataset", "status"},
	)

	ImportRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cube_import_runs_total",
			Help: "Total number of finished import runs",
		},
		[]string{"operation", "status"},
	)

	ImportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cube_import_duration_seconds",
			Help:    "Duration of import runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s to ~27 minutes
		},
		[]string{"operation"},
	)

	AggregateDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cube_aggregate_duration_seconds",
			Help:    "Duration of aggregate queries against the database",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"status"},
	)

	CacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cube_cache_requests_total",
			Help: "Total number of aggregation and index cache lookups",
		},
		[]string{"kind", "result"},
	)

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cube_jobs_total",
			Help: "Total number of executed background jobs",
		},
		[]string{"job", "status"},
	)
)
