package ingester

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gamelog_events_processed_total",
		Help: "Events accepted and persisted",
	})

	eventsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gamelog_events_skipped_total",
		Help: "Events rejected as duplicates, by detection tier",
	}, []string{"tier"})

	fileOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gamelog_files_total",
		Help: "Ingestion runs by outcome (completed, failed, duplicate)",
	}, []string{"outcome"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gamelog_run_duration_seconds",
		Help:    "Wall time of one file ingestion run",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	workerRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gamelog_worker_retries_total",
		Help: "Upload attempts scheduled for retry after a failure",
	})

	uploadsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gamelog_uploads_pending",
		Help: "Uploads waiting for a worker at the last poll",
	})
)
