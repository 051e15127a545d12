// Package metrics registers the Prometheus instruments for the tuning
// service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the service.
type Metrics struct {
	// Job lifecycle
	JobsStarted   prometheus.Counter
	JobsFinished  *prometheus.CounterVec // labeled by terminal state
	JobDuration   prometheus.Histogram
	StageDuration *prometheus.HistogramVec // labeled by pipeline stage

	// Pipeline
	RecordsIngested prometheus.Counter
	LinesSkipped    prometheus.Counter
	TrainingSamples prometheus.Gauge

	// Artifacts
	ArtifactsPublished prometheus.Counter
	ArtifactsRetired   prometheus.Counter
	StoreFallbacks     *prometheus.CounterVec // labeled by operation

	// HTTP surface
	RequestDuration *prometheus.HistogramVec // labeled by route and status code
	RateLimited     prometheus.Counter
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		JobsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tuning_jobs_started_total",
			Help: "Training jobs accepted and queued",
		}),
		JobsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tuning_jobs_finished_total",
			Help: "Training jobs reaching a terminal state",
		}, []string{"state"}),
		JobDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tuning_job_duration_seconds",
			Help:    "Wall-clock duration of completed training jobs",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10s .. ~11h
		}),
		StageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tuning_stage_duration_seconds",
			Help:    "Duration of individual pipeline stages",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"stage"}),

		RecordsIngested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tuning_records_ingested_total",
			Help: "Routing-log records successfully parsed",
		}),
		LinesSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tuning_lines_skipped_total",
			Help: "Malformed routing-log lines skipped during ingest",
		}),
		TrainingSamples: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tuning_training_samples",
			Help: "Sample count of the most recent training run",
		}),

		ArtifactsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tuning_artifacts_published_total",
			Help: "Policy artifacts published to the store",
		}),
		ArtifactsRetired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tuning_artifacts_retired_total",
			Help: "Policy artifacts removed by retention",
		}),
		StoreFallbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tuning_store_fallbacks_total",
			Help: "Remote store failures answered by the local fallback",
		}, []string{"op"}),

		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tuning_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "code"}),
		RateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tuning_http_rate_limited_total",
			Help: "HTTP requests rejected by the rate limiter",
		}),
	}
}
