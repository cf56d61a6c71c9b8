package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks queue occupancy by state (waiting, active, delayed).
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "modelprobe_queue_depth",
		Help: "Current number of probe jobs by queue state",
	}, []string{"state"})

	// ProbesInFlight tracks probes currently between acquire and release.
	ProbesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modelprobe_probes_in_flight",
		Help: "Probes currently holding admission slots",
	})

	// ProbeResults counts finished probes by endpoint kind and status.
	ProbeResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelprobe_probe_results_total",
		Help: "Finished probes by endpoint kind and status",
	}, []string{"kind", "status"})

	// ProbeDuration tracks upstream probe latency by endpoint kind.
	ProbeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "modelprobe_probe_duration_seconds",
		Help:    "Upstream probe duration from connect to body read",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
	}, []string{"kind"})

	// AdmissionWait tracks how long jobs wait for both admission slots.
	AdmissionWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "modelprobe_admission_wait_seconds",
		Help:    "Time spent waiting for global and per-channel slots",
		Buckets: prometheus.DefBuckets,
	})

	// ProgressEventsPublished counts events handed to the progress bus.
	ProgressEventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelprobe_progress_events_published_total",
		Help: "Progress events published to the bus",
	})

	// ProgressEventsDropped counts events dropped at slow subscribers.
	ProgressEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelprobe_progress_events_dropped_total",
		Help: "Progress events dropped because a subscriber buffer was full",
	})

	// DetectionTriggers counts detection batches by trigger mode.
	DetectionTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelprobe_detection_triggers_total",
		Help: "Detection batches enqueued, by trigger mode",
	}, []string{"mode"})

	// CronRuns counts scheduled task firings by task name and outcome.
	CronRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelprobe_cron_runs_total",
		Help: "Cron task firings by task and outcome",
	}, []string{"task", "outcome"})

	// CheckLogsPurged counts log rows removed by the retention sweep.
	CheckLogsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelprobe_check_logs_purged_total",
		Help: "Check log rows deleted by retention cleanup",
	})
)
