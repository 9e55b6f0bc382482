package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Event source metrics
	EventsObserved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "antegen_events_observed_total",
			Help: "Total number of events produced by the event source, by kind",
		},
		[]string{"kind"},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "antegen_events_dropped_total",
			Help: "Total number of events dropped on a full bridge channel",
		},
	)

	// Observer metrics
	ThreadsCached = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "antegen_threads_cached",
			Help: "Number of threads currently held in the observer cache",
		},
	)

	ThreadsReady = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "antegen_threads_ready_total",
			Help: "Total number of ThreadReady signals emitted",
		},
	)

	DuplicatesSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "antegen_duplicates_suppressed_total",
			Help: "Total number of duplicate readiness signals absorbed by the dedup window",
		},
	)

	BlockHeight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "antegen_block_height",
			Help: "Monotonic counter of confirmed or rooted slot transitions",
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "antegen_queue_depth",
			Help: "Number of tasks per queue partition",
		},
		[]string{"partition"},
	)

	TasksScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "antegen_tasks_scheduled_total",
			Help: "Total number of tasks scheduled",
		},
	)

	TasksCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "antegen_tasks_completed_total",
			Help: "Total number of tasks completed",
		},
	)

	TasksRescheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "antegen_tasks_rescheduled_total",
			Help: "Total number of task retries scheduled",
		},
	)

	TasksDeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "antegen_tasks_dead_lettered_total",
			Help: "Total number of tasks routed to the dead-letter partition, by reason",
		},
		[]string{"reason"},
	)

	OrphansRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "antegen_orphans_recovered_total",
			Help: "Total number of stale processing entries recovered after a crash",
		},
	)

	// Executor metrics
	ExecutionLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "antegen_execution_latency_seconds",
			Help:    "Time from task claim to submission outcome in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Submitter metrics
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "antegen_submissions_total",
			Help: "Total number of transaction submissions by path and outcome",
		},
		[]string{"path", "outcome"},
	)

	SubmissionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "antegen_submission_duration_seconds",
			Help:    "Transaction submission duration in seconds by path",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)

	CircuitBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "antegen_circuit_breaker_state",
			Help: "Direct-path circuit breaker state (0 = closed, 1 = half-open, 2 = open)",
		},
	)

	ReplaysPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "antegen_replays_published_total",
			Help: "Total number of durable transactions published for replay",
		},
	)

	ReplaysResubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "antegen_replays_resubmitted_total",
			Help: "Total number of durable transactions resubmitted by the replay consumer",
		},
	)

	ReplaysDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "antegen_replays_dropped_total",
			Help: "Total number of replay messages dropped because the original confirmed",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(EventsObserved)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(ThreadsCached)
	prometheus.MustRegister(ThreadsReady)
	prometheus.MustRegister(DuplicatesSuppressed)
	prometheus.MustRegister(BlockHeight)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(TasksScheduled)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(TasksRescheduled)
	prometheus.MustRegister(TasksDeadLettered)
	prometheus.MustRegister(OrphansRecovered)
	prometheus.MustRegister(ExecutionLatency)
	prometheus.MustRegister(SubmissionsTotal)
	prometheus.MustRegister(SubmissionDuration)
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(ReplaysPublished)
	prometheus.MustRegister(ReplaysResubmitted)
	prometheus.MustRegister(ReplaysDropped)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
