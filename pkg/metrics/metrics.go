package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Run metrics
	RunsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mycelium_runs_started_total",
			Help: "Total number of runs started",
		},
	)

	RunsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mycelium_runs_completed_total",
			Help: "Total number of runs finished by terminal status",
		},
		[]string{"status"},
	)

	// Batch metrics
	BatchesStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mycelium_batches_started_total",
			Help: "Total number of batches started",
		},
	)

	BatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mycelium_batch_duration_seconds",
			Help:    "Wall-clock duration of a batch from start to close",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
	)

	MergeConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mycelium_merge_conflicts_total",
			Help: "Total task branches rescheduled due to merge conflicts",
		},
	)

	// Task metrics
	TasksStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mycelium_tasks_started_total",
			Help: "Total number of task attempts dispatched",
		},
	)

	TasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mycelium_tasks_completed_total",
			Help: "Total number of tasks reaching a terminal status",
		},
		[]string{"status"},
	)

	TaskResets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mycelium_task_resets_total",
			Help: "Total number of tasks reset to pending",
		},
	)

	AttemptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mycelium_attempt_duration_seconds",
			Help:    "Worker attempt duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mycelium_scheduling_latency_seconds",
			Help:    "Time taken to form a batch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Budget metrics
	BudgetBreaches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mycelium_budget_breaches_total",
			Help: "Total budget breaches by scope and mode",
		},
		[]string{"scope", "mode"},
	)
)

func init() {
	prometheus.MustRegister(
		RunsStarted,
		RunsCompleted,
		BatchesStarted,
		BatchDuration,
		MergeConflicts,
		TasksStarted,
		TasksCompleted,
		TaskResets,
		AttemptDuration,
		SchedulingLatency,
		BudgetBreaches,
	)
}

// Timer measures a duration for a histogram
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
