package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// JobsEnqueued tracks jobs accepted by Add.
	JobsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quay_jobs_enqueued_total",
		Help: "Total number of jobs enqueued",
	})
	// JobsCompleted tracks jobs that finished successfully.
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quay_jobs_completed_total",
		Help: "Total number of jobs completed",
	})
	// JobsFailed tracks jobs that exhausted their attempts.
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quay_jobs_failed_total",
		Help: "Total number of jobs failed permanently",
	})
	// JobsRetried tracks failures that were rescheduled with backoff.
	JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quay_jobs_retried_total",
		Help: "Total number of job retries scheduled",
	})
	// JobsRecovered tracks stale active jobs returned to waiting.
	JobsRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quay_jobs_recovered_total",
		Help: "Total number of stale active jobs recovered",
	})
	// ActiveJobs reports jobs currently being processed in this process.
	ActiveJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quay_jobs_active",
		Help: "Current number of active jobs",
	})
	// JobDuration observes processor run time.
	JobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "quay_job_duration_seconds",
		Help:    "Processor execution time",
		Buckets: prometheus.DefBuckets,
	})
	// LocksAcquired tracks successful lock acquisitions.
	LocksAcquired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quay_locks_acquired_total",
		Help: "Total number of locks acquired",
	})
	// LocksContended tracks acquisition attempts that found the lock held.
	LocksContended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quay_locks_contended_total",
		Help: "Total number of contended lock attempts",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers quay core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		JobsEnqueued, JobsCompleted, JobsFailed, JobsRetried, JobsRecovered,
		ActiveJobs, JobDuration, LocksAcquired, LocksContended,
	)
}
