package telemetry

// Histogram bucket definitions for the gatekeeper's wait profiles
var (
	// WaitBuckets for lease-queue waits: instant grants up to long queue drains
	WaitBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900}

	// RunBuckets for workload wall time: cron jobs range from seconds to hours
	RunBuckets = []float64{1, 5, 15, 60, 300, 900, 3600, 14400}
)

// Gatekeeping Metrics
var (
	// LeaseWaitSeconds measures time queued per resource before the lease was granted
	LeaseWaitSeconds HistogramVec = noopHistogramVec{}

	// LockAcquireTotal counts exclusive-lock attempts by outcome (acquired, busy)
	LockAcquireTotal CounterVec = noopCounterVec{}

	// RevocationsTotal counts mid-run authorization revocations by reason
	RevocationsTotal CounterVec = noopCounterVec{}
)

// Workload Metrics
var (
	// WorkloadDurationSeconds measures workload wall time
	WorkloadDurationSeconds Histogram = NoopStat{}

	// WorkloadExitStatus records the workload's final exit status (shell convention)
	WorkloadExitStatus Gauge = NoopStat{}

	// WorkloadMaxRSSBytes records the peak resident set size sampled while the workload ran
	WorkloadMaxRSSBytes Gauge = NoopStat{}

	// WorkloadCPUSeconds records the user plus system CPU time the workload consumed
	WorkloadCPUSeconds Gauge = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Gatekeeping Metrics
	LeaseWaitSeconds = NewHistogramVec(
		"lease_wait_seconds",
		"Time spent queued for a resource lease in seconds",
		[]string{"resource"},
		WaitBuckets,
	)
	LockAcquireTotal = NewCounterVec(
		"lock_acquire_total",
		"Exclusive lock attempts by outcome",
		[]string{"outcome"},
	)
	RevocationsTotal = NewCounterVec(
		"revocations_total",
		"Mid-run authorization revocations by reason",
		[]string{"reason"},
	)

	// Workload Metrics
	WorkloadDurationSeconds = NewHistogramWithBuckets(
		"workload_duration_seconds",
		"Workload wall time in seconds",
		RunBuckets,
	)
	WorkloadExitStatus = NewGauge(
		"workload_exit_status",
		"Final workload exit status (shell convention)",
	)
	WorkloadMaxRSSBytes = NewGauge(
		"workload_max_rss_bytes",
		"Peak resident set size observed while the workload ran",
	)
	WorkloadCPUSeconds = NewGauge(
		"workload_cpu_seconds",
		"User plus system CPU time consumed by the workload",
	)
}
