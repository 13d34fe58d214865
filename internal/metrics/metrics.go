package metrics

import (
	"time"

	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalIterations atomic.Int64

var (
	DeviceMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proxcox_device_memory_allocated_bytes",
		Help: "Current bytes allocated on the device",
	})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proxcox_kernel_duration_seconds",
		Help:    "Histogram of kernel and BLAS execution times",
		Buckets: []float64{1e-6, 1e-5, 1e-4, 1e-3, 1e-2, 1e-1, 1},
	}, []string{"kernel"})

	StreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxcox_stream_errors_total",
		Help: "Kernel failures surfaced by stream synchronization",
	}, []string{"kernel"})

	AllocationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxcox_allocation_failures_total",
		Help: "Device allocations rejected for lack of memory",
	})

	// ===== Solver Metrics =====

	IterationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxcox_iterations_total",
		Help: "Outer proximal-gradient iterations executed",
	})

	Objective = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proxcox_objective",
		Help: "Penalty-free negative log partial likelihood at the last accepted iterate",
	})

	StepSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proxcox_step_size",
		Help: "Step size accepted by the last line search",
	})

	MaxDiff = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proxcox_max_diff",
		Help: "Largest absolute coefficient change of the last iteration",
	})

	LineSearchRetries = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "proxcox_line_search_retries",
		Help:    "Backtracking steps needed before a trial step was accepted",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
	})

	LineSearchAccepts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxcox_line_search_accepts_total",
		Help: "Accepted trial steps by stopping criterion",
	}, []string{"criterion"})

	LineSearchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxcox_line_search_failures_total",
		Help: "Fits aborted because the line search was exhausted",
	})

	FitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "proxcox_fit_duration_seconds",
		Help:    "Wall time of complete fits",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	FitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxcox_fits_total",
		Help: "Completed fits by outcome",
	}, []string{"outcome"})

	NonZeroCoefficients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proxcox_nonzero_coefficients",
		Help: "Number of non-zero coefficients in the last fitted model",
	})
)

func RecordDeviceMemory(bytes int64) {
	DeviceMemoryAllocated.Set(float64(bytes))
}

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func RecordStreamError(kernel string) {
	StreamErrors.WithLabelValues(kernel).Inc()
}

func RecordAllocationFailure() {
	AllocationFailures.Inc()
}

// RecordIteration records the state after an accepted outer iteration.
func RecordIteration(objective, step, maxDiff float64, retries int) {
	IterationsTotal.Inc()
	totalIterations.Add(1)
	Objective.Set(objective)
	StepSize.Set(step)
	MaxDiff.Set(maxDiff)
	LineSearchRetries.Observe(float64(retries))
}

func RecordLineSearchAccept(criterion string) {
	LineSearchAccepts.WithLabelValues(criterion).Inc()
}

func RecordLineSearchFailure() {
	LineSearchFailures.Inc()
}

// RecordFit records a finished fit. outcome is one of "converged",
// "max_iter", "canceled" or "failed".
func RecordFit(outcome string, duration time.Duration, nonZero int) {
	FitsTotal.WithLabelValues(outcome).Inc()
	FitDuration.Observe(duration.Seconds())
	if outcome != "failed" {
		NonZeroCoefficients.Set(float64(nonZero))
	}
}

// TotalIterations returns the iterations recorded by this process.
func TotalIterations() int64 {
	return totalIterations.Load()
}
