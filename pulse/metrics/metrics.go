// Package metrics exposes prometheus collectors for the job engine.
//
// All recording methods are safe on a nil *Metrics, so components can run
// without a registry in tests and one-shot CLI commands.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "spacerjobs"

// Metrics holds the engine's collectors.
type Metrics struct {
	jobsFinished       *prometheus.CounterVec
	dispatched         *prometheus.CounterVec
	dispatchRejected   *prometheus.CounterVec
	sweepDuration      prometheus.Histogram
	collectorResults   *prometheus.CounterVec
	stuckReported      prometheus.Counter
	unexpectedFailures *prometheus.CounterVec
	workersActive      *prometheus.GaugeVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		jobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs moved to a terminal status",
		}, []string{"job_name", "status"}),
		dispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Jobs handed to a worker queue",
		}, []string{"queue"}),
		dispatchRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_rejected_total",
			Help:      "Dispatches refused because the worker queue was full",
		}, []string{"queue"}),
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_sweep_seconds",
			Help:      "Duration of scheduled-job sweeps",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60, 300, 600},
		}),
		collectorResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collector_results_total",
			Help:      "Remote job statuses seen by the collector",
		}, []string{"status"}),
		stuckReported: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stuck_jobs_reported_total",
			Help:      "In-progress jobs reported as stuck",
		}),
		unexpectedFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unexpected_failures_total",
			Help:      "Job failures that alerted operators",
		}, []string{"job_name"}),
		workersActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active",
			Help:      "Workers currently executing a job",
		}, []string{"queue"}),
	}
}

func (m *Metrics) JobFinished(name string, success bool) {
	if m == nil {
		return
	}
	status := "failure"
	if success {
		status = "success"
	}
	m.jobsFinished.WithLabelValues(name, status).Inc()
}

func (m *Metrics) Dispatched(queue string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(queue).Inc()
}

func (m *Metrics) DispatchRejected(queue string) {
	if m == nil {
		return
	}
	m.dispatchRejected.WithLabelValues(queue).Inc()
}

func (m *Metrics) SweepDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

func (m *Metrics) CollectorResult(status string) {
	if m == nil {
		return
	}
	m.collectorResults.WithLabelValues(status).Inc()
}

func (m *Metrics) StuckReported(n int) {
	if m == nil {
		return
	}
	m.stuckReported.Add(float64(n))
}

func (m *Metrics) UnexpectedFailure(name string) {
	if m == nil {
		return
	}
	m.unexpectedFailures.WithLabelValues(name).Inc()
}

func (m *Metrics) WorkerBusy(queue string, delta float64) {
	if m == nil {
		return
	}
	m.workersActive.WithLabelValues(queue).Add(delta)
}
