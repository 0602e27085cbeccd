package report

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/expfmt"
)

// Metrics are counters derived from finished job results.
// Every sample can be explained by looking at a single Result.
type Metrics struct {
	registry *prometheus.Registry

	jobsStarted *prometheus.CounterVec
	jobs        *prometheus.CounterVec
	cpuSeconds  *prometheus.HistogramVec
	peakMemory  *prometheus.GaugeVec
	breaches    *prometheus.CounterVec

	violations *ViolationLog
}

// NewMetrics creates a private registry labeled with the worker kind
func NewMetrics(workerKind string) *Metrics {
	labels := prometheus.Labels{"worker": workerKind}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "pvf_worker_jobs_started_total",
			Help:        "Jobs accepted for dispatch",
			ConstLabels: labels,
		}, []string{"kind"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "pvf_worker_jobs_total",
			Help:        "Finished jobs by kind and outcome",
			ConstLabels: labels,
		}, []string{"kind", "outcome"}),
		cpuSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "pvf_worker_job_cpu_seconds",
			Help:        "CPU time consumed per job",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"kind"}),
		peakMemory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "pvf_worker_job_peak_memory_bytes",
			Help:        "Peak resident memory of the last job",
			ConstLabels: labels,
		}, []string{"kind"}),
		breaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "pvf_worker_budget_breaches_total",
			Help:        "Jobs terminated by the resource governor",
			ConstLabels: labels,
		}, []string{"resource"}),
		violations: NewViolationLog(50),
	}

	m.registry.MustRegister(
		m.jobsStarted,
		m.jobs,
		m.cpuSeconds,
		m.peakMemory,
		m.breaches,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry for HTTP serving
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Violations returns the log of recent failed jobs
func (m *Metrics) Violations() *ViolationLog {
	return m.violations
}

// IncrStarted counts a job entering dispatch
func (m *Metrics) IncrStarted(kind string) {
	m.jobsStarted.WithLabelValues(kind).Inc()
}

// RecordResult updates every series from a single result
func (m *Metrics) RecordResult(r *Result) {
	kind := r.Kind.String()
	m.jobs.WithLabelValues(kind, r.Outcome.String()).Inc()
	m.cpuSeconds.WithLabelValues(kind).Observe(r.Metrics.CPUTime.Seconds())
	m.peakMemory.WithLabelValues(kind).Set(float64(r.Metrics.PeakMemory))
	m.violations.Record(r)
}

// RecordBreach counts a governor termination
func (m *Metrics) RecordBreach(resource string) {
	m.breaches.WithLabelValues(resource).Inc()
}

// WriteTextfile dumps all metrics in the Prometheus text format, for
// collection by a node exporter textfile collector after the worker exits.
func (m *Metrics) WriteTextfile(path string) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".metrics-*")
	if err != nil {
		return fmt.Errorf("failed to create metrics file: %w", err)
	}
	defer os.Remove(tmp.Name())

	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(tmp, mf); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to encode %s: %w", mf.GetName(), err)
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
