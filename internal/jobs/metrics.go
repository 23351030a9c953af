package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs       *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	imbalances prometheus.Counter
	resolved   prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddImbalances counts posting groups found unbalanced by the integrity scan.
func (m *Metrics) AddImbalances(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.imbalances.Add(float64(count))
}

// AddResolved counts dispatched transfers finished by the status poll.
func (m *Metrics) AddResolved(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.resolved.Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "thriftbank_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "thriftbank_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "thriftbank_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	imbalances := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "thriftbank_ledger_imbalances_total",
		Help: "Posting groups whose legs do not sum to zero or lack a debit or credit leg.",
	})
	resolved := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "thriftbank_transfer_poll_resolved_total",
		Help: "Dispatched transfers finished by the provider status poll.",
	})
	registerer.MustRegister(runs, failures, duration, imbalances, resolved)
	return &Metrics{runs: runs, failures: failures, duration: duration, imbalances: imbalances, resolved: resolved}
}
