package psp

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records provider call latency and outcomes.
type Metrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the collectors against registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "thriftbank_psp_calls_total",
		Help: "Provider calls by operation and outcome.",
	}, []string{"operation", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "thriftbank_psp_call_duration_seconds",
		Help:    "Provider call latency by operation.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"operation"})
	registerer.MustRegister(calls, duration)
	return &Metrics{calls: calls, duration: duration}
}

func (m *Metrics) observe(op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(op, outcome(err)).Inc()
	m.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNetworkTimeout):
		return "timeout"
	case errors.Is(err, errUnauthorized), errors.Is(err, ErrAuthFailure):
		return "unauthorized"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	}
	if re, ok := AsRemote(err); ok {
		return "code_" + re.Code
	}
	return "error"
}
