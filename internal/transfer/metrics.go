package transfer

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts transfers reaching each state.
type Metrics struct {
	outcomes *prometheus.CounterVec
}

// NewMetrics registers the collectors against registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "thriftbank_transfers_total",
		Help: "Transfers by kind and resulting state.",
	}, []string{"kind", "state"})
	registerer.MustRegister(outcomes)
	return &Metrics{outcomes: outcomes}
}

func (m *Metrics) outcome(kind Kind, state State) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(kind), string(state)).Inc()
}
