package runtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts scan lifecycle events.
type Metrics struct {
	Transitions *prometheus.CounterVec
	Teardowns   prometheus.Counter
}

// NewMetrics registers the runtime collectors on reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oxo",
			Subsystem: "runtime",
			Name:      "scan_transitions_total",
			Help:      "Scan state transitions by target state.",
		}, []string{"state"}),
		Teardowns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oxo",
			Subsystem: "runtime",
			Name:      "teardowns_total",
			Help:      "Scan teardowns performed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Transitions, m.Teardowns)
	}
	return m
}
