package scanner

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeDispatched = "dispatched"
	outcomeAcked      = "acked"
	outcomeNacked     = "nacked"
)

// Metrics counts jobs and telemetry reports.
type Metrics struct {
	Jobs    *prometheus.CounterVec
	Reports *prometheus.CounterVec
}

// NewMetrics registers the scanner collectors on reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oxo",
			Subsystem: "scanner",
			Name:      "jobs_total",
			Help:      "Start jobs by outcome.",
		}, []string{"outcome"}),
		Reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oxo",
			Subsystem: "scanner",
			Name:      "state_reports_total",
			Help:      "Scanner state reports by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Jobs, m.Reports)
	}
	return m
}
