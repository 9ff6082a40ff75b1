package metrics

import "github.com/prometheus/client_golang/prometheus"

// SessionMetrics holds Prometheus metrics for the upstream session lifecycle.
type SessionMetrics struct {
	State           *prometheus.GaugeVec
	ConnectAttempts *prometheus.CounterVec
	UpstreamEvents  *prometheus.CounterVec
}

// NewSessionMetrics creates and registers session metrics on the given registry.
func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	m := &SessionMetrics{
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "Current upstream session state (1 for the active state label).",
		}, []string{"state"}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "connect_attempts_total",
			Help:      "Total number of upstream connect attempts, by result.",
		}, []string{"result"}),
		UpstreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "upstream_events_total",
			Help:      "Total number of upstream events received, by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(m.State, m.ConnectAttempts, m.UpstreamEvents)
	return m
}

// SetState marks exactly one state label as current.
func (m *SessionMetrics) SetState(current string, all ...string) {
	for _, s := range all {
		if s == current {
			m.State.WithLabelValues(s).Set(1)
		} else {
			m.State.WithLabelValues(s).Set(0)
		}
	}
}
