package metrics

import "github.com/prometheus/client_golang/prometheus"

// MirrorMetrics holds Prometheus metrics for cross-instance frame mirroring.
type MirrorMetrics struct {
	FramesForwarded *prometheus.CounterVec
	FramesReceived  prometheus.Counter
	BreakerState    prometheus.Gauge
}

// NewMirrorMetrics creates and registers mirror metrics on the given registry.
func NewMirrorMetrics(reg prometheus.Registerer) *MirrorMetrics {
	m := &MirrorMetrics{
		FramesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "frames_forwarded_total",
			Help:      "Total number of frames forwarded to other instances, by result.",
		}, []string{"result"}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "frames_received_total",
			Help:      "Total number of frames received from other instances.",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
	}

	reg.MustRegister(m.FramesForwarded, m.FramesReceived, m.BreakerState)
	return m
}
