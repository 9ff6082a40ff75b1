package metrics

import "github.com/prometheus/client_golang/prometheus"

// HubMetrics holds Prometheus metrics for the subscriber broadcast hub.
type HubMetrics struct {
	Subscribers        prometheus.Gauge
	FramesPublished    prometheus.Counter
	SubscribersEvicted *prometheus.CounterVec
	AttachRejected     prometheus.Counter
}

// NewHubMetrics creates and registers hub metrics on the given registry.
func NewHubMetrics(reg prometheus.Registerer) *HubMetrics {
	m := &HubMetrics{
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Number of attached subscribers.",
		}),
		FramesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "frames_published_total",
			Help:      "Total number of frames fanned out to subscribers.",
		}),
		SubscribersEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "subscribers_evicted_total",
			Help:      "Total number of subscribers detached by the hub, by reason.",
		}, []string{"reason"}),
		AttachRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "attach_rejected_total",
			Help:      "Total number of subscribers rejected at the subscriber cap.",
		}),
	}

	reg.MustRegister(m.Subscribers, m.FramesPublished, m.SubscribersEvicted, m.AttachRejected)
	return m
}
