package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts relay activity for the /metrics endpoint.
type Metrics struct {
	Pushes          prometheus.Counter
	Broadcasts      prometheus.Counter
	PersistFailures prometheus.Counter
	Rejections      prometheus.Counter
}

// NewMetrics registers the relay counters on the provided registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veilsync_relay_pushes_total",
			Help: "Completed push-update messages accepted by the relay.",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veilsync_relay_broadcasts_total",
			Help: "sync-update frames broadcast to room peers.",
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veilsync_relay_persist_failures_total",
			Help: "Fire-and-forget persistence writes that failed.",
		}),
		Rejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veilsync_relay_rejections_total",
			Help: "Messages rejected for validation or membership reasons.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Pushes, m.Broadcasts, m.PersistFailures, m.Rejections)
	}
	return m
}
