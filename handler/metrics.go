package handler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mpenc-go/mpenc/greet"
)

// Metrics tracks queue depth and state-transition counts, an ambient
// observability concern the protocol itself has no opinion on. Every
// method is nil-safe so a Handler created without a Registerer behaves
// exactly as one with metrics disabled.
type Metrics struct {
	queueDepth      *prometheus.GaugeVec
	stateTransition *prometheus.CounterVec
}

// NewMetrics registers the handler's gauges/counters with reg. Passing a
// nil Registerer returns nil, and every method on a nil *Metrics is a
// no-op.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mpenc",
			Subsystem: "handler",
			Name:      "queue_depth",
			Help:      "Number of frames/events currently queued, by queue name.",
		}, []string{"queue"}),
		stateTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mpenc",
			Subsystem: "handler",
			Name:      "state_transitions_total",
			Help:      "Number of greet state transitions observed, by resulting state.",
		}, []string{"state"}),
	}
	reg.MustRegister(m.queueDepth, m.stateTransition)
	return m
}

func (m *Metrics) setQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func (m *Metrics) observeState(s greet.State) {
	if m == nil {
		return
	}
	m.stateTransition.WithLabelValues(s.String()).Inc()
}
