package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for envelope intake.
type Metrics struct {
	Accepted prometheus.Counter
	Skipped  *prometheus.CounterVec
	Decoded  *prometheus.CounterVec
}

// NewMetrics registers intake metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Accepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "myco_ingest_accepted_total",
			Help: "Envelopes verified, deduplicated and queued for the sink",
		}),
		Skipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "myco_ingest_skipped_total",
			Help: "Envelopes not admitted, by reason",
		}, []string{"reason"}),
		Decoded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "myco_ingest_decoded_total",
			Help: "Envelopes decoded, by wire format",
		}, []string{"format"}),
	}
}

// ObserveOutcome counts one processed message.
func (m *Metrics) ObserveOutcome(reason string) {
	if reason == "ok" {
		m.Accepted.Inc()
		return
	}
	m.Skipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncDecoded(format string) {
	m.Decoded.WithLabelValues(format).Inc()
}
