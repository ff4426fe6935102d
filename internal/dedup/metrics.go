package dedup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for duplicate suppression.
type Metrics struct {
	Lookups     *prometheus.CounterVec
	Fallbacks   prometheus.Counter
	CircuitOpen prometheus.Gauge
}

// NewMetrics registers dedup metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Lookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "myco_dedup_lookups_total",
			Help: "Dedup check-and-mark calls by outcome (hit or miss)",
		}, []string{"outcome"}),
		Fallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "myco_dedup_fallback_total",
			Help: "Dedup lookups answered by the local cache because the shared cache was unavailable",
		}),
		CircuitOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "myco_dedup_circuit_open",
			Help: "1 while the shared dedup cache circuit is open",
		}),
	}
}

func (m *Metrics) IncLookup(seen bool) {
	outcome := "miss"
	if seen {
		outcome = "hit"
	}
	m.Lookups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncFallback() {
	m.Fallbacks.Inc()
}

func (m *Metrics) SetCircuitOpen(open bool) {
	if open {
		m.CircuitOpen.Set(1)
		return
	}
	m.CircuitOpen.Set(0)
}
