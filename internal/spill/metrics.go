package spill

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the spill queue.
type Metrics struct {
	Spilled  prometheus.Counter
	Replayed prometheus.Counter
	Pending  prometheus.Gauge
}

// NewMetrics registers spill metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Spilled: factory.NewCounter(prometheus.CounterOpts{
			Name: "myco_spill_records_total",
			Help: "Records written to the local spill queue",
		}),
		Replayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "myco_spill_replayed_records_total",
			Help: "Spilled records delivered to the sink on replay",
		}),
		Pending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "myco_spill_pending_batches",
			Help: "Batches waiting in the spill queue",
		}),
	}
}
