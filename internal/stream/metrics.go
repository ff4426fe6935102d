package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the upstream consumer.
type Metrics struct {
	Consumed    *prometheus.CounterVec
	FetchErrors prometheus.Counter
	Assigned    prometheus.Gauge
}

// NewMetrics registers consumer metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Consumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "myco_stream_records_total",
			Help: "Upstream records handed to partition handlers",
		}, []string{"topic"}),
		FetchErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "myco_stream_fetch_errors_total",
			Help: "Transport faults reported by the consumer",
		}),
		Assigned: factory.NewGauge(prometheus.GaugeOpts{
			Name: "myco_stream_assigned_partitions",
			Help: "Partitions currently owned by this process",
		}),
	}
}

func (m *Metrics) IncConsumed(topic string) {
	m.Consumed.WithLabelValues(topic).Inc()
}

func (m *Metrics) IncFetchError() {
	m.FetchErrors.Inc()
}
