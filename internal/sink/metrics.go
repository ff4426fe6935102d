package sink

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for sink delivery.
type Metrics struct {
	Batches  *prometheus.CounterVec
	Records  *prometheus.CounterVec
	Retries  prometheus.Counter
	Duration prometheus.Histogram
}

// NewMetrics registers sink metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Batches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "myco_sink_batches_total",
			Help: "Batches handed to the sink by result (ok, spilled, failed)",
		}, []string{"result"}),
		Records: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "myco_sink_records_total",
			Help: "Records handed to the sink by result (ok, spilled, failed)",
		}, []string{"result"}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "myco_sink_retries_total",
			Help: "Failed delivery attempts that were retried",
		}),
		Duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "myco_sink_send_duration_seconds",
			Help:    "Time from first delivery attempt to delivery, spill or failure",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// ObserveSend records the outcome of one batch.
func (m *Metrics) ObserveSend(result string, records int, d time.Duration) {
	m.Batches.WithLabelValues(result).Inc()
	m.Records.WithLabelValues(result).Add(float64(records))
	m.Duration.Observe(d.Seconds())
}

func (m *Metrics) IncRetry() {
	m.Retries.Inc()
}
