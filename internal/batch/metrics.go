package batch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for batch flushing.
type Metrics struct {
	Flushes  *prometheus.CounterVec
	Size     prometheus.Histogram
	Duration prometheus.Histogram
	Lost     prometheus.Counter
}

// NewMetrics registers batch metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Flushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "myco_batch_flushes_total",
			Help: "Non-empty batch flushes by trigger (size, timer, flush)",
		}, []string{"reason"}),
		Size: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "myco_batch_size_records",
			Help:    "Records per flushed batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 200, 500, 1000},
		}),
		Duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "myco_batch_flush_duration_seconds",
			Help:    "Time spent handing a batch to the sink",
			Buckets: prometheus.DefBuckets,
		}),
		Lost: factory.NewCounter(prometheus.CounterOpts{
			Name: "myco_batch_lost_records_total",
			Help: "Records dropped because the sink rejected their batch",
		}),
	}
}

// ObserveFlush records one non-empty flush.
func (m *Metrics) ObserveFlush(reason string, records int, d time.Duration, err error) {
	m.Flushes.WithLabelValues(reason).Inc()
	m.Size.Observe(float64(records))
	m.Duration.Observe(d.Seconds())
	if err != nil {
		m.Lost.Add(float64(records))
	}
}
