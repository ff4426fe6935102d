package verify

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for envelope verification.
type Metrics struct {
	Duration *prometheus.HistogramVec
}

// NewMetrics registers verification metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Duration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "myco_verify_duration_seconds",
			Help:    "Latency of envelope hash and signature verification",
			Buckets: []float64{0.00002, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025},
		}, []string{"result"}),
	}
}

// ObserveVerify records one verification outcome.
func (m *Metrics) ObserveVerify(result string, d time.Duration) {
	m.Duration.WithLabelValues(result).Observe(d.Seconds())
}
