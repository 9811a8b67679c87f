package history

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects engine counters. A nil *Metrics records nothing.
type Metrics struct {
	batches     prometheus.Counter
	comparisons *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewMetrics registers the engine collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		batches: factory.NewCounter(prometheus.CounterOpts{
			Name: "share_history_batches_total",
			Help: "Revision batches fetched from the storage provider",
		}),
		comparisons: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "share_history_comparisons_total",
			Help: "Pairwise content comparisons by outcome",
		}, []string{"outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "share_history_request_duration_seconds",
			Help:    "Duration of changed-revision listings by stop reason",
			Buckets: prometheus.DefBuckets,
		}, []string{"stop"}),
	}
}

func (m *Metrics) observeBatch() {
	if m == nil {
		return
	}
	m.batches.Inc()
}

func (m *Metrics) observeComparison(o outcome) {
	if m == nil {
		return
	}
	m.comparisons.WithLabelValues(string(o)).Inc()
}

func (m *Metrics) observeRequest(stop StopReason, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(string(stop)).Observe(d.Seconds())
}
