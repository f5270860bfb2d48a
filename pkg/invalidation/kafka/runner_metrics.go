package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricSet is per runner; a nil registerer leaves it unregistered, which is
// what tests use.
type metricSet struct {
	messages *prometheus.CounterVec
	actions  *prometheus.CounterVec
	duration prometheus.Histogram
	lag      prometheus.Gauge
}

func newMetricSet(r prometheus.Registerer) *metricSet {
	f := promauto.With(r)
	return &metricSet{
		// result: ok, invalid, skipped, error
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "osm_invalidation_messages_total",
			Help: "Invalidation events consumed from Kafka by result.",
		}, []string{"result"}),
		// action: delete (one per cache key), skip_version
		actions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "osm_invalidation_actions_total",
			Help: "Cache actions taken for consumed invalidation events.",
		}, []string{"action"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "osm_invalidation_apply_seconds",
			Help:    "Time to decode and apply one invalidation event.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		lag: f.NewGauge(prometheus.GaugeOpts{
			Name: "osm_invalidation_lag_seconds",
			Help: "Age of the last consumed event at the time it was handled.",
		}),
	}
}
