package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	events       prometheus.Counter
	types        prometheus.Gauge
	replays      *prometheus.CounterVec
	loadDuration prometheus.Histogram
	saveDuration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer, id string) *metrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"session": id}
	return &metrics{
		events: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "qmltrace",
			Name:        "events_appended_total",
			Help:        "Number of reconciled events appended to the event store.",
			ConstLabels: labels,
		}),
		types: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "qmltrace",
			Name:        "event_types",
			Help:        "Number of registered event types.",
			ConstLabels: labels,
		}),
		replays: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "qmltrace",
			Name:        "replays_total",
			Help:        "Number of replays of the event store into the models, by outcome.",
			ConstLabels: labels,
		}, []string{"result"}),
		loadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "qmltrace",
			Name:        "load_duration_seconds",
			Help:        "Time spent loading trace files.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		saveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "qmltrace",
			Name:        "save_duration_seconds",
			Help:        "Time spent saving trace files.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
}
