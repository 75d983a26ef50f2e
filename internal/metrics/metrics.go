package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "modelplane"

// PublishBuckets for the synchronous publish path, which must stay cheap
var PublishBuckets = []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05}

// Metrics holds every collector the control plane exports.
// A Metrics built with a nil registry still works; nothing is exported.
type Metrics struct {
	registry *prometheus.Registry

	EventsPublished     *prometheus.CounterVec
	PublishDuration     prometheus.Histogram
	SubscriptionsActive prometheus.Gauge
	SubscriberOverruns  prometheus.Counter

	WatchSessionsActive prometheus.Gauge
	WatchEventsSent     *prometheus.CounterVec

	LogRelayRequests *prometheus.CounterVec
	LogRelayBytes    *prometheus.CounterVec

	Workers *prometheus.GaugeVec
}

// New creates the collectors and registers them with a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := newMetrics()
	m.registry = reg
	reg.MustRegister(m.collectors()...)
	return m
}

// NewNoop creates unregistered collectors
func NewNoop() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "events_published_total",
			Help:      "Change events published, by kind",
		}, []string{"kind"}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "publish_duration_seconds",
			Help:      "Time spent fanning one event out to subscriptions",
			Buckets:   PublishBuckets,
		}),
		SubscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "subscriptions_active",
			Help:      "Currently registered subscriptions",
		}),
		SubscriberOverruns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "subscriber_overruns_total",
			Help:      "Subscriptions dropped because their buffer was full",
		}),
		WatchSessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "sessions_active",
			Help:      "Open watch sessions",
		}),
		WatchEventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "events_sent_total",
			Help:      "Events written to watch clients, by kind",
		}, []string{"kind"}),
		LogRelayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "logrelay",
			Name:      "requests_total",
			Help:      "Log relay operations by mode and outcome",
		}, []string{"mode", "outcome"}),
		LogRelayBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "logrelay",
			Name:      "bytes_total",
			Help:      "Log bytes relayed to clients, by mode",
		}, []string{"mode"}),
		Workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "register",
			Name:      "workers",
			Help:      "Registered workers by state",
		}, []string{"state"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.EventsPublished,
		m.PublishDuration,
		m.SubscriptionsActive,
		m.SubscriberOverruns,
		m.WatchSessionsActive,
		m.WatchEventsSent,
		m.LogRelayRequests,
		m.LogRelayBytes,
		m.Workers,
	}
}

// Registry returns the backing registry, nil for noop metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
