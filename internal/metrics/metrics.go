// Package metrics exposes timeline counters in the Prometheus format.
//
// Every Metrics value owns its own registry, so tests and multiple servers
// in one process never collide on registration.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "timeline"

// Metrics holds the timeline collectors.
type Metrics struct {
	registry *prometheus.Registry

	EventsInserted *prometheus.CounterVec
	InsertErrors   *prometheus.CounterVec
	InsertDuration prometheus.Histogram

	ChildUp       *prometheus.GaugeVec
	ChildRSSBytes *prometheus.GaugeVec
	ProbeFailures *prometheus.CounterVec

	Published    prometheus.Counter
	PublishFails prometheus.Counter
}

// New creates and registers the collectors, plus the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	started := time.Now()

	m := &Metrics{
		registry: reg,
		EventsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_inserted_total",
			Help:      "Events stored, by event type.",
		}, []string{"event_type"}),
		InsertErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insert_errors_total",
			Help:      "Failed inserts, by event type.",
		}, []string{"event_type"}),
		InsertDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "insert_duration_seconds",
			Help:      "Time spent inserting one event.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		ChildUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "child_up",
			Help:      "1 while a supervised process is running.",
		}, []string{"name"}),
		ChildRSSBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "child_rss_bytes",
			Help:      "Resident memory of a supervised process.",
		}, []string{"name"}),
		ProbeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probe_failures_total",
			Help:      "Health probes that failed after all retries.",
		}, []string{"name"}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events fanned out to the stream.",
		}),
		PublishFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Events that could not be fanned out.",
		}),
	}

	reg.MustRegister(
		m.EventsInserted,
		m.InsertErrors,
		m.InsertDuration,
		m.ChildUp,
		m.ChildRSSBytes,
		m.ProbeFailures,
		m.Published,
		m.PublishFails,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the metrics were created.",
		}, func() float64 { return time.Since(started).Seconds() }),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveChild records the state of a supervised process. A nil rss leaves
// the memory gauge untouched.
func (m *Metrics) ObserveChild(name string, up bool, rss *uint64) {
	v := 0.0
	if up {
		v = 1
	}
	m.ChildUp.WithLabelValues(name).Set(v)
	if rss != nil {
		m.ChildRSSBytes.WithLabelValues(name).Set(float64(*rss))
	}
}

// ProbeFailed counts a failed health probe for name.
func (m *Metrics) ProbeFailed(name string) {
	m.ProbeFailures.WithLabelValues(name).Inc()
}
