// Package metrics holds the Prometheus collectors of a grading plugin service.
//
// All methods are safe to call on a nil *Metrics, which lets tests and tools
// construct components without a registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "grader"

type Metrics struct {
	registry *prometheus.Registry

	eventsEmitted  *prometheus.CounterVec
	emitErrors     *prometheus.CounterVec
	eventsConsumed *prometheus.CounterVec // by topic and result (ack, nack, invalid)

	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	cacheDownloads  prometheus.Counter
	cacheEntries    prometheus.Gauge
	cacheEvictions  prometheus.Counter
	callbacks       *prometheus.CounterVec // by type and result
	criteriaGraded  *prometheus.CounterVec // by plugin
	criteriaFailed  *prometheus.CounterVec // by plugin
	gradingDuration *prometheus.HistogramVec
}

// New registers every collector on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	auto := promauto.With(reg)

	return &Metrics{
		registry: reg,
		eventsEmitted: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "emitted_total",
			Help:      "Events published, by topic",
		}, []string{"topic"}),
		emitErrors: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "emit_errors_total",
			Help:      "Events the broker refused, by topic",
		}, []string{"topic"}),
		eventsConsumed: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "consumed_total",
			Help:      "Deliveries handled, by topic and result",
		}, []string{"topic", "result"}),
		cacheHits: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dlcache",
			Name:      "hits_total",
			Help:      "Requests fully served from already materialized files",
		}),
		cacheMisses: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dlcache",
			Name:      "misses_total",
			Help:      "Requests that had to download at least one file",
		}),
		cacheDownloads: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dlcache",
			Name:      "downloaded_files_total",
			Help:      "Files fetched from the blob store",
		}),
		cacheEntries: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dlcache",
			Name:      "entries",
			Help:      "Cache entries currently held",
		}),
		cacheEvictions: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dlcache",
			Name:      "evictions_total",
			Help:      "Entries removed by the TTL sweep",
		}),
		callbacks: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "callback",
			Name:      "received_total",
			Help:      "Sandbox callbacks, by type and result",
		}, []string{"type", "result"}),
		criteriaGraded: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grading",
			Name:      "criteria_graded_total",
			Help:      "Criteria graded successfully, by plugin",
		}, []string{"plugin"}),
		criteriaFailed: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grading",
			Name:      "criteria_failed_total",
			Help:      "Criteria that failed to grade, by plugin",
		}, []string{"plugin"}),
		gradingDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "grading",
			Name:      "criterion_duration_seconds",
			Help:      "Time spent grading one criterion",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"plugin"}),
	}
}

// Handler serves the private registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EventEmitted(topic string) {
	if m == nil {
		return
	}
	m.eventsEmitted.WithLabelValues(topic).Inc()
}

func (m *Metrics) EmitFailed(topic string) {
	if m == nil {
		return
	}
	m.emitErrors.WithLabelValues(topic).Inc()
}

func (m *Metrics) EventConsumed(topic string, result string) {
	if m == nil {
		return
	}
	m.eventsConsumed.WithLabelValues(topic, result).Inc()
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) CacheMiss(downloaded int) {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
	m.cacheDownloads.Add(float64(downloaded))
}

func (m *Metrics) CacheEntries(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}

func (m *Metrics) CacheEvicted(n int) {
	if m == nil {
		return
	}
	m.cacheEvictions.Add(float64(n))
}

func (m *Metrics) Callback(typ string, result string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(typ, result).Inc()
}

func (m *Metrics) CriterionGraded(plugin string, took time.Duration) {
	if m == nil {
		return
	}
	m.criteriaGraded.WithLabelValues(plugin).Inc()
	m.gradingDuration.WithLabelValues(plugin).Observe(took.Seconds())
}

func (m *Metrics) CriterionFailed(plugin string, took time.Duration) {
	if m == nil {
		return
	}
	m.criteriaFailed.WithLabelValues(plugin).Inc()
	m.gradingDuration.WithLabelValues(plugin).Observe(took.Seconds())
}
