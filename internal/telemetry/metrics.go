// Package telemetry exposes bot pipeline counters through Prometheus.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"ex-notebot/pkg/notebot"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "notebot"

// Metrics records bot pipeline observations into one Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	frames      *prometheus.CounterVec
	reconnects  prometheus.Counter
	arrivals    *prometheus.CounterVec
	coalesced   prometheus.Counter
	completions *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	notes       *prometheus.CounterVec
}

// NewMetrics builds and registers all collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	metrics := &Metrics{
		registry: registry,
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_total",
			Help:      "Streaming frames received, by decode result",
		}, []string{"result"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Streaming reconnect attempts",
		}),
		arrivals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arrivals_total",
			Help:      "Mention and reply arrivals accepted by the coalescer",
		}, []string{"kind"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arrivals_coalesced_total",
			Help:      "Arrivals discarded because another arrival for the same note was selected",
		}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Completion calls by pipeline and outcome",
		}, []string{"pipeline", "ok"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_duration_seconds",
			Help:      "Completion call duration seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pipeline"}),
		notes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notes_posted_total",
			Help:      "Outbound note attempts by pipeline and outcome",
		}, []string{"pipeline", "ok"}),
	}

	registry.MustRegister(
		metrics.frames,
		metrics.reconnects,
		metrics.arrivals,
		metrics.coalesced,
		metrics.completions,
		metrics.latency,
		metrics.notes,
		prometheus.NewGoCollector(),
	)

	return metrics
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveFrame implements notebot.MetricsRecorder.
func (m *Metrics) ObserveFrame(result string) {
	m.frames.WithLabelValues(result).Inc()
}

// ObserveReconnect implements notebot.MetricsRecorder.
func (m *Metrics) ObserveReconnect() {
	m.reconnects.Inc()
}

// ObserveArrival implements notebot.MetricsRecorder.
func (m *Metrics) ObserveArrival(kind notebot.EventKind) {
	m.arrivals.WithLabelValues(string(kind)).Inc()
}

// ObserveCoalesced implements notebot.MetricsRecorder.
func (m *Metrics) ObserveCoalesced(discarded int) {
	if discarded > 0 {
		m.coalesced.Add(float64(discarded))
	}
}

// ObserveCompletion implements notebot.MetricsRecorder.
func (m *Metrics) ObserveCompletion(pipeline string, ok bool, elapsed time.Duration) {
	m.completions.WithLabelValues(pipeline, strconv.FormatBool(ok)).Inc()
	m.latency.WithLabelValues(pipeline).Observe(elapsed.Seconds())
}

// ObserveNote implements notebot.MetricsRecorder.
func (m *Metrics) ObserveNote(pipeline string, ok bool) {
	m.notes.WithLabelValues(pipeline, strconv.FormatBool(ok)).Inc()
}

var _ notebot.MetricsRecorder = (*Metrics)(nil)
