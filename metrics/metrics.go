package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ingest outcomes.
const (
	OutcomeAccepted       = "accepted"
	OutcomeInvalid        = "invalid_payload"
	OutcomeUnknownDevice  = "unknown_device"
	OutcomeStorageFailure = "storage_failure"
)

type Metrics struct {
	registry        *prometheus.Registry
	IngestTotal     *prometheus.CounterVec
	IngestDuration  *prometheus.HistogramVec
	FanoutFailures  prometheus.Counter
	LivenessFailure prometheus.Counter
	StreamClients   prometheus.Gauge
}

// New registers the crewmap collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		IngestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crewmap",
			Name:      "ingest_total",
			Help:      "Location fixes processed, by protocol and outcome.",
		}, []string{"protocol", "outcome"}),
		IngestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crewmap",
			Name:      "ingest_duration_seconds",
			Help:      "Time to ingest one fix.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"protocol"}),
		FanoutFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crewmap",
			Name:      "fanout_failures_total",
			Help:      "Samples persisted but not published to subscribers.",
		}),
		LivenessFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crewmap",
			Name:      "liveness_failures_total",
			Help:      "Failed last-seen updates.",
		}),
		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crewmap",
			Name:      "stream_clients",
			Help:      "Open websocket viewers.",
		}),
	}
	m.registry.MustRegister(
		m.IngestTotal,
		m.IngestDuration,
		m.FanoutFailures,
		m.LivenessFailure,
		m.StreamClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveIngest records one fix.
func (m *Metrics) ObserveIngest(protocol, outcome string, took time.Duration) {
	m.IngestTotal.WithLabelValues(protocol, outcome).Inc()
	m.IngestDuration.WithLabelValues(protocol).Observe(took.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
