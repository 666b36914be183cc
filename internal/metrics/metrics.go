// Package metrics holds the Prometheus instrumentation for the
// ingestion pipeline and the API layer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector behind one registry so construction
// stays panic-free in tests.
type Metrics struct {
	registry *prometheus.Registry

	EventsIngested     *prometheus.CounterVec
	EventsDropped      *prometheus.CounterVec
	StoreInserts       *prometheus.CounterVec
	StoreThrottled     *prometheus.CounterVec
	ProviderReconnects *prometheus.CounterVec
	PushClients        prometheus.Gauge
	PushDropped        prometheus.Counter
	HTTPDuration       *prometheus.HistogramVec
}

// New builds and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		EventsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketflow_events_ingested_total",
				Help: "Events accepted by the dispatch hub",
			},
			[]string{"provider", "stream"},
		),

		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketflow_events_dropped_total",
				Help: "Events dropped because the hub handoff was full",
			},
			[]string{"provider"},
		),

		StoreInserts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketflow_store_inserts_total",
				Help: "Entries persisted into the in-memory stores",
			},
			[]string{"store"},
		),

		StoreThrottled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketflow_store_throttled_total",
				Help: "Entries declined by a throttled store window",
			},
			[]string{"store"},
		),

		ProviderReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketflow_provider_reconnects_total",
				Help: "WebSocket reconnect attempts per provider",
			},
			[]string{"provider"},
		),

		PushClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "marketflow_push_clients",
				Help: "Connected WebSocket push clients",
			},
		),

		PushDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "marketflow_push_dropped_total",
				Help: "Push frames dropped on slow client buffers",
			},
		),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketflow_http_request_duration_seconds",
				Help:    "REST request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"method", "path", "status"},
		),
	}

	m.registry.MustRegister(
		m.EventsIngested,
		m.EventsDropped,
		m.StoreInserts,
		m.StoreThrottled,
		m.ProviderReconnects,
		m.PushClients,
		m.PushDropped,
		m.HTTPDuration,
	)
	return m
}

// ObserveHTTP records one REST request.
func (m *Metrics) ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	m.HTTPDuration.WithLabelValues(method, path, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
