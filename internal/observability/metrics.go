// Package observability exposes the hub's Prometheus metrics.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects hub counters. All vectors are safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec
	UpstreamCalls  *prometheus.CounterVec
	UpstreamErrors *prometheus.CounterVec
	SessionsOpen   prometheus.Gauge
}

// NewMetrics builds a metrics set on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcphub",
			Name:      "requests_total",
			Help:      "Downstream JSON-RPC requests by method.",
		}, []string{"method"}),
		UpstreamCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcphub",
			Name:      "upstream_calls_total",
			Help:      "Calls forwarded to upstream servers.",
		}, []string{"server", "method"}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcphub",
			Name:      "upstream_errors_total",
			Help:      "Failed upstream calls by server.",
		}, []string{"server"}),
		SessionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcphub",
			Name:      "sessions_open",
			Help:      "Currently open downstream sessions.",
		}),
	}
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
