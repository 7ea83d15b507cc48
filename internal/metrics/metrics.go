// Package metrics exposes Prometheus instrumentation for the API server.
// Every instance carries its own registry, so parallel test servers never
// fight over metric registration.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wanderquest"

// Metrics holds the instrument set for one server instance.
type Metrics struct {
	registry *prometheus.Registry

	RequestCounter   *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	ProgressEvents  *prometheus.CounterVec
	ProgressStreams prometheus.Gauge
	RecoveredRuns   *prometheus.GaugeVec
}

// New builds the instrument set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		RequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests by route and status.",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds by route.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),
		ProgressEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "game",
				Name:      "progress_events_total",
				Help:      "Participant progress events published, by event type.",
			},
			[]string{"event_type"},
		),
		ProgressStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "game",
				Name:      "progress_streams",
				Help:      "Open progress event streams.",
			},
		),
		RecoveredRuns: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "game",
				Name:      "recovered_runs",
				Help:      "Participant runs touched by the last startup recovery pass.",
			},
			[]string{"outcome"},
		),
	}
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GinMiddleware observes every request. The route template is the label, so
// path parameters do not blow up cardinality.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.RequestsInFlight.Inc()

		c.Next()

		m.RequestsInFlight.Dec()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		m.RequestCounter.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// ObserveProgressEvent counts one published progress event.
func (m *Metrics) ObserveProgressEvent(eventType string) {
	m.ProgressEvents.WithLabelValues(eventType).Inc()
}

// SetRecoveryStats records the outcome of the startup recovery pass.
func (m *Metrics) SetRecoveryStats(scanned, repaired, expired, failed int) {
	m.RecoveredRuns.WithLabelValues("scanned").Set(float64(scanned))
	m.RecoveredRuns.WithLabelValues("repaired").Set(float64(repaired))
	m.RecoveredRuns.WithLabelValues("expired").Set(float64(expired))
	m.RecoveredRuns.WithLabelValues("failed").Set(float64(failed))
}
