// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the gateway.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	requestDuration  *prometheus.HistogramVec
	requestTotal     *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec

	activeSessions  prometheus.Gauge
	sessionsCreated prometheus.Counter
	sessionsEvicted prometheus.Counter
	handshakesTotal prometheus.Counter
	validationTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the gateway's collectors
func NewMetrics() *Metrics {
	const namespace = "gitlab_mcp_gateway"
	buckets := []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_milliseconds",
				Help:      "Duration of protocol requests in milliseconds",
				Buckets:   buckets,
			},
			[]string{"method", "status"},
		),
		requestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_total",
				Help:      "Total number of protocol requests",
			},
			[]string{"method", "status"},
		),
		toolCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_call_duration_milliseconds",
				Help:      "Duration of tool invocations in milliseconds",
				Buckets:   buckets,
			},
			[]string{"tool", "status"},
		),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live session records",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of session records created",
		}),
		sessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Total number of session records evicted",
		}),
		handshakesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Total number of protocol handshakes, re-handshakes included",
		}),
		validationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_validation_total",
				Help:      "Credential validation outcomes",
			},
			[]string{"outcome"},
		),
	}

	m.registry.MustRegister(
		m.requestDuration,
		m.requestTotal,
		m.toolCallDuration,
		m.activeSessions,
		m.sessionsCreated,
		m.sessionsEvicted,
		m.handshakesTotal,
		m.validationTotal,
	)
	return m
}

// Handler returns the /metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records one dispatched protocol request
func (m *Metrics) RecordRequest(method, status string, duration time.Duration) {
	ms := float64(duration.Milliseconds())
	m.requestDuration.WithLabelValues(method, status).Observe(ms)
	m.requestTotal.WithLabelValues(method, status).Inc()
}

// RecordToolCall records one tool invocation
func (m *Metrics) RecordToolCall(tool string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.toolCallDuration.WithLabelValues(tool, status).Observe(float64(duration.Milliseconds()))
}

// SessionCreated bumps the session lifecycle counters
func (m *Metrics) SessionCreated() {
	m.sessionsCreated.Inc()
	m.activeSessions.Inc()
}

// SessionEvicted bumps the session lifecycle counters
func (m *Metrics) SessionEvicted() {
	m.sessionsEvicted.Inc()
	m.activeSessions.Dec()
}

// Handshake counts one successful handshake
func (m *Metrics) Handshake() {
	m.handshakesTotal.Inc()
}

// Validation counts one credential validation outcome tag ("valid" or the
// error tag).
func (m *Metrics) Validation(outcome string) {
	m.validationTotal.WithLabelValues(outcome).Inc()
}
