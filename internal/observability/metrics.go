// Package observability exposes Prometheus metrics for dispatched requests.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"unigate/internal/core"
)

// Metrics records per-request counters and latency for the dispatcher.
// A nil *Metrics is a valid no-op receiver so metrics can be disabled.
type Metrics struct {
	requestsTotal  *prometheus.CounterVec
	tokensTotal    *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	activeStreams  prometheus.Gauge
}

// New creates the metric set and registers it with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unigate_requests_total",
			Help: "Dispatched requests by provider, model and outcome.",
		}, []string{"provider", "model", "status"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unigate_tokens_total",
			Help: "Token counts reported by providers.",
		}, []string{"provider", "model", "direction"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "unigate_request_duration_seconds",
			Help:    "Provider call latency by provider and model.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider", "model"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "unigate_active_streams",
			Help: "Streams currently being relayed to callers.",
		}),
	}

	reg.MustRegister(m.requestsTotal, m.tokensTotal, m.requestLatency, m.activeStreams)
	return m
}

// ObserveRequest records one dispatched request outcome.
func (m *Metrics) ObserveRequest(provider, model string, success bool, latency time.Duration, usage core.Usage) {
	if m == nil {
		return
	}
	status := "error"
	if success {
		status = "ok"
	}
	m.requestsTotal.WithLabelValues(provider, model, status).Inc()
	m.requestLatency.WithLabelValues(provider, model).Observe(latency.Seconds())
	if usage.InputTokens > 0 {
		m.tokensTotal.WithLabelValues(provider, model, "input").Add(float64(usage.InputTokens))
	}
	if usage.OutputTokens > 0 {
		m.tokensTotal.WithLabelValues(provider, model, "output").Add(float64(usage.OutputTokens))
	}
	if usage.ReasoningTokens > 0 {
		m.tokensTotal.WithLabelValues(provider, model, "reasoning").Add(float64(usage.ReasoningTokens))
	}
}

// StreamStarted marks a live stream as active.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.activeStreams.Inc()
}

// StreamFinished marks a live stream as done.
func (m *Metrics) StreamFinished() {
	if m == nil {
		return
	}
	m.activeStreams.Dec()
}
