// Package metrics exposes Prometheus counters for orchestrator activity.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	toolCalls       *prometheus.CounterVec
	violations      *prometheus.CounterVec
	runs            *prometheus.CounterVec
	quotaRemaining  *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crewline_agent_requests_total",
				Help: "Reasoning requests made by agents",
			},
			[]string{"agent", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crewline_agent_request_duration_seconds",
				Help:    "Reasoning request latency",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
			},
			[]string{"agent"},
		),
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crewline_tool_calls_total",
				Help: "Tool calls attempted by agents",
			},
			[]string{"tool", "outcome"},
		),
		violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crewline_policy_violations_total",
				Help: "Tool calls blocked by policy",
			},
			[]string{"invariant"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crewline_runs_total",
				Help: "Day runs by final status",
			},
			[]string{"status"},
		),
		quotaRemaining: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crewline_agent_quota_remaining",
				Help: "Requests left today per agent",
			},
			[]string{"agent"},
		),
	}
	m.Registry.MustRegister(
		m.requests, m.requestDuration, m.toolCalls, m.violations, m.runs, m.quotaRemaining,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

func (m *Metrics) ObserveRequest(agent string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(agent, outcome(ok)).Inc()
	m.requestDuration.WithLabelValues(agent).Observe(d.Seconds())
}

func (m *Metrics) ObserveToolCall(tool string, ok bool) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, outcome(ok)).Inc()
}

// ObserveViolation counts a blocked call under both the violation and tool
// call series.
func (m *Metrics) ObserveViolation(tool, invariant string) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(invariant).Inc()
	m.toolCalls.WithLabelValues(tool, "blocked").Inc()
}

func (m *Metrics) ObserveRun(status string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
}

func (m *Metrics) SetQuotaRemaining(agent string, remaining int) {
	if m == nil {
		return
	}
	m.quotaRemaining.WithLabelValues(agent).Set(float64(remaining))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
