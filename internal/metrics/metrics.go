// Package metrics exposes Prometheus collectors for pipeline runs.
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	clips         *prometheus.CounterVec
	oracleCalls   *prometheus.CounterVec
	oracleLatency prometheus.Histogram
	verdicts      *prometheus.CounterVec
	ledgerSpent   prometheus.Gauge
	ledgerCap     prometheus.Gauge
	runs          *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		clips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binwatch_clips_total",
			Help: "Event clips by outcome (loaded from cache or extracted).",
		}, []string{"outcome"}),
		oracleCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binwatch_oracle_calls_total",
			Help: "Vision oracle calls by outcome.",
		}, []string{"outcome"}),
		oracleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "binwatch_oracle_call_duration_seconds",
			Help:    "Latency of vision oracle calls.",
			Buckets: prometheus.DefBuckets,
		}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binwatch_verdicts_total",
			Help: "Event verdicts by method and status.",
		}, []string{"method", "status"}),
		ledgerSpent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "binwatch_budget_spent_usd",
			Help: "Spend recorded by the most recent run's budget ledger.",
		}),
		ledgerCap: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "binwatch_budget_cap_usd",
			Help: "Cap of the most recent run's budget ledger.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binwatch_runs_total",
			Help: "Pipeline runs by final status.",
		}, []string{"status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binwatch_http_requests_total",
			Help: "HTTP requests by method and status.",
		}, []string{"method", "status"}),
	}

	m.registry.MustRegister(
		m.clips,
		m.oracleCalls,
		m.oracleLatency,
		m.verdicts,
		m.ledgerSpent,
		m.ledgerCap,
		m.runs,
		m.httpRequests,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ClipLoaded() {
	if m == nil {
		return
	}
	m.clips.WithLabelValues("loaded").Inc()
}

func (m *Metrics) ClipExtracted() {
	if m == nil {
		return
	}
	m.clips.WithLabelValues("extracted").Inc()
}

// OracleCall records one oracle round trip; outcome is "ok", "error" or "timeout".
func (m *Metrics) OracleCall(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.oracleCalls.WithLabelValues(outcome).Inc()
	m.oracleLatency.Observe(d.Seconds())
}

func (m *Metrics) Verdict(method, status string) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(method, status).Inc()
}

func (m *Metrics) Ledger(spent, limit float64) {
	if m == nil {
		return
	}
	m.ledgerSpent.Set(spent)
	m.ledgerCap.Set(limit)
}

func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
}

func (m *Metrics) HTTPRequest(method string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}
