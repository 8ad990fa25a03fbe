package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the council's prometheus collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	modelRequests  *prometheus.CounterVec
	modelLatency   *prometheus.HistogramVec
	modelRetries   *prometheus.CounterVec
	runs           *prometheus.CounterVec
	stageDurations *prometheus.HistogramVec
	runsInFlight   prometheus.Gauge
}

// NewMetrics registers all collectors on a fresh registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		modelRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "council_model_requests_total",
			Help: "Model gateway calls by final outcome.",
		}, []string{"model", "outcome"}),
		modelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "council_model_request_seconds",
			Help:    "Wall time of a model gateway call including retries.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"model"}),
		modelRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "council_model_retries_total",
			Help: "Failed attempts that were retried.",
		}, []string{"model"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "council_runs_total",
			Help: "Pipeline runs by terminal stage.",
		}, []string{"outcome"}),
		stageDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "council_stage_seconds",
			Help:    "Duration of each pipeline stage.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		runsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "council_runs_in_flight",
			Help: "Runs whose background task has not finished.",
		}),
	}

	m.registry.MustRegister(
		m.modelRequests,
		m.modelLatency,
		m.modelRetries,
		m.runs,
		m.stageDurations,
		m.runsInFlight,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// The recording methods are nil-safe so components work without metrics.

func (m *Metrics) ObserveModelCall(model string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	switch {
	case IsRateLimit(err):
		outcome = "rate_limited"
	case err != nil:
		outcome = "error"
	}
	m.modelRequests.WithLabelValues(model, outcome).Inc()
	m.modelLatency.WithLabelValues(model).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRetry(model string) {
	if m == nil {
		return
	}
	m.modelRetries.WithLabelValues(model).Inc()
}

func (m *Metrics) ObserveStage(stage Stage, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stageDurations.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsInFlight.Inc()
}

func (m *Metrics) RunFinished(outcome Stage) {
	if m == nil {
		return
	}
	m.runsInFlight.Dec()
	m.runs.WithLabelValues(string(outcome)).Inc()
}
