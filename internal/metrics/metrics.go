// Package metrics exposes the Prometheus collectors of the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Advisor call outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeFallback = "fallback"
	OutcomeCached   = "cached"
	OutcomeClamped  = "clamped"
)

// Metrics holds every collector on a private registry.
// All methods are safe on a nil receiver, which records nothing.
type Metrics struct {
	registry *prometheus.Registry

	allocations       *prometheus.CounterVec
	allocationRuns    prometheus.Counter
	pendingCases      prometheus.Gauge
	advisorCalls      *prometheus.CounterVec
	advisorLatency    *prometheus.HistogramVec
	agencyUtilization *prometheus.GaugeVec
	httpRequests      *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		allocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dcaos_allocations_total",
			Help: "Cases assigned to an agency, by mode (auto or manual).",
		}, []string{"mode"}),
		allocationRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "dcaos_allocation_runs_total",
			Help: "Completed allocation runs.",
		}),
		pendingCases: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dcaos_pending_cases",
			Help: "Cases left in status New after the last allocation run.",
		}),
		advisorCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dcaos_advisor_calls_total",
			Help: "Collaborator calls by call and outcome.",
		}, []string{"call", "outcome"}),
		advisorLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dcaos_advisor_latency_seconds",
			Help:    "Collaborator call latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"call"}),
		agencyUtilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dcaos_agency_utilization",
			Help: "Agency load divided by capacity.",
		}, []string{"agency_id"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dcaos_http_requests_total",
			Help: "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Allocated counts one assignment.
func (m *Metrics) Allocated(mode string) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(mode).Inc()
}

// RunCompleted records the outcome of an allocation run.
func (m *Metrics) RunCompleted(pending int) {
	if m == nil {
		return
	}
	m.allocationRuns.Inc()
	m.pendingCases.Set(float64(pending))
}

// AdvisorCall records one collaborator call.
func (m *Metrics) AdvisorCall(call, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.advisorCalls.WithLabelValues(call, outcome).Inc()
	if took > 0 {
		m.advisorLatency.WithLabelValues(call).Observe(took.Seconds())
	}
}

// Utilization sets the utilization gauge of an agency.
func (m *Metrics) Utilization(agencyID string, u float64) {
	if m == nil {
		return
	}
	m.agencyUtilization.WithLabelValues(agencyID).Set(u)
}

// Request counts one HTTP request.
func (m *Metrics) Request(method string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}
