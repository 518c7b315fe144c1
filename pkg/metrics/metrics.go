// Package metrics wires the core's metrics surface to Prometheus
// collectors. Emission is one-directional: the Scheduler and Workflow
// Engine push observations here at their existing state-transition
// points, and nothing in the core reads these collectors back.
//
// One registry holds the six collectors this domain needs, with
// promhttp.Handler exposing them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// globalScope is the label value worker_active_jobs uses for the
// process-wide gauge, as opposed to a per-tenant one.
const globalScope = "global"

// Metrics implements both scheduler.MetricsSink and workflow.MetricsSink
// against one Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	queueDepth       *prometheus.GaugeVec
	activeJobs       *prometheus.GaugeVec
	jobLatency       *prometheus.HistogramVec
	jobsTotal        *prometheus.CounterVec
	activeUsers      prometheus.Gauge
	workflowProgress *prometheus.GaugeVec
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "slidequeue",
			Name:      "queue_depth",
			Help:      "Number of PENDING jobs per (tenant, branch) channel.",
		}, []string{"tenant", "branch"}),
		activeJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "slidequeue",
			Name:      "worker_active_jobs",
			Help:      "Number of RUNNING jobs, per tenant and globally (tenant=\"global\").",
		}, []string{"tenant"}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "slidequeue",
			Name:      "job_latency_seconds",
			Help:      "Job execution wall time from dispatch to terminal status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job_type", "branch", "tenant", "status"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slidequeue",
			Name:      "jobs_total",
			Help:      "Total jobs reaching a terminal status.",
		}, []string{"job_type", "status", "tenant"}),
		activeUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "slidequeue",
			Name:      "active_users",
			Help:      "Number of tenants currently admitted (active).",
		}),
		workflowProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "slidequeue",
			Name:      "workflow_progress",
			Help:      "Mean job progress for a workflow, in [0, 1].",
		}, []string{"workflow_id", "tenant"}),
	}

	registry.MustRegister(
		m.queueDepth,
		m.activeJobs,
		m.jobLatency,
		m.jobsTotal,
		m.activeUsers,
		m.workflowProgress,
	)
	return m
}

// SetQueueDepth implements scheduler.MetricsSink.
func (m *Metrics) SetQueueDepth(tenant, branch string, depth int) {
	m.queueDepth.WithLabelValues(tenant, branch).Set(float64(depth))
}

// SetActiveJobs implements scheduler.MetricsSink. An empty tenant means
// the global gauge.
func (m *Metrics) SetActiveJobs(tenant string, n int) {
	if tenant == "" {
		tenant = globalScope
	}
	m.activeJobs.WithLabelValues(tenant).Set(float64(n))
}

// ObserveJobLatency implements scheduler.MetricsSink.
func (m *Metrics) ObserveJobLatency(jobType, branch, tenant, status string, seconds float64) {
	m.jobLatency.WithLabelValues(jobType, branch, tenant, status).Observe(seconds)
}

// IncJobsTotal implements scheduler.MetricsSink.
func (m *Metrics) IncJobsTotal(jobType, status, tenant string) {
	m.jobsTotal.WithLabelValues(jobType, status, tenant).Inc()
}

// SetWorkflowProgress implements workflow.MetricsSink.
func (m *Metrics) SetWorkflowProgress(workflowID, tenant string, progress float64) {
	m.workflowProgress.WithLabelValues(workflowID, tenant).Set(progress)
}

// SetActiveUsers implements workflow.MetricsSink. The Workflow Engine
// sets it from the Admission Controller's active count on every
// workflow progress update, and cmd/scheduler-service sets it after a
// config reload.
func (m *Metrics) SetActiveUsers(n int) {
	m.activeUsers.Set(float64(n))
}

// Handler returns the promhttp handler serving this registry's /metrics
// page.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
