// Package metrics exposes Prometheus collectors for the provisioning pipeline.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "idp"

var histogramBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900}

// Pipeline groups the collectors touched by the orchestrator, queue and adapters.
type Pipeline struct {
	projectsCreated *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	externalCalls   *prometheus.CounterVec
	externalLatency *prometheus.HistogramVec
	activeRuns      prometheus.Gauge
	queueDepth      prometheus.Gauge
}

// NewPipeline builds the collectors and registers them with reg. Collectors
// that are already registered are reused.
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		projectsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "project_creation_total",
			Help:      "Project creation requests by outcome and template",
		}, []string{"status", "template_type"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "transitions_total",
			Help:      "Committed project status transitions",
		}, []string{"from", "to"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each provisioning stage",
			Buckets:   histogramBuckets,
		}, []string{"stage", "outcome"}),
		externalCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_api_calls_total",
			Help:      "Calls made to external platforms",
		}, []string{"service", "operation", "status"}),
		externalLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "external_api_call_duration_seconds",
			Help:      "Latency of calls made to external platforms",
			Buckets:   histogramBuckets,
		}, []string{"service", "operation"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "background_tasks_active",
			Help:      "Provisioning runs currently executing",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Jobs waiting for a worker",
		}),
	}
	if reg == nil {
		return p
	}
	p.projectsCreated = register(reg, p.projectsCreated)
	p.transitions = register(reg, p.transitions)
	p.stageDuration = register(reg, p.stageDuration)
	p.externalCalls = register(reg, p.externalCalls)
	p.externalLatency = register(reg, p.externalLatency)
	p.activeRuns = register(reg, p.activeRuns)
	p.queueDepth = register(reg, p.queueDepth)
	return p
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

// ProjectCreated counts a creation request outcome ("accepted", "rejected", "error").
func (p *Pipeline) ProjectCreated(status, templateType string) {
	if p == nil {
		return
	}
	p.projectsCreated.WithLabelValues(status, templateType).Inc()
}

// Transition counts a committed status change.
func (p *Pipeline) Transition(from, to string) {
	if p == nil {
		return
	}
	p.transitions.WithLabelValues(from, to).Inc()
}

// StageFinished records how long a stage ran before it advanced or failed.
func (p *Pipeline) StageFinished(stage, outcome string, d time.Duration) {
	if p == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

// ExternalCall records one adapter call.
func (p *Pipeline) ExternalCall(service, operation string, err error, d time.Duration) {
	if p == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	p.externalCalls.WithLabelValues(service, operation, status).Inc()
	p.externalLatency.WithLabelValues(service, operation).Observe(d.Seconds())
}

// RunStarted increments the active run gauge.
func (p *Pipeline) RunStarted() {
	if p == nil {
		return
	}
	p.activeRuns.Inc()
}

// RunFinished decrements the active run gauge.
func (p *Pipeline) RunFinished() {
	if p == nil {
		return
	}
	p.activeRuns.Dec()
}

// QueueDepth publishes the number of waiting jobs.
func (p *Pipeline) QueueDepth(n int) {
	if p == nil {
		return
	}
	p.queueDepth.Set(float64(n))
}
