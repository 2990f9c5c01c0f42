// Package metrics defines the Prometheus collectors exported on /metrics.
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	PipelineRuns     *prometheus.CounterVec
	PipelineDuration *prometheus.HistogramVec
	StageRuns        *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	OOMRetries       *prometheus.CounterVec
	CPUFallbacks     *prometheus.CounterVec
	EngineEvictions  prometheus.Counter
	TasksEnqueued    prometheus.Counter
	TasksFinished    *prometheus.CounterVec
}

// New registers every collector with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PipelineRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaize_pipeline_runs_total",
				Help: "Total number of pipeline runs",
			},
			[]string{"pipeline", "status"},
		),
		PipelineDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relaize_pipeline_duration_seconds",
				Help:    "Duration of pipeline runs",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"pipeline"},
		),
		StageRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaize_stage_runs_total",
				Help: "Total number of pipeline stage runs by outcome",
			},
			[]string{"stage", "model", "status"},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relaize_stage_duration_seconds",
				Help:    "Duration of pipeline stage runs",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"stage"},
		),
		OOMRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaize_superres_oom_retries_total",
				Help: "Super-resolution reloads with a smaller tile after running out of memory",
			},
			[]string{"model"},
		),
		CPUFallbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaize_superres_cpu_fallbacks_total",
				Help: "Super-resolution runs moved to cpu after the tile ladder was exhausted",
			},
			[]string{"model"},
		),
		EngineEvictions: f.NewCounter(
			prometheus.CounterOpts{
				Name: "relaize_superres_engine_evictions_total",
				Help: "Engines closed because the engine cache was full",
			},
		),
		TasksEnqueued: f.NewCounter(
			prometheus.CounterOpts{
				Name: "relaize_tasks_enqueued_total",
				Help: "Task ids pushed onto the work queue",
			},
		),
		TasksFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaize_tasks_finished_total",
				Help: "Tasks the worker finished, by final status",
			},
			[]string{"status"},
		),
	}
}

func (m *Metrics) ObservePipeline(pipeline, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.PipelineRuns.WithLabelValues(pipeline, status).Inc()
	m.PipelineDuration.WithLabelValues(pipeline).Observe(d.Seconds())
}

func (m *Metrics) ObserveStage(stage, model, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageRuns.WithLabelValues(stage, model, status).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) OOMRetry(model string) {
	if m == nil {
		return
	}
	m.OOMRetries.WithLabelValues(model).Inc()
}

func (m *Metrics) CPUFallback(model string) {
	if m == nil {
		return
	}
	m.CPUFallbacks.WithLabelValues(model).Inc()
}

func (m *Metrics) EngineEvicted() {
	if m == nil {
		return
	}
	m.EngineEvictions.Inc()
}

func (m *Metrics) TaskEnqueued() {
	if m == nil {
		return
	}
	m.TasksEnqueued.Inc()
}

func (m *Metrics) TaskFinished(status string) {
	if m == nil {
		return
	}
	m.TasksFinished.WithLabelValues(status).Inc()
}
