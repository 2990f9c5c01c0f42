package models

import "time"

// StageStatus is the outcome of one pipeline stage.
type StageStatus string

const (
	StageExecuted StageStatus = "executed"
	StageSkipped  StageStatus = "skipped"
	StageError    StageStatus = "error"
)

// StageTrace records what happened to one stage during a pipeline run.
type StageTrace struct {
	StageID    string      `json:"stage_id"`
	StageName  string      `json:"stage_name"`
	ModelID    string      `json:"model_id"`
	ModelLabel string      `json:"model_label"`
	Status     StageStatus `json:"status"`
	DurationMS float64     `json:"duration_ms"`
	Message    string      `json:"message,omitempty"`
}

// PipelineSummary is the per-run trace attached to a task.
type PipelineSummary struct {
	PipelineID   string       `json:"pipeline_id"`
	PipelineName string       `json:"pipeline_name"`
	Stages       []StageTrace `json:"stages"`
}

// MetricPair is a named metric inside a report section.
type MetricPair struct {
	Name   string  `json:"name"`
	Before float64 `json:"before"`
	After  float64 `json:"after"`
	Delta  float64 `json:"delta"`
}

// ReportSection groups related metrics with a short summary.
type ReportSection struct {
	Title   string       `json:"title"`
	Summary string       `json:"summary"`
	Metrics []MetricPair `json:"metrics"`
}

// Report is the read-side quality report derived from a task.
type Report struct {
	TaskID          string          `json:"task_id"`
	GeneratedAt     time.Time       `json:"generated_at"`
	Overview        string          `json:"overview"`
	Sections        []ReportSection `json:"sections"`
	Recommendations []string        `json:"recommendations"`
}
