// Package models contains shared data models used across the relaize codebase.
package models

import (
	"maps"
	"time"
)

// TaskStatus is the lifecycle state of a restoration task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further worker transition is expected.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// clientTransitions lists the status changes a client may request. Workers
// and re-queueing write statuses directly.
var clientTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:    {TaskStatusProcessing, TaskStatusCancelled},
	TaskStatusProcessing: {TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
}

// CanTransition reports whether a client may move a task from s to next.
// Keeping the current status is always allowed.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s == next {
		return true
	}
	for _, to := range clientTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// MetricTriple is a single before/after quality measurement.
type MetricTriple struct {
	Before float64 `json:"before"`
	After  float64 `json:"after"`
	Delta  float64 `json:"delta"`
}

// Metrics maps a metric name (uiqm, uciqe, entropy, clarity) to its measurement.
type Metrics map[string]MetricTriple

// Task tracks one uploaded image through the processing queue. Clients poll
// GET /api/tasks/{id} until status is completed, failed or cancelled.
type Task struct {
	ID          string           `json:"id"`
	Filename    string           `json:"filename"`
	Size        int64            `json:"size"`
	ContentType string           `json:"content_type,omitempty"`
	Status      TaskStatus       `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	ProcessedAt *time.Time       `json:"processed_at,omitempty"`
	SourceURL   string           `json:"source_url,omitempty"`
	PreviewURL  string           `json:"preview_url,omitempty"`
	Metrics     Metrics          `json:"metrics,omitempty"`
	Adjustments *Adjustments     `json:"adjustments,omitempty"`
	Message     string           `json:"message,omitempty"`
	Pipeline    *PipelineSummary `json:"pipeline,omitempty"`
	ParentID    string           `json:"parent_id,omitempty"`
}

// Clone returns a copy of t that shares no mutable state with the original.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.ProcessedAt != nil {
		p := *t.ProcessedAt
		c.ProcessedAt = &p
	}
	if t.Metrics != nil {
		c.Metrics = maps.Clone(t.Metrics)
	}
	if t.Adjustments != nil {
		c.Adjustments = t.Adjustments.Clone()
	}
	if t.Pipeline != nil {
		p := *t.Pipeline
		p.Stages = append([]StageTrace(nil), t.Pipeline.Stages...)
		c.Pipeline = &p
	}
	return &c
}

// TaskUpdate is a partial mutation of a Task. Nil fields are left untouched.
type TaskUpdate struct {
	Status      *TaskStatus      `json:"status,omitempty"`
	Metrics     Metrics          `json:"metrics,omitempty"`
	Message     *string          `json:"message,omitempty"`
	ProcessedAt *time.Time       `json:"processed_at,omitempty"`
	Adjustments *Adjustments     `json:"adjustments,omitempty"`
	PreviewURL  *string          `json:"preview_url,omitempty"`
	Pipeline    *PipelineSummary `json:"pipeline,omitempty"`
}

// Apply copies every set field of u onto t and refreshes UpdatedAt.
func (u TaskUpdate) Apply(t *Task, now time.Time) {
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Metrics != nil {
		t.Metrics = maps.Clone(u.Metrics)
	}
	if u.Message != nil {
		t.Message = *u.Message
	}
	if u.ProcessedAt != nil {
		p := *u.ProcessedAt
		t.ProcessedAt = &p
	}
	if u.Adjustments != nil {
		t.Adjustments = u.Adjustments.Clone()
	}
	if u.PreviewURL != nil {
		t.PreviewURL = *u.PreviewURL
	}
	if u.Pipeline != nil {
		p := *u.Pipeline
		t.Pipeline = &p
	}
	t.UpdatedAt = now
}

// StatusPtr is a convenience for building a TaskUpdate inline.
func StatusPtr(s TaskStatus) *TaskStatus { return &s }

// StringPtr is a convenience for building a TaskUpdate inline.
func StringPtr(s string) *string { return &s }
