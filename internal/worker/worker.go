// Package worker drains the task queue. Exactly one Worker runs per process.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/relaize/internal/config"
	"github.com/kiranshivaraju/relaize/internal/metrics"
	"github.com/kiranshivaraju/relaize/internal/processor"
	"github.com/kiranshivaraju/relaize/internal/queue"
	"github.com/kiranshivaraju/relaize/internal/task"
	"github.com/kiranshivaraju/relaize/pkg/models"
)

const msgComplete = "processing complete"

// Enhancer restores one image file. *processor.Processor implements it.
type Enhancer interface {
	Enhance(ctx context.Context, src, dst string, adj *models.Adjustments) (*processor.Outcome, error)
}

// Tasks is the slice of the task service the worker needs.
type Tasks interface {
	Get(ctx context.Context, id string) (*models.Task, error)
	Record(ctx context.Context, id string, u models.TaskUpdate) (*models.Task, error)
	SourcePath(t *models.Task) string
	ProcessedPath(t *models.Task) string
}

type Worker struct {
	queue    queue.Queue
	tasks    Tasks
	enhancer Enhancer
	metrics  *metrics.Metrics
	cfg      config.WorkerConfig
}

func New(q queue.Queue, tasks Tasks, enhancer Enhancer, cfg config.WorkerConfig, m *metrics.Metrics) *Worker {
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 5 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	return &Worker{queue: q, tasks: tasks, enhancer: enhancer, metrics: m, cfg: cfg}
}

// Run pops and processes tasks until ctx is cancelled or the shutdown
// sentinel is dequeued. A task in flight when ctx is cancelled runs to
// completion first.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("task worker started")
	defer slog.Info("task worker stopped")

	for ctx.Err() == nil {
		id, ok, err := w.queue.Pop(ctx, w.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("failed to dequeue task", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.ErrorBackoff):
			}
			continue
		}
		if !ok {
			continue
		}
		if id == queue.Shutdown {
			slog.Info("shutdown sentinel received")
			return
		}
		w.Process(context.WithoutCancel(ctx), id)
	}
}

// Process runs one task through the enhancer and records the result. It
// never panics and never returns an error; every failure ends up on the
// task record or in the log.
func (w *Worker) Process(ctx context.Context, id string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in task processing", "error", r, "task_id", id)
			w.fail(ctx, id, fmt.Sprintf("panic: %v", r), nil)
		}
	}()

	t, err := w.tasks.Get(ctx, id)
	if errors.Is(err, task.ErrTaskNotFound) {
		slog.Warn("dequeued task not found in storage", "task_id", id)
		return
	}
	if err != nil {
		slog.Error("failed to load dequeued task", "task_id", id, "error", err)
		return
	}
	if t.Status == models.TaskStatusCancelled && w.cfg.SkipCancelled {
		slog.Info("skipping cancelled task", "task_id", id)
		w.metrics.TaskFinished(string(models.TaskStatusCancelled))
		return
	}

	slog.Info("processing task", "task_id", t.ID, "filename", t.Filename)
	if _, err := w.tasks.Record(ctx, id, models.TaskUpdate{Status: models.StatusPtr(models.TaskStatusProcessing)}); err != nil {
		slog.Error("failed to mark task processing", "task_id", id, "error", err)
		return
	}

	outcome, err := w.enhancer.Enhance(ctx, w.tasks.SourcePath(t), w.tasks.ProcessedPath(t), t.Adjustments)
	if err != nil {
		slog.Error("task failed", "task_id", id, "error", err)
		var summary *models.PipelineSummary
		if outcome != nil {
			summary = outcome.Pipeline
		}
		w.fail(ctx, id, err.Error(), summary)
		return
	}

	now := time.Now().UTC()
	_, err = w.tasks.Record(ctx, id, models.TaskUpdate{
		Status:      models.StatusPtr(models.TaskStatusCompleted),
		Metrics:     outcome.Metrics,
		Pipeline:    outcome.Pipeline,
		PreviewURL:  models.StringPtr(task.PreviewURL(id)),
		ProcessedAt: &now,
		Message:     models.StringPtr(msgComplete),
	})
	if err != nil {
		slog.Error("failed to mark task completed", "task_id", id, "error", err)
		return
	}
	w.metrics.TaskFinished(string(models.TaskStatusCompleted))
	slog.Info("task completed", "task_id", id, "width", outcome.Width, "height", outcome.Height)
}

func (w *Worker) fail(ctx context.Context, id, msg string, summary *models.PipelineSummary) {
	_, err := w.tasks.Record(ctx, id, models.TaskUpdate{
		Status:   models.StatusPtr(models.TaskStatusFailed),
		Message:  models.StringPtr(msg),
		Pipeline: summary,
	})
	if err != nil {
		slog.Error("failed to mark task failed", "task_id", id, "error", err)
	}
	w.metrics.TaskFinished(string(models.TaskStatusFailed))
}
