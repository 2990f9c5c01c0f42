// Package report turns a task's quality metrics and pipeline trace into a
// readable before/after report.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/kiranshivaraju/relaize/internal/cache"
	"github.com/kiranshivaraju/relaize/internal/quality"
	"github.com/kiranshivaraju/relaize/pkg/models"
)

// DefaultTTL bounds how long a rendered report is cached.
const DefaultTTL = 10 * time.Minute

// ErrNoMetrics is returned for tasks that have not produced metrics yet.
var ErrNoMetrics = errors.New("task has no metrics yet")

// TaskGetter loads a task. *task.Service implements it.
type TaskGetter interface {
	Get(ctx context.Context, id string) (*models.Task, error)
}

type Generator struct {
	tasks TaskGetter
	cache cache.Cache
	ttl   time.Duration
	now   func() time.Time
}

// NewGenerator builds a Generator. A nil cache disables caching.
func NewGenerator(tasks TaskGetter, c cache.Cache, ttl time.Duration) *Generator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Generator{tasks: tasks, cache: c, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

func (g *Generator) Generate(ctx context.Context, taskID string) (*models.Report, error) {
	t, err := g.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(t.Metrics) == 0 {
		return nil, fmt.Errorf("%w: task %s is %s", ErrNoMetrics, t.ID, t.Status)
	}

	key := cache.ReportKey(t.ID, t.UpdatedAt)
	if cached := g.cached(ctx, key); cached != nil {
		return cached, nil
	}

	r := Build(t, g.now())
	if g.cache != nil {
		if data, err := json.Marshal(r); err == nil {
			if err := g.cache.Set(ctx, key, data, g.ttl); err != nil {
				slog.Warn("failed to cache report", "task_id", t.ID, "error", err)
			}
		}
	}
	return r, nil
}

func (g *Generator) cached(ctx context.Context, key string) *models.Report {
	if g.cache == nil {
		return nil
	}
	data, found, err := g.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("report cache read failed", "key", key, "error", err)
		return nil
	}
	if !found {
		return nil
	}
	var r models.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil
	}
	return &r
}

// Build renders the report for t. It is a pure function of the task.
func Build(t *models.Task, now time.Time) *models.Report {
	pairs := metricPairs(t.Metrics)
	improved := 0
	for _, p := range pairs {
		if p.Delta > 0 {
			improved++
		}
	}

	sections := []models.ReportSection{{
		Title:   "Quality metrics",
		Summary: fmt.Sprintf("%d of %d quality metrics improved after restoration.", improved, len(pairs)),
		Metrics: pairs,
	}}
	if t.Pipeline != nil {
		sections = append(sections, pipelineSection(t.Pipeline))
	}

	return &models.Report{
		TaskID:          t.ID,
		GeneratedAt:     now,
		Overview:        fmt.Sprintf("Restoration report for %s", t.Filename),
		Sections:        sections,
		Recommendations: recommendations(t),
	}
}

// metricPairs lists the well-known metrics first, then any others by name.
func metricPairs(m models.Metrics) []models.MetricPair {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	rank := func(name string) int {
		if i := slices.Index(quality.Names, name); i >= 0 {
			return i
		}
		return len(quality.Names)
	}
	slices.SortFunc(names, func(a, b string) int {
		if ra, rb := rank(a), rank(b); ra != rb {
			return ra - rb
		}
		return strings.Compare(a, b)
	})

	pairs := make([]models.MetricPair, 0, len(names))
	for _, name := range names {
		v := m[name]
		pairs = append(pairs, models.MetricPair{
			Name:   strings.ToUpper(name),
			Before: v.Before,
			After:  v.After,
			Delta:  v.Delta,
		})
	}
	return pairs
}

func pipelineSection(p *models.PipelineSummary) models.ReportSection {
	var executed, skipped, failed int
	for _, s := range p.Stages {
		switch s.Status {
		case models.StageExecuted:
			executed++
		case models.StageSkipped:
			skipped++
		case models.StageError:
			failed++
		}
	}
	name := p.PipelineName
	if name == "" {
		name = p.PipelineID
	}
	summary := fmt.Sprintf("%s: %d executed, %d skipped", name, executed, skipped)
	if failed > 0 {
		summary += fmt.Sprintf(", %d failed", failed)
	}
	return models.ReportSection{Title: "Pipeline", Summary: summary, Metrics: []models.MetricPair{}}
}

func recommendations(t *models.Task) []string {
	var out []string
	if v, ok := t.Metrics[quality.Clarity]; ok && v.Delta < 0 {
		out = append(out, "Clarity dropped; try a lower target scale or a different super-resolution model.")
	}
	if t.Pipeline != nil {
		for _, s := range t.Pipeline.Stages {
			if s.Status == models.StageSkipped && s.Message != "" {
				out = append(out, fmt.Sprintf("Stage %s was skipped (%s).", s.StageName, s.Message))
			}
		}
	}
	uiqm, okU := t.Metrics[quality.UIQM]
	entropy, okE := t.Metrics[quality.Entropy]
	if okU && okE && uiqm.Delta > 0 && entropy.Delta > 0 {
		out = append(out, "Colour recovery is stable; the result is suitable for downstream analysis.")
	}
	out = append(out, "If the result looks over-processed, lower the sharpening parameters in manual mode.")
	return out
}
