// Package pipeline resolves a named pipeline into stage runs and records a
// per-stage trace of what happened.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"maps"
	"math"
	"time"

	"github.com/kiranshivaraju/relaize/internal/catalog"
	"github.com/kiranshivaraju/relaize/internal/config"
	"github.com/kiranshivaraju/relaize/internal/metrics"
	"github.com/kiranshivaraju/relaize/internal/stage"
	"github.com/kiranshivaraju/relaize/pkg/models"
)

// FaceStageID is the id of the face restoration stage appended to pipelines
// that lack one when face restoration is requested.
const FaceStageID = "face_restore"

// StageRunner executes one stage. *stage.Executor implements it.
type StageRunner interface {
	Run(ctx context.Context, modelID string, img *image.NRGBA, params map[string]any, rc stage.RunContext) (*image.NRGBA, error)
}

// Result is the outcome of a pipeline run. On error it still carries the
// trace up to and including the failing stage, and the last good image.
type Result struct {
	Image   *image.NRGBA
	Summary models.PipelineSummary
}

type Runner struct {
	catalog *catalog.Catalog
	stages  StageRunner
	face    config.FaceRestoreConfig
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewRunner(cat *catalog.Catalog, stages StageRunner, face config.FaceRestoreConfig, m *metrics.Metrics) *Runner {
	return &Runner{
		catalog: cat,
		stages:  stages,
		face:    face,
		metrics: m,
		now:     time.Now,
	}
}

// Run executes the pipeline selected by adj over img. Optional stages that
// fail with a configuration error are skipped; any other failure aborts the
// run and is returned together with the partial Result.
func (r *Runner) Run(ctx context.Context, img *image.NRGBA, adj *models.Adjustments) (*Result, error) {
	if adj == nil {
		adj = &models.Adjustments{}
	}
	spec := r.resolvePipeline(adj.PipelineID)
	rc := r.runContext(adj)
	override := r.catalog.SuperResOverride(adj)

	res := &Result{
		Image: img,
		Summary: models.PipelineSummary{
			PipelineID:   spec.ID,
			PipelineName: spec.Name,
			Stages:       make([]models.StageTrace, 0, len(spec.Stages)+1),
		},
	}
	started := r.now()
	status := "ok"
	defer func() {
		r.metrics.ObservePipeline(spec.ID, status, r.now().Sub(started))
	}()

	for _, st := range r.plan(spec, adj) {
		modelID := r.resolveModel(st, adj, override)

		if isFace(r.catalog, modelID) && adj.FaceRestoreEnabled != nil && !*adj.FaceRestoreEnabled {
			res.Summary.Stages = append(res.Summary.Stages, r.trace(st, modelID, models.StageSkipped, 0, "disabled by adjustments"))
			r.metrics.ObserveStage(st.ID, modelID, string(models.StageSkipped), 0)
			continue
		}

		params := maps.Clone(st.Defaults)
		if params == nil {
			params = map[string]any{}
		}
		stageRC := rc
		if stageRC.TargetScale <= 0 {
			stageRC.TargetScale, _ = models.PositiveFloat(params["scale"])
		}

		t0 := r.now()
		out, err := r.stages.Run(ctx, modelID, res.Image, params, stageRC)
		elapsed := r.now().Sub(t0)

		switch {
		case err == nil:
			res.Image = out
			res.Summary.Stages = append(res.Summary.Stages, r.trace(st, modelID, models.StageExecuted, elapsed, ""))
			r.metrics.ObserveStage(st.ID, modelID, string(models.StageExecuted), elapsed)

		case stage.IsConfiguration(err):
			res.Summary.Stages = append(res.Summary.Stages, r.trace(st, modelID, models.StageSkipped, elapsed, err.Error()))
			r.metrics.ObserveStage(st.ID, modelID, string(models.StageSkipped), elapsed)
			slog.Warn("pipeline stage skipped", "pipeline_id", spec.ID, "stage_id", st.ID, "model_id", modelID, "error", err)
			if !st.Optional {
				status = "error"
				return res, fmt.Errorf("stage %s: %w", st.ID, err)
			}

		default:
			res.Summary.Stages = append(res.Summary.Stages, r.trace(st, modelID, models.StageError, elapsed, err.Error()))
			r.metrics.ObserveStage(st.ID, modelID, string(models.StageError), elapsed)
			slog.Error("pipeline stage failed", "pipeline_id", spec.ID, "stage_id", st.ID, "model_id", modelID,
				"kind", stage.KindOf(err), "error", err)
			status = "error"
			return res, fmt.Errorf("stage %s: %w", st.ID, err)
		}
	}
	return res, nil
}

func (r *Runner) resolvePipeline(id string) models.PipelineSpec {
	if id != "" {
		if spec, ok := r.catalog.Pipeline(id); ok {
			return spec
		}
		slog.Warn("unknown pipeline, using default", "pipeline_id", id, "default", catalog.DefaultPipelineID)
	}
	return r.catalog.DefaultPipeline()
}

// plan returns the stages to run. When face restoration is on and the
// pipeline has no face stage, an optional one is appended.
func (r *Runner) plan(spec models.PipelineSpec, adj *models.Adjustments) []models.StageSpec {
	stages := spec.Stages
	enabled := r.face.Enabled
	if adj.FaceRestoreEnabled != nil {
		enabled = *adj.FaceRestoreEnabled
	}
	if !enabled {
		return stages
	}
	for _, st := range stages {
		if isFace(r.catalog, st.ModelID) {
			return stages
		}
	}
	out := make([]models.StageSpec, 0, len(stages)+1)
	out = append(out, stages...)
	return append(out, models.StageSpec{
		ID:          FaceStageID,
		Name:        "Face restoration",
		ModelID:     stage.ModelFaceRestore,
		Description: "Restore faces on the upscaled result.",
		Optional:    true,
	})
}

// resolveModel applies, in order: the per-stage override, the global
// super-resolution override (only when both the stage model and the
// override are super-resolution models), then the stage default.
func (r *Runner) resolveModel(st models.StageSpec, adj *models.Adjustments, override string) string {
	if id := adj.StageOverrides[st.ID]; id != "" {
		return id
	}
	if override != "" && r.catalog.IsSuperRes(st.ModelID) && r.catalog.IsSuperRes(override) {
		return override
	}
	return st.ModelID
}

func (r *Runner) runContext(adj *models.Adjustments) stage.RunContext {
	rc := stage.RunContext{
		TargetScale:    adj.ScaleOverride(),
		Prompt:         adj.Prompt,
		NegativePrompt: adj.NegativePrompt,
		MaskData:       adj.MaskData,
		FaceProvider:   adj.FaceRestoreProvider,
		FaceFidelity:   r.face.Fidelity,
	}
	if rc.FaceProvider == "" {
		rc.FaceProvider = r.face.Provider
	}
	if adj.FaceRestoreFidelity != nil {
		rc.FaceFidelity = *adj.FaceRestoreFidelity
	}
	return rc
}

func (r *Runner) trace(st models.StageSpec, modelID string, status models.StageStatus, d time.Duration, msg string) models.StageTrace {
	ms := math.Round(float64(d.Microseconds())/10) / 100
	return models.StageTrace{
		StageID:    st.ID,
		StageName:  st.Name,
		ModelID:    modelID,
		ModelLabel: r.catalog.ModelLabel(modelID),
		Status:     status,
		DurationMS: math.Max(ms, 0),
		Message:    msg,
	}
}

func isFace(cat *catalog.Catalog, modelID string) bool {
	m, ok := cat.Model(modelID)
	return ok && m.Kind == models.ModelKindFace
}
