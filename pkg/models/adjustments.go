package models

import (
	"errors"
	"fmt"
	"maps"
	"strconv"
)

const (
	MinTargetScale = 0.1
	MaxTargetScale = 8.0

	FaceProviderGFPGAN     = "gfpgan"
	FaceProviderCodeFormer = "codeformer"
)

var ErrInvalidAdjustments = errors.New("invalid adjustments")

// Adjustments is the user-supplied parameter set attached to a task. Every
// field is optional; zero values mean "use the pipeline default".
type Adjustments struct {
	Parameters          map[string]any    `json:"parameters,omitempty"`
	PresetID            string            `json:"preset_id,omitempty"`
	Note                string            `json:"note,omitempty"`
	ModelName           string            `json:"model_name,omitempty"`
	TargetScale         float64           `json:"target_scale,omitempty"`
	PipelineID          string            `json:"pipeline_id,omitempty"`
	StageOverrides      map[string]string `json:"pipeline_stage_overrides,omitempty"`
	Prompt              string            `json:"prompt,omitempty"`
	NegativePrompt      string            `json:"negative_prompt,omitempty"`
	MaskData            string            `json:"mask_data,omitempty"`
	FaceRestoreEnabled  *bool             `json:"face_restore_enabled,omitempty"`
	FaceRestoreProvider string            `json:"face_restore_provider,omitempty"`
	FaceRestoreFidelity *float64          `json:"face_restore_fidelity,omitempty"`
}

// Validate checks value ranges. It does not check ids against the catalog;
// unknown pipelines fall back to the default and unknown models fail at the stage.
func (a *Adjustments) Validate() error {
	if a == nil {
		return nil
	}
	if a.TargetScale != 0 && (a.TargetScale < MinTargetScale || a.TargetScale > MaxTargetScale) {
		return fmt.Errorf("%w: target_scale must be between %.1f and %.1f, got %v",
			ErrInvalidAdjustments, MinTargetScale, MaxTargetScale, a.TargetScale)
	}
	if f := a.FaceRestoreFidelity; f != nil && (*f < 0 || *f > 1) {
		return fmt.Errorf("%w: face_restore_fidelity must be between 0 and 1, got %v",
			ErrInvalidAdjustments, *f)
	}
	switch a.FaceRestoreProvider {
	case "", FaceProviderGFPGAN, FaceProviderCodeFormer:
	default:
		return fmt.Errorf("%w: face_restore_provider must be gfpgan or codeformer, got %q",
			ErrInvalidAdjustments, a.FaceRestoreProvider)
	}
	return nil
}

// ScaleOverride returns the requested output scale, or 0 when none was given.
// An explicit target_scale wins over the targetScale, scale and upscale parameters.
func (a *Adjustments) ScaleOverride() float64 {
	if a == nil {
		return 0
	}
	if a.TargetScale > 0 {
		return a.TargetScale
	}
	for _, key := range []string{"targetScale", "scale", "upscale"} {
		if v, ok := PositiveFloat(a.Parameters[key]); ok {
			return v
		}
	}
	return 0
}

// WithFallback returns a copy of a where every unset field is taken from base.
// Used by the inline preview, where the request payload overrides the stored adjustments.
func (a *Adjustments) WithFallback(base *Adjustments) *Adjustments {
	if a == nil {
		return base.Clone()
	}
	out := a.Clone()
	if base == nil {
		return out
	}
	if len(out.Parameters) == 0 {
		out.Parameters = maps.Clone(base.Parameters)
	}
	if out.PresetID == "" {
		out.PresetID = base.PresetID
	}
	if out.ModelName == "" {
		out.ModelName = base.ModelName
	}
	if out.TargetScale == 0 {
		out.TargetScale = base.TargetScale
	}
	if out.PipelineID == "" {
		out.PipelineID = base.PipelineID
	}
	if len(out.StageOverrides) == 0 {
		out.StageOverrides = maps.Clone(base.StageOverrides)
	}
	if out.Prompt == "" {
		out.Prompt = base.Prompt
	}
	if out.NegativePrompt == "" {
		out.NegativePrompt = base.NegativePrompt
	}
	if out.MaskData == "" {
		out.MaskData = base.MaskData
	}
	if out.FaceRestoreEnabled == nil && base.FaceRestoreEnabled != nil {
		v := *base.FaceRestoreEnabled
		out.FaceRestoreEnabled = &v
	}
	if out.FaceRestoreProvider == "" {
		out.FaceRestoreProvider = base.FaceRestoreProvider
	}
	if out.FaceRestoreFidelity == nil && base.FaceRestoreFidelity != nil {
		v := *base.FaceRestoreFidelity
		out.FaceRestoreFidelity = &v
	}
	return out
}

// Clone returns a deep copy of a.
func (a *Adjustments) Clone() *Adjustments {
	if a == nil {
		return nil
	}
	c := *a
	c.Parameters = maps.Clone(a.Parameters)
	c.StageOverrides = maps.Clone(a.StageOverrides)
	if a.FaceRestoreEnabled != nil {
		v := *a.FaceRestoreEnabled
		c.FaceRestoreEnabled = &v
	}
	if a.FaceRestoreFidelity != nil {
		v := *a.FaceRestoreFidelity
		c.FaceRestoreFidelity = &v
	}
	return &c
}

// PositiveFloat converts a loosely typed JSON value to a float greater than zero.
func PositiveFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	return f, f > 0
}
