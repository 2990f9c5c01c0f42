// Package stage runs a single pipeline stage: it picks the backend for a
// model id, prepares the inputs that backend needs and classifies failures.
package stage

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kiranshivaraju/relaize/internal/catalog"
	"github.com/kiranshivaraju/relaize/internal/config"
	"github.com/kiranshivaraju/relaize/internal/imageutil"
	"github.com/kiranshivaraju/relaize/internal/inference"
	"github.com/kiranshivaraju/relaize/internal/superres"
	"github.com/kiranshivaraju/relaize/pkg/models"
)

// Model ids with a dedicated handler.
const (
	ModelFaceRestore = "GFPGAN_v1.4"
	ModelPromptFix   = "PromptFix_diffusion"
	ModelMaskInpaint = "IOPaint_lama"
)

var gfpganWeights = []string{
	"GFPGANv1.4.pth",
	"detection_Resnet50_Final.pth",
	"parsing_parsenet.pth",
}

// RunContext carries the per-task inputs shared by every stage of a run.
type RunContext struct {
	TargetScale    float64
	Prompt         string
	NegativePrompt string
	// MaskData is a data URL; white pixels mark the region to repair.
	MaskData     string
	FaceProvider string
	FaceFidelity float64
}

// Options configures an Executor.
type Options struct {
	FaceRestore config.FaceRestoreConfig
	// WeightsDir holds weights for non super-resolution backends.
	WeightsDir string
	// VerifyWeights checks local weight files before loading a backend. The
	// reference backend ships without weights and leaves it off.
	VerifyWeights bool
}

type backendKey struct {
	handler  string
	model    string
	provider string
	device   string
}

// Executor dispatches stages to backends. Non super-resolution backends
// share a single cache slot; loading a different one closes the previous.
type Executor struct {
	catalog  *catalog.Catalog
	registry *superres.Registry
	loader   inference.Loader
	opts     Options

	mu      sync.Mutex
	slotKey backendKey
	slot    inference.Model
}

func NewExecutor(cat *catalog.Catalog, registry *superres.Registry, loader inference.Loader, opts Options) *Executor {
	return &Executor{
		catalog:  cat,
		registry: registry,
		loader:   loader,
		opts:     opts,
	}
}

// Run executes modelID on img. img is never modified. Every error is a *Error.
func (x *Executor) Run(ctx context.Context, modelID string, img *image.NRGBA, params map[string]any, rc RunContext) (*image.NRGBA, error) {
	spec, ok := x.catalog.Model(modelID)
	if !ok {
		return nil, configError(modelID, "unknown model")
	}
	src := imageutil.ToRGB(img)

	var (
		out *image.NRGBA
		err error
	)
	switch {
	case spec.Kind == models.ModelKindSuperRes:
		out, err = x.runSuperRes(ctx, spec, src, params, rc)
	case modelID == ModelFaceRestore:
		out, err = x.runFace(ctx, spec, src, rc)
	case modelID == ModelPromptFix:
		out, err = x.runPrompt(ctx, spec, src, params, rc)
	case modelID == ModelMaskInpaint:
		out, err = x.runMask(ctx, spec, src, params, rc)
	default:
		return nil, configError(modelID, "model is not wired to an executor")
	}
	if err != nil {
		return nil, classify(modelID, err)
	}
	return out, nil
}

func (x *Executor) runSuperRes(ctx context.Context, spec models.ModelSpec, img *image.NRGBA, params map[string]any, rc RunContext) (*image.NRGBA, error) {
	scale := rc.TargetScale
	if scale <= 0 {
		scale, _ = models.PositiveFloat(params["scale"])
	}
	engine, err := x.registry.Engine(spec.ID)
	if err != nil {
		return nil, err
	}
	return engine.Process(ctx, img, scale)
}

func (x *Executor) runFace(ctx context.Context, spec models.ModelSpec, img *image.NRGBA, rc RunContext) (*image.NRGBA, error) {
	cfg := x.opts.FaceRestore
	device := cfg.Device
	if device == "" || device == "auto" {
		device = "cuda"
	}
	if !strings.HasPrefix(device, "cuda") || !x.loader.DeviceAvailable(device) {
		return nil, configError(spec.ID, "face restoration requires a CUDA device")
	}

	provider := rc.FaceProvider
	if provider == "" {
		provider = cfg.Provider
	}
	var weightPath string
	switch provider {
	case models.FaceProviderGFPGAN:
		if err := x.checkWeights(spec.ID, cfg.WeightsDir, gfpganWeights...); err != nil {
			return nil, err
		}
		weightPath = filepath.Join(cfg.WeightsDir, gfpganWeights[0])
	case models.FaceProviderCodeFormer:
		weightPath = cfg.ModelPath
		if weightPath == "" {
			weightPath = filepath.Join(x.opts.WeightsDir, "codeformer.pth")
		}
		if err := x.checkWeights(spec.ID, filepath.Dir(weightPath), filepath.Base(weightPath)); err != nil {
			return nil, err
		}
	default:
		return nil, configError(spec.ID, "unknown face restoration provider %q", provider)
	}

	key := backendKey{handler: "face", model: spec.ID, provider: provider, device: device}
	return x.infer(ctx, key, inference.LoadOptions{
		Kind:       models.ModelKindFace,
		ModelName:  spec.ID,
		Provider:   provider,
		Device:     device,
		WeightPath: weightPath,
	}, inference.Request{Image: img, Fidelity: rc.FaceFidelity})
}

func (x *Executor) runPrompt(ctx context.Context, spec models.ModelSpec, img *image.NRGBA, params map[string]any, rc RunContext) (*image.NRGBA, error) {
	if strings.TrimSpace(rc.Prompt) == "" {
		return nil, configError(spec.ID, "a prompt is required")
	}
	var mask *image.Gray
	if rc.MaskData != "" {
		m, err := decodeMask(rc.MaskData)
		if err != nil {
			return nil, err
		}
		mask = m
	}
	device := x.deviceFor(spec)
	key := backendKey{handler: "prompt", model: spec.ID, device: device}
	return x.infer(ctx, key, inference.LoadOptions{
		Kind:      models.ModelKindPrompt,
		ModelName: spec.ID,
		Device:    device,
	}, inference.Request{
		Image:          img,
		Mask:           mask,
		Prompt:         rc.Prompt,
		NegativePrompt: rc.NegativePrompt,
		Params:         params,
	})
}

func (x *Executor) runMask(ctx context.Context, spec models.ModelSpec, img *image.NRGBA, params map[string]any, rc RunContext) (*image.NRGBA, error) {
	if rc.MaskData == "" {
		return nil, configError(spec.ID, "a mask is required")
	}
	mask, err := decodeMask(rc.MaskData)
	if err != nil {
		return nil, err
	}
	device := x.deviceFor(spec)
	key := backendKey{handler: "mask", model: spec.ID, device: device}
	return x.infer(ctx, key, inference.LoadOptions{
		Kind:      models.ModelKindMaskInpaint,
		ModelName: spec.ID,
		Device:    device,
	}, inference.Request{Image: img, Mask: mask, Params: params})
}

// infer runs req on the cached backend for key, replacing the cached backend
// when key differs. Inference holds the slot lock.
func (x *Executor) infer(ctx context.Context, key backendKey, opts inference.LoadOptions, req inference.Request) (*image.NRGBA, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.slot == nil || x.slotKey != key {
		x.closeSlot()
		m, err := x.loader.Load(ctx, opts)
		if err != nil {
			return nil, err
		}
		slog.Info("stage backend loaded", "handler", key.handler, "model_id", key.model, "provider", key.provider, "device", m.Device())
		x.slot, x.slotKey = m, key
	}

	out, err := x.slot.Infer(ctx, req)
	if err != nil {
		if errors.Is(err, inference.ErrBackendCrashed) {
			slog.Warn("stage backend crashed, dropping it", "model_id", key.model, "error", err)
			x.closeSlot()
		}
		return nil, err
	}
	if out == nil || out.Bounds().Empty() {
		return nil, inference.ErrEmptyOutput
	}
	return out, nil
}

func (x *Executor) closeSlot() {
	if x.slot == nil {
		return
	}
	if err := x.slot.Close(); err != nil {
		slog.Warn("closing stage backend", "model_id", x.slotKey.model, "error", err)
	}
	x.slot = nil
	x.slotKey = backendKey{}
}

// Close releases the cached backend.
func (x *Executor) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.closeSlot()
	return nil
}

func (x *Executor) deviceFor(spec models.ModelSpec) string {
	device := spec.DefaultDevice
	if device == "" || !x.loader.DeviceAvailable(device) {
		return "cpu"
	}
	return device
}

func (x *Executor) checkWeights(modelID, dir string, names ...string) error {
	if !x.opts.VerifyWeights {
		return nil
	}
	var missing []string
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &Error{
			Kind:    KindConfiguration,
			ModelID: modelID,
			Err:     fmt.Errorf("%w in %s: %s", inference.ErrWeightsMissing, dir, strings.Join(missing, ", ")),
		}
	}
	return nil
}

func decodeMask(data string) (*image.Gray, error) {
	img, err := imageutil.DecodeDataURL(data)
	if err != nil {
		return nil, fmt.Errorf("decoding mask: %w", err)
	}
	return imageutil.ToGray(img), nil
}
