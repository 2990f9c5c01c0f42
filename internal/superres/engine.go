// Package superres runs super-resolution models with shape padding, output
// rescaling and recovery from accelerator memory exhaustion.
package superres

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync"

	"github.com/kiranshivaraju/relaize/internal/config"
	"github.com/kiranshivaraju/relaize/internal/imageutil"
	"github.com/kiranshivaraju/relaize/internal/inference"
	"github.com/kiranshivaraju/relaize/internal/metrics"
	"github.com/kiranshivaraju/relaize/pkg/models"
)

// padUnit is the spatial multiple the transformer backbones require.
const padUnit = 16

// TileLadder is the descending sequence of tile sizes tried after the
// accelerator runs out of memory.
var TileLadder = []int{1024, 768, 512, 384, 256, 192, 128, 96, 64}

// ErrDisabled is returned by the registry when super-resolution is turned
// off in configuration.
var ErrDisabled = errors.New("super-resolution is disabled")

// Options configures a single Engine.
type Options struct {
	ModelName  string
	WeightPath string
	Device     string
	Scale      float64
	UseTile    bool
	TileSize   int
	OOMPolicy  string
}

// Engine owns one loaded super-resolution model. All inference on an engine
// is serialised by its mutex. The OOM recovery path reloads the model in
// place, and a crashed backend is dropped so the next call reloads it.
type Engine struct {
	loader  inference.Loader
	opts    Options
	metrics *metrics.Metrics

	mu     sync.Mutex
	model  inference.Model
	device string
	tile   int
	closed bool
}

// NewEngine resolves the device and returns an engine whose model is loaded
// on first use.
func NewEngine(loader inference.Loader, opts Options, m *metrics.Metrics) *Engine {
	if opts.TileSize <= 0 {
		opts.TileSize = 512
	}
	tile := 0
	if opts.UseTile {
		tile = opts.TileSize
	}
	return &Engine{
		loader:  loader,
		opts:    opts,
		metrics: m,
		device:  resolveDevice(loader, opts.Device),
		tile:    tile,
	}
}

// resolveDevice falls back to cpu when the requested accelerator is absent.
// "auto" picks cuda, then mps, then cpu.
func resolveDevice(loader inference.Loader, requested string) string {
	switch requested {
	case "", "cpu":
		return "cpu"
	case "auto":
		for _, d := range []string{"cuda", "mps"} {
			if loader.DeviceAvailable(d) {
				return d
			}
		}
		return "cpu"
	}
	if loader.DeviceAvailable(requested) {
		return requested
	}
	slog.Warn("requested device unavailable, using cpu", "device", requested, "backend", loader.Name())
	return "cpu"
}

// Device reports the device the engine currently runs on.
func (e *Engine) Device() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.device
}

// TileSize reports the current tile size; 0 means tiling is disabled.
func (e *Engine) TileSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tile
}

func (e *Engine) ModelName() string { return e.opts.ModelName }

// Process upscales img by scale. A scale <= 0 uses the engine default and
// anything below models.MinTargetScale is clamped. The result is exactly
// round(w*scale) x round(h*scale); img is never modified.
func (e *Engine) Process(ctx context.Context, img *image.NRGBA, scale float64) (*image.NRGBA, error) {
	if scale <= 0 {
		scale = e.opts.Scale
	}
	scale = math.Max(scale, models.MinTargetScale)

	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("super-resolution: empty input image")
	}
	w, h := b.Dx(), b.Dy()
	padded, padH, padW := imageutil.PadToMultiple(img, padUnit)

	e.mu.Lock()
	defer e.mu.Unlock()

	out, err := e.inferWithRecovery(ctx, padded)
	if e.closed {
		e.release()
	}
	if err != nil {
		return nil, err
	}

	ob := out.Bounds()
	if padH > 0 || padW > 0 {
		pb := padded.Bounds()
		cropH := ob.Dy() - int(math.Round(float64(padH)*float64(ob.Dy())/float64(pb.Dy())))
		cropW := ob.Dx() - int(math.Round(float64(padW)*float64(ob.Dx())/float64(pb.Dx())))
		if cropH <= 0 || cropW <= 0 {
			return nil, inference.ErrEmptyOutput
		}
		out = imageutil.CropTopLeft(out, cropW, cropH)
		ob = out.Bounds()
	}

	tw := max(1, int(math.Round(float64(w)*scale)))
	th := max(1, int(math.Round(float64(h)*scale)))
	if ob.Dx() != tw || ob.Dy() != th {
		out = imageutil.Resize(out, tw, th)
	}
	return out, nil
}

// inferWithRecovery runs one inference, walking the tile ladder on memory
// exhaustion. Callers hold e.mu.
func (e *Engine) inferWithRecovery(ctx context.Context, img *image.NRGBA) (*image.NRGBA, error) {
	if e.model == nil {
		if err := e.load(ctx, e.device, e.tile); err != nil {
			return nil, err
		}
	}

	out, err := e.infer(ctx, img)
	if err == nil || !inference.IsOutOfMemory(err) {
		e.dropIfCrashed(err)
		return out, err
	}
	firstErr := err
	last := e.tile

	for {
		next, ok := nextTile(last, e.opts.TileSize)
		if !ok {
			break
		}
		slog.Warn("super-resolution out of memory, retrying with smaller tile",
			"model_id", e.opts.ModelName, "device", e.device, "tile_size", last, "next_tile_size", next)
		e.metrics.OOMRetry(e.opts.ModelName)

		if err := e.load(ctx, e.device, next); err != nil {
			return nil, err
		}
		out, err = e.infer(ctx, img)
		if err == nil || !inference.IsOutOfMemory(err) {
			e.dropIfCrashed(err)
			return out, err
		}
		last = next
	}

	if e.opts.OOMPolicy != config.OOMPolicyCPUFallback || e.device == "cpu" {
		slog.Error("super-resolution tile ladder exhausted",
			"model_id", e.opts.ModelName, "device", e.device, "tile_size", last)
		return nil, firstErr
	}

	slog.Warn("super-resolution tile ladder exhausted, falling back to cpu",
		"model_id", e.opts.ModelName, "device", e.device, "tile_size", last)
	e.metrics.CPUFallback(e.opts.ModelName)
	if err := e.load(ctx, "cpu", e.opts.TileSize); err != nil {
		return nil, err
	}
	out, err = e.infer(ctx, img)
	if err != nil {
		e.dropIfCrashed(err)
		return nil, fmt.Errorf("cpu fallback: %w", err)
	}
	return out, nil
}

func (e *Engine) infer(ctx context.Context, img *image.NRGBA) (*image.NRGBA, error) {
	out, err := e.model.Infer(ctx, inference.Request{Image: img})
	if err != nil {
		return nil, err
	}
	if out == nil || out.Bounds().Empty() {
		return nil, inference.ErrEmptyOutput
	}
	return out, nil
}

// load closes the current model, then loads the weights on device with the
// given tile. The engine records device and tile even when loading fails so
// the next attempt starts from the same rung.
func (e *Engine) load(ctx context.Context, device string, tile int) error {
	e.release()
	e.device = device
	e.tile = tile

	m, err := e.loader.Load(ctx, inference.LoadOptions{
		Kind:       models.ModelKindSuperRes,
		ModelName:  e.opts.ModelName,
		Device:     device,
		TileSize:   tile,
		WeightPath: e.opts.WeightPath,
	})
	if err != nil {
		return fmt.Errorf("loading %s on %s: %w", e.opts.ModelName, device, err)
	}
	e.model = m
	slog.Info("super-resolution model loaded",
		"model_id", e.opts.ModelName, "device", m.Device(), "tile_size", tile)
	return nil
}

// dropIfCrashed releases a model whose backend died so the next call loads
// it again on the same device and tile.
func (e *Engine) dropIfCrashed(err error) {
	if !errors.Is(err, inference.ErrBackendCrashed) {
		return
	}
	slog.Warn("super-resolution backend crashed, model will be reloaded",
		"model_id", e.opts.ModelName, "device", e.device, "error", err)
	e.release()
}

func (e *Engine) release() {
	if e.model == nil {
		return
	}
	if err := e.model.Close(); err != nil {
		slog.Warn("closing super-resolution model", "model_id", e.opts.ModelName, "error", err)
	}
	e.model = nil
}

// Close releases the model. An engine still referenced by a caller keeps
// working but drops its weights after every call.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.release()
	return nil
}

// nextTile returns the largest ladder entry strictly below last. When tiling
// was disabled (last == 0) the configured default tile comes first.
func nextTile(last, defaultTile int) (int, bool) {
	if last <= 0 {
		return defaultTile, true
	}
	for _, t := range TileLadder {
		if t < last {
			return t, true
		}
	}
	return 0, false
}
