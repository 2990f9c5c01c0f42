package superres_test

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"

	"github.com/kiranshivaraju/relaize/internal/config"
	"github.com/kiranshivaraju/relaize/internal/inference"
	"github.com/kiranshivaraju/relaize/internal/inference/mock"
	"github.com/kiranshivaraju/relaize/internal/metrics"
	"github.com/kiranshivaraju/relaize/internal/superres"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 7), G: uint8(y * 5), B: 90, A: 255})
		}
	}
	return img
}

func TestProcess_OutputDimensions(t *testing.T) {
	tests := []struct {
		name  string
		w, h  int
		scale float64
		wantW int
		wantH int
	}{
		{"aligned 2x", 32, 16, 2, 64, 32},
		{"padded 2x", 30, 17, 2, 60, 34},
		{"fractional", 33, 21, 1.5, 50, 32},
		{"downscale clamps at 0.1", 40, 40, 0.01, 4, 4},
		{"native 4x resized to 3x", 20, 10, 3, 60, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := &mock.Loader{}
			e := superres.NewEngine(loader, superres.Options{ModelName: "RealESRGAN_RealESRGAN_x4plus_4x", Device: "cpu"}, nil)
			out, err := e.Process(context.Background(), testImage(tt.w, tt.h), tt.scale)
			require.NoError(t, err)
			assert.Equal(t, tt.wantW, out.Bounds().Dx())
			assert.Equal(t, tt.wantH, out.Bounds().Dy())
		})
	}
}

func TestProcess_PadsToMultipleOf16AndCrops(t *testing.T) {
	var seen image.Rectangle
	loader := &mock.Loader{
		LoadFunc: func(_ context.Context, opts inference.LoadOptions) (inference.Model, error) {
			return &mock.Model{Scale: 2, InferFunc: func(ctx context.Context, req inference.Request) (*image.NRGBA, error) {
				seen = req.Image.Bounds()
				return (&mock.Model{Scale: 2}).Infer(ctx, req)
			}}, nil
		},
	}
	e := superres.NewEngine(loader, superres.Options{ModelName: "DAT_light_2x", Device: "cpu"}, nil)

	src := testImage(30, 17)
	out, err := e.Process(context.Background(), src, 2)
	require.NoError(t, err)

	assert.Equal(t, image.Rect(0, 0, 32, 32), seen)
	assert.Equal(t, image.Rect(0, 0, 60, 34), out.Bounds())
	// Nearest-neighbour 2x keeps the top-left source pixel in the top-left 2x2 block.
	assert.Equal(t, src.NRGBAAt(0, 0), out.NRGBAAt(1, 1))
}

func TestProcess_DoesNotMutateInput(t *testing.T) {
	e := superres.NewEngine(&mock.Loader{}, superres.Options{ModelName: "DAT_light_2x", Device: "cpu"}, nil)
	src := testImage(30, 17)
	before := append([]uint8(nil), src.Pix...)

	_, err := e.Process(context.Background(), src, 2)
	require.NoError(t, err)
	assert.Equal(t, before, src.Pix)
}

func TestProcess_LoadsLazilyOnce(t *testing.T) {
	loader := &mock.Loader{}
	e := superres.NewEngine(loader, superres.Options{ModelName: "DAT_light_2x", Device: "cpu"}, nil)
	assert.Empty(t, loader.Loads())

	for i := 0; i < 3; i++ {
		_, err := e.Process(context.Background(), testImage(16, 16), 2)
		require.NoError(t, err)
	}
	assert.Len(t, loader.Loads(), 1)
}

func TestProcess_UnavailableDeviceFallsBackToCPU(t *testing.T) {
	loader := &mock.Loader{DeviceFunc: func(d string) bool { return d == "cpu" }}
	e := superres.NewEngine(loader, superres.Options{ModelName: "DAT_light_2x", Device: "cuda"}, nil)
	assert.Equal(t, "cpu", e.Device())

	_, err := e.Process(context.Background(), testImage(16, 16), 2)
	require.NoError(t, err)
	assert.Equal(t, "cpu", loader.Loads()[0].Device)
}

func TestProcess_OOMLadderShrinksTile(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	loader := mock.NewOOMLoader(128, 2)
	e := superres.NewEngine(loader, superres.Options{
		ModelName: "HAT_Real_GAN_4x",
		Device:    "cuda",
		UseTile:   true,
		TileSize:  512,
		OOMPolicy: config.OOMPolicyStrict,
	}, m)

	_, err := e.Process(context.Background(), testImage(40, 40), 2)
	require.NoError(t, err)

	first := 512
	assert.LessOrEqual(t, e.TileSize(), 128)
	assert.Less(t, e.TileSize(), first)

	var tiles []int
	for _, l := range loader.Loads() {
		tiles = append(tiles, l.TileSize)
	}
	assert.Equal(t, []int{512, 384, 256, 192, 128}, tiles)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.OOMRetries.WithLabelValues("HAT_Real_GAN_4x")))
}

func TestProcess_OOMLadderClosesBeforeReload(t *testing.T) {
	var mu sync.Mutex
	var built []*mock.Model
	inner := mock.NewOOMLoader(256, 2)
	loader := &mock.Loader{
		LoadFunc: func(ctx context.Context, opts inference.LoadOptions) (inference.Model, error) {
			m, err := inner.LoadFunc(ctx, opts)
			mu.Lock()
			built = append(built, m.(*mock.Model))
			mu.Unlock()
			return m, err
		},
	}
	e := superres.NewEngine(loader, superres.Options{ModelName: "x", Device: "cuda", UseTile: true, TileSize: 512}, nil)

	_, err := e.Process(context.Background(), testImage(16, 16), 2)
	require.NoError(t, err)
	require.Len(t, built, 3)
	assert.True(t, built[0].Closed())
	assert.True(t, built[1].Closed())
	assert.False(t, built[2].Closed())
}

func TestProcess_OOMWithTilingDisabledStartsAtDefaultTile(t *testing.T) {
	loader := mock.NewOOMLoader(1024, 2)
	e := superres.NewEngine(loader, superres.Options{ModelName: "x", Device: "cuda", UseTile: false, TileSize: 512}, nil)
	assert.Equal(t, 0, e.TileSize())

	_, err := e.Process(context.Background(), testImage(16, 16), 2)
	require.NoError(t, err)

	loads := loader.Loads()
	require.Len(t, loads, 2)
	assert.Equal(t, 0, loads[0].TileSize)
	assert.Equal(t, 512, loads[1].TileSize)
}

func TestProcess_StrictPolicyReturnsOriginalError(t *testing.T) {
	loader := mock.NewOOMLoader(0, 2)
	e := superres.NewEngine(loader, superres.Options{
		ModelName: "x", Device: "cuda", UseTile: true, TileSize: 512, OOMPolicy: config.OOMPolicyStrict,
	}, nil)

	_, err := e.Process(context.Background(), testImage(16, 16), 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, inference.ErrOutOfMemory)
	assert.Contains(t, err.Error(), "tile 512", "original error expected, not the last rung")
	assert.Equal(t, 64, e.TileSize())
	assert.Equal(t, "cuda", e.Device())
}

func TestProcess_CPUFallbackPolicy(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	loader := mock.NewOOMLoader(0, 2)
	e := superres.NewEngine(loader, superres.Options{
		ModelName: "x", Device: "cuda", UseTile: true, TileSize: 512, OOMPolicy: config.OOMPolicyCPUFallback,
	}, m)

	out, err := e.Process(context.Background(), testImage(16, 16), 2)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 32, 32), out.Bounds())
	assert.Equal(t, "cpu", e.Device())

	loads := loader.Loads()
	last := loads[len(loads)-1]
	assert.Equal(t, "cpu", last.Device)
	assert.Equal(t, 512, last.TileSize)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CPUFallbacks.WithLabelValues("x")))
}

func TestProcess_NonOOMErrorIsNotRetried(t *testing.T) {
	boom := errors.New("shape mismatch")
	loader := &mock.Loader{
		LoadFunc: func(context.Context, inference.LoadOptions) (inference.Model, error) {
			return &mock.Model{InferFunc: func(context.Context, inference.Request) (*image.NRGBA, error) {
				return nil, boom
			}}, nil
		},
	}
	e := superres.NewEngine(loader, superres.Options{ModelName: "x", Device: "cpu", UseTile: true, TileSize: 512}, nil)

	_, err := e.Process(context.Background(), testImage(16, 16), 2)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, loader.Loads(), 1)
}

func TestProcess_CrashedBackendIsReloaded(t *testing.T) {
	var models []*mock.Model
	crashing := mock.NewCrashOnceLoader(2)
	loader := &mock.Loader{
		LoadFunc: func(ctx context.Context, opts inference.LoadOptions) (inference.Model, error) {
			m, err := crashing.Load(ctx, opts)
			models = append(models, m.(*mock.Model))
			return m, err
		},
	}
	e := superres.NewEngine(loader, superres.Options{ModelName: "x", Device: "cpu", UseTile: true, TileSize: 256}, nil)

	_, err := e.Process(context.Background(), testImage(16, 16), 2)
	require.ErrorIs(t, err, inference.ErrBackendCrashed)
	require.Len(t, models, 1)
	assert.True(t, models[0].Closed())

	out, err := e.Process(context.Background(), testImage(16, 16), 2)
	require.NoError(t, err)
	assert.Equal(t, 32, out.Bounds().Dx())
	require.Len(t, loader.Loads(), 2)
	assert.Equal(t, 256, loader.Loads()[1].TileSize)
	assert.False(t, models[1].Closed())
}

func TestProcess_LoadFailure(t *testing.T) {
	e := superres.NewEngine(mock.NewFailingLoader(inference.ErrWeightsMissing), superres.Options{ModelName: "x", Device: "cpu"}, nil)
	_, err := e.Process(context.Background(), testImage(16, 16), 2)
	assert.ErrorIs(t, err, inference.ErrWeightsMissing)
}

func TestProcess_EmptyOutput(t *testing.T) {
	loader := &mock.Loader{
		LoadFunc: func(context.Context, inference.LoadOptions) (inference.Model, error) {
			return &mock.Model{InferFunc: func(context.Context, inference.Request) (*image.NRGBA, error) {
				return image.NewNRGBA(image.Rectangle{}), nil
			}}, nil
		},
	}
	e := superres.NewEngine(loader, superres.Options{ModelName: "x", Device: "cpu"}, nil)
	_, err := e.Process(context.Background(), testImage(16, 16), 2)
	assert.ErrorIs(t, err, inference.ErrEmptyOutput)
}

func TestProcess_ConcurrentCallsAreSerialised(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	loader := &mock.Loader{
		LoadFunc: func(context.Context, inference.LoadOptions) (inference.Model, error) {
			return &mock.Model{InferFunc: func(ctx context.Context, req inference.Request) (*image.NRGBA, error) {
				mu.Lock()
				active++
				peak = max(peak, active)
				mu.Unlock()
				out, err := (&mock.Model{Scale: 2}).Infer(ctx, req)
				mu.Lock()
				active--
				mu.Unlock()
				return out, err
			}}, nil
		},
	}
	e := superres.NewEngine(loader, superres.Options{ModelName: "x", Device: "cpu"}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Process(context.Background(), testImage(16, 16), 2)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, peak)
}

func TestClose_ReleasesModel(t *testing.T) {
	var built *mock.Model
	loader := &mock.Loader{
		LoadFunc: func(context.Context, inference.LoadOptions) (inference.Model, error) {
			built = &mock.Model{Scale: 2}
			return built, nil
		},
	}
	e := superres.NewEngine(loader, superres.Options{ModelName: "x", Device: "cpu"}, nil)
	_, err := e.Process(context.Background(), testImage(16, 16), 2)
	require.NoError(t, err)

	require.NoError(t, e.Close())
	assert.True(t, built.Closed())

	// A closed engine still serves a straggling caller but drops the weights afterwards.
	_, err = e.Process(context.Background(), testImage(16, 16), 2)
	require.NoError(t, err)
	assert.True(t, built.Closed())
}
