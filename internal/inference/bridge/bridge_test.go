package bridge_test

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"testing"
	"time"

	"github.com/kiranshivaraju/relaize/internal/config"
	"github.com/kiranshivaraju/relaize/internal/inference"
	"github.com/kiranshivaraju/relaize/internal/inference/bridge"
	"github.com/kiranshivaraju/relaize/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

// TestHelperProcess is not a real test. It is re-executed by the loader as a
// stand-in inference process: it doubles images with nearest-neighbour
// sampling, or misbehaves depending on the --model flag.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("RELAIZE_BRIDGE_HELPER") != "1" {
		return
	}
	defer os.Exit(0)

	model, device := "", "cpu"
	args := os.Args
	for i := 0; i < len(args)-1; i++ {
		switch args[i] {
		case "--model":
			model = args[i+1]
		case "--device":
			device = args[i+1]
		}
	}

	in := bufio.NewReader(os.Stdin)
	out := os.Stdout
	fmt.Fprintln(os.Stderr, "[INFO] helper starting", model)

	if model == "missing" {
		helperWrite(out, map[string]any{"type": "error", "code": "weights_missing", "message": "no such file"})
		return
	}
	if model == "crash" {
		os.Exit(3)
	}
	helperWrite(out, map[string]any{"type": "ready", "device": device})

	for {
		req, err := helperRead(in)
		if err != nil {
			return
		}
		switch req["type"] {
		case "shutdown":
			return
		case "infer":
			if model == "segv" {
				os.Exit(139)
			}
			if model == "oom" {
				helperWrite(out, map[string]any{"type": "error", "code": "oom", "message": "CUDA out of memory"})
				continue
			}
			w, h := toInt(req["width"]), toInt(req["height"])
			pix := req["pixels"].([]byte)
			up := make([]byte, 0, w*h*12)
			for y := 0; y < h*2; y++ {
				for x := 0; x < w*2; x++ {
					i := ((y/2)*w + x/2) * 3
					up = append(up, pix[i], pix[i+1], pix[i+2])
				}
			}
			helperWrite(out, map[string]any{"type": "result", "id": req["id"], "width": w * 2, "height": h * 2, "pixels": up})
		}
	}
}

func helperWrite(w io.Writer, v map[string]any) {
	body, _ := msgpack.Marshal(v)
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	w.Write(prefix[:])
	w.Write(body)
}

func helperRead(r io.Reader) (map[string]any, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	body := make([]byte, binary.BigEndian.Uint32(prefix[:]))
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var m map[string]any
	return m, msgpack.Unmarshal(body, &m)
}

func toInt(v any) int {
	switch n := v.(type) {
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint8:
		return int(n)
	case uint16:
		return int(n)
	case uint32:
		return int(n)
	case uint64:
		return int(n)
	}
	return 0
}

func helperLoader(t *testing.T) *bridge.Loader {
	t.Helper()
	t.Setenv("RELAIZE_BRIDGE_HELPER", "1")
	l, err := bridge.NewLoader(config.InferenceConfig{
		Provider:     config.InferenceProviderBridge,
		Command:      os.Args[0],
		Args:         []string{"-test.run=TestHelperProcess", "--"},
		Accelerators: []string{"cuda"},
		StartTimeout: 30 * time.Second,
	})
	require.NoError(t, err)
	return l
}

func testImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 10), G: uint8(y * 10), B: 7, A: 255})
		}
	}
	return img
}

func TestNewLoader_RequiresCommand(t *testing.T) {
	_, err := bridge.NewLoader(config.InferenceConfig{})
	assert.Error(t, err)
}

func TestLoad_MissingExecutable(t *testing.T) {
	l, err := bridge.NewLoader(config.InferenceConfig{Command: "relaize-no-such-binary"})
	require.NoError(t, err)

	_, err = l.Load(context.Background(), inference.LoadOptions{Kind: models.ModelKindSuperRes, ModelName: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, inference.ErrBackendUnavailable)
}

func TestDeviceAvailable(t *testing.T) {
	l, err := bridge.NewLoader(config.InferenceConfig{Command: "python3", Accelerators: []string{"cuda"}})
	require.NoError(t, err)
	assert.True(t, l.DeviceAvailable("cpu"))
	assert.True(t, l.DeviceAvailable("cuda:0"))
	assert.False(t, l.DeviceAvailable("mps"))
	assert.Equal(t, "bridge", l.Name())
}

func TestLoadAndInfer(t *testing.T) {
	l := helperLoader(t)

	m, err := l.Load(context.Background(), inference.LoadOptions{
		Kind:      models.ModelKindSuperRes,
		ModelName: "RealESRGAN_x4plus",
		Device:    "cuda",
		TileSize:  256,
	})
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, "cuda", m.Device())

	src := testImage(5, 3)
	out, err := m.Infer(context.Background(), inference.Request{Image: src})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 10, 6), out.Bounds())
	assert.Equal(t, src.NRGBAAt(2, 1), out.NRGBAAt(4, 2))

	// A second call on the same process keeps the stream in sync.
	out, err = m.Infer(context.Background(), inference.Request{Image: testImage(2, 2)})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 4), out.Bounds())
}

func TestLoad_WeightsMissing(t *testing.T) {
	l := helperLoader(t)

	_, err := l.Load(context.Background(), inference.LoadOptions{Kind: models.ModelKindFace, ModelName: "missing"})
	require.Error(t, err)
	assert.ErrorIs(t, err, inference.ErrWeightsMissing)
}

func TestLoad_ProcessCrash(t *testing.T) {
	l := helperLoader(t)

	_, err := l.Load(context.Background(), inference.LoadOptions{Kind: models.ModelKindSuperRes, ModelName: "crash"})
	require.Error(t, err)
	assert.ErrorIs(t, err, inference.ErrBackendUnavailable)
	assert.NotErrorIs(t, err, inference.ErrBackendCrashed)
}

func TestInfer_OutOfMemory(t *testing.T) {
	l := helperLoader(t)

	m, err := l.Load(context.Background(), inference.LoadOptions{Kind: models.ModelKindSuperRes, ModelName: "oom", Device: "cuda"})
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Infer(context.Background(), inference.Request{Image: testImage(4, 4)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, inference.ErrOutOfMemory))
	assert.True(t, inference.IsOutOfMemory(err))
}

func TestInfer_AfterClose(t *testing.T) {
	l := helperLoader(t)

	m, err := l.Load(context.Background(), inference.LoadOptions{Kind: models.ModelKindSuperRes, ModelName: "ok"})
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err = m.Infer(context.Background(), inference.Request{Image: testImage(2, 2)})
	assert.ErrorIs(t, err, inference.ErrBackendCrashed)
	assert.NotErrorIs(t, err, inference.ErrBackendUnavailable)
}

func TestInfer_ProcessExitsMidRequest(t *testing.T) {
	l := helperLoader(t)

	m, err := l.Load(context.Background(), inference.LoadOptions{Kind: models.ModelKindSuperRes, ModelName: "segv"})
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Infer(context.Background(), inference.Request{Image: testImage(2, 2)})
	require.Error(t, err)
	assert.ErrorIs(t, err, inference.ErrBackendCrashed)
	assert.NotErrorIs(t, err, inference.ErrBackendUnavailable)

	_, err = m.Infer(context.Background(), inference.Request{Image: testImage(2, 2)})
	assert.ErrorIs(t, err, inference.ErrBackendCrashed)
}
