// Package mock provides inference doubles for tests.
package mock

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/kiranshivaraju/relaize/internal/inference"
)

// Loader satisfies inference.Loader and records every Load call.
type Loader struct {
	Name_      string
	LoadFunc   func(ctx context.Context, opts inference.LoadOptions) (inference.Model, error)
	DeviceFunc func(device string) bool

	mu    sync.Mutex
	loads []inference.LoadOptions
}

func (l *Loader) Name() string {
	if l.Name_ == "" {
		return "mock"
	}
	return l.Name_
}

func (l *Loader) Load(ctx context.Context, opts inference.LoadOptions) (inference.Model, error) {
	l.mu.Lock()
	l.loads = append(l.loads, opts)
	l.mu.Unlock()
	if l.LoadFunc != nil {
		return l.LoadFunc(ctx, opts)
	}
	return &Model{Scale: 2, Device_: opts.Device}, nil
}

func (l *Loader) DeviceAvailable(device string) bool {
	if l.DeviceFunc != nil {
		return l.DeviceFunc(device)
	}
	return true
}

// Loads returns a copy of the options passed to Load, in call order.
func (l *Loader) Loads() []inference.LoadOptions {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]inference.LoadOptions(nil), l.loads...)
}

// Model scales its input by Scale with nearest-neighbour sampling unless
// InferFunc is set.
type Model struct {
	Scale     int
	Device_   string
	InferFunc func(ctx context.Context, req inference.Request) (*image.NRGBA, error)

	mu     sync.Mutex
	calls  int
	closed bool
}

func (m *Model) Infer(ctx context.Context, req inference.Request) (*image.NRGBA, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.InferFunc != nil {
		return m.InferFunc(ctx, req)
	}
	scale := m.Scale
	if scale <= 0 {
		scale = 1
	}
	b := req.Image.Bounds()
	return imaging.Resize(req.Image, b.Dx()*scale, b.Dy()*scale, imaging.NearestNeighbor), nil
}

func (m *Model) Device() string { return m.Device_ }

func (m *Model) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Calls reports how many times Infer ran.
func (m *Model) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Closed reports whether Close was called.
func (m *Model) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// NewOOMLoader returns a Loader whose models run out of memory whenever
// they are loaded with tiling disabled or with a tile larger than maxTile.
// Models placed on cpu never run out of memory.
func NewOOMLoader(maxTile, scale int) *Loader {
	return &Loader{
		Name_: "mock-oom",
		LoadFunc: func(_ context.Context, opts inference.LoadOptions) (inference.Model, error) {
			tile := opts.TileSize
			m := &Model{Scale: scale, Device_: opts.Device}
			if opts.Device != "cpu" && (tile == 0 || tile > maxTile) {
				m.InferFunc = func(context.Context, inference.Request) (*image.NRGBA, error) {
					return nil, fmt.Errorf("CUDA error: tile %d: %w", tile, inference.ErrOutOfMemory)
				}
			}
			return m, nil
		},
	}
}

// NewFailingLoader returns a Loader whose Load always fails with err.
func NewFailingLoader(err error) *Loader {
	return &Loader{
		Name_: "mock-failing",
		LoadFunc: func(context.Context, inference.LoadOptions) (inference.Model, error) {
			return nil, err
		},
	}
}

// NewCrashOnceLoader returns a Loader whose first model dies on its first
// Infer and stays dead, the way a crashed backend process does. Every later
// Load returns a healthy model.
func NewCrashOnceLoader(scale int) *Loader {
	var mu sync.Mutex
	loaded := 0
	return &Loader{
		Name_: "mock-crash",
		LoadFunc: func(_ context.Context, opts inference.LoadOptions) (inference.Model, error) {
			mu.Lock()
			loaded++
			first := loaded == 1
			mu.Unlock()
			m := &Model{Scale: scale, Device_: opts.Device}
			if first {
				m.InferFunc = func(context.Context, inference.Request) (*image.NRGBA, error) {
					return nil, fmt.Errorf("%w: inference process exited: exit status 139", inference.ErrBackendCrashed)
				}
			}
			return m, nil
		},
	}
}

// Compile-time checks.
var (
	_ inference.Loader = (*Loader)(nil)
	_ inference.Model  = (*Model)(nil)
)
