// Package inference is the boundary between the restoration pipeline and the
// neural network backends. Backends are opaque: they take an RGB raster and
// return one, possibly at a different size.
package inference

import (
	"context"
	"image"
	"strings"

	"github.com/kiranshivaraju/relaize/pkg/models"
)

// Request is the input to a single inference call.
type Request struct {
	Image          *image.NRGBA
	Mask           *image.Gray
	Prompt         string
	NegativePrompt string
	Fidelity       float64
	Params         map[string]any
}

// Model is a loaded set of weights bound to one device.
// Implementations need not be safe for concurrent Infer calls; callers serialise.
type Model interface {
	Infer(ctx context.Context, req Request) (*image.NRGBA, error)
	// Device reports the device the weights actually live on.
	Device() string
	// Close releases the weights and any accelerator memory they hold.
	Close() error
}

// LoadOptions selects the weights and placement of a Model.
type LoadOptions struct {
	Kind      models.ModelKind
	ModelName string
	Provider  string
	Device    string
	// TileSize splits inference into square tiles; 0 disables tiling.
	TileSize   int
	WeightPath string
}

// Loader constructs Models. It is the only thing the rest of the system
// knows about a backend.
type Loader interface {
	Name() string
	Load(ctx context.Context, opts LoadOptions) (Model, error)
	DeviceAvailable(device string) bool
}

// Devices is the set of accelerator names a backend can place weights on.
// "cpu" is always available.
type Devices []string

// Available reports whether device can be used. "cuda:1" matches an entry of
// "cuda:1" or a bare "cuda".
func (d Devices) Available(device string) bool {
	device = strings.ToLower(strings.TrimSpace(device))
	if device == "" || device == "cpu" {
		return true
	}
	family, _, _ := strings.Cut(device, ":")
	for _, have := range d {
		have = strings.ToLower(have)
		if have == device || have == family {
			return true
		}
	}
	return false
}

// Accelerator returns the first non-cpu device, or "" when there is none.
func (d Devices) Accelerator() string {
	for _, have := range d {
		if !strings.EqualFold(have, "cpu") {
			return have
		}
	}
	return ""
}
