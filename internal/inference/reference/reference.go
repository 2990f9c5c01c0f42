// Package reference is a CPU-only inference backend built from classic image
// filters. It stands in for the neural backends in development and tests:
// super-resolution is Lanczos resampling, inpainting blends a blurred copy
// under the mask, face restoration is an unsharp mask.
package reference

import (
	"context"
	"fmt"
	"image"
	"regexp"
	"strconv"

	"github.com/disintegration/imaging"
	"github.com/kiranshivaraju/relaize/internal/config"
	"github.com/kiranshivaraju/relaize/internal/inference"
	"github.com/kiranshivaraju/relaize/pkg/models"
)

const defaultNativeScale = 2

var scaleSuffix = regexp.MustCompile(`(?i)(?:_(\d+)x|x(\d+)(?:plus)?)$`)

// Loader builds reference models.
type Loader struct {
	devices inference.Devices
}

func NewLoader(cfg config.InferenceConfig) *Loader {
	return &Loader{devices: inference.Devices(cfg.Accelerators)}
}

func (l *Loader) Name() string { return "reference" }

func (l *Loader) DeviceAvailable(device string) bool { return l.devices.Available(device) }

func (l *Loader) Load(ctx context.Context, opts inference.LoadOptions) (inference.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	device := opts.Device
	if !l.DeviceAvailable(device) || device == "" {
		device = "cpu"
	}
	switch opts.Kind {
	case models.ModelKindSuperRes:
		return &upscaler{scale: NativeScale(opts.ModelName), device: device}, nil
	case models.ModelKindFace, models.ModelKindPrompt, models.ModelKindMaskInpaint:
		return &filter{kind: opts.Kind, device: device}, nil
	default:
		return nil, fmt.Errorf("%w: %s models", inference.ErrUnsupported, opts.Kind)
	}
}

// NativeScale extracts the upscale factor encoded in a model name such as
// "HAT_Real_GAN_4x" or "RealESRGAN_x4plus".
func NativeScale(name string) int {
	m := scaleSuffix.FindStringSubmatch(name)
	if m == nil {
		return defaultNativeScale
	}
	digits := m[1]
	if digits == "" {
		digits = m[2]
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 {
		return defaultNativeScale
	}
	return n
}

type upscaler struct {
	scale  int
	device string
}

func (u *upscaler) Infer(ctx context.Context, req inference.Request) (*image.NRGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := req.Image.Bounds()
	if b.Empty() {
		return nil, inference.ErrEmptyOutput
	}
	out := imaging.Resize(req.Image, b.Dx()*u.scale, b.Dy()*u.scale, imaging.Lanczos)
	return imaging.Sharpen(out, 0.6), nil
}

func (u *upscaler) Device() string { return u.device }
func (u *upscaler) Close() error   { return nil }

type filter struct {
	kind   models.ModelKind
	device string
}

func (f *filter) Infer(ctx context.Context, req inference.Request) (*image.NRGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src := req.Image
	switch f.kind {
	case models.ModelKindFace:
		sigma := 0.5 + req.Fidelity
		return imaging.Sharpen(src, sigma), nil
	default:
		if req.Mask == nil {
			return imaging.Blur(src, 0.6), nil
		}
		return blendMasked(src, imaging.Blur(src, 8), req.Mask), nil
	}
}

func (f *filter) Device() string { return f.device }
func (f *filter) Close() error   { return nil }

// blendMasked takes fill where the mask is set and src elsewhere. The mask is
// stretched to the image size when they differ.
func blendMasked(src, fill *image.NRGBA, mask *image.Gray) *image.NRGBA {
	b := src.Bounds()
	mb := mask.Bounds()
	if mb.Dx() != b.Dx() || mb.Dy() != b.Dy() {
		mask = toGray(imaging.Resize(mask, b.Dx(), b.Dy(), imaging.NearestNeighbor))
		mb = mask.Bounds()
	}
	out := imaging.Clone(src)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			a := float64(mask.GrayAt(mb.Min.X+x, mb.Min.Y+y).Y) / 255
			if a == 0 {
				continue
			}
			i := out.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				out.Pix[i+c] = uint8(float64(out.Pix[i+c])*(1-a) + float64(fill.Pix[i+c])*a + 0.5)
			}
		}
	}
	return out
}

func toGray(img *image.NRGBA) *image.Gray {
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			g.Pix[y*g.Stride+x] = img.Pix[img.PixOffset(x, y)]
		}
	}
	return g
}

var _ inference.Loader = (*Loader)(nil)
