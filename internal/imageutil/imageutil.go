// Package imageutil holds raster helpers shared by the inference engine,
// the stage executor and the processor.
package imageutil

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// ErrInvalidDataURL is returned when a data URL is malformed or does not
// hold a decodable image.
var ErrInvalidDataURL = errors.New("invalid data url")

// Open decodes an image file, applying EXIF orientation.
func Open(path string) (*image.NRGBA, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("open image %s: %w", path, err)
	}
	return ToRGB(img), nil
}

// Decode reads an image from r.
func Decode(r io.Reader) (*image.NRGBA, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return ToRGB(img), nil
}

// Save writes img to path, creating parent directories. The encoder is
// chosen from the file extension; PNG output is used when it is unknown.
func Save(img image.Image, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if _, err := imaging.FormatFromFilename(path); err != nil {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		defer f.Close()
		return imaging.Encode(f, img, imaging.PNG)
	}
	if err := imaging.Save(img, path, imaging.JPEGQuality(95), imaging.PNGCompressionLevel(3)); err != nil {
		return fmt.Errorf("save image %s: %w", path, err)
	}
	return nil
}

// ToRGB returns an opaque copy of img. The alpha channel is dropped without
// blending, matching how the models expect three channel input.
func ToRGB(img image.Image) *image.NRGBA {
	out := imaging.Clone(img)
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0xff
	}
	return out
}

// ToGray returns the 8-bit luminance of img.
func ToGray(img image.Image) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.SetGray(x, y, color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray))
		}
	}
	return out
}

// Resize scales img to exactly w x h using bilinear filtering.
func Resize(img image.Image, w, h int) *image.NRGBA {
	return imaging.Resize(img, w, h, imaging.Linear)
}

// CropTopLeft keeps the w x h region anchored at the origin.
func CropTopLeft(img image.Image, w, h int) *image.NRGBA {
	b := img.Bounds()
	return imaging.Crop(img, image.Rect(b.Min.X, b.Min.Y, b.Min.X+w, b.Min.Y+h))
}

// DecodeDataURL decodes a data:image/...;base64 payload.
func DecodeDataURL(s string) (*image.NRGBA, error) {
	if !strings.HasPrefix(s, "data:") {
		return nil, fmt.Errorf("%w: must start with data:", ErrInvalidDataURL)
	}
	_, payload, ok := strings.Cut(s, ",")
	if !ok {
		return nil, fmt.Errorf("%w: missing payload separator", ErrInvalidDataURL)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDataURL, err)
	}
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDataURL, err)
	}
	return imaging.Clone(img), nil
}

// EncodeDataURL encodes img as a base64 data URL in the given format.
func EncodeDataURL(img image.Image, format imaging.Format) (string, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(92)); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}
	mime := "image/png"
	if format == imaging.JPEG {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
