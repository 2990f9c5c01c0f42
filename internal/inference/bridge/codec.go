package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/kiranshivaraju/relaize/internal/inference"
	"github.com/vmihailenco/msgpack/v5"
)

// maxFrameSize bounds a single message; a 8k RGB image is ~100MB.
const maxFrameSize = 256 << 20

const (
	frameReady    = "ready"
	frameInfer    = "infer"
	frameResult   = "result"
	frameError    = "error"
	frameShutdown = "shutdown"
)

// Error codes sent by the inference process.
const (
	codeOutOfMemory    = "oom"
	codeWeightsMissing = "weights_missing"
	codeUnavailable    = "unavailable"
	codeUnsupported    = "unsupported"
)

// frame is the single message type exchanged with the inference process.
// Pixels are packed 8-bit RGB rows, masks packed 8-bit gray rows.
type frame struct {
	Type           string         `msgpack:"type"`
	ID             uint64         `msgpack:"id,omitempty"`
	Device         string         `msgpack:"device,omitempty"`
	Code           string         `msgpack:"code,omitempty"`
	Message        string         `msgpack:"message,omitempty"`
	Width          int            `msgpack:"width,omitempty"`
	Height         int            `msgpack:"height,omitempty"`
	Pixels         []byte         `msgpack:"pixels,omitempty"`
	MaskWidth      int            `msgpack:"mask_width,omitempty"`
	MaskHeight     int            `msgpack:"mask_height,omitempty"`
	Mask           []byte         `msgpack:"mask,omitempty"`
	Prompt         string         `msgpack:"prompt,omitempty"`
	NegativePrompt string         `msgpack:"negative_prompt,omitempty"`
	Fidelity       float64        `msgpack:"fidelity,omitempty"`
	Params         map[string]any `msgpack:"params,omitempty"`
}

// writeFrame writes a 4-byte big-endian length prefix followed by the msgpack body.
func writeFrame(w io.Writer, f *frame) error {
	body, err := msgpack.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) (*frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	var f frame
	if err := msgpack.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	return &f, nil
}

// err maps an error frame to the inference error taxonomy.
func (f *frame) err() error {
	var base error
	switch f.Code {
	case codeOutOfMemory:
		base = inference.ErrOutOfMemory
	case codeWeightsMissing:
		base = inference.ErrWeightsMissing
	case codeUnavailable:
		base = inference.ErrBackendUnavailable
	case codeUnsupported:
		base = inference.ErrUnsupported
	default:
		if f.Message == "" {
			return errors.New("inference process error")
		}
		return errors.New(f.Message)
	}
	if f.Message == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, f.Message)
}

func packRGB(img *image.NRGBA) []byte {
	b := img.Bounds()
	out := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		for i := 0; i < len(row); i += 4 {
			out = append(out, row[i], row[i+1], row[i+2])
		}
	}
	return out
}

func unpackRGB(w, h int, pix []byte) (*image.NRGBA, error) {
	if w <= 0 || h <= 0 {
		return nil, inference.ErrEmptyOutput
	}
	if len(pix) != w*h*3 {
		return nil, fmt.Errorf("result has %d bytes, want %d for %dx%d", len(pix), w*h*3, w, h)
	}
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i, j := 0, 0; i < len(pix); i, j = i+3, j+4 {
		img.Pix[j] = pix[i]
		img.Pix[j+1] = pix[i+1]
		img.Pix[j+2] = pix[i+2]
		img.Pix[j+3] = 0xff
	}
	return img, nil
}

func packGray(img *image.Gray) []byte {
	b := img.Bounds()
	out := make([]byte, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		out = append(out, img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]...)
	}
	return out
}
