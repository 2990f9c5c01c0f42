package imageutil

import "image"

// PadToMultiple extends img on the bottom and right so both dimensions are
// multiples of unit. Border pixels mirror the image without repeating the
// edge row or column (reflect-101). It returns img unchanged when no padding
// is needed.
func PadToMultiple(img *image.NRGBA, unit int) (padded *image.NRGBA, padH, padW int) {
	b := img.Bounds()
	padH = (unit - b.Dy()%unit) % unit
	padW = (unit - b.Dx()%unit) % unit
	if padH == 0 && padW == 0 {
		return img, 0, 0
	}
	return PadReflect101(img, padH, padW), padH, padW
}

// PadReflect101 returns a new image with padH rows and padW columns appended.
func PadReflect101(img *image.NRGBA, padH, padW int) *image.NRGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewNRGBA(image.Rect(0, 0, w+padW, h+padH))
	for y := 0; y < h+padH; y++ {
		start := img.PixOffset(b.Min.X, b.Min.Y+Reflect101(y, h))
		srcRow := img.Pix[start : start+w*4]
		dstRow := out.Pix[y*out.Stride : y*out.Stride+(w+padW)*4]
		copy(dstRow, srcRow)
		for x := w; x < w+padW; x++ {
			sx := Reflect101(x, w)
			copy(dstRow[x*4:x*4+4], srcRow[sx*4:sx*4+4])
		}
	}
	return out
}

// Reflect101 maps i onto [0, n) mirroring around the edges without
// repeating the border, e.g. for n=4: -1->1, 4->2, 5->1, 6->0, 7->1.
func Reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}
