// Package quality scores images with cheap no-reference metrics so a task can
// report how much the restoration changed it.
package quality

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/kiranshivaraju/relaize/internal/imageutil"
	"github.com/kiranshivaraju/relaize/pkg/models"
)

// Metric names, in report order.
const (
	UIQM    = "uiqm"
	UCIQE   = "uciqe"
	Entropy = "entropy"
	Clarity = "clarity"
)

var Names = []string{UIQM, UCIQE, Entropy, Clarity}

// Measure returns every metric of img rounded to two decimals.
//
// Brightness and contrast come from the luminance mean and standard
// deviation, saturation from the HSV S channel, clarity from the variance
// of the 4-neighbour Laplacian and entropy from the 256-bin luminance
// histogram.
func Measure(img image.Image) map[string]float64 {
	gray := luminance(img)
	mean, std := meanStd(gray)
	brightness := mean / 255
	contrast := std / 64
	saturation := meanSaturation(img) / 255
	lapVar := laplacianVariance(gray)

	uiqm := 2.0 + brightness*2.5 + saturation*1.5
	uciqe := 0.4 + contrast*0.4 + saturation*0.2
	clarity := math.Min(100, lapVar/5)

	return map[string]float64{
		UIQM:    round2(uiqm),
		UCIQE:   round2(uciqe),
		Entropy: round2(entropy(img)),
		Clarity: round2(clarity),
	}
}

// Compare measures both images and returns before/after/delta per metric.
func Compare(before, after image.Image) models.Metrics {
	b, a := Measure(before), Measure(after)
	out := make(models.Metrics, len(Names))
	for _, name := range Names {
		out[name] = models.MetricTriple{
			Before: b[name],
			After:  a[name],
			Delta:  round2(a[name] - b[name]),
		}
	}
	return out
}

type grayPlane struct {
	w, h int
	pix  []float64
}

func luminance(img image.Image) grayPlane {
	g := imaging.Grayscale(img)
	b := g.Bounds()
	p := grayPlane{w: b.Dx(), h: b.Dy(), pix: make([]float64, b.Dx()*b.Dy())}
	for y := 0; y < p.h; y++ {
		row := g.Pix[y*g.Stride:]
		for x := 0; x < p.w; x++ {
			p.pix[y*p.w+x] = float64(row[x*4])
		}
	}
	return p
}

func meanStd(p grayPlane) (mean, std float64) {
	n := float64(len(p.pix))
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range p.pix {
		sum += v
	}
	mean = sum / n
	var sq float64
	for _, v := range p.pix {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / n)
}

// meanSaturation averages the 8-bit HSV saturation, (max-min)*255/max.
func meanSaturation(img image.Image) float64 {
	src := imaging.Clone(img)
	n := len(src.Pix) / 4
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < len(src.Pix); i += 4 {
		r, g, b := src.Pix[i], src.Pix[i+1], src.Pix[i+2]
		hi := max(r, g, b)
		if hi == 0 {
			continue
		}
		lo := min(r, g, b)
		sum += math.Round(float64(hi-lo) * 255 / float64(hi))
	}
	return sum / float64(n)
}

// laplacianVariance convolves with [0 1 0; 1 -4 1; 0 1 0] using mirrored
// borders that do not repeat the edge pixel, then returns the variance.
func laplacianVariance(p grayPlane) float64 {
	if p.w == 0 || p.h == 0 {
		return 0
	}
	at := func(x, y int) float64 {
		return p.pix[imageutil.Reflect101(y, p.h)*p.w+imageutil.Reflect101(x, p.w)]
	}
	lap := grayPlane{w: p.w, h: p.h, pix: make([]float64, len(p.pix))}
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			lap.pix[y*p.w+x] = at(x, y-1) + at(x-1, y) + at(x+1, y) + at(x, y+1) - 4*at(x, y)
		}
	}
	_, std := meanStd(lap)
	return std * std
}

func entropy(img image.Image) float64 {
	hist := imaging.Histogram(img)
	var e float64
	for _, p := range hist {
		if p > 0 {
			e -= p * math.Log2(p)
		}
	}
	return e
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
