package frame

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// ErrUniformFrame is returned when automatic thresholding is attempted on a
// frame with no intensity variation. No registration is possible on such a
// frame; the caller decides whether to retry or skip.
var ErrUniformFrame = errors.New("frame: uniform intensity, threshold undefined")

const histogramBins = 256

// Preprocess smooths a frame with a Gaussian of the given sigma, computes a
// global Yen threshold and binarises: samples at or above the threshold
// become 1, the rest 0. Correlating binary masks instead of raw intensities
// keeps the peak stable under illumination drift between the two frames of a
// registration pair.
func Preprocess(f *Frame, sigma float64) (*Frame, error) {
	smoothed := GaussianSmooth(f, sigma)
	thresh, err := YenThreshold(smoothed)
	if err != nil {
		return nil, err
	}
	out := New(f.Side, f.PixelSize)
	for i, v := range smoothed.Data {
		if v >= thresh {
			out.Data[i] = 1
		}
	}
	return out, nil
}

// GaussianSmooth applies a separable Gaussian filter. Sigma is a configured
// value tuned to the acquisition magnification, not derived from the data.
// Edge samples are clamped (nearest-neighbour extension). A non-positive
// sigma returns an unmodified copy.
func GaussianSmooth(f *Frame, sigma float64) *Frame {
	if sigma <= 0 {
		return f.Clone()
	}

	radius := int(math.Ceil(3 * sigma))
	if radius < 1 {
		radius = 1
	}
	kernel := make([]float64, 2*radius+1)
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
	}
	floats.Scale(1/floats.Sum(kernel), kernel)

	side := f.Side
	clamp := func(i int) int {
		if i < 0 {
			return 0
		}
		if i >= side {
			return side - 1
		}
		return i
	}

	// Horizontal pass, then vertical.
	tmp := New(side, f.PixelSize)
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			acc := 0.0
			for k, w := range kernel {
				acc += w * f.Data[y*side+clamp(x+k-radius)]
			}
			tmp.Data[y*side+x] = acc
		}
	}
	out := New(side, f.PixelSize)
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			acc := 0.0
			for k, w := range kernel {
				acc += w * tmp.Data[clamp(y+k-radius)*side+x]
			}
			out.Data[y*side+x] = acc
		}
	}
	return out
}

// YenThreshold computes Yen's automatic bimodal threshold over a 256-bin
// histogram of the frame. It returns ErrUniformFrame when the frame has a
// single intensity value.
func YenThreshold(f *Frame) (float64, error) {
	lo := floats.Min(f.Data)
	hi := floats.Max(f.Data)
	if lo == hi {
		return 0, fmt.Errorf("frame: min == max == %g: %w", lo, ErrUniformFrame)
	}

	hist := make([]float64, histogramBins)
	width := (hi - lo) / float64(histogramBins)
	for _, v := range f.Data {
		bin := int((v - lo) / width)
		if bin >= histogramBins {
			bin = histogramBins - 1
		}
		hist[bin]++
	}
	floats.Scale(1/floats.Sum(hist), hist)

	// Cumulative probability and cumulative squared probability.
	p1 := make([]float64, histogramBins)
	p1sq := make([]float64, histogramBins)
	sum, sumSq := 0.0, 0.0
	for i, p := range hist {
		sum += p
		sumSq += p * p
		p1[i] = sum
		p1sq[i] = sumSq
	}
	totalSq := sumSq

	// Yen's criterion: maximise ln(P1^2 (1-P1)^2 / (P1sq * P2sq)).
	bestCrit := math.Inf(-1)
	bestBin := 0
	for t := 0; t < histogramBins-1; t++ {
		p2sq := totalSq - p1sq[t]
		denom := p1sq[t] * p2sq
		num := p1[t] * (1 - p1[t])
		if denom <= 0 || num <= 0 {
			continue
		}
		crit := math.Log(num * num / denom)
		if crit > bestCrit {
			bestCrit = crit
			bestBin = t
		}
	}
	if math.IsInf(bestCrit, -1) {
		return 0, fmt.Errorf("frame: histogram collapsed to one class: %w", ErrUniformFrame)
	}

	// Threshold at the centre of the winning bin.
	return lo + (float64(bestBin)+0.5)*width, nil
}
