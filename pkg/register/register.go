// Package register estimates the translation between two frames by 2-D
// cross-correlation. Two estimator variants are exposed on purpose: the
// full-surface centered estimator tolerates large shifts in any direction,
// including sign reversals, while the valid-window raw-peak estimator is
// cheaper and assumes the match stays inside the configured overlap. The
// loops that consume them rely on those different assumptions, so the
// variants are kept separate rather than unified.
//
// Neither estimator scores confidence: a peak is returned even for a poor
// match, and callers are responsible for sanity-checking the result.
package register

import (
	"errors"
	"fmt"

	"stemdrift/pkg/frame"
)

// Vec is a translation in pixel units, x right and y down in image
// coordinates. Its reference point depends on the estimator that produced
// it and must not be mixed across conventions.
type Vec struct {
	X float64
	Y float64
}

// Add returns the component-wise sum.
func (v Vec) Add(w Vec) Vec { return Vec{X: v.X + w.X, Y: v.Y + w.Y} }

// Sub returns the component-wise difference v - w.
func (v Vec) Sub(w Vec) Vec { return Vec{X: v.X - w.X, Y: v.Y - w.Y} }

// Scale returns v scaled by s.
func (v Vec) Scale(s float64) Vec { return Vec{X: v.X * s, Y: v.Y * s} }

// Template is a rectangular sub-region cut from a reference frame, expected
// to reappear, possibly shifted, in a subsequent frame.
type Template struct {
	Data []float64
	H, W int
}

// ErrOverlapFraction is returned for overlap fractions outside (0, 1).
var ErrOverlapFraction = errors.New("register: overlap fraction must be in (0, 1)")

// ErrTemplateSize is returned when a template does not fit in the search
// image for valid-mode correlation.
var ErrTemplateSize = errors.New("register: template larger than search image")

// ExtractTemplate slices the rightmost overlap fraction of columns from a
// reference frame: the region expected to reappear in the next frame after a
// rightward shift. Fractions near 1 make the peak ambiguous, fractions near
// 0 starve it of signal; 0.2-0.4 is the practical range.
func ExtractTemplate(f *frame.Frame, overlap float64) (*Template, error) {
	if overlap <= 0 || overlap >= 1 {
		return nil, fmt.Errorf("register: overlap %g: %w", overlap, ErrOverlapFraction)
	}
	start := int(float64(f.Side) * (1 - overlap))
	width := f.Side - start
	t := &Template{
		Data: make([]float64, f.Side*width),
		H:    f.Side,
		W:    width,
	}
	for y := 0; y < f.Side; y++ {
		copy(t.Data[y*width:(y+1)*width], f.Data[y*f.Side+start:(y+1)*f.Side])
	}
	return t, nil
}

// correlateFull computes the full cross-correlation surface between a search
// frame and a template: output size is the sum of the input sizes minus one
// per axis, so the template may match anywhere, including only partially
// overlapping the search image. Computed in the frequency domain.
func correlateFull(img *frame.Frame, tpl *Template) (surface []float64, outH, outW int) {
	outH = img.Side + tpl.H - 1
	outW = img.Side + tpl.W - 1

	a := make([]complex128, outH*outW)
	for i := 0; i < img.Side; i++ {
		for j := 0; j < img.Side; j++ {
			a[i*outW+j] = complex(img.Data[i*img.Side+j], 0)
		}
	}
	b := make([]complex128, outH*outW)
	for i := 0; i < tpl.H; i++ {
		for j := 0; j < tpl.W; j++ {
			b[i*outW+j] = complex(tpl.Data[i*tpl.W+j], 0)
		}
	}

	fa := fft2D(a, outH, outW)
	fb := fft2D(b, outH, outW)
	for i := range fa {
		re, im := real(fb[i]), imag(fb[i])
		fa[i] *= complex(re, -im)
	}
	raw := ifft2D(fa, outH, outW)

	// The circular lag spectrum is re-indexed so that surface[i][j]
	// corresponds to the template's bottom-right sample sitting at (i, j).
	norm := float64(outH * outW)
	surface = make([]float64, outH*outW)
	for i := 0; i < outH; i++ {
		si := ((i-tpl.H+1)%outH + outH) % outH
		for j := 0; j < outW; j++ {
			sj := ((j-tpl.W+1)%outW + outW) % outW
			surface[i*outW+j] = real(raw[si*outW+sj]) / norm
		}
	}
	return surface, outH, outW
}

// correlateValid computes the valid-mode correlation surface, sized
// search - template + 1 per axis: only placements where the template lies
// entirely inside the search image. Direct spatial accumulation; the window
// is small enough that the frequency-domain detour is not worth it.
func correlateValid(img *frame.Frame, tpl *Template) (surface []float64, outH, outW int, err error) {
	outH = img.Side - tpl.H + 1
	outW = img.Side - tpl.W + 1
	if outH <= 0 || outW <= 0 {
		return nil, 0, 0, fmt.Errorf("register: %dx%d template in %dx%d search: %w",
			tpl.H, tpl.W, img.Side, img.Side, ErrTemplateSize)
	}
	surface = make([]float64, outH*outW)
	for i := 0; i < outH; i++ {
		for j := 0; j < outW; j++ {
			acc := 0.0
			for t := 0; t < tpl.H; t++ {
				irow := (i + t) * img.Side
				trow := t * tpl.W
				for u := 0; u < tpl.W; u++ {
					acc += img.Data[irow+j+u] * tpl.Data[trow+u]
				}
			}
			surface[i*outW+j] = acc
		}
	}
	return surface, outH, outW, nil
}

// maxIdx returns the row-major index of the maximum value. Ties resolve to
// the first occurrence in row-major scan order; surfaces from the
// frequency-domain path may perturb exact ties by rounding at the 1e-12
// level.
func maxIdx(s []float64) int {
	best := 0
	for i, v := range s {
		if v > s[best] {
			best = i
		}
	}
	return best
}

// EstimateShiftCentered runs full-mode correlation between a search frame
// and a template and returns the peak position relative to the geometric
// centre of the correlation surface, as an (x, y) pixel vector. This is the
// estimator to use when the true shift's direction is unknown: a match on
// the "wrong" side of the template simply produces a sign-flipped vector.
func EstimateShiftCentered(search *frame.Frame, tpl *Template) Vec {
	surface, outH, outW := correlateFull(search, tpl)
	peak := maxIdx(surface)
	// Row/column to x/y: axis swap, centre-relative.
	return Vec{
		X: float64(peak%outW - outW/2),
		Y: float64(peak/outW - outH/2),
	}
}

// PeakValid runs valid-mode correlation and returns the raw (row, col) peak
// index within the surface. Index (0, 0) means the template matched flush
// with the search image's top-left corner, which is the expected interior
// location for a well-registered rightward tile step.
func PeakValid(search *frame.Frame, tpl *Template) (row, col int, err error) {
	surface, _, outW, err := correlateValid(search, tpl)
	if err != nil {
		return 0, 0, err
	}
	peak := maxIdx(surface)
	return peak / outW, peak % outW, nil
}
