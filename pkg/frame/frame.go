// Package frame holds the in-memory representation of an acquired scan frame
// and the preprocessing steps applied before registration: mean binning,
// Gaussian smoothing and Yen-threshold binarisation.
package frame

import (
	"errors"
	"fmt"
)

// Frame is a square grid of real-valued samples in row-major order together
// with its physical pixel size (metres per sample). Frames are treated as
// immutable once produced; every transform returns a new frame.
type Frame struct {
	// Data holds Side*Side samples, row-major, y down.
	Data []float64

	// Side is the edge length in pixels.
	Side int

	// PixelSize is the physical distance covered by one pixel, in metres.
	PixelSize float64
}

// New allocates a zeroed frame of the given side length.
func New(side int, pixelSize float64) *Frame {
	return &Frame{
		Data:      make([]float64, side*side),
		Side:      side,
		PixelSize: pixelSize,
	}
}

// At returns the sample at column x, row y. No bounds checking beyond the
// slice's own.
func (f *Frame) At(x, y int) float64 {
	return f.Data[y*f.Side+x]
}

// Set stores v at column x, row y.
func (f *Frame) Set(x, y int, v float64) {
	f.Data[y*f.Side+x] = v
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	out := New(f.Side, f.PixelSize)
	copy(out.Data, f.Data)
	return out
}

// ErrBinFactor is returned when a frame's side length is not divisible by
// the requested bin factor. The caller chose an invalid factor; the frame is
// never silently truncated.
var ErrBinFactor = errors.New("frame: side length not divisible by bin factor")

// Bin reduces resolution by averaging factor x factor blocks of samples,
// returning a frame of side Side/factor. The physical pixel size grows by
// the same factor so displacements stay metrically consistent.
func Bin(f *Frame, factor int) (*Frame, error) {
	if factor < 1 {
		return nil, fmt.Errorf("frame: bin factor %d: %w", factor, ErrBinFactor)
	}
	if f.Side%factor != 0 {
		return nil, fmt.Errorf("frame: side %d, factor %d: %w", f.Side, factor, ErrBinFactor)
	}
	if factor == 1 {
		return f.Clone(), nil
	}

	side := f.Side / factor
	out := New(side, f.PixelSize*float64(factor))
	norm := float64(factor * factor)
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			sum := 0.0
			for dy := 0; dy < factor; dy++ {
				row := (y*factor + dy) * f.Side
				for dx := 0; dx < factor; dx++ {
					sum += f.Data[row+x*factor+dx]
				}
			}
			out.Data[y*side+x] = sum / norm
		}
	}
	return out, nil
}
