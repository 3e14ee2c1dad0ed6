// Package beamshift maps displacement vectors between image-pixel space and
// beam-deflection space. This is the single place where the instrument's
// rotation misalignment between scan-image axes and deflection axes is
// modelled; the angle it takes is exactly the value maintained by the angle
// self-calibration loop.
//
// Conventions: image coordinates are x right, y down; deflection coordinates
// are y up. The forward transform scales pixels to metres, rotates
// counter-clockwise by the calibration angle, then negates y to cross
// between the two frames. The inverse applies the exact algebraic reverse,
// so a round trip reproduces the input to floating-point tolerance.
package beamshift

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"

	"stemdrift/pkg/instrument"
	"stemdrift/pkg/register"
)

// ErrZeroVector is returned by SignedAngleBetween when either vector has
// zero magnitude: the angle is undefined and must not silently read as 0.
var ErrZeroVector = errors.New("beamshift: angle undefined for zero-magnitude vector")

func rotation(angleDeg float64) *mat.Dense {
	rad := angleDeg * math.Pi / 180
	c, s := math.Cos(rad), math.Sin(rad)
	return mat.NewDense(2, 2, []float64{
		c, -s,
		s, c,
	})
}

// ToDeflection converts a pixel-space displacement into a beam deflection:
// scale by the pixel size, rotate counter-clockwise by angleDeg, negate y.
func ToDeflection(v register.Vec, pixelSize, angleDeg float64) instrument.Point {
	var out mat.VecDense
	out.MulVec(rotation(angleDeg), mat.NewVecDense(2, []float64{
		v.X * pixelSize,
		v.Y * pixelSize,
	}))
	return instrument.Point{X: out.AtVec(0), Y: -out.AtVec(1)}
}

// ToPixels is the exact inverse of ToDeflection: negate y, rotate by the
// transposed (inverse) matrix, divide by the pixel size.
func ToPixels(p instrument.Point, pixelSize, angleDeg float64) register.Vec {
	var out mat.VecDense
	out.MulVec(rotation(angleDeg).T(), mat.NewVecDense(2, []float64{
		p.X,
		-p.Y,
	}))
	return register.Vec{
		X: out.AtVec(0) / pixelSize,
		Y: out.AtVec(1) / pixelSize,
	}
}

// SignedAngleBetween returns the angle in degrees from the desired vector to
// the observed vector, counter-clockwise positive per the 2-D cross product.
// The magnitude comes from the arccosine of the normalised dot product,
// clamped to [-1, 1] to guard against rounding just outside the domain.
func SignedAngleBetween(desired, observed register.Vec) (float64, error) {
	nd := math.Hypot(desired.X, desired.Y)
	no := math.Hypot(observed.X, observed.Y)
	if nd == 0 || no == 0 {
		return 0, ErrZeroVector
	}

	cos := (desired.X*observed.X + desired.Y*observed.Y) / (nd * no)
	if cos > 1 {
		cos = 1
	} else if cos < -1 {
		cos = -1
	}
	angle := math.Acos(cos) * 180 / math.Pi

	if desired.X*observed.Y-desired.Y*observed.X < 0 {
		angle = -angle
	}
	return angle, nil
}
