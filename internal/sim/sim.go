// Package sim provides an in-memory Microscope backed by a synthetic
// specimen. Frames are windows into a large random canvas; stage moves and
// beam deflections translate the window, so the registration loops see the
// same geometry they would on hardware, minus noise and drift sources that
// are switched on explicitly through the options.
package sim

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"stemdrift/pkg/beamshift"
	"stemdrift/pkg/frame"
	"stemdrift/pkg/instrument"
)

// Options configures a simulated microscope.
type Options struct {
	// CanvasSide is the synthetic specimen's edge length in pixels. Frames
	// sample it with wraparound, so it only needs to exceed the frame size
	// by the largest displacement under test.
	CanvasSide int

	// BlockSize is the edge length of the binary noise blocks the specimen
	// is built from. Larger blocks survive heavier smoothing and binning.
	BlockSize int

	// Seed makes the specimen reproducible.
	Seed int64

	// PixelSize is the physical pixel size reported with every frame.
	PixelSize float64

	// TrueAngleDeg is the instrument's actual rotation between deflection
	// axes and image axes, the quantity calibration has to discover.
	TrueAngleDeg float64

	// CoarseGain scales how much of a commanded coarse stage move is
	// realised. 1 is an ideal stage; 0.9 undershoots every move by 10%.
	CoarseGain float64

	// PiezoGain scales fine positioner moves the same way. 0 simulates a
	// dead positioner whose corrections never land.
	PiezoGain float64

	// SettlePolls is how many IsStageMoving polls report motion after each
	// move before the stage settles.
	SettlePolls int
}

// Microscope is a simulated instrument session.
type Microscope struct {
	opts   Options
	canvas []float64
	stage  instrument.StagePosition
	beam   instrument.Point
	moving int
}

// New builds a simulated microscope with a freshly generated specimen.
func New(opts Options) *Microscope {
	rng := rand.New(rand.NewSource(opts.Seed))
	side := opts.CanvasSide
	block := opts.BlockSize

	// Block-structured binary noise: dense enough that every template has
	// signal, coarse enough to survive smoothing.
	cells := side/block + 1
	values := make([]float64, cells*cells)
	for i := range values {
		if rng.Intn(2) == 1 {
			values[i] = 1
		}
	}
	canvas := make([]float64, side*side)
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			canvas[y*side+x] = values[(y/block)*cells+x/block]
		}
	}

	return &Microscope{opts: opts, canvas: canvas}
}

// AcquireFrame samples a window of the specimen at the current stage
// position plus the pixel-space realisation of the current beam deflection.
func (m *Microscope) AcquireFrame(size int, dwell time.Duration) (*frame.Frame, error) {
	if size > m.opts.CanvasSide {
		return nil, fmt.Errorf("sim: frame size %d exceeds canvas %d", size, m.opts.CanvasSide)
	}

	view := beamshift.ToPixels(m.beam, m.opts.PixelSize, m.opts.TrueAngleDeg)
	offX := int(math.Round(m.stage.X/m.opts.PixelSize)) + int(math.Round(view.X))
	offY := int(math.Round(m.stage.Y/m.opts.PixelSize)) + int(math.Round(view.Y))

	f := frame.New(size, m.opts.PixelSize)
	side := m.opts.CanvasSide
	for y := 0; y < size; y++ {
		cy := mod(offY+y, side)
		for x := 0; x < size; x++ {
			f.Data[y*size+x] = m.canvas[cy*side+mod(offX+x, side)]
		}
	}
	return f, nil
}

// StagePosition reports the realised stage position.
func (m *Microscope) StagePosition() (instrument.StagePosition, error) {
	return m.stage, nil
}

// MoveStageAbsolute moves the coarse stage toward target, realising
// CoarseGain of the commanded travel.
func (m *Microscope) MoveStageAbsolute(target instrument.StagePosition) error {
	m.stage.X += m.opts.CoarseGain * (target.X - m.stage.X)
	m.stage.Y += m.opts.CoarseGain * (target.Y - m.stage.Y)
	m.moving = m.opts.SettlePolls
	return nil
}

// MovePiezoRelative moves the fine positioner by PiezoGain of the commanded
// offset.
func (m *Microscope) MovePiezoRelative(delta instrument.StagePosition) error {
	m.stage.X += m.opts.PiezoGain * delta.X
	m.stage.Y += m.opts.PiezoGain * delta.Y
	m.moving = m.opts.SettlePolls
	return nil
}

// IsStageMoving reports motion for SettlePolls polls after each move.
func (m *Microscope) IsStageMoving() (bool, error) {
	if m.moving > 0 {
		m.moving--
		return true, nil
	}
	return false, nil
}

// SetBeamShift applies an absolute beam deflection. Its effect on the field
// of view is the deflection mapped through the instrument's true rotation
// angle, not the caller's estimate of it.
func (m *Microscope) SetBeamShift(shift instrument.Point) error {
	m.beam = shift
	return nil
}

func mod(a, n int) int {
	return ((a % n) + n) % n
}
