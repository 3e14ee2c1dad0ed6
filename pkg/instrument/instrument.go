// Package instrument defines the collaborator surface the registration core
// consumes: stage and deflection coordinate types, the Microscope interface
// realised by a hardware session (or a simulator), and a bounded wait for
// stage motion to settle. The core itself never talks to hardware; it only
// exchanges frames, vectors and scalars through these types.
package instrument

import (
	"errors"
	"fmt"
	"time"

	"stemdrift/pkg/frame"
)

// Point is a 2-D beam-deflection vector in the instrument's physical control
// units (metres-equivalent). Its coordinate frame is y-up, unlike image
// coordinates which are y-down.
type Point struct {
	X float64
	Y float64
}

// Add returns the component-wise sum of two points.
func (p Point) Add(q Point) Point {
	return Point{X: p.X + q.X, Y: p.Y + q.Y}
}

// StagePosition is a mechanical stage coordinate in metres.
type StagePosition struct {
	X float64
	Y float64
}

// Add returns the component-wise sum of two stage positions.
func (s StagePosition) Add(t StagePosition) StagePosition {
	return StagePosition{X: s.X + t.X, Y: s.Y + t.Y}
}

func (s StagePosition) String() string {
	return fmt.Sprintf("(%.3e, %.3e)", s.X, s.Y)
}

// Microscope is the set of instrument operations the two correction loops
// need. A production implementation wraps the vendor control server; tests
// and the demo binary use the simulator.
type Microscope interface {
	// AcquireFrame scans a size x size frame at the given dwell time per
	// pixel and returns it together with its physical pixel size.
	AcquireFrame(size int, dwell time.Duration) (*frame.Frame, error)

	// StagePosition reports the current mechanical stage position.
	StagePosition() (StagePosition, error)

	// MoveStageAbsolute commands the coarse stage to an absolute position.
	MoveStageAbsolute(target StagePosition) error

	// MovePiezoRelative commands the fine positioner by a relative offset.
	MovePiezoRelative(delta StagePosition) error

	// IsStageMoving reports whether any stage axis is still in motion.
	IsStageMoving() (bool, error)

	// SetBeamShift applies an absolute beam deflection.
	SetBeamShift(shift Point) error
}

// ErrSettleTimeout is returned by WaitSettled when the stage is still moving
// after the timeout elapses.
var ErrSettleTimeout = errors.New("instrument: stage did not settle before timeout")

// WaitSettled polls IsStageMoving until the stage reports idle, checking
// every poll interval and giving up after timeout. The unbounded busy-wait
// this replaces could hang a session forever on a stuck axis.
func WaitSettled(m Microscope, poll, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		moving, err := m.IsStageMoving()
		if err != nil {
			return fmt.Errorf("polling stage state: %w", err)
		}
		if !moving {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrSettleTimeout
		}
		time.Sleep(poll)
	}
}
