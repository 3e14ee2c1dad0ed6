// Package calibrate discovers the rotation angle between image-pixel axes
// and beam-deflection axes by repeated probing: command a known pixel-space
// displacement through the current angle estimate, measure the displacement
// actually achieved, and fold the signed angle between the two back into the
// estimate until the residual falls below tolerance.
package calibrate

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"stemdrift/pkg/beamshift"
	"stemdrift/pkg/frame"
	"stemdrift/pkg/instrument"
	"stemdrift/pkg/register"
)

// State is the calibration session's position in its lifecycle.
type State int

const (
	// Idle means no probe has been issued yet.
	Idle State = iota
	// Probing means a probe round is in flight.
	Probing
	// Converged means the residual correction fell below tolerance.
	Converged
	// Aborted means the round budget ran out without convergence.
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Probing:
		return "probing"
	case Converged:
		return "converged"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Params configures a calibration session. All values are plain scalars; the
// session keeps no process-wide state.
type Params struct {
	// ImageSize is the square frame edge length in pixels.
	ImageSize int

	// DwellTime is the per-pixel dwell time for probe acquisitions.
	DwellTime time.Duration

	// OverlapFraction sets both the template width and the probe shift
	// magnitude: the commanded displacement is ImageSize*(1-OverlapFraction)
	// pixels of pure +x. Raising it leaves more of the template inside the
	// second frame, which is what lets the loop recover from misalignments
	// past 90 degrees.
	OverlapFraction float64

	// BinFactor downsamples frames before correlating. Must divide ImageSize.
	BinFactor int

	// GaussianSigma is the preprocessing smoothing sigma in pixels.
	GaussianSigma float64

	// StartAngleDeg seeds the estimate. Zero calibrates from scratch.
	StartAngleDeg float64

	// ToleranceDeg declares convergence when the unsigned residual
	// correction falls below it.
	ToleranceDeg float64

	// MaxRounds bounds the probe-correct iteration.
	MaxRounds int

	// SettlePoll and SettleTimeout bound the wait for stage motion between
	// the reset move and the reference acquisition.
	SettlePoll    time.Duration
	SettleTimeout time.Duration

	// Verbose prints per-round progress.
	Verbose bool
}

// Round records one probe's diagnostics.
type Round struct {
	// Shift is the raw centered-estimator output in binned pixels.
	Shift register.Vec

	// CorrectionDeg is the signed angle between the desired and achieved
	// displacement for this round.
	CorrectionDeg float64

	// MagnitudeRatio is |achieved| / |desired|; 1.0 for an ideal probe.
	MagnitudeRatio float64
}

// Result is a finished calibration. A non-converged result still carries the
// last angle estimate as best effort; Converged tells the two apart.
type Result struct {
	// AngleDeg is the final pixel-to-deflection rotation estimate.
	AngleDeg float64

	// Converged reports whether the residual fell below tolerance within
	// the round budget.
	Converged bool

	// History holds the applied correction increments, starting with the
	// seed angle, in application order.
	History []float64

	// Rounds holds per-round diagnostics.
	Rounds []Round
}

// MeanMagnitudeRatio averages the per-round magnitude ratios. Values far
// from 1.0 indicate the probe displacement is not being realised at the
// commanded length, independent of its direction.
func (r Result) MeanMagnitudeRatio() float64 {
	if len(r.Rounds) == 0 {
		return math.NaN()
	}
	ratios := make([]float64, len(r.Rounds))
	for i, rd := range r.Rounds {
		ratios[i] = rd.MagnitudeRatio
	}
	return stat.Mean(ratios, nil)
}

// Session drives one calibration against an instrument. It owns the angle
// estimate for the session's duration and discards it at the end; persisting
// the result is the caller's concern.
type Session struct {
	scope  instrument.Microscope
	params Params
	state  State
}

// NewSession creates a calibration session around an instrument connection.
func NewSession(scope instrument.Microscope, params Params) *Session {
	return &Session{scope: scope, params: params, state: Idle}
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Run executes probe rounds until convergence or the round budget runs out.
// The beam deflection is reset to zero before returning on every path.
func (s *Session) Run() (result Result, err error) {
	p := s.params
	desiredShiftPx := int(float64(p.ImageSize) * (1 - p.OverlapFraction))
	angle := p.StartAngleDeg

	result.History = append(result.History, p.StartAngleDeg)

	origin, err := s.scope.StagePosition()
	if err != nil {
		return result, fmt.Errorf("calibrate: reading origin position: %w", err)
	}

	defer func() {
		// Deflection must end at zero no matter how the session exits.
		if resetErr := s.scope.SetBeamShift(instrument.Point{}); resetErr != nil && err == nil {
			err = fmt.Errorf("calibrate: resetting deflection: %w", resetErr)
		}
	}()

	for round := 0; round < p.MaxRounds; round++ {
		s.state = Probing

		corr, diag, probeErr := s.probe(origin, angle, desiredShiftPx)
		if probeErr != nil {
			s.state = Aborted
			result.AngleDeg = angle
			return result, probeErr
		}
		result.Rounds = append(result.Rounds, diag)

		if math.Abs(corr) < p.ToleranceDeg {
			s.state = Converged
			result.AngleDeg = angle
			result.Converged = true
			if p.Verbose {
				fmt.Printf("calibrate: converged at %.3f deg after %d rounds\n", angle, round+1)
			}
			return result, nil
		}

		if p.Verbose {
			fmt.Printf("calibrate: round %d correction %.3f deg, magnitude ratio %.3f\n",
				round+1, corr, diag.MagnitudeRatio)
		}

		angle += corr
		result.History = append(result.History, corr)
	}

	// Budget exhausted: hand back the last estimate, clearly unconverged.
	s.state = Aborted
	result.AngleDeg = angle
	return result, nil
}

// probe runs one reset-displace-measure cycle and returns the signed
// correction angle for the current estimate.
func (s *Session) probe(origin instrument.StagePosition, angle float64, desiredShiftPx int) (float64, Round, error) {
	p := s.params

	// Return to the reference position with zero deflection so each round
	// measures against the same anchor.
	if err := s.scope.MoveStageAbsolute(origin); err != nil {
		return 0, Round{}, fmt.Errorf("calibrate: resetting stage: %w", err)
	}
	if err := s.scope.SetBeamShift(instrument.Point{}); err != nil {
		return 0, Round{}, fmt.Errorf("calibrate: zeroing deflection: %w", err)
	}
	if err := instrument.WaitSettled(s.scope, p.SettlePoll, p.SettleTimeout); err != nil {
		return 0, Round{}, err
	}

	ref, err := s.scope.AcquireFrame(p.ImageSize, p.DwellTime)
	if err != nil {
		return 0, Round{}, fmt.Errorf("calibrate: acquiring reference frame: %w", err)
	}

	desired := register.Vec{X: float64(desiredShiftPx)}
	if err := s.scope.SetBeamShift(beamshift.ToDeflection(desired, ref.PixelSize, angle)); err != nil {
		return 0, Round{}, fmt.Errorf("calibrate: applying probe deflection: %w", err)
	}

	cur, err := s.scope.AcquireFrame(p.ImageSize, p.DwellTime)
	if err != nil {
		return 0, Round{}, fmt.Errorf("calibrate: acquiring displaced frame: %w", err)
	}

	shift, err := s.measure(ref, cur)
	if err != nil {
		return 0, Round{}, err
	}

	// Re-anchor the raw centered-estimator vector against the desired
	// geometry so desired and achieved displacements share one origin: the
	// template was cut from the reference frame's right overlap band, so
	// the achieved second-frame centre sits half the shift distance right
	// of the template match.
	bin := float64(p.BinFactor)
	n := float64(p.ImageSize) / bin
	shiftBinned := float64(desiredShiftPx) / bin

	centerDesired := register.Vec{X: n / 2, Y: n / 2}
	centerStart := centerDesired.Sub(register.Vec{X: shiftBinned})
	match := centerDesired.Add(shift)
	centerActual := match.Add(register.Vec{X: shiftBinned / 2})

	desiredVec := centerDesired.Sub(centerStart)
	actualVec := centerActual.Sub(centerStart)

	corr, err := beamshift.SignedAngleBetween(desiredVec, actualVec)
	if err != nil {
		return 0, Round{}, fmt.Errorf("calibrate: degenerate displacement: %w", err)
	}

	diag := Round{
		Shift:          shift,
		CorrectionDeg:  corr,
		MagnitudeRatio: math.Hypot(actualVec.X, actualVec.Y) / math.Hypot(desiredVec.X, desiredVec.Y),
	}
	return corr, diag, nil
}

// measure runs the preprocessing pipeline on a probe pair and estimates the
// displacement with the full-mode centered estimator, whose unbounded search
// direction is what tolerates sign-flipped matches on badly misaligned
// instruments.
func (s *Session) measure(ref, cur *frame.Frame) (register.Vec, error) {
	p := s.params

	refBinned, err := frame.Bin(ref, p.BinFactor)
	if err != nil {
		return register.Vec{}, err
	}
	curBinned, err := frame.Bin(cur, p.BinFactor)
	if err != nil {
		return register.Vec{}, err
	}

	refMask, err := frame.Preprocess(refBinned, p.GaussianSigma)
	if err != nil {
		return register.Vec{}, fmt.Errorf("calibrate: preprocessing reference: %w", err)
	}
	curMask, err := frame.Preprocess(curBinned, p.GaussianSigma)
	if err != nil {
		return register.Vec{}, fmt.Errorf("calibrate: preprocessing displaced frame: %w", err)
	}

	tpl, err := register.ExtractTemplate(refMask, p.OverlapFraction)
	if err != nil {
		return register.Vec{}, err
	}
	return register.EstimateShiftCentered(curMask, tpl), nil
}
