package sim

import (
	"testing"
	"time"

	"stemdrift/pkg/beamshift"
	"stemdrift/pkg/instrument"
	"stemdrift/pkg/register"
)

const pixelSize = 1e-9

func testScope(trueAngleDeg, coarseGain, piezoGain float64) *Microscope {
	return New(Options{
		CanvasSide:   256,
		BlockSize:    3,
		Seed:         42,
		PixelSize:    pixelSize,
		TrueAngleDeg: trueAngleDeg,
		CoarseGain:   coarseGain,
		PiezoGain:    piezoGain,
		SettlePolls:  2,
	})
}

func TestAcquireFrameIsDeterministic(t *testing.T) {
	m := testScope(0, 1, 1)

	a, err := m.AcquireFrame(64, time.Microsecond)
	if err != nil {
		t.Fatalf("AcquireFrame returned error: %v", err)
	}
	b, _ := m.AcquireFrame(64, time.Microsecond)
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("repeated acquisition differs at sample %d", i)
		}
	}
	if a.PixelSize != pixelSize {
		t.Errorf("expected pixel size %g, got %g", pixelSize, a.PixelSize)
	}
}

func TestStageMoveTranslatesView(t *testing.T) {
	m := testScope(0, 1, 1)
	before, _ := m.AcquireFrame(64, time.Microsecond)

	if err := m.MoveStageAbsolute(instrument.StagePosition{X: 5 * pixelSize, Y: 3 * pixelSize}); err != nil {
		t.Fatalf("MoveStageAbsolute returned error: %v", err)
	}
	after, _ := m.AcquireFrame(64, time.Microsecond)

	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			if after.At(x, y) != before.At(x+5, y+3) {
				t.Fatalf("view did not translate with the stage at (%d,%d)", x, y)
			}
		}
	}
}

func TestBeamShiftTranslatesViewThroughTrueAngle(t *testing.T) {
	m := testScope(0, 1, 1)
	before, _ := m.AcquireFrame(64, time.Microsecond)

	// With a true angle of zero the commanded pixel displacement is
	// realised verbatim.
	shift := beamshift.ToDeflection(register.Vec{X: 7}, pixelSize, 0)
	if err := m.SetBeamShift(shift); err != nil {
		t.Fatalf("SetBeamShift returned error: %v", err)
	}
	after, _ := m.AcquireFrame(64, time.Microsecond)

	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			if after.At(x, y) != before.At(x+7, y) {
				t.Fatalf("view did not translate with the deflection at (%d,%d)", x, y)
			}
		}
	}
}

func TestCoarseGainScalesMoves(t *testing.T) {
	m := testScope(0, 0.5, 1)
	if err := m.MoveStageAbsolute(instrument.StagePosition{X: 10 * pixelSize}); err != nil {
		t.Fatal(err)
	}
	pos, _ := m.StagePosition()
	if pos.X != 5*pixelSize {
		t.Errorf("expected half the commanded travel, got %g", pos.X)
	}
}

func TestSettlePollsCountDown(t *testing.T) {
	m := testScope(0, 1, 1)
	if err := m.MovePiezoRelative(instrument.StagePosition{X: pixelSize}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if moving, _ := m.IsStageMoving(); !moving {
			t.Fatalf("expected motion on poll %d", i)
		}
	}
	if moving, _ := m.IsStageMoving(); moving {
		t.Error("expected the stage to settle after the configured polls")
	}
}

func TestAcquireFrameRejectsOversizedWindow(t *testing.T) {
	m := testScope(0, 1, 1)
	if _, err := m.AcquireFrame(512, time.Microsecond); err == nil {
		t.Error("expected an error for a frame larger than the canvas")
	}
}
