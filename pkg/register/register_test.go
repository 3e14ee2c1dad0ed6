package register

import (
	"errors"
	"math/rand"
	"testing"

	"stemdrift/pkg/frame"
)

// binaryFrame fills a frame with reproducible dense binary noise. Dense
// noise gives every template placement a sharp, unambiguous correlation
// peak.
func binaryFrame(side int, seed int64) *frame.Frame {
	rng := rand.New(rand.NewSource(seed))
	f := frame.New(side, 1.0)
	for i := range f.Data {
		if rng.Intn(2) == 1 {
			f.Data[i] = 1
		}
	}
	return f
}

// cutTemplate copies an h x w region with its top-left corner at (row, col)
// out of a frame.
func cutTemplate(f *frame.Frame, row, col, h, w int) *Template {
	t := &Template{Data: make([]float64, h*w), H: h, W: w}
	for y := 0; y < h; y++ {
		copy(t.Data[y*w:(y+1)*w], f.Data[(row+y)*f.Side+col:(row+y)*f.Side+col+w])
	}
	return t
}

func TestExtractTemplateTakesRightBand(t *testing.T) {
	f := frame.New(10, 1.0)
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			f.Set(x, y, float64(y*10+x))
		}
	}

	tpl, err := ExtractTemplate(f, 0.3)
	if err != nil {
		t.Fatalf("ExtractTemplate returned error: %v", err)
	}
	if tpl.H != 10 || tpl.W != 3 {
		t.Fatalf("expected 10x3 template, got %dx%d", tpl.H, tpl.W)
	}
	for y := 0; y < 10; y++ {
		for k := 0; k < 3; k++ {
			want := float64(y*10 + 7 + k)
			if got := tpl.Data[y*3+k]; got != want {
				t.Fatalf("template (%d,%d): expected %g, got %g", y, k, want, got)
			}
		}
	}
}

func TestExtractTemplateRejectsBadOverlap(t *testing.T) {
	f := frame.New(10, 1.0)
	for _, overlap := range []float64{0, 1, -0.1, 1.5} {
		if _, err := ExtractTemplate(f, overlap); !errors.Is(err, ErrOverlapFraction) {
			t.Errorf("overlap %g: expected ErrOverlapFraction, got %v", overlap, err)
		}
	}
}

func TestEstimateShiftCenteredFindsEmbeddedTemplate(t *testing.T) {
	canvas := binaryFrame(64, 7)

	// The template is cut straight out of the search image, so the true
	// placement scores an exact match. With the top-left at (17, 36) the
	// peak sits at the bottom-right sample (32, 51) on a 79x79 surface
	// centred at (39, 39).
	tpl := cutTemplate(canvas, 17, 36, 16, 16)

	v := EstimateShiftCentered(canvas, tpl)
	if v.X != 12 || v.Y != -7 {
		t.Errorf("expected shift (12, -7), got (%g, %g)", v.X, v.Y)
	}
}

func TestPeakValidFindsEmbeddedTemplate(t *testing.T) {
	canvas := binaryFrame(32, 3)
	tpl := cutTemplate(canvas, 5, 3, 8, 8)

	row, col, err := PeakValid(canvas, tpl)
	if err != nil {
		t.Fatalf("PeakValid returned error: %v", err)
	}
	if row != 5 || col != 3 {
		t.Errorf("expected peak (5, 3), got (%d, %d)", row, col)
	}
}

func TestPeakValidRejectsOversizedTemplate(t *testing.T) {
	canvas := binaryFrame(32, 3)
	tpl := &Template{Data: make([]float64, 40*40), H: 40, W: 40}

	if _, _, err := PeakValid(canvas, tpl); !errors.Is(err, ErrTemplateSize) {
		t.Errorf("expected ErrTemplateSize, got %v", err)
	}
}

func TestMaxIdxTieBreaksFirst(t *testing.T) {
	if got := maxIdx([]float64{1, 3, 3, 2}); got != 1 {
		t.Errorf("expected first maximum at index 1, got %d", got)
	}
}

func TestFullAndValidModesAgreeOnInteriorPeak(t *testing.T) {
	canvas := binaryFrame(48, 11)
	tpl := cutTemplate(canvas, 10, 20, 12, 12)

	row, col, err := PeakValid(canvas, tpl)
	if err != nil {
		t.Fatalf("PeakValid returned error: %v", err)
	}
	v := EstimateShiftCentered(canvas, tpl)

	// Both estimators locate the same placement; they only differ in the
	// reference point of the reported coordinates.
	outW := canvas.Side + tpl.W - 1
	outH := canvas.Side + tpl.H - 1
	wantX := float64(col + tpl.W - 1 - outW/2)
	wantY := float64(row + tpl.H - 1 - outH/2)
	if v.X != wantX || v.Y != wantY {
		t.Errorf("expected centered shift (%g, %g), got (%g, %g)", wantX, wantY, v.X, v.Y)
	}
}
