// Package tilegrid acquires a rectangular grid of overlapping frames and
// corrects stage drift at each seam. After a tile is acquired, the overlap
// band shared with its left neighbour is located by valid-mode correlation;
// if the match sits further than the tolerance from its expected position,
// the fine positioner is nudged by the measured error and the tile is
// re-acquired.
//
// Only horizontal seams are checked: the first tile of each row is taken on
// trust, so drift accumulated down a column goes unmeasured.
package tilegrid

import (
	"fmt"
	"time"

	"stemdrift/pkg/frame"
	"stemdrift/pkg/instrument"
	"stemdrift/pkg/register"
)

// Params configures a grid acquisition.
type Params struct {
	// ImageSize is the square frame edge length in pixels.
	ImageSize int

	// DwellTime is the per-pixel dwell time.
	DwellTime time.Duration

	// OverlapFraction is the column fraction shared between horizontally
	// adjacent tiles. The stage step between tiles is
	// ImageSize*(1-OverlapFraction) pixels.
	OverlapFraction float64

	// BinFactor downsamples frames before correlating. Must divide ImageSize.
	BinFactor int

	// GaussianSigma is the preprocessing smoothing sigma in pixels.
	GaussianSigma float64

	// Rows and Cols define the grid. Tiles are acquired row by row, left to
	// right.
	Rows, Cols int

	// ShiftTolerancePx accepts a seam when both peak components are within
	// this many binned pixels of the expected match position.
	ShiftTolerancePx int

	// MaxCorrectionAttempts bounds the nudge-and-reacquire sub-loop per
	// seam. A tile whose seam never passes is kept as-is and flagged.
	MaxCorrectionAttempts int

	// SettlePoll and SettleTimeout bound the wait after every stage or
	// piezo move.
	SettlePoll    time.Duration
	SettleTimeout time.Duration

	// Verbose prints per-tile progress.
	Verbose bool
}

// Tile is one acquired grid position.
type Tile struct {
	// Frame is the accepted frame for this position, after any
	// correction re-acquisitions.
	Frame *frame.Frame

	// Desired is the stage position the traversal targeted.
	Desired instrument.StagePosition

	// Actual is the stage position reported after settling, including any
	// piezo corrections.
	Actual instrument.StagePosition

	// SeamChecked reports whether this tile had a left neighbour to
	// register against.
	SeamChecked bool

	// SeamAccepted reports whether the seam passed within the attempt
	// budget. Always false when SeamChecked is false.
	SeamAccepted bool

	// Corrections counts the piezo nudges applied for this tile.
	Corrections int
}

// Grid holds the acquired tiles in row-major order.
type Grid struct {
	Rows, Cols int
	Tiles      []Tile
}

// At returns the tile at the given grid position.
func (g *Grid) At(row, col int) *Tile {
	return &g.Tiles[row*g.Cols+col]
}

// Loop drives one grid acquisition against an instrument.
type Loop struct {
	scope  instrument.Microscope
	params Params
}

// NewLoop creates a grid acquisition loop around an instrument connection.
func NewLoop(scope instrument.Microscope, params Params) *Loop {
	return &Loop{scope: scope, params: params}
}

// Run acquires the full grid and returns it. Tiles whose seam could not be
// brought within tolerance are kept with SeamAccepted false rather than
// failing the whole run; hard instrument errors abort immediately.
func (l *Loop) Run() (*Grid, error) {
	p := l.params
	grid := &Grid{
		Rows:  p.Rows,
		Cols:  p.Cols,
		Tiles: make([]Tile, p.Rows*p.Cols),
	}

	origin, err := l.scope.StagePosition()
	if err != nil {
		return nil, fmt.Errorf("tilegrid: reading origin position: %w", err)
	}

	desiredShiftPx := int(float64(p.ImageSize) * (1 - p.OverlapFraction))

	// The physical step length depends on the pixel size, which is only
	// known once the first frame has been acquired.
	step := 0.0

	for row := 0; row < p.Rows; row++ {
		for col := 0; col < p.Cols; col++ {
			tile := grid.At(row, col)

			// Each target chains off the previously achieved position
			// rather than the ideal lattice, so a residual seam error is
			// not re-fought on every subsequent tile.
			switch {
			case row == 0 && col == 0:
				tile.Desired = origin
			case col == 0:
				prev := grid.At(row-1, p.Cols-1)
				tile.Desired = instrument.StagePosition{X: origin.X, Y: prev.Actual.Y + step}
			default:
				prev := grid.At(row, col-1)
				tile.Desired = prev.Actual.Add(instrument.StagePosition{X: step})
			}

			if err := l.moveAndSettle(tile.Desired); err != nil {
				return grid, err
			}
			if err := l.acquireInto(tile); err != nil {
				return grid, err
			}
			if step == 0 {
				step = float64(desiredShiftPx) * tile.Frame.PixelSize
			}

			if col > 0 {
				if err := l.correctSeam(grid, row, col); err != nil {
					return grid, err
				}
			}

			if p.Verbose {
				fmt.Printf("tilegrid: tile (%d,%d) at %v, corrections %d\n",
					row, col, tile.Actual, tile.Corrections)
			}
		}
	}

	return grid, nil
}

// correctSeam registers a freshly acquired tile against its left neighbour
// and nudges the fine positioner until the overlap band matches where it
// should, or the attempt budget runs out.
func (l *Loop) correctSeam(grid *Grid, row, col int) error {
	p := l.params
	tile := grid.At(row, col)
	left := grid.At(row, col-1)
	tile.SeamChecked = true

	leftMask, err := l.preprocess(left.Frame)
	if err != nil {
		return err
	}
	tpl, err := register.ExtractTemplate(leftMask, p.OverlapFraction)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		mask, err := l.preprocess(tile.Frame)
		if err != nil {
			return err
		}
		peakRow, peakCol, err := register.PeakValid(mask, tpl)
		if err != nil {
			return err
		}

		// A clean step puts the neighbour's overlap band flush with this
		// tile's left edge, so the expected peak is (0, 0).
		if peakRow <= p.ShiftTolerancePx && peakCol <= p.ShiftTolerancePx {
			tile.SeamAccepted = true
			return nil
		}
		if attempt >= p.MaxCorrectionAttempts {
			if p.Verbose {
				fmt.Printf("tilegrid: tile (%d,%d) seam still off by (%d,%d) after %d corrections, keeping frame\n",
					row, col, peakRow, peakCol, attempt)
			}
			return nil
		}

		// The peak offset gives the error magnitude in binned pixels;
		// the direction of the nudge is whichever way the achieved
		// position fell short of the target on that axis.
		ps := tile.Frame.PixelSize
		delta := instrument.StagePosition{
			X: sign(tile.Desired.X-tile.Actual.X) * float64(peakCol*p.BinFactor) * ps,
			Y: sign(tile.Desired.Y-tile.Actual.Y) * float64(peakRow*p.BinFactor) * ps,
		}
		if err := l.scope.MovePiezoRelative(delta); err != nil {
			return fmt.Errorf("tilegrid: correcting tile (%d,%d): %w", row, col, err)
		}
		if err := instrument.WaitSettled(l.scope, p.SettlePoll, p.SettleTimeout); err != nil {
			return err
		}
		if err := l.acquireInto(tile); err != nil {
			return err
		}
		tile.Corrections++
	}
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// moveAndSettle issues an absolute coarse move and waits for the stage to
// come to rest.
func (l *Loop) moveAndSettle(target instrument.StagePosition) error {
	if err := l.scope.MoveStageAbsolute(target); err != nil {
		return fmt.Errorf("tilegrid: moving to %v: %w", target, err)
	}
	return instrument.WaitSettled(l.scope, l.params.SettlePoll, l.params.SettleTimeout)
}

// acquireInto scans a frame for the tile and records the settled stage
// position alongside it.
func (l *Loop) acquireInto(tile *Tile) error {
	f, err := l.scope.AcquireFrame(l.params.ImageSize, l.params.DwellTime)
	if err != nil {
		return fmt.Errorf("tilegrid: acquiring frame: %w", err)
	}
	pos, err := l.scope.StagePosition()
	if err != nil {
		return fmt.Errorf("tilegrid: reading stage position: %w", err)
	}
	tile.Frame = f
	tile.Actual = pos
	return nil
}

// preprocess bins and binarises a frame for seam registration.
func (l *Loop) preprocess(f *frame.Frame) (*frame.Frame, error) {
	binned, err := frame.Bin(f, l.params.BinFactor)
	if err != nil {
		return nil, err
	}
	mask, err := frame.Preprocess(binned, l.params.GaussianSigma)
	if err != nil {
		return nil, fmt.Errorf("tilegrid: preprocessing tile: %w", err)
	}
	return mask, nil
}
