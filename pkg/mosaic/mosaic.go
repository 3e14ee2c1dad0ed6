// Package mosaic assembles an acquired tile grid into a single image for
// inspection and writes it to disk. The assembly is purely geometric: tiles
// are placed on the nominal lattice implied by the overlap fraction, trusting
// the seam corrections already applied during acquisition.
package mosaic

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"

	"stemdrift/pkg/tilegrid"
)

// Stitch lays the grid's tiles onto a shared canvas. Horizontally adjacent
// tiles advance by ImageSize*(1-overlap) pixels so the overlap bands lie on
// top of each other; later tiles win where they overlap. Rows advance by the
// full tile height since vertical overlap is not acquired.
func Stitch(grid *tilegrid.Grid, overlap float64) (*image.Gray16, error) {
	if grid.Rows < 1 || grid.Cols < 1 || grid.Tiles[0].Frame == nil {
		return nil, fmt.Errorf("mosaic: empty grid")
	}
	side := grid.Tiles[0].Frame.Side
	stepX := int(float64(side) * (1 - overlap))

	width := stepX*(grid.Cols-1) + side
	height := side * grid.Rows
	img := image.NewGray16(image.Rect(0, 0, width, height))

	for row := 0; row < grid.Rows; row++ {
		for col := 0; col < grid.Cols; col++ {
			tile := grid.At(row, col)
			if tile.Frame == nil {
				return nil, fmt.Errorf("mosaic: missing frame at (%d,%d)", row, col)
			}
			if tile.Frame.Side != side {
				return nil, fmt.Errorf("mosaic: tile (%d,%d) side %d does not match %d",
					row, col, tile.Frame.Side, side)
			}
			drawTile(img, tile.Frame.Data, side, col*stepX, row*side)
		}
	}
	return img, nil
}

// drawTile scales one tile's samples to the full 16-bit range and copies
// them to the canvas at the given offset. Scaling per tile keeps every tile
// visible even when dose varies across the grid.
func drawTile(img *image.Gray16, data []float64, side, offX, offY int) {
	lo := floats.Min(data)
	hi := floats.Max(data)
	scale := 0.0
	if hi > lo {
		scale = 65535 / (hi - lo)
	}
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			v := uint16((data[y*side+x] - lo) * scale)
			img.SetGray16(offX+x, offY+y, color.Gray16{Y: v})
		}
	}
}

// Save writes the stitched image as a PNG, creating the directory if needed.
func Save(img image.Image, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("mosaic: creating output directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("mosaic: creating %s: %w", path, err)
	}
	defer file.Close()

	if err := png.Encode(file, img); err != nil {
		return fmt.Errorf("mosaic: encoding %s: %w", path, err)
	}
	return nil
}
