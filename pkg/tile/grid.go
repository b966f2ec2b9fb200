// Package tile maps between screen pixels and the game's discrete tile
// coordinates, and tracks short-lived per-entity tile positions.
package tile

import (
	"errors"
	"image"
	"math"
)

// Grid converts between absolute screen pixels and tile indices. It is a
// pure coordinate transform parameterized by tile size, a pixel origin of
// the tile lattice, and the screen origin of the capture ROI.
type Grid struct {
	TileSize    float64
	ROIOriginX  int
	ROIOriginY  int
	TileOriginX float64
	TileOriginY float64
	HoverX      float64 // fraction of ROI width where the player sits
	HoverY      float64
}

// NewGrid builds a grid; tileSize must be positive.
func NewGrid(tileSize float64, roiOrigin image.Point, tileOriginX, tileOriginY float64) (*Grid, error) {
	if tileSize <= 0 {
		return nil, errors.New("tile: tile size must be > 0")
	}
	return &Grid{
		TileSize:    tileSize,
		ROIOriginX:  roiOrigin.X,
		ROIOriginY:  roiOrigin.Y,
		TileOriginX: tileOriginX,
		TileOriginY: tileOriginY,
		HoverX:      0.5,
		HoverY:      0.5,
	}, nil
}

// ScreenToTile converts absolute screen coordinates to (row, col).
func (g *Grid) ScreenToTile(x, y float64) (int, int) {
	relX := x - float64(g.ROIOriginX) - g.TileOriginX
	relY := y - float64(g.ROIOriginY) - g.TileOriginY
	col := int(math.Floor(relX / g.TileSize))
	row := int(math.Floor(relY / g.TileSize))
	return row, col
}

// TileToScreen returns the top-left pixel of a tile in absolute screen
// coordinates.
func (g *Grid) TileToScreen(row, col int) (float64, float64) {
	x := float64(g.ROIOriginX) + g.TileOriginX + float64(col)*g.TileSize
	y := float64(g.ROIOriginY) + g.TileOriginY + float64(row)*g.TileSize
	return x, y
}

// TileCenter returns the absolute pixel center of a tile.
func (g *Grid) TileCenter(row, col int) (float64, float64) {
	x, y := g.TileToScreen(row, col)
	return x + g.TileSize*0.5, y + g.TileSize*0.5
}

// TileRect returns the ROI-relative integer rectangle of a tile.
func (g *Grid) TileRect(row, col int) image.Rectangle {
	x, y := g.TileToScreen(row, col)
	rx := int(x) - g.ROIOriginX
	ry := int(y) - g.ROIOriginY
	size := int(g.TileSize)
	return image.Rect(rx, ry, rx+size, ry+size)
}

// ContextMenuRect returns the heuristic ROI-relative rectangle where the
// action menu appears next to a tile.
func (g *Grid) ContextMenuRect(row, col int) image.Rectangle {
	r := g.TileRect(row, col)
	w := r.Dx()
	h := r.Dy()
	menuX := r.Min.X + w
	menuY := r.Min.Y - int(0.25*float64(h))
	menuW := int(float64(w) * 1.4)
	menuH := int(float64(h) * 1.7)
	return image.Rect(menuX, menuY, menuX+menuW, menuY+menuH)
}

// HoverLabelRect returns the ROI-relative rectangle just above a tile where
// floating labels appear.
func (g *Grid) HoverLabelRect(row, col int) image.Rectangle {
	r := g.TileRect(row, col)
	w := r.Dx()
	h := r.Dy()
	labelW := int(float64(w) * 1.2)
	labelH := int(float64(h) * 0.6)
	labelX := r.Min.X - int(0.1*float64(w))
	labelY := r.Min.Y - labelH - int(0.1*float64(h))
	return image.Rect(labelX, labelY, labelX+labelW, labelY+labelH)
}

// PlayerTile returns the tile under the configured hover point of the ROI.
func (g *Grid) PlayerTile(roiWidth, roiHeight int) (int, int) {
	px := float64(g.ROIOriginX) + g.TileOriginX + float64(roiWidth)*g.HoverX
	py := float64(g.ROIOriginY) + g.TileOriginY + float64(roiHeight)*g.HoverY
	return g.ScreenToTile(px, py)
}

// IsAdjacent reports whether two tiles are within Chebyshev distance 1.
func IsAdjacent(aRow, aCol, bRow, bCol int) bool {
	dr := aRow - bRow
	if dr < 0 {
		dr = -dr
	}
	dc := aCol - bCol
	if dc < 0 {
		dc = -dc
	}
	return max(dr, dc) <= 1
}

// Sample pairs a screen pixel with the tile index observed there.
type Sample struct {
	X, Y     float64
	Row, Col int
}

// Fit is the result of calibrating a grid from samples.
type Fit struct {
	TileSize    float64
	TileOriginX float64
	TileOriginY float64
	ErrorPx     float64
}

// FromSamples calibrates a Grid from pixel/tile correspondences by
// averaging pairwise differences. At least two samples with index variance
// are required.
func FromSamples(samples []Sample, roiOrigin image.Point) (*Grid, Fit, error) {
	fit, err := Calibrate(samples)
	if err != nil {
		return nil, Fit{}, err
	}
	g, err := NewGrid(fit.TileSize, roiOrigin, fit.TileOriginX, fit.TileOriginY)
	if err != nil {
		return nil, Fit{}, err
	}
	return g, fit, nil
}

// Calibrate estimates tile size and lattice origin from samples, returning
// the mean residual in pixels as a fit-quality metric.
func Calibrate(samples []Sample) (Fit, error) {
	if len(samples) == 0 {
		return Fit{}, errors.New("tile: at least one sample required")
	}

	var estimates []float64
	for i := 0; i < len(samples); i++ {
		for j := i + 1; j < len(samples); j++ {
			dc := samples[j].Col - samples[i].Col
			dr := samples[j].Row - samples[i].Row
			if dc != 0 {
				estimates = append(estimates, math.Abs((samples[j].X-samples[i].X)/float64(dc)))
			}
			if dr != 0 {
				estimates = append(estimates, math.Abs((samples[j].Y-samples[i].Y)/float64(dr)))
			}
		}
	}
	var sum float64
	var n int
	for _, e := range estimates {
		if e > 0 {
			sum += e
			n++
		}
	}
	if n == 0 {
		return Fit{}, errors.New("tile: insufficient variance in calibration samples")
	}
	tileSize := sum / float64(n)

	var originX, originY float64
	for _, s := range samples {
		originX += s.X - float64(s.Col)*tileSize
		originY += s.Y - float64(s.Row)*tileSize
	}
	originX /= float64(len(samples))
	originY /= float64(len(samples))

	var totalErr float64
	for _, s := range samples {
		ex := originX + float64(s.Col)*tileSize
		ey := originY + float64(s.Row)*tileSize
		totalErr += math.Hypot(ex-s.X, ey-s.Y)
	}

	return Fit{
		TileSize:    tileSize,
		TileOriginX: originX,
		TileOriginY: originY,
		ErrorPx:     totalErr / float64(len(samples)),
	}, nil
}
