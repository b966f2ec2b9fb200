package tile

import (
	"image"
	"math"
	"testing"
)

func TestScreenTileRoundTrip(t *testing.T) {
	g, err := NewGrid(48.0, image.Pt(120, 80), 10, 6)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	for row := -3; row <= 3; row++ {
		for col := -3; col <= 3; col++ {
			x, y := g.TileToScreen(row, col)
			// Sub-pixel jitter must not change the resolved tile.
			gotRow, gotCol := g.ScreenToTile(x+0.9, y+0.9)
			if gotRow != row || gotCol != col {
				t.Fatalf("round trip (%d,%d) -> (%d,%d)", row, col, gotRow, gotCol)
			}
		}
	}
}

func TestTileCenter(t *testing.T) {
	g, _ := NewGrid(40.0, image.Pt(0, 0), 0, 0)
	x, y := g.TileCenter(2, 3)
	if x != 140 || y != 100 {
		t.Fatalf("TileCenter(2,3) = (%v,%v), want (140,100)", x, y)
	}
}

func TestNewGridRejectsBadTileSize(t *testing.T) {
	if _, err := NewGrid(0, image.Point{}, 0, 0); err == nil {
		t.Fatal("zero tile size accepted")
	}
	if _, err := NewGrid(-5, image.Point{}, 0, 0); err == nil {
		t.Fatal("negative tile size accepted")
	}
}

func TestContextMenuRectRightOfTile(t *testing.T) {
	g, _ := NewGrid(50.0, image.Pt(0, 0), 0, 0)
	tileRect := g.TileRect(1, 1)
	menu := g.ContextMenuRect(1, 1)
	if menu.Min.X != tileRect.Max.X {
		t.Errorf("menu starts at x=%d, want flush with tile edge %d", menu.Min.X, tileRect.Max.X)
	}
	if menu.Min.Y >= tileRect.Min.Y {
		t.Errorf("menu top %d not above tile top %d", menu.Min.Y, tileRect.Min.Y)
	}
	if menu.Dx() != 70 || menu.Dy() != 85 {
		t.Errorf("menu size = %dx%d, want 70x85", menu.Dx(), menu.Dy())
	}
}

func TestIsAdjacent(t *testing.T) {
	tests := []struct {
		aRow, aCol, bRow, bCol int
		want                   bool
	}{
		{0, 0, 0, 0, true},
		{0, 0, 1, 1, true},
		{0, 0, -1, 1, true},
		{0, 0, 2, 0, false},
		{0, 0, 0, -2, false},
		{5, 5, 4, 6, true},
	}
	for _, tt := range tests {
		if got := IsAdjacent(tt.aRow, tt.aCol, tt.bRow, tt.bCol); got != tt.want {
			t.Errorf("IsAdjacent(%d,%d,%d,%d) = %v, want %v", tt.aRow, tt.aCol, tt.bRow, tt.bCol, got, tt.want)
		}
	}
}

func TestCalibrateFromSamples(t *testing.T) {
	// Exact lattice: size 32, origin (14, 22).
	samples := []Sample{
		{X: 14, Y: 22, Row: 0, Col: 0},
		{X: 46, Y: 22, Row: 0, Col: 1},
		{X: 14, Y: 54, Row: 1, Col: 0},
		{X: 78, Y: 86, Row: 2, Col: 2},
	}
	fit, err := Calibrate(samples)
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if math.Abs(fit.TileSize-32) > 1e-9 {
		t.Errorf("tile size = %v, want 32", fit.TileSize)
	}
	if math.Abs(fit.TileOriginX-14) > 1e-9 || math.Abs(fit.TileOriginY-22) > 1e-9 {
		t.Errorf("origin = (%v,%v), want (14,22)", fit.TileOriginX, fit.TileOriginY)
	}
	if fit.ErrorPx > 1e-9 {
		t.Errorf("fit error = %v on exact lattice", fit.ErrorPx)
	}
}

func TestFromSamplesRoundTrip(t *testing.T) {
	samples := []Sample{
		{X: 100, Y: 200, Row: 0, Col: 0},
		{X: 148, Y: 200, Row: 0, Col: 1},
		{X: 100, Y: 248, Row: 1, Col: 0},
	}
	g, fit, err := FromSamples(samples, image.Pt(0, 0))
	if err != nil {
		t.Fatalf("FromSamples: %v", err)
	}
	if fit.ErrorPx > 0.5 {
		t.Fatalf("fit error = %v px", fit.ErrorPx)
	}
	for row := 0; row <= 2; row++ {
		for col := 0; col <= 2; col++ {
			x, y := g.TileToScreen(row, col)
			gotRow, gotCol := g.ScreenToTile(x+0.9, y+0.9)
			if gotRow != row || gotCol != col {
				t.Fatalf("round trip (%d,%d) -> (%d,%d)", row, col, gotRow, gotCol)
			}
		}
	}
}

func TestCalibrateNeedsVariance(t *testing.T) {
	samples := []Sample{
		{X: 10, Y: 10, Row: 1, Col: 1},
		{X: 12, Y: 11, Row: 1, Col: 1},
	}
	if _, err := Calibrate(samples); err == nil {
		t.Fatal("calibration succeeded without index variance")
	}
	if _, err := Calibrate(nil); err == nil {
		t.Fatal("calibration succeeded with no samples")
	}
}
