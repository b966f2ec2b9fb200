// Package vision provides the visual detectors used by the combat engine:
// template correlation and OCR word/digit search over captured frames.
// Boxes are region-local pixel rectangles; ROIs are normalized to [0,1].
package vision

import (
	"image"
	"sort"
)

// Box is a pixel-space bounding box, local to the region it was detected in.
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Center returns the center point of the box.
func (b Box) Center() (int, int) {
	return b.X + b.W/2, b.Y + b.H/2
}

// Rect converts the box to an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.W, b.Y+b.H)
}

// Offset returns the box translated by (dx, dy).
func (b Box) Offset(dx, dy int) Box {
	return Box{X: b.X + dx, Y: b.Y + dy, W: b.W, H: b.H}
}

// Union returns the smallest box containing both a and b.
func (b Box) Union(o Box) Box {
	x0 := min(b.X, o.X)
	y0 := min(b.Y, o.Y)
	x1 := max(b.X+b.W, o.X+o.W)
	y1 := max(b.Y+b.H, o.Y+o.H)
	return Box{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// ROI is a normalized rectangle relative to a reference frame.
// Width and height must be positive; all values are clamped to [0,1].
type ROI struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	W float64 `json:"w" yaml:"w"`
	H float64 `json:"h" yaml:"h"`
}

// NewROI builds a clamped ROI.
func NewROI(x, y, w, h float64) ROI {
	r := ROI{X: x, Y: y, W: w, H: h}
	return r.Clamp()
}

// Clamp returns the ROI with every component forced into [0,1].
func (r ROI) Clamp() ROI {
	return ROI{
		X: clamp01(r.X),
		Y: clamp01(r.Y),
		W: clamp01(r.W),
		H: clamp01(r.H),
	}
}

// Valid reports whether the ROI has positive extent.
func (r ROI) Valid() bool {
	return r.W > 0 && r.H > 0
}

// Zero reports whether the ROI is the zero value.
func (r ROI) Zero() bool {
	return r == ROI{}
}

// PixelRect converts the ROI to a pixel rectangle inside a width×height
// frame, clamped to the frame bounds with at least one pixel of extent.
func (r ROI) PixelRect(width, height int) image.Rectangle {
	x := int(r.X * float64(width))
	y := int(r.Y * float64(height))
	w := int(r.W * float64(width))
	h := int(r.H * float64(height))
	if x > width-1 {
		x = width - 1
	}
	if y > height-1 {
		y = height - 1
	}
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	if x+w > width {
		w = width - x
	}
	if y+h > height {
		h = height - y
	}
	return image.Rect(x, y, x+w, y+h)
}

// FromPixels converts a pixel rectangle back to a normalized ROI for the
// given reference resolution.
func FromPixels(rect image.Rectangle, width, height int) ROI {
	if width <= 0 || height <= 0 {
		return ROI{}
	}
	return NewROI(
		float64(rect.Min.X)/float64(width),
		float64(rect.Min.Y)/float64(height),
		float64(rect.Dx())/float64(width),
		float64(rect.Dy())/float64(height),
	)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Text box noise limits. OCR on game frames produces plenty of junk boxes;
// these bounds reject fragments and HUD-sized blobs alike.
const (
	minTextBoxSize   = 10
	maxTextBoxAspect = 8.0
	maxTextBoxDim    = 200
)

// ValidTextBox filters out boxes too small, too elongated, or too large to
// be a UI word.
func ValidTextBox(w, h int) bool {
	if w < minTextBoxSize || h < minTextBoxSize {
		return false
	}
	long, short := w, h
	if short > long {
		long, short = short, long
	}
	if float64(long)/float64(short) > maxTextBoxAspect {
		return false
	}
	if w > maxTextBoxDim || h > maxTextBoxDim {
		return false
	}
	return true
}

// NMS returns the indices of boxes to keep after greedy non-maximum
// suppression at the given IoU threshold, highest score first.
func NMS(boxes []Box, scores []float64, iouThresh float64) []int {
	if len(boxes) == 0 {
		return nil
	}
	order := make([]int, len(boxes))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	var keep []int
	suppressed := make([]bool, len(boxes))
	for _, i := range order {
		if suppressed[i] {
			continue
		}
		keep = append(keep, i)
		for _, j := range order {
			if j == i || suppressed[j] {
				continue
			}
			if iou(boxes[i], boxes[j]) > iouThresh {
				suppressed[j] = true
			}
		}
	}
	return keep
}

func iou(a, b Box) float64 {
	ix0 := max(a.X, b.X)
	iy0 := max(a.Y, b.Y)
	ix1 := min(a.X+a.W, b.X+b.W)
	iy1 := min(a.Y+a.H, b.Y+b.H)
	iw := ix1 - ix0 + 1
	ih := iy1 - iy0 + 1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := float64(iw) * float64(ih)
	areaA := float64(a.W+1) * float64(a.H+1)
	areaB := float64(b.W+1) * float64(b.H+1)
	return inter / (areaA + areaB - inter + 1e-6)
}

// DeriveHitbox returns the clickable body region implied by a nameplate
// word box: centered below the text where the entity sprite sits.
func DeriveHitbox(word Box) Box {
	cx := word.X + word.W/2
	hy := word.Y + word.H + int(1.4*float64(word.H))
	hw := int(0.9 * float64(word.W))
	hh := int(0.7 * float64(word.H))
	return Box{X: cx - hw/2, Y: hy - hh/2, W: hw, H: hh}
}
