package calibration

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/huntbot/huntbot/pkg/vision"
)

// Sweep grid resolution. Position is sampled finer than size because the
// failure mode is usually a drifted panel, not a resized one.
const (
	sweepPositionSteps = 18
	sweepWidthSteps    = 12
	sweepHeightSteps   = 10
	sweepMatchFloor    = 0.7
	hintWindowSpan     = 0.25
	successWindowSpan  = 0.08
	sizeMarginNorm     = 0.02
)

// runSweep loads the captured frame and template from disk and grid-searches
// normalized ROI space for the best-scoring region. It reports found=false
// when no cell clears the acceptance threshold.
func (m *Manager) runSweep(j job, acceptance float64) (Result, bool, error) {
	frame := gocv.IMRead(j.framePath, gocv.IMReadColor)
	if frame.Empty() {
		return Result{}, false, fmt.Errorf("%w: frame %s", ErrAssetUnreadable, j.framePath)
	}
	defer frame.Close()

	tpl, err := vision.LoadTemplate(j.templatePath)
	if err != nil {
		return Result{}, false, fmt.Errorf("%w: %v", ErrAssetUnreadable, err)
	}
	defer tpl.Close()

	best, found := sweepROI(m.matcher, j.key, frame, tpl, j.hintBox, j.lastSuccess, acceptance)
	return best, found, nil
}

// SweepFrame grid-searches one frame for the given detector key, outside
// any manager. Used by the offline sweep tool.
func SweepFrame(matcher *vision.TemplateDetector, key Key, frame gocv.Mat, tpl *vision.Template, hint *vision.Box, acceptance float64) (Result, bool) {
	return sweepROI(matcher, key, frame, tpl, hint, nil, acceptance)
}

// sweepROI runs the grid search over candidate ROIs.
func sweepROI(matcher *vision.TemplateDetector, key Key, frame gocv.Mat, tpl *vision.Template, hint *vision.Box, lastSuccess *LastSuccess, acceptance float64) (Result, bool) {
	bounds, ok := defaultSearchBounds[key]
	if !ok {
		bounds = SearchBounds{X: [2]float64{0, 1}, Y: [2]float64{0, 1}, W: [2]float64{0, 1}, H: [2]float64{0, 1}}
	}

	width := frame.Cols()
	height := frame.Rows()
	if width <= 0 || height <= 0 {
		return Result{}, false
	}

	xMin, xMax := bounds.X[0], bounds.X[1]
	yMin, yMax := bounds.Y[0], bounds.Y[1]
	wMin, wMax := bounds.W[0], bounds.W[1]
	hMin, hMax := bounds.H[0], bounds.H[1]

	// Focus the position search around the best evidence available.
	switch {
	case hint != nil:
		cx := (float64(hint.X) + float64(hint.W)/2) / float64(width)
		cy := (float64(hint.Y) + float64(hint.H)/2) / float64(height)
		xMin, xMax = clamp01(cx-hintWindowSpan), clamp01(cx+hintWindowSpan)
		yMin, yMax = clamp01(cy-hintWindowSpan), clamp01(cy+hintWindowSpan)
	case lastSuccess != nil && lastSuccess.ROI != nil:
		xMin, xMax = clamp01(lastSuccess.ROI.X-successWindowSpan), clamp01(lastSuccess.ROI.X+successWindowSpan)
		yMin, yMax = clamp01(lastSuccess.ROI.Y-successWindowSpan), clamp01(lastSuccess.ROI.Y+successWindowSpan)
	}

	// Candidate regions must be able to contain the template plus margin.
	if tplWNorm := float64(tpl.W)/float64(width) + sizeMarginNorm; wMin < tplWNorm {
		wMin = tplWNorm
	}
	if tplHNorm := float64(tpl.H)/float64(height) + sizeMarginNorm; hMin < tplHNorm {
		hMin = tplHNorm
	}

	xs := linspace(xMin, xMax, sweepPositionSteps)
	ys := linspace(yMin, yMax, sweepPositionSteps)
	ws := linspace(wMin, wMax, sweepWidthSteps)
	hs := linspace(hMin, hMax, sweepHeightSteps)

	bestScore := 0.0
	var bestROI vision.ROI
	haveBest := false

	for _, rx := range xs {
		for _, ry := range ys {
			for _, rw := range ws {
				for _, rh := range hs {
					x := int(rx*float64(width) + 0.5)
					y := int(ry*float64(height) + 0.5)
					wPx := int(rw*float64(width) + 0.5)
					hPx := int(rh*float64(height) + 0.5)
					if wPx <= 0 || hPx <= 0 {
						continue
					}
					if wPx < tpl.W || hPx < tpl.H {
						continue
					}
					if x+wPx > width || y+hPx > height {
						continue
					}
					region := frame.Region(image.Rect(x, y, x+wPx, y+hPx))
					_, scores := matcher.DetectMulti(region, tpl, sweepMatchFloor)
					region.Close()
					for _, s := range scores {
						if s > bestScore {
							bestScore = s
							bestROI = vision.ROI{X: rx, Y: ry, W: rw, H: rh}
							haveBest = true
						}
					}
				}
			}
		}
	}

	if haveBest && bestScore >= acceptance {
		return Result{ROI: bestROI, Score: bestScore}, true
	}
	return Result{}, false
}

func linspace(lo, hi float64, n int) []float64 {
	if n <= 1 || hi <= lo {
		return []float64{lo}
	}
	out := make([]float64, n)
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	return out
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
