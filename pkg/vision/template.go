package vision

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// DefaultTemplateThreshold is the correlation floor for a template hit.
const DefaultTemplateThreshold = 0.78

// maxTemplateInstances caps how many boxes one match pass may return.
const maxTemplateInstances = 10

// Template is a reference image loaded once and matched many times.
type Template struct {
	Path string
	mat  gocv.Mat
	W    int
	H    int
}

// LoadTemplate reads a template image from disk.
func LoadTemplate(path string) (*Template, error) {
	mat := gocv.IMRead(path, gocv.IMReadColor)
	if mat.Empty() {
		return nil, fmt.Errorf("load template %s: unreadable image", path)
	}
	return &Template{Path: path, mat: mat, W: mat.Cols(), H: mat.Rows()}, nil
}

// Close releases the template's image data.
func (t *Template) Close() {
	if !t.mat.Empty() {
		t.mat.Close()
	}
}

// TemplateDetector matches a template against frames using normalized
// cross-correlation. Two passes run per match: raw grayscale and Canny
// edges; edge correlation holds up better when the target is drawn over
// shifting backgrounds.
type TemplateDetector struct{}

// NewTemplateDetector returns a ready detector.
func NewTemplateDetector() *TemplateDetector {
	return &TemplateDetector{}
}

// DetectMulti finds all template instances in frame scoring at or above
// threshold, deduplicated with NMS. Boxes are frame-local pixels.
func (d *TemplateDetector) DetectMulti(frame gocv.Mat, tpl *Template, threshold float64) ([]Box, []float64) {
	if frame.Empty() || tpl == nil || tpl.mat.Empty() {
		return nil, nil
	}
	if frame.Cols() < tpl.W || frame.Rows() < tpl.H {
		return nil, nil
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)

	tplGray := gocv.NewMat()
	defer tplGray.Close()
	gocv.CvtColor(tpl.mat, &tplGray, gocv.ColorBGRToGray)

	var candidates []Box
	var scores []float64

	collect := func(img, t gocv.Mat) {
		res := gocv.NewMat()
		defer res.Close()
		mask := gocv.NewMat()
		defer mask.Close()
		gocv.MatchTemplate(img, t, &res, gocv.TmCcoeffNormed, mask)
		for y := 0; y < res.Rows(); y++ {
			for x := 0; x < res.Cols(); x++ {
				score := float64(res.GetFloatAt(y, x))
				if score >= threshold {
					candidates = append(candidates, Box{X: x, Y: y, W: tpl.W, H: tpl.H})
					scores = append(scores, score)
				}
			}
		}
	}

	collect(gray, tplGray)

	edges := gocv.NewMat()
	defer edges.Close()
	tplEdges := gocv.NewMat()
	defer tplEdges.Close()
	gocv.Canny(gray, &edges, 80, 160)
	gocv.Canny(tplGray, &tplEdges, 80, 160)
	collect(edges, tplEdges)

	if len(candidates) == 0 {
		return nil, nil
	}
	keep := NMS(candidates, scores, 0.5)
	if len(keep) > maxTemplateInstances {
		keep = keep[:maxTemplateInstances]
	}
	boxes := make([]Box, 0, len(keep))
	kept := make([]float64, 0, len(keep))
	for _, i := range keep {
		boxes = append(boxes, candidates[i])
		kept = append(kept, scores[i])
	}
	return boxes, kept
}

// DetectInRect matches inside a pixel sub-rectangle of the frame and
// returns boxes translated back to frame coordinates.
func (d *TemplateDetector) DetectInRect(frame gocv.Mat, tpl *Template, rect image.Rectangle, threshold float64) ([]Box, []float64) {
	rect = rect.Intersect(image.Rect(0, 0, frame.Cols(), frame.Rows()))
	if rect.Empty() {
		return nil, nil
	}
	region := frame.Region(rect)
	defer region.Close()
	boxes, scores := d.DetectMulti(region, tpl, threshold)
	for i := range boxes {
		boxes[i] = boxes[i].Offset(rect.Min.X, rect.Min.Y)
	}
	return boxes, scores
}

// DetectInROI matches inside a normalized ROI of the frame and returns
// frame-local boxes plus the best score.
func (d *TemplateDetector) DetectInROI(frame gocv.Mat, tpl *Template, roi ROI, threshold float64) ([]Box, float64) {
	boxes, scores := d.DetectInRect(frame, tpl, roi.PixelRect(frame.Cols(), frame.Rows()), threshold)
	best := 0.0
	for _, s := range scores {
		if s > best {
			best = s
		}
	}
	return boxes, best
}
