// Package capture produces frames for the detection loop.
package capture

import (
	"errors"
	"fmt"
	"image"

	"github.com/kbinani/screenshot"
	"gocv.io/x/gocv"
)

// ErrWindowNotFound is returned when the configured capture region is not
// currently on any display. The frame loop treats this as fatal for the
// frame only and retries on the next poll.
var ErrWindowNotFound = errors.New("capture: target region not on screen")

// Source supplies one BGR frame per call. The caller owns the returned Mat
// and must Close it.
type Source interface {
	// Capture grabs the current frame.
	Capture() (gocv.Mat, error)
	// Origin returns the screen-space origin of captured frames, used to
	// translate frame-local boxes into absolute click coordinates.
	Origin() (int, int)
}

// ScreenSource captures a fixed pixel region of one display.
type ScreenSource struct {
	display int
	region  image.Rectangle
}

// NewScreenSource builds a source for the given display and region. A zero
// region means the whole display.
func NewScreenSource(display int, region image.Rectangle) (*ScreenSource, error) {
	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return nil, ErrWindowNotFound
	}
	if display < 0 || display >= n {
		return nil, fmt.Errorf("capture: display %d out of range (%d active)", display, n)
	}
	bounds := screenshot.GetDisplayBounds(display)
	if region.Empty() {
		region = bounds
	} else if !region.In(bounds) {
		return nil, ErrWindowNotFound
	}
	return &ScreenSource{display: display, region: region}, nil
}

// Capture grabs the region as a BGR Mat.
func (s *ScreenSource) Capture() (gocv.Mat, error) {
	img, err := screenshot.CaptureRect(s.region)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: %v", ErrWindowNotFound, err)
	}
	rgba, err := gocv.ImageToMatRGBA(img)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("capture: convert frame: %w", err)
	}
	defer rgba.Close()
	bgr := gocv.NewMat()
	gocv.CvtColor(rgba, &bgr, gocv.ColorRGBAToBGR)
	return bgr, nil
}

// Origin returns the top-left screen coordinate of the capture region.
func (s *ScreenSource) Origin() (int, int) {
	return s.region.Min.X, s.region.Min.Y
}

// FileSource replays a single frame from disk, for offline tooling and
// tests.
type FileSource struct {
	path string
}

// NewFileSource creates a source backed by an image file.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Capture loads the file as a BGR Mat.
func (s *FileSource) Capture() (gocv.Mat, error) {
	mat := gocv.IMRead(s.path, gocv.IMReadColor)
	if mat.Empty() {
		return mat, fmt.Errorf("capture: unreadable frame file %s", s.path)
	}
	return mat, nil
}

// Origin is always (0,0) for file-backed frames.
func (s *FileSource) Origin() (int, int) {
	return 0, 0
}
