package vision

import (
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"
	"gocv.io/x/gocv"
)

const (
	ocrScale       = 1.5
	alphaWhitelist = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	digitWhitelist = "0123456789"
)

// TextDetector finds target words and digits in frames via OCR.
//
// Word search runs two passes: a red-masked pass tuned for enemy nameplate
// text, then a general grayscale pass for white-on-dark UI labels. The
// tesseract client is not reentrant, so calls are serialized.
type TextDetector struct {
	mu     sync.Mutex
	client *gosseract.Client
}

// NewTextDetector creates a detector with its own tesseract client.
func NewTextDetector() *TextDetector {
	return &TextDetector{client: gosseract.NewClient()}
}

// Close releases the tesseract client.
func (d *TextDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return nil
	}
	err := d.client.Close()
	d.client = nil
	return err
}

// FindWord returns deduplicated boxes whose OCR text equals or contains
// target, with the best confidence in [0,1]. Boxes are frame-local pixels.
func (d *TextDetector) FindWord(frame gocv.Mat, target string) ([]Box, float64) {
	if frame.Empty() || target == "" {
		return nil, 0
	}
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)

	// Pass 1: red-masked text (enemy nameplates).
	masked := redMasked(frame, gray)
	boxes, scores := d.collectWords(masked, target)
	masked.Close()

	// Pass 2: general grayscale (UI labels like "Attack").
	if len(boxes) == 0 {
		boxes, scores = d.collectWords(gray, target)
	}

	return dedupe(boxes, scores)
}

// FindWordInRect restricts the word search to a pixel sub-rectangle and
// returns frame-local boxes.
func (d *TextDetector) FindWordInRect(frame gocv.Mat, target string, rect image.Rectangle) ([]Box, float64) {
	rect = rect.Intersect(image.Rect(0, 0, frame.Cols(), frame.Rows()))
	if rect.Empty() {
		return nil, 0
	}
	region := frame.Region(rect)
	defer region.Close()
	boxes, conf := d.FindWord(region, target)
	for i := range boxes {
		boxes[i] = boxes[i].Offset(rect.Min.X, rect.Min.Y)
	}
	return boxes, conf
}

// FindDigits returns boxes for digit tokens matching any of targets inside
// a pixel sub-rectangle, with frame-local coordinates.
func (d *TextDetector) FindDigits(frame gocv.Mat, targets []string, rect image.Rectangle) ([]Box, float64) {
	rect = rect.Intersect(image.Rect(0, 0, frame.Cols(), frame.Rows()))
	if rect.Empty() || len(targets) == 0 {
		return nil, 0
	}
	region := frame.Region(rect)
	defer region.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(region, &gray, gocv.ColorBGRToGray)

	wanted := make(map[string]bool, len(targets))
	for _, t := range targets {
		wanted[strings.ToLower(t)] = true
	}

	words, err := d.recognize(gray, digitWhitelist)
	if err != nil {
		return nil, 0
	}
	var boxes []Box
	var scores []float64
	for _, w := range words {
		if !wanted[w.text] {
			continue
		}
		if !ValidTextBox(w.box.W, w.box.H) {
			continue
		}
		boxes = append(boxes, w.box.Offset(rect.Min.X, rect.Min.Y))
		scores = append(scores, w.conf)
	}
	return dedupe(boxes, scores)
}

type ocrWord struct {
	text string
	box  Box
	conf float64
}

// collectWords OCRs a single-channel image and keeps boxes whose text
// matches target exactly or by containment.
func (d *TextDetector) collectWords(gray gocv.Mat, target string) ([]Box, []float64) {
	words, err := d.recognize(gray, alphaWhitelist)
	if err != nil {
		return nil, nil
	}
	want := strings.ToLower(target)
	var boxes []Box
	var scores []float64
	for _, w := range words {
		if !ValidTextBox(w.box.W, w.box.H) {
			continue
		}
		if w.text == want || strings.Contains(w.text, want) {
			boxes = append(boxes, w.box)
			scores = append(scores, w.conf)
		}
	}
	return boxes, scores
}

// recognize runs tesseract over an upscaled copy of gray and returns word
// boxes mapped back to the original scale.
func (d *TextDetector) recognize(gray gocv.Mat, whitelist string) ([]ocrWord, error) {
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(gray, &resized, image.Point{}, ocrScale, ocrScale, gocv.InterpolationCubic)

	buf, err := gocv.IMEncode(gocv.PNGFileExt, resized)
	if err != nil {
		return nil, fmt.Errorf("encode ocr region: %w", err)
	}
	defer buf.Close()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return nil, fmt.Errorf("text detector closed")
	}
	if err := d.client.SetWhitelist(whitelist); err != nil {
		return nil, err
	}
	if err := d.client.SetPageSegMode(gosseract.PSM_SINGLE_BLOCK); err != nil {
		return nil, err
	}
	if err := d.client.SetImageFromBytes(buf.GetBytes()); err != nil {
		return nil, err
	}
	raw, err := d.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, err
	}

	words := make([]ocrWord, 0, len(raw))
	for _, bb := range raw {
		text := strings.ToLower(strings.TrimSpace(bb.Word))
		if text == "" {
			continue
		}
		conf := bb.Confidence / 100.0
		if conf < 0 {
			conf = 0
		}
		words = append(words, ocrWord{
			text: text,
			box: Box{
				X: int(float64(bb.Box.Min.X) / ocrScale),
				Y: int(float64(bb.Box.Min.Y) / ocrScale),
				W: int(float64(bb.Box.Dx()) / ocrScale),
				H: int(float64(bb.Box.Dy()) / ocrScale),
			},
			conf: conf,
		})
	}
	return words, nil
}

// redMasked returns gray restricted to strongly red pixels of frame.
// The caller owns the returned Mat.
func redMasked(frame, gray gocv.Mat) gocv.Mat {
	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(frame, &hsv, gocv.ColorBGRToHSV)

	m1 := gocv.NewMat()
	defer m1.Close()
	m2 := gocv.NewMat()
	defer m2.Close()
	gocv.InRangeWithScalar(hsv, gocv.NewScalar(0, 120, 120, 0), gocv.NewScalar(10, 255, 255, 0), &m1)
	gocv.InRangeWithScalar(hsv, gocv.NewScalar(170, 120, 120, 0), gocv.NewScalar(180, 255, 255, 0), &m2)

	mask := gocv.NewMat()
	gocv.BitwiseOr(m1, m2, &mask)
	gocv.MedianBlur(mask, &mask, 3)

	masked := gocv.NewMat()
	gocv.BitwiseAndWithMask(gray, gray, &masked, mask)
	mask.Close()
	return masked
}

func dedupe(boxes []Box, scores []float64) ([]Box, float64) {
	if len(boxes) == 0 {
		return nil, 0
	}
	keep := NMS(boxes, scores, 0.5)
	out := make([]Box, 0, len(keep))
	best := 0.0
	for _, i := range keep {
		out = append(out, boxes[i])
		if scores[i] > best {
			best = scores[i]
		}
	}
	return out, best
}
