package combat

import (
	"image"
	"time"

	"gocv.io/x/gocv"

	"github.com/huntbot/huntbot/internal/config"
	"github.com/huntbot/huntbot/pkg/calibration"
	"github.com/huntbot/huntbot/pkg/vision"
)

// TemplateMatcher is the template-correlation surface the controller needs.
type TemplateMatcher interface {
	DetectInROI(frame gocv.Mat, tpl *vision.Template, roi vision.ROI, threshold float64) ([]vision.Box, float64)
	DetectInRect(frame gocv.Mat, tpl *vision.Template, rect image.Rectangle, threshold float64) ([]vision.Box, []float64)
}

// TextFinder is the OCR surface the controller needs.
type TextFinder interface {
	FindWord(frame gocv.Mat, target string) ([]vision.Box, float64)
	FindWordInRect(frame gocv.Mat, target string, rect image.Rectangle) ([]vision.Box, float64)
	FindDigits(frame gocv.Mat, targets []string, rect image.Rectangle) ([]vision.Box, float64)
}

// Calibrator receives detector outcome reports and serves ROI overrides.
type Calibrator interface {
	GetROI(key calibration.Key, def vision.ROI) vision.ROI
	TemplateSuccess(key calibration.Key, score float64, roi *vision.ROI, box *vision.Box)
	TemplateFallback(key calibration.Key, frame gocv.Mat, ev calibration.FallbackEvidence)
}

// PlannedClick is a click candidate computed from this frame's detections.
// Planning never acts; only the transition logic turns a plan into an
// emitted action.
type PlannedClick struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Label string `json:"label"`
}

// FrameContext carries the capture geometry for one frame.
type FrameContext struct {
	ROIOrigin image.Point
	ROISize   image.Point
}

// DetectionGroup summarizes one detector's output for a frame.
type DetectionGroup struct {
	Found      bool         `json:"found"`
	Count      int          `json:"count"`
	Confidence float64      `json:"confidence"`
	Boxes      []vision.Box `json:"boxes,omitempty"`
	Word       string       `json:"word,omitempty"`
	Method     string       `json:"method,omitempty"`
}

// LockStatus describes the target lock for a frame.
type LockStatus struct {
	Active     bool    `json:"active"`
	RemainingS float64 `json:"remaining_s"`
	GraceS     float64 `json:"grace_s"`
}

// Result is the full per-frame outcome: detections, machine state, and the
// actions the transition logic called for.
type Result struct {
	Found      bool         `json:"found"`
	Count      int          `json:"count"`
	Confidence float64      `json:"confidence"`
	Method     string       `json:"method"`
	Boxes      []vision.Box `json:"boxes"`

	Attack  DetectionGroup `json:"attack"`
	Prepare DetectionGroup `json:"prepare"`
	Battle  DetectionGroup `json:"battle"`
	Weapon  DetectionGroup `json:"weapon_1"`
	Prefix  DetectionGroup `json:"prefix"`

	TargetLock        LockStatus           `json:"target_lock"`
	ClickAttempts     map[string]int       `json:"click_attempts"`
	ConfidenceHistory map[string][]float64 `json:"confidence_history"`
	PlannedClicks     []PlannedClick       `json:"planned_clicks"`
	Actions           []PlannedClick       `json:"actions"`

	ROI              [4]int `json:"roi"`
	State            string `json:"state"`
	Phase            string `json:"phase"`
	TransitionReason string `json:"transition_reason"`
	Observed         string `json:"observed"`
}

// Config tunes the controller. Zero values fall back to defaults.
type Config struct {
	Monster   config.Monster
	Interface config.Interface

	// Static fallback ROIs used when calibration has no override.
	NameplateROI vision.ROI
	AttackROI    vision.ROI

	LockGrace           time.Duration // target lock rearm window
	BattleCap           time.Duration // max fight duration before reset
	MinTargetConfidence float64       // floor for target_ready
	OCRReportFloor      float64       // min fallback confidence worth reporting
}

func (c Config) withDefaults() Config {
	if c.NameplateROI.Zero() {
		c.NameplateROI = vision.ROI{X: 0.30, Y: 0.10, W: 0.28, H: 0.18}
	}
	if c.AttackROI.Zero() {
		c.AttackROI = attackPanelROI
	}
	if c.LockGrace <= 0 {
		c.LockGrace = 1200 * time.Millisecond
	}
	if c.BattleCap <= 0 {
		c.BattleCap = 180 * time.Second
	}
	if c.MinTargetConfidence <= 0 {
		c.MinTargetConfidence = 0.35
	}
	if c.OCRReportFloor <= 0 {
		c.OCRReportFloor = 0.35
	}
	return c
}
