// Package calibration tracks how well each template detector is doing and,
// when one keeps failing, searches for a better screen region for it in the
// background. Accepted regions are persisted and survive restarts.
package calibration

import (
	"errors"
	"time"

	"github.com/huntbot/huntbot/pkg/vision"
)

// Key identifies an independently calibrated visual target.
type Key string

// Calibrated detector keys.
const (
	KeyNameplate Key = "nameplate"
	KeyAttack    Key = "attack"
)

// Keys lists every detector key in stable order.
var Keys = []Key{KeyNameplate, KeyAttack}

// Streak thresholds. Empirically tuned; changing them shifts how quickly
// the engine reacts to detector degradation.
const (
	// StableEnterStreak successes in a row mark a detector stable.
	StableEnterStreak = 6
	// StableExitFallback fallbacks in a row drop stability.
	StableExitFallback = 2
	// FallbackCaptureMinStreak fallbacks are required before a capture.
	FallbackCaptureMinStreak = 2
	// RecentSuccessWindow suppresses captures shortly after a confirmed hit.
	RecentSuccessWindow = 30 * time.Second
)

// Acceptance threshold constants. The bar is stricter when an override is
// already working, and decays toward the floor as sweeps keep failing.
const (
	acceptBaseWithOverride    = 0.90
	acceptBaseWithoutOverride = 0.88
	acceptFloorWithOverride   = 0.85
	acceptFloorWithoutOverride = 0.84
	acceptDropPerMiss         = 0.02
	acceptMaxDrop             = 0.05
)

// Duplicate-capture suppression limits.
const (
	duplicateCentroidPx   = 6.0
	duplicateConfidenceEps = 0.05
)

// Skip reasons recorded when a fallback does not trigger a capture.
const (
	SkipJobInProgress       = "job_in_progress"
	SkipStableSingleFallback = "stable_single_fallback"
	SkipFallbackStreak      = "fallback_streak"
	SkipCooldown            = "cooldown"
	SkipRecentSuccess       = "recent_success"
	SkipDuplicate           = "duplicate"
)

// ErrAssetUnreadable is recorded when a sweep cannot load its frame or
// template.
var ErrAssetUnreadable = errors.New("calibration: unreadable sweep asset")

// SearchBounds constrain the normalized ROI sweep per component:
// position (X, Y) and size (W, H), each as [min, max].
type SearchBounds struct {
	X [2]float64
	Y [2]float64
	W [2]float64
	H [2]float64
}

// defaultSearchBounds hold the per-detector sweep windows used when no
// hint or recent success narrows the search.
var defaultSearchBounds = map[Key]SearchBounds{
	KeyNameplate: {
		X: [2]float64{0.15, 0.65},
		Y: [2]float64{0.05, 0.45},
		W: [2]float64{0.12, 0.45},
		H: [2]float64{0.08, 0.28},
	},
	KeyAttack: {
		X: [2]float64{0.15, 0.70},
		Y: [2]float64{0.06, 0.55},
		W: [2]float64{0.14, 0.46},
		H: [2]float64{0.08, 0.32},
	},
}

// Config tunes the manager. Zero values fall back to defaults.
type Config struct {
	BaseDir         string        // calibration artifact root
	OverridesPath   string        // persisted override file
	CaptureCooldown time.Duration // min spacing between captures per key
	QueueDepth      int           // pending job buffer
}

func (c Config) withDefaults() Config {
	if c.BaseDir == "" {
		c.BaseDir = "logs/calibration"
	}
	if c.OverridesPath == "" {
		c.OverridesPath = "config/calibration/roi_overrides.yml"
	}
	if c.CaptureCooldown <= 0 {
		c.CaptureCooldown = 25 * time.Second
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 4
	}
	return c
}

// Result is an accepted sweep outcome.
type Result struct {
	ROI   vision.ROI
	Score float64
}

// LastSuccess records the most recent confirmed template hit for a key.
type LastSuccess struct {
	ROI   *vision.ROI `json:"roi,omitempty"`
	Box   *vision.Box `json:"box,omitempty"`
	Score float64     `json:"score"`
	TS    time.Time   `json:"ts"`
}

// JobResult is the recorded outcome of one sweep job.
type JobResult struct {
	Detector Key         `json:"detector"`
	Score    *float64    `json:"score"`
	ROI      *vision.ROI `json:"roi"`
	Error    string      `json:"error,omitempty"`
}

// DetectorStatus is an externally observable snapshot of one key's state.
type DetectorStatus struct {
	Override       *vision.ROI  `json:"override"`
	SuccessStreak  int          `json:"success_streak"`
	FallbackStreak int          `json:"fallback_streak"`
	NoMatchStreak  int          `json:"no_match_streak"`
	Stable         bool         `json:"stable"`
	StableSince    string       `json:"stable_since,omitempty"`
	PendingJobs    int          `json:"pending_jobs"`
	LastCapture    string       `json:"last_capture,omitempty"`
	LastSuccess    *LastSuccess `json:"last_success,omitempty"`
	LastResult     *JobResult   `json:"last_result,omitempty"`
}

// Status is a deep, lock-consistent snapshot of all calibration state.
type Status struct {
	Detectors        map[Key]DetectorStatus `json:"detectors"`
	CaptureCooldownS float64                `json:"capture_cooldown_s"`
}

// FallbackEvidence describes an OCR hint that fired while the primary
// template detector missed.
type FallbackEvidence struct {
	TemplatePath string
	HintBox      *vision.Box
	Confidence   float64
	State        string
	Phase        string
	ROIRect      [4]int
	Boxes        []vision.Box
}

// acceptanceThreshold computes the sweep score bar for the current streak
// state.
func acceptanceThreshold(noMatchStreak int, hasOverride bool) float64 {
	base := acceptBaseWithoutOverride
	floor := acceptFloorWithoutOverride
	if hasOverride {
		base = acceptBaseWithOverride
		floor = acceptFloorWithOverride
	}
	misses := noMatchStreak - 1
	if misses < 0 {
		misses = 0
	}
	drop := float64(misses) * acceptDropPerMiss
	if drop > acceptMaxDrop {
		drop = acceptMaxDrop
	}
	v := base - drop
	if v < floor {
		return floor
	}
	return v
}
