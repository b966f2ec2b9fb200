package calibration

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/huntbot/huntbot/internal/log"
	"github.com/huntbot/huntbot/pkg/events"
	"github.com/huntbot/huntbot/pkg/vision"
)

// state is the mutable per-key record. All fields are guarded by the
// manager mutex.
type state struct {
	override       *vision.ROI
	successStreak  int
	fallbackStreak int
	noMatchStreak  int
	stable         bool
	stableSince    time.Time
	pendingJobs    int

	lastCaptureTime   time.Time
	lastCaptureFolder string
	lastSignature     *captureSignature
	lastSuccess       *LastSuccess
	lastResult        *JobResult
}

type captureSignature struct {
	cx, cy     float64
	confidence float64
	ts         time.Time
}

// job is the immutable input snapshot handed to the sweep worker.
type job struct {
	id           string
	key          Key
	folder       string
	framePath    string
	templatePath string
	hintBox      *vision.Box
	frameW       int
	frameH       int
	lastSuccess  *LastSuccess
	noMatch      int
	hasOverride  bool
}

// Manager owns all calibration state for every detector key and runs ROI
// sweeps on a single background worker, so at most one sweep executes at a
// time system-wide.
type Manager struct {
	cfg     Config
	sink    events.Sink
	matcher *vision.TemplateDetector

	mu     sync.Mutex
	states map[Key]*state

	jobs chan job
	wg   sync.WaitGroup

	// injectable for tests
	now     func() time.Time
	sweepFn func(j job, acceptance float64) (Result, bool, error)
}

// NewManager creates a manager, loads any persisted overrides, and starts
// the sweep worker.
func NewManager(cfg Config, sink events.Sink) *Manager {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = events.NopSink{}
	}
	m := &Manager{
		cfg:     cfg,
		sink:    sink,
		matcher: vision.NewTemplateDetector(),
		states:  make(map[Key]*state, len(Keys)),
		jobs:    make(chan job, cfg.QueueDepth),
		now:     time.Now,
	}
	for _, key := range Keys {
		m.states[key] = &state{}
	}
	m.sweepFn = m.runSweep

	if err := m.loadOverrides(); err != nil {
		log.Warn("calibration overrides not loaded", "err", err)
	}

	m.wg.Add(1)
	go m.worker()

	m.publishStatus()
	return m
}

// Close stops accepting jobs and waits for the worker to drain.
func (m *Manager) Close() {
	close(m.jobs)
	m.wg.Wait()
}

// GetROI returns the current override for key, or the caller's static
// default when none is set. Never blocks on calibration work.
func (m *Manager) GetROI(key Key, def vision.ROI) vision.ROI {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.states[key]; st != nil && st.override != nil {
		return *st.override
	}
	return def
}

// TemplateSuccess records a primary-method hit. It bumps the success
// streak, zeroes the failure streaks, and marks the detector stable once
// the streak crosses the enter threshold.
func (m *Manager) TemplateSuccess(key Key, score float64, roi *vision.ROI, box *vision.Box) {
	now := m.now()
	var stableEntered bool
	var streak int

	m.mu.Lock()
	st := m.state(key)
	st.successStreak++
	streak = st.successStreak
	st.fallbackStreak = 0
	st.noMatchStreak = 0
	if roi != nil || box != nil {
		st.lastSuccess = &LastSuccess{ROI: roi, Box: box, Score: score, TS: now}
	}
	wasStable := st.stable
	if st.successStreak >= StableEnterStreak {
		if !wasStable {
			st.stableSince = now
		}
		st.stable = true
		stableEntered = !wasStable
	}
	m.mu.Unlock()

	ev := events.NewEvent(events.TypeCalibration, fmt.Sprintf("%s_success", key))
	ev.Confidence = score
	ev.Notes = fmt.Sprintf("template success score=%.3f", score)
	m.sink.EmitEvent(ev)

	if stableEntered {
		ev := events.NewEvent(events.TypeCalibration, fmt.Sprintf("CALIBRATING|%s|STABLE", key))
		ev.Confidence = score
		ev.Notes = fmt.Sprintf("streak=%d score=%.3f", streak, score)
		m.sink.EmitEvent(ev)
	}
	m.publishStatus()
}

// TemplateFallback records that the primary detector missed while a
// secondary method produced a plausible hint. Depending on the streak and
// cooldown state it either skips (with a reason) or captures the frame and
// queues an asynchronous ROI sweep.
func (m *Manager) TemplateFallback(key Key, frame gocv.Mat, ev FallbackEvidence) {
	if ev.TemplatePath == "" {
		return
	}
	now := m.now()

	var centroid *[2]float64
	if ev.HintBox != nil {
		cx := float64(ev.HintBox.X) + float64(ev.HintBox.W)/2
		cy := float64(ev.HintBox.Y) + float64(ev.HintBox.H)/2
		centroid = &[2]float64{cx, cy}
	}

	var (
		skipReason     string
		fallbackStreak int
		stableDropped  bool
		snapshot       *LastSuccess
		noMatch        int
		hasOverride    bool
	)

	m.mu.Lock()
	st := m.state(key)
	st.successStreak = 0
	st.fallbackStreak++
	fallbackStreak = st.fallbackStreak

	if st.stable && fallbackStreak >= StableExitFallback {
		st.stable = false
		st.stableSince = time.Time{}
		stableDropped = true
	}

	switch {
	case st.pendingJobs > 0:
		skipReason = SkipJobInProgress
	case st.stable && fallbackStreak < StableExitFallback:
		skipReason = SkipStableSingleFallback
	case fallbackStreak < FallbackCaptureMinStreak:
		skipReason = SkipFallbackStreak
	case now.Sub(st.lastCaptureTime) < m.cfg.CaptureCooldown && fallbackStreak < 3:
		skipReason = SkipCooldown
	case st.lastSuccess != nil && now.Sub(st.lastSuccess.TS) <= RecentSuccessWindow:
		skipReason = SkipRecentSuccess
	case centroid != nil && st.lastSignature != nil &&
		abs(st.lastSignature.cx-centroid[0]) < duplicateCentroidPx &&
		abs(st.lastSignature.cy-centroid[1]) < duplicateCentroidPx &&
		abs(st.lastSignature.confidence-ev.Confidence) < duplicateConfidenceEps:
		skipReason = SkipDuplicate
	}

	if skipReason == "" {
		st.lastCaptureTime = now
		st.lastCaptureFolder = ""
		st.pendingJobs++
		sig := &captureSignature{confidence: ev.Confidence, ts: now}
		if centroid != nil {
			sig.cx, sig.cy = centroid[0], centroid[1]
		}
		st.lastSignature = sig
		if st.lastSuccess != nil {
			copied := *st.lastSuccess
			snapshot = &copied
		}
		noMatch = st.noMatchStreak
		hasOverride = st.override != nil
	}
	m.mu.Unlock()

	if stableDropped {
		evt := events.NewEvent(events.TypeCalibration, fmt.Sprintf("CALIBRATING|%s|UNSTABLE", key))
		evt.Confidence = ev.Confidence
		evt.State = ev.State
		evt.Phase = ev.Phase
		evt.Notes = fmt.Sprintf("streak=%d", fallbackStreak)
		m.sink.EmitEvent(evt)
	}

	if skipReason != "" {
		evt := events.NewEvent(events.TypeCalibration, fmt.Sprintf("CALIBRATING|%s|SKIP", key))
		evt.Confidence = ev.Confidence
		evt.State = ev.State
		evt.Phase = ev.Phase
		evt.Notes = fmt.Sprintf("reason=%s streak=%d", skipReason, fallbackStreak)
		m.sink.EmitEvent(evt)
		m.publishStatus()
		return
	}

	folder, framePath, err := m.writeCaptureArtifacts(key, frame, ev)
	if err != nil {
		// A failed capture must not leave the job counter stuck.
		log.Error("calibration capture failed", "detector", string(key), "err", err)
		m.mu.Lock()
		m.state(key).pendingJobs--
		m.mu.Unlock()
		m.publishStatus()
		return
	}

	evt := events.NewEvent(events.TypeCalibration, fmt.Sprintf("CALIBRATING|%s|BEGIN", key))
	evt.Confidence = ev.Confidence
	evt.State = ev.State
	evt.Phase = ev.Phase
	evt.ROI = ev.ROIRect
	evt.Boxes = ev.Boxes
	evt.Notes = fmt.Sprintf("saved=%s method=ocr", filepath.Base(folder))
	m.sink.EmitEvent(evt)

	m.mu.Lock()
	m.state(key).lastCaptureFolder = filepath.Base(folder)
	m.mu.Unlock()

	m.jobs <- job{
		id:           uuid.NewString(),
		key:          key,
		folder:       folder,
		framePath:    framePath,
		templatePath: ev.TemplatePath,
		hintBox:      ev.HintBox,
		frameW:       frame.Cols(),
		frameH:       frame.Rows(),
		lastSuccess:  snapshot,
		noMatch:      noMatch,
		hasOverride:  hasOverride,
	}
	m.publishStatus()
}

// Status returns a deep snapshot of all calibration state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Status{
		Detectors:        make(map[Key]DetectorStatus, len(m.states)),
		CaptureCooldownS: m.cfg.CaptureCooldown.Seconds(),
	}
	for key, st := range m.states {
		ds := DetectorStatus{
			SuccessStreak:  st.successStreak,
			FallbackStreak: st.fallbackStreak,
			NoMatchStreak:  st.noMatchStreak,
			Stable:         st.stable,
			PendingJobs:    st.pendingJobs,
			LastCapture:    st.lastCaptureFolder,
		}
		if st.override != nil {
			roi := *st.override
			ds.Override = &roi
		}
		if !st.stableSince.IsZero() {
			ds.StableSince = st.stableSince.UTC().Format(time.RFC3339)
		}
		if st.lastSuccess != nil {
			ls := *st.lastSuccess
			ds.LastSuccess = &ls
		}
		if st.lastResult != nil {
			lr := *st.lastResult
			ds.LastResult = &lr
		}
		out.Detectors[key] = ds
	}
	return out
}

// worker executes sweep jobs one at a time.
func (m *Manager) worker() {
	defer m.wg.Done()
	for j := range m.jobs {
		m.runJob(j)
	}
}

// runJob runs one sweep and commits its outcome. Failures are recorded and
// never touch an existing override.
func (m *Manager) runJob(j job) {
	outcome := "NO_RESULT"
	acceptance := acceptanceThreshold(j.noMatch, j.hasOverride)

	result, found, err := m.sweepFn(j, acceptance)

	jr := &JobResult{Detector: j.key}
	switch {
	case err != nil:
		jr.Error = err.Error()
		outcome = fmt.Sprintf("ERROR %v", err)
		log.Error("calibration job failed", "detector", string(j.key), "job", j.id, "err", err)
		evt := events.NewEvent(events.TypeCalibration, fmt.Sprintf("CALIBRATING|%s|ERROR", j.key))
		evt.Notes = err.Error()
		m.sink.EmitEvent(evt)
	case found:
		score := result.Score
		roi := result.ROI
		jr.Score = &score
		jr.ROI = &roi
		m.applyOverride(j.key, result)
		outcome = fmt.Sprintf("APPLY score=%.3f", result.Score)
		evt := events.NewEvent(events.TypeCalibration, fmt.Sprintf("CALIBRATING|%s|APPLY", j.key))
		evt.Confidence = result.Score
		evt.Notes = fmt.Sprintf("roi=(%.3f,%.3f,%.3f,%.3f) score=%.3f saved=%s",
			roi.X, roi.Y, roi.W, roi.H, result.Score, filepath.Base(j.folder))
		m.sink.EmitEvent(evt)
	default:
		outcome = "NO_MATCH"
		evt := events.NewEvent(events.TypeCalibration, fmt.Sprintf("CALIBRATING|%s|NO_MATCH", j.key))
		evt.Notes = fmt.Sprintf("no ROI >= threshold saved=%s", filepath.Base(j.folder))
		m.sink.EmitEvent(evt)
	}

	if werr := m.writeJobResult(j.folder, jr); werr != nil {
		log.Warn("calibration result not written", "detector", string(j.key), "err", werr)
	}

	m.mu.Lock()
	st := m.state(j.key)
	st.lastResult = jr
	if err == nil {
		if found {
			st.noMatchStreak = 0
			st.fallbackStreak = 0
		} else {
			st.noMatchStreak++
		}
	}
	if st.pendingJobs > 0 {
		st.pendingJobs--
	}
	m.mu.Unlock()

	m.publishStatus()
	evt := events.NewEvent(events.TypeCalibration, fmt.Sprintf("CALIBRATING|%s|END", j.key))
	evt.Notes = outcome
	m.sink.EmitEvent(evt)
}

// applyOverride commits an accepted ROI and persists it write-through.
func (m *Manager) applyOverride(key Key, result Result) {
	roi := result.ROI.Clamp()
	m.mu.Lock()
	m.state(key).override = &roi
	m.mu.Unlock()
	if err := m.persistOverrides(); err != nil {
		log.Error("calibration override not persisted", "detector", string(key), "err", err)
	}
}

func (m *Manager) state(key Key) *state {
	st, ok := m.states[key]
	if !ok {
		st = &state{}
		m.states[key] = st
	}
	return st
}

func (m *Manager) publishStatus() {
	m.sink.UpdateCalibrationStatus(m.Status())
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
