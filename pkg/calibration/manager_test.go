package calibration

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/huntbot/huntbot/pkg/events"
	"github.com/huntbot/huntbot/pkg/vision"
)

func newTestManager(t *testing.T) (*Manager, *events.Recorder) {
	t.Helper()
	dir := t.TempDir()
	rec := &events.Recorder{}
	m := NewManager(Config{
		BaseDir:         filepath.Join(dir, "captures"),
		OverridesPath:   filepath.Join(dir, "roi_overrides.yml"),
		CaptureCooldown: 25 * time.Second,
	}, rec)
	t.Cleanup(m.Close)
	return m, rec
}

func testFrame(t *testing.T) gocv.Mat {
	t.Helper()
	frame := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { frame.Close() })
	return frame
}

func evidence() FallbackEvidence {
	return FallbackEvidence{
		TemplatePath: "assets/monster/nameplate.png",
		HintBox:      &vision.Box{X: 20, Y: 10, W: 16, H: 8},
		Confidence:   0.55,
		State:        "Scan",
		Phase:        "Detect quarry",
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func skipReasons(rec *events.Recorder) []string {
	var out []string
	for _, ev := range rec.ByType(events.TypeCalibration) {
		if strings.HasSuffix(ev.Label, "|SKIP") {
			for _, part := range strings.Fields(ev.Notes) {
				if r, ok := strings.CutPrefix(part, "reason="); ok {
					out = append(out, r)
				}
			}
		}
	}
	return out
}

func countLabel(rec *events.Recorder, label string) int {
	n := 0
	for _, ev := range rec.Events {
		if ev.Label == label {
			n++
		}
	}
	return n
}

func TestAcceptanceThreshold(t *testing.T) {
	tests := []struct {
		name        string
		noMatch     int
		hasOverride bool
		want        float64
	}{
		{"override fresh", 0, true, 0.90},
		{"override first miss", 1, true, 0.90},
		{"override second miss", 2, true, 0.88},
		{"override capped at floor", 5, true, 0.85},
		{"no override fresh", 0, false, 0.88},
		{"no override third miss", 3, false, 0.84},
		{"no override deep floor", 12, false, 0.84},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := acceptanceThreshold(tt.noMatch, tt.hasOverride)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("acceptanceThreshold(%d, %v) = %v, want %v", tt.noMatch, tt.hasOverride, got, tt.want)
			}
		})
	}
}

func TestAcceptanceThresholdNeverIncreases(t *testing.T) {
	for _, hasOverride := range []bool{true, false} {
		prev := acceptanceThreshold(0, hasOverride)
		for n := 1; n < 20; n++ {
			cur := acceptanceThreshold(n, hasOverride)
			if cur > prev {
				t.Fatalf("threshold rose from %v to %v at streak %d (override=%v)", prev, cur, n, hasOverride)
			}
			prev = cur
		}
	}
}

func TestStableEntryAndExit(t *testing.T) {
	m, rec := newTestManager(t)

	for i := 0; i < StableEnterStreak-1; i++ {
		m.TemplateSuccess(KeyNameplate, 0.95, nil, nil)
	}
	if m.Status().Detectors[KeyNameplate].Stable {
		t.Fatal("stable before enter streak reached")
	}
	m.TemplateSuccess(KeyNameplate, 0.95, nil, nil)
	if !m.Status().Detectors[KeyNameplate].Stable {
		t.Fatal("not stable after enter streak")
	}
	if n := countLabel(rec, "CALIBRATING|nameplate|STABLE"); n != 1 {
		t.Fatalf("STABLE emitted %d times, want 1", n)
	}

	frame := testFrame(t)

	// One fallback keeps stability, the second drops it.
	m.TemplateFallback(KeyNameplate, frame, evidence())
	if !m.Status().Detectors[KeyNameplate].Stable {
		t.Fatal("single fallback dropped stability")
	}
	m.TemplateFallback(KeyNameplate, frame, evidence())
	if m.Status().Detectors[KeyNameplate].Stable {
		t.Fatal("second fallback kept stability")
	}
	if n := countLabel(rec, "CALIBRATING|nameplate|UNSTABLE"); n != 1 {
		t.Fatalf("UNSTABLE emitted %d times, want 1", n)
	}
}

func TestSuccessResetsFallbackStreaks(t *testing.T) {
	m, _ := newTestManager(t)
	frame := testFrame(t)

	m.TemplateFallback(KeyAttack, frame, evidence())
	m.TemplateSuccess(KeyAttack, 0.91, nil, nil)

	ds := m.Status().Detectors[KeyAttack]
	if ds.FallbackStreak != 0 {
		t.Errorf("fallback streak = %d after success, want 0", ds.FallbackStreak)
	}
	if ds.SuccessStreak != 1 {
		t.Errorf("success streak = %d, want 1", ds.SuccessStreak)
	}

	// And the converse: a fallback zeroes the success streak.
	m.TemplateFallback(KeyAttack, frame, evidence())
	if got := m.Status().Detectors[KeyAttack].SuccessStreak; got != 0 {
		t.Errorf("success streak = %d after fallback, want 0", got)
	}
}

func TestSkipReasonPriority(t *testing.T) {
	frame := func(t *testing.T) gocv.Mat { return testFrame(t) }

	t.Run("job in progress wins", func(t *testing.T) {
		m, rec := newTestManager(t)
		m.mu.Lock()
		m.state(KeyNameplate).pendingJobs = 1
		m.mu.Unlock()
		m.TemplateFallback(KeyNameplate, frame(t), evidence())
		if got := skipReasons(rec); len(got) != 1 || got[0] != SkipJobInProgress {
			t.Fatalf("skip reasons = %v, want [%s]", got, SkipJobInProgress)
		}
	})

	t.Run("stable absorbs one fallback", func(t *testing.T) {
		m, rec := newTestManager(t)
		m.mu.Lock()
		m.state(KeyNameplate).stable = true
		m.mu.Unlock()
		m.TemplateFallback(KeyNameplate, frame(t), evidence())
		if got := skipReasons(rec); len(got) != 1 || got[0] != SkipStableSingleFallback {
			t.Fatalf("skip reasons = %v, want [%s]", got, SkipStableSingleFallback)
		}
	})

	t.Run("first fallback below capture streak", func(t *testing.T) {
		m, rec := newTestManager(t)
		m.TemplateFallback(KeyNameplate, frame(t), evidence())
		if got := skipReasons(rec); len(got) != 1 || got[0] != SkipFallbackStreak {
			t.Fatalf("skip reasons = %v, want [%s]", got, SkipFallbackStreak)
		}
	})

	t.Run("cooldown", func(t *testing.T) {
		m, rec := newTestManager(t)
		m.mu.Lock()
		st := m.state(KeyNameplate)
		st.fallbackStreak = 1
		st.lastCaptureTime = m.now().Add(-5 * time.Second)
		m.mu.Unlock()
		m.TemplateFallback(KeyNameplate, frame(t), evidence())
		if got := skipReasons(rec); len(got) != 1 || got[0] != SkipCooldown {
			t.Fatalf("skip reasons = %v, want [%s]", got, SkipCooldown)
		}
	})

	t.Run("recent success", func(t *testing.T) {
		m, rec := newTestManager(t)
		m.mu.Lock()
		st := m.state(KeyNameplate)
		st.fallbackStreak = 1
		st.lastSuccess = &LastSuccess{Score: 0.93, TS: m.now().Add(-10 * time.Second)}
		m.mu.Unlock()
		m.TemplateFallback(KeyNameplate, frame(t), evidence())
		if got := skipReasons(rec); len(got) != 1 || got[0] != SkipRecentSuccess {
			t.Fatalf("skip reasons = %v, want [%s]", got, SkipRecentSuccess)
		}
	})

	t.Run("duplicate evidence", func(t *testing.T) {
		m, rec := newTestManager(t)
		ev := evidence()
		cx := float64(ev.HintBox.X) + float64(ev.HintBox.W)/2
		cy := float64(ev.HintBox.Y) + float64(ev.HintBox.H)/2
		m.mu.Lock()
		st := m.state(KeyNameplate)
		st.fallbackStreak = 1
		st.lastSignature = &captureSignature{cx: cx + 1, cy: cy - 1, confidence: ev.Confidence}
		m.mu.Unlock()
		m.TemplateFallback(KeyNameplate, frame(t), ev)
		if got := skipReasons(rec); len(got) != 1 || got[0] != SkipDuplicate {
			t.Fatalf("skip reasons = %v, want [%s]", got, SkipDuplicate)
		}
	})
}

func TestCooldownWaivedOnLongFallbackStreak(t *testing.T) {
	m, rec := newTestManager(t)
	m.sweepFn = func(job, float64) (Result, bool, error) {
		return Result{}, false, nil
	}
	frame := testFrame(t)

	m.mu.Lock()
	st := m.state(KeyNameplate)
	st.fallbackStreak = 2
	st.lastCaptureTime = m.now().Add(-5 * time.Second)
	m.mu.Unlock()

	m.TemplateFallback(KeyNameplate, frame, evidence())
	if got := skipReasons(rec); len(got) != 0 {
		t.Fatalf("capture skipped with reasons %v despite streak past the waiver", got)
	}
	if n := countLabel(rec, "CALIBRATING|nameplate|BEGIN"); n != 1 {
		t.Fatalf("BEGIN emitted %d times, want 1", n)
	}
}

func TestSweepApplyPersistsOverride(t *testing.T) {
	m, rec := newTestManager(t)
	want := Result{ROI: vision.ROI{X: 0.30, Y: 0.12, W: 0.22, H: 0.14}, Score: 0.93}
	m.sweepFn = func(j job, acceptance float64) (Result, bool, error) {
		if j.key != KeyNameplate {
			t.Errorf("sweep key = %s, want %s", j.key, KeyNameplate)
		}
		return want, true, nil
	}
	frame := testFrame(t)

	m.TemplateFallback(KeyNameplate, frame, evidence())
	m.TemplateFallback(KeyNameplate, frame, evidence())

	waitFor(t, func() bool {
		return m.Status().Detectors[KeyNameplate].Override != nil
	})

	def := vision.ROI{X: 0.1, Y: 0.1, W: 0.5, H: 0.5}
	got := m.GetROI(KeyNameplate, def)
	if got != want.ROI {
		t.Fatalf("GetROI = %+v, want %+v", got, want.ROI)
	}
	if n := countLabel(rec, "CALIBRATING|nameplate|APPLY"); n != 1 {
		t.Fatalf("APPLY emitted %d times, want 1", n)
	}

	raw, err := os.ReadFile(m.cfg.OverridesPath)
	if err != nil {
		t.Fatalf("override file not written: %v", err)
	}
	if !strings.Contains(string(raw), "nameplate_template_roi") {
		t.Fatalf("override file missing key: %s", raw)
	}

	// A fresh manager over the same files starts with the override live.
	m2 := NewManager(m.cfg, &events.Recorder{})
	defer m2.Close()
	if got := m2.GetROI(KeyNameplate, def); got != want.ROI {
		t.Fatalf("reloaded GetROI = %+v, want %+v", got, want.ROI)
	}
}

func TestSweepNoMatchBumpsStreak(t *testing.T) {
	m, rec := newTestManager(t)
	m.sweepFn = func(job, float64) (Result, bool, error) {
		return Result{}, false, nil
	}
	frame := testFrame(t)

	m.TemplateFallback(KeyNameplate, frame, evidence())
	m.TemplateFallback(KeyNameplate, frame, evidence())

	waitFor(t, func() bool {
		return m.Status().Detectors[KeyNameplate].NoMatchStreak == 1
	})
	waitFor(t, func() bool {
		return countLabel(rec, "CALIBRATING|nameplate|NO_MATCH") == 1
	})
	if m.Status().Detectors[KeyNameplate].Override != nil {
		t.Fatal("override set despite no match")
	}
}

func TestSweepErrorDoesNotTouchStreaks(t *testing.T) {
	m, rec := newTestManager(t)
	m.sweepFn = func(job, float64) (Result, bool, error) {
		return Result{}, false, ErrAssetUnreadable
	}
	frame := testFrame(t)

	m.TemplateFallback(KeyAttack, frame, evidence())
	m.TemplateFallback(KeyAttack, frame, evidence())

	waitFor(t, func() bool {
		return countLabel(rec, "CALIBRATING|attack|ERROR") == 1
	})
	waitFor(t, func() bool {
		return m.Status().Detectors[KeyAttack].PendingJobs == 0
	})
	if got := m.Status().Detectors[KeyAttack].NoMatchStreak; got != 0 {
		t.Fatalf("no-match streak = %d after error, want 0", got)
	}
}

func TestStableSinceMarksEntryNotLatestSuccess(t *testing.T) {
	m, _ := newTestManager(t)
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	now := base
	m.now = func() time.Time { return now }

	for i := 0; i < StableEnterStreak; i++ {
		m.TemplateSuccess(KeyNameplate, 0.9, nil, nil)
	}
	entered := m.Status().Detectors[KeyNameplate].StableSince
	if entered != base.Format(time.RFC3339) {
		t.Fatalf("stable since = %q, want %q", entered, base.Format(time.RFC3339))
	}

	now = base.Add(90 * time.Second)
	m.TemplateSuccess(KeyNameplate, 0.9, nil, nil)
	if got := m.Status().Detectors[KeyNameplate].StableSince; got != entered {
		t.Fatalf("stable since moved to %q on a later success, want %q", got, entered)
	}
}

func TestSweepErrorNamesUnreadableTemplate(t *testing.T) {
	m, _ := newTestManager(t)
	dir := t.TempDir()
	framePath := filepath.Join(dir, "frame.png")
	if ok := gocv.IMWrite(framePath, testFrame(t)); !ok {
		t.Fatal("write frame")
	}
	missing := filepath.Join(dir, "no_such_template.png")

	_, _, err := m.runSweep(job{framePath: framePath, templatePath: missing}, 0.9)
	if !errors.Is(err, ErrAssetUnreadable) {
		t.Fatalf("err = %v, want ErrAssetUnreadable", err)
	}
	if !strings.Contains(err.Error(), missing) {
		t.Fatalf("error %q does not name the failing template", err)
	}
}
