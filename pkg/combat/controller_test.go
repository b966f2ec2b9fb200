package combat

import (
	"image"
	"strings"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/huntbot/huntbot/internal/config"
	"github.com/huntbot/huntbot/pkg/events"
	"github.com/huntbot/huntbot/pkg/tile"
	"github.com/huntbot/huntbot/pkg/vision"
)

// scriptedText is a TextFinder whose answers are set per frame.
type scriptedText struct {
	boxes     map[string][]vision.Box
	conf      map[string]float64
	digits    []vision.Box
	digitConf float64
}

func newScriptedText() *scriptedText {
	return &scriptedText{boxes: map[string][]vision.Box{}, conf: map[string]float64{}}
}

func (s *scriptedText) set(word string, conf float64, b ...vision.Box) {
	key := strings.ToLower(word)
	s.boxes[key] = b
	s.conf[key] = conf
}

func (s *scriptedText) clear() {
	s.boxes = map[string][]vision.Box{}
	s.conf = map[string]float64{}
	s.digits = nil
	s.digitConf = 0
}

func (s *scriptedText) FindWord(_ gocv.Mat, target string) ([]vision.Box, float64) {
	key := strings.ToLower(target)
	return s.boxes[key], s.conf[key]
}

func (s *scriptedText) FindWordInRect(f gocv.Mat, target string, _ image.Rectangle) ([]vision.Box, float64) {
	return s.FindWord(f, target)
}

func (s *scriptedText) FindDigits(_ gocv.Mat, _ []string, _ image.Rectangle) ([]vision.Box, float64) {
	return s.digits, s.digitConf
}

func testConfig() Config {
	return Config{
		Monster: config.Monster{Word: "Wendigo", Prefix: "Twisted"},
		Interface: config.Interface{
			AttackWord:    "Attack",
			PrepareTerms:  []string{"prepare", "choose"},
			WeaponDigits:  []string{"1"},
			SpecialTokens: []string{"special", "attacks"},
		},
	}
}

func newTestController(t *testing.T) (*Controller, *scriptedText, *events.Recorder) {
	t.Helper()
	st := newScriptedText()
	rec := &events.Recorder{}
	c, err := NewController(testConfig(), Deps{Text: st, Sink: rec})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	t.Cleanup(c.Close)
	return c, st, rec
}

func frameCtx() FrameContext {
	return FrameContext{ROIOrigin: image.Pt(100, 50), ROISize: image.Pt(800, 600)}
}

func countClicks(rec *events.Recorder, label string) int {
	n := 0
	for _, c := range rec.Clicks {
		if c.Label == label {
			n++
		}
	}
	return n
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{Scan, "Scan"},
		{PrimeTarget, "PrimeTarget"},
		{AttackPanel, "AttackPanel"},
		{Prepare, "Prepare"},
		{Weapon, "Weapon"},
		{BattleLoop, "BattleLoop"},
		{State(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestFullCombatCycle(t *testing.T) {
	c, st, rec := newTestController(t)
	frame := gocv.NewMat()
	defer frame.Close()
	ctx := frameCtx()

	// Scan: quarry visible with its prefix.
	st.set("wendigo", 0.8, vision.Box{X: 200, Y: 100, W: 80, H: 20})
	st.set("twisted", 0.75, vision.Box{X: 150, Y: 100, W: 60, H: 20})
	res := c.ProcessFrame(frame, ctx)
	if c.State() != PrimeTarget {
		t.Fatalf("after scan frame: state = %s, want PrimeTarget", c.State())
	}
	if !res.Found {
		t.Fatal("target not ready with nameplate+prefix present")
	}
	if len(res.Actions) != 1 || res.Actions[0].Label != "prime_nameplate" {
		t.Fatalf("scan actions = %+v, want one prime_nameplate", res.Actions)
	}
	// Merged box spans prefix and name; click lands below the text.
	if res.Actions[0].Y <= ctx.ROIOrigin.Y+100 {
		t.Errorf("prime click y = %d, want below nameplate", res.Actions[0].Y)
	}

	// PrimeTarget: attack button appears.
	st.clear()
	st.set("attack", 0.9, vision.Box{X: 500, Y: 300, W: 60, H: 24})
	res = c.ProcessFrame(frame, ctx)
	if c.State() != AttackPanel {
		t.Fatalf("after attack frame: state = %s, want AttackPanel", c.State())
	}
	if len(res.Actions) != 1 || res.Actions[0].Label != "attack_button" {
		t.Fatalf("attack actions = %+v, want one attack_button", res.Actions)
	}
	wantX := ctx.ROIOrigin.X + 500 + 30
	if res.Actions[0].X != wantX {
		t.Errorf("attack click x = %d, want box center %d", res.Actions[0].X, wantX)
	}

	// AttackPanel: button gone, prepare panel up.
	st.clear()
	st.set("prepare", 0.8, vision.Box{X: 520, Y: 120, W: 90, H: 22})
	res = c.ProcessFrame(frame, ctx)
	if c.State() != Prepare {
		t.Fatalf("after prepare frame: state = %s, want Prepare", c.State())
	}
	if len(res.Actions) != 0 {
		t.Fatalf("prepare transition planned clicks: %+v", res.Actions)
	}

	// Prepare: weapon digit visible.
	st.digits = []vision.Box{{X: 540, Y: 200, W: 18, H: 18}}
	st.digitConf = 0.7
	res = c.ProcessFrame(frame, ctx)
	if c.State() != Weapon {
		t.Fatalf("after digit frame: state = %s, want Weapon", c.State())
	}
	if len(res.Actions) != 1 || res.Actions[0].Label != "weapon_1" {
		t.Fatalf("weapon actions = %+v, want one weapon_1", res.Actions)
	}

	// Weapon: battle cues confirmed.
	st.clear()
	st.set("special", 0.85, vision.Box{X: 200, Y: 520, W: 70, H: 18})
	st.set("attacks", 0.85, vision.Box{X: 280, Y: 520, W: 70, H: 18})
	res = c.ProcessFrame(frame, ctx)
	if c.State() != BattleLoop {
		t.Fatalf("after battle frame: state = %s, want BattleLoop", c.State())
	}
	if !res.Battle.Found {
		t.Fatal("battle cues not detected")
	}

	// BattleLoop: cues stay, machine stays.
	res = c.ProcessFrame(frame, ctx)
	if c.State() != BattleLoop {
		t.Fatalf("battle loop left early: state = %s", c.State())
	}

	// Cues vanish; six absent frames end the fight.
	st.clear()
	for i := 0; i < 6; i++ {
		if c.State() != BattleLoop {
			t.Fatalf("left BattleLoop after %d absent frames", i)
		}
		res = c.ProcessFrame(frame, ctx)
	}
	if c.State() != Scan {
		t.Fatalf("after 6 absent frames: state = %s, want Scan", c.State())
	}
	if res.TransitionReason != "battle loop ended (missing cues)" {
		t.Errorf("transition reason = %q", res.TransitionReason)
	}

	// battle_end is emitted exactly once.
	n := 0
	for _, ev := range rec.ByType(events.TypeTransition) {
		if ev.Label == "battle_end" {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("battle_end emitted %d times, want 1", n)
	}

	// One click per qualifying transition.
	for label, want := range map[string]int{"prime_nameplate": 1, "attack_button": 1, "weapon_1": 1} {
		if got := countClicks(rec, label); got != want {
			t.Errorf("%s clicks = %d, want %d", label, got, want)
		}
	}

	// Click attempts are zeroed on the return to Scan.
	if res.ClickAttempts["prime_nameplate"] != 0 || res.ClickAttempts["attack_button"] != 0 {
		t.Errorf("click attempts not reset: %+v", res.ClickAttempts)
	}
}

func TestTargetLockBridgesFlicker(t *testing.T) {
	c, st, _ := newTestController(t)
	frame := gocv.NewMat()
	defer frame.Close()
	ctx := frameCtx()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	c.now = func() time.Time { return now }

	st.set("wendigo", 0.8, vision.Box{X: 200, Y: 100, W: 80, H: 20})
	st.set("twisted", 0.75, vision.Box{X: 150, Y: 100, W: 60, H: 20})
	res := c.ProcessFrame(frame, ctx)
	if !res.TargetLock.Active {
		t.Fatal("lock not armed by nameplate+prefix merge")
	}
	if c.State() != PrimeTarget {
		t.Fatalf("state = %s, want PrimeTarget", c.State())
	}

	// Nameplate flickers out inside the grace window; locked evidence is
	// reused and the machine holds.
	st.clear()
	now = base.Add(500 * time.Millisecond)
	res = c.ProcessFrame(frame, ctx)
	if !res.Found {
		t.Fatal("target not ready while lock active")
	}
	if res.Count != 1 {
		t.Fatalf("locked box not reused: count = %d", res.Count)
	}
	if res.Confidence < 0.35 {
		t.Fatalf("reused confidence = %v, want last known", res.Confidence)
	}
	if c.State() != PrimeTarget {
		t.Fatalf("state = %s, want PrimeTarget held by lock", c.State())
	}

	// Past the grace window the lock expires and the machine resets.
	now = base.Add(2 * time.Second)
	res = c.ProcessFrame(frame, ctx)
	if res.Found {
		t.Fatal("target ready after lock expiry")
	}
	if c.State() != Scan {
		t.Fatalf("state = %s, want Scan after lock expiry", c.State())
	}
	if res.TransitionReason != "target lost (lock expired)" {
		t.Errorf("transition reason = %q", res.TransitionReason)
	}
}

func TestOCROnlyModeBelowConfidenceNotReady(t *testing.T) {
	c, st, _ := newTestController(t)
	frame := gocv.NewMat()
	defer frame.Close()

	st.set("wendigo", 0.2, vision.Box{X: 200, Y: 100, W: 80, H: 20})
	st.set("twisted", 0.2, vision.Box{X: 150, Y: 100, W: 60, H: 20})
	res := c.ProcessFrame(frame, frameCtx())
	if res.Found {
		t.Fatal("target ready below the confidence floor")
	}
	if c.State() != Scan {
		t.Fatalf("state = %s, want Scan", c.State())
	}
}

func TestBattleCapForcesReset(t *testing.T) {
	c, st, rec := newTestController(t)
	frame := gocv.NewMat()
	defer frame.Close()
	ctx := frameCtx()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	c.now = func() time.Time { return now }

	// Walk to BattleLoop.
	st.set("wendigo", 0.8, vision.Box{X: 200, Y: 100, W: 80, H: 20})
	st.set("twisted", 0.75, vision.Box{X: 150, Y: 100, W: 60, H: 20})
	c.ProcessFrame(frame, ctx)
	st.clear()
	st.set("attack", 0.9, vision.Box{X: 500, Y: 300, W: 60, H: 24})
	c.ProcessFrame(frame, ctx)
	st.clear()
	st.set("prepare", 0.8, vision.Box{X: 520, Y: 120, W: 90, H: 22})
	c.ProcessFrame(frame, ctx)
	st.digits = []vision.Box{{X: 540, Y: 200, W: 18, H: 18}}
	st.digitConf = 0.7
	c.ProcessFrame(frame, ctx)
	st.clear()
	st.set("special", 0.85, vision.Box{X: 200, Y: 520, W: 70, H: 18})
	st.set("attacks", 0.85, vision.Box{X: 280, Y: 520, W: 70, H: 18})
	c.ProcessFrame(frame, ctx)
	if c.State() != BattleLoop {
		t.Fatalf("state = %s, want BattleLoop", c.State())
	}

	// Cues still present but the fight has run past the cap.
	now = base.Add(181 * time.Second)
	res := c.ProcessFrame(frame, ctx)
	if c.State() != Scan {
		t.Fatalf("state = %s, want Scan after cap", c.State())
	}
	if res.TransitionReason != "battle duration cap reached" {
		t.Errorf("transition reason = %q", res.TransitionReason)
	}
	if got := len(rec.ByType(events.TypeTimeout)); got != 1 {
		t.Errorf("timeout events = %d, want 1", got)
	}
}

func TestPrepareDisappearsResets(t *testing.T) {
	c, st, _ := newTestController(t)
	frame := gocv.NewMat()
	defer frame.Close()
	ctx := frameCtx()

	st.set("wendigo", 0.8, vision.Box{X: 200, Y: 100, W: 80, H: 20})
	st.set("twisted", 0.75, vision.Box{X: 150, Y: 100, W: 60, H: 20})
	c.ProcessFrame(frame, ctx)
	st.clear()
	st.set("attack", 0.9, vision.Box{X: 500, Y: 300, W: 60, H: 24})
	c.ProcessFrame(frame, ctx)
	st.clear()
	st.set("prepare", 0.8, vision.Box{X: 520, Y: 120, W: 90, H: 22})
	c.ProcessFrame(frame, ctx)
	if c.State() != Prepare {
		t.Fatalf("state = %s, want Prepare", c.State())
	}

	// Panel gone and no digit yet: bail back to Scan.
	st.clear()
	res := c.ProcessFrame(frame, ctx)
	if c.State() != Scan {
		t.Fatalf("state = %s, want Scan", c.State())
	}
	if res.TransitionReason != "prepare panel missing" {
		t.Errorf("transition reason = %q", res.TransitionReason)
	}
}

func TestConfidenceHistoryDepth(t *testing.T) {
	c, st, _ := newTestController(t)
	frame := gocv.NewMat()
	defer frame.Close()
	ctx := frameCtx()

	st.set("wendigo", 0.8, vision.Box{X: 200, Y: 100, W: 80, H: 20})
	st.set("twisted", 0.75, vision.Box{X: 150, Y: 100, W: 60, H: 20})
	var res Result
	for i := 0; i < 10; i++ {
		res = c.ProcessFrame(frame, ctx)
	}
	if got := len(res.ConfidenceHistory["nameplate"]); got != 6 {
		t.Fatalf("nameplate history depth = %d, want 6", got)
	}
}

func TestHysteresisObserver(t *testing.T) {
	h := NewHysteresis()

	// One frame of attack evidence is not enough.
	if got := h.Update(Evidence{Attack: 1}); got != "scan" {
		t.Fatalf("after 1 attack frame: %q, want scan", got)
	}
	if got := h.Update(Evidence{Attack: 1}); got != "attack" {
		t.Fatalf("after 2 attack frames: %q, want attack", got)
	}

	// Battle suppresses everything once its window fills.
	for i := 0; i < 3; i++ {
		h.Update(Evidence{Attack: 1, Prepare: 1, Battle: 1})
	}
	if got := h.Current(); got != "battle" {
		t.Fatalf("battle evidence classified as %q", got)
	}

	// Battle needs six absent frames to release.
	for i := 0; i < 5; i++ {
		if got := h.Update(Evidence{}); got != "battle" {
			t.Fatalf("battle released after %d absent frames", i+1)
		}
	}
	if got := h.Update(Evidence{}); got != "scan" {
		t.Fatalf("after 6 absent frames: %q, want scan", got)
	}
}

func TestHysteresisPrepareBeatsAttack(t *testing.T) {
	h := NewHysteresis()
	h.Update(Evidence{Attack: 1, Prepare: 1})
	got := h.Update(Evidence{Attack: 1, Prepare: 1})
	if got != "prepare" {
		t.Fatalf("classification = %q, want prepare", got)
	}
}

func TestContextMenuStageUsesTrackedTile(t *testing.T) {
	st := newScriptedText()
	rec := &events.Recorder{}
	grid, err := tile.NewGrid(50, image.Pt(100, 50), 0, 0)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	c, err := NewController(testConfig(), Deps{
		Text:    st,
		Sink:    rec,
		Grid:    grid,
		Tracker: tile.NewTracker(0),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	t.Cleanup(c.Close)

	frame := gocv.NewMat()
	defer frame.Close()

	st.set("wendigo", 0.8, vision.Box{X: 200, Y: 100, W: 80, H: 20})
	st.set("twisted", 0.75, vision.Box{X: 150, Y: 100, W: 60, H: 20})
	st.set("attack", 0.8, vision.Box{X: 260, Y: 95, W: 50, H: 18})

	res := c.ProcessFrame(frame, frameCtx())
	pos, ok := c.deps.Tracker.Predict(trackTargetKey)
	if !ok {
		t.Fatal("target tile not tracked after a nameplate hit")
	}
	if pos.Row != 2 || pos.Col != 4 {
		t.Errorf("target tile = (%d,%d), want (2,4)", pos.Row, pos.Col)
	}
	if res.Attack.Method != "attack_ocr_ctx" {
		t.Fatalf("attack method = %q, want attack_ocr_ctx", res.Attack.Method)
	}
}
