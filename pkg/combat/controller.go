// Package combat fuses per-frame template and OCR detections into a
// six-state machine that plans and emits clicks. Detection alone never
// triggers an action; only the transition logic emits clicks.
package combat

import (
	"fmt"
	"time"

	"gocv.io/x/gocv"

	"github.com/huntbot/huntbot/internal/log"
	"github.com/huntbot/huntbot/pkg/calibration"
	"github.com/huntbot/huntbot/pkg/events"
	"github.com/huntbot/huntbot/pkg/tile"
	"github.com/huntbot/huntbot/pkg/vision"
)

// Static HUD regions, as fractions of the capture ROI. The attack panel
// region is only a fallback; calibration overrides it once learned.
var (
	attackPanelROI  = vision.ROI{X: 0.55, Y: 0.20, W: 0.40, H: 0.60}
	preparePanelROI = vision.ROI{X: 0.55, Y: 0.07, W: 0.43, H: 0.86}
	bottomBarROI    = vision.ROI{X: 0.10, Y: 0.83, W: 0.80, H: 0.15}
)

// Attack-button resolution chain: each stage has its own confidence floor
// and preview label. First stage to produce a box wins.
const (
	attackTplCtxFloor  = 0.70
	attackOCRCtxFloor  = 0.40
	attackTplHudFloor  = 0.72
	attackOCRHudFloor  = 0.40
	attackOCRFullFloor = 0.50
)

const (
	confidenceHistoryDepth = 6
	battleAbsentLimit      = 6
	trackTargetKey         = "target"
)

// Deps are the controller's collaborators. Matcher, Text, and Sink are
// required; Calibrator, Grid, and Tracker are optional.
type Deps struct {
	Matcher    TemplateMatcher
	Text       TextFinder
	Calibrator Calibrator
	Sink       events.Sink
	Grid       *tile.Grid
	Tracker    *tile.Tracker
}

// Controller runs the per-frame detection fusion and state machine. Not
// safe for concurrent use; the frame loop is its only caller.
type Controller struct {
	cfg  Config
	deps Deps

	nameplateTpl *vision.Template
	attackTpl    *vision.Template

	state         State
	phase         string
	absentCounter int
	battleStart   time.Time

	lockUntil time.Time
	lockedBox *vision.Box

	lastNameplateConf float64
	clickAttempts     map[string]int
	confHistory       map[string][]float64
	lastReason        string

	observer *Hysteresis

	now func() time.Time
}

// NewController loads the configured templates and returns a controller in
// Scan. Missing template paths leave the machine in OCR-only mode.
func NewController(cfg Config, deps Deps) (*Controller, error) {
	cfg = cfg.withDefaults()
	if deps.Sink == nil {
		deps.Sink = events.NopSink{}
	}

	c := &Controller{
		cfg:           cfg,
		deps:          deps,
		state:         Scan,
		phase:         phaseForState[Scan],
		clickAttempts: map[string]int{"prime_nameplate": 0, "attack_button": 0},
		confHistory: map[string][]float64{
			"nameplate":     {},
			"attack_button": {},
		},
		lastReason: "runtime_start",
		observer:   NewHysteresis(),
		now:        time.Now,
	}

	if path := cfg.Monster.Template; path != "" {
		tpl, err := vision.LoadTemplate(path)
		if err != nil {
			return nil, fmt.Errorf("nameplate template: %w", err)
		}
		c.nameplateTpl = tpl
	}
	if path := cfg.Interface.AttackTemplate; path != "" {
		tpl, err := vision.LoadTemplate(path)
		if err != nil {
			c.closeTemplates()
			return nil, fmt.Errorf("attack template: %w", err)
		}
		c.attackTpl = tpl
	}
	return c, nil
}

// Close releases the loaded templates.
func (c *Controller) Close() {
	c.closeTemplates()
}

func (c *Controller) closeTemplates() {
	if c.nameplateTpl != nil {
		c.nameplateTpl.Close()
		c.nameplateTpl = nil
	}
	if c.attackTpl != nil {
		c.attackTpl.Close()
		c.attackTpl = nil
	}
}

// State returns the machine's current state.
func (c *Controller) State() State { return c.state }

// Phase returns the current human-readable phase text.
func (c *Controller) Phase() string { return c.phase }

// Reset returns the machine to Scan and clears all per-attempt state. The
// frame loop calls this after an unrecoverable frame error.
func (c *Controller) Reset(reason string) {
	c.transition(Scan, reason)
	c.absentCounter = 0
	c.lastNameplateConf = 0
	for k := range c.confHistory {
		c.confHistory[k] = c.confHistory[k][:0]
	}
	if c.deps.Tracker != nil {
		c.deps.Tracker.Clear()
	}
}

// ProcessFrame runs one full detection-fusion-transition pass. All work for
// the frame completes before return; there is no pipelining.
func (c *Controller) ProcessFrame(frame gocv.Mat, ctx FrameContext) Result {
	now := c.now()
	rx, ry := ctx.ROIOrigin.X, ctx.ROIOrigin.Y
	rw, rh := ctx.ROISize.X, ctx.ROISize.Y
	roiRect := [4]int{rx, ry, rw, rh}
	c.setPhase(phaseForState[c.state])

	// Step 1: nameplate, template-in-calibrated-ROI first, OCR fallback.
	boxes, bestConf, method := c.detectNameplate(frame, roiRect)
	rawNameplate := append([]vision.Box(nil), boxes...)

	// Step 2: prefix pass, merge, and lock arm.
	var prefixBoxes []vision.Box
	var prefixConf float64
	if c.cfg.Monster.Prefix != "" {
		prefixBoxes, prefixConf = c.deps.Text.FindWord(frame, c.cfg.Monster.Prefix)
	}
	prefixPresent := len(prefixBoxes) > 0
	lockActive := now.Before(c.lockUntil)

	switch {
	case c.cfg.Monster.Prefix != "" && prefixPresent && len(rawNameplate) > 0:
		merged := rawNameplate[0].Union(prefixBoxes[0])
		boxes = []vision.Box{merged}
		c.lockedBox = &merged
		c.lockUntil = now.Add(c.cfg.LockGrace)
		lockActive = true
		if bestConf > 0 && prefixConf > 0 {
			bestConf = min(bestConf, prefixConf)
		} else {
			bestConf = max(bestConf, prefixConf)
		}
	case lockActive && c.lockedBox != nil:
		// Nameplates flicker under occlusion; reuse the locked evidence.
		if len(boxes) == 0 {
			boxes = []vision.Box{*c.lockedBox}
		}
		if bestConf <= 0 {
			if hist := c.confHistory["nameplate"]; len(hist) > 0 {
				bestConf = hist[len(hist)-1]
			} else {
				bestConf = c.lastNameplateConf
			}
		}
	default:
		if !prefixPresent {
			c.lockedBox = nil
		}
		if len(rawNameplate) == 0 {
			c.lockUntil = time.Time{}
			lockActive = false
		}
	}

	if len(rawNameplate) > 0 {
		c.pushConf("nameplate", bestConf)
		c.lastNameplateConf = bestConf
	}
	lockRemaining := max(0.0, c.lockUntil.Sub(now).Seconds())

	// Track the target's tile so the context-menu stage of the attack
	// chain knows where to look.
	if c.deps.Grid != nil && c.deps.Tracker != nil {
		if len(rawNameplate) > 0 {
			cx, cy := rawNameplate[0].Center()
			row, col := c.deps.Grid.ScreenToTile(float64(rx+cx), float64(ry+cy))
			c.deps.Tracker.Update(trackTargetKey, row, col, bestConf)
		} else {
			c.deps.Tracker.MarkMissed(trackTargetKey)
		}
	}

	// Step 3: target-ready fusion.
	targetReady := len(boxes) > 0 &&
		bestConf >= c.cfg.MinTargetConfidence &&
		(c.cfg.Monster.Prefix == "" || prefixPresent || lockActive)

	// Step 4: attack-button resolution chain.
	attackBoxes, attackConf, attackLabel := c.resolveAttack(frame, roiRect)
	if len(attackBoxes) > 0 {
		c.pushConf("attack_button", attackConf)
	}

	// Downstream panels.
	prepareRect := preparePanelROI.PixelRect(rw, rh)
	var prepareBoxes []vision.Box
	var prepareConf float64
	for _, term := range c.cfg.Interface.PrepareTerms {
		b, conf := c.deps.Text.FindWordInRect(frame, term, prepareRect)
		if len(b) > 0 {
			prepareBoxes = b
			prepareConf = conf
			break
		}
	}

	digitBoxes, digitConf := c.deps.Text.FindDigits(frame, c.cfg.Interface.WeaponDigits, prepareRect)

	battlePresent, battleConf, battleBoxes := c.detectBattle(frame, rw, rh)

	// Step 5: plan at most one click per label.
	var planned []PlannedClick
	if targetReady && len(boxes) > 0 {
		b := boxes[0]
		planned = append(planned, PlannedClick{
			X:     rx + b.X + b.W/2,
			Y:     ry + b.Y + int(1.4*float64(b.H)),
			Label: "prime_nameplate",
		})
	}
	if len(attackBoxes) > 0 {
		cx, cy := attackBoxes[0].Center()
		planned = append(planned, PlannedClick{X: rx + cx, Y: ry + cy, Label: "attack_button"})
	}
	if len(digitBoxes) > 0 {
		cx, cy := digitBoxes[0].Center()
		planned = append(planned, PlannedClick{X: rx + cx, Y: ry + cy, Label: "weapon_1"})
	}

	c.emitDetections(boxes, bestConf, attackBoxes, attackConf, attackLabel, roiRect, lockActive, prefixPresent, lockRemaining)

	// Step 6: transitions.
	actions := c.advance(now, targetReady, attackBoxes, prepareBoxes, digitBoxes, battlePresent, planned, roiRect, lockActive, prefixPresent)

	// Step 7: observer and snapshot.
	observed := c.observer.Update(Evidence{
		Attack:  len(attackBoxes),
		Prepare: len(prepareBoxes),
		Battle:  btoi(battlePresent),
	})

	res := Result{
		Found:      targetReady,
		Count:      len(boxes),
		Confidence: bestConf,
		Method:     method,
		Boxes:      boxes,
		Attack: DetectionGroup{
			Found: len(attackBoxes) > 0, Count: len(attackBoxes),
			Confidence: attackConf, Boxes: attackBoxes,
			Word: c.cfg.Interface.AttackWord, Method: attackLabel,
		},
		Prepare: DetectionGroup{
			Found: len(prepareBoxes) > 0, Count: len(prepareBoxes),
			Confidence: prepareConf, Boxes: prepareBoxes,
		},
		Battle: DetectionGroup{
			Found: battlePresent, Count: len(battleBoxes),
			Confidence: battleConf, Boxes: battleBoxes,
		},
		Weapon: DetectionGroup{
			Found: len(digitBoxes) > 0, Count: len(digitBoxes),
			Confidence: digitConf, Boxes: digitBoxes,
		},
		Prefix: DetectionGroup{
			Found: prefixPresent, Count: len(prefixBoxes),
			Confidence: prefixConf, Boxes: prefixBoxes,
			Word: c.cfg.Monster.Prefix,
		},
		TargetLock: LockStatus{
			Active:     lockActive,
			RemainingS: lockRemaining,
			GraceS:     c.cfg.LockGrace.Seconds(),
		},
		ClickAttempts:     copyCounts(c.clickAttempts),
		ConfidenceHistory: copyHistory(c.confHistory),
		PlannedClicks:     planned,
		Actions:           actions,
		ROI:               roiRect,
		State:             c.state.String(),
		Phase:             c.phase,
		TransitionReason:  c.lastReason,
		Observed:          observed,
	}
	return res
}

// detectNameplate prefers a template match inside the calibrated ROI and
// falls back to full-frame word OCR, reporting both outcomes to the
// calibrator.
func (c *Controller) detectNameplate(frame gocv.Mat, roiRect [4]int) ([]vision.Box, float64, string) {
	if c.nameplateTpl != nil {
		roi := c.cfg.NameplateROI
		if c.deps.Calibrator != nil {
			roi = c.deps.Calibrator.GetROI(calibration.KeyNameplate, roi)
		}
		boxes, score := c.deps.Matcher.DetectInROI(frame, c.nameplateTpl, roi, vision.DefaultTemplateThreshold)
		if len(boxes) > 0 {
			if c.deps.Calibrator != nil {
				c.deps.Calibrator.TemplateSuccess(calibration.KeyNameplate, score, &roi, &boxes[0])
			}
			return boxes, score, "template"
		}
	}

	boxes, conf := c.deps.Text.FindWord(frame, c.cfg.Monster.Word)
	method := "ocr"
	if c.nameplateTpl != nil {
		method = "ocr_fallback"
		if len(boxes) > 0 && conf >= c.cfg.OCRReportFloor && c.deps.Calibrator != nil {
			c.deps.Calibrator.TemplateFallback(calibration.KeyNameplate, frame, calibration.FallbackEvidence{
				TemplatePath: c.nameplateTpl.Path,
				HintBox:      &boxes[0],
				Confidence:   conf,
				State:        c.state.String(),
				Phase:        c.phase,
				ROIRect:      roiRect,
				Boxes:        boxes,
			})
		}
	}
	return boxes, conf, method
}

// resolveAttack walks the five-stage fallback chain and returns the first
// stage's boxes plus the stage label.
func (c *Controller) resolveAttack(frame gocv.Mat, roiRect [4]int) ([]vision.Box, float64, string) {
	rw, rh := roiRect[2], roiRect[3]

	// Stages a+b: context-menu rectangle derived from the tracked tile.
	if c.deps.Grid != nil && c.deps.Tracker != nil {
		if pos, ok := c.deps.Tracker.Predict(trackTargetKey); ok {
			rect := c.deps.Grid.ContextMenuRect(pos.Row, pos.Col)
			if c.attackTpl != nil {
				b, scores := c.deps.Matcher.DetectInRect(frame, c.attackTpl, rect, attackTplCtxFloor)
				if len(b) > 0 {
					c.reportAttackTemplate(bestOf(scores), b[0])
					return b, bestOf(scores), "attack_tpl_ctx"
				}
			}
			b, conf := c.deps.Text.FindWordInRect(frame, c.cfg.Interface.AttackWord, rect)
			if len(b) > 0 && conf >= attackOCRCtxFloor {
				c.reportAttackFallback(frame, b, conf, roiRect)
				return b, conf, "attack_ocr_ctx"
			}
		}
	}

	// Stages c+d: static (or calibrated) HUD region.
	hudROI := c.cfg.AttackROI
	if c.deps.Calibrator != nil {
		hudROI = c.deps.Calibrator.GetROI(calibration.KeyAttack, hudROI)
	}
	hudRect := hudROI.PixelRect(rw, rh)
	if c.attackTpl != nil {
		b, scores := c.deps.Matcher.DetectInRect(frame, c.attackTpl, hudRect, attackTplHudFloor)
		if len(b) > 0 {
			score := bestOf(scores)
			if c.deps.Calibrator != nil {
				c.deps.Calibrator.TemplateSuccess(calibration.KeyAttack, score, &hudROI, &b[0])
			}
			return b, score, "attack_tpl_hud"
		}
	}
	b, conf := c.deps.Text.FindWordInRect(frame, c.cfg.Interface.AttackWord, hudRect)
	if len(b) > 0 && conf >= attackOCRHudFloor {
		c.reportAttackFallback(frame, b, conf, roiRect)
		return b, conf, "attack_ocr_hud"
	}

	// Stage e: full-frame OCR. Size filtering happens inside the text
	// detector; the floor is higher to reject HUD noise.
	b, conf = c.deps.Text.FindWord(frame, c.cfg.Interface.AttackWord)
	if len(b) > 0 && conf >= attackOCRFullFloor {
		c.reportAttackFallback(frame, b, conf, roiRect)
		return b, conf, "attack_ocr_full"
	}
	return nil, 0, ""
}

func (c *Controller) reportAttackTemplate(score float64, box vision.Box) {
	if c.deps.Calibrator == nil {
		return
	}
	c.deps.Calibrator.TemplateSuccess(calibration.KeyAttack, score, nil, &box)
}

func (c *Controller) reportAttackFallback(frame gocv.Mat, boxes []vision.Box, conf float64, roiRect [4]int) {
	if c.deps.Calibrator == nil || c.attackTpl == nil {
		return
	}
	c.deps.Calibrator.TemplateFallback(calibration.KeyAttack, frame, calibration.FallbackEvidence{
		TemplatePath: c.attackTpl.Path,
		HintBox:      &boxes[0],
		Confidence:   conf,
		State:        c.state.String(),
		Phase:        c.phase,
		ROIRect:      roiRect,
		Boxes:        boxes,
	})
}

// detectBattle checks the bottom bar for every configured battle token.
func (c *Controller) detectBattle(frame gocv.Mat, rw, rh int) (bool, float64, []vision.Box) {
	tokens := c.cfg.Interface.SpecialTokens
	if len(tokens) == 0 {
		return false, 0, nil
	}
	rect := bottomBarROI.PixelRect(rw, rh)
	var all []vision.Box
	best := 0.0
	for _, token := range tokens {
		b, conf := c.deps.Text.FindWordInRect(frame, token, rect)
		if len(b) == 0 {
			return false, 0, nil
		}
		all = append(all, b...)
		if conf > best {
			best = conf
		}
	}
	return true, best, all
}

func (c *Controller) emitDetections(boxes []vision.Box, conf float64, attackBoxes []vision.Box, attackConf float64, attackLabel string, roiRect [4]int, lockActive, prefixPresent bool, lockRemaining float64) {
	ready := len(boxes) > 0 && (c.cfg.Monster.Prefix == "" || prefixPresent || lockActive)
	if ready {
		c.setPhase(phaseForDetect["nameplate"])
		ev := events.NewEvent(events.TypeDetect, "nameplate")
		ev.State = c.state.String()
		ev.Phase = c.phase
		ev.ROI = roiRect
		ev.Boxes = boxes
		ev.Confidence = conf
		ev.Notes = fmt.Sprintf("lock=%d remaining=%.2fs prefix=%d prime_attempts=%d",
			btoi(lockActive), lockRemaining, btoi(prefixPresent), c.clickAttempts["prime_nameplate"])
		c.deps.Sink.EmitEvent(ev)
	}
	if len(attackBoxes) > 0 {
		c.setPhase(phaseForDetect["attack_button"])
		ev := events.NewEvent(events.TypeDetect, "attack_button")
		ev.State = c.state.String()
		ev.Phase = c.phase
		ev.ROI = roiRect
		ev.Boxes = attackBoxes
		ev.Confidence = attackConf
		ev.Notes = fmt.Sprintf("method=%s lock=%d remaining=%.2fs attack_attempts=%d",
			attackLabel, btoi(lockActive), lockRemaining, c.clickAttempts["attack_button"])
		c.deps.Sink.EmitEvent(ev)
	}
}

// advance applies the transition table and returns the clicks the machine
// called for this frame.
func (c *Controller) advance(now time.Time, targetReady bool, attackBoxes, prepareBoxes, digitBoxes []vision.Box, battlePresent bool, planned []PlannedClick, roiRect [4]int, lockActive, prefixPresent bool) []PlannedClick {
	var actions []PlannedClick
	emit := func(label string) {
		for _, pc := range planned {
			if pc.Label != label {
				continue
			}
			c.clickAttempts[label]++
			c.setPhase(phaseForClick[label])
			actions = append(actions, pc)
			c.deps.Sink.EmitClick(events.Click{X: pc.X, Y: pc.Y, Label: pc.Label}, c.state.String(), c.phase)
			return
		}
	}

	switch c.state {
	case Scan:
		if targetReady {
			emit("prime_nameplate")
			c.transition(PrimeTarget, "nameplate locked")
		}
	case PrimeTarget:
		switch {
		case len(attackBoxes) > 0:
			emit("attack_button")
			c.transition(AttackPanel, "attack detected")
		case targetReady:
			emit("prime_nameplate")
		default:
			reason := "target lost (lock expired)"
			if lockActive {
				reason = "target lost (lock active but no nameplate)"
			} else if prefixPresent {
				reason = "target lost (nameplate hidden)"
			}
			c.transition(Scan, reason)
		}
	case AttackPanel:
		switch {
		case len(attackBoxes) > 0:
			emit("attack_button")
		case len(prepareBoxes) > 0:
			c.transition(Prepare, "prepare detected")
		default:
			c.transition(Scan, "attack button missing")
		}
	case Prepare:
		if len(digitBoxes) > 0 {
			emit("weapon_1")
			c.transition(Weapon, "weapon digit detected")
		} else if len(prepareBoxes) == 0 {
			c.transition(Scan, "prepare panel missing")
		}
	case Weapon:
		if battlePresent {
			c.battleStart = now
			c.transition(BattleLoop, "special attacks active")
		} else if len(digitBoxes) == 0 {
			c.transition(Scan, "weapon digit missing")
		}
	case BattleLoop:
		if battlePresent {
			c.absentCounter = 0
		} else {
			c.absentCounter++
			if c.absentCounter >= battleAbsentLimit {
				c.setPhase(phaseBattleEnd)
				ev := events.NewEvent(events.TypeTransition, "battle_end")
				ev.State = c.state.String()
				ev.Phase = c.phase
				ev.ROI = roiRect
				ev.Notes = fmt.Sprintf("absent %d frames", battleAbsentLimit)
				c.deps.Sink.EmitEvent(ev)
				c.transition(Scan, "battle loop ended (missing cues)")
				return actions
			}
		}
		if !c.battleStart.IsZero() && now.Sub(c.battleStart) > c.cfg.BattleCap {
			ev := events.NewEvent(events.TypeTimeout, "battle_cap")
			ev.State = c.state.String()
			ev.Phase = c.phase
			ev.ROI = roiRect
			ev.Notes = fmt.Sprintf("fight exceeded %s", c.cfg.BattleCap)
			c.deps.Sink.EmitEvent(ev)
			c.transition(Scan, "battle duration cap reached")
		}
	}
	return actions
}

func (c *Controller) transition(next State, reason string) {
	prev := c.state
	c.state = next
	if next != BattleLoop {
		c.absentCounter = 0
		c.battleStart = time.Time{}
	}
	phase, ok := phaseForTransition[transitionKey{prev, next}]
	if !ok {
		phase = phaseForState[next]
	}
	c.setPhase(phase)
	c.lastReason = reason
	if next == Scan {
		c.lockUntil = time.Time{}
		c.lockedBox = nil
		for k := range c.clickAttempts {
			c.clickAttempts[k] = 0
		}
	}
	log.Info("state transition", "from", prev.String(), "to", next.String(), "reason", reason)
	ev := events.NewEvent(events.TypeTransition, fmt.Sprintf("%s->%s", prev, next))
	ev.State = next.String()
	ev.Phase = c.phase
	ev.Notes = reason
	c.deps.Sink.EmitEvent(ev)
}

func (c *Controller) setPhase(phase string) {
	if phase == "" || phase == c.phase {
		return
	}
	c.phase = phase
}

func (c *Controller) pushConf(key string, v float64) {
	hist := append(c.confHistory[key], v)
	if len(hist) > confidenceHistoryDepth {
		hist = hist[len(hist)-confidenceHistoryDepth:]
	}
	c.confHistory[key] = hist
}

func bestOf(scores []float64) float64 {
	best := 0.0
	for _, s := range scores {
		if s > best {
			best = s
		}
	}
	return best
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyHistory(m map[string][]float64) map[string][]float64 {
	out := make(map[string][]float64, len(m))
	for k, v := range m {
		out[k] = append([]float64(nil), v...)
	}
	return out
}
