// Package runtime owns the frame loop: capture, detection, and action
// dispatch at a fixed poll period.
package runtime

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/huntbot/huntbot/internal/log"
	"github.com/huntbot/huntbot/pkg/capture"
	"github.com/huntbot/huntbot/pkg/combat"
	"github.com/huntbot/huntbot/pkg/events"
	"github.com/huntbot/huntbot/pkg/input"
)

// Config tunes the loop. Zero values fall back to defaults.
type Config struct {
	Period        time.Duration // poll period between frames
	ClickCooldown time.Duration // min spacing between clicks on one label
	Click         input.ClickOptions
}

func (c Config) withDefaults() Config {
	if c.Period <= 0 {
		c.Period = 200 * time.Millisecond
	}
	if c.ClickCooldown <= 0 {
		c.ClickCooldown = 450 * time.Millisecond
	}
	if c.Click == (input.ClickOptions{}) {
		c.Click = input.DefaultClickOptions()
	}
	return c
}

// Loop drives one controller from one capture source. Frames are strictly
// sequential: each frame's detection and dispatch completes before the next
// capture.
type Loop struct {
	cfg        Config
	source     capture.Source
	controller *combat.Controller
	actuator   input.Actuator
	sink       events.Sink

	mu        sync.Mutex
	last      combat.Result
	lastClick map[string]time.Time

	now func() time.Time
}

// New wires a loop. Actuator selection (dry-run vs live) happens at the
// composition root.
func New(cfg Config, source capture.Source, controller *combat.Controller, actuator input.Actuator, sink events.Sink) *Loop {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Loop{
		cfg:        cfg.withDefaults(),
		source:     source,
		controller: controller,
		actuator:   actuator,
		sink:       sink,
		lastClick:  make(map[string]time.Time),
		now:        time.Now,
	}
}

// Run polls until ctx is cancelled. Frame errors never stop the loop; they
// reset the machine and retry on the next tick.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Period)
	defer ticker.Stop()
	log.Info("frame loop started", "period", l.cfg.Period.String())
	for {
		select {
		case <-ctx.Done():
			log.Info("frame loop stopped")
			return ctx.Err()
		case <-ticker.C:
			l.step()
		}
	}
}

// LastResult returns the most recent frame outcome.
func (l *Loop) LastResult() combat.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func (l *Loop) step() {
	frame, err := l.source.Capture()
	if err != nil {
		defer frame.Close()
		if errors.Is(err, capture.ErrWindowNotFound) {
			log.Warn("capture region unavailable, retrying", "err", err)
			ev := events.NewEvent(events.TypeRetry, "window_not_found")
			ev.Notes = err.Error()
			l.sink.EmitEvent(ev)
			return
		}
		log.Error("frame capture failed", "err", err)
		ev := events.NewEvent(events.TypeRetry, "frame_error")
		ev.Notes = err.Error()
		l.sink.EmitEvent(ev)
		l.controller.Reset("frame error")
		return
	}
	defer frame.Close()

	ox, oy := l.source.Origin()
	res := l.controller.ProcessFrame(frame, combat.FrameContext{
		ROIOrigin: image.Pt(ox, oy),
		ROISize:   image.Pt(frame.Cols(), frame.Rows()),
	})

	for _, action := range res.Actions {
		l.dispatch(action)
	}

	l.mu.Lock()
	l.last = res
	l.mu.Unlock()
}

// dispatch executes one emitted click, unless the same label fired within
// the cooldown window. The cooldown exists because an in-game affordance
// keeps registering a prior click for a few hundred milliseconds.
func (l *Loop) dispatch(action combat.PlannedClick) {
	now := l.now()
	if last, ok := l.lastClick[action.Label]; ok && now.Sub(last) < l.cfg.ClickCooldown {
		log.Debug("click suppressed by cooldown", "label", action.Label)
		return
	}
	if err := l.actuator.Click(action.X, action.Y, l.cfg.Click); err != nil {
		log.Error("click failed", "label", action.Label, "err", err)
		return
	}
	l.lastClick[action.Label] = now
}
