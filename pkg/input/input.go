// Package input dispatches planned actions to the OS, or logs them in
// dry-run mode.
package input

import (
	"math/rand"
	"time"

	"github.com/go-vgo/robotgo"

	"github.com/huntbot/huntbot/internal/log"
)

// ClickOptions tunes how a click lands.
type ClickOptions struct {
	JitterPx  int           // random +/- offset applied to both axes
	MoveDelay time.Duration // approximate cursor travel time
	HoldDelay time.Duration // delay between button down and up
}

// DefaultClickOptions mirror a quick human click.
func DefaultClickOptions() ClickOptions {
	return ClickOptions{
		JitterPx:  4,
		MoveDelay: 120 * time.Millisecond,
		HoldDelay: 50 * time.Millisecond,
	}
}

// Actuator performs pointer actions at absolute screen coordinates.
type Actuator interface {
	Click(x, y int, opts ClickOptions) error
	Move(x, y int) error
}

// RobotActuator drives the real cursor through robotgo.
type RobotActuator struct{}

// NewRobotActuator returns a live actuator.
func NewRobotActuator() *RobotActuator {
	return &RobotActuator{}
}

// Click moves to (x,y) with jitter and performs a left click.
func (a *RobotActuator) Click(x, y int, opts ClickOptions) error {
	tx, ty := jitter(x, y, opts.JitterPx)
	robotgo.MoveSmooth(tx, ty, 0.9, float64(opts.MoveDelay.Milliseconds())/100.0)
	time.Sleep(opts.HoldDelay)
	robotgo.Click("left", false)
	log.Debug("click dispatched", "x", tx, "y", ty)
	return nil
}

// Move positions the cursor without clicking (hover).
func (a *RobotActuator) Move(x, y int) error {
	robotgo.Move(x, y)
	return nil
}

// DryRunActuator logs planned actions without touching the OS.
type DryRunActuator struct{}

// NewDryRunActuator returns a no-op actuator.
func NewDryRunActuator() *DryRunActuator {
	return &DryRunActuator{}
}

// Click logs the planned click.
func (a *DryRunActuator) Click(x, y int, opts ClickOptions) error {
	log.Info("dry-run click", "x", x, "y", y)
	return nil
}

// Move logs the planned hover.
func (a *DryRunActuator) Move(x, y int) error {
	log.Debug("dry-run move", "x", x, "y", y)
	return nil
}

func jitter(x, y, px int) (int, int) {
	if px <= 0 {
		return x, y
	}
	return x + rand.Intn(2*px+1) - px, y + rand.Intn(2*px+1) - px
}
