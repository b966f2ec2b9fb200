// Package events defines the structured records the engine emits and the
// sink interface its consumers implement. The core never depends on a
// concrete logging or web type; it only talks to a Sink.
package events

import (
	"sync"
	"time"

	"github.com/huntbot/huntbot/pkg/vision"
)

// Event types emitted by the engine.
const (
	TypeDetect      = "detect"
	TypeClick       = "click"
	TypeConfirm     = "confirm"
	TypeTimeout     = "timeout"
	TypeRetry       = "retry"
	TypeTransition  = "transition"
	TypeCalibration = "calibration"
	TypeInfo        = "info"
)

// Event is one timeline record.
type Event struct {
	TS         string       `json:"ts"`
	Type       string       `json:"type"`
	Label      string       `json:"label"`
	State      string       `json:"state,omitempty"`
	Phase      string       `json:"phase,omitempty"`
	ROI        [4]int       `json:"roi"`
	Boxes      []vision.Box `json:"boxes,omitempty"`
	Confidence float64      `json:"confidence"`
	Notes      string       `json:"notes,omitempty"`
}

// Click is a dispatched (or dry-run) click record.
type Click struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Label string `json:"label"`
}

// Sink receives engine output. Implementations must be safe for use from
// the frame loop and the calibration worker concurrently.
type Sink interface {
	EmitEvent(ev Event)
	EmitClick(c Click, state, phase string)
	UpdateCalibrationStatus(status any)
}

// NewEvent stamps an event with the current UTC time.
func NewEvent(typ, label string) Event {
	return Event{
		TS:    time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Type:  typ,
		Label: label,
	}
}

// NopSink discards everything. Useful for tests and headless tools.
type NopSink struct{}

func (NopSink) EmitEvent(Event)                 {}
func (NopSink) EmitClick(Click, string, string) {}
func (NopSink) UpdateCalibrationStatus(any)     {}

// Timeline is a fixed-capacity ring buffer of events.
type Timeline struct {
	mu  sync.Mutex
	buf []Event
	cap int
}

// NewTimeline creates a timeline holding at most capacity events.
func NewTimeline(capacity int) *Timeline {
	if capacity <= 0 {
		capacity = 200
	}
	return &Timeline{cap: capacity}
}

// Add appends an event, evicting the oldest when full.
func (t *Timeline) Add(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, ev)
	if len(t.buf) > t.cap {
		t.buf = t.buf[len(t.buf)-t.cap:]
	}
}

// Last returns a copy of the most recent n events, oldest first.
func (t *Timeline) Last(n int) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n <= 0 || n > len(t.buf) {
		n = len(t.buf)
	}
	out := make([]Event, n)
	copy(out, t.buf[len(t.buf)-n:])
	return out
}

// Recorder is a Sink that stores everything it receives; used by tests.
type Recorder struct {
	mu     sync.Mutex
	Events []Event
	Clicks []Click
	Status any
}

func (r *Recorder) EmitEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, ev)
}

func (r *Recorder) EmitClick(c Click, state, phase string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Clicks = append(r.Clicks, c)
}

func (r *Recorder) UpdateCalibrationStatus(status any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Status = status
}

// ByType returns recorded events of one type.
func (r *Recorder) ByType(typ string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.Events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
