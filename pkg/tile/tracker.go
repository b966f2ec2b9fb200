package tile

import (
	"time"
)

// DefaultMaxAge is how long a track survives without a fresh observation.
const DefaultMaxAge = 600 * time.Millisecond

// Position is one tracked entity's tile-space state. Velocity is in tiles
// per observation, clamped to one tile per frame.
type Position struct {
	Row        int
	Col        int
	Confidence float64
	LastSeen   time.Time
	VX         int
	VY         int
}

// Tracker keeps one short-lived track per entity key and predicts through
// missed frames.
type Tracker struct {
	maxAge time.Duration
	tracks map[string]*Position
	now    func() time.Time
}

// NewTracker creates a tracker with the given max track age (DefaultMaxAge
// when zero).
func NewTracker(maxAge time.Duration) *Tracker {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Tracker{
		maxAge: maxAge,
		tracks: make(map[string]*Position),
		now:    time.Now,
	}
}

// Update records a fresh observation for key and returns the new track.
// Velocity is the integer tile delta since the previous observation,
// clamped to [-1, 1] per axis.
func (t *Tracker) Update(key string, row, col int, confidence float64) Position {
	ts := t.now()
	vx, vy := 0, 0
	if prev, ok := t.tracks[key]; ok {
		vx = clampVel(col - prev.Col)
		vy = clampVel(row - prev.Row)
	}
	pos := Position{Row: row, Col: col, Confidence: confidence, LastSeen: ts, VX: vx, VY: vy}
	t.tracks[key] = &pos
	return pos
}

// MarkMissed decays the confidence of an existing track without moving it.
func (t *Tracker) MarkMissed(key string) {
	if track, ok := t.tracks[key]; ok {
		track.Confidence *= 0.9
	}
}

// Predict returns the last known position for key, or false if the track
// has aged out (in which case it is dropped).
func (t *Tracker) Predict(key string) (Position, bool) {
	track, ok := t.tracks[key]
	if !ok {
		return Position{}, false
	}
	if t.now().Sub(track.LastSeen) > t.maxAge {
		delete(t.tracks, key)
		return Position{}, false
	}
	return *track, true
}

// Prune drops every track older than the max age.
func (t *Tracker) Prune() {
	now := t.now()
	for key, track := range t.tracks {
		if now.Sub(track.LastSeen) > t.maxAge {
			delete(t.tracks, key)
		}
	}
}

// Clear drops all tracks.
func (t *Tracker) Clear() {
	t.tracks = make(map[string]*Position)
}

func clampVel(v int) int {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
