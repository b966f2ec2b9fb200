package combat

// Evidence is the per-frame detection count for each observable panel.
type Evidence struct {
	Attack  int
	Prepare int
	Battle  int
}

// Hysteresis classifies which panel is genuinely on screen from noisy
// per-frame evidence, with per-panel enter/exit frame windows. It does not
// drive clicks; it is an observer used to validate state classification.
type Hysteresis struct {
	current string
	seen    map[string]int
	absent  map[string]int
	enter   map[string]int
	exit    map[string]int
}

// NewHysteresis returns an observer starting in "scan".
func NewHysteresis() *Hysteresis {
	return &Hysteresis{
		current: "scan",
		seen:    map[string]int{"attack": 0, "prepare": 0, "battle": 0},
		absent:  map[string]int{"attack": 0, "prepare": 0, "battle": 0},
		enter:   map[string]int{"attack": 2, "prepare": 2, "battle": 3},
		exit:    map[string]int{"attack": 2, "prepare": 3, "battle": 6},
	}
}

// Current returns the observer's present classification.
func (h *Hysteresis) Current() string { return h.current }

// Update folds one frame of evidence in and returns the classification.
// Panels are exclusive: battle suppresses prepare and attack, prepare
// suppresses attack.
func (h *Hysteresis) Update(ev Evidence) string {
	present := map[string]bool{
		"attack":  ev.Attack > 0,
		"prepare": ev.Prepare > 0,
		"battle":  ev.Battle > 0,
	}
	if present["battle"] {
		present["prepare"] = false
		present["attack"] = false
	} else if present["prepare"] {
		present["attack"] = false
	}

	for k, p := range present {
		if p {
			h.seen[k]++
			h.absent[k] = 0
		} else {
			h.absent[k]++
			h.seen[k] = 0
		}
	}

	for _, st := range []string{"battle", "prepare", "attack"} {
		if h.seen[st] >= h.enter[st] {
			h.current = st
			return h.current
		}
	}

	if n, ok := h.absent[h.current]; ok && n >= h.exit[h.current] {
		h.current = "scan"
	}
	return h.current
}
