package combat

// State is the combat machine's phase. Exactly one is active; transitions
// are the only state changes.
type State int

const (
	Scan State = iota
	PrimeTarget
	AttackPanel
	Prepare
	Weapon
	BattleLoop
)

var stateNames = [...]string{
	Scan:        "Scan",
	PrimeTarget: "PrimeTarget",
	AttackPanel: "AttackPanel",
	Prepare:     "Prepare",
	Weapon:      "Weapon",
	BattleLoop:  "BattleLoop",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Human-readable phase text shown in the dashboard while a state is active.
var phaseForState = map[State]string{
	Scan:        "Search for Monster",
	PrimeTarget: "Click on the Monster",
	AttackPanel: "Detect the Attack Box",
	Prepare:     "Detect the Prepare for Battle box",
	Weapon:      "Detect the Weapon box inside that panel",
	BattleLoop:  "Detect the fight has started",
}

var phaseForDetect = map[string]string{
	"nameplate":      "Detect Monster Nameplate",
	"name_prefix":    "Detect Monster Nameplate",
	"attack_button":  "Detect the Attack Box",
	"prepare_header": "Detect the Prepare for Battle box",
	"weapon_slot_1":  "Detect the Weapon box inside that panel",
}

var phaseForClick = map[string]string{
	"prime_nameplate": "Click on the Monster",
	"attack_button":   "Click the Attack Box",
	"weapon_1":        "Click the Weapon box (defaulting to slot 1)",
}

const phaseBattleEnd = "Detect the fight has completed"

type transitionKey struct {
	from State
	to   State
}

// A few transitions carry their own phase text instead of the target
// state's default.
var phaseForTransition = map[transitionKey]string{
	{BattleLoop, Scan}: "Detect no fight remaining",
}
