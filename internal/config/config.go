// Package config loads huntbot configuration: the main profile plus
// per-monster and per-interface YAML files, with HUNTBOT_* environment
// variable overrides for scalar fields.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// Profile is the top-level runtime configuration.
type Profile struct {
	LogLevel     string `yaml:"log_level"`
	LogFile      string `yaml:"log_file"`   // session log path; empty means stdout only
	ClickMode    string `yaml:"click_mode"` // "dry_run" or "live"
	LoopPeriodMS int    `yaml:"loop_period_ms"`
	WebPort      string `yaml:"web_port"`

	Display int    `yaml:"display"`
	Region  [4]int `yaml:"region"` // x, y, w, h capture region in screen pixels

	MonsterID   string `yaml:"monster_id"`
	InterfaceID string `yaml:"interface_id"`

	Calibration Calibration `yaml:"calibration"`
}

// Calibration holds paths and timing for the calibration subsystem.
type Calibration struct {
	BaseDir          string  `yaml:"base_dir"`
	OverridesPath    string  `yaml:"overrides_path"`
	CaptureCooldownS float64 `yaml:"capture_cooldown_s"`
}

// Monster describes the visual identity of one hunt target.
type Monster struct {
	Word     string `yaml:"word"`
	Prefix   string `yaml:"prefix"`
	Template string `yaml:"template"`
}

// Interface describes the UI affordances of one game interface layout.
type Interface struct {
	AttackWord     string   `yaml:"attack_word"`
	AttackTemplate string   `yaml:"attack_template"`
	PrepareTerms   []string `yaml:"prepare_targets"`
	WeaponDigits   []string `yaml:"weapon_digits"`
	SpecialTokens  []string `yaml:"special_tokens"`
	Tiles          Tiles    `yaml:"tiles"`
}

// Tiles describes the interface's tile lattice: pixel size of one tile and
// the lattice origin relative to the capture region. A zero size disables
// tile tracking.
type Tiles struct {
	SizePx  float64 `yaml:"size_px"`
	OriginX float64 `yaml:"origin_x"`
	OriginY float64 `yaml:"origin_y"`
}

// Loader reads YAML config files from a directory and caches them.
type Loader struct {
	dir string

	mu    sync.Mutex
	cache map[string][]byte
}

// NewLoader creates a Loader rooted at dir ("config" by default).
func NewLoader(dir string) *Loader {
	if dir == "" {
		dir = "config"
	}
	return &Loader{dir: dir, cache: make(map[string][]byte)}
}

// LoadProfile loads profile.yml with defaults and env overrides applied.
func (l *Loader) LoadProfile() (Profile, error) {
	p := Profile{
		LogLevel:     "info",
		ClickMode:    "dry_run",
		LoopPeriodMS: 200,
		WebPort:      "8791",
		MonsterID:    "twisted_wendigo",
		InterfaceID:  "combat",
		Calibration: Calibration{
			BaseDir:          "logs/calibration",
			OverridesPath:    "config/calibration/roi_overrides.yml",
			CaptureCooldownS: 25.0,
		},
	}
	if err := l.load("profile.yml", &p); err != nil {
		return p, err
	}
	p.applyEnv()
	return p, nil
}

// LoadMonster loads monsters/<id>.yml.
func (l *Loader) LoadMonster(id string) (Monster, error) {
	var m Monster
	err := l.load(filepath.Join("monsters", id+".yml"), &m)
	return m, err
}

// LoadInterface loads interfaces/<id>.yml with defaults applied.
func (l *Loader) LoadInterface(id string) (Interface, error) {
	iface := Interface{
		AttackWord:    "Attack",
		PrepareTerms:  []string{"prepare", "choose"},
		WeaponDigits:  []string{"1"},
		SpecialTokens: []string{"special", "attacks"},
		Tiles:         Tiles{SizePx: 112},
	}
	err := l.load(filepath.Join("interfaces", id+".yml"), &iface)
	return iface, err
}

// load reads and unmarshals one file into out. A missing file is not an
// error: defaults in out stand.
func (l *Loader) load(rel string, out any) error {
	l.mu.Lock()
	raw, ok := l.cache[rel]
	l.mu.Unlock()
	if !ok {
		var err error
		raw, err = os.ReadFile(filepath.Join(l.dir, rel))
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read config %s: %w", rel, err)
		}
		l.mu.Lock()
		l.cache[rel] = raw
		l.mu.Unlock()
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse config %s: %w", rel, err)
	}
	return nil
}

// ClearCache drops cached file contents so the next load rereads disk.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string][]byte)
	l.mu.Unlock()
}

func (p *Profile) applyEnv() {
	if v := os.Getenv("HUNTBOT_LOG_LEVEL"); v != "" {
		p.LogLevel = v
	}
	if v := os.Getenv("HUNTBOT_LOG_FILE"); v != "" {
		p.LogFile = v
	}
	if v := os.Getenv("HUNTBOT_CLICK_MODE"); v != "" {
		p.ClickMode = v
	}
	if v := os.Getenv("HUNTBOT_WEB_PORT"); v != "" {
		p.WebPort = v
	}
	if v := os.Getenv("HUNTBOT_MONSTER_ID"); v != "" {
		p.MonsterID = v
	}
	if v := os.Getenv("HUNTBOT_INTERFACE_ID"); v != "" {
		p.InterfaceID = v
	}
	if v := os.Getenv("HUNTBOT_LOOP_PERIOD_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.LoopPeriodMS = n
		}
	}
	if v := os.Getenv("HUNTBOT_DISPLAY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			p.Display = n
		}
	}
}

// Live reports whether planned clicks should be dispatched to the actuator.
func (p Profile) Live() bool {
	return p.ClickMode == "live"
}
