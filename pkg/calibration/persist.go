package calibration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"
	"gopkg.in/yaml.v3"

	"github.com/huntbot/huntbot/pkg/vision"
)

// overridesFile is the persisted key→ROI mapping. Each entry is a 4-tuple
// of normalized floats, or absent when no override exists.
type overridesFile struct {
	Nameplate []float64 `yaml:"nameplate_template_roi,omitempty"`
	Attack    []float64 `yaml:"attack_template_roi,omitempty"`
}

// loadOverrides reads persisted overrides at startup. A missing file is
// fine; a malformed one is reported and ignored.
func (m *Manager) loadOverrides() error {
	raw, err := os.ReadFile(m.cfg.OverridesPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read overrides: %w", err)
	}
	var f overridesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse overrides: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if roi, ok := roiFromSlice(f.Nameplate); ok {
		m.state(KeyNameplate).override = &roi
	}
	if roi, ok := roiFromSlice(f.Attack); ok {
		m.state(KeyAttack).override = &roi
	}
	return nil
}

// persistOverrides rewrites the override file wholesale: temp file then
// rename, so a concurrent reader never sees a half-written file.
func (m *Manager) persistOverrides() error {
	m.mu.Lock()
	var f overridesFile
	if st := m.states[KeyNameplate]; st != nil && st.override != nil {
		f.Nameplate = roiToSlice(*st.override)
	}
	if st := m.states[KeyAttack]; st != nil && st.override != nil {
		f.Attack = roiToSlice(*st.override)
	}
	m.mu.Unlock()

	raw, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode overrides: %w", err)
	}

	dir := filepath.Dir(m.cfg.OverridesPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create overrides dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".roi_overrides-*")
	if err != nil {
		return fmt.Errorf("create temp overrides: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write overrides: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync overrides: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close overrides: %w", err)
	}
	if err := os.Rename(tmpName, m.cfg.OverridesPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace overrides: %w", err)
	}

	m.publishStatus()
	return nil
}

// captureMeta is the metadata record written beside each captured frame.
type captureMeta struct {
	Timestamp    string       `json:"timestamp"`
	Detector     Key          `json:"detector"`
	Confidence   float64      `json:"confidence"`
	State        string       `json:"state"`
	Phase        string       `json:"phase"`
	ROIRect      [4]int       `json:"roi_rect"`
	Boxes        []vision.Box `json:"boxes"`
	HintBox      *vision.Box  `json:"hint_box"`
	TemplatePath string       `json:"template_path"`
}

// writeCaptureArtifacts persists the frame and its metadata to a
// timestamped folder and returns the folder and frame paths.
func (m *Manager) writeCaptureArtifacts(key Key, frame gocv.Mat, ev FallbackEvidence) (string, string, error) {
	stamp := m.now().UTC().Format("2006-01-02T15-04-05")
	folder := filepath.Join(m.cfg.BaseDir, fmt.Sprintf("%s_%s", stamp, key))
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", "", fmt.Errorf("create capture folder: %w", err)
	}

	framePath := filepath.Join(folder, "frame.png")
	if ok := gocv.IMWrite(framePath, frame); !ok {
		return "", "", fmt.Errorf("write capture frame %s", framePath)
	}

	meta := captureMeta{
		Timestamp:    stamp,
		Detector:     key,
		Confidence:   ev.Confidence,
		State:        ev.State,
		Phase:        ev.Phase,
		ROIRect:      ev.ROIRect,
		Boxes:        ev.Boxes,
		HintBox:      ev.HintBox,
		TemplatePath: ev.TemplatePath,
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("encode capture metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(folder, "fallback.json"), raw, 0o644); err != nil {
		return "", "", fmt.Errorf("write capture metadata: %w", err)
	}
	return folder, framePath, nil
}

// writeJobResult records the sweep outcome beside the capture artifacts.
func (m *Manager) writeJobResult(folder string, jr *JobResult) error {
	raw, err := json.MarshalIndent(jr, "", "  ")
	if err != nil {
		return fmt.Errorf("encode job result: %w", err)
	}
	return os.WriteFile(filepath.Join(folder, "calibration.json"), raw, 0o644)
}

func roiFromSlice(v []float64) (vision.ROI, bool) {
	if len(v) != 4 {
		return vision.ROI{}, false
	}
	roi := vision.NewROI(v[0], v[1], v[2], v[3])
	if !roi.Valid() {
		return vision.ROI{}, false
	}
	return roi, true
}

func roiToSlice(roi vision.ROI) []float64 {
	return []float64{roi.X, roi.Y, roi.W, roi.H}
}
