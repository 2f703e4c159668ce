package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/banshee-data/multicam/internal/camera"
	"gopkg.in/yaml.v3"
)

// CheckerBoardMetadata is the checkerBoard block of sessionMetadata.yaml. The
// corner counts are inner corners (black-to-black corners) along the board's
// width and height.
type CheckerBoardMetadata struct {
	CornersWidth     int     `yaml:"black2BlackCornersWidth_n"`
	CornersHeight    int     `yaml:"black2BlackCornersHeight_n"`
	SquareSideLength float64 `yaml:"squareSideLength_mm"`
	Placement        string  `yaml:"placement"`
	Orientation      string  `yaml:"orientation,omitempty"`
}

// SessionMetadata is the subset of sessionMetadata.yaml read by the pipeline.
// Subject fields are passed through to the exported files.
type SessionMetadata struct {
	SubjectID    string               `yaml:"subjectID,omitempty"`
	MassKg       float64              `yaml:"mass_kg,omitempty"`
	HeightM      float64              `yaml:"height_m,omitempty"`
	CheckerBoard CheckerBoardMetadata `yaml:"checkerBoard"`
	CameraModel  map[string]string    `yaml:"cameraModel,omitempty"`
	CamerasToUse []string             `yaml:"camerastouse,omitempty"`
	FrameRate    float64              `yaml:"frameRate,omitempty"`
}

// LoadSessionMetadata reads and validates a session metadata YAML file.
func LoadSessionMetadata(path string) (*SessionMetadata, error) {
	cleanPath := filepath.Clean(path)
	switch filepath.Ext(cleanPath) {
	case ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("session metadata must be a .yaml file, got %q", filepath.Ext(cleanPath))
	}
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("stat session metadata: %w", err)
	}
	if fileInfo.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("session metadata too large: %d bytes (max %d)", fileInfo.Size(), maxConfigFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("read session metadata: %w", err)
	}
	return ParseSessionMetadata(data)
}

// ParseSessionMetadata parses session metadata YAML.
func ParseSessionMetadata(data []byte) (*SessionMetadata, error) {
	var md SessionMetadata
	if err := yaml.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("parse session metadata: %w", err)
	}
	if _, err := md.Board(); err != nil {
		return nil, err
	}
	return &md, nil
}

// Board converts the checkerBoard block into board geometry in meters.
func (m *SessionMetadata) Board() (camera.BoardGeometry, error) {
	mount, err := camera.ParseMount(m.CheckerBoard.Placement)
	if err != nil {
		return camera.BoardGeometry{}, err
	}
	orientation, err := camera.ParseOrientation(m.CheckerBoard.Orientation)
	if err != nil {
		return camera.BoardGeometry{}, err
	}
	b := camera.BoardGeometry{
		Cols:        m.CheckerBoard.CornersWidth,
		Rows:        m.CheckerBoard.CornersHeight,
		SquareSize:  m.CheckerBoard.SquareSideLength / 1000,
		Mount:       mount,
		Orientation: orientation,
	}
	if err := b.Validate(); err != nil {
		return camera.BoardGeometry{}, fmt.Errorf("checkerBoard: %w", err)
	}
	return b, nil
}

// ModelFor returns the configured camera model, or a generic name keyed by
// the camera id.
func (m *SessionMetadata) ModelFor(cameraID string) string {
	if model, ok := m.CameraModel[cameraID]; ok && model != "" {
		return model
	}
	return "GenericCamera_" + cameraID
}

// SelectCameras filters available camera ids by camerastouse. An empty list
// or the single entry "all" keeps every camera. Requested cameras that are
// not available are reported as an error.
func (m *SessionMetadata) SelectCameras(available []string) ([]string, error) {
	out := append([]string(nil), available...)
	sort.Strings(out)
	if len(m.CamerasToUse) == 0 || (len(m.CamerasToUse) == 1 && m.CamerasToUse[0] == "all") {
		return out, nil
	}
	have := make(map[string]bool, len(available))
	for _, id := range available {
		have[id] = true
	}
	selected := make([]string, 0, len(m.CamerasToUse))
	for _, id := range m.CamerasToUse {
		if !have[id] {
			return nil, fmt.Errorf("camera %q listed in camerastouse has no data", id)
		}
		selected = append(selected, id)
	}
	sort.Strings(selected)
	return selected, nil
}
