package corners

import (
	"errors"
	"fmt"

	"github.com/banshee-data/multicam/internal/config"
	"github.com/banshee-data/multicam/internal/geometry"
)

// FailureReason says why a frame produced no corners.
type FailureReason string

const (
	ReasonNone     FailureReason = ""
	ReasonNotFound FailureReason = "not_found"
	ReasonPartial  FailureReason = "partial_pattern"
	ReasonBlurred  FailureReason = "blurred"
)

// Observation is the corner set found in one frame of one camera. Corners are
// in row-major board order (index = row*cols + col) and in pixel coordinates
// of the input frame.
type Observation struct {
	CameraID  string            `json:"camera_id,omitempty"`
	Frame     int               `json:"frame"`
	Corners   []geometry.Point2 `json:"corners,omitempty"`
	Valid     bool              `json:"valid"`
	Reason    FailureReason     `json:"reason,omitempty"`
	Sharpness float64           `json:"sharpness"`
}

// ErrDetectionFailure matches every *DetectionFailure with errors.Is.
var ErrDetectionFailure = errors.New("checkerboard not detected")

// DetectionFailure is the per-frame, non-fatal detection error.
type DetectionFailure struct {
	Frame     int
	Reason    FailureReason
	Found     int
	Expected  int
	Sharpness float64
}

func (e *DetectionFailure) Error() string {
	switch e.Reason {
	case ReasonBlurred:
		return fmt.Sprintf("frame %d: checkerboard not detected: blurred (sharpness %.1f)", e.Frame, e.Sharpness)
	case ReasonPartial:
		return fmt.Sprintf("frame %d: checkerboard not detected: partial pattern (%d of %d corners)", e.Frame, e.Found, e.Expected)
	default:
		return fmt.Sprintf("frame %d: checkerboard not detected (%d candidates, %d expected)", e.Frame, e.Found, e.Expected)
	}
}

// Is lets errors.Is(err, ErrDetectionFailure) match.
func (e *DetectionFailure) Is(target error) bool { return target == ErrDetectionFailure }

// Options tunes the detector. Use OptionsFromConfig for configured values.
type Options struct {
	UpsampleFactor int
	MinSharpness   float64
	Sigma          float64
	NMSRadius      int
	RingRadius     float64
	MinContrast    float64
	SubpixelWindow int
}

// DefaultOptions returns the detector defaults.
func DefaultOptions() Options {
	return OptionsFromConfig(config.EmptyPipelineConfig())
}

// OptionsFromConfig reads detector options from the pipeline config.
func OptionsFromConfig(cfg *config.PipelineConfig) Options {
	return Options{
		UpsampleFactor: cfg.GetImageUpsampleFactor(),
		MinSharpness:   cfg.GetMinSharpness(),
		Sigma:          cfg.GetCornerSigma(),
		NMSRadius:      cfg.GetCornerNMSRadius(),
		RingRadius:     cfg.GetCornerRingRadius(),
		MinContrast:    cfg.GetCornerMinContrast(),
		SubpixelWindow: cfg.GetSubpixelWindow(),
	}
}

// DetectionStats summarizes a batch of detections.
type DetectionStats struct {
	Attempted int                   `json:"attempted"`
	Found     int                   `json:"found"`
	Failures  map[FailureReason]int `json:"failures,omitempty"`
}

// SuccessRate returns Found/Attempted, or 0 for an empty batch.
func (s DetectionStats) SuccessRate() float64 {
	if s.Attempted == 0 {
		return 0
	}
	return float64(s.Found) / float64(s.Attempted)
}

func (s *DetectionStats) add(o Observation) {
	s.Attempted++
	if o.Valid {
		s.Found++
		return
	}
	if s.Failures == nil {
		s.Failures = make(map[FailureReason]int)
	}
	s.Failures[o.Reason]++
}
