package triangulate

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientViews is returned by Point for fewer than two views.
	ErrInsufficientViews = errors.New("insufficient views")
	// ErrDegenerateGeometry is returned by Point when the rays have no
	// finite least-squares intersection.
	ErrDegenerateGeometry = errors.New("degenerate geometry")
	// ErrInsufficientValidFrames matches *InsufficientFramesError.
	ErrInsufficientValidFrames = errors.New("too few frames with reconstructed keypoints")
)

// InsufficientFramesError reports a trial where too few frames produced any
// present keypoint.
type InsufficientFramesError struct {
	Trial    string
	Valid    int
	Required int
}

func (e *InsufficientFramesError) Error() string {
	return fmt.Sprintf("trial %s: only %d frames with reconstructed keypoints, need %d", e.Trial, e.Valid, e.Required)
}

// Is lets errors.Is(err, ErrInsufficientValidFrames) match.
func (e *InsufficientFramesError) Is(target error) bool { return target == ErrInsufficientValidFrames }
