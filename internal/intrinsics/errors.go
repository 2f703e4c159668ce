package intrinsics

import (
	"errors"
	"fmt"
)

// ErrInsufficientCalibrationData matches every *InsufficientDataError.
var ErrInsufficientCalibrationData = errors.New("insufficient calibration data")

// InsufficientDataError is returned when too few frames had a usable board.
// It is fatal for the camera.
type InsufficientDataError struct {
	CameraID string
	Valid    int
	Required int
	// Frames lists the frame indices that were usable.
	Frames []int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("camera %s: insufficient calibration data: %d valid frames, need %d (usable frames %v)",
		e.CameraID, e.Valid, e.Required, e.Frames)
}

// Is lets errors.Is(err, ErrInsufficientCalibrationData) match.
func (e *InsufficientDataError) Is(target error) bool {
	return target == ErrInsufficientCalibrationData
}
