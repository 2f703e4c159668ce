package syncer

import (
	"errors"
	"fmt"
)

// ErrSyncUnresolved matches every *UnresolvedError.
var ErrSyncUnresolved = errors.New("synchronization unresolved")

// UnresolvedError reports a trial whose cameras could not be aligned. It is
// fatal for the trial's triangulation.
type UnresolvedError struct {
	Trial    string
	CameraID string
	Peak     float64
	Reason   string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("trial %s: camera %s: synchronization unresolved: %s (peak correlation %.3f)", e.Trial, e.CameraID, e.Reason, e.Peak)
}

// Is lets errors.Is(err, ErrSyncUnresolved) match.
func (e *UnresolvedError) Is(target error) bool { return target == ErrSyncUnresolved }
