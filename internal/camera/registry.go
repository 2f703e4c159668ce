package camera

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/banshee-data/multicam/internal/geometry"
)

var (
	// ErrRegistrySealed is returned when adding to a sealed registry.
	ErrRegistrySealed = errors.New("camera registry is sealed")
	// ErrRegistryNotSealed is returned by consumers that require a frozen
	// calibration.
	ErrRegistryNotSealed = errors.New("camera registry is not sealed")
	// ErrUnresolvedPose is returned when a camera without a resolved
	// extrinsic pose is registered.
	ErrUnresolvedPose = errors.New("camera has no resolved extrinsic pose")
)

// Registry is the session's set of calibrated cameras keyed by camera ID. It is
// filled while calibration runs and sealed before synchronization; after Seal
// it is read-only and safe to share between goroutines.
type Registry struct {
	mu      sync.RWMutex
	cameras map[string]CameraParameters
	sealed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{cameras: make(map[string]CameraParameters)}
}

// Add registers a calibrated camera. The camera must have a resolved pose with
// a proper rotation and positive focal lengths.
func (r *Registry) Add(c CameraParameters) error {
	if c.ID == "" {
		return errors.New("camera id must not be empty")
	}
	if !c.PoseResolved {
		return fmt.Errorf("%w: %s", ErrUnresolvedPose, c.ID)
	}
	if !geometry.IsValidRotation(c.Rotation, 1e-6) {
		return fmt.Errorf("camera %s: rotation is not orthonormal", c.ID)
	}
	if c.Intrinsics.Fx <= 0 || c.Intrinsics.Fy <= 0 {
		return fmt.Errorf("camera %s: focal lengths must be positive (fx=%v fy=%v)", c.ID, c.Intrinsics.Fx, c.Intrinsics.Fy)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("%w: cannot add %s", ErrRegistrySealed, c.ID)
	}
	if _, exists := r.cameras[c.ID]; exists {
		return fmt.Errorf("camera %s already registered", c.ID)
	}
	r.cameras[c.ID] = c
	return nil
}

// Seal freezes the registry. At least two cameras are required for
// triangulation.
func (r *Registry) Seal() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return nil
	}
	if len(r.cameras) < 2 {
		return fmt.Errorf("need at least 2 calibrated cameras to seal, have %d", len(r.cameras))
	}
	r.sealed = true
	return nil
}

// Sealed reports whether Seal has succeeded.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Get returns a copy of the camera's parameters.
func (r *Registry) Get(id string) (CameraParameters, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cameras[id]
	return c, ok
}

// IDs returns the registered camera IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.cameras))
	for id := range r.cameras {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered cameras.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cameras)
}

// All returns copies of every camera in ID order.
func (r *Registry) All() []CameraParameters {
	ids := r.IDs()
	out := make([]CameraParameters, 0, len(ids))
	for _, id := range ids {
		c, _ := r.Get(id)
		out = append(out, c)
	}
	return out
}
