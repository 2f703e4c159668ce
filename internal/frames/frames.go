// Package frames remaps reconstructed keypoints from the board-defined world
// frame into the Y-up frame expected by the musculoskeletal tooling.
package frames

import (
	"fmt"

	"github.com/banshee-data/multicam/internal/camera"
	"github.com/banshee-data/multicam/internal/geometry"
	"github.com/banshee-data/multicam/internal/keypoints"
	"github.com/banshee-data/multicam/internal/monitoring"
	"github.com/golang/geo/r3"
)

// Transform is a fixed rotation from the board frame to the output frame.
type Transform struct {
	Mount       camera.Mount       `json:"mount"`
	Orientation camera.Orientation `json:"orientation"`
	Rotation    geometry.Mat3      `json:"rotation"`
}

// New returns the transform for a mount and orientation. An unknown
// orientation on a back wall board is treated as upright.
func New(mount camera.Mount, orientation camera.Orientation) (Transform, error) {
	t := Transform{Mount: mount, Orientation: orientation}
	switch mount {
	case camera.MountBackWall:
		if orientation == camera.OrientationUpsideDown {
			t.Rotation = geometry.RotY(-90)
		} else {
			t.Orientation = camera.OrientationUpright
			t.Rotation = geometry.RotZ(180).Mul(geometry.RotY(90))
		}
	case camera.MountGround:
		t.Rotation = geometry.RotY(90).Mul(geometry.RotX(90))
	case camera.MountIdentity:
		t.Rotation = geometry.Identity3()
	default:
		return Transform{}, fmt.Errorf("unsupported board mount %q", mount)
	}
	return t, nil
}

// DetectOrientation reports the board as upside down when the majority of
// cameras see its Y axis pointing up in the image.
func DetectOrientation(cams []camera.CameraParameters) camera.Orientation {
	up := 0
	for _, c := range cams {
		if c.Rotation[4] < 0 {
			up++
		}
	}
	if 2*up > len(cams) {
		return camera.OrientationUpsideDown
	}
	return camera.OrientationUpright
}

// ForRig builds the transform for a calibrated rig. A configured orientation
// wins over detection; disagreement is logged.
func ForRig(board camera.BoardGeometry, reg *camera.Registry) (Transform, error) {
	detected := DetectOrientation(reg.All())
	orientation := board.Orientation
	switch {
	case orientation == camera.OrientationUnknown:
		orientation = detected
	case orientation != detected && board.Mount == camera.MountBackWall:
		monitoring.Warnf("frames", "configured board orientation %s but cameras see %s", orientation, detected)
	}
	return New(board.Mount, orientation)
}

// ApplyPoint maps a board-frame point into the output frame.
func (t Transform) ApplyPoint(p r3.Vector) r3.Vector { return t.Rotation.MulVec(p) }

// InversePoint maps an output-frame point back into the board frame.
func (t Transform) InversePoint(p r3.Vector) r3.Vector { return t.Rotation.T().MulVec(p) }

// Apply returns a rotated copy of frames. Missing points are copied as is.
func (t Transform) Apply(frames []keypoints.Frame3D) []keypoints.Frame3D {
	return remap(frames, t.ApplyPoint)
}

// Inverse undoes Apply.
func (t Transform) Inverse(frames []keypoints.Frame3D) []keypoints.Frame3D {
	return remap(frames, t.InversePoint)
}

func remap(frames []keypoints.Frame3D, f func(r3.Vector) r3.Vector) []keypoints.Frame3D {
	out := make([]keypoints.Frame3D, len(frames))
	for i, fr := range frames {
		pts := make([]keypoints.Keypoint3D, len(fr.Points))
		for j, p := range fr.Points {
			if p.Present {
				p.Position = f(p.Position)
			}
			pts[j] = p
		}
		out[i] = keypoints.Frame3D{Frame: fr.Frame, Points: pts}
	}
	return out
}
