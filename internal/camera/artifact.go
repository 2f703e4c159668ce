package camera

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/multicam/internal/geometry"
	"github.com/golang/geo/r3"
)

// ArtifactVersion is the current calibration artifact schema version.
const ArtifactVersion = 1

// Artifact is the serialized form of a camera calibration. It is consumed at
// the start of a session and never mutated afterwards.
type Artifact struct {
	Version           int        `json:"version"`
	CameraID          string     `json:"camera_id"`
	Model             string     `json:"model,omitempty"`
	Intrinsics        Intrinsics `json:"intrinsics"`
	Distortion        Distortion `json:"distortion"`
	ImageSize         ImageSize  `json:"image_size"`
	Rotation          [9]float64 `json:"rotation"`
	Translation       [3]float64 `json:"translation_m"`
	ReprojectionError float64    `json:"reprojection_error_px"`
	CreatedAtNs       int64      `json:"created_at_ns"`
}

// NewArtifact captures a resolved camera as an artifact.
func NewArtifact(c CameraParameters) (Artifact, error) {
	if !c.PoseResolved {
		return Artifact{}, fmt.Errorf("%w: %s", ErrUnresolvedPose, c.ID)
	}
	return Artifact{
		Version:           ArtifactVersion,
		CameraID:          c.ID,
		Model:             c.Model,
		Intrinsics:        c.Intrinsics,
		Distortion:        c.Distortion,
		ImageSize:         c.Size,
		Rotation:          c.Rotation,
		Translation:       [3]float64{c.Translation.X, c.Translation.Y, c.Translation.Z},
		ReprojectionError: c.ReprojectionError,
		CreatedAtNs:       time.Now().UnixNano(),
	}, nil
}

// Parameters converts the artifact back into camera parameters.
func (a Artifact) Parameters() (CameraParameters, error) {
	if a.Version != ArtifactVersion {
		return CameraParameters{}, fmt.Errorf("unsupported calibration artifact version %d (want %d)", a.Version, ArtifactVersion)
	}
	r := geometry.Mat3(a.Rotation)
	if !geometry.IsValidRotation(r, 1e-6) {
		return CameraParameters{}, fmt.Errorf("artifact for %s has an invalid rotation", a.CameraID)
	}
	return CameraParameters{
		ID:                a.CameraID,
		Model:             a.Model,
		Intrinsics:        a.Intrinsics,
		Distortion:        a.Distortion,
		Size:              a.ImageSize,
		Rotation:          r,
		Translation:       r3.Vector{X: a.Translation[0], Y: a.Translation[1], Z: a.Translation[2]},
		ReprojectionError: a.ReprojectionError,
		PoseResolved:      true,
	}, nil
}

// MarshalArtifact serializes a resolved camera.
func MarshalArtifact(c CameraParameters) ([]byte, error) {
	a, err := NewArtifact(c)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(a, "", "  ")
}

// UnmarshalArtifact parses an artifact blob.
func UnmarshalArtifact(data []byte) (CameraParameters, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return CameraParameters{}, fmt.Errorf("parse calibration artifact: %w", err)
	}
	return a.Parameters()
}
