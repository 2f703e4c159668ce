package camera

import (
	"fmt"
	"strings"

	"github.com/banshee-data/multicam/internal/geometry"
	"github.com/golang/geo/r3"
)

// Mount describes how the calibration board was placed in the capture volume.
type Mount string

const (
	// MountBackWall is a board hung vertically on the wall facing the cameras.
	MountBackWall Mount = "back_wall"
	// MountGround is a board lying flat on the floor.
	MountGround Mount = "ground"
	// MountIdentity leaves coordinates in the board frame. Used for data that
	// has already been transformed and for debugging.
	MountIdentity Mount = "identity"
)

// ParseMount accepts the canonical names plus the placement names used in
// session metadata files (backWall, Perpendicular, ground, Lying).
func ParseMount(s string) (Mount, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "back_wall", "backwall", "back wall", "perpendicular":
		return MountBackWall, nil
	case "ground", "lying":
		return MountGround, nil
	case "identity", "none":
		return MountIdentity, nil
	default:
		return "", fmt.Errorf("checkerboard placement %q is not supported", s)
	}
}

// Orientation is the board's rotation within its plane: whether its first
// inner-corner row is at the top (upright) or at the bottom (upside down).
type Orientation string

const (
	OrientationUnknown    Orientation = ""
	OrientationUpright    Orientation = "upright"
	OrientationUpsideDown Orientation = "upside_down"
)

// ParseOrientation accepts upright/upside_down (and a few spellings); an empty
// string means the orientation is not configured.
func ParseOrientation(s string) (Orientation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto", "unknown":
		return OrientationUnknown, nil
	case "upright":
		return OrientationUpright, nil
	case "upside_down", "upsidedown", "upside-down", "upside down":
		return OrientationUpsideDown, nil
	default:
		return OrientationUnknown, fmt.Errorf("board orientation %q is not supported", s)
	}
}

// BoardGeometry is the known layout of the checkerboard's inner corners.
// Object points lie on Z=0 with X along columns and Y along rows; on an
// upright board Y points down and Z points away from the cameras.
type BoardGeometry struct {
	Cols        int         `json:"cols"`
	Rows        int         `json:"rows"`
	SquareSize  float64     `json:"square_size_m"`
	Mount       Mount       `json:"mount"`
	Orientation Orientation `json:"orientation,omitempty"`
}

// NumCorners returns Cols×Rows.
func (b BoardGeometry) NumCorners() int { return b.Cols * b.Rows }

// Validate checks that the board can be detected and calibrated against.
func (b BoardGeometry) Validate() error {
	if b.Cols < 2 || b.Rows < 2 {
		return fmt.Errorf("board must have at least 2×2 inner corners, got %d×%d", b.Cols, b.Rows)
	}
	if b.SquareSize <= 0 {
		return fmt.Errorf("board square size must be positive, got %v", b.SquareSize)
	}
	return nil
}

// ObjectPoints returns the 3D board coordinates of the inner corners in
// row-major order (index = row*Cols + col).
func (b BoardGeometry) ObjectPoints() []r3.Vector {
	pts := make([]r3.Vector, 0, b.NumCorners())
	for row := 0; row < b.Rows; row++ {
		for col := 0; col < b.Cols; col++ {
			pts = append(pts, r3.Vector{
				X: float64(col) * b.SquareSize,
				Y: float64(row) * b.SquareSize,
			})
		}
	}
	return pts
}

// PlanePoints returns ObjectPoints projected onto the board plane.
func (b BoardGeometry) PlanePoints() []geometry.Point2 {
	obj := b.ObjectPoints()
	pts := make([]geometry.Point2, len(obj))
	for i, p := range obj {
		pts[i] = geometry.Point2{X: p.X, Y: p.Y}
	}
	return pts
}

// Center returns the centroid of the inner corners.
func (b BoardGeometry) Center() r3.Vector {
	return r3.Vector{
		X: float64(b.Cols-1) * b.SquareSize / 2,
		Y: float64(b.Rows-1) * b.SquareSize / 2,
	}
}
