package camera

import (
	"math"
	"sort"

	"github.com/banshee-data/multicam/internal/geometry"
	"github.com/golang/geo/r3"
)

// Intrinsics is the pinhole intrinsic matrix with zero skew.
type Intrinsics struct {
	Fx float64 `json:"fx"`
	Fy float64 `json:"fy"`
	Cx float64 `json:"cx"`
	Cy float64 `json:"cy"`
}

// Matrix returns K.
func (k Intrinsics) Matrix() geometry.Mat3 {
	return geometry.Mat3{k.Fx, 0, k.Cx, 0, k.Fy, k.Cy, 0, 0, 1}
}

// ToPixel maps distorted normalized coordinates to pixels.
func (k Intrinsics) ToPixel(x, y float64) geometry.Point2 {
	return geometry.Point2{X: k.Fx*x + k.Cx, Y: k.Fy*y + k.Cy}
}

// FromPixel maps pixels to distorted normalized coordinates.
func (k Intrinsics) FromPixel(p geometry.Point2) (x, y float64) {
	return (p.X - k.Cx) / k.Fx, (p.Y - k.Cy) / k.Fy
}

// Distortion holds the radial (K1, K2, K3) and tangential (P1, P2)
// coefficients of the Brown–Conrady model, in OpenCV order.
type Distortion struct {
	K1 float64 `json:"k1"`
	K2 float64 `json:"k2"`
	P1 float64 `json:"p1"`
	P2 float64 `json:"p2"`
	K3 float64 `json:"k3"`
}

// Coefficients returns [k1 k2 p1 p2 k3].
func (d Distortion) Coefficients() [5]float64 {
	return [5]float64{d.K1, d.K2, d.P1, d.P2, d.K3}
}

// Apply distorts ideal normalized coordinates.
func (d Distortion) Apply(x, y float64) (xd, yd float64) {
	r2 := x*x + y*y
	radial := 1 + r2*(d.K1+r2*(d.K2+r2*d.K3))
	xd = x*radial + 2*d.P1*x*y + d.P2*(r2+2*x*x)
	yd = y*radial + d.P1*(r2+2*y*y) + 2*d.P2*x*y
	return xd, yd
}

// Remove inverts Apply by fixed-point iteration.
func (d Distortion) Remove(xd, yd float64) (x, y float64) {
	x, y = xd, yd
	if d == (Distortion{}) {
		return x, y
	}
	for i := 0; i < 20; i++ {
		r2 := x*x + y*y
		icdist := 1 / (1 + r2*(d.K1+r2*(d.K2+r2*d.K3)))
		dx := 2*d.P1*x*y + d.P2*(r2+2*x*x)
		dy := d.P1*(r2+2*y*y) + 2*d.P2*x*y
		nx := (xd - dx) * icdist
		ny := (yd - dy) * icdist
		if math.Abs(nx-x) < 1e-14 && math.Abs(ny-y) < 1e-14 {
			return nx, ny
		}
		x, y = nx, ny
	}
	return x, y
}

// ImageSize is the frame resolution in pixels.
type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Diagonal returns the image diagonal in pixels.
func (s ImageSize) Diagonal() float64 {
	return math.Hypot(float64(s.Width), float64(s.Height))
}

// Pose maps world (board) coordinates into the camera frame: Xc = R·Xw + T.
type Pose struct {
	R geometry.Mat3
	T r3.Vector
}

// Apply transforms a world point into the camera frame.
func (p Pose) Apply(x r3.Vector) r3.Vector {
	return p.R.MulVec(x).Add(p.T)
}

// Center returns the camera center in world coordinates (−Rᵀ·T).
func (p Pose) Center() r3.Vector {
	return p.R.T().MulVec(p.T).Mul(-1)
}

// Project projects a world point through pose, distortion and intrinsics.
// depth is the camera-frame Z of the point; callers must reject depth <= 0.
func Project(k Intrinsics, d Distortion, pose Pose, x r3.Vector) (px geometry.Point2, depth float64) {
	c := pose.Apply(x)
	if c.Z == 0 {
		return geometry.Point2{X: math.NaN(), Y: math.NaN()}, 0
	}
	xd, yd := d.Apply(c.X/c.Z, c.Y/c.Z)
	return k.ToPixel(xd, yd), c.Z
}

// CameraParameters is the full calibration of one camera. It is immutable once
// the camera has been added to a sealed Registry.
type CameraParameters struct {
	ID         string
	Model      string
	Intrinsics Intrinsics
	Distortion Distortion
	Size       ImageSize
	// Rotation and Translation map board (world) coordinates into this camera.
	Rotation    geometry.Mat3
	Translation r3.Vector
	// ReprojectionError is the intrinsic calibration mean reprojection error
	// in pixels.
	ReprojectionError float64
	// PoseResolved is set once the extrinsic ambiguity has been resolved.
	PoseResolved bool
}

// Pose returns the extrinsic pose.
func (c CameraParameters) Pose() Pose {
	return Pose{R: c.Rotation, T: c.Translation}
}

// Project projects a world point into this camera's image.
func (c CameraParameters) Project(x r3.Vector) (geometry.Point2, float64) {
	return Project(c.Intrinsics, c.Distortion, c.Pose(), x)
}

// Undistort maps a pixel to ideal (undistorted) normalized coordinates.
func (c CameraParameters) Undistort(p geometry.Point2) (x, y float64) {
	xd, yd := c.Intrinsics.FromPixel(p)
	return c.Distortion.Remove(xd, yd)
}

// Center returns the camera center in world coordinates.
func (c CameraParameters) Center() r3.Vector {
	return c.Pose().Center()
}

const (
	minResolutionScale = 0.25
	maxResolutionScale = 4
)

// QualityFactor is the per-camera weight used by triangulation. Cameras with a
// worse intrinsic calibration contribute less, and the weight scales with the
// image diagonal relative to refDiagonal, normally the rig median. A
// non-positive refDiagonal leaves resolution out.
func (c CameraParameters) QualityFactor(refDiagonal float64) float64 {
	q := 1.0
	if c.ReprojectionError > 0 && !math.IsNaN(c.ReprojectionError) {
		q = 1 / (1 + c.ReprojectionError)
	}
	if diag := c.Size.Diagonal(); refDiagonal > 0 && diag > 0 {
		q *= math.Max(minResolutionScale, math.Min(maxResolutionScale, diag/refDiagonal))
	}
	return q
}

// MedianDiagonal returns the median image diagonal of cams, or 0 when none
// has a size.
func MedianDiagonal(cams []CameraParameters) float64 {
	diags := make([]float64, 0, len(cams))
	for _, c := range cams {
		if d := c.Size.Diagonal(); d > 0 {
			diags = append(diags, d)
		}
	}
	if len(diags) == 0 {
		return 0
	}
	sort.Float64s(diags)
	n := len(diags)
	if n%2 == 1 {
		return diags[n/2]
	}
	return (diags[n/2-1] + diags[n/2]) / 2
}

// MeanFocal returns (fx+fy)/2.
func (c CameraParameters) MeanFocal() float64 {
	return (c.Intrinsics.Fx + c.Intrinsics.Fy) / 2
}
