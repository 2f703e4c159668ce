// Package synth builds synthetic calibration and trial fixtures: cameras with
// known ground truth, rendered checkerboard frames, projected corner sets and
// keypoint streams with known time offsets. It is used by tests across the
// repository and by the pipeline's self-check.
package synth

import (
	"image"
	"image/color"
	"math"
	"math/rand"
	"strconv"

	"github.com/banshee-data/multicam/internal/camera"
	"github.com/banshee-data/multicam/internal/geometry"
	"github.com/golang/geo/r3"
)

// Gray levels used when rendering boards.
const (
	DarkLevel  = 30
	LightLevel = 220
)

// LookAt returns the pose of a camera at center looking at target, with the
// image y axis aligned as closely as possible with down (a world direction).
func LookAt(center, target, down r3.Vector) camera.Pose {
	z := target.Sub(center).Normalize()
	x := down.Cross(z).Normalize()
	y := z.Cross(x)
	r := geometry.Mat3{
		x.X, x.Y, x.Z,
		y.X, y.Y, y.Z,
		z.X, z.Y, z.Z,
	}
	return camera.Pose{R: r, T: r.MulVec(center).Mul(-1)}
}

// Camera returns a resolved camera with square pixels, principal point at the
// image center and the given pose and distortion.
func Camera(id string, size camera.ImageSize, focal float64, d camera.Distortion, pose camera.Pose) camera.CameraParameters {
	return camera.CameraParameters{
		ID:           id,
		Model:        "GenericCamera_" + id,
		Intrinsics:   camera.Intrinsics{Fx: focal, Fy: focal, Cx: float64(size.Width)/2 - 0.5, Cy: float64(size.Height)/2 - 0.5},
		Distortion:   d,
		Size:         size,
		Rotation:     pose.R,
		Translation:  pose.T,
		PoseResolved: true,
	}
}

// BackWallRig places n cameras on an arc in front of an upright back-wall
// board, all level and looking at the board center. Cameras sit at distance
// dist, spread over ±spreadDeg around the board normal, and elevation meters
// above (negative Y) the board center.
func BackWallRig(board camera.BoardGeometry, n int, size camera.ImageSize, focal, dist, spreadDeg, elevation float64) []camera.CameraParameters {
	target := board.Center()
	down := r3.Vector{Y: 1}
	cams := make([]camera.CameraParameters, n)
	for i := 0; i < n; i++ {
		theta := 0.0
		if n > 1 {
			theta = -spreadDeg + 2*spreadDeg*float64(i)/float64(n-1)
		}
		rad := theta * math.Pi / 180
		center := r3.Vector{
			X: target.X + dist*math.Sin(rad),
			Y: target.Y - elevation,
			Z: target.Z - dist*math.Cos(rad),
		}
		// Aim at the same height so the cameras stay level.
		aim := r3.Vector{X: target.X, Y: center.Y, Z: target.Z}
		pose := LookAt(center, aim, down)
		cams[i] = Camera(cameraID(i), size, focal, camera.Distortion{}, pose)
	}
	return cams
}

func cameraID(i int) string {
	return "Cam" + strconv.Itoa(i)
}

// ProjectBoard projects the board's inner corners through cam at pose.
// Corners behind the camera project to NaN.
func ProjectBoard(board camera.BoardGeometry, k camera.Intrinsics, d camera.Distortion, pose camera.Pose) []geometry.Point2 {
	obj := board.ObjectPoints()
	out := make([]geometry.Point2, len(obj))
	for i, p := range obj {
		px, depth := camera.Project(k, d, pose, p)
		if depth <= 0 {
			px = geometry.Point2{X: math.NaN(), Y: math.NaN()}
		}
		out[i] = px
	}
	return out
}

// AddNoise perturbs points with Gaussian noise of the given sigma in pixels.
func AddNoise(pts []geometry.Point2, sigma float64, rng *rand.Rand) []geometry.Point2 {
	out := make([]geometry.Point2, len(pts))
	for i, p := range pts {
		out[i] = geometry.Point2{X: p.X + rng.NormFloat64()*sigma, Y: p.Y + rng.NormFloat64()*sigma}
	}
	return out
}

// CalibrationPoses returns n board poses (board to camera) spread around a
// nominal distance with varied tilt, chosen so the whole board stays inside a
// camera with the given intrinsics and size.
func CalibrationPoses(board camera.BoardGeometry, k camera.Intrinsics, size camera.ImageSize, n int, dist float64, rng *rand.Rand) []camera.Pose {
	poses := make([]camera.Pose, 0, n)
	center := board.Center()
	for attempts := 0; len(poses) < n && attempts < 1000*n; attempts++ {
		rx := (rng.Float64()*2 - 1) * 30
		ry := (rng.Float64()*2 - 1) * 30
		rz := (rng.Float64()*2 - 1) * 15
		r := geometry.RotZ(rz).Mul(geometry.RotY(ry)).Mul(geometry.RotX(rx))
		offset := r3.Vector{
			X: (rng.Float64()*2 - 1) * 0.2 * dist,
			Y: (rng.Float64()*2 - 1) * 0.15 * dist,
			Z: dist * (0.8 + 0.4*rng.Float64()),
		}
		// Place the board center at offset in camera coordinates.
		t := offset.Sub(r.MulVec(center))
		pose := camera.Pose{R: r, T: t}
		if boardInside(board, k, size, pose, 10) {
			poses = append(poses, pose)
		}
	}
	return poses
}

func boardInside(board camera.BoardGeometry, k camera.Intrinsics, size camera.ImageSize, pose camera.Pose, margin float64) bool {
	// Check the outer square corners, not just the inner corners.
	s := board.SquareSize
	outer := []r3.Vector{
		{X: -s, Y: -s},
		{X: float64(board.Cols) * s, Y: -s},
		{X: -s, Y: float64(board.Rows) * s},
		{X: float64(board.Cols) * s, Y: float64(board.Rows) * s},
	}
	for _, p := range outer {
		px, depth := camera.Project(k, camera.Distortion{}, pose, p)
		if depth <= 0 {
			return false
		}
		if px.X < margin || px.Y < margin || px.X > float64(size.Width)-margin || px.Y > float64(size.Height)-margin {
			return false
		}
	}
	return true
}

// RenderBoard renders a checkerboard seen by a camera with intrinsics k and
// distortion d at pose. The board has one square beyond the outer inner-corner
// row and column on every side; the square diagonally outside inner corner
// (0,0) is dark. Each pixel averages supersample² samples.
func RenderBoard(board camera.BoardGeometry, k camera.Intrinsics, d camera.Distortion, size camera.ImageSize, pose camera.Pose, supersample int) *image.Gray {
	if supersample < 1 {
		supersample = 1
	}
	img := image.NewGray(image.Rect(0, 0, size.Width, size.Height))
	center := pose.Center()
	rt := pose.R.T()
	s := board.SquareSize
	step := 1.0 / float64(supersample)
	for y := 0; y < size.Height; y++ {
		for x := 0; x < size.Width; x++ {
			var sum float64
			for sy := 0; sy < supersample; sy++ {
				for sx := 0; sx < supersample; sx++ {
					// Pixel centers are at integer coordinates.
					px := geometry.Point2{
						X: float64(x) - 0.5 + (float64(sx)+0.5)*step,
						Y: float64(y) - 0.5 + (float64(sy)+0.5)*step,
					}
					sum += boardIntensity(board, s, k, d, center, rt, px)
				}
			}
			v := sum / float64(supersample*supersample)
			img.SetGray(x, y, color.Gray{Y: uint8(math.Round(v))})
		}
	}
	return img
}

func boardIntensity(board camera.BoardGeometry, s float64, k camera.Intrinsics, d camera.Distortion, center r3.Vector, rt geometry.Mat3, px geometry.Point2) float64 {
	xd, yd := k.FromPixel(px)
	xn, yn := d.Remove(xd, yd)
	dir := rt.MulVec(r3.Vector{X: xn, Y: yn, Z: 1})
	if dir.Z == 0 {
		return LightLevel
	}
	t := -center.Z / dir.Z
	if t <= 0 {
		return LightLevel
	}
	hit := center.Add(dir.Mul(t))
	// Square (i,j) spans X in [(i-1)s, i·s), Y in [(j-1)s, j·s).
	i := int(math.Floor(hit.X/s)) + 1
	j := int(math.Floor(hit.Y/s)) + 1
	if i < 0 || j < 0 || i > board.Cols || j > board.Rows {
		return LightLevel
	}
	if (i+j)%2 == 0 {
		return DarkLevel
	}
	return LightLevel
}

// Blur applies a box blur of the given radius, used to fabricate motion-blurred
// frames.
func Blur(src *image.Gray, radius int) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var sum, n int
			for dy := -radius; dy <= radius; dy++ {
				for dx := -radius; dx <= radius; dx++ {
					xx, yy := x+dx, y+dy
					if xx < b.Min.X || yy < b.Min.Y || xx >= b.Max.X || yy >= b.Max.Y {
						continue
					}
					sum += int(src.GrayAt(xx, yy).Y)
					n++
				}
			}
			dst.SetGray(x, y, color.Gray{Y: uint8(sum / n)})
		}
	}
	return dst
}
