package triangulate

import (
	"context"
	"math"

	"github.com/banshee-data/multicam/internal/camera"
	"github.com/banshee-data/multicam/internal/geometry"
	"github.com/banshee-data/multicam/internal/keypoints"
	"github.com/banshee-data/multicam/internal/lsq"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// View is one camera's observation of a point.
type View struct {
	Camera camera.CameraParameters
	Pixel  geometry.Point2
	Weight float64
}

// PointOptions controls a single point solve.
type PointOptions struct {
	Refine              bool
	MinRayAngleDeg      float64
	DegenerateResidualM float64
	MaxIterations       int
}

// Solution is a triangulated point.
type Solution struct {
	Position r3.Vector
	Residual float64
	Flags    keypoints.Flags
}

// Point triangulates views. Views with non-positive weight are ignored. It
// fails with ErrInsufficientViews for fewer than two views and with
// ErrDegenerateGeometry when the rays admit no finite intersection.
func Point(ctx context.Context, views []View, opts PointOptions) (Solution, error) {
	used := views[:0:0]
	for _, v := range views {
		if v.Weight > 0 {
			used = append(used, v)
		}
	}
	if len(used) < 2 {
		return Solution{Flags: keypoints.FlagInsufficientViews}, ErrInsufficientViews
	}

	norm := make([]r3.Vector, len(used))
	for i, v := range used {
		x, y := v.Camera.Undistort(v.Pixel)
		norm[i] = r3.Vector{X: x, Y: y, Z: 1}
	}

	x, ok := weightedDLT(used, norm)
	if !ok {
		return Solution{Flags: keypoints.FlagDegenerate}, ErrDegenerateGeometry
	}
	if opts.Refine {
		x = refine(ctx, used, x, opts.MaxIterations)
	}

	sol := Solution{Position: x, Residual: residual(used, norm, x)}
	degenerate := false
	for _, v := range used {
		if v.Camera.Pose().Apply(x).Z <= 0 {
			degenerate = true
		}
	}
	if len(used) == 2 && rayAngle(used, norm) < opts.MinRayAngleDeg*math.Pi/180 {
		degenerate = true
	}
	if degenerate {
		sol.Flags |= keypoints.FlagDegenerate
		sol.Residual = math.Max(sol.Residual, opts.DegenerateResidualM)
	}
	return sol, nil
}

// weightedDLT solves Σ w²·|x·P₃ − P₁|² + |y·P₃ − P₂|² for the homogeneous
// point via SVD. Weights are scaled so the largest is 1.
func weightedDLT(views []View, norm []r3.Vector) (r3.Vector, bool) {
	maxW := 0.0
	for _, v := range views {
		maxW = math.Max(maxW, v.Weight)
	}
	a := mat.NewDense(2*len(views), 4, nil)
	for i, v := range views {
		w := v.Weight / maxW
		r, t := v.Camera.Rotation, v.Camera.Translation
		p := [3][4]float64{
			{r[0], r[1], r[2], t.X},
			{r[3], r[4], r[5], t.Y},
			{r[6], r[7], r[8], t.Z},
		}
		for c := 0; c < 4; c++ {
			a.Set(2*i, c, w*(norm[i].X*p[2][c]-p[0][c]))
			a.Set(2*i+1, c, w*(norm[i].Y*p[2][c]-p[1][c]))
		}
	}
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return r3.Vector{}, false
	}
	var vt mat.Dense
	svd.VTo(&vt)
	h := mat.Col(nil, 3, &vt)
	if math.Abs(h[3]) < 1e-12 {
		return r3.Vector{}, false
	}
	return r3.Vector{X: h[0] / h[3], Y: h[1] / h[3], Z: h[2] / h[3]}, true
}

// refine minimizes weighted pixel reprojection error over the point. The DLT
// estimate is kept when the solve fails or gets worse.
func refine(ctx context.Context, views []View, x0 r3.Vector, maxIter int) r3.Vector {
	obs := make([]float64, 0, 2*len(views))
	for _, v := range views {
		obs = append(obs, v.Pixel.X, v.Pixel.Y)
	}
	prob := lsq.Problem{
		NumResiduals: 2 * len(views),
		Residuals: func(dst, p []float64) {
			x := r3.Vector{X: p[0], Y: p[1], Z: p[2]}
			for i, v := range views {
				px, _ := v.Camera.Project(x)
				s := math.Sqrt(v.Weight)
				dst[2*i] = s * (px.X - obs[2*i])
				dst[2*i+1] = s * (px.Y - obs[2*i+1])
			}
		},
	}
	start := []float64{x0.X, x0.Y, x0.Z}
	res, err := lsq.Minimize(ctx, prob, start, &lsq.Settings{MaxIterations: maxIter})
	if err != nil || lsq.RMS(prob, res.X) > lsq.RMS(prob, start) {
		return x0
	}
	return r3.Vector{X: res.X[0], Y: res.X[1], Z: res.X[2]}
}

// residual is the weighted RMS, in meters, of each view's normalized
// reprojection error scaled by the point's depth in that camera.
func residual(views []View, norm []r3.Vector, x r3.Vector) float64 {
	var sum, wsum float64
	for i, v := range views {
		xc := v.Camera.Pose().Apply(x)
		if xc.Z == 0 {
			continue
		}
		dx := xc.X/xc.Z - norm[i].X
		dy := xc.Y/xc.Z - norm[i].Y
		e := math.Hypot(dx, dy) * math.Abs(xc.Z)
		sum += v.Weight * e * e
		wsum += v.Weight
	}
	if wsum == 0 {
		return 0
	}
	return math.Sqrt(sum / wsum)
}

// rayAngle returns the largest pairwise angle between the views' rays.
func rayAngle(views []View, norm []r3.Vector) float64 {
	dirs := make([]r3.Vector, len(views))
	for i, v := range views {
		dirs[i] = v.Camera.Rotation.T().MulVec(norm[i])
	}
	best := 0.0
	for i := range dirs {
		for j := i + 1; j < len(dirs); j++ {
			best = math.Max(best, geometry.AngleBetween(dirs[i], dirs[j]))
		}
	}
	return best
}
