package intrinsics

import (
	"context"
	"fmt"
	"math"

	"github.com/banshee-data/multicam/internal/camera"
	"github.com/banshee-data/multicam/internal/config"
	"github.com/banshee-data/multicam/internal/corners"
	"github.com/banshee-data/multicam/internal/geometry"
	"github.com/banshee-data/multicam/internal/lsq"
	"github.com/banshee-data/multicam/internal/monitoring"
	"github.com/golang/geo/r3"
)

const (
	stage = "intrinsics"

	// minFocalRatio and maxFocalRatio bound fx/fy before a warning is raised.
	minFocalRatio = 0.66
	maxFocalRatio = 1.5

	numIntrinsicParams = 9 // fx fy cx cy k1 k2 p1 p2 k3
	numPoseParams      = 6 // Rodrigues vector, translation

	// wideAngleRadius is the normalized half-diagonal above which the sixth
	// order radial term is fitted. Narrower lenses hold k3 at zero.
	wideAngleRadius = 1.0
)

var logf = monitoring.Prefixed(stage)

// CalibrationSet is every corner observation collected for one camera.
type CalibrationSet struct {
	CameraID     string
	Model        string
	Board        camera.BoardGeometry
	Size         camera.ImageSize
	Observations []corners.Observation
}

// Options tunes the estimator.
type Options struct {
	MinFrames              int
	MaxReprojectionErrorPx float64
	MaxIterations          int
}

// OptionsFromConfig reads estimator options from the pipeline config.
func OptionsFromConfig(cfg *config.PipelineConfig) Options {
	return Options{
		MinFrames:              cfg.GetMinCalibrationFrames(),
		MaxReprojectionErrorPx: cfg.GetMaxReprojectionErrorPx(),
		MaxIterations:          cfg.GetMaxIterations(),
	}
}

// FrameError is the RMS reprojection error of one calibration frame.
type FrameError struct {
	Frame int     `json:"frame"`
	RMS   float64 `json:"rms_px"`
}

// Result is a completed intrinsic calibration.
type Result struct {
	CameraID   string            `json:"camera_id"`
	Model      string            `json:"model,omitempty"`
	Intrinsics camera.Intrinsics `json:"intrinsics"`
	Distortion camera.Distortion `json:"distortion"`
	Size       camera.ImageSize  `json:"image_size"`
	// MeanError is the mean over frames of the per-frame RMS pixel error.
	MeanError   float64       `json:"mean_error_px"`
	FrameErrors []FrameError  `json:"frame_errors"`
	Poses       []camera.Pose `json:"-"`
	Warnings    []string      `json:"warnings,omitempty"`
	Iterations  int           `json:"iterations"`
	Converged   bool          `json:"converged"`
	// FixedK3 is set when k3 was held at zero during refinement.
	FixedK3 bool `json:"fixed_k3"`
}

// UsedFrames returns the frame indices that entered the calibration.
func (r Result) UsedFrames() []int {
	out := make([]int, len(r.FrameErrors))
	for i, fe := range r.FrameErrors {
		out[i] = fe.Frame
	}
	return out
}

// Parameters returns camera parameters carrying these intrinsics. The pose is
// left unresolved.
func (r Result) Parameters() camera.CameraParameters {
	return camera.CameraParameters{
		ID:                r.CameraID,
		Model:             r.Model,
		Intrinsics:        r.Intrinsics,
		Distortion:        r.Distortion,
		Size:              r.Size,
		Rotation:          geometry.Identity3(),
		ReprojectionError: r.MeanError,
	}
}

// Estimate calibrates one camera. Fewer valid observations than
// opts.MinFrames yields an *InsufficientDataError. A high reprojection error
// or an unusual focal ratio are reported as warnings, not errors.
func Estimate(ctx context.Context, set CalibrationSet, opts Options) (Result, error) {
	if err := set.Board.Validate(); err != nil {
		return Result{}, err
	}
	if set.Size.Width <= 0 || set.Size.Height <= 0 {
		return Result{}, fmt.Errorf("camera %s: invalid image size %dx%d", set.CameraID, set.Size.Width, set.Size.Height)
	}
	minFrames := opts.MinFrames
	if minFrames < 3 {
		minFrames = 3
	}

	plane := set.Board.PlanePoints()
	var (
		frames       []corners.Observation
		homographies []geometry.Mat3
	)
	for _, o := range set.Observations {
		if !o.Valid || len(o.Corners) != set.Board.NumCorners() {
			continue
		}
		h, err := geometry.EstimateHomography(plane, o.Corners)
		if err != nil {
			logf("%s: skipping frame %d: %v", set.CameraID, o.Frame, err)
			continue
		}
		frames = append(frames, o)
		homographies = append(homographies, h)
	}
	if len(frames) < minFrames {
		used := make([]int, len(frames))
		for i, o := range frames {
			used[i] = o.Frame
		}
		return Result{}, &InsufficientDataError{CameraID: set.CameraID, Valid: len(frames), Required: minFrames, Frames: used}
	}

	k0, err := closedForm(homographies, set.Size)
	if err != nil {
		k0 = focalOnly(homographies, set.Size)
		logf("%s: closed form unavailable, starting from f=%.1f at image center", set.CameraID, k0.Fx)
	}

	nIntr := numIntrinsicParams
	fixedK3 := !fitsK3(k0, set.Size)
	if fixedK3 {
		nIntr--
	}
	x0 := make([]float64, nIntr+numPoseParams*len(frames))
	x0[0], x0[1], x0[2], x0[3] = k0.Fx, k0.Fy, k0.Cx, k0.Cy
	for i, h := range homographies {
		pose, ok := poseFromHomography(k0, h)
		if !ok {
			return Result{}, fmt.Errorf("camera %s frame %d: cannot initialize board pose", set.CameraID, frames[i].Frame)
		}
		setPose(x0[nIntr+numPoseParams*i:], pose)
	}

	objects := set.Board.ObjectPoints()
	problem := lsq.Problem{
		NumResiduals: 2 * len(objects) * len(frames),
		Residuals: func(dst, x []float64) {
			k, d := unpackIntrinsics(x[:nIntr])
			n := 0
			for i, o := range frames {
				pose := getPose(x[nIntr+numPoseParams*i:])
				for j, obj := range objects {
					px, _ := camera.Project(k, d, pose, obj)
					dst[n] = px.X - o.Corners[j].X
					dst[n+1] = px.Y - o.Corners[j].Y
					n += 2
				}
			}
		},
	}
	res, err := lsq.Minimize(ctx, problem, x0, &lsq.Settings{MaxIterations: opts.MaxIterations})
	if err != nil {
		return Result{}, fmt.Errorf("camera %s: refine intrinsics: %w", set.CameraID, err)
	}

	k, d := unpackIntrinsics(res.X[:nIntr])
	out := Result{
		CameraID:   set.CameraID,
		Model:      set.Model,
		Intrinsics: k,
		Distortion: d,
		Size:       set.Size,
		Iterations: res.Iterations,
		Converged:  res.Converged,
		FixedK3:    fixedK3,
	}
	var sum float64
	for i, o := range frames {
		pose := getPose(res.X[nIntr+numPoseParams*i:])
		rms := frameRMS(k, d, pose, objects, o.Corners)
		out.Poses = append(out.Poses, pose)
		out.FrameErrors = append(out.FrameErrors, FrameError{Frame: o.Frame, RMS: rms})
		sum += rms
	}
	out.MeanError = sum / float64(len(frames))

	if opts.MaxReprojectionErrorPx > 0 && out.MeanError > opts.MaxReprojectionErrorPx {
		out.warn("mean reprojection error %.3f px exceeds %.3f px", out.MeanError, opts.MaxReprojectionErrorPx)
	}
	if ratio := k.Fx / k.Fy; ratio < minFocalRatio || ratio > maxFocalRatio {
		out.warn("fx/fy ratio %.3f outside [%.2f, %.2f]", ratio, minFocalRatio, maxFocalRatio)
	}
	logf("%s: fx=%.1f fy=%.1f cx=%.1f cy=%.1f error=%.3f px over %d frames (%d iterations, fixed k3 %v)",
		set.CameraID, k.Fx, k.Fy, k.Cx, k.Cy, out.MeanError, len(frames), res.Iterations, fixedK3)
	return out, nil
}

func (r *Result) warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	r.Warnings = append(r.Warnings, msg)
	monitoring.Warnf(stage, "%s: %s", r.CameraID, msg)
}

// fitsK3 reports whether the lens is wide enough for k3 to be constrained by
// board corners. On narrower fields it trades off against the principal point.
func fitsK3(k camera.Intrinsics, size camera.ImageSize) bool {
	if k.Fx <= 0 || k.Fy <= 0 {
		return false
	}
	hx := math.Max(k.Cx, float64(size.Width)-k.Cx) / k.Fx
	hy := math.Max(k.Cy, float64(size.Height)-k.Cy) / k.Fy
	return math.Hypot(hx, hy) > wideAngleRadius
}

// unpackIntrinsics reads k3 only when x carries it.
func unpackIntrinsics(x []float64) (camera.Intrinsics, camera.Distortion) {
	k := camera.Intrinsics{Fx: x[0], Fy: x[1], Cx: x[2], Cy: x[3]}
	d := camera.Distortion{K1: x[4], K2: x[5], P1: x[6], P2: x[7]}
	if len(x) > numIntrinsicParams-1 {
		d.K3 = x[numIntrinsicParams-1]
	}
	return k, d
}

func setPose(dst []float64, p camera.Pose) {
	w := geometry.RodriguesVector(p.R)
	dst[0], dst[1], dst[2] = w.X, w.Y, w.Z
	dst[3], dst[4], dst[5] = p.T.X, p.T.Y, p.T.Z
}

func getPose(x []float64) camera.Pose {
	return camera.Pose{
		R: geometry.Rodrigues(r3.Vector{X: x[0], Y: x[1], Z: x[2]}),
		T: r3.Vector{X: x[3], Y: x[4], Z: x[5]},
	}
}

func frameRMS(k camera.Intrinsics, d camera.Distortion, pose camera.Pose, objects []r3.Vector, observed []geometry.Point2) float64 {
	var sum float64
	for j, obj := range objects {
		px, _ := camera.Project(k, d, pose, obj)
		dx, dy := px.X-observed[j].X, px.Y-observed[j].Y
		sum += dx*dx + dy*dy
	}
	return math.Sqrt(sum / float64(len(objects)))
}
