package extrinsics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/multicam/internal/camera"
	"github.com/banshee-data/multicam/internal/config"
	"github.com/banshee-data/multicam/internal/corners"
	"github.com/banshee-data/multicam/internal/geometry"
	"github.com/banshee-data/multicam/internal/lsq"
	"github.com/banshee-data/multicam/internal/monitoring"
	"github.com/golang/geo/r3"
)

var logf = monitoring.Prefixed("extrinsics")

// Candidate poses closer than these are treated as the same solution.
const (
	sameRotationRad  = 1e-3
	sameTranslationM = 1e-4
)

// Candidate is one camera pose consistent with a planar observation. The
// rotation and translation map board coordinates into the camera frame.
type Candidate struct {
	Rotation    geometry.Mat3     `json:"rotation"`
	Translation r3.Vector         `json:"translation_m"`
	RMSError    float64           `json:"rms_error_px"`
	Plausible   bool              `json:"plausible"`
	Issues      []string          `json:"issues,omitempty"`
	Reprojected []geometry.Point2 `json:"reprojected"`
}

// Pose returns the candidate as a camera pose.
func (c Candidate) Pose() camera.Pose {
	return camera.Pose{R: c.Rotation, T: c.Translation}
}

// Options tunes pose estimation.
type Options struct {
	MinDistanceM  float64
	MaxDistanceM  float64
	MaxIterations int
}

// OptionsFromConfig reads estimation options from the pipeline config.
func OptionsFromConfig(cfg *config.PipelineConfig) Options {
	return Options{
		MinDistanceM:  cfg.GetMinBoardDistanceM(),
		MaxDistanceM:  cfg.GetMaxBoardDistanceM(),
		MaxIterations: cfg.GetMaxIterations(),
	}
}

// ErrInvalidObservation is returned when the observation has no usable corners.
var ErrInvalidObservation = errors.New("observation has no usable corners")

// Estimate returns one or two candidate poses for the camera that produced
// obs, sorted by reprojection error.
func Estimate(ctx context.Context, obs corners.Observation, k camera.Intrinsics, d camera.Distortion, board camera.BoardGeometry, opts Options) ([]Candidate, error) {
	if !obs.Valid || len(obs.Corners) != board.NumCorners() {
		return nil, fmt.Errorf("%w: frame %d (%d corners, want %d)", ErrInvalidObservation, obs.Frame, len(obs.Corners), board.NumCorners())
	}

	objects := board.ObjectPoints()
	center := board.Center()
	centered := make([]geometry.Point2, len(objects))
	normalized := make([]geometry.Point2, len(objects))
	for i, o := range objects {
		centered[i] = geometry.Point2{X: o.X - center.X, Y: o.Y - center.Y}
		x, y := d.Remove(k.FromPixel(obs.Corners[i]))
		normalized[i] = geometry.Point2{X: x, Y: y}
	}

	h, err := geometry.EstimateHomography(centered, normalized)
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", obs.Frame, err)
	}
	ra, rb, err := ippeRotations(h)
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", obs.Frame, err)
	}

	var cands []Candidate
	for _, r := range []geometry.Mat3{ra, rb} {
		t, ok := solveTranslation(r, centered, normalized)
		if !ok {
			continue
		}
		// Shift from the centered board back to the board origin.
		pose := camera.Pose{R: r, T: t.Sub(r.MulVec(center))}
		pose, err = refinePose(ctx, pose, k, d, objects, obs.Corners, opts.MaxIterations)
		if err != nil {
			return nil, err
		}
		cands = append(cands, scoreCandidate(pose, k, d, objects, obs.Corners, opts))
	}
	if len(cands) == 0 {
		return nil, fmt.Errorf("frame %d: %w", obs.Frame, errDegeneratePose)
	}

	sort.SliceStable(cands, func(i, j int) bool { return cands[i].RMSError < cands[j].RMSError })
	if len(cands) == 2 && samePose(cands[0], cands[1]) {
		cands = cands[:1]
	}
	for i, c := range cands {
		logf("frame %d candidate %d: error %.3f px, plausible=%v %v", obs.Frame, i, c.RMSError, c.Plausible, c.Issues)
	}
	return cands, nil
}

func refinePose(ctx context.Context, pose camera.Pose, k camera.Intrinsics, d camera.Distortion, objects []r3.Vector, observed []geometry.Point2, maxIter int) (camera.Pose, error) {
	w := geometry.RodriguesVector(pose.R)
	x0 := []float64{w.X, w.Y, w.Z, pose.T.X, pose.T.Y, pose.T.Z}
	problem := lsq.Problem{
		NumResiduals: 2 * len(objects),
		Residuals: func(dst, x []float64) {
			p := camera.Pose{
				R: geometry.Rodrigues(r3.Vector{X: x[0], Y: x[1], Z: x[2]}),
				T: r3.Vector{X: x[3], Y: x[4], Z: x[5]},
			}
			for i, o := range objects {
				px, _ := camera.Project(k, d, p, o)
				dst[2*i] = px.X - observed[i].X
				dst[2*i+1] = px.Y - observed[i].Y
			}
		},
	}
	res, err := lsq.Minimize(ctx, problem, x0, &lsq.Settings{MaxIterations: maxIter})
	if err != nil {
		return pose, fmt.Errorf("refine pose: %w", err)
	}
	x := res.X
	return camera.Pose{
		R: geometry.Rodrigues(r3.Vector{X: x[0], Y: x[1], Z: x[2]}),
		T: r3.Vector{X: x[3], Y: x[4], Z: x[5]},
	}, nil
}

// scoreCandidate computes the reprojection error and the plausibility checks:
// the camera must see the board's front face (camera on the board's −Z side),
// every corner must be in front of the camera, and the camera distance must
// be inside the configured range.
func scoreCandidate(pose camera.Pose, k camera.Intrinsics, d camera.Distortion, objects []r3.Vector, observed []geometry.Point2, opts Options) Candidate {
	c := Candidate{Rotation: pose.R, Translation: pose.T, Plausible: true}
	var sum float64
	behind := 0
	c.Reprojected = make([]geometry.Point2, len(objects))
	for i, o := range objects {
		px, depth := camera.Project(k, d, pose, o)
		if depth <= 0 {
			behind++
		}
		c.Reprojected[i] = px
		dx, dy := px.X-observed[i].X, px.Y-observed[i].Y
		sum += dx*dx + dy*dy
	}
	c.RMSError = math.Sqrt(sum / float64(len(objects)))

	if behind > 0 {
		c.Issues = append(c.Issues, fmt.Sprintf("%d corners behind the camera", behind))
	}
	center := pose.Center()
	if center.Z >= 0 {
		c.Issues = append(c.Issues, "board faces away from the camera")
	}
	dist := pose.T.Norm()
	if opts.MaxDistanceM > 0 && (dist < opts.MinDistanceM || dist > opts.MaxDistanceM) {
		c.Issues = append(c.Issues, fmt.Sprintf("board distance %.2f m outside [%.2f, %.2f] m", dist, opts.MinDistanceM, opts.MaxDistanceM))
	}
	if math.IsNaN(c.RMSError) {
		c.Issues = append(c.Issues, "reprojection is undefined")
	}
	c.Plausible = len(c.Issues) == 0
	return c
}

func samePose(a, b Candidate) bool {
	return geometry.RotationAngle(a.Rotation, b.Rotation) < sameRotationRad &&
		a.Translation.Sub(b.Translation).Norm() < sameTranslationM
}
