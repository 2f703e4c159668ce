package triangulate

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/banshee-data/multicam/internal/camera"
	"github.com/banshee-data/multicam/internal/config"
	"github.com/banshee-data/multicam/internal/geometry"
	"github.com/banshee-data/multicam/internal/keypoints"
	"github.com/banshee-data/multicam/internal/monitoring"
	"github.com/banshee-data/multicam/internal/syncer"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

var logf = monitoring.Prefixed("triangulate")

// Options tunes trial triangulation.
type Options struct {
	MinConfidence       float64
	JointMinConfidence  map[string]float64
	Refine              bool
	MinRayAngleDeg      float64
	DegenerateResidualM float64
	MaxResidualM        float64
	MinValidFrames      int
	MaxIterations       int
	Workers             int
}

// DefaultOptions returns the options matching the pipeline defaults.
func DefaultOptions() Options {
	return OptionsFromConfig(config.EmptyPipelineConfig())
}

// OptionsFromConfig reads the triangulation tunables.
func OptionsFromConfig(c *config.PipelineConfig) Options {
	joint := make(map[string]float64, len(c.JointMinConfidence))
	for k, v := range c.JointMinConfidence {
		joint[k] = v
	}
	return Options{
		MinConfidence:       c.GetMinConfidence(),
		JointMinConfidence:  joint,
		Refine:              c.GetRefineTriangulation(),
		MinRayAngleDeg:      c.GetMinRayAngleDeg(),
		DegenerateResidualM: c.GetDegenerateResidualM(),
		MaxResidualM:        c.GetMaxResidualM(),
		MinValidFrames:      c.GetMinValidFrames(),
		MaxIterations:       20,
		Workers:             c.GetWorkers(),
	}
}

func (o Options) threshold(joint string) float64 {
	if v, ok := o.JointMinConfidence[joint]; ok {
		return v
	}
	return o.MinConfidence
}

// Summary aggregates a trial's reconstruction quality.
type Summary struct {
	Frames      int     `json:"frames"`
	Points      int     `json:"points"`
	Present     int     `json:"present"`
	Missing     int     `json:"missing"`
	Degenerate  int     `json:"degenerate"`
	HighResidue int     `json:"high_residual"`
	ValidFrames int     `json:"valid_frames"`
	ResidualP50 float64 `json:"residual_p50_m"`
	ResidualP95 float64 `json:"residual_p95_m"`
	ResidualMax float64 `json:"residual_max_m"`
}

// Result is the reconstruction of one trial in the board frame.
type Result struct {
	Trial   string              `json:"trial"`
	Joints  []string            `json:"joints"`
	Frames  []keypoints.Frame3D `json:"frames"`
	Summary Summary             `json:"summary"`
}

// Triangulate reconstructs every joint of every aligned reference frame. It
// refuses an unsealed registry or an unresolved synchronization. The result
// is returned together with *InsufficientFramesError when too few frames
// contain a present keypoint.
func Triangulate(ctx context.Context, reg *camera.Registry, align *syncer.Alignment, opts Options) (*Result, error) {
	if !reg.Sealed() {
		return nil, camera.ErrRegistryNotSealed
	}
	if align == nil {
		return nil, syncer.ErrSyncUnresolved
	}
	trial := align.Trial
	cams := make(map[string]camera.CameraParameters)
	for _, id := range align.CameraIDs() {
		c, ok := reg.Get(id)
		if !ok {
			return nil, fmt.Errorf("trial %s: camera %s is not calibrated", trial.Name, id)
		}
		cams[id] = c
	}
	ids := align.CameraIDs()
	rig := make([]camera.CameraParameters, 0, len(ids))
	for _, id := range ids {
		rig = append(rig, cams[id])
	}
	refDiagonal := camera.MedianDiagonal(rig)
	quality := make(map[string]float64, len(ids))
	for _, id := range ids {
		quality[id] = cams[id].QualityFactor(refDiagonal)
	}
	pointOpts := PointOptions{
		Refine:              opts.Refine,
		MinRayAngleDeg:      opts.MinRayAngleDeg,
		DegenerateResidualM: opts.DegenerateResidualM,
		MaxIterations:       opts.MaxIterations,
	}

	refFrames := align.Frames()
	frames := make([]keypoints.Frame3D, len(refFrames))
	g, gctx := errgroup.WithContext(ctx)
	if opts.Workers > 0 {
		g.SetLimit(opts.Workers)
	}
	for i, f := range refFrames {
		i, f := i, f
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out := keypoints.Frame3D{Frame: f, Points: make([]keypoints.Keypoint3D, len(trial.Joints))}
			for j, joint := range trial.Joints {
				kp, err := solveJoint(gctx, align, cams, quality, ids, f, joint, opts.threshold(joint), pointOpts)
				if err != nil {
					return err
				}
				out.Points[j] = kp
			}
			frames[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Trial: trial.Name, Joints: trial.Joints, Frames: frames}
	res.Summary = summarize(frames, opts.MaxResidualM)
	s := res.Summary
	logf("trial %s: %d frames, %d/%d points present, %d degenerate, residual p50 %.4f m p95 %.4f m",
		trial.Name, s.Frames, s.Present, s.Points, s.Degenerate, s.ResidualP50, s.ResidualP95)
	if s.HighResidue > 0 {
		monitoring.Warnf("triangulate", "trial %s: %d points above %.3f m residual", trial.Name, s.HighResidue, opts.MaxResidualM)
	}
	if s.ValidFrames < opts.MinValidFrames {
		return res, &InsufficientFramesError{Trial: trial.Name, Valid: s.ValidFrames, Required: opts.MinValidFrames}
	}
	return res, nil
}

func solveJoint(ctx context.Context, align *syncer.Alignment, cams map[string]camera.CameraParameters, quality map[string]float64, ids []string, frame int, joint string, minConf float64, opts PointOptions) (keypoints.Keypoint3D, error) {
	kp := keypoints.Keypoint3D{Joint: joint, Frame: frame}
	views := make([]View, 0, len(ids))
	for _, id := range ids {
		obs, ok := align.Lookup(id, frame, joint)
		if !ok || obs.Confidence < minConf || obs.Confidence <= 0 {
			continue
		}
		c := cams[id]
		views = append(views, View{Camera: c, Pixel: geometry.Point2{X: obs.X, Y: obs.Y}, Weight: obs.Confidence * quality[id]})
	}
	kp.Views = len(views)

	sol, err := Point(ctx, views, opts)
	kp.Flags = sol.Flags
	switch {
	case errors.Is(err, ErrInsufficientViews), errors.Is(err, ErrDegenerateGeometry):
		return kp, nil
	case err != nil:
		return kp, err
	}
	if ctx.Err() != nil {
		return kp, ctx.Err()
	}
	kp.Position = sol.Position
	kp.Residual = sol.Residual
	kp.Present = true
	return kp, nil
}

func summarize(frames []keypoints.Frame3D, maxResidual float64) Summary {
	s := Summary{Frames: len(frames)}
	var residuals []float64
	for _, f := range frames {
		valid := false
		for _, p := range f.Points {
			s.Points++
			if !p.Present {
				s.Missing++
				continue
			}
			valid = true
			s.Present++
			if p.Flags.Has(keypoints.FlagDegenerate) {
				s.Degenerate++
			}
			if p.Residual > maxResidual {
				s.HighResidue++
			}
			residuals = append(residuals, p.Residual)
		}
		if valid {
			s.ValidFrames++
		}
	}
	if len(residuals) > 0 {
		sort.Float64s(residuals)
		s.ResidualP50 = stat.Quantile(0.5, stat.Empirical, residuals, nil)
		s.ResidualP95 = stat.Quantile(0.95, stat.Empirical, residuals, nil)
		s.ResidualMax = residuals[len(residuals)-1]
	}
	return s
}
