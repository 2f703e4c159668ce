package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/banshee-data/multicam/internal/camera"
	"github.com/banshee-data/multicam/internal/config"
	"github.com/banshee-data/multicam/internal/corners"
	"github.com/banshee-data/multicam/internal/extrinsics"
	"github.com/banshee-data/multicam/internal/intrinsics"
	"github.com/banshee-data/multicam/internal/monitoring"
	"github.com/banshee-data/multicam/internal/report"
	"github.com/banshee-data/multicam/internal/security"
	"github.com/banshee-data/multicam/internal/store"
	"golang.org/x/sync/errgroup"
)

var logf = monitoring.Prefixed("pipeline")

// Session holds what every stage of a capture session shares.
type Session struct {
	ID     string
	Board  camera.BoardGeometry
	Config *config.PipelineConfig
	// DB, when set, receives artifacts, pending reviews and sync results.
	DB *store.DB
	// ReportDir, when set, receives ambiguity and synchronization PNGs and
	// trial HTML reports.
	ReportDir string
}

func (s *Session) config() *config.PipelineConfig {
	if s.Config == nil {
		return config.EmptyPipelineConfig()
	}
	return s.Config
}

// CameraInput is one camera's calibration footage.
type CameraInput struct {
	CameraID string
	Model    string
	Size     camera.ImageSize

	// Intrinsics, when set, skips intrinsic calibration.
	Intrinsics *intrinsics.Result
	// CalibrationFrames frames of a moving board, read through
	// LoadCalibration.
	CalibrationFrames int
	LoadCalibration   corners.LoadFunc

	// ExtrinsicsFrames frames of the board in its fixed placement; the first
	// frame with a complete detection is used.
	ExtrinsicsFrames int
	LoadExtrinsics   corners.LoadFunc
}

// CameraOutcome is the calibration state of one camera.
type CameraOutcome struct {
	CameraID        string
	Intrinsics      intrinsics.Result
	IntrinsicsStats corners.DetectionStats
	ExtrinsicsStats corners.DetectionStats
	Resolution      extrinsics.Resolution
	Parameters      camera.CameraParameters
	ArtifactID      string
	ReviewID        string
	AmbiguityPlot   string
	Err             error
}

// CalibrationOutcome is the result of Calibrate. Registry is sealed only when
// every camera resolved.
type CalibrationOutcome struct {
	Cameras  map[string]*CameraOutcome
	Registry *camera.Registry
	Pending  []string
	Failed   []string
}

// Calibrated reports whether the registry is sealed and ready for trials.
func (o *CalibrationOutcome) Calibrated() bool { return o.Registry != nil && o.Registry.Sealed() }

// Calibrate estimates intrinsics and extrinsic candidates for every camera in
// parallel, then resolves the planar ambiguity camera by camera. Cameras whose
// resolution stays pending are persisted for review and keep the registry
// unsealed. Per-camera failures are reported in the outcome; only
// cancellation aborts the call.
func Calibrate(ctx context.Context, sess *Session, inputs []CameraInput) (*CalibrationOutcome, error) {
	if err := sess.Board.Validate(); err != nil {
		return nil, err
	}
	cfg := sess.config()
	cornerOpts := corners.OptionsFromConfig(cfg)
	intrOpts := intrinsics.OptionsFromConfig(cfg)
	extrOpts := extrinsics.OptionsFromConfig(cfg)
	workers := cfg.GetWorkers()

	sorted := append([]CameraInput(nil), inputs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CameraID < sorted[j].CameraID })

	outcomes := make([]*CameraOutcome, len(sorted))
	candidates := make([][]extrinsics.Candidate, len(sorted))
	observations := make([]corners.Observation, len(sorted))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i, in := range sorted {
		i, in := i, in
		g.Go(func() error {
			out := &CameraOutcome{CameraID: in.CameraID}
			outcomes[i] = out
			cands, obs, err := calibrateCamera(gctx, sess.Board, in, cfg.GetIntrinsicsImages(), cornerOpts, intrOpts, extrOpts, workers, out)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				out.Err = err
				monitoring.Warnf("pipeline", "camera %s: %v", in.CameraID, err)
				return nil
			}
			candidates[i], observations[i] = cands, obs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &CalibrationOutcome{Cameras: make(map[string]*CameraOutcome, len(sorted)), Registry: camera.NewRegistry()}
	for _, out := range outcomes {
		result.Cameras[out.CameraID] = out
	}

	// First pass without rig context, then retry the undecided cameras
	// against the ones already resolved.
	resolveOpts := extrinsics.ResolveOptionsFromConfig(cfg)
	var rig []camera.CameraParameters
	for pass := 0; pass < 2; pass++ {
		for i, out := range outcomes {
			if out.Err != nil || out.Parameters.PoseResolved {
				continue
			}
			out.Resolution = extrinsics.Resolve(out.CameraID, observations[i].Frame, candidates[i], observations[i].Corners, rig, sess.Board, resolveOpts)
			if !out.Resolution.Resolved() {
				continue
			}
			params, err := out.Resolution.Apply(out.Intrinsics.Parameters())
			if err != nil {
				out.Err = err
				continue
			}
			out.Parameters = params
			rig = append(rig, params)
		}
	}

	for _, out := range outcomes {
		switch {
		case out.Err != nil:
			result.Failed = append(result.Failed, out.CameraID)
		case !out.Parameters.PoseResolved:
			result.Pending = append(result.Pending, out.CameraID)
			if err := sess.recordPending(out); err != nil {
				return nil, err
			}
		default:
			if err := result.Registry.Add(out.Parameters); err != nil {
				out.Err = err
				result.Failed = append(result.Failed, out.CameraID)
				continue
			}
			if sess.DB != nil {
				id, err := store.NewArtifactStore(sess.DB).Insert(sess.ID, out.Parameters)
				if err != nil {
					return nil, err
				}
				out.ArtifactID = id
			}
		}
	}

	if len(result.Pending) == 0 && len(result.Failed) == 0 {
		if err := result.Registry.Seal(); err != nil {
			return result, err
		}
		logf("session %s: %d cameras calibrated, registry sealed", sess.ID, result.Registry.Len())
	} else {
		monitoring.Warnf("pipeline", "session %s: registry not sealed (pending %v, failed %v)", sess.ID, result.Pending, result.Failed)
	}
	return result, nil
}

func calibrateCamera(ctx context.Context, board camera.BoardGeometry, in CameraInput, images int, cornerOpts corners.Options, intrOpts intrinsics.Options, extrOpts extrinsics.Options, workers int, out *CameraOutcome) ([]extrinsics.Candidate, corners.Observation, error) {
	if in.Intrinsics != nil {
		out.Intrinsics = *in.Intrinsics
		out.Intrinsics.CameraID = in.CameraID
		if out.Intrinsics.Size.Width == 0 {
			out.Intrinsics.Size = in.Size
		}
	} else {
		if in.LoadCalibration == nil || in.CalibrationFrames <= 0 {
			return nil, corners.Observation{}, fmt.Errorf("camera %s: no intrinsics and no calibration footage", in.CameraID)
		}
		n := max(images, intrOpts.MinFrames)
		obs, stats, err := corners.DetectSampled(ctx, in.CameraID, in.CalibrationFrames, n, in.LoadCalibration, board, cornerOpts, workers)
		out.IntrinsicsStats = stats
		if err != nil {
			return nil, corners.Observation{}, err
		}
		res, err := intrinsics.Estimate(ctx, intrinsics.CalibrationSet{
			CameraID: in.CameraID, Model: in.Model, Board: board, Size: in.Size, Observations: obs,
		}, intrOpts)
		if err != nil {
			return nil, corners.Observation{}, err
		}
		out.Intrinsics = res
	}

	if in.LoadExtrinsics == nil || in.ExtrinsicsFrames <= 0 {
		return nil, corners.Observation{}, fmt.Errorf("camera %s: no extrinsics footage", in.CameraID)
	}
	frames := make([]int, in.ExtrinsicsFrames)
	for i := range frames {
		frames[i] = i
	}
	all, stats, err := corners.DetectAll(ctx, in.CameraID, frames, in.LoadExtrinsics, board, cornerOpts, workers)
	out.ExtrinsicsStats = stats
	if err != nil {
		return nil, corners.Observation{}, err
	}
	valid := corners.FirstValid(all, 1)
	if len(valid) == 0 {
		return nil, corners.Observation{}, fmt.Errorf("camera %s: board not found in any of %d extrinsics frames", in.CameraID, in.ExtrinsicsFrames)
	}
	cands, err := extrinsics.Estimate(ctx, valid[0], out.Intrinsics.Intrinsics, out.Intrinsics.Distortion, board, extrOpts)
	if err != nil {
		return nil, corners.Observation{}, err
	}
	return cands, valid[0], nil
}

// recordPending persists a pending camera for review.
func (s *Session) recordPending(out *CameraOutcome) error {
	monitoring.Warnf("pipeline", "camera %s: extrinsics pending manual review: %s", out.CameraID, out.Resolution.Reason)
	if s.ReportDir != "" {
		if err := os.MkdirAll(s.ReportDir, 0o755); err != nil {
			return err
		}
		path, err := security.OutputPath(s.ReportDir, out.CameraID, "_ambiguity.png")
		if err != nil {
			return err
		}
		if err := report.AmbiguityPlot(out.Resolution, out.Intrinsics.Size, path); err != nil {
			return err
		}
		out.AmbiguityPlot = path
	}
	if s.DB != nil {
		r, err := store.NewReviewStore(s.DB).InsertPending(s.ID, out.Resolution, out.AmbiguityPlot)
		if err != nil {
			return err
		}
		out.ReviewID = r.ReviewID
	}
	return nil
}

// ErrNotCalibrated is returned when a trial is run before the session
// registry is sealed.
var ErrNotCalibrated = errors.New("session is not calibrated")

// ResolveReview applies an operator's candidate choice to a pending camera.
// With a store the review row is updated as well. The registry is sealed once
// no camera remains pending or failed.
func ResolveReview(sess *Session, outcome *CalibrationOutcome, cameraID string, index int) error {
	out, ok := outcome.Cameras[cameraID]
	if !ok {
		return fmt.Errorf("camera %s is not part of the session", cameraID)
	}
	if out.Parameters.PoseResolved {
		return fmt.Errorf("camera %s is already resolved", cameraID)
	}

	var res extrinsics.Resolution
	var err error
	if sess.DB != nil && out.ReviewID != "" {
		res, err = store.NewReviewStore(sess.DB).Resolve(out.ReviewID, index)
	} else {
		res, err = extrinsics.ResolveManually(out.Resolution, index)
	}
	if err != nil {
		return err
	}
	params, err := res.Apply(out.Intrinsics.Parameters())
	if err != nil {
		return err
	}
	if err := outcome.Registry.Add(params); err != nil {
		return err
	}
	out.Resolution = res
	out.Parameters = params
	if sess.DB != nil {
		id, err := store.NewArtifactStore(sess.DB).Insert(sess.ID, params)
		if err != nil {
			return err
		}
		out.ArtifactID = id
	}

	pending := outcome.Pending[:0]
	for _, id := range outcome.Pending {
		if id != cameraID {
			pending = append(pending, id)
		}
	}
	outcome.Pending = pending
	if len(outcome.Pending) == 0 && len(outcome.Failed) == 0 {
		if err := outcome.Registry.Seal(); err != nil {
			return err
		}
		logf("session %s: registry sealed after manual review", sess.ID)
	}
	return nil
}
