package syncer

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/multicam/internal/camera"
	"github.com/banshee-data/multicam/internal/config"
	"github.com/banshee-data/multicam/internal/keypoints"
	"github.com/banshee-data/multicam/internal/monitoring"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

var logf = monitoring.Prefixed("sync")

// Status of a synchronization.
type Status string

const (
	StatusResolved   Status = "resolved"
	StatusUnresolved Status = "unresolved"
)

// Options tunes the cross-correlation.
type Options struct {
	// Reference camera id; empty selects the first camera id in sorted order.
	Reference      string
	MaxLag         int
	MinOverlap     int
	MinCorrelation float64
	Smoothing      int
	MinConfidence  float64
	Workers        int
}

// DefaultOptions returns the options matching the pipeline defaults.
func DefaultOptions() Options {
	return OptionsFromConfig(config.EmptyPipelineConfig())
}

// OptionsFromConfig reads the synchronization tunables.
func OptionsFromConfig(c *config.PipelineConfig) Options {
	return Options{
		Reference:      c.GetSyncReferenceCamera(),
		MaxLag:         c.GetMaxLagFrames(),
		MinOverlap:     c.GetMinOverlapFrames(),
		MinCorrelation: c.GetMinSyncCorrelation(),
		Smoothing:      c.GetSyncSmoothingFrames(),
		MinConfidence:  c.GetSyncMinConfidence(),
		Workers:        c.GetWorkers(),
	}
}

// LagCorrelation is one point of the correlation curve.
type LagCorrelation struct {
	Lag         int     `json:"lag"`
	Correlation float64 `json:"correlation"`
}

// Offset aligns one camera to the reference: reference frame = camera frame
// + Frames.
type Offset struct {
	CameraID    string           `json:"camera_id"`
	Frames      float64          `json:"frames"`
	Lag         int              `json:"lag"`
	Correlation float64          `json:"correlation"`
	Overlap     int              `json:"overlap"`
	Status      Status           `json:"status"`
	Reason      string           `json:"reason,omitempty"`
	Curve       []LagCorrelation `json:"curve,omitempty"`
}

// Result is the synchronization of one trial.
type Result struct {
	Trial     string            `json:"trial"`
	Reference string            `json:"reference"`
	Status    Status            `json:"status"`
	Offsets   map[string]Offset `json:"offsets"`
}

// Resolved reports whether every camera was aligned.
func (r *Result) Resolved() bool { return r != nil && r.Status == StatusResolved }

// Err returns the first unresolved camera as an *UnresolvedError, or nil.
func (r *Result) Err() error {
	if r == nil {
		return &UnresolvedError{Reason: "no synchronization result"}
	}
	if r.Status == StatusResolved {
		return nil
	}
	ids := make([]string, 0, len(r.Offsets))
	for id := range r.Offsets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		o := r.Offsets[id]
		if o.Status != StatusResolved {
			return &UnresolvedError{Trial: r.Trial, CameraID: id, Peak: o.Correlation, Reason: o.Reason}
		}
	}
	return &UnresolvedError{Trial: r.Trial, Reason: "unresolved"}
}

// Synchronize estimates every camera's offset relative to the reference. The
// registry, when non-nil, supplies image diagonals for normalization. An
// unresolved result is returned together with its *UnresolvedError.
func Synchronize(ctx context.Context, trial *keypoints.Trial, reg *camera.Registry, opts Options) (*Result, error) {
	ids := trial.CameraIDs()
	if len(ids) < 2 {
		return nil, fmt.Errorf("trial %s: need at least 2 cameras to synchronize, have %d", trial.Name, len(ids))
	}
	ref := opts.Reference
	if ref == "" {
		ref = ids[0]
	}
	if _, ok := trial.Streams[ref]; !ok {
		return nil, fmt.Errorf("trial %s: reference camera %q has no stream", trial.Name, ref)
	}

	signals := make(map[string][]float64, len(ids))
	for _, id := range ids {
		diag := 1.0
		if reg != nil {
			if c, ok := reg.Get(id); ok {
				diag = c.Size.Diagonal()
			}
		}
		signals[id] = Smooth(MotionEnergy(trial.Streams[id], opts.MinConfidence, diag), opts.Smoothing)
	}

	res := &Result{Trial: trial.Name, Reference: ref, Status: StatusResolved, Offsets: make(map[string]Offset, len(ids))}
	res.Offsets[ref] = Offset{CameraID: ref, Correlation: 1, Status: StatusResolved}

	others := make([]string, 0, len(ids)-1)
	for _, id := range ids {
		if id != ref {
			others = append(others, id)
		}
	}
	found := make([]Offset, len(others))
	g, gctx := errgroup.WithContext(ctx)
	if opts.Workers > 0 {
		g.SetLimit(opts.Workers)
	}
	for i, id := range others {
		i, id := i, id
		g.Go(func() error {
			o, err := crossCorrelate(gctx, signals[ref], signals[id], opts)
			if err != nil {
				return err
			}
			o.CameraID = id
			found[i] = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, o := range found {
		res.Offsets[o.CameraID] = o
		if o.Status != StatusResolved {
			res.Status = StatusUnresolved
			monitoring.Warnf("sync", "trial %s: camera %s unresolved: %s (peak %.3f)", trial.Name, o.CameraID, o.Reason, o.Correlation)
			continue
		}
		logf("trial %s: camera %s offset %+.2f frames (r=%.3f, overlap %d)", trial.Name, o.CameraID, o.Frames, o.Correlation, o.Overlap)
	}
	if res.Status != StatusResolved {
		return res, res.Err()
	}
	return res, nil
}

// crossCorrelate finds the lag N maximizing corr(ref[k+N], cam[k]).
func crossCorrelate(ctx context.Context, ref, cam []float64, opts Options) (Offset, error) {
	maxLag := opts.MaxLag
	curve := make([]LagCorrelation, 0, 2*maxLag+1)
	best := Offset{Lag: 0, Correlation: math.Inf(-1), Status: StatusUnresolved}
	scores := make(map[int]float64, 2*maxLag+1)
	for lag := -maxLag; lag <= maxLag; lag++ {
		if err := ctx.Err(); err != nil {
			return Offset{}, err
		}
		r, n := correlationAt(ref, cam, lag)
		if n < opts.MinOverlap || math.IsNaN(r) {
			continue
		}
		scores[lag] = r
		curve = append(curve, LagCorrelation{Lag: lag, Correlation: r})
		if r > best.Correlation {
			best.Lag, best.Correlation, best.Overlap = lag, r, n
		}
	}
	best.Curve = curve
	if len(curve) == 0 {
		best.Correlation = 0
		best.Reason = "flat or non-overlapping motion signal"
		return best, nil
	}

	best.Frames = float64(best.Lag)
	lo, okLo := scores[best.Lag-1]
	hi, okHi := scores[best.Lag+1]
	if okLo && okHi {
		if den := lo - 2*best.Correlation + hi; den < 0 {
			delta := 0.5 * (lo - hi) / den
			best.Frames += math.Max(-0.5, math.Min(0.5, delta))
		}
	}
	if best.Correlation < opts.MinCorrelation {
		best.Reason = fmt.Sprintf("peak correlation below %.2f", opts.MinCorrelation)
		return best, nil
	}
	best.Status = StatusResolved
	return best, nil
}

// correlationAt returns the Pearson correlation of the finite pairs
// (ref[k+lag], cam[k]) and the number of pairs used.
func correlationAt(ref, cam []float64, lag int) (float64, int) {
	var x, y []float64
	for k := range cam {
		j := k + lag
		if j < 0 || j >= len(ref) {
			continue
		}
		if math.IsNaN(cam[k]) || math.IsNaN(ref[j]) {
			continue
		}
		x = append(x, ref[j])
		y = append(y, cam[k])
	}
	if len(x) < 2 {
		return math.NaN(), len(x)
	}
	return stat.Correlation(x, y, nil), len(x)
}
