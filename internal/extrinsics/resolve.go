package extrinsics

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/multicam/internal/camera"
	"github.com/banshee-data/multicam/internal/config"
	"github.com/banshee-data/multicam/internal/geometry"
	"github.com/banshee-data/multicam/internal/monitoring"
	"github.com/golang/geo/r3"
)

// Status is the lifecycle state of a camera's extrinsics.
type Status string

const (
	StatusResolved Status = "resolved"
	StatusPending  Status = "pending"
)

// Rule records which rule decided a resolution.
type Rule string

const (
	RuleSinglePlausible Rule = "single_plausible"
	RuleReprojection    Rule = "reprojection"
	RuleRigConsistency  Rule = "rig_consistency"
	RulePlacement       Rule = "placement"
	RuleManual          Rule = "manual"
)

// ResolveOptions tunes ambiguity resolution.
type ResolveOptions struct {
	ErrorRatio            float64
	ErrorFloorPx          float64
	OrientationMargin     float64
	CrossCheckMaxAngleDeg float64
}

// ResolveOptionsFromConfig reads resolver options from the pipeline config.
func ResolveOptionsFromConfig(cfg *config.PipelineConfig) ResolveOptions {
	return ResolveOptions{
		ErrorRatio:            cfg.GetAmbiguityErrorRatio(),
		ErrorFloorPx:          cfg.GetAmbiguityErrorFloorPx(),
		OrientationMargin:     cfg.GetOrientationMargin(),
		CrossCheckMaxAngleDeg: cfg.GetCrossCheckMaxAngleDeg(),
	}
}

// Resolution is the outcome of ambiguity resolution for one camera. A pending
// resolution keeps both candidates and the observed corners so the decision
// can be reviewed and made later.
type Resolution struct {
	CameraID   string            `json:"camera_id"`
	Frame      int               `json:"frame"`
	Status     Status            `json:"status"`
	Rule       Rule              `json:"rule,omitempty"`
	Selected   int               `json:"selected"`
	Candidates []Candidate       `json:"candidates"`
	Observed   []geometry.Point2 `json:"observed"`
	// PlacementCosts holds each candidate's placement cost when that rule
	// was evaluated.
	PlacementCosts []float64 `json:"placement_costs,omitempty"`
	Reason         string    `json:"reason,omitempty"`
}

// Resolved reports whether a candidate has been selected.
func (r Resolution) Resolved() bool { return r.Status == StatusResolved }

// Chosen returns the selected candidate.
func (r Resolution) Chosen() (Candidate, bool) {
	if !r.Resolved() || r.Selected < 0 || r.Selected >= len(r.Candidates) {
		return Candidate{}, false
	}
	return r.Candidates[r.Selected], true
}

// Err returns an *AmbiguousError for pending resolutions and nil otherwise.
func (r Resolution) Err() error {
	if r.Resolved() {
		return nil
	}
	errs := make([]float64, len(r.Candidates))
	for i, c := range r.Candidates {
		errs[i] = c.RMSError
	}
	return &AmbiguousError{CameraID: r.CameraID, Reason: r.Reason, Errors: errs}
}

// Apply writes the selected pose into the camera parameters and marks the
// pose resolved.
func (r Resolution) Apply(p camera.CameraParameters) (camera.CameraParameters, error) {
	c, ok := r.Chosen()
	if !ok {
		return p, r.Err()
	}
	p.Rotation = c.Rotation
	p.Translation = c.Translation
	p.PoseResolved = true
	return p, nil
}

// ErrAmbiguousExtrinsics matches every *AmbiguousError.
var ErrAmbiguousExtrinsics = errors.New("ambiguous extrinsics")

// AmbiguousError reports a camera paused pending manual resolution.
type AmbiguousError struct {
	CameraID string
	Reason   string
	Errors   []float64
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("camera %s: ambiguous extrinsics (%s), candidate errors %v px", e.CameraID, e.Reason, e.Errors)
}

// Is lets errors.Is(err, ErrAmbiguousExtrinsics) match.
func (e *AmbiguousError) Is(target error) bool { return target == ErrAmbiguousExtrinsics }

// Resolve selects among a camera's candidates. rig holds cameras of the same
// session that are already resolved; it may be empty. Cameras are assumed to
// be mounted level (no roll), which is what makes the board's vertical
// direction observable from one view.
func Resolve(cameraID string, frame int, cands []Candidate, observed []geometry.Point2, rig []camera.CameraParameters, board camera.BoardGeometry, opts ResolveOptions) Resolution {
	res := Resolution{CameraID: cameraID, Frame: frame, Status: StatusPending, Selected: -1, Candidates: cands, Observed: observed}
	pick := func(i int, rule Rule) Resolution {
		res.Status = StatusResolved
		res.Selected = i
		res.Rule = rule
		res.Reason = ""
		logf("%s: selected candidate %d by %s (error %.3f px)", cameraID, i, rule, cands[i].RMSError)
		return res
	}
	pending := func(reason string) Resolution {
		res.Reason = reason
		monitoring.Warnf("extrinsics", "%s: resolution pending: %s", cameraID, reason)
		return res
	}

	var plausible []int
	for i, c := range cands {
		if c.Plausible {
			plausible = append(plausible, i)
		}
	}
	switch len(plausible) {
	case 0:
		return pending("no plausible candidate")
	case 1:
		return pick(plausible[0], RuleSinglePlausible)
	}

	best, other := plausible[0], plausible[1]
	if cands[other].RMSError < cands[best].RMSError {
		best, other = other, best
	}
	eb, eo := cands[best].RMSError, cands[other].RMSError
	if eo > opts.ErrorRatio*eb && eo-eb > opts.ErrorFloorPx {
		return pick(best, RuleReprojection)
	}

	if up, ok := rigUp(rig); ok {
		limit := opts.CrossCheckMaxAngleDeg * math.Pi / 180
		agreeBest := geometry.AngleBetween(cameraUp(cands[best].Rotation), up) <= limit
		agreeOther := geometry.AngleBetween(cameraUp(cands[other].Rotation), up) <= limit
		switch {
		case agreeBest && !agreeOther:
			return pick(best, RuleRigConsistency)
		case agreeOther && !agreeBest:
			return pick(other, RuleRigConsistency)
		}
	}

	res.PlacementCosts = make([]float64, len(cands))
	for i, c := range cands {
		res.PlacementCosts[i] = placementCost(c.Rotation, board)
	}
	if board.Mount != camera.MountIdentity {
		cb, co := res.PlacementCosts[best], res.PlacementCosts[other]
		if cb != co && math.Abs(cb-co) >= opts.OrientationMargin {
			if cb < co {
				return pick(best, RulePlacement)
			}
			return pick(other, RulePlacement)
		}
	}
	return pending(fmt.Sprintf("candidates indistinguishable (errors %.3f/%.3f px)", eb, eo))
}

// ResolveManually promotes an operator's choice on a pending resolution.
func ResolveManually(r Resolution, index int) (Resolution, error) {
	if index < 0 || index >= len(r.Candidates) {
		return r, fmt.Errorf("camera %s: candidate %d out of range [0, %d)", r.CameraID, index, len(r.Candidates))
	}
	r.Status = StatusResolved
	r.Selected = index
	r.Rule = RuleManual
	r.Reason = ""
	logf("%s: candidate %d selected manually", r.CameraID, index)
	return r, nil
}

// cameraUp is the camera's image-up direction (−Y) expressed in board
// coordinates. For a level camera this is the world's up direction.
func cameraUp(r geometry.Mat3) r3.Vector {
	return r.Row(1).Mul(-1)
}

func rigUp(rig []camera.CameraParameters) (r3.Vector, bool) {
	var sum r3.Vector
	n := 0
	for _, c := range rig {
		if !c.PoseResolved {
			continue
		}
		sum = sum.Add(cameraUp(c.Rotation))
		n++
	}
	if n == 0 || sum.Norm() == 0 {
		return r3.Vector{}, false
	}
	return sum.Normalize(), true
}

// placementCost is zero when a pose matches the configured board placement.
// A back-wall board is vertical, so its normal is perpendicular to the level
// camera's Y axis; a ground board is horizontal, so its normal is parallel to
// it. A configured orientation additionally fixes which way the board's Y
// axis points in the image.
func placementCost(r geometry.Mat3, board camera.BoardGeometry) float64 {
	normal := r.Col(2)
	boardY := r.Col(1)
	switch board.Mount {
	case camera.MountBackWall:
		cost := math.Abs(normal.Y)
		switch board.Orientation {
		case camera.OrientationUpright:
			if boardY.Y <= 0 {
				cost++
			}
		case camera.OrientationUpsideDown:
			if boardY.Y >= 0 {
				cost++
			}
		}
		return cost
	case camera.MountGround:
		return 1 - math.Abs(normal.Y)
	default:
		return 0
	}
}
