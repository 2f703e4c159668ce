package triangulate

import (
	"context"
	"math/rand"
	"testing"

	"github.com/banshee-data/multicam/internal/camera"
	"github.com/banshee-data/multicam/internal/geometry"
	"github.com/banshee-data/multicam/internal/keypoints"
	"github.com/banshee-data/multicam/internal/syncer"
	"github.com/banshee-data/multicam/internal/synth"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testBoard = camera.BoardGeometry{Cols: 5, Rows: 4, SquareSize: 0.035, Mount: camera.MountBackWall, Orientation: camera.OrientationUpright}
	testSize  = camera.ImageSize{Width: 1280, Height: 720}
)

func testPointOptions() PointOptions {
	return PointOptions{Refine: true, MinRayAngleDeg: 2, DegenerateResidualM: 1, MaxIterations: 20}
}

func testRig(t *testing.T, n int) ([]camera.CameraParameters, *camera.Registry) {
	t.Helper()
	cams := synth.BackWallRig(testBoard, n, testSize, 900, 3, 30, 0.3)
	reg := camera.NewRegistry()
	for _, c := range cams {
		require.NoError(t, reg.Add(c))
	}
	require.NoError(t, reg.Seal())
	return cams, reg
}

func observe(cams []camera.CameraParameters, x r3.Vector, weight float64) []View {
	views := make([]View, len(cams))
	for i, c := range cams {
		px, _ := c.Project(x)
		views[i] = View{Camera: c, Pixel: px, Weight: weight}
	}
	return views
}

func TestPointExact(t *testing.T) {
	cams, _ := testRig(t, 3)
	x := r3.Vector{X: 0.2, Y: -0.1, Z: -0.8}
	for _, refine := range []bool{false, true} {
		opts := testPointOptions()
		opts.Refine = refine
		sol, err := Point(context.Background(), observe(cams, x, 0.9), opts)
		require.NoError(t, err)
		assert.InDelta(t, 0, sol.Position.Sub(x).Norm(), 1e-6)
		assert.Less(t, sol.Residual, 1e-6)
		assert.Zero(t, sol.Flags)
	}
}

func TestPointNoisyWithinAMillimeter(t *testing.T) {
	cams, _ := testRig(t, 4)
	rng := rand.New(rand.NewSource(1))
	x := r3.Vector{X: 0.1, Y: 0.05, Z: -1.5}
	var worst float64
	for trial := 0; trial < 20; trial++ {
		views := observe(cams, x, 1)
		for i := range views {
			views[i].Pixel.X += rng.NormFloat64() * 0.2
			views[i].Pixel.Y += rng.NormFloat64() * 0.2
		}
		sol, err := Point(context.Background(), views, testPointOptions())
		require.NoError(t, err)
		worst = max(worst, sol.Position.Sub(x).Norm())
		assert.Less(t, sol.Residual, 0.002)
	}
	assert.Less(t, worst, 0.001)
}

func TestPointInsufficientViews(t *testing.T) {
	cams, _ := testRig(t, 3)
	views := observe(cams, r3.Vector{Z: -1}, 1)
	views[1].Weight = 0
	views[2].Weight = 0

	sol, err := Point(context.Background(), views, testPointOptions())
	assert.ErrorIs(t, err, ErrInsufficientViews)
	assert.True(t, sol.Flags.Has(keypoints.FlagInsufficientViews))

	_, err = Point(context.Background(), nil, testPointOptions())
	assert.ErrorIs(t, err, ErrInsufficientViews)
}

func TestPointNarrowBaselineIsDegenerate(t *testing.T) {
	target := r3.Vector{}
	down := r3.Vector{Y: 1}
	a := synth.Camera("A", testSize, 900, camera.Distortion{}, synth.LookAt(r3.Vector{Z: -3}, target, down))
	b := synth.Camera("B", testSize, 900, camera.Distortion{}, synth.LookAt(r3.Vector{X: 0.02, Z: -3}, target, down))
	x := r3.Vector{X: 0.05, Y: 0.02}

	sol, err := Point(context.Background(), observe([]camera.CameraParameters{a, b}, x, 1), testPointOptions())
	require.NoError(t, err)
	assert.True(t, sol.Flags.Has(keypoints.FlagDegenerate))
	assert.GreaterOrEqual(t, sol.Residual, 1.0)
}

func TestPointBehindCameraIsDegenerate(t *testing.T) {
	down := r3.Vector{Y: 1}
	a := synth.Camera("A", testSize, 900, camera.Distortion{}, synth.LookAt(r3.Vector{X: -1, Z: -3}, r3.Vector{}, down))
	// B looks away from the point: it sits past the point on A's side and
	// faces the same way.
	b := synth.Camera("B", testSize, 900, camera.Distortion{}, synth.LookAt(r3.Vector{X: 1, Z: 1}, r3.Vector{X: 2, Z: 3}, down))
	x := r3.Vector{X: 0.1, Z: -0.2}

	opts := testPointOptions()
	opts.Refine = false
	sol, err := Point(context.Background(), observe([]camera.CameraParameters{a, b}, x, 1), opts)
	require.NoError(t, err)
	assert.True(t, sol.Flags.Has(keypoints.FlagDegenerate))
	assert.GreaterOrEqual(t, sol.Residual, 1.0)
}

func TestPointWeightsLimitOutliers(t *testing.T) {
	cams, _ := testRig(t, 3)
	x := r3.Vector{X: 0.1, Z: -1}
	opts := testPointOptions()

	errorWithWeight := func(w float64) float64 {
		views := observe(cams, x, 1)
		views[2].Pixel.X += 15
		views[2].Weight = w
		sol, err := Point(context.Background(), views, opts)
		require.NoError(t, err)
		return sol.Position.Sub(x).Norm()
	}
	assert.Less(t, errorWithWeight(0.05), errorWithWeight(1))
}

func resolvedSync(ids ...string) *syncer.Result {
	res := &syncer.Result{Trial: "t", Reference: ids[0], Status: syncer.StatusResolved, Offsets: map[string]syncer.Offset{}}
	for _, id := range ids {
		res.Offsets[id] = syncer.Offset{CameraID: id, Status: syncer.StatusResolved}
	}
	return res
}

func TestTriangulateTrial(t *testing.T) {
	cams, reg := testRig(t, 3)
	rng := rand.New(rand.NewSource(2))
	joints := []string{"Neck", "RWrist", "LWrist", "RAnkle"}
	m := synth.RandomMotion(joints, 100, r3.Vector{X: 0.07, Y: 0.05, Z: -1}, 0.5, rng)
	trial, err := synth.ObserveTrial(cams, m, synth.TrialOptions{Name: "walk", Confidence: 0.9}, rng)
	require.NoError(t, err)

	// Cameras 1 and 2 lose every joint for frames 50 through 60.
	for _, id := range []string{"Cam1", "Cam2"} {
		for i := range trial.Streams[id].Frames {
			f := &trial.Streams[id].Frames[i]
			if f.Frame >= 50 && f.Frame <= 60 {
				for k := range f.Keypoints {
					f.Keypoints[k].Confidence = 0
				}
			}
		}
	}

	align, err := syncer.Align(trial, resolvedSync("Cam0", "Cam1", "Cam2"))
	require.NoError(t, err)
	opts := DefaultOptions()
	opts.Workers = 3
	res, err := Triangulate(context.Background(), reg, align, opts)
	require.NoError(t, err)

	require.Len(t, res.Frames, 100)
	for i, f := range res.Frames {
		assert.Equal(t, i, f.Frame)
		require.Len(t, f.Points, len(joints))
		for j, p := range f.Points {
			assert.Equal(t, joints[j], p.Joint)
			if f.Frame >= 50 && f.Frame <= 60 {
				assert.False(t, p.Present, "frame %d %s", f.Frame, p.Joint)
				assert.True(t, p.Flags.Has(keypoints.FlagInsufficientViews))
				assert.Equal(t, 1, p.Views)
				continue
			}
			require.True(t, p.Present, "frame %d %s", f.Frame, p.Joint)
			assert.Equal(t, 3, p.Views)
			assert.InDelta(t, 0, p.Position.Sub(m.Positions[f.Frame][j]).Norm(), 1e-3)
		}
	}
	assert.Equal(t, 100, res.Summary.Frames)
	assert.Equal(t, 11*len(joints), res.Summary.Missing)
	assert.Equal(t, 89, res.Summary.ValidFrames)
	assert.Zero(t, res.Summary.Degenerate)
	assert.Less(t, res.Summary.ResidualP95, 1e-3)
}

func TestTriangulateJointThreshold(t *testing.T) {
	cams, reg := testRig(t, 2)
	rng := rand.New(rand.NewSource(3))
	m := synth.RandomMotion([]string{"Neck", "RWrist"}, 20, r3.Vector{Z: -1}, 0.4, rng)
	trial, err := synth.ObserveTrial(cams, m, synth.TrialOptions{Confidence: 0.5}, rng)
	require.NoError(t, err)
	align, err := syncer.Align(trial, resolvedSync("Cam0", "Cam1"))
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.MinValidFrames = 1
	opts.JointMinConfidence = map[string]float64{"RWrist": 0.6}
	res, err := Triangulate(context.Background(), reg, align, opts)
	require.NoError(t, err)
	for _, f := range res.Frames {
		assert.True(t, f.Points[0].Present)
		assert.False(t, f.Points[1].Present)
		assert.Zero(t, f.Points[1].Views)
	}
}

func TestTriangulateRefusals(t *testing.T) {
	cams, reg := testRig(t, 2)
	rng := rand.New(rand.NewSource(4))
	m := synth.RandomMotion([]string{"Neck"}, 5, r3.Vector{Z: -1}, 0.4, rng)
	trial, err := synth.ObserveTrial(cams, m, synth.TrialOptions{Confidence: 0.9}, rng)
	require.NoError(t, err)
	align, err := syncer.Align(trial, resolvedSync("Cam0", "Cam1"))
	require.NoError(t, err)

	open := camera.NewRegistry()
	require.NoError(t, open.Add(cams[0]))
	_, err = Triangulate(context.Background(), open, align, DefaultOptions())
	assert.ErrorIs(t, err, camera.ErrRegistryNotSealed)

	_, err = Triangulate(context.Background(), reg, nil, DefaultOptions())
	assert.ErrorIs(t, err, syncer.ErrSyncUnresolved)

	res, err := Triangulate(context.Background(), reg, align, DefaultOptions())
	assert.ErrorIs(t, err, ErrInsufficientValidFrames)
	require.NotNil(t, res)
	assert.Equal(t, 5, res.Summary.ValidFrames)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Triangulate(ctx, reg, align, DefaultOptions())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRayAngle(t *testing.T) {
	a := synth.Camera("A", testSize, 900, camera.Distortion{}, camera.Pose{R: geometry.Identity3()})
	views := []View{{Camera: a}, {Camera: a}}
	norm := []r3.Vector{{Z: 1}, {X: 1, Z: 1}}
	assert.InDelta(t, 0.7853981633974483, rayAngle(views, norm), 1e-12)
}
