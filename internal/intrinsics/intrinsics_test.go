package intrinsics

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/banshee-data/multicam/internal/camera"
	"github.com/banshee-data/multicam/internal/corners"
	"github.com/banshee-data/multicam/internal/geometry"
	"github.com/banshee-data/multicam/internal/synth"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	calBoard = camera.BoardGeometry{Cols: 9, Rows: 6, SquareSize: 0.025, Mount: camera.MountBackWall}
	calSize  = camera.ImageSize{Width: 640, Height: 480}
	trueK    = camera.Intrinsics{Fx: 810, Fy: 800, Cx: 322, Cy: 236}
	trueD    = camera.Distortion{K1: -0.12, K2: 0.04, P1: 0.0008, P2: -0.0005}
)

func syntheticSet(t *testing.T, n int, noise float64, seed int64) CalibrationSet {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	poses := synth.CalibrationPoses(calBoard, trueK, calSize, n, 0.6, rng)
	require.Len(t, poses, n)
	set := CalibrationSet{CameraID: "cam0", Board: calBoard, Size: calSize}
	for i, p := range poses {
		pts := synth.ProjectBoard(calBoard, trueK, trueD, p)
		if noise > 0 {
			pts = synth.AddNoise(pts, noise, rng)
		}
		set.Observations = append(set.Observations, corners.Observation{CameraID: "cam0", Frame: i * 3, Corners: pts, Valid: true})
	}
	return set
}

func TestEstimateRecoversSyntheticCamera(t *testing.T) {
	set := syntheticSet(t, 15, 0, 1)
	// An invalid frame is ignored.
	set.Observations = append(set.Observations, corners.Observation{Frame: 99, Reason: corners.ReasonBlurred})

	res, err := Estimate(context.Background(), set, Options{MinFrames: 10, MaxReprojectionErrorPx: 1, MaxIterations: 200})
	require.NoError(t, err)

	assert.InEpsilon(t, trueK.Fx, res.Intrinsics.Fx, 0.01)
	assert.InEpsilon(t, trueK.Fy, res.Intrinsics.Fy, 0.01)
	assert.InDelta(t, trueK.Cx, res.Intrinsics.Cx, 3)
	assert.InDelta(t, trueK.Cy, res.Intrinsics.Cy, 3)
	assert.InDelta(t, trueD.K1, res.Distortion.K1, 0.02)
	assert.Less(t, res.MeanError, 0.05)
	assert.Len(t, res.FrameErrors, 15)
	assert.Len(t, res.Poses, 15)
	assert.Empty(t, res.Warnings)
	assert.NotContains(t, res.UsedFrames(), 99)

	params := res.Parameters()
	assert.False(t, params.PoseResolved)
	assert.Equal(t, res.MeanError, params.ReprojectionError)
}

func TestEstimateHoldsK3OnNarrowLens(t *testing.T) {
	set := syntheticSet(t, 12, 0.1, 4)

	res, err := Estimate(context.Background(), set, Options{MinFrames: 10, MaxIterations: 200})
	require.NoError(t, err)

	assert.True(t, res.FixedK3)
	assert.Zero(t, res.Distortion.K3)
	assert.InDelta(t, trueK.Cx, res.Intrinsics.Cx, 3)
	assert.InDelta(t, trueK.Cy, res.Intrinsics.Cy, 3)
}

func TestFitsK3(t *testing.T) {
	tests := []struct {
		name string
		k    camera.Intrinsics
		want bool
	}{
		{"narrow", trueK, false},
		{"normal", camera.Intrinsics{Fx: 500, Fy: 500, Cx: 320, Cy: 240}, false},
		{"wide", camera.Intrinsics{Fx: 300, Fy: 300, Cx: 320, Cy: 240}, true},
		{"off-center", camera.Intrinsics{Fx: 420, Fy: 420, Cx: 120, Cy: 240}, true},
		{"degenerate", camera.Intrinsics{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fitsK3(tt.k, calSize))
		})
	}
}

func TestUnpackIntrinsicsWithoutK3(t *testing.T) {
	x := []float64{800, 790, 320, 240, -0.1, 0.02, 0.001, -0.001}
	k, d := unpackIntrinsics(x)
	assert.Equal(t, camera.Intrinsics{Fx: 800, Fy: 790, Cx: 320, Cy: 240}, k)
	assert.Equal(t, camera.Distortion{K1: -0.1, K2: 0.02, P1: 0.001, P2: -0.001}, d)

	_, d = unpackIntrinsics(append(x, 0.3))
	assert.Equal(t, 0.3, d.K3)
}

func TestEstimateIsDeterministic(t *testing.T) {
	set := syntheticSet(t, 12, 0.3, 2)
	opts := Options{MinFrames: 10, MaxReprojectionErrorPx: 1, MaxIterations: 50}

	a, err := Estimate(context.Background(), set, opts)
	require.NoError(t, err)
	b, err := Estimate(context.Background(), set, opts)
	require.NoError(t, err)

	assert.Equal(t, a.Intrinsics, b.Intrinsics)
	assert.Equal(t, a.Distortion, b.Distortion)
	assert.Equal(t, a.MeanError, b.MeanError)
	assert.Greater(t, a.MeanError, 0.0)
}

func TestEstimateInsufficientData(t *testing.T) {
	set := syntheticSet(t, 5, 0, 3)
	set.Observations = append(set.Observations, corners.Observation{Frame: 50, Reason: corners.ReasonNotFound})

	_, err := Estimate(context.Background(), set, Options{MinFrames: 10})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientCalibrationData))

	var ide *InsufficientDataError
	require.True(t, errors.As(err, &ide))
	assert.Equal(t, 5, ide.Valid)
	assert.Equal(t, 10, ide.Required)
	assert.Equal(t, []int{0, 3, 6, 9, 12}, ide.Frames)
}

func TestEstimateWarnsOnHighError(t *testing.T) {
	set := syntheticSet(t, 10, 0.8, 4)
	res, err := Estimate(context.Background(), set, Options{MinFrames: 10, MaxReprojectionErrorPx: 0.05, MaxIterations: 50})
	require.NoError(t, err, "high error is a warning, not a failure")
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "reprojection error")
}

func TestEstimateHonoursCancellation(t *testing.T) {
	set := syntheticSet(t, 10, 0, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Estimate(ctx, set, Options{MinFrames: 10})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClosedFormNoiseFree(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	poses := synth.CalibrationPoses(calBoard, trueK, calSize, 8, 0.6, rng)
	var hs []geometry.Mat3
	for _, p := range poses {
		pts := synth.ProjectBoard(calBoard, trueK, camera.Distortion{}, p)
		h, err := geometry.EstimateHomography(calBoard.PlanePoints(), pts)
		require.NoError(t, err)
		hs = append(hs, h)
	}
	k, err := closedForm(hs, calSize)
	require.NoError(t, err)
	assert.InEpsilon(t, trueK.Fx, k.Fx, 1e-3)
	assert.InEpsilon(t, trueK.Fy, k.Fy, 1e-3)
	assert.InDelta(t, trueK.Cx, k.Cx, 0.5)
	assert.InDelta(t, trueK.Cy, k.Cy, 0.5)

	pose, ok := poseFromHomography(k, hs[0])
	require.True(t, ok)
	assert.Less(t, geometry.RotationAngle(pose.R, poses[0].R), 1e-3)
	assert.InDelta(t, poses[0].T.Z, pose.T.Z, 1e-3)
}

func TestFocalOnlyFallback(t *testing.T) {
	k := camera.Intrinsics{Fx: 700, Fy: 700, Cx: 319.5, Cy: 239.5}
	rng := rand.New(rand.NewSource(7))
	poses := synth.CalibrationPoses(calBoard, k, calSize, 5, 0.6, rng)
	var hs []geometry.Mat3
	for _, p := range poses {
		h, err := geometry.EstimateHomography(calBoard.PlanePoints(), synth.ProjectBoard(calBoard, k, camera.Distortion{}, p))
		require.NoError(t, err)
		hs = append(hs, h)
	}
	got := focalOnly(hs, calSize)
	assert.InEpsilon(t, 700, got.Fx, 1e-3)
	assert.Equal(t, got.Fx, got.Fy)
}

func TestRotateIntrinsicsMapsPixels(t *testing.T) {
	d := camera.Distortion{K1: -0.1, K2: 0.01, P1: 0.002, P2: -0.003}
	identity := camera.Pose{R: geometry.Identity3()}
	point := r3.Vector{X: 0.3, Y: -0.2, Z: 1.5}
	orig, _ := camera.Project(trueK, d, identity, point)
	w, h := float64(calSize.Width), float64(calSize.Height)

	tests := []struct {
		deg     int
		rotated r3.Vector // point in the rotated camera frame
		want    geometry.Point2
	}{
		{90, r3.Vector{X: -point.Y, Y: point.X, Z: point.Z}, geometry.Point2{X: h - 1 - orig.Y, Y: orig.X}},
		{180, r3.Vector{X: -point.X, Y: -point.Y, Z: point.Z}, geometry.Point2{X: w - 1 - orig.X, Y: h - 1 - orig.Y}},
		{270, r3.Vector{X: point.Y, Y: -point.X, Z: point.Z}, geometry.Point2{X: orig.Y, Y: w - 1 - orig.X}},
	}
	for _, tt := range tests {
		k2, d2, size2, err := RotateIntrinsics(trueK, d, calSize, tt.deg)
		require.NoError(t, err)
		got, _ := camera.Project(k2, d2, identity, tt.rotated)
		assert.InDelta(t, tt.want.X, got.X, 1e-9, "deg %d", tt.deg)
		assert.InDelta(t, tt.want.Y, got.Y, 1e-9, "deg %d", tt.deg)
		if tt.deg != 180 {
			assert.Equal(t, camera.ImageSize{Width: calSize.Height, Height: calSize.Width}, size2)
		}
	}

	_, _, _, err := RotateIntrinsics(trueK, d, calSize, 45)
	assert.Error(t, err)
}

func TestAverageIntrinsics(t *testing.T) {
	a := Result{CameraID: "c", Size: calSize, Intrinsics: camera.Intrinsics{Fx: 800, Fy: 810, Cx: 320, Cy: 240}, Distortion: camera.Distortion{K1: -0.1}, MeanError: 0.2, Converged: true}
	b := Result{CameraID: "c", Size: calSize, Intrinsics: camera.Intrinsics{Fx: 820, Fy: 830, Cx: 322, Cy: 238}, Distortion: camera.Distortion{K1: -0.2}, MeanError: 0.4, Converged: true}

	avg, err := AverageIntrinsics([]Result{a, b})
	require.NoError(t, err)
	assert.InDelta(t, 810, avg.Intrinsics.Fx, 1e-9)
	assert.InDelta(t, 820, avg.Intrinsics.Fy, 1e-9)
	assert.InDelta(t, -0.15, avg.Distortion.K1, 1e-12)
	assert.InDelta(t, 0.3, avg.MeanError, 1e-12)

	b.Size = camera.ImageSize{Width: 1280, Height: 720}
	_, err = AverageIntrinsics([]Result{a, b})
	assert.Error(t, err)

	_, err = AverageIntrinsics(nil)
	assert.Error(t, err)
}
