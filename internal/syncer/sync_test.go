package syncer

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/banshee-data/multicam/internal/camera"
	"github.com/banshee-data/multicam/internal/keypoints"
	"github.com/banshee-data/multicam/internal/synth"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testBoard = camera.BoardGeometry{Cols: 5, Rows: 4, SquareSize: 0.035, Mount: camera.MountBackWall, Orientation: camera.OrientationUpright}
	testSize  = camera.ImageSize{Width: 1280, Height: 720}
	joints    = []string{"Neck", "RShoulder", "LShoulder", "RWrist", "LWrist", "RHip", "LHip", "RAnkle", "LAnkle"}
)

func testOptions() Options {
	return Options{MaxLag: 30, MinOverlap: 30, MinCorrelation: 0.7, Smoothing: 3, MinConfidence: 0.3, Workers: 2}
}

func testRig(t *testing.T) ([]camera.CameraParameters, *camera.Registry) {
	t.Helper()
	cams := synth.BackWallRig(testBoard, 3, testSize, 900, 3, 25, 0.3)
	reg := camera.NewRegistry()
	for _, c := range cams {
		require.NoError(t, reg.Add(c))
	}
	require.NoError(t, reg.Seal())
	return cams, reg
}

func testMotion(seed int64, frames int) synth.Motion {
	rng := rand.New(rand.NewSource(seed))
	return synth.RandomMotion(joints, frames, r3.Vector{X: 0.07, Y: 0.05, Z: -1}, 0.6, rng)
}

func TestMotionEnergy(t *testing.T) {
	s, err := keypoints.NewStream("c", []keypoints.FrameKeypoints{
		{Frame: 0, Keypoints: []keypoints.Keypoint2D{{Joint: "a", X: 0, Y: 0, Confidence: 1}, {Joint: "b", X: 5, Y: 5, Confidence: 1}}},
		{Frame: 1, Keypoints: []keypoints.Keypoint2D{{Joint: "a", X: 3, Y: 4, Confidence: 1}, {Joint: "b", X: 50, Y: 50, Confidence: 0.1}}},
		{Frame: 3, Keypoints: []keypoints.Keypoint2D{{Joint: "a", X: 3, Y: 4, Confidence: 1}}},
	})
	require.NoError(t, err)

	e := MotionEnergy(s, 0.3, 10)
	require.Len(t, e, 4)
	assert.True(t, math.IsNaN(e[0]))
	assert.InDelta(t, 0.5, e[1], 1e-12) // only joint a is confident in both frames
	assert.True(t, math.IsNaN(e[2]))
	assert.True(t, math.IsNaN(e[3]), "frame 2 is missing so frame 3 has no predecessor")
}

func TestSmoothSkipsNaN(t *testing.T) {
	nan := math.NaN()
	out := Smooth([]float64{1, nan, 3, 5}, 3)
	assert.Equal(t, 1.0, out[0])
	assert.True(t, math.IsNaN(out[1]))
	assert.Equal(t, 4.0, out[2])
	assert.Equal(t, 4.0, out[3])
	assert.Equal(t, []float64{1, 2}, Smooth([]float64{1, 2}, 1))
}

func TestSynchronizeRecoversOffsets(t *testing.T) {
	cams, reg := testRig(t)
	offsets := map[string]int{"Cam1": 7, "Cam2": -4}
	trial, err := synth.ObserveTrial(cams, testMotion(1, 300), synth.TrialOptions{Name: "walk", Confidence: 0.9, Offsets: offsets, PixelNoise: 0.5}, rand.New(rand.NewSource(2)))
	require.NoError(t, err)

	res, err := Synchronize(context.Background(), trial, reg, testOptions())
	require.NoError(t, err)
	require.True(t, res.Resolved())
	assert.Equal(t, "Cam0", res.Reference)
	assert.Equal(t, 0.0, res.Offsets["Cam0"].Frames)
	for id, want := range offsets {
		o := res.Offsets[id]
		assert.Equal(t, want, o.Lag, id)
		assert.InDelta(t, float64(want), o.Frames, 0.25, id)
		assert.GreaterOrEqual(t, o.Correlation, 0.7, id)
		assert.NotEmpty(t, o.Curve, id)
	}
}

// bumpSignal is a smooth, aperiodic speed trace sampled at t+shift.
func bumpSignal(n int, shift float64) []float64 {
	centers := []float64{30, 75, 110, 160, 205, 250}
	heights := []float64{1, 0.6, 1.4, 0.8, 1.1, 0.5}
	out := make([]float64, n)
	for k := range out {
		t := float64(k) + shift
		for i, c := range centers {
			d := (t - c) / 6
			out[k] += heights[i] * math.Exp(-0.5*d*d)
		}
	}
	return out
}

func TestCrossCorrelateSubFrameShift(t *testing.T) {
	tests := []struct {
		shift float64
		lag   int
	}{
		{2.4, 2},
		{-3.7, -4},
		{6.5, 6},
	}
	ref := bumpSignal(300, 0)
	for _, tt := range tests {
		o, err := crossCorrelate(context.Background(), ref, bumpSignal(300, tt.shift), testOptions())
		require.NoError(t, err)
		require.Equal(t, StatusResolved, o.Status, tt.shift)
		assert.InDelta(t, tt.lag, o.Lag, 1, tt.shift)
		assert.Less(t, math.Abs(o.Frames-tt.shift), 0.25, tt.shift)
	}
}

func TestSynchronizeConfiguredReference(t *testing.T) {
	cams, reg := testRig(t)
	trial, err := synth.ObserveTrial(cams, testMotion(3, 300), synth.TrialOptions{Confidence: 0.9, Offsets: map[string]int{"Cam1": 5}}, rand.New(rand.NewSource(4)))
	require.NoError(t, err)

	opts := testOptions()
	opts.Reference = "Cam1"
	res, err := Synchronize(context.Background(), trial, reg, opts)
	require.NoError(t, err)
	assert.Equal(t, "Cam1", res.Reference)
	assert.Equal(t, -5, res.Offsets["Cam0"].Lag)
	assert.Equal(t, -5, res.Offsets["Cam2"].Lag)

	opts.Reference = "Nope"
	_, err = Synchronize(context.Background(), trial, reg, opts)
	assert.Error(t, err)
}

func TestSynchronizeFlatSignal(t *testing.T) {
	cams, reg := testRig(t)
	m := testMotion(5, 120)
	for f := range m.Positions {
		m.Positions[f] = m.Positions[0]
	}
	trial, err := synth.ObserveTrial(cams, m, synth.TrialOptions{Confidence: 0.9}, rand.New(rand.NewSource(6)))
	require.NoError(t, err)

	res, err := Synchronize(context.Background(), trial, reg, testOptions())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSyncUnresolved))
	assert.False(t, res.Resolved())
	var ue *UnresolvedError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "Cam1", ue.CameraID)

	_, err = Align(trial, res)
	assert.ErrorIs(t, err, ErrSyncUnresolved)
}

func TestSynchronizeUnrelatedMotion(t *testing.T) {
	cams, reg := testRig(t)
	a, err := synth.ObserveTrial(cams[:1], testMotion(7, 300), synth.TrialOptions{Confidence: 0.9}, rand.New(rand.NewSource(8)))
	require.NoError(t, err)
	b, err := synth.ObserveTrial(cams[1:2], testMotion(9, 300), synth.TrialOptions{Confidence: 0.9}, rand.New(rand.NewSource(10)))
	require.NoError(t, err)
	a.Streams["Cam1"] = b.Streams["Cam1"]

	res, err := Synchronize(context.Background(), a, reg, testOptions())
	assert.ErrorIs(t, err, ErrSyncUnresolved)
	assert.Equal(t, StatusUnresolved, res.Offsets["Cam1"].Status)
	assert.Less(t, res.Offsets["Cam1"].Correlation, 0.7)
}

func TestSynchronizeCancelled(t *testing.T) {
	cams, reg := testRig(t)
	trial, err := synth.ObserveTrial(cams, testMotion(11, 200), synth.TrialOptions{Confidence: 0.9}, rand.New(rand.NewSource(12)))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Synchronize(ctx, trial, reg, testOptions())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAlign(t *testing.T) {
	cams, _ := testRig(t)
	trial, err := synth.ObserveTrial(cams[:2], testMotion(13, 100), synth.TrialOptions{Confidence: 0.9, Offsets: map[string]int{"Cam1": 10}}, rand.New(rand.NewSource(14)))
	require.NoError(t, err)
	res := &Result{Trial: "t", Reference: "Cam0", Status: StatusResolved, Offsets: map[string]Offset{
		"Cam0": {CameraID: "Cam0", Status: StatusResolved},
		"Cam1": {CameraID: "Cam1", Frames: 10.2, Status: StatusResolved},
	}}

	a, err := Align(trial, res)
	require.NoError(t, err)
	assert.Equal(t, []string{"Cam0", "Cam1"}, a.CameraIDs())
	// Cam1 frames 0..89 map to reference 10..99; Cam0 covers 0..99.
	assert.Equal(t, 10, a.First)
	assert.Equal(t, 99, a.Last)
	assert.Len(t, a.Frames(), 90)

	f, ok := a.CameraFrame("Cam1", 50)
	require.True(t, ok)
	assert.Equal(t, 40, f)
	_, ok = a.CameraFrame("Cam1", 5)
	assert.False(t, ok)
	_, ok = a.CameraFrame("Cam9", 50)
	assert.False(t, ok)

	want, ok := trial.Streams["Cam1"].Lookup(40, "Neck")
	require.True(t, ok)
	got, ok := a.Lookup("Cam1", 50, "Neck")
	require.True(t, ok)
	assert.Equal(t, want, got)
}
