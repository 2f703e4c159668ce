package pipeline

import (
	"context"
	"image"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/banshee-data/multicam/internal/camera"
	"github.com/banshee-data/multicam/internal/config"
	"github.com/banshee-data/multicam/internal/corners"
	"github.com/banshee-data/multicam/internal/extrinsics"
	"github.com/banshee-data/multicam/internal/geometry"
	"github.com/banshee-data/multicam/internal/intrinsics"
	"github.com/banshee-data/multicam/internal/store"
	"github.com/banshee-data/multicam/internal/synth"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testBoard = camera.BoardGeometry{Cols: 5, Rows: 4, SquareSize: 0.035, Mount: camera.MountBackWall, Orientation: camera.OrientationUpright}
	testSize  = camera.ImageSize{Width: 640, Height: 480}
)

// footage renders calibration and extrinsics frames of a synthetic camera.
func footage(cam camera.CameraParameters, calibrationFrames int, rng *rand.Rand) CameraInput {
	poses := synth.CalibrationPoses(testBoard, cam.Intrinsics, cam.Size, calibrationFrames, 0.6, rng)
	return CameraInput{
		CameraID:          cam.ID,
		Model:             cam.Model,
		Size:              cam.Size,
		CalibrationFrames: len(poses),
		LoadCalibration: func(frame int) (image.Image, error) {
			return synth.RenderBoard(testBoard, cam.Intrinsics, cam.Distortion, cam.Size, poses[frame], 2), nil
		},
		ExtrinsicsFrames: 1,
		LoadExtrinsics: func(int) (image.Image, error) {
			return synth.RenderBoard(testBoard, cam.Intrinsics, cam.Distortion, cam.Size, cam.Pose(), 2), nil
		},
	}
}

func testSession(t *testing.T) *Session {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Session{ID: "s1", Board: testBoard, Config: config.EmptyPipelineConfig(), DB: db, ReportDir: t.TempDir()}
}

func TestEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("renders synthetic footage")
	}
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))
	cams := synth.BackWallRig(testBoard, 2, testSize, 500, 1.0, 20, 0.1)
	sess := testSession(t)

	inputs := make([]CameraInput, len(cams))
	for i, c := range cams {
		inputs[i] = footage(c, 15, rng)
	}
	cal, err := Calibrate(ctx, sess, inputs)
	require.NoError(t, err)
	require.True(t, cal.Calibrated(), "pending %v failed %v", cal.Pending, cal.Failed)

	for _, c := range cams {
		out := cal.Cameras[c.ID]
		require.NoError(t, out.Err)
		assert.GreaterOrEqual(t, len(out.Intrinsics.FrameErrors), 10)
		assert.Less(t, out.Intrinsics.MeanError, 0.5)
		assert.InDelta(t, 500, out.Intrinsics.Intrinsics.Fx, 10)
		assert.True(t, out.Resolution.Resolved())
		assert.True(t, out.Intrinsics.FixedK3)
		assert.InDelta(t, c.Intrinsics.Cx, out.Intrinsics.Intrinsics.Cx, 8)
		// A principal point off by dc pixels tilts the pose by about dc/f, so
		// up to 10 px on rendered corners at f=500 allows 0.02 rad and 2 cm at 1 m.
		assert.Less(t, geometry.RotationAngle(c.Rotation, out.Parameters.Rotation), 0.02)
		assert.Less(t, out.Parameters.Center().Sub(c.Center()).Norm(), 0.02)
		assert.NotEmpty(t, out.ArtifactID)
	}

	// The stored artifacts rebuild the same registry.
	reg, err := store.NewArtifactStore(sess.DB).LoadRegistry(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, cal.Registry.IDs(), reg.IDs())

	joints := []string{"Neck", "RWrist", "LWrist", "RAnkle"}
	m := synth.RandomMotion(joints, 100, r3.Vector{X: 0.07, Y: 0.05, Z: -0.3}, 0.2, rng)
	trial, err := synth.ObserveTrial(cams, m, synth.TrialOptions{Name: "walk", Confidence: 0.9}, rng)
	require.NoError(t, err)

	out, err := Reconstruct(ctx, sess, reg, trial)
	require.NoError(t, err)
	require.True(t, out.Sync.Resolved())
	assert.Equal(t, 0, out.Sync.Offsets["Cam1"].Lag)
	require.Len(t, out.Output.Frames, 100)
	assert.Equal(t, 100*len(joints), out.Output.Summary.Present)
	for _, f := range out.BoardFrame.Frames {
		for j, p := range f.Points {
			require.True(t, p.Present)
			assert.Less(t, p.Residual, 0.01)
			assert.Less(t, p.Position.Sub(m.Positions[f.Frame][j]).Norm(), 0.01)
		}
	}

	// Output is Y-up: the board's −Y maps to +Y.
	assert.Equal(t, camera.OrientationUpright, out.Transform.Orientation)
	boardPt := out.BoardFrame.Frames[0].Points[0].Position
	assert.InDelta(t, -boardPt.Y, out.Output.Frames[0].Points[0].Position.Y, 1e-9)

	saved, err := store.NewSyncStore(sess.DB).Get(sess.ID, "walk")
	require.NoError(t, err)
	assert.Equal(t, out.Sync.Reference, saved.Reference)
	assert.FileExists(t, out.SyncPlot)
	assert.FileExists(t, out.ReportPath)

	doc := out.Document(trial.FrameRate)
	assert.Equal(t, "walk", doc.Trial)
	assert.Equal(t, joints, doc.Joints)
}

func TestCalibrateReportsFailures(t *testing.T) {
	blank := func(int) (image.Image, error) {
		return image.NewGray(image.Rect(0, 0, testSize.Width, testSize.Height)), nil
	}
	inputs := []CameraInput{
		{CameraID: "Cam0", Size: testSize, CalibrationFrames: 12, LoadCalibration: blank, ExtrinsicsFrames: 1, LoadExtrinsics: blank},
		{CameraID: "Cam1", Size: testSize},
	}
	sess := &Session{ID: "s", Board: testBoard}

	out, err := Calibrate(context.Background(), sess, inputs)
	require.NoError(t, err)
	assert.False(t, out.Calibrated())
	assert.ElementsMatch(t, []string{"Cam0", "Cam1"}, out.Failed)
	assert.ErrorIs(t, out.Cameras["Cam0"].Err, intrinsics.ErrInsufficientCalibrationData)
	assert.Equal(t, 12, out.Cameras["Cam0"].IntrinsicsStats.Attempted)
	assert.Error(t, out.Cameras["Cam1"].Err)

	_, err = Reconstruct(context.Background(), sess, out.Registry, nil)
	assert.ErrorIs(t, err, ErrNotCalibrated)
}

func TestResolveReview(t *testing.T) {
	cams := synth.BackWallRig(testBoard, 2, testSize, 500, 1.0, 20, 0.1)
	sess := testSession(t)

	outcome := &CalibrationOutcome{Cameras: map[string]*CameraOutcome{}, Registry: camera.NewRegistry()}
	for i, c := range cams {
		intr := intrinsics.Result{CameraID: c.ID, Intrinsics: c.Intrinsics, Size: c.Size, MeanError: 0.1}
		truth := extrinsics.Candidate{Rotation: c.Rotation, Translation: c.Translation, Plausible: true, RMSError: 0.1}
		mirror := extrinsics.Candidate{Rotation: geometry.RotX(30).Mul(c.Rotation), Translation: c.Translation, Plausible: true, RMSError: 0.12}
		res := extrinsics.Resolution{CameraID: c.ID, Status: extrinsics.StatusPending, Selected: -1, Candidates: []extrinsics.Candidate{mirror, truth}, Reason: "indistinguishable"}
		out := &CameraOutcome{CameraID: c.ID, Intrinsics: intr, Resolution: res}
		outcome.Cameras[c.ID] = out
		outcome.Pending = append(outcome.Pending, c.ID)
		// Two calibration runs both leave the camera pending.
		require.NoError(t, sess.recordPending(out))
		firstReview := out.ReviewID
		require.NoError(t, sess.recordPending(out))
		assert.NotEmpty(t, out.ReviewID, "camera %d", i)
		assert.NotEqual(t, firstReview, out.ReviewID)
		assert.FileExists(t, out.AmbiguityPlot)
	}

	pending, err := store.NewReviewStore(sess.DB).ListPending(sess.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	_, err = store.NewArtifactStore(sess.DB).LoadRegistry(sess.ID)
	assert.ErrorIs(t, err, store.ErrCalibrationPending)

	require.NoError(t, ResolveReview(sess, outcome, "Cam0", 1))
	assert.False(t, outcome.Calibrated())
	assert.Equal(t, []string{"Cam1"}, outcome.Pending)
	assert.Error(t, ResolveReview(sess, outcome, "Cam0", 1), "already resolved")
	assert.Error(t, ResolveReview(sess, outcome, "Cam9", 0))
	assert.Error(t, ResolveReview(sess, outcome, "Cam1", 7))

	require.NoError(t, ResolveReview(sess, outcome, "Cam1", 1))
	assert.True(t, outcome.Calibrated())
	got, _ := outcome.Registry.Get("Cam1")
	assert.Equal(t, cams[1].Rotation, got.Rotation)

	pending, err = store.NewReviewStore(sess.DB).ListPending(sess.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
	stored, err := store.NewArtifactStore(sess.DB).LoadRegistry(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Cam0", "Cam1"}, stored.IDs())
}

func TestCameraInputWithKnownIntrinsics(t *testing.T) {
	cams := synth.BackWallRig(testBoard, 2, testSize, 500, 1.0, 20, 0.1)
	rng := rand.New(rand.NewSource(2))
	inputs := make([]CameraInput, len(cams))
	for i, c := range cams {
		in := footage(c, 1, rng)
		in.CalibrationFrames, in.LoadCalibration = 0, nil
		in.Intrinsics = &intrinsics.Result{Intrinsics: c.Intrinsics, MeanError: 0.2}
		inputs[i] = in
	}
	sess := &Session{ID: "s", Board: testBoard}
	out, err := Calibrate(context.Background(), sess, inputs)
	require.NoError(t, err)
	require.True(t, out.Calibrated(), "pending %v failed %v", out.Pending, out.Failed)
	c0, _ := out.Registry.Get("Cam0")
	assert.Equal(t, testSize, c0.Size)
	assert.Equal(t, 0.2, c0.ReprojectionError)
	assert.Equal(t, corners.DetectionStats{}, out.Cameras["Cam0"].IntrinsicsStats)
}
