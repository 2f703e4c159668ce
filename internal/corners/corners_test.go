package corners

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/banshee-data/multicam/internal/camera"
	"github.com/banshee-data/multicam/internal/geometry"
	"github.com/banshee-data/multicam/internal/synth"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testBoard = camera.BoardGeometry{Cols: 5, Rows: 4, SquareSize: 0.035, Mount: camera.MountBackWall}
	testSize  = camera.ImageSize{Width: 640, Height: 480}
	testK     = camera.Intrinsics{Fx: 600, Fy: 600, Cx: 319.5, Cy: 239.5}
)

func render(t *testing.T, d camera.Distortion, pose camera.Pose) (*image.Gray, []geometry.Point2) {
	t.Helper()
	img := synth.RenderBoard(testBoard, testK, d, testSize, pose, 4)
	return img, synth.ProjectBoard(testBoard, testK, d, pose)
}

func frontPose(offset r3.Vector, down r3.Vector) camera.Pose {
	c := testBoard.Center()
	return synth.LookAt(c.Add(offset), c, down)
}

func assertCornersMatch(t *testing.T, want, got []geometry.Point2, tol float64) {
	t.Helper()
	require.Len(t, got, len(want))
	var worst float64
	for i := range want {
		worst = math.Max(worst, want[i].Sub(got[i]).Norm())
	}
	assert.Less(t, worst, tol, "max corner error %.3f px", worst)
}

func TestDetectFindsCornersInRowMajorOrder(t *testing.T) {
	t.Parallel()
	img, want := render(t, camera.Distortion{}, frontPose(r3.Vector{X: 0.08, Y: -0.05, Z: -0.5}, r3.Vector{Y: 1}))

	obs, err := Detect(img, testBoard, DefaultOptions())
	require.NoError(t, err)
	assert.True(t, obs.Valid)
	assert.Greater(t, obs.Sharpness, DefaultOptions().MinSharpness)
	assertCornersMatch(t, want, obs.Corners, 0.3)
}

func TestDetectUpsideDownCameraKeepsBoardOrigin(t *testing.T) {
	t.Parallel()
	img, want := render(t, camera.Distortion{}, frontPose(r3.Vector{X: -0.05, Y: 0.03, Z: -0.55}, r3.Vector{Y: -1}))

	obs, err := Detect(img, testBoard, DefaultOptions())
	require.NoError(t, err)
	assertCornersMatch(t, want, obs.Corners, 0.3)
}

func TestDetectWithLensDistortion(t *testing.T) {
	t.Parallel()
	d := camera.Distortion{K1: -0.08, K2: 0.01}
	img, want := render(t, d, frontPose(r3.Vector{X: 0.1, Y: 0.02, Z: -0.45}, r3.Vector{Y: 1}))

	obs, err := Detect(img, testBoard, DefaultOptions())
	require.NoError(t, err)
	assertCornersMatch(t, want, obs.Corners, 0.4)
}

func TestDetectWithUpsampling(t *testing.T) {
	t.Parallel()
	img, want := render(t, camera.Distortion{}, frontPose(r3.Vector{X: 0.02, Y: -0.02, Z: -0.5}, r3.Vector{Y: 1}))

	opts := DefaultOptions()
	opts.UpsampleFactor = 2
	obs, err := Detect(img, testBoard, opts)
	require.NoError(t, err)
	assertCornersMatch(t, want, obs.Corners, 0.4)
}

func TestDetectReportsBlurred(t *testing.T) {
	t.Parallel()
	sharp, _ := render(t, camera.Distortion{}, frontPose(r3.Vector{Z: -0.5}, r3.Vector{Y: 1}))
	blurred := synth.Blur(sharp, 5)

	sharpness, blurredSharpness := Sharpness(sharp), Sharpness(blurred)
	require.Less(t, blurredSharpness*4, sharpness)

	opts := DefaultOptions()
	opts.MinSharpness = math.Sqrt(sharpness * blurredSharpness)

	obs, err := Detect(blurred, testBoard, opts)
	require.Error(t, err)
	assert.False(t, obs.Valid)
	assert.Equal(t, ReasonBlurred, obs.Reason)
	assert.True(t, errors.Is(err, ErrDetectionFailure))

	var df *DetectionFailure
	require.True(t, errors.As(err, &df))
	assert.Equal(t, ReasonBlurred, df.Reason)

	_, err = Detect(sharp, testBoard, opts)
	assert.NoError(t, err)
}

func TestDetectReportsPartialPattern(t *testing.T) {
	t.Parallel()
	img, _ := render(t, camera.Distortion{}, frontPose(r3.Vector{Z: -0.5}, r3.Vector{Y: 1}))
	bigger := testBoard
	bigger.Cols, bigger.Rows = 6, 5

	obs, err := Detect(img, bigger, DefaultOptions())
	require.Error(t, err)
	assert.Equal(t, ReasonPartial, obs.Reason)

	var df *DetectionFailure
	require.True(t, errors.As(err, &df))
	assert.Equal(t, 20, df.Found)
	assert.Equal(t, 30, df.Expected)
}

func TestDetectReportsNotFound(t *testing.T) {
	t.Parallel()
	img := image.NewGray(image.Rect(0, 0, 200, 150))
	for y := 0; y < 150; y++ {
		for x := 0; x < 200; x++ {
			v := uint8(220)
			if x > 60 && x < 140 && y > 40 && y < 110 {
				v = 30
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	opts := DefaultOptions()
	opts.MinSharpness = 0

	obs, err := Detect(img, testBoard, opts)
	require.Error(t, err)
	assert.Equal(t, ReasonNotFound, obs.Reason)
}

func TestDetectAcceptsNonGrayImages(t *testing.T) {
	t.Parallel()
	gray, want := render(t, camera.Distortion{}, frontPose(r3.Vector{X: 0.03, Z: -0.5}, r3.Vector{Y: 1}))
	rgba := image.NewRGBA(gray.Bounds())
	for y := 0; y < testSize.Height; y++ {
		for x := 0; x < testSize.Width; x++ {
			v := gray.GrayAt(x, y).Y
			rgba.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	obs, err := Detect(rgba, testBoard, DefaultOptions())
	require.NoError(t, err)
	assertCornersMatch(t, want, obs.Corners, 0.3)
}

func TestDetectAllCollectsStats(t *testing.T) {
	t.Parallel()
	good, _ := render(t, camera.Distortion{}, frontPose(r3.Vector{X: 0.04, Z: -0.5}, r3.Vector{Y: 1}))
	blank := image.NewGray(good.Bounds())

	load := func(frame int) (image.Image, error) {
		if frame%2 == 0 {
			return good, nil
		}
		return blank, nil
	}
	obs, stats, err := DetectAll(context.Background(), "cam0", []int{0, 1, 2, 3}, load, testBoard, DefaultOptions(), 2)
	require.NoError(t, err)
	require.Len(t, obs, 4)
	assert.Equal(t, 4, stats.Attempted)
	assert.Equal(t, 2, stats.Found)
	assert.Equal(t, 2, stats.Failures[ReasonBlurred])
	assert.InDelta(t, 0.5, stats.SuccessRate(), 1e-12)
	for i, o := range obs {
		assert.Equal(t, i, o.Frame)
		assert.Equal(t, "cam0", o.CameraID)
	}

	valid := FirstValid(obs, 1)
	require.Len(t, valid, 1)
	assert.Equal(t, 0, valid[0].Frame)
}

func TestDetectAllPropagatesLoadErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("decode failed")
	_, _, err := DetectAll(context.Background(), "cam0", []int{0}, func(int) (image.Image, error) { return nil, boom }, testBoard, DefaultOptions(), 1)
	assert.ErrorIs(t, err, boom)
}

func TestSampleFrameIndices(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []int{0, 1, 2, 3}, SampleFrameIndices(4, 5))
	got := SampleFrameIndices(100, 5)
	assert.Len(t, got, 10)
	assert.Equal(t, 0, got[0])
	assert.Equal(t, 99, got[len(got)-1])
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i], got[i-1])
	}
	assert.Nil(t, SampleFrameIndices(0, 5))
}

func TestConvexHullAndQuad(t *testing.T) {
	t.Parallel()
	var pts []geometry.Point2
	for j := 0; j < 4; j++ {
		for i := 0; i < 5; i++ {
			pts = append(pts, geometry.Point2{X: float64(i) * 10, Y: float64(j) * 10})
		}
	}
	hull := convexHull(pts)
	assert.Len(t, hull, 4)
	quad, ok := maxAreaQuad(hull)
	require.True(t, ok)
	assert.InDelta(t, 40*30, quadArea(quad), 1e-9)
}
