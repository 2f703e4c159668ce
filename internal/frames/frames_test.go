package frames

import (
	"testing"

	"github.com/banshee-data/multicam/internal/camera"
	"github.com/banshee-data/multicam/internal/geometry"
	"github.com/banshee-data/multicam/internal/keypoints"
	"github.com/banshee-data/multicam/internal/synth"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertVec(t *testing.T, want, got r3.Vector) {
	t.Helper()
	assert.InDelta(t, 0, want.Sub(got).Norm(), 1e-12, "want %v got %v", want, got)
}

func TestTransformTable(t *testing.T) {
	tests := []struct {
		name        string
		mount       camera.Mount
		orientation camera.Orientation
		up          r3.Vector // board-frame direction that must become +Y
		toward      r3.Vector // board-frame direction toward the cameras
		wantToward  r3.Vector
	}{
		{"back wall upright", camera.MountBackWall, camera.OrientationUpright, r3.Vector{Y: -1}, r3.Vector{Z: -1}, r3.Vector{X: 1}},
		{"back wall upside down", camera.MountBackWall, camera.OrientationUpsideDown, r3.Vector{Y: 1}, r3.Vector{Z: -1}, r3.Vector{X: 1}},
		{"back wall unknown", camera.MountBackWall, camera.OrientationUnknown, r3.Vector{Y: -1}, r3.Vector{Z: -1}, r3.Vector{X: 1}},
		{"ground", camera.MountGround, camera.OrientationUpright, r3.Vector{Z: -1}, r3.Vector{Z: -1}, r3.Vector{Y: 1}},
		{"identity", camera.MountIdentity, camera.OrientationUpsideDown, r3.Vector{Y: 1}, r3.Vector{Z: -1}, r3.Vector{Z: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := New(tt.mount, tt.orientation)
			require.NoError(t, err)
			assert.True(t, geometry.IsValidRotation(tr.Rotation, 1e-12))
			assertVec(t, r3.Vector{Y: 1}, tr.ApplyPoint(tt.up))
			assertVec(t, tt.wantToward, tr.ApplyPoint(tt.toward))
		})
	}

	_, err := New(camera.Mount("ceiling"), camera.OrientationUpright)
	assert.Error(t, err)
}

func TestApplyAndInverse(t *testing.T) {
	tr, err := New(camera.MountBackWall, camera.OrientationUpright)
	require.NoError(t, err)
	in := []keypoints.Frame3D{{Frame: 3, Points: []keypoints.Keypoint3D{
		{Joint: "Neck", Frame: 3, Position: r3.Vector{X: 0.1, Y: -1.4, Z: -0.5}, Present: true, Views: 3},
		{Joint: "RWrist", Frame: 3, Position: r3.Vector{X: 9, Y: 9, Z: 9}, Flags: keypoints.FlagInsufficientViews},
	}}}

	out := tr.Apply(in)
	require.Len(t, out, 1)
	assert.Equal(t, 3, out[0].Frame)
	assertVec(t, tr.ApplyPoint(in[0].Points[0].Position), out[0].Points[0].Position)
	assert.Equal(t, 3, out[0].Points[0].Views)
	assert.Equal(t, in[0].Points[1], out[0].Points[1], "missing points are untouched")
	assertVec(t, r3.Vector{X: 0.1, Y: -1.4, Z: -0.5}, in[0].Points[0].Position)

	back := tr.Inverse(out)
	assertVec(t, in[0].Points[0].Position, back[0].Points[0].Position)

	id, err := New(camera.MountIdentity, camera.OrientationUnknown)
	require.NoError(t, err)
	assert.Equal(t, in, id.Apply(id.Apply(in)))
}

func TestDetectOrientation(t *testing.T) {
	board := camera.BoardGeometry{Cols: 5, Rows: 4, SquareSize: 0.035, Mount: camera.MountBackWall}
	cams := synth.BackWallRig(board, 3, camera.ImageSize{Width: 1280, Height: 720}, 900, 3, 25, 0.3)
	assert.Equal(t, camera.OrientationUpright, DetectOrientation(cams))

	flipped := make([]camera.CameraParameters, len(cams))
	for i, c := range cams {
		c.Rotation = geometry.RotZ(180).Mul(c.Rotation)
		c.Translation = geometry.RotZ(180).MulVec(c.Translation)
		flipped[i] = c
	}
	assert.Equal(t, camera.OrientationUpsideDown, DetectOrientation(flipped))
	assert.Equal(t, camera.OrientationUpright, DetectOrientation(append(flipped[:1:1], cams[1:]...)))

	reg := camera.NewRegistry()
	for _, c := range flipped {
		require.NoError(t, reg.Add(c))
	}
	tr, err := ForRig(board, reg)
	require.NoError(t, err)
	assert.Equal(t, camera.OrientationUpsideDown, tr.Orientation)

	board.Orientation = camera.OrientationUpright
	tr, err = ForRig(board, reg)
	require.NoError(t, err)
	assert.Equal(t, camera.OrientationUpright, tr.Orientation)
}
