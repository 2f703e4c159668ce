package export

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/banshee-data/multicam/internal/camera"
	"github.com/banshee-data/multicam/internal/frames"
	"github.com/banshee-data/multicam/internal/keypoints"
	"github.com/banshee-data/multicam/internal/triangulate"
	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testResult() *triangulate.Result {
	joints := []string{"Neck", "RWrist", "LWrist"}
	var fs []keypoints.Frame3D
	for f := 10; f < 14; f++ {
		pts := make([]keypoints.Keypoint3D, len(joints))
		for j, name := range joints {
			pts[j] = keypoints.Keypoint3D{
				Joint:    name,
				Frame:    f,
				Position: r3.Vector{X: 0.1 * float64(j), Y: 1.5 - 0.01*float64(f), Z: -0.25},
				Residual: 0.002,
				Views:    3,
				Present:  true,
			}
		}
		if f == 11 {
			pts[1] = keypoints.Keypoint3D{Joint: "RWrist", Frame: f, Views: 1, Flags: keypoints.FlagInsufficientViews}
		}
		fs = append(fs, keypoints.Frame3D{Frame: f, Points: pts})
	}
	return &triangulate.Result{Trial: "walk", Joints: joints, Frames: fs, Summary: triangulate.Summary{Frames: 4, Points: 12, Present: 11, Missing: 1}}
}

func TestWriteTRC(t *testing.T) {
	res := testResult()
	var buf bytes.Buffer
	require.NoError(t, WriteTRC(&buf, "walk.trc", 60, res.Joints, res.Frames))

	lines := strings.Split(buf.String(), "\n")
	assert.Equal(t, "PathFileType\t4\t(X/Y/Z)\twalk.trc", lines[0])
	assert.Equal(t, "60.00\t60.00\t4\t3\tm\t60.00\t1\t4", lines[2])
	assert.Equal(t, "Frame#\tTime\tNeck\t\t\tRWrist\t\t\tLWrist\t\t", lines[3])
	assert.Equal(t, "\t\tX1\tY1\tZ1\tX2\tY2\tZ2\tX3\tY3\tZ3", lines[4])
	assert.Equal(t, "", lines[5])
	assert.True(t, strings.HasPrefix(lines[6], "1\t0.00000\t0.000000\t1.400000\t-0.250000"))
	assert.Contains(t, lines[7], "\t\t\t", "missing marker is written empty")

	parsed, err := ReadTRC(&buf)
	require.NoError(t, err)
	assert.Equal(t, "walk.trc", parsed.FileName)
	assert.Equal(t, 60.0, parsed.FrameRate)
	assert.Equal(t, res.Joints, parsed.Joints)
	require.Len(t, parsed.Frames, 4)
	assert.InDelta(t, 3.0/60, parsed.Times[3], 1e-5)
	for i, f := range parsed.Frames {
		assert.Equal(t, i+1, f.Frame)
		for j, p := range f.Points {
			want := res.Frames[i].Points[j]
			assert.Equal(t, want.Present, p.Present, "frame %d %s", i, p.Joint)
			if want.Present {
				assert.InDelta(t, 0, want.Position.Sub(p.Position).Norm(), 1e-6)
			}
		}
	}
}

func TestWriteTRCRejectsBadInput(t *testing.T) {
	res := testResult()
	var buf bytes.Buffer
	assert.Error(t, WriteTRC(&buf, "x.trc", 0, res.Joints, res.Frames))
	assert.Error(t, WriteTRC(&buf, "x.trc", 60, res.Joints[:2], res.Frames))

	_, err := ReadTRC(strings.NewReader("garbage\n"))
	assert.ErrorIs(t, err, ErrMalformedTRC)
}

func TestWriteFiles(t *testing.T) {
	res := testResult()
	tr, err := frames.New(camera.MountBackWall, camera.OrientationUpright)
	require.NoError(t, err)
	doc := NewDocument(res, 60, tr)

	trcPath, jsonPath, err := WriteFiles(t.TempDir(), doc)
	require.NoError(t, err)
	assert.FileExists(t, trcPath)

	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	var got Document
	require.NoError(t, json.Unmarshal(data, &got))
	if diff := cmp.Diff(doc, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("document mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "m", got.Units)
}

func TestWriteFilesSanitizesTrialName(t *testing.T) {
	res := testResult()
	res.Trial = "../escape/walk 1"
	dir := t.TempDir()
	trcPath, jsonPath, err := WriteFiles(dir, NewDocument(res, 60, frames.Transform{}))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "escape_walk_1.trc"), trcPath)
	assert.Equal(t, filepath.Join(dir, "escape_walk_1.json"), jsonPath)
}
