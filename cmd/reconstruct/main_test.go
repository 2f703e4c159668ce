package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/banshee-data/multicam/internal/camera"
	"github.com/banshee-data/multicam/internal/synth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadArtifacts(t *testing.T) {
	board := camera.BoardGeometry{Cols: 5, Rows: 4, SquareSize: 0.035, Mount: camera.MountBackWall}
	cams := synth.BackWallRig(board, 3, camera.ImageSize{Width: 640, Height: 480}, 500, 1.0, 20, 0)
	dir := t.TempDir()
	for _, c := range cams {
		data, err := camera.MarshalArtifact(c)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, c.ID+".json"), data, 0o644))
	}

	reg, err := loadArtifacts(dir)
	require.NoError(t, err)
	assert.True(t, reg.Sealed())
	assert.Equal(t, []string{"Cam0", "Cam1", "Cam2"}, reg.IDs())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644))
	_, err = loadArtifacts(dir)
	assert.Error(t, err)

	_, err = loadArtifacts(t.TempDir())
	assert.Error(t, err, "an empty directory cannot seal")
}

func TestOutputPath(t *testing.T) {
	old := *trialPath
	t.Cleanup(func() { *trialPath = old })
	*trialPath = "data/walk_1.json"

	assert.Equal(t, "data/walk_1.trc", outputPath("", ".trc"))
	assert.Equal(t, "data/walk_1_3d.json", outputPath("", "_3d.json"))
	assert.Equal(t, "out.json", outputPath("out.json", "_3d.json"))
}
