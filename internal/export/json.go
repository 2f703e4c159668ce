package export

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/banshee-data/multicam/internal/frames"
	"github.com/banshee-data/multicam/internal/keypoints"
	"github.com/banshee-data/multicam/internal/security"
	"github.com/banshee-data/multicam/internal/triangulate"
)

// Document is the JSON hand-off of a reconstructed trial.
type Document struct {
	Trial     string              `json:"trial"`
	FrameRate float64             `json:"frame_rate"`
	Units     string              `json:"units"`
	Joints    []string            `json:"joints"`
	Transform frames.Transform    `json:"transform"`
	Summary   triangulate.Summary `json:"summary"`
	Frames    []keypoints.Frame3D `json:"frames"`
}

// NewDocument assembles a Document from a result already in the output
// frame.
func NewDocument(res *triangulate.Result, frameRate float64, tr frames.Transform) Document {
	return Document{
		Trial:     res.Trial,
		FrameRate: frameRate,
		Units:     "m",
		Joints:    res.Joints,
		Transform: tr,
		Summary:   res.Summary,
		Frames:    res.Frames,
	}
}

// WriteJSON encodes doc with indentation.
func WriteJSON(w io.Writer, doc Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode trial %s: %w", doc.Trial, err)
	}
	return nil
}

// WriteFiles writes <trial>.trc and <trial>.json into dir and returns their
// paths. The trial name is sanitized for use as a file name.
func WriteFiles(dir string, doc Document) (trcPath, jsonPath string, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	if trcPath, err = security.OutputPath(dir, doc.Trial, ".trc"); err != nil {
		return "", "", err
	}
	if jsonPath, err = security.OutputPath(dir, doc.Trial, ".json"); err != nil {
		return "", "", err
	}
	if err := WriteTRCFile(trcPath, doc); err != nil {
		return "", "", err
	}
	if err := WriteJSONFile(jsonPath, doc); err != nil {
		return "", "", err
	}
	return trcPath, jsonPath, nil
}

// WriteTRCFile writes doc as a TRC file at path.
func WriteTRCFile(path string, doc Document) error {
	return writeFile(path, func(w io.Writer) error {
		return WriteTRC(w, filepath.Base(path), doc.FrameRate, doc.Joints, doc.Frames)
	})
}

// WriteJSONFile writes doc as JSON at path.
func WriteJSONFile(path string, doc Document) error {
	return writeFile(path, func(w io.Writer) error { return WriteJSON(w, doc) })
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
