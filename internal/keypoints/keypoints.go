// Package keypoints defines the 2D detector contract and the 3D keypoint
// output of the pipeline, plus the trial file that carries per-camera 2D
// streams into synchronization and triangulation.
package keypoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/golang/geo/r3"
)

// Keypoint2D is one joint detection in one camera frame. Confidence is in
// [0,1]; zero means the detector did not see the joint.
type Keypoint2D struct {
	Joint      string  `json:"joint"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Confidence float64 `json:"confidence"`
}

// FrameKeypoints holds all detections of one camera frame.
type FrameKeypoints struct {
	Frame     int          `json:"frame"`
	Keypoints []Keypoint2D `json:"keypoints"`
}

// Stream is one camera's detections in that camera's own frame clock. Frames
// without detections are absent rather than empty.
type Stream struct {
	CameraID string
	Frames   []FrameKeypoints

	index map[int]int
}

// NewStream builds a stream, sorting frames by index. Duplicate frame indices
// are rejected.
func NewStream(cameraID string, frames []FrameKeypoints) (*Stream, error) {
	s := &Stream{CameraID: cameraID, Frames: append([]FrameKeypoints(nil), frames...)}
	sort.SliceStable(s.Frames, func(i, j int) bool { return s.Frames[i].Frame < s.Frames[j].Frame })
	s.index = make(map[int]int, len(s.Frames))
	for i, f := range s.Frames {
		if f.Frame < 0 {
			return nil, fmt.Errorf("camera %s: negative frame index %d", cameraID, f.Frame)
		}
		if _, dup := s.index[f.Frame]; dup {
			return nil, fmt.Errorf("camera %s: duplicate frame %d", cameraID, f.Frame)
		}
		s.index[f.Frame] = i
	}
	return s, nil
}

// Keypoints returns the detections at frame.
func (s *Stream) Keypoints(frame int) ([]Keypoint2D, bool) {
	i, ok := s.index[frame]
	if !ok {
		return nil, false
	}
	return s.Frames[i].Keypoints, true
}

// Lookup returns one joint's detection at frame.
func (s *Stream) Lookup(frame int, joint string) (Keypoint2D, bool) {
	kps, ok := s.Keypoints(frame)
	if !ok {
		return Keypoint2D{}, false
	}
	for _, kp := range kps {
		if kp.Joint == joint {
			return kp, true
		}
	}
	return Keypoint2D{}, false
}

// Span returns the first and last frame index, or ok=false for an empty stream.
func (s *Stream) Span() (first, last int, ok bool) {
	if len(s.Frames) == 0 {
		return 0, 0, false
	}
	return s.Frames[0].Frame, s.Frames[len(s.Frames)-1].Frame, true
}

// Trial is the unit of synchronization and triangulation: one stream per
// camera, the joint schema, and the capture frame rate.
type Trial struct {
	Name      string
	FrameRate float64
	Joints    []string
	Streams   map[string]*Stream
}

// CameraIDs returns the camera ids in sorted order.
func (t *Trial) CameraIDs() []string {
	ids := make([]string, 0, len(t.Streams))
	for id := range t.Streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks the trial has a joint schema and at least two cameras.
func (t *Trial) Validate() error {
	if len(t.Joints) == 0 {
		return fmt.Errorf("trial %q has no joints", t.Name)
	}
	if len(t.Streams) < 2 {
		return fmt.Errorf("trial %q needs at least 2 camera streams, has %d", t.Name, len(t.Streams))
	}
	if t.FrameRate <= 0 {
		return fmt.Errorf("trial %q has invalid frame rate %v", t.Name, t.FrameRate)
	}
	known := make(map[string]bool, len(t.Joints))
	for _, j := range t.Joints {
		known[j] = true
	}
	for _, id := range t.CameraIDs() {
		for _, f := range t.Streams[id].Frames {
			for _, kp := range f.Keypoints {
				if !known[kp.Joint] {
					return fmt.Errorf("camera %s frame %d: unknown joint %q", id, f.Frame, kp.Joint)
				}
				if kp.Confidence < 0 || kp.Confidence > 1 {
					return fmt.Errorf("camera %s frame %d joint %s: confidence %v outside [0,1]", id, f.Frame, kp.Joint, kp.Confidence)
				}
			}
		}
	}
	return nil
}

// trialFile is the on-disk JSON layout produced by the detector collaborator.
type trialFile struct {
	Name      string                      `json:"name"`
	FrameRate float64                     `json:"frame_rate"`
	Joints    []string                    `json:"joints"`
	Cameras   map[string][]FrameKeypoints `json:"cameras"`
}

// ParseTrial decodes a trial JSON document.
func ParseTrial(data []byte) (*Trial, error) {
	var tf trialFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse trial: %w", err)
	}
	t := &Trial{
		Name:      tf.Name,
		FrameRate: tf.FrameRate,
		Joints:    tf.Joints,
		Streams:   make(map[string]*Stream, len(tf.Cameras)),
	}
	for id, frames := range tf.Cameras {
		s, err := NewStream(id, frames)
		if err != nil {
			return nil, err
		}
		t.Streams[id] = s
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadTrial reads a trial JSON file. The trial name defaults to the file name.
func LoadTrial(path string) (*Trial, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read trial: %w", err)
	}
	t, err := ParseTrial(data)
	if err != nil {
		return nil, err
	}
	if t.Name == "" {
		t.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return t, nil
}

// MarshalTrial encodes a trial in the detector file layout.
func MarshalTrial(t *Trial) ([]byte, error) {
	tf := trialFile{
		Name:      t.Name,
		FrameRate: t.FrameRate,
		Joints:    t.Joints,
		Cameras:   make(map[string][]FrameKeypoints, len(t.Streams)),
	}
	for id, s := range t.Streams {
		tf.Cameras[id] = s.Frames
	}
	return json.MarshalIndent(tf, "", "  ")
}

// Flags carries per-point diagnostics.
type Flags uint8

const (
	// FlagInsufficientViews marks a point with fewer than two usable views.
	FlagInsufficientViews Flags = 1 << iota
	// FlagDegenerate marks a point whose rays were nearly parallel or that
	// landed behind a contributing camera.
	FlagDegenerate
)

// Has reports whether f includes flag.
func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

// String lists the set flags.
func (f Flags) String() string {
	var parts []string
	if f.Has(FlagInsufficientViews) {
		parts = append(parts, "insufficient_views")
	}
	if f.Has(FlagDegenerate) {
		parts = append(parts, "degenerate")
	}
	return strings.Join(parts, "|")
}

// Keypoint3D is a reconstructed joint position in meters. When Present is
// false the position is meaningless and must not be used.
type Keypoint3D struct {
	Joint    string    `json:"joint"`
	Frame    int       `json:"frame"`
	Position r3.Vector `json:"position"`
	Residual float64   `json:"residual_m"`
	Views    int       `json:"views"`
	Present  bool      `json:"present"`
	Flags    Flags     `json:"flags,omitempty"`
}

// Frame3D is every joint of one reference frame, in the trial's joint order.
type Frame3D struct {
	Frame  int          `json:"frame"`
	Points []Keypoint3D `json:"points"`
}
