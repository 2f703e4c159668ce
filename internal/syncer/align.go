package syncer

import (
	"math"
	"sort"

	"github.com/banshee-data/multicam/internal/keypoints"
)

// Alignment maps reference frames to per-camera frames for a synchronized
// trial.
type Alignment struct {
	Trial     *keypoints.Trial
	Reference string
	// First and Last bound the reference frames covered by at least two
	// cameras. Empty when First > Last.
	First, Last int

	offsets map[string]float64
}

// Align builds the frame mapping for a resolved synchronization.
func Align(trial *keypoints.Trial, res *Result) (*Alignment, error) {
	if !res.Resolved() {
		return nil, res.Err()
	}
	a := &Alignment{Trial: trial, Reference: res.Reference, offsets: make(map[string]float64, len(res.Offsets))}
	coverage := map[int]int{}
	for _, id := range trial.CameraIDs() {
		o, ok := res.Offsets[id]
		if !ok {
			continue
		}
		a.offsets[id] = o.Frames
		first, last, ok := trial.Streams[id].Span()
		if !ok {
			continue
		}
		shift := int(math.Round(o.Frames))
		for f := first + shift; f <= last+shift; f++ {
			coverage[f]++
		}
	}
	frames := make([]int, 0, len(coverage))
	for f, n := range coverage {
		if n >= 2 {
			frames = append(frames, f)
		}
	}
	if len(frames) == 0 {
		a.First, a.Last = 0, -1
		return a, nil
	}
	sort.Ints(frames)
	a.First, a.Last = frames[0], frames[len(frames)-1]
	return a, nil
}

// CameraIDs returns the aligned cameras in sorted order.
func (a *Alignment) CameraIDs() []string {
	ids := make([]string, 0, len(a.offsets))
	for id := range a.offsets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Frames returns the aligned reference frame indices, contiguous from First
// to Last.
func (a *Alignment) Frames() []int {
	if a.Last < a.First {
		return nil
	}
	out := make([]int, 0, a.Last-a.First+1)
	for f := a.First; f <= a.Last; f++ {
		out = append(out, f)
	}
	return out
}

// CameraFrame returns the camera frame observed at reference frame ref,
// round(ref − offset).
func (a *Alignment) CameraFrame(cameraID string, ref int) (int, bool) {
	off, ok := a.offsets[cameraID]
	if !ok {
		return 0, false
	}
	f := int(math.Round(float64(ref) - off))
	if f < 0 {
		return 0, false
	}
	return f, true
}

// Lookup returns the camera's detection of joint at reference frame ref.
func (a *Alignment) Lookup(cameraID string, ref int, joint string) (keypoints.Keypoint2D, bool) {
	f, ok := a.CameraFrame(cameraID, ref)
	if !ok {
		return keypoints.Keypoint2D{}, false
	}
	s, ok := a.Trial.Streams[cameraID]
	if !ok {
		return keypoints.Keypoint2D{}, false
	}
	return s.Lookup(f, joint)
}
