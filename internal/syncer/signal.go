package syncer

import (
	"math"

	"github.com/banshee-data/multicam/internal/keypoints"
)

// MotionEnergy returns the motion-energy signal of a stream, indexed by the
// stream's own frame numbers from 0 to its last frame. Sample k is the summed
// displacement between frames k−1 and k of every joint detected with at
// least minConfidence in both, divided by diag. Samples without any such
// joint are NaN.
func MotionEnergy(s *keypoints.Stream, minConfidence, diag float64) []float64 {
	_, last, ok := s.Span()
	if !ok {
		return nil
	}
	if diag <= 0 {
		diag = 1
	}
	out := make([]float64, last+1)
	for i := range out {
		out[i] = math.NaN()
	}
	for k := 1; k <= last; k++ {
		cur, ok := s.Keypoints(k)
		if !ok {
			continue
		}
		prev, ok := s.Keypoints(k - 1)
		if !ok {
			continue
		}
		prevByJoint := make(map[string]keypoints.Keypoint2D, len(prev))
		for _, kp := range prev {
			if kp.Confidence >= minConfidence {
				prevByJoint[kp.Joint] = kp
			}
		}
		var sum float64
		n := 0
		for _, kp := range cur {
			if kp.Confidence < minConfidence {
				continue
			}
			p, ok := prevByJoint[kp.Joint]
			if !ok {
				continue
			}
			sum += math.Hypot(kp.X-p.X, kp.Y-p.Y)
			n++
		}
		if n > 0 {
			out[k] = sum / diag
		}
	}
	return out
}

// Smooth applies a centered moving average of the given window, ignoring NaN
// samples. Windows below 2 return the input unchanged.
func Smooth(x []float64, window int) []float64 {
	if window < 2 {
		return x
	}
	half := window / 2
	out := make([]float64, len(x))
	for i := range x {
		if math.IsNaN(x[i]) {
			out[i] = math.NaN()
			continue
		}
		var sum float64
		n := 0
		for j := i - half; j <= i+half; j++ {
			if j < 0 || j >= len(x) || math.IsNaN(x[j]) {
				continue
			}
			sum += x[j]
			n++
		}
		out[i] = sum / float64(n)
	}
	return out
}
