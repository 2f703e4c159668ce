package synth

import (
	"math"
	"math/rand"

	"github.com/banshee-data/multicam/internal/camera"
	"github.com/banshee-data/multicam/internal/keypoints"
	"github.com/golang/geo/r3"
)

// Motion is a ground-truth joint trajectory: Positions[f][j] is joint j at
// reference frame f, in world coordinates.
type Motion struct {
	Joints    []string
	Positions [][]r3.Vector
}

// RandomMotion generates an irregular, non-periodic trajectory for each joint
// around origin. Velocities follow a smoothed random walk with bursts of
// activity so the motion-energy signal has a unique alignment.
func RandomMotion(joints []string, frames int, origin r3.Vector, extent float64, rng *rand.Rand) Motion {
	m := Motion{Joints: joints, Positions: make([][]r3.Vector, frames)}
	pos := make([]r3.Vector, len(joints))
	vel := make([]r3.Vector, len(joints))
	for j := range joints {
		pos[j] = origin.Add(r3.Vector{
			X: (rng.Float64()*2 - 1) * extent / 2,
			Y: (rng.Float64()*2 - 1) * extent / 2,
			Z: (rng.Float64()*2 - 1) * extent / 4,
		})
	}
	for f := 0; f < frames; f++ {
		activity := 0.2 + 0.8*math.Abs(math.Sin(float64(f)*0.037+rng.Float64()*0.1))
		if rng.Float64() < 0.05 {
			activity *= 3
		}
		row := make([]r3.Vector, len(joints))
		for j := range joints {
			kick := r3.Vector{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64() * 0.5}
			vel[j] = vel[j].Mul(0.8).Add(kick.Mul(0.004 * extent * activity))
			next := pos[j].Add(vel[j])
			// Pull back toward the origin to stay in view.
			next = next.Add(origin.Sub(next).Mul(0.02))
			pos[j] = next
			row[j] = next
		}
		m.Positions[f] = row
	}
	return m
}

// TrialOptions controls how a Motion is observed by a rig.
type TrialOptions struct {
	Name       string
	FrameRate  float64
	Confidence float64
	// Offsets maps camera id to its sync offset: camera frame k observes
	// reference frame k+offset.
	Offsets map[string]int
	// PixelNoise is the Gaussian noise sigma in pixels.
	PixelNoise float64
}

// ObserveTrial projects motion into every camera. Each camera's stream starts
// at its own frame 0 and only contains frames whose reference frame exists.
// Joints that fall outside the image or behind the camera are omitted.
func ObserveTrial(cams []camera.CameraParameters, m Motion, opts TrialOptions, rng *rand.Rand) (*keypoints.Trial, error) {
	t := &keypoints.Trial{
		Name:      opts.Name,
		FrameRate: opts.FrameRate,
		Joints:    m.Joints,
		Streams:   make(map[string]*keypoints.Stream, len(cams)),
	}
	if t.FrameRate == 0 {
		t.FrameRate = 60
	}
	total := len(m.Positions)
	for _, c := range cams {
		offset := opts.Offsets[c.ID]
		var frames []keypoints.FrameKeypoints
		for k := 0; ; k++ {
			ref := k + offset
			if ref >= total {
				break
			}
			if ref < 0 {
				continue
			}
			var kps []keypoints.Keypoint2D
			for j, joint := range m.Joints {
				px, depth := c.Project(m.Positions[ref][j])
				if depth <= 0 || px.X < 0 || px.Y < 0 || px.X >= float64(c.Size.Width) || px.Y >= float64(c.Size.Height) {
					continue
				}
				if opts.PixelNoise > 0 {
					px.X += rng.NormFloat64() * opts.PixelNoise
					px.Y += rng.NormFloat64() * opts.PixelNoise
				}
				kps = append(kps, keypoints.Keypoint2D{Joint: joint, X: px.X, Y: px.Y, Confidence: opts.Confidence})
			}
			frames = append(frames, keypoints.FrameKeypoints{Frame: k, Keypoints: kps})
		}
		s, err := keypoints.NewStream(c.ID, frames)
		if err != nil {
			return nil, err
		}
		t.Streams[c.ID] = s
	}
	return t, nil
}
