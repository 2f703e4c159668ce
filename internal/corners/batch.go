package corners

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/banshee-data/multicam/internal/camera"
	"github.com/banshee-data/multicam/internal/monitoring"
	"golang.org/x/sync/errgroup"
)

var logf = monitoring.Prefixed("corners")

// LoadFunc returns the frame with the given index.
type LoadFunc func(frame int) (image.Image, error)

// DetectAll runs detection on every listed frame using at most workers
// goroutines. Observations are returned in the order of frames. Per-frame
// detection failures are recorded in the observations and stats; only load
// errors and cancellation abort the batch.
func DetectAll(ctx context.Context, cameraID string, frames []int, load LoadFunc, board camera.BoardGeometry, opts Options, workers int) ([]Observation, DetectionStats, error) {
	if err := board.Validate(); err != nil {
		return nil, DetectionStats{}, err
	}
	out := make([]Observation, len(frames))
	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, frame := range frames {
		i, frame := i, frame
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := load(frame)
			if err != nil {
				return fmt.Errorf("load %s frame %d: %w", cameraID, frame, err)
			}
			obs, _ := detectFrame(img, frame, board, opts)
			obs.CameraID = cameraID
			out[i] = obs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, DetectionStats{}, err
	}

	var stats DetectionStats
	for _, o := range out {
		stats.add(o)
	}
	logf("%s: found board in %d/%d frames (%.0f%%)", cameraID, stats.Found, stats.Attempted, 100*stats.SuccessRate())
	return out, stats, nil
}

// SampleFrameIndices picks 2n evenly spaced frames out of total; the extra
// frames stand in for detection failures. All frames are returned when total
// is not larger than 2n.
func SampleFrameIndices(total, n int) []int {
	if total <= 0 || n <= 0 {
		return nil
	}
	want := 2 * n
	if total <= want {
		idx := make([]int, total)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	idx := make([]int, 0, want)
	last := -1
	for k := 0; k < want; k++ {
		f := int(math.Round(float64(k) * float64(total-1) / float64(want-1)))
		if f != last {
			idx = append(idx, f)
			last = f
		}
	}
	return idx
}

// FirstValid returns up to n valid observations in their original order.
func FirstValid(obs []Observation, n int) []Observation {
	out := make([]Observation, 0, n)
	for _, o := range obs {
		if !o.Valid {
			continue
		}
		out = append(out, o)
		if len(out) == n {
			break
		}
	}
	return out
}

// DetectSampled samples 2n frames out of total, detects the board in each and
// keeps the first n valid observations.
func DetectSampled(ctx context.Context, cameraID string, total, n int, load LoadFunc, board camera.BoardGeometry, opts Options, workers int) ([]Observation, DetectionStats, error) {
	obs, stats, err := DetectAll(ctx, cameraID, SampleFrameIndices(total, n), load, board, opts, workers)
	if err != nil {
		return nil, stats, err
	}
	return FirstValid(obs, n), stats, nil
}
