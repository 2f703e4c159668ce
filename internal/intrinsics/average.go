package intrinsics

import (
	"errors"
	"fmt"

	"github.com/banshee-data/multicam/internal/camera"
)

// AverageIntrinsics averages several calibrations of the same camera model:
// intrinsic matrix, distortion coefficients and reprojection error. All
// results must share an image size.
func AverageIntrinsics(results []Result) (Result, error) {
	if len(results) == 0 {
		return Result{}, errors.New("no calibrations to average")
	}
	if len(results) == 1 {
		return results[0], nil
	}
	size := results[0].Size
	out := Result{CameraID: results[0].CameraID, Model: results[0].Model, Size: size, Converged: true}
	n := float64(len(results))
	for _, r := range results {
		if r.Size != size {
			return Result{}, fmt.Errorf("cannot average calibrations with image sizes %dx%d and %dx%d",
				size.Width, size.Height, r.Size.Width, r.Size.Height)
		}
		out.Intrinsics.Fx += r.Intrinsics.Fx / n
		out.Intrinsics.Fy += r.Intrinsics.Fy / n
		out.Intrinsics.Cx += r.Intrinsics.Cx / n
		out.Intrinsics.Cy += r.Intrinsics.Cy / n
		out.Distortion.K1 += r.Distortion.K1 / n
		out.Distortion.K2 += r.Distortion.K2 / n
		out.Distortion.P1 += r.Distortion.P1 / n
		out.Distortion.P2 += r.Distortion.P2 / n
		out.Distortion.K3 += r.Distortion.K3 / n
		out.MeanError += r.MeanError / n
		out.FrameErrors = append(out.FrameErrors, r.FrameErrors...)
		out.Warnings = append(out.Warnings, r.Warnings...)
		out.Converged = out.Converged && r.Converged
	}
	return out, nil
}

// RotateIntrinsics adapts intrinsics calibrated on upright frames to frames
// rotated clockwise by deg (0, 90, 180 or 270), as produced by phones
// recording in portrait.
func RotateIntrinsics(k camera.Intrinsics, d camera.Distortion, size camera.ImageSize, deg int) (camera.Intrinsics, camera.Distortion, camera.ImageSize, error) {
	w, h := float64(size.Width), float64(size.Height)
	switch ((deg % 360) + 360) % 360 {
	case 0:
		return k, d, size, nil
	case 90:
		return camera.Intrinsics{Fx: k.Fy, Fy: k.Fx, Cx: h - 1 - k.Cy, Cy: k.Cx},
			camera.Distortion{K1: d.K1, K2: d.K2, K3: d.K3, P1: d.P2, P2: -d.P1},
			camera.ImageSize{Width: size.Height, Height: size.Width}, nil
	case 180:
		return camera.Intrinsics{Fx: k.Fx, Fy: k.Fy, Cx: w - 1 - k.Cx, Cy: h - 1 - k.Cy},
			camera.Distortion{K1: d.K1, K2: d.K2, K3: d.K3, P1: -d.P1, P2: -d.P2},
			size, nil
	case 270:
		return camera.Intrinsics{Fx: k.Fy, Fy: k.Fx, Cx: k.Cy, Cy: w - 1 - k.Cx},
			camera.Distortion{K1: d.K1, K2: d.K2, K3: d.K3, P1: -d.P2, P2: d.P1},
			camera.ImageSize{Width: size.Height, Height: size.Width}, nil
	default:
		return k, d, size, fmt.Errorf("rotation must be a multiple of 90 degrees, got %d", deg)
	}
}
