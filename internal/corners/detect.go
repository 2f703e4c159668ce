package corners

import (
	"image"
	"math"
	"sort"

	"github.com/banshee-data/multicam/internal/camera"
	"github.com/banshee-data/multicam/internal/geometry"
)

// relativeResponse is the fraction of the strongest saddle response a
// candidate must reach.
const relativeResponse = 0.1

type candidate struct {
	pt       geometry.Point2
	response float64
}

// Detect finds the board's inner corners in img. On failure the returned
// Observation has Valid=false and the error is a *DetectionFailure.
func Detect(img image.Image, board camera.BoardGeometry, opts Options) (Observation, error) {
	return detectFrame(img, 0, board, opts)
}

func detectFrame(img image.Image, frame int, board camera.BoardGeometry, opts Options) (Observation, error) {
	raw := toPlane(img)
	obs := Observation{Frame: frame, Sharpness: raw.laplacianVariance()}
	expected := board.NumCorners()

	fail := func(reason FailureReason, found int) (Observation, error) {
		obs.Reason = reason
		return obs, &DetectionFailure{Frame: frame, Reason: reason, Found: found, Expected: expected, Sharpness: obs.Sharpness}
	}

	if obs.Sharpness < opts.MinSharpness {
		return fail(ReasonBlurred, 0)
	}

	factor := opts.UpsampleFactor
	if factor < 1 {
		factor = 1
	}
	work := raw.upsample(factor)
	scale := float64(factor)
	smooth := work.gaussian(opts.Sigma * scale)

	cands := saddleCandidates(smooth, opts.NMSRadius*factor)
	ringRadius := opts.RingRadius * scale
	verified := cands[:0]
	for _, c := range cands {
		if isXJunction(work, c.pt, ringRadius, opts.MinContrast) {
			verified = append(verified, c)
		}
	}

	if len(verified) < expected {
		if len(verified) == 0 {
			return fail(ReasonNotFound, 0)
		}
		return fail(ReasonPartial, len(verified))
	}
	if len(verified) > expected {
		sort.SliceStable(verified, func(i, j int) bool { return verified[i].response > verified[j].response })
		verified = verified[:expected]
	}

	pts := make([]geometry.Point2, len(verified))
	for i, c := range verified {
		pts[i] = c.pt
	}
	ordered, ok := orderGrid(pts, board.Cols, board.Rows, work)
	if !ok {
		return fail(ReasonNotFound, len(verified))
	}

	win := opts.SubpixelWindow * factor
	for i, p := range ordered {
		ordered[i] = refineSubpixel(work, p, win, 30, 0.001*scale)
	}
	if factor > 1 {
		for i, p := range ordered {
			ordered[i] = geometry.Point2{X: (p.X+0.5)/scale - 0.5, Y: (p.Y+0.5)/scale - 0.5}
		}
	}

	obs.Corners = ordered
	obs.Valid = true
	return obs, nil
}

// saddleCandidates returns local maxima of the saddle response
// Ixy² − Ixx·Iyy above a fraction of the global maximum.
func saddleCandidates(p *plane, nms int) []candidate {
	if nms < 1 {
		nms = 1
	}
	resp := newPlane(p.w, p.h)
	var maxResp float64
	for y := 1; y < p.h-1; y++ {
		for x := 1; x < p.w-1; x++ {
			c := p.at(x, y)
			ixx := p.at(x+1, y) - 2*c + p.at(x-1, y)
			iyy := p.at(x, y+1) - 2*c + p.at(x, y-1)
			ixy := (p.at(x+1, y+1) - p.at(x+1, y-1) - p.at(x-1, y+1) + p.at(x-1, y-1)) / 4
			r := ixy*ixy - ixx*iyy
			if r < 0 {
				r = 0
			}
			resp.pix[y*p.w+x] = r
			if r > maxResp {
				maxResp = r
			}
		}
	}
	if maxResp == 0 {
		return nil
	}
	threshold := relativeResponse * maxResp

	var out []candidate
	for y := nms; y < p.h-nms; y++ {
		for x := nms; x < p.w-nms; x++ {
			r := resp.pix[y*p.w+x]
			if r < threshold {
				continue
			}
			isMax := true
			for dy := -nms; dy <= nms && isMax; dy++ {
				for dx := -nms; dx <= nms; dx++ {
					if dx == 0 && dy == 0 {
						continue
					}
					o := resp.pix[(y+dy)*p.w+x+dx]
					// Ties go to the first pixel in scan order.
					if o > r || (o == r && (dy < 0 || (dy == 0 && dx < 0))) {
						isMax = false
						break
					}
				}
			}
			if !isMax {
				continue
			}
			out = append(out, candidate{pt: saddleCenter(resp, x, y), response: r})
		}
	}
	return out
}

// saddleCenter refines a response peak with a 3×3 quadratic fit so the
// ordering step starts from better than integer positions.
func saddleCenter(resp *plane, x, y int) geometry.Point2 {
	c := resp.at(x, y)
	dx := (resp.at(x+1, y) - resp.at(x-1, y)) / 2
	dy := (resp.at(x, y+1) - resp.at(x, y-1)) / 2
	dxx := resp.at(x+1, y) - 2*c + resp.at(x-1, y)
	dyy := resp.at(x, y+1) - 2*c + resp.at(x, y-1)
	pt := geometry.Point2{X: float64(x), Y: float64(y)}
	if dxx < 0 {
		if off := -dx / dxx; math.Abs(off) < 1 {
			pt.X += off
		}
	}
	if dyy < 0 {
		if off := -dy / dyy; math.Abs(off) < 1 {
			pt.Y += off
		}
	}
	return pt
}

// isXJunction samples a ring around pt and requires exactly four
// light/dark transitions with matching colours in opposite directions.
func isXJunction(p *plane, pt geometry.Point2, radius, minContrast float64) bool {
	const samples = 16
	if !p.inside(pt.X, pt.Y, radius+1) {
		return false
	}
	var vals [samples]float64
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := 0; i < samples; i++ {
		a := 2 * math.Pi * float64(i) / samples
		v := p.sample(pt.X+radius*math.Cos(a), pt.Y+radius*math.Sin(a))
		vals[i] = v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi-lo < minContrast {
		return false
	}
	mid := (hi + lo) / 2
	var dark [samples]bool
	for i, v := range vals {
		dark[i] = v < mid
	}
	transitions := 0
	for i := 0; i < samples; i++ {
		if dark[i] != dark[(i+1)%samples] {
			transitions++
		}
	}
	if transitions != 4 {
		return false
	}
	agree := 0
	for i := 0; i < samples/2; i++ {
		if dark[i] == dark[i+samples/2] {
			agree++
		}
	}
	return agree >= samples/2-2
}

// refineSubpixel moves pt to the point where image gradients in a window are
// orthogonal to the vectors from pt, the standard saddle-point refinement.
func refineSubpixel(p *plane, pt geometry.Point2, win, maxIter int, eps float64) geometry.Point2 {
	if win < 1 {
		return pt
	}
	sigma2 := float64(win*win) / 2
	for iter := 0; iter < maxIter; iter++ {
		var a, b, c, bx, by float64
		cx, cy := int(math.Round(pt.X)), int(math.Round(pt.Y))
		for dy := -win; dy <= win; dy++ {
			for dx := -win; dx <= win; dx++ {
				x, y := cx+dx, cy+dy
				if x < 1 || y < 1 || x >= p.w-1 || y >= p.h-1 {
					continue
				}
				gx := (p.at(x+1, y) - p.at(x-1, y)) / 2
				gy := (p.at(x, y+1) - p.at(x, y-1)) / 2
				rx, ry := float64(x)-pt.X, float64(y)-pt.Y
				w := math.Exp(-(rx*rx + ry*ry) / sigma2)
				gxx, gxy, gyy := w*gx*gx, w*gx*gy, w*gy*gy
				a += gxx
				b += gxy
				c += gyy
				bx += gxx*float64(x) + gxy*float64(y)
				by += gxy*float64(x) + gyy*float64(y)
			}
		}
		det := a*c - b*b
		if math.Abs(det) < 1e-12 {
			return pt
		}
		next := geometry.Point2{
			X: (c*bx - b*by) / det,
			Y: (a*by - b*bx) / det,
		}
		step := next.Sub(pt).Norm()
		if step > float64(win) {
			// Diverged out of the window; keep the last estimate.
			return pt
		}
		pt = next
		if step < eps {
			break
		}
	}
	return pt
}
