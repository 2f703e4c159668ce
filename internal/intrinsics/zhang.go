package intrinsics

import (
	"errors"
	"math"

	"github.com/banshee-data/multicam/internal/camera"
	"github.com/banshee-data/multicam/internal/geometry"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

var errNoClosedForm = errors.New("closed-form intrinsics are not determined by these views")

// closedForm solves Zhang's V·b = 0 system with a zero-skew constraint. The
// homographies are conditioned by a pixel normalization so the system is well
// scaled; K is mapped back to pixels afterwards.
func closedForm(homographies []geometry.Mat3, size camera.ImageSize) (camera.Intrinsics, error) {
	if len(homographies) < 2 {
		return camera.Intrinsics{}, errNoClosedForm
	}
	s := float64(max(size.Width, size.Height))
	n := geometry.Mat3{
		1 / s, 0, -float64(size.Width) / (2 * s),
		0, 1 / s, -float64(size.Height) / (2 * s),
		0, 0, 1,
	}

	rows := make([]float64, 0, (2*len(homographies)+1)*6)
	for _, h := range homographies {
		hn := n.Mul(h)
		v12 := vij(hn, 0, 1)
		v11 := vij(hn, 0, 0)
		v22 := vij(hn, 1, 1)
		rows = append(rows, v12[:]...)
		for k := 0; k < 6; k++ {
			rows = append(rows, v11[k]-v22[k])
		}
	}
	// Zero skew: B12 = 0.
	rows = append(rows, 0, 1, 0, 0, 0, 0)
	a := mat.NewDense(len(rows)/6, 6, rows)

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return camera.Intrinsics{}, errNoClosedForm
	}
	var v mat.Dense
	svd.VTo(&v)
	b := mat.Col(nil, 5, &v)
	b11, b12, b22, b13, b23, b33 := b[0], b[1], b[2], b[3], b[4], b[5]

	den := b11*b22 - b12*b12
	if den == 0 || b11 == 0 {
		return camera.Intrinsics{}, errNoClosedForm
	}
	v0 := (b12*b13 - b11*b23) / den
	lambda := b33 - (b13*b13+v0*(b12*b13-b11*b23))/b11
	fxSq := lambda / b11
	fySq := lambda * b11 / den
	if fxSq <= 0 || fySq <= 0 || math.IsNaN(fxSq) || math.IsNaN(fySq) {
		return camera.Intrinsics{}, errNoClosedForm
	}
	fx, fy := math.Sqrt(fxSq), math.Sqrt(fySq)
	u0 := -b13 * fxSq / lambda

	// Undo the normalization: K = N⁻¹·Kn.
	k := camera.Intrinsics{
		Fx: fx * s,
		Fy: fy * s,
		Cx: u0*s + float64(size.Width)/2,
		Cy: v0*s + float64(size.Height)/2,
	}
	if !plausibleIntrinsics(k, size) {
		return camera.Intrinsics{}, errNoClosedForm
	}
	return k, nil
}

func vij(h geometry.Mat3, i, j int) [6]float64 {
	hi, hj := h.Col(i), h.Col(j)
	return [6]float64{
		hi.X * hj.X,
		hi.X*hj.Y + hi.Y*hj.X,
		hi.Y * hj.Y,
		hi.Z*hj.X + hi.X*hj.Z,
		hi.Z*hj.Y + hi.Y*hj.Z,
		hi.Z * hj.Z,
	}
}

// plausibleIntrinsics rejects closed-form solutions that put the principal
// point outside the image or the focal length far from the image scale.
func plausibleIntrinsics(k camera.Intrinsics, size camera.ImageSize) bool {
	w, h := float64(size.Width), float64(size.Height)
	if k.Cx < 0 || k.Cx > w || k.Cy < 0 || k.Cy > h {
		return false
	}
	diag := size.Diagonal()
	return k.Fx > 0.1*diag && k.Fx < 20*diag && k.Fy > 0.1*diag && k.Fy < 20*diag
}

// focalOnly assumes the principal point is the image center and square
// pixels, and solves the two orthogonality constraints of every homography
// for 1/f² by least squares. It is the fallback when the views do not
// determine the full closed form (for example all boards nearly
// fronto-parallel).
func focalOnly(homographies []geometry.Mat3, size camera.ImageSize) camera.Intrinsics {
	cx, cy := float64(size.Width)/2-0.5, float64(size.Height)/2-0.5
	t := geometry.Mat3{1, 0, -cx, 0, 1, -cy, 0, 0, 1}
	var num, den float64
	for _, h := range homographies {
		hc := t.Mul(h)
		h1, h2 := hc.Col(0), hc.Col(1)
		// (h1x h2x + h1y h2y)·x + h1z h2z = 0
		a1 := h1.X*h2.X + h1.Y*h2.Y
		b1 := -h1.Z * h2.Z
		// (|h1xy|² − |h2xy|²)·x + h1z² − h2z² = 0
		a2 := h1.X*h1.X + h1.Y*h1.Y - h2.X*h2.X - h2.Y*h2.Y
		b2 := h2.Z*h2.Z - h1.Z*h1.Z
		num += a1*b1 + a2*b2
		den += a1*a1 + a2*a2
	}
	f := float64(max(size.Width, size.Height))
	if den > 0 {
		if x := num / den; x > 0 {
			if est := 1 / math.Sqrt(x); est > 0.1*size.Diagonal() && est < 20*size.Diagonal() {
				f = est
			}
		}
	}
	return camera.Intrinsics{Fx: f, Fy: f, Cx: cx, Cy: cy}
}

// poseFromHomography recovers the board pose from H = K·[r1 r2 t].
func poseFromHomography(k camera.Intrinsics, h geometry.Mat3) (camera.Pose, bool) {
	kinv, ok := k.Matrix().Inverse()
	if !ok {
		return camera.Pose{}, false
	}
	m := kinv.Mul(h)
	c1, c2, c3 := m.Col(0), m.Col(1), m.Col(2)
	norm := (c1.Norm() + c2.Norm()) / 2
	if norm == 0 {
		return camera.Pose{}, false
	}
	scale := 1 / norm
	if c3.Z < 0 {
		scale = -scale
	}
	r1, r2 := c1.Mul(scale), c2.Mul(scale)
	r3v := r1.Cross(r2)
	r := geometry.Orthonormalize(geometry.FromCols(r1, r2, r3v))
	t := r3.Vector{X: c3.X * scale, Y: c3.Y * scale, Z: c3.Z * scale}
	return camera.Pose{R: r, T: t}, true
}
