package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Point2 is a 2D point in pixel, normalized-image or board-plane units.
type Point2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Sub returns p - q.
func (p Point2) Sub(q Point2) Point2 { return Point2{X: p.X - q.X, Y: p.Y - q.Y} }

// Norm returns the Euclidean length of p.
func (p Point2) Norm() float64 { return math.Hypot(p.X, p.Y) }

// ErrDegenerateHomography is returned when the point configuration does not
// determine a homography (fewer than four points, or collinear points).
var ErrDegenerateHomography = errors.New("degenerate homography")

// EstimateHomography returns H such that dst ~ H·src in homogeneous
// coordinates, using the normalized direct linear transform: both point sets
// are translated to their centroid and scaled to mean distance √2, each pair
// contributes two rows of A, and h is the right singular vector of A with the
// smallest singular value.
func EstimateHomography(src, dst []Point2) (Mat3, error) {
	n := len(src)
	if n < 4 || len(dst) != n {
		return Mat3{}, fmt.Errorf("%w: need at least 4 point pairs, got %d/%d", ErrDegenerateHomography, len(src), len(dst))
	}

	ts, ok := normalizationTransform(src)
	if !ok {
		return Mat3{}, fmt.Errorf("%w: source points coincide", ErrDegenerateHomography)
	}
	td, ok := normalizationTransform(dst)
	if !ok {
		return Mat3{}, fmt.Errorf("%w: destination points coincide", ErrDegenerateHomography)
	}

	data := make([]float64, 0, 2*n*9)
	for i := 0; i < n; i++ {
		s := ApplyHomography(ts, src[i])
		d := ApplyHomography(td, dst[i])
		X, Y, x, y := s.X, s.Y, d.X, d.Y
		data = append(data, -X, -Y, -1, 0, 0, 0, x*X, x*Y, x)
		data = append(data, 0, 0, 0, -X, -Y, -1, y*X, y*Y, y)
	}
	a := mat.NewDense(2*n, 9, data)

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return Mat3{}, fmt.Errorf("%w: SVD did not converge", ErrDegenerateHomography)
	}
	values := svd.Values(nil)
	// The two smallest singular values both vanishing means the null space is
	// not one-dimensional: the configuration is collinear.
	if len(values) >= 8 && values[0] > 0 && values[7]/values[0] < 1e-10 {
		return Mat3{}, fmt.Errorf("%w: points are collinear", ErrDegenerateHomography)
	}
	var v mat.Dense
	svd.VTo(&v)

	var hn Mat3
	for i := 0; i < 9; i++ {
		hn[i] = v.At(i, 8)
	}

	tdInv, ok := td.Inverse()
	if !ok {
		return Mat3{}, fmt.Errorf("%w: singular normalization", ErrDegenerateHomography)
	}
	h := tdInv.Mul(hn).Mul(ts)
	if math.Abs(h[8]) > 1e-12 {
		h = h.Scale(1 / h[8])
	}
	return h, nil
}

// ApplyHomography maps p through h with the perspective division.
func ApplyHomography(h Mat3, p Point2) Point2 {
	x := h[0]*p.X + h[1]*p.Y + h[2]
	y := h[3]*p.X + h[4]*p.Y + h[5]
	w := h[6]*p.X + h[7]*p.Y + h[8]
	return Point2{X: x / w, Y: y / w}
}

// normalizationTransform returns the similarity that moves the centroid of
// pts to the origin and scales their mean distance to √2.
func normalizationTransform(pts []Point2) (Mat3, bool) {
	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	cx /= float64(len(pts))
	cy /= float64(len(pts))

	var mean float64
	for _, p := range pts {
		mean += math.Hypot(p.X-cx, p.Y-cy)
	}
	mean /= float64(len(pts))
	if mean < 1e-15 {
		return Mat3{}, false
	}
	s := math.Sqrt2 / mean
	return Mat3{s, 0, -s * cx, 0, s, -s * cy, 0, 0, 1}, true
}
