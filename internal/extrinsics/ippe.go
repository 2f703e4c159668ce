package extrinsics

import (
	"errors"
	"math"

	"github.com/banshee-data/multicam/internal/geometry"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

var errDegeneratePose = errors.New("homography does not determine a pose")

// ippeRotations returns the two rotations consistent with the first-order
// (affine) approximation of the homography h at the plane origin. h maps
// centered plane coordinates to normalized image coordinates.
func ippeRotations(h geometry.Mat3) (geometry.Mat3, geometry.Mat3, error) {
	if h[8] == 0 {
		return geometry.Mat3{}, geometry.Mat3{}, errDegeneratePose
	}
	h = h.Scale(1 / h[8])

	// Jacobian of the homography at the origin and the origin's image.
	j00 := h[0] - h[6]*h[2]
	j01 := h[1] - h[7]*h[2]
	j10 := h[3] - h[6]*h[5]
	j11 := h[4] - h[7]*h[5]
	p, q := h[2], h[5]

	rv := rotateZTo(r3.Vector{X: p, Y: q, Z: 1})

	// B = [I | −v]·Rv[:, 0:2]
	b00 := rv[0] - p*rv[6]
	b01 := rv[1] - p*rv[7]
	b10 := rv[3] - q*rv[6]
	b11 := rv[4] - q*rv[7]
	det := b00*b11 - b01*b10
	if math.Abs(det) < 1e-15 {
		return geometry.Mat3{}, geometry.Mat3{}, errDegeneratePose
	}
	// A = B⁻¹·J
	a00 := (b11*j00 - b01*j10) / det
	a01 := (b11*j01 - b01*j11) / det
	a10 := (-b10*j00 + b00*j10) / det
	a11 := (-b10*j01 + b00*j11) / det

	// Largest singular value of A.
	ata00 := a00*a00 + a10*a10
	ata01 := a00*a01 + a10*a11
	ata11 := a01*a01 + a11*a11
	gamma2 := 0.5 * (ata00 + ata11 + math.Sqrt((ata00-ata11)*(ata00-ata11)+4*ata01*ata01))
	if gamma2 <= 0 {
		return geometry.Mat3{}, geometry.Mat3{}, errDegeneratePose
	}
	gamma := math.Sqrt(gamma2)

	r00, r01, r10, r11 := a00/gamma, a01/gamma, a10/gamma, a11/gamma
	c0 := math.Sqrt(math.Max(0, 1-r00*r00-r10*r10))
	c1 := math.Sqrt(math.Max(0, 1-r01*r01-r11*r11))
	if -r00*r01-r10*r11 < 0 {
		c1 = -c1
	}

	col0 := r3.Vector{X: r00, Y: r10, Z: c0}
	col1 := r3.Vector{X: r01, Y: r11, Z: c1}
	ra := geometry.FromCols(col0, col1, col0.Cross(col1))

	col0b := r3.Vector{X: r00, Y: r10, Z: -c0}
	col1b := r3.Vector{X: r01, Y: r11, Z: -c1}
	rb := geometry.FromCols(col0b, col1b, col0b.Cross(col1b))

	return geometry.Orthonormalize(rv.Mul(ra)), geometry.Orthonormalize(rv.Mul(rb)), nil
}

// rotateZTo returns the rotation taking the +Z axis onto the direction of v.
func rotateZTo(v r3.Vector) geometry.Mat3 {
	n := v.Normalize()
	axis := r3.Vector{Z: 1}.Cross(n)
	s := axis.Norm()
	if s < 1e-15 {
		return geometry.Identity3()
	}
	theta := math.Atan2(s, n.Z)
	return geometry.Rodrigues(axis.Mul(theta / s))
}

// solveTranslation finds t minimizing the algebraic reprojection error of
// plane points (Z=0) with known rotation r against normalized image points.
func solveTranslation(r geometry.Mat3, plane []geometry.Point2, image []geometry.Point2) (r3.Vector, bool) {
	n := len(plane)
	a := mat.NewDense(2*n, 3, nil)
	b := mat.NewVecDense(2*n, nil)
	for i := 0; i < n; i++ {
		pr := r.MulVec(r3.Vector{X: plane[i].X, Y: plane[i].Y})
		u, w := image[i].X, image[i].Y
		a.Set(2*i, 0, 1)
		a.Set(2*i, 2, -u)
		b.SetVec(2*i, u*pr.Z-pr.X)
		a.Set(2*i+1, 1, 1)
		a.Set(2*i+1, 2, -w)
		b.SetVec(2*i+1, w*pr.Z-pr.Y)
	}
	var t mat.VecDense
	if err := t.SolveVec(a, b); err != nil {
		return r3.Vector{}, false
	}
	return r3.Vector{X: t.AtVec(0), Y: t.AtVec(1), Z: t.AtVec(2)}, true
}
