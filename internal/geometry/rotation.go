package geometry

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// RotationTolerance is the tolerance used when checking that a matrix is a
// proper rotation (orthonormal, det = +1).
const RotationTolerance = 1e-6

func deg2rad(d float64) float64 { return d * math.Pi / 180.0 }

// RotX returns a rotation of deg degrees about the X axis.
func RotX(deg float64) Mat3 {
	c, s := math.Cos(deg2rad(deg)), math.Sin(deg2rad(deg))
	return Mat3{1, 0, 0, 0, c, -s, 0, s, c}
}

// RotY returns a rotation of deg degrees about the Y axis.
func RotY(deg float64) Mat3 {
	c, s := math.Cos(deg2rad(deg)), math.Sin(deg2rad(deg))
	return Mat3{c, 0, s, 0, 1, 0, -s, 0, c}
}

// RotZ returns a rotation of deg degrees about the Z axis.
func RotZ(deg float64) Mat3 {
	c, s := math.Cos(deg2rad(deg)), math.Sin(deg2rad(deg))
	return Mat3{c, -s, 0, s, c, 0, 0, 0, 1}
}

// Rodrigues converts an axis-angle vector (axis scaled by angle in radians)
// into a rotation matrix.
func Rodrigues(w r3.Vector) Mat3 {
	theta := w.Norm()
	if theta < 1e-12 {
		// First-order expansion keeps the map smooth for finite differences.
		return Mat3{
			1, -w.Z, w.Y,
			w.Z, 1, -w.X,
			-w.Y, w.X, 1,
		}
	}
	k := w.Mul(1 / theta)
	c, s := math.Cos(theta), math.Sin(theta)
	v := 1 - c
	return Mat3{
		c + k.X*k.X*v, k.X*k.Y*v - k.Z*s, k.X*k.Z*v + k.Y*s,
		k.Y*k.X*v + k.Z*s, c + k.Y*k.Y*v, k.Y*k.Z*v - k.X*s,
		k.Z*k.X*v - k.Y*s, k.Z*k.Y*v + k.X*s, c + k.Z*k.Z*v,
	}
}

// RodriguesVector converts a rotation matrix into its axis-angle vector.
func RodriguesVector(r Mat3) r3.Vector {
	cosTheta := (r.Trace() - 1) / 2
	cosTheta = math.Max(-1, math.Min(1, cosTheta))
	theta := math.Acos(cosTheta)

	skew := r3.Vector{X: r[7] - r[5], Y: r[2] - r[6], Z: r[3] - r[1]}
	if theta < 1e-9 {
		return skew.Mul(0.5)
	}
	if math.Pi-theta > 1e-5 {
		return skew.Mul(theta / (2 * math.Sin(theta)))
	}

	// Near π the skew part vanishes; recover the axis from the diagonal.
	axis := r3.Vector{
		X: math.Sqrt(math.Max(0, (r[0]+1)/2)),
		Y: math.Sqrt(math.Max(0, (r[4]+1)/2)),
		Z: math.Sqrt(math.Max(0, (r[8]+1)/2)),
	}
	switch {
	case axis.X >= axis.Y && axis.X >= axis.Z:
		axis.Y = math.Copysign(axis.Y, r[1]+r[3])
		axis.Z = math.Copysign(axis.Z, r[2]+r[6])
	case axis.Y >= axis.Z:
		axis.X = math.Copysign(axis.X, r[1]+r[3])
		axis.Z = math.Copysign(axis.Z, r[5]+r[7])
	default:
		axis.X = math.Copysign(axis.X, r[2]+r[6])
		axis.Y = math.Copysign(axis.Y, r[5]+r[7])
	}
	return axis.Normalize().Mul(theta)
}

// Orthonormalize returns the rotation closest to m in the Frobenius sense
// (U·Vᵀ from the SVD, with the sign fixed so det = +1).
func Orthonormalize(m Mat3) Mat3 {
	var svd mat.SVD
	if ok := svd.Factorize(m.Dense(), mat.SVDFull); !ok {
		return m
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&u, v.T())
	out := Mat3FromDense(&r)
	if out.Det() < 0 {
		// Flip the column of U paired with the smallest singular value.
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		r.Mul(&u, v.T())
		out = Mat3FromDense(&r)
	}
	return out
}

// IsValidRotation reports whether r is a proper rotation: RᵀR ≈ I and
// det(R) ≈ +1 within tol.
func IsValidRotation(r Mat3, tol float64) bool {
	if math.Abs(r.Det()-1) > tol {
		return false
	}
	rtr := r.T().Mul(r)
	id := Identity3()
	for i := range rtr {
		if math.Abs(rtr[i]-id[i]) > tol {
			return false
		}
	}
	return true
}

// RotationAngle returns the angle in radians of the relative rotation
// between a and b.
func RotationAngle(a, b Mat3) float64 {
	rel := a.T().Mul(b)
	c := (rel.Trace() - 1) / 2
	return math.Acos(math.Max(-1, math.Min(1, c)))
}

// AngleBetween returns the angle in radians between two vectors.
func AngleBetween(a, b r3.Vector) float64 {
	na, nb := a.Norm(), b.Norm()
	if na == 0 || nb == 0 {
		return 0
	}
	c := a.Dot(b) / (na * nb)
	return math.Acos(math.Max(-1, math.Min(1, c)))
}
