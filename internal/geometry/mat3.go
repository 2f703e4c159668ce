package geometry

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Mat3 is a row-major 3×3 matrix: m00,m01,m02, m10,...
type Mat3 [9]float64

// Identity3 returns the 3×3 identity.
func Identity3() Mat3 {
	return Mat3{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// FromCols builds a matrix from three column vectors.
func FromCols(c0, c1, c2 r3.Vector) Mat3 {
	return Mat3{
		c0.X, c1.X, c2.X,
		c0.Y, c1.Y, c2.Y,
		c0.Z, c1.Z, c2.Z,
	}
}

// At returns element (i, j).
func (m Mat3) At(i, j int) float64 { return m[i*3+j] }

// Col returns column j as a vector.
func (m Mat3) Col(j int) r3.Vector {
	return r3.Vector{X: m[j], Y: m[3+j], Z: m[6+j]}
}

// Row returns row i as a vector.
func (m Mat3) Row(i int) r3.Vector {
	return r3.Vector{X: m[i*3], Y: m[i*3+1], Z: m[i*3+2]}
}

// MulVec returns m·v.
func (m Mat3) MulVec(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0]*v.X + m[1]*v.Y + m[2]*v.Z,
		Y: m[3]*v.X + m[4]*v.Y + m[5]*v.Z,
		Z: m[6]*v.X + m[7]*v.Y + m[8]*v.Z,
	}
}

// Mul returns m·b.
func (m Mat3) Mul(b Mat3) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = m[i*3]*b[j] + m[i*3+1]*b[3+j] + m[i*3+2]*b[6+j]
		}
	}
	return out
}

// T returns the transpose.
func (m Mat3) T() Mat3 {
	return Mat3{
		m[0], m[3], m[6],
		m[1], m[4], m[7],
		m[2], m[5], m[8],
	}
}

// Det returns the determinant.
func (m Mat3) Det() float64 {
	return m[0]*(m[4]*m[8]-m[5]*m[7]) - m[1]*(m[3]*m[8]-m[5]*m[6]) + m[2]*(m[3]*m[7]-m[4]*m[6])
}

// Trace returns the sum of the diagonal.
func (m Mat3) Trace() float64 { return m[0] + m[4] + m[8] }

// Scale returns s·m.
func (m Mat3) Scale(s float64) Mat3 {
	for i := range m {
		m[i] *= s
	}
	return m
}

// Inverse returns the inverse and false when m is singular.
func (m Mat3) Inverse() (Mat3, bool) {
	det := m.Det()
	if math.Abs(det) < 1e-300 {
		return Mat3{}, false
	}
	inv := Mat3{
		m[4]*m[8] - m[5]*m[7], m[2]*m[7] - m[1]*m[8], m[1]*m[5] - m[2]*m[4],
		m[5]*m[6] - m[3]*m[8], m[0]*m[8] - m[2]*m[6], m[2]*m[3] - m[0]*m[5],
		m[3]*m[7] - m[4]*m[6], m[1]*m[6] - m[0]*m[7], m[0]*m[4] - m[1]*m[3],
	}
	return inv.Scale(1 / det), true
}

// Dense copies m into a gonum matrix.
func (m Mat3) Dense() *mat.Dense {
	data := make([]float64, 9)
	copy(data, m[:])
	return mat.NewDense(3, 3, data)
}

// Mat3FromDense copies the top-left 3×3 block of a gonum matrix.
func Mat3FromDense(d mat.Matrix) Mat3 {
	var m Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i*3+j] = d.At(i, j)
		}
	}
	return m
}
