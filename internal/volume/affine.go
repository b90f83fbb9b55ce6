package volume

import (
	"fmt"
	"math"
)

// Affine maps voxel indices to world (RAS+) millimetre coordinates.
type Affine [4][4]float64

// Identity returns the identity affine.
func Identity() Affine {
	var a Affine
	for i := range 4 {
		a[i][i] = 1
	}
	return a
}

// DiagonalAffine builds a scaling affine from voxel spacing.
func DiagonalAffine(spacing [3]float64) Affine {
	a := Identity()
	for i := range 3 {
		a[i][i] = spacing[i]
	}
	return a
}

// Mul returns a·b.
func (a Affine) Mul(b Affine) Affine {
	var out Affine
	for i := range 4 {
		for j := range 4 {
			var sum float64
			for k := range 4 {
				sum += a[i][k] * b[k][j]
			}
			out[i][j] = sum
		}
	}
	return out
}

// Spacing returns the voxel size along each axis, the column norms of the
// rotation-zoom block.
func (a Affine) Spacing() [3]float64 {
	var out [3]float64
	for j := range 3 {
		var sum float64
		for i := range 3 {
			sum += a[i][j] * a[i][j]
		}
		out[j] = math.Sqrt(sum)
	}
	return out
}

// Apply maps a voxel coordinate to world space.
func (a Affine) Apply(ijk [3]float64) [3]float64 {
	var out [3]float64
	for i := range 3 {
		out[i] = a[i][0]*ijk[0] + a[i][1]*ijk[1] + a[i][2]*ijk[2] + a[i][3]
	}
	return out
}

// String renders the affine as four bracketed rows.
func (a Affine) String() string {
	return fmt.Sprintf("[%v %v %v %v]", a[0], a[1], a[2], a[3])
}
