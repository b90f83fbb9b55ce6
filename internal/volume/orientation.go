package volume

import (
	"errors"
	"fmt"
	"math"

	"maisi/internal/ndarray"
)

// AxisOrientation maps one voxel axis onto a world axis. Flip is set when the
// voxel axis runs against the positive RAS direction.
type AxisOrientation struct {
	Axis int
	Flip bool
}

var axisLabels = [3][2]byte{{'R', 'L'}, {'A', 'P'}, {'S', 'I'}}

// Orientation assigns each voxel axis to the world axis it is most aligned
// with, picking the strongest remaining pairing first.
func Orientation(a Affine) [3]AxisOrientation {
	spacing := a.Spacing()
	var m [3][3]float64
	for i := range 3 {
		for j := range 3 {
			s := spacing[j]
			if s == 0 {
				s = 1
			}
			m[i][j] = a[i][j] / s
		}
	}

	var out [3]AxisOrientation
	var usedWorld, usedVoxel [3]bool
	for range 3 {
		best, bi, bj := -1.0, 0, 0
		for i := range 3 {
			if usedWorld[i] {
				continue
			}
			for j := range 3 {
				if usedVoxel[j] {
					continue
				}
				if v := math.Abs(m[i][j]); v > best {
					best, bi, bj = v, i, j
				}
			}
		}
		usedWorld[bi], usedVoxel[bj] = true, true
		out[bj] = AxisOrientation{Axis: bi, Flip: m[bi][bj] < 0}
	}
	return out
}

// AxisCodes renders the orientation as a three letter code such as "RAS" or
// "LPS".
func AxisCodes(a Affine) string {
	ornt := Orientation(a)
	code := make([]byte, 3)
	for j, o := range ornt {
		if o.Flip {
			code[j] = axisLabels[o.Axis][1]
		} else {
			code[j] = axisLabels[o.Axis][0]
		}
	}
	return string(code)
}

// ToRAS reorders and flips the spatial axes of v so voxel axes run along
// +R, +A, +S and returns the reoriented copy. The last three axes of the data
// are spatial.
func ToRAS(v *Volume) (*Volume, error) {
	if v == nil || v.Data == nil {
		return nil, errors.New("orient: empty volume")
	}
	rank := v.Data.Rank()
	if rank < 3 {
		return nil, fmt.Errorf("orient: need at least 3 axes, got %d", rank)
	}
	lead := rank - 3
	ornt := Orientation(v.Affine)
	dim := v.SpatialShape()

	perm := make([]int, rank)
	for i := range lead {
		perm[i] = i
	}
	var src [3]int
	for j, o := range ornt {
		src[o.Axis] = j
		perm[lead+o.Axis] = lead + j
	}

	data, err := ndarray.Permute(v.Data, perm...)
	if err != nil {
		return nil, fmt.Errorf("orient: %w", err)
	}

	var t Affine
	t[3][3] = 1
	for i := range 3 {
		j := src[i]
		if ornt[j].Flip {
			if data, err = ndarray.Flip(data, lead+i); err != nil {
				return nil, fmt.Errorf("orient: %w", err)
			}
			t[j][i] = -1
			t[j][3] = float64(dim[j] - 1)
		} else {
			t[j][i] = 1
		}
	}

	out := *v
	out.Data = data
	out.Affine = v.Affine.Mul(t)
	return &out, nil
}
