package volume

import (
	"errors"
	"fmt"
	"math"

	"maisi/internal/ndarray"
)

// Resize resamples the spatial axes of v to size with trilinear
// interpolation, sampling pixel centres (align_corners=false). The affine is
// rescaled about voxel centres so the world extent of the volume is kept.
func Resize(v *Volume, size [3]int) (*Volume, error) {
	return resample(v, size, resizeAxis)
}

// ResizeNearest is Resize with nearest-neighbour sampling, for label maps.
func ResizeNearest(v *Volume, size [3]int) (*Volume, error) {
	return resample(v, size, nearestAxis)
}

func resample(v *Volume, size [3]int, axisFn func(*ndarray.Array, int, int) *ndarray.Array) (*Volume, error) {
	if v == nil || v.Data == nil {
		return nil, errors.New("resize: empty volume")
	}
	rank := v.Data.Rank()
	if rank < 3 {
		return nil, fmt.Errorf("resize: need at least 3 axes, got %d", rank)
	}
	for i, d := range size {
		if d < 1 {
			return nil, fmt.Errorf("resize: invalid size %d on axis %d", d, i)
		}
	}
	in := v.SpatialShape()
	if in == size {
		return v.Clone(), nil
	}

	lead := rank - 3
	data := v.Data
	for i := range 3 {
		if in[i] == size[i] {
			continue
		}
		data = axisFn(data, lead+i, size[i])
	}

	scale := Identity()
	for i := range 3 {
		s := float64(in[i]) / float64(size[i])
		scale[i][i] = s
		scale[i][3] = (s - 1) / 2
	}

	out := *v
	out.Data = data
	out.Affine = v.Affine.Mul(scale)
	return &out, nil
}

// resizeAxis linearly resamples one axis of a to n samples.
func resizeAxis(a *ndarray.Array, axis, n int) *ndarray.Array {
	shape := append([]int(nil), a.Shape...)
	in := shape[axis]
	shape[axis] = n
	out := ndarray.New(shape...)

	inner := 1
	for _, d := range a.Shape[axis+1:] {
		inner *= d
	}
	outer := 1
	for _, d := range a.Shape[:axis] {
		outer *= d
	}

	lo := make([]int, n)
	hi := make([]int, n)
	w := make([]float32, n)
	ratio := float64(in) / float64(n)
	for k := range n {
		src := (float64(k)+0.5)*ratio - 0.5
		if src < 0 {
			src = 0
		}
		i0 := int(math.Floor(src))
		if i0 > in-1 {
			i0 = in - 1
		}
		i1 := i0 + 1
		if i1 > in-1 {
			i1 = in - 1
		}
		lo[k], hi[k], w[k] = i0, i1, float32(src-float64(i0))
	}

	for o := range outer {
		srcBase := o * in * inner
		dstBase := o * n * inner
		for k := range n {
			a0 := a.Data[srcBase+lo[k]*inner : srcBase+(lo[k]+1)*inner]
			a1 := a.Data[srcBase+hi[k]*inner : srcBase+(hi[k]+1)*inner]
			dst := out.Data[dstBase+k*inner : dstBase+(k+1)*inner]
			wk := w[k]
			for x := range dst {
				dst[x] = a0[x]*(1-wk) + a1[x]*wk
			}
		}
	}
	return out
}

// nearestAxis picks source index floor(k*in/n) for each output sample.
func nearestAxis(a *ndarray.Array, axis, n int) *ndarray.Array {
	shape := append([]int(nil), a.Shape...)
	in := shape[axis]
	shape[axis] = n
	out := ndarray.New(shape...)

	inner := 1
	for _, d := range a.Shape[axis+1:] {
		inner *= d
	}
	outer := 1
	for _, d := range a.Shape[:axis] {
		outer *= d
	}
	ratio := float64(in) / float64(n)
	for o := range outer {
		srcBase := o * in * inner
		dstBase := o * n * inner
		for k := range n {
			src := min(int(math.Floor(float64(k)*ratio)), in-1)
			copy(out.Data[dstBase+k*inner:dstBase+(k+1)*inner], a.Data[srcBase+src*inner:srcBase+(src+1)*inner])
		}
	}
	return out
}
