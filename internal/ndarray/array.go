package ndarray

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/pdevine/tensor"
)

// Array is a dense row-major float32 array.
type Array struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// New allocates a zero-filled array with the given shape.
func New(shape ...int) *Array {
	return &Array{Shape: slices.Clone(shape), Data: make([]float32, Size(shape))}
}

// FromData wraps data with shape. The slice is not copied.
func FromData(data []float32, shape ...int) (*Array, error) {
	if n := Size(shape); n != len(data) {
		return nil, fmt.Errorf("shape %v needs %d elements, got %d", shape, n, len(data))
	}
	return &Array{Shape: slices.Clone(shape), Data: data}, nil
}

// Size returns the number of elements described by shape.
func Size(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// CheckedSize is Size that reports false when a dimension is negative or the
// product overflows int.
func CheckedSize(shape []int) (int, bool) {
	if len(shape) == 0 {
		return 0, true
	}
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, false
		}
		if d != 0 && n > math.MaxInt/d {
			return 0, false
		}
		n *= d
	}
	return n, true
}

// Strides returns row-major element strides for shape.
func Strides(shape []int) []int {
	strides := make([]int, len(shape))
	step := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = step
		step *= shape[i]
	}
	return strides
}

// Len reports the element count.
func (a *Array) Len() int { return len(a.Data) }

// Rank reports the number of axes.
func (a *Array) Rank() int { return len(a.Shape) }

// Clone deep-copies the array.
func (a *Array) Clone() *Array {
	return &Array{Shape: slices.Clone(a.Shape), Data: slices.Clone(a.Data)}
}

// Reshape returns a view with a new shape over the same data.
func (a *Array) Reshape(shape ...int) (*Array, error) {
	if Size(shape) != len(a.Data) {
		return nil, fmt.Errorf("cannot reshape %v to %v", a.Shape, shape)
	}
	return &Array{Shape: slices.Clone(shape), Data: a.Data}, nil
}

// Squeeze drops every axis of length one. The data is shared.
func (a *Array) Squeeze() *Array {
	shape := make([]int, 0, len(a.Shape))
	for _, d := range a.Shape {
		if d != 1 {
			shape = append(shape, d)
		}
	}
	return &Array{Shape: shape, Data: a.Data}
}

// Unsqueeze inserts a length-one axis at position axis. The data is shared.
func (a *Array) Unsqueeze(axis int) *Array {
	if axis < 0 {
		axis = 0
	}
	if axis > len(a.Shape) {
		axis = len(a.Shape)
	}
	shape := slices.Insert(slices.Clone(a.Shape), axis, 1)
	return &Array{Shape: shape, Data: a.Data}
}

// Permute reorders the axes of a according to perm and returns a new,
// contiguous array. a is left untouched.
func Permute(a *Array, perm ...int) (*Array, error) {
	if a == nil {
		return nil, errors.New("permute: nil array")
	}
	if len(perm) != len(a.Shape) {
		return nil, fmt.Errorf("permute: %d axes for rank %d array", len(perm), len(a.Shape))
	}
	seen := make([]bool, len(perm))
	identity := true
	for i, p := range perm {
		if p < 0 || p >= len(perm) || seen[p] {
			return nil, fmt.Errorf("permute: invalid permutation %v", perm)
		}
		seen[p] = true
		if p != i {
			identity = false
		}
	}
	if identity {
		return a.Clone(), nil
	}

	t := tensor.New(tensor.WithShape(a.Shape...), tensor.WithBacking(slices.Clone(a.Data)))
	if err := t.T(perm...); err != nil {
		return nil, fmt.Errorf("permute: %w", err)
	}
	if err := t.Transpose(); err != nil {
		return nil, fmt.Errorf("permute: %w", err)
	}

	data, ok := t.Data().([]float32)
	if !ok {
		return nil, errors.New("permute: unexpected backing type")
	}
	return &Array{Shape: slices.Clone([]int(t.Shape())), Data: data}, nil
}

// ReverseAxes permutes a so its axis order is reversed. Row-major data of the
// result equals column-major data of a, which is how NIfTI stores voxels.
func ReverseAxes(a *Array) (*Array, error) {
	perm := make([]int, len(a.Shape))
	for i := range perm {
		perm[i] = len(perm) - 1 - i
	}
	return Permute(a, perm...)
}
