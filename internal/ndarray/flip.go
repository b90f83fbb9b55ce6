package ndarray

import "fmt"

// Flip reverses a along axis and returns a new array.
func Flip(a *Array, axis int) (*Array, error) {
	if axis < 0 || axis >= len(a.Shape) {
		return nil, fmt.Errorf("flip: axis %d out of range for rank %d", axis, len(a.Shape))
	}
	out := New(a.Shape...)
	strides := Strides(a.Shape)
	n := a.Shape[axis]
	stride := strides[axis]
	outer := 1
	for i := 0; i < axis; i++ {
		outer *= a.Shape[i]
	}
	block := n * stride
	for o := 0; o < outer; o++ {
		base := o * block
		for k := 0; k < n; k++ {
			src := base + k*stride
			dst := base + (n-1-k)*stride
			copy(out.Data[dst:dst+stride], a.Data[src:src+stride])
		}
	}
	return out, nil
}
