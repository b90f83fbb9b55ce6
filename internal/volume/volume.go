package volume

import (
	"maisi/internal/ndarray"
)

// DType names the element type a volume currently carries. Data is always held
// as float32; DType records whether it has been cast or still mirrors the
// on-disk type.
type DType string

const (
	Uint8   DType = "uint8"
	Int8    DType = "int8"
	Int16   DType = "int16"
	Uint16  DType = "uint16"
	Int32   DType = "int32"
	Uint32  DType = "uint32"
	Float32 DType = "float32"
	Float64 DType = "float64"
)

// Volume is an image tensor plus its geometry. Data is channel-first once
// EnsureChannelFirst has run, otherwise spatial only.
type Volume struct {
	Data   *ndarray.Array
	Affine Affine
	DType  DType
	Source string
}

// Geometry is the spatial size and voxel spacing of a volume.
type Geometry struct {
	Dim     [3]int
	Spacing [3]float64
}

// SpatialShape returns the last three axes of the data.
func (v *Volume) SpatialShape() [3]int {
	var out [3]int
	shape := v.Data.Shape
	if len(shape) < 3 {
		copy(out[3-len(shape):], shape)
		return out
	}
	copy(out[:], shape[len(shape)-3:])
	return out
}

// Geometry returns the spatial size and spacing derived from the affine.
func (v *Volume) Geometry() Geometry {
	return Geometry{Dim: v.SpatialShape(), Spacing: v.Affine.Spacing()}
}

// Clone deep-copies the volume.
func (v *Volume) Clone() *Volume {
	out := *v
	out.Data = v.Data.Clone()
	return &out
}
