package testsupport

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"maisi/internal/ndarray"
	"maisi/internal/volume"
)

// WriteVolume writes a float32 NIfTI volume of the given spatial shape whose
// voxels are produced by fill. A nil fill writes a linear ramp.
func WriteVolume(t testing.TB, path string, shape [3]int, spacing [3]float64, fill func(i int) float32) {
	t.Helper()

	arr := ndarray.New(shape[:]...)
	for i := range arr.Data {
		if fill == nil {
			arr.Data[i] = float32(i)
			continue
		}
		arr.Data[i] = fill(i)
	}
	v := &volume.Volume{Data: arr, Affine: volume.DiagonalAffine(spacing), DType: volume.Float32}
	if err := volume.Write(path, v); err != nil {
		t.Fatalf("write volume %s: %v", filepath.Base(path), err)
	}
}

// PatchDims overwrites the spatial dims of an uncompressed little-endian
// NIfTI header in place, leaving the voxel payload untouched.
func PatchDims(t testing.TB, path string, dims [3]int16) {
	t.Helper()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", filepath.Base(path), err)
	}
	for i, d := range dims {
		binary.LittleEndian.PutUint16(raw[42+2*i:], uint16(d))
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("patch %s: %v", filepath.Base(path), err)
	}
}
