package transform

import (
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"maisi/internal/ndarray"
	"maisi/internal/testsupport"
	"maisi/internal/volume"
)

func TestNormalizeModality(t *testing.T) {
	tests := map[string]string{
		"ct":         ModalityCT,
		"CT":         ModalityCT,
		"ct_abdomen": ModalityCT,
		"mri":        ModalityMRI,
		"MRI_T1":     ModalityMRI,
		"mri_ct":     ModalityCT,
		"pet":        "pet",
		"":           "",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			if got := NormalizeModality(in); got != want {
				t.Fatalf("NormalizeModality(%q) = %q, want %q", in, got, want)
			}
		})
	}
}

func TestBuildStageOrder(t *testing.T) {
	target := [3]int{128, 128, 128}
	tests := []struct {
		name     string
		modality string
		target   *[3]int
		want     []string
	}{
		{
			name:     "probe ct",
			modality: "ct",
			want:     []string{StageLoad, StageChannelFirst, StageOrientation, StageScaleRange},
		},
		{
			name:     "full ct",
			modality: "CT",
			target:   &target,
			want:     []string{StageLoad, StageChannelFirst, StageOrientation, StageEnsureFloat32, StageScaleRange, StageResize},
		},
		{
			name:     "full mri",
			modality: "mri_t2",
			target:   &target,
			want:     []string{StageLoad, StageChannelFirst, StageOrientation, StageEnsureFloat32, StagePercentiles, StageResize},
		},
		{
			name:     "unsupported modality",
			modality: "ultrasound",
			target:   &target,
			want:     []string{StageLoad, StageChannelFirst, StageOrientation, StageEnsureFloat32, StageResize},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Build(tt.modality, tt.target).StageNames()
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("stage mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuildCopiesTarget(t *testing.T) {
	target := [3]int{128, 128, 128}
	p := Build("ct", &target)
	target[0] = 1
	got, ok := p.Target()
	if !ok || got != [3]int{128, 128, 128} {
		t.Fatalf("Target() = %v, %v", got, ok)
	}
}

func TestProbePipelineKeepsSizeAndType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img.nii.gz")
	writeInt16(t, path, []int{3, 4, 5})

	img, err := Build("ultrasound", nil).Apply(path)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if diff := cmp.Diff([]int{1, 3, 4, 5}, img.Data.Shape); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	if img.DType != volume.Int16 {
		t.Fatalf("dtype = %s, want int16", img.DType)
	}
}

func TestFullPipelineResizesAndCasts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img.nii.gz")
	writeInt16(t, path, []int{3, 4, 5})

	target := [3]int{6, 8, 2}
	img, err := Build("ct", &target).Apply(path)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if diff := cmp.Diff([]int{1, 6, 8, 2}, img.Data.Shape); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	if img.DType != volume.Float32 {
		t.Fatalf("dtype = %s, want float32", img.DType)
	}
	for _, v := range img.Data.Data {
		if v < 0 || v > 1 {
			t.Fatalf("ct intensity %v outside [0, 1]", v)
		}
	}
}

func TestCTIntensityClips(t *testing.T) {
	arr, _ := ndarray.FromData([]float32{-2000, -1000, 0, 500, 1000, 3000}, 1, 6, 1, 1)
	in := Record{Image: &volume.Volume{Data: arr, Affine: volume.Identity()}}

	out, err := ScaleIntensityRange(-1000, 1000, 0, 1, true).Apply(in)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{0, 0, 0.5, 0.75, 1, 1}
	if diff := cmp.Diff(want, out.Image.Data.Data); diff != "" {
		t.Fatalf("scaled mismatch (-want +got):\n%s", diff)
	}
	if arr.Data[0] != -2000 {
		t.Fatal("input record was modified")
	}
}

func TestMRIPercentilesDoNotClip(t *testing.T) {
	data := make([]float32, 1000)
	for i := range data {
		data[i] = float32(i)
	}
	arr, _ := ndarray.FromData(data, 1, 10, 10, 10)
	in := Record{Image: &volume.Volume{Data: arr, Affine: volume.Identity()}}

	out, err := ScaleIntensityPercentiles(0, 99.5, 0, 1, false).Apply(in)
	if err != nil {
		t.Fatal(err)
	}
	got := out.Image.Data.Data
	if got[0] != 0 {
		t.Fatalf("minimum maps to %v, want 0", got[0])
	}
	if got[999] <= 1 {
		t.Fatalf("maximum maps to %v, want > 1 without clipping", got[999])
	}
	if math.Abs(float64(got[500])-0.5) > 0.01 {
		t.Fatalf("median maps to %v, want about 0.5", got[500])
	}
}

func TestPipelineIsSafeForConcurrentUse(t *testing.T) {
	dir := t.TempDir()
	paths := make([]string, 4)
	for i := range paths {
		paths[i] = filepath.Join(dir, "img"+string(rune('a'+i))+".nii")
		testsupport.WriteVolume(t, paths[i], [3]int{4, 4, 4}, [3]float64{1, 1, 1}, nil)
	}
	target := [3]int{8, 8, 8}
	p := Build("mri", &target)

	var wg sync.WaitGroup
	errs := make([]error, len(paths))
	for i, path := range paths {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = p.Apply(path)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("path %d: %v", i, err)
		}
	}
}

func TestPipelineReportsFailingStage(t *testing.T) {
	_, err := Build("ct", nil).Apply(filepath.Join(t.TempDir(), "missing.nii.gz"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func writeInt16(t *testing.T, path string, shape []int) {
	t.Helper()
	arr := ndarray.New(shape...)
	for i := range arr.Data {
		arr.Data[i] = float32(i*10 - 500)
	}
	if err := volume.Write(path, &volume.Volume{Data: arr, Affine: volume.Identity(), DType: volume.Int16}); err != nil {
		t.Fatal(err)
	}
}
