package inference

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"maisi/internal/checkpoint"
	"maisi/internal/config"
	"maisi/internal/runtime"
	"maisi/internal/runtime/pooling"
	"maisi/internal/testsupport"
	"maisi/internal/volume"
)

func writeJSON(t *testing.T, path string, v any) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", filepath.Base(path), err)
	}
	return path
}

// newInferenceConfig lays out environment, model and inference documents,
// the five checkpoints, a label dict and a one-entry candidate database
// under the test temp dir.
func newInferenceConfig(t *testing.T, infer map[string]any) *config.Config {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	base := testsupport.BaseDir(cfg)
	models := filepath.Join(base, "models")

	testsupport.WriteCheckpoint(t, filepath.Join(models, "autoencoder.pt"), "", 3, 0)
	testsupport.WriteCheckpoint(t, filepath.Join(models, "diffusion.pt"), unetStateKey, 4, 0.5)
	testsupport.WriteCheckpoint(t, filepath.Join(models, "controlnet.pt"), controlNetStateKey, 2, 0)
	testsupport.WriteCheckpoint(t, filepath.Join(models, "mask_autoencoder.pt"), "", 2, 0)
	testsupport.WriteCheckpoint(t, filepath.Join(models, "mask_diffusion.pt"), unetStateKey, 2, 1.25)

	labels := writeJSON(t, filepath.Join(base, "configs", "label_dict.json"), map[string]int{
		"liver": 1, "spleen": 3, "pancreas": 4, "hepatic tumor": 26,
	})
	testsupport.WriteVolume(t, filepath.Join(base, "datasets", "masks", "case1_label.nii.gz"),
		[3]int{8, 8, 4}, [3]float64{4, 4, 4}, func(i int) float32 { return float32(i % 5) })
	writeJSON(t, filepath.Join(base, "datasets", "candidates.json"), []Candidate{
		{Label: "case1_label.nii.gz", Dim: [3]int{8, 8, 4}, Spacing: [3]float64{4, 4, 4}, LabelList: []int{1, 3, 4}},
		{Label: "missing_spleen.nii.gz", Dim: [3]int{16, 16, 8}, Spacing: [3]float64{2, 2, 2}, LabelList: []int{1, 4}},
	})

	env := writeJSON(t, filepath.Join(base, "configs", "environment.json"), map[string]any{
		"output_dir":                               filepath.Join(base, "output"),
		"trained_autoencoder_path":                 filepath.Join(models, "autoencoder.pt"),
		"trained_diffusion_path":                   filepath.Join(models, "diffusion.pt"),
		"trained_controlnet_path":                  filepath.Join(models, "controlnet.pt"),
		"trained_mask_generation_autoencoder_path": filepath.Join(models, "mask_autoencoder.pt"),
		"trained_mask_generation_diffusion_path":   filepath.Join(models, "mask_diffusion.pt"),
		"all_mask_files_base_dir":                  "datasets/masks",
		"all_mask_files_json":                      "datasets/candidates.json",
		"label_dict_json":                          labels,
	})
	model := writeJSON(t, filepath.Join(base, "configs", "config_maisi.json"), map[string]any{
		"latent_channels":                 4,
		"autoencoder_def":                 map[string]any{"num_splits": 8, "spatial_dims": 3},
		"mask_generation_autoencoder_def": map[string]any{"num_splits": 8},
		"diffusion_unet_def":              map[string]any{"spatial_dims": 3},
		"mask_generation_latent_shape":    []int{4, 2, 2, 1},
	})
	inferPath := writeJSON(t, filepath.Join(base, "configs", "config_infer.json"), infer)

	cfg.Inference.EnvironmentFile = env
	cfg.Inference.ConfigFile = model
	cfg.Inference.InferenceFile = inferPath
	cfg.Inference.ExtraFiles = nil
	return cfg
}

func baseInfer() map[string]any {
	return map[string]any{
		"num_output_samples":        1,
		"body_region":               []string{"abdomen"},
		"anatomy_list":              []string{"liver"},
		"controllable_anatomy_size": []any{},
		"output_size":               []int{16, 16, 8},
		"spacing":                   []float64{2, 2, 2},
		"modality":                  1,
		"random_seed":               7,
	}
}

func TestLoadSettingsMergesDocuments(t *testing.T) {
	infer := baseInfer()
	infer["autoencoder_tp_num_splits"] = 2
	cfg := newInferenceConfig(t, infer)
	seed := int64(99)
	cfg.Inference.RandomSeed = &seed

	s, err := LoadSettings(cfg)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	base := testsupport.BaseDir(cfg)
	if want := filepath.Join(base, "datasets", "candidates.json"); s.AllMaskFilesJSON != want {
		t.Fatalf("all_mask_files_json = %q, want %q", s.AllMaskFilesJSON, want)
	}
	for name, def := range map[string]map[string]any{"autoencoder": s.AutoencoderDef, "mask autoencoder": s.MaskAutoencoderDef} {
		if got := def["num_splits"]; got != float64(2) {
			t.Fatalf("%s num_splits = %v, want 2", name, got)
		}
	}
	if s.RandomSeed == nil || *s.RandomSeed != 99 {
		t.Fatalf("random seed = %v, want 99", s.RandomSeed)
	}
	if diff := cmp.Diff([4]int{4, 4, 4, 2}, s.LatentShape()); diff != "" {
		t.Fatalf("latent shape mismatch (-want +got):\n%s", diff)
	}
	if s.ImageOutputExt != ".nii.gz" || s.LabelOutputExt != ".nii.gz" {
		t.Fatalf("output exts = %q/%q", s.ImageOutputExt, s.LabelOutputExt)
	}
}

func TestLoadSettingsParsesSizeRules(t *testing.T) {
	infer := baseInfer()
	infer["controllable_anatomy_size"] = []any{[]any{"liver", 0.5}, []any{"hepatic tumor", -1}}
	s, err := LoadSettings(newInferenceConfig(t, infer))
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	want := []runtime.SizeRule{{Name: "liver", Size: 0.5}, {Name: "hepatic tumor", Size: -1}}
	if diff := cmp.Diff(want, s.SizeRules); diff != "" {
		t.Fatalf("size rules mismatch (-want +got):\n%s", diff)
	}

	infer["controllable_anatomy_size"] = []any{"liver"}
	if _, err := LoadSettings(newInferenceConfig(t, infer)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("malformed rules error = %v, want ErrInvalidInput", err)
	}
}

func TestValidate(t *testing.T) {
	labels := LabelDict{"liver": 1, "spleen": 3, "pancreas": 4}
	valid := func() *Settings {
		return &Settings{
			Modality:         1,
			OutputSize:       []int{512, 512, 256},
			Spacing:          []float64{1, 1, 1.5},
			BodyRegion:       []string{"abdomen"},
			AnatomyList:      []string{"liver"},
			LatentChannels:   4,
			NumOutputSamples: 1,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Settings)
		want   string
	}{
		{name: "valid ct", mutate: func(*Settings) {}},
		{name: "valid mr", mutate: func(s *Settings) {
			s.Modality = 9
			s.OutputSize = []int{128, 256, 128}
			s.Spacing = []float64{1, 1.2, 1}
			s.BodyRegion = nil
		}},
		{name: "modality out of range", mutate: func(s *Settings) { s.Modality = 21 }, want: "modality 21"},
		{name: "zero modality", mutate: func(s *Settings) { s.Modality = 0 }, want: "modality 0"},
		{name: "ct non square plane", mutate: func(s *Settings) { s.OutputSize = []int{512, 384, 256} }, want: "x and y must match"},
		{name: "ct depth", mutate: func(s *Settings) { s.OutputSize = []int{256, 256, 100} }, want: "output_size z 100"},
		{name: "spacing range", mutate: func(s *Settings) { s.Spacing = []float64{0.2, 0.2, 1} }, want: "spacing 0.2"},
		{name: "typo suggestion", mutate: func(s *Settings) { s.AnatomyList = []string{"livr"} }, want: `did you mean "liver"`},
		{name: "unknown region", mutate: func(s *Settings) { s.BodyRegion = []string{"feet"} }, want: `body_region "feet"`},
		{name: "size out of range", mutate: func(s *Settings) {
			s.SizeRules = []runtime.SizeRule{{Name: "liver", Size: 1.5}}
		}, want: "within [0, 1]"},
		{name: "not controllable", mutate: func(s *Settings) {
			s.SizeRules = []runtime.SizeRule{{Name: "spleen", Size: 0.3}}
		}, want: "not size controllable"},
		{name: "mr rejects sizes", mutate: func(s *Settings) {
			s.Modality = 8
			s.OutputSize = []int{256, 256, 256}
			s.SizeRules = []runtime.SizeRule{{Name: "liver", Size: 0.3}}
		}, want: "not supported for MR"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := valid()
			tc.mutate(s)
			err := s.Validate(labels)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("error = %v, want ErrInvalidInput", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadModelsRegistersFiveRoles(t *testing.T) {
	s, err := LoadSettings(newInferenceConfig(t, baseInfer()))
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	backend := pooling.New(4, 4, nil)
	specs, err := LoadModels(context.Background(), backend, s, nil)
	if err != nil {
		t.Fatalf("LoadModels: %v", err)
	}
	if len(specs) != 5 {
		t.Fatalf("loaded %d models, want 5", len(specs))
	}
	scales := map[string]float64{}
	for _, spec := range specs {
		scales[spec.Role] = spec.ScaleFactor
	}
	if scales[runtime.RoleDiffusion] != 0.5 || scales[runtime.RoleMaskDiffusion] != 1.25 {
		t.Fatalf("scale factors = %v", scales)
	}
	if got := len(backend.Loaded()); got != 5 {
		t.Fatalf("backend holds %d models, want 5", got)
	}
}

func TestLoadModelsFailsOnMissingStateKey(t *testing.T) {
	cfg := newInferenceConfig(t, baseInfer())
	s, err := LoadSettings(cfg)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	// A controlnet checkpoint saved without its nested state dict.
	testsupport.WriteCheckpoint(t, s.TrainedControlNetPath, "", 2, 0)

	_, err = LoadModels(context.Background(), pooling.New(4, 4, nil), s, nil)
	if !errors.Is(err, checkpoint.ErrMissingKey) {
		t.Fatalf("error = %v, want ErrMissingKey", err)
	}
	if !strings.Contains(err.Error(), runtime.RoleControlNet) {
		t.Fatalf("error %q does not name the controlnet", err)
	}
}

func TestFindCandidate(t *testing.T) {
	labels := LabelDict{"liver": 1, "spleen": 3, "lung": 20}
	candidates := []Candidate{
		{Label: "far", Dim: [3]int{512, 512, 512}, Spacing: [3]float64{1, 1, 1}, LabelList: []int{1, 3}},
		{Label: "close", Dim: [3]int{256, 256, 128}, Spacing: [3]float64{1.5, 1.5, 2}, LabelList: []int{1, 3}},
		{Label: "no spleen", Dim: [3]int{256, 256, 128}, Spacing: [3]float64{1.5, 1.5, 2}, LabelList: []int{1}},
		{Label: "head only", Dim: [3]int{256, 256, 128}, Spacing: [3]float64{1.5, 1.5, 2}, LabelList: []int{1, 3},
			TopRegionIndex: []int{1, 0, 0, 0}, BottomRegionIndex: []int{1, 0, 0, 0}},
	}
	size, spacing := [3]int{256, 256, 128}, [3]float64{1.5, 1.5, 2}

	got, err := FindCandidate(candidates[:2], []string{"liver", "spleen"}, []string{"abdomen"}, labels, size, spacing)
	if err != nil {
		t.Fatalf("FindCandidate: %v", err)
	}
	if got.Label != "close" {
		t.Fatalf("picked %q, want close", got.Label)
	}

	if _, err := FindCandidate(candidates[2:], []string{"spleen"}, []string{"abdomen"}, labels, size, spacing); !errors.Is(err, ErrNoCandidate) {
		t.Fatalf("error = %v, want ErrNoCandidate", err)
	}
	if _, err := FindCandidate(candidates, []string{"lung"}, nil, labels, size, spacing); !errors.Is(err, ErrNoCandidate) {
		t.Fatalf("error = %v, want ErrNoCandidate", err)
	}
	if _, err := FindCandidate(candidates, []string{"heart"}, nil, labels, size, spacing); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("error = %v, want ErrInvalidInput", err)
	}
}

func newTestSampler(t *testing.T, infer map[string]any) (*Sampler, *Settings) {
	t.Helper()
	s, err := LoadSettings(newInferenceConfig(t, infer))
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	backend := pooling.New(4, 4, nil)
	if _, err := LoadModels(context.Background(), backend, s, nil); err != nil {
		t.Fatalf("LoadModels: %v", err)
	}
	labels, err := LoadLabelDict(s.LabelDictJSON)
	if err != nil {
		t.Fatalf("LoadLabelDict: %v", err)
	}
	sm, err := NewSampler(s, backend, labels, nil)
	if err != nil {
		t.Fatalf("NewSampler: %v", err)
	}
	sm.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return sm, s
}

func TestSampleMultipleFromCandidate(t *testing.T) {
	sm, s := newTestSampler(t, baseInfer())

	samples, err := sm.SampleMultiple(context.Background(), 2)
	if err != nil {
		t.Fatalf("SampleMultiple: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("got %d samples, want 2", len(samples))
	}
	for i, sample := range samples {
		if sample.Seed != 7+int64(i) {
			t.Fatalf("sample %d seed = %d, want %d", i, sample.Seed, 7+i)
		}
		if sample.MaskSource != MaskCandidate || sample.Candidate != "case1_label.nii.gz" {
			t.Fatalf("sample %d mask = %s/%s", i, sample.MaskSource, sample.Candidate)
		}
		if want := filepath.Join(s.OutputDir, "sample_20260301_120000_"+strconv.Itoa(i)+"_image.nii.gz"); sample.Image != want {
			t.Fatalf("image path = %q, want %q", sample.Image, want)
		}

		img, err := volume.Read(sample.Image)
		if err != nil {
			t.Fatalf("read image: %v", err)
		}
		if img.DType != volume.Int16 {
			t.Fatalf("ct image dtype = %s, want int16", img.DType)
		}
		if diff := cmp.Diff(volume.Geometry{Dim: [3]int{16, 16, 8}, Spacing: [3]float64{2, 2, 2}}, img.Geometry()); diff != "" {
			t.Fatalf("image geometry mismatch (-want +got):\n%s", diff)
		}
		for _, v := range img.Data.Data {
			if v < ctMinHU || v > ctMaxHU {
				t.Fatalf("voxel %v outside the CT window", v)
			}
		}

		label, err := volume.Read(sample.Label)
		if err != nil {
			t.Fatalf("read label: %v", err)
		}
		for _, v := range label.Data.Data {
			if v < 0 || v > 4 || v != float32(int(v)) {
				t.Fatalf("label voxel %v is not one of the candidate labels", v)
			}
		}
	}
}

func TestSampleMultipleGeneratesMaskForSizeRules(t *testing.T) {
	infer := baseInfer()
	infer["controllable_anatomy_size"] = []any{[]any{"liver", 0.4}}
	infer["modality"] = 9
	sm, _ := newTestSampler(t, infer)

	samples, err := sm.SampleMultiple(context.Background(), 0)
	if err != nil {
		t.Fatalf("SampleMultiple: %v", err)
	}
	if len(samples) != 1 || samples[0].MaskSource != MaskGenerated {
		t.Fatalf("samples = %+v, want one generated mask", samples)
	}
	img, err := volume.Read(samples[0].Image)
	if err != nil {
		t.Fatalf("read image: %v", err)
	}
	if img.DType != volume.Float32 {
		t.Fatalf("mr image dtype = %s, want float32", img.DType)
	}
}

func TestSampleMultipleSameSeedIsReproducible(t *testing.T) {
	infer := baseInfer()
	infer["controllable_anatomy_size"] = []any{[]any{"liver", 0.4}}
	sm, _ := newTestSampler(t, infer)

	first, err := sm.SampleMultiple(context.Background(), 1)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	sm.now = func() time.Time { return time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC) }
	second, err := sm.SampleMultiple(context.Background(), 1)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	a, err := volume.Read(first[0].Label)
	if err != nil {
		t.Fatal(err)
	}
	b, err := volume.Read(second[0].Label)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(a.Data.Data, b.Data.Data); diff != "" {
		t.Fatalf("masks differ for the same seed (-first +second):\n%s", diff)
	}
}

func TestSampleMultipleStopsOnCancel(t *testing.T) {
	sm, _ := newTestSampler(t, baseInfer())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	samples, err := sm.SampleMultiple(ctx, 3)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if len(samples) != 0 {
		t.Fatalf("got %d samples after cancel", len(samples))
	}
}
