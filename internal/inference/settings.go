package inference

import (
	"fmt"
	"strings"

	"maisi/internal/config"
	"maisi/internal/runtime"
)

const (
	defaultOutputExt   = ".nii.gz"
	tpNumSplitsKey     = "autoencoder_tp_num_splits"
	numSplitsDefKey    = "num_splits"
	latentDownsampling = 4
)

// Settings is the merged view of the environment, model and inference
// documents.
type Settings struct {
	ModelDir                     string `json:"model_dir"`
	OutputDir                    string `json:"output_dir"`
	TrainedAutoencoderPath       string `json:"trained_autoencoder_path"`
	TrainedDiffusionPath         string `json:"trained_diffusion_path"`
	TrainedControlNetPath        string `json:"trained_controlnet_path"`
	TrainedMaskAutoencoderPath   string `json:"trained_mask_generation_autoencoder_path"`
	TrainedMaskDiffusionPath     string `json:"trained_mask_generation_diffusion_path"`
	AllMaskFilesBaseDir          string `json:"all_mask_files_base_dir"`
	AllMaskFilesJSON             string `json:"all_mask_files_json"`
	AllAnatomySizeConditionsJSON string `json:"all_anatomy_size_conditions_json"`
	LabelDictJSON                string `json:"label_dict_json"`
	LabelDictRemapJSON           string `json:"label_dict_remap_json"`

	LatentChannels     int            `json:"latent_channels"`
	AutoencoderDef     map[string]any `json:"autoencoder_def"`
	DiffusionUNetDef   map[string]any `json:"diffusion_unet_def"`
	ControlNetDef      map[string]any `json:"controlnet_def"`
	MaskAutoencoderDef map[string]any `json:"mask_generation_autoencoder_def"`
	MaskDiffusionDef   map[string]any `json:"mask_generation_diffusion_def"`
	MaskLatentShape    []int          `json:"mask_generation_latent_shape"`

	NumOutputSamples                int       `json:"num_output_samples"`
	BodyRegion                      []string  `json:"body_region"`
	AnatomyList                     []string  `json:"anatomy_list"`
	ControllableAnatomySize         []any     `json:"controllable_anatomy_size"`
	NumInferenceSteps               int       `json:"num_inference_steps"`
	MaskGenerationNumInferenceSteps int       `json:"mask_generation_num_inference_steps"`
	OutputSize                      []int     `json:"output_size"`
	Spacing                         []float64 `json:"spacing"`
	ImageOutputExt                  string    `json:"image_output_ext"`
	LabelOutputExt                  string    `json:"label_output_ext"`
	SlidingWindowSize               []int     `json:"autoencoder_sliding_window_infer_size"`
	SlidingWindowOverlap            float64   `json:"autoencoder_sliding_window_infer_overlap"`
	Modality                        int       `json:"modality"`
	CFGGuidanceScale                float64   `json:"cfg_guidance_scale"`
	RandomSeed                      *int64    `json:"random_seed"`

	// SizeRules is ControllableAnatomySize decoded into name/size pairs.
	SizeRules []runtime.SizeRule `json:"-"`
}

// LoadSettings reads the inference documents named in cfg, applies the
// tensor parallel split override and the config level overrides, and fills
// defaults. The result is not validated.
func LoadSettings(cfg *config.Config) (*Settings, error) {
	inf := cfg.Inference
	docs := append([]string{inf.ConfigFile, inf.InferenceFile}, inf.ExtraFiles...)
	merged, err := config.LoadDocuments(cfg.Paths.DatasetsRoot, inf.EnvironmentFile, docs...)
	if err != nil {
		return nil, fmt.Errorf("load inference documents: %w", err)
	}

	var s Settings
	if err := merged.Decode(&s); err != nil {
		return nil, err
	}
	if v, ok := merged.Get(tpNumSplitsKey); ok {
		for _, def := range []map[string]any{s.AutoencoderDef, s.MaskAutoencoderDef} {
			if def != nil {
				def[numSplitsDefKey] = v
			}
		}
	}

	if inf.RandomSeed != nil {
		seed := *inf.RandomSeed
		s.RandomSeed = &seed
	}
	if inf.NumOutputSamples > 0 {
		s.NumOutputSamples = inf.NumOutputSamples
	}
	s.applyDefaults(cfg)

	rules, err := parseSizeRules(s.ControllableAnatomySize)
	if err != nil {
		return nil, fmt.Errorf("%w: controllable_anatomy_size: %v", ErrInvalidInput, err)
	}
	s.SizeRules = rules
	return &s, nil
}

func (s *Settings) applyDefaults(cfg *config.Config) {
	if strings.TrimSpace(s.OutputDir) == "" {
		s.OutputDir = cfg.Paths.OutputDir
	}
	if strings.TrimSpace(s.ModelDir) == "" {
		s.ModelDir = cfg.Paths.ModelDir
	}
	if s.NumOutputSamples <= 0 {
		s.NumOutputSamples = 1
	}
	if s.LatentChannels <= 0 {
		s.LatentChannels = cfg.Runtime.LatentChannels
	}
	if len(s.SlidingWindowSize) != 3 {
		roi := cfg.SlidingWindowROI()
		s.SlidingWindowSize = roi[:]
	}
	if s.SlidingWindowOverlap <= 0 {
		s.SlidingWindowOverlap = cfg.Autoencoder.SlidingWindowOverlap
	}
	if s.ImageOutputExt == "" {
		s.ImageOutputExt = defaultOutputExt
	}
	if s.LabelOutputExt == "" {
		s.LabelOutputExt = defaultOutputExt
	}
	if len(s.MaskLatentShape) != 4 {
		s.MaskLatentShape = []int{4, 64, 64, 64}
	}
}

// parseSizeRules decodes [[name, size], ...].
func parseSizeRules(raw []any) ([]runtime.SizeRule, error) {
	rules := make([]runtime.SizeRule, 0, len(raw))
	for i, item := range raw {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("entry %d: want [name, size]", i)
		}
		name, ok := pair[0].(string)
		if !ok {
			return nil, fmt.Errorf("entry %d: name is %T", i, pair[0])
		}
		var size float64
		switch v := pair[1].(type) {
		case float64:
			size = v
		case int:
			size = float64(v)
		default:
			return nil, fmt.Errorf("entry %d: size is %T", i, pair[1])
		}
		rules = append(rules, runtime.SizeRule{Name: strings.TrimSpace(name), Size: size})
	}
	return rules, nil
}

// OutputSize3 returns output_size as a fixed array.
func (s *Settings) OutputSize3() [3]int {
	var out [3]int
	copy(out[:], s.OutputSize)
	return out
}

// Spacing3 returns spacing as a fixed array.
func (s *Settings) Spacing3() [3]float64 {
	var out [3]float64
	copy(out[:], s.Spacing)
	return out
}

// LatentShape is [latent_channels, X/4, Y/4, Z/4].
func (s *Settings) LatentShape() [4]int {
	size := s.OutputSize3()
	return [4]int{
		s.LatentChannels,
		size[0] / latentDownsampling,
		size[1] / latentDownsampling,
		size[2] / latentDownsampling,
	}
}

// MaskLatentShape4 returns mask_generation_latent_shape as a fixed array.
func (s *Settings) MaskLatentShape4() [4]int {
	var out [4]int
	copy(out[:], s.MaskLatentShape)
	return out
}

// IsCT reports whether the modality code selects the CT rules.
func (s *Settings) IsCT() bool { return s.Modality >= 1 && s.Modality <= 7 }

// IsMR reports whether the modality code selects the MR rules.
func (s *Settings) IsMR() bool { return s.Modality >= 8 && s.Modality <= 20 }
