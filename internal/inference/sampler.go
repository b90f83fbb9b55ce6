package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"time"

	"maisi/internal/logging"
	"maisi/internal/ndarray"
	"maisi/internal/runtime"
	"maisi/internal/volume"
)

// CT intensities are clipped to this window before they are stored as int16.
const (
	ctMinHU = -1000
	ctMaxHU = 1000
)

// Mask sources recorded on a Sample.
const (
	MaskGenerated = "generated"
	MaskCandidate = "candidate"
)

// Generator is the part of a runtime the sampler drives.
type Generator interface {
	runtime.MaskGenerator
	runtime.ImageGenerator
}

// Sample describes one generated image/label pair.
type Sample struct {
	Index      int           `json:"index" yaml:"index"`
	Seed       int64         `json:"seed" yaml:"seed"`
	Image      string        `json:"image" yaml:"image"`
	Label      string        `json:"label" yaml:"label"`
	MaskSource string        `json:"mask_source" yaml:"mask_source"`
	Candidate  string        `json:"candidate,omitempty" yaml:"candidate,omitempty"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
}

// Sampler generates image/label pairs from validated settings.
type Sampler struct {
	settings   *Settings
	gen        Generator
	labels     LabelDict
	candidates []Candidate
	logger     *slog.Logger
	now        func() time.Time
}

// NewSampler prepares a sampler. Without controllable anatomy sizes masks
// come from the candidate database, which is loaded here.
func NewSampler(s *Settings, gen Generator, labels LabelDict, logger *slog.Logger) (*Sampler, error) {
	if s == nil || gen == nil {
		return nil, errors.New("new sampler: settings and generator required")
	}
	sm := &Sampler{
		settings: s,
		gen:      gen,
		labels:   labels,
		logger:   logging.NewComponentLogger(logger, "sampler"),
		now:      time.Now,
	}
	if len(s.SizeRules) == 0 {
		if s.AllMaskFilesJSON == "" {
			return nil, fmt.Errorf("%w: all_mask_files_json required without controllable_anatomy_size", ErrInvalidInput)
		}
		candidates, err := LoadCandidates(s.AllMaskFilesJSON)
		if err != nil {
			return nil, err
		}
		sm.candidates = candidates
	}
	return sm, nil
}

// SampleMultiple generates n pairs. Sample i uses seed random_seed + i. The
// first failure stops the run; samples written before it are returned.
func (sm *Sampler) SampleMultiple(ctx context.Context, n int) ([]Sample, error) {
	if n <= 0 {
		n = sm.settings.NumOutputSamples
	}
	if err := os.MkdirAll(sm.settings.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure output directory: %w", err)
	}

	base := sm.baseSeed()
	sm.logger.Info("sampling started",
		logging.Int("samples", n),
		logging.Int64("base_seed", base),
		logging.Int("modality", sm.settings.Modality),
		logging.Any("output_size", sm.settings.OutputSize),
		logging.Any("latent_shape", sm.settings.LatentShape()),
		logging.String("output_dir", sm.settings.OutputDir),
	)

	samples := make([]Sample, 0, n)
	for i := range n {
		if err := ctx.Err(); err != nil {
			return samples, err
		}
		sample, err := sm.sampleOne(ctx, i, base+int64(i))
		if err != nil {
			logging.ErrorWithContext(sm.logger, "sample failed", "sample_failed",
				logging.Int("index", i),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the runtime logs and the inference documents"),
			)
			return samples, fmt.Errorf("sample %d: %w", i, err)
		}
		samples = append(samples, sample)
		sm.logger.Info("sample written",
			logging.Int("index", i),
			logging.Int64("seed", sample.Seed),
			logging.String("image", sample.Image),
			logging.String("label", sample.Label),
			logging.String("mask_source", sample.MaskSource),
			logging.Duration("elapsed", sample.Duration),
		)
	}
	return samples, nil
}

func (sm *Sampler) baseSeed() int64 {
	if sm.settings.RandomSeed != nil {
		return *sm.settings.RandomSeed
	}
	return sm.now().UnixNano() % math.MaxInt32
}

func (sm *Sampler) sampleOne(ctx context.Context, index int, seed int64) (Sample, error) {
	start := sm.now()
	s := sm.settings
	size := s.OutputSize3()
	sample := Sample{Index: index, Seed: seed}

	var mask *ndarray.Array
	var err error
	if len(s.SizeRules) > 0 {
		mask, err = sm.gen.GenerateMask(ctx, runtime.MaskRequest{
			Seed:         seed,
			OutputSize:   size,
			LatentShape:  s.MaskLatentShape4(),
			BodyRegion:   s.BodyRegion,
			Anatomy:      s.AnatomyList,
			AnatomySizes: s.SizeRules,
		})
		if err != nil {
			return sample, fmt.Errorf("generate mask: %w", err)
		}
		sample.MaskSource = MaskGenerated
	} else {
		c, err := FindCandidate(sm.candidates, s.AnatomyList, s.BodyRegion, sm.labels, size, s.Spacing3())
		if err != nil {
			return sample, err
		}
		if mask, err = c.LoadMask(s.AllMaskFilesBaseDir, size); err != nil {
			return sample, err
		}
		sample.MaskSource = MaskCandidate
		sample.Candidate = c.Label
	}

	want := []int{1, 1, size[0], size[1], size[2]}
	if !slices.Equal(mask.Shape, want) {
		return sample, fmt.Errorf("mask shape %v, want %v", mask.Shape, want)
	}

	img, err := sm.gen.GenerateImage(ctx, runtime.ImageRequest{
		Seed:        seed,
		Modality:    s.Modality,
		OutputSize:  size,
		Spacing:     s.Spacing3(),
		LatentShape: s.LatentShape(),
		Mask:        mask,
	})
	if err != nil {
		return sample, fmt.Errorf("generate image: %w", err)
	}
	if !slices.Equal(img.Shape, want) {
		return sample, fmt.Errorf("image shape %v, want %v", img.Shape, want)
	}

	stem := fmt.Sprintf("sample_%s_%d", start.UTC().Format("20060102_150405"), index)
	sample.Image = filepath.Join(s.OutputDir, stem+"_image"+s.ImageOutputExt)
	sample.Label = filepath.Join(s.OutputDir, stem+"_label"+s.LabelOutputExt)

	affine := volume.DiagonalAffine(s.Spacing3())
	imageVol := &volume.Volume{Affine: affine, DType: volume.Float32}
	if imageVol.Data, err = img.Reshape(size[:]...); err != nil {
		return sample, err
	}
	if s.IsCT() {
		imageVol.Data = imageVol.Data.Clone()
		for i, v := range imageVol.Data.Data {
			imageVol.Data.Data[i] = float32(math.Round(math.Min(math.Max(float64(v), ctMinHU), ctMaxHU)))
		}
		imageVol.DType = volume.Int16
	}
	labelVol := &volume.Volume{Affine: affine, DType: volume.Uint8}
	if labelVol.Data, err = mask.Reshape(size[:]...); err != nil {
		return sample, err
	}

	if err := volume.Write(sample.Image, imageVol); err != nil {
		return sample, fmt.Errorf("write image: %w", err)
	}
	if err := volume.Write(sample.Label, labelVol); err != nil {
		return sample, fmt.Errorf("write label: %w", err)
	}
	sample.Duration = sm.now().Sub(start)
	return sample, nil
}
