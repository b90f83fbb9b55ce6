// Package pooling is an in-process runtime backend. Encoding average pools
// the volume and repeats it over the latent channels; mask and image
// generation draw simple labelled ellipsoids from the request seed. It keeps
// every pipeline runnable end to end without a GPU model server.
package pooling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"sync"

	"maisi/internal/checkpoint"
	"maisi/internal/logging"
	"maisi/internal/ndarray"
	"maisi/internal/runtime"
)

// Backend implements runtime.Backend.
type Backend struct {
	factor   int
	channels int
	logger   *slog.Logger

	mu     sync.RWMutex
	models map[string]runtime.ModelSpec
}

// New returns a backend pooling by factor into channels latent channels.
func New(factor, channels int, logger *slog.Logger) *Backend {
	if factor <= 0 {
		factor = 4
	}
	if channels <= 0 {
		channels = 4
	}
	return &Backend{
		factor:   factor,
		channels: channels,
		logger:   logging.NewComponentLogger(logger, "runtime.pooling"),
		models:   map[string]runtime.ModelSpec{},
	}
}

func (b *Backend) Name() string { return "pooling" }

func (b *Backend) Close() error { return nil }

// Load validates the checkpoint when one is named and registers the model.
func (b *Backend) Load(ctx context.Context, spec runtime.ModelSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if spec.Role == "" {
		return errors.New("pooling load: model role required")
	}
	if spec.Checkpoint != "" {
		sd, err := checkpoint.Load(spec.Checkpoint)
		if err != nil {
			return fmt.Errorf("pooling load %s: %w", spec.Role, err)
		}
		weights := sd.Select(spec.StateKey)
		if weights.Len() == 0 {
			return fmt.Errorf("pooling load %s: %s holds no weights", spec.Role, spec.Checkpoint)
		}
		spec.Tensors = weights.TensorCount()
		if scale, err := sd.Scalar("scale_factor"); err == nil {
			spec.ScaleFactor = scale
		}
	}
	b.mu.Lock()
	b.models[spec.Role] = spec
	b.mu.Unlock()
	b.logger.Info("model loaded",
		logging.String("role", spec.Role),
		logging.String("checkpoint", spec.Checkpoint),
		logging.Int("tensors", spec.Tensors),
	)
	return nil
}

// Loaded returns the registered model specs ordered by role.
func (b *Backend) Loaded() []runtime.ModelSpec {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]runtime.ModelSpec, 0, len(b.models))
	for _, spec := range b.models {
		out = append(out, spec)
	}
	slices.SortFunc(out, func(a, b runtime.ModelSpec) int {
		switch {
		case a.Role < b.Role:
			return -1
		case a.Role > b.Role:
			return 1
		}
		return 0
	})
	return out
}

func (b *Backend) require(role string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.models[role]; !ok {
		return fmt.Errorf("%s: %w", role, runtime.ErrNotLoaded)
	}
	return nil
}

// Encode average pools each spatial axis by the pooling factor.
func (b *Backend) Encode(ctx context.Context, input *ndarray.Array) (*ndarray.Array, error) {
	if err := b.require(runtime.RoleAutoencoder); err != nil {
		return nil, err
	}
	if input == nil || input.Rank() != 5 {
		return nil, errors.New("pooling encode: input must be [N, C, X, Y, Z]")
	}
	n, c := input.Shape[0], input.Shape[1]
	X, Y, Z := input.Shape[2], input.Shape[3], input.Shape[4]
	f := b.factor
	if X%f != 0 || Y%f != 0 || Z%f != 0 {
		return nil, fmt.Errorf("pooling encode: spatial shape %v not divisible by %d", input.Shape[2:], f)
	}
	ox, oy, oz := X/f, Y/f, Z/f
	out := ndarray.New(n, b.channels, ox, oy, oz)
	plane := ox * oy * oz
	norm := float32(c * f * f * f)
	for batch := range n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pooled := make([]float32, plane)
		for ch := range c {
			base := (batch*c + ch) * X * Y * Z
			for x := range X {
				for y := range Y {
					row := base + (x*Y+y)*Z
					dst := ((x/f)*oy + y/f) * oz
					for z := range Z {
						pooled[dst+z/f] += input.Data[row+z]
					}
				}
			}
		}
		for i := range pooled {
			pooled[i] /= norm
		}
		for ch := range b.channels {
			copy(out.Data[(batch*b.channels+ch)*plane:], pooled)
		}
	}
	return out, nil
}

// GenerateMask draws one ellipsoid per requested anatomy, labelled 1..n.
func (b *Backend) GenerateMask(ctx context.Context, req runtime.MaskRequest) (*ndarray.Array, error) {
	if err := b.require(runtime.RoleMaskDiffusion); err != nil {
		return nil, err
	}
	if err := validSize(req.OutputSize); err != nil {
		return nil, fmt.Errorf("pooling mask: %w", err)
	}
	labels := max(len(req.Anatomy), len(req.AnatomySizes), 1)
	rng := rand.New(rand.NewPCG(uint64(req.Seed), uint64(labels)))
	X, Y, Z := req.OutputSize[0], req.OutputSize[1], req.OutputSize[2]
	mask := ndarray.New(1, 1, X, Y, Z)
	for label := labels; label >= 1; label-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		scale := 0.15 + 0.2*rng.Float64()
		if label-1 < len(req.AnatomySizes) && req.AnatomySizes[label-1].Size >= 0 {
			scale = 0.05 + 0.3*req.AnatomySizes[label-1].Size
		}
		var centre, radius [3]float64
		for i, d := range req.OutputSize {
			centre[i] = float64(d) * (0.3 + 0.4*rng.Float64())
			radius[i] = max(float64(d)*scale, 1)
		}
		fill(mask, centre, radius, float32(label))
	}
	return mask, nil
}

// GenerateImage renders the mask into CT-like intensities with seeded noise.
func (b *Backend) GenerateImage(ctx context.Context, req runtime.ImageRequest) (*ndarray.Array, error) {
	if err := b.require(runtime.RoleDiffusion); err != nil {
		return nil, err
	}
	if err := b.require(runtime.RoleControlNet); err != nil {
		return nil, err
	}
	if req.Mask == nil {
		return nil, errors.New("pooling image: mask required")
	}
	if err := validSize(req.OutputSize); err != nil {
		return nil, fmt.Errorf("pooling image: %w", err)
	}
	want := []int{1, 1, req.OutputSize[0], req.OutputSize[1], req.OutputSize[2]}
	if !slices.Equal(req.Mask.Shape, want) {
		return nil, fmt.Errorf("pooling image: mask shape %v, want %v", req.Mask.Shape, want)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(uint64(req.Seed), uint64(req.Modality)))
	img := ndarray.New(want...)
	for i, label := range req.Mask.Data {
		base := -1000.0
		if label > 0 {
			base = 40 + 15*float64(label)
		}
		img.Data[i] = float32(base + 20*rng.NormFloat64())
	}
	return img, nil
}

func validSize(size [3]int) error {
	for _, d := range size {
		if d <= 0 {
			return fmt.Errorf("invalid output size %v", size)
		}
	}
	return nil
}

func fill(mask *ndarray.Array, centre, radius [3]float64, label float32) {
	X, Y, Z := mask.Shape[2], mask.Shape[3], mask.Shape[4]
	for x := range X {
		dx := (float64(x) - centre[0]) / radius[0]
		for y := range Y {
			dy := (float64(y) - centre[1]) / radius[1]
			for z := range Z {
				dz := (float64(z) - centre[2]) / radius[2]
				if math.Sqrt(dx*dx+dy*dy+dz*dz) <= 1 {
					mask.Data[(x*Y+y)*Z+z] = label
				}
			}
		}
	}
}
