package runtime

import (
	"context"
	"errors"

	"maisi/internal/ndarray"
)

// Model roles understood by every backend.
const (
	RoleAutoencoder     = "autoencoder"
	RoleDiffusion       = "diffusion_unet"
	RoleControlNet      = "controlnet"
	RoleMaskAutoencoder = "mask_generation_autoencoder"
	RoleMaskDiffusion   = "mask_generation_diffusion"
)

// ErrNotLoaded is returned when a backend is asked to run a model it has not
// loaded yet.
var ErrNotLoaded = errors.New("model not loaded")

// ModelSpec names a checkpoint and the architecture it is loaded into.
type ModelSpec struct {
	Role        string         `json:"role"`
	Checkpoint  string         `json:"checkpoint"`
	StateKey    string         `json:"state_key,omitempty"`
	Definition  map[string]any `json:"definition,omitempty"`
	Tensors     int            `json:"tensors,omitempty"`
	ScaleFactor float64        `json:"scale_factor,omitempty"`
}

// Loader loads weights once per process; they are read only afterwards.
type Loader interface {
	Load(ctx context.Context, spec ModelSpec) error
}

// Encoder maps a [N, 1, X, Y, Z] volume to a [N, C, X', Y', Z'] latent.
type Encoder interface {
	Encode(ctx context.Context, input *ndarray.Array) (*ndarray.Array, error)
}

// MaskRequest describes one mask generation call.
type MaskRequest struct {
	Seed         int64      `json:"seed"`
	OutputSize   [3]int     `json:"output_size"`
	LatentShape  [4]int     `json:"latent_shape"`
	BodyRegion   []string   `json:"body_region,omitempty"`
	Anatomy      []string   `json:"anatomy,omitempty"`
	AnatomySizes []SizeRule `json:"anatomy_sizes,omitempty"`
}

// SizeRule asks for an anatomy to be rendered at a relative size in [0, 1],
// or at its default size when Size is negative.
type SizeRule struct {
	Name string  `json:"name"`
	Size float64 `json:"size"`
}

// MaskGenerator produces a label volume shaped [1, 1, X, Y, Z].
type MaskGenerator interface {
	GenerateMask(ctx context.Context, req MaskRequest) (*ndarray.Array, error)
}

// ImageRequest describes one image generation call conditioned on a mask.
type ImageRequest struct {
	Seed        int64          `json:"seed"`
	Modality    int            `json:"modality"`
	OutputSize  [3]int         `json:"output_size"`
	Spacing     [3]float64     `json:"spacing"`
	LatentShape [4]int         `json:"latent_shape"`
	Mask        *ndarray.Array `json:"mask"`
}

// ImageGenerator produces an image volume shaped [1, 1, X, Y, Z].
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) (*ndarray.Array, error)
}

// Backend is a complete runtime.
type Backend interface {
	Loader
	Encoder
	MaskGenerator
	ImageGenerator
	Name() string
	Close() error
}
