package inference

import (
	"context"
	"fmt"
	"log/slog"

	"maisi/internal/checkpoint"
	"maisi/internal/logging"
	"maisi/internal/runtime"
)

const (
	unetStateKey       = "unet_state_dict"
	controlNetStateKey = "controlnet_state_dict"
	scaleFactorKey     = "scale_factor"
)

// modelRef describes how one generator checkpoint is laid out.
type modelRef struct {
	role       string
	path       string
	stateKey   string
	required   bool
	needsScale bool
	definition map[string]any
}

func (s *Settings) modelRefs() []modelRef {
	return []modelRef{
		{role: runtime.RoleAutoencoder, path: s.TrainedAutoencoderPath, stateKey: unetStateKey, definition: s.AutoencoderDef},
		{role: runtime.RoleDiffusion, path: s.TrainedDiffusionPath, stateKey: unetStateKey, required: true, needsScale: true, definition: s.DiffusionUNetDef},
		{role: runtime.RoleControlNet, path: s.TrainedControlNetPath, stateKey: controlNetStateKey, required: true, definition: s.ControlNetDef},
		{role: runtime.RoleMaskAutoencoder, path: s.TrainedMaskAutoencoderPath, definition: s.MaskAutoencoderDef},
		{role: runtime.RoleMaskDiffusion, path: s.TrainedMaskDiffusionPath, stateKey: unetStateKey, required: true, needsScale: true, definition: s.MaskDiffusionDef},
	}
}

// InspectModels reads every generator checkpoint and returns the specs the
// runtime should load. A missing file, state key or scale factor is an
// error.
func (s *Settings) InspectModels() ([]runtime.ModelSpec, error) {
	refs := s.modelRefs()
	specs := make([]runtime.ModelSpec, 0, len(refs))
	for _, ref := range refs {
		if ref.path == "" {
			return nil, fmt.Errorf("%s: checkpoint path not configured", ref.role)
		}
		sd, err := checkpoint.Load(ref.path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ref.role, err)
		}
		weights := sd.Select(ref.stateKey)
		if ref.required {
			if weights, err = sd.Require(ref.stateKey); err != nil {
				return nil, fmt.Errorf("%s: %w", ref.role, err)
			}
		}
		if weights.Len() == 0 {
			return nil, fmt.Errorf("%s: %s holds no weights", ref.role, ref.path)
		}
		spec := runtime.ModelSpec{
			Role:       ref.role,
			Checkpoint: ref.path,
			Definition: ref.definition,
			Tensors:    weights.TensorCount(),
		}
		if weights != sd {
			spec.StateKey = ref.stateKey
		}
		if ref.needsScale {
			if spec.ScaleFactor, err = sd.Scalar(scaleFactorKey); err != nil {
				return nil, fmt.Errorf("%s: %w", ref.role, err)
			}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// LoadModels inspects the checkpoints and hands them to loader. The first
// failure stops loading.
func LoadModels(ctx context.Context, loader runtime.Loader, s *Settings, logger *slog.Logger) ([]runtime.ModelSpec, error) {
	logger = logging.NewComponentLogger(logger, "inference")
	specs, err := s.InspectModels()
	if err != nil {
		return nil, fmt.Errorf("inspect checkpoints: %w", err)
	}
	for _, spec := range specs {
		if err := loader.Load(ctx, spec); err != nil {
			return nil, fmt.Errorf("load %s: %w", spec.Role, err)
		}
		logger.Info("generator model loaded",
			logging.String("role", spec.Role),
			logging.String("checkpoint", spec.Checkpoint),
			logging.Float64("scale_factor", spec.ScaleFactor),
		)
	}
	return specs, nil
}
