// Package modelzoo knows which pretrained artifacts each generator version
// needs and fetches them into the model directory.
package modelzoo

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// ErrUnknownVersion is returned for a generator version with no catalog.
var ErrUnknownVersion = errors.New("unknown generate version")

// Generator versions.
const (
	VersionDDPMCT  = "ddpm-ct"
	VersionRflowCT = "rflow-ct"
	VersionRflowMR = "rflow-mr"
)

// Artifact is one downloadable file. Path is relative; paths under
// "datasets/" resolve against the datasets root, the rest against the model
// directory.
type Artifact struct {
	Path string `json:"path" yaml:"path"`
	URL  string `json:"url" yaml:"url"`
}

const (
	nvidiaTutorials = "https://developer.download.nvidia.com/assets/Clara/monai/tutorials"
	nvGenerateMR    = "https://huggingface.co/nvidia/NV-Generate-MR/resolve/main"
)

var ctCommon = []Artifact{
	{Path: "models/autoencoder_v1.pt", URL: nvidiaTutorials + "/model_zoo/model_maisi_autoencoder_epoch273_alternative.pt"},
	{Path: "models/mask_generation_autoencoder.pt", URL: nvidiaTutorials + "/mask_generation_autoencoder.pt"},
	{Path: "models/mask_generation_diffusion_unet.pt", URL: nvidiaTutorials + "/model_zoo/model_maisi_mask_generation_diffusion_unet_v2.pt"},
	{Path: "configs/all_anatomy_size_conditions.json", URL: nvidiaTutorials + "/all_anatomy_size_condtions.json"},
	{Path: "datasets/all_masks_flexible_size_and_spacing_4000.zip", URL: nvidiaTutorials + "/all_masks_flexible_size_and_spacing_4000.zip"},
}

var catalogs = map[string][]Artifact{
	VersionDDPMCT: append(slices.Clone(ctCommon),
		Artifact{Path: "models/diff_unet_3d_ddpm-ct.pt", URL: nvidiaTutorials + "/model_zoo/model_maisi_input_unet3d_data-all_steps1000size512ddpm_random_current_inputx_v1_alternative.pt"},
		Artifact{Path: "models/controlnet_3d_ddpm-ct.pt", URL: nvidiaTutorials + "/model_zoo/model_maisi_controlnet-20datasets-e20wl100fold0bc_noi_dia_fsize_current_alternative.pt"},
		Artifact{Path: "configs/candidate_masks_flexible_size_and_spacing_3000.json", URL: nvidiaTutorials + "/candidate_masks_flexible_size_and_spacing_3000.json"},
	),
	VersionRflowCT: append(slices.Clone(ctCommon),
		Artifact{Path: "models/diff_unet_3d_rflow-ct.pt", URL: nvidiaTutorials + "/diff_unet_ckpt_rflow_epoch19350.pt"},
		Artifact{Path: "models/controlnet_3d_rflow-ct.pt", URL: nvidiaTutorials + "/controlnet_rflow_epoch60.pt"},
		Artifact{Path: "configs/candidate_masks_flexible_size_and_spacing_4000.json", URL: nvidiaTutorials + "/candidate_masks_flexible_size_and_spacing_4000.json"},
	),
	VersionRflowMR: {
		{Path: "models/autoencoder_v2.pt", URL: nvGenerateMR + "/models/autoencoder_v2.pt"},
		{Path: "models/diff_unet_3d_rflow-mr.pt", URL: nvGenerateMR + "/models/diff_unet_3d_rflow-mr.pt"},
		{Path: "configs/candidate_masks_flexible_size_and_spacing_brats23.json", URL: nvGenerateMR + "/example_data/candidate_masks_flexible_size_and_spacing_brats23.json"},
		{Path: "datasets/all_masks_flexible_size_and_spacing_brats23.zip", URL: nvGenerateMR + "/example_data/all_masks_flexible_size_and_spacing_brats23.zip"},
	},
}

// Versions lists the known generator versions.
func Versions() []string {
	return []string{VersionDDPMCT, VersionRflowCT, VersionRflowMR}
}

// Catalog returns the artifacts of version with duplicate paths removed.
func Catalog(version string) ([]Artifact, error) {
	v := strings.ToLower(strings.TrimSpace(version))
	list, ok := catalogs[v]
	if !ok {
		return nil, fmt.Errorf("%w %q: choose one of %s", ErrUnknownVersion, version, strings.Join(Versions(), ", "))
	}
	seen := make(map[string]struct{}, len(list))
	out := make([]Artifact, 0, len(list))
	for _, a := range list {
		if _, dup := seen[a.Path]; dup {
			continue
		}
		seen[a.Path] = struct{}{}
		out = append(out, a)
	}
	return out, nil
}

// Resolve returns the local destination of a.
func Resolve(a Artifact, modelDir, datasetsRoot string) string {
	if strings.Contains(a.Path, "datasets/") {
		return filepath.Join(datasetsRoot, filepath.FromSlash(a.Path))
	}
	return filepath.Join(modelDir, filepath.FromSlash(a.Path))
}
