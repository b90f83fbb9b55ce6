package transform

import (
	"strings"

	"golang.org/x/text/cases"
)

// Coarse modality categories with a dedicated intensity stage.
const (
	ModalityCT  = "ct"
	ModalityMRI = "mri"
)

var supported = map[string]bool{ModalityCT: true, ModalityMRI: true}

// NormalizeModality maps a free-form modality descriptor onto a coarse
// category by substring. "ct" takes precedence over "mri" when both appear.
// Unrecognised descriptors come back case-folded and unchanged.
func NormalizeModality(modality string) string {
	m := cases.Fold().String(strings.TrimSpace(modality))
	if strings.Contains(m, ModalityMRI) {
		m = ModalityMRI
	}
	if strings.Contains(m, ModalityCT) {
		m = ModalityCT
	}
	return m
}

// Supported reports whether modality (already normalized) has an intensity
// stage.
func Supported(modality string) bool {
	return supported[modality]
}

func intensityStages(modality string) []Stage {
	switch modality {
	case ModalityCT:
		return []Stage{ScaleIntensityRange(-1000, 1000, 0, 1, true)}
	case ModalityMRI:
		return []Stage{ScaleIntensityPercentiles(0, 99.5, 0, 1, false)}
	default:
		return nil
	}
}
