package embedding

import (
	"path/filepath"
	"strings"
)

// Suffix is appended to the stem of every latent file.
const Suffix = "_emb.nii.gz"

// OutputPath maps a manifest image path to its latent file under base. The
// ".gz" and ".nii" markers are stripped wherever they occur and the
// relative directory layout is kept.
func OutputPath(base, image string) string {
	stem := strings.ReplaceAll(image, ".gz", "")
	stem = strings.ReplaceAll(stem, ".nii", "")
	return filepath.Join(base, stem+Suffix)
}

// InputPath resolves a manifest image path against the data directory.
// Absolute paths are used as given.
func InputPath(base, image string) string {
	if filepath.IsAbs(image) {
		return image
	}
	return filepath.Join(base, image)
}
