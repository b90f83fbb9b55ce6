package inference

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/agnivade/levenshtein"
)

// ErrInvalidInput marks settings that cannot drive generation.
var ErrInvalidInput = errors.New("invalid inference input")

const maxSizeRules = 10

var (
	ctBodyRegions = []string{"head", "chest", "thorax", "abdomen", "pelvis", "lower"}
	ctPlaneSizes  = []int{256, 384, 512}
	ctDepthSizes  = []int{128, 256, 384, 512, 640, 768}
	mrSizes       = []int{128, 256, 384, 512}

	// Anatomies whose size can be conditioned on in CT mask generation.
	controllableCT = []string{
		"liver", "gallbladder", "stomach", "pancreas", "colon",
		"lung tumor", "pancreatic tumor", "hepatic tumor",
		"colon cancer primaries", "bone lesion",
	}
)

const (
	minSpacing = 0.5
	maxSpacing = 5.0
)

// LabelDict maps anatomy names to label values.
type LabelDict map[string]int

// LoadLabelDict reads a {"name": value} JSON file.
func LoadLabelDict(path string) (LabelDict, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read label dict: %w", err)
	}
	var labels LabelDict
	if err := json.Unmarshal(data, &labels); err != nil {
		return nil, fmt.Errorf("parse label dict %s: %w", path, err)
	}
	return labels, nil
}

// Names returns the label names sorted.
func (d LabelDict) Names() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Validate checks the generation request against the rules of its modality.
// Every problem is reported; the error wraps ErrInvalidInput.
func (s *Settings) Validate(labels LabelDict) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch {
	case s.IsCT():
		s.checkCT(labels, add)
	case s.IsMR():
		s.checkMR(labels, add)
	default:
		add("modality %d outside 1..7 (CT) and 8..20 (MR)", s.Modality)
	}
	if s.LatentChannels <= 0 {
		add("latent_channels must be positive")
	}
	if s.NumOutputSamples <= 0 {
		add("num_output_samples must be positive")
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
}

func (s *Settings) checkCT(labels LabelDict, add func(string, ...any)) {
	if len(s.OutputSize) != 3 {
		add("output_size needs 3 values, got %v", s.OutputSize)
	} else {
		if s.OutputSize[0] != s.OutputSize[1] {
			add("output_size x and y must match, got %v", s.OutputSize)
		}
		for _, d := range s.OutputSize[:2] {
			if !slices.Contains(ctPlaneSizes, d) {
				add("output_size x/y %d not in %v", d, ctPlaneSizes)
				break
			}
		}
		if !slices.Contains(ctDepthSizes, s.OutputSize[2]) {
			add("output_size z %d not in %v", s.OutputSize[2], ctDepthSizes)
		}
	}
	s.checkSpacing(add, true)

	for _, region := range s.BodyRegion {
		if !slices.Contains(ctBodyRegions, strings.ToLower(strings.TrimSpace(region))) {
			add("body_region %q not in %v", region, ctBodyRegions)
		}
	}
	checkAnatomy(s.AnatomyList, labels, add)

	if len(s.SizeRules) > maxSizeRules {
		add("controllable_anatomy_size allows at most %d entries, got %d", maxSizeRules, len(s.SizeRules))
	}
	seen := map[string]bool{}
	for _, rule := range s.SizeRules {
		if !slices.Contains(controllableCT, rule.Name) {
			add("anatomy %q is not size controllable%s", rule.Name, suggest(rule.Name, controllableCT))
		}
		if seen[rule.Name] {
			add("controllable anatomy %q listed twice", rule.Name)
		}
		seen[rule.Name] = true
		if rule.Size != -1 && (rule.Size < 0 || rule.Size > 1) {
			add("size of %q must be -1 or within [0, 1], got %g", rule.Name, rule.Size)
		}
	}
}

func (s *Settings) checkMR(labels LabelDict, add func(string, ...any)) {
	if len(s.OutputSize) != 3 {
		add("output_size needs 3 values, got %v", s.OutputSize)
	} else {
		for _, d := range s.OutputSize {
			if !slices.Contains(mrSizes, d) {
				add("output_size %d not in %v", d, mrSizes)
				break
			}
		}
	}
	s.checkSpacing(add, false)
	checkAnatomy(s.AnatomyList, labels, add)
	if len(s.SizeRules) > 0 {
		add("controllable_anatomy_size is not supported for MR modalities")
	}
}

func (s *Settings) checkSpacing(add func(string, ...any), isotropicPlane bool) {
	if len(s.Spacing) != 3 {
		add("spacing needs 3 values, got %v", s.Spacing)
		return
	}
	if isotropicPlane && s.Spacing[0] != s.Spacing[1] {
		add("spacing x and y must match, got %v", s.Spacing)
	}
	for _, v := range s.Spacing {
		if v < minSpacing || v > maxSpacing {
			add("spacing %g outside [%g, %g]", v, minSpacing, maxSpacing)
			break
		}
	}
}

func checkAnatomy(anatomy []string, labels LabelDict, add func(string, ...any)) {
	if len(anatomy) == 0 {
		return
	}
	names := labels.Names()
	for _, name := range anatomy {
		if _, ok := labels[name]; !ok {
			add("unknown anatomy %q%s", name, suggest(name, names))
		}
	}
}

// suggest names the closest candidate when it is near enough to be a typo.
func suggest(name string, candidates []string) string {
	best, bestDist := "", -1
	for _, c := range candidates {
		d := levenshtein.ComputeDistance(strings.ToLower(name), c)
		if bestDist < 0 || d < bestDist {
			best, bestDist = c, d
		}
	}
	if bestDist < 0 || bestDist > max(2, len(name)/3) {
		return ""
	}
	return fmt.Sprintf(" (did you mean %q?)", best)
}
