package inference

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"maisi/internal/ndarray"
	"maisi/internal/volume"
)

// ErrNoCandidate is returned when no stored mask matches the request.
var ErrNoCandidate = errors.New("no candidate mask matches")

// Candidate is one entry of the candidate mask database.
type Candidate struct {
	Label             string     `json:"label"`
	Dim               [3]int     `json:"dim"`
	Spacing           [3]float64 `json:"spacing"`
	LabelList         []int      `json:"label_list"`
	TopRegionIndex    []int      `json:"top_region_index"`
	BottomRegionIndex []int      `json:"bottom_region_index"`
}

// LoadCandidates reads the candidate mask database.
func LoadCandidates(path string) ([]Candidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read candidate masks: %w", err)
	}
	var list []Candidate
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse candidate masks %s: %w", path, err)
	}
	return list, nil
}

// regionIndex maps a body region to its position in the one-hot region
// vectors of the database.
func regionIndex(region string) int {
	switch strings.ToLower(strings.TrimSpace(region)) {
	case "head":
		return 0
	case "chest", "thorax":
		return 1
	case "abdomen":
		return 2
	case "pelvis", "lower":
		return 3
	}
	return -1
}

func argmax(v []int) int {
	if len(v) == 0 {
		return -1
	}
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}

func (c Candidate) covers(region int) bool {
	top, bottom := argmax(c.TopRegionIndex), argmax(c.BottomRegionIndex)
	if top < 0 || bottom < 0 || region < 0 {
		return true
	}
	return top <= region && region <= bottom
}

func (c Candidate) hasLabels(ids []int) bool {
	for _, id := range ids {
		if !slices.Contains(c.LabelList, id) {
			return false
		}
	}
	return true
}

// fovDistance sums the per-axis difference in physical extent.
func (c Candidate) fovDistance(size [3]int, spacing [3]float64) float64 {
	var d float64
	for i := range 3 {
		d += math.Abs(float64(c.Dim[i])*c.Spacing[i] - float64(size[i])*spacing[i])
	}
	return d
}

// FindCandidate picks the stored mask containing every requested anatomy
// and body region whose field of view is closest to the requested one.
func FindCandidate(candidates []Candidate, anatomy []string, regions []string, labels LabelDict, size [3]int, spacing [3]float64) (Candidate, error) {
	ids := make([]int, 0, len(anatomy))
	for _, name := range anatomy {
		id, ok := labels[name]
		if !ok {
			return Candidate{}, fmt.Errorf("%w: unknown anatomy %q", ErrInvalidInput, name)
		}
		ids = append(ids, id)
	}

	best, bestDist := -1, math.Inf(1)
	for i, c := range candidates {
		if !c.hasLabels(ids) {
			continue
		}
		ok := true
		for _, r := range regions {
			if !c.covers(regionIndex(r)) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		if d := c.fovDistance(size, spacing); d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return Candidate{}, fmt.Errorf("%w: anatomy %v, body region %v", ErrNoCandidate, anatomy, regions)
	}
	return candidates[best], nil
}

// LoadMask reads c from baseDir, reorients it to RAS and resamples it with
// nearest neighbour to size. The result has shape [1, 1, X, Y, Z].
func (c Candidate) LoadMask(baseDir string, size [3]int) (*ndarray.Array, error) {
	path := c.Label
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	v, err := volume.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read candidate mask: %w", err)
	}
	if v, err = volume.ToRAS(v); err != nil {
		return nil, fmt.Errorf("orient candidate mask: %w", err)
	}
	if v, err = volume.ResizeNearest(v, size); err != nil {
		return nil, fmt.Errorf("resize candidate mask: %w", err)
	}
	if v.Data.Len() != size[0]*size[1]*size[2] {
		return nil, fmt.Errorf("candidate mask %s has shape %v, want a single channel", c.Label, v.Data.Shape)
	}
	return v.Data.Reshape(1, 1, size[0], size[1], size[2])
}
