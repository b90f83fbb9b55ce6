package transform

import (
	"errors"
	"fmt"

	"maisi/internal/volume"
)

// Record is the unit a pipeline operates on: a source path and, once loaded,
// the image it refers to.
type Record struct {
	Path  string
	Image *volume.Volume
}

// Stage is one named step of a pipeline. Apply must not modify the record it
// receives.
type Stage struct {
	Name  string
	Apply func(Record) (Record, error)
}

// Pipeline is an immutable ordered list of stages built for one modality and
// target size.
type Pipeline struct {
	modality string
	target   *[3]int
	stages   []Stage
}

// Build assembles the preprocessing pipeline for modality. When targetDim is
// nil the pipeline only loads, orients and normalizes, leaving size and
// element type as read; this is the probing form. With a target it also casts
// to float32 and resizes trilinearly.
func Build(modality string, targetDim *[3]int) *Pipeline {
	m := NormalizeModality(modality)
	stages := []Stage{
		LoadImage(),
		EnsureChannelFirst(),
		Orientation(),
	}
	var target *[3]int
	if targetDim != nil {
		t := *targetDim
		target = &t
		stages = append(stages, EnsureFloat32())
	}
	stages = append(stages, intensityStages(m)...)
	if target != nil {
		stages = append(stages, ResizeTo(*target))
	}
	return &Pipeline{modality: m, target: target, stages: stages}
}

// Modality returns the normalized modality the pipeline was built for.
func (p *Pipeline) Modality() string { return p.modality }

// Target returns the resize target, if any.
func (p *Pipeline) Target() ([3]int, bool) {
	if p.target == nil {
		return [3]int{}, false
	}
	return *p.target, true
}

// StageNames lists the stages in execution order.
func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name
	}
	return names
}

// Run applies every stage to r in order.
func (p *Pipeline) Run(r Record) (Record, error) {
	for _, s := range p.stages {
		next, err := s.Apply(r)
		if err != nil {
			return Record{}, fmt.Errorf("%s: %w", s.Name, err)
		}
		r = next
	}
	return r, nil
}

// Apply loads path and returns the transformed image.
func (p *Pipeline) Apply(path string) (*volume.Volume, error) {
	r, err := p.Run(Record{Path: path})
	if err != nil {
		return nil, err
	}
	if r.Image == nil {
		return nil, errors.New("pipeline produced no image")
	}
	return r.Image, nil
}
