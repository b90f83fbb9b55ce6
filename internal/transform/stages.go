package transform

import (
	"errors"
	"fmt"
	"slices"

	"gonum.org/v1/gonum/stat"

	"maisi/internal/ndarray"
	"maisi/internal/volume"
)

// Stage names as reported by Pipeline.StageNames.
const (
	StageLoad          = "load_image"
	StageChannelFirst  = "ensure_channel_first"
	StageOrientation   = "orientation_ras"
	StageEnsureFloat32 = "ensure_float32"
	StageScaleRange    = "scale_intensity_range"
	StagePercentiles   = "scale_intensity_percentiles"
	StageResize        = "resize_trilinear"
)

var errNoImage = errors.New("record has no image")

// LoadImage reads the NIfTI file named by the record path.
func LoadImage() Stage {
	return Stage{Name: StageLoad, Apply: func(r Record) (Record, error) {
		if r.Path == "" {
			return Record{}, errors.New("record has no path")
		}
		v, err := volume.Read(r.Path)
		if err != nil {
			return Record{}, err
		}
		r.Image = v
		return r, nil
	}}
}

// EnsureChannelFirst gives the image a leading channel axis. Spatial-only
// volumes gain a singleton channel; channel-last 4D volumes are reordered.
func EnsureChannelFirst() Stage {
	return Stage{Name: StageChannelFirst, Apply: func(r Record) (Record, error) {
		if r.Image == nil {
			return Record{}, errNoImage
		}
		v := *r.Image
		switch v.Data.Rank() {
		case 3:
			v.Data = v.Data.Unsqueeze(0)
		case 4:
			moved, err := ndarray.Permute(v.Data, 3, 0, 1, 2)
			if err != nil {
				return Record{}, err
			}
			v.Data = moved
		default:
			return Record{}, fmt.Errorf("unsupported image rank %d", v.Data.Rank())
		}
		r.Image = &v
		return r, nil
	}}
}

// Orientation reorients the image so voxel axes run along RAS.
func Orientation() Stage {
	return Stage{Name: StageOrientation, Apply: func(r Record) (Record, error) {
		if r.Image == nil {
			return Record{}, errNoImage
		}
		v, err := volume.ToRAS(r.Image)
		if err != nil {
			return Record{}, err
		}
		r.Image = v
		return r, nil
	}}
}

// EnsureFloat32 marks the image as float32.
func EnsureFloat32() Stage {
	return Stage{Name: StageEnsureFloat32, Apply: func(r Record) (Record, error) {
		if r.Image == nil {
			return Record{}, errNoImage
		}
		v := *r.Image
		v.DType = volume.Float32
		r.Image = &v
		return r, nil
	}}
}

// ScaleIntensityRange linearly maps [aMin, aMax] onto [bMin, bMax],
// optionally clipping to the output range.
func ScaleIntensityRange(aMin, aMax, bMin, bMax float64, clip bool) Stage {
	return Stage{Name: StageScaleRange, Apply: func(r Record) (Record, error) {
		if r.Image == nil {
			return Record{}, errNoImage
		}
		v := r.Image.Clone()
		scaleRange(v.Data.Data, aMin, aMax, bMin, bMax, clip)
		r.Image = v
		return r, nil
	}}
}

// ScaleIntensityPercentiles maps the lower and upper percentiles of the
// image onto [bMin, bMax].
func ScaleIntensityPercentiles(lower, upper, bMin, bMax float64, clip bool) Stage {
	return Stage{Name: StagePercentiles, Apply: func(r Record) (Record, error) {
		if r.Image == nil {
			return Record{}, errNoImage
		}
		v := r.Image.Clone()
		data := v.Data.Data
		if len(data) == 0 {
			r.Image = v
			return r, nil
		}
		sorted := make([]float64, len(data))
		for i, x := range data {
			sorted[i] = float64(x)
		}
		slices.Sort(sorted)
		aMin := percentile(sorted, lower)
		aMax := percentile(sorted, upper)
		scaleRange(data, aMin, aMax, bMin, bMax, clip)
		r.Image = v
		return r, nil
	}}
}

// ResizeTo resamples the spatial axes to size.
func ResizeTo(size [3]int) Stage {
	return Stage{Name: StageResize, Apply: func(r Record) (Record, error) {
		if r.Image == nil {
			return Record{}, errNoImage
		}
		v, err := volume.Resize(r.Image, size)
		if err != nil {
			return Record{}, err
		}
		r.Image = v
		return r, nil
	}}
}

func percentile(sorted []float64, p float64) float64 {
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	return stat.Quantile(p/100, stat.LinInterp, sorted, nil)
}

func scaleRange(data []float32, aMin, aMax, bMin, bMax float64, clip bool) {
	span := aMax - aMin
	for i, x := range data {
		var y float64
		if span == 0 {
			y = float64(x) - aMin + bMin
		} else {
			y = (float64(x)-aMin)/span*(bMax-bMin) + bMin
		}
		if clip {
			y = min(max(y, bMin), bMax)
		}
		data[i] = float32(y)
	}
}
