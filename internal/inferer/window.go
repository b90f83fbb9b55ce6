package inferer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"maisi/internal/logging"
	"maisi/internal/ndarray"
)

// Func is a model call on a [N, C, X, Y, Z] array.
type Func func(ctx context.Context, in *ndarray.Array) (*ndarray.Array, error)

// Defaults for the encoder window.
var (
	DefaultROI = [3]int{320, 320, 160}
)

const (
	DefaultOverlap    = 0.4
	DefaultSigmaScale = 0.125
	minImportance     = 1e-3
)

// SlidingWindow tiles the spatial axes of its input with windows of ROI
// voxels overlapping by Overlap, and combines the model outputs with a
// gaussian importance map. Windows are processed one at a time.
type SlidingWindow struct {
	ROI        [3]int
	Overlap    float64
	SigmaScale float64
	Precision  ndarray.Precision
	Logger     *slog.Logger
}

// NewSlidingWindow returns a window runner with the default gaussian blend.
func NewSlidingWindow(roi [3]int, overlap float64, precision ndarray.Precision, logger *slog.Logger) *SlidingWindow {
	return &SlidingWindow{
		ROI:        roi,
		Overlap:    overlap,
		SigmaScale: DefaultSigmaScale,
		Precision:  precision,
		Logger:     logger,
	}
}

// Run applies fn to every window of input, shaped [1, C, X, Y, Z]. ROI axes
// longer than the input are clamped to it. The output spatial size is the
// input size scaled by the ratio between model output and window size, which
// must be the same for every window.
func (s *SlidingWindow) Run(ctx context.Context, input *ndarray.Array, fn Func) (*ndarray.Array, error) {
	if input == nil || input.Rank() != 5 {
		return nil, errors.New("sliding window: input must be [N, C, X, Y, Z]")
	}
	if input.Shape[0] != 1 {
		return nil, fmt.Errorf("sliding window: batch size %d not supported", input.Shape[0])
	}
	if s.Overlap < 0 || s.Overlap >= 1 {
		return nil, fmt.Errorf("sliding window: overlap %v outside [0, 1)", s.Overlap)
	}

	var image, roi [3]int
	for i := range 3 {
		image[i] = input.Shape[2+i]
		roi[i] = s.ROI[i]
		if roi[i] <= 0 || roi[i] > image[i] {
			roi[i] = image[i]
		}
	}
	starts := windowStarts(image, roi, s.Overlap)
	total := len(starts[0]) * len(starts[1]) * len(starts[2])

	logger := s.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger.Debug("sliding window plan",
		logging.Any("image", image),
		logging.Any("roi", roi),
		logging.Int("windows", total),
	)

	sigma := s.SigmaScale
	if sigma <= 0 {
		sigma = DefaultSigmaScale
	}

	var (
		acc      *ndarray.Array
		count    []float32
		outShape [3]int
		outROI   [3]int
		channels int
		weights  []float32
		scale    [3]float64
	)

	sampler := logging.NewProgressSampler(10)
	done := 0
	for _, x0 := range starts[0] {
		for _, y0 := range starts[1] {
			for _, z0 := range starts[2] {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				patch := extract(input, [3]int{x0, y0, z0}, roi)
				if s.Precision.Reduced() {
					s.Precision.Round(patch.Data)
				}
				out, err := fn(ctx, patch)
				if err != nil {
					return nil, fmt.Errorf("window %d/%d at %v: %w", done+1, total, [3]int{x0, y0, z0}, err)
				}
				if out == nil || out.Rank() != 5 || out.Shape[0] != 1 {
					return nil, fmt.Errorf("window %d/%d: model output must be [1, C, X, Y, Z]", done+1, total)
				}
				if s.Precision.Reduced() {
					s.Precision.Round(out.Data)
				}

				if acc == nil {
					channels = out.Shape[1]
					for i := range 3 {
						outROI[i] = out.Shape[2+i]
						scale[i] = float64(outROI[i]) / float64(roi[i])
						outShape[i] = int(math.Round(float64(image[i]) * scale[i]))
					}
					acc = ndarray.New(1, channels, outShape[0], outShape[1], outShape[2])
					count = make([]float32, outShape[0]*outShape[1]*outShape[2])
					weights = importanceMap(roi, outROI, sigma)
				} else if out.Shape[1] != channels || out.Shape[2] != outROI[0] || out.Shape[3] != outROI[1] || out.Shape[4] != outROI[2] {
					return nil, fmt.Errorf("window %d/%d: output shape %v differs from first window", done+1, total, out.Shape)
				}

				var origin [3]int
				for i, v := range [3]int{x0, y0, z0} {
					origin[i] = int(math.Round(float64(v) * scale[i]))
				}
				accumulate(acc, count, out, weights, origin, outShape, outROI)

				done++
				if sampler.ShouldLogCount(done, total, "windows") {
					logger.Debug("sliding window progress",
						logging.Int("done", done),
						logging.Int("total", total),
					)
				}
			}
		}
	}

	spatial := len(count)
	for c := range channels {
		plane := acc.Data[c*spatial : (c+1)*spatial]
		for i, w := range count {
			if w > 0 {
				plane[i] /= w
			}
		}
	}
	return acc, nil
}

// windowStarts lists window origins per axis. Windows step by
// roi*(1-overlap) and the last window is shifted back to end on the border.
func windowStarts(image, roi [3]int, overlap float64) [3][]int {
	var out [3][]int
	for i := range 3 {
		interval := roi[i]
		if roi[i] != image[i] {
			interval = int(float64(roi[i]) * (1 - overlap))
		}
		if interval < 1 {
			interval = 1
		}
		n := 1
		for d := 0; d*interval+roi[i] < image[i]; d++ {
			n = d + 2
		}
		starts := make([]int, n)
		for k := range n {
			start := k * interval
			if over := start + roi[i] - image[i]; over > 0 {
				start -= over
			}
			starts[k] = start
		}
		out[i] = starts
	}
	return out
}

// importanceMap builds a gaussian centred in a window of roi voxels, sampled
// with nearest-neighbour onto the output window size and floored at a small
// positive value so every voxel keeps some weight.
func importanceMap(roi, out [3]int, sigmaScale float64) []float32 {
	var axes [3][]float64
	for i := range 3 {
		n := roi[i]
		sigma := float64(n) * sigmaScale
		centre := float64(n / 2)
		g := make([]float64, n)
		for k := range n {
			d := float64(k) - centre
			g[k] = math.Exp(-d * d / (2 * sigma * sigma))
		}
		sampled := make([]float64, out[i])
		ratio := float64(n) / float64(out[i])
		for k := range out[i] {
			src := min(int(math.Floor(float64(k)*ratio)), n-1)
			sampled[k] = g[src]
		}
		axes[i] = sampled
	}

	size := out[0] * out[1] * out[2]
	w := make([]float64, size)
	peak, floor := 0.0, math.Inf(1)
	idx := 0
	for x := range out[0] {
		for y := range out[1] {
			for z := range out[2] {
				v := axes[0][x] * axes[1][y] * axes[2][z]
				w[idx] = v
				peak = max(peak, v)
				idx++
			}
		}
	}
	for i := range w {
		w[i] /= peak
		floor = min(floor, w[i])
	}
	floor = max(floor, minImportance)

	weights := make([]float32, size)
	for i, v := range w {
		weights[i] = float32(max(v, floor))
	}
	return weights
}

func extract(input *ndarray.Array, origin, size [3]int) *ndarray.Array {
	channels := input.Shape[1]
	X, Y, Z := input.Shape[2], input.Shape[3], input.Shape[4]
	out := ndarray.New(1, channels, size[0], size[1], size[2])
	dst := 0
	for c := range channels {
		for x := range size[0] {
			for y := range size[1] {
				src := ((c*X+origin[0]+x)*Y+origin[1]+y)*Z + origin[2]
				copy(out.Data[dst:dst+size[2]], input.Data[src:src+size[2]])
				dst += size[2]
			}
		}
	}
	return out
}

func accumulate(acc *ndarray.Array, count []float32, out *ndarray.Array, weights []float32, origin, full, size [3]int) {
	channels := out.Shape[1]
	for c := range channels {
		for x := range size[0] {
			gx := origin[0] + x
			if gx >= full[0] {
				continue
			}
			for y := range size[1] {
				gy := origin[1] + y
				if gy >= full[1] {
					continue
				}
				for z := range size[2] {
					gz := origin[2] + z
					if gz >= full[2] {
						continue
					}
					wi := (x*size[1]+y)*size[2] + z
					w := weights[wi]
					gi := (gx*full[1]+gy)*full[2] + gz
					acc.Data[c*len(count)+gi] += out.Data[c*size[0]*size[1]*size[2]+wi] * w
					if c == 0 {
						count[gi] += w
					}
				}
			}
		}
	}
}
