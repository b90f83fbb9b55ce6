package inferer

import (
	"context"
	"errors"

	"maisi/internal/ndarray"
)

// DynamicInfer encodes small volumes with one direct model call and falls
// back to the sliding window once a single channel holds at least as many
// voxels as one window.
func DynamicInfer(ctx context.Context, sw *SlidingWindow, input *ndarray.Array, fn Func) (*ndarray.Array, error) {
	if input == nil || input.Rank() != 5 {
		return nil, errors.New("dynamic infer: input must be [N, C, X, Y, Z]")
	}
	if sw == nil {
		sw = NewSlidingWindow(DefaultROI, DefaultOverlap, ndarray.FP32, nil)
	}
	voxels := input.Shape[2] * input.Shape[3] * input.Shape[4]
	window := sw.ROI[0] * sw.ROI[1] * sw.ROI[2]
	if voxels < window {
		in := input
		if sw.Precision.Reduced() {
			in = input.Cast(sw.Precision)
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		if sw.Precision.Reduced() {
			sw.Precision.Round(out.Data)
		}
		return out, nil
	}
	return sw.Run(ctx, input, fn)
}
