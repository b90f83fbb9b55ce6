package ndarray

import (
	"fmt"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Precision selects the element storage used around model calls.
type Precision string

const (
	FP32 Precision = "fp32"
	FP16 Precision = "fp16"
	BF16 Precision = "bf16"
)

// ParsePrecision accepts fp32, fp16, bf16 and a few common aliases.
func ParsePrecision(value string) (Precision, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "fp32", "float32", "full":
		return FP32, nil
	case "fp16", "float16", "half", "amp":
		return FP16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	default:
		return "", fmt.Errorf("unsupported precision %q", value)
	}
}

// Reduced reports whether p stores fewer bits than float32.
func (p Precision) Reduced() bool {
	return p == FP16 || p == BF16
}

// Round quantizes data in place to the storage precision of p.
func (p Precision) Round(data []float32) {
	switch p {
	case FP16:
		for i, v := range data {
			data[i] = float16.Fromfloat32(v).Float32()
		}
	case BF16:
		copy(data, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(data)))
	}
}

// Cast returns a copy of a rounded to precision p.
func (a *Array) Cast(p Precision) *Array {
	out := a.Clone()
	p.Round(out.Data)
	return out
}
