package transform

import "math"

// DefaultBase is the multiple target dimensions are rounded to.
const DefaultBase = 128

// RoundNumber rounds value to the nearest positive multiple of base, never
// returning less than base.
func RoundNumber(value float64, base int) int {
	if base <= 0 {
		base = DefaultBase
	}
	n := math.Max(math.Round(value/float64(base)), 1)
	return int(n) * base
}

// TargetDim rounds every axis of dim with RoundNumber.
func TargetDim(dim [3]int, base int) [3]int {
	var out [3]int
	for i, d := range dim {
		out[i] = RoundNumber(float64(d), base)
	}
	return out
}
