package logging

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
)

func attrString(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		if dims, ok := formatDims(v.Any()); ok {
			return dims
		}
		return fmt.Sprint(v.Any())
	default:
		return formatValue(v)
	}
}

// formatValue renders v for the console handler. Shapes and spacings print
// as 256x256x128 and durations are rounded to the millisecond.
func formatValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return formatFloat(v.Float64())
	case slog.KindDuration:
		d := v.Duration()
		if d > time.Millisecond {
			d = d.Round(time.Millisecond)
		}
		return d.String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return quoteIfNeeded(err.Error())
		}
		if dims, ok := formatDims(v.Any()); ok {
			return dims
		}
		return quoteIfNeeded(fmt.Sprint(v.Any()))
	default:
		return quoteIfNeeded(v.String())
	}
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "+Inf"
	case math.IsInf(f, -1):
		return "-Inf"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// formatDims joins integer or float vectors with "x". Empty vectors and
// other types report false.
func formatDims(v any) (string, bool) {
	var parts []string
	switch d := v.(type) {
	case []int:
		parts = joinInts(d)
	case [3]int:
		parts = joinInts(d[:])
	case []float64:
		parts = joinFloats(d)
	case [3]float64:
		parts = joinFloats(d[:])
	default:
		return "", false
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "x"), true
}

func joinInts(vals []int) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = strconv.Itoa(v)
	}
	return out
}

func joinFloats(vals []float64) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = formatFloat(v)
	}
	return out
}

func quoteIfNeeded(s string) string {
	if needsQuotes(s) {
		return strconv.Quote(s)
	}
	return s
}

func needsQuotes(s string) bool {
	if s == "" {
		return true
	}
	for _, r := range s {
		if r <= ' ' || r == '=' || r == '"' {
			return true
		}
	}
	return false
}
