package runtime

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"maisi/internal/ndarray"
)

// Tensor payloads travel as little-endian float32 bodies with the shape in a
// header.
const (
	HeaderShape     = "X-Tensor-Shape"
	HeaderRequestID = "X-Request-ID"
	ContentTensor   = "application/x-maisi-tensor"
)

// maxTensorElements bounds decoded payloads at 4 GiB of float32.
const maxTensorElements = 1 << 30

// FormatShape renders a shape for HeaderShape.
func FormatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

// ParseShape reads a HeaderShape value.
func ParseShape(value string) ([]int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("tensor shape header missing")
	}
	parts := strings.Split(value, ",")
	shape := make([]int, len(parts))
	total := 1
	for i, part := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("tensor shape %q: invalid dimension %q", value, part)
		}
		total *= d
		if total > maxTensorElements {
			return nil, fmt.Errorf("tensor shape %q too large", value)
		}
		shape[i] = d
	}
	return shape, nil
}

// WriteTensor writes the raw float32 payload of a.
func WriteTensor(w io.Writer, a *ndarray.Array) error {
	buf := make([]byte, 4*len(a.Data))
	for i, v := range a.Data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	_, err := w.Write(buf)
	return err
}

// ReadTensor reads a payload of the given shape.
func ReadTensor(r io.Reader, shape []int) (*ndarray.Array, error) {
	out := ndarray.New(shape...)
	buf := make([]byte, 4*len(out.Data))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read tensor %v: %w", shape, err)
	}
	for i := range out.Data {
		out.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return out, nil
}
