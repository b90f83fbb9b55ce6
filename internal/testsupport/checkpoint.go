package testsupport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// WriteCheckpoint writes a protocol 2 pickle holding tensors scalar weights,
// nested under wrapKey when it is set, plus a top level scale_factor when
// scale is non-zero.
func WriteCheckpoint(t testing.TB, path, wrapKey string, tensors int, scale float64) string {
	t.Helper()
	weights := func(buf *bytes.Buffer) {
		for i := range tensors {
			pickleString(buf, fmt.Sprintf("layer%d.weight", i))
			pickleFloat(buf, 0.01*float64(i+1))
		}
	}

	var buf bytes.Buffer
	buf.Write([]byte{0x80, 2})
	buf.WriteByte('}')
	if tensors > 0 || wrapKey != "" || scale != 0 {
		buf.WriteByte('(')
		if wrapKey == "" {
			weights(&buf)
		} else {
			pickleString(&buf, wrapKey)
			buf.WriteByte('}')
			if tensors > 0 {
				buf.WriteByte('(')
				weights(&buf)
				buf.WriteByte('u')
			}
		}
		if scale != 0 {
			pickleString(&buf, "scale_factor")
			pickleFloat(&buf, scale)
		}
		buf.WriteByte('u')
	}
	buf.WriteByte('.')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir checkpoint dir: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
	return path
}

func pickleString(buf *bytes.Buffer, s string) {
	buf.WriteByte('X')
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(s)))
	buf.WriteString(s)
}

func pickleFloat(buf *bytes.Buffer, v float64) {
	buf.WriteByte('G')
	_ = binary.Write(buf, binary.BigEndian, math.Float64bits(v))
}
