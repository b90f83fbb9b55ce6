package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// pickleDict encodes a protocol 2 pickle of a string keyed dict whose values
// are float64, int32 or nested dicts of the same kind.
func pickleDict(t *testing.T, keys []string, values map[string]any) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.Write([]byte{0x80, 2})
	writeDict(t, &buf, keys, values)
	buf.WriteByte('.')
	return buf.Bytes()
}

type nested struct {
	keys   []string
	values map[string]any
}

func writeDict(t *testing.T, buf *bytes.Buffer, keys []string, values map[string]any) {
	buf.WriteByte('}')
	if len(keys) == 0 {
		return
	}
	buf.WriteByte('(')
	for _, k := range keys {
		buf.WriteByte('X')
		_ = binary.Write(buf, binary.LittleEndian, uint32(len(k)))
		buf.WriteString(k)
		switch v := values[k].(type) {
		case float64:
			buf.WriteByte('G')
			_ = binary.Write(buf, binary.BigEndian, math.Float64bits(v))
		case int:
			buf.WriteByte('J')
			_ = binary.Write(buf, binary.LittleEndian, int32(v))
		case nested:
			writeDict(t, buf, v.keys, v.values)
		default:
			t.Fatalf("unsupported pickle value %T", v)
		}
	}
	buf.WriteByte('u')
}

func writeCheckpoint(t *testing.T, keys []string, values map[string]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.pt")
	if err := os.WriteFile(path, pickleDict(t, keys, values), 0o644); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
	return path
}

func TestLoadNestedStateDict(t *testing.T) {
	path := writeCheckpoint(t, []string{"unet_state_dict", "scale_factor", "epoch"}, map[string]any{
		"unet_state_dict": nested{
			keys:   []string{"conv.weight", "conv.bias"},
			values: map[string]any{"conv.weight": 0.25, "conv.bias": 0.5},
		},
		"scale_factor": 1.0 / 3,
		"epoch":        7,
	})

	sd, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff([]string{"unet_state_dict", "scale_factor", "epoch"}, sd.Keys()); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}
	unet, err := sd.Require("unet_state_dict")
	if err != nil {
		t.Fatalf("Require: %v", err)
	}
	if unet.Len() != 2 || unet.Path != path {
		t.Fatalf("unexpected nested dict len=%d path=%q", unet.Len(), unet.Path)
	}
	scale, err := sd.Scalar("scale_factor")
	if err != nil || math.Abs(scale-1.0/3) > 1e-12 {
		t.Fatalf("scale_factor = %v, %v", scale, err)
	}
	epoch, err := sd.Scalar("epoch")
	if err != nil || epoch != 7 {
		t.Fatalf("epoch = %v, %v", epoch, err)
	}
}

func TestSelectFallsBackToRoot(t *testing.T) {
	path := writeCheckpoint(t, []string{"encoder.weight"}, map[string]any{"encoder.weight": 1.0})
	sd, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := sd.Select("unet_state_dict"); got != sd {
		t.Fatal("Select should return the root when the key is absent")
	}
	if got := sd.Select(""); got != sd {
		t.Fatal("Select with empty key should return the root")
	}
}

func TestRequireMissingKey(t *testing.T) {
	path := writeCheckpoint(t, []string{"scale_factor"}, map[string]any{"scale_factor": 1.0})
	sd, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := sd.Require("controlnet_state_dict"); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
	if _, err := sd.Scalar("missing"); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
	if _, err := sd.Require("scale_factor"); err == nil {
		t.Fatal("expected type error for scalar entry")
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.pt")); err == nil {
		t.Fatal("expected error for missing file")
	}
	garbage := filepath.Join(t.TempDir(), "garbage.pt")
	if err := os.WriteFile(garbage, []byte("not a checkpoint"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(garbage); err == nil {
		t.Fatal("expected error for garbage file")
	}
}
