package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"
)

func TestTeeHandlerCollapses(t *testing.T) {
	if _, ok := TeeHandler(nil, nil).(NoopHandler); !ok {
		t.Fatal("expected NoopHandler when every handler is nil")
	}
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, nil)
	if h := TeeHandler(nil, inner); h != inner {
		t.Fatal("expected single handler to be returned unwrapped")
	}
}

func TestTeeHandlerRespectsPerHandlerLevel(t *testing.T) {
	var console, file bytes.Buffer
	h := TeeHandler(
		slog.NewTextHandler(&console, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewJSONHandler(&file, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)
	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("expected debug enabled through the file handler")
	}

	logger := slog.New(h).With("rank", 1).WithGroup("window")
	logger.Debug("window scheduled", "index", 3)
	logger.Info("window done", "index", 3)

	if strings.Contains(console.String(), "window scheduled") {
		t.Fatalf("console received debug record: %q", console.String())
	}
	if !strings.Contains(console.String(), "window done") {
		t.Fatalf("console missing info record: %q", console.String())
	}
	for _, want := range []string{"window scheduled", "window done", `"rank":1`, `"window":{"index":3}`} {
		if !strings.Contains(file.String(), want) {
			t.Fatalf("file output missing %s: %q", want, file.String())
		}
	}
}

type failingWriter struct{ writes int }

func (w *failingWriter) Write([]byte) (int, error) {
	w.writes++
	return 0, errors.New("no space left on device")
}

func TestTeeHandlerDropsBrokenSink(t *testing.T) {
	var console bytes.Buffer
	disk := &failingWriter{}
	h := TeeHandler(
		slog.NewTextHandler(&console, nil),
		slog.NewJSONHandler(disk, nil),
	)
	logger := slog.New(h).With("rank", 0)

	if err := h.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "first", 0)); err == nil {
		t.Fatal("expected the first write failure to surface")
	}
	logger.Info("second")
	logger.WithGroup("encode").Info("third")

	if disk.writes != 1 {
		t.Fatalf("broken sink written %d times, want 1", disk.writes)
	}
	for _, want := range []string{"first", "second", "third"} {
		if !strings.Contains(console.String(), want) {
			t.Fatalf("console missing %q: %q", want, console.String())
		}
	}
}

func TestJSONHandlerEncodesNonFiniteFloats(t *testing.T) {
	var buf bytes.Buffer
	h, err := newJSONHandler(&buf, slog.LevelInfo, false)
	if err != nil {
		t.Fatal(err)
	}
	slog.New(h).Info("scale factor", "scale_factor", math.Inf(1), "loss", math.NaN(), "percent", 12.5)

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if got["scale_factor"] != "+Inf" || got["loss"] != "NaN" || got["percent"] != 12.5 || got["level"] != "info" {
		t.Fatalf("unexpected record %v", got)
	}
	if _, ok := got["ts"].(string); !ok {
		t.Fatalf("missing ts in %v", got)
	}
}

func TestFormatValueRendersDims(t *testing.T) {
	cases := []struct {
		in   slog.Value
		want string
	}{
		{slog.AnyValue([]int{256, 256, 128}), "256x256x128"},
		{slog.AnyValue([3]int{16, 16, 8}), "16x16x8"},
		{slog.AnyValue([3]float64{1.5, 1.5, 2}), "1.5x1.5x2"},
		{slog.AnyValue([]int{}), "[]"},
		{slog.DurationValue(1234567 * time.Microsecond), "1.235s"},
		{slog.DurationValue(250 * time.Microsecond), "250µs"},
		{slog.Float64Value(math.NaN()), "NaN"},
		{slog.StringValue("ct scan"), `"ct scan"`},
		{slog.AnyValue(errors.New("bad=value")), `"bad=value"`},
	}
	for _, tc := range cases {
		if got := formatValue(tc.in); got != tc.want {
			t.Errorf("formatValue(%v) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
