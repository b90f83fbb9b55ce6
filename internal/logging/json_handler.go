package logging

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"time"
)

// newJSONHandler writes one JSON object per record. Timestamps keep
// nanoseconds so logs from several ranks can be merged by ts, and
// non-finite floats become strings since JSON has no encoding for them.
func newJSONHandler(w io.Writer, lvl slog.Leveler, addSource bool) (slog.Handler, error) {
	opts := slog.HandlerOptions{
		Level:     lvl,
		AddSource: addSource,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if len(groups) == 0 {
				switch attr.Key {
				case slog.TimeKey:
					attr.Key = "ts"
					if attr.Value.Kind() == slog.KindTime {
						attr.Value = slog.StringValue(attr.Value.Time().UTC().Format(time.RFC3339Nano))
					}
					return attr
				case slog.LevelKey:
					attr.Value = slog.StringValue(strings.ToLower(attr.Value.String()))
					return attr
				case slog.SourceKey:
					if src, ok := attr.Value.Any().(*slog.Source); ok && src != nil {
						attr.Value = slog.StringValue(shortSource(src))
					}
					return attr
				}
			}
			if attr.Value.Kind() == slog.KindFloat64 {
				if f := attr.Value.Float64(); math.IsNaN(f) || math.IsInf(f, 0) {
					attr.Value = slog.StringValue(formatFloat(f))
				}
			}
			return attr
		},
	}

	return slog.NewJSONHandler(w, &opts), nil
}

// shortSource renders src as package/file.go:line.
func shortSource(src *slog.Source) string {
	dir := filepath.Base(filepath.Dir(src.File))
	return fmt.Sprintf("%s/%s:%d", dir, filepath.Base(src.File), src.Line)
}
