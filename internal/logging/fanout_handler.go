package logging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// teeSink is one destination of a teeHandler. broken is shared by every
// handler derived through WithAttrs or WithGroup.
type teeSink struct {
	handler slog.Handler
	broken  *atomic.Bool
}

// teeHandler duplicates records to several sinks. A sink whose Handle fails
// is dropped for the rest of the process so a full log disk costs one error
// instead of one per record, while the console keeps working.
type teeHandler struct {
	sinks []teeSink
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, s := range h.sinks {
		if !s.broken.Load() && s.handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *teeHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	last := len(h.sinks) - 1
	for i, s := range h.sinks {
		if s.broken.Load() || !s.handler.Enabled(ctx, record.Level) {
			continue
		}
		rec := record
		if i < last {
			rec = record.Clone()
		}
		if err := s.handler.Handle(ctx, rec); err != nil {
			if s.broken.CompareAndSwap(false, true) {
				errs = append(errs, fmt.Errorf("log sink %d disabled: %w", i, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.derive(func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) })
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	return h.derive(func(next slog.Handler) slog.Handler { return next.WithGroup(name) })
}

func (h *teeHandler) derive(fn func(slog.Handler) slog.Handler) slog.Handler {
	sinks := make([]teeSink, len(h.sinks))
	for i, s := range h.sinks {
		sinks[i] = teeSink{handler: fn(s.handler), broken: s.broken}
	}
	return &teeHandler{sinks: sinks}
}

// TeeHandler duplicates records to every non-nil handler, each applying its
// own level. It collapses to NoopHandler or the lone handler when possible.
func TeeHandler(handlers ...slog.Handler) slog.Handler {
	var sinks []teeSink
	for _, h := range handlers {
		if h != nil {
			sinks = append(sinks, teeSink{handler: h, broken: new(atomic.Bool)})
		}
	}
	switch len(sinks) {
	case 0:
		return NoopHandler{}
	case 1:
		return sinks[0].handler
	}
	return &teeHandler{sinks: sinks}
}
