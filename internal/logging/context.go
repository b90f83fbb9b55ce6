package logging

import (
	"context"
	"log/slog"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldRunID is the standardized structured logging key for run identifiers.
	FieldRunID = "run_id"
	// FieldRank is the standardized structured logging key for the worker rank.
	FieldRank = "rank"
	// FieldEntry is the standardized structured logging key for manifest entry paths.
	FieldEntry = "entry"
	// FieldStage is the standardized structured logging key for pipeline stage names.
	FieldStage = "stage"
	// FieldRequestID is the standardized structured logging key for runtime request identifiers.
	FieldRequestID = "request_id"
	// FieldAlert flags warnings or anomalies that should stand out in structured logs.
	FieldAlert = "alert"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	rankKey
	entryKey
	stageKey
	requestIDKey
)

// WithRunID stores the run identifier on ctx.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithRank stores the worker rank on ctx.
func WithRank(ctx context.Context, rank int) context.Context {
	return context.WithValue(ctx, rankKey, rank)
}

// WithEntry stores the manifest entry being processed on ctx.
func WithEntry(ctx context.Context, entry string) context.Context {
	return context.WithValue(ctx, entryKey, entry)
}

// WithStage stores the current stage name on ctx.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageKey, stage)
}

// WithRequestID stores a runtime request identifier on ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RunIDFromContext returns the run identifier, if any.
func RunIDFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, runIDKey)
}

// RequestIDFromContext returns the runtime request identifier, if any.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, requestIDKey)
}

func stringValue(ctx context.Context, key ctxKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(key).(string)
	return v, ok && v != ""
}

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 5)
	if id, ok := stringValue(ctx, runIDKey); ok {
		fields = append(fields, slog.String(FieldRunID, id))
	}
	if rank, ok := ctx.Value(rankKey).(int); ok {
		fields = append(fields, slog.Int(FieldRank, rank))
	}
	if entry, ok := stringValue(ctx, entryKey); ok {
		fields = append(fields, slog.String(FieldEntry, entry))
	}
	if stage, ok := stringValue(ctx, stageKey); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if rid, ok := stringValue(ctx, requestIDKey); ok {
		fields = append(fields, slog.String(FieldRequestID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(attrsToArgs(fields)...)
}
