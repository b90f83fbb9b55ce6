// Package logging assembles structured slog loggers and formatting helpers used
// across maisi commands.
//
// It owns the configurable console/JSON handlers, fans output to stdout and a
// per-rank log file, and exposes context-aware helpers so batch code can tag
// log lines with run IDs, ranks, manifest entries and stages. The package
// also provides a no-op logger for tests and wiring code that cannot fail.
package logging
