package logging_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"maisi/internal/config"
	"maisi/internal/logging"
)

func TestNewFromConfigWritesRankLog(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()

	logger, path, err := logging.NewFromConfig(&cfg, "embed", 2)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(path), "embed-") || !strings.HasSuffix(path, "-rank2.log") {
		t.Fatalf("unexpected log path %q", path)
	}
	logger.Debug("debug detail", logging.String("key", "value"))

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), `"msg":"debug detail"`) {
		t.Fatalf("expected debug record in JSON log file, got %q", content)
	}
}

func TestConsoleLoggerSubjectAndFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx := logging.WithEntry(logging.WithRank(logging.WithRunID(context.Background(), "run-1"), 1), "ct/a.nii.gz")
	logging.WithContext(ctx, logging.NewComponentLogger(logger, "embedding")).
		Info("entry written", logging.String("output", "/tmp/out file.nii.gz"))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(content)
	for _, want := range []string{"INFO [rank 1 ct/a.nii.gz] embedding: entry written", `output="/tmp/out file.nii.gz"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in %q", want, line)
		}
	}
	if strings.Contains(line, "run_id") {
		t.Fatalf("run_id should be omitted from console info lines: %q", line)
	}
	if strings.Contains(line, ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", line)
	}
}

func TestJSONLoggerIncludesContextFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "json.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatal(err)
	}
	ctx := logging.WithStage(logging.WithRunID(context.Background(), "run-9"), "encode")
	logging.ErrorWithContext(logging.WithContext(ctx, logger), "entry failed", "entry_failed", logging.Error(errors.New("boom")))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"run_id":"run-9"`, `"stage":"encode"`, `"event_type":"entry_failed"`, `"error_hint"`, `"level":"error"`} {
		if !strings.Contains(string(content), want) {
			t.Fatalf("expected %s in %q", want, content)
		}
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "warn.log")
	logger, err := logging.New(logging.Options{Format: "json", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatal(err)
	}
	logging.WarnWithContext(logger, "ledger unavailable", "ledger_unavailable", logging.String(logging.FieldImpact, "results not recorded"))

	content, _ := os.ReadFile(logPath)
	for _, want := range []string{`"event_type":"ledger_unavailable"`, `"impact":"results not recorded"`, `"error_hint":"check logs for details"`} {
		if !strings.Contains(string(content), want) {
			t.Fatalf("expected %s in %q", want, content)
		}
	}
}

func TestComponentLoggerAtSuppressesInfo(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "quiet.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "debug", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatal(err)
	}
	quiet := logging.NewComponentLoggerAt(logger, "modelzoo", slog.LevelWarn)
	quiet.Info("hidden")
	quiet.With("artifact", "autoencoder").Warn("shown")
	logger.Info("base still verbose")

	content, _ := os.ReadFile(logPath)
	if strings.Contains(string(content), "hidden") {
		t.Fatalf("info leaked through component level: %q", content)
	}
	for _, want := range []string{"shown", "modelzoo", "base still verbose"} {
		if !strings.Contains(string(content), want) {
			t.Fatalf("expected %q in %q", want, content)
		}
	}
}

func TestPruneRunLogs(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC()
	stamp := func(d time.Duration) string { return now.Add(-d).Format("20060102T150405Z") }
	day := 24 * time.Hour

	oldEmbed := filepath.Join(dir, "embed-"+stamp(20*day)+"-rank0.log")
	newerEmbed := filepath.Join(dir, "embed-"+stamp(10*day)+"-rank0.log")
	liveRank1 := filepath.Join(dir, "embed-"+stamp(12*day)+"-rank1.log")
	staleRank1 := filepath.Join(dir, "embed-"+stamp(30*day)+"-rank1.log")
	oldDownload := filepath.Join(dir, "download-"+stamp(30*day)+"-rank0.log")
	current := filepath.Join(dir, "download-"+stamp(0)+"-rank0.log")
	pinned := filepath.Join(dir, "infer-"+stamp(40*day)+"-rank0.log")
	pinnedNewer := filepath.Join(dir, "infer-"+stamp(9*day)+"-rank0.log")
	foreign := filepath.Join(dir, "notes.log")
	for _, p := range []string{oldEmbed, newerEmbed, liveRank1, staleRank1, oldDownload, current, pinned, pinnedNewer, foreign} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		past := now.Add(-45 * day)
		if err := os.Chtimes(p, past, past); err != nil {
			t.Fatal(err)
		}
	}
	// A long run keeps writing to a log whose name is older than the cutoff.
	recent := now.Add(-time.Hour)
	if err := os.Chtimes(oldEmbed, recent, recent); err != nil {
		t.Fatal(err)
	}

	stats := logging.PruneRunLogs(logging.NewNop(), dir, 7, pinned)

	for _, p := range []string{oldDownload, staleRank1} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("expected %s to be pruned", filepath.Base(p))
		}
	}
	for _, p := range []string{oldEmbed, newerEmbed, liveRank1, current, pinned, pinnedNewer, foreign} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("expected %s to remain: %v", filepath.Base(p), err)
		}
	}
	if stats.Removed != 2 || stats.Kept != 6 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if got := logging.PruneRunLogs(logging.NewNop(), dir, 0); got != (logging.PruneStats{}) {
		t.Fatalf("retention 0 should disable pruning, got %+v", got)
	}
}

func TestParseRunLog(t *testing.T) {
	rl, ok := logging.ParseRunLog("/logs", "config-validate-20260101T101500Z-rank12.log")
	if !ok {
		t.Fatal("expected run log name to parse")
	}
	want := time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC)
	if rl.Command != "config-validate" || rl.Rank != 12 || !rl.Started.Equal(want) || rl.Path != filepath.Join("/logs", "config-validate-20260101T101500Z-rank12.log") {
		t.Fatalf("unexpected parse %+v", rl)
	}
	for _, name := range []string{"embed.log", "embed-20260101T101500Z.log", "embed-2026-rank0.log"} {
		if _, ok := logging.ParseRunLog("/logs", name); ok {
			t.Fatalf("%s should not parse", name)
		}
	}
}
