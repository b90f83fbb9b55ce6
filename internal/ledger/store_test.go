package ledger_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"maisi/internal/ledger"
	"maisi/internal/testsupport"
)

func TestRunLifecycle(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	run := testsupport.BeginRun(t, store, "embed", 1, 2)
	if run.ID == "" || run.Status != ledger.RunRunning {
		t.Fatalf("unexpected run %+v", run)
	}

	results := []ledger.Result{
		{RunID: run.ID, Index: 3, Image: "b.nii.gz", Status: "failed", Error: "corrupt header"},
		{RunID: run.ID, Index: 1, Image: "a.nii.gz", Output: "a_emb.nii.gz", Status: "encoded", Duration: 1500 * time.Millisecond},
	}
	for _, r := range results {
		if err := store.Record(ctx, r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := store.FinishRun(ctx, run.ID, ledger.RunCompleted, ledger.Totals{Processed: 1, Failed: 1}, nil); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != ledger.RunCompleted || got.FinishedAt == nil || got.Processed != 1 || got.Failed != 1 {
		t.Fatalf("unexpected finished run %+v", got)
	}

	stored, err := store.Results(ctx, run.ID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(stored) != 2 || stored[0].Index != 1 || stored[1].Index != 3 {
		t.Fatalf("results not in manifest order: %+v", stored)
	}
	if stored[0].Duration != 1500*time.Millisecond || stored[1].Error != "corrupt header" || stored[1].Output != "" {
		t.Fatalf("unexpected result fields: %+v", stored)
	}
}

func TestRunsNewestFirstAndPrune(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	first := testsupport.BeginRun(t, store, "embed", 0, 1)
	time.Sleep(5 * time.Millisecond)
	second := testsupport.BeginRun(t, store, "infer", 0, 1)

	runs, err := store.Runs(ctx, 0)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != second.ID || runs[1].ID != first.ID {
		t.Fatalf("unexpected order: %+v", runs)
	}
	limited, err := store.Runs(ctx, 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("Runs(1) = %v, %v", limited, err)
	}

	removed, err := store.Prune(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 pruned runs, got %d", removed)
	}
}

func TestUnknownRun(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()
	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ledger.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if err := store.FinishRun(ctx, "missing", ledger.RunCompleted, ledger.Totals{}, nil); !errors.Is(err, ledger.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := ledger.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	run, err := store.BeginRun(context.Background(), "fixed-id", "embed", 0, 1)
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	store.Close()

	reopened, err := ledger.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.GetRun(context.Background(), run.ID); err != nil {
		t.Fatalf("GetRun after reopen: %v", err)
	}
}
