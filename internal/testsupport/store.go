package testsupport

import (
	"context"
	"testing"

	"maisi/internal/config"
	"maisi/internal/ledger"
)

// MustOpenLedger opens the run ledger for cfg and registers cleanup.
func MustOpenLedger(t testing.TB, cfg *config.Config) *ledger.Store {
	t.Helper()

	store, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// BeginRun starts a ledger run for tests.
func BeginRun(t testing.TB, store *ledger.Store, command string, rank, world int) *ledger.Run {
	t.Helper()

	run, err := store.BeginRun(context.Background(), "", command, rank, world)
	if err != nil {
		t.Fatalf("store.BeginRun: %v", err)
	}
	return run
}
