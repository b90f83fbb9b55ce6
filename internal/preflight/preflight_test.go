package preflight

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"maisi/internal/config"
	"maisi/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir, true)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
	if !strings.Contains(result.Detail, "read/write ok") {
		t.Fatalf("detail = %q", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"), false)
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f, false)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckFile(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "model.pt")
	if err := os.WriteFile(f, make([]byte, 2048), 0o644); err != nil {
		t.Fatal(err)
	}
	if r := CheckFile("ckpt", f); !r.Passed || !strings.Contains(r.Detail, "2.0 KiB") {
		t.Fatalf("expected pass with size, got %+v", r)
	}
	if r := CheckFile("ckpt", dir); r.Passed {
		t.Fatal("expected failure for directory")
	}
	if r := CheckFile("ckpt", ""); r.Passed || r.Detail != "not configured" {
		t.Fatalf("unexpected result for empty path: %+v", r)
	}
}

func TestCheckFreeSpace(t *testing.T) {
	dir := t.TempDir()
	if r := CheckFreeSpace("space", dir, 1); !r.Passed {
		t.Fatalf("expected pass for 1 byte, got: %s", r.Detail)
	}
	if r := CheckFreeSpace("space", dir, 1<<62); r.Passed {
		t.Fatal("expected failure for an impossible requirement")
	}
	if r := CheckFreeSpace("space", filepath.Join(dir, "missing"), 1); r.Passed {
		t.Fatal("expected failure for missing path")
	}
}

func TestCheckRuntime_Remote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"backend":"pooling","models":[{"role":"autoencoder"}]}`))
	}))
	defer srv.Close()

	result := CheckRuntime(context.Background(), config.Runtime{Backend: config.BackendRemote, URL: srv.URL})
	if !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
	if !strings.Contains(result.Detail, "1 models loaded") {
		t.Fatalf("detail = %q", result.Detail)
	}
}

func TestCheckRuntime_RemoteDown(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	result := CheckRuntime(context.Background(), config.Runtime{Backend: config.BackendRemote, URL: srv.URL})
	if result.Passed {
		t.Fatal("expected failure for unavailable runtime")
	}
	if hits != 1 {
		t.Fatalf("health check hit the server %d times, want 1", hits)
	}
}

func TestCheckRuntime_Pooling(t *testing.T) {
	if r := CheckRuntime(context.Background(), config.Runtime{Backend: config.BackendPooling}); !r.Passed {
		t.Fatalf("pooling backend should pass: %s", r.Detail)
	}
}

func TestForEmbedding(t *testing.T) {
	prev := MinFreeBytes
	MinFreeBytes = 1
	t.Cleanup(func() { MinFreeBytes = prev })

	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}
	if err := cfg.EnsureEmbeddingDirectory(); err != nil {
		t.Fatal(err)
	}
	testsupport.WriteManifest(t, cfg.Paths.Manifest, [2]string{"a.nii.gz", "ct"})
	testsupport.WriteFile(t, cfg.Autoencoder.Checkpoint, 64)

	results := ForEmbedding(context.Background(), cfg)
	if len(results) != 7 {
		t.Fatalf("expected 7 results, got %d", len(results))
	}
	if err := Err(results); err != nil {
		t.Fatalf("preflight failed: %v", err)
	}

	if err := os.Remove(cfg.Autoencoder.Checkpoint); err != nil {
		t.Fatal(err)
	}
	err := Err(ForEmbedding(context.Background(), cfg))
	if !errors.Is(err, ErrFailed) || !strings.Contains(err.Error(), "Autoencoder checkpoint") {
		t.Fatalf("error = %v, want a failed checkpoint check", err)
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	if results := ForEmbedding(context.Background(), nil); results != nil {
		t.Fatal("expected nil results for nil config")
	}
	if results := ForInference(context.Background(), nil, ""); results != nil {
		t.Fatal("expected nil results for nil config")
	}
	if err := Err(nil); err != nil {
		t.Fatalf("Err(nil) = %v", err)
	}
}
