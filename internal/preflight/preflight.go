package preflight

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"maisi/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name" yaml:"name"`
	Passed bool   `json:"passed" yaml:"passed"`
	Detail string `json:"detail" yaml:"detail"`
}

// ErrFailed is wrapped by Err when any check failed.
var ErrFailed = errors.New("preflight failed")

// ForEmbedding runs the checks an embedding run depends on. The embedding
// directory must exist; config.EnsureEmbeddingDirectory creates it.
func ForEmbedding(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}
	results := []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataBaseDir, false),
		CheckFile("Manifest", cfg.Paths.Manifest),
		CheckFile("Autoencoder checkpoint", cfg.Autoencoder.Checkpoint),
		CheckDirectoryAccess("Embedding directory", cfg.Paths.EmbeddingBaseDir, true),
		CheckFreeSpace("Embedding free space", cfg.Paths.EmbeddingBaseDir, MinFreeBytes),
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir, true),
	}
	return append(results, CheckRuntime(ctx, cfg.Runtime))
}

// ForInference runs the checks image generation depends on. outputDir is the
// directory samples are written to.
func ForInference(ctx context.Context, cfg *config.Config, outputDir string) []Result {
	if cfg == nil {
		return nil
	}
	results := []Result{
		CheckDirectoryAccess("Output directory", outputDir, true),
		CheckFreeSpace("Output free space", outputDir, MinFreeBytes),
	}
	return append(results, CheckRuntime(ctx, cfg.Runtime))
}

// ForDownload checks the destination of model artifacts.
func ForDownload(cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}
	return []Result{
		CheckDirectoryAccess("Model directory", cfg.Paths.ModelDir, true),
		CheckFreeSpace("Model free space", cfg.Paths.ModelDir, MinFreeBytes),
	}
}

// Err joins the failed results into one error wrapping ErrFailed, or
// returns nil when every check passed.
func Err(results []Result) error {
	var failed []string
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, fmt.Sprintf("%s: %s", r.Name, r.Detail))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrFailed, strings.Join(failed, "; "))
}
