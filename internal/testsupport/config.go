package testsupport

import (
	"path/filepath"
	"testing"

	"maisi/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test
// and the built-in pooling runtime. It applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataBaseDir = filepath.Join(base, "data")
	cfgVal.Paths.EmbeddingBaseDir = filepath.Join(base, "embeddings")
	cfgVal.Paths.Manifest = filepath.Join(base, "data", "dataset.json")
	cfgVal.Paths.ModelDir = filepath.Join(base, "zoo")
	cfgVal.Paths.OutputDir = filepath.Join(base, "output")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.DatasetsRoot = base
	cfgVal.Autoencoder.Checkpoint = filepath.Join(base, "models", "autoencoder.pt")
	cfgVal.Autoencoder.SlidingWindowSize = []int{32, 32, 16}
	cfgVal.Autoencoder.Precision = "fp32"
	cfgVal.Runtime.Backend = config.BackendPooling
	cfgVal.Logging.RetentionDays = 0

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return builder.cfg
}

// WithWorld sets the rank and world size.
func WithWorld(rank, world int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Distributed.Rank = rank
		b.cfg.Distributed.WorldSize = world
	}
}

// WithSlidingWindow overrides the encoder window size.
func WithSlidingWindow(x, y, z int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Autoencoder.SlidingWindowSize = []int{x, y, z}
	}
}

// WithRemoteRuntime points the runtime at url.
func WithRemoteRuntime(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Runtime.Backend = config.BackendRemote
		b.cfg.Runtime.URL = url
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
