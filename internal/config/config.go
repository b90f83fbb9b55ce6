package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains input, output and state directories.
type Paths struct {
	DataBaseDir      string `toml:"data_base_dir"`
	EmbeddingBaseDir string `toml:"embedding_base_dir"`
	Manifest         string `toml:"manifest"`
	ModelDir         string `toml:"model_dir"`
	OutputDir        string `toml:"output_dir"`
	LogDir           string `toml:"log_dir"`
	StateDir         string `toml:"state_dir"`
	DatasetsRoot     string `toml:"datasets_root"`
}

// Autoencoder contains the encoder checkpoint and windowed encoding settings.
type Autoencoder struct {
	Checkpoint           string  `toml:"checkpoint"`
	StateKey             string  `toml:"state_key"`
	Definition           string  `toml:"definition"`
	SlidingWindowSize    []int   `toml:"sliding_window_size"`
	SlidingWindowOverlap float64 `toml:"sliding_window_overlap"`
	Precision            string  `toml:"precision"`
	BaseDim              int     `toml:"base_dim"`
}

// Runtime selects the model backend that executes encoder and sampler calls.
type Runtime struct {
	Backend        string `toml:"backend"`
	URL            string `toml:"url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	PoolingFactor  int    `toml:"pooling_factor"`
	LatentChannels int    `toml:"latent_channels"`
}

// Distributed describes this worker's place in a statically partitioned job.
// RANK, LOCAL_RANK and WORLD_SIZE override these at run time.
type Distributed struct {
	Rank                  int `toml:"rank"`
	WorldSize             int `toml:"world_size"`
	BarrierTimeoutSeconds int `toml:"barrier_timeout_seconds"`
}

// Download contains model artifact download settings.
type Download struct {
	Version        string `toml:"version"`
	Concurrency    int    `toml:"concurrency"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	Retries        int    `toml:"retries"`
	MirrorDir      string `toml:"mirror_dir"`
}

// Inference points at the JSON documents that drive image generation.
type Inference struct {
	EnvironmentFile  string   `toml:"environment"`
	ConfigFile       string   `toml:"config"`
	InferenceFile    string   `toml:"inference"`
	ExtraFiles       []string `toml:"extra"`
	RandomSeed       *int64   `toml:"random_seed,omitempty"`
	NumOutputSamples int      `toml:"num_output_samples"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for maisi.
//
// Configuration sections by subsystem:
//   - Paths: data, embedding, model, output, log and state directories
//   - Autoencoder: encoder checkpoint and sliding window settings
//   - Runtime: model backend selection
//   - Distributed: rank and world size for partitioned runs
//   - Download: model artifact fetching
//   - Inference: JSON documents and overrides for image generation
//   - Logging: log format, level, and retention
type Config struct {
	Paths       Paths       `toml:"paths"`
	Autoencoder Autoencoder `toml:"autoencoder"`
	Runtime     Runtime     `toml:"runtime"`
	Distributed Distributed `toml:"distributed"`
	Download    Download    `toml:"download"`
	Inference   Inference   `toml:"inference"`
	Logging     Logging     `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("maisi.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories every command writes into.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.LogDir, c.Paths.StateDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// EnsureEmbeddingDirectory creates the embedding output root.
func (c *Config) EnsureEmbeddingDirectory() error {
	if err := os.MkdirAll(c.Paths.EmbeddingBaseDir, 0o755); err != nil {
		return fmt.Errorf("create embedding directory %q: %w", c.Paths.EmbeddingBaseDir, err)
	}
	return nil
}

// SlidingWindowROI returns the configured window size as a fixed triple.
func (c *Config) SlidingWindowROI() [3]int {
	var roi [3]int
	copy(roi[:], c.Autoencoder.SlidingWindowSize)
	return roi
}

// RuntimeTimeout returns the per-request runtime timeout.
func (c *Config) RuntimeTimeout() time.Duration {
	return time.Duration(c.Runtime.TimeoutSeconds) * time.Second
}

// DownloadTimeout returns the per-artifact download timeout.
func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.Download.TimeoutSeconds) * time.Second
}

// BarrierTimeout returns how long a rank waits for its peers at shutdown.
func (c *Config) BarrierTimeout() time.Duration {
	return time.Duration(c.Distributed.BarrierTimeoutSeconds) * time.Second
}

// LedgerPath returns the location of the shared run ledger database.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.Paths.StateDir, "ledger.db")
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// SampleConfig returns the embedded sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
