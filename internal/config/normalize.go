package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	c.applyEnvironment()
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeInference(); err != nil {
		return err
	}
	c.normalizeAutoencoder()
	c.normalizeRuntime()
	c.normalizeDownload()
	c.normalizeLogging()
	return nil
}

func (c *Config) applyEnvironment() {
	for _, key := range []string{EnvDataDirectory, EnvMonaiDataDirectory} {
		if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
			c.Paths.DatasetsRoot = strings.TrimSpace(value)
			break
		}
	}
	if value, ok := os.LookupEnv(EnvRuntimeURL); ok && strings.TrimSpace(value) != "" {
		c.Runtime.URL = strings.TrimSpace(value)
	}
}

func (c *Config) normalizePaths() error {
	if strings.TrimSpace(c.Paths.DatasetsRoot) == "" {
		c.Paths.DatasetsRoot = "."
	}
	fields := []struct {
		name  string
		value *string
	}{
		{"paths.data_base_dir", &c.Paths.DataBaseDir},
		{"paths.embedding_base_dir", &c.Paths.EmbeddingBaseDir},
		{"paths.manifest", &c.Paths.Manifest},
		{"paths.model_dir", &c.Paths.ModelDir},
		{"paths.output_dir", &c.Paths.OutputDir},
		{"paths.log_dir", &c.Paths.LogDir},
		{"paths.state_dir", &c.Paths.StateDir},
		{"paths.datasets_root", &c.Paths.DatasetsRoot},
		{"autoencoder.checkpoint", &c.Autoencoder.Checkpoint},
		{"autoencoder.definition", &c.Autoencoder.Definition},
		{"download.mirror_dir", &c.Download.MirrorDir},
	}
	for _, f := range fields {
		expanded, err := expandPath(strings.TrimSpace(*f.value))
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.value = expanded
	}
	return nil
}

func (c *Config) normalizeInference() error {
	var err error
	if c.Inference.EnvironmentFile, err = expandPath(strings.TrimSpace(c.Inference.EnvironmentFile)); err != nil {
		return fmt.Errorf("inference.environment: %w", err)
	}
	if c.Inference.ConfigFile, err = expandPath(strings.TrimSpace(c.Inference.ConfigFile)); err != nil {
		return fmt.Errorf("inference.config: %w", err)
	}
	if c.Inference.InferenceFile, err = expandPath(strings.TrimSpace(c.Inference.InferenceFile)); err != nil {
		return fmt.Errorf("inference.inference: %w", err)
	}
	extras := c.Inference.ExtraFiles[:0]
	for _, p := range c.Inference.ExtraFiles {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		expanded, err := expandPath(p)
		if err != nil {
			return fmt.Errorf("inference.extra: %w", err)
		}
		extras = append(extras, expanded)
	}
	c.Inference.ExtraFiles = extras
	return nil
}

func (c *Config) normalizeAutoencoder() {
	c.Autoencoder.StateKey = strings.TrimSpace(c.Autoencoder.StateKey)
	c.Autoencoder.Precision = strings.ToLower(strings.TrimSpace(c.Autoencoder.Precision))
	if c.Autoencoder.BaseDim == 0 {
		c.Autoencoder.BaseDim = defaultBaseDim
	}
}

func (c *Config) normalizeRuntime() {
	c.Runtime.Backend = strings.ToLower(strings.TrimSpace(c.Runtime.Backend))
	if c.Runtime.Backend == "" {
		c.Runtime.Backend = defaultRuntimeBackend
	}
	c.Runtime.URL = strings.TrimRight(strings.TrimSpace(c.Runtime.URL), "/")
	if c.Runtime.TimeoutSeconds == 0 {
		c.Runtime.TimeoutSeconds = defaultRuntimeTimeoutSeconds
	}
}

func (c *Config) normalizeDownload() {
	c.Download.Version = strings.ToLower(strings.TrimSpace(c.Download.Version))
	if c.Download.Concurrency == 0 {
		c.Download.Concurrency = defaultDownloadConcurrency
	}
	if c.Download.TimeoutSeconds == 0 {
		c.Download.TimeoutSeconds = defaultDownloadTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
