package config

import (
	"errors"
	"fmt"
	"strings"

	"maisi/internal/ndarray"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateAutoencoder(); err != nil {
		return err
	}
	if err := c.validateRuntime(); err != nil {
		return err
	}
	if err := c.validateDistributed(); err != nil {
		return err
	}
	if err := c.validateDownload(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if c.Paths.DataBaseDir == "" {
		return errors.New("paths.data_base_dir must be set")
	}
	if c.Paths.EmbeddingBaseDir == "" {
		return errors.New("paths.embedding_base_dir must be set")
	}
	if c.Paths.StateDir == "" {
		return errors.New("paths.state_dir must be set")
	}
	return nil
}

func (c *Config) validateAutoencoder() error {
	if len(c.Autoencoder.SlidingWindowSize) != 3 {
		return fmt.Errorf("autoencoder.sliding_window_size must have 3 entries, got %d", len(c.Autoencoder.SlidingWindowSize))
	}
	for i, v := range c.Autoencoder.SlidingWindowSize {
		if v <= 0 {
			return fmt.Errorf("autoencoder.sliding_window_size[%d] must be positive", i)
		}
	}
	if o := c.Autoencoder.SlidingWindowOverlap; o < 0 || o >= 1 {
		return fmt.Errorf("autoencoder.sliding_window_overlap must be in [0, 1), got %v", o)
	}
	if _, err := ndarray.ParsePrecision(c.Autoencoder.Precision); err != nil {
		return fmt.Errorf("autoencoder.precision: %w", err)
	}
	if c.Autoencoder.BaseDim < 0 {
		return errors.New("autoencoder.base_dim must be positive")
	}
	return nil
}

func (c *Config) validateRuntime() error {
	switch c.Runtime.Backend {
	case BackendRemote:
		if c.Runtime.URL == "" {
			return fmt.Errorf("runtime.url is required for the %s backend (or set %s)", BackendRemote, EnvRuntimeURL)
		}
		if !strings.HasPrefix(c.Runtime.URL, "http://") && !strings.HasPrefix(c.Runtime.URL, "https://") {
			return fmt.Errorf("runtime.url must be an http(s) URL, got %q", c.Runtime.URL)
		}
	case BackendPooling:
		if c.Runtime.PoolingFactor <= 0 {
			return errors.New("runtime.pooling_factor must be positive")
		}
	default:
		return fmt.Errorf("runtime.backend: unsupported value %q (want %s or %s)", c.Runtime.Backend, BackendRemote, BackendPooling)
	}
	if c.Runtime.TimeoutSeconds < 0 {
		return errors.New("runtime.timeout_seconds must be non-negative")
	}
	if c.Runtime.LatentChannels <= 0 {
		return errors.New("runtime.latent_channels must be positive")
	}
	return nil
}

func (c *Config) validateDistributed() error {
	if c.Distributed.WorldSize < 1 {
		return fmt.Errorf("distributed.world_size must be at least 1, got %d", c.Distributed.WorldSize)
	}
	if c.Distributed.Rank < 0 || c.Distributed.Rank >= c.Distributed.WorldSize {
		return fmt.Errorf("distributed.rank %d outside [0, %d)", c.Distributed.Rank, c.Distributed.WorldSize)
	}
	if c.Distributed.BarrierTimeoutSeconds < 0 {
		return errors.New("distributed.barrier_timeout_seconds must be non-negative")
	}
	return nil
}

func (c *Config) validateDownload() error {
	if c.Download.Concurrency < 1 {
		return errors.New("download.concurrency must be at least 1")
	}
	if c.Download.Retries < 0 {
		return errors.New("download.retries must be non-negative")
	}
	if c.Download.TimeoutSeconds < 0 {
		return errors.New("download.timeout_seconds must be non-negative")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	if c.Logging.RetentionDays < 0 {
		return errors.New("logging.retention_days must be non-negative")
	}
	return nil
}
