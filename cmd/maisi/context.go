package main

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"maisi/internal/config"
	"maisi/internal/logging"
	"maisi/internal/runtime"
	"maisi/internal/runtime/pooling"
	"maisi/internal/runtime/remote"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
	})
	return c.config, c.configErr
}

func (c *commandContext) configValue() *config.Config {
	cfg, _ := c.ensureConfig()
	return cfg
}

// logger builds the per-invocation logger and prunes old log files.
func (c *commandContext) logger(command string, rank int) (*slog.Logger, string, error) {
	cfg := c.configValue()
	logger, logPath, err := logging.NewFromConfig(cfg, command, rank)
	if err != nil {
		return nil, "", fmt.Errorf("init logger: %w", err)
	}
	if cfg != nil && cfg.Paths.LogDir != "" {
		stats := logging.PruneRunLogs(logger, cfg.Paths.LogDir, cfg.Logging.RetentionDays, logPath)
		if stats.Removed > 0 {
			logger.Info("pruned old run logs", logging.Int("removed", stats.Removed), logging.Int("kept", stats.Kept))
		}
	}
	return logger, logPath, nil
}

// newBackend returns the model runtime selected in cfg.
func newBackend(cfg *config.Config, logger *slog.Logger) (runtime.Backend, error) {
	switch cfg.Runtime.Backend {
	case config.BackendPooling:
		return pooling.New(cfg.Runtime.PoolingFactor, cfg.Runtime.LatentChannels, logger), nil
	case config.BackendRemote:
		client, err := remote.New(remote.Config{
			BaseURL:        cfg.Runtime.URL,
			TimeoutSeconds: cfg.Runtime.TimeoutSeconds,
		}, remote.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown runtime backend %q", cfg.Runtime.Backend)
	}
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
