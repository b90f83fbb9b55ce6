package config

const (
	defaultConfigPath            = "~/.config/maisi/config.toml"
	defaultDataBaseDir           = "./datasets"
	defaultEmbeddingBaseDir      = "./embeddings"
	defaultManifest              = "./datasets/dataset.json"
	defaultModelDir              = "."
	defaultOutputDir             = "./output"
	defaultLogDir                = "~/.local/share/maisi/logs"
	defaultStateDir              = "~/.local/share/maisi/state"
	defaultCheckpoint            = "./models/autoencoder_epoch273.pt"
	defaultStateKey              = "unet_state_dict"
	defaultSlidingWindowOverlap  = 0.4
	defaultPrecision             = "fp16"
	defaultBaseDim               = 128
	defaultRuntimeBackend        = "remote"
	defaultRuntimeURL            = "http://127.0.0.1:7620"
	defaultRuntimeTimeoutSeconds = 600
	defaultPoolingFactor         = 4
	defaultLatentChannels        = 4
	defaultWorldSize             = 1
	defaultBarrierTimeoutSeconds = 3600
	defaultDownloadVersion       = "rflow-ct"
	defaultDownloadConcurrency   = 4
	defaultDownloadTimeout       = 1800
	defaultDownloadRetries       = 3
	defaultEnvironmentFile       = "./configs/environment.json"
	defaultModelConfigFile       = "./configs/config_maisi.json"
	defaultInferenceFile         = "./configs/config_infer.json"
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
	defaultLogRetentionDays      = 30
)

// Runtime backends.
const (
	BackendRemote  = "remote"
	BackendPooling = "pooling"
)

// Environment variables consulted during normalization.
const (
	EnvDataDirectory      = "MAISI_DATA_DIRECTORY"
	EnvMonaiDataDirectory = "MONAI_DATA_DIRECTORY"
	EnvRuntimeURL         = "MAISI_RUNTIME_URL"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataBaseDir:      defaultDataBaseDir,
			EmbeddingBaseDir: defaultEmbeddingBaseDir,
			Manifest:         defaultManifest,
			ModelDir:         defaultModelDir,
			OutputDir:        defaultOutputDir,
			LogDir:           defaultLogDir,
			StateDir:         defaultStateDir,
		},
		Autoencoder: Autoencoder{
			Checkpoint:           defaultCheckpoint,
			StateKey:             defaultStateKey,
			SlidingWindowSize:    []int{320, 320, 160},
			SlidingWindowOverlap: defaultSlidingWindowOverlap,
			Precision:            defaultPrecision,
			BaseDim:              defaultBaseDim,
		},
		Runtime: Runtime{
			Backend:        defaultRuntimeBackend,
			URL:            defaultRuntimeURL,
			TimeoutSeconds: defaultRuntimeTimeoutSeconds,
			PoolingFactor:  defaultPoolingFactor,
			LatentChannels: defaultLatentChannels,
		},
		Distributed: Distributed{
			WorldSize:             defaultWorldSize,
			BarrierTimeoutSeconds: defaultBarrierTimeoutSeconds,
		},
		Download: Download{
			Version:        defaultDownloadVersion,
			Concurrency:    defaultDownloadConcurrency,
			TimeoutSeconds: defaultDownloadTimeout,
			Retries:        defaultDownloadRetries,
		},
		Inference: Inference{
			EnvironmentFile: defaultEnvironmentFile,
			ConfigFile:      defaultModelConfigFile,
			InferenceFile:   defaultInferenceFile,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
