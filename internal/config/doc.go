// Package config loads, normalizes, and validates maisi configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// MAISI_DATA_DIRECTORY and MAISI_RUNTIME_URL. The Config type centralizes
// every knob the embed, download and infer commands need.
//
// The package also reads the JSON configuration documents used by the
// training and inference scripts (environment, model definition, inference
// hyper-parameters), merging them in order and decoding the result into typed
// settings.
package config
