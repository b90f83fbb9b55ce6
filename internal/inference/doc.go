// Package inference drives synthetic image generation: it merges the JSON
// inference documents into Settings, validates the requested output, loads
// the five generator checkpoints into a model runtime and samples image and
// label volumes.
package inference
