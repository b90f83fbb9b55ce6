// Package transform builds the ordered preprocessing pipelines applied to
// each volume before encoding: load, channel-first, RAS orientation,
// modality-specific intensity scaling and an optional resize to rounded
// target dimensions.
package transform
