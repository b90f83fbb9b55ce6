// Package runtime defines the contract between maisi and the model runtime
// that owns the neural networks: loading checkpoints, encoding volumes into
// latents, and generating masks and images. Backends live in subpackages;
// pooling runs in process, remote talks HTTP to a server built with serve.
package runtime
