// Package embedding turns manifest volumes into autoencoder latents.
//
// The Driver walks the entries assigned to one rank and hands each to the
// Processor, which probes the header, rounds the target size, runs the
// transform pipeline, encodes through the sliding window and writes the latent
// next to its siblings under the embedding directory. A failing entry becomes
// a failed Result in the Report; it never stops the batch. Outputs are written
// atomically, so an existing output is always complete and is skipped on the
// next run.
package embedding
