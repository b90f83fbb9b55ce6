// Package main hosts the maisi CLI entrypoint and command graph.
//
// The Cobra-based command tree covers latent embedding of training volumes
// (one process per rank), model artifact download, synthetic image
// generation, run reports from the ledger, volume header probing, and
// configuration scaffolding. It centralizes configuration resolution, logger
// setup and runtime selection so subcommands can focus on their own flow.
//
// Keep this package lean: add new functionality by extending the internal
// packages first, then surface it through dedicated commands or flags here.
package main
