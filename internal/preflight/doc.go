// Package preflight provides readiness checks for the filesystem paths and
// the model runtime that maisi commands depend on.
//
// The embed and infer commands run the relevant set before loading any
// model. A failing check aborts the command, which is cheaper than
// discovering an unwritable output directory after hours of encoding.
package preflight
