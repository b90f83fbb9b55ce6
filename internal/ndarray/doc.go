// Package ndarray holds the dense float32 arrays exchanged between the
// transform pipeline, the windowed encoder, and the model runtimes.
//
// Arrays are row-major (last axis fastest). Axis permutation is delegated to
// the tensor library so that large volume reorders reuse its strided copy.
package ndarray
