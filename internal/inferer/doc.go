// Package inferer runs a model over large volumes in overlapping windows and
// blends the window outputs with gaussian importance weights, bounding the
// size of every single model call.
package inferer
