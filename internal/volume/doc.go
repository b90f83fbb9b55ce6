// Package volume reads and writes NIfTI-1 volumes and implements the
// geometric transforms applied before encoding: reorientation to RAS and
// trilinear resampling with matching affine updates.
package volume
