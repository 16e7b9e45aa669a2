package vectormath

import "errors"

// Sentinel kinds for vector math errors.
var (
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrNonFinite         = errors.New("non-finite vector component")
)
