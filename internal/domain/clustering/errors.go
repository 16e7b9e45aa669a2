package clustering

import "errors"

// Sentinel kinds for clustering errors.
var (
	// ErrClusteringFailure marks a run that fell back to the single-cluster result.
	ErrClusteringFailure = errors.New("clustering failure")
	ErrInvalidConfig     = errors.New("invalid clustering config")
)
