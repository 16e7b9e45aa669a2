package embedding

import "errors"

// Sentinel kinds for embedding errors.
var (
	ErrProvider = errors.New("embedding provider error")
	ErrNoURL    = errors.New("embedding url not configured")
)
