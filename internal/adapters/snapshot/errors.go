package snapshot

import "errors"

// Sentinel kinds for snapshot errors.
var (
	ErrDecode      = errors.New("decode snapshot")
	ErrInvalidName = errors.New("invalid archive name")
)
