package consensus

import "errors"

// Sentinel kinds for consensus errors.
var (
	ErrInvalidConfig = errors.New("invalid consensus config")
)
