package model

import "errors"

// Sentinel kinds for model errors.
var (
	ErrInvalidSnapshot = errors.New("invalid snapshot")
)
