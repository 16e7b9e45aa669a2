package repository

import "errors"

// Sentinel kinds for result store errors.
var (
	ErrNotFound     = errors.New("settlement record not found")
	ErrInvalidLimit = errors.New("invalid record limit")
	ErrEmptyTaskID  = errors.New("empty task id")
)
