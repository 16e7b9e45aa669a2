package service

import "errors"

// Sentinel kinds for service errors.
var (
	ErrNotStarted     = errors.New("service not started")
	ErrAlreadySettled = errors.New("task already claimed for settlement")
	ErrBackpressure   = errors.New("settlement queue full")
)
