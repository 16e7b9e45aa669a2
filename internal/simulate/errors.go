package simulate

import "errors"

// Sentinel errors returned by Run and its checks.
var (
	ErrInvalidConfig      = errors.New("invalid simulation config")
	ErrConservation       = errors.New("budget not conserved")
	ErrNondeterministic   = errors.New("settlement is not deterministic")
	ErrMissingResult      = errors.New("task has no stored result")
	ErrVerificationFailed = errors.New("verification failed")
)
