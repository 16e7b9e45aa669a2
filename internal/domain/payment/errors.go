package payment

import "errors"

// Sentinel kinds for payment errors.
var (
	// ErrAllocationInvariantViolation means payouts exceeded the task budget.
	// Settlement of the task must stop.
	ErrAllocationInvariantViolation = errors.New("allocation invariant violation")
	ErrInvalidShares                = errors.New("invalid pool shares")
)
