package escrow

import (
	"errors"

	"escrowflow/access"
)

var (
	// ErrUnauthorized is the access package sentinel so callers can match
	// either package.
	ErrUnauthorized = access.ErrUnauthorized
	// ErrNotFound is returned for an unknown escrow id.
	ErrNotFound = errors.New("escrow: not found")
	// ErrInvalidState is returned when the record is not pending.
	ErrInvalidState = errors.New("escrow: invalid state")
	// ErrTransferFailed wraps any ledger failure.
	ErrTransferFailed = errors.New("escrow: transfer failed")
	// ErrInvalidAmount is returned for a non-positive principal.
	ErrInvalidAmount = errors.New("escrow: invalid amount")
)
