// Package ledger defines the token ledger the escrow engine moves value
// through, together with an in-memory and a Postgres implementation.
//
// The ledger owns a single custody account. Pull moves value from a party
// into custody and requires that party's prior allowance; Pay moves value
// from custody to a party. Both are atomic: either the whole amount moves or
// nothing does.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"escrowflow/account"
)

var (
	// ErrInsufficientFunds signals the debited account cannot cover the amount.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrInsufficientAllowance signals the owner did not authorize custody to pull the amount.
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
	// ErrReferenceConflict signals a transfer reference was reused with different parameters.
	ErrReferenceConflict = errors.New("ledger: reference reused with different transfer")
	// ErrInvalidTransfer signals a malformed transfer request.
	ErrInvalidTransfer = errors.New("ledger: invalid transfer")
)

// DefaultCustody is the custody account used when none is configured.
const DefaultCustody account.Address = "escrow:custody"

// Transfer describes a single movement of value between an account and custody.
//
// Reference makes the transfer idempotent: replaying a reference with the same
// account, amount and direction succeeds without moving value again.
type Transfer struct {
	Account   account.Address
	Amount    int64
	Reference string
}

// Ledger is the external collaborator holding balances.
type Ledger interface {
	// Custody returns the account pooled escrow value is held in. It is
	// never a valid counterparty.
	Custody() account.Address
	// Pull moves t.Amount from t.Account into custody.
	Pull(ctx context.Context, t Transfer) error
	// Pay moves t.Amount from custody to t.Account.
	Pay(ctx context.Context, t Transfer) error
	// Revert hands back the value of the pull recorded under reference,
	// allowance included. It is a no-op when no such pull was applied and
	// replays safely.
	Revert(ctx context.Context, reference string) error
}

type direction string

const (
	directionPull direction = "pull"
	directionPay  direction = "pay"
)

func revertReference(reference string) string {
	return reference + ":revert"
}

type appliedTransfer struct {
	direction direction
	account   account.Address
	amount    int64
}

func (t Transfer) validate(custody account.Address) error {
	if err := t.Account.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTransfer, err)
	}
	if t.Account == custody {
		return fmt.Errorf("%w: custody cannot be a counterparty", ErrInvalidTransfer)
	}
	if t.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidTransfer, t.Amount)
	}
	if t.Reference == "" {
		return fmt.Errorf("%w: missing reference", ErrInvalidTransfer)
	}
	return nil
}
