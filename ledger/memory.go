package ledger

import (
	"context"
	"fmt"
	"sync"

	"escrowflow/account"
)

// Memory is an in-process ledger. It keeps balances, allowances granted to
// custody and the set of applied transfer references.
type Memory struct {
	mu         sync.Mutex
	custody    account.Address
	balances   map[account.Address]int64
	allowances map[account.Address]int64
	applied    map[string]appliedTransfer
}

var _ Ledger = (*Memory)(nil)

// NewMemory returns an empty ledger whose custody account is DefaultCustody.
func NewMemory() *Memory {
	return &Memory{
		custody:    DefaultCustody,
		balances:   make(map[account.Address]int64),
		allowances: make(map[account.Address]int64),
		applied:    make(map[string]appliedTransfer),
	}
}

// Mint credits amount to addr out of thin air.
func (m *Memory) Mint(addr account.Address, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[addr] += amount
}

// Approve sets how much custody may pull from owner.
func (m *Memory) Approve(owner account.Address, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowances[owner] = amount
}

// Balance returns the balance of addr.
func (m *Memory) Balance(addr account.Address) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[addr]
}

// Allowance returns what custody may still pull from owner.
func (m *Memory) Allowance(owner account.Address) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowances[owner]
}

// Custody returns the custody account address.
func (m *Memory) Custody() account.Address {
	return m.custody
}

// CustodyBalance returns the value currently held in custody.
func (m *Memory) CustodyBalance() int64 {
	return m.Balance(m.custody)
}

// Pull moves t.Amount from t.Account into custody.
func (m *Memory) Pull(ctx context.Context, t Transfer) error {
	if err := t.validate(m.custody); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	replayed, err := m.replay(directionPull, t)
	if err != nil || replayed {
		return err
	}
	if m.allowances[t.Account] < t.Amount {
		return fmt.Errorf("%w: %s allows %d, need %d", ErrInsufficientAllowance, t.Account, m.allowances[t.Account], t.Amount)
	}
	if m.balances[t.Account] < t.Amount {
		return fmt.Errorf("%w: %s holds %d, need %d", ErrInsufficientFunds, t.Account, m.balances[t.Account], t.Amount)
	}

	m.allowances[t.Account] -= t.Amount
	m.balances[t.Account] -= t.Amount
	m.balances[m.custody] += t.Amount
	m.applied[t.Reference] = appliedTransfer{direction: directionPull, account: t.Account, amount: t.Amount}
	return nil
}

// Pay moves t.Amount from custody to t.Account.
func (m *Memory) Pay(ctx context.Context, t Transfer) error {
	if err := t.validate(m.custody); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	replayed, err := m.replay(directionPay, t)
	if err != nil || replayed {
		return err
	}
	if m.balances[m.custody] < t.Amount {
		return fmt.Errorf("%w: custody holds %d, need %d", ErrInsufficientFunds, m.balances[m.custody], t.Amount)
	}

	m.balances[m.custody] -= t.Amount
	m.balances[t.Account] += t.Amount
	m.applied[t.Reference] = appliedTransfer{direction: directionPay, account: t.Account, amount: t.Amount}
	return nil
}

// Revert hands back the pull recorded under reference.
func (m *Memory) Revert(ctx context.Context, reference string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pulled, ok := m.applied[reference]
	if !ok {
		return nil
	}
	if pulled.direction != directionPull {
		return fmt.Errorf("%w: %s is not a pull", ErrReferenceConflict, reference)
	}
	undo := revertReference(reference)
	if _, done := m.applied[undo]; done {
		return nil
	}
	if m.balances[m.custody] < pulled.amount {
		return fmt.Errorf("%w: custody holds %d, need %d", ErrInsufficientFunds, m.balances[m.custody], pulled.amount)
	}

	m.balances[m.custody] -= pulled.amount
	m.balances[pulled.account] += pulled.amount
	m.allowances[pulled.account] += pulled.amount
	m.applied[undo] = appliedTransfer{direction: directionPay, account: pulled.account, amount: pulled.amount}
	return nil
}

// replay must be called with mu held.
func (m *Memory) replay(dir direction, t Transfer) (bool, error) {
	prev, ok := m.applied[t.Reference]
	if !ok {
		return false, nil
	}
	if prev.direction != dir || prev.account != t.Account || prev.amount != t.Amount {
		return false, fmt.Errorf("%w: %s", ErrReferenceConflict, t.Reference)
	}
	return true, nil
}
