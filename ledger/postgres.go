package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/account"
	"escrowflow/db"
)

// PGLedger keeps balances in Postgres. A transfer joins the transaction
// carried by its context (see db.WithTx) as a savepoint, or runs in its own
// transaction otherwise. Account rows are locked in address order so
// concurrent pulls and payments never deadlock on the custody row.
type PGLedger struct {
	pool    *pgxpool.Pool
	custody account.Address
}

var _ Ledger = (*PGLedger)(nil)

// NewPGLedger wires a pgxpool-backed ledger. An empty custody selects DefaultCustody.
func NewPGLedger(pool *pgxpool.Pool, custody account.Address) *PGLedger {
	if custody.IsZero() {
		custody = DefaultCustody
	}
	return &PGLedger{pool: pool, custody: custody}
}

// Custody returns the custody account address.
func (l *PGLedger) Custody() account.Address {
	return l.custody
}

// Pull moves t.Amount from t.Account into custody.
func (l *PGLedger) Pull(ctx context.Context, t Transfer) error {
	if err := t.validate(l.custody); err != nil {
		return err
	}

	tx, err := db.BeginFrom(ctx, l.pool)
	if err != nil {
		return fmt.Errorf("ledger: begin pull: %w", err)
	}
	defer tx.Rollback(ctx)

	replayed, err := reserveReference(ctx, tx, directionPull, t)
	if err != nil || replayed {
		return err
	}

	var allowance int64
	err = tx.QueryRow(ctx, `SELECT amount FROM ledger_allowances WHERE owner = $1 FOR UPDATE`, string(t.Account)).Scan(&allowance)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("ledger: load allowance: %w", err)
	}
	if allowance < t.Amount {
		return fmt.Errorf("%w: %s allows %d, need %d", ErrInsufficientAllowance, t.Account, allowance, t.Amount)
	}

	balances, err := lockAccounts(ctx, tx, t.Account, l.custody)
	if err != nil {
		return err
	}
	if balances[t.Account] < t.Amount {
		return fmt.Errorf("%w: %s holds %d, need %d", ErrInsufficientFunds, t.Account, balances[t.Account], t.Amount)
	}

	if _, err := tx.Exec(ctx, `UPDATE ledger_allowances SET amount = amount - $2 WHERE owner = $1`, string(t.Account), t.Amount); err != nil {
		return fmt.Errorf("ledger: spend allowance: %w", err)
	}
	if err := move(ctx, tx, t.Account, l.custody, t.Amount); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit pull: %w", err)
	}
	return nil
}

// Pay moves t.Amount from custody to t.Account.
func (l *PGLedger) Pay(ctx context.Context, t Transfer) error {
	if err := t.validate(l.custody); err != nil {
		return err
	}

	tx, err := db.BeginFrom(ctx, l.pool)
	if err != nil {
		return fmt.Errorf("ledger: begin pay: %w", err)
	}
	defer tx.Rollback(ctx)

	replayed, err := reserveReference(ctx, tx, directionPay, t)
	if err != nil || replayed {
		return err
	}

	balances, err := lockAccounts(ctx, tx, t.Account, l.custody)
	if err != nil {
		return err
	}
	if balances[l.custody] < t.Amount {
		return fmt.Errorf("%w: custody holds %d, need %d", ErrInsufficientFunds, balances[l.custody], t.Amount)
	}
	if err := move(ctx, tx, l.custody, t.Account, t.Amount); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit pay: %w", err)
	}
	return nil
}

// Revert hands back the pull recorded under reference.
func (l *PGLedger) Revert(ctx context.Context, reference string) error {
	tx, err := db.BeginFrom(ctx, l.pool)
	if err != nil {
		return fmt.Errorf("ledger: begin revert: %w", err)
	}
	defer tx.Rollback(ctx)

	var dir, addr string
	var amount int64
	err = tx.QueryRow(ctx, `SELECT direction, account, amount FROM ledger_transfers WHERE reference = $1`, reference).
		Scan(&dir, &addr, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ledger: load reference: %w", err)
	}
	if direction(dir) != directionPull {
		return fmt.Errorf("%w: %s is not a pull", ErrReferenceConflict, reference)
	}

	undo := Transfer{Account: account.Address(addr), Amount: amount, Reference: revertReference(reference)}
	replayed, err := reserveReference(ctx, tx, directionPay, undo)
	if err != nil || replayed {
		return err
	}

	// Allowance before accounts, in the order Pull takes them.
	const refundSQL = `
INSERT INTO ledger_allowances (owner, amount)
VALUES ($1, $2)
ON CONFLICT (owner) DO UPDATE SET amount = ledger_allowances.amount + EXCLUDED.amount
`
	if _, err := tx.Exec(ctx, refundSQL, addr, amount); err != nil {
		return fmt.Errorf("ledger: restore allowance: %w", err)
	}
	balances, err := lockAccounts(ctx, tx, undo.Account, l.custody)
	if err != nil {
		return err
	}
	if balances[l.custody] < amount {
		return fmt.Errorf("%w: custody holds %d, need %d", ErrInsufficientFunds, balances[l.custody], amount)
	}
	if err := move(ctx, tx, l.custody, undo.Account, amount); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit revert: %w", err)
	}
	return nil
}

// Mint credits amount to addr.
func (l *PGLedger) Mint(ctx context.Context, addr account.Address, amount int64) error {
	const upsertSQL = `
INSERT INTO ledger_accounts (address, balance)
VALUES ($1, $2)
ON CONFLICT (address) DO UPDATE SET balance = ledger_accounts.balance + EXCLUDED.balance
`
	if _, err := l.pool.Exec(ctx, upsertSQL, string(addr), amount); err != nil {
		return fmt.Errorf("ledger: mint: %w", err)
	}
	return nil
}

// Approve sets how much custody may pull from owner.
func (l *PGLedger) Approve(ctx context.Context, owner account.Address, amount int64) error {
	const upsertSQL = `
INSERT INTO ledger_allowances (owner, amount)
VALUES ($1, $2)
ON CONFLICT (owner) DO UPDATE SET amount = EXCLUDED.amount
`
	if _, err := l.pool.Exec(ctx, upsertSQL, string(owner), amount); err != nil {
		return fmt.Errorf("ledger: approve: %w", err)
	}
	return nil
}

// Balance returns the balance of addr; unknown accounts hold zero.
func (l *PGLedger) Balance(ctx context.Context, addr account.Address) (int64, error) {
	var balance int64
	err := l.pool.QueryRow(ctx, `SELECT balance FROM ledger_accounts WHERE address = $1`, string(addr)).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("ledger: balance: %w", err)
	}
	return balance, nil
}

// reserveReference records the transfer reference. It reports true when the
// same transfer was already applied.
func reserveReference(ctx context.Context, tx pgx.Tx, dir direction, t Transfer) (bool, error) {
	const insertSQL = `
INSERT INTO ledger_transfers (reference, direction, account, amount)
VALUES ($1, $2, $3, $4)
ON CONFLICT (reference) DO NOTHING
`
	tag, err := tx.Exec(ctx, insertSQL, t.Reference, string(dir), string(t.Account), t.Amount)
	if err != nil {
		return false, fmt.Errorf("ledger: reserve reference: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return false, nil
	}

	var prev appliedTransfer
	var prevDir, prevAccount string
	if err := tx.QueryRow(ctx, `SELECT direction, account, amount FROM ledger_transfers WHERE reference = $1`, t.Reference).
		Scan(&prevDir, &prevAccount, &prev.amount); err != nil {
		return false, fmt.Errorf("ledger: load reference: %w", err)
	}
	prev.direction = direction(prevDir)
	prev.account = account.Address(prevAccount)
	if prev.direction != dir || prev.account != t.Account || prev.amount != t.Amount {
		return false, fmt.Errorf("%w: %s", ErrReferenceConflict, t.Reference)
	}
	return true, nil
}

func lockAccounts(ctx context.Context, tx pgx.Tx, addrs ...account.Address) (map[account.Address]int64, error) {
	keys := make([]string, 0, len(addrs))
	for _, a := range addrs {
		keys = append(keys, string(a))
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, err := tx.Exec(ctx, `INSERT INTO ledger_accounts (address, balance) VALUES ($1, 0) ON CONFLICT (address) DO NOTHING`, k); err != nil {
			return nil, fmt.Errorf("ledger: ensure account: %w", err)
		}
	}

	rows, err := tx.Query(ctx, `SELECT address, balance FROM ledger_accounts WHERE address = ANY($1) ORDER BY address FOR UPDATE`, keys)
	if err != nil {
		return nil, fmt.Errorf("ledger: lock accounts: %w", err)
	}
	defer rows.Close()

	out := make(map[account.Address]int64, len(keys))
	for rows.Next() {
		var (
			addr    string
			balance int64
		)
		if err := rows.Scan(&addr, &balance); err != nil {
			return nil, fmt.Errorf("ledger: scan account: %w", err)
		}
		out[account.Address(addr)] = balance
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate accounts: %w", err)
	}
	return out, nil
}

func move(ctx context.Context, tx pgx.Tx, from, to account.Address, amount int64) error {
	if _, err := tx.Exec(ctx, `UPDATE ledger_accounts SET balance = balance - $2 WHERE address = $1`, string(from), amount); err != nil {
		return fmt.Errorf("ledger: debit %s: %w", from, err)
	}
	if _, err := tx.Exec(ctx, `UPDATE ledger_accounts SET balance = balance + $2 WHERE address = $1`, string(to), amount); err != nil {
		return fmt.Errorf("ledger: credit %s: %w", to, err)
	}
	return nil
}
