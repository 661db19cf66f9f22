package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/account"
	"escrowflow/db"
)

// PGStore keeps escrows in Postgres. Each mutation runs in one transaction
// together with its fee account change and outbox row. Callbacks get that
// transaction through their context, so a ledger sharing the database
// commits its transfer with the mutation.
//
// Lock order: the sequence or escrow row, then fee_account, then whatever
// the callback locks in the ledger.
type PGStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PGStore)(nil)

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func lockFees(ctx context.Context, tx pgx.Tx) (FeeAccount, error) {
	var fa FeeAccount
	if err := tx.QueryRow(ctx, `SELECT accrued, withdrawable FROM fee_account WHERE id = TRUE FOR UPDATE`).
		Scan(&fa.Accrued, &fa.Withdrawable); err != nil {
		return FeeAccount{}, fmt.Errorf("escrow: lock fee account: %w", err)
	}
	return fa, nil
}

const recordColumns = `id, sender, recipient, payee, amount, fee, status, created_at, updated_at`

func (s *PGStore) Append(ctx context.Context, fund func(ctx context.Context, id uint64) (Record, Event, error)) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	// The sequence row lock serializes id assignment until commit.
	var next int64
	if err := tx.QueryRow(ctx, `SELECT next_id FROM escrow_sequence WHERE id = TRUE FOR UPDATE`).Scan(&next); err != nil {
		return Record{}, fmt.Errorf("escrow: lock sequence: %w", err)
	}
	id := uint64(next)
	if _, err := lockFees(ctx, tx); err != nil {
		return Record{}, err
	}

	rec, ev, err := fund(db.WithTx(ctx, tx), id)
	if err != nil {
		return Record{}, err
	}
	rec.ID = id

	const insertSQL = `
INSERT INTO escrows (id, sender, recipient, amount, fee, principal, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`
	if _, err := tx.Exec(ctx, insertSQL,
		next,
		string(rec.Sender),
		string(rec.Recipient),
		rec.Amount,
		rec.Fee,
		rec.Principal(),
		string(rec.Status),
		rec.CreatedAt,
		rec.UpdatedAt,
	); err != nil {
		return Record{}, fmt.Errorf("escrow: insert: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE escrow_sequence SET next_id = next_id + 1 WHERE id = TRUE`); err != nil {
		return Record{}, fmt.Errorf("escrow: advance sequence: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE fee_account SET accrued = accrued + $1, updated_at = now() WHERE id = TRUE`, rec.Fee); err != nil {
		return Record{}, fmt.Errorf("escrow: accrue fee: %w", err)
	}
	if err := enqueueOutbox(ctx, tx, ev); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit append: %w", err)
	}
	return rec, nil
}

func (s *PGStore) Settle(ctx context.Context, id uint64, apply func(ctx context.Context, rec Record) (Settlement, error)) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin settle: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := scanRecord(tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, int64(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return Record{}, fmt.Errorf("escrow: lock %d: %w", id, err)
	}

	if _, err := lockFees(ctx, tx); err != nil {
		return Record{}, err
	}

	out, err := apply(db.WithTx(ctx, tx), rec)
	if err != nil {
		return Record{}, err
	}
	if !out.Status.IsTerminal() {
		return Record{}, fmt.Errorf("escrow: settle %d: %q is not terminal", id, out.Status)
	}
	at := out.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	const updateSQL = `
UPDATE escrows
SET status = $2,
    payee = NULLIF($3, ''),
    updated_at = $4
WHERE id = $1 AND status = 'pending'
RETURNING ` + recordColumns
	rec, err = scanRecord(tx.QueryRow(ctx, updateSQL, int64(id), string(out.Status), string(out.Payee), at))
	if err != nil {
		return Record{}, fmt.Errorf("escrow: update %d: %w", id, err)
	}

	if out.Status == StatusReleased {
		if _, err := tx.Exec(ctx, `UPDATE fee_account SET withdrawable = withdrawable + $1, updated_at = now() WHERE id = TRUE`, rec.Fee); err != nil {
			return Record{}, fmt.Errorf("escrow: earn fee: %w", err)
		}
	}
	if err := enqueueOutbox(ctx, tx, out.Event); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit settle: %w", err)
	}
	return rec, nil
}

func (s *PGStore) DrainFees(ctx context.Context, drain func(ctx context.Context, fa FeeAccount) (Event, error)) (FeeAccount, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return FeeAccount{}, fmt.Errorf("escrow: begin drain: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := lockFees(ctx, tx)
	if err != nil {
		return FeeAccount{}, err
	}
	if current.Withdrawable == 0 {
		return current, nil
	}

	ev, err := drain(db.WithTx(ctx, tx), current)
	if err != nil {
		return FeeAccount{}, err
	}

	const drainSQL = `
UPDATE fee_account
SET accrued = accrued - withdrawable,
    withdrawable = 0,
    updated_at = now()
WHERE id = TRUE
`
	if _, err := tx.Exec(ctx, drainSQL); err != nil {
		return FeeAccount{}, fmt.Errorf("escrow: drain fee account: %w", err)
	}
	if err := enqueueOutbox(ctx, tx, ev); err != nil {
		return FeeAccount{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return FeeAccount{}, fmt.Errorf("escrow: commit drain: %w", err)
	}
	return current, nil
}

func (s *PGStore) Enqueue(ctx context.Context, ev Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin enqueue: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := enqueueOutbox(ctx, tx, ev); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit enqueue: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id uint64) (Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM escrows WHERE id = $1`, int64(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return Record{}, fmt.Errorf("escrow: get %d: %w", id, err)
	}
	return rec, nil
}

func (s *PGStore) List(ctx context.Context, filters ListFilters) ([]Record, int, error) {
	filters = filters.normalized()

	var (
		where []string
		args  []any
	)
	if !filters.Sender.IsZero() {
		args = append(args, string(filters.Sender))
		where = append(where, fmt.Sprintf("sender = $%d", len(args)))
	}
	if !filters.Recipient.IsZero() {
		args = append(args, string(filters.Recipient))
		where = append(where, fmt.Sprintf("recipient = $%d", len(args)))
	}
	if filters.Status != "" {
		args = append(args, string(filters.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM escrows `+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("escrow: count: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM escrows %s ORDER BY id DESC LIMIT $%d OFFSET $%d`,
		recordColumns, clause, len(args)+1, len(args)+2)
	args = append(args, filters.PageSize, (filters.Page-1)*filters.PageSize)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("escrow: list: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("escrow: scan: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("escrow: iterate: %w", err)
	}
	return records, total, nil
}

func (s *PGStore) Fees(ctx context.Context) (FeeAccount, error) {
	var fa FeeAccount
	if err := s.pool.QueryRow(ctx, `SELECT accrued, withdrawable FROM fee_account WHERE id = TRUE`).
		Scan(&fa.Accrued, &fa.Withdrawable); err != nil {
		return FeeAccount{}, fmt.Errorf("escrow: fees: %w", err)
	}
	return fa, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec                       Record
		id                        int64
		sender, recipient, status string
		payee                     sql.NullString
	)
	if err := row.Scan(&id, &sender, &recipient, &payee, &rec.Amount, &rec.Fee, &status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return Record{}, err
	}
	rec.ID = uint64(id)
	rec.Sender = account.Address(sender)
	rec.Recipient = account.Address(recipient)
	rec.Payee = account.Address(payee.String)
	rec.Status = Status(status)
	return rec, nil
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, ev Event) error {
	if ev.Topic == "" {
		return nil
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal outbox payload: %w", err)
	}

	const insertSQL = `
INSERT INTO outbox (id, topic, key, payload)
VALUES ($1, $2, $3, $4::jsonb)
`
	if _, err := tx.Exec(ctx, insertSQL, uuid.New(), ev.Topic, ev.Key, string(payload)); err != nil {
		return fmt.Errorf("escrow: enqueue outbox: %w", err)
	}
	return nil
}
