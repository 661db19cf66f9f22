package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/account"
)

// PGStore persists role assignments in the single-row access_roles table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wires a pgxpool-backed role store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Load fetches the persisted assignments.
func (s *PGStore) Load(ctx context.Context) (Roles, bool, error) {
	const query = `
		SELECT owner, arbitrator, relayer, withdrawer, withdrawal_destination
		FROM access_roles
		WHERE id = TRUE
	`

	var (
		owner, destination              string
		arbitrator, relayer, withdrawer sql.NullString
	)
	err := s.pool.QueryRow(ctx, query).Scan(&owner, &arbitrator, &relayer, &withdrawer, &destination)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Roles{}, false, nil
		}
		return Roles{}, false, fmt.Errorf("access: query roles: %w", err)
	}

	return Roles{
		Owner:                 account.Address(owner),
		Arbitrator:            account.Address(arbitrator.String),
		Relayer:               account.Address(relayer.String),
		Withdrawer:            account.Address(withdrawer.String),
		WithdrawalDestination: account.Address(destination),
	}, true, nil
}

// Save upserts the assignments.
func (s *PGStore) Save(ctx context.Context, roles Roles) error {
	const upsertSQL = `
		INSERT INTO access_roles (id, owner, arbitrator, relayer, withdrawer, withdrawal_destination, updated_at)
		VALUES (TRUE, $1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), $5, now())
		ON CONFLICT (id) DO UPDATE SET
			arbitrator = EXCLUDED.arbitrator,
			relayer = EXCLUDED.relayer,
			withdrawer = EXCLUDED.withdrawer,
			withdrawal_destination = EXCLUDED.withdrawal_destination,
			updated_at = EXCLUDED.updated_at
	`

	if _, err := s.pool.Exec(ctx, upsertSQL,
		string(roles.Owner),
		string(roles.Arbitrator),
		string(roles.Relayer),
		string(roles.Withdrawer),
		string(roles.WithdrawalDestination),
	); err != nil {
		return fmt.Errorf("access: save roles: %w", err)
	}
	return nil
}
