package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/account"
)

var (
	// ErrPrincipalNotFound signals that the principal does not exist.
	ErrPrincipalNotFound = errors.New("auth: principal not found")
	// ErrDuplicateAddress signals that the address is already registered.
	ErrDuplicateAddress = errors.New("auth: address already registered")
)

// Repository handles data access for authentication.
type Repository interface {
	CreatePrincipal(ctx context.Context, address account.Address, passwordHash string) (Principal, error)
	GetPrincipal(ctx context.Context, address account.Address) (Principal, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// CreatePrincipal inserts a principal with a hashed password.
func (r *PGRepository) CreatePrincipal(ctx context.Context, address account.Address, passwordHash string) (Principal, error) {
	const insertSQL = `
		INSERT INTO principals (address, password_hash)
		VALUES ($1, $2)
		RETURNING address, password_hash, created_at
	`

	p, err := scanPrincipal(r.pool.QueryRow(ctx, insertSQL, string(address), passwordHash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Principal{}, ErrDuplicateAddress
		}
		return Principal{}, fmt.Errorf("auth: create principal: %w", err)
	}
	return p, nil
}

// GetPrincipal retrieves a principal by address.
func (r *PGRepository) GetPrincipal(ctx context.Context, address account.Address) (Principal, error) {
	const selectSQL = `
		SELECT address, password_hash, created_at
		FROM principals
		WHERE address = $1
	`

	p, err := scanPrincipal(r.pool.QueryRow(ctx, selectSQL, string(address)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, ErrPrincipalNotFound
		}
		return Principal{}, fmt.Errorf("auth: get principal: %w", err)
	}
	return p, nil
}

func scanPrincipal(row pgx.Row) (Principal, error) {
	var (
		p       Principal
		address string
	)
	if err := row.Scan(&address, &p.PasswordHash, &p.CreatedAt); err != nil {
		return Principal{}, err
	}
	p.Address = account.Address(address)
	return p, nil
}
