package infra

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AdminDSNEnv points at a maintenance database on a local server, used to
// create a scratch database when neither a DSN nor docker is available.
const AdminDSNEnv = "ESCROWFLOW_PG_ADMIN_DSN"

const defaultAdminDSN = "postgres://postgres@127.0.0.1:5432/postgres?sslmode=disable"

// ErrNoDatabase is returned when no Postgres source is reachable.
var ErrNoDatabase = errors.New("infra: no postgres available")

// Harness owns a migrated database for integration tests.
type Harness struct {
	pool    *pgxpool.Pool
	release []func(context.Context) error
}

// NewHarness finds a database and applies the embedded migrations. Sources,
// first match wins: dsn, STRESS_TEST_PG_DSN (both in an isolated schema), a
// Postgres 16 container, a scratch database on the local server.
func NewHarness(ctx context.Context, dsn string) (*Harness, error) {
	h := &Harness{}
	shared := true
	if dsn == "" {
		dsn = os.Getenv(DSNEnv)
	}

	switch {
	case dsn != "":
	case DockerAvailable(ctx):
		container, containerDSN, err := StartPostgres16(ctx)
		if err != nil {
			return nil, fmt.Errorf("start postgres: %w", err)
		}
		h.release = append(h.release, container.Terminate)
		dsn, shared = containerDSN, false
	default:
		scratchDSN, drop, err := scratchDatabase(ctx, adminDSN())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoDatabase, err)
		}
		h.release = append(h.release, drop)
		dsn, shared = scratchDSN, false
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		h.Close(ctx)
		return nil, err
	}
	h.pool = pool
	// Released in reverse, so the schema goes before its database.
	h.release = append(h.release, teardown)
	return h, nil
}

// NewTestHarness returns a Harness closed with the test, or skips the test
// when no database can be found.
func NewTestHarness(t testing.TB) *Harness {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test skipped in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	h, err := NewHarness(ctx, "")
	if errors.Is(err, ErrNoDatabase) {
		t.Skipf("postgres integration test needs %s, docker or a local server (%s): %v", DSNEnv, AdminDSNEnv, err)
	}
	if err != nil {
		t.Fatalf("new harness: %v", err)
	}
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	for i := len(h.release) - 1; i >= 0; i-- {
		_ = h.release[i](ctx)
	}
	h.release = nil
}

func adminDSN() string {
	if dsn := os.Getenv(AdminDSNEnv); dsn != "" {
		return dsn
	}
	return defaultAdminDSN
}

// scratchDatabase creates a uniquely named database next to the one admin
// points at. admin must be in URL form.
func scratchDatabase(ctx context.Context, admin string) (string, func(context.Context) error, error) {
	target, err := url.Parse(admin)
	if err != nil {
		return "", nil, fmt.Errorf("parse admin dsn: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := pgx.Connect(connectCtx, admin)
	if err != nil {
		return "", nil, fmt.Errorf("connect admin: %w", err)
	}
	defer conn.Close(ctx)

	name := fmt.Sprintf("escrowflow_test_%d", time.Now().UnixNano())
	ident := pgx.Identifier{name}.Sanitize()
	if _, err := conn.Exec(ctx, "CREATE DATABASE "+ident); err != nil {
		return "", nil, fmt.Errorf("create database %s: %w", name, err)
	}

	drop := func(ctx context.Context) error {
		conn, err := pgx.Connect(ctx, admin)
		if err != nil {
			return err
		}
		defer conn.Close(ctx)
		_, err = conn.Exec(ctx, "DROP DATABASE IF EXISTS "+ident+" WITH (FORCE)")
		return err
	}

	target.Path = "/" + name
	return target.String(), drop, nil
}

// Reset truncates mutable tables and rewinds the singleton rows.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"escrows",
		"outbox",
		"access_roles",
		"principals",
		"ledger_transfers",
		"ledger_allowances",
		"ledger_accounts",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE escrow_sequence SET next_id = 0`); err != nil {
		return fmt.Errorf("reset sequence: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE fee_account SET accrued = 0, withdrawable = 0, updated_at = now()`); err != nil {
		return fmt.Errorf("reset fee account: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}

	return nil
}
