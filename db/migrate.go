package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrations returns the embedded migration files in apply order.
func Migrations() ([]string, error) {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("db: list migrations: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// MigrationsSQL concatenates every embedded migration.
func MigrationsSQL() (string, error) {
	names, err := Migrations()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, name := range names {
		data, err := migrationFS.ReadFile(name)
		if err != nil {
			return "", fmt.Errorf("db: read %s: %w", name, err)
		}
		b.Write(data)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// Migrate applies the embedded migrations. Every statement is idempotent so it
// is safe to run on each start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	names, err := Migrations()
	if err != nil {
		return err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("db: acquire conn: %w", err)
	}
	defer conn.Release()

	for _, name := range names {
		data, err := migrationFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("db: read %s: %w", name, err)
		}
		// Multi-statement scripts go through the simple protocol.
		res := conn.Conn().PgConn().Exec(ctx, string(data))
		if _, err := res.ReadAll(); err != nil {
			return fmt.Errorf("db: apply %s: %w", name, err)
		}
	}
	return nil
}
