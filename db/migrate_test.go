package db

import (
	"strings"
	"testing"
)

func TestMigrationsEmbedded(t *testing.T) {
	names, err := Migrations()
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if len(names) == 0 {
		t.Fatalf("expected embedded migrations, got none")
	}

	sql, err := MigrationsSQL()
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}
	for _, table := range []string{
		"escrows", "escrow_sequence", "fee_account", "access_roles", "outbox",
		"principals", "ledger_accounts", "ledger_allowances", "ledger_transfers",
	} {
		if !strings.Contains(sql, "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Fatalf("expected table %s in migrations", table)
		}
	}
}

func TestNewPoolRejectsEmptyDSN(t *testing.T) {
	if _, err := NewPool(t.Context(), "", PoolOptions{}); err == nil {
		t.Fatalf("expected error for empty connection string")
	}
}
