package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/account"
)

type Oracle struct {
	Name string
	SQL  string
	Args []any
}

// Continuous holds at every committed snapshot, even while actors run.
func Continuous() []Oracle {
	return []Oracle{
		{
			Name: "O1_principal_split",
			SQL: `SELECT id, principal, amount, fee FROM escrows
                  WHERE amount + fee <> principal
                     OR fee <> (principal / 10000) * 200 + (principal % 10000) * 200 / 10000`,
		},
		{
			Name: "O2_dense_ids",
			SQL: `SELECT s.next_id, c.n, c.top FROM escrow_sequence s,
                       (SELECT COUNT(*) AS n, COALESCE(MAX(id) + 1, 0) AS top FROM escrows) c
                  WHERE s.next_id <> c.n OR s.next_id <> c.top`,
		},
		{
			Name: "O3_one_settlement_event",
			SQL: `SELECT e.id, e.status, COUNT(o.id) AS events FROM escrows e
                  LEFT JOIN outbox o ON o.key = e.id::text
                       AND o.topic IN ('escrow.released', 'escrow.cancelled', 'escrow.dispute_resolved')
                  GROUP BY e.id, e.status
                  HAVING COUNT(o.id) <> CASE WHEN e.status = 'pending' THEN 0 ELSE 1 END`,
		},
		{
			Name: "O4_fee_account",
			SQL: `SELECT f.accrued, f.withdrawable, p.held FROM fee_account f,
                       (SELECT COALESCE(SUM(fee), 0) AS held FROM escrows
                        WHERE status IN ('pending', 'cancelled')) p
                  WHERE f.accrued - f.withdrawable <> p.held`,
		},
		{
			Name: "O5_payee_iff_released",
			SQL:  `SELECT id, status, payee FROM escrows WHERE (status = 'released') <> (payee IS NOT NULL)`,
		},
		{
			Name: "O6_outbox_not_stuck",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O7_escrow_guard_trigger",
			SQL: `SELECT 'missing_escrows_guard_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'escrows_guard_trg')`,
		},
	}
}

// Quiescent holds once no operation is in flight. Funding and settlement
// commit the ledger movement before the escrow row.
func Quiescent(custody account.Address) []Oracle {
	return []Oracle{
		{
			Name: "O8_custody_conservation",
			SQL: `SELECT held, expected FROM (
                      SELECT COALESCE((SELECT balance FROM ledger_accounts WHERE address = $1), 0) AS held,
                             (SELECT COALESCE(SUM(principal), 0) FROM escrows WHERE status = 'pending')
                               + (SELECT withdrawable FROM fee_account) AS expected) c
                  WHERE held <> expected`,
			Args: []any{string(custody)},
		},
	}
}

// Run executes the oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool, set []Oracle) (string, string, error) {
	for _, o := range set {
		rows, err := pool.Query(ctx, o.SQL, o.Args...)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
